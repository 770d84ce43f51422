// Package handlers holds the side-effecting task handlers run by the
// executor. Handlers perform exactly one external call sequence per
// invocation and never retry; they classify their own failures with the
// faults taxonomy and leave retry decisions to the executor.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/crypto/ssh"

	"github.com/austindbirch/harborbot/internal/faults"
	"github.com/austindbirch/harborbot/internal/task"
)

// Scope is the credential a handler needs
type Scope int

const (
	ScopeNone Scope = iota
	ScopeInstallation
	ScopeCI
)

func (s Scope) String() string {
	switch s {
	case ScopeInstallation:
		return "installation"
	case ScopeCI:
		return "ci"
	default:
		return "none"
	}
}

// Credential is the scoped bearer value resolved for one execution
type Credential struct {
	Scope Scope
	Token string
}

func (c Credential) String() string { return fmt.Sprintf("credential(%s, [REDACTED])", c.Scope) }

// Format keeps %v and %+v from printing the token
func (c Credential) Format(f fmt.State, _ rune) { _, _ = f.Write([]byte(c.String())) }

// Handler performs the side effect of one task type
type Handler interface {
	Scope() Scope
	Execute(ctx context.Context, env task.Envelope, cred Credential) error
}

// ClientFactory builds GitHub clients authenticated with an installation token
type ClientFactory interface {
	ForToken(ctx context.Context, token string) *github.Client
}

// KeySource hands out the commit-signing key
type KeySource interface {
	Signer() (ssh.Signer, error)
}

// Registry maps task types to handlers
type Registry struct {
	handlers map[task.Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[task.Type]Handler)}
}

// Register installs h for t, replacing any earlier handler
func (r *Registry) Register(t task.Type, h Handler) {
	r.handlers[t] = h
}

// Lookup returns the handler for t. A missing handler is a permanent fault.
func (r *Registry) Lookup(t task.Type) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, faults.Permanentf("no handler for task type %q", t)
	}
	return h, nil
}

// Types lists the registered task types in sorted order
func (r *Registry) Types() []task.Type {
	out := make([]task.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Config wires the default handler set
type Config struct {
	Clients     ClientFactory
	HTTP        *http.Client // CI API calls
	CIAPIURL    string
	Keys        KeySource
	BotName     string
	BotEmail    string
	MergeMethod string // merge, squash or rebase
	Now         func() time.Time
}

// Default registers a handler for every task type
func Default(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := NewRegistry()
	r.Register(task.TypeComment, &Comment{clients: cfg.Clients})
	r.Register(task.TypeLabel, &Label{clients: cfg.Clients})
	r.Register(task.TypeMerge, &Merge{clients: cfg.Clients, method: cfg.MergeMethod})
	r.Register(task.TypeTriggerCI, NewTriggerCI(cfg.HTTP, cfg.CIAPIURL))
	r.Register(task.TypeSignCommit, &SignCommit{
		clients: cfg.Clients,
		keys:    cfg.Keys,
		name:    cfg.BotName,
		email:   cfg.BotEmail,
		now:     cfg.Now,
	})
	return r
}

// requireItem checks the fields every repository-item handler needs
func requireItem(env task.Envelope) error {
	if env.Repository.Owner == "" || env.Repository.Name == "" {
		return faults.Permanentf("%s: missing repository", env.Type)
	}
	if env.Number <= 0 {
		return faults.Permanentf("%s: missing item number", env.Type)
	}
	return nil
}

func requireToken(env task.Envelope, cred Credential) error {
	if cred.Token == "" {
		return fmt.Errorf("%s: %w: no credential resolved", env.Type, faults.ErrAuthFailure)
	}
	return nil
}
