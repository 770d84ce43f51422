// Package credentials issues the app JWT and per-installation access tokens.
// Installation tokens are cached until shortly before they expire, and at
// most one exchange per installation is in flight at any time.
package credentials

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/austindbirch/harborbot/internal/faults"
)

const (
	// DefaultValidity is the app JWT lifetime; the platform caps it at 10 minutes.
	DefaultValidity = 10 * time.Minute
	// DefaultRefreshMargin is how close to expiry a cached token is refreshed.
	DefaultRefreshMargin = 60 * time.Second
	// clockDrift backdates iat so a slightly fast platform clock accepts the JWT.
	clockDrift = 60 * time.Second
)

// Token is a short-lived bearer credential
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ValidAt reports whether the token is usable at now with margin to spare
func (t Token) ValidAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Add(margin).Before(t.ExpiresAt)
}

func (t Token) String() string {
	return fmt.Sprintf("token([REDACTED], expires %s)", t.ExpiresAt.UTC().Format(time.RFC3339))
}

// GoString keeps %#v from printing the value
func (t Token) GoString() string { return t.String() }

// Format keeps %v and %+v from printing the value
func (t Token) Format(f fmt.State, _ rune) { _, _ = f.Write([]byte(t.String())) }

// MarshalJSON keeps structured loggers from printing the value
func (t Token) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.String())), nil
}

// Exchanger trades an app JWT for an installation token
type Exchanger interface {
	Exchange(ctx context.Context, appJWT string, installationID int64) (Token, error)
}

// Options configures an Issuer
type Options struct {
	AppID         int64
	PrivateKey    *rsa.PrivateKey
	Exchanger     Exchanger
	CIToken       string
	Signer        ssh.Signer
	Validity      time.Duration
	RefreshMargin time.Duration
	Now           func() time.Time
}

// Issuer is safe for concurrent use by every worker unit
type Issuer struct {
	appID    int64
	key      *rsa.PrivateKey
	exch     Exchanger
	ciToken  string
	signer   ssh.Signer
	validity time.Duration
	margin   time.Duration
	now      func() time.Time

	group singleflight.Group

	mu     sync.RWMutex
	cache  map[int64]Token
	failed map[int64]error
}

// NewIssuer validates opts and returns an Issuer
func NewIssuer(opts Options) (*Issuer, error) {
	if opts.AppID <= 0 {
		return nil, fmt.Errorf("%w: app id must be positive", faults.ErrSecretUnavailable)
	}
	if opts.PrivateKey == nil {
		return nil, fmt.Errorf("%w: app private key is required", faults.ErrSecretUnavailable)
	}
	i := &Issuer{
		appID:    opts.AppID,
		key:      opts.PrivateKey,
		exch:     opts.Exchanger,
		ciToken:  opts.CIToken,
		signer:   opts.Signer,
		validity: opts.Validity,
		margin:   opts.RefreshMargin,
		now:      opts.Now,
		cache:    make(map[int64]Token),
		failed:   make(map[int64]error),
	}
	if i.validity <= 0 {
		i.validity = DefaultValidity
	}
	if i.margin <= 0 {
		i.margin = DefaultRefreshMargin
	}
	if i.now == nil {
		i.now = time.Now
	}
	return i, nil
}

// IssueAppToken signs a fresh app JWT
func (i *Issuer) IssueAppToken() (Token, error) {
	now := i.now()
	iat := now.Add(-clockDrift)
	exp := now.Add(i.validity)
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(i.appID, 10),
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign app token: %w", err)
	}
	return Token{Value: signed, IssuedAt: iat, ExpiresAt: exp}, nil
}

// IssueInstallationToken returns a cached token for the installation or
// exchanges a new one. Concurrent callers for the same installation share a
// single exchange.
func (i *Issuer) IssueInstallationToken(ctx context.Context, installationID int64) (Token, error) {
	if installationID <= 0 {
		return Token{}, faults.Permanentf("invalid installation id %d", installationID)
	}
	if tok, ok, err := i.cached(installationID); ok {
		return tok, err
	}
	if i.exch == nil {
		return Token{}, fmt.Errorf("%w: no token exchanger configured", faults.ErrAuthFailure)
	}

	key := strconv.FormatInt(installationID, 10)
	ch := i.group.DoChan(key, func() (any, error) {
		// a caller that lost the race may arrive after the winner stored the token
		if tok, ok, err := i.cached(installationID); ok {
			return tok, err
		}
		// detached so one caller's cancellation does not fail the others
		return i.exchange(context.WithoutCancel(ctx), installationID)
	})
	select {
	case <-ctx.Done():
		return Token{}, fmt.Errorf("%w: %w", faults.ErrTransientAuth, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// cached reports a remembered auth failure or a still-fresh token
func (i *Issuer) cached(installationID int64) (Token, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if err, ok := i.failed[installationID]; ok {
		return Token{}, true, err
	}
	if tok, ok := i.cache[installationID]; ok && tok.ValidAt(i.now(), i.margin) {
		return tok, true, nil
	}
	return Token{}, false, nil
}

func (i *Issuer) exchange(ctx context.Context, installationID int64) (Token, error) {
	app, err := i.IssueAppToken()
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", faults.ErrTransientAuth, err)
	}
	tok, err := i.exch.Exchange(ctx, app.Value, installationID)
	if err != nil {
		if !errors.Is(err, faults.ErrAuthFailure) && !errors.Is(err, faults.ErrTransientAuth) {
			err = fmt.Errorf("%w: %w", faults.ErrTransientAuth, err)
		}
		if errors.Is(err, faults.ErrAuthFailure) {
			i.mu.Lock()
			i.failed[installationID] = err
			delete(i.cache, installationID)
			i.mu.Unlock()
		}
		return Token{}, fmt.Errorf("installation %d: %w", installationID, err)
	}
	if tok.IssuedAt.IsZero() {
		tok.IssuedAt = i.now()
	}
	i.mu.Lock()
	i.cache[installationID] = tok
	i.mu.Unlock()
	return tok, nil
}

// ResetInstallation clears a remembered auth failure and cached token,
// e.g. after the app was reinstalled.
func (i *Issuer) ResetInstallation(installationID int64) {
	i.mu.Lock()
	delete(i.failed, installationID)
	delete(i.cache, installationID)
	i.mu.Unlock()
}

// CIToken returns the static CI token
func (i *Issuer) CIToken() (string, error) {
	if i.ciToken == "" {
		return "", fmt.Errorf("%w: ci token not loaded", faults.ErrSecretUnavailable)
	}
	return i.ciToken, nil
}

// Signer returns the commit-signing key
func (i *Issuer) Signer() (ssh.Signer, error) {
	if i.signer == nil {
		return nil, fmt.Errorf("%w: signing key not loaded", faults.ErrSecretUnavailable)
	}
	return i.signer, nil
}
