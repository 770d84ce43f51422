package gateway

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/austindbirch/harborbot/internal/task"
)

// ErrMalformedPayload is returned for a known event whose body cannot be parsed
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Classifier maps one verified delivery to zero or more task envelopes
type Classifier interface {
	Classify(event, deliveryID string, body []byte) ([]task.Envelope, error)
}

// Rules is the default classification table
type Rules struct {
	BotHandle    string   // login the bot answers to, without "@"
	OpenedLabels []string // labels applied to newly opened pull requests
	Now          func() time.Time
}

// DefaultOpenedLabels are applied when Rules.OpenedLabels is empty
var DefaultOpenedLabels = []string{"needs-review"}

// command is one "@bot please ..." verb
type command struct {
	verb string
	typ  task.Type
	help string
}

var commands = []command{
	{verb: "merge", typ: task.TypeMerge, help: "merge this pull request"},
	{verb: "sign-merge", typ: task.TypeSignCommit, help: "land this pull request as a commit signed by the bot"},
	{verb: "rerun", typ: task.TypeTriggerCI, help: "trigger CI again"},
	{verb: "label", typ: task.TypeLabel, help: "add the given labels, e.g. `please label bug docs`"},
}

func (r Rules) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Rules) Classify(event, deliveryID string, body []byte) ([]task.Envelope, error) {
	switch event {
	case "pull_request", "pull_request_review", "issue_comment":
	default:
		// ping and everything else
		return nil, nil
	}

	parsed, err := github.ParseWebHook(event, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, event, err)
	}

	switch ev := parsed.(type) {
	case *github.PullRequestEvent:
		return r.pullRequest(deliveryID, ev), nil
	case *github.PullRequestReviewEvent:
		return r.review(deliveryID, ev), nil
	case *github.IssueCommentEvent:
		return r.comment(deliveryID, ev), nil
	default:
		return nil, nil
	}
}

// base fills the fields shared by every envelope of a delivery
func (r Rules) base(deliveryID string, t task.Type, event, action string, inst *github.Installation, repo *github.Repository, number int) task.Envelope {
	env := task.New(deliveryID, t, event+"."+action, r.now())
	env.Installation = inst.GetID()
	env.Repository = task.Repository{Owner: repo.GetOwner().GetLogin(), Name: repo.GetName()}
	env.Number = number
	return env
}

func (r Rules) pullRequest(deliveryID string, ev *github.PullRequestEvent) []task.Envelope {
	pr := ev.GetPullRequest()
	mk := func(t task.Type) task.Envelope {
		env := r.base(deliveryID, t, "pull_request", ev.GetAction(), ev.GetInstallation(), ev.GetRepo(), ev.GetNumber())
		env.HeadSHA = pr.GetHead().GetSHA()
		env.HeadRef = pr.GetHead().GetRef()
		return env
	}

	switch ev.GetAction() {
	case "opened":
		labels := r.OpenedLabels
		if len(labels) == 0 {
			labels = DefaultOpenedLabels
		}
		label := mk(task.TypeLabel)
		label.Payload = map[string]any{"labels": append([]string(nil), labels...)}
		return []task.Envelope{label, mk(task.TypeTriggerCI)}
	case "reopened", "synchronize":
		return []task.Envelope{mk(task.TypeTriggerCI)}
	default:
		return nil
	}
}

func (r Rules) review(deliveryID string, ev *github.PullRequestReviewEvent) []task.Envelope {
	if ev.GetAction() != "submitted" || !strings.EqualFold(ev.GetReview().GetState(), "approved") {
		return nil
	}
	env := r.base(deliveryID, task.TypeLabel, "pull_request_review", ev.GetAction(), ev.GetInstallation(), ev.GetRepo(), ev.GetPullRequest().GetNumber())
	env.HeadSHA = ev.GetPullRequest().GetHead().GetSHA()
	env.HeadRef = ev.GetPullRequest().GetHead().GetRef()
	env.Payload = map[string]any{"labels": []string{"approved"}}
	return []task.Envelope{env}
}

func (r Rules) comment(deliveryID string, ev *github.IssueCommentEvent) []task.Envelope {
	if ev.GetAction() != "created" || r.BotHandle == "" {
		return nil
	}
	issue := ev.GetIssue()
	if issue == nil || !issue.IsPullRequest() {
		return nil
	}
	author := ev.GetComment().GetUser().GetLogin()
	if r.isBot(author) {
		return nil
	}

	verb, args, ok := r.parseCommand(ev.GetComment().GetBody())
	if !ok {
		return nil
	}

	mk := func(t task.Type) task.Envelope {
		env := r.base(deliveryID, t, "issue_comment", ev.GetAction(), ev.GetInstallation(), ev.GetRepo(), issue.GetNumber())
		env.Payload = map[string]any{"requested_by": author}
		return env
	}

	for _, c := range commands {
		if c.verb != verb {
			continue
		}
		env := mk(c.typ)
		if c.typ == task.TypeLabel {
			if len(args) == 0 {
				break
			}
			env.Payload["labels"] = args
		}
		return []task.Envelope{env}
	}

	env := mk(task.TypeComment)
	env.Payload["body"] = r.helpText(author, verb)
	return []task.Envelope{env}
}

func (r Rules) isBot(login string) bool {
	login = strings.ToLower(login)
	handle := strings.ToLower(r.BotHandle)
	return login == handle || login == handle+"[bot]"
}

// parseCommand reads "@handle please <verb> [args...]" from the first line
func (r Rules) parseCommand(body string) (string, []string, bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "@"+r.BotHandle) {
		return "", nil, false
	}
	fields = fields[1:]
	if len(fields) > 0 && strings.EqualFold(fields[0], "please") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return "", nil, true
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func (r Rules) helpText(author, verb string) string {
	var b strings.Builder
	if verb == "" {
		fmt.Fprintf(&b, "@%s I did not catch a command.", author)
	} else {
		fmt.Fprintf(&b, "@%s I do not know how to `%s`.", author, verb)
	}
	b.WriteString(" I understand:\n\n")
	lines := make([]string, 0, len(commands))
	for _, c := range commands {
		lines = append(lines, fmt.Sprintf("- `@%s please %s`: %s", r.BotHandle, c.verb, c.help))
	}
	sort.Strings(lines)
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}
