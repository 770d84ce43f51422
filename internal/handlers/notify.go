package handlers

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"

	"github.com/austindbirch/harborbot/internal/platform"
	"github.com/austindbirch/harborbot/internal/task"
)

// Notifier posts the manual-attention comment for a task that reached
// failed-permanent
type Notifier struct {
	clients ClientFactory
}

func NewNotifier(clients ClientFactory) *Notifier {
	return &Notifier{clients: clients}
}

// Applicable reports whether env points at an item a notice can be posted on
func (n *Notifier) Applicable(env task.Envelope) bool {
	return n != nil && n.clients != nil && env.Installation > 0 && env.Number > 0 &&
		env.Repository.Owner != "" && env.Repository.Name != ""
}

// NotifyFailure comments on the item. The reason is a fault label, never the
// raw error, so no upstream response text is echoed into the repository.
func (n *Notifier) NotifyFailure(ctx context.Context, env task.Envelope, cred Credential, reason string) error {
	if !n.Applicable(env) {
		return nil
	}
	if err := requireToken(env, cred); err != nil {
		return err
	}
	body := FailureNotice(env, reason)
	gh := n.clients.ForToken(ctx, cred.Token)
	_, _, err := gh.Issues.CreateComment(ctx, env.Repository.Owner, env.Repository.Name, env.Number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return fmt.Errorf("post failure notice: %w", platform.Classify(err))
	}
	return nil
}

// FailureNotice renders the notice text. env is the envelope as
// dead-lettered, so its attempt count already includes the final failure.
func FailureNotice(env task.Envelope, reason string) string {
	return fmt.Sprintf(
		":warning: The `%s` task for this item failed after %d attempt(s) (%s) and needs manual attention.\n\nDelivery: `%s`",
		env.Type, env.Attempt, reason, env.DeliveryID,
	)
}
