package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/austindbirch/harborbot/internal/faults"
	"github.com/austindbirch/harborbot/internal/platform"
	"github.com/austindbirch/harborbot/internal/signing"
	"github.com/austindbirch/harborbot/internal/task"
)

// Comment posts payload["body"] on the issue or pull request
type Comment struct {
	clients ClientFactory
}

func (h *Comment) Scope() Scope { return ScopeInstallation }

func (h *Comment) Execute(ctx context.Context, env task.Envelope, cred Credential) error {
	if err := requireItem(env); err != nil {
		return err
	}
	body := env.PayloadString("body")
	if strings.TrimSpace(body) == "" {
		return faults.Permanentf("comment: empty body")
	}
	if err := requireToken(env, cred); err != nil {
		return err
	}
	gh := h.clients.ForToken(ctx, cred.Token)
	_, _, err := gh.Issues.CreateComment(ctx, env.Repository.Owner, env.Repository.Name, env.Number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return fmt.Errorf("create comment: %w", platform.Classify(err))
	}
	return nil
}

// Label adds payload["labels"] to the issue or pull request
type Label struct {
	clients ClientFactory
}

func (h *Label) Scope() Scope { return ScopeInstallation }

func (h *Label) Execute(ctx context.Context, env task.Envelope, cred Credential) error {
	if err := requireItem(env); err != nil {
		return err
	}
	labels := env.PayloadStrings("labels")
	if len(labels) == 0 {
		return faults.Permanentf("label: no labels in payload")
	}
	if err := requireToken(env, cred); err != nil {
		return err
	}
	gh := h.clients.ForToken(ctx, cred.Token)
	if _, _, err := gh.Issues.AddLabelsToIssue(ctx, env.Repository.Owner, env.Repository.Name, env.Number, labels); err != nil {
		return fmt.Errorf("add labels: %w", platform.Classify(err))
	}
	return nil
}

// Merge merges the pull request, pinned to the head sha the event carried.
// A moved head (409) or an unmergeable pull request (405) is permanent.
type Merge struct {
	clients ClientFactory
	method  string
}

func (h *Merge) Scope() Scope { return ScopeInstallation }

func (h *Merge) Execute(ctx context.Context, env task.Envelope, cred Credential) error {
	if err := requireItem(env); err != nil {
		return err
	}
	if err := requireToken(env, cred); err != nil {
		return err
	}
	method := h.method
	if method == "" {
		method = "squash"
	}
	gh := h.clients.ForToken(ctx, cred.Token)
	res, _, err := gh.PullRequests.Merge(ctx, env.Repository.Owner, env.Repository.Name, env.Number, "", &github.PullRequestOptions{
		CommitTitle: env.PayloadString("title"),
		SHA:         env.HeadSHA,
		MergeMethod: method,
	})
	if err != nil {
		return fmt.Errorf("merge pull request: %w", platform.Classify(err))
	}
	if !res.GetMerged() {
		return faults.Permanentf("merge pull request: not merged: %s", res.GetMessage())
	}
	return nil
}

// SignCommit lands the pull request on its base branch as one commit signed
// with the bot's key: the head tree on top of the current base tip, followed
// by a fast-forward of the base ref.
type SignCommit struct {
	clients ClientFactory
	keys    KeySource
	name    string
	email   string
	now     func() time.Time
}

func (h *SignCommit) Scope() Scope { return ScopeInstallation }

func (h *SignCommit) Execute(ctx context.Context, env task.Envelope, cred Credential) error {
	if err := requireItem(env); err != nil {
		return err
	}
	if h.keys == nil {
		return fmt.Errorf("sign-commit: %w: no signing key", faults.ErrSecretUnavailable)
	}
	key, err := h.keys.Signer()
	if err != nil {
		return fmt.Errorf("sign-commit: %w", err)
	}
	if err := requireToken(env, cred); err != nil {
		return err
	}

	owner, repo := env.Repository.Owner, env.Repository.Name
	gh := h.clients.ForToken(ctx, cred.Token)

	pr, _, err := gh.PullRequests.Get(ctx, owner, repo, env.Number)
	if err != nil {
		return fmt.Errorf("get pull request: %w", platform.Classify(err))
	}
	if pr.GetMerged() || pr.GetState() == "closed" {
		return faults.Permanentf("sign-commit: pull request #%d is %s", env.Number, pr.GetState())
	}
	headSHA := pr.GetHead().GetSHA()
	if env.HeadSHA != "" && headSHA != env.HeadSHA {
		return faults.Permanentf("sign-commit: head moved from %s to %s", env.HeadSHA, headSHA)
	}
	baseRef := pr.GetBase().GetRef()
	if headSHA == "" || baseRef == "" {
		return faults.Permanentf("sign-commit: pull request #%d has no head or base", env.Number)
	}

	head, _, err := gh.Git.GetCommit(ctx, owner, repo, headSHA)
	if err != nil {
		return fmt.Errorf("get head commit: %w", platform.Classify(err))
	}
	base, _, err := gh.Git.GetRef(ctx, owner, repo, "heads/"+baseRef)
	if err != nil {
		return fmt.Errorf("get base ref: %w", platform.Classify(err))
	}
	tree, parent := head.GetTree().GetSHA(), base.GetObject().GetSHA()
	if tree == "" || parent == "" {
		return faults.Permanentf("sign-commit: incomplete git data for #%d", env.Number)
	}

	now := github.Timestamp{Time: h.now().UTC().Truncate(time.Second)}
	ident := &github.CommitAuthor{Name: github.String(h.name), Email: github.String(h.email), Date: &now}
	message := fmt.Sprintf("%s (#%d)", pr.GetTitle(), env.Number)

	commit, _, err := gh.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message:   github.String(message),
		Tree:      &github.Tree{SHA: github.String(tree)},
		Parents:   []*github.Commit{{SHA: github.String(parent)}},
		Author:    ident,
		Committer: ident,
	}, &github.CreateCommitOptions{Signer: signing.NewSigner(key)})
	if err != nil {
		return fmt.Errorf("create signed commit: %w", platform.Classify(err))
	}

	// not forced: a base that moved since GetRef fails with 422 instead of
	// dropping someone else's commit
	_, _, err = gh.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String("refs/heads/" + baseRef),
		Object: &github.GitObject{SHA: commit.SHA},
	}, false)
	if err != nil {
		return fmt.Errorf("update %s: %w", baseRef, platform.Classify(err))
	}
	return nil
}
