package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/austindbirch/harborbot/internal/faults"
)

// GitHubExchanger exchanges app JWTs through the Apps API
type GitHubExchanger struct {
	newClient func() *github.Client
	now       func() time.Time
}

// NewGitHubExchanger takes a constructor for unauthenticated clients, such as
// platform.Factory.App. A fresh client is built per exchange because
// WithAuthToken rewrites the client's transport.
func NewGitHubExchanger(newClient func() *github.Client) *GitHubExchanger {
	return &GitHubExchanger{newClient: newClient, now: time.Now}
}

// Exchange implements Exchanger
func (g *GitHubExchanger) Exchange(ctx context.Context, appJWT string, installationID int64) (Token, error) {
	issued := g.now()
	tok, _, err := g.newClient().WithAuthToken(appJWT).Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return Token{}, classifyExchange(err)
	}
	if tok.GetToken() == "" {
		return Token{}, fmt.Errorf("%w: empty installation token", faults.ErrTransientAuth)
	}
	return Token{
		Value:     tok.GetToken(),
		IssuedAt:  issued,
		ExpiresAt: tok.GetExpiresAt().Time,
	}, nil
}

// classifyExchange separates rejected exchanges, which need an operator,
// from failures worth retrying.
func classifyExchange(err error) error {
	var (
		rle   *github.RateLimitError
		abuse *github.AbuseRateLimitError
		er    *github.ErrorResponse
	)
	switch {
	case errors.As(err, &rle), errors.As(err, &abuse):
		return fmt.Errorf("%w: %w", faults.ErrTransientAuth, err)
	case errors.As(err, &er) && er.Response != nil:
		switch er.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %w", faults.ErrAuthFailure, err)
		}
	}
	return fmt.Errorf("%w: %w", faults.ErrTransientAuth, err)
}
