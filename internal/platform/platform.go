// Package platform builds rate-limited GitHub API clients and maps API
// failures onto the fault taxonomy.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harborbot/internal/faults"
)

// DefaultAPIURL is the public GitHub REST endpoint
const DefaultAPIURL = "https://api.github.com/"

// Config controls outbound platform calls
type Config struct {
	APIURL  string        // REST base URL; empty means DefaultAPIURL
	Rate    float64       // requests per second across the process
	Burst   int           // limiter burst
	Timeout time.Duration // per-request ceiling on the HTTP client
}

// Factory hands out clients that share one rate limiter
type Factory struct {
	baseURL *url.URL
	limiter *rate.Limiter
	http    *http.Client
}

// NewFactory creates a client factory. Rate <= 0 disables limiting.
func NewFactory(cfg Config) (*Factory, error) {
	raw := cfg.APIURL
	if raw == "" {
		raw = DefaultAPIURL
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse platform api url: %w", err)
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	return &Factory{
		baseURL: u,
		limiter: limiter,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &limitedTransport{limiter: limiter, base: http.DefaultTransport},
		},
	}, nil
}

// HTTPClient returns the shared rate-limited client for non-GitHub calls
func (f *Factory) HTTPClient() *http.Client { return f.http }

// App returns an unauthenticated client. Callers authenticate with
// WithAuthToken, e.g. with the app JWT. WithAuthToken swaps the transport of
// the underlying http.Client, so every App client gets its own copy.
func (f *Factory) App() *github.Client {
	hc := *f.http
	c := github.NewClient(&hc)
	c.BaseURL = f.baseURL
	return c
}

// ForToken returns a client that authenticates with an installation token
func (f *Factory) ForToken(ctx context.Context, token string) *github.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.http)
	c := github.NewClient(oauth2.NewClient(ctx, ts))
	c.BaseURL = f.baseURL
	return c
}

type limitedTransport struct {
	limiter *rate.Limiter
	base    http.RoundTripper
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// Classify maps the result of a GitHub API call to a transient or permanent
// fault. Rate limiting, 5xx and network errors are transient; any other 4xx
// is permanent. Callers may special-case statuses before calling it.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		rle   *github.RateLimitError
		abuse *github.AbuseRateLimitError
		acc   *github.AcceptedError
		er    *github.ErrorResponse
	)
	switch {
	case errors.As(err, &rle), errors.As(err, &abuse), errors.As(err, &acc):
		return faults.Transient(err)
	case errors.As(err, &er) && er.Response != nil:
		return ClassifyStatus(er.Response.StatusCode, err)
	default:
		return faults.Transient(err)
	}
}

// ClassifyStatus classifies err by the HTTP status that produced it
func ClassifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return faults.Transient(err)
	case status >= 400:
		return faults.Permanent(err)
	default:
		return faults.Transient(err)
	}
}

// StatusOf returns the HTTP status carried by a GitHub API error, or 0
func StatusOf(err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}
