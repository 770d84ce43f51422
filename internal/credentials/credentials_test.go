package credentials

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harborbot/internal/faults"
)

var testKey = func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}()

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExchanger struct {
	calls   atomic.Int32
	clock   *clock
	ttl     time.Duration
	err     error
	started chan struct{}
	release chan struct{}
	lastJWT atomic.Value
}

func (f *fakeExchanger) Exchange(ctx context.Context, appJWT string, id int64) (Token, error) {
	n := f.calls.Add(1)
	f.lastJWT.Store(appJWT)
	if f.started != nil && n == 1 {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return Token{}, f.err
	}
	now := f.clock.Now()
	return Token{Value: fmt.Sprintf("ghs_%d_%d", id, n), IssuedAt: now, ExpiresAt: now.Add(f.ttl)}, nil
}

func newIssuer(t *testing.T, exch Exchanger, c *clock) *Issuer {
	t.Helper()
	i, err := NewIssuer(Options{
		AppID:      4242,
		PrivateKey: testKey,
		Exchanger:  exch,
		CIToken:    "ci-token",
		Now:        c.Now,
	})
	require.NoError(t, err)
	return i
}

func TestIssueAppToken(t *testing.T) {
	c := &clock{now: time.Now()}
	iss := newIssuer(t, nil, c)

	tok, err := iss.IssueAppToken()
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(tok.Value, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return &testKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(c.Now))
	require.NoError(t, err)

	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "4242", claims.Issuer)
	assert.WithinDuration(t, c.Now().Add(-60*time.Second), claims.IssuedAt.Time, time.Second)
	assert.WithinDuration(t, c.Now().Add(10*time.Minute), claims.ExpiresAt.Time, time.Second)

	c.Advance(time.Second)
	again, err := iss.IssueAppToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok.Value, again.Value, "each call gets fresh iat/exp")
}

func TestNewIssuerRequiresIdentity(t *testing.T) {
	_, err := NewIssuer(Options{PrivateKey: testKey})
	assert.ErrorIs(t, err, faults.ErrSecretUnavailable)
	_, err = NewIssuer(Options{AppID: 1})
	assert.ErrorIs(t, err, faults.ErrSecretUnavailable)
}

func TestInstallationTokenCachedUntilMargin(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	exch := &fakeExchanger{clock: c, ttl: time.Hour}
	iss := newIssuer(t, exch, c)
	ctx := context.Background()

	first, err := iss.IssueInstallationToken(ctx, 7)
	require.NoError(t, err)
	second, err := iss.IssueInstallationToken(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)
	assert.EqualValues(t, 1, exch.calls.Load())

	// inside the 60s refresh margin
	c.Advance(time.Hour - 30*time.Second)
	third, err := iss.IssueInstallationToken(ctx, 7)
	require.NoError(t, err)
	assert.NotEqual(t, first.Value, third.Value)
	assert.EqualValues(t, 2, exch.calls.Load())

	jwtSent, _ := exch.lastJWT.Load().(string)
	assert.Equal(t, 3, len(strings.Split(jwtSent, ".")), "exchange is authenticated with the app JWT")
}

func TestInstallationTokenSingleflight(t *testing.T) {
	c := &clock{now: time.Now()}
	exch := &fakeExchanger{clock: c, ttl: time.Hour, started: make(chan struct{}), release: make(chan struct{})}
	iss := newIssuer(t, exch, c)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for n := 0; n < callers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tok, err := iss.IssueInstallationToken(context.Background(), 99)
			tokens[n], errs[n] = tok.Value, err
		}(n)
	}

	<-exch.started
	time.Sleep(20 * time.Millisecond)
	close(exch.release)
	wg.Wait()

	assert.EqualValues(t, 1, exch.calls.Load())
	for n := range tokens {
		require.NoError(t, errs[n])
		assert.Equal(t, tokens[0], tokens[n])
	}
}

func TestAuthFailureRememberedUntilReset(t *testing.T) {
	c := &clock{now: time.Now()}
	exch := &fakeExchanger{clock: c, ttl: time.Hour, err: fmt.Errorf("%w: revoked", faults.ErrAuthFailure)}
	iss := newIssuer(t, exch, c)
	ctx := context.Background()

	_, err := iss.IssueInstallationToken(ctx, 5)
	require.ErrorIs(t, err, faults.ErrAuthFailure)
	_, err = iss.IssueInstallationToken(ctx, 5)
	require.ErrorIs(t, err, faults.ErrAuthFailure)
	assert.EqualValues(t, 1, exch.calls.Load(), "no exchange after a rejection")
	assert.False(t, faults.IsRetryable(err))

	exch.err = nil
	iss.ResetInstallation(5)
	_, err = iss.IssueInstallationToken(ctx, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 2, exch.calls.Load())
}

func TestTransientFailureNotCached(t *testing.T) {
	c := &clock{now: time.Now()}
	exch := &fakeExchanger{clock: c, ttl: time.Hour, err: errors.New("dial tcp: connection refused")}
	iss := newIssuer(t, exch, c)
	ctx := context.Background()

	_, err := iss.IssueInstallationToken(ctx, 5)
	require.ErrorIs(t, err, faults.ErrTransientAuth)
	assert.True(t, faults.IsRetryable(err))

	_, err = iss.IssueInstallationToken(ctx, 5)
	require.Error(t, err)
	assert.EqualValues(t, 2, exch.calls.Load())
}

func TestInvalidInstallation(t *testing.T) {
	c := &clock{now: time.Now()}
	iss := newIssuer(t, &fakeExchanger{clock: c}, c)
	_, err := iss.IssueInstallationToken(context.Background(), 0)
	assert.ErrorIs(t, err, faults.ErrPermanentExecution)
}

func TestStaticCredentials(t *testing.T) {
	c := &clock{now: time.Now()}
	iss := newIssuer(t, nil, c)

	tok, err := iss.CIToken()
	require.NoError(t, err)
	assert.Equal(t, "ci-token", tok)

	_, err = iss.Signer()
	assert.ErrorIs(t, err, faults.ErrSecretUnavailable)
}

func TestTokenRedacts(t *testing.T) {
	tok := Token{Value: "ghs_secret", ExpiresAt: time.Now()}
	b, err := json.Marshal(map[string]any{"t": tok})
	require.NoError(t, err)
	for _, out := range []string{tok.String(), fmt.Sprintf("%v", tok), fmt.Sprintf("%+v", tok), fmt.Sprintf("%#v", tok), string(b)} {
		assert.NotContains(t, out, "ghs_secret")
	}
}

func githubClients(t *testing.T, srvURL string) func() *github.Client {
	t.Helper()
	u, err := url.Parse(srvURL + "/")
	require.NoError(t, err)
	return func() *github.Client {
		c := github.NewClient(nil)
		c.BaseURL = u
		return c
	}
}

func TestGitHubExchanger(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app/installations/42/access_tokens":
			gotAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"token": "ghs_abc", "expires_at": expires.Format(time.RFC3339)})
		case "/app/installations/404/access_tokens":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"message":"upstream"}`))
		}
	}))
	defer srv.Close()

	ex := NewGitHubExchanger(githubClients(t, srv.URL))
	ctx := context.Background()

	tok, err := ex.Exchange(ctx, "app.jwt.value", 42)
	require.NoError(t, err)
	assert.Equal(t, "ghs_abc", tok.Value)
	assert.True(t, expires.Equal(tok.ExpiresAt))
	assert.Equal(t, "Bearer app.jwt.value", gotAuth)

	_, err = ex.Exchange(ctx, "app.jwt.value", 404)
	assert.ErrorIs(t, err, faults.ErrAuthFailure)

	_, err = ex.Exchange(ctx, "app.jwt.value", 500)
	assert.ErrorIs(t, err, faults.ErrTransientAuth)
}
