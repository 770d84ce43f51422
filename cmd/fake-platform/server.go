package main

import (
	"crypto/rsa"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/austindbirch/harborbot/internal/logging"
	"github.com/austindbirch/harborbot/internal/signing"
)

const (
	// maxJWTLifetime is the platform's cap on how far exp may lie in the future
	maxJWTLifetime = 10 * time.Minute
	jwtLeeway      = 30 * time.Second
	tokenLifetime  = time.Hour
)

// Options configures the fake platform
type Options struct {
	AppID      int64
	AppKey     *rsa.PublicKey
	SigningKey ssh.PublicKey // trusted commit-signing key; nil marks every signature unknown_key
	FailFirstN int
	Delay      time.Duration
	Logger     *logging.Logger
	Now        func() time.Time
}

type pullState struct {
	Number  int
	Title   string
	HeadRef string
	HeadSHA string
	BaseRef string
	Merged  bool
}

type commitState struct {
	SHA          string       `json:"sha"`
	Tree         string       `json:"tree"`
	Parents      []string     `json:"parents"`
	Message      string       `json:"message"`
	Verification verification `json:"verification"`
}

type verification struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason"`
}

type repoState struct {
	branches map[string]string
	pulls    map[int]*pullState
	commits  map[string]*commitState
	comments map[int][]string
	labels   map[int][]string
}

type pipeline struct {
	ID         string         `json:"id"`
	Number     int            `json:"number"`
	Repository string         `json:"repository"`
	Branch     string         `json:"branch,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Snapshot is the recorded state served at /_fake/state
type Snapshot struct {
	Requests     int                 `json:"requests"`
	TokensIssued int                 `json:"tokens_issued"`
	Comments     map[string][]string `json:"comments"`
	Labels       map[string][]string `json:"labels"`
	Merged       []string            `json:"merged"`
	Commits      []commitState       `json:"commits"`
	Branches     map[string]string   `json:"branches"`
	Pipelines    []pipeline          `json:"pipelines"`
}

// server is an in-memory stand-in for the platform REST API and the CI API
type server struct {
	opts Options
	log  *logging.Logger

	mu        sync.Mutex
	requests  int
	issued    int
	tokens    map[string]time.Time // installation token -> expiry
	repos     map[string]*repoState
	created   []string // sha of commits created through the API, in order
	pipelines []pipeline
}

func newServer(opts Options) *server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(serviceName)
	}
	return &server{
		opts:   opts,
		log:    opts.Logger,
		tokens: make(map[string]time.Time),
		repos:  make(map[string]*repoState),
	}
}

func (s *server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /app/installations/{id}/access_tokens", s.handleAccessToken)
	api.HandleFunc("GET /repos/{owner}/{repo}/pulls/{number}", s.authed(s.handleGetPull))
	api.HandleFunc("PUT /repos/{owner}/{repo}/pulls/{number}/merge", s.authed(s.handleMerge))
	api.HandleFunc("POST /repos/{owner}/{repo}/issues/{number}/comments", s.authed(s.handleComment))
	api.HandleFunc("POST /repos/{owner}/{repo}/issues/{number}/labels", s.authed(s.handleLabels))
	api.HandleFunc("GET /repos/{owner}/{repo}/git/commits/{sha}", s.authed(s.handleGetCommit))
	api.HandleFunc("POST /repos/{owner}/{repo}/git/commits", s.authed(s.handleCreateCommit))
	api.HandleFunc("GET /repos/{owner}/{repo}/git/ref/{ref...}", s.authed(s.handleGetRef))
	api.HandleFunc("PATCH /repos/{owner}/{repo}/git/refs/{ref...}", s.authed(s.handleUpdateRef))
	api.HandleFunc("POST /project/gh/{owner}/{repo}/pipeline", s.handlePipeline)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /_fake/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.snapshot())
	})
	mux.Handle("/", s.flaky(api))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// flaky delays every API call and fails the first FailFirstN of them
func (s *server) flaky(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Delay > 0 {
			select {
			case <-time.After(s.opts.Delay):
			case <-r.Context().Done():
				return
			}
		}
		s.mu.Lock()
		s.requests++
		n := s.requests
		s.mu.Unlock()

		if n <= s.opts.FailFirstN {
			s.log.Plain().WithFields(map[string]any{"n": n, "of": s.opts.FailFirstN, "path": r.URL.Path}).Warn("FAILING request")
			writeError(w, http.StatusInternalServerError, "temporary failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearer extracts the credential from "Bearer x" or "token x"
func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	for _, prefix := range []string{"Bearer ", "bearer ", "token "} {
		if v, ok := strings.CutPrefix(h, prefix); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// authed requires an unexpired installation token issued by this server
func (s *server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearer(r)
		if ok {
			s.mu.Lock()
			exp, known := s.tokens[tok]
			s.mu.Unlock()
			ok = known && s.opts.Now().Before(exp)
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "Bad credentials")
			return
		}
		next(w, r)
	}
}

// verifyAppJWT accepts an RS256 JWT issued by the app that expires no more
// than ten minutes out
func (s *server) verifyAppJWT(raw string) error {
	if s.opts.AppKey == nil {
		return errors.New("no app key configured")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.opts.AppKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(strconv.FormatInt(s.opts.AppID, 10)),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithTimeFunc(s.opts.Now),
	)
	if err != nil {
		return err
	}
	if claims.ExpiresAt.After(s.opts.Now().Add(maxJWTLifetime + jwtLeeway)) {
		return errors.New("'exp' is too far in the future")
	}
	return nil
}

func (s *server) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	installation, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || installation <= 0 {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	raw, ok := bearer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "A JSON web token could not be decoded")
		return
	}
	if err := s.verifyAppJWT(raw); err != nil {
		s.log.Plain().WithError(err).Warn("rejected app JWT")
		writeError(w, http.StatusUnauthorized, "A JSON web token could not be decoded")
		return
	}

	tok := "ghs_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	exp := s.opts.Now().Add(tokenLifetime).UTC().Truncate(time.Second)
	s.mu.Lock()
	s.tokens[tok] = exp
	s.issued++
	s.mu.Unlock()

	s.log.Plain().WithField("installation_id", installation).Info("issued installation token")
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":       tok,
		"expires_at":  exp.Format(time.RFC3339),
		"permissions": map[string]string{"contents": "write", "issues": "write", "pull_requests": "write"},
	})
}

// objectID derives a stable fake git object id
func objectID(parts ...any) string {
	sum := sha1.Sum([]byte(fmt.Sprint(parts...)))
	return hex.EncodeToString(sum[:])
}

func repoName(r *http.Request) string {
	return r.PathValue("owner") + "/" + r.PathValue("repo")
}

// repo returns the state of a repository, seeding it on first use. Callers
// hold s.mu.
func (s *server) repo(name string) *repoState {
	rs, ok := s.repos[name]
	if !ok {
		root := &commitState{
			SHA:     objectID("branch", name, "main"),
			Tree:    objectID("tree", name, "main"),
			Message: "Initial commit",
		}
		rs = &repoState{
			branches: map[string]string{"main": root.SHA},
			pulls:    make(map[int]*pullState),
			commits:  map[string]*commitState{root.SHA: root},
			comments: make(map[int][]string),
			labels:   make(map[int][]string),
		}
		s.repos[name] = rs
	}
	return rs
}

// pull returns a pull request, seeding an open one with a head commit on
// first use. Callers hold s.mu.
func (s *server) pull(name string, rs *repoState, number int) *pullState {
	pr, ok := rs.pulls[number]
	if !ok {
		pr = &pullState{
			Number:  number,
			Title:   fmt.Sprintf("Change #%d", number),
			HeadRef: fmt.Sprintf("pr-%d", number),
			HeadSHA: objectID("head", name, number),
			BaseRef: "main",
		}
		rs.pulls[number] = pr
		rs.commits[pr.HeadSHA] = &commitState{
			SHA:     pr.HeadSHA,
			Tree:    objectID("tree", name, number),
			Parents: []string{rs.branches["main"]},
			Message: pr.Title,
		}
	}
	return pr
}

func pathNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || n <= 0 {
		writeError(w, http.StatusNotFound, "Not Found")
		return 0, false
	}
	return n, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return false
	}
	return true
}

func pullJSON(pr *pullState, baseSHA string) map[string]any {
	state := "open"
	if pr.Merged {
		state = "closed"
	}
	return map[string]any{
		"number": pr.Number,
		"state":  state,
		"title":  pr.Title,
		"merged": pr.Merged,
		"head":   map[string]string{"ref": pr.HeadRef, "sha": pr.HeadSHA},
		"base":   map[string]string{"ref": pr.BaseRef, "sha": baseSHA},
	}
}

func (s *server) handleGetPull(w http.ResponseWriter, r *http.Request) {
	n, ok := pathNumber(w, r)
	if !ok {
		return
	}
	name := repoName(r)
	s.mu.Lock()
	rs := s.repo(name)
	pr := s.pull(name, rs, n)
	body := pullJSON(pr, rs.branches[pr.BaseRef])
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, body)
}

func (s *server) handleMerge(w http.ResponseWriter, r *http.Request) {
	n, ok := pathNumber(w, r)
	if !ok {
		return
	}
	var req struct {
		MergeMethod string `json:"merge_method"`
		SHA         string `json:"sha"`
	}
	if !decode(w, r, &req) {
		return
	}
	switch req.MergeMethod {
	case "", "merge", "squash", "rebase":
	default:
		writeError(w, http.StatusUnprocessableEntity, "Invalid merge_method")
		return
	}

	name := repoName(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.repo(name)
	pr := s.pull(name, rs, n)
	if pr.Merged {
		writeError(w, http.StatusMethodNotAllowed, "Pull Request is not mergeable")
		return
	}
	if req.SHA != "" && req.SHA != pr.HeadSHA {
		writeError(w, http.StatusConflict, "Head branch was modified. Review and try the merge again.")
		return
	}
	base := rs.branches[pr.BaseRef]
	sha := objectID("merge", name, n, base)
	rs.commits[sha] = &commitState{
		SHA:     sha,
		Tree:    rs.commits[pr.HeadSHA].Tree,
		Parents: []string{base, pr.HeadSHA},
		Message: fmt.Sprintf("%s (#%d)", pr.Title, n),
	}
	rs.branches[pr.BaseRef] = sha
	pr.Merged = true

	s.log.Plain().WithFields(map[string]any{"repo": name, "number": n, "method": req.MergeMethod}).Info("merged pull request")
	writeJSON(w, http.StatusOK, map[string]any{"sha": sha, "merged": true, "message": "Pull Request successfully merged"})
}

func (s *server) handleComment(w http.ResponseWriter, r *http.Request) {
	n, ok := pathNumber(w, r)
	if !ok {
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusUnprocessableEntity, "Validation Failed")
		return
	}
	name := repoName(r)
	s.mu.Lock()
	rs := s.repo(name)
	rs.comments[n] = append(rs.comments[n], req.Body)
	id := len(rs.comments[n])
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "body": req.Body})
}

func (s *server) handleLabels(w http.ResponseWriter, r *http.Request) {
	n, ok := pathNumber(w, r)
	if !ok {
		return
	}
	var labels []string
	if !decode(w, r, &labels) {
		return
	}
	name := repoName(r)
	s.mu.Lock()
	rs := s.repo(name)
	for _, l := range labels {
		if !slices.Contains(rs.labels[n], l) {
			rs.labels[n] = append(rs.labels[n], l)
		}
	}
	out := make([]map[string]string, 0, len(rs.labels[n]))
	for _, l := range rs.labels[n] {
		out = append(out, map[string]string{"name": l})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func commitJSON(c *commitState) map[string]any {
	parents := make([]map[string]string, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, map[string]string{"sha": p})
	}
	return map[string]any{
		"sha":          c.SHA,
		"message":      c.Message,
		"tree":         map[string]string{"sha": c.Tree},
		"parents":      parents,
		"verification": c.Verification,
	}
}

func (s *server) handleGetCommit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.repo(repoName(r)).commits[r.PathValue("sha")]
	var body map[string]any
	if ok {
		body = commitJSON(c)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type commitIdentity struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

func (c *commitIdentity) identity() signing.Identity {
	return signing.Identity{Name: c.Name, Email: c.Email, Date: c.Date}
}

type createCommitRequest struct {
	Message   string          `json:"message"`
	Tree      string          `json:"tree"`
	Parents   []string        `json:"parents"`
	Author    *commitIdentity `json:"author"`
	Committer *commitIdentity `json:"committer"`
	Signature string          `json:"signature"`
}

// verify checks the commit signature against the trusted key the way the
// platform does: over the commit object without its signature header
func (s *server) verify(req createCommitRequest) verification {
	switch {
	case req.Signature == "":
		return verification{Reason: "unsigned"}
	case s.opts.SigningKey == nil:
		return verification{Reason: "unknown_key"}
	}
	committer := req.Author
	if req.Committer != nil {
		committer = req.Committer
	}
	payload := signing.CommitPayload(req.Tree, req.Parents, req.Author.identity(), committer.identity(), req.Message)
	if err := signing.Verify(s.opts.SigningKey, signing.GitNamespace, []byte(payload), req.Signature); err != nil {
		s.log.Plain().WithError(err).Warn("commit signature did not verify")
		return verification{Reason: "invalid"}
	}
	return verification{Verified: true, Reason: "valid"}
}

func (s *server) handleCreateCommit(w http.ResponseWriter, r *http.Request) {
	var req createCommitRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Message == "" || req.Tree == "" || req.Author == nil {
		writeError(w, http.StatusUnprocessableEntity, "Validation Failed")
		return
	}
	v := s.verify(req)

	name := repoName(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.repo(name)
	for _, p := range req.Parents {
		if _, ok := rs.commits[p]; !ok {
			writeError(w, http.StatusUnprocessableEntity, "Parent SHA does not exist or is not a commit object")
			return
		}
	}
	c := &commitState{
		SHA:          objectID("commit", name, req.Tree, req.Parents, req.Message, req.Signature),
		Tree:         req.Tree,
		Parents:      req.Parents,
		Message:      req.Message,
		Verification: v,
	}
	rs.commits[c.SHA] = c
	s.created = append(s.created, name+"@"+c.SHA)

	s.log.Plain().WithFields(map[string]any{"repo": name, "sha": c.SHA, "verified": v.Verified, "reason": v.Reason}).Info("created commit")
	writeJSON(w, http.StatusCreated, commitJSON(c))
}

func refJSON(branch, sha string) map[string]any {
	return map[string]any{
		"ref":    "refs/heads/" + branch,
		"object": map[string]string{"type": "commit", "sha": sha},
	}
}

func branchOf(ref string) (string, bool) {
	return strings.CutPrefix(strings.TrimPrefix(ref, "refs/"), "heads/")
}

func (s *server) handleGetRef(w http.ResponseWriter, r *http.Request) {
	branch, ok := branchOf(r.PathValue("ref"))
	s.mu.Lock()
	sha, known := s.repo(repoName(r)).branches[branch]
	s.mu.Unlock()
	if !ok || !known {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, refJSON(branch, sha))
}

func (s *server) handleUpdateRef(w http.ResponseWriter, r *http.Request) {
	branch, ok := branchOf(r.PathValue("ref"))
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "Reference does not exist")
		return
	}
	var req struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if !decode(w, r, &req) {
		return
	}

	name := repoName(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.repo(name)
	current, known := rs.branches[branch]
	if !known {
		writeError(w, http.StatusUnprocessableEntity, "Reference does not exist")
		return
	}
	c, exists := rs.commits[req.SHA]
	if !exists {
		writeError(w, http.StatusUnprocessableEntity, "Object does not exist")
		return
	}
	if !req.Force && !slices.Contains(c.Parents, current) {
		writeError(w, http.StatusUnprocessableEntity, "Update is not a fast forward")
		return
	}
	rs.branches[branch] = req.SHA

	s.log.Plain().WithFields(map[string]any{"repo": name, "branch": branch, "sha": req.SHA}).Info("updated ref")
	writeJSON(w, http.StatusOK, refJSON(branch, req.SHA))
}

func (s *server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Circle-Token") == "" {
		writeError(w, http.StatusUnauthorized, "Invalid token provided.")
		return
	}
	var req struct {
		Branch     string         `json:"branch"`
		Parameters map[string]any `json:"parameters"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	p := pipeline{
		ID:         uuid.NewString(),
		Number:     len(s.pipelines) + 1,
		Repository: repoName(r),
		Branch:     req.Branch,
		Parameters: req.Parameters,
	}
	s.pipelines = append(s.pipelines, p)
	s.mu.Unlock()

	s.log.Plain().WithFields(map[string]any{"repo": p.Repository, "branch": p.Branch, "number": p.Number}).Info("triggered pipeline")
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         p.ID,
		"number":     p.Number,
		"state":      "created",
		"created_at": s.opts.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Requests:     s.requests,
		TokensIssued: s.issued,
		Comments:     make(map[string][]string),
		Labels:       make(map[string][]string),
		Branches:     make(map[string]string),
		Pipelines:    slices.Clone(s.pipelines),
	}
	for name, rs := range s.repos {
		for n, c := range rs.comments {
			snap.Comments[fmt.Sprintf("%s#%d", name, n)] = slices.Clone(c)
		}
		for n, l := range rs.labels {
			snap.Labels[fmt.Sprintf("%s#%d", name, n)] = slices.Clone(l)
		}
		for n, pr := range rs.pulls {
			if pr.Merged {
				snap.Merged = append(snap.Merged, fmt.Sprintf("%s#%d", name, n))
			}
		}
		for b, sha := range rs.branches {
			snap.Branches[name+":"+b] = sha
		}
	}
	slices.Sort(snap.Merged)
	for _, ref := range s.created {
		name, sha, _ := strings.Cut(ref, "@")
		snap.Commits = append(snap.Commits, *s.repos[name].commits[sha])
	}
	return snap
}
