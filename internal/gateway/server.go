// Package gateway is the webhook ingestion endpoint. Each request moves
// through Received, SignatureVerified, Deduplicated, Classified and
// Published, or stops at Rejected. The gateway never retries: it publishes
// everything or answers 5xx so the platform redelivers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harborbot/internal/broker"
	"github.com/austindbirch/harborbot/internal/faults"
	"github.com/austindbirch/harborbot/internal/logging"
	"github.com/austindbirch/harborbot/internal/metrics"
	"github.com/austindbirch/harborbot/internal/tracing"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	DeliveryHeader  = github.DeliveryIDHeader
	EventHeader     = github.EventTypeHeader

	// MaxBodyBytes is the platform's maximum webhook payload
	MaxBodyBytes = 25 << 20
)

// knownEvents bounds the event metric label
var knownEvents = map[string]bool{
	"ping":                true,
	"pull_request":        true,
	"pull_request_review": true,
	"issue_comment":       true,
	"push":                true,
	"installation":        true,
}

func eventLabel(event string) string {
	if knownEvents[event] {
		return event
	}
	return "other"
}

// Response is the JSON body of every 200 answer
type Response struct {
	DeliveryID string   `json:"delivery_id"`
	Tasks      []string `json:"tasks"`
	Duplicate  bool     `json:"duplicate"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Options configures a Server
type Options struct {
	Secret     []byte // webhook HMAC secret
	Window     DedupWindow
	Classifier Classifier
	Publisher  broker.Publisher
	Logger     *logging.Logger
	MaxBody    int64
}

// Server handles webhook deliveries
type Server struct {
	secret     []byte
	window     DedupWindow
	classifier Classifier
	publisher  broker.Publisher
	log        *logging.Logger
	maxBody    int64
}

// NewServer validates opts and returns a Server
func NewServer(opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("gateway: %w: webhook secret is empty", faults.ErrSecretUnavailable)
	}
	if opts.Classifier == nil || opts.Publisher == nil {
		return nil, errors.New("gateway: classifier and publisher are required")
	}
	s := &Server{
		secret:     opts.Secret,
		window:     opts.Window,
		classifier: opts.Classifier,
		publisher:  opts.Publisher,
		log:        opts.Logger,
		maxBody:    opts.MaxBody,
	}
	if s.window == nil {
		s.window = NewMemoryWindow(DefaultDedupTTL)
	}
	if s.log == nil {
		s.log = logging.New("harborbot-gateway")
	}
	if s.maxBody <= 0 {
		s.maxBody = MaxBodyBytes
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get(EventHeader)
	deliveryID := r.Header.Get(DeliveryHeader)
	label := eventLabel(event)

	ctx, span := tracing.StartSpan(r.Context(), "gateway.webhook",
		tracing.DeliveryIDKey.String(deliveryID),
		tracing.EventKey.String(label),
	)
	defer span.End()
	log := s.log.WithContext(ctx).WithDelivery(deliveryID).WithField("event", event)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.reject(w, label, "method_not_allowed", http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Received
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			log.WithField("limit", tooBig.Limit).Warn("webhook body too large")
			s.reject(w, label, "too_large", http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		log.WithError(err).Warn("read webhook body failed")
		s.reject(w, label, "bad_request", http.StatusBadRequest, "unreadable body")
		return
	}

	// SignatureVerified
	if err := s.verify(r.Header.Get(SignatureHeader), body); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Warn("webhook signature rejected")
		s.reject(w, label, "unauthorized", http.StatusUnauthorized, "invalid signature")
		return
	}
	if deliveryID == "" || event == "" {
		log.Warn("webhook missing delivery or event header")
		s.reject(w, label, "bad_request", http.StatusBadRequest, "missing "+DeliveryHeader+" or "+EventHeader)
		return
	}

	// Deduplicated
	fresh, err := s.window.Mark(ctx, deliveryID)
	if err != nil {
		// fail open: the ledger still guards every side effect
		log.WithError(err).Warn("dedup window unavailable, skipping dedup")
		fresh = true
	}
	if !fresh {
		tracing.AddSpanEvent(ctx, "gateway.duplicate")
		log.Info("duplicate delivery ignored")
		metrics.RecordWebhook(label, "duplicate")
		s.respond(w, http.StatusOK, Response{DeliveryID: deliveryID, Tasks: []string{}, Duplicate: true})
		return
	}

	// Classified
	envs, err := s.classifier.Classify(event, deliveryID, body)
	if err != nil {
		s.forget(ctx, deliveryID, log)
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Warn("webhook payload rejected")
		s.reject(w, label, "bad_request", http.StatusBadRequest, "malformed payload")
		return
	}

	// Published
	headers := tracing.InjectHeaders(ctx)
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		env.TraceHeaders = headers
		if err := s.publisher.Publish(ctx, env); err != nil {
			s.forget(ctx, deliveryID, log)
			tracing.SetSpanError(ctx, err)
			log.WithTask(string(env.Type)).WithError(err).Error("publish task failed")
			s.reject(w, label, "publish_failed", http.StatusInternalServerError, "enqueue failed")
			return
		}
		metrics.RecordTaskPublished(string(env.Type))
		names = append(names, string(env.Type))
	}

	outcome := "accepted"
	if len(envs) == 0 {
		outcome = "ignored"
	}
	metrics.RecordWebhook(label, outcome)
	tracing.AddSpanEvent(ctx, "gateway.published", attribute.Int("tasks", len(names)))
	log.WithField("tasks", names).Info("webhook accepted")
	s.respond(w, http.StatusOK, Response{DeliveryID: deliveryID, Tasks: names})
}

// verify checks the sha256 HMAC of the raw body in constant time
func (s *Server) verify(signature string, body []byte) error {
	if signature == "" {
		return fmt.Errorf("%w: missing %s", faults.ErrAuthFailure, SignatureHeader)
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return fmt.Errorf("%w: unsupported signature scheme", faults.ErrAuthFailure)
	}
	if err := github.ValidateSignature(signature, body, s.secret); err != nil {
		return fmt.Errorf("%w: %w", faults.ErrAuthFailure, err)
	}
	return nil
}

func (s *Server) forget(ctx context.Context, deliveryID string, log *logging.LogEntry) {
	if err := s.window.Forget(ctx, deliveryID); err != nil {
		log.WithField("forget_error", err.Error()).Warn("dedup forget failed")
	}
}

func (s *Server) reject(w http.ResponseWriter, label, outcome string, status int, msg string) {
	metrics.RecordWebhook(label, outcome)
	s.respond(w, status, errorResponse{Error: msg})
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
