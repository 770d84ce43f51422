package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEnvelope marks an envelope that parsed but broke an invariant
var ErrInvalidEnvelope = errors.New("invalid envelope")

// SchemaVersion is the envelope wire version. Readers accept any envelope
// with a version <= SchemaVersion; unknown fields are ignored.
const SchemaVersion = 1

// Type is the kind of side effect a task performs
type Type string

const (
	TypeComment    Type = "comment"
	TypeLabel      Type = "label"
	TypeTriggerCI  Type = "trigger-ci"
	TypeSignCommit Type = "sign-commit"
	TypeMerge      Type = "merge"
)

// Types lists every task type the executor knows about
var Types = []Type{TypeComment, TypeLabel, TypeTriggerCI, TypeSignCommit, TypeMerge}

// Valid reports whether t is a known task type
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

func (t Type) String() string { return string(t) }

// Repository identifies the repository a task acts on
type Repository struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// FullName returns "owner/name"
func (r Repository) FullName() string {
	if r.Owner == "" && r.Name == "" {
		return ""
	}
	return r.Owner + "/" + r.Name
}

// Envelope is the durable unit of work derived from one webhook delivery
type Envelope struct {
	Version      int               `json:"v"`
	ID           string            `json:"id"`          // <delivery id>:<task type>
	DeliveryID   string            `json:"delivery_id"` // platform-assigned, immutable
	Type         Type              `json:"type"`
	Event        string            `json:"event"` // e.g. pull_request.opened
	Installation int64             `json:"installation_id,omitempty"`
	Repository   Repository        `json:"repository"`
	Number       int               `json:"number,omitempty"` // issue / pull request number
	HeadSHA      string            `json:"head_sha,omitempty"`
	HeadRef      string            `json:"head_ref,omitempty"`
	Payload      map[string]any    `json:"payload,omitempty"`
	ReceivedAt   time.Time         `json:"received_at"`
	Attempt      int               `json:"attempt"` // failed attempts so far
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// EnvelopeID derives the envelope id from the delivery id and task type
func EnvelopeID(deliveryID string, t Type) string {
	return deliveryID + ":" + string(t)
}

// New builds a first-attempt envelope for a delivery
func New(deliveryID string, t Type, event string, receivedAt time.Time) Envelope {
	return Envelope{
		Version:    SchemaVersion,
		ID:         EnvelopeID(deliveryID, t),
		DeliveryID: deliveryID,
		Type:       t,
		Event:      event,
		ReceivedAt: receivedAt.UTC(),
	}
}

// NextAttempt returns a copy of the envelope with the attempt count advanced
func (e Envelope) NextAttempt() Envelope {
	next := e
	next.Attempt = e.Attempt + 1
	return next
}

// Validate checks the invariants every consumer relies on
func (e Envelope) Validate() error {
	var errs []error
	if e.DeliveryID == "" {
		errs = append(errs, errors.New("missing delivery_id"))
	}
	if !e.Type.Valid() {
		errs = append(errs, fmt.Errorf("unknown task type %q", e.Type))
	}
	if e.Version > SchemaVersion {
		errs = append(errs, fmt.Errorf("unsupported envelope version %d", e.Version))
	}
	if e.Attempt < 0 {
		errs = append(errs, fmt.Errorf("negative attempt %d", e.Attempt))
	}
	if e.DeliveryID != "" && e.Type != "" && e.ID != "" && e.ID != EnvelopeID(e.DeliveryID, e.Type) {
		errs = append(errs, fmt.Errorf("envelope id %q does not match delivery", e.ID))
	}
	return errors.Join(errs...)
}

// PayloadString reads the payload value for key as a string
func (e Envelope) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadStrings reads the payload value for key as a string list
func (e Envelope) PayloadStrings(key string) []string {
	switch v := e.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Encode serializes the envelope for the broker
func Encode(e Envelope) ([]byte, error) {
	if e.Version == 0 {
		e.Version = SchemaVersion
	}
	return json.Marshal(e)
}

// Decode parses and validates a broker message body. A body that is not an
// envelope at all returns a plain decode error; one that parses but fails
// Validate returns the envelope together with ErrInvalidEnvelope.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Version == 0 {
		e.Version = SchemaVersion
	}
	if e.ID == "" && e.DeliveryID != "" {
		e.ID = EnvelopeID(e.DeliveryID, e.Type)
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return e, nil
}
