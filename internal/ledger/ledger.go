// Package ledger records which (delivery, task type) pairs have had their
// side effect performed. A worker claims a key with a lease before acting;
// a completed key never triggers the action again.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harborbot/internal/task"
)

var (
	// ErrNotOwner is returned when the caller no longer holds the claim,
	// typically because its lease expired and another worker took over.
	ErrNotOwner = errors.New("ledger: not the claim owner")
	// ErrNotFound is returned for keys with no record
	ErrNotFound = errors.New("ledger: record not found")
	// ErrCompleted is returned when an operator tries to reset a completed record
	ErrCompleted = errors.New("ledger: record is completed")
)

// DefaultRetention is how long records are kept before Purge removes them
const DefaultRetention = 7 * 24 * time.Hour

// Key identifies one logical side effect
type Key struct {
	DeliveryID string
	TaskType   task.Type
}

// KeyFor derives the ledger key of an envelope
func KeyFor(e task.Envelope) Key {
	return Key{DeliveryID: e.DeliveryID, TaskType: e.Type}
}

func (k Key) String() string { return task.EnvelopeID(k.DeliveryID, k.TaskType) }

// Status is the lifecycle state of a record
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome is the result of TryClaim
type Outcome int

const (
	Claimed Outcome = iota
	AlreadyPending
	AlreadyCompleted
	AlreadyFailed
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyPending:
		return "already_pending"
	case AlreadyCompleted:
		return "already_completed"
	case AlreadyFailed:
		return "already_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func outcomeFor(s Status) Outcome {
	switch s {
	case StatusCompleted:
		return AlreadyCompleted
	case StatusFailed:
		return AlreadyFailed
	default:
		return AlreadyPending
	}
}

// Record is the stored state of one key
type Record struct {
	Key         Key        `json:"key"`
	Status      Status     `json:"status"`
	Owner       string     `json:"owner,omitempty"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Claims      int        `json:"claims"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// MarshalJSON flattens the key for operator output
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DeliveryID string    `json:"delivery_id"`
		TaskType   task.Type `json:"task_type"`
	}{k.DeliveryID, k.TaskType})
}

// Ledger is the idempotency store used by the executor
type Ledger interface {
	// TryClaim atomically creates or takes over a pending claim. A claim is
	// granted when no record exists, the record is pending with no owner,
	// the caller already owns it, or the current lease has expired.
	TryClaim(ctx context.Context, key Key, owner string, lease time.Duration) (Outcome, error)
	// Complete marks the key completed. Only the current owner may complete.
	Complete(ctx context.Context, key Key, owner string) error
	// Fail marks the key failed-permanent with a reason.
	Fail(ctx context.Context, key Key, owner, reason string) error
	// Release drops the claim so another worker may retry; the record stays pending.
	Release(ctx context.Context, key Key, owner string) error
}

// Store adds the read and maintenance operations used by operators and the janitor
type Store interface {
	Ledger
	Get(ctx context.Context, key Key) (Record, error)
	ListFailed(ctx context.Context, limit int) ([]Record, error)
	// Reset returns a pending or failed record to unclaimed pending.
	Reset(ctx context.Context, key Key) error
	// Purge deletes records past their retention horizon.
	Purge(ctx context.Context) (int64, error)
}
