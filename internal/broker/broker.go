// Package broker is the durable hand-off between the webhook gateway and the
// task executor. Delivery is at-least-once with no ordering across delivery
// ids; consumers are expected to be idempotent.
package broker

import (
	"context"
	"time"

	"github.com/austindbirch/harborbot/internal/task"
)

const (
	DefaultTopic    = "tasks"
	DefaultChannel  = "workers"
	DefaultDLQTopic = "tasks_dlq"
)

// Publisher persists envelopes. Publish returns only after the broker has
// acknowledged the write.
type Publisher interface {
	Publish(ctx context.Context, env task.Envelope) error
}

// Message is one delivery of an envelope to a consumer. Exactly one of Ack,
// Defer, Retry or DeadLetter must be called.
type Message interface {
	Envelope() task.Envelope
	// Ack finishes the message; it is never delivered again.
	Ack() error
	// Defer hands the unchanged message back for redelivery after delay.
	Defer(delay time.Duration) error
	// Retry schedules next (the envelope with its attempt advanced) after
	// delay and finishes this delivery.
	Retry(ctx context.Context, next task.Envelope, delay time.Duration) error
	// DeadLetter publishes dl to the dead-letter topic and finishes this
	// delivery. If the dead-letter publish fails the message is handed back
	// for redelivery instead of being lost.
	DeadLetter(ctx context.Context, dl task.DeadLetter) error
}

// Handler processes messages for one worker unit
type Handler interface {
	Handle(ctx context.Context, unit int, msg Message)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, unit int, msg Message)

func (f HandlerFunc) Handle(ctx context.Context, unit int, msg Message) { f(ctx, unit, msg) }

// Consumer runs units independent handler goroutines until ctx is cancelled
type Consumer interface {
	Consume(ctx context.Context, units int, h Handler) error
}
