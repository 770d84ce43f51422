// Package brokertest provides an in-memory broker for tests. It keeps the
// at-least-once contract of the real broker: a message is redelivered until
// it is acked, retried or dead-lettered, and tests may inject duplicates.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/austindbirch/harborbot/internal/broker"
	"github.com/austindbirch/harborbot/internal/task"
)

// Outcome is how a handler answered one delivery
type Outcome string

const (
	Acked        Outcome = "ack"
	Deferred     Outcome = "defer"
	Retried      Outcome = "retry"
	DeadLettered Outcome = "dead_letter"
	Unanswered   Outcome = "unanswered"
)

// Event records one handled delivery
type Event struct {
	Envelope task.Envelope
	Outcome  Outcome
	Delay    time.Duration
	Unit     int
}

// Broker is an in-memory Publisher and Consumer. Delays are recorded but not
// waited for, so tests run at full speed.
type Broker struct {
	mu          sync.Mutex
	queue       []task.Envelope
	published   []task.Envelope
	deadLetters []task.DeadLetter
	events      []Event
	outstanding int
	wake        chan struct{}

	// PublishErr, when set, fails Publish, Retry and DeadLetter publishes
	PublishErr error
}

// New returns an empty broker
func New() *Broker {
	return &Broker{wake: make(chan struct{}, 1)}
}

// Publish implements broker.Publisher
func (b *Broker) Publish(ctx context.Context, env task.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.published = append(b.published, env)
	b.enqueueLocked(env)
	return nil
}

// Redeliver injects a duplicate delivery of env, as the real broker may do
func (b *Broker) Redeliver(env task.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(env)
}

func (b *Broker) enqueueLocked(env task.Envelope) {
	b.queue = append(b.queue, env)
	b.outstanding++
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Next pops the next queued delivery as a Message, or false when empty
func (b *Broker) Next() (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	env := b.queue[0]
	b.queue = b.queue[1:]
	return &Message{broker: b, env: env}, true
}

// Consume implements broker.Consumer
func (b *Broker) Consume(ctx context.Context, units int, h broker.Handler) error {
	if units <= 0 {
		return errors.New("consume: units must be positive")
	}
	var wg sync.WaitGroup
	for unit := 0; unit < units; unit++ {
		wg.Add(1)
		go func(unit int) {
			defer wg.Done()
			for {
				msg, ok := b.Next()
				if !ok {
					select {
					case <-ctx.Done():
						return
					case <-b.wake:
						// pass the wake-up on so idle peers also re-check
						select {
						case b.wake <- struct{}{}:
						default:
						}
						continue
					case <-time.After(5 * time.Millisecond):
						continue
					}
				}
				msg.unit = unit
				h.Handle(context.WithoutCancel(ctx), unit, msg)
				msg.finish()
			}
		}(unit)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

// WaitIdle blocks until every delivery has been answered
func (b *Broker) WaitIdle(ctx context.Context) error {
	for {
		b.mu.Lock()
		n := b.outstanding
		b.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Published returns every envelope accepted by Publish
func (b *Broker) Published() []task.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]task.Envelope(nil), b.published...)
}

// DeadLetters returns everything sent to the dead-letter topic
func (b *Broker) DeadLetters() []task.DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]task.DeadLetter(nil), b.deadLetters...)
}

// Events returns the handled deliveries in answer order
func (b *Broker) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// Count returns how many deliveries were answered with o
func (b *Broker) Count(o Outcome) int {
	n := 0
	for _, e := range b.Events() {
		if e.Outcome == o {
			n++
		}
	}
	return n
}

// Message is a single in-memory delivery
type Message struct {
	broker   *Broker
	env      task.Envelope
	unit     int
	answered bool
}

// NewMessage returns a standalone delivery of env bound to b, for driving a
// handler directly
func (b *Broker) NewMessage(env task.Envelope) *Message {
	b.mu.Lock()
	b.outstanding++
	b.mu.Unlock()
	return &Message{broker: b, env: env}
}

func (m *Message) Envelope() task.Envelope { return m.env }

func (m *Message) answer(o Outcome, env task.Envelope, delay time.Duration, requeue *task.Envelope, dl *task.DeadLetter) error {
	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.answered {
		return errors.New("message already answered")
	}
	if (o == Retried || o == DeadLettered) && b.PublishErr != nil {
		// publish failed: hand the original back, as the real broker does
		m.answered = true
		b.events = append(b.events, Event{Envelope: m.env, Outcome: Deferred, Delay: delay, Unit: m.unit})
		b.queue = append(b.queue, m.env)
		return b.PublishErr
	}
	m.answered = true
	b.events = append(b.events, Event{Envelope: env, Outcome: o, Delay: delay, Unit: m.unit})
	b.outstanding--
	if requeue != nil {
		b.enqueueLocked(*requeue)
	}
	if dl != nil {
		b.deadLetters = append(b.deadLetters, *dl)
	}
	return nil
}

func (m *Message) Ack() error { return m.answer(Acked, m.env, 0, nil, nil) }

func (m *Message) Defer(delay time.Duration) error {
	env := m.env
	return m.answer(Deferred, m.env, delay, &env, nil)
}

func (m *Message) Retry(ctx context.Context, next task.Envelope, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.answer(Retried, next, delay, &next, nil)
}

func (m *Message) DeadLetter(ctx context.Context, dl task.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.answer(DeadLettered, m.env, 0, nil, &dl)
}

// Answered reports whether the handler responded
func (m *Message) Answered() bool {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	return m.answered
}

// finish records an unanswered delivery and acks it, mirroring the real consumer
func (m *Message) finish() {
	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.answered {
		return
	}
	m.answered = true
	b.events = append(b.events, Event{Envelope: m.env, Outcome: Unanswered, Unit: m.unit})
	b.outstanding--
}

var _ broker.Publisher = (*Broker)(nil)
var _ broker.Consumer = (*Broker)(nil)
var _ broker.Message = (*Message)(nil)
