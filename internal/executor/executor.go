// Package executor runs task envelopes from the broker against their
// handlers. Every side effect is guarded by an idempotency ledger claim, so
// redelivered or duplicated envelopes never act twice. The executor owns all
// retry decisions; handlers report a classified error and return.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harborbot/internal/broker"
	"github.com/austindbirch/harborbot/internal/credentials"
	"github.com/austindbirch/harborbot/internal/faults"
	"github.com/austindbirch/harborbot/internal/handlers"
	"github.com/austindbirch/harborbot/internal/ledger"
	"github.com/austindbirch/harborbot/internal/logging"
	"github.com/austindbirch/harborbot/internal/metrics"
	"github.com/austindbirch/harborbot/internal/task"
	"github.com/austindbirch/harborbot/internal/tracing"
)

const (
	DefaultTaskTimeout = 30 * time.Second
	DefaultLease       = 2 * time.Minute

	reasonExhausted = "attempts_exhausted"
	reasonInvalid   = "invalid_envelope"
)

// CredentialSource resolves scoped credentials. *credentials.Issuer
// satisfies it.
type CredentialSource interface {
	IssueInstallationToken(ctx context.Context, installationID int64) (credentials.Token, error)
	CIToken() (string, error)
}

// Notifier posts the manual-attention notice for a failed-permanent task
type Notifier interface {
	NotifyFailure(ctx context.Context, env task.Envelope, cred handlers.Credential, reason string) error
}

// Options configures an Executor
type Options struct {
	WorkerID    string // unique per process; unit owners are <WorkerID>/<unit>
	Ledger      ledger.Ledger
	Registry    *handlers.Registry
	Credentials CredentialSource
	Notifier    Notifier // optional
	Policy      Policy
	TaskTimeout time.Duration
	Lease       time.Duration // must exceed TaskTimeout
	Logger      *logging.Logger

	// Ledger writes after the side effect are retried briefly
	LedgerRetries  uint
	LedgerInterval time.Duration
}

// Executor is a broker.Handler; one instance serves every worker unit
type Executor struct {
	workerID string
	ledger   ledger.Ledger
	registry *handlers.Registry
	creds    CredentialSource
	notifier Notifier
	policy   Policy
	timeout  time.Duration
	lease    time.Duration
	log      *logging.Logger

	ledgerRetries  uint
	ledgerInterval time.Duration
}

// New validates opts and returns an Executor
func New(opts Options) (*Executor, error) {
	if opts.WorkerID == "" {
		return nil, errors.New("executor: worker id is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("executor: ledger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("executor: handler registry is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("executor: retry policy: %w", err)
	}
	e := &Executor{
		workerID:       opts.WorkerID,
		ledger:         opts.Ledger,
		registry:       opts.Registry,
		creds:          opts.Credentials,
		notifier:       opts.Notifier,
		policy:         opts.Policy,
		timeout:        opts.TaskTimeout,
		lease:          opts.Lease,
		log:            opts.Logger,
		ledgerRetries:  opts.LedgerRetries,
		ledgerInterval: opts.LedgerInterval,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTaskTimeout
	}
	if e.lease <= 0 {
		e.lease = DefaultLease
	}
	if floor := MinLease(e.timeout); e.lease < floor {
		return nil, fmt.Errorf("executor: lease %s must be at least %s for task timeout %s", e.lease, floor, e.timeout)
	}
	if e.log == nil {
		e.log = logging.New("harborbot-executor")
	}
	if e.ledgerRetries == 0 {
		e.ledgerRetries = 5
	}
	if e.ledgerInterval <= 0 {
		e.ledgerInterval = 100 * time.Millisecond
	}
	return e, nil
}

// MinLease is the shortest lease accepted for a task timeout: the timeout
// plus half again for the claim and the ledger writes around it.
func MinLease(timeout time.Duration) time.Duration {
	return timeout + timeout/2
}

// Run consumes with units independent worker units until ctx is cancelled
func (e *Executor) Run(ctx context.Context, c broker.Consumer, units int) error {
	if units <= 0 {
		return fmt.Errorf("executor: units must be positive, got %d", units)
	}
	e.log.Plain().WithFields(map[string]any{"worker_id": e.workerID, "units": units}).Info("executor starting")
	return c.Consume(ctx, units, e)
}

// Owner is the ledger owner id of a worker unit
func (e *Executor) Owner(unit int) string {
	return fmt.Sprintf("%s/%d", e.workerID, unit)
}

func (e *Executor) entry(ctx context.Context, env task.Envelope, unit int) *logging.LogEntry {
	return e.log.WithContext(ctx).
		WithDelivery(env.DeliveryID).
		WithTask(string(env.Type)).
		WithInstallation(env.Installation).
		WithFields(map[string]any{"unit": unit, "attempt": env.Attempt})
}

// Handle implements broker.Handler
func (e *Executor) Handle(ctx context.Context, unit int, msg broker.Message) {
	env := msg.Envelope()
	typ := string(env.Type)

	ctx, span := tracing.StartTaskSpan(ctx, "executor.task", env, attribute.Int("unit", unit))
	defer span.End()

	metrics.RecordTaskReceived(typ)
	done := metrics.TaskStarted()
	defer done()

	if err := env.Validate(); err != nil {
		// without a valid key there is nothing to claim
		tracing.SetSpanError(ctx, err)
		e.entry(ctx, env, unit).WithError(err).Error("invalid envelope")
		dl := task.NewDeadLetter(env, err.Error(), reasonInvalid)
		if err := msg.DeadLetter(ctx, dl); err != nil {
			e.entry(ctx, env, unit).WithError(err).Error("dead-letter publish failed")
			return
		}
		metrics.RecordTaskDeadLettered(typ, reasonInvalid)
		return
	}

	key := ledger.KeyFor(env)
	owner := e.Owner(unit)
	outcome, err := e.ledger.TryClaim(ctx, key, owner, e.lease)
	if err != nil {
		// the attempt is not consumed: nothing ran
		delay := e.policy.Delay(env.Attempt + 1)
		tracing.SetSpanError(ctx, err)
		e.entry(ctx, env, unit).WithError(err).WithField("delay", delay.String()).Warn("ledger claim failed, deferring")
		e.answer(ctx, env, unit, "defer", msg.Defer(delay))
		return
	}
	tracing.AddSpanEvent(ctx, "ledger.claim", attribute.String("outcome", outcome.String()))

	switch outcome {
	case ledger.AlreadyCompleted:
		metrics.RecordTaskDuplicate(typ)
		e.entry(ctx, env, unit).Debug("already completed, acking redelivery")
		e.answer(ctx, env, unit, "ack", msg.Ack())
		return
	case ledger.AlreadyFailed:
		// terminal routing is idempotent: the first failure already notified
		metrics.RecordTaskDuplicate(typ)
		dl := task.NewDeadLetter(env, "", "already failed")
		e.entry(ctx, env, unit).Info("already failed, routing to dead-letter again")
		e.answer(ctx, env, unit, "dead-letter", msg.DeadLetter(ctx, dl))
		return
	case ledger.AlreadyPending:
		e.entry(ctx, env, unit).WithField("delay", e.policy.ClaimRetryDelay.String()).Debug("claim held by another worker, deferring")
		e.answer(ctx, env, unit, "defer", msg.Defer(e.policy.ClaimRetryDelay))
		return
	}

	e.execute(ctx, unit, msg, env, key, owner)
}

func (e *Executor) execute(ctx context.Context, unit int, msg broker.Message, env task.Envelope, key ledger.Key, owner string) {
	typ := string(env.Type)

	h, err := e.registry.Lookup(env.Type)
	if err != nil {
		e.failed(ctx, unit, msg, env, key, owner, err)
		return
	}

	// credential resolution and the handler share one deadline, so the
	// claim is never held longer than the task timeout plus ledger writes
	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cred, err := e.resolve(tctx, h.Scope(), env)
	if err != nil {
		e.failed(ctx, unit, msg, env, key, owner, err)
		return
	}

	tracing.AddSpanEvent(ctx, "handler.execute", attribute.String("scope", h.Scope().String()))
	start := time.Now()
	err = e.run(tctx, h, env, cred)
	elapsed := time.Since(start)

	if err != nil {
		metrics.ObserveTaskDuration(typ, elapsed)
		e.failed(ctx, unit, msg, env, key, owner, err)
		return
	}

	if err := e.persist(ctx, func(ctx context.Context) error {
		return e.ledger.Complete(ctx, key, owner)
	}); err != nil {
		// the side effect happened; acking beats acting twice
		tracing.SetSpanError(ctx, err)
		e.entry(ctx, env, unit).WithError(err).Error("ledger complete failed, acking anyway")
	}
	metrics.RecordTaskCompleted(typ, elapsed)
	e.entry(ctx, env, unit).WithField("duration_ms", elapsed.Milliseconds()).Info("task completed")
	e.answer(ctx, env, unit, "ack", msg.Ack())
}

// run executes h until the task deadline carried by tctx. A handler that
// ignores its context is abandoned when the deadline passes.
func (e *Executor) run(tctx context.Context, h handlers.Handler, env task.Envelope, cred handlers.Credential) error {
	if err := tctx.Err(); err != nil {
		return fmt.Errorf("%s handler not started: %w", env.Type, faults.Transient(err))
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- faults.Permanentf("%s handler panicked: %v", env.Type, r)
			}
		}()
		done <- h.Execute(tctx, env, cred)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && faults.IsRetryable(err) && !faults.IsTimeout(err) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return err
	case <-tctx.Done():
		return fmt.Errorf("%s handler abandoned: %w", env.Type, faults.Transient(tctx.Err()))
	}
}

// resolve fetches the credential for scope within the caller's deadline.
// Only this unit blocks.
func (e *Executor) resolve(ctx context.Context, scope handlers.Scope, env task.Envelope) (handlers.Credential, error) {
	cred := handlers.Credential{Scope: scope}
	if scope == handlers.ScopeNone {
		return cred, nil
	}
	if e.creds == nil {
		return cred, fmt.Errorf("%w: no credential source", faults.ErrAuthFailure)
	}

	switch scope {
	case handlers.ScopeInstallation:
		tok, err := e.creds.IssueInstallationToken(ctx, env.Installation)
		if err != nil {
			return cred, fmt.Errorf("resolve installation token: %w", err)
		}
		cred.Token = tok.Value
	case handlers.ScopeCI:
		tok, err := e.creds.CIToken()
		if err != nil {
			return cred, fmt.Errorf("resolve ci token: %w", err)
		}
		cred.Token = tok
	}
	return cred, nil
}

// failed routes a failed execution to retry or to the permanent path
func (e *Executor) failed(ctx context.Context, unit int, msg broker.Message, env task.Envelope, key ledger.Key, owner string, cause error) {
	typ := string(env.Type)
	reason := faults.Reason(cause)
	next := env.NextAttempt()
	tracing.SetSpanError(ctx, cause)

	if !faults.IsRetryable(cause) {
		e.deadLetter(ctx, unit, msg, next, key, owner, cause, reason)
		return
	}
	if e.policy.Exhausted(next.Attempt) {
		cause = fmt.Errorf("attempts exhausted (%d): %w", next.Attempt, cause)
		e.deadLetter(ctx, unit, msg, next, key, owner, cause, reasonExhausted)
		return
	}

	delay := e.policy.Delay(next.Attempt)
	if faults.IsTimeout(cause) {
		// the abandoned call may still land; keep the claim until the lease
		// runs out and do not come back before then
		if delay < e.lease {
			delay = e.lease
		}
	} else if err := e.ledger.Release(ctx, key, owner); err != nil {
		e.entry(ctx, env, unit).WithError(err).Warn("ledger release failed")
	}

	log := e.entry(ctx, env, unit).WithError(cause).WithFields(map[string]any{
		"reason":       reason,
		"next_attempt": next.Attempt,
		"delay":        delay.String(),
	})
	if err := msg.Retry(ctx, next, delay); err != nil {
		log.WithField("publish_error", err.Error()).Error("retry publish failed, original requeued")
		return
	}
	metrics.RecordTaskRetried(typ, reason)
	tracing.AddSpanEvent(ctx, "task.retry", attribute.Int("next_attempt", next.Attempt), attribute.String("delay", delay.String()))
	log.Warn("task failed, retry scheduled")
}

// deadLetter is the failed-permanent path: record, notify, dead-letter
func (e *Executor) deadLetter(ctx context.Context, unit int, msg broker.Message, env task.Envelope, key ledger.Key, owner string, cause error, reason string) {
	typ := string(env.Type)
	log := e.entry(ctx, env, unit).WithError(cause).WithField("reason", reason)

	err := e.persist(ctx, func(ctx context.Context) error {
		return e.ledger.Fail(ctx, key, owner, cause.Error())
	})
	switch {
	case errors.Is(err, ledger.ErrNotOwner):
		// our lease was taken over; the new owner decides the outcome
		log.Warn("lost claim before recording failure, dropping delivery")
		e.answer(ctx, env, unit, "ack", msg.Ack())
		return
	case err != nil:
		log.WithField("ledger_error", err.Error()).Error("ledger fail failed")
	default:
		e.notify(ctx, env, reason)
	}

	dl := task.NewDeadLetter(env, cause.Error(), reason)
	if err := msg.DeadLetter(ctx, dl); err != nil {
		log.WithField("publish_error", err.Error()).Error("dead-letter publish failed, original requeued")
		return
	}
	metrics.RecordTaskDeadLettered(typ, reason)
	tracing.AddSpanEvent(ctx, "task.dead_letter", attribute.String("reason", reason))
	log.Error("task failed permanently")
}

// notify posts the failure notice. It is best effort: the dead letter and
// the failed ledger record are the durable signal.
func (e *Executor) notify(ctx context.Context, env task.Envelope, reason string) {
	if e.notifier == nil || env.Installation <= 0 || env.Number <= 0 {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	cred, err := e.resolve(nctx, handlers.ScopeInstallation, env)
	if err == nil {
		err = e.notifier.NotifyFailure(nctx, env, cred, reason)
	}
	if err != nil {
		e.log.WithContext(ctx).WithDelivery(env.DeliveryID).WithTask(string(env.Type)).WithError(err).Warn("failure notice not posted")
	}
}

// persist retries a post-execution ledger write. ErrNotOwner is final.
func (e *Executor) persist(ctx context.Context, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.ledgerInterval
	b.MaxInterval = 10 * e.ledgerInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		if errors.Is(err, ledger.ErrNotOwner) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.ledgerRetries),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

func (e *Executor) answer(ctx context.Context, env task.Envelope, unit int, what string, err error) {
	if err != nil {
		e.entry(ctx, env, unit).WithError(err).Errorf("broker %s failed", what)
	}
}
