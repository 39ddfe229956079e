package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/courier/internal/clock"
	"github.com/roach88/courier/internal/gateway"
	"github.com/roach88/courier/internal/queue"
	"github.com/roach88/courier/internal/reconcile"
	"github.com/roach88/courier/internal/store"
)

const (
	// DefaultCallTimeout bounds a single gateway call.
	DefaultCallTimeout = 30 * time.Second

	// DefaultPollInterval is how often Run looks for backoff-due retries
	// while online.
	DefaultPollInterval = 15 * time.Second
)

// Engine drains the sync queue.
//
// Dependencies are passed explicitly to New; the engine holds no global
// state and several engines (over different stores) can coexist.
type Engine struct {
	store      *store.Store
	queue      *queue.Queue
	reconciler *reconcile.Reconciler
	gateway    gateway.Gateway

	clock        clock.Clock
	policy       RetryPolicy
	callTimeout  time.Duration
	pollInterval time.Duration

	// drainMu is held for the duration of a pass.
	drainMu sync.Mutex

	// trigger requests a pass from Run (buffered, size 1: coalesces).
	trigger chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for backoff scheduling.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithRetryPolicy sets the retry policy for transient failures.
//
// Default: DefaultRetryPolicy().
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithCallTimeout sets the per-call gateway timeout. A call that exceeds it
// is a transient failure.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.callTimeout = d
	}
}

// WithPollInterval sets how often Run checks for backoff-due retries.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

// New creates an Engine.
func New(s *store.Store, q *queue.Queue, r *reconcile.Reconciler, g gateway.Gateway, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		queue:        q,
		reconciler:   r,
		gateway:      g,
		clock:        clock.System{},
		policy:       DefaultRetryPolicy(),
		callTimeout:  DefaultCallTimeout,
		pollInterval: DefaultPollInterval,
		trigger:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's retry policy.
func (e *Engine) Policy() RetryPolicy {
	return e.policy
}

// Trigger asks Run for a drain pass. Safe from any goroutine; never blocks.
// Triggers arriving while a request is outstanding coalesce into one pass.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// DrainResult summarizes a drain pass.
type DrainResult struct {
	// Recovered counts entries reset from syncing left by an interrupted pass.
	Recovered int64 `json:"recovered"`

	// Promoted counts transient failures whose backoff had elapsed.
	Promoted int64 `json:"promoted"`

	// Attempted counts gateway calls.
	Attempted int `json:"attempted"`

	Succeeded int `json:"succeeded"`
	Transient int `json:"transient"`
	Permanent int `json:"permanent"`

	// Deferred counts entries held back because they reference an entity
	// whose create has not completed.
	Deferred int `json:"deferred"`

	// Skipped counts entries held back behind an unfinished earlier entry
	// for the same entity.
	Skipped int `json:"skipped"`
}

// Drain runs one pass over the pending entries.
//
// Per-entry failures are recorded on the entries and never returned. A
// storage fault aborts the pass and is returned as an *Error. If ctx is
// cancelled the pass stops between entries, or during a gateway call with
// the entry left syncing, and ctx.Err() is returned.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	if !e.drainMu.TryLock() {
		return res, ErrDrainInProgress
	}
	defer e.drainMu.Unlock()

	var err error
	if res.Recovered, err = e.queue.RecoverInFlight(ctx); err != nil {
		return res, e.fault(ctx, 0, err)
	}
	if res.Promoted, err = e.queue.PromoteDue(ctx, e.clock.Now(), e.policy.MaxAttempts); err != nil {
		return res, e.fault(ctx, 0, err)
	}

	blocked, err := e.queue.BlockedKeys(ctx)
	if err != nil {
		return res, e.fault(ctx, 0, err)
	}
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return res, e.fault(ctx, 0, err)
	}
	if len(pending) == 0 {
		return res, nil
	}

	slog.Debug("drain starting", "pending", len(pending), "recovered", res.Recovered, "promoted", res.Promoted)

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		// Re-read: reconciling an earlier create may have re-keyed it.
		entry, err := e.queue.Get(ctx, p.ID)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, e.fault(ctx, p.ID, err)
		}
		if entry.Status != queue.StatusPending {
			continue
		}

		key := entry.Key()
		if blocked[key] {
			res.Skipped++
			slog.Debug("entry waiting on earlier entry", "entry", entry.ID, "entity", key)
			continue
		}

		dep, deferred, err := e.unsyncedDependency(ctx, entry)
		if err != nil {
			return res, e.fault(ctx, entry.ID, err)
		}
		if deferred {
			blocked[key] = true
			res.Deferred++
			slog.Debug("entry deferred",
				"entry", entry.ID,
				"entity", key,
				"depends_on", dep.Target,
				"dependency_id", dep.ID,
			)
			continue
		}

		outcome, err := e.process(ctx, entry)
		if err != nil {
			return res, err
		}
		switch outcome {
		case gateway.Success:
			res.Attempted++
			res.Succeeded++
		case gateway.Transient:
			res.Attempted++
			res.Transient++
			blocked[key] = true
		case gateway.Permanent:
			res.Attempted++
			res.Permanent++
			blocked[key] = true
		default:
			// lost a race with another writer; nothing was sent
			blocked[key] = true
		}
	}

	slog.Info("drain finished",
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"transient", res.Transient,
		"permanent", res.Permanent,
		"deferred", res.Deferred,
		"skipped", res.Skipped,
	)
	return res, nil
}

// process sends one entry and records the outcome. It returns a zero
// Outcome when the entry could not be claimed.
func (e *Engine) process(ctx context.Context, entry *queue.Entry) (gateway.Outcome, error) {
	if err := e.queue.MarkSyncing(ctx, entry.ID); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
			return 0, nil
		}
		return 0, e.fault(ctx, entry.ID, err)
	}

	result, err := e.invoke(ctx, entry)
	if err != nil {
		slog.Info("drain interrupted during call", "entry", entry.ID, "error", err)
		return 0, err
	}

	// The call has returned; record its outcome even if ctx is cancelled
	// from here on.
	rctx := context.WithoutCancel(ctx)

	switch result.Outcome {
	case gateway.Success:
		return e.complete(rctx, entry, result)
	case gateway.Transient:
		return gateway.Transient, e.failTransient(rctx, entry, result.Err)
	case gateway.Permanent:
		return gateway.Permanent, e.failPermanent(rctx, entry, result.Err)
	default:
		err := &Error{Code: ErrCodeBadOutcome, EntryID: entry.ID, Err: fmt.Errorf("gateway returned %s", result.Outcome)}
		return gateway.Permanent, e.failPermanent(rctx, entry, err)
	}
}

// invoke calls the gateway with the per-call timeout. It returns ctx.Err()
// when the parent context ends before the call produced a usable result.
func (e *Engine) invoke(ctx context.Context, entry *queue.Entry) (gateway.Result, error) {
	req := gateway.Request{
		Operation:      entry.Operation,
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
		Payload:        entry.Payload,
		IdempotencyKey: entry.IdempotencyKey,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	done := make(chan gateway.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- gateway.PermanentFailure(fmt.Errorf("gateway panic: %v", r))
			}
		}()
		done <- e.gateway.Invoke(callCtx, req)
	}()

	slog.Debug("invoking gateway",
		"entry", entry.ID,
		"operation", entry.Operation,
		"entity", entry.Key(),
		"attempt", entry.RetryCount+1,
	)

	var (
		result   gateway.Result
		answered bool
	)
	select {
	case result = <-done:
		answered = true
	case <-callCtx.Done():
		// prefer an answer that raced the deadline
		select {
		case result = <-done:
			answered = true
		default:
		}
	}

	if err := ctx.Err(); err != nil && (!answered || result.Outcome != gateway.Success) {
		return gateway.Result{}, err
	}
	if !answered || (result.Outcome != gateway.Success && errors.Is(callCtx.Err(), context.DeadlineExceeded)) {
		return gateway.TransientFailure(fmt.Errorf("gateway call timed out after %s", e.callTimeout)), nil
	}
	return result, nil
}

// complete records a successful call: reconcile a create's identifier,
// stamp last_synced_at and mark the entry completed, all in one transaction.
func (e *Engine) complete(ctx context.Context, entry *queue.Entry, result gateway.Result) (gateway.Outcome, error) {
	if entry.Operation == queue.OpCreate && result.ServerID == "" && isProvisional(entry.EntityID) {
		err := &Error{Code: ErrCodeMissingServerID, EntryID: entry.ID, Err: fmt.Errorf("create of %s acknowledged without server id", entry.Key())}
		return gateway.Permanent, e.failPermanent(ctx, entry, err)
	}

	now := e.clock.Now()
	var rec reconcile.Result
	err := e.store.RunInTx(ctx, func(tx *store.Tx) error {
		entityID := entry.EntityID
		if entry.Operation == queue.OpCreate && result.ServerID != "" && result.ServerID != entry.EntityID {
			var err error
			if rec, err = e.reconciler.ReconcileTx(tx, entry.EntityType, entry.EntityID, result.ServerID); err != nil {
				return err
			}
			entityID = result.ServerID
		}
		if entry.Operation != queue.OpDelete {
			if err := tx.SetLastSynced(entry.EntityType, entityID, now); err != nil {
				return err
			}
		}
		return e.queue.MarkCompletedTx(tx, entry.ID, result.ServerID)
	})

	switch {
	case err == nil:
		slog.Info("entry synced",
			"entry", entry.ID,
			"operation", entry.Operation,
			"entity", entry.Key(),
			"server_id", result.ServerID,
			"entries_rekeyed", rec.EntriesRekeyed,
			"references_rewritten", rec.ReferencesRewritten+rec.PayloadsRewritten,
		)
		return gateway.Success, nil
	case reconcile.IsReconcileError(err) && !store.IsStorage(err):
		rerr := &Error{Code: ErrCodeReconcile, EntryID: entry.ID, Err: err}
		return gateway.Permanent, e.failPermanent(ctx, entry, rerr)
	default:
		return 0, e.fault(ctx, entry.ID, err)
	}
}

func (e *Engine) failTransient(ctx context.Context, entry *queue.Entry, cause error) error {
	attempts := entry.RetryCount + 1
	var next *time.Time
	if !e.policy.Exhausted(attempts) {
		at := e.clock.Now().Add(e.policy.Delay(attempts))
		next = &at
	}
	if err := e.queue.MarkFailed(ctx, entry.ID, queue.FailureTransient, reason(cause), next); err != nil {
		return e.fault(ctx, entry.ID, err)
	}
	if next == nil {
		slog.Warn("entry out of automatic retries",
			"entry", entry.ID,
			"entity", entry.Key(),
			"attempts", attempts,
			"error", cause,
		)
		return nil
	}
	slog.Info("entry failed, will retry",
		"entry", entry.ID,
		"entity", entry.Key(),
		"attempts", attempts,
		"next_attempt_at", *next,
		"error", cause,
	)
	return nil
}

func (e *Engine) failPermanent(ctx context.Context, entry *queue.Entry, cause error) error {
	if err := e.queue.MarkFailed(ctx, entry.ID, queue.FailurePermanent, reason(cause), nil); err != nil {
		return e.fault(ctx, entry.ID, err)
	}
	slog.Warn("entry rejected",
		"entry", entry.ID,
		"operation", entry.Operation,
		"entity", entry.Key(),
		"error", cause,
	)
	return nil
}

// fault converts a store error into the error Drain returns. Cancellation
// passes through unchanged.
func (e *Engine) fault(ctx context.Context, entryID int64, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctxErr
	}
	slog.Error("storage fault, aborting drain", "entry", entryID, "error", err)
	return storageFault(entryID, err)
}

func reason(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
