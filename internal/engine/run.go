package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/courier/internal/connectivity"
)

// Run is the background sync loop. It drains the queue:
//   - when sig reports a transition to online, after promoting every
//     transient failure back to pending; a reconnect is detected by a new
//     State.Connects, so a flap the subscription coalesced still counts
//   - when Trigger is called while online
//   - every poll interval while online, picking up backoff-due retries
//
// Run blocks until ctx is done or a pass hits a storage fault, and returns
// the cause. It must be called from exactly one goroutine.
func (e *Engine) Run(ctx context.Context, sig connectivity.Signal) error {
	slog.Info("sync engine starting",
		"call_timeout", e.callTimeout,
		"poll_interval", e.pollInterval,
		"max_attempts", e.policy.MaxAttempts,
	)

	states := sig.Subscribe(ctx)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	online := false
	var connects uint64
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync engine stopping", "reason", ctx.Err())
			return ctx.Err()

		case st, ok := <-states:
			if !ok {
				slog.Info("sync engine stopping", "reason", ctx.Err())
				return ctx.Err()
			}
			reconnected := st.Online && st.Connects != connects
			online = st.Online
			connects = st.Connects
			slog.Info("connectivity changed", "state", st, "connects", st.Connects)
			if !reconnected {
				continue
			}
			n, err := e.queue.PromoteTransient(ctx, e.policy.MaxAttempts)
			if err != nil {
				if err := e.stopOn(ctx, e.fault(ctx, 0, err)); err != nil {
					return err
				}
				continue
			}
			if n > 0 {
				slog.Info("retrying transient failures", "count", n)
			}
			if err := e.pass(ctx); err != nil {
				return err
			}

		case <-e.trigger:
			if !online {
				slog.Debug("sync trigger ignored while offline")
				continue
			}
			if err := e.pass(ctx); err != nil {
				return err
			}

		case <-ticker.C:
			if !online {
				continue
			}
			if err := e.pass(ctx); err != nil {
				return err
			}
		}
	}
}

// pass runs one drain for Run. It returns a non-nil error only when Run
// must stop.
func (e *Engine) pass(ctx context.Context) error {
	_, err := e.Drain(ctx)
	return e.stopOn(ctx, err)
}

func (e *Engine) stopOn(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDrainInProgress):
		// A caller is draining directly; its pass covers this request.
		slog.Debug("drain skipped, pass already running")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}
