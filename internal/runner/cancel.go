package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/state"
)

// cancelSignal is a pending cancellation: an interrupted context or a
// cancel.request left by another process.
type cancelSignal struct {
	reason      string
	external    bool
	requestedAt time.Time
}

func cancelErr(sig cancelSignal) error {
	return errs.New(errs.KindInternal, errs.CodeRunCancelled, "%s", sig.reason)
}

// cancelRequested is the cancellation checkpoint.
func (r *Runner) cancelRequested(ctx context.Context) (cancelSignal, bool) {
	if req, ok := state.CancelRequested(r.runDir); ok {
		return cancelSignal{reason: req.Reason, external: true, requestedAt: req.RequestedAt}, true
	}
	if ctx.Err() != nil {
		return cancelSignal{reason: "interrupted"}, true
	}
	return cancelSignal{}, false
}

// cancel moves the run to CANCELLED.
func (r *Runner) cancel(ctx context.Context, sig cancelSignal) error {
	ctx = context.WithoutCancel(ctx)
	if sig.external {
		if err := r.emit(ctx, domain.EventCancelRequested, map[string]any{
			"reason": sig.reason, "requested_at": sig.requestedAt,
		}); err != nil {
			return err
		}
	}
	return finishCancel(ctx, r.store, sig.reason, func() {
		r.log.Warn(ctx, "run cancelled", zap.String("reason", sig.reason))
		r.Out.Cancelled(sig.reason)
	})
}

func finishCancel(ctx context.Context, store *state.Store, reason string, notify func()) error {
	if _, err := store.Append(ctx, domain.EventRunCancelled, map[string]any{"reason": reason}); err != nil {
		return err
	}
	if err := store.Update(func(s *state.Snapshot) error {
		s.Failure = &state.Failure{Code: string(errs.CodeRunCancelled), Message: reason}
		return nil
	}); err != nil {
		return err
	}
	if notify != nil {
		notify()
	}
	return store.Transition(ctx, domain.StateCancelled, reason)
}

// CancelResult reports what Cancel did.
type CancelResult struct {
	State domain.RunState
	// Pending is true when a live orchestrator holds the run and will
	// cancel it at its next checkpoint.
	Pending bool
}

// Cancel cancels the run in runDir. A run held by a live orchestrator gets
// a cancel.request it honors at the next checkpoint; an idle run moves to
// CANCELLED immediately. Cancelling a terminal run changes nothing.
func Cancel(ctx context.Context, runDir, reason string, now func() time.Time) (CancelResult, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	if now == nil {
		now = time.Now
	}
	snap, err := state.LoadSnapshot(runDir)
	if err != nil {
		return CancelResult{}, err
	}
	if snap.RunState.Terminal() {
		return CancelResult{State: snap.RunState}, nil
	}

	lock, err := state.AcquireLock(runDir)
	if errs.Is(err, errs.CodeRunLocked) {
		if err := state.RequestCancel(runDir, reason, now()); err != nil {
			return CancelResult{}, err
		}
		return CancelResult{State: snap.RunState, Pending: true}, nil
	}
	if err != nil {
		return CancelResult{}, err
	}
	defer lock.Release()

	store, err := state.Open(runDir, state.WithClock(now))
	if err != nil {
		return CancelResult{}, err
	}
	defer store.Close()
	if st := store.State(); st.Terminal() {
		return CancelResult{State: st}, nil
	}
	if _, err := store.Append(ctx, domain.EventCancelRequested, map[string]any{
		"reason": reason, "requested_at": now().UTC(),
	}); err != nil {
		return CancelResult{}, err
	}
	if err := finishCancel(ctx, store, reason, nil); err != nil {
		return CancelResult{}, err
	}
	return CancelResult{State: domain.StateCancelled}, nil
}
