package runner

import (
	"context"
	"path/filepath"

	"github.com/jorge-barreto/docpipe/internal/gates"
	"github.com/jorge-barreto/docpipe/internal/guard"
	"github.com/jorge-barreto/docpipe/internal/logging"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/telemetry"
)

// Revalidate re-runs the gates against the existing run in runDir and
// rewrites its validation report. No worker runs and the run state is left
// as it is; issues the gates no longer raise are resolved.
func (r *Runner) Revalidate(ctx context.Context, runDir string) (*gates.Report, error) {
	if _, err := state.LoadSnapshot(runDir); err != nil {
		return nil, err
	}
	lock, err := state.AcquireLock(runDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	store, err := state.Open(runDir, state.WithPayloadScrubber(r.Scrubber.ScrubValue), state.WithClock(r.now))
	if err != nil {
		return nil, err
	}
	defer store.Close()
	r.store = store
	r.runDir = runDir

	snap := store.Snapshot()
	ctx = telemetry.WithRunRoot(ctx, snap.RunID)
	ctx = logging.WithRunID(ctx, snap.RunID)
	teed, err := r.Logger.TeeFile(filepath.Join(runDir, state.OrchestratorLog))
	if err != nil {
		return nil, err
	}
	r.log = teed.WithScrubber(r.Scrubber.ScrubString)
	defer r.log.Close()

	if r.guard, err = guard.New(runDir, allowList(snap.Profile, r.authorize()), nil); err != nil {
		return nil, err
	}
	return r.evaluate(ctx, snap.Profile)
}
