package runner

import (
	"context"
	"slices"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/gates"
	"github.com/jorge-barreto/docpipe/internal/llm"
	"github.com/jorge-barreto/docpipe/internal/source"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

// invoke runs one attempt of worker id and publishes its outputs. The
// attempt is recorded as a work item whether it succeeds or not.
func (r *Runner) invoke(ctx context.Context, id worker.ID) error {
	w, err := r.Registry.Get(id)
	if err != nil {
		return err
	}
	spec := w.Spec()
	if err := r.gov.CheckElapsed(); err != nil {
		return err
	}
	if id == worker.Fixer {
		if err := r.gov.RecordPatchAttempt(); err != nil {
			return err
		}
	}
	src, err := r.source()
	if err != nil {
		return err
	}
	snap := r.store.Snapshot()
	inputs, err := worker.SelectInputs(spec, snap.ArtifactsIndex)
	if err != nil {
		return err
	}

	ctx, span := r.Telemetry.StartSpan(ctx, "worker."+string(id), attribute.String("worker", string(id)))
	defer span.End()

	attempt := snap.NextAttempt(string(id))
	paths := inputPaths(inputs)
	span.SetAttributes(attribute.Int("attempt", attempt))
	if err := r.emit(ctx, domain.EventWorkerStarted, map[string]any{
		"worker": id, "attempt": attempt, "inputs": paths,
	}); err != nil {
		return err
	}
	if err := r.store.Update(func(s *state.Snapshot) error {
		s.StartWorkItem(string(id), paths, spec.Outputs, r.now())
		s.SectionStates[string(id)] = domain.SectionPending
		return nil
	}); err != nil {
		return err
	}
	log := r.log.With(zap.String("worker", string(id)), zap.Int("attempt", attempt))
	log.Info(ctx, "worker started")
	r.Out.WorkerStart(slices.Index(worker.All(), id), len(worker.All()), id, attempt)

	start := r.now()
	out, entries, runErr := r.execute(ctx, w, attempt, inputs, src)
	if runErr != nil {
		span.SetAttributes(attribute.String("error_code", string(errs.CodeOf(runErr))))
		return r.workerFailed(ctx, id, attempt, runErr)
	}

	published := make([]string, len(entries))
	for i, e := range entries {
		published[i] = e.Path
	}
	if err := r.emit(ctx, domain.EventWorkerFinished, map[string]any{
		"worker":      id,
		"attempt":     attempt,
		"outputs":     published,
		"duration_ms": r.now().Sub(start).Milliseconds(),
	}); err != nil {
		return err
	}
	for _, e := range entries {
		if err := r.emit(ctx, domain.EventArtifactPublished, map[string]any{
			"worker": id, "path": e.Path, "checksum": e.Checksum, "schema": e.Schema,
		}); err != nil {
			return err
		}
	}
	issues := r.workerIssues(ctx, id, out)
	if err := r.store.Update(func(s *state.Snapshot) error {
		s.FinishWorkItem(string(id), attempt, domain.WorkFinished, "", published, r.now())
		for _, e := range entries {
			s.IndexArtifact(e)
		}
		s.SectionStates[string(id)] = domain.SectionDone
		s.AddIssues(issues...)
		s.Budget = r.gov.Usage()
		return nil
	}); err != nil {
		return err
	}
	r.Metrics.WorkerRun(string(id), string(domain.WorkFinished))
	log.Info(ctx, "worker finished", zap.Int("artifacts", len(entries)), zap.Int("issues", len(issues)))
	r.Out.WorkerComplete(id, len(entries), r.now().Sub(start))
	return nil
}

// execute runs the handler in a fresh stage. A cancel request that arrives
// while the handler runs discards its outputs.
func (r *Runner) execute(ctx context.Context, w worker.Worker, attempt int, inputs map[string]domain.ArtifactEntry, src *source.Repo) (*worker.Output, []domain.ArtifactEntry, error) {
	spec := w.Spec()
	stage, err := worker.NewStage(r.runDir, spec.ID, attempt, r.guard.Allow(), r.gov)
	if err != nil {
		return nil, nil, err
	}
	inv := &worker.Invocation{
		RunID:   r.store.Snapshot().RunID,
		Worker:  spec.ID,
		Attempt: attempt,
		RunDir:  r.runDir,
		Config:  r.Config,
		Inputs:  inputs,
		Stage:   stage,
		Source:  src,
		Logger:  r.log.Named(string(spec.ID)),
	}
	inv.LLM = llm.NewGoverned(r.LLM, r.gov, r.store, r.Config.Workers.Timeout, llm.WithLogger(inv.Logger))
	out, err := w.Run(ctx, inv)
	if out != nil && len(out.Log) > 0 {
		r.writeWorkerLog(ctx, spec.ID, attempt, out.Log)
	}
	if err == nil {
		if sig, ok := r.cancelRequested(ctx); ok {
			err = cancelErr(sig)
		}
	}
	if err == nil {
		var entries []domain.ArtifactEntry
		if entries, err = worker.Publish(r.guard, stage, spec); err == nil {
			if out == nil {
				out = &worker.Output{}
			}
			return out, entries, nil
		}
	}
	if derr := stage.Discard(); derr != nil {
		r.log.Warn(ctx, "discarding stage", zap.String("worker", string(spec.ID)), zap.Error(derr))
	}
	return out, nil, err
}

func (r *Runner) workerFailed(ctx context.Context, id worker.ID, attempt int, cause error) error {
	code := errs.CodeOf(cause)
	if err := r.emit(ctx, domain.EventWorkerFailed, map[string]any{
		"worker":     id,
		"attempt":    attempt,
		"error_code": code,
		"message":    cause.Error(),
		"fixable":    errs.Retryable(cause),
	}); err != nil {
		return err
	}
	if err := r.store.Update(func(s *state.Snapshot) error {
		s.FinishWorkItem(string(id), attempt, domain.WorkFailed, string(code), nil, r.now())
		s.SectionStates[string(id)] = domain.SectionFailed
		s.Budget = r.gov.Usage()
		return nil
	}); err != nil {
		return err
	}
	r.Metrics.WorkerRun(string(id), string(domain.WorkFailed))
	msg := r.Scrubber.ScrubString(cause.Error())
	r.log.Warn(ctx, "worker failed",
		zap.String("worker", string(id)), zap.Int("attempt", attempt), zap.String("error_code", string(code)), zap.String("error", msg))
	r.Out.WorkerFail(id, msg)
	return cause
}

// workerIssues stamps the gate, status and id of the issues a worker
// reports. Issues that fail validation are dropped with a warning.
func (r *Runner) workerIssues(ctx context.Context, id worker.ID, out *worker.Output) []domain.Issue {
	var issues []domain.Issue
	for _, is := range out.Issues {
		if is.Gate == "" {
			is.Gate = string(id)
		}
		if is.Status == "" {
			is.Status = domain.IssueOpen
		}
		if err := is.Validate(); err != nil {
			r.log.Warn(ctx, "dropping invalid worker issue", zap.String("worker", string(id)), zap.Error(err))
			continue
		}
		is.ID = gates.IssueID(is)
		issues = append(issues, is)
	}
	return issues
}

func (r *Runner) writeWorkerLog(ctx context.Context, id worker.ID, attempt int, data []byte) {
	scrubbed := []byte(r.Scrubber.ScrubString(string(data)))
	if _, err := r.guard.WriteFile(worker.LogPath(id, attempt), scrubbed); err != nil {
		r.log.Warn(ctx, "writing worker log", zap.String("worker", string(id)), zap.Error(err))
	}
}

func inputPaths(inputs map[string]domain.ArtifactEntry) []string {
	out := make([]string, 0, len(inputs))
	for _, e := range inputs {
		out = append(out, e.Path)
	}
	sort.Strings(out)
	return out
}
