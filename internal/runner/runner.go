// Package runner drives the run state machine. It validates configuration
// and authorization, executes the worker pipeline, evaluates the gates and
// loops through FIXING until the run is DONE, FAILED or CANCELLED. Every
// transition is appended to the event log before the snapshot is rewritten.
package runner

import (
	"context"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jorge-barreto/docpipe/internal/authz"
	"github.com/jorge-barreto/docpipe/internal/budget"
	"github.com/jorge-barreto/docpipe/internal/config"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/gates"
	"github.com/jorge-barreto/docpipe/internal/guard"
	"github.com/jorge-barreto/docpipe/internal/llm"
	"github.com/jorge-barreto/docpipe/internal/logging"
	"github.com/jorge-barreto/docpipe/internal/metrics"
	"github.com/jorge-barreto/docpipe/internal/secrets"
	"github.com/jorge-barreto/docpipe/internal/source"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/telemetry"
	"github.com/jorge-barreto/docpipe/internal/ux"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

// Runner owns one run directory for the lifetime of Run.
type Runner struct {
	Config    *config.Config
	Registry  *worker.Registry
	Gates     *gates.Engine
	Authz     *authz.Registry
	Scrubber  *secrets.Scrubber
	Telemetry *telemetry.Telemetry
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	LLM       llm.Client
	Out       *ux.Printer

	workers []worker.Worker
	now     func() time.Time

	runDir string
	store  *state.Store
	gov    *budget.Governor
	guard  *guard.Guard
	src    *source.Repo
	log    *logging.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the console logger. Each run also tees it into
// logs/orchestrator.log.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.Logger = l }
}

// WithPrinter sets the progress printer.
func WithPrinter(p *ux.Printer) Option {
	return func(r *Runner) { r.Out = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLLM sets the model client the workers call through the governor.
func WithLLM(c llm.Client) Option {
	return func(r *Runner) { r.LLM = c }
}

// WithWorkers replaces the built-in handlers. workers.external overrides
// still apply on top.
func WithWorkers(ws ...worker.Worker) Option {
	return func(r *Runner) { r.workers = ws }
}

// WithTelemetry sets the tracer.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Runner) { r.Telemetry = t }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.Metrics = m }
}

// WithScrubber sets the secret scrubber instead of building it from config.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(r *Runner) { r.Scrubber = s }
}

// New wires a runner for cfg. Configuration errors surface here, before any
// run directory is touched.
func New(cfg *config.Config, opts ...Option) (*Runner, error) {
	r := &Runner{
		Config:  cfg,
		Logger:  logging.Nop(),
		Out:     ux.Discard(),
		workers: worker.Builtins(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if err := gates.ValidateDisabled(cfg.Gates.Disabled); err != nil {
		return nil, err
	}
	if r.Scrubber == nil {
		sc, err := NewScrubber(cfg)
		if err != nil {
			return nil, err
		}
		r.Scrubber = sc
	}

	runDir := cfg.RunDir()
	trust := guard.NewTrustBoundary([]string{cfg.SourceRepo}, []string{runDir})
	ws, err := worker.WithOverrides(r.workers, cfg.Workers.External, trust)
	if err != nil {
		return nil, err
	}
	if r.Registry, err = worker.NewRegistry(ws...); err != nil {
		return nil, err
	}

	if r.Telemetry == nil {
		r.Telemetry = telemetry.New(cfg.Telemetry)
	}
	if r.Metrics == nil {
		r.Metrics = metrics.New()
	}
	if r.LLM == nil {
		r.LLM = llm.NewOffline(cfg.Workers.LLM.Model)
	}
	r.Gates = gates.Default(gates.WithLogger(r.Logger), gates.WithTelemetry(r.Telemetry))
	r.Authz = authz.NewRegistry(cfg.AuthzRegistry)
	r.runDir = runDir
	return r, nil
}

// NewScrubber builds the secret scrubber configured by cfg.
func NewScrubber(cfg *config.Config) (*secrets.Scrubber, error) {
	sc := secrets.DefaultConfig()
	if cfg.Secrets.EntropyThreshold > 0 {
		sc.EntropyThreshold = cfg.Secrets.EntropyThreshold
	}
	sc.Gitleaks = cfg.Secrets.Gitleaks
	sc.AllowlistFile = cfg.Secrets.AllowlistFile
	s, err := secrets.New(sc)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindConfig, errs.CodeConfigInvalid, "config: secrets")
	}
	return s, nil
}

// Outcome summarizes a run after Run returns.
type Outcome struct {
	RunID   string
	RunDir  string
	State   domain.RunState
	Issues  []domain.Issue
	Failure *state.Failure
}

// OK reports whether the run reached DONE.
func (o *Outcome) OK() bool { return o.State == domain.StateDone }

// Err converts a FAILED or CANCELLED outcome into the typed error of its
// failure record.
func (o *Outcome) Err() error {
	if o.OK() {
		return nil
	}
	f := o.Failure
	if f == nil {
		return errs.New(errs.KindInternal, errs.CodeInternal, "run %s ended in %s", o.RunID, o.State)
	}
	return &errs.Error{
		Code:         errs.Code(f.Code),
		Kind:         failureKind(f.Code),
		Message:      f.Message,
		Files:        f.Files,
		SuggestedFix: f.SuggestedFix,
	}
}

func failureKind(code string) errs.Kind {
	switch {
	case strings.HasPrefix(code, "CONFIG_"), strings.HasPrefix(code, "AUTHZ_"):
		return errs.KindConfig
	case strings.HasPrefix(code, "BUDGET_"):
		return errs.KindBudget
	case strings.HasPrefix(code, "POLICY_"):
		return errs.KindPolicy
	}
	return errs.KindWorker
}

// RunDir returns the run directory derived from the configuration.
func (r *Runner) RunDir() string { return r.runDir }

// Run creates or resumes the run for r.Config and drives it to a terminal
// state. The returned error is reserved for conditions that prevent the run
// from being recorded at all, such as RUN_LOCKED; gate, worker, budget and
// policy failures end the run in FAILED and are reported by the Outcome.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	runID := r.Config.RunID()
	if err := state.EnsureDir(r.runDir); err != nil {
		return nil, err
	}
	lock, err := state.AcquireLock(r.runDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	store, resumed, err := r.openStore(runID)
	if err != nil {
		return nil, err
	}
	r.store = store
	defer store.Close()

	ctx = telemetry.WithRunRoot(ctx, runID)
	ctx = logging.WithRunID(ctx, runID)
	teed, err := r.Logger.TeeFile(filepath.Join(r.runDir, state.OrchestratorLog))
	if err != nil {
		return nil, err
	}
	r.log = teed.WithScrubber(r.Scrubber.ScrubString)
	defer r.log.Close()

	snap := store.Snapshot()
	if snap.RunState.Terminal() {
		r.log.Info(ctx, "run already finished", zap.String("state", string(snap.RunState)))
		return r.outcome(), nil
	}

	ctx, span := r.Telemetry.StartSpan(ctx, "run", attribute.String("run_id", runID))
	defer span.End()

	r.gov = budget.New(r.Config.Budget,
		budget.WithUsage(snap.Budget), budget.WithClock(r.now), budget.WithObserver(r.Metrics))
	defer r.writeMetrics(ctx)
	defer r.persistUsage(ctx)

	decision := r.authorize()
	if r.guard, err = guard.New(r.runDir, allowList(r.Config.Profile, decision), r.gov); err != nil {
		return nil, err
	}

	r.Out.RunHeader(runID, string(r.Config.Profile), resumed)
	if resumed {
		err = r.resume(ctx, snap, decision)
	} else {
		err = r.begin(ctx)
	}
	if err != nil {
		if err := r.handle(ctx, err); err != nil {
			return nil, err
		}
	}

	for st := store.State(); !st.Terminal(); st = store.State() {
		if sig, ok := r.cancelRequested(ctx); ok {
			if err := r.cancel(ctx, sig); err != nil {
				return nil, err
			}
			break
		}
		if err := r.step(ctx, st, decision); err != nil {
			if err := r.handle(ctx, err); err != nil {
				return nil, err
			}
		}
	}

	out := r.outcome()
	span.SetAttributes(attribute.String("state", string(out.State)))
	if out.OK() {
		r.log.Info(ctx, "run complete", zap.Int("open_issues", len(out.Issues)))
		r.Out.Done(r.runDir)
	}
	return out, nil
}

func (r *Runner) openStore(runID string) (*state.Store, bool, error) {
	opts := []state.Option{state.WithPayloadScrubber(r.Scrubber.ScrubValue), state.WithClock(r.now)}
	store, err := state.Open(r.runDir, opts...)
	if err == nil {
		return store, true, nil
	}
	if !errs.Is(err, errs.CodeRunNotFound) {
		return nil, false, err
	}
	snap := state.NewSnapshot(runID)
	snap.Product = r.Config.Product
	snap.SourceRef = r.Config.SourceRef
	snap.ConfigHash = r.Config.Hash()
	snap.Profile = r.Config.Profile
	store, err = state.Create(r.runDir, snap, opts...)
	return store, false, err
}

// begin records a new run. Nothing under the run directory beyond the state
// files is written until VALIDATING_CONFIG passes.
func (r *Runner) begin(ctx context.Context) error {
	if err := r.emit(ctx, domain.EventRunCreated, map[string]any{
		"product":     r.Config.Product,
		"source_ref":  r.Config.SourceRef,
		"profile":     r.Config.Profile,
		"config_hash": r.Config.Hash(),
	}); err != nil {
		return err
	}
	r.log.Info(ctx, "run created", zap.String("run_dir", r.runDir))
	return nil
}

// resume marks work items a crashed process left running as failed and
// re-checks the authorization of a run already past VALIDATING_CONFIG.
func (r *Runner) resume(ctx context.Context, snap *state.Snapshot, d authz.Decision) error {
	interrupted := snap.InterruptedWorkItems()
	if err := r.emit(ctx, domain.EventRunResumed, map[string]any{
		"state":       snap.RunState,
		"interrupted": len(interrupted),
	}); err != nil {
		return err
	}
	r.log.Info(ctx, "run resumed", zap.String("state", string(snap.RunState)), zap.Int("interrupted", len(interrupted)))
	if len(interrupted) > 0 {
		if err := r.store.Update(func(s *state.Snapshot) error {
			for _, w := range interrupted {
				s.FinishWorkItem(w.Worker, w.Attempt, domain.WorkFailed, string(errs.CodeWorkerInterrupted), nil, r.now())
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if snap.RunState != domain.StateCreated && snap.RunState != domain.StateValidatingConfig {
		return d.Err()
	}
	return nil
}

func (r *Runner) step(ctx context.Context, st domain.RunState, d authz.Decision) error {
	switch st {
	case domain.StateCreated:
		return r.store.Transition(ctx, domain.StateValidatingConfig, "run created")
	case domain.StateValidatingConfig:
		if err := r.validateConfig(ctx, d); err != nil {
			return err
		}
		if err := worker.InstallSchemas(r.guard.WriteFile); err != nil {
			return err
		}
		return r.store.Transition(ctx, domain.StateRunning, "configuration valid")
	case domain.StateRunning:
		return r.runPipeline(ctx)
	case domain.StateFixing:
		return r.fix(ctx)
	case domain.StateValidatingOutput:
		return r.validateOutput(ctx)
	}
	return errs.New(errs.KindInternal, errs.CodeIllegalTransition, "no step for state %s", st)
}

// validateConfig checks what New cannot: the authorization record, the
// external worker toolchain and the source revision.
func (r *Runner) validateConfig(ctx context.Context, d authz.Decision) error {
	if err := r.emit(ctx, domain.EventAuthzChecked, d); err != nil {
		return err
	}
	if d.Advisory {
		r.log.Warn(ctx, "authorization not enforced under this profile",
			zap.String("error_code", string(d.Code)), zap.String("reason", d.Reason))
	}
	if err := d.Err(); err != nil {
		return err
	}
	if err := worker.Preflight(r.Config.Workers.External); err != nil {
		return err
	}
	src, err := r.source()
	if err != nil {
		return err
	}
	return r.store.Update(func(s *state.Snapshot) error {
		s.GitSHA = src.GitSHA
		return nil
	})
}

// runPipeline executes the workers in order. A worker whose published
// outputs are intact is skipped until the first one that has to run; every
// worker after it runs again because its inputs may have changed.
func (r *Runner) runPipeline(ctx context.Context) error {
	snap := r.store.Snapshot()
	rerun := false
	for _, id := range worker.Pipeline {
		if sig, ok := r.cancelRequested(ctx); ok {
			return cancelErr(sig)
		}
		if !rerun && r.completed(snap, id) {
			r.Out.WorkerSkip(slices.Index(worker.All(), id), len(worker.All()), id)
			continue
		}
		rerun = true
		if err := r.invoke(ctx, id); err != nil {
			return r.retry(ctx, id, err)
		}
	}
	return r.store.Transition(ctx, domain.StateValidatingOutput, "pipeline complete")
}

// completed reports whether the latest attempt of id finished and every
// output it published is still indexed with the checksum on disk.
func (r *Runner) completed(snap *state.Snapshot, id worker.ID) bool {
	item, ok := snap.LatestWorkItem(string(id))
	if !ok || item.Status != domain.WorkFinished {
		return false
	}
	for _, rel := range item.Outputs {
		e, ok := snap.ArtifactByPath(rel)
		if !ok {
			return false
		}
		sum, err := state.Checksum(filepath.Join(r.runDir, filepath.FromSlash(rel)))
		if err != nil || sum != e.Checksum {
			return false
		}
	}
	return true
}

// retry schedules another attempt of a failed worker when the error is
// auto-fixable and fix attempts remain; otherwise it returns err.
func (r *Runner) retry(ctx context.Context, id worker.ID, err error) error {
	if !errs.Retryable(err) || ctx.Err() != nil {
		return err
	}
	if r.store.Snapshot().FixAttempts >= r.Config.MaxFixAttempts {
		r.log.Warn(ctx, "fix attempts exhausted", zap.String("worker", string(id)), zap.Int("max", r.Config.MaxFixAttempts))
		return err
	}
	return r.startFix(ctx, string(id), errs.CodeOf(err), 1)
}

func (r *Runner) startFix(ctx context.Context, target string, cause errs.Code, issues int) error {
	attempt := r.store.Snapshot().FixAttempts + 1
	if err := r.emit(ctx, domain.EventFixAttemptStarted, map[string]any{
		"attempt": attempt,
		"max":     r.Config.MaxFixAttempts,
		"target":  target,
		"cause":   cause,
		"issues":  issues,
	}); err != nil {
		return err
	}
	if err := r.store.Update(func(s *state.Snapshot) error {
		s.FixAttempts = attempt
		s.FixTarget = target
		return nil
	}); err != nil {
		return err
	}
	r.log.Info(ctx, "fix attempt started", zap.String("target", target), zap.Int("attempt", attempt))
	r.Out.FixAttempt(target, attempt, r.Config.MaxFixAttempts)
	return r.store.Transition(ctx, domain.StateFixing, "fix attempt "+target)
}

// fix runs the fixer for gate issues, or returns to RUNNING so the pipeline
// retries the worker named by FixTarget.
func (r *Runner) fix(ctx context.Context) error {
	target := r.store.Snapshot().FixTarget
	if target != "" && target != string(worker.Fixer) {
		return r.store.Transition(ctx, domain.StateRunning, "retrying "+target)
	}
	if err := r.invoke(ctx, worker.Fixer); err != nil {
		return err
	}
	return r.store.Transition(ctx, domain.StateValidatingOutput, "patches applied")
}

// validateOutput moves the run to DONE only when the gates pass and no
// worker or orchestrator issue blocks under the profile.
func (r *Runner) validateOutput(ctx context.Context) error {
	report, err := r.evaluate(ctx, r.Config.Profile)
	if err != nil {
		return err
	}
	snap := r.store.Snapshot()
	raised := domain.Blocking(r.Config.Profile, nonGateIssues(snap.Issues))
	if report.OK && len(raised) == 0 {
		return r.store.Transition(ctx, domain.StateDone, "all gates passed")
	}
	if fixable := report.Fixable(); len(fixable) > 0 && snap.FixAttempts < r.Config.MaxFixAttempts {
		return r.startFix(ctx, string(worker.Fixer), errs.CodeGateBlocked, len(fixable))
	}
	return gateBlocked(report, raised)
}

func nonGateIssues(issues []domain.Issue) []domain.Issue {
	var out []domain.Issue
	for _, is := range issues {
		if !gates.ID(is.Gate).Valid() {
			out = append(out, is)
		}
	}
	return out
}

// evaluate runs the gates over the current artifact index, records the
// issues they raise or resolve and indexes the validation report.
func (r *Runner) evaluate(ctx context.Context, profile domain.Profile) (*gates.Report, error) {
	snap := r.store.Snapshot()
	gctx := &gates.Context{
		RunDir:   r.runDir,
		Profile:  profile,
		Config:   r.Config,
		Index:    snap.ArtifactsIndex,
		Authz:    r.Authz,
		Scrubber: r.Scrubber,
	}
	report, err := r.Gates.Evaluate(ctx, gctx, r.guard)
	if err != nil {
		return nil, err
	}
	for _, g := range report.Gates {
		r.Metrics.GateResult(g.ID, g.IssueCount, g.Passed)
		if err := r.emit(ctx, domain.EventGateEvaluated, map[string]any{
			"gate": g.ID, "passed": g.Passed, "issues": g.IssueCount,
		}); err != nil {
			return nil, err
		}
	}

	raised := recordGateIssues(snap.Clone(), report.Issues)
	for _, is := range raised {
		if err := r.emit(ctx, domain.EventIssueRaised, map[string]any{
			"issue_id":   is.ID,
			"gate":       is.Gate,
			"severity":   is.Severity,
			"error_code": is.ErrorCode,
			"files":      is.Files,
			"location":   is.Location,
		}); err != nil {
			return nil, err
		}
	}
	if err := r.store.Update(func(s *state.Snapshot) error {
		s.IndexArtifact(report.Entry)
		recordGateIssues(s, report.Issues)
		return nil
	}); err != nil {
		return nil, err
	}
	r.Out.Gates(report.Gates)
	r.log.Info(ctx, "gates evaluated", zap.Bool("ok", report.OK), zap.Int("issues", len(report.Issues)))
	return report, nil
}

// recordGateIssues resolves the open gate issues the latest report no
// longer raises, reopens resolved ones it raises again and appends the ones
// it raises for the first time. It returns the issues that became open.
func recordGateIssues(s *state.Snapshot, issues []domain.Issue) []domain.Issue {
	current := make(map[string]bool, len(issues))
	for _, is := range issues {
		current[is.ID] = true
	}
	known := map[string]bool{}
	var raised []domain.Issue
	for i := range s.Issues {
		is := &s.Issues[i]
		if !gates.ID(is.Gate).Valid() {
			continue
		}
		known[is.ID] = true
		switch {
		case current[is.ID] && !is.Open():
			is.Reopen()
			raised = append(raised, *is)
		case !current[is.ID] && is.Open():
			is.Resolve()
		}
	}
	var added []domain.Issue
	for _, is := range issues {
		if known[is.ID] {
			continue
		}
		known[is.ID] = true
		added = append(added, is)
	}
	s.AddIssues(added...)
	return append(raised, added...)
}

// gateBlocked reports the blocking gate issues together with the blocking
// issues workers raised.
func gateBlocked(report *gates.Report, raised []domain.Issue) error {
	blocking := append(report.Blocking(), raised...)
	var failed []string
	for _, g := range report.Gates {
		if !g.Passed {
			failed = append(failed, g.ID)
		}
	}
	for _, is := range raised {
		if !slices.Contains(failed, is.Gate) {
			failed = append(failed, is.Gate)
		}
	}
	files := map[string]bool{}
	for _, is := range blocking {
		for _, f := range is.Files {
			files[f] = true
		}
	}
	list := make([]string, 0, len(files))
	for f := range files {
		list = append(list, f)
	}
	sort.Strings(list)
	return errs.New(errs.KindWorker, errs.CodeGateBlocked, "%d blocking issues from %s", len(blocking), strings.Join(failed, ", ")).
		WithFiles(list...).
		WithFix("see " + worker.ValidationReportPath + " and " + state.SnapshotFile + " for each issue's suggested fix")
}

// handle ends the run for err: CANCELLED when cancellation caused it,
// FAILED otherwise.
func (r *Runner) handle(ctx context.Context, err error) error {
	if errs.Is(err, errs.CodeRunCancelled) || ctx.Err() != nil {
		sig, ok := r.cancelRequested(ctx)
		if !ok {
			sig = cancelSignal{reason: err.Error()}
		}
		return r.cancel(ctx, sig)
	}
	return r.fail(ctx, err)
}

// fail records the failure, preserves its cause as an issue and moves the
// run to FAILED.
func (r *Runner) fail(ctx context.Context, cause error) error {
	e, ok := errs.As(cause)
	if !ok {
		e = errs.Wrap(cause, errs.KindInternal, errs.CodeInternal, "unexpected error")
	}
	msg := r.Scrubber.ScrubString(strings.TrimPrefix(e.Error(), string(e.Code)+": "))

	if dim, over := budget.Exceeded(e); over {
		if err := r.emit(ctx, domain.EventBudgetExceeded, map[string]any{
			"dimension": dim, "error_code": e.Code, "message": msg,
		}); err != nil {
			return err
		}
	} else if e.Kind == errs.KindPolicy {
		if err := r.emit(ctx, domain.EventPolicyViolation, map[string]any{
			"error_code": e.Code, "message": msg, "files": e.Files,
		}); err != nil {
			return err
		}
	}

	failure := &state.Failure{Code: string(e.Code), Message: msg, Files: e.Files, SuggestedFix: e.SuggestedFix}
	if err := r.store.Update(func(s *state.Snapshot) error {
		s.Failure = failure
		if e.Code != errs.CodeGateBlocked {
			is := domain.Issue{
				Gate:         "orchestrator",
				Severity:     domain.SeverityBlocker,
				Status:       domain.IssueOpen,
				ErrorCode:    string(e.Code),
				Message:      msg,
				Files:        e.Files,
				SuggestedFix: e.SuggestedFix,
			}
			is.ID = gates.IssueID(is)
			s.AddIssues(is)
		}
		return nil
	}); err != nil {
		return err
	}
	r.log.Error(ctx, "run failed", zap.String("error_code", string(e.Code)), zap.String("message", msg))
	r.Out.Failed(string(e.Code), msg, e.Files, e.SuggestedFix)
	return r.store.Transition(ctx, domain.StateFailed, string(e.Code))
}

func (r *Runner) emit(ctx context.Context, typ domain.EventType, payload any) error {
	_, err := r.store.Append(ctx, typ, payload)
	return err
}

func (r *Runner) outcome() *Outcome {
	snap := r.store.Snapshot()
	return &Outcome{
		RunID:   snap.RunID,
		RunDir:  r.runDir,
		State:   snap.RunState,
		Issues:  snap.OpenIssues(),
		Failure: snap.Failure,
	}
}

// source opens the source repository once per process and refuses a
// revision that moved since the run recorded it.
func (r *Runner) source() (*source.Repo, error) {
	if r.src != nil {
		return r.src, nil
	}
	src, err := source.Open(r.Config.SourceRepo, r.Config.SourceRef)
	if err != nil {
		return nil, err
	}
	if sha := r.store.Snapshot().GitSHA; sha != "" && src.GitSHA != "" && sha != src.GitSHA {
		return nil, errs.New(errs.KindConfig, errs.CodeConfigInvalid, "source_ref %s moved from %s to %s since the run started",
			r.Config.SourceRef, sha, src.GitSHA).
			WithFix("pin source_ref to a commit, or remove " + r.runDir + " to start over")
	}
	r.src = src
	return src, nil
}

// authorize checks the configured taskcard against every path the pipeline
// may publish.
func (r *Runner) authorize() authz.Decision {
	return r.Authz.Check(r.Config.Profile, r.Config.Taskcard, plannedPaths(r.Registry))
}

func plannedPaths(reg *worker.Registry) []string {
	set := map[string]bool{worker.ValidationReportPath: true}
	for _, s := range reg.Specs() {
		for _, o := range s.Outputs {
			set[o] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// allowList narrows the write allow-list to the record's grants under an
// enforcing profile. Logs and schemas belong to the orchestrator.
func allowList(p domain.Profile, d authz.Decision) []string {
	if !p.Enforcing() {
		return guard.DefaultAllow
	}
	if !d.Allowed {
		return []string{"logs/**"}
	}
	return append(slices.Clone(d.Grants), "logs/**", "schemas/**")
}

func (r *Runner) persistUsage(ctx context.Context) {
	u := r.gov.Usage()
	if err := r.store.Update(func(s *state.Snapshot) error {
		s.Budget = u
		return nil
	}); err != nil {
		r.log.Warn(ctx, "persisting budget usage", zap.Error(err))
	}
}

func (r *Runner) writeMetrics(ctx context.Context) {
	if err := r.Metrics.WriteTextfile(filepath.Join(r.runDir, state.MetricsFile)); err != nil {
		r.log.Warn(ctx, "writing metrics textfile", zap.Error(err))
	}
}
