package runner

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jorge-barreto/docpipe/internal/authz"
	"github.com/jorge-barreto/docpipe/internal/config"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/guard"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	srcDir := t.TempDir()
	writeFile(t, srcDir, "README.md", "# Widget\n\nWidget turns gadgets into weekly reports for small teams.\n")
	writeFile(t, srcDir, "go.mod", "module example.com/widget\n\ngo 1.22\n")
	writeFile(t, srcDir, "Makefile", "build:\n\tgo build ./...\ntest:\n\tgo test ./...\n")
	writeFile(t, srcDir, "LICENSE", "MIT License\n")
	writeFile(t, srcDir, "cmd/widget/main.go", "package main\n")
	writeFile(t, srcDir, "internal/report/report.go", "package report\n")

	cfg, err := config.Parse([]byte("product: Widget\nsource_ref: main\nsource_repo: "+srcDir+"\n"+extra), t.TempDir())
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func newRunner(t *testing.T, cfg *config.Config, opts ...Option) *Runner {
	t.Helper()
	r, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func mustRun(t *testing.T, r *Runner) *Outcome {
	t.Helper()
	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out
}

// stubWorker wraps a built-in handler and counts its invocations.
type stubWorker struct {
	base  worker.Worker
	calls int
	run   func(ctx context.Context, inv *worker.Invocation, call int) (*worker.Output, error)
}

func (s *stubWorker) Spec() worker.Spec { return s.base.Spec() }

func (s *stubWorker) Run(ctx context.Context, inv *worker.Invocation) (*worker.Output, error) {
	s.calls++
	if s.run == nil {
		return s.base.Run(ctx, inv)
	}
	return s.run(ctx, inv, s.calls)
}

// withStub returns the built-in workers with id wrapped by a stub.
func withStub(id worker.ID, run func(ctx context.Context, inv *worker.Invocation, call int) (*worker.Output, error)) ([]worker.Worker, *stubWorker) {
	ws := worker.Builtins()
	var stub *stubWorker
	for i, w := range ws {
		if w.Spec().ID == id {
			stub = &stubWorker{base: w, run: run}
			ws[i] = stub
		}
	}
	return ws, stub
}

func readEvents(t *testing.T, runDir string) []domain.Event {
	t.Helper()
	evs, err := state.ReadEvents(filepath.Join(runDir, state.EventsFile))
	if err != nil {
		t.Fatalf("reading events: %v", err)
	}
	return evs
}

func countEvents(evs []domain.Event, typ domain.EventType) int {
	n := 0
	for _, e := range evs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func loadSnapshot(t *testing.T, runDir string) *state.Snapshot {
	t.Helper()
	snap, err := state.LoadSnapshot(runDir)
	if err != nil {
		t.Fatalf("loading snapshot: %v", err)
	}
	return snap
}

func workItems(snap *state.Snapshot, id worker.ID) []domain.WorkItem {
	var out []domain.WorkItem
	for _, w := range snap.WorkItems {
		if w.Worker == string(id) {
			out = append(out, w)
		}
	}
	return out
}

func TestRun_CleanPipelineReachesDone(t *testing.T) {
	cfg := newConfig(t, "")
	r := newRunner(t, cfg)
	out := mustRun(t, r)

	if !out.OK() {
		t.Fatalf("state = %s, failure = %+v", out.State, out.Failure)
	}
	if out.Err() != nil {
		t.Fatalf("Err() = %v", out.Err())
	}
	if out.RunID != cfg.RunID() || out.RunDir != cfg.RunDir() {
		t.Fatalf("outcome = %s in %s, want %s in %s", out.RunID, out.RunDir, cfg.RunID(), cfg.RunDir())
	}

	snap := loadSnapshot(t, out.RunDir)
	if snap.RunState != domain.StateDone {
		t.Fatalf("snapshot state = %s", snap.RunState)
	}
	for _, id := range worker.Pipeline {
		item, ok := snap.LatestWorkItem(string(id))
		if !ok || item.Status != domain.WorkFinished {
			t.Fatalf("%s work item = %+v", id, item)
		}
		if snap.SectionStates[string(id)] != domain.SectionDone {
			t.Fatalf("%s section = %s", id, snap.SectionStates[string(id)])
		}
	}
	if len(workItems(snap, worker.Fixer)) != 0 {
		t.Fatal("fixer ran on a clean pipeline")
	}
	for _, rel := range []string{worker.RepoInventoryPath, worker.PagePlanPath, worker.SiteManifestPath, worker.ValidationReportPath} {
		e, ok := snap.ArtifactByPath(rel)
		if !ok {
			t.Fatalf("%s not indexed", rel)
		}
		sum, err := state.Checksum(filepath.Join(out.RunDir, rel))
		if err != nil || sum != e.Checksum {
			t.Fatalf("%s checksum = %s (%v), indexed %s", rel, sum, err, e.Checksum)
		}
	}
	if snap.Budget.FileWrites == 0 {
		t.Fatal("budget usage not persisted")
	}
	if snap.GitSHA != "" {
		t.Fatalf("GitSHA = %q for a plain directory", snap.GitSHA)
	}

	evs := readEvents(t, out.RunDir)
	if evs[0].Type != domain.EventRunCreated {
		t.Fatalf("first event = %s", evs[0].Type)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq <= evs[i-1].Seq {
			t.Fatalf("seq not increasing at %d: %d after %d", i, evs[i].Seq, evs[i-1].Seq)
		}
		if evs[i].RunID != out.RunID || evs[i].TraceID == "" {
			t.Fatalf("event %d = %+v", i, evs[i])
		}
	}
	if got := countEvents(evs, domain.EventWorkerFinished); got != len(worker.Pipeline) {
		t.Fatalf("WORKER_FINISHED = %d", got)
	}
	if got := countEvents(evs, domain.EventGateEvaluated); got != 14 {
		t.Fatalf("GATE_EVALUATED = %d", got)
	}
	if countEvents(evs, domain.EventAuthzChecked) != 1 {
		t.Fatal("AUTHZ_CHECKED missing")
	}
	if last := evs[len(evs)-1]; last.Type != domain.EventRunStateChanged || !strings.Contains(string(last.Payload), `"to":"DONE"`) {
		t.Fatalf("last event = %s %s", last.Type, last.Payload)
	}

	for _, rel := range []string{state.OrchestratorLog, state.MetricsFile, "schemas/page_plan.schema.json"} {
		if _, err := os.Stat(filepath.Join(out.RunDir, rel)); err != nil {
			t.Fatalf("%s: %v", rel, err)
		}
	}
	if state.IsLocked(out.RunDir) {
		t.Fatal("lock still held after Run")
	}
}

func TestRun_TerminalRunExecutesNothing(t *testing.T) {
	cfg := newConfig(t, "")
	first := mustRun(t, newRunner(t, cfg))
	before := readEvents(t, first.RunDir)

	ws, stub := withStub(worker.RepoScout, nil)
	second := mustRun(t, newRunner(t, cfg, WithWorkers(ws...)))

	if second.RunID != first.RunID || second.State != domain.StateDone {
		t.Fatalf("second outcome = %+v", second)
	}
	if stub.calls != 0 {
		t.Fatalf("repo_scout ran %d times on a finished run", stub.calls)
	}
	if after := readEvents(t, first.RunDir); len(after) != len(before) {
		t.Fatalf("events grew from %d to %d", len(before), len(after))
	}
}

func TestRun_Locked(t *testing.T) {
	cfg := newConfig(t, "")
	runDir := cfg.RunDir()
	if err := state.EnsureDir(runDir); err != nil {
		t.Fatal(err)
	}
	lock, err := state.AcquireLock(runDir)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	_, err = newRunner(t, cfg).Run(context.Background())
	if !errs.Is(err, errs.CodeRunLocked) {
		t.Fatalf("err = %v, want RUN_LOCKED", err)
	}
	if errs.ExitCode(err) != errs.ExitUserError {
		t.Fatalf("exit code = %d", errs.ExitCode(err))
	}
}

func TestRun_NonFixableWorkerFailure(t *testing.T) {
	cfg := newConfig(t, "")
	ws, stub := withStub(worker.FactsBuilder, func(ctx context.Context, inv *worker.Invocation, call int) (*worker.Output, error) {
		if err := inv.Stage.WriteFile(worker.ProductFactsPath, []byte("{}\n")); err != nil {
			return nil, err
		}
		return &worker.Output{Log: []byte("reading README\n")}, errs.New(errs.KindWorker, errs.CodeWorkerFailed, "facts_builder crashed")
	})
	out := mustRun(t, newRunner(t, cfg, WithWorkers(ws...)))

	if out.State != domain.StateFailed {
		t.Fatalf("state = %s", out.State)
	}
	if out.Failure == nil || out.Failure.Code != string(errs.CodeWorkerFailed) {
		t.Fatalf("failure = %+v", out.Failure)
	}
	if stub.calls != 1 {
		t.Fatalf("facts_builder calls = %d", stub.calls)
	}
	snap := loadSnapshot(t, out.RunDir)
	if _, ok := snap.ArtifactByPath(worker.ProductFactsPath); ok {
		t.Fatal("output of a failed worker was indexed")
	}
	if _, err := os.Stat(filepath.Join(out.RunDir, worker.ProductFactsPath)); !os.IsNotExist(err) {
		t.Fatalf("output of a failed worker was published: %v", err)
	}
	items := workItems(snap, worker.FactsBuilder)
	if len(items) != 1 || items[0].Status != domain.WorkFailed || items[0].ErrorCode != string(errs.CodeWorkerFailed) {
		t.Fatalf("work items = %+v", items)
	}
	if snap.SectionStates[string(worker.FactsBuilder)] != domain.SectionFailed {
		t.Fatalf("section = %s", snap.SectionStates[string(worker.FactsBuilder)])
	}
	if len(workItems(snap, worker.IAPlanner)) != 0 {
		t.Fatal("downstream worker ran after a failure")
	}
	found := false
	for _, is := range snap.Issues {
		if is.Gate == "orchestrator" && is.ErrorCode == string(errs.CodeWorkerFailed) && is.ID != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("failure not preserved as an issue: %+v", snap.Issues)
	}
	if _, err := os.Stat(filepath.Join(out.RunDir, worker.LogPath(worker.FactsBuilder, 1))); err != nil {
		t.Fatalf("worker log: %v", err)
	}
	if errs.ExitCode(out.Err()) != errs.ExitExecution {
		t.Fatalf("exit code = %d", errs.ExitCode(out.Err()))
	}
}

func TestRun_FixableWorkerFailureIsRetried(t *testing.T) {
	cfg := newConfig(t, "")
	ws, stub := withStub(worker.IAPlanner, nil)
	stub.run = func(ctx context.Context, inv *worker.Invocation, call int) (*worker.Output, error) {
		if call == 1 {
			return nil, errs.New(errs.KindWorker, errs.CodeWorkerOutputMissing, "no plan yet").AsFixable()
		}
		return stub.base.Run(ctx, inv)
	}
	out := mustRun(t, newRunner(t, cfg, WithWorkers(ws...)))

	if !out.OK() {
		t.Fatalf("state = %s, failure = %+v", out.State, out.Failure)
	}
	snap := loadSnapshot(t, out.RunDir)
	items := workItems(snap, worker.IAPlanner)
	if len(items) != 2 || items[0].Status != domain.WorkFailed || items[1].Status != domain.WorkFinished || items[1].Attempt != 2 {
		t.Fatalf("work items = %+v", items)
	}
	if snap.FixAttempts != 1 || snap.FixTarget != string(worker.IAPlanner) {
		t.Fatalf("fix attempts = %d, target = %q", snap.FixAttempts, snap.FixTarget)
	}
	if len(workItems(snap, worker.RepoScout)) != 1 {
		t.Fatal("completed upstream worker ran again")
	}
	evs := readEvents(t, out.RunDir)
	if countEvents(evs, domain.EventFixAttemptStarted) != 1 || countEvents(evs, domain.EventWorkerFailed) != 1 {
		t.Fatalf("events = %d fix, %d failed", countEvents(evs, domain.EventFixAttemptStarted), countEvents(evs, domain.EventWorkerFailed))
	}
}

func TestRun_FixAttemptsExhausted(t *testing.T) {
	cfg := newConfig(t, "max_fix_attempts: 1\n")
	ws, stub := withStub(worker.RepoScout, func(ctx context.Context, inv *worker.Invocation, call int) (*worker.Output, error) {
		return nil, errs.New(errs.KindWorker, errs.CodeWorkerFailed, "flaky").AsFixable()
	})
	out := mustRun(t, newRunner(t, cfg, WithWorkers(ws...)))

	if out.State != domain.StateFailed || out.Failure.Code != string(errs.CodeWorkerFailed) {
		t.Fatalf("outcome = %s %+v", out.State, out.Failure)
	}
	if stub.calls != 2 {
		t.Fatalf("repo_scout calls = %d, want 2", stub.calls)
	}
}

func TestRun_BudgetExceededFails(t *testing.T) {
	cfg := newConfig(t, "budget:\n  max_file_writes: 3\n")
	out := mustRun(t, newRunner(t, cfg))

	if out.State != domain.StateFailed {
		t.Fatalf("state = %s", out.State)
	}
	if out.Failure.Code != string(errs.CodeBudgetFileWrites) {
		t.Fatalf("failure = %+v", out.Failure)
	}
	if countEvents(readEvents(t, out.RunDir), domain.EventBudgetExceeded) != 1 {
		t.Fatal("BUDGET_EXCEEDED not recorded")
	}
	if errs.KindOf(out.Err()) != errs.KindBudget {
		t.Fatalf("kind = %s", errs.KindOf(out.Err()))
	}
}

func TestRun_ProductionRequiresAuthorization(t *testing.T) {
	cfg := newConfig(t, "profile: production\ntaskcard: DOC-404\nauthz_registry: "+t.TempDir()+"\n")
	out := mustRun(t, newRunner(t, cfg))

	if out.State != domain.StateFailed || out.Failure.Code != string(errs.CodeAuthzUnknown) {
		t.Fatalf("outcome = %s %+v", out.State, out.Failure)
	}
	evs := readEvents(t, out.RunDir)
	if countEvents(evs, domain.EventAuthzChecked) != 1 {
		t.Fatal("AUTHZ_CHECKED missing")
	}
	if countEvents(evs, domain.EventWorkerStarted) != 0 {
		t.Fatal("a worker ran without authorization")
	}
	if errs.ExitCode(out.Err()) != errs.ExitUserError {
		t.Fatalf("exit code = %d", errs.ExitCode(out.Err()))
	}
}

func writeRecord(t *testing.T, dir, id, status string, paths ...string) {
	t.Helper()
	body := "---\nid: " + id + "\nstatus: " + status + "\nallowed_paths:\n"
	for _, p := range paths {
		body += "  - " + p + "\n"
	}
	body += "---\nScope notes.\n"
	writeFile(t, dir, id+".md", body)
}

func TestRun_ProductionPathNotGranted(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "DOC-7", "In-Progress", "artifacts/**")
	cfg := newConfig(t, "profile: production\ntaskcard: DOC-7\nauthz_registry: "+dir+"\n")
	out := mustRun(t, newRunner(t, cfg))

	if out.Failure == nil || out.Failure.Code != string(errs.CodeAuthzPathNotGranted) {
		t.Fatalf("failure = %+v", out.Failure)
	}
	if !slices.Contains(out.Failure.Files, worker.DraftsPattern) {
		t.Fatalf("files = %v", out.Failure.Files)
	}
}

func TestRun_ProductionGrantedRunsWorkers(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "DOC-8", "In-Progress", "artifacts/**", "drafts/**")
	cfg := newConfig(t, "profile: production\ntaskcard: DOC-8\nauthz_registry: "+dir+"\n")
	out := mustRun(t, newRunner(t, cfg))

	snap := loadSnapshot(t, out.RunDir)
	item, ok := snap.LatestWorkItem(string(worker.RepoScout))
	if !ok || item.Status != domain.WorkFinished {
		t.Fatalf("repo_scout = %+v (state %s, failure %+v)", item, out.State, out.Failure)
	}
	if out.Failure != nil && strings.HasPrefix(out.Failure.Code, "AUTHZ_") {
		t.Fatalf("failure = %+v", out.Failure)
	}
}

func TestRun_GateFixLoop(t *testing.T) {
	cfg := newConfig(t, "")
	ws, stub := withStub(worker.SectionWriter, nil)
	stub.run = func(ctx context.Context, inv *worker.Invocation, call int) (*worker.Output, error) {
		out, err := stub.base.Run(ctx, inv)
		if err != nil {
			return out, err
		}
		p := filepath.Join(inv.Stage.Dir(), "drafts", "index.md")
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		data = append(data, "\nRead the [roadmap](roadmap.md) for what comes next.\n"...)
		return out, inv.Stage.WriteFile("drafts/index.md", data)
	}
	out := mustRun(t, newRunner(t, cfg, WithWorkers(ws...)))

	if !out.OK() {
		t.Fatalf("state = %s, failure = %+v", out.State, out.Failure)
	}
	snap := loadSnapshot(t, out.RunDir)
	if snap.FixAttempts != 1 || snap.FixTarget != string(worker.Fixer) {
		t.Fatalf("fix attempts = %d, target = %q", snap.FixAttempts, snap.FixTarget)
	}
	if items := workItems(snap, worker.Fixer); len(items) != 1 || items[0].Status != domain.WorkFinished {
		t.Fatalf("fixer items = %+v", items)
	}
	if _, ok := snap.ArtifactByPath(worker.PatchBundlePath); !ok {
		t.Fatal("patch bundle not indexed")
	}
	if snap.Budget.PatchAttempts != 1 {
		t.Fatalf("patch attempts = %d", snap.Budget.PatchAttempts)
	}
	resolved := false
	for _, is := range snap.Issues {
		if is.ErrorCode == string(errs.CodeLinkBroken) {
			if is.Status != domain.IssueResolved {
				t.Fatalf("broken link issue still %s", is.Status)
			}
			resolved = true
		}
	}
	if !resolved {
		t.Fatal("broken link issue was never recorded")
	}
	data, err := os.ReadFile(filepath.Join(out.RunDir, "drafts", "index.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Read the roadmap for") {
		t.Fatalf("draft not patched:\n%s", data)
	}
	evs := readEvents(t, out.RunDir)
	if countEvents(evs, domain.EventFixAttemptStarted) != 1 || countEvents(evs, domain.EventIssueRaised) == 0 {
		t.Fatal("fix loop events missing")
	}
}

func TestRun_GateFailureWithoutFixFails(t *testing.T) {
	cfg := newConfig(t, "max_fix_attempts: 0\n")
	ws, stub := withStub(worker.SectionWriter, nil)
	stub.run = func(ctx context.Context, inv *worker.Invocation, call int) (*worker.Output, error) {
		out, err := stub.base.Run(ctx, inv)
		if err != nil {
			return out, err
		}
		data, err := os.ReadFile(filepath.Join(inv.Stage.Dir(), "drafts", "index.md"))
		if err != nil {
			return nil, err
		}
		data = append(data, "\n<script>alert(1)</script>\n"...)
		return out, inv.Stage.WriteFile("drafts/index.md", data)
	}
	out := mustRun(t, newRunner(t, cfg, WithWorkers(ws...)))

	if out.State != domain.StateFailed || out.Failure.Code != string(errs.CodeGateBlocked) {
		t.Fatalf("outcome = %s %+v", out.State, out.Failure)
	}
	if !slices.Contains(out.Failure.Files, "drafts/index.md") {
		t.Fatalf("files = %v", out.Failure.Files)
	}
	snap := loadSnapshot(t, out.RunDir)
	for _, is := range snap.Issues {
		if is.Gate == "orchestrator" {
			t.Fatalf("gate failure duplicated as an orchestrator issue: %+v", is)
		}
	}
	if len(workItems(snap, worker.Fixer)) != 0 {
		t.Fatal("fixer ran with no fix attempts allowed")
	}
}

func TestRun_HonorsCancelRequest(t *testing.T) {
	cfg := newConfig(t, "")
	runDir := cfg.RunDir()
	if err := state.EnsureDir(runDir); err != nil {
		t.Fatal(err)
	}
	if err := state.RequestCancel(runDir, "superseded", time.Now()); err != nil {
		t.Fatal(err)
	}
	out := mustRun(t, newRunner(t, cfg))

	if out.State != domain.StateCancelled || out.Failure.Code != string(errs.CodeRunCancelled) || out.Failure.Message != "superseded" {
		t.Fatalf("outcome = %s %+v", out.State, out.Failure)
	}
	evs := readEvents(t, runDir)
	if countEvents(evs, domain.EventCancelRequested) != 1 || countEvents(evs, domain.EventRunCancelled) != 1 {
		t.Fatal("cancel events missing")
	}
	if countEvents(evs, domain.EventWorkerStarted) != 0 {
		t.Fatal("a worker ran after the cancel request")
	}
}

func TestRun_InterruptDiscardsInFlightOutputs(t *testing.T) {
	cfg := newConfig(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ws, stub := withStub(worker.IAPlanner, nil)
	stub.run = func(c context.Context, inv *worker.Invocation, call int) (*worker.Output, error) {
		out, err := stub.base.Run(c, inv)
		cancel()
		return out, err
	}
	out, err := newRunner(t, cfg, WithWorkers(ws...)).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.State != domain.StateCancelled || out.Failure.Message != "interrupted" {
		t.Fatalf("outcome = %s %+v", out.State, out.Failure)
	}
	snap := loadSnapshot(t, out.RunDir)
	if _, ok := snap.ArtifactByPath(worker.PagePlanPath); ok {
		t.Fatal("in-flight output was indexed")
	}
	items := workItems(snap, worker.IAPlanner)
	if len(items) != 1 || items[0].ErrorCode != string(errs.CodeRunCancelled) {
		t.Fatalf("work items = %+v", items)
	}
}

func TestRun_ResumeSkipsCompletedWorkers(t *testing.T) {
	cfg := newConfig(t, "")
	first := mustRun(t, newRunner(t, cfg))

	// Rewind to a crash in the middle of publisher.
	snap := loadSnapshot(t, first.RunDir)
	snap.RunState = domain.StateRunning
	for i := range snap.WorkItems {
		if snap.WorkItems[i].Worker == string(worker.Publisher) {
			snap.WorkItems[i].Status = domain.WorkRunning
			snap.WorkItems[i].FinishedAt = nil
		}
	}
	if err := snap.Save(first.RunDir); err != nil {
		t.Fatal(err)
	}

	ws := worker.Builtins()
	stubs := map[worker.ID]*stubWorker{}
	for i, w := range ws {
		s := &stubWorker{base: w}
		stubs[w.Spec().ID] = s
		ws[i] = s
	}
	out := mustRun(t, newRunner(t, cfg, WithWorkers(ws...)))

	if !out.OK() || out.RunID != first.RunID {
		t.Fatalf("outcome = %+v", out)
	}
	for id, s := range stubs {
		want := 0
		if id == worker.Publisher {
			want = 1
		}
		if s.calls != want {
			t.Fatalf("%s ran %d times, want %d", id, s.calls, want)
		}
	}
	items := workItems(loadSnapshot(t, out.RunDir), worker.Publisher)
	if len(items) != 2 || items[0].ErrorCode != string(errs.CodeWorkerInterrupted) || items[1].Attempt != 2 {
		t.Fatalf("publisher items = %+v", items)
	}
	if countEvents(readEvents(t, out.RunDir), domain.EventRunResumed) != 1 {
		t.Fatal("RUN_RESUMED missing")
	}
}

func TestCancel_IdleRun(t *testing.T) {
	runDir := t.TempDir()
	store, err := state.Create(runDir, state.NewSnapshot("widget-main-0123456789ab"))
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	res, err := Cancel(context.Background(), runDir, "", nil)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.State != domain.StateCancelled || res.Pending {
		t.Fatalf("result = %+v", res)
	}
	snap := loadSnapshot(t, runDir)
	if snap.RunState != domain.StateCancelled || snap.Failure.Message != "cancelled by user" {
		t.Fatalf("snapshot = %s %+v", snap.RunState, snap.Failure)
	}
	evs := readEvents(t, runDir)
	if countEvents(evs, domain.EventCancelRequested) != 1 || countEvents(evs, domain.EventRunCancelled) != 1 {
		t.Fatal("cancel events missing")
	}

	again, err := Cancel(context.Background(), runDir, "again", nil)
	if err != nil || again.State != domain.StateCancelled {
		t.Fatalf("second cancel = %+v, %v", again, err)
	}
	if len(readEvents(t, runDir)) != len(evs) {
		t.Fatal("cancelling a terminal run appended events")
	}
}

func TestCancel_LockedRunLeavesRequest(t *testing.T) {
	runDir := t.TempDir()
	store, err := state.Create(runDir, state.NewSnapshot("widget-main-0123456789ab"))
	if err != nil {
		t.Fatal(err)
	}
	store.Close()
	lock, err := state.AcquireLock(runDir)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	res, err := Cancel(context.Background(), runDir, "stop", nil)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.Pending || res.State != domain.StateCreated {
		t.Fatalf("result = %+v", res)
	}
	req, ok := state.CancelRequested(runDir)
	if !ok || req.Reason != "stop" {
		t.Fatalf("cancel request = %+v, %v", req, ok)
	}
}

func TestCancel_MissingRun(t *testing.T) {
	_, err := Cancel(context.Background(), t.TempDir(), "", nil)
	if !errs.Is(err, errs.CodeRunNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestNew_RejectsUnknownDisabledGate(t *testing.T) {
	cfg := newConfig(t, "")
	cfg.Gates.Disabled = []string{"spelling"}
	if _, err := New(cfg); errs.KindOf(err) != errs.KindConfig {
		t.Fatalf("err = %v", err)
	}
}

func TestPlannedPathsCoverEveryOutput(t *testing.T) {
	r := newRunner(t, newConfig(t, ""))
	paths := plannedPaths(r.Registry)
	for _, want := range []string{worker.ValidationReportPath, worker.DraftsPattern, worker.PatchBundlePath} {
		if !slices.Contains(paths, want) {
			t.Fatalf("planned paths %v lack %s", paths, want)
		}
	}
	if !slices.IsSorted(paths) {
		t.Fatalf("planned paths not sorted: %v", paths)
	}
}

func TestRevalidate_ReEvaluatesWithoutWorkers(t *testing.T) {
	cfg := newConfig(t, "")
	out := mustRun(t, newRunner(t, cfg))
	if !out.OK() {
		t.Fatalf("state = %s, failure = %+v", out.State, out.Failure)
	}
	draft := filepath.Join(out.RunDir, "drafts", "index.md")
	clean, err := os.ReadFile(draft)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(draft, append(clean, "\n<script>alert(1)</script>\n"...), 0644); err != nil {
		t.Fatal(err)
	}
	before := len(loadSnapshot(t, out.RunDir).WorkItems)

	report, err := newRunner(t, cfg).Revalidate(context.Background(), out.RunDir)
	if err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	if report.OK {
		t.Fatal("expected the script tag to block")
	}
	snap := loadSnapshot(t, out.RunDir)
	if snap.RunState != domain.StateDone {
		t.Fatalf("state changed to %s", snap.RunState)
	}
	if len(snap.WorkItems) != before {
		t.Fatalf("work items = %d, want %d", len(snap.WorkItems), before)
	}
	openXSS := func(s *state.Snapshot) bool {
		for _, is := range s.OpenIssues() {
			if is.ErrorCode == string(errs.CodeXSS) {
				return true
			}
		}
		return false
	}
	if !openXSS(snap) {
		t.Fatal("xss issue not recorded")
	}

	if err := os.WriteFile(draft, clean, 0644); err != nil {
		t.Fatal(err)
	}
	report, err = newRunner(t, cfg).Revalidate(context.Background(), out.RunDir)
	if err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	if !report.OK {
		t.Fatalf("blocking after restore: %+v", report.Blocking())
	}
	if openXSS(loadSnapshot(t, out.RunDir)) {
		t.Fatal("xss issue still open after the draft was restored")
	}
}

func TestRevalidate_MissingRun(t *testing.T) {
	cfg := newConfig(t, "")
	_, err := newRunner(t, cfg).Revalidate(context.Background(), cfg.RunDir())
	if !errs.Is(err, errs.CodeRunNotFound) {
		t.Fatalf("err = %v, want RUN_NOT_FOUND", err)
	}
}

func TestRun_WorkerBlockerPreventsDone(t *testing.T) {
	cfg := newConfig(t, "")
	ws, stub := withStub(worker.ContentReviewer, nil)
	stub.run = func(ctx context.Context, inv *worker.Invocation, call int) (*worker.Output, error) {
		out, err := stub.base.Run(ctx, inv)
		if err != nil {
			return out, err
		}
		out.Issues = append(out.Issues, domain.Issue{
			Severity:  domain.SeverityBlocker,
			ErrorCode: "CLAIM_UNSUPPORTED",
			Message:   "the weekly schedule claim has no evidence",
			Files:     []string{"drafts/index.md"},
		})
		return out, nil
	}
	out := mustRun(t, newRunner(t, cfg, WithWorkers(ws...)))

	if out.State != domain.StateFailed {
		t.Fatalf("state = %s, want FAILED with an open blocker", out.State)
	}
	if out.Failure.Code != string(errs.CodeGateBlocked) {
		t.Fatalf("failure = %+v", out.Failure)
	}
	if !slices.Contains(out.Failure.Files, "drafts/index.md") {
		t.Fatalf("files = %v", out.Failure.Files)
	}
	for _, e := range readEvents(t, out.RunDir) {
		if e.Type == domain.EventRunStateChanged && strings.Contains(string(e.Payload), `"to":"`+string(domain.StateDone)+`"`) {
			t.Fatalf("run passed through DONE: %s", e.Payload)
		}
	}
	open := 0
	for _, is := range out.Issues {
		if is.ErrorCode == "CLAIM_UNSUPPORTED" && is.Gate == string(worker.ContentReviewer) {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("open reviewer blockers = %d, issues = %+v", open, out.Issues)
	}
}

func TestRun_ProductionUnauthorizedWritesNothing(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "DOC-9", "Draft", "artifacts/**", "drafts/**")
	cfg := newConfig(t, "profile: production\ntaskcard: DOC-9\nauthz_registry: "+dir+"\n")
	out := mustRun(t, newRunner(t, cfg))

	if out.State != domain.StateFailed || out.Failure.Code != string(errs.CodeAuthzInactive) {
		t.Fatalf("outcome = %s %+v", out.State, out.Failure)
	}
	err := filepath.WalkDir(out.RunDir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(out.RunDir, p)
		rel = filepath.ToSlash(rel)
		switch {
		case rel == state.SnapshotFile, rel == state.EventsFile, rel == state.LockFile:
		case strings.HasPrefix(rel, state.LogsDir+"/"):
		default:
			t.Errorf("%s written before authorization", rel)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRun_ProductionWarnOnlyReachesDone(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "DOC-10", "In-Progress", "artifacts/**", "drafts/**")
	cfg := newConfig(t, "profile: production\ntaskcard: DOC-10\nauthz_registry: "+dir+"\n")
	ws, stub := withStub(worker.ContentReviewer, nil)
	stub.run = func(ctx context.Context, inv *worker.Invocation, call int) (*worker.Output, error) {
		out, err := stub.base.Run(ctx, inv)
		if err != nil {
			return out, err
		}
		out.Issues = append(out.Issues, domain.Issue{
			Severity: domain.SeverityWarn,
			Message:  "the overview page could use an example",
			Files:    []string{"drafts/index.md"},
		})
		return out, nil
	}
	out := mustRun(t, newRunner(t, cfg, WithWorkers(ws...)))

	if !out.OK() {
		t.Fatalf("state = %s, failure = %+v", out.State, out.Failure)
	}
	warned := false
	for _, is := range out.Issues {
		if is.Severity == domain.SeverityWarn && is.Gate == string(worker.ContentReviewer) {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("warn issue not kept open: %+v", out.Issues)
	}
}

func TestRecordGateIssues_ReopensResolvedIssue(t *testing.T) {
	is := domain.Issue{Gate: "links", Severity: domain.SeverityError, ErrorCode: string(errs.CodeLinkBroken),
		Status: domain.IssueOpen, Message: "broken link", Files: []string{"drafts/index.md"}}
	is.ID = "links-1"
	other := is
	other.ID = "links-2"
	other.Files = []string{"drafts/setup.md"}

	snap := state.NewSnapshot("run")
	if raised := recordGateIssues(snap, []domain.Issue{is, other}); len(raised) != 2 {
		t.Fatalf("first evaluation raised %d issues", len(raised))
	}
	recordGateIssues(snap, []domain.Issue{other})
	if snap.Issues[0].Status != domain.IssueResolved {
		t.Fatalf("status = %s, want RESOLVED", snap.Issues[0].Status)
	}

	raised := recordGateIssues(snap, []domain.Issue{is, other})
	if len(raised) != 1 || raised[0].ID != is.ID {
		t.Fatalf("raised = %+v", raised)
	}
	if len(snap.Issues) != 2 {
		t.Fatalf("issues = %d, want 2 (no duplicate id)", len(snap.Issues))
	}
	for _, got := range snap.Issues {
		if got.Status != domain.IssueOpen {
			t.Fatalf("issue %s is %s", got.ID, got.Status)
		}
	}
}

func TestAllowList(t *testing.T) {
	denied := allowList(domain.ProfileProduction, authz.Decision{Code: errs.CodeAuthzInactive})
	if len(denied) != 1 || denied[0] != "logs/**" {
		t.Fatalf("unauthorized production allow-list = %v", denied)
	}
	granted := allowList(domain.ProfileProduction, authz.Decision{Allowed: true, Grants: []string{"drafts/**"}})
	if !slices.Contains(granted, "drafts/**") || !slices.Contains(granted, "schemas/**") {
		t.Fatalf("granted allow-list = %v", granted)
	}
	if got := allowList(domain.ProfileLocal, authz.Decision{}); !slices.Equal(got, guard.DefaultAllow) {
		t.Fatalf("local allow-list = %v", got)
	}
}
