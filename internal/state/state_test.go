package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
)

func createStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "p-abc")
	s, err := Create(dir, NewSnapshot("p-abc"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func TestLoadSnapshot_NotFound(t *testing.T) {
	_, err := LoadSnapshot(t.TempDir())
	if errs.CodeOf(err) != errs.CodeRunNotFound {
		t.Fatalf("got %v", err)
	}
}

func TestLoadSnapshot_Corrupt(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, SnapshotFile), []byte(`{"run_state":`), 0644)
	_, err := LoadSnapshot(dir)
	if errs.CodeOf(err) != errs.CodeSnapshotCorrupt {
		t.Fatalf("got %v", err)
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	original := NewSnapshot("p-1")
	original.RunState = domain.StateRunning
	original.FixAttempts = 1
	original.IndexArtifact(domain.ArtifactEntry{Name: "page_plan", Path: "artifacts/page_plan.json", Checksum: "sha256:x", WriterWorker: "ia_planner"})
	if err := original.Save(dir); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.RunState != domain.StateRunning {
		t.Fatalf("RunState = %q", loaded.RunState)
	}
	if loaded.FixAttempts != 1 {
		t.Fatalf("FixAttempts = %d", loaded.FixAttempts)
	}
	if e, ok := loaded.ArtifactByPath("artifacts/page_plan.json"); !ok || e.WriterWorker != "ia_planner" {
		t.Fatalf("index entry = %+v, %v", e, ok)
	}
}

func TestSave_StableBytes(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()
	s := NewSnapshot("p-1")
	s.SectionStates["z"] = domain.SectionDone
	s.SectionStates["a"] = domain.SectionPending
	s.Save(dir1)
	s.Save(dir2)
	a, _ := os.ReadFile(filepath.Join(dir1, SnapshotFile))
	b, _ := os.ReadFile(filepath.Join(dir2, SnapshotFile))
	if string(a) != string(b) {
		t.Fatal("snapshot serialization is not stable")
	}
}

func TestTransition_LegalAndIllegal(t *testing.T) {
	s, dir := createStore(t)
	ctx := context.Background()
	if err := s.Transition(ctx, domain.StateValidatingConfig, "start"); err != nil {
		t.Fatal(err)
	}
	err := s.Transition(ctx, domain.StateDone, "skip")
	if errs.CodeOf(err) != errs.CodeIllegalTransition {
		t.Fatalf("got %v", err)
	}
	loaded, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.RunState != domain.StateValidatingConfig {
		t.Fatalf("RunState = %q", loaded.RunState)
	}
	events, _ := s.Events()
	if len(events) != 1 || events[0].Type != domain.EventRunStateChanged {
		t.Fatalf("events = %+v", events)
	}
}

func TestTransition_TerminalIsFinal(t *testing.T) {
	s, _ := createStore(t)
	ctx := context.Background()
	s.Transition(ctx, domain.StateCancelled, "user")
	if err := s.Transition(ctx, domain.StateRunning, "again"); err == nil {
		t.Fatal("terminal state must be final")
	}
}

func TestUpdate_ErrorLeavesSnapshotUnchanged(t *testing.T) {
	s, dir := createStore(t)
	err := s.Update(func(snap *Snapshot) error {
		snap.FixAttempts = 9
		return errs.New(errs.KindInternal, errs.CodeInternal, "abort")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if s.Snapshot().FixAttempts != 0 {
		t.Fatal("in-memory snapshot changed")
	}
	loaded, _ := LoadSnapshot(dir)
	if loaded.FixAttempts != 0 {
		t.Fatal("on-disk snapshot changed")
	}
}

func TestSnapshot_IsCopy(t *testing.T) {
	s, _ := createStore(t)
	snap := s.Snapshot()
	snap.Issues = append(snap.Issues, domain.Issue{Gate: "x"})
	if len(s.Snapshot().Issues) != 0 {
		t.Fatal("Snapshot must return a copy")
	}
}

func TestAppend_SequenceAndScrubbing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "r")
	scrub := func(v any) any { return map[string]any{"scrubbed": true} }
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := Create(dir, NewSnapshot("r"), WithPayloadScrubber(scrub), WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	s.Append(ctx, domain.EventRunCreated, map[string]any{"secret": "x"})
	e, err := s.Append(ctx, domain.EventWorkerStarted, nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 2 {
		t.Fatalf("Seq = %d", e.Seq)
	}
	events, err := s.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || string(events[0].Payload) != `{"scrubbed":true}` {
		t.Fatalf("events = %+v", events)
	}
	if !events[0].TS.Equal(fixed) || events[0].RunID != "r" || events[0].ID == "" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestEventLog_RecoversAfterPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), EventsFile)
	os.WriteFile(path, []byte(`{"seq":1,"type":"RUN_CREATED"}`+"\n"+`{"seq":2,"ty`), 0644)

	log, err := OpenEventLog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	if log.Seq() != 1 {
		t.Fatalf("Seq = %d, want 1", log.Seq())
	}
	e := &domain.Event{Type: domain.EventRunResumed}
	if err := log.Append(e); err != nil {
		t.Fatal(err)
	}
	events, err := ReadEvents(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Seq != 2 || events[1].Type != domain.EventRunResumed {
		t.Fatalf("events = %+v", events)
	}
}

func TestOpen_ResumesSequence(t *testing.T) {
	s, dir := createStore(t)
	s.Append(context.Background(), domain.EventRunCreated, nil)
	s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	e, _ := s2.Append(context.Background(), domain.EventRunResumed, nil)
	if e.Seq != 2 {
		t.Fatalf("Seq = %d, want 2", e.Seq)
	}
}

func TestWorkItems(t *testing.T) {
	snap := NewSnapshot("r")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w1 := snap.StartWorkItem("repo_scout", nil, []string{"artifacts/repo_inventory.json"}, now)
	if w1.Attempt != 1 {
		t.Fatalf("Attempt = %d", w1.Attempt)
	}
	snap.FinishWorkItem("repo_scout", 1, domain.WorkFailed, "WORKER_FAILED", nil, now.Add(time.Second))
	w2 := snap.StartWorkItem("repo_scout", nil, nil, now.Add(2*time.Second))
	if w2.Attempt != 2 {
		t.Fatalf("Attempt = %d", w2.Attempt)
	}
	if got := snap.InterruptedWorkItems(); len(got) != 1 || got[0].Attempt != 2 {
		t.Fatalf("interrupted = %+v", got)
	}
	snap.FinishWorkItem("repo_scout", 2, domain.WorkFinished, "", nil, now.Add(75*time.Second))
	latest, ok := snap.LatestWorkItem("repo_scout")
	if !ok || latest.Status != domain.WorkFinished || latest.Duration() != 73*time.Second {
		t.Fatalf("latest = %+v", latest)
	}
	if FormatDuration(latest.Duration()) != "1m 13s" {
		t.Fatalf("got %q", FormatDuration(latest.Duration()))
	}
}

func TestIssuesAppendOnly(t *testing.T) {
	snap := NewSnapshot("r")
	snap.AddIssues(domain.Issue{Gate: "links", Status: domain.IssueOpen}, domain.Issue{Gate: "xss", Status: domain.IssueOpen})
	if n := snap.ResolveIssues("links"); n != 1 {
		t.Fatalf("resolved %d", n)
	}
	if len(snap.Issues) != 2 || len(snap.OpenIssues()) != 1 {
		t.Fatalf("issues = %+v", snap.Issues)
	}
}

func TestLock_SecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	l1, err := AcquireLock(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !IsLocked(dir) {
		t.Fatal("IsLocked = false while held")
	}
	_, err = AcquireLock(dir)
	if errs.CodeOf(err) != errs.CodeRunLocked {
		t.Fatalf("got %v", err)
	}
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindConfig || len(e.Files) != 1 || filepath.Base(e.Files[0]) != LockFile {
		t.Fatalf("locked error = %+v", e)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if IsLocked(dir) {
		t.Fatal("IsLocked = true after release")
	}
	l2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	l2.Release()
	if err := l2.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestIsLocked_NoLockFile(t *testing.T) {
	if IsLocked(t.TempDir()) {
		t.Fatal("IsLocked = true without a lock file")
	}
}

func TestCancelRequest(t *testing.T) {
	dir := t.TempDir()
	if _, ok := CancelRequested(dir); ok {
		t.Fatal("no request expected")
	}
	if err := RequestCancel(dir, "operator", time.Now()); err != nil {
		t.Fatal(err)
	}
	req, ok := CancelRequested(dir)
	if !ok || req.Reason != "operator" {
		t.Fatalf("got %+v, %v", req, ok)
	}
}
