package ux

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jorge-barreto/docpipe/internal/budget"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

func TestRenderStatus(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := state.NewSnapshot("widget-main-1a2b3c4d")
	snap.RunState = domain.StateFailed
	snap.Profile = domain.ProfileLocal
	snap.Product = "Widget"
	snap.SourceRef = "main"
	snap.GitSHA = "0123456789abcdef0123"
	snap.StartWorkItem(string(worker.RepoScout), nil, nil, start)
	snap.FinishWorkItem(string(worker.RepoScout), 1, domain.WorkFinished, "", nil, start.Add(65*time.Second))
	snap.StartWorkItem(string(worker.FactsBuilder), nil, nil, start)
	snap.FinishWorkItem(string(worker.FactsBuilder), 1, domain.WorkFailed, "WORKER_FAILED", nil, start.Add(time.Second))
	snap.IndexArtifact(domain.ArtifactEntry{Name: "repo_inventory", Path: worker.RepoInventoryPath, WriterWorker: string(worker.RepoScout)})
	snap.AddIssues(domain.Issue{Gate: "links", Severity: domain.SeverityError, ErrorCode: "LINK_BROKEN",
		Status: domain.IssueOpen, Message: "broken link", Files: []string{"drafts/index.md"}, Location: "3"})
	snap.Budget.FileWrites = 7
	snap.Failure = &state.Failure{Code: "WORKER_FAILED", Message: "facts_builder failed", SuggestedFix: "see the worker log"}

	var buf bytes.Buffer
	RenderStatus(&buf, snap, budget.Limits{MaxFileWrites: 500}, false)
	out := buf.String()

	for _, want := range []string{
		"widget-main-1a2b3c4d",
		"FAILED (local)",
		"Widget main @ 0123456789ab",
		"repo_scout",
		"(1m 05s)",
		"WORKER_FAILED",
		"file writes    7/500",
		"1 open",
		"drafts/index.md:3 broken link",
		"fix: see the worker log",
		worker.RepoInventoryPath,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Fatalf("expected no ANSI codes without color:\n%s", out)
	}
}

func TestRenderStatus_CapsIssues(t *testing.T) {
	snap := state.NewSnapshot("run")
	for i := 0; i < maxListedIssues+3; i++ {
		snap.AddIssues(domain.Issue{Gate: "content_quality", Severity: domain.SeverityWarn,
			Status: domain.IssueOpen, Message: strings.Repeat("x", i+1)})
	}
	var buf bytes.Buffer
	RenderStatus(&buf, snap, budget.Limits{}, false)
	if !strings.Contains(buf.String(), "… 3 more") {
		t.Fatalf("expected truncation line:\n%s", buf.String())
	}
}

func TestPrinter_Failed(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	p.Failed("GATE_BLOCKED", "2 blocking issues", []string{"drafts/a.md", "drafts/b.md"}, "edit the drafts")
	out := buf.String()
	for _, want := range []string{"Run failed: GATE_BLOCKED", "files: drafts/a.md, drafts/b.md", "fix: edit the drafts"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrinter_Color(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, true).WorkerFail(worker.RepoScout, "boom")
	if !strings.Contains(buf.String(), Red) {
		t.Fatalf("expected red output, got %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	p := Discard()
	p.RunHeader("run", "local", false)
	p.Gates([]worker.GateSummary{{ID: "links", Passed: true}})
	p.Done("/tmp/run")
}
