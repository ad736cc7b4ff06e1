package ux

import (
	"fmt"
	"io"
	"sort"

	"github.com/jorge-barreto/docpipe/internal/budget"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

// maxListedIssues caps the open issues shown by RenderStatus.
const maxListedIssues = 10

// RenderStatus writes the status display of a run.
func RenderStatus(w io.Writer, snap *state.Snapshot, limits budget.Limits, color bool) {
	p := NewPrinter(w, color)

	p.printf("%sRun:%s     %s\n", p.c(Bold), p.c(Reset), snap.RunID)
	stateColor := Yellow
	switch snap.RunState {
	case domain.StateDone:
		stateColor = Green
	case domain.StateFailed, domain.StateCancelled:
		stateColor = Red
	}
	p.printf("%sState:%s   %s%s%s (%s)\n", p.c(Bold), p.c(Reset), p.c(stateColor), snap.RunState, p.c(Reset), snap.Profile)
	ref := snap.SourceRef
	if snap.GitSHA != "" {
		ref += " @ " + shortSHA(snap.GitSHA)
	}
	p.printf("%sSource:%s  %s %s\n", p.c(Bold), p.c(Reset), snap.Product, ref)

	p.printf("\n%sWorkers:%s\n", p.c(Bold), p.c(Reset))
	for i, id := range worker.All() {
		item, ok := snap.LatestWorkItem(string(id))
		if !ok {
			p.printf("  %s%d%s  %-18s %spending%s\n", p.c(Dim), i+1, p.c(Reset), id, p.c(Dim), p.c(Reset))
			continue
		}
		color := Yellow
		switch item.Status {
		case domain.WorkFinished:
			color = Green
		case domain.WorkFailed:
			color = Red
		}
		dur := ""
		if item.StartedAt != nil && item.FinishedAt != nil {
			dur = "(" + state.FormatDuration(item.FinishedAt.Sub(*item.StartedAt)) + ")"
		}
		code := ""
		if item.ErrorCode != "" {
			code = " " + item.ErrorCode
		}
		p.printf("  %s%d%s  %-18s %s%s%s  attempt %d %s%s\n",
			p.c(Dim), i+1, p.c(Reset), id, p.c(color), item.Status, p.c(Reset), item.Attempt, dur, code)
	}

	u := snap.Budget
	p.printf("\n%sBudget:%s\n", p.c(Bold), p.c(Reset))
	p.printf("  llm calls      %s\n", usage(u.LLMCalls, limits.MaxLLMCalls))
	p.printf("  llm tokens     %s\n", usage(u.LLMTokens, limits.MaxLLMTokens))
	p.printf("  file writes    %s\n", usage(u.FileWrites, limits.MaxFileWrites))
	p.printf("  patch attempts %s\n", usage(u.PatchAttempts, limits.MaxPatchAttempts))
	p.printf("  fix attempts   %d\n", snap.FixAttempts)

	open := snap.OpenIssues()
	domain.SortIssues(open)
	p.printf("\n%sIssues:%s %d open\n", p.c(Bold), p.c(Reset), len(open))
	for i, is := range open {
		if i == maxListedIssues {
			p.printf("  %s… %d more%s\n", p.c(Dim), len(open)-maxListedIssues, p.c(Reset))
			break
		}
		loc := ""
		if len(is.Files) > 0 {
			loc = is.Files[0]
			if is.Location != "" {
				loc += ":" + is.Location
			}
		}
		p.printf("  %s%-7s%s %-20s %s %s\n", p.c(severityColor(is.Severity)), is.Severity, p.c(Reset), is.Gate, loc, is.Message)
	}

	if f := snap.Failure; f != nil {
		p.printf("\n%sFailure:%s %s%s%s %s\n", p.c(Bold), p.c(Reset), p.c(Red), f.Code, p.c(Reset), f.Message)
		if f.SuggestedFix != "" {
			p.printf("  %sfix:%s %s\n", p.c(Yellow), p.c(Reset), f.SuggestedFix)
		}
	}

	p.printf("\n%sArtifacts:%s\n", p.c(Bold), p.c(Reset))
	if len(snap.ArtifactsIndex) == 0 {
		p.printf("  %s(none)%s\n", p.c(Dim), p.c(Reset))
	}
	names := make([]string, 0, len(snap.ArtifactsIndex))
	for name := range snap.ArtifactsIndex {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e := snap.ArtifactsIndex[name]
		p.printf("  %-40s %s%s%s\n", e.Path, p.c(Dim), e.WriterWorker, p.c(Reset))
	}
	p.printf("\n")
}

func usage(used, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("%d", used)
	}
	return fmt.Sprintf("%d/%d", used, limit)
}

func severityColor(s domain.Severity) string {
	switch s {
	case domain.SeverityBlocker, domain.SeverityError:
		return Red
	case domain.SeverityWarn:
		return Yellow
	}
	return Dim
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
