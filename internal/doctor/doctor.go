// Package doctor explains why a run stopped: the recorded failure, the
// issues that block it, and the tail of the log of the worker that failed.
package doctor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/secrets"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/ux"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

const maxLogLines = 200

// Diagnosis is everything doctor prints about one run.
type Diagnosis struct {
	RunID       string
	RunDir      string
	State       domain.RunState
	Failure     *state.Failure
	Worker      string
	Attempt     int
	WorkerLog   string
	Issues      []domain.Issue
	GateLogs    []string
	Timing      string
	FixAttempts int
	Next        string
}

// Diagnose gathers the failure context of the run in runDir. Every string
// that came from the run is scrubbed.
func Diagnose(runDir string, scrub *secrets.Scrubber) (*Diagnosis, error) {
	snap, err := state.LoadSnapshot(runDir)
	if err != nil {
		return nil, err
	}
	d := &Diagnosis{
		RunID:       snap.RunID,
		RunDir:      runDir,
		State:       snap.RunState,
		FixAttempts: snap.FixAttempts,
		Issues:      gatherIssues(snap, snap.Profile),
		Timing:      gatherTiming(snap),
		Next:        nextStep(snap.RunState, runDir),
	}
	if f := snap.Failure; f != nil {
		cp := *f
		cp.Message = scrub.ScrubString(cp.Message)
		d.Failure = &cp
	}
	if item, ok := failedItem(snap); ok {
		d.Worker, d.Attempt = item.Worker, item.Attempt
		d.WorkerLog = scrub.ScrubString(gatherLog(runDir, worker.ID(item.Worker), item.Attempt))
	}
	d.GateLogs = gatherGateLogs(runDir, d.Issues)
	for i := range d.Issues {
		d.Issues[i].Message = scrub.ScrubString(d.Issues[i].Message)
	}
	return d, nil
}

// Run diagnoses the run in runDir and prints the result to w.
func Run(w io.Writer, runDir string, scrub *secrets.Scrubber, color bool) error {
	d, err := Diagnose(runDir, scrub)
	if err != nil {
		return err
	}
	d.Render(w, color)
	return nil
}

// Render prints the diagnosis.
func (d *Diagnosis) Render(w io.Writer, color bool) {
	c := func(code string) string {
		if color {
			return code
		}
		return ""
	}
	if d.State == domain.StateDone {
		fmt.Fprintf(w, "Run %s is DONE; nothing to diagnose.\n", d.RunID)
		return
	}
	fmt.Fprintf(w, "\n%s%s══ Doctor: %s (%s) ══%s\n\n", c(ux.Bold), c(ux.Cyan), d.RunID, d.State, c(ux.Reset))

	if f := d.Failure; f != nil {
		fmt.Fprintf(w, "%sFailure:%s %s%s%s %s\n", c(ux.Bold), c(ux.Reset), c(ux.Red), f.Code, c(ux.Reset), f.Message)
		if len(f.Files) > 0 {
			fmt.Fprintf(w, "  files: %s\n", strings.Join(f.Files, ", "))
		}
		if f.SuggestedFix != "" {
			fmt.Fprintf(w, "  %sfix:%s %s\n", c(ux.Yellow), c(ux.Reset), f.SuggestedFix)
		}
	}

	if len(d.Issues) > 0 {
		fmt.Fprintf(w, "\n%sBlocking issues (%d):%s\n", c(ux.Bold), len(d.Issues), c(ux.Reset))
		for _, is := range d.Issues {
			loc := strings.Join(is.Files, ", ")
			if is.Location != "" {
				loc += " @" + is.Location
			}
			fmt.Fprintf(w, "  %s%s%s [%s] %s\n", c(ux.Red), is.ErrorCode, c(ux.Reset), is.Gate, is.Message)
			if loc != "" {
				fmt.Fprintf(w, "    at %s\n", loc)
			}
			if is.SuggestedFix != "" {
				fmt.Fprintf(w, "    %sfix:%s %s\n", c(ux.Yellow), c(ux.Reset), is.SuggestedFix)
			}
		}
	}
	if len(d.GateLogs) > 0 {
		fmt.Fprintf(w, "\n%sGate logs:%s %s\n", c(ux.Bold), c(ux.Reset), strings.Join(d.GateLogs, ", "))
	}

	var extras []string
	if d.Timing != "" {
		extras = append(extras, "Timing: "+d.Timing)
	}
	if d.FixAttempts > 0 {
		extras = append(extras, fmt.Sprintf("Fix attempts used: %d", d.FixAttempts))
	}
	if len(extras) > 0 {
		fmt.Fprintf(w, "\n%sExecution context:%s\n  %s\n", c(ux.Bold), c(ux.Reset), strings.Join(extras, "\n  "))
	}

	if d.Worker != "" {
		fmt.Fprintf(w, "\n%sLog of %s attempt %d:%s\n%s\n", c(ux.Bold), d.Worker, d.Attempt, c(ux.Reset), d.WorkerLog)
	}
	fmt.Fprintf(w, "\n%sNext:%s %s\n", c(ux.Yellow), c(ux.Reset), d.Next)
}

// gatherIssues returns the open issues that block under the run's profile.
func gatherIssues(snap *state.Snapshot, p domain.Profile) []domain.Issue {
	var out []domain.Issue
	for _, is := range snap.OpenIssues() {
		if p.Blocks(is.Severity) {
			out = append(out, is)
		}
	}
	domain.SortIssues(out)
	return out
}

// failedItem is the latest failed work item, if any.
func failedItem(snap *state.Snapshot) (domain.WorkItem, bool) {
	for i := len(snap.WorkItems) - 1; i >= 0; i-- {
		if snap.WorkItems[i].Status == domain.WorkFailed {
			return snap.WorkItems[i], true
		}
	}
	return domain.WorkItem{}, false
}

func gatherLog(runDir string, id worker.ID, attempt int) string {
	data, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(worker.LogPath(id, attempt))))
	if err != nil {
		return "(no log file found)"
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
		return fmt.Sprintf("... (truncated to last %d lines)\n%s", maxLogLines, strings.Join(lines, "\n"))
	}
	return strings.Join(lines, "\n")
}

// gatherGateLogs lists the logs of the gates that raised blocking issues.
func gatherGateLogs(runDir string, issues []domain.Issue) []string {
	seen := map[string]bool{}
	var out []string
	for _, is := range issues {
		rel := state.GateLogPath(is.Gate)
		if seen[rel] {
			continue
		}
		seen[rel] = true
		if _, err := os.Stat(filepath.Join(runDir, filepath.FromSlash(rel))); err == nil {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out
}

func gatherTiming(snap *state.Snapshot) string {
	var parts []string
	for _, w := range snap.WorkItems {
		if w.StartedAt == nil {
			continue
		}
		if w.FinishedAt != nil {
			parts = append(parts, fmt.Sprintf("%s#%d %s %s", w.Worker, w.Attempt, w.Status, state.FormatDuration(w.Duration())))
		} else {
			parts = append(parts, fmt.Sprintf("%s#%d started %s (did not complete)", w.Worker, w.Attempt, w.StartedAt.Format("15:04:05")))
		}
	}
	return strings.Join(parts, "; ")
}

func nextStep(s domain.RunState, runDir string) string {
	if !s.Terminal() {
		return "docpipe run (same config) resumes the run from its last completed worker"
	}
	return fmt.Sprintf("fix the cause above, remove %s, then docpipe run again", runDir)
}
