package ux

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jorge-barreto/docpipe/internal/worker"
)

// ANSI color helpers
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
)

// Printer writes human-readable run progress. The audit trail is the event
// log; nothing printed here is load-bearing.
type Printer struct {
	w     io.Writer
	color bool
	now   func() time.Time
}

// NewPrinter returns a printer writing to w. Color is off for non-terminals.
func NewPrinter(w io.Writer, color bool) *Printer {
	return &Printer{w: w, color: color, now: time.Now}
}

// Discard returns a printer that prints nothing.
func Discard() *Printer { return NewPrinter(io.Discard, false) }

func (p *Printer) c(code string) string {
	if p == nil || !p.color {
		return ""
	}
	return code
}

func (p *Printer) printf(format string, args ...any) {
	if p == nil {
		return
	}
	fmt.Fprintf(p.w, format, args...)
}

func (p *Printer) stamp() string {
	return fmt.Sprintf("%s[%s]%s", p.c(Dim), p.now().Format("15:04:05"), p.c(Reset))
}

// RunHeader prints the run banner.
func (p *Printer) RunHeader(runID, profile string, resumed bool) {
	verb := "Starting"
	if resumed {
		verb = "Resuming"
	}
	p.printf("\n%s %s══════════════════════════════════════%s\n", p.stamp(), p.c(Cyan), p.c(Reset))
	p.printf("%s  %s%s run %s (%s)%s\n", p.stamp(), p.c(Bold), verb, runID, profile, p.c(Reset))
	p.printf("%s %s══════════════════════════════════════%s\n", p.stamp(), p.c(Cyan), p.c(Reset))
}

// WorkerStart prints the header of one worker attempt.
func (p *Printer) WorkerStart(index, total int, id worker.ID, attempt int) {
	retry := ""
	if attempt > 1 {
		retry = fmt.Sprintf(" attempt %d", attempt)
	}
	p.printf("%s  %sWorker %d/%d: %s%s%s\n", p.stamp(), p.c(Bold), index+1, total, id, retry, p.c(Reset))
}

// WorkerSkip prints a worker whose outputs are already published.
func (p *Printer) WorkerSkip(index, total int, id worker.ID) {
	p.printf("%s  %s– Worker %d/%d (%s) already complete%s\n", p.stamp(), p.c(Dim), index+1, total, id, p.c(Reset))
}

// WorkerComplete prints a worker completion message.
func (p *Printer) WorkerComplete(id worker.ID, artifacts int, d time.Duration) {
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	p.printf("%s  %s✓ %s published %d artifacts (%dm %02ds)%s\n", p.stamp(), p.c(Green), id, artifacts, m, s, p.c(Reset))
}

// WorkerFail prints a worker failure message.
func (p *Printer) WorkerFail(id worker.ID, msg string) {
	p.printf("%s  %s✗ %s failed: %s%s\n", p.stamp(), p.c(Red), id, msg, p.c(Reset))
}

// Gates prints one line per gate of a validation report.
func (p *Printer) Gates(gates []worker.GateSummary) {
	for _, g := range gates {
		mark, color := "✓", Green
		if !g.Passed {
			mark, color = "✗", Red
		}
		p.printf("%s  %s%s %-20s%s %d issues\n", p.stamp(), p.c(color), mark, g.ID, p.c(Reset), g.IssueCount)
	}
}

// FixAttempt prints a loop into FIXING.
func (p *Printer) FixAttempt(target string, attempt, max int) {
	p.printf("%s  %s↺ Fixing via %s (attempt %d/%d)%s\n", p.stamp(), p.c(Yellow), target, attempt, max, p.c(Reset))
}

// Done prints the final success message.
func (p *Printer) Done(runDir string) {
	p.printf("\n%s  %s%s══ Run complete ══%s\n  %s\n\n", p.stamp(), p.c(Bold), p.c(Green), p.c(Reset), runDir)
}

// Failed prints the terminal failure and the suggested fix.
func (p *Printer) Failed(code, msg string, files []string, fix string) {
	p.printf("\n%s  %s%s══ Run failed: %s ══%s\n  %s\n", p.stamp(), p.c(Bold), p.c(Red), code, p.c(Reset), msg)
	if len(files) > 0 {
		p.printf("  %sfiles:%s %s\n", p.c(Dim), p.c(Reset), strings.Join(files, ", "))
	}
	if fix != "" {
		p.printf("  %sfix:%s %s\n", p.c(Yellow), p.c(Reset), fix)
	}
}

// Cancelled prints the cancellation message.
func (p *Printer) Cancelled(reason string) {
	p.printf("\n%s  %s══ Run cancelled: %s ══%s\n", p.stamp(), p.c(Yellow), reason, p.c(Reset))
}

// ResumeHint prints a resume command hint.
func (p *Printer) ResumeHint(configPath string) {
	p.printf("\n%sResume:%s docpipe run --config %s\n", p.c(Yellow), p.c(Reset), configPath)
}
