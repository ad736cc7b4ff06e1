// Package budget enforces the per-run resource ceilings: LLM calls, LLM
// tokens, file writes, patch attempts and elapsed wall-clock time.
//
// Every counter is check-then-increment under one mutex, so a call that
// would cross a ceiling fails with no side effect on the counter.
package budget

import (
	"sync"
	"time"

	"github.com/jorge-barreto/docpipe/internal/errs"
)

// Dimension names a governed counter.
type Dimension string

const (
	LLMCalls      Dimension = "llm_calls"
	LLMTokens     Dimension = "llm_tokens"
	FileWrites    Dimension = "file_writes"
	PatchAttempts Dimension = "patch_attempts"
	Elapsed       Dimension = "elapsed"
)

var dimensionCodes = map[Dimension]errs.Code{
	LLMCalls:      errs.CodeBudgetLLMCalls,
	LLMTokens:     errs.CodeBudgetLLMTokens,
	FileWrites:    errs.CodeBudgetFileWrites,
	PatchAttempts: errs.CodeBudgetPatchAttempts,
	Elapsed:       errs.CodeBudgetElapsed,
}

// Code returns the error code raised when d is exhausted.
func (d Dimension) Code() errs.Code { return dimensionCodes[d] }

// Limits are the ceilings from run configuration. A zero limit is unlimited.
type Limits struct {
	MaxLLMCalls      int           `koanf:"max_llm_calls" json:"max_llm_calls"`
	MaxLLMTokens     int           `koanf:"max_llm_tokens" json:"max_llm_tokens"`
	MaxFileWrites    int           `koanf:"max_file_writes" json:"max_file_writes"`
	MaxPatchAttempts int           `koanf:"max_patch_attempts" json:"max_patch_attempts"`
	MaxElapsed       time.Duration `koanf:"max_elapsed" json:"max_elapsed"`
}

// Usage is the persisted counter state, stored in the run snapshot so a
// resumed run keeps its consumption.
type Usage struct {
	LLMCalls      int   `json:"llm_calls"`
	LLMTokens     int   `json:"llm_tokens"`
	FileWrites    int   `json:"file_writes"`
	PatchAttempts int   `json:"patch_attempts"`
	ElapsedMS     int64 `json:"elapsed_ms"`
}

// Observer receives counter updates (see metrics.Metrics).
type Observer interface {
	ObserveBudget(dimension string, used, limit float64)
}

// Option configures a Governor.
type Option func(*Governor)

// WithUsage seeds the counters, typically from a resumed snapshot.
func WithUsage(u Usage) Option {
	return func(g *Governor) { g.usage = u }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithObserver reports every counter change to o.
func WithObserver(o Observer) Option {
	return func(g *Governor) { g.observer = o }
}

// Governor enforces Limits for one run. A nil *Governor permits everything.
type Governor struct {
	mu       sync.Mutex
	limits   Limits
	usage    Usage
	started  time.Time
	now      func() time.Time
	observer Observer
}

// New creates a Governor. Elapsed time is measured from creation plus any
// elapsed time carried in a seeded Usage.
func New(limits Limits, opts ...Option) *Governor {
	g := &Governor{limits: limits, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	g.started = g.now()
	return g
}

// Limits returns the configured ceilings.
func (g *Governor) Limits() Limits {
	if g == nil {
		return Limits{}
	}
	return g.limits
}

// Usage returns a copy of the counters with elapsed time brought current.
func (g *Governor) Usage() Usage {
	if g == nil {
		return Usage{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.usage
	u.ElapsedMS = g.elapsedLocked().Milliseconds()
	return u
}

func (g *Governor) elapsedLocked() time.Duration {
	return time.Duration(g.usage.ElapsedMS)*time.Millisecond + g.now().Sub(g.started)
}

func exceeded(d Dimension, limit int) *errs.Error {
	return errs.New(errs.KindBudget, d.Code(), "%s ceiling of %d reached", d, limit).
		WithFix("raise budget." + configKey(d) + " or reduce the work the run performs")
}

func configKey(d Dimension) string {
	switch d {
	case LLMCalls:
		return "max_llm_calls"
	case LLMTokens:
		return "max_llm_tokens"
	case FileWrites:
		return "max_file_writes"
	case PatchAttempts:
		return "max_patch_attempts"
	default:
		return "max_elapsed"
	}
}

// take increments *counter by n when the result stays within limit.
func (g *Governor) take(d Dimension, counter *int, n, limit int) error {
	if limit > 0 && *counter+n > limit {
		return exceeded(d, limit)
	}
	*counter += n
	g.observe(d, float64(*counter), float64(limit))
	return nil
}

func (g *Governor) observe(d Dimension, used, limit float64) {
	if g.observer != nil {
		g.observer.ObserveBudget(string(d), used, limit)
	}
}

// ReserveLLMCall accounts for one LLM call before it is made. It fails when
// the call ceiling is reached or the token ceiling is already exhausted.
func (g *Governor) ReserveLLMCall() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limits.MaxLLMTokens > 0 && g.usage.LLMTokens >= g.limits.MaxLLMTokens {
		return exceeded(LLMTokens, g.limits.MaxLLMTokens)
	}
	return g.take(LLMCalls, &g.usage.LLMCalls, 1, g.limits.MaxLLMCalls)
}

// AddLLMTokens records tokens consumed by a completed call. Tokens are
// already spent, so they are always recorded; crossing the ceiling returns
// the budget error so the run stops before the next call.
func (g *Governor) AddLLMTokens(n int) error {
	if g == nil || n <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage.LLMTokens += n
	g.observe(LLMTokens, float64(g.usage.LLMTokens), float64(g.limits.MaxLLMTokens))
	if g.limits.MaxLLMTokens > 0 && g.usage.LLMTokens > g.limits.MaxLLMTokens {
		return exceeded(LLMTokens, g.limits.MaxLLMTokens)
	}
	return nil
}

// RecordLLMCall reserves a call and records its tokens in one step.
func (g *Governor) RecordLLMCall(tokens int) error {
	if err := g.ReserveLLMCall(); err != nil {
		return err
	}
	return g.AddLLMTokens(tokens)
}

// RecordFileWrite accounts for one file write before it happens.
func (g *Governor) RecordFileWrite() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.take(FileWrites, &g.usage.FileWrites, 1, g.limits.MaxFileWrites)
}

// RecordPatchAttempt accounts for one fix attempt before it runs.
func (g *Governor) RecordPatchAttempt() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.take(PatchAttempts, &g.usage.PatchAttempts, 1, g.limits.MaxPatchAttempts)
}

// CheckElapsed fails once the run's wall-clock ceiling has passed.
func (g *Governor) CheckElapsed() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	el := g.elapsedLocked()
	g.observe(Elapsed, el.Seconds(), g.limits.MaxElapsed.Seconds())
	if g.limits.MaxElapsed > 0 && el > g.limits.MaxElapsed {
		return errs.New(errs.KindBudget, errs.CodeBudgetElapsed,
			"elapsed %s exceeds ceiling of %s", el.Round(time.Second), g.limits.MaxElapsed).
			WithFix("raise budget.max_elapsed")
	}
	return nil
}

// Exceeded reports whether err is a budget error and which dimension it names.
func Exceeded(err error) (Dimension, bool) {
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindBudget {
		return "", false
	}
	for d, c := range dimensionCodes {
		if c == e.Code {
			return d, true
		}
	}
	return "", false
}
