package gates

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/logging"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/telemetry"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

// issueNamespace scopes the name-based issue ids.
var issueNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("docpipe.issue"))

// IssueID returns the deterministic id of an issue: a v5 uuid over its gate,
// code, files, location and message.
func IssueID(is domain.Issue) string {
	key := strings.Join([]string{is.Gate, is.ErrorCode, strings.Join(is.Files, ","), is.Location, is.Message}, "\x00")
	return uuid.NewSHA1(issueNamespace, []byte(key)).String()
}

// Sink writes run-relative files. *guard.Guard satisfies it.
type Sink interface {
	WriteFile(target string, data []byte) (string, error)
}

// Report is the aggregate verdict and the index entry of its file.
type Report struct {
	worker.ValidationReport
	Entry domain.ArtifactEntry
}

// Blocking returns the open issues that block under the report's profile.
func (r *Report) Blocking() []domain.Issue {
	return domain.Blocking(r.Profile, r.Issues)
}

// Fixable returns the blocking issues the fixer can patch.
func (r *Report) Fixable() []domain.Issue {
	var out []domain.Issue
	for _, is := range r.Blocking() {
		if is.Fixable {
			out = append(out, is)
		}
	}
	return out
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTelemetry emits one span per gate.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = t }
}

// Engine evaluates the registered gates in Order.
type Engine struct {
	gates  []Gate
	logger *logging.Logger
	tel    *telemetry.Telemetry
}

// NewEngine validates that gs registers every gate in Order exactly once.
func NewEngine(gs []Gate, opts ...Option) (*Engine, error) {
	byID := make(map[ID]Gate, len(gs))
	for _, g := range gs {
		if !g.ID().Valid() {
			return nil, errs.New(errs.KindInternal, errs.CodeInternal, "unknown gate %q", g.ID())
		}
		if _, dup := byID[g.ID()]; dup {
			return nil, errs.New(errs.KindInternal, errs.CodeInternal, "gate %q registered twice", g.ID())
		}
		byID[g.ID()] = g
	}
	e := &Engine{logger: logging.Nop()}
	var missing []string
	for _, id := range Order {
		g, ok := byID[id]
		if !ok {
			missing = append(missing, string(id))
			continue
		}
		e.gates = append(e.gates, g)
	}
	if len(missing) > 0 {
		return nil, errs.New(errs.KindInternal, errs.CodeInternal, "no handler for gates: %s", strings.Join(missing, ", "))
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Default returns an engine over the built-in gates.
func Default(opts ...Option) *Engine {
	e, err := NewEngine(Builtins(), opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate runs every gate, writes one log per gate and the validation
// report through out, and returns the report.
func (e *Engine) Evaluate(ctx context.Context, c *Context, out Sink) (*Report, error) {
	report := &Report{}
	report.OK = true
	report.Profile = c.Profile
	report.Gates = []worker.GateSummary{}
	report.Issues = []domain.Issue{}
	seen := map[string]bool{}

	for _, g := range e.gates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gctx, span := e.tel.StartSpan(ctx, "gate."+string(g.ID()), attribute.String("gate", string(g.ID())))
		passed, issues, err := e.run(gctx, g, c)
		span.SetAttributes(attribute.Bool("passed", passed), attribute.Int("issues", len(issues)))
		span.End()
		if err != nil {
			return nil, err
		}
		if err := e.writeLog(g.ID(), c, passed, issues, out); err != nil {
			return nil, err
		}
		e.logger.Debug(ctx, "gate evaluated",
			zap.String("gate", string(g.ID())), zap.Bool("passed", passed), zap.Int("issues", len(issues)))

		report.Gates = append(report.Gates, worker.GateSummary{ID: string(g.ID()), Passed: passed, IssueCount: len(issues)})
		report.OK = report.OK && passed
		for _, is := range issues {
			if seen[is.ID] {
				continue
			}
			seen[is.ID] = true
			report.Issues = append(report.Issues, is)
		}
	}
	domain.SortIssues(report.Issues)

	data, err := worker.EncodeJSON(report.ValidationReport)
	if err != nil {
		return nil, fmt.Errorf("encoding validation report: %w", err)
	}
	rel, err := out.WriteFile(worker.ValidationReportPath, data)
	if err != nil {
		return nil, err
	}
	report.Entry = domain.ArtifactEntry{
		Name:         domain.ArtifactName(rel),
		Path:         rel,
		Checksum:     state.ChecksumBytes(data),
		Schema:       domain.SchemaID(rel),
		WriterWorker: worker.ValidationWriter,
	}
	return report, nil
}

// run applies the profile policy around one gate.
func (e *Engine) run(ctx context.Context, g Gate, c *Context) (bool, []domain.Issue, error) {
	id := g.ID()
	disabled := slices.Contains(c.Gates().Disabled, string(id))
	var issues []domain.Issue
	forceFail := false
	switch {
	case disabled && !c.Profile.Enforcing():
		issues = []domain.Issue{newIssue(id, domain.SeverityInfo, "", "", "", "gate disabled by configuration under the %s profile", c.Profile)}
	case !g.Supports(c.Profile):
		issues = []domain.Issue{withFix(
			newIssue(id, domain.SeverityError, errs.CodeGateNotImplemented, "", "", "gate %s is not implemented for the %s profile", id, c.Profile),
			"run under a profile the gate supports or implement it", false)}
		forceFail = true
	default:
		issues = g.Check(ctx, c).Issues
		if disabled {
			issues = append(issues, newIssue(id, domain.SeverityWarn, "", "", "", "gates.disabled is ignored under the %s profile", c.Profile))
		}
	}

	out := make([]domain.Issue, 0, len(issues))
	for _, is := range issues {
		is.Gate = string(id)
		if is.Status == "" {
			is.Status = domain.IssueOpen
		}
		is.Message = c.Scrubber.ScrubString(is.Message)
		is.SuggestedFix = c.Scrubber.ScrubString(is.SuggestedFix)
		if err := is.Validate(); err != nil {
			return false, nil, errs.Wrap(err, errs.KindInternal, errs.CodeInternal, "gate "+string(id))
		}
		is.ID = IssueID(is)
		out = append(out, is)
	}
	domain.SortIssues(out)
	passed := !forceFail && len(domain.Blocking(c.Profile, out)) == 0
	return passed, out, nil
}

// writeLog records one gate's outcome in logs/gate_<id>.log.
func (e *Engine) writeLog(id ID, c *Context, passed bool, issues []domain.Issue, out Sink) error {
	var b strings.Builder
	fmt.Fprintf(&b, "gate: %s\nprofile: %s\npassed: %t\nissues: %d\n", id, c.Profile, passed, len(issues))
	for _, is := range issues {
		fmt.Fprintf(&b, "%s", is.Severity)
		if is.ErrorCode != "" {
			fmt.Fprintf(&b, " %s", is.ErrorCode)
		}
		if f := is.File(); f != "" {
			fmt.Fprintf(&b, " %s", f)
		}
		if is.Location != "" {
			fmt.Fprintf(&b, " @%s", is.Location)
		}
		fmt.Fprintf(&b, ": %s\n", is.Message)
		if is.SuggestedFix != "" {
			fmt.Fprintf(&b, "  fix: %s\n", is.SuggestedFix)
		}
	}
	_, err := out.WriteFile(state.GateLogPath(string(id)), []byte(c.Scrubber.ScrubString(b.String())))
	return err
}
