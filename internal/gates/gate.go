// Package gates implements the validation gate engine: an enumerated set of
// independent checks over a run directory, each yielding pass/fail plus typed
// issues, aggregated into one deterministic validation report.
package gates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/authz"
	"github.com/jorge-barreto/docpipe/internal/config"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/frontmatter"
	"github.com/jorge-barreto/docpipe/internal/secrets"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

// ID identifies a gate.
type ID string

const (
	RequiredPaths      ID = "required_paths"
	Schema             ID = "schema"
	Frontmatter        ID = "frontmatter"
	Links              ID = "links"
	Accessibility      ID = "accessibility"
	ContentQuality     ID = "content_quality"
	ClaimCoverage      ID = "claim_coverage"
	Navigation         ID = "navigation"
	Performance        ID = "performance"
	XSS                ID = "xss"
	SensitiveData      ID = "sensitive_data"
	ExternalLinks      ID = "external_links"
	PatchConflicts     ID = "patch_conflicts"
	AuthorizationAudit ID = "authorization_audit"
)

// Order is the fixed evaluation order.
var Order = []ID{
	RequiredPaths, Schema, Frontmatter, Links, Accessibility, ContentQuality,
	ClaimCoverage, Navigation, Performance, XSS, SensitiveData, ExternalLinks,
	PatchConflicts, AuthorizationAudit,
}

// Valid reports whether id is a known gate.
func (id ID) Valid() bool { return slices.Contains(Order, id) }

// ValidateDisabled checks the gates.disabled configuration list.
func ValidateDisabled(ids []string) error {
	for _, id := range ids {
		if !ID(id).Valid() {
			return errs.New(errs.KindConfig, errs.CodeConfigInvalid, "config: gates.disabled: unknown gate %q", id).
				WithFix(fmt.Sprintf("use one of %v", Order))
		}
	}
	return nil
}

// Result is one gate's outcome. The engine recomputes Passed from the
// issues under the run's profile.
type Result struct {
	Passed bool
	Issues []domain.Issue
}

// Gate is one validation check.
type Gate interface {
	ID() ID
	Supports(p domain.Profile) bool
	Check(ctx context.Context, c *Context) Result
}

// Context is the read-only view of a run the gates evaluate.
type Context struct {
	RunDir   string
	Profile  domain.Profile
	Config   *config.Config
	Index    map[string]domain.ArtifactEntry
	Authz    *authz.Registry
	Scrubber *secrets.Scrubber

	docs []*Doc
}

// Doc is one draft page as the gates see it.
type Doc struct {
	Entry     domain.ArtifactEntry
	Raw       []byte
	Body      string
	Offset    int
	HasHeader bool
	Fields    map[string]any
	HeaderErr error
	ReadErr   error
}

// Path returns the run-relative path of the draft.
func (d *Doc) Path() string { return d.Entry.Path }

// Line converts a 1-based body line into a file line.
func (d *Doc) Line(bodyLine int) int { return bodyLine + d.Offset }

// Entries returns the index entries sorted by path.
func (c *Context) Entries() []domain.ArtifactEntry {
	out := make([]domain.ArtifactEntry, 0, len(c.Index))
	for _, e := range c.Index {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Entry finds the index entry for a run-relative path.
func (c *Context) Entry(rel string) (domain.ArtifactEntry, bool) {
	if e, ok := c.Index[domain.ArtifactName(rel)]; ok && e.Path == rel {
		return e, true
	}
	for _, e := range c.Index {
		if e.Path == rel {
			return e, true
		}
	}
	return domain.ArtifactEntry{}, false
}

// Read returns the content of a run-relative file.
func (c *Context) Read(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(c.RunDir, filepath.FromSlash(rel)))
}

// Decode reads an indexed JSON artifact into v. found is false when rel is
// not in the index.
func (c *Context) Decode(rel string, v any) (found bool, err error) {
	if _, ok := c.Entry(rel); !ok {
		return false, nil
	}
	data, err := c.Read(rel)
	if err != nil {
		return true, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decoding %s: %w", rel, err)
	}
	return true, nil
}

// Drafts returns the indexed Markdown drafts sorted by path. They are read
// once per evaluation.
func (c *Context) Drafts() []*Doc {
	if c.docs != nil {
		return c.docs
	}
	c.docs = []*Doc{}
	for _, e := range c.Entries() {
		if !strings.HasPrefix(e.Path, "drafts/") || !strings.HasSuffix(e.Path, ".md") {
			continue
		}
		d := &Doc{Entry: e}
		raw, err := c.Read(e.Path)
		if err != nil {
			d.ReadErr = err
			c.docs = append(c.docs, d)
			continue
		}
		d.Raw = raw
		text := strings.ReplaceAll(string(raw), "\r\n", "\n")
		fields, body, found, err := frontmatter.Fields(raw)
		d.Body = string(body)
		d.Offset = strings.Count(text[:len(text)-len(d.Body)], "\n")
		d.HasHeader = found
		d.Fields = fields
		d.HeaderErr = err
		c.docs = append(c.docs, d)
	}
	return c.docs
}

// readable returns the drafts that could be read.
func (c *Context) readable() []*Doc {
	var out []*Doc
	for _, d := range c.Drafts() {
		if d.ReadErr == nil {
			out = append(out, d)
		}
	}
	return out
}

// Taskcard returns the configured authorization id.
func (c *Context) Taskcard() string {
	if c.Config == nil {
		return ""
	}
	return c.Config.Taskcard
}

// Gates returns the gate thresholds.
func (c *Context) Gates() config.GatesConfig {
	if c.Config == nil {
		return config.GatesConfig{}
	}
	return c.Config.Gates
}

func newIssue(gate ID, sev domain.Severity, code errs.Code, file, location, format string, args ...any) domain.Issue {
	is := domain.Issue{
		Gate:      string(gate),
		Severity:  sev,
		Message:   fmt.Sprintf(format, args...),
		Status:    domain.IssueOpen,
		ErrorCode: string(code),
		Location:  location,
	}
	if file != "" {
		is.Files = []string{file}
	}
	return is
}

func withFix(is domain.Issue, fix string, fixable bool) domain.Issue {
	is.SuggestedFix = fix
	is.Fixable = fixable
	return is
}

// unavailable reports an input the gate needs but cannot read. A gate that
// cannot evaluate does not pass.
func unavailable(gate ID, rel string, err error) domain.Issue {
	msg := "not in the artifact index"
	if err != nil {
		msg = reason(err)
	}
	return withFix(newIssue(gate, domain.SeverityBlocker, errs.CodeRequiredPathMissing, rel, "",
		"cannot evaluate: %s unavailable: %s", rel, msg), "re-run the worker that writes "+rel, false)
}

// reason describes err without the absolute paths of *fs.PathError, so
// messages stay identical across run directories.
func reason(err error) string {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Op + ": " + pe.Err.Error()
	}
	return err.Error()
}

// draftPaths returns the set of indexed draft paths.
func (c *Context) draftPaths() map[string]bool {
	out := map[string]bool{}
	for _, d := range c.Drafts() {
		out[d.Path()] = true
	}
	return out
}

// gateFunc adapts a function to the Gate interface for gates that support
// every profile.
type gateFunc struct {
	id    ID
	check func(ctx context.Context, c *Context) []domain.Issue
}

func (g gateFunc) ID() ID                       { return g.id }
func (g gateFunc) Supports(domain.Profile) bool { return true }
func (g gateFunc) Check(ctx context.Context, c *Context) Result {
	return Result{Issues: g.check(ctx, c)}
}

// Builtins returns every gate in Order.
func Builtins() []Gate {
	return []Gate{
		gateFunc{RequiredPaths, checkRequiredPaths},
		&schemaGate{},
		gateFunc{Frontmatter, checkFrontmatter},
		gateFunc{Links, checkLinks},
		gateFunc{Accessibility, checkAccessibility},
		gateFunc{ContentQuality, checkContentQuality},
		gateFunc{ClaimCoverage, checkClaimCoverage},
		gateFunc{Navigation, checkNavigation},
		gateFunc{Performance, checkPerformance},
		gateFunc{XSS, checkXSS},
		gateFunc{SensitiveData, checkSensitiveData},
		gateFunc{ExternalLinks, checkExternalLinks},
		gateFunc{PatchConflicts, checkPatchConflicts},
		gateFunc{AuthorizationAudit, checkAuthorizationAudit},
	}
}

// requiredArtifacts are the outputs every completed pipeline must index.
var requiredArtifacts = []string{
	worker.RepoInventoryPath,
	worker.ProductFactsPath,
	worker.EvidenceMapPath,
	worker.PagePlanPath,
	worker.DraftManifestPath,
	worker.ReviewReportPath,
	worker.SiteManifestPath,
}
