package gates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

func checkRequiredPaths(_ context.Context, c *Context) []domain.Issue {
	var out []domain.Issue
	for _, rel := range requiredArtifacts {
		if _, ok := c.Entry(rel); !ok {
			out = append(out, withFix(
				newIssue(RequiredPaths, domain.SeverityBlocker, errs.CodeRequiredPathMissing, rel, "", "%s is not in the artifact index", rel),
				"re-run the pipeline so the worker that writes "+rel+" publishes it", false))
		}
	}

	var dm worker.DraftManifest
	if found, err := c.Decode(worker.DraftManifestPath, &dm); found && err == nil {
		for _, d := range dm.Drafts {
			if _, ok := c.Entry(d.Path); !ok {
				out = append(out, withFix(
					newIssue(RequiredPaths, domain.SeverityBlocker, errs.CodeRequiredPathMissing, d.Path, "", "%s is listed in the draft manifest but not indexed", d.Path),
					"re-run section_writer", false))
			}
		}
	}

	for _, e := range c.Entries() {
		if e.Path == worker.ValidationReportPath {
			continue
		}
		data, err := c.Read(e.Path)
		if err != nil {
			out = append(out, newIssue(RequiredPaths, domain.SeverityBlocker, errs.CodeRequiredPathMissing, e.Path, "",
				"%s is indexed but cannot be read: %s", e.Path, reason(err)))
			continue
		}
		if got := state.ChecksumBytes(data); got != e.Checksum {
			out = append(out, withFix(
				newIssue(RequiredPaths, domain.SeverityBlocker, errs.CodeArtifactChecksum, e.Path, "",
					"%s changed after it was published (index %s, file %s)", e.Path, e.Checksum, got),
				"re-run "+e.WriterWorker+" instead of editing published artifacts", false))
		}
	}
	return out
}

// schemaGate validates every JSON artifact against its schema in
// run_dir/schemas.
type schemaGate struct{}

func (schemaGate) ID() ID                       { return Schema }
func (schemaGate) Supports(domain.Profile) bool { return true }

func (schemaGate) Check(_ context.Context, c *Context) Result {
	var out []domain.Issue
	cache := map[string]*jsonschema.Resolved{}
	for _, e := range c.Entries() {
		if !strings.HasSuffix(e.Path, ".json") || e.Path == worker.ValidationReportPath {
			continue
		}
		if e.Schema == "" {
			out = append(out, newIssue(Schema, domain.SeverityBlocker, errs.CodeSchemaMissing, e.Path, "",
				"%s is a JSON artifact without a schema id", e.Path))
			continue
		}
		resolved, ok := cache[e.Schema]
		if !ok {
			var err error
			resolved, err = loadSchema(c.RunDir, e.Schema)
			if err != nil {
				out = append(out, withFix(
					newIssue(Schema, domain.SeverityBlocker, errs.CodeSchemaMissing, e.Path, "schemas/"+e.Schema, "%v", err),
					"restore schemas/"+e.Schema+" in the run directory", false))
				continue
			}
			cache[e.Schema] = resolved
		}
		data, err := c.Read(e.Path)
		if err != nil {
			continue
		}
		var instance any
		if err := json.Unmarshal(data, &instance); err != nil {
			out = append(out, newIssue(Schema, domain.SeverityBlocker, errs.CodeJSONInvalid, e.Path, "", "%s is not valid JSON: %v", e.Path, err))
			continue
		}
		if err := resolved.Validate(instance); err != nil {
			out = append(out, newIssue(Schema, domain.SeverityBlocker, errs.CodeSchemaViolation, e.Path, e.Schema, "%v", err))
		}
	}
	return Result{Issues: out}
}

func loadSchema(runDir, id string) (*jsonschema.Resolved, error) {
	if strings.ContainsAny(id, `/\`) || id == ".." {
		return nil, fmt.Errorf("schema id %q is not a file name", id)
	}
	data, err := os.ReadFile(filepath.Join(runDir, state.SchemasDir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("schema %s is not installed", id)
		}
		return nil, fmt.Errorf("reading schema %s: %s", id, reason(err))
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("schema %s is not valid JSON: %w", id, err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", id, err)
	}
	return resolved, nil
}

func checkPatchConflicts(_ context.Context, c *Context) []domain.Issue {
	var pb worker.PatchBundle
	found, err := c.Decode(worker.PatchBundlePath, &pb)
	if !found {
		return nil
	}
	if err != nil {
		return []domain.Issue{unavailable(PatchConflicts, worker.PatchBundlePath, err)}
	}
	var out []domain.Issue
	last := map[string]string{}
	for _, p := range pb.Patches {
		if prev, ok := last[p.Path]; ok && prev != p.BeforeChecksum {
			out = append(out, newIssue(PatchConflicts, domain.SeverityBlocker, errs.CodePatchConflict, p.Path, p.Location,
				"patch for issue %s expects %s but the previous patch left %s", p.IssueID, p.BeforeChecksum, prev))
		}
		last[p.Path] = p.AfterChecksum
	}
	paths := make([]string, 0, len(last))
	for p := range last {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		e, ok := c.Entry(p)
		if !ok {
			out = append(out, newIssue(PatchConflicts, domain.SeverityBlocker, errs.CodePatchTargetMissing, p, "",
				"patched file %s is not in the artifact index", p))
			continue
		}
		if e.Checksum != last[p] {
			out = append(out, withFix(
				newIssue(PatchConflicts, domain.SeverityBlocker, errs.CodePatchConflict, p, "",
					"%s changed after patch attempt %d (patched %s, indexed %s)", p, pb.Attempt, last[p], e.Checksum),
				"re-run the fixer against the current drafts", false))
		}
	}
	return out
}

func checkAuthorizationAudit(_ context.Context, c *Context) []domain.Issue {
	paths := make([]string, 0, len(c.Index)+1)
	hasReport := false
	for _, e := range c.Entries() {
		paths = append(paths, e.Path)
		hasReport = hasReport || e.Path == worker.ValidationReportPath
	}
	if !hasReport {
		paths = append(paths, worker.ValidationReportPath)
		sort.Strings(paths)
	}

	id := strings.TrimSpace(c.Taskcard())
	if c.Authz == nil || id == "" {
		if c.Profile.Enforcing() {
			return []domain.Issue{withFix(
				newIssue(AuthorizationAudit, domain.SeverityBlocker, errs.CodeAuthzAuditUncovered, "", "",
					"no authorization record covers the %d written paths", len(paths)),
				"set 'taskcard' in docpipe.yaml", false)}
		}
		return []domain.Issue{newIssue(AuthorizationAudit, domain.SeverityInfo, "", "", "",
			"no taskcard configured; %d written paths were not audited", len(paths))}
	}

	d := c.Authz.Check(c.Profile, id, paths)
	fix := ""
	denied := d
	denied.Allowed = false
	if e, ok := errs.As(denied.Err()); ok {
		fix = e.SuggestedFix
	}
	switch {
	case !d.Allowed:
		is := withFix(newIssue(AuthorizationAudit, domain.SeverityBlocker, errs.CodeAuthzAuditUncovered, "", "", "%s", d.Reason), fix, false)
		is.Files = d.Uncovered
		return []domain.Issue{is}
	case d.Advisory:
		is := withFix(newIssue(AuthorizationAudit, domain.SeverityWarn, errs.CodeAuthzAuditAdvisory, "", "", "advisory: %s", d.Reason), fix, false)
		is.Files = d.Uncovered
		return []domain.Issue{is}
	}
	return []domain.Issue{newIssue(AuthorizationAudit, domain.SeverityInfo, "", "", "",
		"authorization %s covers all %d written paths", id, len(paths))}
}
