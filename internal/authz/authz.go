// Package authz resolves authorization records that grant a run permission
// to write specific paths. Records live in a registry directory as
// "<id>.md" files with a YAML header:
//
//	---
//	id: DOC-12
//	status: In-Progress
//	allowed_paths:
//	  - artifacts/**
//	  - drafts/**
//	---
//
// The registry is read-only from the orchestrator's point of view.
package authz

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/frontmatter"
	"github.com/jorge-barreto/docpipe/internal/guard"
)

// Status is the lifecycle state of an authorization record.
type Status string

const (
	StatusDraft      Status = "Draft"
	StatusInProgress Status = "In-Progress"
	StatusDone       Status = "Done"
	StatusBlocked    Status = "Blocked"
	StatusCancelled  Status = "Cancelled"
)

func (s Status) valid() bool {
	switch s {
	case StatusDraft, StatusInProgress, StatusDone, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// Record is one authorization record.
type Record struct {
	ID           string   `yaml:"id" json:"id"`
	Status       Status   `yaml:"status" json:"status"`
	AllowedPaths []string `yaml:"allowed_paths" json:"allowed_paths"`
	Title        string   `yaml:"title,omitempty" json:"title,omitempty"`
	Path         string   `yaml:"-" json:"-"`
}

// Active reports whether the record currently grants anything.
func (r *Record) Active() bool {
	return r.Status == StatusInProgress || r.Status == StatusDone
}

// Covers returns the paths not matched by any grant, in input order. A
// glob path is covered when a grant matches every path the glob can name.
func (r *Record) Covers(paths []string) (uncovered []string) {
	m := guard.NewMatcher(r.AllowedPaths)
	for _, p := range paths {
		covered := m.Match(p)
		if guard.HasMeta(p) {
			covered = m.CoversPattern(p)
		}
		if !covered {
			uncovered = append(uncovered, p)
		}
	}
	return uncovered
}

var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Registry reads authorization records from a directory.
type Registry struct {
	dir string
}

// NewRegistry returns a registry rooted at dir. The directory need not exist;
// lookups in a missing registry report the id as unknown.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Dir returns the registry directory.
func (r *Registry) Dir() string { return r.dir }

// Lookup reads the record for id.
func (r *Registry) Lookup(id string) (*Record, error) {
	if !idRe.MatchString(id) {
		return nil, errs.New(errs.KindConfig, errs.CodeAuthzUnknown, "authorization id %q is not a valid record id", id)
	}
	path := filepath.Join(r.dir, id+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.KindConfig, errs.CodeAuthzUnknown, "authorization %q not found in %s", id, r.dir).
				WithFix("create " + path + " or set 'taskcard' to an existing record")
		}
		return nil, fmt.Errorf("reading authorization %s: %w", path, err)
	}
	return parseRecord(id, path, data)
}

func parseRecord(id, path string, data []byte) (*Record, error) {
	var rec Record
	_, found, err := frontmatter.Parse(data, &rec)
	if err != nil || !found {
		if err == nil {
			err = fmt.Errorf("missing YAML header")
		}
		return nil, errs.Wrap(err, errs.KindConfig, errs.CodeAuthzRecordMalformed, "authorization "+id+" is malformed").WithFiles(path)
	}
	rec.Path = path
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ID != id {
		return nil, errs.New(errs.KindConfig, errs.CodeAuthzRecordMalformed, "authorization file %s declares id %q", path, rec.ID).WithFiles(path)
	}
	if !rec.Status.valid() {
		return nil, errs.New(errs.KindConfig, errs.CodeAuthzRecordMalformed, "authorization %s has unknown status %q (must be Draft, In-Progress, Done, Blocked, or Cancelled)", id, rec.Status).WithFiles(path)
	}
	return &rec, nil
}

// List returns every parseable record sorted by id. Malformed files are
// skipped.
func (r *Registry) List() ([]*Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		rec, err := r.Lookup(strings.TrimSuffix(e.Name(), ".md"))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Decision is the outcome of an authorization check. In non-enforcing
// profiles a failed check is Allowed but Advisory, keeping Code and Reason
// for the audit trail.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Advisory  bool      `json:"advisory"`
	Code      errs.Code `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ID        string    `json:"id,omitempty"`
	Grants    []string  `json:"grants,omitempty"`
	Uncovered []string  `json:"uncovered,omitempty"`
}

// Err converts a denied decision into a configuration error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	e := errs.New(errs.KindConfig, d.Code, "%s", d.Reason).WithFiles(d.Uncovered...)
	switch d.Code {
	case errs.CodeAuthzMissing:
		e = e.WithFix("set 'taskcard' in docpipe.yaml to an active authorization record")
	case errs.CodeAuthzInactive:
		e = e.WithFix("move authorization " + d.ID + " to In-Progress")
	case errs.CodeAuthzPathNotGranted:
		e = e.WithFix("add the paths to allowed_paths of authorization " + d.ID)
	}
	return e
}

// Check decides whether a run under profile may touch paths using the
// record named id. Only the production profile enforces the outcome.
func (r *Registry) Check(profile domain.Profile, id string, paths []string) Decision {
	d := r.evaluate(id, paths)
	if !d.Allowed && !profile.Enforcing() {
		d.Allowed = true
		d.Advisory = true
	}
	return d
}

func (r *Registry) evaluate(id string, paths []string) Decision {
	if strings.TrimSpace(id) == "" {
		return Decision{Code: errs.CodeAuthzMissing, Reason: "no authorization token configured"}
	}
	rec, err := r.Lookup(id)
	if err != nil {
		return Decision{ID: id, Code: errs.CodeOf(err), Reason: errMessage(err)}
	}
	d := Decision{ID: id, Grants: rec.AllowedPaths}
	if !rec.Active() {
		d.Code = errs.CodeAuthzInactive
		d.Reason = fmt.Sprintf("authorization %s is %s; only In-Progress or Done records are active", id, rec.Status)
		return d
	}
	if uncovered := rec.Covers(paths); len(uncovered) > 0 {
		d.Code = errs.CodeAuthzPathNotGranted
		d.Reason = fmt.Sprintf("authorization %s does not grant %s", id, strings.Join(uncovered, ", "))
		d.Uncovered = uncovered
		return d
	}
	d.Allowed = true
	return d
}

func errMessage(err error) string {
	if e, ok := errs.As(err); ok {
		return e.Message
	}
	return err.Error()
}
