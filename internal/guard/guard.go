// Package guard confines filesystem writes to a run's boundary directory and
// an allow-list of path patterns, and refuses to spawn subprocesses inside
// untrusted directory trees.
package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/budget"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/state"
)

// DefaultAllow is the allow-list used when no authorization record narrows it.
var DefaultAllow = []string{"artifacts/**", "drafts/**", "logs/**", "schemas/**"}

// Verdict is the outcome of a path check. A rejected verdict names the
// policy code; an allowed one carries the resolved absolute path and the
// slash-separated path relative to the boundary.
type Verdict struct {
	Allowed  bool
	Code     errs.Code
	Reason   string
	Target   string
	Resolved string
	Rel      string
}

// Err converts a rejected verdict into a policy error, or nil.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return errs.New(errs.KindPolicy, v.Code, "%s: %s", v.Target, v.Reason).WithFiles(v.Target)
}

func reject(target string, code errs.Code, reason string) Verdict {
	return Verdict{Target: target, Code: code, Reason: reason}
}

// Guard confines writes for one run.
type Guard struct {
	boundary string
	allow    *Matcher
	budget   *budget.Governor
}

// New creates a guard rooted at boundary. Every write is counted against gov
// when gov is non-nil.
func New(boundary string, allow []string, gov *budget.Governor) (*Guard, error) {
	abs, err := filepath.Abs(boundary)
	if err != nil {
		return nil, fmt.Errorf("resolving boundary: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving boundary %s: %w", boundary, err)
	}
	return &Guard{boundary: resolved, allow: NewMatcher(allow), budget: gov}, nil
}

// Boundary returns the symlink-resolved boundary directory.
func (g *Guard) Boundary() string { return g.boundary }

// Allow returns the allow-list patterns.
func (g *Guard) Allow() []string { return g.allow.Patterns() }

// Check validates target without touching the filesystem beyond reading
// link targets. Relative targets are taken relative to the boundary.
func (g *Guard) Check(target string) Verdict {
	if strings.ContainsAny(target, "~%$") {
		return reject(target, errs.CodePathMetachar, "shell expansion characters (~ % $) are not allowed in write paths")
	}
	for _, seg := range strings.FieldsFunc(target, isSep) {
		if seg == ".." {
			return reject(target, errs.CodePathTraversal, "'..' segments are not allowed in write paths")
		}
	}
	abs := target
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.boundary, target)
	}
	resolved, err := resolve(filepath.Clean(abs))
	if err != nil {
		return reject(target, errs.CodePathEscape, fmt.Sprintf("cannot resolve path: %v", err))
	}
	rel, ok := within(g.boundary, resolved)
	if !ok {
		return reject(target, errs.CodePathEscape, fmt.Sprintf("resolves to %s, outside %s", resolved, g.boundary))
	}
	if rel == "." {
		return reject(target, errs.CodePathNotAllowed, "the boundary directory itself is not a write target")
	}
	if !g.allow.Match(rel) {
		return reject(target, errs.CodePathNotAllowed, fmt.Sprintf("%s matches no allowed pattern %v", rel, g.allow.Patterns()))
	}
	return Verdict{Allowed: true, Target: target, Resolved: resolved, Rel: rel}
}

// WriteFile checks target, counts one file write against the budget, then
// writes data atomically. Nothing is written when any check fails.
func (g *Guard) WriteFile(target string, data []byte) (string, error) {
	v := g.Check(target)
	if err := v.Err(); err != nil {
		return "", err
	}
	if err := g.budget.RecordFileWrite(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(v.Resolved), 0755); err != nil {
		return "", fmt.Errorf("creating parent of %s: %w", v.Rel, err)
	}
	if err := state.WriteFileAtomic(v.Resolved, data, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", v.Rel, err)
	}
	return v.Rel, nil
}

// Publish moves a staged file into place under the boundary. The budget was
// already charged when the file was staged.
func (g *Guard) Publish(src, target string) (string, error) {
	v := g.Check(target)
	if err := v.Err(); err != nil {
		return "", err
	}
	srcResolved, err := resolve(src)
	if err != nil {
		return "", fmt.Errorf("resolving staged file: %w", err)
	}
	if _, ok := within(g.boundary, srcResolved); !ok {
		return "", errs.New(errs.KindPolicy, errs.CodePathEscape, "staged file %s is outside %s", src, g.boundary).WithFiles(src)
	}
	if err := os.MkdirAll(filepath.Dir(v.Resolved), 0755); err != nil {
		return "", fmt.Errorf("creating parent of %s: %w", v.Rel, err)
	}
	if err := os.Rename(srcResolved, v.Resolved); err != nil {
		return "", fmt.Errorf("publishing %s: %w", v.Rel, err)
	}
	if err := state.SyncDir(filepath.Dir(v.Resolved)); err != nil {
		return "", err
	}
	return v.Rel, nil
}

func isSep(r rune) bool { return r == '/' || r == filepath.Separator }

// resolve evaluates symlinks on the deepest existing ancestor of p and
// re-appends the components that do not exist yet.
func resolve(p string) (string, error) {
	var tail []string
	cur := p
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
	real, err := filepath.EvalSymlinks(cur)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{real}, tail...)...), nil
}

// within reports whether p is root or below it, returning the slash path
// relative to root.
func within(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
