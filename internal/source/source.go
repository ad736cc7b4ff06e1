// Package source reads the checked-out product repository a run documents.
// When the directory is a git repository, content is read from the commit
// source_ref resolves to, so uncommitted edits never change a run's output.
package source

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/jorge-barreto/docpipe/internal/errs"
)

const (
	maxFileSize = 32 * 1024
	maxFiles    = 5000
	logDepth    = 10
)

// skipDirs are directories excluded from the inventory.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"__pycache__":  true,
	".docpipe":     true,
}

// keyFiles are read in full (up to maxFileSize) for fact extraction.
var keyFiles = []string{
	"README.md",
	"readme.md",
	"README",
	"Makefile",
	"package.json",
	"go.mod",
	"pyproject.toml",
	"setup.py",
	"requirements.txt",
	"Cargo.toml",
	"LICENSE",
	"CHANGELOG.md",
}

// File is one entry of the repository inventory.
type File struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Language string `json:"language,omitempty"`
}

// Repo is a read-only view of the source repository at one revision.
type Repo struct {
	Root    string
	Ref     string
	GitSHA  string
	Files   []File
	Commits []string

	tree *object.Tree
}

// Open resolves ref in the repository at root. A directory that is not a git
// repository is read from the working tree and has no GitSHA.
func Open(root, ref string) (*Repo, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, errs.New(errs.KindConfig, errs.CodeConfigInvalid, "source_repo %s is not a directory", root).WithFiles(root)
	}
	r := &Repo{Root: root, Ref: ref}

	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return r, r.walkWorktree()
	}
	if err != nil {
		return nil, fmt.Errorf("opening git repository %s: %w", root, err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, errs.Wrap(err, errs.KindConfig, errs.CodeConfigInvalid, "source_ref "+ref+" does not resolve in "+root).
			WithFix("check that source_ref names a branch, tag or commit")
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree of %s: %w", hash, err)
	}
	r.GitSHA = hash.String()
	r.tree = tree
	if err := r.walkTree(); err != nil {
		return nil, err
	}
	r.Commits = commitLog(repo, *hash)
	return r, nil
}

func skipped(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if skipDirs[seg] {
			return true
		}
	}
	return false
}

func (r *Repo) walkTree() error {
	err := r.tree.Files().ForEach(func(f *object.File) error {
		if skipped(f.Name) {
			return nil
		}
		if len(r.Files) >= maxFiles {
			return storer.ErrStop
		}
		r.Files = append(r.Files, File{Path: f.Name, Size: f.Size, Language: Language(f.Name)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing tree: %w", err)
	}
	sortFiles(r.Files)
	return nil
}

func (r *Repo) walkWorktree() error {
	err := filepath.WalkDir(r.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p == r.Root {
			return nil
		}
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(r.Files) >= maxFiles {
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(r.Root, p)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		r.Files = append(r.Files, File{Path: rel, Size: info.Size(), Language: Language(rel)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", r.Root, err)
	}
	sortFiles(r.Files)
	return nil
}

func sortFiles(files []File) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

func commitLog(repo *git.Repository, from plumbing.Hash) []string {
	iter, err := repo.Log(&git.LogOptions{From: from})
	if err != nil {
		return nil
	}
	defer iter.Close()
	var out []string
	_ = iter.ForEach(func(c *object.Commit) error {
		if len(out) >= logDepth {
			return storer.ErrStop
		}
		subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
		out = append(out, c.Hash.String()[:7]+" "+subject)
		return nil
	})
	return out
}

// ReadFile returns the content of rel at the resolved revision, truncated to
// maxFileSize.
func (r *Repo) ReadFile(rel string) ([]byte, error) {
	rel = path.Clean(filepath.ToSlash(rel))
	if rel == "." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return nil, fmt.Errorf("source: %q is outside the repository", rel)
	}
	if r.tree != nil {
		f, err := r.tree.File(rel)
		if err != nil {
			return nil, fmt.Errorf("source: %s: %w", rel, err)
		}
		rd, err := f.Reader()
		if err != nil {
			return nil, err
		}
		defer rd.Close()
		return io.ReadAll(io.LimitReader(rd, maxFileSize))
	}
	fh, err := os.Open(filepath.Join(r.Root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	defer fh.Close()
	return io.ReadAll(io.LimitReader(fh, maxFileSize))
}

// Has reports whether rel is in the inventory.
func (r *Repo) Has(rel string) bool {
	i := sort.Search(len(r.Files), func(i int) bool { return r.Files[i].Path >= rel })
	return i < len(r.Files) && r.Files[i].Path == rel
}

// KeyFiles returns the well-known files present in the repository, keyed by
// path.
func (r *Repo) KeyFiles() map[string]string {
	out := make(map[string]string)
	for _, name := range keyFiles {
		if !r.Has(name) {
			continue
		}
		data, err := r.ReadFile(name)
		if err != nil {
			continue
		}
		out[name] = string(data)
	}
	return out
}

// Languages returns file counts per detected language.
func (r *Repo) Languages() map[string]int {
	out := make(map[string]int)
	for _, f := range r.Files {
		if f.Language != "" {
			out[f.Language]++
		}
	}
	return out
}

// TopLevel returns the sorted first path segments of the inventory,
// directories suffixed with "/".
func (r *Repo) TopLevel() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range r.Files {
		name := f.Path
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[:i+1]
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

var languages = map[string]string{
	".go":   "Go",
	".py":   "Python",
	".js":   "JavaScript",
	".ts":   "TypeScript",
	".rs":   "Rust",
	".java": "Java",
	".rb":   "Ruby",
	".c":    "C",
	".h":    "C",
	".cpp":  "C++",
	".sh":   "Shell",
	".md":   "Markdown",
	".yaml": "YAML",
	".yml":  "YAML",
	".json": "JSON",
	".toml": "TOML",
}

// Language guesses a file's language from its extension.
func Language(p string) string {
	return languages[strings.ToLower(path.Ext(p))]
}
