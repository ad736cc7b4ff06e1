package source

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/jorge-barreto/docpipe/internal/errs"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func initRepo(t *testing.T, root string) string {
	t.Helper()
	repo, err := git.PlainInit(root, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		t.Fatalf("add: %v", err)
	}
	sig := &object.Signature{Name: "docs", Email: "docs@example.com", When: time.Unix(1700000000, 0).UTC()}
	hash, err := wt.Commit("Initial import\n\nbody", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash.String()
}

func TestOpen_Worktree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "# Widget\n")
	writeFile(t, dir, "cmd/widget/main.go", "package main\n")
	writeFile(t, dir, "node_modules/x/index.js", "x")

	r, err := Open(dir, "main")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.GitSHA != "" {
		t.Fatalf("GitSHA = %q for a plain directory", r.GitSHA)
	}
	if len(r.Files) != 2 {
		t.Fatalf("files = %+v", r.Files)
	}
	if r.Files[0].Path != "README.md" || r.Files[1].Path != "cmd/widget/main.go" {
		t.Fatalf("files not sorted: %+v", r.Files)
	}
	if r.Files[1].Language != "Go" {
		t.Fatalf("language = %q", r.Files[1].Language)
	}
	if got := r.TopLevel(); strings.Join(got, ",") != "README.md,cmd/" {
		t.Fatalf("top level = %v", got)
	}
	if r.KeyFiles()["README.md"] != "# Widget\n" {
		t.Fatalf("key files = %v", r.KeyFiles())
	}
}

func TestOpen_GitReadsCommittedContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "committed\n")
	writeFile(t, dir, "go.mod", "module widget\n")
	sha := initRepo(t, dir)
	writeFile(t, dir, "README.md", "uncommitted edit\n")
	writeFile(t, dir, "scratch.txt", "untracked")

	r, err := Open(dir, sha)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.GitSHA != sha {
		t.Fatalf("GitSHA = %q, want %q", r.GitSHA, sha)
	}
	data, err := r.ReadFile("README.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "committed\n" {
		t.Fatalf("README = %q, want committed content", data)
	}
	if r.Has("scratch.txt") {
		t.Fatal("untracked file in inventory")
	}
	if len(r.Commits) != 1 || !strings.HasSuffix(r.Commits[0], " Initial import") {
		t.Fatalf("commits = %v", r.Commits)
	}
}

func TestOpen_UnknownRef(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "x")
	initRepo(t, dir)
	_, err := Open(dir, "no-such-tag")
	if errs.CodeOf(err) != errs.CodeConfigInvalid {
		t.Fatalf("got %v", err)
	}
}

func TestOpen_MissingDir(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), "main")
	if errs.KindOf(err) != errs.KindConfig {
		t.Fatalf("got %v", err)
	}
}

func TestReadFile_RejectsEscape(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, "main")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadFile("../etc/passwd"); err == nil {
		t.Fatal("expected error for path outside repository")
	}
}
