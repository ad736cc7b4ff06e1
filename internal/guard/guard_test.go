package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorge-barreto/docpipe/internal/budget"
	"github.com/jorge-barreto/docpipe/internal/errs"
)

func newGuard(t *testing.T, allow ...string) (*Guard, string) {
	t.Helper()
	dir := t.TempDir()
	if len(allow) == 0 {
		allow = DefaultAllow
	}
	g, err := New(dir, allow, nil)
	require.NoError(t, err)
	return g, g.Boundary()
}

func TestCheck_RejectsBeforeResolution(t *testing.T) {
	g, _ := newGuard(t)
	tests := []struct {
		target string
		code   errs.Code
	}{
		{"artifacts/../../etc/passwd", errs.CodePathTraversal},
		{"../outside.json", errs.CodePathTraversal},
		{"~/secrets", errs.CodePathMetachar},
		{"artifacts/$HOME.json", errs.CodePathMetachar},
		{"artifacts/%PATH%.json", errs.CodePathMetachar},
		{"notes/readme.md", errs.CodePathNotAllowed},
		{"snapshot.json", errs.CodePathNotAllowed},
	}
	for _, tt := range tests {
		v := g.Check(tt.target)
		assert.False(t, v.Allowed, tt.target)
		assert.Equal(t, tt.code, v.Code, tt.target)
	}
}

func TestCheck_AbsoluteOutsideBoundary(t *testing.T) {
	g, _ := newGuard(t)
	other := filepath.Join(t.TempDir(), "x.json")
	v := g.Check(other)
	assert.False(t, v.Allowed)
	assert.Equal(t, errs.CodePathEscape, v.Code)
}

func TestWriteFile_SymlinkEscapeWritesNothing(t *testing.T) {
	g, root := newGuard(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "artifacts")))

	_, err := g.WriteFile("artifacts/leak.json", []byte("{}"))
	require.Error(t, err)
	assert.Equal(t, errs.CodePathEscape, errs.CodeOf(err))

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries, "no bytes may be written outside the boundary")
}

func TestWriteFile_Allowed(t *testing.T) {
	g, root := newGuard(t)
	rel, err := g.WriteFile("drafts/guide/intro.md", []byte("# Intro\n"))
	require.NoError(t, err)
	assert.Equal(t, "drafts/guide/intro.md", rel)

	data, err := os.ReadFile(filepath.Join(root, "drafts", "guide", "intro.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Intro\n", string(data))
}

func TestWriteFile_CountsBudgetBeforeWriting(t *testing.T) {
	dir := t.TempDir()
	gov := budget.New(budget.Limits{MaxFileWrites: 1})
	g, err := New(dir, DefaultAllow, gov)
	require.NoError(t, err)

	_, err = g.WriteFile("artifacts/a.json", []byte("{}"))
	require.NoError(t, err)
	_, err = g.WriteFile("artifacts/b.json", []byte("{}"))
	assert.Equal(t, errs.CodeBudgetFileWrites, errs.CodeOf(err))
	_, statErr := os.Stat(filepath.Join(dir, "artifacts", "b.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteFile_RejectedPathDoesNotConsumeBudget(t *testing.T) {
	gov := budget.New(budget.Limits{MaxFileWrites: 5})
	g, err := New(t.TempDir(), DefaultAllow, gov)
	require.NoError(t, err)
	_, err = g.WriteFile("../x", nil)
	require.Error(t, err)
	assert.Equal(t, 0, gov.Usage().FileWrites)
}

func TestPublish(t *testing.T) {
	g, root := newGuard(t)
	staging := filepath.Join(root, ".staging", "repo_scout-1", "artifacts")
	require.NoError(t, os.MkdirAll(staging, 0755))
	src := filepath.Join(staging, "repo_inventory.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"files":[]}`), 0644))

	rel, err := g.Publish(src, "artifacts/repo_inventory.json")
	require.NoError(t, err)
	assert.Equal(t, "artifacts/repo_inventory.json", rel)
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{"artifacts/**", "drafts/*.md", "logs"})
	tests := []struct {
		rel  string
		want bool
	}{
		{"artifacts/a.json", true},
		{"artifacts/deep/b.json", true},
		{"drafts/intro.md", true},
		{"drafts/sub/intro.md", false},
		{"drafts/intro.txt", false},
		{"logs/gate_links.log", true},
		{"other/artifacts/a.json", false},
		{"../artifacts/a.json", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Match(tt.rel), tt.rel)
	}
	assert.False(t, NewMatcher(nil).Match("artifacts/a.json"))
}

func TestMatcher_CoversPattern(t *testing.T) {
	tests := []struct {
		grants  []string
		pattern string
		want    bool
	}{
		{[]string{"drafts/*.md"}, "drafts/*.md", true},
		{[]string{"drafts/**"}, "drafts/*.md", true},
		{[]string{"drafts"}, "drafts/*", true},
		{[]string{"**"}, "drafts/*", true},
		{[]string{"drafts/*"}, "drafts/*.md", true},
		{[]string{"drafts/*.md"}, "drafts/*", false},
		{[]string{"drafts/*.md"}, "drafts/**", false},
		{[]string{"drafts/?"}, "drafts/*", false},
		{[]string{"artifacts/**"}, "drafts/*.md", false},
		{[]string{"drafts/**/*.md"}, "drafts/guides/*.md", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NewMatcher(tt.grants).CoversPattern(tt.pattern), "%v covers %s", tt.grants, tt.pattern)
	}
	assert.True(t, HasMeta("drafts/*.md"))
	assert.False(t, HasMeta("artifacts/page_plan.json"))
}

func TestTrustBoundary(t *testing.T) {
	repo := t.TempDir()
	runDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "scripts"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "logs"), 0755))
	// A directory inside the run dir that links into the repo.
	require.NoError(t, os.Symlink(filepath.Join(repo, "scripts"), filepath.Join(runDir, "linked")))

	tb := NewTrustBoundary([]string{repo}, []string{runDir})

	assert.Equal(t, errs.CodeUntrustedExec, tb.CheckSpawn(repo).Code)
	assert.Equal(t, errs.CodeUntrustedExec, tb.CheckSpawn(filepath.Join(repo, "scripts")).Code)
	assert.Equal(t, errs.CodeUntrustedExec, tb.CheckSpawn(filepath.Join(runDir, "linked")).Code)
	assert.True(t, tb.CheckSpawn(filepath.Join(runDir, "logs")).Allowed)
	assert.Equal(t, errs.CodeUntrustedExec, tb.CheckSpawn(t.TempDir()).Code)

	_, err := tb.Command(context.Background(), repo, "true")
	assert.Equal(t, errs.CodeUntrustedExec, errs.CodeOf(err))
	cmd, err := tb.Command(context.Background(), filepath.Join(runDir, "logs"), "true")
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.Dir)
}

func TestTrustBoundary_UntrustedRootViaSymlink(t *testing.T) {
	real := t.TempDir()
	links := t.TempDir()
	link := filepath.Join(links, "repo")
	require.NoError(t, os.Symlink(real, link))

	tb := NewTrustBoundary([]string{link}, nil)
	assert.False(t, tb.CheckSpawn(real).Allowed)
	assert.False(t, tb.CheckSpawn(link).Allowed)
}
