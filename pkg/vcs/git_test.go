package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one committed file and returns its
// path. Tests are skipped when git is not installed.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitIn(t, dir, "init", "-b", "main")
	gitIn(t, dir, "config", "user.email", "test@example.com")
	gitIn(t, dir, "config", "user.name", "test")
	writeFile(t, dir, "README.md", "hello\n")
	gitIn(t, dir, "add", "-A")
	gitIn(t, dir, "commit", "-m", "initial")
	return dir
}

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newGit(t *testing.T, repo string, slots int) *Git {
	t.Helper()
	g, err := NewGit(context.Background(), repo, slots)
	require.NoError(t, err)
	return g
}

func TestNewGitResolvesMainline(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 2)
	assert.Equal(t, "main", g.mainRef)
}

func TestNewGitOutsideRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	_, err := NewGit(context.Background(), t.TempDir(), 2)
	assert.Error(t, err)
}

func TestCreateWorkspace(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 2)
	ctx := context.Background()

	path, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".worker-0"), path)
	assert.FileExists(t, filepath.Join(path, "README.md"))

	// Idempotent: a second call refreshes in place, discarding leftovers.
	writeFile(t, path, "scratch.txt", "leftover\n")
	again, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.NoFileExists(t, filepath.Join(path, "scratch.txt"))
}

func TestCreateWorkspaceReplacesForeignDirectory(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 2)
	ctx := context.Background()

	// Something that is not a worktree sits at the slot path.
	squatter := filepath.Join(repo, ".worker-1")
	require.NoError(t, os.MkdirAll(squatter, 0o755))

	path, err := g.CreateWorkspace(ctx, 1)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(path, "README.md"))
}

func TestDiffSummary(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 1)
	ctx := context.Background()

	ws, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)

	writeFile(t, ws, "README.md", "changed\n")
	writeFile(t, ws, "pkg/new.go", "package pkg\n")

	s, err := g.DiffSummary(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, s.Modified)
	assert.Equal(t, []string{"pkg/new.go"}, s.Added)
	assert.Empty(t, s.Deleted)
	assert.False(t, s.Empty())

	// Committed changes still count against the mainline base.
	gitIn(t, ws, "add", "-A")
	gitIn(t, ws, "commit", "-m", "work")
	s, err = g.DiffSummary(ctx, ws)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"README.md"}, s.Modified)
	assert.ElementsMatch(t, []string{"pkg/new.go"}, s.Added)

	removed := filepath.Join(ws, "README.md")
	require.NoError(t, os.Remove(removed))
	gitIn(t, ws, "add", "-A")
	gitIn(t, ws, "commit", "-m", "drop readme")
	s, err = g.DiffSummary(ctx, ws)
	require.NoError(t, err)
	assert.Contains(t, s.Deleted, "README.md")
}

func TestRestore(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 1)
	ctx := context.Background()

	ws, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)

	writeFile(t, ws, "README.md", "tampered\n")
	writeFile(t, ws, "rogue.txt", "outside the manifest\n")

	require.NoError(t, g.Restore(ctx, ws, []string{"README.md", "rogue.txt"}))

	content, err := os.ReadFile(filepath.Join(ws, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
	assert.NoFileExists(t, filepath.Join(ws, "rogue.txt"))
}

func TestCommit(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 1)
	ctx := context.Background()

	ws, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)

	// Nothing to commit yet.
	committed, err := g.Commit(ctx, ws, "steward(X-1): empty")
	require.NoError(t, err)
	assert.False(t, committed)

	writeFile(t, ws, "feature.go", "package feature\n")
	committed, err = g.Commit(ctx, ws, "steward(X-1): add feature")
	require.NoError(t, err)
	assert.True(t, committed)

	out := gitIn(t, ws, "log", "-1", "--format=%s")
	assert.Contains(t, out, "steward(X-1): add feature")
}

func TestSquashIntoMain(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 1)
	ctx := context.Background()

	ws, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)

	writeFile(t, ws, "feature.go", "package feature\n")
	committed, err := g.Commit(ctx, ws, "steward(X-1): add feature")
	require.NoError(t, err)
	require.True(t, committed)

	res, err := g.SquashIntoMain(ctx, ws)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Conflict)

	// The workspace's commit message made it onto the mainline.
	assert.FileExists(t, filepath.Join(repo, "feature.go"))
	out := gitIn(t, repo, "log", "-1", "--format=%s")
	assert.Contains(t, out, "steward(X-1): add feature")

	// Squashing the same workspace again is a no-op success.
	res, err = g.SquashIntoMain(ctx, ws)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestSquashConflict(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 1)
	ctx := context.Background()

	ws, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)

	// Both sides rewrite the same line.
	writeFile(t, ws, "README.md", "workspace version\n")
	committed, err := g.Commit(ctx, ws, "steward(X-1): workspace change")
	require.NoError(t, err)
	require.True(t, committed)

	writeFile(t, repo, "README.md", "mainline version\n")
	gitIn(t, repo, "add", "-A")
	gitIn(t, repo, "commit", "-m", "mainline change")

	res, err := g.SquashIntoMain(ctx, ws)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.Conflict)

	// The mainline working copy was left clean.
	out := gitIn(t, repo, "status", "--porcelain")
	assert.Empty(t, out)
	content, err := os.ReadFile(filepath.Join(repo, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "mainline version\n", string(content))
}

func TestMainContains(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 1)
	ctx := context.Background()

	found, err := g.MainContains(ctx, "steward(X-1):")
	require.NoError(t, err)
	assert.False(t, found)

	writeFile(t, repo, "done.txt", "x\n")
	gitIn(t, repo, "add", "-A")
	gitIn(t, repo, "commit", "-m", "steward(X-1): finish the thing")

	found, err = g.MainContains(ctx, "steward(X-1):")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRetireWorkspace(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 1)
	ctx := context.Background()

	ws, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)
	writeFile(t, ws, "conflicted.go", "package conflicted\n")
	committed, err := g.Commit(ctx, ws, "steward(X-1): conflicted work")
	require.NoError(t, err)
	require.True(t, committed)

	kept, err := g.RetireWorkspace(ctx, 0, "X-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".conflict-X-1"), kept)
	assert.NoDirExists(t, ws)
	assert.FileExists(t, filepath.Join(kept, "conflicted.go"))

	// The slot rebuilds cleanly and the preserved tree survives both the
	// rebuild and the orphan scan.
	fresh, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(fresh, "conflicted.go"))
	assert.FileExists(t, filepath.Join(kept, "conflicted.go"))

	orphans, err := g.ListOrphanWorkspaces(ctx)
	require.NoError(t, err)
	assert.NotContains(t, orphans, kept)

	// A second conflict for the same issue gets a distinct name.
	writeFile(t, fresh, "conflicted.go", "package conflicted2\n")
	committed, err = g.Commit(ctx, fresh, "steward(X-1): second try")
	require.NoError(t, err)
	require.True(t, committed)
	again, err := g.RetireWorkspace(ctx, 0, "X-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".conflict-X-1-2"), again)
}

func TestRetireWorkspaceMissing(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 1)
	_, err := g.RetireWorkspace(context.Background(), 0, "X-1")
	assert.Error(t, err)
}

func TestListOrphanWorkspaces(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 2)
	ctx := context.Background()

	_, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)

	// Workspaces beyond the slot range are orphans from a previous run
	// with more workers.
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".worker-7"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".worker-junk"), 0o755))

	orphans, err := g.ListOrphanWorkspaces(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(repo, ".worker-7"),
		filepath.Join(repo, ".worker-junk"),
	}, orphans)
}

func TestRemoveWorkspace(t *testing.T) {
	repo := initRepo(t)
	g := newGit(t, repo, 1)
	ctx := context.Background()

	ws, err := g.CreateWorkspace(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, g.RemoveWorkspace(ctx, ws))
	assert.NoDirExists(t, ws)

	// Removing a plain directory git does not know about also works.
	plain := filepath.Join(repo, ".worker-9")
	require.NoError(t, os.MkdirAll(plain, 0o755))
	require.NoError(t, g.RemoveWorkspace(ctx, plain))
	assert.NoDirExists(t, plain)
}
