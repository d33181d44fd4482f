package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardproject/steward/pkg/types"
)

func writeRecords(t *testing.T, path string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// stubBin writes an executable shell script standing in for the tracker CLI.
func stubBin(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bd")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestRefreshParsesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeRecords(t, path,
		`{"id":"X-1","title":"first","status":"open","priority":2}`,
		`this line is not json`,
		`{"id":"X-2","title":"second","status":"open","priority":1}`,
		`{"title":"no id","status":"open"}`,
		`{"id":"X-1","title":"first revised","status":"in-progress","priority":2}`,
		`{"id":"X-2","deleted":true}`,
	)

	c := New("bd", path)
	require.NoError(t, c.Refresh())

	all := c.All()
	require.Len(t, all, 1)
	assert.Equal(t, "X-1", all[0].ID)
	// The later record superseded the first one.
	assert.Equal(t, "first revised", all[0].Title)
	assert.Equal(t, types.IssueStatusInProgress, all[0].Status)

	_, ok := c.Get("X-2")
	assert.False(t, ok)
}

func TestRefreshMissingFile(t *testing.T) {
	c := New("bd", filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.Error(t, c.Refresh())
}

func TestRefreshRateLimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeRecords(t, path, `{"id":"X-1","title":"t","status":"open"}`)

	c := New("bd", path)
	require.NoError(t, c.Refresh())
	assert.False(t, c.Changed())

	// An immediate second refresh is deferred, and the dirty flag is
	// re-armed so the caller retries on a later iteration.
	require.NoError(t, c.Refresh())
	assert.True(t, c.Changed())
}

func TestListReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeRecords(t, path,
		`{"id":"X-1","title":"free","status":"open"}`,
		`{"id":"X-2","title":"blocked by open","status":"open","blockers":["X-1"]}`,
		`{"id":"X-3","title":"blocked by closed","status":"open","blockers":["X-4"]}`,
		`{"id":"X-4","title":"done","status":"closed"}`,
		`{"id":"X-5","title":"blocker unknown","status":"open","blockers":["X-404"]}`,
	)

	c := New("bd", path)
	require.NoError(t, c.Refresh())

	ready := c.ListReady()
	ids := make([]string, len(ready))
	for i, issue := range ready {
		ids[i] = issue.ID
	}
	// X-2 waits on the open X-1; X-4 is closed; a blocker that never
	// appears in the file does not block.
	assert.Equal(t, []string{"X-1", "X-3", "X-5"}, ids)
}

func TestGetReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeRecords(t, path, `{"id":"X-1","title":"t","status":"open","blockers":["X-2"]}`)

	c := New("bd", path)
	require.NoError(t, c.Refresh())

	first, ok := c.Get("X-1")
	require.True(t, ok)
	first.Title = "mutated"
	first.Blockers[0] = "mutated"

	second, ok := c.Get("X-1")
	require.True(t, ok)
	assert.Equal(t, "t", second.Title)
	assert.Equal(t, "X-2", second.Blockers[0])
}

func TestCreate(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := stubBin(t, `echo "$@" > `+argsFile+`; echo "Created X-7"`)

	c := New(bin, filepath.Join(t.TempDir(), "issues.jsonl"))
	id, err := c.Create(context.Background(), "add retries", CreateOpts{
		Body:     "details",
		Priority: 2,
		Labels:   []string{"planner"},
	})
	require.NoError(t, err)
	assert.Equal(t, "X-7", id)
	assert.True(t, c.Changed())

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := string(raw)
	assert.Contains(t, args, "create add retries")
	assert.Contains(t, args, "--body details")
	assert.Contains(t, args, "--priority 2")
	assert.Contains(t, args, "--label planner")
}

func TestCreateNoIDInOutput(t *testing.T) {
	bin := stubBin(t, `exit 0`)
	c := New(bin, filepath.Join(t.TempDir(), "issues.jsonl"))
	_, err := c.Create(context.Background(), "title", CreateOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id")
}

func TestCommandFailureSurfacesStderr(t *testing.T) {
	bin := stubBin(t, `echo "issue is locked" >&2; exit 1`)
	c := New(bin, filepath.Join(t.TempDir(), "issues.jsonl"))
	err := c.Comment(context.Background(), "X-1", "steward", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issue is locked")
}

func TestCommentFoldsIntoMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeRecords(t, path, `{"id":"X-1","title":"t","status":"open"}`)
	bin := stubBin(t, `exit 0`)

	c := New(bin, path)
	require.NoError(t, c.Refresh())
	require.NoError(t, c.Comment(context.Background(), "X-1", "reviewer", "needs tests"))

	issue, ok := c.Get("X-1")
	require.True(t, ok)
	require.Len(t, issue.Comments, 1)
	assert.Equal(t, "reviewer", issue.Comments[0].Author)
	assert.Equal(t, "needs tests", issue.Comments[0].Body)
}

func TestUpdatePartialFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeRecords(t, path, `{"id":"X-1","title":"t","description":"old","status":"open","priority":3}`)
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := stubBin(t, `echo "$@" > `+argsFile)

	c := New(bin, path)
	require.NoError(t, c.Refresh())

	title := "new title"
	priority := 1
	require.NoError(t, c.Update(context.Background(), "X-1", UpdateFields{
		Title:    &title,
		Priority: &priority,
	}))

	issue, ok := c.Get("X-1")
	require.True(t, ok)
	assert.Equal(t, "new title", issue.Title)
	assert.Equal(t, 1, issue.Priority)
	// Untouched fields keep their values.
	assert.Equal(t, "old", issue.Description)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "--description")
}

func TestUpdateNoFieldsIsNoOp(t *testing.T) {
	// The stub would fail if invoked.
	bin := stubBin(t, `exit 1`)
	c := New(bin, filepath.Join(t.TempDir(), "issues.jsonl"))
	assert.NoError(t, c.Update(context.Background(), "X-1", UpdateFields{}))
}

func TestCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeRecords(t, path, `{"id":"X-1","title":"t","status":"closed"}`)
	// The stub would fail if invoked; an already-closed issue never
	// reaches the CLI.
	bin := stubBin(t, `exit 1`)

	c := New(bin, path)
	require.NoError(t, c.Refresh())
	assert.NoError(t, c.Close(context.Background(), "X-1"))
}

func TestClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeRecords(t, path, `{"id":"X-1","title":"t","status":"open"}`)
	bin := stubBin(t, `exit 0`)

	c := New(bin, path)
	require.NoError(t, c.Refresh())
	require.NoError(t, c.Close(context.Background(), "X-1"))

	issue, ok := c.Get("X-1")
	require.True(t, ok)
	assert.Equal(t, types.IssueStatusClosed, issue.Status)
}

func TestParseCreatedID(t *testing.T) {
	assert.Equal(t, "X-7", parseCreatedID("X-7\n"))
	assert.Equal(t, "X-7", parseCreatedID("Created X-7\n"))
	assert.Equal(t, "", parseCreatedID("  \n"))
}

func TestWatchMarksDirty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issues.jsonl")
	writeRecords(t, path, `{"id":"X-1","title":"t","status":"open"}`)

	c := New("bd", path)
	require.NoError(t, c.Refresh())
	require.False(t, c.Changed())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx))

	// Writes to an unrelated file in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.False(t, c.Changed())

	writeRecords(t, path, `{"id":"X-2","title":"u","status":"open"}`)
	assert.Eventually(t, c.Changed, 2*time.Second, 20*time.Millisecond)
}
