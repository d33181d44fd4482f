package control

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardproject/steward/pkg/types"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Request{Op: OpInspect, Args: []byte(`{"id":"X-1"}`)}
	require.NoError(t, WriteFrame(&buf, in))

	var out Request
	require.NoError(t, ReadFrame(&buf, &out))
	assert.Equal(t, in.Op, out.Op)
	assert.JSONEq(t, string(in.Args), string(out.Args))
}

func TestReadFrameRejectsOversized(t *testing.T) {
	// Header claims more than the frame limit.
	hdr := []byte{0xff, 0xff, 0xff, 0xff}
	err := ReadFrame(bytes.NewReader(hdr), &Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame too large")
}

// stubHandler is a scriptable control handler for server tests.
type stubHandler struct {
	mu       sync.Mutex
	paused   bool
	issues   map[string]*types.IssueRecord
	commands []types.CommandRecord
	filedID  string
}

func newStubHandler() *stubHandler {
	return &stubHandler{issues: make(map[string]*types.IssueRecord), filedID: "X-9"}
}

func (h *stubHandler) Status(ctx context.Context) (*StatusData, error) {
	return &StatusData{Running: true, Iteration: 7, IssuesByPhase: map[string]int{"pending": 2}}, nil
}

func (h *stubHandler) DegradedStatus() *StatusData {
	return &StatusData{Running: true}
}

func (h *stubHandler) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused {
		return ErrAlreadyPaused
	}
	h.paused = true
	return nil
}

func (h *stubHandler) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused {
		return ErrNotPaused
	}
	h.paused = false
	return nil
}

func (h *stubHandler) Interrupt() error { return nil }

func (h *stubHandler) FileIssue(ctx context.Context, args FileArgs) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.issues[h.filedID] = &types.IssueRecord{Issue: types.Issue{ID: h.filedID, Title: args.Title}}
	return h.filedID, nil
}

func (h *stubHandler) CommentIssue(ctx context.Context, args CommentArgs) error {
	if _, ok := h.issues[args.ID]; !ok {
		return ErrNotFound
	}
	return nil
}

func (h *stubHandler) UpdateIssue(ctx context.Context, args UpdateArgs) error { return nil }

func (h *stubHandler) InspectIssue(id string) (*types.IssueRecord, error) {
	rec, ok := h.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (h *stubHandler) ListIssues(args ListArgs) ([]IssueSummary, error) {
	var out []IssueSummary
	for _, rec := range h.issues {
		out = append(out, IssueSummary{ID: rec.Issue.ID, Title: rec.Issue.Title, Phase: rec.Phase})
	}
	return out, nil
}

func (h *stubHandler) RecordCommand(rec types.CommandRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, rec)
}

func startServer(t *testing.T) (*stubHandler, *Client) {
	t.Helper()
	handler := newStubHandler()
	path := filepath.Join(t.TempDir(), "control.sock")

	srv := NewServer(path, handler)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	client, err := Dial(path)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return handler, client
}

func TestServerStatus(t *testing.T) {
	_, client := startServer(t)

	data, resp, err := client.Status()
	require.NoError(t, err)
	require.True(t, resp.OK)
	assert.True(t, data.Running)
	assert.False(t, data.Degraded)
	assert.Equal(t, uint64(7), data.Iteration)
	assert.Equal(t, 2, data.IssuesByPhase["pending"])
}

func TestServerPauseResume(t *testing.T) {
	handler, client := startServer(t)

	resp, err := client.Pause()
	require.NoError(t, err)
	assert.True(t, resp.OK)

	resp, err = client.Pause()
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrKindAlreadyPaused, resp.Error)

	resp, err = client.Resume()
	require.NoError(t, err)
	assert.True(t, resp.OK)

	resp, err = client.Resume()
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrKindNotPaused, resp.Error)

	// Only the two accepted mutations were audited.
	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.commands, 2)
	assert.Equal(t, OpPause, handler.commands[0].Op)
	assert.Equal(t, OpResume, handler.commands[1].Op)
	assert.NotEmpty(t, handler.commands[0].ID)
}

func TestServerFileAndInspect(t *testing.T) {
	_, client := startServer(t)

	id, resp, err := client.FileIssue(FileArgs{Title: "add retry metrics"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	assert.Equal(t, "X-9", id)

	rec, resp, err := client.InspectIssue(id)
	require.NoError(t, err)
	require.True(t, resp.OK)
	assert.Equal(t, "add retry metrics", rec.Issue.Title)
}

func TestServerInspectNotFound(t *testing.T) {
	_, client := startServer(t)

	_, resp, err := client.InspectIssue("X-404")
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrKindNotFound, resp.Error)
}

func TestServerInvalidRequests(t *testing.T) {
	_, client := startServer(t)

	resp, err := client.Do(OpFile, FileArgs{})
	require.NoError(t, err)
	assert.Equal(t, ErrKindInvalidRequest, resp.Error)

	resp, err = client.CommentIssue(CommentArgs{ID: "X-1"})
	require.NoError(t, err)
	assert.Equal(t, ErrKindInvalidRequest, resp.Error)

	resp, err = client.Do("reboot", nil)
	require.NoError(t, err)
	assert.Equal(t, ErrKindUnknownOp, resp.Error)
}

func TestServerList(t *testing.T) {
	_, client := startServer(t)

	_, _, err := client.FileIssue(FileArgs{Title: "one"})
	require.NoError(t, err)

	summaries, resp, err := client.ListIssues(ListArgs{})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Len(t, summaries, 1)
	assert.Equal(t, "one", summaries[0].Title)
}

func TestServerRefusesSecondInstance(t *testing.T) {
	handler := newStubHandler()
	path := filepath.Join(t.TempDir(), "control.sock")

	first := NewServer(path, handler)
	require.NoError(t, first.Start())
	defer first.Stop()

	second := NewServer(path, handler)
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already listening")
}

func TestServerReplacesStaleSocket(t *testing.T) {
	handler := newStubHandler()
	path := filepath.Join(t.TempDir(), "control.sock")

	// Leave a socket file behind with nothing listening on it, as a
	// crashed engine would.
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()

	srv := NewServer(path, handler)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client, err := Dial(path)
	require.NoError(t, err)
	defer client.Close()
	_, resp, err := client.Status()
	require.NoError(t, err)
	assert.True(t, resp.OK)
}
