package transcript

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardproject/steward/pkg/events"
	"github.com/stewardproject/steward/pkg/types"
)

func openStore(t *testing.T, bus *events.Bus) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), bus)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := openStore(t, nil)

	id, err := s.OpenSession("X-1", 1)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.LogEvent(id, types.TranscriptStdout, json.RawMessage(`{"text":"compiling"}`)))
	require.NoError(t, s.LogEvent(id, types.TranscriptToolUse, json.RawMessage(`{"name":"grep"}`)))
	require.NoError(t, s.LogEvent(id, types.TranscriptExit, json.RawMessage(`{"reason":"natural"}`)))

	evs, err := s.Events(id)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, uint64(3), evs[2].Seq)
	assert.Equal(t, types.TranscriptStdout, evs[0].Kind)
	assert.Equal(t, types.TranscriptExit, evs[2].Kind)
	assert.JSONEq(t, `{"name":"grep"}`, string(evs[1].Payload))
}

func TestLogEventUnknownSession(t *testing.T) {
	s := openStore(t, nil)
	err := s.LogEvent("no-such-session", types.TranscriptStdout, nil)
	assert.Error(t, err)
}

func TestTail(t *testing.T) {
	s := openStore(t, nil)

	id, err := s.OpenSession("X-1", 1)
	require.NoError(t, err)

	for i := 0; i < tailLimit+20; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"text":"line %d"}`, i))
		require.NoError(t, s.LogEvent(id, types.TranscriptStdout, payload))
	}

	tail := s.Tail(id)
	require.Len(t, tail, tailLimit)
	assert.Equal(t, uint64(21), tail[0].Seq)
	assert.Equal(t, uint64(tailLimit+20), tail[len(tail)-1].Seq)

	// The durable log keeps everything.
	all, err := s.Events(id)
	require.NoError(t, err)
	assert.Len(t, all, tailLimit+20)

	// Closing the session drops only the in-memory tail.
	s.CloseSession(id)
	assert.Nil(t, s.Tail(id))
	all, err = s.Events(id)
	require.NoError(t, err)
	assert.Len(t, all, tailLimit+20)
}

func TestLastEvents(t *testing.T) {
	s := openStore(t, nil)

	id, err := s.OpenSession("X-1", 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.LogEvent(id, types.TranscriptStdout, nil))
	}

	last, err := s.LastEvents(id, 3)
	require.NoError(t, err)
	require.Len(t, last, 3)
	assert.Equal(t, uint64(8), last[0].Seq)
	assert.Equal(t, uint64(10), last[2].Seq)
}

func TestSessionsForIssue(t *testing.T) {
	s := openStore(t, nil)

	// Open out of attempt order, interleaved with another issue.
	_, err := s.OpenSession("X-1", 2)
	require.NoError(t, err)
	_, err = s.OpenSession("X-2", 1)
	require.NoError(t, err)
	_, err = s.OpenSession("X-1", 1)
	require.NoError(t, err)

	sessions, err := s.SessionsForIssue("X-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, 1, sessions[0].Attempt)
	assert.Equal(t, 2, sessions[1].Attempt)
}

func TestRepublishOnBus(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	s := openStore(t, bus)

	sub := bus.Subscribe(events.SessionTopic("X-1"))

	id, err := s.OpenSession("X-1", 1)
	require.NoError(t, err)
	require.NoError(t, s.LogEvent(id, types.TranscriptToolUse, json.RawMessage(`{"name":"bash"}`)))

	ev := <-sub.C
	assert.Equal(t, string(types.TranscriptToolUse), ev.Type)
	logged, ok := ev.Data.(types.TranscriptEvent)
	require.True(t, ok)
	assert.Equal(t, uint64(1), logged.Seq)
}

func TestPrune(t *testing.T) {
	s := openStore(t, nil)

	first, err := s.OpenSession("X-1", 1)
	require.NoError(t, err)
	require.NoError(t, s.LogEvent(first, types.TranscriptStdout, nil))
	second, err := s.OpenSession("X-2", 1)
	require.NoError(t, err)

	// A cutoff in the past prunes nothing.
	n, err := s.Prune(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// A cutoff in the future prunes both sessions and their events.
	n, err = s.Prune(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Events(first)
	assert.Error(t, err)
	_, err = s.Events(second)
	assert.Error(t, err)

	sessions, err := s.RecentSessions(10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
