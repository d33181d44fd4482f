package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains the stream into its lines and the exit event.
func collect(t *testing.T, p *Process) ([]string, *ExitInfo) {
	t.Helper()
	var lines []string
	var exit *ExitInfo
	for ev := range p.Events() {
		switch ev.Kind {
		case EventLine:
			lines = append(lines, ev.Line)
		case EventExit:
			exit = ev.Exit
		}
	}
	require.NotNil(t, exit, "stream ended without an exit event")
	return lines, exit
}

func shell(script string) Spec {
	return Spec{Argv: []string{"/bin/sh", "-c", script}, Grace: 100 * time.Millisecond}
}

func TestNaturalExit(t *testing.T) {
	spec := shell(`echo one; echo two; echo three`)
	p, err := Start(context.Background(), spec)
	require.NoError(t, err)

	lines, exit := collect(t, p)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
	assert.Equal(t, ExitNatural, exit.Reason)
	assert.Equal(t, 0, exit.Code)
}

func TestNonZeroExitCode(t *testing.T) {
	p, err := Start(context.Background(), shell(`echo failing >&2; exit 75`))
	require.NoError(t, err)

	_, exit := collect(t, p)
	assert.Equal(t, ExitNatural, exit.Reason)
	assert.Equal(t, 75, exit.Code)
	assert.Contains(t, exit.StderrTail, "failing")
}

func TestWallTimeout(t *testing.T) {
	spec := shell(`echo started; sleep 30`)
	spec.WallTimeout = 200 * time.Millisecond

	p, err := Start(context.Background(), spec)
	require.NoError(t, err)

	lines, exit := collect(t, p)
	assert.Equal(t, []string{"started"}, lines)
	assert.Equal(t, ExitTimeout, exit.Reason)
	assert.True(t, exit.Reason.Timeouted())
}

func TestIdleTimeout(t *testing.T) {
	// Output keeps flowing for a while, then the process goes quiet.
	spec := shell(`for i in 1 2 3; do echo tick; sleep 0.05; done; sleep 30`)
	spec.IdleTimeout = 300 * time.Millisecond

	p, err := Start(context.Background(), spec)
	require.NoError(t, err)

	lines, exit := collect(t, p)
	assert.Equal(t, []string{"tick", "tick", "tick"}, lines)
	assert.Equal(t, ExitIdle, exit.Reason)
}

func TestIdleTimeoutResetByOutput(t *testing.T) {
	// Each line lands inside the idle window, so the process finishes
	// naturally even though its total runtime exceeds the window.
	spec := shell(`for i in 1 2 3 4; do echo tick; sleep 0.1; done`)
	spec.IdleTimeout = 250 * time.Millisecond

	p, err := Start(context.Background(), spec)
	require.NoError(t, err)

	lines, exit := collect(t, p)
	assert.Len(t, lines, 4)
	assert.Equal(t, ExitNatural, exit.Reason)
}

func TestCancel(t *testing.T) {
	p, err := Start(context.Background(), shell(`echo up; sleep 30`))
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		p.Cancel()
	}()

	_, exit := collect(t, p)
	assert.Equal(t, ExitCanceled, exit.Reason)
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, shell(`sleep 30`))
	require.NoError(t, err)

	cancel()
	_, exit := collect(t, p)
	assert.Equal(t, ExitCanceled, exit.Reason)
}

func TestBufferedOutputDrainedAfterExit(t *testing.T) {
	// A burst right before exit must not be lost to the exit race.
	spec := shell(`for i in $(seq 1 200); do echo "line $i"; done`)
	p, err := Start(context.Background(), spec)
	require.NoError(t, err)

	lines, exit := collect(t, p)
	assert.Len(t, lines, 200)
	assert.Equal(t, "line 200", lines[len(lines)-1])
	assert.Equal(t, ExitNatural, exit.Reason)
}

func TestStderrTailTruncated(t *testing.T) {
	// Write well past the tail limit; only the end survives.
	spec := shell(`for i in $(seq 1 2000); do echo "stderr filler $i" >&2; done; echo END-MARK >&2`)
	p, err := Start(context.Background(), spec)
	require.NoError(t, err)

	_, exit := collect(t, p)
	assert.LessOrEqual(t, len(exit.StderrTail), stderrTailLimit)
	assert.Contains(t, exit.StderrTail, "END-MARK")
	assert.NotContains(t, exit.StderrTail, "stderr filler 1\n")
}

func TestEmptyArgv(t *testing.T) {
	_, err := Start(context.Background(), Spec{})
	assert.Error(t, err)
}

func TestMissingBinary(t *testing.T) {
	_, err := Start(context.Background(), Spec{Argv: []string{"/no/such/binary"}})
	assert.Error(t, err)
}
