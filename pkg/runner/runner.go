// Package runner spawns agent subprocesses and exposes their stdout as a
// stream of line events, enforcing idle and wall timeouts with a
// SIGTERM-grace-SIGKILL escalation.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardproject/steward/pkg/log"
)

// stderrTailLimit bounds the stderr tail attached to the exit event.
const stderrTailLimit = 16 * 1024

// maxLineBytes bounds a single stdout line.
const maxLineBytes = 1024 * 1024

// ExitReason classifies why the subprocess stream ended.
type ExitReason string

const (
	ExitNatural  ExitReason = "natural"
	ExitTimeout  ExitReason = "timeout"
	ExitIdle     ExitReason = "idle_timeout"
	ExitKilled   ExitReason = "killed"
	ExitCanceled ExitReason = "canceled"
)

// Timeouted reports whether the reason was one of the runner's timeouts.
func (r ExitReason) Timeouted() bool {
	return r == ExitTimeout || r == ExitIdle
}

// EventKind distinguishes stream lines from the terminal exit event.
type EventKind string

const (
	EventLine EventKind = "line"
	EventExit EventKind = "exit"
)

// Event is one item of the subprocess stream. The stream yields zero or
// more EventLine items followed by exactly one EventExit.
type Event struct {
	Kind EventKind
	Line string
	Exit *ExitInfo
}

// ExitInfo describes subprocess termination.
type ExitInfo struct {
	Reason     ExitReason
	Code       int
	StderrTail string
}

// Spec describes a subprocess invocation.
type Spec struct {
	Argv        []string
	Dir         string
	Env         []string
	IdleTimeout time.Duration // no-output timeout; 0 disables
	WallTimeout time.Duration // total runtime timeout; 0 disables
	Grace       time.Duration // SIGTERM to SIGKILL delay
}

// Process is a running subprocess with a streaming event channel.
type Process struct {
	events <-chan Event
	cancel context.CancelFunc
}

// Events returns the stream. It is closed after the exit event.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Cancel requests termination. At the child level this is identical to a
// timeout (SIGTERM, grace, SIGKILL) but is classified as canceled in the
// exit event.
func (p *Process) Cancel() {
	p.cancel()
}

// Start launches the subprocess described by spec. The returned Process
// streams stdout line events until exit; ctx cancellation behaves like
// Cancel.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	if spec.Grace <= 0 {
		spec.Grace = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// Own process group so the kill escalation reaches grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	tail := newTailBuffer(stderrTailLimit)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Argv[0], err)
	}

	events := make(chan Event, 64)
	p := &Process{events: events, cancel: cancel}
	logger := log.WithComponent("runner")

	// activity carries one token per stdout line for the idle timer.
	activity := make(chan struct{}, 1)
	lines := make(chan string, 64)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case activity <- struct{}{}:
			default:
			}
			lines <- scanner.Text()
		}
	}()

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	go supervise(ctx, cmd, spec, logger, events, activity, lines, waitDone, tail)

	return p, nil
}

// supervise pumps lines to the event channel, arms the timeouts, and
// produces the terminal exit event.
func supervise(ctx context.Context, cmd *exec.Cmd, spec Spec, logger zerolog.Logger,
	events chan<- Event, activity <-chan struct{}, lines chan string,
	waitDone <-chan error, tail *tailBuffer) {

	defer close(events)

	// pending keeps the original channel so buffered output can still be
	// drained after the select below stops watching it.
	pending := lines

	var wallC <-chan time.Time
	if spec.WallTimeout > 0 {
		wallTimer := time.NewTimer(spec.WallTimeout)
		defer wallTimer.Stop()
		wallC = wallTimer.C
	}

	var idleTimer *time.Timer
	var idleC <-chan time.Time
	if spec.IdleTimeout > 0 {
		idleTimer = time.NewTimer(spec.IdleTimeout)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	reason := ExitNatural
	var waitErr error
	exited := false

	for !exited {
		select {
		case line, ok := <-lines:
			if !ok {
				// stdout closed; wait for process exit.
				lines = nil
				continue
			}
			events <- Event{Kind: EventLine, Line: line}
		case <-activity:
			if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(spec.IdleTimeout)
			}
		case <-wallC:
			reason = ExitTimeout
			wallC = nil
			go kill(cmd, spec.Grace, logger)
		case <-idleC:
			reason = ExitIdle
			idleC = nil
			go kill(cmd, spec.Grace, logger)
		case <-ctx.Done():
			if reason == ExitNatural {
				reason = ExitCanceled
			}
			ctx = noCtx{}
			go kill(cmd, spec.Grace, logger)
		case waitErr = <-waitDone:
			exited = true
		}
	}

	// Drain remaining buffered stdout before the exit event. The pipe is
	// closed once the process is gone, so the reader goroutine finishes
	// and closes the channel.
	for line := range pending {
		events <- Event{Kind: EventLine, Line: line}
	}

	code := exitCode(waitErr)
	if reason == ExitNatural && waitErr != nil && killedBySignal(waitErr) {
		reason = ExitKilled
	}

	events <- Event{Kind: EventExit, Exit: &ExitInfo{
		Reason:     reason,
		Code:       code,
		StderrTail: tail.String(),
	}}
}

// kill delivers SIGTERM to the process group, waits the grace period, then
// SIGKILLs anything still alive.
func kill(cmd *exec.Cmd, grace time.Duration, logger zerolog.Logger) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("SIGTERM failed")
	}
	time.Sleep(grace)
	if err := syscall.Kill(pgid, syscall.SIGKILL); err == nil {
		logger.Warn().Int("pid", cmd.Process.Pid).Msg("process survived grace period, killed")
	}
}

// exitCode extracts the child's exit code from cmd.Wait's error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// killedBySignal reports whether the child died to a signal it did not
// handle.
func killedBySignal(err error) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}

// noCtx is a never-done context used to disarm the cancellation case after
// it has fired once.
type noCtx struct{}

func (noCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noCtx) Done() <-chan struct{}       { return nil }
func (noCtx) Err() error                  { return nil }
func (noCtx) Value(interface{}) interface{} {
	return nil
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
