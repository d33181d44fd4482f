// Package engine wires the subsystems together and runs the scheduler
// loop: a single goroutine that owns all state-store writes, dispatches
// ready issues to idle worker slots, and advances the issue lifecycle as
// slot drivers report completions.
package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stewardproject/steward/pkg/config"
	"github.com/stewardproject/steward/pkg/control"
	"github.com/stewardproject/steward/pkg/events"
	"github.com/stewardproject/steward/pkg/log"
	"github.com/stewardproject/steward/pkg/pool"
	"github.com/stewardproject/steward/pkg/state"
	"github.com/stewardproject/steward/pkg/tracker"
	"github.com/stewardproject/steward/pkg/transcript"
	"github.com/stewardproject/steward/pkg/types"
	"github.com/stewardproject/steward/pkg/vcs"
)

// Version is stamped at build time.
var Version = "dev"

// Options adjust one engine run.
type Options struct {
	// MaxIterations stops the loop after N iterations; 0 means run until
	// shutdown.
	MaxIterations uint64
	// OnlyIssue restricts dispatch to a single issue id.
	OnlyIssue string
	// DryRun logs dispatch decisions without starting agents.
	DryRun bool
	// NoPlanner and NoQuality disable the meta-passes for this run.
	NoPlanner bool
	NoQuality bool
}

// command is a deferred mutation applied by the loop between iterations.
type command func(*Engine)

// statusRequest asks the loop for a live status snapshot.
type statusRequest struct {
	reply chan *control.StatusData
}

// Engine owns every subsystem handle and the loop-private state.
type Engine struct {
	cfg    *config.Config
	opts   Options
	logger zerolog.Logger

	store       *state.Store
	trk         tracker.Adapter
	gateway     vcs.Gateway
	transcripts *transcript.Store
	bus         *events.Bus
	pool        *pool.Pool

	instance  types.EngineInstance
	startedAt time.Time

	// Loop-private; no other goroutine touches these.
	issues    map[string]*types.IssueRecord
	counters  types.Counters
	iteration uint64
	stopping  bool

	paused  atomic.Bool
	running atomic.Bool

	commands  chan command
	statusReq chan statusRequest
	wakeup    chan struct{}
	done      chan struct{}

	statusMu     sync.RWMutex
	cachedStatus *control.StatusData
}

// New assembles an engine from its subsystems.
func New(cfg *config.Config, opts Options, store *state.Store, trk tracker.Adapter,
	gateway vcs.Gateway, transcripts *transcript.Store, bus *events.Bus) *Engine {

	hostname, _ := os.Hostname()
	e := &Engine{
		cfg:         cfg,
		opts:        opts,
		logger:      log.WithComponent("engine"),
		store:       store,
		trk:         trk,
		gateway:     gateway,
		transcripts: transcripts,
		bus:         bus,
		pool:        pool.New(cfg, gateway, transcripts, store),
		instance: types.EngineInstance{
			InstanceID: uuid.New().String(),
			Hostname:   hostname,
			PID:        os.Getpid(),
			Version:    Version,
			StartedAt:  time.Now(),
		},
		startedAt: time.Now(),
		issues:    make(map[string]*types.IssueRecord),
		commands:  make(chan command, 64),
		statusReq: make(chan statusRequest, 4),
		wakeup:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	e.cachedStatus = e.emptyStatus()
	return e
}

// Pool exposes the worker pool, mainly for tests.
func (e *Engine) Pool() *pool.Pool {
	return e.pool
}

// Instance returns this run's identity record.
func (e *Engine) Instance() types.EngineInstance {
	return e.instance
}

// wake nudges the loop out of its sleep.
func (e *Engine) wake() {
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

// enqueue defers a mutation to the loop. Blocks only if the command queue
// is full, which means the loop is far behind.
func (e *Engine) enqueue(cmd command) {
	e.commands <- cmd
	e.wake()
}

// Shutdown asks the loop to stop: pause, drain in-flight work, persist,
// exit. It does not wait; use Done to observe completion.
func (e *Engine) Shutdown() {
	e.enqueue(func(e *Engine) {
		e.stopping = true
	})
}

// Done is closed when the loop has fully stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Control handler implementation. Pause and resume flip the atomic flag
// synchronously so callers get exact already_paused / not_paused answers;
// the loop observes the flag at its pause gate.

func (e *Engine) Pause() error {
	if !e.paused.CompareAndSwap(false, true) {
		return control.ErrAlreadyPaused
	}
	e.logger.Info().Msg("paused")
	e.wake()
	return nil
}

func (e *Engine) Resume() error {
	if !e.paused.CompareAndSwap(true, false) {
		return control.ErrNotPaused
	}
	e.logger.Info().Msg("resumed")
	e.wake()
	return nil
}

func (e *Engine) Interrupt() error {
	e.logger.Info().Msg("interrupting all busy slots")
	e.pool.CancelAll()
	e.wake()
	return nil
}

func (e *Engine) Status(ctx context.Context) (*control.StatusData, error) {
	req := statusRequest{reply: make(chan *control.StatusData, 1)}
	select {
	case e.statusReq <- req:
		e.wake()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case data := <-req.reply:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) DegradedStatus() *control.StatusData {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	snapshot := *e.cachedStatus
	return &snapshot
}

func (e *Engine) FileIssue(ctx context.Context, args control.FileArgs) (string, error) {
	return e.trk.Create(ctx, args.Title, tracker.CreateOpts{
		Body:     args.Body,
		Priority: args.Priority,
		Labels:   args.Labels,
	})
}

func (e *Engine) CommentIssue(ctx context.Context, args control.CommentArgs) error {
	author := args.Author
	if author == "" {
		author = "operator"
	}
	return e.trk.Comment(ctx, args.ID, author, args.Body)
}

func (e *Engine) UpdateIssue(ctx context.Context, args control.UpdateArgs) error {
	return e.trk.Update(ctx, args.ID, args.Fields)
}

func (e *Engine) InspectIssue(id string) (*types.IssueRecord, error) {
	rec, err := e.store.GetIssue(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, control.ErrNotFound
	}
	return rec, nil
}

func (e *Engine) ListIssues(args control.ListArgs) ([]control.IssueSummary, error) {
	records, err := e.store.ListIssues()
	if err != nil {
		return nil, err
	}
	summaries := make([]control.IssueSummary, 0, len(records))
	for _, rec := range records {
		if args.Phase != "" && string(rec.Phase) != args.Phase {
			continue
		}
		summaries = append(summaries, control.IssueSummary{
			ID:           rec.ID,
			Title:        rec.Title,
			Phase:        rec.Phase,
			Priority:     rec.Priority,
			Attempts:     len(rec.Attempts),
			AssignedSlot: rec.AssignedSlot,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

func (e *Engine) RecordCommand(rec types.CommandRecord) {
	e.enqueue(func(e *Engine) {
		if err := e.store.AppendCommand(rec); err != nil {
			e.fatal(fmt.Errorf("failed to record control command: %w", err))
		}
	})
}

// fatal records a final status and halts the process with exit code 1.
// Invariant loss is never papered over.
func (e *Engine) fatal(err error) {
	e.statusMu.Lock()
	e.cachedStatus.Running = false
	e.statusMu.Unlock()
	e.logger.Fatal().Err(err).Msg("engine state can no longer be maintained")
}
