// Package pool manages the fixed worker slot table. Each dispatched slot
// runs a driver goroutine that executes the per-issue pipeline: workspace,
// implementer agent, manifest check, reviewer agent, commit, squash.
// Drivers never write issue state; they report intents on a bounded
// channel that the scheduler loop consumes. Their one durable write is
// the mainline lock record bracketing a merge, which crash recovery uses
// to tell an interrupted merge from a clean stop.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardproject/steward/pkg/config"
	"github.com/stewardproject/steward/pkg/log"
	"github.com/stewardproject/steward/pkg/metrics"
	"github.com/stewardproject/steward/pkg/transcript"
	"github.com/stewardproject/steward/pkg/types"
	"github.com/stewardproject/steward/pkg/vcs"
)

// Completion reports the terminal result of one attempt.
type Completion struct {
	Slot       int
	IssueID    string
	AttemptSeq int
	Outcome    types.Outcome
	// Feedback carries reviewer feedback, test output, or an error
	// description, depending on the outcome.
	Feedback  string
	SessionID string
}

// Intent is one message from a slot driver to the scheduler loop: either
// a phase progress note or a completion.
type Intent struct {
	Slot       int
	IssueID    string
	Phase      types.Phase
	Completion *Completion
}

// DispatchRequest carries everything a driver needs for one attempt.
type DispatchRequest struct {
	Issue      types.IssueRecord
	AttemptSeq int
	ModelTier  string
	// Feedback from the previous attempt (reviewer text or test output).
	Feedback string
	// ReduceScope and Stricter adjust the implementer's instructions
	// after timeouts and manifest violations.
	ReduceScope bool
	Stricter    bool
}

// slot is one worker slot's runtime state.
type slot struct {
	id int

	mu           sync.Mutex
	state        types.SlotState
	currentIssue string
	workspace    string
	startedAt    time.Time
	cancel       context.CancelFunc
}

// LockStore persists the mainline lock record for the merge window.
type LockStore interface {
	SaveLock(l *types.Lock) error
	DeleteLock(name string) error
}

// Pool is the fixed worker slot table.
type Pool struct {
	cfg         *config.Config
	gateway     vcs.Gateway
	transcripts *transcript.Store
	locks       LockStore
	logger      zerolog.Logger

	slots   []*slot
	intents chan Intent
	wg      sync.WaitGroup

	// mergeMu keeps the durable lock record and the squash it brackets
	// as one critical section across slots.
	mergeMu sync.Mutex
}

// New creates a pool with the configured number of slots.
func New(cfg *config.Config, gateway vcs.Gateway, transcripts *transcript.Store, locks LockStore) *Pool {
	n := cfg.Agents.NumWorkers
	p := &Pool{
		cfg:         cfg,
		gateway:     gateway,
		transcripts: transcripts,
		locks:       locks,
		logger:      log.WithComponent("pool"),
		slots:       make([]*slot, n),
		// Four intents per slot covers a full pipeline's progress notes
		// plus the completion without ever blocking a driver for long.
		intents: make(chan Intent, 4*n),
	}
	for i := range p.slots {
		p.slots[i] = &slot{id: i, state: types.SlotIdle}
	}
	return p
}

// Intents returns the driver-to-loop intent channel.
func (p *Pool) Intents() <-chan Intent {
	return p.intents
}

// Size returns the slot count.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Reconcile runs at startup: ensure every configured slot has a
// workspace, then reap workspaces that belong to no configured slot.
func (p *Pool) Reconcile(ctx context.Context) error {
	for _, s := range p.slots {
		path, err := p.gateway.CreateWorkspace(ctx, s.id)
		if err != nil {
			return fmt.Errorf("failed to prepare workspace for slot %d: %w", s.id, err)
		}
		s.mu.Lock()
		s.workspace = path
		s.mu.Unlock()
	}

	orphans, err := p.gateway.ListOrphanWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to list orphan workspaces: %w", err)
	}
	for _, path := range orphans {
		p.logger.Info().Str("path", path).Msg("reaping orphan workspace")
		if err := p.gateway.RemoveWorkspace(ctx, path); err != nil {
			p.logger.Warn().Err(err).Str("path", path).Msg("failed to reap orphan workspace")
		}
	}
	return nil
}

// IsIdle reports whether a slot can accept a dispatch.
func (p *Pool) IsIdle(slotID int) bool {
	if slotID < 0 || slotID >= len(p.slots) {
		return false
	}
	s := p.slots[slotID]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == types.SlotIdle
}

// TryDispatch starts the pipeline for an issue on an idle slot.
func (p *Pool) TryDispatch(slotID int, req DispatchRequest) error {
	if slotID < 0 || slotID >= len(p.slots) {
		return fmt.Errorf("no such slot %d", slotID)
	}
	s := p.slots[slotID]

	s.mu.Lock()
	if s.state != types.SlotIdle {
		s.mu.Unlock()
		return fmt.Errorf("slot %d is %s", slotID, s.state)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.state = types.SlotBusy
	s.currentIssue = req.Issue.ID
	s.startedAt = time.Now()
	s.cancel = cancel
	s.mu.Unlock()

	metrics.SlotsBusy.Inc()
	p.wg.Add(1)
	go p.drive(ctx, s, req)
	return nil
}

// Cancel interrupts a busy slot's current attempt.
func (p *Pool) Cancel(slotID int) {
	if slotID < 0 || slotID >= len(p.slots) {
		return
	}
	s := p.slots[slotID]
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

// CancelAll interrupts every busy slot.
func (p *Pool) CancelAll() {
	for _, s := range p.slots {
		p.Cancel(s.id)
	}
}

// Drain waits for all running drivers to finish.
func (p *Pool) Drain() {
	p.wg.Wait()
}

// Snapshot returns the current slot table.
func (p *Pool) Snapshot() []types.WorkerSlot {
	out := make([]types.WorkerSlot, 0, len(p.slots))
	for _, s := range p.slots {
		s.mu.Lock()
		out = append(out, types.WorkerSlot{
			ID:            s.id,
			State:         s.state,
			CurrentIssue:  s.currentIssue,
			WorkspacePath: s.workspace,
			StartedAt:     s.startedAt,
		})
		s.mu.Unlock()
	}
	return out
}

// drive runs one attempt's pipeline on a slot. It always ends by sending
// a completion intent and returning the slot to idle.
func (p *Pool) drive(ctx context.Context, s *slot, req DispatchRequest) {
	defer p.wg.Done()

	completion := &Completion{
		Slot:       s.id,
		IssueID:    req.Issue.ID,
		AttemptSeq: req.AttemptSeq,
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Int("slot", s.id).Interface("panic", r).
				Msg("slot driver panicked")
			completion.Outcome = types.OutcomeCrash
			completion.Feedback = fmt.Sprintf("driver panic: %v", r)
		}

		// The completion must be queued before the slot reads as idle, so
		// an idle slot never has an unreported result in flight.
		p.intents <- Intent{Slot: s.id, IssueID: req.Issue.ID, Completion: completion}

		s.mu.Lock()
		s.state = types.SlotIdle
		s.currentIssue = ""
		s.startedAt = time.Time{}
		s.cancel = nil
		s.mu.Unlock()
		metrics.SlotsBusy.Dec()
	}()

	logger := log.WithIssueID(log.WithSlot(p.logger, s.id), req.Issue.ID).
		With().Int("attempt", req.AttemptSeq).Logger()

	result := p.runPipeline(ctx, s, req, logger)
	completion.Outcome = result.outcome
	completion.Feedback = result.feedback
	completion.SessionID = result.sessionID
}

// progress notifies the loop of a phase change mid-pipeline.
func (p *Pool) progress(s *slot, issueID string, phase types.Phase) {
	select {
	case p.intents <- Intent{Slot: s.id, IssueID: issueID, Phase: phase}:
	default:
		// The loop is behind; it will observe the final completion
		// intent regardless, so a missed progress note is harmless.
	}
}
