package engine

import (
	"context"
	"time"

	"github.com/stewardproject/steward/pkg/control"
	"github.com/stewardproject/steward/pkg/events"
	"github.com/stewardproject/steward/pkg/lifecycle"
	"github.com/stewardproject/steward/pkg/log"
	"github.com/stewardproject/steward/pkg/metrics"
	"github.com/stewardproject/steward/pkg/pool"
	"github.com/stewardproject/steward/pkg/types"
)

// maxSleep bounds the loop's idle sleep between iterations.
const maxSleep = 250 * time.Millisecond

// pausedSleep is the idle sleep while dispatch is suspended.
const pausedSleep = 100 * time.Millisecond

// Run executes the scheduler loop until shutdown, ctx cancellation, or
// the configured iteration limit. It must be called exactly once.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	e.running.Store(true)
	defer e.running.Store(false)

	if err := e.recover(ctx); err != nil {
		return err
	}
	if err := e.pool.Reconcile(ctx); err != nil {
		return err
	}
	e.persistSlots()
	if err := e.store.SaveInstance(&e.instance); err != nil {
		return err
	}
	if err := e.trk.Refresh(); err != nil {
		e.logger.Warn().Err(err).Msg("initial tracker refresh failed")
	}
	if err := e.trk.Watch(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("tracker watcher unavailable, falling back to polling")
	}
	e.syncMirror()

	e.logger.Info().
		Str("instance_id", e.instance.InstanceID).
		Int("workers", e.pool.Size()).
		Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			e.stopping = true
		default:
		}

		e.iterate(ctx)

		if e.opts.MaxIterations > 0 && e.iteration >= e.opts.MaxIterations {
			e.logger.Info().Uint64("iterations", e.iteration).Msg("iteration limit reached")
			e.stopping = true
		}
		if e.stopping {
			e.drain(ctx)
			e.persistCounters()
			e.logger.Info().Msg("engine stopped")
			return nil
		}

		e.sleep(ctx)
	}
}

// iterate runs one loop iteration.
func (e *Engine) iterate(ctx context.Context) {
	e.iteration++
	e.counters.TotalIterations++
	metrics.IterationsTotal.Inc()

	// 1. Deferred control commands.
	e.applyCommands()

	// 2. Mirror refresh on tracker change.
	if e.trk.Changed() {
		if err := e.trk.Refresh(); err != nil {
			e.logger.Warn().Err(err).Msg("tracker refresh failed, keeping previous mirror")
		}
		e.syncMirror()
	}

	// 3 and 4. Completions and lifecycle advancement. Draining before
	// dispatch keeps slot assignment exclusive: a freed slot's previous
	// result is applied before the slot can be handed a new issue.
	e.pollIntents(ctx)

	// 5. Pause gate: in-flight work continues, no new dispatch.
	if !e.paused.Load() && !e.stopping {
		// 6. Dispatch ready issues to free slots.
		e.dispatch(ctx)
	}

	// 7 and 8. Periodic meta-passes.
	if !e.paused.Load() && !e.stopping {
		e.runPasses(ctx)
	}

	// 9. Persist counters, refresh status, broadcast.
	e.persistCounters()
	e.refreshStatus()
	e.broadcastState()
}

// applyCommands drains the deferred command queue.
func (e *Engine) applyCommands() {
	for {
		select {
		case cmd := <-e.commands:
			cmd(e)
		default:
			return
		}
	}
}

// syncMirror folds the tracker mirror into the engine's issue records,
// creating records lazily and dropping records whose issue was deleted.
func (e *Engine) syncMirror() {
	seen := make(map[string]struct{})
	for _, issue := range e.trk.All() {
		seen[issue.ID] = struct{}{}
		rec, ok := e.issues[issue.ID]
		if !ok {
			rec = &types.IssueRecord{
				Issue:           *issue,
				Phase:           types.PhasePending,
				AssignedSlot:    types.NoSlot,
				EngineCreatedAt: time.Now(),
				EngineUpdatedAt: time.Now(),
			}
			e.issues[issue.ID] = rec
			e.saveIssue(rec)
			e.publishIssue(rec, "discovered")
			continue
		}
		rec.Issue = *issue
	}

	for id, rec := range e.issues {
		if _, ok := seen[id]; ok {
			continue
		}
		if rec.Phase.InFlight() {
			// Deleted mid-flight; let the attempt finish before the
			// record goes away.
			continue
		}
		delete(e.issues, id)
		if err := e.store.DeleteIssue(id); err != nil {
			e.fatal(err)
		}
		e.publishIssue(rec, "removed")
	}
}

// dispatch assigns ready issues to free slots in ascending slot order.
func (e *Engine) dispatch(ctx context.Context) {
	for slotID := 0; slotID < e.pool.Size(); slotID++ {
		if !e.slotFree(slotID) {
			continue
		}
		rec := e.pickReady()
		if rec == nil {
			return
		}
		if e.opts.DryRun {
			e.logger.Info().Str("issue_id", rec.ID).Int("slot", slotID).
				Msg("dry-run: would dispatch")
			return
		}
		e.dispatchTo(slotID, rec)
	}
}

// slotFree reports whether a slot can take a new issue: it must be idle
// and no in-flight record may still claim it. A driver flips its slot
// idle only after queueing the completion, but the slot can become idle
// between the intent drain and this check, leaving the previous record's
// assignment unapplied.
func (e *Engine) slotFree(slotID int) bool {
	if !e.pool.IsIdle(slotID) {
		return false
	}
	for _, rec := range e.issues {
		if rec.AssignedSlot == slotID && rec.Phase.InFlight() {
			return false
		}
	}
	return true
}

// pickReady returns the best dispatchable issue, or nil.
func (e *Engine) pickReady() *types.IssueRecord {
	var best *types.IssueRecord
	now := time.Now()
	for _, rec := range e.issues {
		if rec.Phase != types.PhasePending {
			continue
		}
		if e.opts.OnlyIssue != "" && rec.ID != e.opts.OnlyIssue {
			continue
		}
		if rec.Status == types.IssueStatusClosed {
			continue
		}
		if !rec.NextEligibleAt.IsZero() && rec.NextEligibleAt.After(now) {
			continue
		}
		if !e.blockersCompleted(rec) {
			continue
		}
		if best == nil || types.CompareReady(rec, best) < 0 {
			best = rec
		}
	}
	return best
}

// blockersCompleted reports whether every blocker of rec is done, either
// completed by the engine or closed in the tracker.
func (e *Engine) blockersCompleted(rec *types.IssueRecord) bool {
	for _, dep := range rec.Blockers {
		if other, ok := e.issues[dep]; ok {
			if other.Phase != types.PhaseCompleted && other.Status != types.IssueStatusClosed {
				return false
			}
			continue
		}
		if issue, ok := e.trk.Get(dep); ok && issue.Status != types.IssueStatusClosed {
			return false
		}
	}
	return true
}

// dispatchTo creates the attempt, commits the assignment, and hands the
// issue to the slot driver.
func (e *Engine) dispatchTo(slotID int, rec *types.IssueRecord) {
	attempt := types.Attempt{
		Seq:       len(rec.Attempts) + 1,
		StartedAt: time.Now(),
		ModelTier: lifecycle.NextModelTier(rec, e.cfg.Retry),
	}
	rec.Attempts = append(rec.Attempts, attempt)
	rec.Phase = types.PhaseAssigned
	rec.AssignedSlot = slotID
	rec.EngineUpdatedAt = time.Now()

	// The assignment is durable before the driver starts, so a crash
	// between the two leaves a recoverable record, never a ghost run.
	e.saveIssue(rec)

	req := pool.DispatchRequest{
		Issue:       *rec,
		AttemptSeq:  attempt.Seq,
		ModelTier:   attempt.ModelTier,
		ReduceScope: rec.LastErrorKind == types.OutcomeTimeout,
		Stricter:    rec.LastErrorKind == types.OutcomeManifestViolation,
	}
	if prev := previousFeedback(rec); prev != "" {
		req.Feedback = prev
	}

	if err := e.pool.TryDispatch(slotID, req); err != nil {
		e.logger.Error().Err(err).Str("issue_id", rec.ID).Int("slot", slotID).
			Msg("dispatch failed, requeueing")
		rec.Attempts = rec.Attempts[:len(rec.Attempts)-1]
		rec.Phase = types.PhasePending
		rec.AssignedSlot = types.NoSlot
		e.saveIssue(rec)
		return
	}

	// Ready-to-dispatch latency: measured from the backoff deadline when
	// one was set, from discovery for a first attempt.
	readyAt := rec.EngineCreatedAt
	if !rec.NextEligibleAt.IsZero() {
		readyAt = rec.NextEligibleAt
	}
	if !readyAt.IsZero() {
		metrics.DispatchLatency.Observe(time.Since(readyAt).Seconds())
	}
	rec.NextEligibleAt = time.Time{}
	e.logger.Info().Str("issue_id", rec.ID).Int("slot", slotID).
		Int("attempt", attempt.Seq).Str("model", attempt.ModelTier).
		Msg("dispatched")
	e.publishIssue(rec, "assigned")
}

// previousFeedback returns the feedback of the last finished attempt.
func previousFeedback(rec *types.IssueRecord) string {
	for i := len(rec.Attempts) - 2; i >= 0; i-- {
		if rec.Attempts[i].Feedback != "" {
			return rec.Attempts[i].Feedback
		}
	}
	return ""
}

// pollIntents drains pending driver intents without blocking.
func (e *Engine) pollIntents(ctx context.Context) {
	for {
		select {
		case intent := <-e.pool.Intents():
			e.handleIntent(ctx, intent)
		default:
			return
		}
	}
}

// handleIntent applies one driver intent: a phase progress note or a
// completion.
func (e *Engine) handleIntent(ctx context.Context, intent pool.Intent) {
	rec, ok := e.issues[intent.IssueID]
	if !ok {
		e.logger.Warn().Str("issue_id", intent.IssueID).Msg("intent for unknown issue")
		return
	}

	if intent.Completion == nil {
		if rec.Phase.InFlight() && rec.Phase != intent.Phase {
			rec.Phase = intent.Phase
			rec.EngineUpdatedAt = time.Now()
			e.saveIssue(rec)
			e.publishIssue(rec, "progress")
		}
		return
	}

	e.applyCompletion(ctx, rec, intent.Completion)
}

// applyCompletion finishes the attempt, consults the lifecycle policy,
// and moves the issue to its next phase.
func (e *Engine) applyCompletion(ctx context.Context, rec *types.IssueRecord, c *pool.Completion) {
	now := time.Now()
	if a := rec.CurrentAttempt(); a != nil && a.Seq == c.AttemptSeq {
		a.EndedAt = now
		a.Outcome = c.Outcome
		a.Feedback = c.Feedback
		a.SessionID = c.SessionID
	}
	rec.AssignedSlot = types.NoSlot
	rec.EngineUpdatedAt = now
	metrics.AttemptsTotal.WithLabelValues(string(c.Outcome)).Inc()

	decision := lifecycle.Decide(rec, c.Outcome, e.cfg.Retry)
	logger := log.WithIssueID(e.logger, rec.ID).With().Str("outcome", string(c.Outcome)).Logger()

	switch decision.Action {
	case lifecycle.ActionComplete:
		rec.Phase = types.PhaseCompleted
		rec.LastErrorKind = ""
		rec.NextEligibleAt = time.Time{}
		e.counters.SuccessfulCompletions++
		metrics.CompletionsTotal.Inc()
		if err := e.trk.Close(ctx, rec.ID); err != nil {
			logger.Error().Err(err).Msg("tracker close failed; issue completed locally")
		}
		logger.Info().Msg("issue completed")

	case lifecycle.ActionRetry:
		rec.Phase = types.PhasePending
		rec.LastErrorKind = c.Outcome
		rec.NextEligibleAt = time.Time{}
		if decision.Backoff > 0 {
			rec.NextEligibleAt = now.Add(decision.Backoff)
		}
		// An interrupted attempt is not a failure; it neither consumes
		// budget nor counts against the failure totals.
		if c.Outcome != types.OutcomeUserInterrupt {
			e.counters.FailedAttempts++
		}
		logger.Info().Dur("backoff", decision.Backoff).Msg("attempt failed, requeued")

	case lifecycle.ActionBlock:
		rec.Phase = types.PhaseBlocked
		rec.LastErrorKind = c.Outcome
		e.counters.FailedAttempts++
		reason := decision.Reason
		if decision.PreserveWorkspace {
			// Retire the conflicted tree before the slot is rebuilt, so a
			// later dispatch to the same slot cannot clobber it.
			kept, err := e.gateway.RetireWorkspace(ctx, c.Slot, rec.ID)
			if err != nil {
				logger.Error().Err(err).Msg("failed to preserve conflicted workspace")
			} else {
				rec.WorkspacePath = kept
				reason += "\npreserved workspace: " + kept
			}
		}
		if decision.Comment {
			if err := e.trk.Comment(ctx, rec.ID, "steward", reason); err != nil {
				logger.Error().Err(err).Msg("failed to attach blocking comment")
			}
		}
		logger.Warn().Str("reason", decision.Reason).Msg("issue blocked")

	case lifecycle.ActionFail:
		rec.Phase = types.PhaseFailed
		rec.LastErrorKind = c.Outcome
		e.counters.FailedAttempts++
		logger.Error().Str("reason", decision.Reason).Msg("issue failed")
	}

	e.saveIssue(rec)
	e.publishIssue(rec, "completion")
	e.publishWorkers()
}

// runPasses triggers the planner and quality meta-passes on schedule.
func (e *Engine) runPasses(ctx context.Context) {
	if e.cfg.Passes.PlannerEnabled && !e.opts.NoPlanner &&
		e.iteration%uint64(e.cfg.Passes.PlannerInterval) == 0 {
		e.runMetaPass(ctx, "planner")
	}
	if e.cfg.Passes.QualityEnabled && !e.opts.NoQuality &&
		e.iteration%uint64(e.cfg.Passes.QualityInterval) == 0 {
		e.runMetaPass(ctx, "quality")
	}
}

// sleep waits for the next event: a driver intent, a control command, a
// status request, or the bounded tick.
func (e *Engine) sleep(ctx context.Context) {
	d := maxSleep
	if e.paused.Load() {
		d = pausedSleep
	}
	// Wake early for the nearest backoff deadline.
	now := time.Now()
	for _, rec := range e.issues {
		if rec.Phase == types.PhasePending && !rec.NextEligibleAt.IsZero() {
			if wait := rec.NextEligibleAt.Sub(now); wait > 0 && wait < d {
				d = wait
			}
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-e.wakeup:
	case intent := <-e.pool.Intents():
		e.handleIntent(ctx, intent)
	case req := <-e.statusReq:
		req.reply <- e.buildStatus()
	}
	// Serve any remaining status requests before the next iteration.
	for {
		select {
		case req := <-e.statusReq:
			req.reply <- e.buildStatus()
		default:
			return
		}
	}
}

// drain completes shutdown: cooperative pause, wait for in-flight
// pipelines, then apply their completions.
func (e *Engine) drain(ctx context.Context) {
	e.logger.Info().Msg("draining worker slots")
	done := make(chan struct{})
	go func() {
		e.pool.Drain()
		close(done)
	}()
	for {
		select {
		case intent := <-e.pool.Intents():
			e.handleIntent(ctx, intent)
		case <-done:
			e.pollIntents(ctx)
			return
		}
	}
}

// persistCounters writes the counters; failure past the store's retry is
// fatal by policy.
func (e *Engine) persistCounters() {
	if err := e.store.SaveCounters(&e.counters); err != nil {
		e.fatal(err)
	}
}

// saveIssue persists one record; failure past the store's retry is fatal.
func (e *Engine) saveIssue(rec *types.IssueRecord) {
	if err := e.store.SaveIssue(rec); err != nil {
		e.fatal(err)
	}
}

// refreshStatus rebuilds the cached snapshot served on the degraded path.
func (e *Engine) refreshStatus() {
	status := e.buildStatus()
	e.statusMu.Lock()
	e.cachedStatus = status
	e.statusMu.Unlock()
}

// buildStatus assembles a status snapshot from loop-owned state. Loop
// goroutine only.
func (e *Engine) buildStatus() *control.StatusData {
	byPhase := make(map[string]int)
	for _, rec := range e.issues {
		byPhase[string(rec.Phase)]++
	}
	for phase, n := range byPhase {
		metrics.IssuesByPhase.WithLabelValues(phase).Set(float64(n))
	}
	history, err := e.store.ListCommands()
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to load command history")
	}
	instance := e.instance
	return &control.StatusData{
		Running:        e.running.Load(),
		Paused:         e.paused.Load(),
		UptimeSeconds:  time.Since(e.startedAt).Seconds(),
		Iteration:      e.iteration,
		StateVersion:   e.store.Version(),
		Instance:       &instance,
		Slots:          e.pool.Snapshot(),
		IssuesByPhase:  byPhase,
		Counters:       e.counters,
		RecentCommands: history,
	}
}

// emptyStatus is the degraded snapshot before the first iteration.
func (e *Engine) emptyStatus() *control.StatusData {
	instance := e.instance
	return &control.StatusData{
		Instance:      &instance,
		IssuesByPhase: map[string]int{},
	}
}

// broadcastState publishes the per-iteration state delta.
func (e *Engine) broadcastState() {
	e.bus.Publish(&events.Event{
		Topic: events.TopicState,
		Type:  "delta",
		Data: map[string]interface{}{
			"version":   e.store.Version(),
			"iteration": e.iteration,
			"paused":    e.paused.Load(),
			"counters":  e.counters,
		},
	})
	e.publishWorkers()
}

// publishIssue broadcasts one issue record snapshot.
func (e *Engine) publishIssue(rec *types.IssueRecord, eventType string) {
	snapshot := *rec
	e.bus.Publish(&events.Event{
		Topic: events.TopicIssues,
		Type:  eventType,
		Data:  snapshot,
	})
}

// publishWorkers broadcasts the slot table.
func (e *Engine) publishWorkers() {
	e.bus.Publish(&events.Event{
		Topic: events.TopicWorkers,
		Type:  "snapshot",
		Data:  e.pool.Snapshot(),
	})
}
