package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stewardproject/steward/pkg/pool"
	"github.com/stewardproject/steward/pkg/types"
)

// recover reloads persisted state and repairs whatever the previous run
// left in flight. Recovery is idempotent: running it twice yields the
// same state.
func (e *Engine) recover(ctx context.Context) error {
	counters, err := e.store.GetCounters()
	if err != nil {
		return fmt.Errorf("failed to load counters: %w", err)
	}
	e.counters = *counters

	records, err := e.store.ListIssues()
	if err != nil {
		return fmt.Errorf("failed to load issue records: %w", err)
	}

	for _, rec := range records {
		e.issues[rec.ID] = rec
		if !rec.Phase.InFlight() {
			continue
		}

		if rec.Phase == types.PhaseMerging {
			// The crash may have landed either side of the squash; the
			// mainline history is the source of truth.
			merged, err := e.gateway.MainContains(ctx, pool.CommitMarker(rec.ID))
			if err != nil {
				return fmt.Errorf("failed to probe mainline for %s: %w", rec.ID, err)
			}
			if merged {
				e.logger.Info().Str("issue_id", rec.ID).
					Msg("recovery: squash already on mainline, completing")
				e.finishInterruptedAttempt(rec, types.OutcomeSuccess)
				rec.Phase = types.PhaseCompleted
				rec.AssignedSlot = types.NoSlot
				rec.EngineUpdatedAt = time.Now()
				e.saveIssue(rec)
				if err := e.trk.Close(ctx, rec.ID); err != nil {
					e.logger.Warn().Err(err).Str("issue_id", rec.ID).
						Msg("recovery: tracker close failed")
				}
				continue
			}
		}

		e.logger.Info().Str("issue_id", rec.ID).Str("phase", string(rec.Phase)).
			Msg("recovery: requeueing in-flight issue")
		e.finishInterruptedAttempt(rec, types.OutcomeUserInterrupt)
		rec.Phase = types.PhasePending
		rec.AssignedSlot = types.NoSlot
		rec.WorkspacePath = ""
		rec.EngineUpdatedAt = time.Now()
		e.saveIssue(rec)
	}

	// A lock can only be legitimately held by a merging slot, and no
	// merge survives a restart.
	lock, err := e.store.GetLock(types.MainlineLock)
	if err != nil {
		return fmt.Errorf("failed to load locks: %w", err)
	}
	if lock != nil {
		e.logger.Info().Int("slot", lock.Slot).Msg("recovery: releasing orphan mainline lock")
		if err := e.store.DeleteLock(types.MainlineLock); err != nil {
			return fmt.Errorf("failed to release orphan lock: %w", err)
		}
	}

	// Drop persisted slots outside the configured range; live slot state
	// is re-derived, not trusted.
	slots, err := e.store.ListSlots()
	if err != nil {
		return fmt.Errorf("failed to load slots: %w", err)
	}
	for _, s := range slots {
		if s.ID >= e.pool.Size() {
			if err := e.store.DeleteSlot(s.ID); err != nil {
				return fmt.Errorf("failed to drop stale slot %d: %w", s.ID, err)
			}
		}
	}
	return nil
}

// finishInterruptedAttempt closes an attempt the crash left open.
func (e *Engine) finishInterruptedAttempt(rec *types.IssueRecord, outcome types.Outcome) {
	a := rec.CurrentAttempt()
	if a == nil || a.Outcome != "" {
		return
	}
	a.EndedAt = time.Now()
	a.Outcome = outcome
}

// persistSlots writes the re-derived slot table.
func (e *Engine) persistSlots() {
	for _, s := range e.pool.Snapshot() {
		slot := s
		if err := e.store.SaveSlot(&slot); err != nil {
			e.fatal(err)
		}
	}
}
