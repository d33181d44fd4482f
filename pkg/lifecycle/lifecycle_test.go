package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardproject/steward/pkg/config"
	"github.com/stewardproject/steward/pkg/types"
)

func retryCfg() config.RetryConfig {
	return config.RetryConfig{
		DefaultModel:          "standard",
		EscalationModel:       "strong",
		EscalateAfterAttempts: 2,
		MaxTotalAttempts:      6,
		BackoffMSInitial:      1000,
		BackoffFactor:         2.0,
	}
}

// recWith builds a record whose attempt list ends with the given outcomes.
func recWith(outcomes ...types.Outcome) *types.IssueRecord {
	rec := &types.IssueRecord{Issue: types.Issue{ID: "X-1"}}
	for i, o := range outcomes {
		rec.Attempts = append(rec.Attempts, types.Attempt{Seq: i + 1, Outcome: o})
	}
	return rec
}

func TestDecideSuccess(t *testing.T) {
	d := Decide(recWith(types.OutcomeSuccess), types.OutcomeSuccess, retryCfg())
	assert.Equal(t, ActionComplete, d.Action)
}

func TestDecideTransientBackoffGrows(t *testing.T) {
	cfg := retryCfg()

	d1 := Decide(recWith(types.OutcomeTransientFailure), types.OutcomeTransientFailure, cfg)
	require.Equal(t, ActionRetry, d1.Action)
	assert.Equal(t, time.Second, d1.Backoff)

	d2 := Decide(recWith(types.OutcomeTransientFailure, types.OutcomeTransientFailure),
		types.OutcomeTransientFailure, cfg)
	assert.Equal(t, 2*time.Second, d2.Backoff)

	d3 := Decide(recWith(types.OutcomeTransientFailure, types.OutcomeTransientFailure, types.OutcomeTransientFailure),
		types.OutcomeTransientFailure, cfg)
	assert.Equal(t, 4*time.Second, d3.Backoff)
}

func TestDecideTransientGivesUpAfterThree(t *testing.T) {
	rec := recWith(
		types.OutcomeTransientFailure, types.OutcomeTransientFailure,
		types.OutcomeTransientFailure, types.OutcomeTransientFailure,
	)
	d := Decide(rec, types.OutcomeTransientFailure, retryCfg())
	assert.Equal(t, ActionBlock, d.Action)
	assert.True(t, d.Comment)
}

func TestDecideBackoffCap(t *testing.T) {
	cfg := retryCfg()
	cfg.BackoffMSInitial = 50000
	d := Decide(recWith(types.OutcomeTransientFailure, types.OutcomeTransientFailure),
		types.OutcomeTransientFailure, cfg)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 60*time.Second, d.Backoff)
}

func TestDecideTimeout(t *testing.T) {
	d := Decide(recWith(types.OutcomeTimeout), types.OutcomeTimeout, retryCfg())
	assert.Equal(t, ActionRetry, d.Action)
	assert.True(t, d.ReduceScope)

	d = Decide(recWith(types.OutcomeTimeout, types.OutcomeTimeout), types.OutcomeTimeout, retryCfg())
	assert.Equal(t, ActionBlock, d.Action)
	assert.Contains(t, d.Reason, "decomposition")
}

func TestDecideTestFailureCap(t *testing.T) {
	d := Decide(recWith(types.OutcomeTestFailure), types.OutcomeTestFailure, retryCfg())
	assert.Equal(t, ActionRetry, d.Action)

	rec := recWith(
		types.OutcomeTestFailure, types.OutcomeTestFailure, types.OutcomeTestFailure,
		types.OutcomeTestFailure, types.OutcomeTestFailure,
	)
	d = Decide(rec, types.OutcomeTestFailure, retryCfg())
	assert.Equal(t, ActionBlock, d.Action)
}

func TestDecideManifestViolation(t *testing.T) {
	d := Decide(recWith(types.OutcomeManifestViolation), types.OutcomeManifestViolation, retryCfg())
	assert.Equal(t, ActionRetry, d.Action)
	assert.True(t, d.Stricter)

	d = Decide(recWith(types.OutcomeManifestViolation, types.OutcomeManifestViolation),
		types.OutcomeManifestViolation, retryCfg())
	assert.Equal(t, ActionBlock, d.Action)
}

func TestDecideMergeConflict(t *testing.T) {
	d := Decide(recWith(types.OutcomeMergeConflict), types.OutcomeMergeConflict, retryCfg())
	assert.Equal(t, ActionBlock, d.Action)
	assert.True(t, d.Comment)
	assert.True(t, d.PreserveWorkspace)
}

func TestDecideCrashRetryOnce(t *testing.T) {
	d := Decide(recWith(types.OutcomeCrash), types.OutcomeCrash, retryCfg())
	assert.Equal(t, ActionRetry, d.Action)

	d = Decide(recWith(types.OutcomeCrash, types.OutcomeCrash), types.OutcomeCrash, retryCfg())
	assert.Equal(t, ActionBlock, d.Action)
}

func TestDecideUserInterrupt(t *testing.T) {
	d := Decide(recWith(types.OutcomeUserInterrupt), types.OutcomeUserInterrupt, retryCfg())
	assert.Equal(t, ActionRetry, d.Action)
	assert.Zero(t, d.Backoff)
}

func TestDecideWorkspaceFailed(t *testing.T) {
	d := Decide(recWith(types.OutcomeWorkspaceFailed), types.OutcomeWorkspaceFailed, retryCfg())
	assert.Equal(t, ActionFail, d.Action)
}

func TestDecideBudgetExhausted(t *testing.T) {
	rec := recWith(
		types.OutcomeTestFailure, types.OutcomeCrash, types.OutcomeTestFailure,
		types.OutcomeTimeout, types.OutcomeReviewRejected, types.OutcomeTestFailure,
	)
	d := Decide(rec, types.OutcomeTestFailure, retryCfg())
	assert.Equal(t, ActionBlock, d.Action)
	assert.True(t, d.Comment)
	assert.Contains(t, d.Reason, "attempt budget exhausted")
	assert.Contains(t, d.Reason, "attempt 1")
}

func TestDecideInterruptIgnoresBudget(t *testing.T) {
	// Six interrupts consume nothing; the issue keeps retrying.
	rec := recWith(
		types.OutcomeUserInterrupt, types.OutcomeUserInterrupt, types.OutcomeUserInterrupt,
		types.OutcomeUserInterrupt, types.OutcomeUserInterrupt, types.OutcomeUserInterrupt,
	)
	d := Decide(rec, types.OutcomeUserInterrupt, retryCfg())
	assert.Equal(t, ActionRetry, d.Action)
}

func TestNextModelTier(t *testing.T) {
	cfg := retryCfg()

	assert.Equal(t, "standard", NextModelTier(recWith(), cfg))
	assert.Equal(t, "standard", NextModelTier(recWith(types.OutcomeTestFailure), cfg))

	// Two consecutive non-transient failures escalate.
	assert.Equal(t, "strong",
		NextModelTier(recWith(types.OutcomeTestFailure, types.OutcomeCrash), cfg))

	// Transient failures and interrupts do not count toward escalation.
	assert.Equal(t, "standard",
		NextModelTier(recWith(types.OutcomeTestFailure, types.OutcomeTransientFailure, types.OutcomeUserInterrupt), cfg))

	// A success resets the streak.
	assert.Equal(t, "standard",
		NextModelTier(recWith(types.OutcomeTestFailure, types.OutcomeSuccess, types.OutcomeCrash), cfg))
}
