// Package lifecycle decides what happens to an issue after an attempt
// finishes: retry, requeue, block, fail, or complete. It is pure logic;
// the scheduler loop applies its decisions to the state store.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/stewardproject/steward/pkg/config"
	"github.com/stewardproject/steward/pkg/types"
)

// Action is the scheduler-facing verdict for a finished attempt.
type Action string

const (
	// ActionComplete marks the issue completed and closes it in the
	// tracker.
	ActionComplete Action = "complete"
	// ActionRetry requeues the issue as pending, optionally after a
	// backoff delay.
	ActionRetry Action = "retry"
	// ActionBlock parks the issue for a human; a tracker comment
	// explains why.
	ActionBlock Action = "block"
	// ActionFail marks the issue failed terminally.
	ActionFail Action = "fail"
)

// Retry limits per failure kind.
const (
	maxTransientRetries  = 3
	maxTestAttempts      = 5
	maxReviewIterations  = 5
	maxManifestViolations = 2
	maxCrashes           = 2
	timeoutBreakAfter    = 2
)

// backoffCap bounds the exponential retry backoff.
const backoffCap = 60 * time.Second

// Decision is the full verdict for one finished attempt.
type Decision struct {
	Action  Action
	Backoff time.Duration
	// ModelTier is the tier the next attempt should use.
	ModelTier string
	// Reason is a human-readable explanation, attached to the tracker
	// when Comment is set.
	Reason  string
	Comment bool
	// ReduceScope asks the next attempt to narrow its task (timeouts).
	ReduceScope bool
	// Stricter asks the next attempt to honor the manifest strictly.
	Stricter bool
	// PreserveWorkspace keeps the slot workspace for human inspection.
	PreserveWorkspace bool
}

// Decide maps a finished attempt's outcome to the next action. The
// record's attempt list must already include the finished attempt.
func Decide(rec *types.IssueRecord, outcome types.Outcome, cfg config.RetryConfig) Decision {
	if outcome == types.OutcomeSuccess {
		return Decision{Action: ActionComplete}
	}

	// The total budget is checked before per-kind policy so a runaway
	// issue always lands in blocked with a summary.
	if outcome.Budgeted() && rec.BudgetedAttempts() >= cfg.MaxTotalAttempts {
		return Decision{
			Action:  ActionBlock,
			Reason:  budgetSummary(rec, cfg),
			Comment: true,
		}
	}

	tier := NextModelTier(rec, cfg)

	switch outcome {
	case types.OutcomeTransientFailure:
		n := trailingCount(rec, types.OutcomeTransientFailure)
		if n > maxTransientRetries {
			return Decision{
				Action:  ActionBlock,
				Reason:  fmt.Sprintf("giving up after %d consecutive transient failures", n),
				Comment: true,
			}
		}
		return Decision{
			Action:    ActionRetry,
			Backoff:   backoff(n, cfg),
			ModelTier: tier,
		}

	case types.OutcomeTimeout:
		if countOutcome(rec, types.OutcomeTimeout) >= timeoutBreakAfter {
			return Decision{
				Action:  ActionBlock,
				Reason:  "repeated timeouts; the task likely needs decomposition into smaller issues",
				Comment: true,
			}
		}
		return Decision{Action: ActionRetry, ModelTier: tier, ReduceScope: true}

	case types.OutcomeTestFailure:
		if rec.BudgetedAttempts() >= maxTestAttempts {
			return Decision{
				Action:  ActionBlock,
				Reason:  fmt.Sprintf("test suite still failing after %d attempts", rec.BudgetedAttempts()),
				Comment: true,
			}
		}
		return Decision{Action: ActionRetry, ModelTier: tier}

	case types.OutcomeReviewRejected:
		if countOutcome(rec, types.OutcomeReviewRejected) >= maxReviewIterations {
			return Decision{
				Action:  ActionBlock,
				Reason:  fmt.Sprintf("reviewer rejected %d iterations in a row", maxReviewIterations),
				Comment: true,
			}
		}
		return Decision{Action: ActionRetry, ModelTier: tier}

	case types.OutcomeManifestViolation:
		if countOutcome(rec, types.OutcomeManifestViolation) >= maxManifestViolations {
			return Decision{
				Action:  ActionBlock,
				Reason:  "repeated changes outside the declared file manifest",
				Comment: true,
			}
		}
		return Decision{Action: ActionRetry, ModelTier: tier, Stricter: true}

	case types.OutcomeMergeConflict:
		return Decision{
			Action:            ActionBlock,
			Reason:            "squash-merge hit textual conflicts; workspace preserved for manual resolution",
			Comment:           true,
			PreserveWorkspace: true,
		}

	case types.OutcomeCrash:
		if countOutcome(rec, types.OutcomeCrash) >= maxCrashes {
			return Decision{
				Action:  ActionBlock,
				Reason:  "agent crashed twice without a classifiable failure",
				Comment: true,
			}
		}
		return Decision{Action: ActionRetry, ModelTier: tier}

	case types.OutcomeUserInterrupt:
		// Interrupts requeue immediately and never consume budget.
		return Decision{Action: ActionRetry, ModelTier: tier}

	case types.OutcomeWorkspaceFailed:
		return Decision{
			Action: ActionFail,
			Reason: "workspace creation failed",
		}
	}

	return Decision{
		Action:  ActionBlock,
		Reason:  fmt.Sprintf("unclassified attempt outcome %q", outcome),
		Comment: true,
	}
}

// NextModelTier returns the tier for the next attempt: the default tier
// until the issue has accumulated escalate_after_attempts consecutive
// non-transient failures, the escalation tier afterwards.
func NextModelTier(rec *types.IssueRecord, cfg config.RetryConfig) string {
	consecutive := 0
	for i := len(rec.Attempts) - 1; i >= 0; i-- {
		o := rec.Attempts[i].Outcome
		if o == "" || o == types.OutcomeTransientFailure || o == types.OutcomeUserInterrupt {
			continue
		}
		if o == types.OutcomeSuccess {
			break
		}
		consecutive++
	}
	if consecutive >= cfg.EscalateAfterAttempts {
		return cfg.EscalationModel
	}
	return cfg.DefaultModel
}

// backoff computes the delay before the nth consecutive transient retry.
func backoff(n int, cfg config.RetryConfig) time.Duration {
	d := time.Duration(cfg.BackoffMSInitial) * time.Millisecond
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * cfg.BackoffFactor)
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// trailingCount counts how many attempts at the tail of the list share
// the given outcome.
func trailingCount(rec *types.IssueRecord, outcome types.Outcome) int {
	n := 0
	for i := len(rec.Attempts) - 1; i >= 0; i-- {
		if rec.Attempts[i].Outcome != outcome {
			break
		}
		n++
	}
	return n
}

// countOutcome counts all attempts with the given outcome.
func countOutcome(rec *types.IssueRecord, outcome types.Outcome) int {
	n := 0
	for _, a := range rec.Attempts {
		if a.Outcome == outcome {
			n++
		}
	}
	return n
}

// budgetSummary renders the human-readable history attached to an issue
// that exhausted its attempt budget.
func budgetSummary(rec *types.IssueRecord, cfg config.RetryConfig) string {
	s := fmt.Sprintf("attempt budget exhausted (%d/%d):", rec.BudgetedAttempts(), cfg.MaxTotalAttempts)
	for _, a := range rec.Attempts {
		if a.Outcome == "" {
			continue
		}
		s += fmt.Sprintf("\n  attempt %d (%s): %s", a.Seq, a.ModelTier, a.Outcome)
		if a.Feedback != "" {
			s += " " + firstLine(a.Feedback)
		}
	}
	return s
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
