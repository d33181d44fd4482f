package types

import (
	"encoding/json"
	"strings"
	"time"
)

// IssueStatus is the tracker's own vocabulary for an issue.
type IssueStatus string

const (
	IssueStatusOpen       IssueStatus = "open"
	IssueStatusInProgress IssueStatus = "in-progress"
	IssueStatusClosed     IssueStatus = "closed"
)

// Comment is a single tracker comment.
type Comment struct {
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Issue mirrors one record from the external tracker. The engine never
// mutates this view except through the tracker adapter's write operations.
type Issue struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	AcceptanceCriteria string      `json:"acceptance_criteria,omitempty"`
	Priority           int         `json:"priority"` // smaller = higher
	Status             IssueStatus `json:"status"`
	Blockers           []string    `json:"blockers,omitempty"`
	Comments           []Comment   `json:"comments,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	// Extra carries tracker-defined fields the engine does not read.
	Extra map[string]string `json:"extra,omitempty"`
}

// Phase is the engine-owned lifecycle state of an issue.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseAssigned     Phase = "assigned"
	PhaseImplementing Phase = "implementing"
	PhaseReviewing    Phase = "reviewing"
	PhaseMerging      Phase = "merging"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseBlocked      Phase = "blocked"
)

// InFlight reports whether the phase holds a slot assignment.
func (p Phase) InFlight() bool {
	switch p {
	case PhaseAssigned, PhaseImplementing, PhaseReviewing, PhaseMerging:
		return true
	}
	return false
}

// Outcome classifies how an attempt ended.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeTransientFailure  Outcome = "transient_failure"
	OutcomeTestFailure       Outcome = "test_failure"
	OutcomeReviewRejected    Outcome = "review_rejected"
	OutcomeManifestViolation Outcome = "manifest_violation"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeMergeConflict     Outcome = "merge_conflict"
	OutcomeCrash             Outcome = "crash"
	OutcomeUserInterrupt     Outcome = "user_interrupt"
	OutcomeWorkspaceFailed   Outcome = "workspace_creation_failed"
)

// Budgeted reports whether the outcome consumes the attempt budget.
// Transient failures and user interrupts do not.
func (o Outcome) Budgeted() bool {
	return o != OutcomeTransientFailure && o != OutcomeUserInterrupt
}

// Attempt is one pass through the implementer-reviewer-merge pipeline.
type Attempt struct {
	Seq       int       `json:"seq"` // 1-based, contiguous per issue
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	ModelTier string    `json:"model_tier"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Feedback  string    `json:"feedback,omitempty"` // reviewer feedback text
	SessionID string    `json:"session_id,omitempty"`
}

// NoSlot marks an IssueRecord with no slot assignment.
const NoSlot = -1

// IssueRecord augments the tracker mirror with engine lifecycle state.
type IssueRecord struct {
	Issue

	Phase         Phase     `json:"phase"`
	Attempts      []Attempt `json:"attempts,omitempty"`
	AssignedSlot  int       `json:"assigned_slot"`
	LastErrorKind Outcome   `json:"last_error_kind,omitempty"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
	// Manifest is the declared set of files the issue's attempts may modify.
	Manifest []string `json:"manifest,omitempty"`
	// NextEligibleAt defers dispatch while a retry backoff is pending.
	NextEligibleAt  time.Time `json:"next_eligible_at,omitempty"`
	EngineCreatedAt time.Time `json:"engine_created_at"`
	EngineUpdatedAt time.Time `json:"engine_updated_at"`
}

// CurrentAttempt returns the latest attempt, or nil if none exist.
func (r *IssueRecord) CurrentAttempt() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// BudgetedAttempts counts finished attempts that consumed the budget.
func (r *IssueRecord) BudgetedAttempts() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Outcome != "" && a.Outcome.Budgeted() {
			n++
		}
	}
	return n
}

// CompareReady orders ready issues for dispatch: priority ascending, then
// earliest created_at, then id lexicographically. Returns <0 when a wins.
func CompareReady(a, b *IssueRecord) int {
	if a.Priority != b.Priority {
		return a.Priority - b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// SlotState is the state of a worker slot.
type SlotState string

const (
	SlotIdle     SlotState = "idle"
	SlotBusy     SlotState = "busy"
	SlotDraining SlotState = "draining"
)

// WorkerSlot is one of N fixed parallel execution contexts.
type WorkerSlot struct {
	ID            int       `json:"id"`
	State         SlotState `json:"state"`
	CurrentIssue  string    `json:"current_issue,omitempty"`
	WorkspacePath string    `json:"workspace_path"`
	StartedAt     time.Time `json:"started_at,omitempty"`
}

// MainlineLock is the only lock resource currently in use; it serializes
// squash-merges into the mainline working copy.
const MainlineLock = "mainline"

// Lock records which slot holds a named resource.
type Lock struct {
	Name       string    `json:"name"`
	Slot       int       `json:"slot"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Counters are engine-wide monotonic counters persisted with the state.
type Counters struct {
	TotalIterations       uint64 `json:"total_iterations"`
	SuccessfulCompletions uint64 `json:"successful_completions"`
	FailedAttempts        uint64 `json:"failed_attempts"`
	NextBatchID           uint64 `json:"next_batch_id"`
}

// EngineInstance identifies one run of the engine process.
type EngineInstance struct {
	InstanceID string    `json:"instance_id"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"started_at"`
}

// TranscriptKind classifies a transcript event.
type TranscriptKind string

const (
	TranscriptStdout    TranscriptKind = "stdout_text"
	TranscriptToolUse   TranscriptKind = "tool_use"
	TranscriptAssistant TranscriptKind = "assistant_message"
	TranscriptExit      TranscriptKind = "exit"
)

// TranscriptEvent is one durable event in an agent session log.
type TranscriptEvent struct {
	Seq     uint64          `json:"seq"`
	TS      time.Time       `json:"ts"`
	Kind    TranscriptKind  `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TranscriptSession binds a session id to the attempt that produced it.
type TranscriptSession struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

// CommandRecord is one accepted control command, kept in a bounded history.
type CommandRecord struct {
	ID         string          `json:"id"`
	Op         string          `json:"op"`
	Args       json.RawMessage `json:"args,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}
