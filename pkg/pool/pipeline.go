package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardproject/steward/pkg/agent"
	"github.com/stewardproject/steward/pkg/log"
	"github.com/stewardproject/steward/pkg/metrics"
	"github.com/stewardproject/steward/pkg/runner"
	"github.com/stewardproject/steward/pkg/types"
)

// pipelineResult is the internal outcome of one pipeline run.
type pipelineResult struct {
	outcome   types.Outcome
	feedback  string
	sessionID string
}

// CommitMarker returns the mainline commit message prefix for an issue.
// Crash recovery greps the mainline history for it to detect an
// already-applied squash.
func CommitMarker(issueID string) string {
	return fmt.Sprintf("steward(%s):", issueID)
}

// runPipeline executes workspace prep, the implementer, the manifest
// check, the reviewer, commit, and squash for one attempt.
func (p *Pool) runPipeline(ctx context.Context, s *slot, req DispatchRequest, logger zerolog.Logger) pipelineResult {
	issue := &req.Issue

	workspace, err := p.gateway.CreateWorkspace(ctx, s.id)
	if err != nil {
		logger.Error().Err(err).Msg("workspace creation failed")
		return pipelineResult{
			outcome:  types.OutcomeWorkspaceFailed,
			feedback: err.Error(),
		}
	}
	s.mu.Lock()
	s.workspace = workspace
	s.mu.Unlock()

	sessionID, err := p.transcripts.OpenSession(issue.ID, req.AttemptSeq)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open transcript session")
		return pipelineResult{outcome: types.OutcomeCrash, feedback: err.Error()}
	}
	defer p.transcripts.CloseSession(sessionID)

	// Implementer.
	p.progress(s, issue.ID, types.PhaseImplementing)
	implResult := p.runImplementer(ctx, workspace, sessionID, req, logger)
	if implResult.outcome != "" {
		implResult.sessionID = sessionID
		return implResult
	}

	// Manifest check before anything leaves the workspace.
	if len(issue.Manifest) > 0 {
		offenders, err := p.manifestOffenders(ctx, workspace, issue.Manifest)
		if err != nil {
			logger.Error().Err(err).Msg("manifest check failed")
			return pipelineResult{
				outcome:   types.OutcomeTransientFailure,
				feedback:  err.Error(),
				sessionID: sessionID,
			}
		}
		if len(offenders) > 0 {
			logger.Warn().Strs("files", offenders).Msg("diff outside declared manifest")
			if err := p.gateway.Restore(ctx, workspace, offenders); err != nil {
				logger.Error().Err(err).Msg("failed to roll back manifest offenders")
			}
			return pipelineResult{
				outcome:   types.OutcomeManifestViolation,
				feedback:  "changed files outside manifest: " + strings.Join(offenders, ", "),
				sessionID: sessionID,
			}
		}
	}

	// Reviewer.
	p.progress(s, issue.ID, types.PhaseReviewing)
	verdict, feedback, revResult := p.runReviewer(ctx, workspace, sessionID, req, logger)
	if revResult.outcome != "" {
		revResult.sessionID = sessionID
		return revResult
	}
	if verdict == agent.VerdictChangesRequested {
		return pipelineResult{
			outcome:   types.OutcomeReviewRejected,
			feedback:  feedback,
			sessionID: sessionID,
		}
	}

	// Commit and squash.
	p.progress(s, issue.ID, types.PhaseMerging)
	message := fmt.Sprintf("%s %s", CommitMarker(issue.ID), issue.Title)
	committed, err := p.gateway.Commit(ctx, workspace, message)
	if err != nil {
		logger.Error().Err(err).Msg("commit failed")
		return pipelineResult{
			outcome:   types.OutcomeTransientFailure,
			feedback:  err.Error(),
			sessionID: sessionID,
		}
	}
	if !committed {
		// An approved attempt with no changes: nothing to merge, and
		// that is a legitimate completion (e.g. the fix landed earlier).
		logger.Info().Msg("no changes to merge, completing")
		return pipelineResult{outcome: types.OutcomeSuccess, sessionID: sessionID}
	}

	// The durable lock marks the merge window; a restart that finds it
	// still held knows a merge was cut short.
	p.mergeMu.Lock()
	if err := p.locks.SaveLock(&types.Lock{
		Name:       types.MainlineLock,
		Slot:       s.id,
		AcquiredAt: time.Now(),
	}); err != nil {
		p.mergeMu.Unlock()
		logger.Error().Err(err).Msg("failed to record mainline lock")
		return pipelineResult{
			outcome:   types.OutcomeTransientFailure,
			feedback:  err.Error(),
			sessionID: sessionID,
		}
	}
	merge, err := p.gateway.SquashIntoMain(ctx, workspace)
	if dErr := p.locks.DeleteLock(types.MainlineLock); dErr != nil {
		logger.Warn().Err(dErr).Msg("failed to release mainline lock record")
	}
	p.mergeMu.Unlock()
	if err != nil {
		logger.Error().Err(err).Msg("squash failed")
		return pipelineResult{
			outcome:   types.OutcomeTransientFailure,
			feedback:  err.Error(),
			sessionID: sessionID,
		}
	}
	if merge.Conflict {
		metrics.MergeConflictsTotal.Inc()
		return pipelineResult{
			outcome:   types.OutcomeMergeConflict,
			feedback:  "squash-merge reported textual conflicts",
			sessionID: sessionID,
		}
	}
	if !merge.OK {
		return pipelineResult{
			outcome:   types.OutcomeTransientFailure,
			feedback:  "squash-merge failed without conflicts",
			sessionID: sessionID,
		}
	}

	return pipelineResult{outcome: types.OutcomeSuccess, sessionID: sessionID}
}

// runImplementer runs the implementer agent. A zero-valued outcome means
// the agent signalled READY_FOR_REVIEW and exited cleanly.
func (p *Pool) runImplementer(ctx context.Context, workspace, sessionID string, req DispatchRequest, logger zerolog.Logger) pipelineResult {
	start := time.Now()
	defer func() {
		metrics.AgentDuration.WithLabelValues("implementer").Observe(time.Since(start).Seconds())
	}()

	proc, err := runner.Start(ctx, runner.Spec{
		Argv:        strings.Fields(p.cfg.Agents.Implementer),
		Dir:         workspace,
		Env:         p.agentEnv(workspace, req, "implementer"),
		IdleTimeout: p.cfg.IdleTimeout(),
		WallTimeout: p.cfg.WallTimeout(),
		Grace:       p.cfg.Grace(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start implementer")
		return pipelineResult{outcome: types.OutcomeTransientFailure, feedback: err.Error()}
	}

	ready := false
	var structured *agent.Signal
	var exit *runner.ExitInfo
	var testOutput []string

	for ev := range proc.Events() {
		if ev.Kind == runner.EventExit {
			exit = ev.Exit
			break
		}
		p.logTranscript(sessionID, ev.Line)
		switch sig := agent.ParseLine(ev.Line); sig.Kind {
		case agent.SignalReadyForReview:
			ready = true
		case agent.SignalError:
			structured = &sig
		case agent.SignalNeedFile, agent.SignalNeedDoc:
			logger.Info().Str("signal", string(sig.Kind)).Str("arg", sig.Arg).
				Msg("agent requested context")
		}
		if looksLikeTestOutput(ev.Line) {
			testOutput = append(testOutput, ev.Line)
		}
	}
	p.logExit(sessionID, exit)

	if outcome, feedback := classifyImplementerExit(exit, ready, structured, testOutput); outcome != "" {
		return pipelineResult{outcome: outcome, feedback: feedback}
	}
	return pipelineResult{}
}

// runReviewer runs the reviewer agent over the finished workspace.
func (p *Pool) runReviewer(ctx context.Context, workspace, sessionID string, req DispatchRequest, logger zerolog.Logger) (agent.Verdict, string, pipelineResult) {
	start := time.Now()
	defer func() {
		metrics.AgentDuration.WithLabelValues("reviewer").Observe(time.Since(start).Seconds())
	}()

	proc, err := runner.Start(ctx, runner.Spec{
		Argv:        strings.Fields(p.cfg.Agents.Reviewer),
		Dir:         workspace,
		Env:         p.agentEnv(workspace, req, "reviewer"),
		IdleTimeout: p.cfg.IdleTimeout(),
		WallTimeout: p.cfg.WallTimeout(),
		Grace:       p.cfg.Grace(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start reviewer")
		return "", "", pipelineResult{outcome: types.OutcomeTransientFailure, feedback: err.Error()}
	}

	parser := &agent.ReviewParser{}
	var exit *runner.ExitInfo
	for ev := range proc.Events() {
		if ev.Kind == runner.EventExit {
			exit = ev.Exit
			break
		}
		p.logTranscript(sessionID, ev.Line)
		parser.Feed(ev.Line)
	}
	p.logExit(sessionID, exit)

	switch {
	case exit == nil || exit.Reason == runner.ExitCanceled:
		return "", "", pipelineResult{outcome: types.OutcomeUserInterrupt}
	case exit.Reason.Timeouted():
		return "", "", pipelineResult{outcome: types.OutcomeTimeout, feedback: "reviewer timed out"}
	case exit.Code != 0 || parser.Verdict() == agent.VerdictNone:
		// The reviewer must emit exactly one verdict and exit 0; any
		// other termination is a crash.
		return "", "", pipelineResult{
			outcome:  types.OutcomeCrash,
			feedback: fmt.Sprintf("reviewer exited %d without a verdict: %s", exit.Code, tailOf(exit.StderrTail)),
		}
	}
	return parser.Verdict(), parser.Feedback(), pipelineResult{}
}

// classifyImplementerExit maps an implementer's exit to an outcome. An
// empty outcome means success so far (ready for review).
func classifyImplementerExit(exit *runner.ExitInfo, ready bool, structured *agent.Signal, testOutput []string) (types.Outcome, string) {
	if exit == nil {
		return types.OutcomeCrash, "implementer stream ended without an exit event"
	}
	switch exit.Reason {
	case runner.ExitCanceled:
		return types.OutcomeUserInterrupt, ""
	case runner.ExitTimeout, runner.ExitIdle:
		return types.OutcomeTimeout, "implementer timed out (" + string(exit.Reason) + ")"
	}

	if exit.Code == 0 {
		if ready {
			return "", ""
		}
		return types.OutcomeCrash, "implementer exited 0 without READY_FOR_REVIEW"
	}

	if structured != nil {
		switch structured.ErrorKind {
		case "transient", "network", "rate_limit":
			return types.OutcomeTransientFailure, structured.Message
		case "test_failure":
			return types.OutcomeTestFailure, strings.Join(testOutput, "\n")
		default:
			return types.OutcomeCrash, structured.Message
		}
	}
	if len(testOutput) > 0 {
		return types.OutcomeTestFailure, strings.Join(testOutput, "\n")
	}
	if looksTransient(exit) {
		return types.OutcomeTransientFailure, tailOf(exit.StderrTail)
	}
	return types.OutcomeCrash, fmt.Sprintf("implementer exited %d: %s", exit.Code, tailOf(exit.StderrTail))
}

// retryableExitCode is the conventional temporary-failure exit code.
const retryableExitCode = 75

// looksTransient applies the retryable exit code and network-like stderr
// heuristics.
func looksTransient(exit *runner.ExitInfo) bool {
	if exit.Code == retryableExitCode {
		return true
	}
	stderr := strings.ToLower(exit.StderrTail)
	for _, pattern := range []string{
		"connection refused", "connection reset", "temporarily unavailable",
		"timeout", "timed out", "rate limit", "too many requests",
		"network is unreachable", "service unavailable",
	} {
		if strings.Contains(stderr, pattern) {
			return true
		}
	}
	return false
}

// looksLikeTestOutput matches common test-runner failure lines.
func looksLikeTestOutput(line string) bool {
	return strings.Contains(line, "--- FAIL") ||
		strings.HasPrefix(line, "FAIL") ||
		strings.Contains(line, "FAILED") ||
		strings.Contains(line, "AssertionError")
}

// manifestOffenders returns files in the workspace diff that the declared
// manifest does not allow.
func (p *Pool) manifestOffenders(ctx context.Context, workspace string, manifest []string) ([]string, error) {
	summary, err := p.gateway.DiffSummary(ctx, workspace)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(manifest))
	for _, f := range manifest {
		allowed[f] = struct{}{}
	}
	var offenders []string
	for _, f := range summary.All() {
		if _, ok := allowed[f]; !ok {
			offenders = append(offenders, f)
		}
	}
	return offenders, nil
}

// agentEnv builds the agent subprocess environment. Issue context and
// attempt modifiers ride on STEWARD_* variables.
func (p *Pool) agentEnv(workspace string, req DispatchRequest, role string) []string {
	issue := &req.Issue
	env := append(os.Environ(),
		"STEWARD_ROLE="+role,
		"STEWARD_WORKSPACE="+workspace,
		"STEWARD_ISSUE_ID="+issue.ID,
		"STEWARD_ISSUE_TITLE="+issue.Title,
		"STEWARD_ISSUE_BODY="+issue.Description,
		"STEWARD_ACCEPTANCE="+issue.AcceptanceCriteria,
		"STEWARD_MODEL="+req.ModelTier,
		fmt.Sprintf("STEWARD_ATTEMPT=%d", req.AttemptSeq),
		"STEWARD_BUILD_CMD="+p.cfg.Project.BuildCmd,
		"STEWARD_TEST_CMD="+p.cfg.Project.TestCmd,
	)
	if len(issue.Manifest) > 0 {
		env = append(env, "STEWARD_MANIFEST="+strings.Join(issue.Manifest, ":"))
	}
	if req.Feedback != "" {
		env = append(env, "STEWARD_FEEDBACK="+req.Feedback)
	}
	if req.ReduceScope {
		env = append(env, "STEWARD_REDUCE_SCOPE=1")
	}
	if req.Stricter {
		env = append(env, "STEWARD_STRICT_MANIFEST=1")
	}
	return env
}

// logTranscript persists one agent output line, classifying structured
// JSON events and wrapping plain text.
func (p *Pool) logTranscript(sessionID, line string) {
	kind := types.TranscriptStdout
	var payload json.RawMessage

	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal([]byte(trimmed), &probe) == nil {
			switch probe.Type {
			case "tool_use":
				kind = types.TranscriptToolUse
			case "assistant", "assistant_message":
				kind = types.TranscriptAssistant
			}
		}
		payload = json.RawMessage(trimmed)
	} else {
		raw, err := json.Marshal(map[string]string{"text": line})
		if err != nil {
			return
		}
		payload = raw
	}

	if err := p.transcripts.LogEvent(sessionID, kind, payload); err != nil {
		logger := log.WithSession(p.logger, sessionID)
		logger.Warn().Err(err).Msg("failed to log transcript event")
	}
}

// logExit persists the terminal exit event of an agent run.
func (p *Pool) logExit(sessionID string, exit *runner.ExitInfo) {
	if exit == nil {
		return
	}
	raw, err := json.Marshal(map[string]interface{}{
		"reason": exit.Reason,
		"code":   exit.Code,
	})
	if err != nil {
		return
	}
	if err := p.transcripts.LogEvent(sessionID, types.TranscriptExit, raw); err != nil {
		logger := log.WithSession(p.logger, sessionID)
		logger.Warn().Err(err).Msg("failed to log exit event")
	}
}

// tailOf bounds an error snippet to its last few lines for feedback text.
func tailOf(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
