package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/stewardproject/steward/pkg/runner"
	"github.com/stewardproject/steward/pkg/tracker"
)

// proposal is one backlog mutation emitted by a meta-pass agent as a JSON
// line on stdout. Unknown actions are logged and skipped.
type proposal struct {
	Action   string                `json:"action"` // create | comment | update | close
	ID       string                `json:"id,omitempty"`
	Title    string                `json:"title,omitempty"`
	Body     string                `json:"body,omitempty"`
	Priority int                   `json:"priority,omitempty"`
	Fields   *tracker.UpdateFields `json:"fields,omitempty"`
}

// runMetaPass runs the planner or quality agent on the loop fiber and
// applies its proposals through the tracker adapter. Dispatch is idle
// while the pass runs; in-flight slots keep working.
func (e *Engine) runMetaPass(ctx context.Context, role string) {
	batch := e.counters.NextBatchID
	e.counters.NextBatchID++
	logger := e.logger.With().Str("pass", role).Uint64("batch", batch).Logger()
	logger.Info().Msg("running meta-pass")

	proc, err := runner.Start(ctx, runner.Spec{
		Argv: strings.Fields(e.cfg.Agents.Implementer),
		Dir:  e.cfg.Project.RepoDir,
		Env: append(os.Environ(),
			"STEWARD_ROLE="+role,
			fmt.Sprintf("STEWARD_BATCH=%d", batch),
		),
		IdleTimeout: e.cfg.IdleTimeout(),
		WallTimeout: e.cfg.WallTimeout(),
		Grace:       e.cfg.Grace(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start meta-pass agent")
		return
	}

	applied, skipped := 0, 0
	for ev := range proc.Events() {
		if ev.Kind == runner.EventExit {
			if ev.Exit.Reason != runner.ExitNatural || ev.Exit.Code != 0 {
				logger.Warn().Str("reason", string(ev.Exit.Reason)).Int("code", ev.Exit.Code).
					Msg("meta-pass agent did not exit cleanly")
			}
			break
		}
		trimmed := strings.TrimSpace(ev.Line)
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		var prop proposal
		if err := json.Unmarshal([]byte(trimmed), &prop); err != nil {
			skipped++
			continue
		}
		if err := e.applyProposal(ctx, role, prop); err != nil {
			logger.Warn().Err(err).Str("action", prop.Action).Msg("proposal rejected")
			skipped++
			continue
		}
		applied++
	}

	logger.Info().Int("applied", applied).Int("skipped", skipped).Msg("meta-pass finished")
}

// applyProposal applies one meta-pass proposal through the tracker.
func (e *Engine) applyProposal(ctx context.Context, role string, prop proposal) error {
	switch prop.Action {
	case "create":
		if prop.Title == "" {
			return fmt.Errorf("create proposal without title")
		}
		id, err := e.trk.Create(ctx, prop.Title, tracker.CreateOpts{
			Body:     prop.Body,
			Priority: prop.Priority,
			Labels:   []string{role},
		})
		if err != nil {
			return err
		}
		e.logger.Info().Str("issue_id", id).Str("pass", role).Msg("meta-pass filed issue")
		return nil
	case "comment":
		if prop.ID == "" || prop.Body == "" {
			return fmt.Errorf("comment proposal without id or body")
		}
		return e.trk.Comment(ctx, prop.ID, role, prop.Body)
	case "update":
		if prop.ID == "" || prop.Fields == nil {
			return fmt.Errorf("update proposal without id or fields")
		}
		return e.trk.Update(ctx, prop.ID, *prop.Fields)
	case "close":
		if prop.ID == "" {
			return fmt.Errorf("close proposal without id")
		}
		return e.trk.Close(ctx, prop.ID)
	}
	return fmt.Errorf("unknown proposal action %q", prop.Action)
}
