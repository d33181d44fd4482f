// Package tracker adapts the external issue tracker: a read-only
// materialized mirror of its append-only record file plus write-through
// mutations via the tracker CLI. The engine never writes the record file
// directly.
package tracker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stewardproject/steward/pkg/log"
	"github.com/stewardproject/steward/pkg/metrics"
	"github.com/stewardproject/steward/pkg/types"
)

// commandTimeout bounds one tracker CLI invocation.
const commandTimeout = 30 * time.Second

// maxRecordBytes bounds a single record line.
const maxRecordBytes = 4 * 1024 * 1024

// UpdateFields is a partial field set for Update. Nil pointers leave the
// field untouched; an empty string clears it.
type UpdateFields struct {
	Title              *string `json:"title,omitempty"`
	Description        *string `json:"description,omitempty"`
	AcceptanceCriteria *string `json:"acceptance_criteria,omitempty"`
	Priority           *int    `json:"priority,omitempty"`
	Status             *string `json:"status,omitempty"`
}

// CreateOpts carries optional fields for Create.
type CreateOpts struct {
	Body     string
	Priority int
	Labels   []string
}

// Adapter is the engine's view of the issue tracker.
type Adapter interface {
	// Refresh re-reads the record file into the mirror. Unparsable
	// records are skipped and counted; a wholly unreadable file keeps
	// the previous mirror.
	Refresh() error
	// Changed reports whether the record file changed since the last
	// refresh, and clears the flag.
	Changed() bool
	// ListReady returns open issues whose blockers are all closed,
	// sorted by id for deterministic iteration.
	ListReady() []*types.Issue
	// Get returns a deep copy of one mirrored issue.
	Get(id string) (*types.Issue, bool)
	// All returns deep copies of every mirrored issue.
	All() []*types.Issue

	Create(ctx context.Context, title string, opts CreateOpts) (string, error)
	Comment(ctx context.Context, id, author, body string) error
	Update(ctx context.Context, id string, fields UpdateFields) error
	Close(ctx context.Context, id string) error

	// Watch starts the file watcher; stops when ctx is done.
	Watch(ctx context.Context) error
}

// CLI drives a bd-style tracker binary and mirrors its record file.
type CLI struct {
	bin     string
	path    string
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu     sync.RWMutex
	mirror map[string]*types.Issue
	dirty  bool
}

// New creates an adapter for the tracker binary bin and record file path.
func New(bin, path string) *CLI {
	return &CLI{
		bin:    bin,
		path:   path,
		logger: log.WithComponent("tracker"),
		// Refreshes are cheap but the watcher can fire in bursts while
		// the tracker rewrites its file.
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		mirror:  make(map[string]*types.Issue),
	}
}

// record is the on-disk shape of one tracker line.
type record struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	AcceptanceCriteria string          `json:"acceptance_criteria"`
	Priority           int             `json:"priority"`
	Status             string          `json:"status"`
	Blockers           []string        `json:"blockers"`
	Comments           []types.Comment `json:"comments"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Deleted            bool            `json:"deleted"`
}

func (c *CLI) Refresh() error {
	if !c.limiter.Allow() {
		// Too soon since the last refresh; re-arm the dirty flag so the
		// next loop iteration retries.
		c.markDirty()
		return nil
	}

	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("failed to open tracker file %s: %w", c.path, err)
	}
	defer f.Close()

	// Later records supersede earlier ones for the same id.
	next := make(map[string]*types.Issue)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
			metrics.TrackerParseErrors.Inc()
			c.logger.Warn().Err(err).Msg("skipping unparsable tracker record")
			continue
		}
		if rec.Deleted {
			delete(next, rec.ID)
			continue
		}
		next[rec.ID] = &types.Issue{
			ID:                 rec.ID,
			Title:              rec.Title,
			Description:        rec.Description,
			AcceptanceCriteria: rec.AcceptanceCriteria,
			Priority:           rec.Priority,
			Status:             types.IssueStatus(rec.Status),
			Blockers:           rec.Blockers,
			Comments:           rec.Comments,
			CreatedAt:          rec.CreatedAt,
			UpdatedAt:          rec.UpdatedAt,
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read tracker file %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.mirror = next
	c.dirty = false
	c.mu.Unlock()
	metrics.TrackerRefreshes.Inc()
	return nil
}

func (c *CLI) Changed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.dirty
	c.dirty = false
	return changed
}

// markDirty flags the mirror as stale.
func (c *CLI) markDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

func (c *CLI) ListReady() []*types.Issue {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ready []*types.Issue
	for _, issue := range c.mirror {
		if issue.Status == types.IssueStatusClosed {
			continue
		}
		blocked := false
		for _, dep := range issue.Blockers {
			if other, ok := c.mirror[dep]; ok && other.Status != types.IssueStatusClosed {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, cloneIssue(issue))
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

func (c *CLI) Get(id string) (*types.Issue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	issue, ok := c.mirror[id]
	if !ok {
		return nil, false
	}
	return cloneIssue(issue), true
}

func (c *CLI) All() []*types.Issue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Issue, 0, len(c.mirror))
	for _, issue := range c.mirror {
		out = append(out, cloneIssue(issue))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *CLI) Create(ctx context.Context, title string, opts CreateOpts) (string, error) {
	args := []string{"create", title}
	if opts.Body != "" {
		args = append(args, "--body", opts.Body)
	}
	if opts.Priority != 0 {
		args = append(args, "--priority", fmt.Sprintf("%d", opts.Priority))
	}
	for _, l := range opts.Labels {
		args = append(args, "--label", l)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("tracker create failed: %w", err)
	}
	id := parseCreatedID(out)
	if id == "" {
		return "", fmt.Errorf("tracker create succeeded but no id in output %q", strings.TrimSpace(out))
	}
	c.markDirty()
	return id, nil
}

func (c *CLI) Comment(ctx context.Context, id, author, body string) error {
	if _, err := c.run(ctx, "comment", id, "--author", author, "--body", body); err != nil {
		return fmt.Errorf("tracker comment on %s failed: %w", id, err)
	}
	// Tracker succeeded; fold the comment into the mirror without
	// waiting for a file refresh.
	c.mu.Lock()
	if issue, ok := c.mirror[id]; ok {
		issue.Comments = append(issue.Comments, types.Comment{
			Author:    author,
			Body:      body,
			CreatedAt: time.Now(),
		})
	}
	c.mu.Unlock()
	return nil
}

func (c *CLI) Update(ctx context.Context, id string, fields UpdateFields) error {
	args := []string{"update", id}
	if fields.Title != nil {
		args = append(args, "--title", *fields.Title)
	}
	if fields.Description != nil {
		args = append(args, "--description", *fields.Description)
	}
	if fields.AcceptanceCriteria != nil {
		args = append(args, "--acceptance", *fields.AcceptanceCriteria)
	}
	if fields.Priority != nil {
		args = append(args, "--priority", fmt.Sprintf("%d", *fields.Priority))
	}
	if fields.Status != nil {
		args = append(args, "--status", *fields.Status)
	}
	if len(args) == 2 {
		return nil
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("tracker update of %s failed: %w", id, err)
	}

	c.mu.Lock()
	if issue, ok := c.mirror[id]; ok {
		if fields.Title != nil {
			issue.Title = *fields.Title
		}
		if fields.Description != nil {
			issue.Description = *fields.Description
		}
		if fields.AcceptanceCriteria != nil {
			issue.AcceptanceCriteria = *fields.AcceptanceCriteria
		}
		if fields.Priority != nil {
			issue.Priority = *fields.Priority
		}
		if fields.Status != nil {
			issue.Status = types.IssueStatus(*fields.Status)
		}
		issue.UpdatedAt = time.Now()
	}
	c.mu.Unlock()
	return nil
}

func (c *CLI) Close(ctx context.Context, id string) error {
	if issue, ok := c.Get(id); ok && issue.Status == types.IssueStatusClosed {
		// Already closed; closing is idempotent.
		return nil
	}
	if _, err := c.run(ctx, "close", id); err != nil {
		return fmt.Errorf("tracker close of %s failed: %w", id, err)
	}
	c.mu.Lock()
	if issue, ok := c.mirror[id]; ok {
		issue.Status = types.IssueStatusClosed
		issue.UpdatedAt = time.Now()
	}
	c.mu.Unlock()
	return nil
}

// Watch watches the record file's directory and marks the mirror dirty on
// writes. Watching the directory survives the rename-replace pattern
// trackers use when compacting.
func (c *CLI) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create tracker watcher: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		base := filepath.Base(c.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					c.markDirty()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn().Err(err).Msg("tracker watcher error")
			}
		}
	}()
	return nil
}

// run executes one tracker CLI command.
func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", c.bin, args[0], msg)
	}
	return stdout.String(), nil
}

// parseCreatedID extracts the new issue id from the create command's
// output. The CLI prints either the bare id or "Created <id>".
func parseCreatedID(out string) string {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func cloneIssue(in *types.Issue) *types.Issue {
	out := *in
	out.Blockers = append([]string(nil), in.Blockers...)
	out.Comments = append([]types.Comment(nil), in.Comments...)
	if in.Extra != nil {
		out.Extra = make(map[string]string, len(in.Extra))
		for k, v := range in.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}
