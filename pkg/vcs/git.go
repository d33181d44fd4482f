package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardproject/steward/pkg/log"
)

// commandTimeout bounds a single VCS subprocess call.
const commandTimeout = 2 * time.Minute

// workspacePrefix is the directory-name prefix for slot workspaces under
// the repository root.
const workspacePrefix = ".worker-"

// Git is the Gateway implementation over the git binary.
type Git struct {
	repoDir  string
	bin      string
	mainRef  string
	numSlots int
	logger   zerolog.Logger

	// mainMu serializes every operation that touches the mainline
	// working copy.
	mainMu sync.Mutex
}

// NewGit opens the repository at repoDir and records its current branch as
// the mainline ref.
func NewGit(ctx context.Context, repoDir string, numSlots int) (*Git, error) {
	g := &Git{
		repoDir:  repoDir,
		bin:      "git",
		numSlots: numSlots,
		logger:   log.WithComponent("vcs"),
	}
	ref, err := g.run(ctx, repoDir, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mainline branch in %s: %w", repoDir, err)
	}
	g.mainRef = strings.TrimSpace(ref)
	return g, nil
}

// WorkspacePath returns the deterministic workspace directory for a slot.
func (g *Git) WorkspacePath(slot int) string {
	return filepath.Join(g.repoDir, fmt.Sprintf("%s%d", workspacePrefix, slot))
}

func (g *Git) CreateWorkspace(ctx context.Context, slot int) (string, error) {
	path := g.WorkspacePath(slot)

	if _, err := os.Stat(path); err == nil {
		if g.isWorktree(ctx, path) {
			if err := g.refreshWorkspace(ctx, path); err != nil {
				return "", fmt.Errorf("failed to refresh workspace %s: %w", path, err)
			}
			return path, nil
		}
		// A non-workspace directory squatting on the slot path. Try to
		// clear it once; a second collision is irrecoverable.
		g.logger.Warn().Str("path", path).Msg("removing foreign directory at workspace path")
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("workspace path collision at %s: %w", path, err)
		}
		g.mainMu.Lock()
		_, _ = g.run(ctx, g.repoDir, "worktree", "prune")
		g.mainMu.Unlock()
	}

	g.mainMu.Lock()
	_, err := g.run(ctx, g.repoDir, "worktree", "add", "--detach", path, g.mainRef)
	g.mainMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to create workspace for slot %d: %w", slot, err)
	}
	return path, nil
}

// refreshWorkspace resets an existing workspace to the current mainline
// head, discarding any leftover changes.
func (g *Git) refreshWorkspace(ctx context.Context, path string) error {
	if _, err := g.run(ctx, path, "reset", "--hard"); err != nil {
		return err
	}
	if _, err := g.run(ctx, path, "clean", "-fd"); err != nil {
		return err
	}
	if _, err := g.run(ctx, path, "checkout", "--detach", g.mainRef); err != nil {
		return err
	}
	return nil
}

func (g *Git) RemoveWorkspace(ctx context.Context, path string) error {
	g.mainMu.Lock()
	defer g.mainMu.Unlock()
	if _, err := g.run(ctx, g.repoDir, "worktree", "remove", "--force", path); err != nil {
		// Fall back to a plain delete plus prune for directories git no
		// longer recognizes.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove workspace %s: %w", path, rmErr)
		}
		_, _ = g.run(ctx, g.repoDir, "worktree", "prune")
	}
	return nil
}

func (g *Git) DiffSummary(ctx context.Context, path string) (Summary, error) {
	base, err := g.workspaceBase(ctx, path)
	if err != nil {
		return Summary{}, err
	}

	var s Summary
	out, err := g.run(ctx, path, "diff", "--name-status", base)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to diff workspace %s: %w", path, err)
	}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		switch status := fields[0]; {
		case status == "A":
			s.Added = append(s.Added, fields[1])
		case status == "D":
			s.Deleted = append(s.Deleted, fields[1])
		case strings.HasPrefix(status, "R") && len(fields) >= 3:
			s.Deleted = append(s.Deleted, fields[1])
			s.Added = append(s.Added, fields[2])
		default:
			s.Modified = append(s.Modified, fields[1])
		}
	}

	untracked, err := g.run(ctx, path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list untracked files in %s: %w", path, err)
	}
	for _, line := range strings.Split(untracked, "\n") {
		if line != "" {
			s.Added = append(s.Added, line)
		}
	}
	return s, nil
}

func (g *Git) Restore(ctx context.Context, path string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	base, err := g.workspaceBase(ctx, path)
	if err != nil {
		return err
	}
	for _, f := range files {
		args := append([]string{"checkout", base, "--"}, f)
		if _, err := g.run(ctx, path, args...); err != nil {
			// Not in the base tree, so the file is new; delete it.
			if rmErr := os.Remove(filepath.Join(path, f)); rmErr != nil && !os.IsNotExist(rmErr) {
				return fmt.Errorf("failed to restore %s in %s: %w", f, path, rmErr)
			}
		}
	}
	return nil
}

func (g *Git) Commit(ctx context.Context, path, message string) (bool, error) {
	if _, err := g.run(ctx, path, "add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage workspace %s: %w", path, err)
	}
	staged, err := g.run(ctx, path, "diff", "--cached", "--name-only")
	if err != nil {
		return false, fmt.Errorf("failed to inspect staged changes in %s: %w", path, err)
	}
	if strings.TrimSpace(staged) == "" {
		return false, nil
	}
	if _, err := g.run(ctx, path, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("failed to commit workspace %s: %w", path, err)
	}
	return true, nil
}

func (g *Git) SquashIntoMain(ctx context.Context, path string) (MergeResult, error) {
	head, err := g.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return MergeResult{}, fmt.Errorf("failed to resolve workspace head in %s: %w", path, err)
	}
	head = strings.TrimSpace(head)

	message, err := g.run(ctx, path, "log", "-1", "--format=%B", head)
	if err != nil {
		return MergeResult{}, fmt.Errorf("failed to read commit message in %s: %w", path, err)
	}

	g.mainMu.Lock()
	defer g.mainMu.Unlock()

	if _, err := g.run(ctx, g.repoDir, "merge", "--squash", head); err != nil {
		if g.hasConflicts(ctx) {
			// Drop the half-applied squash so the mainline stays clean.
			_, _ = g.run(ctx, g.repoDir, "reset", "--hard", "HEAD")
			return MergeResult{Conflict: true}, nil
		}
		_, _ = g.run(ctx, g.repoDir, "reset", "--hard", "HEAD")
		return MergeResult{}, nil
	}

	staged, err := g.run(ctx, g.repoDir, "diff", "--cached", "--name-only")
	if err != nil {
		return MergeResult{}, fmt.Errorf("failed to inspect mainline index: %w", err)
	}
	if strings.TrimSpace(staged) == "" {
		// Nothing to fold; the change is already on the mainline.
		return MergeResult{OK: true}, nil
	}
	if _, err := g.run(ctx, g.repoDir, "commit", "-m", strings.TrimSpace(message)); err != nil {
		return MergeResult{}, fmt.Errorf("failed to commit squash on mainline: %w", err)
	}
	return MergeResult{OK: true}, nil
}

// conflictPrefix names retired workspaces. It deliberately does not share
// workspacePrefix, so the orphan reaper never touches a preserved tree.
const conflictPrefix = ".conflict-"

func (g *Git) RetireWorkspace(ctx context.Context, slot int, issueID string) (string, error) {
	src := g.WorkspacePath(slot)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("no workspace to retire for slot %d: %w", slot, err)
	}

	dst := filepath.Join(g.repoDir, conflictPrefix+issueID)
	for n := 2; ; n++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(g.repoDir, fmt.Sprintf("%s%s-%d", conflictPrefix, issueID, n))
	}

	g.mainMu.Lock()
	defer g.mainMu.Unlock()
	if _, err := g.run(ctx, g.repoDir, "worktree", "move", src, dst); err != nil {
		// Locked or unregistered worktrees; rename in place and let git
		// relink the administrative files.
		if mvErr := os.Rename(src, dst); mvErr != nil {
			return "", fmt.Errorf("failed to retire workspace %s: %w", src, mvErr)
		}
		_, _ = g.run(ctx, g.repoDir, "worktree", "repair", dst)
	}
	return dst, nil
}

func (g *Git) ListOrphanWorkspaces(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(g.repoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan repository root: %w", err)
	}
	var orphans []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workspacePrefix) {
			continue
		}
		slot, err := strconv.Atoi(strings.TrimPrefix(e.Name(), workspacePrefix))
		if err != nil || slot < 0 || slot >= g.numSlots {
			orphans = append(orphans, filepath.Join(g.repoDir, e.Name()))
		}
	}
	return orphans, nil
}

func (g *Git) MainContains(ctx context.Context, marker string) (bool, error) {
	g.mainMu.Lock()
	defer g.mainMu.Unlock()
	out, err := g.run(ctx, g.repoDir, "log", "--fixed-strings", "--grep", marker, "-n", "1", "--format=%H")
	if err != nil {
		return false, fmt.Errorf("failed to search mainline history: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// workspaceBase returns the mainline revision the workspace forked from.
func (g *Git) workspaceBase(ctx context.Context, path string) (string, error) {
	out, err := g.run(ctx, path, "merge-base", g.mainRef, "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace base for %s: %w", path, err)
	}
	return strings.TrimSpace(out), nil
}

// isWorktree reports whether path is a directory git recognizes.
func (g *Git) isWorktree(ctx context.Context, path string) bool {
	_, err := g.run(ctx, path, "rev-parse", "--git-dir")
	return err == nil
}

// hasConflicts reports whether the mainline index holds unmerged entries.
func (g *Git) hasConflicts(ctx context.Context) bool {
	out, err := g.run(ctx, g.repoDir, "diff", "--name-only", "--diff-filter=U")
	return err == nil && strings.TrimSpace(out) != ""
}

// run executes one git command in dir and returns its stdout. Errors carry
// the stderr tail.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("%s %s: %s", g.bin, args[0], msg)
	}
	return stdout.String(), nil
}
