// Package vcs wraps the external version-control binary behind a typed
// gateway. Mainline operations serialize on an internal mutex; operations
// on distinct workspaces run concurrently.
package vcs

import "context"

// Summary is a parsed diff summary with disjoint file sets.
type Summary struct {
	Modified []string `json:"modified"`
	Added    []string `json:"added"`
	Deleted  []string `json:"deleted"`
}

// All returns the union of the summary's file sets.
func (s Summary) All() []string {
	out := make([]string, 0, len(s.Modified)+len(s.Added)+len(s.Deleted))
	out = append(out, s.Modified...)
	out = append(out, s.Added...)
	out = append(out, s.Deleted...)
	return out
}

// Empty reports whether the summary holds no changes.
func (s Summary) Empty() bool {
	return len(s.Modified) == 0 && len(s.Added) == 0 && len(s.Deleted) == 0
}

// MergeResult is the outcome of a squash into the mainline. Conflict is
// set when the tool reported textual conflicts; OK=false with
// Conflict=false means some other tool error.
type MergeResult struct {
	OK       bool
	Conflict bool
}

// Gateway is the engine's view of the version-control system.
type Gateway interface {
	// CreateWorkspace ensures the workspace for slot exists and is based
	// on the current mainline head. Idempotent; an existing stale
	// workspace is refreshed in place.
	CreateWorkspace(ctx context.Context, slot int) (string, error)

	// RemoveWorkspace deletes a workspace. Best-effort; the returned
	// error is for logging only and never fails the pipeline.
	RemoveWorkspace(ctx context.Context, path string) error

	// DiffSummary reports the workspace's cumulative change against its
	// mainline base, including uncommitted and untracked files.
	DiffSummary(ctx context.Context, path string) (Summary, error)

	// Restore reverts the given workspace paths to their base content,
	// deleting files the base did not have.
	Restore(ctx context.Context, path string, files []string) error

	// Commit records all workspace changes as a single commit. Returns
	// false with a nil error when there was nothing to commit.
	Commit(ctx context.Context, path, message string) (bool, error)

	// SquashIntoMain folds the workspace's change into the mainline as
	// one commit. Holds the mainline mutex for the duration.
	SquashIntoMain(ctx context.Context, path string) (MergeResult, error)

	// RetireWorkspace moves a slot's workspace aside under a conflict
	// name outside the orphan reaper's reach, so the slot can be rebuilt
	// while the old tree stays available for manual merge resolution.
	// Returns the preserved path.
	RetireWorkspace(ctx context.Context, slot int, issueID string) (string, error)

	// ListOrphanWorkspaces returns workspace directories whose slot is
	// not in the configured slot range.
	ListOrphanWorkspaces(ctx context.Context) ([]string, error)

	// MainContains reports whether the mainline history already carries a
	// commit whose message contains marker. Used by crash recovery to
	// detect an already-applied squash.
	MainContains(ctx context.Context, marker string) (bool, error)
}
