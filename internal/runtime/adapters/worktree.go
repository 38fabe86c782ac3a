package adapters

import (
	"context"
	"fmt"
	"os/exec"
)

// GitWorktree backs a Workspace entity with a real git worktree in the
// project's repository.
type GitWorktree struct {
	RepoRoot string
}

func NewGitWorktree(repoRoot string) *GitWorktree {
	return &GitWorktree{RepoRoot: repoRoot}
}

func (g *GitWorktree) CreateWorktree(ctx context.Context, workspaceID, path, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path)
	cmd.Dir = g.RepoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("adapters: git worktree add %s: %w: %s", path, err, out)
	}
	return nil
}

// Merge runs a plain `git merge --no-edit` of the ref named workspaceID
// into whatever branch is checked out in RepoRoot; it is not limited to
// fast-forwards. Conflicts surface as an error (Executor.Run logs it);
// this adapter never attempts to resolve them itself.
func (g *GitWorktree) Merge(ctx context.Context, workspaceID string) error {
	cmd := exec.CommandContext(ctx, "git", "merge", "--no-edit", workspaceID)
	cmd.Dir = g.RepoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("adapters: git merge %s: %w: %s", workspaceID, err, out)
	}
	return nil
}

func (g *GitWorktree) RemoveWorktree(ctx context.Context, workspaceID, path string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = g.RepoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("adapters: git worktree remove %s: %w: %s", path, err, out)
	}
	return nil
}
