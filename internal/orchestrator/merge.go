package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"apex/internal/events"
	"apex/internal/execx"
	"apex/internal/task"
)

// MergeResult reports a branch-merge attempt.
type MergeResult struct {
	Success      bool     `json:"success"`
	ChangedFiles []string `json:"changedFiles,omitempty"`
	Error        string   `json:"error,omitempty"`
	Conflicted   bool     `json:"conflicted,omitempty"`
}

// MergeOptions tunes MergeTaskBranch.
type MergeOptions struct {
	Squash bool
}

func (o *Orchestrator) git(ctx context.Context, dir string, args ...string) (execx.Result, error) {
	return o.runCLI(ctx, "git", args, execx.Options{Dir: dir})
}

// defaultBranch probes for main then master; when neither exists it
// creates main so the merge has a target.
func (o *Orchestrator) defaultBranch(ctx context.Context, dir string) (string, error) {
	for _, candidate := range []string{"main", "master"} {
		res, err := o.git(ctx, dir, "rev-parse", "--verify", "refs/heads/"+candidate)
		if err == nil && res.ExitCode == 0 {
			return candidate, nil
		}
	}
	if res, err := o.git(ctx, dir, "checkout", "-b", "main"); err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("default branch: could not create main")
	}
	return "main", nil
}

// MergeTaskBranch merges the task's branch onto the default branch.
// Conflicts are aborted and reported, never left half-applied.
func (o *Orchestrator) MergeTaskBranch(ctx context.Context, taskID string, opts MergeOptions) (*MergeResult, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("merge: task %s not found", taskID)
	}
	branch := t.Branch
	if branch == "" {
		branch = "task/" + taskID
	}
	dir := t.ProjectPath

	target, err := o.defaultBranch(ctx, dir)
	if err != nil {
		return &MergeResult{Success: false, Error: err.Error()}, nil
	}

	changed, _ := o.git(ctx, dir, "diff", "--name-only", target+"..."+branch)
	changedFiles := splitLines(changed.Stdout)

	if res, err := o.git(ctx, dir, "checkout", target); err != nil || res.ExitCode != 0 {
		return &MergeResult{Success: false, Error: fmt.Sprintf("checkout %s failed", target)}, nil
	}

	mergeArgs := []string{"merge"}
	if opts.Squash {
		mergeArgs = append(mergeArgs, "--squash")
	}
	mergeArgs = append(mergeArgs, branch)

	res, err := o.git(ctx, dir, mergeArgs...)
	if err != nil || res.ExitCode != 0 {
		o.logger.Warn("orchestrator: merge of %s onto %s conflicted", branch, target)
		if abort, abortErr := o.git(ctx, dir, "merge", "--abort"); abortErr != nil || abort.ExitCode != 0 {
			o.logger.Warn("orchestrator: merge abort also failed for %s", branch)
		}
		return &MergeResult{Success: false, Conflicted: true, Error: "merge conflicts"}, nil
	}

	o.logger.Info("orchestrator: merged %s onto %s (%d files)", branch, target, len(changedFiles))
	return &MergeResult{Success: true, ChangedFiles: changedFiles}, nil
}

var prNumberPattern = regexp.MustCompile(`/pull/(\d+)`)

// CheckPRMerged asks the PR CLI whether the task's pull request is
// merged. Every failure mode degrades to false with a warn log.
func (o *Orchestrator) CheckPRMerged(ctx context.Context, taskID string) bool {
	if !o.cliAvailable("gh") {
		o.logger.Warn("orchestrator: gh CLI not available, treating PR for %s as unmerged", taskID)
		return false
	}
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil || t == nil {
		o.logger.Warn("orchestrator: could not load task %s for PR check", taskID)
		return false
	}
	if t.PRURL == "" {
		o.logger.Warn("orchestrator: task %s has no PR URL", taskID)
		return false
	}
	match := prNumberPattern.FindStringSubmatch(t.PRURL)
	if match == nil {
		o.logger.Warn("orchestrator: task %s PR URL %q is not parsable", taskID, t.PRURL)
		return false
	}

	res, err := o.runCLI(ctx, "gh", []string{"pr", "view", match[1], "--json", "state"}, execx.Options{Dir: t.ProjectPath})
	if err != nil || res.ExitCode != 0 {
		o.logger.Warn("orchestrator: gh pr view failed for task %s: %v", taskID, err)
		return false
	}
	var payload struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &payload); err != nil {
		o.logger.Warn("orchestrator: unparsable gh output for task %s: %v", taskID, err)
		return false
	}
	return payload.State == "MERGED"
}

// CleanupMergedWorktree deletes a task's worktree once its PR has
// merged, emitting worktree:merge-cleaned on success.
func (o *Orchestrator) CleanupMergedWorktree(ctx context.Context, taskID string) (bool, error) {
	if !o.cfg.WorktreeManagement {
		return false, fmt.Errorf("cleanup merged worktree: worktree management is disabled")
	}
	if taskID == "" {
		return false, fmt.Errorf("cleanup merged worktree: task id is required")
	}
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t == nil {
		o.logger.Warn("orchestrator: cleanup requested for unknown task %s", taskID)
		return false, nil
	}

	if !o.CheckPRMerged(ctx, taskID) {
		o.logger.Info("orchestrator: PR for task %s not merged, keeping worktree", taskID)
		return false, nil
	}

	provider := o.workspaces.ProviderFor(task.WorkspaceWorktree)
	if provider == nil {
		o.logger.Warn("orchestrator: no worktree provider configured")
		return false, nil
	}
	info, err := provider.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if info == nil {
		o.logger.Warn("orchestrator: task %s has no worktree to clean", taskID)
		return false, nil
	}

	removed, err := provider.Delete(ctx, taskID)
	if err != nil {
		o.logger.Error("orchestrator: worktree delete for %s failed: %v", taskID, err)
		return false, nil
	}
	if !removed {
		o.logger.Warn("orchestrator: worktree for %s disappeared before delete", taskID)
		return false, nil
	}

	prURL := t.PRURL
	if prURL == "" {
		prURL = "unknown"
	}
	o.bus.Publish(events.Event{
		Name:   events.WorktreeMergeCleaned,
		TaskID: taskID,
		Payload: map[string]any{
			"path":  info.Path,
			"prUrl": prURL,
		},
	})
	o.logger.Info("orchestrator: cleaned merged worktree for task %s (%s)", taskID, info.Path)
	return true, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
