package gitstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"github.com/iksnae/mindmap/internal"
	"go.uber.org/zap"
)

const backupPrefix = "mindmap/backup-"

// RollbackResult describes a completed rollback
type RollbackResult struct {
	CommitRef    string `json:"commitHash"`
	PreviousHead string `json:"previousHead"`
	BackupBranch string `json:"backupBranch"`
	Stashed      bool   `json:"stashed"`
	StashRef     string `json:"stashRef,omitempty"`
}

// RollbackToCommit moves the current branch and worktree to ref. Uncommitted
// changes are stashed first and a backup branch is left at the previous HEAD.
func (s *Store) RollbackToCommit(ctx context.Context, ref string) (*RollbackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(err error) (*RollbackResult, error) {
		return nil, &internal.RollbackError{Ref: ref, Err: err}
	}

	repo, err := s.repository()
	if err != nil {
		return fail(err)
	}
	target, err := s.resolve(ctx, ref)
	if err != nil {
		return fail(err)
	}
	head, err := repo.Head()
	if err != nil {
		return fail(fmt.Errorf("reading HEAD: %w", err))
	}

	result := &RollbackResult{
		CommitRef:    target.String(),
		PreviousHead: head.Hash().String(),
	}

	result.StashRef, err = s.stashIfDirty(ctx, fmt.Sprintf("mindmap: uncommitted changes before rollback to %s", short(target)))
	if err != nil {
		return fail(err)
	}
	result.Stashed = result.StashRef != ""

	result.BackupBranch = s.uniqueBranch(repo, backupPrefix+s.now().UTC().Format("20060102-150405.000"))
	backup := plumbing.NewHashReference(plumbing.NewBranchReferenceName(result.BackupBranch), head.Hash())
	if err := repo.Storer.SetReference(backup); err != nil {
		return fail(fmt.Errorf("creating backup branch: %w", err))
	}

	if err := s.git.resetHard(ctx, target.String()); err != nil {
		return fail(fmt.Errorf("resetting worktree: %w", err))
	}

	s.log.Info("Rolled back workspace",
		zap.String("commit", result.CommitRef),
		zap.String("previous_head", result.PreviousHead),
		zap.String("backup_branch", result.BackupBranch),
		zap.Bool("stashed", result.Stashed))
	return result, nil
}

// CreateTimeline creates and checks out a new branch rooted at fromRef. The
// branch is named after name with a random suffix.
func (s *Store) CreateTimeline(ctx context.Context, fromRef, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(err error) (string, error) {
		return "", &internal.BranchError{Name: name, FromRef: fromRef, Err: err}
	}

	repo, err := s.repository()
	if err != nil {
		return fail(err)
	}
	target, err := s.resolve(ctx, fromRef)
	if err != nil {
		return fail(err)
	}

	if _, err := s.stashIfDirty(ctx, fmt.Sprintf("mindmap: uncommitted changes before branching %s", name)); err != nil {
		return fail(err)
	}

	branch := SanitizeBranchName(name) + "-" + randomSuffix()
	for branchExists(repo, branch) {
		branch = SanitizeBranchName(name) + "-" + randomSuffix()
	}

	if err := s.git.checkoutNewBranch(ctx, branch, target.String()); err != nil {
		return fail(fmt.Errorf("checking out %s: %w", branch, err))
	}

	s.log.Info("Created timeline",
		zap.String("branch", branch),
		zap.String("from", target.String()))
	return branch, nil
}

// stashIfDirty stashes tracked and untracked changes under label and returns
// the stash commit, or "" when the worktree was clean
func (s *Store) stashIfDirty(ctx context.Context, label string) (string, error) {
	status, err := s.git.porcelain(ctx)
	if err != nil {
		return "", fmt.Errorf("checking worktree status: %w", err)
	}
	if status == "" {
		return "", nil
	}
	ref, err := s.git.stashPush(ctx, label)
	if err != nil {
		return "", fmt.Errorf("stashing changes: %w", err)
	}
	s.log.Info("Stashed uncommitted changes", zap.String("stash", ref), zap.String("label", label))
	return ref, nil
}

// uniqueBranch appends a counter to name until no branch has that name
func (s *Store) uniqueBranch(repo *git.Repository, name string) string {
	candidate := name
	for i := 2; branchExists(repo, candidate); i++ {
		candidate = fmt.Sprintf("%s-%d", name, i)
	}
	return candidate
}

var unsafeBranchChars = regexp.MustCompile(`[^A-Za-z0-9._/-]+`)

// SanitizeBranchName turns a user supplied label into a valid branch prefix
func SanitizeBranchName(name string) string {
	clean := unsafeBranchChars.ReplaceAllString(strings.TrimSpace(name), "-")
	for strings.Contains(clean, "..") {
		clean = strings.ReplaceAll(clean, "..", ".")
	}
	for strings.Contains(clean, "//") {
		clean = strings.ReplaceAll(clean, "//", "/")
	}
	clean = strings.Trim(clean, "-./")
	clean = strings.TrimSuffix(clean, ".lock")
	if clean == "" {
		return "timeline"
	}
	return clean
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func short(h plumbing.Hash) string {
	return h.String()[:8]
}
