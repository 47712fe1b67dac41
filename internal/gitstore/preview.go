package gitstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/iksnae/mindmap/internal"
	"github.com/sourcegraph/go-diff/diff"
)

// FileChange summarizes what a rollback would do to one file
type FileChange struct {
	Path    string `json:"path"`
	Status  string `json:"status"` // "added", "deleted", "modified"
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
}

// RollbackPreview describes the effect of rolling back to a commit
type RollbackPreview struct {
	Target string       `json:"commitHash"`
	Head   string       `json:"head"`
	Dirty  bool         `json:"dirty"`
	Files  []FileChange `json:"files"`
}

// PreviewRollback diffs the current tracked worktree against ref without
// touching either
func (s *Store) PreviewRollback(ctx context.Context, ref string) (*RollbackPreview, error) {
	target, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, &internal.RollbackError{Ref: ref, Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, err := s.repository()
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}

	status, err := s.git.porcelain(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking worktree status: %w", err)
	}

	out, err := s.git.diffTo(ctx, target.String())
	if err != nil {
		return nil, fmt.Errorf("diffing against %s: %w", short(target), err)
	}
	files, err := parseFileChanges(out)
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	return &RollbackPreview{
		Target: target.String(),
		Head:   head.Hash().String(),
		Dirty:  status != "",
		Files:  files,
	}, nil
}

func parseFileChanges(out []byte) ([]FileChange, error) {
	changes := []FileChange{}
	if len(strings.TrimSpace(string(out))) == 0 {
		return changes, nil
	}

	fileDiffs, err := diff.ParseMultiFileDiff(out)
	if err != nil {
		return nil, err
	}

	for _, fd := range fileDiffs {
		change := FileChange{Status: "modified"}
		switch {
		case fd.OrigName == "/dev/null":
			change.Status = "added"
			change.Path = fd.NewName
		case fd.NewName == "/dev/null":
			change.Status = "deleted"
			change.Path = fd.OrigName
		default:
			change.Path = fd.NewName
		}
		if change.Path == "" {
			change.Path = nameFromExtended(fd.Extended)
		}
		change.Path = strings.TrimPrefix(strings.TrimPrefix(change.Path, "a/"), "b/")

		stat := fd.Stat()
		change.Added = int(stat.Added + stat.Changed)
		change.Deleted = int(stat.Deleted + stat.Changed)
		changes = append(changes, change)
	}
	return changes, nil
}

// nameFromExtended reads the path from a "diff --git a/x b/x" header, used
// for entries without ---/+++ lines such as binary or empty files
func nameFromExtended(extended []string) string {
	for _, line := range extended {
		if !strings.HasPrefix(line, "diff --git ") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "diff --git "))
		if len(fields) == 2 {
			return fields[1]
		}
	}
	return ""
}
