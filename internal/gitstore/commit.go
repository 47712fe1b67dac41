package gitstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/iksnae/mindmap/internal"
	"go.uber.org/zap"
)

// StepCommit describes the commit recorded for one reasoning step
type StepCommit struct {
	StepID       string
	Step         int
	Decision     string
	Thought      string
	FileExamined string
	Metadata     internal.StepMetadata
}

// FormatMessage renders the commit message for a step
func FormatMessage(c StepCommit) string {
	subject := c.Decision
	if subject == "" {
		subject = "reasoning step"
	}
	subject = strings.SplitN(subject, "\n", 2)[0]

	var b strings.Builder
	fmt.Fprintf(&b, "Step %d: %s\n\n", c.Step, subject)
	fmt.Fprintf(&b, "Thought: %s\n", c.Thought)
	fmt.Fprintf(&b, "Decision: %s\n", c.Decision)
	if c.FileExamined != "" {
		fmt.Fprintf(&b, "File: %s\n", c.FileExamined)
	}
	fmt.Fprintf(&b, "Step-Id: %s\n", c.StepID)
	return b.String()
}

// ParseStepNumber extracts the step number from a step commit message
func ParseStepNumber(message string) (int, bool) {
	if !strings.HasPrefix(message, "Step ") {
		return 0, false
	}
	rest := strings.TrimPrefix(message, "Step ")
	end := strings.IndexByte(rest, ':')
	if end <= 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// CommitStep stages every worktree change and records a commit for the
// step, even when nothing changed. The step metadata is attached as a note,
// replacing any earlier note on the same commit.
func (s *Store) CommitStep(ctx context.Context, c StepCommit) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(err error) (string, error) {
		return "", &internal.CommitError{StepID: c.StepID, Step: c.Step, Err: err}
	}

	repo, err := s.repository()
	if err != nil {
		return fail(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fail(fmt.Errorf("opening worktree: %w", err))
	}
	if err := s.git.addAll(ctx); err != nil {
		return fail(fmt.Errorf("staging changes: %w", err))
	}

	hash, err := wt.Commit(FormatMessage(c), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  s.name,
			Email: s.email,
			When:  s.now(),
		},
	})
	if err != nil {
		return fail(fmt.Errorf("creating commit: %w", err))
	}
	ref := hash.String()

	meta := c.Metadata
	meta.StepID = c.StepID
	meta.Step = c.Step
	note, err := json.Marshal(meta)
	if err != nil {
		return fail(fmt.Errorf("encoding metadata: %w", err))
	}
	if err := s.git.addNote(ctx, s.notesRef, ref, string(note)); err != nil {
		// the commit itself is durable; the annotation can be rewritten later
		s.log.Warn("Failed to attach step metadata",
			zap.String("commit", ref),
			zap.String("step_id", c.StepID),
			zap.Error(err))
	}

	s.log.Debug("Committed step",
		zap.Int("step", c.Step),
		zap.String("step_id", c.StepID),
		zap.String("commit", ref))
	return ref, nil
}

// Annotate overwrites the metadata note on an existing commit
func (s *Store) Annotate(ctx context.Context, ref string, meta internal.StepMetadata) error {
	h, err := s.resolve(ctx, ref)
	if err != nil {
		return err
	}
	note, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.git.addNote(ctx, s.notesRef, h.String(), string(note))
}
