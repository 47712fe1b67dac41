package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/gitstore"
	"github.com/iksnae/mindmap/internal/ledger"
	"github.com/iksnae/mindmap/internal/protocol"
	"go.uber.org/zap"
)

// The functions in this file run on the worker goroutine. They only touch
// the arguments they are given and report back through messages.

// runBatch invokes the engine once for the batch and then commits and
// records each step in ascending order. A step that fails to commit or
// record is reported and skipped; the rest of the batch continues.
func (c *Controller) runBatch(ctx context.Context, session *internal.Session, branch string, items []pendingStep) message {
	done := batchDoneMsg{items: items}
	if session == nil {
		s, b, err := c.resolveSession(ctx)
		if err != nil {
			for _, it := range items {
				c.report(stepFailedMsg{step: it.step.Step, code: protocol.CodeLedgerFailed, err: err})
			}
			return done
		}
		session, branch = s, b
		done.session, done.branch = s, b
	}

	steps := make([]internal.ReasoningStep, len(items))
	for i, it := range items {
		steps[i] = it.step
	}

	if err := c.engine.RunBatch(ctx, steps); err != nil {
		done.engineErr = err
		return done
	}

	for _, step := range steps {
		stepID := internal.StepID(session.ID, step.Step)
		ref, err := c.ws.CommitStep(ctx, gitstore.StepCommit{
			StepID:       stepID,
			Step:         step.Step,
			Decision:     step.Decision,
			Thought:      step.Thought,
			FileExamined: step.FileExamined,
			Metadata: internal.StepMetadata{
				SessionID:    session.ID,
				Alternatives: step.AlternativesConsidered,
				Status:       step.Status,
				Timestamp:    step.Timestamp,
			},
		})
		if err != nil {
			c.report(stepFailedMsg{step: step.Step, code: protocol.CodeCommitFailed, err: err})
			continue
		}

		_, err = c.ledger.RecordStep(ctx, ledger.StepRecord{
			SessionID:  session.ID,
			Step:       step.Step,
			CommitRef:  ref,
			Delta:      stepDelta(step, ref),
			OutputText: step.Thought,
		})
		if err != nil {
			c.report(stepFailedMsg{step: step.Step, code: protocol.CodeLedgerFailed, err: err})
			continue
		}

		alternatives := step.AlternativesConsidered
		if alternatives == nil {
			alternatives = []string{}
		}
		c.report(stepCommittedMsg{payload: protocol.StepCreated{
			Step:         step.Step,
			Thought:      step.Thought,
			File:         step.FileExamined,
			Decision:     step.Decision,
			Alternatives: alternatives,
			CommitHash:   ref,
			StepID:       stepID,
			SessionID:    session.ID,
		}})
	}
	return done
}

// stepDelta is the state update a step contributes to its session
func stepDelta(step internal.ReasoningStep, ref string) map[string]interface{} {
	delta := map[string]interface{}{
		"current_step": step.Step,
		"thought":      step.Thought,
		"commit_hash":  ref,
	}
	if step.Decision != "" {
		delta["decision"] = step.Decision
	}
	if step.FileExamined != "" {
		delta["file_examined"] = step.FileExamined
	}
	if len(step.AlternativesConsidered) > 0 {
		delta["alternatives"] = step.AlternativesConsidered
	}
	return delta
}

func (c *Controller) runRollback(ctx context.Context, session *internal.Session, cmd protocol.RollbackCommand) message {
	done := rollbackDoneMsg{cmd: cmd}

	res, err := c.ws.RollbackToCommit(ctx, cmd.CommitHash)
	if err != nil {
		done.err = err
		return done
	}
	done.commitHash = res.CommitRef
	done.backupBranch = res.BackupBranch
	done.stashed = res.Stashed

	if session == nil {
		session, _, err = c.resolveSession(ctx)
	}
	if err == nil {
		err = c.ledger.RecordTimeline(ctx, &internal.Timeline{
			SessionID:     session.ID,
			BranchName:    res.BackupBranch,
			Kind:          internal.TimelineBackup,
			BaseCommitRef: res.CommitRef,
			HeadCommitRef: res.PreviousHead,
		})
	}
	if err != nil {
		// the workspace is already reset; the missing row only affects listings
		c.logger.Warn("Failed to record backup timeline",
			zap.String("backup_branch", res.BackupBranch), zap.Error(err))
	}
	return done
}

// runBranch forks a new session from a commit of the parent session's
// branch
func (c *Controller) runBranch(ctx context.Context, session *internal.Session, branch string, cmd protocol.BranchCommand) message {
	done := branchDoneMsg{cmd: cmd}
	fail := func(err error) message {
		done.err = &internal.BranchError{Name: cmd.Name, FromRef: cmd.FromCommitHash, Err: err}
		return done
	}

	parentID := cmd.ParentSessionID
	if parentID == "" {
		if session == nil {
			s, _, err := c.resolveSession(ctx)
			if err != nil {
				return fail(err)
			}
			session = s
		}
		parentID = session.ID
	}
	parent, err := c.ledger.GetSession(ctx, parentID)
	if err != nil {
		return fail(fmt.Errorf("parent session %s: %w", parentID, err))
	}

	base, err := c.ws.Resolve(ctx, cmd.FromCommitHash)
	if err != nil {
		return fail(err)
	}
	ok, err := c.ws.IsAncestor(ctx, base, parent.GitBranch)
	if err != nil {
		return fail(fmt.Errorf("checking lineage: %w", err))
	}
	if !ok {
		return fail(fmt.Errorf("commit %s is not in the history of %s", short(base), parent.GitBranch))
	}

	created, err := c.ws.CreateTimeline(ctx, base, cmd.Name)
	if err != nil {
		var berr *internal.BranchError
		if errors.As(err, &berr) {
			done.err = berr
			return done
		}
		return fail(err)
	}

	child := &internal.Session{
		ID:              uuid.NewString(),
		ParentSessionID: parent.ID,
		Prompt:          parent.Prompt,
		GitBranch:       created,
		BaseCommitRef:   base,
	}
	if err := c.ledger.CreateSession(ctx, child); err != nil {
		done.lost = true
		return fail(fmt.Errorf("recording session: %w", err))
	}
	err = c.ledger.RecordTimeline(ctx, &internal.Timeline{
		SessionID:     child.ID,
		BranchName:    created,
		Kind:          internal.TimelineBranch,
		BaseCommitRef: base,
		HeadCommitRef: base,
	})
	if err != nil {
		c.logger.Warn("Failed to record branch timeline", zap.String("branch", created), zap.Error(err))
	}

	c.logger.Info("Created branch session",
		zap.String("session_id", child.ID),
		zap.String("parent_session_id", parent.ID),
		zap.String("branch", created),
		zap.String("base", base),
		zap.String("previous_branch", branch))
	done.session = child
	return done
}

// resolveSession finds the session for the checked out branch: the saved
// pointer when it matches, else the newest ledger session on the branch,
// else a new root session
func (c *Controller) resolveSession(ctx context.Context) (*internal.Session, string, error) {
	branch, err := c.ws.CurrentBranch(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("reading current branch: %w", err)
	}

	if c.pointer != nil {
		ptr, err := c.pointer.Load()
		if err != nil {
			c.logger.Warn("Ignoring unreadable session pointer", zap.Error(err))
		}
		if ptr != nil && ptr.Branch == branch {
			s, err := c.ledger.GetSession(ctx, ptr.SessionID)
			if err == nil {
				return s, branch, nil
			}
			if !errors.Is(err, ledger.ErrSessionNotFound) {
				return nil, "", err
			}
		}
	}

	s, err := c.ledger.LatestSessionOnBranch(ctx, branch)
	if err != nil {
		return nil, "", err
	}
	if s != nil {
		return s, branch, nil
	}

	s = &internal.Session{
		ID:        uuid.NewString(),
		Prompt:    c.prompt,
		GitBranch: branch,
	}
	if err := c.ledger.CreateSession(ctx, s); err != nil {
		return nil, "", err
	}
	c.logger.Info("Created root session", zap.String("session_id", s.ID), zap.String("branch", branch))
	return s, branch, nil
}

func short(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}
