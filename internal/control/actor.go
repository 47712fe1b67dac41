package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/protocol"
	"go.uber.org/zap"
)

type message interface{}

type stepsMsg struct {
	steps []internal.ReasoningStep
}

type commandMsg struct {
	cmd protocol.Command
}

type rejectMsg struct {
	correlationID string
	code          string
	message       string
}

type stateMsg struct {
	reply chan<- internal.AgentState
}

type retryMsg struct{}

// stepCommittedMsg reports one step of a running batch
type stepCommittedMsg struct {
	payload protocol.StepCreated
}

// stepFailedMsg reports a step of a running batch that was not recorded
type stepFailedMsg struct {
	step int
	code string
	err  error
}

type batchDoneMsg struct {
	items     []pendingStep
	engineErr error
	session   *internal.Session
	branch    string
}

type rollbackDoneMsg struct {
	cmd          protocol.RollbackCommand
	commitHash   string
	backupBranch string
	stashed      bool
	err          error
}

type branchDoneMsg struct {
	cmd     protocol.BranchCommand
	session *internal.Session
	err     error
	// lost is set when the workspace moved but the ledger was not updated,
	// so the active session must be resolved again
	lost bool
}

func (c *Controller) handle(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case stepsMsg:
		c.bufferSteps(m.steps)
		c.schedule(ctx)

	case commandMsg:
		c.handleCommand(ctx, m.cmd)

	case rejectMsg:
		c.publishError(m.correlationID, m.code, m.message)

	case stateMsg:
		m.reply <- c.snapshot()

	case retryMsg:
		c.retryWait = false
		c.retryTimer = nil
		c.schedule(ctx)

	case stepCommittedMsg:
		c.publish(protocol.TypeStepCreated, "", m.payload)

	case stepFailedMsg:
		c.publishError("", m.code, fmt.Sprintf("step %d: %v", m.step, m.err))

	case batchDoneMsg:
		c.working = false
		c.finishBatch(m)
		c.settle(ctx)

	case rollbackDoneMsg:
		c.working = false
		c.finishRollback(m)
		c.settle(ctx)

	case branchDoneMsg:
		c.working = false
		c.finishBranch(m)
		c.settle(ctx)

	default:
		c.logger.Error("Unknown controller message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (c *Controller) snapshot() internal.AgentState {
	st := internal.AgentState{
		Status:         c.status,
		PauseRequested: c.pauseRequested,
		Branch:         c.branch,
		PendingSteps:   len(c.pending),
	}
	if c.session != nil {
		st.SessionID = c.session.ID
	}
	return st
}

// bufferSteps appends steps not already pending, keeping ascending order
func (c *Controller) bufferSteps(steps []internal.ReasoningStep) {
	have := make(map[int]bool, len(c.pending))
	for _, p := range c.pending {
		have[p.step.Step] = true
	}
	for _, s := range steps {
		if have[s.Step] {
			continue
		}
		have[s.Step] = true
		c.pending = append(c.pending, pendingStep{step: s})
	}
	sortPending(c.pending)
}

func sortPending(p []pendingStep) {
	// insertion sort, buffers are small and mostly ordered
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && p[j].step.Step < p[j-1].step.Step; j-- {
			p[j], p[j-1] = p[j-1], p[j]
		}
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd protocol.Command) {
	env := cmd.Request()
	c.logger.Debug("Control command",
		zap.String("event_type", env.EventType),
		zap.String("event_id", env.EventID),
		zap.String("status", string(c.status)))

	switch cmd := cmd.(type) {
	case protocol.PauseCommand:
		c.pause(env.ReplyTo())
		c.schedule(ctx)

	case protocol.ResumeCommand:
		c.resume(env.ReplyTo())
		c.schedule(ctx)

	case protocol.RollbackCommand, protocol.BranchCommand:
		switch c.status {
		case internal.StatusRollingBack:
			c.publishError(env.ReplyTo(), protocol.CodeOperationInProgress,
				"a rollback or branch operation is already in progress")
		case internal.StatusRunning:
			c.logger.Info("Deferring command until the running batch finishes",
				zap.String("event_type", env.EventType))
			c.deferred = append(c.deferred, cmd)
		default:
			c.startOperation(ctx, cmd)
		}
	}
}

func (c *Controller) pause(correlationID string) {
	c.pauseRequested = true
	if c.status == internal.StatusIdle {
		c.setStatus(internal.StatusPaused, correlationID)
		return
	}
	// busy or already paused: acknowledge the latch
	c.publishStatus(correlationID)
}

func (c *Controller) resume(correlationID string) {
	c.pauseRequested = false
	if c.status == internal.StatusPaused {
		c.setStatus(internal.StatusIdle, correlationID)
		return
	}
	c.publishStatus(correlationID)
}

// settle ends a unit of work: back to IDLE, or straight to PAUSED when the
// latch is set, then start whatever is next
func (c *Controller) settle(ctx context.Context) {
	next := internal.StatusIdle
	if c.pauseRequested {
		next = internal.StatusPaused
	}
	c.setStatus(next, "")
	c.schedule(ctx)
}

// schedule starts the next unit of work if the state allows it. Deferred
// control commands go before buffered steps.
func (c *Controller) schedule(ctx context.Context) {
	if c.working || c.stopping {
		return
	}
	if c.status != internal.StatusIdle && c.status != internal.StatusPaused {
		return
	}

	if len(c.deferred) > 0 {
		cmd := c.deferred[0]
		c.deferred = c.deferred[1:]
		c.startOperation(ctx, cmd)
		return
	}

	if c.status != internal.StatusIdle || c.retryWait || len(c.pending) == 0 {
		return
	}
	c.startBatch(ctx)
}

func (c *Controller) setStatus(status internal.AgentStatus, correlationID string) {
	if c.status == status {
		c.publishStatus(correlationID)
		return
	}
	c.logger.Info("Agent status changed",
		zap.String("from", string(c.status)),
		zap.String("to", string(status)),
		zap.Bool("pause_requested", c.pauseRequested))
	c.status = status
	c.publishStatus(correlationID)
}

func (c *Controller) publishStatus(correlationID string) {
	c.publish(protocol.TypeStatusChanged, correlationID, protocol.StatusChanged{
		Status:         string(c.status),
		PauseRequested: c.pauseRequested,
	})
}

func (c *Controller) publishError(correlationID, code, msg string) {
	c.logger.Warn("Reporting error", zap.String("code", code), zap.String("message", msg))
	c.publish(protocol.TypeSystemError, correlationID, protocol.SystemError{Code: code, Message: msg})
}

func (c *Controller) publish(eventType, correlationID string, payload interface{}) {
	env, err := protocol.NewEvent(eventType, correlationID, payload)
	if err != nil {
		c.logger.Error("Failed to build event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	c.bus.Publish(env)
}

// goWork runs fn on the worker. The actor never has more than one job out.
func (c *Controller) goWork(fn func() message) {
	c.working = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		msg := fn()
		// the actor keeps draining the inbox until this message arrives
		c.inbox <- msg
	}()
}

// report sends a progress message from the worker to the actor
func (c *Controller) report(msg message) {
	c.inbox <- msg
}

func (c *Controller) startBatch(ctx context.Context) {
	items := c.pending
	c.pending = nil
	session, branch := c.session, c.branch

	c.setStatus(internal.StatusRunning, "")
	c.goWork(func() message {
		return c.runBatch(ctx, session, branch, items)
	})
}

func (c *Controller) finishBatch(m batchDoneMsg) {
	if m.session != nil {
		c.setSession(m.session, m.branch)
	}
	if m.engineErr == nil {
		return
	}

	var retry, gaveUp []pendingStep
	for _, it := range m.items {
		it.attempts++
		if it.attempts >= c.maxAttempts {
			gaveUp = append(gaveUp, it)
		} else {
			retry = append(retry, it)
		}
	}

	c.publishError("", protocol.CodeEngineFailed, m.engineErr.Error())
	if len(gaveUp) > 0 {
		c.publishError("", protocol.CodeEngineGaveUp,
			fmt.Sprintf("dropping steps %s after %d failed engine runs", stepList(gaveUp), c.maxAttempts))
	}
	if len(retry) == 0 {
		return
	}

	c.pending = append(retry, c.pending...)
	sortPending(c.pending)
	c.retryWait = true
	c.retryTimer = time.AfterFunc(c.retryDelay, func() {
		select {
		case c.inbox <- retryMsg{}:
		case <-c.done:
		}
	})
	c.logger.Info("Retrying batch after engine failure",
		zap.Int("steps", len(retry)),
		zap.Duration("delay", c.retryDelay))
}

func stepList(items []pendingStep) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprintf("%d", it.step.Step)
	}
	return strings.Join(parts, ", ")
}

func (c *Controller) startOperation(ctx context.Context, cmd protocol.Command) {
	session, branch := c.session, c.branch
	c.setStatus(internal.StatusRollingBack, "")

	switch cmd := cmd.(type) {
	case protocol.RollbackCommand:
		c.goWork(func() message {
			return c.runRollback(ctx, session, cmd)
		})
	case protocol.BranchCommand:
		c.goWork(func() message {
			return c.runBranch(ctx, session, branch, cmd)
		})
	}
}

func (c *Controller) finishRollback(m rollbackDoneMsg) {
	replyTo := m.cmd.Request().ReplyTo()
	if m.err != nil {
		c.publishError(replyTo, protocol.CodeRollbackFailed, m.err.Error())
		return
	}
	c.publish(protocol.TypeRollbackCompleted, replyTo, protocol.RollbackCompleted{
		Success:      true,
		CommitHash:   m.commitHash,
		BackupBranch: m.backupBranch,
		Stashed:      m.stashed,
	})
	c.savePointer(m.commitHash)
}

func (c *Controller) finishBranch(m branchDoneMsg) {
	replyTo := m.cmd.Request().ReplyTo()
	if m.err != nil {
		if m.lost {
			c.session = nil
		}
		c.publishError(replyTo, protocol.CodeBranchFailed, m.err.Error())
		return
	}
	c.setSession(m.session, m.session.GitBranch)
	c.publish(protocol.TypeBranchCreated, replyTo, protocol.BranchCreated{
		SessionID:  m.session.ID,
		BranchName: m.session.GitBranch,
		Name:       m.cmd.Name,
		BaseCommit: m.session.BaseCommitRef,
	})
}

func (c *Controller) setSession(s *internal.Session, branch string) {
	changed := c.session == nil || c.session.ID != s.ID
	c.session = s
	c.branch = branch
	if changed {
		c.logger.Info("Active session", zap.String("session_id", s.ID), zap.String("branch", branch))
		c.savePointer("")
	}
}

func (c *Controller) savePointer(checkpoint string) {
	if c.pointer == nil || c.session == nil {
		return
	}
	err := c.pointer.Save(&internal.SessionPointer{
		SessionID:    c.session.ID,
		Branch:       c.branch,
		CheckpointID: checkpoint,
		LastUpdated:  time.Now().UTC(),
	})
	if err != nil {
		c.logger.Warn("Failed to save session pointer", zap.Error(err))
	}
}
