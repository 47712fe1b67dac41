// Package control is the checkpoint state machine. A single actor goroutine
// owns the agent status, the pause latch, buffered steps and the active
// session; blocking work runs on one worker at a time and reports back
// through the actor's inbox.
package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/engine"
	"github.com/iksnae/mindmap/internal/gitstore"
	"github.com/iksnae/mindmap/internal/ledger"
	"github.com/iksnae/mindmap/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrDuplicate is returned by Submit for a message whose event id was
	// already processed
	ErrDuplicate = errors.New("duplicate control message")
	// ErrStopped is returned once the controller has shut down
	ErrStopped = errors.New("controller stopped")
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
	defaultInboxSize   = 64

	releaseTimeout = 5 * time.Second
)

// Workspace is the versioned store the controller commits to
type Workspace interface {
	CommitStep(ctx context.Context, c gitstore.StepCommit) (string, error)
	RollbackToCommit(ctx context.Context, ref string) (*gitstore.RollbackResult, error)
	CreateTimeline(ctx context.Context, fromRef, name string) (string, error)
	IsAncestor(ctx context.Context, ref, branch string) (bool, error)
	Resolve(ctx context.Context, ref string) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
}

// Ledger is the session store the controller records to
type Ledger interface {
	CreateSession(ctx context.Context, s *internal.Session) error
	GetSession(ctx context.Context, id string) (*internal.Session, error)
	LatestSessionOnBranch(ctx context.Context, branch string) (*internal.Session, error)
	RecordStep(ctx context.Context, rec ledger.StepRecord) (*internal.StepExecution, error)
	RecordTimeline(ctx context.Context, t *internal.Timeline) error
	ClaimMessage(ctx context.Context, eventID, eventType string) (bool, error)
	ReleaseMessage(ctx context.Context, eventID string) error
}

// Publisher receives every event the controller emits
type Publisher interface {
	Publish(env protocol.Envelope)
}

// Options configures a Controller
type Options struct {
	Workspace Workspace
	Ledger    Ledger
	Engine    engine.Runner
	Bus       Publisher
	// Pointer persists the active session across restarts; optional.
	Pointer *internal.SessionStateManager
	// Prompt describes root sessions created by the controller.
	Prompt      string
	MaxAttempts int
	RetryDelay  time.Duration
	InboxSize   int
	Logger      *zap.Logger
}

// pendingStep is a buffered step and the number of failed engine runs it
// has been part of
type pendingStep struct {
	step     internal.ReasoningStep
	attempts int
}

// Controller serializes ingestion, pause/resume, rollback and branch
type Controller struct {
	ws          Workspace
	ledger      Ledger
	engine      engine.Runner
	bus         Publisher
	pointer     *internal.SessionStateManager
	prompt      string
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger

	inbox chan message
	done  chan struct{}

	startOnce sync.Once
	wg        sync.WaitGroup

	// fields below are owned by the actor goroutine
	status         internal.AgentStatus
	pauseRequested bool
	pending        []pendingStep
	deferred       []protocol.Command
	session        *internal.Session
	branch         string
	working        bool
	retryWait      bool
	retryTimer     *time.Timer
	stopping       bool
}

// New creates a Controller. Run must be called to start it.
func New(opts Options) (*Controller, error) {
	if opts.Workspace == nil {
		return nil, errors.New("workspace is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if opts.Engine == nil {
		opts.Engine = engine.NopRunner{}
	}
	if opts.Bus == nil {
		opts.Bus = nopPublisher{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Controller{
		ws:          opts.Workspace,
		ledger:      opts.Ledger,
		engine:      opts.Engine,
		bus:         opts.Bus,
		pointer:     opts.Pointer,
		prompt:      opts.Prompt,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		logger:      opts.Logger.Named("controller"),
		inbox:       make(chan message, opts.InboxSize),
		done:        make(chan struct{}),
		status:      internal.StatusIdle,
	}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(protocol.Envelope) {}

// Run resolves the active session and processes messages until ctx is
// cancelled. In-flight work is allowed to finish before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("controller already started")
	}
	defer close(c.done)

	// work is not cancelled by shutdown, it runs to completion
	workCtx := context.WithoutCancel(ctx)

	session, branch, err := c.resolveSession(workCtx)
	if err != nil {
		return err
	}
	c.setSession(session, branch)
	c.logger.Info("Controller started",
		zap.String("session_id", session.ID),
		zap.String("branch", branch))
	c.publishStatus("")

	stop := ctx.Done()
	for {
		select {
		case <-stop:
			stop = nil
			c.stopping = true
			if c.retryTimer != nil {
				c.retryTimer.Stop()
			}
			if !c.working {
				c.shutdown()
				return nil
			}
			c.logger.Info("Waiting for in-flight work before stopping", zap.String("status", string(c.status)))

		case msg := <-c.inbox:
			c.handle(workCtx, msg)
			if c.stopping && !c.working {
				c.shutdown()
				return nil
			}
		}
	}
}

func (c *Controller) shutdown() {
	c.wg.Wait()
	if len(c.pending) > 0 || len(c.deferred) > 0 {
		c.logger.Warn("Stopping with unprocessed work",
			zap.Int("pending_steps", len(c.pending)),
			zap.Int("deferred_commands", len(c.deferred)))
	}
	c.logger.Info("Controller stopped")
}

// Done is closed when Run has returned
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// send delivers msg to the actor, giving up when ctx ends or the
// controller stops
func (c *Controller) send(ctx context.Context, msg message) error {
	// the inbox is buffered, so a stopped actor must be refused first
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleNewSteps queues freshly ingested steps. It matches ingest.Handler.
func (c *Controller) HandleNewSteps(steps []internal.ReasoningStep) {
	if len(steps) == 0 {
		return
	}
	if err := c.send(context.Background(), stepsMsg{steps: steps}); err != nil {
		c.logger.Warn("Dropping steps, controller is not running",
			zap.Int("count", len(steps)), zap.Error(err))
	}
}

// Submit validates, deduplicates and queues a raw control message. A
// rejected message is answered with a correlated system.error and returned
// as a *protocol.ValidationError; an already processed event id returns
// ErrDuplicate.
func (c *Controller) Submit(ctx context.Context, raw []byte) error {
	cmd, err := protocol.Decode(raw)
	if err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			_ = c.send(ctx, rejectMsg{
				correlationID: verr.ReplyTo(),
				code:          protocol.CodeValidation,
				message:       verr.Error(),
			})
		}
		return err
	}
	return c.SubmitCommand(ctx, cmd)
}

// SubmitCommand deduplicates and queues an already decoded command
func (c *Controller) SubmitCommand(ctx context.Context, cmd protocol.Command) error {
	env := cmd.Request()
	claimed, err := c.ledger.ClaimMessage(ctx, env.EventID, env.EventType)
	if err != nil {
		_ = c.send(ctx, rejectMsg{
			correlationID: env.ReplyTo(),
			code:          protocol.CodeLedgerFailed,
			message:       err.Error(),
		})
		return err
	}
	if !claimed {
		c.logger.Debug("Dropping duplicate control message",
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType))
		return ErrDuplicate
	}
	if err := c.send(ctx, commandMsg{cmd: cmd}); err != nil {
		// the command never reached the actor, so a retry must not be a duplicate
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := c.ledger.ReleaseMessage(releaseCtx, env.EventID); rerr != nil {
			c.logger.Warn("Failed to release control message claim",
				zap.String("event_id", env.EventID), zap.Error(rerr))
		}
		return err
	}
	return nil
}

// State returns a snapshot of the agent state
func (c *Controller) State(ctx context.Context) (internal.AgentState, error) {
	reply := make(chan internal.AgentState, 1)
	if err := c.send(ctx, stateMsg{reply: reply}); err != nil {
		return internal.AgentState{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-c.done:
		return internal.AgentState{}, ErrStopped
	case <-ctx.Done():
		return internal.AgentState{}, ctx.Err()
	}
}
