package control

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/bus"
	"github.com/iksnae/mindmap/internal/engine"
	"github.com/iksnae/mindmap/internal/gitstore"
	"github.com/iksnae/mindmap/internal/ledger"
	"github.com/iksnae/mindmap/internal/protocol"
	"github.com/iksnae/mindmap/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 10 * time.Second

type harness struct {
	t      *testing.T
	dir    string
	store  *gitstore.Store
	ledger *ledger.Ledger
	ctrl   *Controller
	events <-chan protocol.Envelope
	seen   []protocol.Envelope
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	testutil.RequireGit(t)

	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	store, err := gitstore.New(gitstore.Options{Path: dir, Exclude: []string{".mindmap"}, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))

	l, err := ledger.New(testutil.CreateInMemoryDB(t))
	require.NoError(t, err)

	b := bus.New(logger)
	events, cancelSub := b.Subscribe(1024)

	opts := Options{
		Workspace:  store,
		Ledger:     l,
		Bus:        b,
		Pointer:    internal.NewSessionStateManager(dir + "/.mindmap/session.yaml"),
		Prompt:     "test run",
		RetryDelay: 10 * time.Millisecond,
		Logger:     logger,
	}
	if configure != nil {
		configure(&opts)
	}
	ctrl, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Error("controller did not stop")
		}
		cancelSub()
	})

	h := &harness{t: t, dir: dir, store: store, ledger: l, ctrl: ctrl, events: events}
	h.waitStatus(internal.StatusIdle)
	return h
}

// next waits for the next event matching match and returns it
func (h *harness) next(match func(protocol.Envelope) bool) protocol.Envelope {
	h.t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case env, ok := <-h.events:
			require.True(h.t, ok, "event stream closed")
			h.seen = append(h.seen, env)
			if match(env) {
				return env
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for event; seen %s", h.describeSeen())
		}
	}
}

func (h *harness) describeSeen() string {
	parts := make([]string, 0, len(h.seen))
	for _, env := range h.seen {
		parts = append(parts, env.EventType+string(env.Payload))
	}
	return strings.Join(parts, ", ")
}

func ofType(eventType string) func(protocol.Envelope) bool {
	return func(env protocol.Envelope) bool { return env.EventType == eventType }
}

func correlated(eventType, correlationID string) func(protocol.Envelope) bool {
	return func(env protocol.Envelope) bool {
		return env.EventType == eventType && env.CorrelationID == correlationID
	}
}

func (h *harness) waitStatus(status internal.AgentStatus) protocol.StatusChanged {
	h.t.Helper()
	var p protocol.StatusChanged
	h.next(func(env protocol.Envelope) bool {
		if env.EventType != protocol.TypeStatusChanged {
			return false
		}
		require.NoError(h.t, env.DecodePayload(&p))
		return p.Status == string(status)
	})
	return p
}

// quiet asserts no event matching match arrives within d
func (h *harness) quiet(d time.Duration, match func(protocol.Envelope) bool) {
	h.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case env := <-h.events:
			h.seen = append(h.seen, env)
			if match(env) {
				h.t.Fatalf("unexpected %s event: %s", env.EventType, env.Payload)
			}
		case <-deadline:
			return
		}
	}
}

func (h *harness) submit(eventType, eventID string, payload interface{}) error {
	h.t.Helper()
	return h.ctrl.Submit(context.Background(), request(h.t, eventType, eventID, payload))
}

func (h *harness) state() internal.AgentState {
	h.t.Helper()
	st, err := h.ctrl.State(context.Background())
	require.NoError(h.t, err)
	return st
}

func request(t *testing.T, eventType, eventID string, payload interface{}) []byte {
	t.Helper()
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(map[string]interface{}{
		"eventId":       eventID,
		"eventType":     eventType,
		"correlationId": "corr-" + eventID,
		"timestamp":     time.Now().UnixMilli(),
		"payload":       payload,
	})
	require.NoError(t, err)
	return data
}

func step(n int, decision string) internal.ReasoningStep {
	return internal.ReasoningStep{
		Step:                   n,
		Thought:                "thinking about " + decision,
		Decision:               decision,
		AlternativesConsidered: []string{"skip"},
		Status:                 internal.StepComplete,
	}
}

func stepCreated(t *testing.T, env protocol.Envelope) protocol.StepCreated {
	t.Helper()
	var p protocol.StepCreated
	require.NoError(t, env.DecodePayload(&p))
	return p
}

// ingest delivers steps and waits for their step.created events
func (h *harness) ingest(steps ...internal.ReasoningStep) []protocol.StepCreated {
	h.t.Helper()
	h.ctrl.HandleNewSteps(steps)
	out := make([]protocol.StepCreated, 0, len(steps))
	for range steps {
		out = append(out, stepCreated(h.t, h.next(ofType(protocol.TypeStepCreated))))
	}
	h.waitStatus(internal.StatusIdle)
	return out
}

func TestIngest_CommitsAndRecordsInOrder(t *testing.T) {
	h := newHarness(t, nil)

	created := h.ingest(step(1, "A"), step(2, "B"))
	require.Len(t, created, 2)
	assert.Equal(t, 1, created[0].Step)
	assert.Equal(t, 2, created[1].Step)
	assert.Equal(t, "A", created[0].Decision)
	assert.Equal(t, []string{"skip"}, created[0].Alternatives)
	assert.NotEqual(t, created[0].CommitHash, created[1].CommitHash)

	st := h.state()
	steps, err := h.ledger.ListSteps(context.Background(), st.SessionID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, created[0].CommitHash, steps[0].CommitRef)
	assert.Equal(t, created[1].CommitHash, steps[1].CommitRef)
	assert.Equal(t, created[1].StepID, steps[1].StepID)

	history, err := h.store.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, created[1].CommitHash, history[0].Ref)
	require.NotNil(t, history[0].Metadata)
	assert.Equal(t, []string{"skip"}, history[0].Metadata.Alternatives)
}

func TestIngest_StatusTransitions(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(1, "A")})
	h.waitStatus(internal.StatusRunning)
	h.next(ofType(protocol.TypeStepCreated))
	p := h.waitStatus(internal.StatusIdle)
	assert.False(t, p.PauseRequested)
}

func TestIngest_SameStepsTwiceWhileBuffered(t *testing.T) {
	release := make(chan struct{})
	var runs int32
	h := newHarness(t, func(o *Options) {
		o.Engine = engine.RunnerFunc(func(ctx context.Context, steps []internal.ReasoningStep) error {
			if atomic.AddInt32(&runs, 1) == 1 {
				<-release
			}
			return nil
		})
	})

	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(1, "A")})
	h.waitStatus(internal.StatusRunning)
	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(2, "B")})
	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(2, "B")})
	close(release)

	first := stepCreated(t, h.next(ofType(protocol.TypeStepCreated)))
	second := stepCreated(t, h.next(ofType(protocol.TypeStepCreated)))
	assert.Equal(t, 1, first.Step)
	assert.Equal(t, 2, second.Step)
	h.waitStatus(internal.StatusIdle)
	h.quiet(200*time.Millisecond, ofType(protocol.TypeStepCreated))
}

func TestPause_HoldsStepsUntilResume(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.submit(protocol.TypePauseRequested, "p1", nil))
	env := h.next(ofType(protocol.TypeStatusChanged))
	assert.Equal(t, "corr-p1", env.CorrelationID)
	var p protocol.StatusChanged
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, string(internal.StatusPaused), p.Status)
	assert.True(t, p.PauseRequested)

	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(1, "A")})
	h.quiet(300*time.Millisecond, ofType(protocol.TypeStepCreated))
	st := h.state()
	assert.Equal(t, internal.StatusPaused, st.Status)
	assert.Equal(t, 1, st.PendingSteps)

	require.NoError(t, h.submit(protocol.TypeResumeRequested, "r1", nil))
	env = h.next(correlated(protocol.TypeStatusChanged, "corr-r1"))
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, string(internal.StatusIdle), p.Status)
	assert.False(t, p.PauseRequested)

	created := stepCreated(t, h.next(ofType(protocol.TypeStepCreated)))
	assert.Equal(t, 1, created.Step)
}

func TestPause_WhileRunningLetsBatchFinish(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.Engine = engine.RunnerFunc(func(ctx context.Context, steps []internal.ReasoningStep) error {
			<-release
			return nil
		})
	})

	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(1, "A")})
	h.waitStatus(internal.StatusRunning)

	require.NoError(t, h.submit(protocol.TypePauseRequested, "p1", nil))
	env := h.next(correlated(protocol.TypeStatusChanged, "corr-p1"))
	var p protocol.StatusChanged
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, string(internal.StatusRunning), p.Status)
	assert.True(t, p.PauseRequested)

	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(2, "B")})
	close(release)

	created := stepCreated(t, h.next(ofType(protocol.TypeStepCreated)))
	assert.Equal(t, 1, created.Step)
	paused := h.waitStatus(internal.StatusPaused)
	assert.True(t, paused.PauseRequested)
	assert.Equal(t, internal.StatusPaused, h.state().Status)
	h.quiet(300*time.Millisecond, ofType(protocol.TypeStepCreated))

	require.NoError(t, h.submit(protocol.TypeResumeRequested, "r1", nil))
	created = stepCreated(t, h.next(ofType(protocol.TypeStepCreated)))
	assert.Equal(t, 2, created.Step)
}

func TestPauseLatchNeverDisagreesWithStatus(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.submit(protocol.TypePauseRequested, "p1", nil))
	h.waitStatus(internal.StatusPaused)
	require.NoError(t, h.submit(protocol.TypePauseRequested, "p2", nil))
	h.next(correlated(protocol.TypeStatusChanged, "corr-p2"))

	st := h.state()
	assert.True(t, st.PauseRequested)
	assert.Equal(t, internal.StatusPaused, st.Status)

	require.NoError(t, h.submit(protocol.TypeResumeRequested, "r1", nil))
	h.waitStatus(internal.StatusIdle)
	st = h.state()
	assert.False(t, st.PauseRequested)
	assert.Equal(t, internal.StatusIdle, st.Status)
}

func TestRollback_RestoresWorkspace(t *testing.T) {
	h := newHarness(t, nil)

	testutil.WriteFile(t, h.dir, "notes.txt", "after A\n")
	a := h.ingest(step(1, "A"))[0]
	testutil.WriteFile(t, h.dir, "notes.txt", "after B\n")
	testutil.WriteFile(t, h.dir, "extra.txt", "B only\n")
	b := h.ingest(step(2, "B"))[0]

	require.NoError(t, h.submit(protocol.TypeRollbackRequested, "rb1", protocol.RollbackRequested{CommitHash: a.CommitHash}))
	h.waitStatus(internal.StatusRollingBack)
	env := h.next(correlated(protocol.TypeRollbackCompleted, "corr-rb1"))
	var done protocol.RollbackCompleted
	require.NoError(t, env.DecodePayload(&done))
	assert.True(t, done.Success)
	assert.Equal(t, a.CommitHash, done.CommitHash)
	assert.False(t, done.Stashed)
	h.waitStatus(internal.StatusIdle)

	assert.Equal(t, "after A\n", testutil.ReadFile(t, h.dir, "notes.txt"))
	assert.NoFileExists(t, h.dir+"/extra.txt")
	assert.Equal(t, a.CommitHash, testutil.Git(t, h.dir, "rev-parse", "HEAD"))
	assert.Equal(t, b.CommitHash, testutil.Git(t, h.dir, "rev-parse", done.BackupBranch))

	timelines, err := h.ledger.ListTimelines(context.Background(), h.state().SessionID)
	require.NoError(t, err)
	require.Len(t, timelines, 1)
	assert.Equal(t, internal.TimelineBackup, timelines[0].Kind)
	assert.Equal(t, b.CommitHash, timelines[0].HeadCommitRef)
}

func TestRollback_StashesUncommittedChanges(t *testing.T) {
	h := newHarness(t, nil)

	testutil.WriteFile(t, h.dir, "code.go", "package a\n")
	x := h.ingest(step(1, "X"))[0]
	testutil.WriteFile(t, h.dir, "code.go", "package a // edited\n")
	testutil.WriteFile(t, h.dir, "scratch.txt", "untracked\n")

	require.NoError(t, h.submit(protocol.TypeRollbackRequested, "rb1", protocol.RollbackRequested{CommitHash: x.CommitHash}))
	env := h.next(correlated(protocol.TypeRollbackCompleted, "corr-rb1"))
	var done protocol.RollbackCompleted
	require.NoError(t, env.DecodePayload(&done))
	assert.True(t, done.Stashed)
	assert.NotEmpty(t, done.BackupBranch)

	assert.Equal(t, x.CommitHash, testutil.Git(t, h.dir, "rev-parse", "HEAD"))
	assert.Equal(t, "package a\n", testutil.ReadFile(t, h.dir, "code.go"))
	stash := testutil.Git(t, h.dir, "stash", "list")
	assert.Contains(t, stash, "before rollback")
	assert.Contains(t, testutil.Git(t, h.dir, "show", "--name-only", "--format=", "stash@{0}^3"), "scratch.txt")
}

func TestRollback_UnknownCommit(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(step(1, "A"))

	require.NoError(t, h.submit(protocol.TypeRollbackRequested, "rb1", protocol.RollbackRequested{CommitHash: "0123456789abcdef"}))
	env := h.next(correlated(protocol.TypeSystemError, "corr-rb1"))
	var serr protocol.SystemError
	require.NoError(t, env.DecodePayload(&serr))
	assert.Equal(t, protocol.CodeRollbackFailed, serr.Code)
	h.waitStatus(internal.StatusIdle)
}

// gatedWorkspace blocks rollbacks until released and tracks concurrency
type gatedWorkspace struct {
	Workspace
	release chan struct{}
	calls   int32
	active  int32
	maxSeen int32
}

func (g *gatedWorkspace) RollbackToCommit(ctx context.Context, ref string) (*gitstore.RollbackResult, error) {
	atomic.AddInt32(&g.calls, 1)
	n := atomic.AddInt32(&g.active, 1)
	for {
		prev := atomic.LoadInt32(&g.maxSeen)
		if n <= prev || atomic.CompareAndSwapInt32(&g.maxSeen, prev, n) {
			break
		}
	}
	defer atomic.AddInt32(&g.active, -1)
	<-g.release
	return g.Workspace.RollbackToCommit(ctx, ref)
}

func TestRollback_RejectsConcurrentRequest(t *testing.T) {
	var gate *gatedWorkspace
	h := newHarness(t, func(o *Options) {
		gate = &gatedWorkspace{Workspace: o.Workspace, release: make(chan struct{})}
		o.Workspace = gate
	})
	a := h.ingest(step(1, "A"))[0]
	h.ingest(step(2, "B"))

	require.NoError(t, h.submit(protocol.TypeRollbackRequested, "rb1", protocol.RollbackRequested{CommitHash: a.CommitHash}))
	h.waitStatus(internal.StatusRollingBack)

	require.NoError(t, h.submit(protocol.TypeRollbackRequested, "rb2", protocol.RollbackRequested{CommitHash: a.CommitHash}))
	env := h.next(correlated(protocol.TypeSystemError, "corr-rb2"))
	var serr protocol.SystemError
	require.NoError(t, env.DecodePayload(&serr))
	assert.Equal(t, protocol.CodeOperationInProgress, serr.Code)

	require.NoError(t, h.submit(protocol.TypeBranchRequested, "br1", protocol.BranchRequested{Name: "x", FromCommitHash: a.CommitHash}))
	h.next(correlated(protocol.TypeSystemError, "corr-br1"))

	close(gate.release)
	h.next(correlated(protocol.TypeRollbackCompleted, "corr-rb1"))
	h.waitStatus(internal.StatusIdle)

	assert.Equal(t, int32(1), atomic.LoadInt32(&gate.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&gate.maxSeen))
}

func TestRollback_DeferredWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var block atomic.Bool
	h := newHarness(t, func(o *Options) {
		o.Engine = engine.RunnerFunc(func(ctx context.Context, steps []internal.ReasoningStep) error {
			if block.Load() {
				<-release
			}
			return nil
		})
	})
	a := h.ingest(step(1, "A"))[0]

	block.Store(true)
	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(2, "B")})
	h.waitStatus(internal.StatusRunning)

	require.NoError(t, h.submit(protocol.TypeRollbackRequested, "rb1", protocol.RollbackRequested{CommitHash: a.CommitHash}))
	h.quiet(200*time.Millisecond, ofType(protocol.TypeRollbackCompleted))

	close(release)
	h.next(ofType(protocol.TypeStepCreated))
	h.waitStatus(internal.StatusIdle)
	h.waitStatus(internal.StatusRollingBack)
	h.next(correlated(protocol.TypeRollbackCompleted, "corr-rb1"))
	h.waitStatus(internal.StatusIdle)

	assert.Equal(t, a.CommitHash, testutil.Git(t, h.dir, "rev-parse", "HEAD"))
}

func TestSubmit_DeduplicatesEventID(t *testing.T) {
	var gate *gatedWorkspace
	h := newHarness(t, func(o *Options) {
		gate = &gatedWorkspace{Workspace: o.Workspace, release: make(chan struct{})}
		close(gate.release)
		o.Workspace = gate
	})
	a := h.ingest(step(1, "A"))[0]
	h.ingest(step(2, "B"))

	raw := request(t, protocol.TypeRollbackRequested, "rb-dup", protocol.RollbackRequested{CommitHash: a.CommitHash})

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.ctrl.Submit(context.Background(), raw)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicate)
	}
	assert.Equal(t, 1, accepted)

	h.next(correlated(protocol.TypeRollbackCompleted, "corr-rb-dup"))
	h.waitStatus(internal.StatusIdle)
	h.quiet(200*time.Millisecond, ofType(protocol.TypeRollbackCompleted))
	assert.Equal(t, int32(1), atomic.LoadInt32(&gate.calls))
}

func TestSubmit_StoppedControllerReleasesClaim(t *testing.T) {
	testutil.RequireGit(t)
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	store, err := gitstore.New(gitstore.Options{Path: dir, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	l, err := ledger.New(testutil.CreateInMemoryDB(t))
	require.NoError(t, err)

	ctrl, err := New(Options{Workspace: store, Ledger: l, Logger: logger})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(ctx) }()
	_, err = ctrl.State(context.Background())
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-errc)

	raw := request(t, protocol.TypePauseRequested, "pause-late", nil)
	assert.ErrorIs(t, ctrl.Submit(context.Background(), raw), ErrStopped)
	// a retry after the failed hand-off is not a duplicate
	assert.ErrorIs(t, ctrl.Submit(context.Background(), raw), ErrStopped)

	claimed, err := l.ClaimMessage(context.Background(), "pause-late", protocol.TypePauseRequested)
	require.NoError(t, err)
	assert.True(t, claimed, "claim should have been released")
}

func TestSubmit_ValidationError(t *testing.T) {
	h := newHarness(t, nil)

	err := h.ctrl.Submit(context.Background(), []byte(`{"eventId":"bad-1","eventType":"state.rollback_requested","timestamp":1,"payload":{}}`))
	var verr *protocol.ValidationError
	require.True(t, errors.As(err, &verr))

	env := h.next(ofType(protocol.TypeSystemError))
	assert.Equal(t, "bad-1", env.CorrelationID)
	var serr protocol.SystemError
	require.NoError(t, env.DecodePayload(&serr))
	assert.Equal(t, protocol.CodeValidation, serr.Code)

	// a rejected message never claims its event id
	claimed, err := h.ledger.ClaimMessage(context.Background(), "bad-1", "state.rollback_requested")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestBranch_CreatesSessionFromCommit(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteFile(t, h.dir, "plan.md", "v1\n")
	x := h.ingest(step(1, "X"))[0]
	testutil.WriteFile(t, h.dir, "plan.md", "v2\n")
	h.ingest(step(2, "Y"))
	root := h.state().SessionID

	require.NoError(t, h.submit(protocol.TypeBranchRequested, "b1", protocol.BranchRequested{
		Name:            "explore",
		FromCommitHash:  x.CommitHash,
		ParentSessionID: root,
	}))
	h.waitStatus(internal.StatusRollingBack)
	env := h.next(correlated(protocol.TypeBranchCreated, "corr-b1"))
	var created protocol.BranchCreated
	require.NoError(t, env.DecodePayload(&created))
	assert.Equal(t, "explore", created.Name)
	assert.Regexp(t, `^explore-[0-9a-f]{8}$`, created.BranchName)
	h.waitStatus(internal.StatusIdle)

	assert.Equal(t, created.BranchName, testutil.Git(t, h.dir, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, x.CommitHash, testutil.Git(t, h.dir, "rev-parse", "HEAD"))
	assert.Equal(t, "v1\n", testutil.ReadFile(t, h.dir, "plan.md"))

	session, err := h.ledger.GetSession(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, root, session.ParentSessionID)
	assert.Equal(t, x.CommitHash, session.BaseCommitRef)
	assert.Equal(t, created.BranchName, session.GitBranch)

	st := h.state()
	assert.Equal(t, created.SessionID, st.SessionID)
	assert.Equal(t, created.BranchName, st.Branch)

	// new steps land on the branch session
	next := h.ingest(step(3, "Z"))[0]
	assert.Equal(t, created.SessionID, next.SessionID)
	steps, err := h.ledger.ListSteps(context.Background(), created.SessionID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	state, err := h.ledger.CumulativeState(context.Background(), created.SessionID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"step_1", "step_3"}, state.Steps)
}

func TestBranch_DefaultsToActiveSession(t *testing.T) {
	h := newHarness(t, nil)
	x := h.ingest(step(1, "X"))[0]
	root := h.state().SessionID

	require.NoError(t, h.submit(protocol.TypeBranchRequested, "b1", protocol.BranchRequested{Name: "alt", FromCommitHash: x.CommitHash}))
	env := h.next(correlated(protocol.TypeBranchCreated, "corr-b1"))
	var created protocol.BranchCreated
	require.NoError(t, env.DecodePayload(&created))

	session, err := h.ledger.GetSession(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, root, session.ParentSessionID)
}

func TestBranch_RejectsCommitOutsideParentHistory(t *testing.T) {
	h := newHarness(t, nil)
	x := h.ingest(step(1, "X"))[0]
	root := h.state().SessionID

	require.NoError(t, h.submit(protocol.TypeBranchRequested, "b1", protocol.BranchRequested{Name: "alt", FromCommitHash: x.CommitHash}))
	h.next(correlated(protocol.TypeBranchCreated, "corr-b1"))
	h.waitStatus(internal.StatusIdle)
	onBranch := h.ingest(step(2, "only on alt"))[0]

	// the alt commit is not reachable from the root session's branch
	require.NoError(t, h.submit(protocol.TypeBranchRequested, "b2", protocol.BranchRequested{
		Name:            "bad",
		FromCommitHash:  onBranch.CommitHash,
		ParentSessionID: root,
	}))
	env := h.next(correlated(protocol.TypeSystemError, "corr-b2"))
	var serr protocol.SystemError
	require.NoError(t, env.DecodePayload(&serr))
	assert.Equal(t, protocol.CodeBranchFailed, serr.Code)
	assert.Contains(t, serr.Message, "not in the history")
	h.waitStatus(internal.StatusIdle)
}

func TestBranch_UnknownParent(t *testing.T) {
	h := newHarness(t, nil)
	x := h.ingest(step(1, "X"))[0]

	require.NoError(t, h.submit(protocol.TypeBranchRequested, "b1", protocol.BranchRequested{
		Name:            "alt",
		FromCommitHash:  x.CommitHash,
		ParentSessionID: "missing",
	}))
	env := h.next(correlated(protocol.TypeSystemError, "corr-b1"))
	var serr protocol.SystemError
	require.NoError(t, env.DecodePayload(&serr))
	assert.Equal(t, protocol.CodeBranchFailed, serr.Code)
}

func TestEngineFailure_Retries(t *testing.T) {
	var calls int32
	h := newHarness(t, func(o *Options) {
		o.Engine = engine.RunnerFunc(func(ctx context.Context, steps []internal.ReasoningStep) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return &internal.EngineError{Command: "engine", ExitCode: 1, Err: errors.New("exit status 1")}
			}
			return nil
		})
	})

	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(1, "A")})
	env := h.next(ofType(protocol.TypeSystemError))
	var serr protocol.SystemError
	require.NoError(t, env.DecodePayload(&serr))
	assert.Equal(t, protocol.CodeEngineFailed, serr.Code)

	created := stepCreated(t, h.next(ofType(protocol.TypeStepCreated)))
	assert.Equal(t, 1, created.Step)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEngineFailure_GivesUp(t *testing.T) {
	var calls int32
	h := newHarness(t, func(o *Options) {
		o.MaxAttempts = 2
		o.Engine = engine.RunnerFunc(func(ctx context.Context, steps []internal.ReasoningStep) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("engine down")
		})
	})

	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(1, "A")})
	var gaveUp protocol.SystemError
	h.next(func(env protocol.Envelope) bool {
		if env.EventType != protocol.TypeSystemError {
			return false
		}
		require.NoError(t, env.DecodePayload(&gaveUp))
		return gaveUp.Code == protocol.CodeEngineGaveUp
	})
	assert.Contains(t, gaveUp.Message, "dropping steps 1")
	h.waitStatus(internal.StatusIdle)
	h.quiet(200*time.Millisecond, ofType(protocol.TypeStepCreated))

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Zero(t, h.state().PendingSteps)
}

// failingWorkspace fails the commit of one step
type failingWorkspace struct {
	Workspace
	failStep int
}

func (f *failingWorkspace) CommitStep(ctx context.Context, c gitstore.StepCommit) (string, error) {
	if c.Step == f.failStep {
		return "", &internal.CommitError{StepID: c.StepID, Step: c.Step, Err: errors.New("permission denied")}
	}
	return f.Workspace.CommitStep(ctx, c)
}

func TestCommitFailure_SkipsStepAndContinues(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Workspace = &failingWorkspace{Workspace: o.Workspace, failStep: 2}
	})

	h.ctrl.HandleNewSteps([]internal.ReasoningStep{step(1, "A"), step(2, "B"), step(3, "C")})
	first := stepCreated(t, h.next(ofType(protocol.TypeStepCreated)))
	env := h.next(ofType(protocol.TypeSystemError))
	third := stepCreated(t, h.next(ofType(protocol.TypeStepCreated)))
	h.waitStatus(internal.StatusIdle)

	assert.Equal(t, 1, first.Step)
	assert.Equal(t, 3, third.Step)
	var serr protocol.SystemError
	require.NoError(t, env.DecodePayload(&serr))
	assert.Equal(t, protocol.CodeCommitFailed, serr.Code)
	assert.Contains(t, serr.Message, "step 2")

	steps, err := h.ledger.ListSteps(context.Background(), h.state().SessionID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestRun_ReusesSessionFromPointer(t *testing.T) {
	testutil.RequireGit(t)
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	store, err := gitstore.New(gitstore.Options{Path: dir, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	l, err := ledger.New(testutil.CreateInMemoryDB(t))
	require.NoError(t, err)
	pointer := internal.NewSessionStateManager(dir + "/.mindmap/session.yaml")

	runOnce := func() string {
		ctrl, err := New(Options{Workspace: store, Ledger: l, Pointer: pointer, Logger: logger})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- ctrl.Run(ctx) }()
		st, err := ctrl.State(context.Background())
		require.NoError(t, err)
		cancel()
		require.NoError(t, <-errc)
		return st.SessionID
	}

	first := runOnce()
	require.NotEmpty(t, first)
	assert.Equal(t, first, runOnce())

	ptr, err := pointer.Load()
	require.NoError(t, err)
	require.NotNil(t, ptr)
	assert.Equal(t, first, ptr.SessionID)
}

func TestRun_OnlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	err := h.ctrl.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}
