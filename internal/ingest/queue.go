// Package ingest turns the agent's append-only reasoning log into a stream
// of steps delivered exactly once.
package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/iksnae/mindmap/internal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSettleDelay  = 150 * time.Millisecond
	DefaultDebounce     = 50 * time.Millisecond
	DefaultRestartDelay = time.Second
)

// Handler receives each batch of unseen steps in ascending step order
type Handler func(steps []internal.ReasoningStep)

// Options configures a Queue
type Options struct {
	Path string
	// SettleDelay is waited after the log is created or replaced so a
	// partially written file is not read.
	SettleDelay time.Duration
	// Debounce merges bursts of write notifications into one pass.
	Debounce     time.Duration
	RestartDelay time.Duration
	Handler      Handler
	Logger       *zap.Logger
}

// Queue watches the reasoning log and delivers steps it has not seen
type Queue struct {
	path         string
	settle       time.Duration
	debounce     time.Duration
	restartDelay time.Duration
	handler      Handler
	logger       *zap.Logger

	mu   sync.Mutex
	seen map[int]bool

	// kick holds at most one pending pass
	kick chan struct{}
}

// New creates a Queue for the log at opts.Path
func New(opts Options) (*Queue, error) {
	if opts.Path == "" {
		return nil, errors.New("trace file path is required")
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, err
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.Handler == nil {
		opts.Handler = func([]internal.ReasoningStep) {}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Queue{
		path:         abs,
		settle:       opts.SettleDelay,
		debounce:     opts.Debounce,
		restartDelay: opts.RestartDelay,
		handler:      opts.Handler,
		logger:       opts.Logger.Named("ingest"),
		seen:         make(map[int]bool),
		kick:         make(chan struct{}, 1),
	}, nil
}

// Path returns the watched log file
func (q *Queue) Path() string {
	return q.path
}

// Seed marks every step currently in the log as seen and returns how many
// there were. A missing log seeds nothing.
func (q *Queue) Seed() (int, error) {
	steps, err := q.read()
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range steps {
		q.seen[s.Step] = true
	}
	return len(steps), nil
}

// Seen reports whether a step number has been delivered or seeded
func (q *Queue) Seen(step int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen[step]
}

// Scan re-reads the log and returns the steps not seen before, marking them
// seen. Steps are marked before the caller processes them, so a crash
// mid-batch does not deliver them again.
func (q *Queue) Scan() ([]internal.ReasoningStep, error) {
	steps, err := q.read()
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var fresh []internal.ReasoningStep
	for _, s := range steps {
		if q.seen[s.Step] {
			continue
		}
		q.seen[s.Step] = true
		fresh = append(fresh, s)
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Step < fresh[j].Step })
	return fresh, nil
}

func (q *Queue) read() ([]internal.ReasoningStep, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &internal.StorageError{Path: q.path, Op: "read", Err: err}
	}
	return internal.ParseTrace(q.path, data)
}

// Notify schedules a pass. Calls made while a pass is pending collapse into
// that pass.
func (q *Queue) Notify() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run watches the log until ctx is cancelled. One pass runs at a time;
// changes seen during a pass schedule exactly one more.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q.scanLoop(ctx)
		return nil
	})
	g.Go(func() error {
		q.watchLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (q *Queue) scanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
			q.pass()
		}
	}
}

func (q *Queue) pass() {
	steps, err := q.Scan()
	if err != nil {
		var perr *internal.IngestParseError
		if errors.As(err, &perr) {
			q.logger.Warn("Ignoring unreadable reasoning log until next change",
				zap.String("path", q.path), zap.Error(err))
			return
		}
		q.logger.Error("Failed to read reasoning log", zap.String("path", q.path), zap.Error(err))
		return
	}
	if len(steps) == 0 {
		return
	}
	q.logger.Debug("Ingested steps",
		zap.Int("count", len(steps)),
		zap.Int("first", steps[0].Step),
		zap.Int("last", steps[len(steps)-1].Step))
	q.handler(steps)
}

// watchLoop keeps an fsnotify watcher on the log's directory, recreating it
// after errors
func (q *Queue) watchLoop(ctx context.Context) {
	for {
		err := q.watch(ctx)
		if ctx.Err() != nil {
			return
		}
		q.logger.Warn("Reasoning log watcher stopped, restarting",
			zap.Duration("delay", q.restartDelay), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.restartDelay):
		}
	}
}

func (q *Queue) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// the directory is watched so a log replaced by rename keeps being seen
	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		return err
	}
	q.logger.Debug("Watching reasoning log", zap.String("path", q.path))

	// changes made while no watcher was active
	q.Notify()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func(d time.Duration) {
		if timer == nil {
			timer = time.NewTimer(d)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	name := filepath.Base(q.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Rename):
				schedule(q.settle)
			case event.Has(fsnotify.Write):
				schedule(q.debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			return err

		case <-timerC:
			q.Notify()
		}
	}
}
