// Package engine bridges the controller to the external reasoning engine
// that is run once per batch of new steps.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/iksnae/mindmap/internal"
	"go.uber.org/zap"
)

// DefaultTimeout bounds one engine invocation
const DefaultTimeout = 5 * time.Minute

// maxStderr caps how much engine stderr is kept on an error
const maxStderr = 4096

// Runner runs the reasoning engine for a batch of steps
type Runner interface {
	RunBatch(ctx context.Context, steps []internal.ReasoningStep) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, steps []internal.ReasoningStep) error

// RunBatch calls f
func (f RunnerFunc) RunBatch(ctx context.Context, steps []internal.ReasoningStep) error {
	return f(ctx, steps)
}

// NopRunner accepts every batch
type NopRunner struct{}

// RunBatch does nothing
func (NopRunner) RunBatch(context.Context, []internal.ReasoningStep) error { return nil }

// CommandRunner runs an external command with the batch as a JSON array on
// stdin. A non-zero exit fails the whole batch.
type CommandRunner struct {
	Args    []string
	Dir     string
	Timeout time.Duration
	Env     []string
	Logger  *zap.Logger
}

// NewCommandRunner splits command on whitespace into program and arguments
func NewCommandRunner(command, dir string, timeout time.Duration, logger *zap.Logger) (*CommandRunner, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("engine command is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRunner{
		Args:    args,
		Dir:     dir,
		Timeout: timeout,
		Logger:  logger.Named("engine"),
	}, nil
}

// New returns a CommandRunner for command, or a NopRunner when command is
// blank
func New(command, dir string, timeout time.Duration, logger *zap.Logger) (Runner, error) {
	if strings.TrimSpace(command) == "" {
		return NopRunner{}, nil
	}
	return NewCommandRunner(command, dir, timeout, logger)
}

// RunBatch implements Runner
func (r *CommandRunner) RunBatch(ctx context.Context, steps []internal.ReasoningStep) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := strings.Join(r.Args, " ")
	input, err := json.Marshal(steps)
	if err != nil {
		return &internal.EngineError{Command: command, ExitCode: -1, Err: fmt.Errorf("encoding batch: %w", err)}
	}

	cmd := exec.CommandContext(ctx, r.Args[0], r.Args[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	logger := r.logger()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %v", timeout)
		}
		logger.Warn("Reasoning engine failed",
			zap.String("command", command),
			zap.Int("exit_code", exitCode),
			zap.Int("steps", len(steps)),
			zap.Error(err))
		return &internal.EngineError{
			Command:  command,
			ExitCode: exitCode,
			Stderr:   truncate(strings.TrimSpace(stderr.String()), maxStderr),
			Err:      err,
		}
	}

	logger.Debug("Reasoning engine finished",
		zap.String("command", command),
		zap.Int("steps", len(steps)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("stdout_bytes", stdout.Len()))
	return nil
}

func (r *CommandRunner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
