package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/artpar/conductor/internal/core/command"
	"github.com/artpar/conductor/internal/core/domain"
)

// LocalConfig configures a LocalRunner.
type LocalConfig struct {
	Timeout time.Duration // Default: 5 minutes
	Dir     string
	Env     []string // Appended to the current environment
	Logger  *slog.Logger
}

// LocalRunner runs commands as child processes of this one.
type LocalRunner struct {
	timeout time.Duration
	dir     string
	env     []string
	logger  *slog.Logger
}

// NewLocalRunner creates a local runner.
func NewLocalRunner(cfg LocalConfig) *LocalRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LocalRunner{
		timeout: cfg.Timeout,
		dir:     cfg.Dir,
		env:     cfg.Env,
		logger:  cfg.Logger.With("component", "executor", "host", "local"),
	}
}

// Run executes cmd and waits for it.
func (r *LocalRunner) Run(ctx context.Context, cmd command.Command) (command.Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	c.Dir = r.dir
	// Grandchildren can hold the output pipes open after a kill.
	c.WaitDelay = time.Second
	if len(r.env) > 0 {
		c.Env = append(os.Environ(), r.env...)
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := command.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	r.logger.Debug("command finished",
		"op", cmd.Op,
		"command", cmd.String(),
		"duration", res.Duration,
		"error", err,
	)

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return res, NewExecError("run", cmd.String(), -1, res.Stderr,
			fmt.Errorf("%w after %v", domain.ErrTimeout, r.timeout))
	}
	if ctx.Err() != nil {
		return res, NewExecError("run", cmd.String(), -1, res.Stderr, ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return res, NewExecError("start", cmd.String(), -1, "",
			fmt.Errorf("%w: %w: %v", ErrStartFailed, domain.ErrFatal, err))
	}
}
