package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"gryffen/internal/logger"
)

// Command is one external program invocation. Secret payloads travel on
// Stdin, never in Args, so rendered command lines are safe to log.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin []byte
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError is returned when a command exits non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLines(s, 5)
	}
	return msg
}

// CommandRunner runs external commands. Every docker and gcloud call of the
// pipeline goes through one.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Log logger.Logger
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	log := r.Log
	if log == nil {
		log = logger.Discard()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	log.Debug("Running command", "command", c.String())
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		err = &CommandError{Command: c.String(), ExitCode: res.ExitCode, Stderr: res.Stderr}
	default:
		res.ExitCode = -1
		err = fmt.Errorf("failed to run %s: %w", c.Name, err)
	}
	log.Debug("Command finished", "command", c.Name, "exit_code", res.ExitCode,
		"duration", time.Since(start).String())
	return res, err
}

// transientMarkers are substrings of gcloud errors worth retrying.
var transientMarkers = []string{
	"UNAVAILABLE", "DEADLINE_EXCEEDED", "503", "502", "connection reset", "TLS handshake timeout", "i/o timeout",
}

// IsTransient reports whether err looks like a temporary API failure.
func IsTransient(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	for _, m := range transientMarkers {
		if strings.Contains(cmdErr.Stderr, m) {
			return true
		}
	}
	return false
}

// RetryPolicy bounds retries of transient command failures.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
}

// DefaultRetryPolicy is used when a component has no policy set.
var DefaultRetryPolicy = RetryPolicy{MaxTries: 4, InitialInterval: 500 * time.Millisecond}

// runRetry runs c and retries it while it fails transiently.
func runRetry(ctx context.Context, r CommandRunner, policy RetryPolicy, log logger.Logger, c Command) (Result, error) {
	if policy.MaxTries == 0 {
		policy = DefaultRetryPolicy
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval

	return backoff.Retry(ctx, func() (Result, error) {
		res, err := r.Run(ctx, c)
		if err != nil && !IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			if log != nil {
				log.Warn("Transient command failure, retrying", "command", c.Name, "error", err, "retry_in", next.String())
			}
		}),
	)
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
