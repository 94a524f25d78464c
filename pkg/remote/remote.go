// Package remote executes commands on the DUT through the vendor
// remote-shell helper. Every spawned helper gets its own process group
// so a stuck remote command tree (a wedged traffic generator, a
// hanging wl call) can be torn down on timeout or cancel without
// leaving orphans behind.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner executes one shell command on a bench device and returns its
// merged stdout+stderr. Both the DUT channel and the peer control
// client satisfy it.
type Runner interface {
	Exec(ctx context.Context, command string) (string, error)
}

// ErrTimeout reports that the local timeout elapsed and the remote
// command tree was killed.
var ErrTimeout = errors.New("remote: command timed out")

// ExitError reports a non-zero remote exit.
type ExitError struct {
	Code    int
	Command string
	Output  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote: command exited %d: %s", e.Code, e.Command)
}

const killGrace = 2 * time.Second

// Channel is the remote shell channel to one device.
type Channel struct {
	bin            string
	target         string
	defaultTimeout time.Duration
	log            *zap.SugaredLogger
}

// Option configures a Channel.
type Option func(*Channel)

// WithLog sets the channel's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(c *Channel) { c.log = log }
}

// WithDefaultTimeout sets the timeout used by Exec.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Channel) { c.defaultTimeout = d }
}

// New returns a channel running commands as `<bin> -tt <target> <cmd>`.
func New(bin, target string, opts ...Option) *Channel {
	c := &Channel{
		bin:            bin,
		target:         target,
		defaultTimeout: 10 * time.Second,
		log:            zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Channel) command(command string) *exec.Cmd {
	cmd := exec.Command(c.bin, "-tt", c.target, command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// killTree terminates the helper's whole process group: SIGTERM, a
// short grace window, then SIGKILL.
func killTree(cmd *exec.Cmd, waited <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-waited:
		return
	case <-time.After(killGrace):
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// Exec runs command with the channel's default timeout, failing on a
// non-zero exit. It satisfies Runner.
func (c *Channel) Exec(ctx context.Context, command string) (string, error) {
	return c.RunOnce(ctx, command, c.defaultTimeout)
}

// RunOnce runs command with a bounded local timeout. stdout and stderr
// are merged. On timeout the process group is killed and ErrTimeout is
// returned along with whatever output was captured.
func (c *Channel) RunOnce(ctx context.Context, command string, timeout time.Duration) (string, error) {
	cmd := c.command(command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("remote: start %q: %w", c.bin, err)
	}

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	select {
	case err := <-waited:
		out := buf.String()
		if err != nil {
			var xe *exec.ExitError
			if errors.As(err, &xe) {
				return out, &ExitError{Code: xe.ExitCode(), Command: command, Output: out}
			}
			return out, fmt.Errorf("remote: %q: %w", command, err)
		}
		return out, nil
	case <-ctx.Done():
		killTree(cmd, waited)
		return buf.String(), ctx.Err()
	case <-time.After(timeout):
		killTree(cmd, waited)
		c.log.Warnw("remote command timed out", "cmd", command, "timeout", timeout)
		return buf.String(), fmt.Errorf("%w after %v: %s", ErrTimeout, timeout, command)
	}
}

// RunQuiet is the best-effort variant: timeouts and non-zero exits are
// swallowed and whatever output was captured is returned. Used for
// idempotent cleanup commands ("killall ... || true") where failure is
// part of normal operation.
func (c *Channel) RunQuiet(ctx context.Context, command string, timeout time.Duration) string {
	out, err := c.RunOnce(ctx, command, timeout)
	if err != nil && !errors.Is(err, ErrTimeout) {
		var xe *ExitError
		if !errors.As(err, &xe) {
			c.log.Debugw("quiet command failed", "cmd", command, "err", err)
		}
	}
	return out
}

// Stream runs a long-lived command and delivers each output line to
// sink. The stream ends when the remote process exits or ctx is
// cancelled; cancellation is checked per line and escalates to a
// process-group kill. A stream is restartable by calling Stream again,
// not resumable.
func (c *Channel) Stream(ctx context.Context, command string, sink func(line string)) error {
	cmd := c.command(command)

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("remote: pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("remote: start %q: %w", c.bin, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	waited := make(chan error, 1)
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killTree(cmd, waited)
		case <-watchDone:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer pr.Close()
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sink(sc.Text())
		}
		return sc.Err()
	})
	g.Go(func() error {
		err := cmd.Wait()
		waited <- err
		return nil
	})

	scanErr := g.Wait()
	close(watchDone)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	// The remote process ending (with any exit code) is the normal end
	// of a stream; only local read failures surface.
	if scanErr != nil && !errors.Is(scanErr, os.ErrClosed) {
		return fmt.Errorf("remote: stream %q: %w", command, scanErr)
	}
	return nil
}
