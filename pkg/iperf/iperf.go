// Package iperf drives iperf3 clients on the device under test and
// classifies data plane failures from their output.
package iperf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wifibench/pkg/parse"
)

// ErrDataPlane reports that the traffic run aborted with a failure
// signature instead of measuring throughput.
var ErrDataPlane = errors.New("iperf: data plane failure")

// Streamer runs commands on the device, optionally forwarding output
// line by line while the command is still running.
type Streamer interface {
	Exec(ctx context.Context, command string) (string, error)
	Stream(ctx context.Context, command string, sink func(line string)) error
}

// Runner builds and executes iperf3 client invocations against the
// wired server behind the peer.
type Runner struct {
	dev      Streamer
	server   string
	port     int
	duration time.Duration
	warmup   time.Duration
	log      *zap.SugaredLogger
}

// Option customizes a Runner.
type Option func(*Runner)

func WithLog(log *zap.SugaredLogger) Option {
	return func(r *Runner) { r.log = log }
}

func WithWarmup(d time.Duration) Option {
	return func(r *Runner) { r.warmup = d }
}

func New(dev Streamer, server string, port int, duration time.Duration, opts ...Option) *Runner {
	r := &Runner{
		dev:      dev,
		server:   server,
		port:     port,
		duration: duration,
		warmup:   5 * time.Second,
		log:      zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// command builds the client invocation. reverse makes the server send,
// which is how the bench measures the receive direction without
// touching the far end.
func (r *Runner) command(d time.Duration, reverse bool) string {
	cmd := fmt.Sprintf("iperf3 --forceflush -c %s -p %d -i 1 -t %d",
		r.server, r.port, int(d.Seconds()))
	if reverse {
		cmd += " -R"
	}
	return cmd
}

// StopClients kills any leftover iperf3 clients on the device. Stale
// clients hold the server's test slot and make the next run fail with
// "the server is busy".
func (r *Runner) StopClients(ctx context.Context) {
	if _, err := r.dev.Exec(ctx, "pkill -9 iperf3 || true"); err != nil {
		r.log.Debugw("iperf cleanup failed", "err", err)
	}
}

// Warmup runs a short unrecorded burst so rate adaptation and ARP
// inside the link settle before measurement starts.
func (r *Runner) Warmup(ctx context.Context, reverse bool) error {
	if r.warmup <= 0 {
		return nil
	}
	r.StopClients(ctx)
	out, err := r.dev.Exec(ctx, r.command(r.warmup, reverse))
	if err != nil {
		return fmt.Errorf("iperf warmup: %w", err)
	}
	if parse.DataPlaneFailure(out) {
		return fmt.Errorf("%w: during warmup", ErrDataPlane)
	}
	return nil
}

// Run executes the measured traffic run, forwarding every output line
// to sink as it arrives. Failure signatures in the output produce
// ErrDataPlane even when the client exits zero.
func (r *Runner) Run(ctx context.Context, reverse bool, sink func(line string)) error {
	r.StopClients(ctx)

	var failed bool
	err := r.dev.Stream(ctx, r.command(r.duration, reverse), func(line string) {
		if parse.DataPlaneFailure(line) {
			failed = true
		}
		sink(line)
	})
	if failed {
		return fmt.Errorf("%w: failure signature in output", ErrDataPlane)
	}
	if err != nil {
		return fmt.Errorf("iperf run: %w", err)
	}
	return nil
}

// DryRun verifies the data plane with a one second run and no logging.
// Environment preparation uses it as the final go/no-go check.
func (r *Runner) DryRun(ctx context.Context) error {
	r.StopClients(ctx)
	out, err := r.dev.Exec(ctx, r.command(time.Second, false))
	if err != nil || parse.DataPlaneFailure(out) {
		if err == nil {
			err = errors.New(firstFailureLine(out))
		}
		return fmt.Errorf("%w: %v", ErrDataPlane, err)
	}
	return nil
}

func firstFailureLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if parse.DataPlaneFailure(line) {
			return strings.TrimSpace(line)
		}
	}
	return "unknown failure"
}
