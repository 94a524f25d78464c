// Package control maintains the persistent SSH control session to the
// peer router. The peer restarts its own radio subsystem during
// configuration changes, which silently kills transport sessions; the
// client detects that through keepalive and a narrow recoverable-error
// check, reconnects once, and retries the command exactly once.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"wifibench/pkg/metrics"
)

// ErrDeviceUnreachable reports that a command failed even after a
// reconnect-and-retry cycle.
var ErrDeviceUnreachable = errors.New("control: device unreachable")

// Client is one control session to one device. All commands funnel
// through Exec so reconnect semantics and logging stay consistent;
// Exec is a critical section, so at most one command is in flight per
// session.
type Client struct {
	host     string
	port     int
	user     string
	password string

	dialTimeout   time.Duration
	keepalive     time.Duration
	defaultSettle time.Duration
	log           *zap.SugaredLogger

	mu  sync.Mutex
	ssh *ssh.Client
}

// Option configures a Client.
type Option func(*Client)

// WithLog sets the client's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = log }
}

// WithSettle sets the default post-command settle delay.
func WithSettle(d time.Duration) Option {
	return func(c *Client) { c.defaultSettle = d }
}

// WithDialTimeout sets the TCP+SSH handshake timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// New returns an unconnected client; the session is dialed lazily on
// first Exec.
func New(host string, port int, user, password string, opts ...Option) *Client {
	c := &Client{
		host:          host,
		port:          port,
		user:          user,
		password:      password,
		dialTimeout:   10 * time.Second,
		keepalive:     10 * time.Second,
		defaultSettle: 300 * time.Millisecond,
		log:           zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect establishes the session if needed. force tears down any
// existing session first.
func (c *Client) Connect(force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(force)
}

func (c *Client) connectLocked(force bool) error {
	if c.ssh != nil {
		if !force && c.aliveLocked() {
			return nil
		}
		c.closeLocked()
	}

	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("control: dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(c.keepalive)
	}

	cfg := &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.Password(c.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.dialTimeout,
	}
	sconn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("control: handshake %s: %w", addr, err)
	}
	c.ssh = ssh.NewClient(sconn, chans, reqs)
	c.log.Infow("control session connected", "host", c.host, "port", c.port)
	return nil
}

// Close tears the session down.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.ssh != nil {
		_ = c.ssh.Close()
		c.ssh = nil
	}
}

// IsAlive probes the transport without issuing a remote command.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aliveLocked()
}

func (c *Client) aliveLocked() bool {
	if c.ssh == nil {
		return false
	}
	_, _, err := c.ssh.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Exec runs command with the default settle delay. Satisfies the
// bench-wide Runner interface.
func (c *Client) Exec(ctx context.Context, command string) (string, error) {
	return c.ExecSettle(ctx, command, c.defaultSettle)
}

// ExecSettle runs command, then sleeps settle to let the device apply
// the change before the next command/verify pair. On a recoverable
// transport failure the session is rebuilt once and the command
// retried once; a second failure reports ErrDeviceUnreachable.
func (c *Client) ExecSettle(ctx context.Context, command string, settle time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(false); err != nil {
		return "", err
	}

	out, err := c.runLocked(ctx, command)
	if err != nil && recoverable(err) {
		c.log.Warnw("control session lost, reconnecting once", "cmd", command, "err", err)
		metrics.Reconnects.Inc()
		c.closeLocked()
		if cerr := c.connectLocked(true); cerr != nil {
			return "", fmt.Errorf("%w: %v", ErrDeviceUnreachable, cerr)
		}
		out, err = c.runLocked(ctx, command)
		if err != nil && recoverable(err) {
			return out, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
		}
	}
	if err != nil {
		return out, err
	}

	if settle > 0 {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(settle):
		}
	}
	return out, nil
}

func (c *Client) runLocked(ctx context.Context, command string) (string, error) {
	sess, err := c.ssh.NewSession()
	if err != nil {
		return "", fmt.Errorf("control: new session: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return string(r.out), fmt.Errorf("control: %q: %w", command, r.err)
		}
		return string(r.out), nil
	case <-ctx.Done():
		// Closing the session aborts the in-flight command.
		sess.Close()
		<-done
		return "", ctx.Err()
	}
}

// recoverable classifies transport-level failures worth one reconnect.
// Remote non-zero exits are real command results and propagate;
// unknown errors propagate too, rather than masking device faults
// behind silent reconnect loops.
func recoverable(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return false
	}
	var exitMissing *ssh.ExitMissingError
	if errors.As(err, &exitMissing) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, sig := range []string{
		"use of closed network connection",
		"connection reset by peer",
		"broken pipe",
		"ssh: disconnect",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
