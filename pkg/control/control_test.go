package control

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testServer is a minimal in-process SSH server answering exec
// requests with a canned handler, in the style of the bench's peer
// router control plane.
type testServer struct {
	listener net.Listener
	handler  func(cmd string) (string, uint32)
	execs    atomic.Int64
	dropNext atomic.Bool
}

func startTestServer(t *testing.T, handler func(cmd string) (string, uint32)) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == "admin" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("bad credentials")
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &testServer{listener: l, handler: handler}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, cfg)
		}
	}()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *testServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				req.Reply(true, nil)

				if s.dropNext.CompareAndSwap(true, false) {
					// Simulate the peer's radio restart killing the
					// transport mid-command.
					sconn.Close()
					return
				}

				s.execs.Add(1)
				out, status := s.handler(payload.Command)
				ch.Write([]byte(out))
				statusBuf := ssh.Marshal(struct{ Status uint32 }{status})
				ch.SendRequest("exit-status", false, statusBuf)
				return
			}
		}()
	}
}

func (s *testServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func TestExecReturnsOutput(t *testing.T) {
	srv := startTestServer(t, func(cmd string) (string, uint32) {
		return "ran: " + cmd + "\n", 0
	})
	host, port := srv.hostPort(t)

	c := New(host, port, "admin", "secret", WithSettle(0))
	defer c.Close()

	out, err := c.Exec(context.Background(), "wl -i eth7 status")
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if out != "ran: wl -i eth7 status\n" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestExecReconnectsOnceOnTransportLoss(t *testing.T) {
	srv := startTestServer(t, func(cmd string) (string, uint32) {
		return "ok\n", 0
	})
	host, port := srv.hostPort(t)

	c := New(host, port, "admin", "secret", WithSettle(0))
	defer c.Close()

	if _, err := c.Exec(context.Background(), "echo warm"); err != nil {
		t.Fatalf("initial Exec failed: %v", err)
	}

	srv.dropNext.Store(true)
	out, err := c.Exec(context.Background(), "echo after-drop")
	if err != nil {
		t.Fatalf("Exec after transport drop failed: %v", err)
	}
	if out != "ok\n" {
		t.Errorf("unexpected output after reconnect: %q", out)
	}
}

func TestExecRemoteExitIsNotRecoverable(t *testing.T) {
	srv := startTestServer(t, func(cmd string) (string, uint32) {
		return "boom\n", 2
	})
	host, port := srv.hostPort(t)

	c := New(host, port, "admin", "secret", WithSettle(0))
	defer c.Close()

	before := srv.execs.Load()
	_, err := c.Exec(context.Background(), "false")
	if err == nil {
		t.Fatal("expected error for non-zero remote exit")
	}
	var exitErr *ssh.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ssh.ExitError, got %v", err)
	}
	if srv.execs.Load() != before+1 {
		t.Error("non-zero exit must not trigger a reconnect retry")
	}
}

func TestIsAlive(t *testing.T) {
	srv := startTestServer(t, func(cmd string) (string, uint32) { return "", 0 })
	host, port := srv.hostPort(t)

	c := New(host, port, "admin", "secret", WithSettle(0))
	defer c.Close()

	if c.IsAlive() {
		t.Error("unconnected client must not report alive")
	}
	if err := c.Connect(false); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !c.IsAlive() {
		t.Error("connected client must report alive")
	}
}

func TestConnectBadCredentials(t *testing.T) {
	srv := startTestServer(t, func(cmd string) (string, uint32) { return "", 0 })
	host, port := srv.hostPort(t)

	c := New(host, port, "admin", "wrong", WithDialTimeout(2*time.Second))
	if err := c.Connect(false); err == nil {
		t.Error("expected handshake failure with bad credentials")
		c.Close()
	}
}
