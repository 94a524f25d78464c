// Package envprep implements the role-switch procedure: restoring an
// nvram snapshot on the peer router, rebooting it, and hard-verifying
// that the resulting topology actually passes traffic before any sweep
// point runs on it.
package envprep

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"wifibench/pkg/bringup"
	"wifibench/pkg/config"
	"wifibench/pkg/control"
	"wifibench/pkg/iperf"
	"wifibench/pkg/parse"
	"wifibench/pkg/poll"
	"wifibench/pkg/rateplan"
	"wifibench/pkg/remote"
)

// ErrEnvPrepFailed reports that the bench could not reach a verified
// topology. It is fatal: no sweep point can produce a trustworthy
// number on an unverified environment.
var ErrEnvPrepFailed = errors.New("envprep: environment preparation failed")

// Target names the role the peer router takes after the switch.
type Target string

const (
	// PeerSTA reconfigures the peer as a station; the DUT plays AP.
	PeerSTA Target = "sta"
	// PeerAP reconfigures the peer as an access point; the DUT plays STA.
	PeerAP Target = "ap"
)

// PeerControl is the slice of the control client the procedure needs.
// The reboot path closes and reopens the transport explicitly.
type PeerControl interface {
	Exec(ctx context.Context, command string) (string, error)
	Connect(force bool) error
	Close()
}

var _ PeerControl = (*control.Client)(nil)

// Proc executes the environment preparation procedure.
type Proc struct {
	dut   remote.Runner
	peer  PeerControl
	sta   *bringup.STA
	iperf *iperf.Runner
	cfg   *config.Config
	log   *zap.SugaredLogger
}

func New(dut remote.Runner, peer PeerControl, sta *bringup.STA, ipf *iperf.Runner, cfg *config.Config, log *zap.SugaredLogger) *Proc {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Proc{dut: dut, peer: peer, sta: sta, iperf: ipf, cfg: cfg, log: log}
}

// Prepare switches the peer into target role on band and verifies the
// data plane end to end. ensureAP, when non-nil, is invoked after the
// DUT soft reset and before the peer reboot; the sweep passes its AP
// bring-up here so a rebooting peer STA finds a network to join.
func (p *Proc) Prepare(ctx context.Context, target Target, band rateplan.Band, ensureAP func(context.Context) error) error {
	p.log.Infow("preparing environment", "target", target, "band", band)

	if err := p.softReset(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvPrepFailed, err)
	}

	if target == PeerSTA && ensureAP != nil {
		if err := ensureAP(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrEnvPrepFailed, err)
		}
	}

	if err := p.switchPeer(ctx, target); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvPrepFailed, err)
	}

	if err := p.verifyRole(ctx, target, band); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvPrepFailed, err)
	}

	if err := p.verifyDataPlane(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvPrepFailed, err)
	}

	p.log.Infow("environment verified", "target", target, "band", band)
	return nil
}

// softReset returns the DUT's network state to a known baseline:
// no daemons, no addresses, no bench routes.
func (p *Proc) softReset(ctx context.Context) error {
	cmds := []string{
		"killall hostapd 2>/dev/null || true",
		"killall wpa_supplicant 2>/dev/null || true",
		"pkill -9 iperf3 || true",
		fmt.Sprintf("ifconfig %s down 2>/dev/null || true", p.cfg.DUT.STAIface),
		fmt.Sprintf("ifconfig %s down 2>/dev/null || true", p.cfg.DUT.APIface),
		"ip route flush 192.168.50.0/24 2>/dev/null || true",
		"ip route del default 2>/dev/null || true",
	}
	for _, cmd := range cmds {
		if _, err := p.dut.Exec(ctx, cmd); err != nil {
			return fmt.Errorf("soft reset: %q: %v", cmd, err)
		}
	}
	return nil
}

// switchPeer restores the role snapshot and rides out the reboot.
func (p *Proc) switchPeer(ctx context.Context, target Target) error {
	snapshot := p.cfg.Peer.APCfg
	if target == PeerSTA {
		snapshot = p.cfg.Peer.STACfg
	}

	if _, err := p.peer.Exec(ctx, fmt.Sprintf("nvram restore %s", snapshot)); err != nil {
		return fmt.Errorf("nvram restore: %v", err)
	}

	// The reboot command never answers; the transport dies under it.
	if _, err := p.peer.Exec(ctx, "reboot"); err != nil {
		p.log.Debugw("reboot command returned error (expected)", "err", err)
	}
	p.peer.Close()

	p.log.Infow("peer rebooting", "wait", p.cfg.Timeouts.RebootWait)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.Timeouts.RebootWait):
	}

	addr := net.JoinHostPort(p.cfg.Peer.Host, fmt.Sprintf("%d", p.cfg.Peer.Port))
	if err := waitTCPPort(ctx, addr, p.cfg.Timeouts.SSHReady); err != nil {
		return fmt.Errorf("peer never came back: %v", err)
	}

	if err := p.peer.Connect(true); err != nil {
		return fmt.Errorf("reconnect after reboot: %v", err)
	}

	// Services keep starting for a while after sshd answers.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.Timeouts.Settle):
	}
	return nil
}

// waitTCPPort polls addr until a TCP connect succeeds.
func waitTCPPort(ctx context.Context, addr string, timeout time.Duration) error {
	return poll.Until(ctx, poll.Options{Timeout: timeout, Interval: 2 * time.Second},
		func(ctx context.Context) (bool, error) {
			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err != nil {
				return false, nil
			}
			conn.Close()
			return true, nil
		})
}

// verifyRole confirms the peer actually took the requested role.
// Restores are not atomic on the vendor firmware; a snapshot that
// failed to apply leaves the old role running and every sweep number
// after it meaningless.
func (p *Proc) verifyRole(ctx context.Context, target Target, band rateplan.Band) error {
	iface := p.cfg.Peer.Iface5G
	ssid := p.cfg.Peer.SSID5G
	if band == rateplan.Band2G {
		iface = p.cfg.Peer.Iface2G
		ssid = p.cfg.Peer.SSID2G
	}

	switch target {
	case PeerSTA:
		// The peer station must have joined the DUT's network.
		err := poll.Until(ctx, poll.Options{Timeout: p.cfg.Timeouts.Link, Interval: time.Second},
			func(ctx context.Context) (bool, error) {
				out, err := p.peer.Exec(ctx, fmt.Sprintf("wl -i %s status", iface))
				if err != nil {
					return false, nil
				}
				return parse.HasValidBSSID(out), nil
			})
		if err != nil {
			return fmt.Errorf("peer station never associated: %v", err)
		}
		return nil

	case PeerAP:
		// The DUT must see the peer's network and be able to join it.
		err := poll.Until(ctx, poll.Options{Timeout: p.cfg.Timeouts.Scan, Interval: p.cfg.Timeouts.ScanPoll},
			func(ctx context.Context) (bool, error) {
				out, err := p.dut.Exec(ctx, fmt.Sprintf("iw %s scan", p.cfg.DUT.STAIface))
				if err != nil {
					return false, nil
				}
				return parse.HasSSID(out, ssid), nil
			})
		if err != nil {
			return fmt.Errorf("peer network %q never appeared in scans: %v", ssid, err)
		}
		return p.sta.Up(ctx)
	}
	return fmt.Errorf("unknown target %q", target)
}

// verifyDataPlane pings the traffic server and runs a short unrecorded
// iperf pass. Association alone proves nothing about routing.
func (p *Proc) verifyDataPlane(ctx context.Context) error {
	pingCmd := fmt.Sprintf("ping -c 1 -W 1 %s", p.cfg.Iperf.Server)
	var ok bool
	for i := 0; i < p.cfg.Timeouts.PingAttempts; i++ {
		out, err := p.dut.Exec(ctx, pingCmd)
		if err == nil && parse.PingOK(out) {
			ok = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.Timeouts.PingInterval):
		}
	}
	if !ok {
		return fmt.Errorf("server %s unreachable after %d pings",
			p.cfg.Iperf.Server, p.cfg.Timeouts.PingAttempts)
	}

	if err := p.iperf.DryRun(ctx); err != nil {
		return fmt.Errorf("traffic dry run: %v", err)
	}
	return nil
}
