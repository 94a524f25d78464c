package bringup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wifibench/pkg/config"
	"wifibench/pkg/parse"
	"wifibench/pkg/remote"
)

// PeerAP reconfigures the peer router's 5GHz radio when the peer plays
// the AP role. 20MHz moves are a runtime chanspec set; wider channels
// need nvram changes and a wireless restart because the vendor firmware
// recomputes the whole radio configuration from nvram.
type PeerAP struct {
	dev remote.Runner
	cfg config.PeerConfig
	log *zap.SugaredLogger
}

func NewPeerAP(dev remote.Runner, cfg config.PeerConfig, log *zap.SugaredLogger) *PeerAP {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &PeerAP{dev: dev, cfg: cfg, log: log}
}

// Set5G moves the peer's 5GHz radio to the requested width and channel
// and verifies the move from a chanspec readback.
func (p *PeerAP) Set5G(ctx context.Context, width, channel int) error {
	spec, err := chanspecArg(width, channel)
	if err != nil {
		return err
	}

	if width == 20 {
		cmd := fmt.Sprintf("wl -i %s chanspec %s", p.cfg.Iface5G, spec)
		if _, err := p.dev.Exec(ctx, cmd); err != nil {
			return fmt.Errorf("bringup: peer chanspec: %w", err)
		}
		return p.verify(ctx, width, channel)
	}

	cmds := []string{
		fmt.Sprintf("nvram set wl1_chanspec=%s", spec),
		"nvram commit",
		"service restart_wireless",
	}
	for _, cmd := range cmds {
		if _, err := p.dev.Exec(ctx, cmd); err != nil {
			return fmt.Errorf("bringup: peer reconfigure: %w", err)
		}
	}

	p.log.Infow("peer wireless restarting", "chanspec", spec, "wait", p.cfg.ApplyWait)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.ApplyWait):
	}

	return p.verify(ctx, width, channel)
}

func (p *PeerAP) verify(ctx context.Context, width, channel int) error {
	out, err := p.dev.Exec(ctx, fmt.Sprintf("wl -i %s chanspec", p.cfg.Iface5G))
	if err != nil {
		return fmt.Errorf("bringup: peer chanspec readback: %w", err)
	}
	token := firstField(out)
	if !parse.MatchChanspec(token, width, channel) {
		return fmt.Errorf("bringup: peer chanspec mismatch, want %dMHz ch%d got %s",
			width, channel, token)
	}
	return nil
}
