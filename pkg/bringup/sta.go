package bringup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"wifibench/pkg/config"
	"wifibench/pkg/parse"
	"wifibench/pkg/poll"
	"wifibench/pkg/remote"
)

// STA owns wpa_supplicant bring-up on the device under test.
type STA struct {
	dev remote.Runner
	cfg config.DUTConfig
	to  config.TimeoutConfig
	log *zap.SugaredLogger
}

func NewSTA(dev remote.Runner, cfg config.DUTConfig, to config.TimeoutConfig, log *zap.SugaredLogger) *STA {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &STA{dev: dev, cfg: cfg, to: to, log: log}
}

// Up starts the supplicant and waits for association. Address
// assignment failures do not fail the bring-up: the environment
// procedure re-checks the data plane anyway and reports a much more
// specific error if routing is actually broken.
func (s *STA) Up(ctx context.Context) error {
	if _, err := s.dev.Exec(ctx, "killall wpa_supplicant 2>/dev/null || true"); err != nil {
		return fmt.Errorf("bringup: stop supplicant: %w", err)
	}
	if _, err := s.dev.Exec(ctx, fmt.Sprintf("ifconfig %s up", s.cfg.STAIface)); err != nil {
		return fmt.Errorf("bringup: interface up: %w", err)
	}

	cmd := fmt.Sprintf("wpa_supplicant -B -i %s -c %s", s.cfg.STAIface, s.cfg.WPAConf)
	if _, err := s.dev.Exec(ctx, cmd); err != nil {
		return fmt.Errorf("bringup: start supplicant: %w", err)
	}

	if err := s.waitAssociated(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("ifconfig %s %s netmask %s", s.cfg.STAIface, s.cfg.STAIP, s.cfg.Netmask)
	if _, err := s.dev.Exec(ctx, addr); err != nil {
		s.log.Warnw("static address assignment failed", "iface", s.cfg.STAIface, "err", err)
	}
	return nil
}

func (s *STA) waitAssociated(ctx context.Context) error {
	err := poll.Until(ctx, poll.Options{Timeout: s.to.Link, Interval: s.to.LinkPoll},
		func(ctx context.Context) (bool, error) {
			out, err := s.dev.Exec(ctx, fmt.Sprintf("iw %s link", s.cfg.STAIface))
			if err != nil {
				return false, nil
			}
			return parse.ParseLinkStatus(out).State == parse.Associated, nil
		})
	if errors.Is(err, poll.ErrTimedOut) {
		return fmt.Errorf("%w: station never associated", ErrBringupTimeout)
	}
	return err
}

// Link returns the current link status. The sweep records it in each
// artifact preamble so a surprising throughput number can be read next
// to the PHY parameters it was measured under.
func (s *STA) Link(ctx context.Context) (parse.LinkStatus, error) {
	out, err := s.dev.Exec(ctx, fmt.Sprintf("iw %s link", s.cfg.STAIface))
	if err != nil {
		return parse.LinkStatus{}, fmt.Errorf("bringup: link status: %w", err)
	}
	return parse.ParseLinkStatus(out), nil
}
