// Package ratelock pins a radio's PHY rate through the vendor wl tool
// and verifies the lock took effect.
package ratelock

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wifibench/pkg/metrics"
	"wifibench/pkg/parse"
	"wifibench/pkg/poll"
	"wifibench/pkg/rateplan"
	"wifibench/pkg/remote"
)

// Locker applies rate overrides to one radio interface. The same type
// serves both the DUT and the peer since both speak the wl vocabulary.
type Locker struct {
	dev remote.Runner
	log *zap.SugaredLogger

	attempts int
	backoff  time.Duration
}

// Option customizes a Locker.
type Option func(*Locker)

func WithLog(log *zap.SugaredLogger) Option {
	return func(l *Locker) { l.log = log }
}

func New(dev remote.Runner, opts ...Option) *Locker {
	l := &Locker{
		dev:      dev,
		log:      zap.NewNop().Sugar(),
		attempts: 2,
		backoff:  800 * time.Millisecond,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// rateCmd builds the override command for one rate on one band.
func rateCmd(iface string, band rateplan.Band, rate rateplan.Rate, width, nss int) (string, error) {
	switch band {
	case rateplan.Band5G:
		if rate.Kind != rateplan.KindMCS {
			return "", fmt.Errorf("ratelock: 5GHz supports MCS rates only, got %s", rate)
		}
		return fmt.Sprintf("wl -i %s 5g_rate -v %d -b %d -s %d --sgi --ldpc",
			iface, rate.Value, width, nss), nil

	case rateplan.Band2G:
		switch rate.Kind {
		case rateplan.KindMCS:
			return fmt.Sprintf("wl -i %s 2g_rate -h %d -b 20 -s %d --sgi --ldpc",
				iface, rate.Value, nss), nil
		case rateplan.KindLegacyOFDM, rateplan.KindLegacyCCK:
			// Legacy rates take no HT flags.
			return fmt.Sprintf("wl -i %s 2g_rate -r %d", iface, rate.Value), nil
		default:
			return "", fmt.Errorf("ratelock: cannot lock %s on 2.4GHz", rate)
		}
	}
	return "", fmt.Errorf("ratelock: unknown band %q", band)
}

// Lock applies a rate override and verifies it against nrate output.
// Application failures retry with backoff and eventually degrade to
// running unlocked: a sweep point without an override still measures
// something useful, a dead sweep measures nothing. Verification
// mismatches never fail the lock; the driver reports the negotiated
// rate which can legitimately differ under marginal RF.
func (l *Locker) Lock(ctx context.Context, iface string, band rateplan.Band, rate rateplan.Rate, width, nss int) error {
	if rate.Kind == rateplan.KindAuto {
		return l.ClearAuto(ctx, iface, band)
	}

	cmd, err := rateCmd(iface, band, rate, width, nss)
	if err != nil {
		return err
	}

	err = poll.Retry(ctx, l.attempts, l.backoff, func(ctx context.Context) error {
		_, execErr := l.dev.Exec(ctx, cmd)
		return execErr
	})
	if err != nil {
		l.log.Warnw("rate override failed, running unlocked",
			"iface", iface, "rate", rate.String(), "err", err)
		return nil
	}

	l.verify(ctx, iface, rate, width, nss)
	return nil
}

// verify compares the driver's reported nrate against the requested
// lock. Only MCS locks are verifiable this way; legacy rates do not
// show up in nrate output.
func (l *Locker) verify(ctx context.Context, iface string, rate rateplan.Rate, width, nss int) {
	if rate.Kind != rateplan.KindMCS {
		return
	}

	out, err := l.dev.Exec(ctx, fmt.Sprintf("wl -i %s nrate", iface))
	if err != nil {
		l.log.Warnw("nrate readback failed", "iface", iface, "err", err)
		return
	}

	nr, ok := parse.ParseNRate(out)
	if !ok {
		l.log.Warnw("nrate output not recognized", "iface", iface, "out", out)
		return
	}

	if nr.MCS != rate.Value || nr.NSS != nss || nr.Width != width {
		metrics.RateVerifyMismatches.Inc()
		l.log.Warnw("rate verify mismatch",
			"iface", iface,
			"want_mcs", rate.Value, "got_mcs", nr.MCS,
			"want_nss", nss, "got_nss", nr.NSS,
			"want_bw", width, "got_bw", nr.Width)
	}
}

// ClearAuto removes any rate override, returning the radio to rate
// adaptation. Called on the receiving side before the sending side is
// locked so a stale override never shapes the other direction.
func (l *Locker) ClearAuto(ctx context.Context, iface string, band rateplan.Band) error {
	sub := "5g_rate"
	if band == rateplan.Band2G {
		sub = "2g_rate"
	}
	_, err := l.dev.Exec(ctx, fmt.Sprintf("wl -i %s %s auto", iface, sub))
	if err != nil {
		return fmt.Errorf("ratelock: clear override on %s: %w", iface, err)
	}
	return nil
}
