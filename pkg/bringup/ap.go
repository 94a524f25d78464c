// Package bringup drives the radio role state machines on the device
// under test and the peer router: hostapd-based AP bring-up,
// wpa_supplicant-based STA bring-up, and the peer's nvram-backed AP
// reconfiguration.
package bringup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"wifibench/pkg/config"
	"wifibench/pkg/parse"
	"wifibench/pkg/poll"
	"wifibench/pkg/rateplan"
	"wifibench/pkg/remote"
)

// ErrBringupTimeout reports that a role failed to reach its ready
// state within the configured window.
var ErrBringupTimeout = errors.New("bringup: timed out")

// Result records one chanspec lock attempt for the run artifacts.
type Result struct {
	Requested string
	Observed  string
	Locked    bool
	Raw       string
}

// AP owns hostapd bring-up on the device under test.
type AP struct {
	dev remote.Runner
	cfg config.DUTConfig
	to  config.TimeoutConfig
	log *zap.SugaredLogger

	// lastConf is the runtime configuration hostapd was last started
	// from. Recovery restarts use it verbatim.
	lastConf string
}

func NewAP(dev remote.Runner, cfg config.DUTConfig, to config.TimeoutConfig, log *zap.SugaredLogger) *AP {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AP{dev: dev, cfg: cfg, to: to, log: log}
}

// chanspecArg formats the chanspec token for a width/channel pair.
func chanspecArg(width, channel int) (string, error) {
	switch width {
	case 20:
		return fmt.Sprintf("%d", channel), nil
	case 40:
		if sidebandLower(channel) {
			return fmt.Sprintf("%dl", channel), nil
		}
		return fmt.Sprintf("%du", channel), nil
	case 80:
		return fmt.Sprintf("%d/80", channel), nil
	}
	return "", fmt.Errorf("bringup: unsupported width %d", width)
}

// sidebandLower reports whether channel is the lower primary of its
// 40MHz pair.
func sidebandLower(channel int) bool {
	base := 36
	if channel >= 149 {
		base = 149
	}
	return ((channel-base)/4)%2 == 0
}

// Up brings the AP interface to a beaconing state on the requested
// band, width and channel.
func (a *AP) Up(ctx context.Context, band rateplan.Band, width, channel int) error {
	if _, err := a.dev.Exec(ctx, "killall hostapd 2>/dev/null || true"); err != nil {
		return fmt.Errorf("bringup: stop hostapd: %w", err)
	}
	// A stale control socket from a killed hostapd blocks the next one.
	if _, err := a.dev.Exec(ctx, "rm -rf /var/run/hostapd 2>/dev/null || true"); err != nil {
		return fmt.Errorf("bringup: remove hostapd socket: %w", err)
	}
	if _, err := a.dev.Exec(ctx, fmt.Sprintf("ifconfig %s up", a.cfg.APIface)); err != nil {
		return fmt.Errorf("bringup: interface up: %w", err)
	}

	var conf string
	if band == rateplan.Band5G {
		res, err := a.lockChanspec(ctx, width, channel)
		if err != nil {
			return err
		}
		a.log.Infow("chanspec locked",
			"requested", res.Requested, "observed", res.Observed)

		conf = a.cfg.RuntimeConf
		if err := a.patchConf(ctx, width, channel); err != nil {
			return err
		}
	} else {
		// The 2.4GHz radio runs from a fixed configuration. Width and
		// channel are baked into the template.
		conf = a.cfg.Conf2G
	}

	cmd := fmt.Sprintf("ifconfig %s %s netmask %s", a.cfg.APIface, a.cfg.APIP, a.cfg.Netmask)
	if _, err := a.dev.Exec(ctx, cmd); err != nil {
		return fmt.Errorf("bringup: assign address: %w", err)
	}

	if _, err := a.dev.Exec(ctx, fmt.Sprintf("hostapd -B -i %s %s", a.cfg.APIface, conf)); err != nil {
		return fmt.Errorf("bringup: start hostapd: %w", err)
	}
	a.lastConf = conf

	return a.waitEnabled(ctx)
}

// lockChanspec pins the radio channel before hostapd starts. The set
// only takes on a quiesced radio, so each attempt kills whatever owns
// it and brackets the set with a down/up cycle. The driver still
// occasionally ignores a set while calibrating, so the set/readback
// pair retries.
func (a *AP) lockChanspec(ctx context.Context, width, channel int) (Result, error) {
	switch width {
	case 20, 40, 80:
	default:
		return Result{}, fmt.Errorf("bringup: unsupported width %d", width)
	}
	spec := fmt.Sprintf("%d/%d", channel, width)

	for _, cmd := range []string{
		"pkill -9 wpa_supplicant 2>/dev/null || true",
		"pkill -9 hostapd 2>/dev/null || true",
	} {
		if _, err := a.dev.Exec(ctx, cmd); err != nil {
			return Result{}, fmt.Errorf("bringup: quiesce radio: %w", err)
		}
	}

	res := Result{Requested: spec}
	for i := 0; i < a.to.ChanspecTry; i++ {
		if _, err := a.dev.Exec(ctx, fmt.Sprintf("wl -i %s down || true", a.cfg.APIface)); err != nil {
			a.log.Warnw("radio down failed", "attempt", i+1, "err", err)
		}
		if _, err := a.dev.Exec(ctx, fmt.Sprintf("wl -i %s chanspec %s", a.cfg.APIface, spec)); err != nil {
			a.log.Warnw("chanspec set failed", "attempt", i+1, "err", err)
			continue
		}
		if _, err := a.dev.Exec(ctx, fmt.Sprintf("wl -i %s up || true", a.cfg.APIface)); err != nil {
			a.log.Warnw("radio up failed", "attempt", i+1, "err", err)
		}

		out, err := a.dev.Exec(ctx, fmt.Sprintf("wl -i %s chanspec", a.cfg.APIface))
		if err != nil {
			continue
		}
		res.Raw = out
		res.Observed = firstField(out)

		if parse.MatchChanspec(res.Observed, width, channel) {
			res.Locked = true
			return res, nil
		}
		a.log.Warnw("chanspec readback mismatch",
			"attempt", i+1, "want", spec, "got", res.Observed)
	}
	return res, fmt.Errorf("bringup: chanspec lock failed, want %s got %s", spec, res.Observed)
}

// patchConf copies the width template to the runtime configuration and
// rewrites the channel-dependent fields in place.
func (a *AP) patchConf(ctx context.Context, width, channel int) error {
	tpl, ok := a.cfg.HostapdConf[width]
	if !ok {
		return fmt.Errorf("bringup: no hostapd template for %dMHz", width)
	}

	cmds := []string{
		fmt.Sprintf("cp %s %s", tpl, a.cfg.RuntimeConf),
		fmt.Sprintf("sed -i 's/^channel=.*/channel=%d/' %s", channel, a.cfg.RuntimeConf),
	}

	switch width {
	case 40:
		sideband := "+"
		if !sidebandLower(channel) {
			sideband = "-"
		}
		cmds = append(cmds, fmt.Sprintf(
			`sed -i 's/\[HT40[+-]\]/\[HT40%s\]/' %s`,
			sideband, a.cfg.RuntimeConf))
	case 80:
		seg0, err := rateplan.CenterFreqIndex(channel)
		if err != nil {
			return fmt.Errorf("bringup: %w", err)
		}
		cmds = append(cmds,
			confSet(a.cfg.RuntimeConf, "vht_oper_chwidth", "1"),
			confSet(a.cfg.RuntimeConf, "vht_oper_centr_freq_seg0_idx", strconv.Itoa(seg0)))
	}

	for _, cmd := range cmds {
		if _, err := a.dev.Exec(ctx, cmd); err != nil {
			return fmt.Errorf("bringup: patch config: %w", err)
		}
	}
	return nil
}

// confSet rewrites key in conf, appending the line when the template
// never carried it.
func confSet(conf, key, value string) string {
	return fmt.Sprintf("grep -q '^%[2]s=' %[1]s && sed -i 's/^%[2]s=.*/%[2]s=%[3]s/' %[1]s || echo '%[2]s=%[3]s' >> %[1]s",
		conf, key, value)
}

// waitEnabled polls hostapd until it reports state=ENABLED.
func (a *AP) waitEnabled(ctx context.Context) error {
	err := poll.Until(ctx, poll.Options{Timeout: a.to.APReady, Interval: a.to.APReadyPoll},
		func(ctx context.Context) (bool, error) {
			out, err := a.dev.Exec(ctx, fmt.Sprintf("hostapd_cli -i %s status", a.cfg.APIface))
			if err != nil {
				return false, nil
			}
			return parse.HostapdEnabled(out), nil
		})
	if errors.Is(err, poll.ErrTimedOut) {
		return fmt.Errorf("%w: hostapd never reached ENABLED", ErrBringupTimeout)
	}
	return err
}

// Restart kills and relaunches hostapd from the last runtime
// configuration. Recovery uses it when the data plane collapses
// mid-run; the channel lock and patched fields are preserved in the
// file so no re-patching happens here.
func (a *AP) Restart(ctx context.Context) error {
	if a.lastConf == "" {
		return errors.New("bringup: no previous hostapd configuration to restart from")
	}
	if _, err := a.dev.Exec(ctx, "killall hostapd 2>/dev/null || true"); err != nil {
		return fmt.Errorf("bringup: stop hostapd: %w", err)
	}
	if _, err := a.dev.Exec(ctx, fmt.Sprintf("hostapd -B -i %s %s", a.cfg.APIface, a.lastConf)); err != nil {
		return fmt.Errorf("bringup: restart hostapd: %w", err)
	}
	return a.waitEnabled(ctx)
}

// WaitPeerAssociated polls the association list until the peer station
// shows up. Wide channels negotiate slower and get a longer window.
func (a *AP) WaitPeerAssociated(ctx context.Context, width int) error {
	err := poll.Until(ctx, poll.Options{Timeout: a.to.AssocTimeout(width), Interval: time.Second},
		func(ctx context.Context) (bool, error) {
			out, err := a.dev.Exec(ctx, fmt.Sprintf("wl -i %s assoclist", a.cfg.APIface))
			if err != nil {
				return false, nil
			}
			return parse.HasAssocList(out), nil
		})
	if errors.Is(err, poll.ErrTimedOut) {
		return fmt.Errorf("%w: no station associated", ErrBringupTimeout)
	}
	return err
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}
