// Package sweep orchestrates a full throughput sweep: environment
// switches, role bring-up, rate locking, warm-up, traffic runs and
// recovery, producing one log artifact per test point.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wifibench/pkg/config"
	"wifibench/pkg/envprep"
	"wifibench/pkg/iperf"
	"wifibench/pkg/logsink"
	"wifibench/pkg/metrics"
	"wifibench/pkg/parse"
	"wifibench/pkg/rateplan"
	"wifibench/pkg/remote"
	"wifibench/pkg/status"
)

// APController is the slice of AP bring-up the orchestrator drives.
type APController interface {
	Up(ctx context.Context, band rateplan.Band, width, channel int) error
	Restart(ctx context.Context) error
	WaitPeerAssociated(ctx context.Context, width int) error
}

// STAController is the slice of STA bring-up the orchestrator drives.
type STAController interface {
	Up(ctx context.Context) error
	Link(ctx context.Context) (parse.LinkStatus, error)
}

// PeerAPController reconfigures the peer's radio when the peer is AP.
type PeerAPController interface {
	Set5G(ctx context.Context, width, channel int) error
}

// Preparer runs the environment switch procedure.
type Preparer interface {
	Prepare(ctx context.Context, target envprep.Target, band rateplan.Band, ensureAP func(context.Context) error) error
}

// RateLocker applies and clears PHY rate overrides on one device.
type RateLocker interface {
	Lock(ctx context.Context, iface string, band rateplan.Band, rate rateplan.Rate, width, nss int) error
	ClearAuto(ctx context.Context, iface string, band rateplan.Band) error
}

// Traffic runs warm-up and measured traffic.
type Traffic interface {
	Warmup(ctx context.Context, reverse bool) error
	Run(ctx context.Context, reverse bool, sink func(line string)) error
	StopClients(ctx context.Context)
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	DUT      remote.Runner
	AP       APController
	STA      STAController
	PeerAP   PeerAPController
	Prep     Preparer
	DUTLock  RateLocker
	PeerLock RateLocker
	Traffic  Traffic
	Run      *logsink.Run
	Notify   *status.Notifier
	Log      *zap.SugaredLogger
}

// Params selects what one sweep invocation measures.
type Params struct {
	Mode     Mode
	Band     rateplan.Band
	Widths   []int
	Channels []int
	// Rate is a fixed rate for a single-point run, or Auto for the
	// band's full plan.
	Rate rateplan.Rate
	NSS  int
}

// Orchestrator runs sweeps. It remembers which environment is
// currently prepared and which link states have been warmed so the
// expensive steps run only when something actually changed.
type Orchestrator struct {
	cfg *config.Config
	d   Deps
	log *zap.SugaredLogger

	// warmed keys persist for the whole run, so composite modes whose
	// phases revisit a (band, width, channel, direction) never re-warm.
	warmed       map[rateplan.WarmupKey]bool
	prepared     envprep.Target
	preparedBand rateplan.Band

	apWidth   int
	apChannel int
	apUp      bool
}

func New(cfg *config.Config, d Deps) *Orchestrator {
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if d.Notify == nil {
		d.Notify = status.New("")
	}
	return &Orchestrator{
		cfg:    cfg,
		d:      d,
		log:    log,
		warmed: make(map[rateplan.WarmupKey]bool),
	}
}

// Run executes every phase of p.Mode over the configured matrix.
// Environment failures are fatal; individual point failures are
// counted and reported at the end.
func (o *Orchestrator) Run(ctx context.Context, p Params) error {
	if p.NSS == 0 {
		p.NSS = 2
	}

	if err := o.d.Notify.Preparing(); err != nil {
		o.log.Warnw("status write failed", "err", err)
	}

	var failed, total int
	for _, phase := range p.Mode.Phases() {
		n, f, err := o.runPhase(ctx, phase, p)
		total += n
		failed += f
		if err != nil {
			o.d.Notify.Failed(err.Error())
			return err
		}
	}

	if failed > 0 {
		o.d.Notify.Failed(fmt.Sprintf("%d of %d points failed", failed, total))
		return fmt.Errorf("sweep: %d of %d points failed", failed, total)
	}
	return nil
}

// pointGroup is one (width, channel) cell of the matrix with the rates
// measured inside it.
type pointGroup struct {
	width, channel int
	points         []rateplan.TestPoint
}

func groupPoints(points []rateplan.TestPoint) []pointGroup {
	var groups []pointGroup
	for _, p := range points {
		if n := len(groups); n > 0 && groups[n-1].width == p.Width && groups[n-1].channel == p.Channel {
			groups[n-1].points = append(groups[n-1].points, p)
			continue
		}
		groups = append(groups, pointGroup{width: p.Width, channel: p.Channel, points: []rateplan.TestPoint{p}})
	}
	return groups
}

func (o *Orchestrator) runPhase(ctx context.Context, phase Mode, p Params) (total, failed int, err error) {
	points, err := rateplan.Expand(p.Band, p.Widths, p.Channels, p.Rate, phase.Direction())
	if err != nil {
		return 0, 0, err
	}
	groups := groupPoints(points)
	total = len(points)

	if err := o.ensureEnvironment(ctx, phase, p.Band, groups[0]); err != nil {
		return total, total, err
	}

	for _, g := range groups {
		if err := o.bringupGroup(ctx, phase, p.Band, g.width, g.channel); err != nil {
			metrics.BringupFailures.Inc()
			o.log.Errorw("bring-up failed, skipping group",
				"width", g.width, "channel", g.channel, "err", err)
			failed += len(g.points)
			continue
		}

		for _, point := range g.points {
			// The matrix is validated up front, but a hand-edited
			// config can still smuggle an illegal combination in.
			if !rateplan.Legal(p.Band, point.Width, point.Rate) {
				o.log.Warnw("skipping illegal point", "point", point)
				continue
			}
			if err := o.runPoint(ctx, phase, point, p.NSS); err != nil {
				if ctx.Err() != nil {
					return total, failed, ctx.Err()
				}
				metrics.PointFailures.Inc()
				o.log.Errorw("point failed", "point", point, "err", err)
				failed++
			}
		}
	}
	return total, failed, nil
}

// ensureEnvironment switches the peer role if this phase needs a
// different one than is currently running.
func (o *Orchestrator) ensureEnvironment(ctx context.Context, phase Mode, band rateplan.Band, first pointGroup) error {
	target := phase.EnvTarget()
	if o.prepared == target && o.preparedBand == band {
		return nil
	}

	var ensureAP func(context.Context) error
	if target == envprep.PeerSTA {
		// The rebooting peer station needs a beaconing network to come
		// back to. Bring the DUT AP up at the first cell's settings.
		ensureAP = func(ctx context.Context) error {
			if err := o.d.AP.Up(ctx, band, first.width, first.channel); err != nil {
				return err
			}
			o.apUp, o.apWidth, o.apChannel = true, first.width, first.channel
			return nil
		}
	}

	o.apUp = false
	if err := o.d.Prep.Prepare(ctx, target, band, ensureAP); err != nil {
		return err
	}
	o.prepared, o.preparedBand = target, band
	return nil
}

// bringupGroup moves both ends of the link to a (width, channel) cell.
func (o *Orchestrator) bringupGroup(ctx context.Context, phase Mode, band rateplan.Band, width, channel int) error {
	if phase.Role() == "AP" {
		if !o.apUp || o.apWidth != width || o.apChannel != channel {
			if err := o.d.AP.Up(ctx, band, width, channel); err != nil {
				return err
			}
			o.apUp, o.apWidth, o.apChannel = true, width, channel
		}
		if err := o.d.AP.WaitPeerAssociated(ctx, width); err != nil {
			return err
		}
		// Receive phases stream toward the DUT the moment traffic
		// starts; confirm the association survived bring-up settling.
		if phase.Direction() == rateplan.DirRX {
			if err := o.d.AP.WaitPeerAssociated(ctx, width); err != nil {
				return err
			}
		}
		return nil
	}

	// DUT is STA: the peer AP owns the channel.
	if band == rateplan.Band5G {
		if err := o.d.PeerAP.Set5G(ctx, width, channel); err != nil {
			return err
		}
	}
	return o.d.STA.Up(ctx)
}

// lockPoint clears the receiving side's override before locking the
// sending side. A stale lock on the receiver shapes the reverse
// traffic and quietly corrupts the measurement.
func (o *Orchestrator) lockPoint(ctx context.Context, phase Mode, point rateplan.TestPoint, nss int) error {
	dutIface := o.cfg.DUT.STAIface
	if phase.Role() == "AP" {
		dutIface = o.cfg.DUT.APIface
	}
	peerIface := o.cfg.Peer.Iface5G
	if point.Band == rateplan.Band2G {
		peerIface = o.cfg.Peer.Iface2G
	}

	if phase.Direction() == rateplan.DirTX {
		if err := o.d.PeerLock.ClearAuto(ctx, peerIface, point.Band); err != nil {
			return err
		}
		return o.d.DUTLock.Lock(ctx, dutIface, point.Band, point.Rate, point.Width, nss)
	}
	if err := o.d.DUTLock.ClearAuto(ctx, dutIface, point.Band); err != nil {
		return err
	}
	return o.d.PeerLock.Lock(ctx, peerIface, point.Band, point.Rate, point.Width, nss)
}

func (o *Orchestrator) runPoint(ctx context.Context, phase Mode, point rateplan.TestPoint, nss int) error {
	if err := o.lockPoint(ctx, phase, point, nss); err != nil {
		return err
	}

	key := point.Key()
	if !o.warmed[key] {
		if err := o.d.Traffic.Warmup(ctx, phase.Reverse()); err != nil {
			return fmt.Errorf("warm-up: %w", err)
		}
		o.warmed[key] = true
	}

	if err := o.d.Notify.Ready(point.Width, point.Channel, point.Rate); err != nil {
		o.log.Warnw("status write failed", "err", err)
	}

	art, err := o.d.Run.Create(point, phase.Role())
	if err != nil {
		return err
	}
	defer art.Close()

	if err := art.WriteHeader(o.header(ctx, phase, point)); err != nil {
		return err
	}

	sink := func(line string) {
		if werr := art.WriteLine(line); werr != nil {
			o.log.Warnw("artifact write failed", "err", werr)
		}
	}

	if phase == ModeAPTX {
		err = o.runWithRecovery(ctx, sink)
	} else {
		err = o.d.Traffic.Run(ctx, phase.Reverse(), sink)
	}
	if err != nil {
		art.WriteLine("ERROR: " + err.Error())
		return err
	}
	return nil
}

// header builds the artifact preamble. When the DUT is the station its
// negotiated link parameters and driver rate readbacks are recorded so
// a surprising number can be read next to the PHY state it was
// measured under.
func (o *Orchestrator) header(ctx context.Context, phase Mode, point rateplan.TestPoint) []string {
	lines := []string{
		"time: " + time.Now().Format(time.RFC3339),
		"mode: " + string(phase),
		fmt.Sprintf("band: %s  width: %dMHz  channel: %d  rate: %s",
			point.Band, point.Width, point.Channel, point.Rate),
	}
	if phase.Role() == "STA" {
		if st, err := o.d.STA.Link(ctx); err == nil && st.State == parse.Associated {
			lines = append(lines,
				fmt.Sprintf("link: bssid=%s freq=%d signal=%ddBm", st.BSSID, st.FreqMHz, st.SignalDBm))
		}
		for _, readback := range []string{"nrate", "rate"} {
			out, err := o.d.DUT.Exec(ctx, fmt.Sprintf("wl -i %s %s", o.cfg.DUT.STAIface, readback))
			if err != nil {
				continue
			}
			lines = append(lines, readback+": "+strings.TrimSpace(out))
		}
	}
	return lines
}

// runWithRecovery wraps the AP transmit run in the barrier/recovery
// loop. The DUT's AP path is the one arrangement where the first
// packets routinely race ARP and hostapd state, so every attempt is
// preceded by a barrier. A hostapd restart invalidates the neighbor
// state the same way bring-up does, so the retry after a data-plane
// collapse gets a fresh barrier too.
func (o *Orchestrator) runWithRecovery(ctx context.Context, sink func(string)) error {
	const (
		barrierAttempts = 3
		runAttempts     = 2
	)

	var lastErr error
	for b := 0; b < barrierAttempts; b++ {
		for r := 0; r < runAttempts; r++ {
			o.barrier(ctx)
			lastErr = o.d.Traffic.Run(ctx, false, sink)
			if lastErr == nil {
				return nil
			}
			if !errors.Is(lastErr, iperf.ErrDataPlane) {
				return lastErr
			}
			metrics.Recoveries.Inc()
			o.log.Warnw("data plane collapsed, restarting access point",
				"barrier", b+1, "attempt", r+1)
			if rerr := o.d.AP.Restart(ctx); rerr != nil {
				o.log.Errorw("access point restart failed", "err", rerr)
			}
		}
	}
	return fmt.Errorf("recovery exhausted: %w", lastErr)
}

// barrier forces fresh neighbor resolution toward the traffic server
// and primes the forwarding path with two throwaway pings.
func (o *Orchestrator) barrier(ctx context.Context) {
	server := o.cfg.Iperf.Server
	cmd := fmt.Sprintf("ip neigh del %s dev %s 2>/dev/null || true", server, o.cfg.DUT.APIface)
	if _, err := o.d.DUT.Exec(ctx, cmd); err != nil {
		o.log.Debugw("neighbor flush failed", "err", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := o.d.DUT.Exec(ctx, fmt.Sprintf("ping -c 1 -W 1 %s", server)); err != nil {
			o.log.Debugw("primer ping failed", "err", err)
		}
	}
}
