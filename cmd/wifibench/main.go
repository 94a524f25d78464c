// wifibench - Wi-Fi throughput test bench orchestrator
//
// Drives a device under test and a peer router through a throughput
// sweep: role bring-up (hostapd / wpa_supplicant), PHY rate locking,
// environment role switches, and iperf3 traffic runs, with one log
// artifact per test point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wifibench/pkg/bringup"
	"wifibench/pkg/config"
	"wifibench/pkg/control"
	"wifibench/pkg/envprep"
	"wifibench/pkg/iperf"
	"wifibench/pkg/logsink"
	"wifibench/pkg/metrics"
	"wifibench/pkg/ratelock"
	"wifibench/pkg/rateplan"
	"wifibench/pkg/remote"
	"wifibench/pkg/status"
	"wifibench/pkg/sweep"
)

var (
	version = "1.0.0"

	cfgFile     string
	modeFlag    string
	bandFlag    string
	widthsFlag  []int
	chansFlag   []int
	rateFlag    string
	durFlag     time.Duration
	metricsAddr string
	stateFile   string
	logDir      string
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wifibench",
		Short: "Wi-Fi throughput test bench orchestrator",
		Long: `wifibench drives a DUT and a peer router through a throughput sweep.

Examples:
  # Full 5GHz sweep, DUT as AP, transmit direction
  wifibench -c bench.yaml -m ap_tx

  # Everything: both roles, both directions
  wifibench -c bench.yaml -m all

  # One point: 80MHz channel 149 at MCS9, DUT as STA receiving
  wifibench -c bench.yaml -m sta_rx -b 5G --bw 80 --ch 149 -r mcs9`,
		RunE: runSweep,
	}

	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Config file (YAML)")
	rootCmd.Flags().StringVarP(&modeFlag, "mode", "m", "ap_tx", "Mode: ap_tx, ap_rx, sta_tx, sta_rx, ap_tx&rx, sta_tx&rx, all")
	rootCmd.Flags().StringVarP(&bandFlag, "band", "b", "5G", "Band: 5G or 2G")
	rootCmd.Flags().IntSliceVar(&widthsFlag, "bw", nil, "Channel widths in MHz (default: config matrix)")
	rootCmd.Flags().IntSliceVar(&chansFlag, "ch", nil, "Channels (default: config matrix)")
	rootCmd.Flags().StringVarP(&rateFlag, "rate", "r", "auto", "Rate: auto, mcsN, or legacy Mbps (54, 11, ...)")
	rootCmd.Flags().DurationVarP(&durFlag, "duration", "t", 0, "Per-point traffic duration (default: config)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Expose Prometheus counters on address (e.g. :9102)")
	rootCmd.Flags().StringVar(&stateFile, "state-file", "", "Write bench state tokens to this file")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "", "Artifact directory (default: config)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wifibench v%s\n", version)
		},
	})

	prepareCmd := &cobra.Command{
		Use:   "prepare [ap|sta]",
		Short: "Switch the peer role and verify the data plane, without sweeping",
		Args:  cobra.ExactArgs(1),
		RunE:  runPrepare,
	}
	rootCmd.AddCommand(prepareCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if durFlag > 0 {
		cfg.Iperf.Duration = durFlag
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if stateFile != "" {
		cfg.StateFile = stateFile
	}
	if logDir != "" {
		cfg.LogDir = logDir
	}
	cfg.Verbose = cfg.Verbose || verbose
	return cfg, nil
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	var l *zap.Logger
	var err error
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// parseRate turns the CLI rate token into a typed rate.
func parseRate(s string) (rateplan.Rate, error) {
	tok := strings.ToLower(strings.TrimSpace(s))
	if tok == "" || tok == "auto" {
		return rateplan.Auto, nil
	}
	if strings.HasPrefix(tok, "mcs") {
		idx, err := strconv.Atoi(tok[3:])
		if err != nil {
			return rateplan.Rate{}, fmt.Errorf("bad MCS index %q", s)
		}
		return rateplan.MCS(idx), nil
	}
	mbps, err := strconv.Atoi(tok)
	if err != nil {
		return rateplan.Rate{}, fmt.Errorf("unrecognized rate %q", s)
	}
	return rateplan.Classify(mbps)
}

func parseBand(s string) (rateplan.Band, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "5G":
		return rateplan.Band5G, nil
	case "2G":
		return rateplan.Band2G, nil
	}
	return "", fmt.Errorf("unknown band %q", s)
}

// rig is the fully wired bench.
type rig struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	dut  *remote.Channel
	peer *control.Client
	ap   *bringup.AP
	sta  *bringup.STA
	prep *envprep.Proc
	ipf  *iperf.Runner
	orc  *sweep.Orchestrator
}

func buildRig(cfg *config.Config) (*rig, error) {
	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return nil, err
	}

	dut := remote.New(cfg.DUT.MsshBin, cfg.DUT.Host,
		remote.WithLog(log),
		remote.WithDefaultTimeout(cfg.Timeouts.Short))

	peer := control.New(cfg.Peer.Host, cfg.Peer.Port, cfg.Peer.User, cfg.Peer.Password,
		control.WithLog(log))

	ap := bringup.NewAP(dut, cfg.DUT, cfg.Timeouts, log)
	sta := bringup.NewSTA(dut, cfg.DUT, cfg.Timeouts, log)
	peerAP := bringup.NewPeerAP(peer, cfg.Peer, log)

	ipf := iperf.New(dut, cfg.Iperf.Server, cfg.Iperf.Port, cfg.Iperf.Duration,
		iperf.WithLog(log),
		iperf.WithWarmup(cfg.Iperf.Warmup))

	prep := envprep.New(dut, peer, sta, ipf, cfg, log)

	orc := sweep.New(cfg, sweep.Deps{
		DUT:      dut,
		AP:       ap,
		STA:      sta,
		PeerAP:   peerAP,
		Prep:     prep,
		DUTLock:  ratelock.New(dut, ratelock.WithLog(log)),
		PeerLock: ratelock.New(peer, ratelock.WithLog(log)),
		Traffic:  ipf,
		Run:      logsink.NewRun(cfg.LogDir),
		Notify:   status.New(cfg.StateFile),
		Log:      log,
	})

	return &rig{cfg: cfg, log: log, dut: dut, peer: peer, ap: ap, sta: sta, prep: prep, ipf: ipf, orc: orc}, nil
}

// signalContext cancels on SIGINT/SIGTERM. Cleanup of leftover traffic
// clients is fire-and-forget: waiting on a possibly-dead link would
// stall the shutdown the user just asked for.
func signalContext(r *rig) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		r.log.Warn("interrupted, shutting down")
		go func() {
			cleanup := exec.Command(r.cfg.DUT.MsshBin, "-tt", r.cfg.DUT.Host, "pkill -9 iperf3 || true")
			_ = cleanup.Run()
		}()
		cancel()
	}()
	return ctx, cancel
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mode, err := sweep.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	band, err := parseBand(bandFlag)
	if err != nil {
		return err
	}
	rate, err := parseRate(rateFlag)
	if err != nil {
		return err
	}

	matrix := cfg.Matrix.Band5G
	if band == rateplan.Band2G {
		matrix = cfg.Matrix.Band2G
	}
	widths := matrix.Widths
	if len(widthsFlag) > 0 {
		widths = widthsFlag
	}
	channels := matrix.Channels
	if len(chansFlag) > 0 {
		channels = chansFlag
	}

	r, err := buildRig(cfg)
	if err != nil {
		return err
	}
	defer r.log.Sync()
	defer r.peer.Close()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				r.log.Errorw("metrics endpoint failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	ctx, cancel := signalContext(r)
	defer cancel()

	r.log.Infow("starting sweep",
		"mode", mode, "band", band, "widths", widths, "channels", channels,
		"rate", rate.String(), "duration", cfg.Iperf.Duration)

	return r.orc.Run(ctx, sweep.Params{
		Mode:     mode,
		Band:     band,
		Widths:   widths,
		Channels: channels,
		Rate:     rate,
		NSS:      2,
	})
}

func runPrepare(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var target envprep.Target
	switch strings.ToLower(args[0]) {
	case "ap":
		target = envprep.PeerAP
	case "sta":
		target = envprep.PeerSTA
	default:
		return fmt.Errorf("prepare target must be ap or sta, got %q", args[0])
	}

	band, err := parseBand(bandFlag)
	if err != nil {
		return err
	}

	r, err := buildRig(cfg)
	if err != nil {
		return err
	}
	defer r.log.Sync()
	defer r.peer.Close()

	ctx, cancel := signalContext(r)
	defer cancel()

	var ensureAP func(context.Context) error
	if target == envprep.PeerSTA {
		matrix := cfg.Matrix.Band5G
		if band == rateplan.Band2G {
			matrix = cfg.Matrix.Band2G
		}
		ensureAP = func(ctx context.Context) error {
			return r.ap.Up(ctx, band, matrix.Widths[0], matrix.Channels[0])
		}
	}

	if err := r.prep.Prepare(ctx, target, band, ensureAP); err != nil {
		return err
	}
	fmt.Printf("environment ready: peer=%s band=%s\n", target, band)
	return nil
}
