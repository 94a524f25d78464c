// Package config provides YAML configuration support for the Wi-Fi
// throughput bench.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DUTConfig describes the device under test and how to reach it.
type DUTConfig struct {
	// MsshBin is the local helper binary that opens a shell on the DUT.
	MsshBin string `yaml:"mssh_bin"`
	// Host is the argument passed to the helper, e.g. "root@172.16.6.0".
	Host string `yaml:"host"`

	STAIface string `yaml:"sta_iface"`
	STAIP    string `yaml:"sta_ip"`
	WPAConf  string `yaml:"wpa_conf"`

	APIface string `yaml:"ap_iface"`
	APIP    string `yaml:"ap_ip"`
	Netmask string `yaml:"netmask"`

	// HostapdConf maps a 5GHz channel width in MHz to the template
	// hostapd configuration shipped on the DUT for that width.
	HostapdConf map[int]string `yaml:"hostapd_conf"`
	// Conf2G is the fixed 2.4GHz hostapd configuration.
	Conf2G string `yaml:"conf_2g"`
	// RuntimeConf is where the patched template is written before
	// hostapd is started. Recovery restarts from this file.
	RuntimeConf string `yaml:"runtime_conf"`
}

// PeerConfig describes the peer router reached over SSH.
type PeerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	Iface5G string `yaml:"iface_5g"`
	Iface2G string `yaml:"iface_2g"`

	// APCfg and STACfg are nvram snapshot files on the peer. Restoring
	// one and rebooting switches the peer's role.
	APCfg  string `yaml:"ap_cfg"`
	STACfg string `yaml:"sta_cfg"`

	SSID5G string `yaml:"ssid_5g"`
	SSID2G string `yaml:"ssid_2g"`

	// ApplyWait is how long a wireless restart takes to settle after
	// nvram changes are committed.
	ApplyWait time.Duration `yaml:"apply_wait"`
}

// IperfConfig holds traffic generation parameters.
type IperfConfig struct {
	Server   string        `yaml:"server"`
	Port     int           `yaml:"port"`
	Duration time.Duration `yaml:"duration"`
	Warmup   time.Duration `yaml:"warmup"`
}

// BandMatrix selects the widths and channels swept on one band.
type BandMatrix struct {
	Widths   []int `yaml:"widths"`
	Channels []int `yaml:"channels"`
}

// MatrixConfig is the sweep space.
type MatrixConfig struct {
	Band5G BandMatrix `yaml:"band_5g"`
	Band2G BandMatrix `yaml:"band_2g"`
}

// TimeoutConfig collects every wait the bench performs. Values here
// are starting points measured on the reference rig; slower devices
// may need more headroom.
type TimeoutConfig struct {
	Short        time.Duration `yaml:"short"`          // plain shell commands
	Rate         time.Duration `yaml:"rate"`           // rate override + verify
	APReady      time.Duration `yaml:"ap_ready"`       // hostapd state=ENABLED
	APReadyPoll  time.Duration `yaml:"ap_ready_poll"`  //
	Link         time.Duration `yaml:"link"`           // iw link after supplicant start
	LinkPoll     time.Duration `yaml:"link_poll"`      //
	Assoc        time.Duration `yaml:"assoc"`          // peer in assoclist (<=40MHz)
	AssocWide    time.Duration `yaml:"assoc_wide"`     // peer in assoclist (80MHz)
	RebootWait   time.Duration `yaml:"reboot_wait"`    // blind wait after peer reboot
	SSHReady     time.Duration `yaml:"ssh_ready"`      // peer port reachable again
	Settle       time.Duration `yaml:"settle"`         // post-reconnect quiet period
	Scan         time.Duration `yaml:"scan"`           // DUT finds peer SSID
	ScanPoll     time.Duration `yaml:"scan_poll"`      //
	PingAttempts int           `yaml:"ping_attempts"`  //
	PingInterval time.Duration `yaml:"ping_interval"`  //
	ChanspecTry  int           `yaml:"chanspec_tries"` // chanspec lock attempts
}

// Config represents the full bench configuration.
type Config struct {
	DUT      DUTConfig     `yaml:"dut"`
	Peer     PeerConfig    `yaml:"peer"`
	Iperf    IperfConfig   `yaml:"iperf"`
	Matrix   MatrixConfig  `yaml:"matrix"`
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// LogDir is where per-run artifact directories are created.
	LogDir string `yaml:"log_dir"`
	// StateFile receives one-line status tokens for external watchers.
	// Empty disables it.
	StateFile string `yaml:"state_file"`

	Verbose bool `yaml:"verbose"`
	// MetricsAddr exposes Prometheus counters when non-empty, e.g. ":9102".
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns a configuration matching the reference rig.
func DefaultConfig() *Config {
	return &Config{
		DUT: DUTConfig{
			MsshBin:  "mssh",
			Host:     "root@172.16.6.0",
			STAIface: "wlan0",
			STAIP:    "192.168.50.101",
			WPAConf:  "/var/wpa_supplicant.conf",
			APIface:  "wlan1",
			APIP:     "192.168.50.100",
			Netmask:  "255.255.255.0",
			HostapdConf: map[int]string{
				20: "/etc/hostapd_5g_20.conf",
				40: "/etc/hostapd_5g_40.conf",
				80: "/etc/hostapd_5g_80.conf",
			},
			Conf2G:      "/etc/hostapd_2g.conf",
			RuntimeConf: "/tmp/hostapd_runtime_wlan1.conf",
		},

		Peer: PeerConfig{
			Host:      "192.168.50.1",
			Port:      65535,
			User:      "admin",
			Password:  "admin",
			Iface5G:   "eth7",
			Iface2G:   "eth6",
			APCfg:     "/jffs/ap.cfg",
			STACfg:    "/jffs/sta.cfg",
			SSID5G:    "bench-5g",
			SSID2G:    "bench-2g",
			ApplyWait: 15 * time.Second,
		},

		Iperf: IperfConfig{
			Server:   "192.168.50.239",
			Port:     5201,
			Duration: 300 * time.Second,
			Warmup:   5 * time.Second,
		},

		Matrix: MatrixConfig{
			Band5G: BandMatrix{Widths: []int{20, 40, 80}, Channels: []int{36, 149}},
			Band2G: BandMatrix{Widths: []int{20}, Channels: []int{6}},
		},

		Timeouts: TimeoutConfig{
			Short:        10 * time.Second,
			Rate:         15 * time.Second,
			APReady:      15 * time.Second,
			APReadyPoll:  time.Second,
			Link:         20 * time.Second,
			LinkPoll:     500 * time.Millisecond,
			Assoc:        20 * time.Second,
			AssocWide:    45 * time.Second,
			RebootWait:   80 * time.Second,
			SSHReady:     180 * time.Second,
			Settle:       10 * time.Second,
			Scan:         90 * time.Second,
			ScanPoll:     5 * time.Second,
			PingAttempts: 15,
			PingInterval: time.Second,
			ChanspecTry:  3,
		},

		LogDir:    "logs",
		StateFile: "",
		Verbose:   false,
	}
}

// Load reads configuration from a YAML file, applying defaults for
// anything the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// AssocTimeout picks the association wait for a channel width. Wide
// channels take longer to negotiate.
func (t TimeoutConfig) AssocTimeout(width int) time.Duration {
	if width >= 80 {
		return t.AssocWide
	}
	return t.Assoc
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.DUT.Host == "" {
		return fmt.Errorf("dut.host is required")
	}
	if c.DUT.MsshBin == "" {
		return fmt.Errorf("dut.mssh_bin is required")
	}
	if c.DUT.STAIface == "" || c.DUT.APIface == "" {
		return fmt.Errorf("dut interfaces are required")
	}
	if c.DUT.RuntimeConf == "" {
		return fmt.Errorf("dut.runtime_conf is required")
	}

	for _, w := range c.Matrix.Band5G.Widths {
		switch w {
		case 20, 40, 80:
		default:
			return fmt.Errorf("invalid 5GHz width: %d", w)
		}
		if _, ok := c.DUT.HostapdConf[w]; !ok {
			return fmt.Errorf("no hostapd template for %dMHz", w)
		}
	}
	for _, ch := range c.Matrix.Band5G.Channels {
		if !valid5GChannel(ch) {
			return fmt.Errorf("invalid 5GHz channel: %d", ch)
		}
	}
	for _, w := range c.Matrix.Band2G.Widths {
		if w != 20 {
			return fmt.Errorf("2.4GHz runs at 20MHz only, got %d", w)
		}
	}
	for _, ch := range c.Matrix.Band2G.Channels {
		if ch < 1 || ch > 13 {
			return fmt.Errorf("invalid 2.4GHz channel: %d", ch)
		}
	}

	if c.Peer.Host == "" {
		return fmt.Errorf("peer.host is required")
	}
	if c.Peer.Port <= 0 || c.Peer.Port > 65535 {
		return fmt.Errorf("invalid peer port: %d", c.Peer.Port)
	}
	if c.Peer.APCfg == "" || c.Peer.STACfg == "" {
		return fmt.Errorf("peer nvram snapshot paths are required")
	}

	if c.Iperf.Server == "" {
		return fmt.Errorf("iperf.server is required")
	}
	if c.Iperf.Port <= 0 || c.Iperf.Port > 65535 {
		return fmt.Errorf("invalid iperf port: %d", c.Iperf.Port)
	}
	if c.Iperf.Duration <= 0 {
		return fmt.Errorf("iperf duration must be > 0")
	}

	if c.Timeouts.PingAttempts <= 0 {
		return fmt.Errorf("ping_attempts must be > 0")
	}
	if c.Timeouts.ChanspecTry <= 0 {
		return fmt.Errorf("chanspec_tries must be > 0")
	}

	return nil
}

func valid5GChannel(ch int) bool {
	switch {
	case ch >= 36 && ch <= 48 && (ch-36)%4 == 0:
		return true
	case ch >= 149 && ch <= 161 && (ch-149)%4 == 0:
		return true
	}
	return false
}
