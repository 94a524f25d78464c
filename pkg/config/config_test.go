package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ============================================================================
// DefaultConfig Tests
// ============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}

	if cfg.DUT.MsshBin != "mssh" {
		t.Errorf("Expected MsshBin=mssh, got %s", cfg.DUT.MsshBin)
	}

	if cfg.Iperf.Duration != 300*time.Second {
		t.Errorf("Expected Duration=300s, got %v", cfg.Iperf.Duration)
	}

	if cfg.Iperf.Warmup != 5*time.Second {
		t.Errorf("Expected Warmup=5s, got %v", cfg.Iperf.Warmup)
	}
}

func TestDefaultConfigHostapdTemplates(t *testing.T) {
	cfg := DefaultConfig()

	for _, w := range []int{20, 40, 80} {
		if _, ok := cfg.DUT.HostapdConf[w]; !ok {
			t.Errorf("Missing hostapd template for %dMHz", w)
		}
	}
}

func TestDefaultConfigTimeouts(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeouts.Short != 10*time.Second {
		t.Errorf("Expected Short=10s, got %v", cfg.Timeouts.Short)
	}

	if cfg.Timeouts.RebootWait != 80*time.Second {
		t.Errorf("Expected RebootWait=80s, got %v", cfg.Timeouts.RebootWait)
	}

	if cfg.Timeouts.SSHReady != 180*time.Second {
		t.Errorf("Expected SSHReady=180s, got %v", cfg.Timeouts.SSHReady)
	}

	if cfg.Timeouts.PingAttempts != 15 {
		t.Errorf("Expected PingAttempts=15, got %d", cfg.Timeouts.PingAttempts)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Default config must validate, got: %v", err)
	}
}

// ============================================================================
// AssocTimeout Tests
// ============================================================================

func TestAssocTimeoutByWidth(t *testing.T) {
	to := DefaultConfig().Timeouts

	if got := to.AssocTimeout(20); got != 20*time.Second {
		t.Errorf("20MHz: expected 20s, got %v", got)
	}
	if got := to.AssocTimeout(40); got != 20*time.Second {
		t.Errorf("40MHz: expected 20s, got %v", got)
	}
	if got := to.AssocTimeout(80); got != 45*time.Second {
		t.Errorf("80MHz: expected 45s, got %v", got)
	}
}

// ============================================================================
// Validation Tests
// ============================================================================

func TestValidateNoDUTHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DUT.Host = ""

	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for missing DUT host")
	}
}

func TestValidateInvalid5GWidth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Matrix.Band5G.Widths = []int{160}

	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for unsupported 5GHz width")
	}
}

func TestValidateMissingTemplate(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.DUT.HostapdConf, 80)

	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for width without hostapd template")
	}
}

func TestValidate5GChannels(t *testing.T) {
	valid := []int{36, 40, 44, 48, 149, 153, 157, 161}
	for _, ch := range valid {
		cfg := DefaultConfig()
		cfg.Matrix.Band5G.Channels = []int{ch}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Channel %d should be valid, got: %v", ch, err)
		}
	}

	invalid := []int{1, 34, 38, 52, 100, 148, 165}
	for _, ch := range invalid {
		cfg := DefaultConfig()
		cfg.Matrix.Band5G.Channels = []int{ch}
		if err := cfg.Validate(); err == nil {
			t.Errorf("Channel %d should be rejected", ch)
		}
	}
}

func TestValidate2GWideChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Matrix.Band2G.Widths = []int{40}

	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for 2.4GHz width other than 20")
	}
}

func TestValidate2GChannelRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Matrix.Band2G.Channels = []int{14}

	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for 2.4GHz channel out of range")
	}
}

func TestValidateBadPeerPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peer.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for peer port 0")
	}
}

func TestValidateZeroIperfDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iperf.Duration = 0

	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for zero iperf duration")
	}
}

// ============================================================================
// Load/Save Tests
// ============================================================================

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bench.yaml")

	cfg := DefaultConfig()
	cfg.DUT.Host = "root@10.0.0.5"
	cfg.Iperf.Duration = 60 * time.Second
	cfg.Matrix.Band5G.Channels = []int{149}

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.DUT.Host != cfg.DUT.Host {
		t.Errorf("DUT host: expected %s, got %s", cfg.DUT.Host, loaded.DUT.Host)
	}

	if loaded.Iperf.Duration != cfg.Iperf.Duration {
		t.Errorf("Duration: expected %v, got %v", cfg.Iperf.Duration, loaded.Iperf.Duration)
	}

	if len(loaded.Matrix.Band5G.Channels) != 1 || loaded.Matrix.Band5G.Channels[0] != 149 {
		t.Errorf("Channels: expected [149], got %v", loaded.Matrix.Band5G.Channels)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.yaml")

	// File only overrides the peer host; everything else keeps defaults.
	err := os.WriteFile(configPath, []byte("peer:\n  host: 192.168.50.2\n"), 0644)
	if err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.Peer.Host != "192.168.50.2" {
		t.Errorf("Peer host: expected 192.168.50.2, got %s", loaded.Peer.Host)
	}

	if loaded.DUT.MsshBin != "mssh" {
		t.Errorf("Expected default MsshBin to survive partial load, got %s", loaded.DUT.MsshBin)
	}
}

func TestLoadNonexistent(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	err := os.WriteFile(configPath, []byte("{{{{invalid yaml"), 0644)
	if err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid-config.yaml")

	// DUT host cleared makes the config invalid.
	err := os.WriteFile(configPath, []byte("dut:\n  host: \"\"\n"), 0644)
	if err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Expected validation error")
	}
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}

func BenchmarkValidate(b *testing.B) {
	cfg := DefaultConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cfg.Validate()
	}
}
