package bringup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"wifibench/pkg/config"
	"wifibench/pkg/rateplan"
)

// fakeDev answers Exec through a scripted respond function and records
// every command for order assertions.
type fakeDev struct {
	commands []string
	respond  func(cmd string) (string, error)
}

func (d *fakeDev) Exec(ctx context.Context, command string) (string, error) {
	d.commands = append(d.commands, command)
	if d.respond == nil {
		return "", nil
	}
	return d.respond(command)
}

func (d *fakeDev) has(substr string) bool {
	for _, c := range d.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func testTimeouts() config.TimeoutConfig {
	return config.TimeoutConfig{
		Short:        time.Second,
		APReady:      200 * time.Millisecond,
		APReadyPoll:  10 * time.Millisecond,
		Link:         200 * time.Millisecond,
		LinkPoll:     10 * time.Millisecond,
		Assoc:        200 * time.Millisecond,
		AssocWide:    400 * time.Millisecond,
		ChanspecTry:  3,
		PingAttempts: 3,
		PingInterval: 10 * time.Millisecond,
	}
}

func testDUT() config.DUTConfig {
	return config.DUTConfig{
		STAIface: "wlan0",
		STAIP:    "192.168.50.101",
		WPAConf:  "/var/wpa_supplicant.conf",
		APIface:  "wlan1",
		APIP:     "192.168.50.100",
		Netmask:  "255.255.255.0",
		HostapdConf: map[int]string{
			20: "/etc/h20.conf", 40: "/etc/h40.conf", 80: "/etc/h80.conf",
		},
		Conf2G:      "/etc/h2g.conf",
		RuntimeConf: "/tmp/runtime.conf",
	}
}

// healthyAP answers chanspec readbacks and hostapd status positively.
func healthyAP(chanspec string) func(string) (string, error) {
	return func(cmd string) (string, error) {
		switch {
		case strings.HasSuffix(cmd, "chanspec"):
			return chanspec + " (0xe02a)", nil
		case strings.Contains(cmd, "hostapd_cli"):
			return "state=ENABLED", nil
		}
		return "", nil
	}
}

// ============================================================================
// Chanspec formatting
// ============================================================================

func TestChanspecArg(t *testing.T) {
	cases := []struct {
		width, channel int
		want           string
	}{
		{20, 36, "36"},
		{20, 149, "149"},
		{40, 36, "36l"},
		{40, 40, "40u"},
		{40, 149, "149l"},
		{40, 153, "153u"},
		{80, 36, "36/80"},
		{80, 157, "157/80"},
	}
	for _, c := range cases {
		got, err := chanspecArg(c.width, c.channel)
		if err != nil {
			t.Errorf("chanspecArg(%d, %d) failed: %v", c.width, c.channel, err)
			continue
		}
		if got != c.want {
			t.Errorf("chanspecArg(%d, %d) = %s, want %s", c.width, c.channel, got, c.want)
		}
	}

	if _, err := chanspecArg(160, 36); err == nil {
		t.Error("Expected error for unsupported width")
	}
}

// ============================================================================
// AP bring-up
// ============================================================================

func TestAPUp5GSequence(t *testing.T) {
	dev := &fakeDev{respond: healthyAP("36/80")}
	ap := NewAP(dev, testDUT(), testTimeouts(), nil)

	if err := ap.Up(context.Background(), rateplan.Band5G, 80, 36); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	if !dev.has("rm -rf /var/run/hostapd") {
		t.Error("Expected stale control socket cleanup")
	}
	if !dev.has("pkill -9 wpa_supplicant") {
		t.Error("Expected supplicant kill before the channel move")
	}
	if !dev.has("wl -i wlan1 down") || !dev.has("wl -i wlan1 up") {
		t.Error("Expected down/up bracket around the chanspec set")
	}
	if !dev.has("wl -i wlan1 chanspec 36/80") {
		t.Error("Expected chanspec lock command")
	}
	if !dev.has("cp /etc/h80.conf /tmp/runtime.conf") {
		t.Error("Expected template copy")
	}
	if !dev.has("channel=36") {
		t.Error("Expected channel patch")
	}
	if !dev.has("vht_oper_chwidth=1") {
		t.Error("Expected operating width patch for 80MHz")
	}
	if !dev.has("vht_oper_centr_freq_seg0_idx=42") {
		t.Error("Expected center frequency patch for 80MHz")
	}
	if !dev.has("hostapd -B -i wlan1 /tmp/runtime.conf") {
		t.Error("Expected hostapd start from the runtime configuration")
	}
}

func TestAPUp40PatchesSideband(t *testing.T) {
	dev := &fakeDev{respond: healthyAP("40u")}
	ap := NewAP(dev, testDUT(), testTimeouts(), nil)

	if err := ap.Up(context.Background(), rateplan.Band5G, 40, 40); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if !dev.has("wl -i wlan1 chanspec 40/40") {
		t.Error("Expected channel/width chanspec set")
	}
	if !dev.has("HT40-") {
		t.Error("Expected upper-sideband patch for channel 40")
	}
}

func TestAPUp2GUsesFixedConf(t *testing.T) {
	dev := &fakeDev{respond: healthyAP("6")}
	ap := NewAP(dev, testDUT(), testTimeouts(), nil)

	if err := ap.Up(context.Background(), rateplan.Band2G, 20, 6); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	if !dev.has("hostapd -B -i wlan1 /etc/h2g.conf") {
		t.Error("Expected hostapd start from the fixed 2.4GHz configuration")
	}
	if dev.has("cp ") || dev.has("sed ") {
		t.Error("The fixed 2.4GHz configuration must not be patched")
	}
	if dev.has("wl -i wlan1 chanspec ") {
		t.Error("No chanspec lock on 2.4GHz")
	}
}

func TestAPChanspecRetries(t *testing.T) {
	readbacks := []string{"149/80", "149/80", "36/80"}
	dev := &fakeDev{}
	dev.respond = func(cmd string) (string, error) {
		switch {
		case strings.HasSuffix(cmd, "chanspec"):
			out := readbacks[0]
			if len(readbacks) > 1 {
				readbacks = readbacks[1:]
			}
			return out + " (0xe02a)", nil
		case strings.Contains(cmd, "hostapd_cli"):
			return "state=ENABLED", nil
		}
		return "", nil
	}
	ap := NewAP(dev, testDUT(), testTimeouts(), nil)

	if err := ap.Up(context.Background(), rateplan.Band5G, 80, 36); err != nil {
		t.Fatalf("Up must succeed within retry budget: %v", err)
	}
}

func TestAPChanspecLockExhausted(t *testing.T) {
	dev := &fakeDev{respond: healthyAP("149/80")}
	ap := NewAP(dev, testDUT(), testTimeouts(), nil)

	err := ap.Up(context.Background(), rateplan.Band5G, 80, 36)
	if err == nil {
		t.Fatal("Expected chanspec lock failure")
	}

	sets := 0
	for _, c := range dev.commands {
		if strings.HasPrefix(c, "wl -i wlan1 chanspec 36/80") {
			sets++
		}
	}
	if sets != 3 {
		t.Errorf("Expected 3 lock attempts, got %d", sets)
	}
}

func TestAPUpTimesOutWhenNeverEnabled(t *testing.T) {
	dev := &fakeDev{respond: func(cmd string) (string, error) {
		if strings.HasSuffix(cmd, "chanspec") {
			return "36/80 (0xe02a)", nil
		}
		if strings.Contains(cmd, "hostapd_cli") {
			return "state=HT_SCAN", nil
		}
		return "", nil
	}}
	ap := NewAP(dev, testDUT(), testTimeouts(), nil)

	err := ap.Up(context.Background(), rateplan.Band5G, 80, 36)
	if !errors.Is(err, ErrBringupTimeout) {
		t.Errorf("Expected ErrBringupTimeout, got %v", err)
	}
}

func TestAPRestartUsesLastConf(t *testing.T) {
	dev := &fakeDev{respond: healthyAP("36/80")}
	ap := NewAP(dev, testDUT(), testTimeouts(), nil)

	if err := ap.Up(context.Background(), rateplan.Band5G, 80, 36); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	dev.commands = nil
	if err := ap.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	if !dev.has("hostapd -B -i wlan1 /tmp/runtime.conf") {
		t.Error("Restart must reuse the last runtime configuration")
	}
	if dev.has("cp ") {
		t.Error("Restart must not re-patch the configuration")
	}
}

func TestAPRestartWithoutUp(t *testing.T) {
	ap := NewAP(&fakeDev{}, testDUT(), testTimeouts(), nil)
	if err := ap.Restart(context.Background()); err == nil {
		t.Error("Expected error restarting before any bring-up")
	}
}

func TestWaitPeerAssociated(t *testing.T) {
	dev := &fakeDev{respond: func(cmd string) (string, error) {
		if strings.Contains(cmd, "assoclist") {
			return "assoclist 00:11:22:33:44:55", nil
		}
		return "", nil
	}}
	ap := NewAP(dev, testDUT(), testTimeouts(), nil)

	if err := ap.WaitPeerAssociated(context.Background(), 20); err != nil {
		t.Errorf("WaitPeerAssociated failed: %v", err)
	}
}

func TestWaitPeerAssociatedTimeout(t *testing.T) {
	dev := &fakeDev{} // empty assoclist forever
	ap := NewAP(dev, testDUT(), testTimeouts(), nil)

	err := ap.WaitPeerAssociated(context.Background(), 20)
	if !errors.Is(err, ErrBringupTimeout) {
		t.Errorf("Expected ErrBringupTimeout, got %v", err)
	}
}

// ============================================================================
// STA bring-up
// ============================================================================

const connectedLink = `Connected to aa:bb:cc:dd:ee:ff (on wlan0)
	SSID: bench-5g
	freq: 5180
	signal: -44 dBm`

func TestSTAUpSequence(t *testing.T) {
	dev := &fakeDev{respond: func(cmd string) (string, error) {
		if strings.Contains(cmd, "iw wlan0 link") {
			return connectedLink, nil
		}
		return "", nil
	}}
	sta := NewSTA(dev, testDUT(), testTimeouts(), nil)

	if err := sta.Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	if !dev.has("wpa_supplicant -B -i wlan0 -c /var/wpa_supplicant.conf") {
		t.Error("Expected supplicant start")
	}
	if !dev.has("ifconfig wlan0 192.168.50.101 netmask 255.255.255.0") {
		t.Error("Expected static address assignment")
	}
}

func TestSTAUpAddressFailureIsNotFatal(t *testing.T) {
	dev := &fakeDev{respond: func(cmd string) (string, error) {
		if strings.Contains(cmd, "iw wlan0 link") {
			return connectedLink, nil
		}
		if strings.HasPrefix(cmd, "ifconfig wlan0 192.168") {
			return "", errors.New("SIOCSIFADDR: no such device")
		}
		return "", nil
	}}
	sta := NewSTA(dev, testDUT(), testTimeouts(), nil)

	if err := sta.Up(context.Background()); err != nil {
		t.Errorf("Address failure must not fail bring-up, got %v", err)
	}
}

func TestSTAUpAssociationTimeout(t *testing.T) {
	dev := &fakeDev{respond: func(cmd string) (string, error) {
		if strings.Contains(cmd, "iw wlan0 link") {
			return "Not connected.", nil
		}
		return "", nil
	}}
	sta := NewSTA(dev, testDUT(), testTimeouts(), nil)

	err := sta.Up(context.Background())
	if !errors.Is(err, ErrBringupTimeout) {
		t.Errorf("Expected ErrBringupTimeout, got %v", err)
	}
}

func TestSTALinkSnapshot(t *testing.T) {
	dev := &fakeDev{respond: func(cmd string) (string, error) {
		return connectedLink, nil
	}}
	sta := NewSTA(dev, testDUT(), testTimeouts(), nil)

	st, err := sta.Link(context.Background())
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if st.SSID != "bench-5g" || st.SignalDBm != -44 {
		t.Errorf("Unexpected link status: %+v", st)
	}
}

// ============================================================================
// Peer AP reconfiguration
// ============================================================================

func testPeer() config.PeerConfig {
	return config.PeerConfig{
		Iface5G:   "eth7",
		Iface2G:   "eth6",
		ApplyWait: 20 * time.Millisecond,
	}
}

func TestPeerSet5GNarrowUsesRuntimeChanspec(t *testing.T) {
	dev := &fakeDev{respond: healthyAP("36")}
	p := NewPeerAP(dev, testPeer(), nil)

	if err := p.Set5G(context.Background(), 20, 36); err != nil {
		t.Fatalf("Set5G failed: %v", err)
	}

	if !dev.has("wl -i eth7 chanspec 36") {
		t.Error("Expected runtime chanspec set")
	}
	if dev.has("nvram") {
		t.Error("20MHz move must not touch nvram")
	}
}

func TestPeerSet5GWideUsesNvram(t *testing.T) {
	dev := &fakeDev{respond: healthyAP("149/80")}
	p := NewPeerAP(dev, testPeer(), nil)

	if err := p.Set5G(context.Background(), 80, 149); err != nil {
		t.Fatalf("Set5G failed: %v", err)
	}

	for _, want := range []string{"nvram set wl1_chanspec=149/80", "nvram commit", "service restart_wireless"} {
		if !dev.has(want) {
			t.Errorf("Expected %q in command stream", want)
		}
	}
}

func TestPeerSet5GVerifyMismatch(t *testing.T) {
	dev := &fakeDev{respond: healthyAP("36/80")}
	p := NewPeerAP(dev, testPeer(), nil)

	if err := p.Set5G(context.Background(), 80, 149); err == nil {
		t.Error("Expected verify mismatch error")
	}
}
