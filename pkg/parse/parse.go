// Package parse turns the unstructured text emitted by the vendor
// command-line tools (iw, wl, hostapd_cli, ping, iperf3) into typed
// results. All pattern matching over device output lives here so that
// verification policy can be tested against captured fixture text.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Association is the tri-state outcome of a link-status read.
type Association int

const (
	Unknown Association = iota
	NotAssociated
	Associated
)

// LinkStatus is the typed form of `iw <iface> link` output.
type LinkStatus struct {
	State     Association
	SSID      string
	BSSID     string
	FreqMHz   int
	SignalDBm int
	Raw       string
}

// ParseLinkStatus parses `iw <iface> link` output.
func ParseLinkStatus(text string) LinkStatus {
	out := strings.TrimSpace(text)
	if out == "" {
		return LinkStatus{State: Unknown}
	}
	if strings.Contains(out, "Not connected.") {
		return LinkStatus{State: NotAssociated, Raw: out}
	}
	if !strings.Contains(out, "Connected to ") {
		return LinkStatus{State: Unknown, Raw: out}
	}

	st := LinkStatus{State: Associated, Raw: out}
	for _, ln := range strings.Split(out, "\n") {
		s := strings.TrimSpace(ln)
		switch {
		case strings.HasPrefix(s, "Connected to "):
			parts := strings.Fields(s)
			if len(parts) >= 3 {
				st.BSSID = parts[2]
			}
		case strings.HasPrefix(s, "SSID:"):
			st.SSID = strings.TrimSpace(strings.TrimPrefix(s, "SSID:"))
		case strings.HasPrefix(s, "freq:"):
			if v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(s, "freq:"))); err == nil {
				st.FreqMHz = v
			}
		case strings.HasPrefix(s, "signal:"):
			fields := strings.Fields(strings.TrimPrefix(s, "signal:"))
			if len(fields) > 0 {
				if v, err := strconv.Atoi(fields[0]); err == nil {
					st.SignalDBm = v
				}
			}
		}
	}
	return st
}

// NRate is the negotiated-rate report from `wl nrate`,
// e.g. "vht mcs 7 Nss 2 Tx Exp 0 bw20 ldpc sgi fixed".
type NRate struct {
	MCS   int
	NSS   int
	Width int
}

var nrateRe = regexp.MustCompile(`(?i)(?:vht|ht)\s+mcs\s+(\d+).*Nss\s+(\d+).*bw(\d+)`)

// ParseNRate extracts the fixed-rate encoding from nrate output. The
// second return is false when the output carries no rate encoding
// (automatic rate, or transient driver state).
func ParseNRate(text string) (NRate, bool) {
	m := nrateRe.FindStringSubmatch(text)
	if m == nil {
		return NRate{}, false
	}
	mcs, _ := strconv.Atoi(m[1])
	nss, _ := strconv.Atoi(m[2])
	bw, _ := strconv.Atoi(m[3])
	return NRate{MCS: mcs, NSS: nss, Width: bw}, true
}

var chanspecRe = regexp.MustCompile(`^(\d+)([lu]?)`)

// MatchChanspec checks a chanspec token against a requested
// width/channel pair:
//
//	20 MHz: exact channel, no sideband suffix
//	40 MHz: channel plus "l" or "u" sideband marker
//	80 MHz: channel prefix match
func MatchChanspec(token string, width, channel int) bool {
	m := chanspecRe.FindStringSubmatch(token)
	if m == nil {
		return false
	}
	got, _ := strconv.Atoi(m[1])
	suffix := strings.ToLower(m[2])

	switch width {
	case 20:
		return got == channel && suffix == ""
	case 40:
		return got == channel && (suffix == "l" || suffix == "u")
	case 80:
		return got == channel
	}
	return false
}

var primaryRe = regexp.MustCompile(`(?i)Primary channel:\s*(\d+)`)

// ParsePrimaryChannel extracts the primary channel from `wl status`.
func ParsePrimaryChannel(wlStatus string) (int, error) {
	m := primaryRe.FindStringSubmatch(wlStatus)
	if m == nil {
		return 0, fmt.Errorf("primary channel not found in wl status")
	}
	return strconv.Atoi(m[1])
}

// ParseWidth infers the operating width from `wl status` output.
// Absent an explicit 80/40 MHz marker the link is treated as 20 MHz.
func ParseWidth(wlStatus string) int {
	switch {
	case strings.Contains(wlStatus, "80MHz"):
		return 80
	case strings.Contains(wlStatus, "40MHz"):
		return 40
	default:
		return 20
	}
}

// HasValidBSSID reports whether `wl status` shows an association
// record with a real BSSID. The all-zero BSSID some firmware reports
// while scanning does not count.
func HasValidBSSID(text string) bool {
	s := strings.ToLower(text)
	return strings.Contains(s, "bssid:") && !strings.Contains(s, "00:00:00:00:00:00")
}

// HasAssocList reports whether `wl assoclist` shows at least one
// associated station.
func HasAssocList(text string) bool {
	return strings.TrimSpace(text) != ""
}

// HostapdEnabled reports whether `hostapd_cli status` shows the daemon
// in its enabled state.
func HostapdEnabled(text string) bool {
	return strings.Contains(text, "state=ENABLED")
}

// PingOK reports whether a one-shot ping received its reply.
func PingOK(text string) bool {
	return strings.Contains(text, "1 received") || strings.Contains(text, "1 packets received")
}

// dataPlaneSignatures are the iperf3 self-reported failures that mean
// the path to the traffic partner is broken rather than merely slow.
var dataPlaneSignatures = []string{
	"no route to host",
	"network is unreachable",
	"host is unreachable",
	"connection refused",
	"unable to connect",
}

// DataPlaneFailure reports whether a throughput-tool output line
// signals a broken data path.
func DataPlaneFailure(line string) bool {
	low := strings.ToLower(line)
	for _, sig := range dataPlaneSignatures {
		if strings.Contains(low, sig) {
			return true
		}
	}
	return false
}

// HasSSID reports whether a scan dump mentions the network name.
func HasSSID(scanOutput, ssid string) bool {
	return strings.Contains(scanOutput, ssid)
}
