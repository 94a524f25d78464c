package sweep

import (
	"fmt"
	"strings"

	"wifibench/pkg/envprep"
	"wifibench/pkg/rateplan"
)

// Mode names what the DUT does during a sweep: which role it plays and
// which direction the measured traffic flows, relative to the DUT.
type Mode string

const (
	ModeAPTX  Mode = "AP_TX"
	ModeAPRX  Mode = "AP_RX"
	ModeSTATX Mode = "STA_TX"
	ModeSTARX Mode = "STA_RX"

	// Composite modes expand into ordered primitive phases.
	ModeAPBoth  Mode = "AP_TX&RX"
	ModeSTABoth Mode = "STA_TX&RX"
	ModeAll     Mode = "ALL"
)

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeAPTX, ModeAPRX, ModeSTATX, ModeSTARX, ModeAPBoth, ModeSTABoth, ModeAll:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Phases expands a mode into the primitive phases it runs, in order.
// ALL runs the STA phases first so the single expensive role switch
// happens exactly once.
func (m Mode) Phases() []Mode {
	switch m {
	case ModeAPBoth:
		return []Mode{ModeAPTX, ModeAPRX}
	case ModeSTABoth:
		return []Mode{ModeSTATX, ModeSTARX}
	case ModeAll:
		return []Mode{ModeSTATX, ModeSTARX, ModeAPTX, ModeAPRX}
	}
	return []Mode{m}
}

// Role returns the DUT's role in a primitive phase: "AP" or "STA".
func (m Mode) Role() string {
	if m == ModeAPTX || m == ModeAPRX {
		return "AP"
	}
	return "STA"
}

// Direction is the traffic direction relative to the DUT.
func (m Mode) Direction() rateplan.Direction {
	if m == ModeAPTX || m == ModeSTATX {
		return rateplan.DirTX
	}
	return rateplan.DirRX
}

// EnvTarget is the peer role this phase needs: the opposite of the
// DUT's.
func (m Mode) EnvTarget() envprep.Target {
	if m.Role() == "AP" {
		return envprep.PeerSTA
	}
	return envprep.PeerAP
}

// Reverse reports whether the traffic client runs reversed. The client
// always lives on the DUT, so receive-direction phases flip the stream
// with the tool's reverse flag instead of moving the client.
func (m Mode) Reverse() bool {
	return m.Direction() == rateplan.DirRX
}
