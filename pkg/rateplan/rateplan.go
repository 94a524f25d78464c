// Package rateplan defines the PHY rate model and expands the test
// matrix into individual test points.
package rateplan

import "fmt"

// Band identifies the radio band under test.
type Band string

const (
	Band2G Band = "2G"
	Band5G Band = "5G"
)

// Direction is the data-plane direction relative to the DUT.
type Direction string

const (
	DirTX Direction = "TX"
	DirRX Direction = "RX"
)

// Kind tags the PHY rate descriptor variant.
type Kind int

const (
	KindAuto Kind = iota
	KindMCS
	KindLegacyOFDM
	KindLegacyCCK
)

// Rate is a fixed PHY rate descriptor. Value holds the MCS index for
// KindMCS and the rate in Mbps for the legacy kinds.
type Rate struct {
	Kind  Kind
	Value int
}

// Auto is the automatic rate selection descriptor.
var Auto = Rate{Kind: KindAuto}

func MCS(idx int) Rate         { return Rate{Kind: KindMCS, Value: idx} }
func LegacyOFDM(mbps int) Rate { return Rate{Kind: KindLegacyOFDM, Value: mbps} }
func LegacyCCK(mbps int) Rate  { return Rate{Kind: KindLegacyCCK, Value: mbps} }

// String renders the rate for log artifacts and progress lines,
// e.g. "MCS8", "54M", "11M", "auto".
func (r Rate) String() string {
	switch r.Kind {
	case KindMCS:
		return fmt.Sprintf("MCS%d", r.Value)
	case KindLegacyOFDM, KindLegacyCCK:
		return fmt.Sprintf("%dM", r.Value)
	default:
		return "auto"
	}
}

// Classify maps a raw 2.4 GHz rate value onto its PHY mode. The
// legacy-CCK set is checked before the HT MCS range: 11 is a CCK rate
// even though it also falls inside 0..15.
func Classify(value int) (Rate, error) {
	switch value {
	case 1, 2, 11:
		return LegacyCCK(value), nil
	case 54:
		return LegacyOFDM(value), nil
	}
	if value >= 0 && value <= 15 {
		return MCS(value), nil
	}
	return Rate{}, fmt.Errorf("unclassifiable rate value: %d", value)
}

// PlanFor returns the ordered rate plan for one band/width pair.
//
//	5 GHz width 20   -> MCS 8..0
//	5 GHz width 40/80 -> MCS 9..0
//	2.4 GHz          -> MCS 15..8, then 54 Mbps OFDM, then 11 Mbps CCK
func PlanFor(band Band, width int) ([]Rate, error) {
	switch band {
	case Band5G:
		top := 9
		if width == 20 {
			top = 8
		} else if width != 40 && width != 80 {
			return nil, fmt.Errorf("unsupported 5G width: %d", width)
		}
		plan := make([]Rate, 0, top+1)
		for m := top; m >= 0; m-- {
			plan = append(plan, MCS(m))
		}
		return plan, nil
	case Band2G:
		if width != 20 {
			return nil, fmt.Errorf("2.4G supports width 20 only, got %d", width)
		}
		plan := make([]Rate, 0, 10)
		for m := 15; m >= 8; m-- {
			plan = append(plan, MCS(m))
		}
		plan = append(plan, LegacyOFDM(54), LegacyCCK(11))
		return plan, nil
	}
	return nil, fmt.Errorf("unknown band: %q", band)
}

// Legal reports whether the rate may be requested on the band/width.
func Legal(band Band, width int, r Rate) bool {
	if r.Kind == KindAuto {
		return true
	}
	plan, err := PlanFor(band, width)
	if err != nil {
		return false
	}
	for _, p := range plan {
		if p == r {
			return true
		}
	}
	return false
}

// CenterFreqIndex returns the 80 MHz center channel index for the two
// supported primary channels.
func CenterFreqIndex(channel int) (int, error) {
	switch {
	case channel >= 36 && channel <= 48:
		return 42, nil
	case channel >= 149 && channel <= 161:
		return 155, nil
	}
	return 0, fmt.Errorf("no 80MHz center mapping for channel %d", channel)
}

// TestPoint identifies exactly one throughput run and one log artifact.
type TestPoint struct {
	Band      Band
	Width     int
	Channel   int
	Rate      Rate
	Direction Direction
}

// WarmupKey identifies link state that needs a warm-up pass exactly
// once per orchestrator run.
type WarmupKey struct {
	Band      Band
	Width     int
	Channel   int
	Direction Direction
}

// Key returns the warm-up key shared by all rates at this point.
func (p TestPoint) Key() WarmupKey {
	return WarmupKey{Band: p.Band, Width: p.Width, Channel: p.Channel, Direction: p.Direction}
}

// Expand generates the full test point list for a sweep. A fixed rate
// selects a single point per (width, channel); Auto selects the band's
// entire plan in its documented order.
func Expand(band Band, widths, channels []int, sel Rate, dir Direction) ([]TestPoint, error) {
	var points []TestPoint
	for _, w := range widths {
		for _, ch := range channels {
			if sel.Kind != KindAuto {
				if !Legal(band, w, sel) {
					return nil, fmt.Errorf("rate %s is not legal for %s width %d", sel, band, w)
				}
				points = append(points, TestPoint{Band: band, Width: w, Channel: ch, Rate: sel, Direction: dir})
				continue
			}
			plan, err := PlanFor(band, w)
			if err != nil {
				return nil, err
			}
			for _, r := range plan {
				points = append(points, TestPoint{Band: band, Width: w, Channel: ch, Rate: r, Direction: dir})
			}
		}
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("empty test matrix (band=%s widths=%v channels=%v)", band, widths, channels)
	}
	return points, nil
}
