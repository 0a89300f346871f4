package strategy

import "strings"

// entry is one row of the canonical naming table: the canonical snake_case
// id, the human display name, the default capital allocation fraction, and
// every legacy alias that must normalise to this id.
type entry struct {
	id         string
	name       string
	allocation float64
	aliases    []string
}

// Unknown is the reserved fallback id for names the table does not know.
// It carries the lowest allocation so an unrecognised strategy can never
// command meaningful capital.
const Unknown = "unknown"

var table = []entry{
	{"pcr_analysis", "PCR Analysis", 0.15, []string{"PCRStrategy", "pcr"}},
	{"oi_change_patterns", "OI Change Patterns", 0.12, []string{"OIChangePatternsStrategy", "oi_patterns"}},
	{"max_pain", "Max Pain", 0.10, []string{"MaxPainStrategy", "maxpain"}},
	{"iv_skew", "IV Skew", 0.08, []string{"IVSkewStrategy", "ivskew"}},
	{"gamma_scalping", "Gamma Scalping", 0.08, []string{"GammaScalpingStrategy"}},
	{"order_flow_imbalance", "Order Flow Imbalance", 0.10, []string{"OrderFlowImbalanceStrategy", "orderflow"}},
	{"institutional_footprint", "Institutional Footprint", 0.12, []string{"InstitutionalFootprintStrategy"}},
	{"support_resistance", "Support & Resistance", 0.10, []string{"SupportResistanceStrategy", "sr_levels"}},
	{"gap_and_go", "Gap & Go", 0.08, []string{"GapAndGoStrategy", "gapgo"}},
	{"time_of_day", "Time of Day", 0.05, []string{"TimeOfDayStrategy", "tod"}},
	{Unknown, "Unknown", 0.02, nil},
}

// fold collapses a name for lookup: lowercase with spaces, underscores,
// hyphens and ampersands removed, so "PCR Analysis", "pcr_analysis" and
// "PCRStrategy" all resolve through one map.
func fold(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch r {
		case ' ', '_', '-', '&':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var lookup = buildLookup()

func buildLookup() map[string]string {
	m := make(map[string]string)
	for _, e := range table {
		m[fold(e.id)] = e.id
		m[fold(e.name)] = e.id
		for _, a := range e.aliases {
			m[fold(a)] = e.id
		}
	}
	return m
}

// Normalise maps any inbound strategy name to its canonical id. Unrecognised
// names map to Unknown. Normalise is idempotent: canonical ids map to
// themselves.
func Normalise(name string) string {
	if id, ok := lookup[fold(name)]; ok {
		return id
	}
	return Unknown
}

// Display returns the human name for a canonical id.
func Display(id string) string {
	id = Normalise(id)
	for _, e := range table {
		if e.id == id {
			return e.name
		}
	}
	return "Unknown"
}

// Allocation returns the default capital fraction for a canonical id.
// Unknown ids get the reserved minimum.
func Allocation(id string) float64 {
	id = Normalise(id)
	for _, e := range table {
		if e.id == id {
			return e.allocation
		}
	}
	return 0.02
}

// CanonicalIDs lists every canonical id in table order, Unknown last.
func CanonicalIDs() []string {
	ids := make([]string, len(table))
	for i, e := range table {
		ids[i] = e.id
	}
	return ids
}
