package sage

import "fmt"

// Decision is the action a host adapter must take in response to a
// Verdict.
type Decision uint

const (
	DecisionUnknown Decision = iota
	DecisionAllow
	DecisionAsk
	DecisionDeny
)

var decisionName = [...]string{
	DecisionUnknown: "unknown",
	DecisionAllow:   "allow",
	DecisionAsk:     "ask",
	DecisionDeny:    "deny",
}

func (d Decision) String() string {
	if int(d) < len(decisionName) {
		return decisionName[d]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decision) UnmarshalText(b []byte) error {
	str := string(b)
	for i, n := range decisionName {
		if n == str {
			*d = Decision(i)
			return nil
		}
	}
	return fmt.Errorf("unknown decision %q", str)
}

// Stronger reports whether d is a stronger decision than other, under the
// total order deny > ask > allow > unknown. Used by the decision engine to
// fuse multiple signals (spec §4.9): the strongest decision wins.
func (d Decision) Stronger(other Decision) bool {
	return decisionRank(d) > decisionRank(other)
}

func decisionRank(d Decision) int {
	switch d {
	case DecisionDeny:
		return 3
	case DecisionAsk:
		return 2
	case DecisionAllow:
		return 1
	default:
		return 0
	}
}
