package sage

import (
	"database/sql/driver"
	"fmt"
)

// Severity classifies how serious a Verdict is, as distinct from the
// Decision itself: two "deny" verdicts can still differ in how severe the
// underlying signal was.
type Severity uint

const (
	SeverityUnknown Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityCritical
)

var severityName = [...]string{
	SeverityUnknown:  "unknown",
	SeverityInfo:     "info",
	SeverityWarning:  "warning",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if int(s) < len(severityName) {
		return severityName[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	str := string(b)
	for i, n := range severityName {
		if n == str {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", str)
}

// Value implements driver.Valuer.
func (s Severity) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *Severity) Scan(i interface{}) error {
	switch v := i.(type) {
	case []byte:
		return s.UnmarshalText(v)
	case string:
		return s.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("unable to scan Severity from type %T", i)
	}
}

// RuleSeverity classifies a threat rule's inherent severity, independent of
// any particular match or sensitivity preset.
type RuleSeverity uint

const (
	RuleSeverityUnknown RuleSeverity = iota
	RuleSeverityLow
	RuleSeverityMedium
	RuleSeverityHigh
	RuleSeverityCritical
)

var ruleSeverityName = [...]string{
	RuleSeverityUnknown:  "unknown",
	RuleSeverityLow:      "low",
	RuleSeverityMedium:   "medium",
	RuleSeverityHigh:     "high",
	RuleSeverityCritical: "critical",
}

func (s RuleSeverity) String() string {
	if int(s) < len(ruleSeverityName) {
		return ruleSeverityName[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s RuleSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RuleSeverity) UnmarshalText(b []byte) error {
	str := string(b)
	for i, n := range ruleSeverityName {
		if n == str {
			*s = RuleSeverity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown rule severity %q", str)
}
