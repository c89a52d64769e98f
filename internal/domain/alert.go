package domain

import (
	"strings"
	"time"
)

// CAP 1.2 ordered vocabularies. Rank 0 is the floor shared by "Unknown" and
// anything outside the vocabulary.
var (
	SeverityLevels = map[string]int{
		"Unknown": 0, "Minor": 1, "Moderate": 2, "Severe": 3, "Extreme": 4,
	}
	CertaintyLevels = map[string]int{
		"Unknown": 0, "Unlikely": 1, "Possible": 2, "Likely": 3, "Observed": 4,
	}
	UrgencyLevels = map[string]int{
		"Unknown": 0, "Past": 1, "Future": 2, "Expected": 3, "Immediate": 4,
	}
)

// Alert is one normalized entry from the CAP feed. Alerts are ephemeral; the
// feed is re-parsed every cycle and only the delivery record persists.
type Alert struct {
	ID        string
	Title     string
	Summary   string
	EventType string
	Severity  string
	Certainty string
	Urgency   string
	Expires   *time.Time // nil means unknown expiry, never "already expired"
	Geocodes  []string   // merged UGC + FIPS6 codes, upper-cased, sorted
}

// SeverityRank returns the ordered rank of a severity value, 0 for anything
// not in the vocabulary. Matching is case-insensitive.
func SeverityRank(value string) int {
	return SeverityLevels[TitleCase(value)]
}

// CertaintyRank returns the ordered rank of a certainty value.
func CertaintyRank(value string) int {
	return CertaintyLevels[TitleCase(value)]
}

// UrgencyRank returns the ordered rank of an urgency value.
func UrgencyRank(value string) int {
	return UrgencyLevels[TitleCase(value)]
}

// TitleCase normalizes a vocabulary word to the canonical CAP spelling:
// "severe" and "SEVERE" both become "Severe". The vocabularies are single
// ASCII words, so byte-level casing is sufficient.
func TitleCase(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	lower := strings.ToLower(value)
	return strings.ToUpper(lower[:1]) + lower[1:]
}
