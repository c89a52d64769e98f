package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Filter dimensions accepted by Policy.SetMinimum.
const (
	DimensionSeverity  = "severity"
	DimensionCertainty = "certainty"
	DimensionUrgency   = "urgency"
)

// Policy is the mutable alert filter: minimum thresholds on the three CAP
// vocabularies plus a blocked-event set. It is process-lifetime state, shared
// between the ingestion loop and command handlers, so all access goes through
// the mutex. Restarts reset it to config defaults; it is never persisted.
type Policy struct {
	mu            sync.RWMutex
	minSeverity   string
	minCertainty  string
	minUrgency    string
	blockedEvents map[string]struct{}
}

// PolicySnapshot is a point-in-time copy of the policy for display.
type PolicySnapshot struct {
	MinSeverity   string
	MinCertainty  string
	MinUrgency    string
	BlockedEvents []string // sorted, lower-cased
}

// NewPolicy builds a policy from configured defaults. A threshold outside its
// vocabulary falls back to the stock default rather than failing startup,
// matching how a bad config value is handled everywhere else: keep running
// with something sane.
func NewPolicy(minSeverity, minCertainty, minUrgency string, blockedEvents []string) *Policy {
	p := &Policy{
		minSeverity:   fallback(minSeverity, SeverityLevels, "Moderate"),
		minCertainty:  fallback(minCertainty, CertaintyLevels, "Likely"),
		minUrgency:    fallback(minUrgency, UrgencyLevels, "Expected"),
		blockedEvents: make(map[string]struct{}, len(blockedEvents)),
	}
	for _, event := range blockedEvents {
		event = strings.ToLower(strings.TrimSpace(event))
		if event != "" {
			p.blockedEvents[event] = struct{}{}
		}
	}
	return p
}

func fallback(value string, levels map[string]int, def string) string {
	value = TitleCase(value)
	if _, ok := levels[value]; ok {
		return value
	}
	return def
}

// Passes reports whether an alert clears the blocked-event set and all three
// minimum thresholds. Out-of-vocabulary alert values rank 0, so they fail any
// threshold above Unknown.
func (p *Policy) Passes(alert Alert) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, blocked := p.blockedEvents[strings.ToLower(alert.EventType)]; blocked {
		return false
	}
	return SeverityRank(alert.Severity) >= SeverityLevels[p.minSeverity] &&
		CertaintyRank(alert.Certainty) >= CertaintyLevels[p.minCertainty] &&
		UrgencyRank(alert.Urgency) >= UrgencyLevels[p.minUrgency]
}

// SetMinimum updates one threshold dimension. The value is validated against
// the dimension's vocabulary (case-insensitive); on failure the policy is
// left unchanged and ErrInvalidPolicyValue is returned with the options.
func (p *Policy) SetMinimum(dimension, value string) error {
	normalized := TitleCase(value)

	var levels map[string]int
	switch dimension {
	case DimensionSeverity:
		levels = SeverityLevels
	case DimensionCertainty:
		levels = CertaintyLevels
	case DimensionUrgency:
		levels = UrgencyLevels
	default:
		return fmt.Errorf("%w: unknown dimension %q (use severity, certainty, or urgency)",
			ErrInvalidPolicyValue, dimension)
	}

	if _, ok := levels[normalized]; !ok {
		return fmt.Errorf("%w: %q is not a valid %s (options: %s)",
			ErrInvalidPolicyValue, value, dimension, strings.Join(levelNames(levels), ", "))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch dimension {
	case DimensionSeverity:
		p.minSeverity = normalized
	case DimensionCertainty:
		p.minCertainty = normalized
	case DimensionUrgency:
		p.minUrgency = normalized
	}
	return nil
}

// BlockEvent adds an event type to the blocked set. Returns false if it was
// already blocked. Matching is an exact lower-cased string, no wildcards.
func (p *Policy) BlockEvent(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.blockedEvents[name]; ok {
		return false
	}
	p.blockedEvents[name] = struct{}{}
	return true
}

// UnblockEvent removes an event type from the blocked set. Returns false if
// it was not blocked, so callers can report "not found".
func (p *Policy) UnblockEvent(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.blockedEvents[name]; !ok {
		return false
	}
	delete(p.blockedEvents, name)
	return true
}

// Snapshot returns a copy of the current policy for display.
func (p *Policy) Snapshot() PolicySnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	blocked := make([]string, 0, len(p.blockedEvents))
	for event := range p.blockedEvents {
		blocked = append(blocked, event)
	}
	sort.Strings(blocked)

	return PolicySnapshot{
		MinSeverity:   p.minSeverity,
		MinCertainty:  p.minCertainty,
		MinUrgency:    p.minUrgency,
		BlockedEvents: blocked,
	}
}

// levelNames returns a vocabulary's members ordered by rank, for error text.
func levelNames(levels map[string]int) []string {
	names := make([]string, 0, len(levels))
	for name := range levels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return levels[names[i]] < levels[names[j]] })
	return names
}
