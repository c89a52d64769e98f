package domain

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Geocode schemes recognized in CAP geocode blocks. Other valueName schemes
// are ignored.
const (
	geocodeSchemeUGC  = "UGC"
	geocodeSchemeFIPS = "FIPS6"
)

const capNS = "urn:oasis:names:tc:emergency:cap:1.2"

type atomFeed struct {
	XMLName xml.Name    `xml:"http://www.w3.org/2005/Atom feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string       `xml:"id"`
	Title     string       `xml:"title"`
	Summary   string       `xml:"summary"`
	Event     string       `xml:"urn:oasis:names:tc:emergency:cap:1.2 event"`
	Severity  string       `xml:"urn:oasis:names:tc:emergency:cap:1.2 severity"`
	Certainty string       `xml:"urn:oasis:names:tc:emergency:cap:1.2 certainty"`
	Urgency   string       `xml:"urn:oasis:names:tc:emergency:cap:1.2 urgency"`
	Expires   string       `xml:"urn:oasis:names:tc:emergency:cap:1.2 expires"`
	Geocodes  []capGeocode `xml:"urn:oasis:names:tc:emergency:cap:1.2 geocode"`
}

type capGeocode struct {
	ValueName string `xml:"valueName"`
	Value     string `xml:"value"`
}

// ParseFeed parses a raw Atom/CAP document into normalized alerts in feed
// order. A malformed document fails the whole batch with ErrMalformedFeed;
// an entry missing its ID is logged and skipped so one bad entry cannot
// poison the rest.
func ParseFeed(raw []byte, logger *slog.Logger) ([]Alert, error) {
	var feed atomFeed
	if err := xml.Unmarshal(raw, &feed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
	}

	alerts := make([]Alert, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		alert, err := entryToAlert(entry)
		if err != nil {
			logger.Warn("skipping feed entry",
				"title", entry.Title,
				"error", err,
			)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// entryToAlert extracts the fields the relay cares about, applying the
// normalization fallbacks: missing category fields become "Unknown" and a
// missing or unparseable expiry becomes nil.
func entryToAlert(entry atomEntry) (Alert, error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return Alert{}, errMissingID
	}

	return Alert{
		ID:        id,
		Title:     strings.TrimSpace(entry.Title),
		Summary:   strings.TrimSpace(entry.Summary),
		EventType: valueOrUnknown(entry.Event),
		Severity:  valueOrUnknown(entry.Severity),
		Certainty: valueOrUnknown(entry.Certainty),
		Urgency:   valueOrUnknown(entry.Urgency),
		Expires:   parseExpires(entry.Expires),
		Geocodes:  mergeGeocodes(entry.Geocodes),
	}, nil
}

func valueOrUnknown(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "Unknown"
	}
	return value
}

// parseExpires parses a CAP timestamp (RFC 3339 with numeric offset).
// Anything unparseable is treated as unknown expiry.
func parseExpires(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &t
}

// mergeGeocodes flattens UGC and FIPS6 geocode blocks into one sorted,
// deduplicated, upper-cased code set. Values are space-separated lists.
func mergeGeocodes(blocks []capGeocode) []string {
	set := make(map[string]struct{})
	for _, block := range blocks {
		name := strings.TrimSpace(block.ValueName)
		if name != geocodeSchemeUGC && name != geocodeSchemeFIPS {
			continue
		}
		for _, code := range strings.Fields(block.Value) {
			set[strings.ToUpper(code)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}

	codes := make([]string, 0, len(set))
	for code := range set {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
