package domain

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:cap="urn:oasis:names:tc:emergency:cap:1.2">
  <id>https://alerts.weather.gov/cap/us.php?x=0</id>
  <title>Current Watches, Warnings and Advisories</title>
  <entry>
    <id>https://alerts.weather.gov/cap/wwacapget.php?x=NY.TOR.1</id>
    <title>Tornado Warning issued for Erie County</title>
    <summary>A tornado warning is in effect until 5 PM EDT.</summary>
    <cap:event>Tornado Warning</cap:event>
    <cap:severity>Extreme</cap:severity>
    <cap:certainty>Observed</cap:certainty>
    <cap:urgency>Immediate</cap:urgency>
    <cap:expires>2026-04-26T17:00:00-04:00</cap:expires>
    <cap:geocode>
      <cap:valueName>FIPS6</cap:valueName>
      <cap:value>036029</cap:value>
    </cap:geocode>
    <cap:geocode>
      <cap:valueName>UGC</cap:valueName>
      <cap:value>nyz010 NYZ011</cap:value>
    </cap:geocode>
    <cap:geocode>
      <cap:valueName>SAME</cap:valueName>
      <cap:value>ignored</cap:value>
    </cap:geocode>
  </entry>
  <entry>
    <id>https://alerts.weather.gov/cap/wwacapget.php?x=NY.SPS.2</id>
    <title>Special Weather Statement</title>
    <summary>Gusty winds expected.</summary>
    <cap:event>Special Weather Statement</cap:event>
  </entry>
  <entry>
    <title>Entry without an identifier</title>
    <cap:event>Flood Warning</cap:event>
  </entry>
</feed>`

func TestParseFeed(t *testing.T) {
	alerts, err := ParseFeed([]byte(sampleFeed), slog.Default())
	require.NoError(t, err)
	require.Len(t, alerts, 2, "the entry without an id must be skipped")

	expires := time.Date(2026, time.April, 26, 17, 0, 0, 0, time.FixedZone("", -4*3600))
	want := Alert{
		ID:        "https://alerts.weather.gov/cap/wwacapget.php?x=NY.TOR.1",
		Title:     "Tornado Warning issued for Erie County",
		Summary:   "A tornado warning is in effect until 5 PM EDT.",
		EventType: "Tornado Warning",
		Severity:  "Extreme",
		Certainty: "Observed",
		Urgency:   "Immediate",
		Expires:   &expires,
		Geocodes:  []string{"036029", "NYZ010", "NYZ011"},
	}
	if diff := cmp.Diff(want, alerts[0], cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("first alert mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFeed_MissingFieldsDefault(t *testing.T) {
	alerts, err := ParseFeed([]byte(sampleFeed), slog.Default())
	require.NoError(t, err)

	sparse := alerts[1]
	assert.Equal(t, "Special Weather Statement", sparse.EventType)
	assert.Equal(t, "Unknown", sparse.Severity)
	assert.Equal(t, "Unknown", sparse.Certainty)
	assert.Equal(t, "Unknown", sparse.Urgency)
	assert.Nil(t, sparse.Expires)
	assert.Empty(t, sparse.Geocodes)
}

func TestParseFeed_MalformedDocument(t *testing.T) {
	_, err := ParseFeed([]byte("<feed><entry></feed>"), slog.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedFeed)
}

func TestParseFeed_EmptyFeed(t *testing.T) {
	empty := `<feed xmlns="http://www.w3.org/2005/Atom"><title>quiet day</title></feed>`
	alerts, err := ParseFeed([]byte(empty), slog.Default())
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestParseExpires(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool // whether a timestamp is expected
	}{
		{"rfc3339 with offset", "2026-04-26T17:00:00-04:00", true},
		{"rfc3339 utc", "2026-04-26T21:00:00Z", true},
		{"garbage", "tomorrow-ish", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseExpires(tt.in)
			if tt.want {
				require.NotNil(t, got)
				assert.Equal(t, 21, got.UTC().Hour())
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestMergeGeocodes(t *testing.T) {
	blocks := []capGeocode{
		{ValueName: "UGC", Value: "TXZ101 txz102"},
		{ValueName: "FIPS6", Value: "048113"},
		{ValueName: "UGC", Value: "TXZ101"}, // duplicate across blocks
		{ValueName: "SAME", Value: "048113048"},
	}
	assert.Equal(t, []string{"048113", "TXZ101", "TXZ102"}, mergeGeocodes(blocks))
	assert.Nil(t, mergeGeocodes(nil))
}
