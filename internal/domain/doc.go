// Package domain models National Weather Service (NWS) CAP alerts.
//
// # Data Source
//
// Alerts come from the NWS public alert feed, an Atom document whose entries
// carry Common Alerting Protocol (CAP) 1.2 elements: event, severity,
// certainty, urgency, expires, and geocode blocks. The feed is re-fetched
// whole on every poll; there is no conditional-GET or delta mechanism, so the
// relay relies on alert IDs for dedup rather than on feed state.
//
// # CAP Conventions
//
// Severity, certainty, and urgency are closed, ordered vocabularies:
//
//	Severity:  Unknown < Minor < Moderate < Severe < Extreme
//	Certainty: Unknown < Unlikely < Possible < Likely < Observed
//	Urgency:   Unknown < Past < Future < Expected < Immediate
//
// A value outside its vocabulary ranks 0, the same as "Unknown". Any
// threshold above Unknown therefore drops out-of-vocabulary alerts.
//
// Geocodes identify the affected jurisdictions. The feed publishes two code
// schemes per alert, UGC (zone/county codes like "NYZ072") and FIPS6 (county
// FIPS like "036061"), each as a space-separated list. Both schemes are merged
// into one upper-cased set per alert; subscriptions match against either.
//
// Alert IDs are the upstream NWS identifiers. The same ID re-appearing in a
// later fetch is an update of the same event, never a new one, which is what
// makes ID-keyed dedup safe.
package domain
