// Command feedcheck fetches (or reads) an NWS Atom/CAP feed, parses it, and
// prints each alert together with its fate under a filter policy. Useful for
// checking feed URLs and tuning thresholds before pointing the relay at them.
//
// Usage:
//
//	go run ./cmd/feedcheck -url "https://api.weather.gov/alerts/active.atom?area=TX"
//	go run ./cmd/feedcheck -file feed.atom -min-severity Severe
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/couchcryptid/nws-alert-relay/internal/adapter/nws"
	"github.com/couchcryptid/nws-alert-relay/internal/domain"
)

func main() {
	url := flag.String("url", "", "feed URL to fetch")
	file := flag.String("file", "", "local feed file to read instead of fetching")
	userAgent := flag.String("user-agent", "nws-alert-relay feedcheck", "User-Agent header for the fetch")
	minSeverity := flag.String("min-severity", "Moderate", "minimum severity threshold")
	minCertainty := flag.String("min-certainty", "Likely", "minimum certainty threshold")
	minUrgency := flag.String("min-urgency", "Expected", "minimum urgency threshold")
	blocked := flag.String("blocked", "Test Message,Administrative Message", "comma-separated blocked event types")
	timeout := flag.Duration("timeout", 30*time.Second, "fetch timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	raw, err := readFeed(*url, *file, *userAgent, *timeout, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	alerts, err := domain.ParseFeed(raw, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	var blockedEvents []string
	for _, e := range strings.Split(*blocked, ",") {
		if e = strings.TrimSpace(e); e != "" {
			blockedEvents = append(blockedEvents, e)
		}
	}
	policy := domain.NewPolicy(*minSeverity, *minCertainty, *minUrgency, blockedEvents)

	passed := 0
	for _, alert := range alerts {
		fate := "FILTERED"
		if policy.Passes(alert) {
			fate = "PASS"
			passed++
		}
		fmt.Printf("%-8s [%s/%s/%s] %s\n", fate, alert.Severity, alert.Certainty, alert.Urgency, alert.Title)
		if len(alert.Geocodes) > 0 {
			fmt.Printf("         codes: %s\n", strings.Join(alert.Geocodes, " "))
		}
	}
	fmt.Printf("\n%d alert(s), %d would be delivered\n", len(alerts), passed)
}

func readFeed(url, file, userAgent string, timeout time.Duration, logger *slog.Logger) ([]byte, error) {
	switch {
	case file != "":
		return os.ReadFile(file)
	case url != "":
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return nws.NewClient(url, userAgent, timeout, logger).Fetch(ctx)
	default:
		return nil, fmt.Errorf("one of -url or -file is required")
	}
}
