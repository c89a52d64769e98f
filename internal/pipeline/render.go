package pipeline

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/nws-alert-relay/internal/domain"
)

const (
	maxSummaryLength = 1500
	// Each mention link costs ~40 characters of HTML; past this many the
	// message would crowd out the alert itself.
	maxMentions = 40
)

var severityEmoji = map[string]string{
	"Extreme":  "🟣",
	"Severe":   "🔴",
	"Moderate": "🟠",
	"Minor":    "🟡",
	"Unknown":  "⚪",
}

// Renderer formats alerts as Telegram HTML messages. The clock is injected
// so relative expiry text is deterministic under test.
type Renderer struct {
	clock clockwork.Clock
}

func NewRenderer(clock clockwork.Clock) *Renderer {
	return &Renderer{clock: clock}
}

// RenderAlert produces the delivery message for an alert, mentioning each
// matched subscriber. Mentions are rendered as user links so they notify
// even without a visible username.
func (r *Renderer) RenderAlert(alert domain.Alert, mentions map[int64]struct{}) string {
	var b strings.Builder

	emoji, ok := severityEmoji[domain.TitleCase(alert.Severity)]
	if !ok {
		emoji = severityEmoji["Unknown"]
	}
	fmt.Fprintf(&b, "%s <b>%s</b>\n", emoji, html.EscapeString(alert.Title))
	fmt.Fprintf(&b, "<b>Event:</b> %s\n", html.EscapeString(alert.EventType))
	fmt.Fprintf(&b, "<b>Severity:</b> %s · <b>Urgency:</b> %s · <b>Certainty:</b> %s\n",
		html.EscapeString(alert.Severity),
		html.EscapeString(alert.Urgency),
		html.EscapeString(alert.Certainty),
	)
	if alert.Expires != nil {
		fmt.Fprintf(&b, "<b>Expires:</b> %s\n", r.expiryText(*alert.Expires))
	}

	if summary := strings.TrimSpace(alert.Summary); summary != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(truncateRunes(summary, maxSummaryLength)))
		b.WriteString("\n")
	}

	if line := mentionLine(mentions); line != "" {
		b.WriteString("\n")
		b.WriteString(line)
	}

	return strings.TrimRight(b.String(), "\n")
}

// expiryText renders an absolute UTC timestamp with a relative qualifier,
// e.g. "2026-03-01 18:00 UTC (in 2h15m)".
func (r *Renderer) expiryText(expires time.Time) string {
	utc := expires.UTC()
	stamp := utc.Format("2006-01-02 15:04 UTC")

	delta := utc.Sub(r.clock.Now().UTC()).Round(time.Minute)
	switch {
	case delta <= 0:
		return stamp + " (expired)"
	case delta < time.Hour:
		return fmt.Sprintf("%s (in %dm)", stamp, int(delta.Minutes()))
	case delta < 48*time.Hour:
		return fmt.Sprintf("%s (in %dh%02dm)", stamp, int(delta.Hours()), int(delta.Minutes())%60)
	default:
		return fmt.Sprintf("%s (in %dd)", stamp, int(delta.Hours()/24))
	}
}

// mentionLine builds the subscriber mention suffix in a stable order,
// capped at maxMentions links.
func mentionLine(mentions map[int64]struct{}) string {
	if len(mentions) == 0 {
		return ""
	}
	ids := make([]int64, 0, len(mentions))
	for id := range mentions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	overflow := 0
	if len(ids) > maxMentions {
		overflow = len(ids) - maxMentions
		ids = ids[:maxMentions]
	}

	links := make([]string, len(ids))
	for i, id := range ids {
		links[i] = fmt.Sprintf(`<a href="tg://user?id=%d">⚠</a>`, id)
	}
	line := "cc: " + strings.Join(links, " ")
	if overflow > 0 {
		line += fmt.Sprintf(" +%d more", overflow)
	}
	return line
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
