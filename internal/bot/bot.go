// Package bot implements the chat command surface: subscription management,
// filter administration, manual fetches, and operational queries.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/nws-alert-relay/internal/domain"
	"github.com/couchcryptid/nws-alert-relay/internal/pipeline"
	"github.com/couchcryptid/nws-alert-relay/internal/store"
)

const (
	maxLookupCodes   = 10
	maxLookupResults = 25
	defaultRecentN   = 5
	maxRecentN       = 10
)

// Messenger is the slice of the transport the command surface needs.
type Messenger interface {
	Reply(chatID int64, text string)
	ReportError(correlationID, text string)
	Announce(text string) error
	BotName() string
}

// CycleRunner triggers a manual ingestion cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (int, error)
}

// FeedFetcher downloads the raw feed for dedup-independent lookups.
type FeedFetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// SubscriptionStore is the slice of the store the command surface needs.
type SubscriptionStore interface {
	Subscribe(ctx context.Context, subscriberID int64, locationCode, eventType string) error
	Unsubscribe(ctx context.Context, subscriberID int64, locationCode, eventType string) (int64, error)
	UnsubscribeAll(ctx context.Context, subscriberID int64) (int64, error)
	ListSubscriptions(ctx context.Context, subscriberID int64) ([]store.Subscription, error)
	Stats(ctx context.Context) (store.Stats, error)
	EventTypeCounts(ctx context.Context, limit int) ([]store.EventTypeCount, error)
	RecentPosts(ctx context.Context, limit int) ([]store.PostedAlert, error)
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

// Bot dispatches chat commands. Handlers run sequentially in update order;
// anything long-running (a manual cycle) still holds only the pipeline's own
// run lock, so scheduled cycles are rejected rather than queued behind it.
type Bot struct {
	messenger Messenger
	runner    CycleRunner
	fetcher   FeedFetcher
	store     SubscriptionStore
	policy    *domain.Policy
	logger    *slog.Logger
	clock     clockwork.Clock
	owners    map[int64]struct{}
	startedAt time.Time
}

func New(
	messenger Messenger,
	runner CycleRunner,
	fetcher FeedFetcher,
	subStore SubscriptionStore,
	policy *domain.Policy,
	logger *slog.Logger,
	clock clockwork.Clock,
	ownerIDs []int64,
) *Bot {
	owners := make(map[int64]struct{}, len(ownerIDs))
	for _, id := range ownerIDs {
		owners[id] = struct{}{}
	}
	return &Bot{
		messenger: messenger,
		runner:    runner,
		fetcher:   fetcher,
		store:     subStore,
		policy:    policy,
		logger:    logger,
		clock:     clock,
		owners:    owners,
		startedAt: clock.Now(),
	}
}

// Run consumes updates until the channel closes or the context is cancelled.
// Each update is handled on its own goroutine so that a long-running command
// (a manual fetch can take minutes) never stalls other users' commands; the
// store and policy operations are all safe to interleave.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	b.logger.Info("command loop started", "owners", len(b.owners))

	var handlers sync.WaitGroup
	defer handlers.Wait()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("command loop stopping", "reason", ctx.Err())
			return
		case update, ok := <-updates:
			if !ok {
				b.logger.Info("command loop stopping, update channel closed")
				return
			}
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				b.handleUpdate(ctx, update)
			}()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() || msg.From == nil {
		return
	}

	reply, err := b.dispatch(ctx, msg)
	if err != nil {
		cid := newCorrelationID()
		b.logger.Error("command failed",
			"command", msg.Command(),
			"user_id", msg.From.ID,
			"correlation_id", cid,
			"error", err,
		)
		b.messenger.ReportError(cid, fmt.Sprintf("/%s from %d: %v", msg.Command(), msg.From.ID, err))
		b.messenger.Reply(msg.Chat.ID, fmt.Sprintf("Something went wrong. Reference: <code>%s</code>", cid))
		return
	}
	if reply != "" {
		b.messenger.Reply(msg.Chat.ID, reply)
	}
}

func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message) (string, error) {
	command := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	userID := msg.From.ID

	switch command {
	case "ping":
		return "pong", nil
	case "help", "start":
		return b.helpText(), nil
	case "subscribe":
		return b.handleSubscribe(ctx, userID, args)
	case "unsubscribe":
		return b.handleUnsubscribe(ctx, userID, args)
	case "subscriptions":
		return b.handleSubscriptions(ctx, userID)
	case "filters":
		return b.handleFilters(), nil
	case "lookup":
		return b.handleLookup(ctx, args)
	case "status":
		return b.handleStatus(ctx)
	case "stats":
		return b.handleStats(ctx)
	case "recent":
		return b.handleRecent(ctx, args)
	case "fetch":
		if reply, ok := b.requireOwner(userID); !ok {
			return reply, nil
		}
		return b.handleFetch(ctx)
	case "setfilter":
		if reply, ok := b.requireOwner(userID); !ok {
			return reply, nil
		}
		return b.handleSetFilter(args)
	case "blockevent":
		if reply, ok := b.requireOwner(userID); !ok {
			return reply, nil
		}
		return b.handleBlockEvent(args)
	case "unblockevent":
		if reply, ok := b.requireOwner(userID); !ok {
			return reply, nil
		}
		return b.handleUnblockEvent(args)
	case "announce":
		if reply, ok := b.requireOwner(userID); !ok {
			return reply, nil
		}
		return b.handleAnnounce(args)
	default:
		// Unknown commands are ignored so the bot can share group chats
		// with other bots.
		return "", nil
	}
}

func (b *Bot) requireOwner(userID int64) (string, bool) {
	if _, ok := b.owners[userID]; ok {
		return "", true
	}
	return "This command is restricted to the bot operators.", false
}

func (b *Bot) handleFetch(ctx context.Context) (string, error) {
	delivered, err := b.runner.RunCycle(ctx)
	if errors.Is(err, pipeline.ErrCycleInProgress) {
		return "A fetch is already running. Try again in a moment.", nil
	}
	if err != nil {
		return "", fmt.Errorf("manual cycle: %w", err)
	}
	return fmt.Sprintf("Fetch complete. %d alert(s) delivered.", delivered), nil
}

func (b *Bot) handleSubscribe(ctx context.Context, userID int64, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "Usage: /subscribe &lt;CODE&gt; [event type]", nil
	}
	code := strings.ToUpper(fields[0])
	event := strings.Join(fields[1:], " ")

	if err := b.store.Subscribe(ctx, userID, code, event); err != nil {
		return "", fmt.Errorf("subscribe %s: %w", code, err)
	}
	if event == "" {
		return fmt.Sprintf("Subscribed to all alerts for <b>%s</b>.", html.EscapeString(code)), nil
	}
	return fmt.Sprintf("Subscribed to <b>%s</b> alerts for <b>%s</b>.",
		html.EscapeString(event), html.EscapeString(code)), nil
}

func (b *Bot) handleUnsubscribe(ctx context.Context, userID int64, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "Usage: /unsubscribe &lt;CODE&gt;|all [event type]", nil
	}

	if strings.EqualFold(fields[0], "all") {
		removed, err := b.store.UnsubscribeAll(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("unsubscribe all: %w", err)
		}
		return fmt.Sprintf("Removed %d subscription(s).", removed), nil
	}

	code := strings.ToUpper(fields[0])
	event := strings.Join(fields[1:], " ")
	removed, err := b.store.Unsubscribe(ctx, userID, code, event)
	if err != nil {
		return "", fmt.Errorf("unsubscribe %s: %w", code, err)
	}
	if removed == 0 {
		return fmt.Sprintf("No matching subscription for <b>%s</b>.", html.EscapeString(code)), nil
	}
	return fmt.Sprintf("Unsubscribed from <b>%s</b>.", html.EscapeString(code)), nil
}

func (b *Bot) handleSubscriptions(ctx context.Context, userID int64) (string, error) {
	subs, err := b.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return "You have no subscriptions. Use /subscribe &lt;CODE&gt; to add one.", nil
	}

	var sb strings.Builder
	sb.WriteString("<b>Your subscriptions:</b>\n")
	for _, sub := range subs {
		if sub.EventType == "" {
			fmt.Fprintf(&sb, "• %s (all events)\n", html.EscapeString(sub.LocationCode))
		} else {
			fmt.Fprintf(&sb, "• %s — %s\n", html.EscapeString(sub.LocationCode), html.EscapeString(sub.EventType))
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *Bot) handleFilters() string {
	snap := b.policy.Snapshot()
	var sb strings.Builder
	sb.WriteString("<b>Active filter policy:</b>\n")
	fmt.Fprintf(&sb, "Minimum severity: %s\n", snap.MinSeverity)
	fmt.Fprintf(&sb, "Minimum certainty: %s\n", snap.MinCertainty)
	fmt.Fprintf(&sb, "Minimum urgency: %s\n", snap.MinUrgency)
	if len(snap.BlockedEvents) == 0 {
		sb.WriteString("Blocked events: none")
	} else {
		fmt.Fprintf(&sb, "Blocked events: %s", html.EscapeString(strings.Join(snap.BlockedEvents, ", ")))
	}
	return sb.String()
}

func (b *Bot) handleSetFilter(args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "Usage: /setfilter &lt;severity|certainty|urgency&gt; &lt;value&gt;", nil
	}
	dimension := strings.ToLower(fields[0])
	if err := b.policy.SetMinimum(dimension, fields[1]); err != nil {
		if errors.Is(err, domain.ErrInvalidPolicyValue) {
			return html.EscapeString(err.Error()), nil
		}
		return "", err
	}
	return fmt.Sprintf("Minimum %s set to <b>%s</b>.", dimension, html.EscapeString(domain.TitleCase(fields[1]))), nil
}

func (b *Bot) handleBlockEvent(args string) (string, error) {
	if args == "" {
		return "Usage: /blockevent &lt;event type&gt;", nil
	}
	if b.policy.BlockEvent(args) {
		return fmt.Sprintf("Blocked event type <b>%s</b>.", html.EscapeString(args)), nil
	}
	return fmt.Sprintf("<b>%s</b> is already blocked.", html.EscapeString(args)), nil
}

func (b *Bot) handleUnblockEvent(args string) (string, error) {
	if args == "" {
		return "Usage: /unblockevent &lt;event type&gt;", nil
	}
	if b.policy.UnblockEvent(args) {
		return fmt.Sprintf("Unblocked event type <b>%s</b>.", html.EscapeString(args)), nil
	}
	return fmt.Sprintf("<b>%s</b> is not blocked.", html.EscapeString(args)), nil
}

// handleLookup fetches the live feed and lists alerts touching the given
// location codes that clear the filter policy. It ignores the dedup records,
// so already-delivered alerts still show up while active.
func (b *Bot) handleLookup(ctx context.Context, args string) (string, error) {
	codes := strings.Fields(strings.ToUpper(args))
	if len(codes) == 0 {
		return "Usage: /lookup &lt;CODE&gt; [CODE…]", nil
	}
	if len(codes) > maxLookupCodes {
		return fmt.Sprintf("Too many codes; the limit is %d per lookup.", maxLookupCodes), nil
	}

	raw, err := b.fetcher.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("lookup fetch: %w", err)
	}
	alerts, err := domain.ParseFeed(raw, b.logger)
	if err != nil {
		return "", fmt.Errorf("lookup parse: %w", err)
	}

	passing := alerts[:0:0]
	for _, alert := range alerts {
		if b.policy.Passes(alert) {
			passing = append(passing, alert)
		}
	}

	matched := matchLookup(passing, codes, maxLookupResults)
	if len(matched) == 0 {
		return fmt.Sprintf("No active alerts for %s.", html.EscapeString(strings.Join(codes, ", "))), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Active alerts for %s:</b>\n", html.EscapeString(strings.Join(codes, ", ")))
	for _, alert := range matched {
		fmt.Fprintf(&sb, "• [%s] %s\n", html.EscapeString(alert.Severity), html.EscapeString(alert.Title))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// matchLookup returns alerts whose geocode set intersects codes, in feed
// order, capped at limit.
func matchLookup(alerts []domain.Alert, codes []string, limit int) []domain.Alert {
	want := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		want[code] = struct{}{}
	}

	var matched []domain.Alert
	for _, alert := range alerts {
		for _, geo := range alert.Geocodes {
			if _, ok := want[geo]; ok {
				matched = append(matched, alert)
				break
			}
		}
		if len(matched) == limit {
			break
		}
	}
	return matched
}

func (b *Bot) handleStatus(ctx context.Context) (string, error) {
	stats, err := b.store.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	uptime := b.clock.Since(b.startedAt).Round(time.Second)
	return fmt.Sprintf(
		"<b>%s</b> v%s\nUptime: %s\nAlerts posted: %d\nSubscriptions: %d",
		html.EscapeString(b.messenger.BotName()), Version, uptime, stats.PostedAlerts, stats.Subscriptions,
	), nil
}

func (b *Bot) handleStats(ctx context.Context) (string, error) {
	counts, err := b.store.EventTypeCounts(ctx, 15)
	if err != nil {
		return "", fmt.Errorf("stats: %w", err)
	}
	if len(counts) == 0 {
		return "No alerts posted yet.", nil
	}

	var sb strings.Builder
	sb.WriteString("<b>Posted alerts by event type:</b>\n")
	for _, c := range counts {
		fmt.Fprintf(&sb, "• %s: %d\n", html.EscapeString(c.EventType), c.Count)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *Bot) handleRecent(ctx context.Context, args string) (string, error) {
	n := clampRecentN(args)
	posts, err := b.store.RecentPosts(ctx, n)
	if err != nil {
		return "", fmt.Errorf("recent: %w", err)
	}
	if len(posts) == 0 {
		return "No alerts posted yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Last %d posted alert(s):</b>\n", len(posts))
	for _, p := range posts {
		fmt.Fprintf(&sb, "• %s [%s] %s\n",
			p.FirstPostedUTC.Format("01-02 15:04"),
			html.EscapeString(p.Severity),
			html.EscapeString(p.EventType),
		)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// clampRecentN parses the optional count argument into [1, maxRecentN].
func clampRecentN(args string) int {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil {
		return defaultRecentN
	}
	if n < 1 {
		return 1
	}
	if n > maxRecentN {
		return maxRecentN
	}
	return n
}

func (b *Bot) handleAnnounce(args string) (string, error) {
	if args == "" {
		return "Usage: /announce &lt;text&gt;", nil
	}
	if err := b.messenger.Announce(args); err != nil {
		return "", fmt.Errorf("announce: %w", err)
	}
	return "Announcement posted.", nil
}

func (b *Bot) helpText() string {
	return strings.Join([]string{
		"<b>Commands:</b>",
		"/subscribe &lt;CODE&gt; [event] — get mentioned for alerts in a zone or county",
		"/unsubscribe &lt;CODE&gt;|all [event]",
		"/subscriptions — list your subscriptions",
		"/lookup &lt;CODE…&gt; — active alerts for up to 10 codes",
		"/filters — show the active filter policy",
		"/status, /stats, /recent [n], /ping",
	}, "\n")
}

// newCorrelationID returns the short reference token attached to failure
// reports so an operator can grep the logs for the full error.
func newCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
