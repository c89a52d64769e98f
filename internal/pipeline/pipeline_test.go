package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/nws-alert-relay/internal/domain"
	"github.com/couchcryptid/nws-alert-relay/internal/observability"
)

type feedEntry struct {
	id       string
	event    string
	severity string
	geocodes string
}

func buildFeed(entries ...feedEntry) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<feed xmlns="http://www.w3.org/2005/Atom" xmlns:cap="urn:oasis:names:tc:emergency:cap:1.2">` + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "<entry><id>%s</id><title>%s for Test County</title>", e.id, e.event)
		fmt.Fprintf(&b, "<cap:event>%s</cap:event>", e.event)
		fmt.Fprintf(&b, "<cap:severity>%s</cap:severity>", e.severity)
		b.WriteString("<cap:certainty>Observed</cap:certainty><cap:urgency>Immediate</cap:urgency>")
		if e.geocodes != "" {
			fmt.Fprintf(&b, "<cap:geocode><valueName>UGC</valueName><value>%s</value></cap:geocode>", e.geocodes)
		}
		b.WriteString("</entry>\n")
	}
	b.WriteString("</feed>")
	return []byte(b.String())
}

type fakeFetcher struct {
	raw []byte
	err error
}

func (f *fakeFetcher) Fetch(_ context.Context) ([]byte, error) {
	return f.raw, f.err
}

type recordedPost struct {
	alertID   string
	messageID string
}

type fakeStore struct {
	posted    map[string]bool
	hasErr    error
	recorded  []recordedPost
	recordErr error
	purged    int64
	purgeErr  error
	cutoffs   []time.Time
}

func (s *fakeStore) HasPosted(_ context.Context, id string) (bool, error) {
	return s.posted[id], s.hasErr
}

func (s *fakeStore) RecordPost(_ context.Context, alert domain.Alert, messageID string, _ bool) error {
	s.recorded = append(s.recorded, recordedPost{alertID: alert.ID, messageID: messageID})
	return s.recordErr
}

func (s *fakeStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.purged, s.purgeErr
}

type fakeSubs struct {
	matches map[int64]struct{}
	err     error
	calls   int
}

func (s *fakeSubs) MatchSubscribers(_ context.Context, _ []string, _ string) (map[int64]struct{}, error) {
	s.calls++
	return s.matches, s.err
}

type fakeSender struct {
	sent     []string
	presence []string
	errQueue []error
}

func (s *fakeSender) SendAlert(_ context.Context, text string) (string, error) {
	if len(s.errQueue) > 0 {
		err := s.errQueue[0]
		s.errQueue = s.errQueue[1:]
		if err != nil {
			return "", err
		}
	}
	s.sent = append(s.sent, text)
	return fmt.Sprintf("msg-%d", len(s.sent)), nil
}

func (s *fakeSender) SetPresence(text string) error {
	s.presence = append(s.presence, text)
	return nil
}

type fakePublisher struct {
	published []string
	err       error
}

func (p *fakePublisher) PublishDelivered(_ context.Context, alert domain.Alert, _ string) error {
	p.published = append(p.published, alert.ID)
	return p.err
}

type fixture struct {
	pipeline  *Pipeline
	fetcher   *fakeFetcher
	store     *fakeStore
	subs      *fakeSubs
	sender    *fakeSender
	publisher *fakePublisher
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T, raw []byte, opts Options) *fixture {
	t.Helper()

	f := &fixture{
		fetcher:   &fakeFetcher{raw: raw},
		store:     &fakeStore{posted: make(map[string]bool)},
		subs:      &fakeSubs{},
		sender:    &fakeSender{},
		publisher: &fakePublisher{},
		clock:     clockwork.NewFakeClock(),
	}
	policy := domain.NewPolicy("Moderate", "Likely", "Expected", []string{"Test Message"})
	f.pipeline = New(
		f.fetcher, f.store, f.subs, policy, f.sender, f.publisher,
		slog.Default(),
		observability.NewMetricsForTesting(),
		f.clock,
		opts,
	)
	return f
}

func TestRunCycle_DeliversAndRecords(t *testing.T) {
	raw := buildFeed(
		feedEntry{id: "urn:alert:1", event: "Tornado Warning", severity: "Extreme", geocodes: "TXC201"},
		feedEntry{id: "urn:alert:2", event: "Flood Warning", severity: "Severe", geocodes: "TXC113"},
	)
	f := newFixture(t, raw, Options{MaxPerCycle: 50})
	f.subs.matches = map[int64]struct{}{42: {}}

	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	require.Len(t, f.store.recorded, 2)
	assert.Equal(t, recordedPost{alertID: "urn:alert:1", messageID: "msg-1"}, f.store.recorded[0])
	assert.Equal(t, recordedPost{alertID: "urn:alert:2", messageID: "msg-2"}, f.store.recorded[1])
	assert.Equal(t, []string{"urn:alert:1", "urn:alert:2"}, f.publisher.published)

	require.Len(t, f.sender.sent, 2)
	assert.Contains(t, f.sender.sent[0], "Tornado Warning")
	assert.Contains(t, f.sender.sent[0], `tg://user?id=42`)
}

func TestRunCycle_SkipsAlreadyPosted(t *testing.T) {
	raw := buildFeed(
		feedEntry{id: "urn:alert:1", event: "Tornado Warning", severity: "Extreme"},
		feedEntry{id: "urn:alert:2", event: "Flood Warning", severity: "Severe"},
	)
	f := newFixture(t, raw, Options{})
	f.store.posted["urn:alert:1"] = true

	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	require.Len(t, f.store.recorded, 1)
	assert.Equal(t, "urn:alert:2", f.store.recorded[0].alertID)
}

func TestRunCycle_SecondCycleIsIdempotent(t *testing.T) {
	raw := buildFeed(feedEntry{id: "urn:alert:1", event: "Tornado Warning", severity: "Extreme"})
	f := newFixture(t, raw, Options{})

	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)

	// Simulate the durable dedup record surviving into the next cycle.
	f.store.posted["urn:alert:1"] = true

	delivered, err = f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Len(t, f.sender.sent, 1)
}

func TestRunCycle_PolicyFiltersAlerts(t *testing.T) {
	raw := buildFeed(
		feedEntry{id: "urn:alert:1", event: "Special Weather Statement", severity: "Minor"},
		feedEntry{id: "urn:alert:2", event: "Test Message", severity: "Extreme"},
		feedEntry{id: "urn:alert:3", event: "Tornado Warning", severity: "Extreme"},
	)
	f := newFixture(t, raw, Options{})

	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	require.Len(t, f.store.recorded, 1)
	assert.Equal(t, "urn:alert:3", f.store.recorded[0].alertID)
}

func TestRunCycle_BoundsBatchInFeedOrder(t *testing.T) {
	entries := make([]feedEntry, 5)
	for i := range entries {
		entries[i] = feedEntry{id: fmt.Sprintf("urn:alert:%d", i+1), event: "Flood Warning", severity: "Severe"}
	}
	f := newFixture(t, buildFeed(entries...), Options{MaxPerCycle: 2})

	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	require.Len(t, f.store.recorded, 2)
	assert.Equal(t, "urn:alert:1", f.store.recorded[0].alertID)
	assert.Equal(t, "urn:alert:2", f.store.recorded[1].alertID)
}

func TestRunCycle_NoDelayAfterFinalSend(t *testing.T) {
	raw := buildFeed(feedEntry{id: "urn:alert:1", event: "Tornado Warning", severity: "Extreme"})
	f := newFixture(t, raw, Options{PostDelay: 10 * time.Second})

	// With a fake clock, any trailing sleep would block the cycle forever.
	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestRunCycle_DelayBetweenSuccessiveSends(t *testing.T) {
	raw := buildFeed(
		feedEntry{id: "urn:alert:1", event: "Tornado Warning", severity: "Extreme"},
		feedEntry{id: "urn:alert:2", event: "Flood Warning", severity: "Severe"},
	)
	f := newFixture(t, raw, Options{PostDelay: 10 * time.Second})

	ctx := context.Background()
	done := make(chan int)
	go func() {
		delivered, err := f.pipeline.RunCycle(ctx)
		assert.NoError(t, err)
		done <- delivered
	}()

	// Exactly one pause separates the two sends; one advance finishes the
	// cycle.
	f.clock.BlockUntilContext(ctx, 1)
	f.clock.Advance(10 * time.Second)
	assert.Equal(t, 2, <-done)
}

func TestRunCycle_SkippedAlertsPayNoDelay(t *testing.T) {
	raw := buildFeed(
		feedEntry{id: "urn:alert:1", event: "Tornado Warning", severity: "Extreme"},
		feedEntry{id: "urn:alert:2", event: "Test Message", severity: "Extreme"},
		feedEntry{id: "urn:alert:3", event: "Frost Advisory", severity: "Minor"},
	)
	f := newFixture(t, raw, Options{PostDelay: 10 * time.Second})

	// Only the first alert is delivered; the filtered alerts after it must
	// not trigger the inter-send pause, so no clock advance is needed.
	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	require.Len(t, f.sender.sent, 1)
}

func TestRunCycle_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, buildFeed(), Options{})

	f.pipeline.runMu.Lock()
	defer f.pipeline.runMu.Unlock()

	_, err := f.pipeline.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestRunCycle_FetchErrorAbortsCycle(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.fetcher.err = errors.New("connection refused")

	_, err := f.pipeline.RunCycle(context.Background())
	require.Error(t, err)
	assert.Empty(t, f.sender.sent)
	assert.Error(t, f.pipeline.CheckReadiness(context.Background()))
}

func TestRunCycle_MalformedFeedAbortsCycle(t *testing.T) {
	f := newFixture(t, []byte("<feed><entry>"), Options{})

	_, err := f.pipeline.RunCycle(context.Background())
	assert.ErrorIs(t, err, domain.ErrMalformedFeed)
	assert.Empty(t, f.sender.sent)
}

func TestRunCycle_DedupReadErrorFailsOpen(t *testing.T) {
	raw := buildFeed(feedEntry{id: "urn:alert:1", event: "Tornado Warning", severity: "Extreme"})
	f := newFixture(t, raw, Options{})
	f.store.hasErr = errors.New("database is locked")

	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestRunCycle_DeliveryErrorSkipsAlert(t *testing.T) {
	raw := buildFeed(
		feedEntry{id: "urn:alert:1", event: "Tornado Warning", severity: "Extreme"},
		feedEntry{id: "urn:alert:2", event: "Flood Warning", severity: "Severe"},
	)
	f := newFixture(t, raw, Options{})
	f.sender.errQueue = []error{errors.New("too many requests"), nil}

	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	// The failed alert has no durable record, so a later cycle retries it.
	require.Len(t, f.store.recorded, 1)
	assert.Equal(t, "urn:alert:2", f.store.recorded[0].alertID)
}

func TestRunCycle_RecordErrorDoesNotFailDelivery(t *testing.T) {
	raw := buildFeed(feedEntry{id: "urn:alert:1", event: "Tornado Warning", severity: "Extreme"})
	f := newFixture(t, raw, Options{})
	f.store.recordErr = errors.New("disk full")

	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"urn:alert:1"}, f.publisher.published)
}

func TestRunCycle_SubscriberMatchErrorSendsWithoutMentions(t *testing.T) {
	raw := buildFeed(feedEntry{id: "urn:alert:1", event: "Tornado Warning", severity: "Extreme", geocodes: "TXC201"})
	f := newFixture(t, raw, Options{})
	f.subs.err = errors.New("database is locked")

	delivered, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.NotContains(t, f.sender.sent[0], "tg://user")
}

func TestCheckReadiness(t *testing.T) {
	f := newFixture(t, buildFeed(), Options{})
	assert.Error(t, f.pipeline.CheckReadiness(context.Background()))

	_, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	assert.NoError(t, f.pipeline.CheckReadiness(context.Background()))
}

func TestRunRetention_UsesRetentionWindow(t *testing.T) {
	f := newFixture(t, buildFeed(), Options{RetentionDays: 30})
	f.store.purged = 3

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pipeline.RunRetention(ctx)
		close(done)
	}()

	// One sweep runs immediately, then the loop waits a day.
	f.clock.BlockUntilContext(ctx, 1)
	cancel()
	<-done

	require.Len(t, f.store.cutoffs, 1)
	want := f.clock.Now().UTC().AddDate(0, 0, -30)
	assert.WithinDuration(t, want, f.store.cutoffs[0], time.Second)
}

func TestRunStatusRotation_CyclesMessages(t *testing.T) {
	f := newFixture(t, buildFeed(), Options{
		StatusInterval: 15 * time.Minute,
		StatusMessages: []string{"watching the skies", "send /help for commands"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pipeline.RunStatusRotation(ctx)
		close(done)
	}()

	f.clock.BlockUntilContext(ctx, 1)
	f.clock.Advance(15 * time.Minute)
	f.clock.BlockUntilContext(ctx, 1)
	f.clock.Advance(15 * time.Minute)
	f.clock.BlockUntilContext(ctx, 1)
	cancel()
	<-done

	require.GreaterOrEqual(t, len(f.sender.presence), 3)
	assert.Equal(t, "watching the skies", f.sender.presence[0])
	assert.Equal(t, "send /help for commands", f.sender.presence[1])
	assert.Equal(t, "watching the skies", f.sender.presence[2])
}

func TestSleepWithContext(t *testing.T) {
	clock := clockwork.NewFakeClock()

	t.Run("zero duration returns immediately", func(t *testing.T) {
		assert.True(t, sleepWithContext(context.Background(), clock, 0))
	})

	t.Run("cancelled context reports false", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, sleepWithContext(ctx, clock, 0))
	})

	t.Run("wakes after the duration", func(t *testing.T) {
		ctx := context.Background()
		done := make(chan bool, 1)
		go func() {
			done <- sleepWithContext(ctx, clock, time.Minute)
		}()
		clock.BlockUntilContext(ctx, 1)
		clock.Advance(time.Minute)
		assert.True(t, <-done)
	})
}
