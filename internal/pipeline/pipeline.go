// Package pipeline orchestrates the ingestion, retention, and status-rotation
// loops of the alert relay.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/nws-alert-relay/internal/domain"
	"github.com/couchcryptid/nws-alert-relay/internal/observability"
)

// ErrCycleInProgress is returned when a cycle is requested while another
// holds the run lock. The request is rejected immediately, never queued.
var ErrCycleInProgress = errors.New("an ingestion cycle is already running")

// FeedFetcher downloads the raw feed document.
type FeedFetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// AlertStore is the durable record of delivered alerts.
type AlertStore interface {
	HasPosted(ctx context.Context, id string) (bool, error)
	RecordPost(ctx context.Context, alert domain.Alert, messageID string, isUpdate bool) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SubscriberMatcher resolves an alert to the subscribers to mention.
type SubscriberMatcher interface {
	MatchSubscribers(ctx context.Context, geocodes []string, eventType string) (map[int64]struct{}, error)
}

// AlertSender delivers rendered alerts and presence updates to the chat
// transport.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) (string, error)
	SetPresence(text string) error
}

// DeliveryPublisher mirrors delivered alerts onto the optional firehose.
type DeliveryPublisher interface {
	PublishDelivered(ctx context.Context, alert domain.Alert, messageID string) error
}

// Options bundles the pipeline's cadence and bound settings.
type Options struct {
	PollInterval   time.Duration // between cycle completions
	PostDelay      time.Duration // between successive sends within a cycle
	MaxPerCycle    int           // per-cycle work bound; excess entries wait for the next cycle
	RetentionDays  int
	StatusInterval time.Duration
	StatusMessages []string
}

// Pipeline runs the fetch → parse → dedupe → filter → render → send → record
// cycle plus the retention sweep and status rotation. The run lock is the
// only cross-task mutual exclusion; store operations are individually safe
// to interleave with command handlers.
type Pipeline struct {
	fetcher   FeedFetcher
	store     AlertStore
	subs      SubscriberMatcher
	policy    *domain.Policy
	sender    AlertSender
	publisher DeliveryPublisher // nil when the firehose is disabled
	renderer  *Renderer
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     clockwork.Clock
	opts      Options

	runMu sync.Mutex
	ready atomic.Bool
}

// New wires a Pipeline from its collaborators. publisher may be nil.
func New(
	fetcher FeedFetcher,
	alertStore AlertStore,
	subs SubscriberMatcher,
	policy *domain.Policy,
	sender AlertSender,
	publisher DeliveryPublisher,
	logger *slog.Logger,
	metrics *observability.Metrics,
	clock clockwork.Clock,
	opts Options,
) *Pipeline {
	return &Pipeline{
		fetcher:   fetcher,
		store:     alertStore,
		subs:      subs,
		policy:    policy,
		sender:    sender,
		publisher: publisher,
		renderer:  NewRenderer(clock),
		logger:    logger,
		metrics:   metrics,
		clock:     clock,
		opts:      opts,
	}
}

// CheckReadiness returns nil once at least one ingestion cycle has completed.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no ingestion cycle has completed yet")
	}
	return nil
}

// Policy exposes the filter policy handle for the command surface.
func (p *Pipeline) Policy() *domain.Policy {
	return p.policy
}

// RunCycle executes one ingestion cycle under the run lock and returns the
// number of alerts delivered. A concurrent cycle, scheduled or manual, is
// rejected immediately with ErrCycleInProgress.
func (p *Pipeline) RunCycle(ctx context.Context) (int, error) {
	if !p.runMu.TryLock() {
		p.metrics.CyclesTotal.WithLabelValues(observability.CycleRejected).Inc()
		return 0, ErrCycleInProgress
	}
	defer p.runMu.Unlock()

	p.metrics.IngestRunning.Set(1)
	defer p.metrics.IngestRunning.Set(0)

	return p.runCycle(ctx)
}

func (p *Pipeline) runCycle(ctx context.Context) (int, error) {
	start := p.clock.Now()

	raw, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.metrics.CyclesTotal.WithLabelValues(observability.CycleFetchError).Inc()
		return 0, err
	}

	alerts, err := domain.ParseFeed(raw, p.logger)
	if err != nil {
		p.metrics.CyclesTotal.WithLabelValues(observability.CycleParseError).Inc()
		return 0, err
	}
	p.metrics.AlertsFetched.Add(float64(len(alerts)))

	if p.opts.MaxPerCycle > 0 && len(alerts) > p.opts.MaxPerCycle {
		p.logger.Info("bounding cycle batch",
			"fetched", len(alerts),
			"max_per_cycle", p.opts.MaxPerCycle,
		)
		alerts = alerts[:p.opts.MaxPerCycle]
	}

	delivered := 0
	for _, alert := range alerts {
		// A shutdown signal lets the in-flight alert finish; we stop
		// before starting the next one.
		if ctx.Err() != nil {
			break
		}
		if p.deliverOne(ctx, alert, delivered > 0) {
			delivered++
		}
	}

	p.metrics.CycleDuration.Observe(p.clock.Since(start).Seconds())
	p.metrics.CyclesTotal.WithLabelValues(observability.CycleOK).Inc()
	p.ready.Store(true)
	return delivered, nil
}

// deliverOne runs the per-alert stages and reports whether the alert was
// sent. Every failure path logs and skips; one bad alert never aborts the
// batch. pauseBeforeSend inserts the courtesy delay toward the transport,
// paid only between successive sends, never after skips or the final send.
func (p *Pipeline) deliverOne(ctx context.Context, alert domain.Alert, pauseBeforeSend bool) bool {
	posted, err := p.store.HasPosted(ctx, alert.ID)
	if err != nil {
		// Fail open: better to risk a re-delivery than to silently drop an
		// alert during a store outage.
		p.logger.Warn("dedup check failed, treating as not posted", "alert_id", alert.ID, "error", err)
	}
	if posted {
		p.metrics.AlertsDuplicate.Inc()
		return false
	}

	if !p.policy.Passes(alert) {
		p.logger.Debug("alert filtered", "alert_id", alert.ID, "event_type", alert.EventType, "severity", alert.Severity)
		p.metrics.AlertsFiltered.Inc()
		return false
	}

	mentions, err := p.subs.MatchSubscribers(ctx, alert.Geocodes, alert.EventType)
	if err != nil {
		p.logger.Warn("subscriber match failed, sending without mentions", "alert_id", alert.ID, "error", err)
		mentions = nil
	}

	if pauseBeforeSend && !sleepWithContext(ctx, p.clock, p.opts.PostDelay) {
		return false
	}

	messageID, err := p.sender.SendAlert(ctx, p.renderer.RenderAlert(alert, mentions))
	if err != nil {
		p.logger.Error("alert delivery failed", "alert_id", alert.ID, "error", err)
		p.metrics.DeliveryErrors.Inc()
		return false
	}

	if err := p.store.RecordPost(ctx, alert, messageID, false); err != nil {
		// Swallowed by design of the at-least-once contract: the alert went
		// out, and the worst case is a re-delivery next cycle.
		p.logger.Warn("recording delivery failed", "alert_id", alert.ID, "error", err)
	}

	if p.publisher != nil {
		if err := p.publisher.PublishDelivered(ctx, alert, messageID); err != nil {
			p.logger.Warn("firehose publish failed", "alert_id", alert.ID, "error", err)
		}
	}

	p.metrics.AlertsDelivered.Inc()
	p.logger.Info("alert delivered",
		"alert_id", alert.ID,
		"event_type", alert.EventType,
		"severity", alert.Severity,
		"mentions", len(mentions),
	)
	return true
}

// Run executes ingestion cycles until the context is cancelled, waiting
// PollInterval between cycle completions.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("ingestion loop started",
		"poll_interval", p.opts.PollInterval,
		"max_per_cycle", p.opts.MaxPerCycle,
	)
	for {
		delivered, err := p.RunCycle(ctx)
		switch {
		case errors.Is(err, ErrCycleInProgress):
			p.logger.Warn("scheduled cycle skipped, manual run in progress")
		case err != nil:
			if ctx.Err() != nil {
				p.logger.Info("ingestion loop stopping", "reason", ctx.Err())
				return
			}
			p.logger.Error("ingestion cycle failed", "error", err)
		case delivered > 0:
			p.logger.Info("ingestion cycle complete", "delivered", delivered)
		}

		if !sleepWithContext(ctx, p.clock, p.opts.PollInterval) {
			p.logger.Info("ingestion loop stopping", "reason", ctx.Err())
			return
		}
	}
}

// RunRetention sweeps delivered-alert records older than the retention
// window once per day. It shares nothing with the ingestion lock.
func (p *Pipeline) RunRetention(ctx context.Context) {
	p.logger.Info("retention loop started", "retention_days", p.opts.RetentionDays)
	for {
		cutoff := p.clock.Now().UTC().AddDate(0, 0, -p.opts.RetentionDays)
		deleted, err := p.store.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			p.logger.Error("retention sweep failed", "error", err)
		} else if deleted > 0 {
			p.metrics.RecordsPurged.Add(float64(deleted))
			p.logger.Info("retention sweep complete", "deleted", deleted, "cutoff", cutoff)
		}

		if !sleepWithContext(ctx, p.clock, 24*time.Hour) {
			return
		}
	}
}

// RunStatusRotation cycles the transport presence through the configured
// status messages. Transport errors are logged and the rotation continues.
func (p *Pipeline) RunStatusRotation(ctx context.Context) {
	if len(p.opts.StatusMessages) == 0 {
		return
	}
	for i := 0; ; i = (i + 1) % len(p.opts.StatusMessages) {
		if err := p.sender.SetPresence(p.opts.StatusMessages[i]); err != nil {
			p.logger.Warn("presence update failed", "error", err)
		}
		if !sleepWithContext(ctx, p.clock, p.opts.StatusInterval) {
			return
		}
	}
}

// sleepWithContext waits for d or until the context is cancelled, reporting
// false on cancellation.
func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
