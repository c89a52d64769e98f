package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	httpadapter "github.com/couchcryptid/nws-alert-relay/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/nws-alert-relay/internal/adapter/kafka"
	"github.com/couchcryptid/nws-alert-relay/internal/adapter/nws"
	"github.com/couchcryptid/nws-alert-relay/internal/adapter/telegram"
	"github.com/couchcryptid/nws-alert-relay/internal/bot"
	"github.com/couchcryptid/nws-alert-relay/internal/config"
	"github.com/couchcryptid/nws-alert-relay/internal/domain"
	"github.com/couchcryptid/nws-alert-relay/internal/observability"
	"github.com/couchcryptid/nws-alert-relay/internal/pipeline"
	"github.com/couchcryptid/nws-alert-relay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	db, err := store.Open(cfg.DBPath, logger, clock)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}

	transport, err := telegram.New(cfg.TelegramToken, cfg.AlertsChatID, cfg.ErrorChatID, cfg.ChangelogChatID, logger)
	if err != nil {
		logger.Error("failed to connect to telegram", "error", err)
		os.Exit(1)
	}

	feed := nws.NewClient(cfg.FeedURL, cfg.UserAgent, cfg.FetchTimeout, logger)
	policy := domain.NewPolicy(cfg.MinSeverity, cfg.MinCertainty, cfg.MinUrgency, cfg.BlockedEvents)

	// Delivered-alert firehose (feature-flagged via KAFKA_ENABLED).
	var publisher pipeline.DeliveryPublisher
	var kafkaWriter *kafkaadapter.Writer
	if cfg.KafkaEnabled {
		kafkaWriter = kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		publisher = kafkaWriter
		logger.Info("kafka firehose enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka firehose disabled")
	}

	p := pipeline.New(feed, db, db, policy, transport, publisher, logger, metrics, clock, pipeline.Options{
		PollInterval:   cfg.PollInterval,
		PostDelay:      cfg.PostDelay,
		MaxPerCycle:    cfg.MaxPerCycle,
		RetentionDays:  cfg.RetentionDays,
		StatusInterval: cfg.StatusInterval,
		StatusMessages: []string{
			"watching the skies",
			"send /help for commands",
			"relaying NWS alerts",
		},
	})

	commands := bot.New(transport, p, feed, db, policy, logger, clock, cfg.OwnerIDs)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, db, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := commands.AnnounceVersion(ctx); err != nil {
		logger.Warn("version announcement failed", "error", err)
	}

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go p.Run(ctx)
	go p.RunRetention(ctx)
	go p.RunStatusRotation(ctx)
	go commands.Run(ctx, transport.Updates())

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	transport.Close()
	if kafkaWriter != nil {
		if err := kafkaWriter.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := db.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}
