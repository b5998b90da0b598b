package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/config"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/eventbus"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/kvcache"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/notify"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/notify/fcm"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/otelhelper"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/platform"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/presence"
)

const queueGroup = "notification-workers"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	config.SetupLogging(cfg.Log)

	if cfg.Notify.ServerKey == "" {
		slog.Error("FCM_SERVER_KEY is required")
		os.Exit(1)
	}
	if cfg.Notify.Queue != "jetstream" || cfg.Store.Driver != "postgres" {
		slog.Error("Notification worker needs the jetstream queue and the postgres store",
			"queue", cfg.Notify.Queue, "store", cfg.Store.Driver)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otelhelper.Init(ctx, "notification-worker")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(context.Background())

	slog.Info("Starting Notification Worker", "nats_url", cfg.NATSURL, "workers", cfg.Notify.Workers)

	nc, err := platform.ConnectNATS(cfg.NATSURL, "notification-worker")
	if err != nil {
		slog.Error("NATS unavailable", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	db, err := platform.OpenStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("Store unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cache, err := kvcache.NewNATSCache(ctx, js, platform.PresenceBucket, cfg.Presence.TTL)
	if err != nil {
		slog.Error("Presence cache unavailable", "error", err)
		os.Exit(1)
	}
	// Read-only use: the worker only asks whether recipients are online.
	pres := presence.New(db, cache, events.PublisherFunc(func(context.Context, events.Event) {}),
		presence.WithTTL(cfg.Presence.TTL))

	policy := platform.NotifyPolicy(cfg.Notify)
	dispatcher := notify.New(db, pres, fcm.New(cfg.Notify.ServerKey), nil, notify.WithPolicy(policy))
	queue, err := notify.NewJetStreamQueue(ctx, js, dispatcher, policy, cfg.Notify.Workers*16)
	if err != nil {
		slog.Error("Notification queue unavailable", "error", err)
		os.Exit(1)
	}
	dispatcher.SetQueue(queue)

	subject := eventbus.Subject(events.MessageSent)
	sub, err := nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(ctx, msg.Subject, msg.Header, len(msg.Data), "enqueue notifications")
		defer span.End()

		evt, err := eventbus.Decode(msg.Data)
		if err != nil {
			slog.WarnContext(ctx, "Invalid message event", "error", err)
			return
		}
		n, err := dispatcher.HandleMessageSent(ctx, evt)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to enqueue notifications", "event", evt.ID, "error", err)
			return
		}
		span.SetAttributes(attribute.Int("notify.jobs", n))
		slog.DebugContext(ctx, "Enqueued notifications", "event", evt.ID, "jobs", n)
	})
	if err != nil {
		slog.Error("Failed to subscribe", "subject", subject, "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()
	slog.Info("Subscribed to message events", "subject", subject, "queue", queueGroup)

	if err := queue.Run(ctx); err != nil {
		slog.Error("Notification queue stopped", "error", err)
	}

	slog.Info("Shutting down notification worker")
	nc.Drain()
}
