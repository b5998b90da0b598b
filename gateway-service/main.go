package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/authz"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/config"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/eventbus"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/gateway"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/kvcache"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/messaging"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/notify"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/notify/fcm"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/otelhelper"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/platform"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/presence"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/typing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	config.SetupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otelhelper.Init(ctx, "gateway-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(context.Background())

	slog.Info("Starting Gateway Service", "addr", cfg.HTTPAddr, "nats_url", cfg.NATSURL, "store", cfg.Store.Driver)

	nc, err := platform.ConnectNATS(cfg.NATSURL, "gateway-service")
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

	// Presence publishes through the bus, and the bus authorizes through a
	// gate that reads presence, so the bus is bound after construction.
	var bus *eventbus.Bus
	pub := events.PublisherFunc(func(ctx context.Context, evt events.Event) { bus.Publish(ctx, evt) })
	pres := presence.New(db, cache, pub, presence.WithTTL(cfg.Presence.TTL))
	gate := authz.New(db, pres)
	bus = eventbus.New(gate, db)

	relay := eventbus.NewRelay(nc, bus, uuid.NewString())
	bus.SetForwarder(relay)
	relaySub, err := relay.Start()
	if err != nil {
		slog.Error("Failed to start event relay", "error", err)
		os.Exit(1)
	}
	defer relaySub.Unsubscribe()

	verifier, closeVerifier, err := newVerifier(ctx, cfg.Auth)
	if err != nil {
		slog.Error("Token verifier unavailable", "error", err)
		os.Exit(1)
	}
	defer closeVerifier()

	deps := gateway.Deps{
		Messaging: messaging.New(db, bus),
		Bus:       bus,
		Gate:      gate,
		Presence:  pres,
		Typing:    typing.New(db, bus, typing.WithTTL(cfg.Typing.TTL)),
		Users:     db,
		Verifier:  verifier,
		Limits:    cfg.Limits,
	}

	if cfg.Notify.ServerKey != "" {
		policy := platform.NotifyPolicy(cfg.Notify)
		dispatcher := notify.New(db, pres, fcm.New(cfg.Notify.ServerKey), nil, notify.WithPolicy(policy))
		switch cfg.Notify.Queue {
		case "memory":
			// Single-process mode: jobs run here and there is no worker.
			q := notify.NewMemoryQueue(dispatcher, policy, cfg.Notify.Workers, 0)
			dispatcher.SetQueue(q)
			bus.Listen(events.MessageSent, dispatcher.OnMessageSent)
			go q.Run(ctx)
		default:
			// The notification worker consumes message.sent from the relay.
			q, err := notify.NewJetStreamQueue(ctx, js, nil, policy, 0)
			if err != nil {
				slog.Error("Notification queue unavailable", "error", err)
				os.Exit(1)
			}
			dispatcher.SetQueue(q)
		}
		deps.Notifier = dispatcher
	} else {
		slog.Warn("FCM_SERVER_KEY not set, push notifications disabled")
	}

	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		bus.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gateway.New(deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()
	slog.Info("Gateway ready", "addr", cfg.HTTPAddr)

	<-ctx.Done()
	slog.Info("Shutting down gateway service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	<-busDone
	nc.Drain()
}

func newVerifier(ctx context.Context, cfg config.AuthConfig) (gateway.Verifier, func(), error) {
	if cfg.JWKSURL != "" {
		v, err := gateway.NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.Issuer)
		if err != nil {
			return nil, nil, err
		}
		return v, v.Close, nil
	}
	return gateway.NewHMACVerifier(cfg.JWTSecret, cfg.Issuer), func() {}, nil
}
