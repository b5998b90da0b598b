package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/authz"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/cleanup"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/config"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/eventbus"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/kvcache"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/otelhelper"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/platform"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/presence"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/typing"
)

func main() {
	once := flag.Bool("once", false, "run a single cleanup pass and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	config.SetupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otelhelper.Init(ctx, "cleanup-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(context.Background())

	slog.Info("Starting Cleanup Service", "interval", cfg.Cleanup.Interval, "cron", cfg.Cleanup.Cron)

	nc, err := platform.ConnectNATS(cfg.NATSURL, "cleanup-service")
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

	// The bus has no local connections here. It resolves events and hands
	// them to the relay so gateways deliver them.
	var bus *eventbus.Bus
	pub := events.PublisherFunc(func(ctx context.Context, evt events.Event) { bus.Publish(ctx, evt) })
	pres := presence.New(db, cache, pub, presence.WithTTL(cfg.Presence.TTL))
	bus = eventbus.New(authz.New(db, pres), db)
	bus.SetForwarder(eventbus.NewRelay(nc, bus, uuid.NewString()))
	busCtx, stopBus := context.WithCancel(context.Background())
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		bus.Run(busCtx)
	}()

	opts := []cleanup.Option{cleanup.WithInterval(cfg.Cleanup.Interval)}
	if cfg.Cleanup.Cron != "" {
		opts = append(opts, cleanup.WithCron(cfg.Cleanup.Cron))
	}

	var lease *cleanup.Lease
	if !*once {
		period := cfg.Cleanup.Interval
		if cfg.Cleanup.Cron != "" {
			if period, err = cleanup.CronPeriod(cfg.Cleanup.Cron, time.Now()); err != nil {
				slog.Error("Invalid cleanup schedule", "error", err)
				os.Exit(1)
			}
		}
		lease, err = cleanup.NewLease(ctx, js, cleanup.LeaseTTL(period, cfg.Cleanup.LeaderTTL))
		if err != nil {
			slog.Error("Cleanup lease unavailable", "error", err)
			os.Exit(1)
		}
		opts = append(opts, cleanup.WithLeader(lease))
	}

	sched, err := cleanup.New(typing.New(db, bus, typing.WithTTL(cfg.Typing.TTL)), pres, opts...)
	if err != nil {
		slog.Error("Invalid cleanup schedule", "error", err)
		os.Exit(1)
	}

	if *once {
		res, err := sched.RunOnce(ctx)
		slog.Info("Cleanup pass finished", "typing_cleared", res.TypingCleared, "presence_cleared", res.PresenceCleared, "error", err)
	} else {
		slog.Info("Competing for the cleanup lease", "holder", lease.Holder())
		go lease.Run(ctx)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Cleanup scheduler stopped", "error", err)
		}
	}

	// Let queued stop and offline events reach the relay before exiting.
	time.Sleep(500 * time.Millisecond)
	stopBus()
	<-busDone
	slog.Info("Shutting down cleanup service")
	nc.Drain()
}
