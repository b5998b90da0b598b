// Package platform holds the process bootstrap shared by the services:
// connecting to NATS and the database and turning config into the policies
// the packages expect.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/config"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/notify"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store/memstore"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store/postgres"
)

// PresenceBucket is the KV bucket shared by every service that reads or
// writes the presence cache.
const PresenceBucket = "presence"

const (
	connectAttempts = 30
	connectWait     = 2 * time.Second
)

// ConnectNATS dials url, retrying while the server comes up.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(connectWait),
		)
		if err == nil {
			slog.Info("Connected to NATS", "url", nc.ConnectedUrl())
			return nc, nil
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(connectWait)
	}
	return nil, fmt.Errorf("failed to connect to NATS: %w", err)
}

// OpenStore returns the configured store. Postgres is migrated before use.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		slog.Warn("Using in-memory store, data is lost on restart")
		return memstore.New(nil), nil
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.DSN, connectAttempts, connectWait)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		slog.Info("Connected to PostgreSQL")
		return db, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func NotifyPolicy(cfg config.NotifyConfig) notify.Policy {
	return notify.Policy{
		Delay:       cfg.Delay,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		RetryWindow: cfg.RetryWindow,
		ChunkSize:   cfg.ChunkSize,
	}
}
