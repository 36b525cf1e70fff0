// Command relay runs the outbox relay: the long-running process that
// drains the transactional outbox into the Redis Streams transport.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/procopio420/basecommerce/internal/common/config"
	"github.com/procopio420/basecommerce/internal/common/db"
	"github.com/procopio420/basecommerce/internal/common/httpadmin"
	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/internal/common/migrate"
	"github.com/procopio420/basecommerce/internal/common/mtls"
	redisclient "github.com/procopio420/basecommerce/internal/common/redis"
	"github.com/procopio420/basecommerce/pkg/deadletter"
	"github.com/procopio420/basecommerce/pkg/outbox"
	"github.com/procopio420/basecommerce/pkg/relay"
	"github.com/procopio420/basecommerce/pkg/streams"
)

const serviceName = "relay"

func main() {
	log := logger.New(serviceName)

	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	pg, err := db.Connect(cfg.Database, log)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pg.Close()

	if err := migrate.Up(pg.DB, log); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	rdb, err := redisclient.Connect(cfg.Redis, log)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()

	store := outbox.NewStore(pg.DB, log)
	dlStore := deadletter.NewStore(pg.DB, log)
	transport := streams.NewTransport(rdb.Client, log)

	r := relay.New(store, transport, relay.Config{
		BatchSize:      cfg.Event.OutboxBatchSize,
		PollInterval:   cfg.Event.RelayPollInterval,
		MaxRetries:     cfg.Event.RelayMaxRetries,
		ReclaimTimeout: cfg.Event.RelayReclaimTimeout,
	}, log).WithLeaderLock(rdb, "relay-leader")

	// Every engine consumer group must have a place to start reading from;
	// the relay owns the streams, so it creates each kind's group here,
	// once, before it starts publishing.
	if err := r.EnsureGroups(ctx, cfg.Event.ConsumerGroupName); err != nil {
		log.Fatalf("ensure consumer groups: %v", err)
	}

	admin, err := newAdminServer(cfg, pg, rdb, store, dlStore, log)
	if err != nil {
		log.Fatalf("start admin server: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		r.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		if err := admin.Run(ctx); err != nil {
			log.Errorf("admin server stopped: %v", err)
		}
	}()

	wg.Wait()
	log.Info("relay stopped")
}

func newAdminServer(cfg *config.Config, pg *db.DB, rdb *redisclient.Client, store *outbox.Store, dlStore *deadletter.Store, log *logger.Logger) (*httpadmin.Server, error) {
	counts := func(ctx context.Context) (httpadmin.Counts, error) {
		pending, err := countStatus(ctx, pg.DB, outbox.StatusPending)
		if err != nil {
			return httpadmin.Counts{}, err
		}
		publishing, err := countStatus(ctx, pg.DB, outbox.StatusPublishing)
		if err != nil {
			return httpadmin.Counts{}, err
		}
		failed, err := countStatus(ctx, pg.DB, outbox.StatusFailed)
		if err != nil {
			return httpadmin.Counts{}, err
		}
		dead, err := dlStore.Count(ctx)
		if err != nil {
			return httpadmin.Counts{}, err
		}
		return httpadmin.Counts{
			PendingOutbox:   pending,
			PublishingStuck: publishing,
			FailedOutbox:    failed,
			DeadLettered:    dead,
		}, nil
	}

	addr := ":" + cfg.Service.Port
	return httpadmin.New(addr, pg, rdb, counts, mtls.LoadFromEnv(), log)
}

func countStatus(ctx context.Context, conn *sql.DB, status outbox.Status) (int64, error) {
	var n int64
	err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}
