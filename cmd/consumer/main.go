// Command consumer runs the idempotent engine worker: the dispatch loop
// that reads events off the Redis Streams transport, checks the
// idempotency ledger, and invokes every handler registered for an event's
// kind inside one transaction per delivery.
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
	"github.com/procopio420/basecommerce/internal/common/kafka"
	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/internal/common/migrate"
	"github.com/procopio420/basecommerce/internal/common/mtls"
	redisclient "github.com/procopio420/basecommerce/internal/common/redis"
	"github.com/procopio420/basecommerce/pkg/consumer"
	"github.com/procopio420/basecommerce/pkg/deadletter"
	"github.com/procopio420/basecommerce/pkg/engines/delivery"
	"github.com/procopio420/basecommerce/pkg/engines/sales"
	"github.com/procopio420/basecommerce/pkg/engines/stock"
	"github.com/procopio420/basecommerce/pkg/events"
	"github.com/procopio420/basecommerce/pkg/ledger"
	"github.com/procopio420/basecommerce/pkg/notify"
	"github.com/procopio420/basecommerce/pkg/outbox"
	"github.com/procopio420/basecommerce/pkg/registry"
	"github.com/procopio420/basecommerce/pkg/streams"
)

const serviceName = "consumer"

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

	transport := streams.NewTransport(rdb.Client, log)
	ldgr := ledger.New(pg.DB, rdb, log)
	dlStore := deadletter.NewStore(pg.DB, log)

	reg := buildRegistry(log)

	notifyProducer := kafka.NewProducer(cfg.Kafka, log)
	defer notifyProducer.Close()
	notifier := notify.New(notifyProducer, cfg.Kafka.NotifyTopic, log)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "consumer-1"
	}

	var wg sync.WaitGroup
	for _, kind := range events.AllKinds {
		kind := kind
		consumerCfg := consumer.Config{
			GroupName:       cfg.Event.ConsumerGroupName,
			ConsumerName:    hostname,
			BatchSize:       cfg.Event.ConsumerBatchSize,
			BlockTimeout:    cfg.Event.ConsumerBlockTimeout,
			ClaimMinIdle:    cfg.Event.ConsumerClaimMinIdle,
			ReclaimInterval: cfg.Event.ConsumerReclaimInterval,
			HandlerDeadline: cfg.Event.HandlerDeadline,
			MaxAttempts:     cfg.Event.MaxDeliveryAttempts,
		}

		if err := transport.EnsureGroup(ctx, kind, cfg.Event.ConsumerGroupName); err != nil {
			log.Fatalf("ensure group for %s: %v", kind, err)
		}

		c := consumer.New(pg.DB, transport, ldgr, reg, dlStore, consumerCfg, log).
			WithAttemptMetrics(rdb).
			WithNotifier(notifier)

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx, kind)
		}()
	}

	admin, err := newAdminServer(cfg, pg, rdb, dlStore, log)
	if err != nil {
		log.Fatalf("start admin server: %v", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := admin.Run(ctx); err != nil {
			log.Errorf("admin server stopped: %v", err)
		}
	}()

	wg.Wait()
	log.Info("consumer stopped")
}

// buildRegistry performs the explicit, ordered Register sequence
// for every engine this deployment carries, then freezes the registry.
// This runs once, before any consumer goroutine starts dispatching — no
// package import ever registers a handler as a side effect.
func buildRegistry(log *logger.Logger) *registry.Registry {
	reg := registry.New()

	reg.Register(events.KindQuoteConverted, sales.NewQuoteConvertedHandler(log))
	reg.Register(events.KindQuoteConverted, delivery.NewQuoteConvertedHandler(log))

	reg.Register(events.KindSaleRecorded, stock.NewSaleRecordedHandler(log))
	reg.Register(events.KindSaleRecorded, sales.NewSaleRecordedHandler(log))

	reg.Register(events.KindOrderStatusChanged, delivery.NewOrderStatusChangedHandler(log))

	reg.Freeze()
	return reg
}

func newAdminServer(cfg *config.Config, pg *db.DB, rdb *redisclient.Client, dlStore *deadletter.Store, log *logger.Logger) (*httpadmin.Server, error) {
	counts := func(ctx context.Context) (httpadmin.Counts, error) {
		pending, err := countStatus(ctx, pg.DB, outbox.StatusPending)
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
			PendingOutbox: pending,
			FailedOutbox:  failed,
			DeadLettered:  dead,
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
