// Package consumer implements the idempotent engine worker: the
// per-kind dispatch loop that reads deliveries off a stream, checks the
// idempotency ledger, runs the registered handlers inside one
// transaction, records the outcome, and acknowledges the delivery.
package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
	"github.com/procopio420/basecommerce/pkg/ledger"
	"github.com/procopio420/basecommerce/pkg/registry"
	"github.com/procopio420/basecommerce/pkg/streams"
)

// Config tunes a Consumer's read cadence and failure handling.
type Config struct {
	GroupName       string
	ConsumerName    string
	BatchSize       int64
	BlockTimeout    time.Duration
	ClaimMinIdle    time.Duration
	HandlerDeadline time.Duration
	MaxAttempts     int

	// ReclaimInterval is how often Run calls ClaimStale for entries idle
	// past ClaimMinIdle, independent of whether Read is returning new
	// deliveries. A busy stream never hits the len(deliveries) == 0
	// branch, so reclaim must run on its own clock or a dead consumer's
	// entries would sit unclaimed for as long as traffic keeps flowing.
	ReclaimInterval time.Duration
}

// txBeginner is the slice of *sql.DB the consumer needs: a single
// transaction per delivery, begun fresh each time.
type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// transport is the slice of *streams.Transport the consumer depends on.
type transport interface {
	Read(ctx context.Context, kind events.Kind, group, consumer string, count int64, block time.Duration) ([]streams.Delivery, error)
	ReadOwnPending(ctx context.Context, kind events.Kind, group, consumer string, count int64) ([]streams.Delivery, error)
	ClaimStale(ctx context.Context, kind events.Kind, group, consumer string, minIdle time.Duration, count int64) ([]streams.Delivery, error)
	Ack(ctx context.Context, kind events.Kind, group string, ids ...string) error
}

// ledgerClient is the slice of *ledger.Ledger the consumer depends on.
type ledgerClient interface {
	WasProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)
	RecordProcessed(ctx context.Context, tx *sql.Tx, eventID, tenantID uuid.UUID, kind events.Kind, result json.RawMessage) error
	MarkCommitted(ctx context.Context, eventID uuid.UUID)
}

// handlerRegistry is the slice of *registry.Registry the consumer depends on.
type handlerRegistry interface {
	HandlersFor(kind events.Kind) []registry.Handler
}

// deadLetterStore is the slice of *deadletter.Store the consumer depends on.
type deadLetterStore interface {
	Record(ctx context.Context, eventID, tenantID uuid.UUID, kind events.Kind, reason string, payload json.RawMessage) error
}

// attemptMetrics is the slice of *internal/common/redis.Client the
// consumer reports delivery-attempt counts to. It is purely observational:
// the authoritative attempt count that decides retry-vs-dead-letter is
// always the in-process attempts map below, so a metrics hiccup can never
// change dispatch behavior.
type attemptMetrics interface {
	IncrementDeliveryAttempts(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// eventNotifier is the slice of *pkg/notify.Notifier the consumer calls
// after a successful commit. It never influences the commit/ack decision:
// a failed notification is the notifier's own concern, logged and dropped.
type eventNotifier interface {
	Notify(ctx context.Context, rec events.Record)
}

// Consumer drives delivery of a single event kind for one engine's
// consumer group.
type Consumer struct {
	db        txBeginner
	transport transport
	ledger    ledgerClient
	registry  handlerRegistry
	deadLtr   deadLetterStore
	cfg       Config
	logger    *logger.Logger

	metrics  attemptMetrics
	notifier eventNotifier

	// attempts tracks in-process delivery attempt counts per stream entry
	// ID, since Redis Streams doesn't expose a delivery counter the way
	// some brokers do. It resets on restart; MaxAttempts is therefore a
	// floor, not an exact ceiling, across process restarts — acceptable
	// because a restart also means XCLAIM has already reset idle time.
	attempts map[string]int
}

func New(db txBeginner, tr transport, l ledgerClient, reg handlerRegistry, dl deadLetterStore, cfg Config, log *logger.Logger) *Consumer {
	return &Consumer{
		db:        db,
		transport: tr,
		ledger:    l,
		registry:  reg,
		deadLtr:   dl,
		cfg:       cfg,
		logger:    log,
		attempts:  make(map[string]int),
	}
}

// WithAttemptMetrics reports every delivery-attempt increment to m. This
// never affects the retry/dead-letter decision, which always reads the
// in-process attempts map.
func (c *Consumer) WithAttemptMetrics(m attemptMetrics) *Consumer {
	c.metrics = m
	return c
}

// WithNotifier makes dispatch best-effort notify n after every successful
// commit-and-ack, for external dashboards and webhook consumers that don't
// need the delivery guarantees of the core transport.
func (c *Consumer) WithNotifier(n eventNotifier) *Consumer {
	c.notifier = n
	return c
}

// Run drives the dispatch loop for kind until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, kind events.Kind) {
	c.logger.Infof("consumer started for kind %s (group %s)", kind, c.cfg.GroupName)

	c.drainOwnPending(ctx, kind)

	// lastReclaim is tracked independently of the read loop: on a busy
	// stream Read always returns deliveries, so a reclaim triggered only
	// by an empty read would starve for as long as traffic keeps
	// flowing, leaving a dead consumer's pending entries unclaimed.
	lastReclaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			c.logger.Infof("consumer stopped for kind %s", kind)
			return
		default:
		}

		if time.Since(lastReclaim) >= c.cfg.ReclaimInterval {
			c.reclaimStale(ctx, kind)
			lastReclaim = time.Now()
		}

		deliveries, err := c.transport.Read(ctx, kind, c.cfg.GroupName, c.cfg.ConsumerName, c.cfg.BatchSize, c.cfg.BlockTimeout)
		if err != nil {
			c.logger.Errorf("read failed for kind %s: %v", kind, err)
			time.Sleep(time.Second)
			continue
		}

		for _, d := range deliveries {
			c.dispatch(ctx, kind, d)
		}
	}
}

func (c *Consumer) drainOwnPending(ctx context.Context, kind events.Kind) {
	deliveries, err := c.transport.ReadOwnPending(ctx, kind, c.cfg.GroupName, c.cfg.ConsumerName, c.cfg.BatchSize)
	if err != nil {
		c.logger.Errorf("read own pending failed for kind %s: %v", kind, err)
		return
	}
	for _, d := range deliveries {
		c.dispatch(ctx, kind, d)
	}
}

func (c *Consumer) reclaimStale(ctx context.Context, kind events.Kind) {
	deliveries, err := c.transport.ClaimStale(ctx, kind, c.cfg.GroupName, c.cfg.ConsumerName, c.cfg.ClaimMinIdle, c.cfg.BatchSize)
	if err != nil {
		c.logger.Errorf("claim stale failed for kind %s: %v", kind, err)
		return
	}
	for _, d := range deliveries {
		c.dispatch(ctx, kind, d)
	}
}

// dispatch implements the five-step delivery algorithm: ledger check,
// handler-scoped transaction, ordered handler invocation, RecordProcessed,
// commit and acknowledge. Any handler error rolls the transaction back,
// leaving the ledger untouched so the redelivery gets a clean retry.
func (c *Consumer) dispatch(ctx context.Context, kind events.Kind, d streams.Delivery) {
	rec := d.Record

	processed, err := c.ledger.WasProcessed(ctx, rec.EventID)
	if err != nil {
		c.logger.Errorf("ledger check failed for event %s: %v", rec.EventID, err)
		return
	}
	if processed {
		c.ack(ctx, kind, d.ID)
		delete(c.attempts, d.ID)
		return
	}

	handlers := c.registry.HandlersFor(kind)
	if len(handlers) == 0 {
		// A kind with nothing registered against it (the reserved
		// product_price_updated/stock_updated kinds, or a kind no engine
		// in this deployment cares about) is not a processing failure —
		// there is nothing to apply and nothing to record in the ledger.
		c.logger.Warnf("no handlers registered for kind %s, acking without recording", kind)
		c.ack(ctx, kind, d.ID)
		delete(c.attempts, d.ID)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, c.cfg.HandlerDeadline)
	err = c.applyInTransaction(handlerCtx, rec, handlers)
	cancel()

	if err == nil {
		c.ack(ctx, kind, d.ID)
		delete(c.attempts, d.ID)
		c.notify(ctx, rec)
		return
	}

	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		// Another consumer instance won the race and already recorded
		// this event; our work is done either way.
		c.ack(ctx, kind, d.ID)
		delete(c.attempts, d.ID)
		return
	}

	c.attempts[d.ID]++
	attempt := c.attempts[d.ID]
	c.logger.Warnf("handler failed for event %s (attempt %d/%d): %v", rec.EventID, attempt, c.cfg.MaxAttempts, err)
	c.reportAttempt(ctx, rec.EventID.String())

	if attempt >= c.cfg.MaxAttempts {
		if dlErr := c.deadLtr.Record(ctx, rec.EventID, rec.TenantID, kind, err.Error(), rec.Payload); dlErr != nil {
			c.logger.Errorf("failed to dead-letter event %s: %v", rec.EventID, dlErr)
			return
		}
		c.ack(ctx, kind, d.ID)
		delete(c.attempts, d.ID)
	}
	// Below MaxAttempts: leave unacknowledged. It stays pending for this
	// consumer; Read only returns never-delivered entries, so it is retried
	// when a ClaimStale pass (this instance's or a peer's) finds it idle
	// past ClaimMinIdle, or by ReadOwnPending when this consumer restarts.
}

func (c *Consumer) applyInTransaction(ctx context.Context, rec events.Record, handlers []registry.Handler) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("consumer: begin transaction for event %s: %w", rec.EventID, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	for _, h := range handlers {
		if err := h.Apply(ctx, tx, rec.TenantID, rec.Payload); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("handler %s: %w", h.Name(), err)
		}
	}

	var result json.RawMessage
	if err := c.ledger.RecordProcessed(ctx, tx, rec.EventID, rec.TenantID, rec.Kind, result); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("consumer: commit event %s: %w", rec.EventID, err)
	}

	c.ledger.MarkCommitted(ctx, rec.EventID)
	return nil
}

// reportAttempt best-effort mirrors a delivery-attempt increment to
// Redis for operator dashboards. Its count can lag or diverge from the
// in-process one across restarts; nothing reads it to make a decision.
func (c *Consumer) reportAttempt(ctx context.Context, eventID string) {
	if c.metrics == nil {
		return
	}
	if _, err := c.metrics.IncrementDeliveryAttempts(ctx, eventID, 24*time.Hour); err != nil {
		c.logger.Warnf("consumer: failed to report delivery attempt metric for %s: %v", eventID, err)
	}
}

func (c *Consumer) notify(ctx context.Context, rec events.Record) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(ctx, rec)
}

func (c *Consumer) ack(ctx context.Context, kind events.Kind, id string) {
	if err := c.transport.Ack(ctx, kind, c.cfg.GroupName, id); err != nil {
		c.logger.Errorf("failed to ack delivery %s for kind %s: %v", id, kind, err)
	}
}
