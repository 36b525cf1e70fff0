// Package relay drains the transactional outbox into the stream
// transport: the background process that turns a staged database row into
// a delivered event.
package relay

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
	"github.com/procopio420/basecommerce/pkg/outbox"
)

// Config tunes a Relay's polling and retry behavior.
type Config struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxRetries     int
	ReclaimTimeout time.Duration
}

// outboxStore is the slice of *outbox.Store the relay depends on.
type outboxStore interface {
	ReclaimStalePublishing(ctx context.Context, timeout time.Duration) (int64, error)
	ReadPending(ctx context.Context, limit int) ([]outbox.Row, error)
	ClaimForPublish(ctx context.Context, eventID uuid.UUID) (*outbox.Row, error)
	MarkPublished(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, cause error, maxRetries int) error
}

// transport is the slice of *streams.Transport the relay depends on.
type transport interface {
	EnsureGroup(ctx context.Context, kind events.Kind, group string) error
	Publish(ctx context.Context, rec events.Record) (string, error)
}

// locker is the slice of *internal/common/redis.Client the relay depends
// on for its optional leader election. Nothing about correctness requires
// it: ClaimForPublish's conditional UPDATE already makes concurrent relay
// instances safe. Holding the lock just spares every non-leader replica
// from running a wasted read-and-lose-every-claim poll each tick.
type locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Relay polls the outbox for pending events and publishes them to the
// stream transport in submission order, marking each row published or
// failed as it goes.
type Relay struct {
	store     outboxStore
	transport transport
	cfg       Config
	logger    *logger.Logger

	locker  locker
	lockKey string
}

func New(store outboxStore, transport transport, cfg Config, log *logger.Logger) *Relay {
	return &Relay{store: store, transport: transport, cfg: cfg, logger: log}
}

// WithLeaderLock makes Run acquire l under key before each tick and
// release it afterward, so only one of several replicated relay
// instances does the work on any given tick. Not calling this leaves the
// relay fully replicated with no election, the safe default.
func (r *Relay) WithLeaderLock(l locker, key string) *Relay {
	r.locker = l
	r.lockKey = key
	return r
}

// EnsureGroups creates the consumer group groupName on every known kind's
// stream. Call this once at startup, before Run, for every engine's group
// that will read from these streams — the relay owns the streams but not
// necessarily every group on them.
func (r *Relay) EnsureGroups(ctx context.Context, groupName string) error {
	for _, kind := range events.AllKinds {
		if err := r.transport.EnsureGroup(ctx, kind, groupName); err != nil {
			return err
		}
	}
	return nil
}

// Run polls forever until ctx is cancelled, publishing pending events on
// each tick. It never returns an error: failures are logged and the relay
// keeps polling, since a single bad tick (e.g. transport hiccup) should
// not take the whole relay down.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started")
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if !r.acquireTick(ctx) {
				continue
			}
			if err := r.runOnce(ctx); err != nil {
				r.logger.Errorf("relay tick failed: %v", err)
			}
			r.releaseTick(ctx)
		}
	}
}

// acquireTick reports whether this instance should run the current tick.
// With no locker configured every instance always runs; with one
// configured, only the instance that wins the lock for this tick does.
func (r *Relay) acquireTick(ctx context.Context) bool {
	if r.locker == nil {
		return true
	}
	acquired, err := r.locker.AcquireLock(ctx, r.lockKey, r.cfg.PollInterval)
	if err != nil {
		r.logger.Warnf("relay: leader lock check failed, running tick anyway: %v", err)
		return true
	}
	return acquired
}

func (r *Relay) releaseTick(ctx context.Context) {
	if r.locker == nil {
		return
	}
	if err := r.locker.ReleaseLock(ctx, r.lockKey); err != nil {
		r.logger.Warnf("relay: failed to release leader lock: %v", err)
	}
}

// partitionKey identifies the (tenant_id, kind) ordering domain spec.md
// §4.4 guarantees FIFO delivery within.
type partitionKey struct {
	tenantID uuid.UUID
	kind     events.Kind
}

// runOnce performs a single poll-and-publish pass: first reclaiming rows
// stuck in "publishing" past the reclaim timeout (a previous instance
// crashed mid-publish), then reading and publishing pending rows in
// created_at order. A row that fails to publish stalls its (tenant_id,
// kind) partition for the rest of this pass: every later row sharing that
// partition is skipped rather than published out of order ahead of the
// one still stuck pending retry.
func (r *Relay) runOnce(ctx context.Context) error {
	reclaimed, err := r.store.ReclaimStalePublishing(ctx, r.cfg.ReclaimTimeout)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		r.logger.Warnf("reclaimed %d stale publishing rows", reclaimed)
	}

	rows, err := r.store.ReadPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	stalled := make(map[partitionKey]bool)

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil
		}

		key := partitionKey{tenantID: row.TenantID, kind: row.Kind}
		if stalled[key] {
			continue
		}

		if !r.publishRow(ctx, row) {
			stalled[key] = true
		}
	}

	return nil
}

// publishRow claims a single row and publishes it, marking the outcome.
// Claim failing to match (another relay instance got there first, or the
// row already moved on) is not an error — it just means this row isn't
// this relay's to publish right now, and does not stall the partition.
// It returns false only when the row was claimed but failed to publish,
// signaling runOnce to stall the rest of that row's partition.
func (r *Relay) publishRow(ctx context.Context, row outbox.Row) bool {
	claimed, err := r.store.ClaimForPublish(ctx, row.EventID)
	if err != nil {
		r.logger.Errorf("failed to claim event %s: %v", row.EventID, err)
		return true
	}
	if claimed == nil {
		return true
	}

	if _, err := r.transport.Publish(ctx, claimed.Record); err != nil {
		if markErr := r.store.MarkFailed(ctx, claimed.EventID, err, r.cfg.MaxRetries); markErr != nil {
			r.logger.Errorf("failed to mark event %s as failed: %v", claimed.EventID, markErr)
		}
		return false
	}

	if err := r.store.MarkPublished(ctx, claimed.EventID); err != nil {
		r.logger.Errorf("failed to mark event %s as published: %v", claimed.EventID, err)
	}
	return true
}
