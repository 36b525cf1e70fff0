// Package ledger implements the idempotency ledger: the durable record of
// which events have already been applied, so a redelivered message (Redis
// Streams only guarantees at-least-once) never runs handlers twice.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/procopio420/basecommerce/internal/common/logger"
	rediscache "github.com/procopio420/basecommerce/internal/common/redis"
	"github.com/procopio420/basecommerce/pkg/events"
)

// ErrAlreadyProcessed is returned by RecordProcessed when event_id is
// already present — the race-losing side of two concurrent deliveries.
var ErrAlreadyProcessed = errors.New("ledger: event already processed")

const pqUniqueViolation = "23505"

// cacheTTL bounds how long a WasProcessed=true result is trusted from
// Redis before falling back to Postgres; the ledger table is the source
// of truth, the cache only spares it from hot redelivery storms.
const cacheTTL = 24 * time.Hour

// Ledger answers "has this event already been processed?" and records
// processing results, backed by Postgres with a Redis read-through cache.
// The cache goes through the shared idempotency-key helpers on
// internal/common/redis.Client (CheckIdempotency/SetIdempotency) instead
// of a bespoke key scheme, so the same Redis convention serves every
// idempotency check in the fleet.
type Ledger struct {
	db     *sql.DB
	cache  *rediscache.Client
	logger *logger.Logger
}

func New(db *sql.DB, cache *rediscache.Client, log *logger.Logger) *Ledger {
	return &Ledger{db: db, cache: cache, logger: log}
}

// WasProcessed reports whether eventID has already been committed to the
// ledger. The cache is consulted first; a cache miss or cache error falls
// through to Postgres rather than ever returning a false negative.
func (l *Ledger) WasProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	if l.cache != nil {
		hit, err := l.cache.CheckIdempotency(ctx, eventID.String())
		if err == nil && hit {
			return true, nil
		}
		if err != nil {
			l.logger.Warnf("ledger: cache lookup failed for %s, falling back to database: %v", eventID, err)
		}
	}

	const query = `SELECT 1 FROM processed_events WHERE event_id = $1`
	var exists int
	err := l.db.QueryRowContext(ctx, query, eventID).Scan(&exists)
	switch {
	case err == nil:
		l.MarkCommitted(ctx, eventID)
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("ledger: was processed %s: %w", eventID, err)
	}
}

// RecordProcessed inserts a row marking eventID as processed, within tx so
// it commits atomically with whatever business-table writes the handler
// performed. result is an opaque, handler-supplied JSON summary (may be
// nil). Returns ErrAlreadyProcessed if eventID is already recorded.
//
// This does not touch the cache: tx may still roll back after this call
// returns, and a cache entry that outlives a rolled-back row would make a
// later WasProcessed return true for an event whose handlers never
// committed. Callers must call MarkCommitted once tx.Commit() has
// actually succeeded.
func (l *Ledger) RecordProcessed(ctx context.Context, tx *sql.Tx, eventID, tenantID uuid.UUID, kind events.Kind, result json.RawMessage) error {
	const query = `
		INSERT INTO processed_events (event_id, tenant_id, kind, processed_at, result)
		VALUES ($1, $2, $3, $4, $5)
	`

	var resultValue interface{}
	if len(result) > 0 {
		resultValue = []byte(result)
	}

	_, err := tx.ExecContext(ctx, query, eventID, tenantID, string(kind), time.Now().UTC(), resultValue)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyProcessed, eventID)
		}
		return fmt.Errorf("ledger: record processed %s: %w", eventID, err)
	}

	return nil
}

// MarkCommitted warms the Redis cache for eventID. Call this only after
// the transaction containing the matching RecordProcessed has committed
// successfully — warming it any earlier risks a cache hit for an event
// whose ledger row and handler side-effects were actually rolled back.
func (l *Ledger) MarkCommitted(ctx context.Context, eventID uuid.UUID) {
	if l.cache == nil {
		return
	}
	if err := l.cache.SetIdempotency(ctx, eventID.String(), cacheTTL); err != nil {
		l.logger.Warnf("ledger: failed to warm cache for %s: %v", eventID, err)
	}
}
