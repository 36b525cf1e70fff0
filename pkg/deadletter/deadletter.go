// Package deadletter parks events the consumer could not apply after
// exhausting its retry budget, so a stuck handler never blocks the stream
// for every other event of that kind behind it.
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
)

// Store records parked events for operator inspection and (eventually)
// manual replay.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

// Record parks eventID with reason describing why dispatch gave up
// (typically the last handler error). The write runs in its own
// transaction — it is not part of the ledger/handler transaction, which
// has already been rolled back by the time a dead-letter write happens.
func (s *Store) Record(ctx context.Context, eventID, tenantID uuid.UUID, kind events.Kind, reason string, payload json.RawMessage) error {
	const query = `
		INSERT INTO dead_letter_events (event_id, tenant_id, kind, reason, payload, parked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO UPDATE
		SET reason = EXCLUDED.reason, parked_at = EXCLUDED.parked_at
	`
	_, err := s.db.ExecContext(ctx, query, eventID, tenantID, string(kind), reason, []byte(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deadletter: record %s: %w", eventID, err)
	}
	s.logger.Warnf("event %s (%s) parked in dead letter: %s", eventID, kind, reason)
	return nil
}

// Count returns the number of events currently parked, used by the
// operational snapshot endpoint.
func (s *Store) Count(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(*) FROM dead_letter_events`
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("deadletter: count: %w", err)
	}
	return n, nil
}
