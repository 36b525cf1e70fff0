// Package outbox implements the transactional outbox: the durable,
// tenant-scoped staging table a vertical writes business events into as
// part of its own database transaction, and that the relay later drains
// into the stream transport.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
)

// Status is the outbox row lifecycle state machine:
// pending -> publishing -> published, or pending -> publishing -> pending
// (retry) / failed (terminal, after exhausting retries).
type Status string

const (
	StatusPending    Status = "pending"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// Row is a single outbox record as stored in Postgres: the event payload
// plus the bookkeeping the relay needs to drive it to publication.
type Row struct {
	events.Record
	Status       Status
	RetryCount   int
	ErrorMessage sql.NullString
	ClaimedAt    sql.NullTime
	PublishedAt  sql.NullTime
	FailedAt     sql.NullTime
}

// ErrTransactionRequired is returned when Append is called with a nil tx.
// The outbox write must share the caller's business transaction — there is
// no connection-pool fallback, by construction.
var ErrTransactionRequired = errors.New("outbox: a transaction is required to append an event")

// ErrDuplicateEvent is returned when an event with the same event_id has
// already been appended. event_id is generated per-call by events.New, so
// in practice this only fires when a caller re-uses a Record across calls.
var ErrDuplicateEvent = errors.New("outbox: event already appended")

const pqUniqueViolation = "23505"

// Store is the outbox table's data-access layer. It never owns a
// transaction itself: Append participates in the caller's, the read/claim
// operations run their own single-statement transactions.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

// Append inserts rec into the outbox within tx. The caller commits tx
// together with whatever business-table writes produced rec, giving the
// write-then-publish atomicity the outbox pattern exists for.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, rec events.Record) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	const query = `
		INSERT INTO outbox_events (event_id, tenant_id, kind, version, payload, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
	`

	_, err := tx.ExecContext(ctx, query,
		rec.EventID, rec.TenantID, string(rec.Kind), rec.Version, []byte(rec.Payload),
		string(StatusPending), rec.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, rec.EventID)
		}
		return fmt.Errorf("outbox: append event %s: %w", rec.EventID, err)
	}

	s.logger.Debugf("outbox event appended: %s (%s) for tenant %s", rec.EventID, rec.Kind, rec.TenantID)
	return nil
}

// ReadPending returns up to limit events awaiting publication, ordered by
// created_at with event_id as a stable tiebreaker (two rows can share a
// timestamp; the partial index this query uses is built over both
// columns) so that a single relay loop naturally preserves per-(tenant,
// kind) submission order.
func (s *Store) ReadPending(ctx context.Context, limit int) ([]Row, error) {
	const query = `
		SELECT event_id, tenant_id, kind, version, payload, status, retry_count,
		       error_message, claimed_at, published_at, failed_at, created_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at ASC, event_id ASC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: read pending: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox: scan pending row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ClaimForPublish atomically transitions a single pending row to
// publishing and returns it. The UPDATE's WHERE clause is the lock: two
// relay instances racing on the same row will have exactly one succeed,
// so the caller never holds a database transaction open across the
// network call to the stream transport.
func (s *Store) ClaimForPublish(ctx context.Context, eventID uuid.UUID) (*Row, error) {
	const query = `
		UPDATE outbox_events
		SET status = $1, claimed_at = $2
		WHERE event_id = $3 AND status = $4
		RETURNING event_id, tenant_id, kind, version, payload, status, retry_count,
		          error_message, claimed_at, published_at, failed_at, created_at
	`

	row := s.db.QueryRowContext(ctx, query, string(StatusPublishing), time.Now().UTC(), eventID, string(StatusPending))
	claimed, err := scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("outbox: claim %s: %w", eventID, err)
	}
	return &claimed, nil
}

// MarkPublished transitions a publishing row to published. The WHERE
// clause requires the row to still be in publishing: a reclaimed row
// (ReclaimStalePublishing put it back to pending, and some other relay
// instance may already be republishing it) must not be overwritten by a
// stale instance's belated MarkPublished for the same event_id.
func (s *Store) MarkPublished(ctx context.Context, eventID uuid.UUID) error {
	const query = `
		UPDATE outbox_events
		SET status = $1, published_at = $2
		WHERE event_id = $3 AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, string(StatusPublished), time.Now().UTC(), eventID, string(StatusPublishing))
	if err != nil {
		return fmt.Errorf("outbox: mark published %s: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox: mark published %s: %w", eventID, sql.ErrNoRows)
	}
	return nil
}

// MarkFailed records a publish failure. If retryCount (after increment)
// is still within maxRetries, the row is returned to pending so the relay
// picks it up again; otherwise it becomes terminally failed. Every step
// is scoped to status = publishing, same as MarkPublished, so a relay
// instance that stalled past ReclaimStalePublishing's timeout can't
// clobber a row another instance already reclaimed and republished.
func (s *Store) MarkFailed(ctx context.Context, eventID uuid.UUID, cause error, maxRetries int) error {
	const selectForUpdate = `SELECT retry_count FROM outbox_events WHERE event_id = $1 AND status = $2 FOR UPDATE`
	const updateRetry = `
		UPDATE outbox_events
		SET status = $1, retry_count = $2, error_message = $3
		WHERE event_id = $4 AND status = $5
	`
	const updateTerminal = `
		UPDATE outbox_events
		SET status = $1, retry_count = $2, error_message = $3, failed_at = $4
		WHERE event_id = $5 AND status = $6
	`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: mark failed %s: begin: %w", eventID, err)
	}
	defer tx.Rollback()

	var retryCount int
	if err := tx.QueryRowContext(ctx, selectForUpdate, eventID, string(StatusPublishing)).Scan(&retryCount); err != nil {
		return fmt.Errorf("outbox: mark failed %s: %w", eventID, err)
	}
	retryCount++

	msg := cause.Error()
	if retryCount <= maxRetries {
		if _, err := tx.ExecContext(ctx, updateRetry, string(StatusPending), retryCount, msg, eventID, string(StatusPublishing)); err != nil {
			return fmt.Errorf("outbox: mark failed %s: %w", eventID, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, updateTerminal, string(StatusFailed), retryCount, msg, time.Now().UTC(), eventID, string(StatusPublishing)); err != nil {
			return fmt.Errorf("outbox: mark failed %s: %w", eventID, err)
		}
		s.logger.Warnf("outbox event %s exhausted %d retries, parking as failed: %v", eventID, maxRetries, cause)
	}

	return tx.Commit()
}

// ReclaimStalePublishing returns publishing rows back to pending when they
// have been claimed for longer than timeout without being marked published
// or failed — the relay crashed or stalled mid-publish and another
// instance (or the same one, after restart) needs to retry them.
func (s *Store) ReclaimStalePublishing(ctx context.Context, timeout time.Duration) (int64, error) {
	const query = `
		UPDATE outbox_events
		SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < $3
	`
	res, err := s.db.ExecContext(ctx, query, string(StatusPending), string(StatusPublishing), time.Now().UTC().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("outbox: reclaim stale publishing rows: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(rs rowScanner) (Row, error) {
	var (
		row      Row
		kind     string
		payload  []byte
		status   string
		eventID  uuid.UUID
		tenantID uuid.UUID
	)

	if err := rs.Scan(
		&eventID, &tenantID, &kind, &row.Version, &payload, &status, &row.RetryCount,
		&row.ErrorMessage, &row.ClaimedAt, &row.PublishedAt, &row.FailedAt, &row.CreatedAt,
	); err != nil {
		return Row{}, err
	}

	row.EventID = eventID
	row.TenantID = tenantID
	row.Kind = events.Kind(kind)
	row.Payload = payload
	row.Status = Status(status)
	return row, nil
}