package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
	"github.com/procopio420/basecommerce/pkg/registry"
	"github.com/procopio420/basecommerce/pkg/streams"
)

type fakeTransport struct {
	acked []string
}

func (f *fakeTransport) Read(ctx context.Context, kind events.Kind, group, consumer string, count int64, block time.Duration) ([]streams.Delivery, error) {
	return nil, nil
}

func (f *fakeTransport) ReadOwnPending(ctx context.Context, kind events.Kind, group, consumer string, count int64) ([]streams.Delivery, error) {
	return nil, nil
}

func (f *fakeTransport) ClaimStale(ctx context.Context, kind events.Kind, group, consumer string, minIdle time.Duration, count int64) ([]streams.Delivery, error) {
	return nil, nil
}

func (f *fakeTransport) Ack(ctx context.Context, kind events.Kind, group string, ids ...string) error {
	f.acked = append(f.acked, ids...)
	return nil
}

type fakeLedger struct {
	processed        map[uuid.UUID]bool
	recordErr        error
	recordedEventID  uuid.UUID
	committedEventID uuid.UUID
}

func (f *fakeLedger) WasProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	return f.processed[eventID], nil
}

func (f *fakeLedger) RecordProcessed(ctx context.Context, tx *sql.Tx, eventID, tenantID uuid.UUID, kind events.Kind, result json.RawMessage) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recordedEventID = eventID
	return nil
}

func (f *fakeLedger) MarkCommitted(ctx context.Context, eventID uuid.UUID) {
	f.committedEventID = eventID
}

type fakeRegistry struct {
	handlers []registry.Handler
}

func (f *fakeRegistry) HandlersFor(kind events.Kind) []registry.Handler {
	return f.handlers
}

type fakeDeadLetter struct {
	recorded []uuid.UUID
}

func (f *fakeDeadLetter) Record(ctx context.Context, eventID, tenantID uuid.UUID, kind events.Kind, reason string, payload json.RawMessage) error {
	f.recorded = append(f.recorded, eventID)
	return nil
}

func sampleDelivery(t *testing.T) streams.Delivery {
	t.Helper()
	payload := []byte(`{"order_id":"` + uuid.New().String() + `","old_status":"em_producao","new_status":"saiu_entrega","changed_at":"2026-01-01T00:00:00Z"}`)
	rec, err := events.New(uuid.New(), events.KindOrderStatusChanged, payload, time.Now())
	require.NoError(t, err)
	return streams.Delivery{ID: "1-1", Record: rec}
}

func testConfig() Config {
	return Config{
		GroupName:       "stock-intelligence",
		ConsumerName:    "worker-1",
		BatchSize:       10,
		HandlerDeadline: 5 * time.Second,
		MaxAttempts:     3,
	}
}

func TestDispatchSkipsAlreadyProcessed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := sampleDelivery(t)
	ledger := &fakeLedger{processed: map[uuid.UUID]bool{d.Record.EventID: true}}
	tr := &fakeTransport{}
	reg := &fakeRegistry{}
	dl := &fakeDeadLetter{}

	c := New(db, tr, ledger, reg, dl, testConfig(), logger.New("test"))
	c.dispatch(context.Background(), events.KindOrderStatusChanged, d)

	assert.Contains(t, tr.acked, d.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchAcksWithoutRecordingWhenNoHandlersRegistered(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := sampleDelivery(t)
	ledger := &fakeLedger{processed: map[uuid.UUID]bool{}}
	tr := &fakeTransport{}
	reg := &fakeRegistry{} // no handlers registered for this kind
	dl := &fakeDeadLetter{}

	c := New(db, tr, ledger, reg, dl, testConfig(), logger.New("test"))
	c.dispatch(context.Background(), events.KindOrderStatusChanged, d)

	assert.Contains(t, tr.acked, d.ID)
	assert.Equal(t, uuid.Nil, ledger.recordedEventID)
	assert.Equal(t, uuid.Nil, ledger.committedEventID)
	assert.Empty(t, dl.recorded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchAppliesHandlersAndRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	d := sampleDelivery(t)
	applied := false
	handler := registry.HandlerFunc{
		HandlerName: "delivery-planner",
		Fn: func(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
			applied = true
			return nil
		},
	}

	ledger := &fakeLedger{processed: map[uuid.UUID]bool{}}
	tr := &fakeTransport{}
	reg := &fakeRegistry{handlers: []registry.Handler{handler}}
	dl := &fakeDeadLetter{}

	c := New(db, tr, ledger, reg, dl, testConfig(), logger.New("test"))
	c.dispatch(context.Background(), events.KindOrderStatusChanged, d)

	assert.True(t, applied)
	assert.Equal(t, d.Record.EventID, ledger.recordedEventID)
	assert.Equal(t, d.Record.EventID, ledger.committedEventID)
	assert.Contains(t, tr.acked, d.ID)
	assert.Empty(t, dl.recorded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchDoesNotMarkCommittedWhenCommitFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	d := sampleDelivery(t)
	handler := registry.HandlerFunc{
		HandlerName: "delivery-planner",
		Fn: func(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
			return nil
		},
	}

	ledger := &fakeLedger{processed: map[uuid.UUID]bool{}}
	tr := &fakeTransport{}
	reg := &fakeRegistry{handlers: []registry.Handler{handler}}
	dl := &fakeDeadLetter{}

	c := New(db, tr, ledger, reg, dl, testConfig(), logger.New("test"))
	c.dispatch(context.Background(), events.KindOrderStatusChanged, d)

	assert.Equal(t, uuid.Nil, ledger.committedEventID)
	assert.Empty(t, tr.acked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchRetriesHandlerFailureBelowMaxAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	d := sampleDelivery(t)
	handler := registry.HandlerFunc{
		HandlerName: "delivery-planner",
		Fn: func(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
			return errors.New("downstream unavailable")
		},
	}

	ledger := &fakeLedger{processed: map[uuid.UUID]bool{}}
	tr := &fakeTransport{}
	reg := &fakeRegistry{handlers: []registry.Handler{handler}}
	dl := &fakeDeadLetter{}

	cfg := testConfig()
	cfg.MaxAttempts = 3
	c := New(db, tr, ledger, reg, dl, cfg, logger.New("test"))
	c.dispatch(context.Background(), events.KindOrderStatusChanged, d)

	assert.Empty(t, tr.acked)
	assert.Empty(t, dl.recorded)
	assert.Equal(t, 1, c.attempts[d.ID])
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeMetrics struct {
	incremented []string
}

func (f *fakeMetrics) IncrementDeliveryAttempts(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.incremented = append(f.incremented, key)
	return int64(len(f.incremented)), nil
}

type fakeNotifier struct {
	notified []uuid.UUID
}

func (f *fakeNotifier) Notify(ctx context.Context, rec events.Record) {
	f.notified = append(f.notified, rec.EventID)
}

func TestWithAttemptMetricsReportsOnFailureNotSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	d := sampleDelivery(t)
	handler := registry.HandlerFunc{
		HandlerName: "delivery-planner",
		Fn: func(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
			return errors.New("downstream unavailable")
		},
	}

	ledger := &fakeLedger{processed: map[uuid.UUID]bool{}}
	tr := &fakeTransport{}
	reg := &fakeRegistry{handlers: []registry.Handler{handler}}
	dl := &fakeDeadLetter{}
	metrics := &fakeMetrics{}

	c := New(db, tr, ledger, reg, dl, testConfig(), logger.New("test")).WithAttemptMetrics(metrics)
	c.dispatch(context.Background(), events.KindOrderStatusChanged, d)

	assert.Contains(t, metrics.incremented, d.Record.EventID.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithNotifierFiresOnlyAfterSuccessfulCommit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	d := sampleDelivery(t)
	handler := registry.HandlerFunc{
		HandlerName: "delivery-planner",
		Fn: func(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
			return nil
		},
	}

	ledger := &fakeLedger{processed: map[uuid.UUID]bool{}}
	tr := &fakeTransport{}
	reg := &fakeRegistry{handlers: []registry.Handler{handler}}
	dl := &fakeDeadLetter{}
	notifier := &fakeNotifier{}

	c := New(db, tr, ledger, reg, dl, testConfig(), logger.New("test")).WithNotifier(notifier)
	c.dispatch(context.Background(), events.KindOrderStatusChanged, d)

	assert.Contains(t, notifier.notified, d.Record.EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchDeadLettersAfterMaxAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	d := sampleDelivery(t)
	handler := registry.HandlerFunc{
		HandlerName: "delivery-planner",
		Fn: func(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
			return errors.New("downstream unavailable")
		},
	}

	ledger := &fakeLedger{processed: map[uuid.UUID]bool{}}
	tr := &fakeTransport{}
	reg := &fakeRegistry{handlers: []registry.Handler{handler}}
	dl := &fakeDeadLetter{}

	cfg := testConfig()
	cfg.MaxAttempts = 3
	c := New(db, tr, ledger, reg, dl, cfg, logger.New("test"))

	for i := 0; i < 3; i++ {
		c.dispatch(context.Background(), events.KindOrderStatusChanged, d)
	}

	assert.Contains(t, dl.recorded, d.Record.EventID)
	assert.Contains(t, tr.acked, d.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
