package deadletter

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
)

func TestRecordInsertsParkedEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, logger.New("test"))

	eventID := uuid.New()
	tenantID := uuid.New()
	payload := []byte(`{"order_id":"` + uuid.New().String() + `"}`)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO dead_letter_events`)).
		WithArgs(eventID, tenantID, string(events.KindOrderStatusChanged), "handler exhausted retries", payload, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Record(context.Background(), eventID, tenantID, events.KindOrderStatusChanged, "handler exhausted retries", payload)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountReturnsRowCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, logger.New("test"))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM dead_letter_events`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
