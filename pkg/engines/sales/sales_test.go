package sales

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/procopio420/basecommerce/internal/common/logger"
)

func TestQuoteConvertedHandlerRecordsSale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenant := uuid.New()
	order := uuid.New()
	quote := uuid.New()
	client := uuid.New()
	product := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sales_records").
		WithArgs(sqlmock.AnyArg(), tenant, order, quote, client, "100.00").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	h := NewQuoteConvertedHandler(logger.New("test"))
	payload := []byte(`{"order_id":"` + order.String() + `","quote_id":"` + quote.String() + `","client_id":"` + client.String() + `","total_value":"100.00","items":[{"product_id":"` + product.String() + `","quantity":"1","unit_price":"100.00","total_value":"100.00"}]}`)

	err = h.Apply(context.Background(), tx, tenant, payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteConvertedHandlerRecordIDIsDeterministic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenant := uuid.New()
	order := uuid.New()
	quote := uuid.New()
	client := uuid.New()
	product := uuid.New()
	wantID := uuid.NewSHA1(salesRecordNamespace, []byte(order.String()+":"+quote.String()))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sales_records").
		WithArgs(wantID, tenant, order, quote, client, "100.00").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	h := NewQuoteConvertedHandler(logger.New("test"))
	payload := []byte(`{"order_id":"` + order.String() + `","quote_id":"` + quote.String() + `","client_id":"` + client.String() + `","total_value":"100.00","items":[{"product_id":"` + product.String() + `","quantity":"1","unit_price":"100.00","total_value":"100.00"}]}`)

	err = h.Apply(context.Background(), tx, tenant, payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteConvertedHandlerSkipsEmptyItems(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	h := NewQuoteConvertedHandler(logger.New("test"))
	payload := []byte(`{"order_id":"` + uuid.New().String() + `","quote_id":"` + uuid.New().String() + `","client_id":"` + uuid.New().String() + `","total_value":"0","items":[]}`)

	err = h.Apply(context.Background(), tx, uuid.New(), payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaleRecordedHandlerLogsConfirmation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	h := NewSaleRecordedHandler(logger.New("test"))
	order := uuid.New()
	product := uuid.New()
	payload := []byte(`{"order_id":"` + order.String() + `","delivered_at":"2026-01-01T00:00:00Z","total_value":"30.00","items":[{"product_id":"` + product.String() + `","quantity":"3","unit_price":"10.00","total_value":"30.00"}]}`)

	err = h.Apply(context.Background(), tx, uuid.New(), payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaleRecordedHandlerSkipsEmptyItems(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	h := NewSaleRecordedHandler(logger.New("test"))
	payload := []byte(`{"order_id":"` + uuid.New().String() + `","delivered_at":"2026-01-01T00:00:00Z","total_value":"0","items":[]}`)

	err = h.Apply(context.Background(), tx, uuid.New(), payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}
