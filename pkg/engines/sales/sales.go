// Package sales implements the Sales Intelligence Engine: the handler
// that turns a converted quote into a durable sales record for
// downstream trend and association analysis.
package sales

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
)

// salesRecordNamespace seeds the deterministic record ID derived for every
// sales_records row: the same converted quote always maps to the same ID,
// so ON CONFLICT actually dedups a reapplied event rather than silently
// discarding a freshly randomized, never-repeating key.
var salesRecordNamespace = uuid.MustParse("7f6c9b9c-9e0e-4b0a-9e7d-6b4e9f3f9a11")

// QuoteConvertedHandler writes one sales_records row per converted quote.
// Computing buy-together statistics or other pattern analysis is explicitly
// out of scope here — this handler only lays down the raw fact a future
// analytics job would read.
type QuoteConvertedHandler struct {
	logger *logger.Logger
}

func NewQuoteConvertedHandler(log *logger.Logger) *QuoteConvertedHandler {
	return &QuoteConvertedHandler{logger: log}
}

func (h *QuoteConvertedHandler) Name() string { return "sales_intelligence.quote_converted" }

func (h *QuoteConvertedHandler) Apply(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
	p, err := events.DecodeQuoteConverted(payload)
	if err != nil {
		return err
	}
	if len(p.Items) == 0 {
		h.logger.Warnf("quote_converted for order %s carries no items, skipping", p.OrderID)
		return nil
	}

	recordID := uuid.NewSHA1(salesRecordNamespace, []byte(p.OrderID.String()+":"+p.QuoteID.String()))

	const insert = `
		INSERT INTO sales_records (event_id, tenant_id, order_id, quote_id, client_id, total_value, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, now())
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err = tx.ExecContext(ctx, insert, recordID, tenantID, p.OrderID, p.QuoteID, p.ClientID, p.TotalValue)
	if err != nil {
		return fmt.Errorf("sales: record order %s: %w", p.OrderID, err)
	}

	h.logger.Infof("sale recorded for order %s (quote %s, %d items)", p.OrderID, p.QuoteID, len(p.Items))
	return nil
}

// SaleRecordedHandler logs confirmation of a delivered sale. It writes
// nothing and does not look up the referenced order or its status; a
// payload with no items is logged and skipped rather than failing the
// delivery.
type SaleRecordedHandler struct {
	logger *logger.Logger
}

func NewSaleRecordedHandler(log *logger.Logger) *SaleRecordedHandler {
	return &SaleRecordedHandler{logger: log}
}

func (h *SaleRecordedHandler) Name() string { return "sales_intelligence.sale_recorded" }

func (h *SaleRecordedHandler) Apply(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
	p, err := events.DecodeSaleRecorded(payload)
	if err != nil {
		return err
	}
	if len(p.Items) == 0 {
		h.logger.Warnf("sale_recorded for order %s carries no items, skipping", p.OrderID)
		return nil
	}

	h.logger.Infof("delivered sale confirmed for order %s (tenant %s, %d items)", p.OrderID, tenantID, len(p.Items))
	return nil
}
