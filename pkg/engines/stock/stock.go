// Package stock implements the Stock Intelligence Engine: the handler
// that keeps a running on-hand quantity per tenant/product in sync with
// recognized sales.
package stock

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
)

// SaleRecordedHandler decrements stock_facts for every line item on a
// recorded sale, creating the row on first reference. Quantity never goes
// negative: a sale that outruns recorded stock is a sign the stock record
// is behind, not that inventory should go negative, so it is floored at
// zero and logged as a warning for operator attention.
type SaleRecordedHandler struct {
	logger *logger.Logger
}

func NewSaleRecordedHandler(log *logger.Logger) *SaleRecordedHandler {
	return &SaleRecordedHandler{logger: log}
}

func (h *SaleRecordedHandler) Name() string { return "stock_intelligence.sale_recorded" }

func (h *SaleRecordedHandler) Apply(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
	p, err := events.DecodeSaleRecorded(payload)
	if err != nil {
		return err
	}
	if len(p.Items) == 0 {
		h.logger.Warnf("sale_recorded for order %s carries no items, nothing to adjust", p.OrderID)
		return nil
	}

	for _, item := range p.Items {
		if err := h.applyItem(ctx, tx, tenantID, p.OrderID, item); err != nil {
			return err
		}
	}
	return nil
}

func (h *SaleRecordedHandler) applyItem(ctx context.Context, tx *sql.Tx, tenantID, orderID uuid.UUID, item events.LineItem) error {
	const upsert = `
		INSERT INTO stock_facts (tenant_id, product_id, quantity, updated_at)
		VALUES ($1, $2, GREATEST(0, -($3)::numeric), now())
		ON CONFLICT (tenant_id, product_id) DO UPDATE
		SET quantity = GREATEST(0, stock_facts.quantity - ($3)::numeric),
		    updated_at = now()
		RETURNING quantity
	`

	var resulting string
	err := tx.QueryRowContext(ctx, upsert, tenantID, item.ProductID, item.Quantity).Scan(&resulting)
	if err != nil {
		return fmt.Errorf("stock: adjust product %s for order %s: %w", item.ProductID, orderID, err)
	}

	if resulting == "0" {
		h.logger.Warnf("stock for product %s floored at zero by order %s (tenant %s)", item.ProductID, orderID, tenantID)
	}
	return nil
}
