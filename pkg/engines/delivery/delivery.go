// Package delivery implements the Delivery & Fulfillment Engine: the
// handlers that track an order's delivery-planning lifecycle, from the
// converted quote through the moment it leaves for delivery.
package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
)

const statusOutForDelivery = "saiu_entrega"

// QuoteConvertedHandler stages a delivery_plans row as soon as an order
// exists, ahead of route planning. No routing happens here — only once
// the order's status reaches "saiu_entrega" does route planning trigger.
type QuoteConvertedHandler struct {
	logger *logger.Logger
}

func NewQuoteConvertedHandler(log *logger.Logger) *QuoteConvertedHandler {
	return &QuoteConvertedHandler{logger: log}
}

func (h *QuoteConvertedHandler) Name() string { return "delivery_fulfillment.quote_converted" }

func (h *QuoteConvertedHandler) Apply(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
	p, err := events.DecodeQuoteConverted(payload)
	if err != nil {
		return err
	}

	// order_status_changed for this order can arrive and be processed
	// first, since the two events travel on independent streams with no
	// ordering between them. When that happens this upsert must still
	// backfill work_id onto the row order_status_changed already
	// created, rather than no-op and leave work_id permanently NULL —
	// but it must never clobber a status order_status_changed already
	// advanced past "staged".
	const upsert = `
		INSERT INTO delivery_plans (order_id, tenant_id, work_id, status, updated_at)
		VALUES ($1, $2, $3, 'staged', now())
		ON CONFLICT (tenant_id, order_id) DO UPDATE
		SET work_id = COALESCE(delivery_plans.work_id, EXCLUDED.work_id)
	`
	if _, err := tx.ExecContext(ctx, upsert, p.OrderID, tenantID, p.WorkID); err != nil {
		return fmt.Errorf("delivery: stage order %s: %w", p.OrderID, err)
	}

	h.logger.Infof("order %s staged for delivery planning", p.OrderID)
	return nil
}

// OrderStatusChangedHandler tracks order status transitions into the
// delivery plan, and triggers route planning the instant an order reaches
// "saiu_entrega" — the one status this engine actively reacts to.
type OrderStatusChangedHandler struct {
	logger *logger.Logger
}

func NewOrderStatusChangedHandler(log *logger.Logger) *OrderStatusChangedHandler {
	return &OrderStatusChangedHandler{logger: log}
}

func (h *OrderStatusChangedHandler) Name() string { return "delivery_fulfillment.order_status_changed" }

func (h *OrderStatusChangedHandler) Apply(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
	p, err := events.DecodeOrderStatusChanged(payload)
	if err != nil {
		return err
	}

	const upsert = `
		INSERT INTO delivery_plans (order_id, tenant_id, status, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, order_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.ExecContext(ctx, upsert, p.OrderID, tenantID, p.NewStatus); err != nil {
		return fmt.Errorf("delivery: update order %s status: %w", p.OrderID, err)
	}

	if p.NewStatus == statusOutForDelivery {
		h.logger.Infof("order %s out for delivery, route planning triggered", p.OrderID)
	}
	return nil
}
