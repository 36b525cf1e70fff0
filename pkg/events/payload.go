package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Payload is implemented by every typed per-kind payload. Validate checks
// the fields the platform itself depends on (identity, measurements); it
// does not attempt to enforce vertical-specific business rules.
type Payload interface {
	Validate() error
}

// LineItem mirrors the {product, quantity, unit_price, total} shape shared
// by quote_created, quote_converted, and sale_recorded payloads. Quantities
// and monetary amounts are carried as strings, exactly as the originating
// vertical emits them, so the platform never performs lossy float
// conversions on values it doesn't own.
type LineItem struct {
	ProductID  uuid.UUID `json:"product_id"`
	Quantity   string    `json:"quantity"`
	UnitPrice  string    `json:"unit_price"`
	TotalValue string    `json:"total_value"`
}

func (li LineItem) validate() error {
	if li.ProductID == uuid.Nil {
		return fmt.Errorf("line item: product_id is required")
	}
	if li.Quantity == "" {
		return fmt.Errorf("line item: quantity is required")
	}
	if li.TotalValue == "" {
		return fmt.Errorf("line item: total_value is required")
	}
	return nil
}

// QuoteCreatedPayload is the version "1.0" schema for KindQuoteCreated.
type QuoteCreatedPayload struct {
	QuoteID  uuid.UUID  `json:"quote_id"`
	ClientID uuid.UUID  `json:"client_id"`
	Items    []LineItem `json:"items"`
}

func (p QuoteCreatedPayload) Validate() error {
	if p.QuoteID == uuid.Nil {
		return fmt.Errorf("quote_created: quote_id is required")
	}
	if p.ClientID == uuid.Nil {
		return fmt.Errorf("quote_created: client_id is required")
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("quote_created: at least one item is required")
	}
	for _, item := range p.Items {
		if err := item.validate(); err != nil {
			return fmt.Errorf("quote_created: %w", err)
		}
	}
	return nil
}

// QuoteConvertedPayload is the version "1.0" schema for KindQuoteConverted.
type QuoteConvertedPayload struct {
	QuoteID     uuid.UUID  `json:"quote_id"`
	OrderID     uuid.UUID  `json:"order_id"`
	ClientID    uuid.UUID  `json:"client_id"`
	WorkID      *uuid.UUID `json:"work_id,omitempty"`
	UserID      uuid.UUID  `json:"user_id"`
	TotalValue  string     `json:"total_value"`
	ConvertedAt string     `json:"converted_at"`
	Items       []LineItem `json:"items"`
}

func (p QuoteConvertedPayload) Validate() error {
	if p.QuoteID == uuid.Nil {
		return fmt.Errorf("quote_converted: quote_id is required")
	}
	if p.OrderID == uuid.Nil {
		return fmt.Errorf("quote_converted: order_id is required")
	}
	if p.ClientID == uuid.Nil {
		return fmt.Errorf("quote_converted: client_id is required")
	}
	if p.TotalValue == "" {
		return fmt.Errorf("quote_converted: total_value is required")
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("quote_converted: at least one item is required")
	}
	for _, item := range p.Items {
		if err := item.validate(); err != nil {
			return fmt.Errorf("quote_converted: %w", err)
		}
	}
	return nil
}

// SaleRecordedPayload is the version "1.0" schema for KindSaleRecorded.
type SaleRecordedPayload struct {
	OrderID     uuid.UUID  `json:"order_id"`
	QuoteID     *uuid.UUID `json:"quote_id,omitempty"`
	ClientID    uuid.UUID  `json:"client_id"`
	WorkID      *uuid.UUID `json:"work_id,omitempty"`
	DeliveredAt string     `json:"delivered_at"`
	TotalValue  string     `json:"total_value"`
	Items       []LineItem `json:"items"`
}

func (p SaleRecordedPayload) Validate() error {
	if p.OrderID == uuid.Nil {
		return fmt.Errorf("sale_recorded: order_id is required")
	}
	if p.DeliveredAt == "" {
		return fmt.Errorf("sale_recorded: delivered_at is required")
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("sale_recorded: at least one item is required")
	}
	for _, item := range p.Items {
		if err := item.validate(); err != nil {
			return fmt.Errorf("sale_recorded: %w", err)
		}
	}
	return nil
}

// OrderStatusChangedPayload is the version "1.0" schema for KindOrderStatusChanged.
type OrderStatusChangedPayload struct {
	OrderID   uuid.UUID  `json:"order_id"`
	OldStatus string     `json:"old_status"`
	NewStatus string     `json:"new_status"`
	ChangedAt string     `json:"changed_at"`
	ChangedBy *uuid.UUID `json:"changed_by,omitempty"`
}

func (p OrderStatusChangedPayload) Validate() error {
	if p.OrderID == uuid.Nil {
		return fmt.Errorf("order_status_changed: order_id is required")
	}
	if p.NewStatus == "" {
		return fmt.Errorf("order_status_changed: new_status is required")
	}
	if p.OldStatus == p.NewStatus {
		return fmt.Errorf("order_status_changed: old_status and new_status must differ")
	}
	return nil
}

// RawPayload carries kind = product_price_updated and stock_updated, whose
// shape is reserved for the consuming engine (spec.md §6). The platform
// only validates that it is non-empty, self-describing JSON.
type RawPayload json.RawMessage

func (p RawPayload) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("reserved payload: must not be empty")
	}
	if !json.Valid(p) {
		return fmt.Errorf("reserved payload: not valid JSON")
	}
	return nil
}

func (p RawPayload) MarshalJSON() ([]byte, error) {
	return json.RawMessage(p).MarshalJSON()
}

func (p *RawPayload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

// DecodeQuoteCreated decodes the typed payload for a quote_created event.
// Unknown fields present in raw are not reported as an error: the caller
// keeps the original raw bytes for forward-compatible round-tripping, and
// this only extracts the fields the platform understands.
func DecodeQuoteCreated(raw json.RawMessage) (QuoteCreatedPayload, error) {
	var p QuoteCreatedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode quote_created payload: %w", err)
	}
	return p, nil
}

// DecodeQuoteConverted decodes the typed payload for a quote_converted event.
func DecodeQuoteConverted(raw json.RawMessage) (QuoteConvertedPayload, error) {
	var p QuoteConvertedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode quote_converted payload: %w", err)
	}
	return p, nil
}

// DecodeSaleRecorded decodes the typed payload for a sale_recorded event.
func DecodeSaleRecorded(raw json.RawMessage) (SaleRecordedPayload, error) {
	var p SaleRecordedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode sale_recorded payload: %w", err)
	}
	return p, nil
}

// DecodeOrderStatusChanged decodes the typed payload for an order_status_changed event.
func DecodeOrderStatusChanged(raw json.RawMessage) (OrderStatusChangedPayload, error) {
	var p OrderStatusChangedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode order_status_changed payload: %w", err)
	}
	return p, nil
}

// ValidateForKind type-checks and validates payload against the schema
// registered for kind. Unrecognized kinds are rejected by the caller
// before this is reached (see New).
func ValidateForKind(kind Kind, raw json.RawMessage) error {
	switch kind {
	case KindQuoteCreated:
		p, err := DecodeQuoteCreated(raw)
		if err != nil {
			return err
		}
		return p.Validate()
	case KindQuoteConverted:
		p, err := DecodeQuoteConverted(raw)
		if err != nil {
			return err
		}
		return p.Validate()
	case KindSaleRecorded:
		p, err := DecodeSaleRecorded(raw)
		if err != nil {
			return err
		}
		return p.Validate()
	case KindOrderStatusChanged:
		p, err := DecodeOrderStatusChanged(raw)
		if err != nil {
			return err
		}
		return p.Validate()
	case KindProductPriceUpdated, KindStockUpdated:
		return RawPayload(raw).Validate()
	default:
		return ErrUnknownKind
	}
}
