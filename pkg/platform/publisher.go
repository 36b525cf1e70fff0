// Package platform exposes the one entrypoint a vertical's application
// code uses to emit a business event: construct it and stage it in the
// outbox, atomically with whatever else the caller's transaction does.
package platform

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procopio420/basecommerce/pkg/events"
	"github.com/procopio420/basecommerce/pkg/outbox"
)

// Publisher is the facade a vertical's services depend on. It never talks
// to the stream transport directly — that is the relay's job, running
// asynchronously against the rows Publisher stages.
type Publisher struct {
	store *outbox.Store
	now   func() time.Time
}

// NewPublisher builds a Publisher backed by store. now defaults to
// time.Now; tests may override it for deterministic timestamps.
func NewPublisher(store *outbox.Store) *Publisher {
	return &Publisher{store: store, now: time.Now}
}

// Publish constructs a Record of kind for tenantID from payload and
// appends it to the outbox within tx. The caller must commit tx together
// with the rest of its business transaction: that commit is what makes
// the write and the event visible atomically.
func (p *Publisher) Publish(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, kind events.Kind, payload json.RawMessage) (events.Record, error) {
	if tx == nil {
		return events.Record{}, fmt.Errorf("platform: publish %s: %w", kind, outbox.ErrTransactionRequired)
	}

	rec, err := events.New(tenantID, kind, payload, p.now())
	if err != nil {
		return events.Record{}, fmt.Errorf("platform: publish %s: %w", kind, err)
	}

	if err := p.store.Append(ctx, tx, rec); err != nil {
		return events.Record{}, fmt.Errorf("platform: publish %s: %w", kind, err)
	}

	return rec, nil
}
