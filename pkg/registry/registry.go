// Package registry holds the explicit mapping from event kind to the
// ordered set of handlers that apply it. The registry is built once at
// process startup by explicit Register calls and frozen before the
// consumer starts dispatching — there is no package-import side effect
// that silently wires a handler in.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/procopio420/basecommerce/pkg/events"
)

// Handler applies one engine's business effect for a single event,
// within tx. Returning an error aborts tx; the caller (the consumer) owns
// commit/rollback, not the handler.
type Handler interface {
	// Name identifies the handler for logging and dead-letter diagnostics.
	Name() string
	Apply(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error
}

func (f HandlerFunc) Name() string { return f.HandlerName }

func (f HandlerFunc) Apply(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, payload json.RawMessage) error {
	return f.Fn(ctx, tx, tenantID, payload)
}

// Registry maps an event kind to the ordered handlers that process it.
// Handlers for the same kind run in registration order, all within the
// same transaction; any failure aborts the whole delivery.
type Registry struct {
	mu       sync.RWMutex
	handlers map[events.Kind][]Handler
	frozen   bool
}

func New() *Registry {
	return &Registry{handlers: make(map[events.Kind][]Handler)}
}

// Register adds handler to the ordered list for kind. It panics if called
// after Freeze: registration only happens during process startup, and a
// post-freeze call is a programming error, not a runtime condition to
// handle gracefully.
func (r *Registry) Register(kind events.Kind, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("registry: Register(%s, %s) called after Freeze", kind, handler.Name()))
	}
	if !kind.Valid() {
		panic(fmt.Sprintf("registry: Register called with unknown kind %q", kind))
	}
	r.handlers[kind] = append(r.handlers[kind], handler)
}

// Freeze closes the registry to further registration. Call this once,
// after every Register call in main has run and before the
// consumer starts its dispatch loop.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// HandlersFor returns the ordered handlers registered for kind. The
// returned slice is never mutated by the registry after Freeze, so
// callers may hold onto it across a delivery.
func (r *Registry) HandlersFor(kind events.Kind) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
