package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the payload schema version stamped on every Record
// produced by New. Engines may reject or branch on versions they don't
// recognize; the platform never rewrites a stored version in place.
const SchemaVersion = "1.0"

// Record is the durable, wire-transmissible representation of a single
// business fact. Payload is kept as raw JSON rather than a typed struct so
// that decode(encode(r)) keeps every payload field regardless of which
// fields a particular reader understands; encoding compacts the payload's
// whitespace, so the round trip preserves its JSON value, not its exact
// bytes (see ValidateForKind and the Decode* helpers in payload.go for
// typed access).
type Record struct {
	EventID   uuid.UUID       `json:"event_id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	Kind      Kind            `json:"kind"`
	Version   string          `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds a Record for kind, validating both the kind and the payload
// against the schema registered for it. CreatedAt is stamped by the
// caller-supplied now so construction stays deterministic in tests.
func New(tenantID uuid.UUID, kind Kind, payload json.RawMessage, now time.Time) (Record, error) {
	if tenantID == uuid.Nil {
		return Record{}, ErrMissingTenant
	}
	if !kind.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := ValidateForKind(kind, payload); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return Record{}, fmt.Errorf("events: generate event id: %w", err)
	}

	// Copy the payload so later mutation of the caller's slice can't leak
	// into the record that gets persisted.
	raw := make(json.RawMessage, len(payload))
	copy(raw, payload)

	return Record{
		EventID:   id,
		TenantID:  tenantID,
		Kind:      kind,
		Version:   SchemaVersion,
		Payload:   raw,
		CreatedAt: now.UTC(),
	}, nil
}

// Encode renders r as the canonical wire representation carried on Redis
// Streams and in the outbox payload column.
func Encode(r Record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("events: encode record: %w", err)
	}
	return b, nil
}

// Decode parses the canonical wire representation produced by Encode.
// decode(encode(r)) reproduces r's fields, including any payload fields
// this build of the platform doesn't itself interpret (the payload's JSON
// value is kept; its whitespace is compacted by Encode).
func Decode(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("events: decode record: %w", err)
	}
	return r, nil
}
