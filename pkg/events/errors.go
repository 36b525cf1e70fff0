package events

import "errors"

var (
	// ErrUnknownKind is returned when a Kind outside the registered set is
	// presented to New or ValidateForKind.
	ErrUnknownKind = errors.New("events: unknown event kind")

	// ErrInvalidPayload is returned when a payload fails its per-kind
	// validation. The underlying reason is wrapped, not replaced.
	ErrInvalidPayload = errors.New("events: invalid payload")

	// ErrMissingTenant is returned when a Record is constructed without a
	// tenant identity. Every event belongs to exactly one tenant.
	ErrMissingTenant = errors.New("events: tenant_id is required")
)
