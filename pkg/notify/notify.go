// Package notify fans committed events out to a best-effort Kafka
// notification bus, separate from the authoritative Redis Streams
// delivery path. Nothing downstream depends on these messages for
// correctness — consumers rebuild state from the ledger and outbox, not
// from this topic — so a lost or duplicate notification is harmless.
package notify

import (
	"context"
	"time"

	"github.com/procopio420/basecommerce/internal/common/kafka"
	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
)

// producer is the slice of *kafka.Producer the notifier depends on.
type producer interface {
	PublishEvent(ctx context.Context, topic string, key string, event interface{}) error
}

// notification is the wire shape published to the notification topic:
// enough for an external subscriber (dashboards, alerting) to know what
// happened without replaying the full payload contract.
type notification struct {
	EventID     string    `json:"event_id"`
	TenantID    string    `json:"tenant_id"`
	Kind        string    `json:"kind"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Notifier publishes a fire-and-forget summary of every successfully
// processed event to a shared Kafka topic.
type Notifier struct {
	producer producer
	topic    string
	logger   *logger.Logger
}

func New(p *kafka.Producer, topic string, log *logger.Logger) *Notifier {
	return &Notifier{producer: p, topic: topic, logger: log}
}

// Notify publishes rec to the notification topic, keyed by tenant so a
// single partition carries one tenant's ordering. Failures are logged and
// swallowed: this bus is advisory, not part of the delivery guarantee.
func (n *Notifier) Notify(ctx context.Context, rec events.Record) {
	msg := notification{
		EventID:     rec.EventID.String(),
		TenantID:    rec.TenantID.String(),
		Kind:        string(rec.Kind),
		ProcessedAt: time.Now().UTC(),
	}
	if err := n.producer.PublishEvent(ctx, n.topic, rec.TenantID.String(), msg); err != nil {
		n.logger.Warnf("notify: failed to publish notification for event %s: %v", rec.EventID, err)
	}
}
