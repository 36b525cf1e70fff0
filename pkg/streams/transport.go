// Package streams carries published events from the relay to engine
// consumers over Redis Streams: one stream per event kind, shared by every
// tenant, with a consumer group per engine driving at-least-once delivery.
package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
)

// payloadField is the single field every stream entry carries: the
// canonical JSON wire form of an events.Record. Keeping one field instead
// of one-per-Record-field means the transport never has to know about
// payload shape changes.
const payloadField = "record"

// Delivery is one message read off a stream, still unacknowledged.
type Delivery struct {
	ID     string
	Record events.Record
}

// redisStreamsClient is the slice of the go-redis/v8 surface the
// transport depends on. Narrowing to an interface keeps Transport
// testable against a fake without a live Redis server or broker.
type redisStreamsClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Transport wraps a Redis client with the stream operations the relay and
// the consumer need. It never buffers or retries on its own — callers
// decide retry and backoff policy.
type Transport struct {
	client redisStreamsClient
	logger *logger.Logger
}

func NewTransport(client *redis.Client, log *logger.Logger) *Transport {
	return &Transport{client: client, logger: log}
}

// EnsureGroup creates group on the stream for kind, creating the stream
// itself if it doesn't exist yet. "BUSYGROUP" (group already exists) is
// not an error — every relay/consumer instance calls this on startup.
func (t *Transport) EnsureGroup(ctx context.Context, kind events.Kind, group string) error {
	err := t.client.XGroupCreateMkStream(ctx, kind.StreamName(), group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("streams: ensure group %s on %s: %w", group, kind.StreamName(), err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Publish appends rec to the stream for its kind and returns the assigned
// stream entry ID. Publication is synchronous: the caller (the relay)
// learns immediately whether the append succeeded and marks the outbox
// row accordingly.
func (t *Transport) Publish(ctx context.Context, rec events.Record) (string, error) {
	wire, err := events.Encode(rec)
	if err != nil {
		return "", fmt.Errorf("streams: encode record %s: %w", rec.EventID, err)
	}

	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: rec.Kind.StreamName(),
		Values: map[string]interface{}{payloadField: string(wire)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("streams: publish %s to %s: %w", rec.EventID, rec.Kind.StreamName(), err)
	}
	return id, nil
}

// Read fetches up to count new (never-delivered) messages for consumer in
// group, blocking for up to block waiting for at least one to arrive.
func (t *Transport) Read(ctx context.Context, kind events.Kind, group, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{kind.StreamName(), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("streams: read %s: %w", kind.StreamName(), err)
	}
	return t.toDeliveries(ctx, kind, group, streams)
}

// ReadOwnPending re-reads messages already delivered to consumer but never
// acknowledged — the recovery path for a process that crashed mid-handler
// and is now restarting under the same consumer name.
func (t *Transport) ReadOwnPending(ctx context.Context, kind events.Kind, group, consumer string, count int64) ([]Delivery, error) {
	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{kind.StreamName(), "0"},
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("streams: read own pending %s: %w", kind.StreamName(), err)
	}
	return t.toDeliveries(ctx, kind, group, streams)
}

// ClaimStale reassigns messages idle for at least minIdle in group to
// consumer, so a crashed peer's undelivered-but-unacknowledged work is
// eventually picked up by someone else.
func (t *Transport) ClaimStale(ctx context.Context, kind events.Kind, group, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: kind.StreamName(),
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("streams: inspect pending %s: %w", kind.StreamName(), err)
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	messages, err := t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   kind.StreamName(),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("streams: claim stale %s: %w", kind.StreamName(), err)
	}

	out := make([]Delivery, 0, len(messages))
	for _, msg := range messages {
		d, err := t.parseMessage(msg)
		if err != nil {
			t.ackUnparseable(ctx, kind, group, msg.ID, err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Ack acknowledges ids in group on the stream for kind, removing them from
// the group's pending entries list. The consumer calls it once an event's
// ledger row has committed, or once it has settled that the entry needs no
// further delivery (already processed, no handlers registered for its
// kind, or parked in the dead-letter store).
func (t *Transport) Ack(ctx context.Context, kind events.Kind, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.client.XAck(ctx, kind.StreamName(), group, ids...).Err(); err != nil {
		return fmt.Errorf("streams: ack %v on %s: %w", ids, kind.StreamName(), err)
	}
	return nil
}

func (t *Transport) toDeliveries(ctx context.Context, kind events.Kind, group string, streams []redis.XStream) ([]Delivery, error) {
	var out []Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			d, err := t.parseMessage(msg)
			if err != nil {
				t.ackUnparseable(ctx, kind, group, msg.ID, err)
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// ackUnparseable acknowledges a message this transport can never turn
// into a Delivery, so it leaves the group's pending entries list instead
// of being re-claimed and failing to parse forever. A redelivery count or
// a dead-letter record isn't available at this layer (it has no tx, no
// tenant, nothing a consumer's dead-letter store needs) — the message is
// unreadable, not a handler failure, so the best this layer can do is log
// it loudly and stop redelivering it.
func (t *Transport) ackUnparseable(ctx context.Context, kind events.Kind, group, id string, cause error) {
	t.logger.Errorf("streams: dropping unparseable message %s on %s: %v", id, kind.StreamName(), cause)
	if err := t.client.XAck(ctx, kind.StreamName(), group, id).Err(); err != nil {
		t.logger.Errorf("streams: failed to ack unparseable message %s on %s: %v", id, kind.StreamName(), err)
	}
}

func (t *Transport) parseMessage(msg redis.XMessage) (Delivery, error) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return Delivery{}, fmt.Errorf("message %s missing %q field", msg.ID, payloadField)
	}
	s, ok := raw.(string)
	if !ok {
		return Delivery{}, fmt.Errorf("message %s field %q is not a string", msg.ID, payloadField)
	}

	rec, err := events.Decode([]byte(s))
	if err != nil {
		return Delivery{}, fmt.Errorf("message %s: %w", msg.ID, err)
	}

	return Delivery{ID: msg.ID, Record: rec}, nil
}
