package streams

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/pkg/events"
)

// fakeClient implements redisStreamsClient without touching a real Redis
// server, mirroring the adapter-over-interface shape used elsewhere in the
// example corpus for Redis Streams testing.
type fakeClient struct {
	addedStream string
	addedValues map[string]interface{}
	addErr      error
	addID       string

	groupErr error

	readResult []redis.XStream
	readErr    error

	pendingResult []redis.XPendingExt
	pendingErr    error

	claimResult []redis.XMessage
	claimErr    error

	ackedStream string
	ackedGroup  string
	ackedIDs    []string
	ackErr      error
}

func (f *fakeClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.groupErr != nil {
		cmd.SetErr(f.groupErr)
	}
	return cmd
}

func (f *fakeClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.addedStream = a.Stream
	f.addedValues = a.Values.(map[string]interface{})
	cmd := redis.NewStringCmd(ctx)
	if f.addErr != nil {
		cmd.SetErr(f.addErr)
	} else {
		cmd.SetVal(f.addID)
	}
	return cmd
}

func (f *fakeClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	if f.readErr != nil {
		cmd.SetErr(f.readErr)
	} else {
		cmd.SetVal(f.readResult)
	}
	return cmd
}

func (f *fakeClient) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	cmd := redis.NewXPendingExtCmd(ctx)
	if f.pendingErr != nil {
		cmd.SetErr(f.pendingErr)
	} else {
		cmd.SetVal(f.pendingResult)
	}
	return cmd
}

func (f *fakeClient) XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd {
	cmd := redis.NewXMessageSliceCmd(ctx)
	if f.claimErr != nil {
		cmd.SetErr(f.claimErr)
	} else {
		cmd.SetVal(f.claimResult)
	}
	return cmd
}

func (f *fakeClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.ackedStream = stream
	f.ackedGroup = group
	f.ackedIDs = ids
	cmd := redis.NewIntCmd(ctx)
	if f.ackErr != nil {
		cmd.SetErr(f.ackErr)
	} else {
		cmd.SetVal(int64(len(ids)))
	}
	return cmd
}

func newTransport(fc *fakeClient) *Transport {
	return &Transport{client: fc, logger: logger.New("test")}
}

func sampleStreamRecord(t *testing.T) events.Record {
	t.Helper()
	payload := []byte(`{"order_id":"` + uuid.New().String() + `","old_status":"em_producao","new_status":"saiu_entrega","changed_at":"2026-01-01T00:00:00Z"}`)
	rec, err := events.New(uuid.New(), events.KindOrderStatusChanged, payload, time.Now())
	require.NoError(t, err)
	return rec
}

func TestPublishEncodesAndAddsToKindStream(t *testing.T) {
	fc := &fakeClient{addID: "1700000000000-0"}
	transport := newTransport(fc)

	rec := sampleStreamRecord(t)
	id, err := transport.Publish(context.Background(), rec)

	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", id)
	assert.Equal(t, rec.Kind.StreamName(), fc.addedStream)
	assert.Contains(t, fc.addedValues[payloadField], rec.EventID.String())
}

func TestEnsureGroupIgnoresBusyGroup(t *testing.T) {
	fc := &fakeClient{groupErr: errBusyGroup{}}
	transport := newTransport(fc)

	err := transport.EnsureGroup(context.Background(), events.KindSaleRecorded, "stock-intelligence")
	assert.NoError(t, err)
}

type errBusyGroup struct{}

func (errBusyGroup) Error() string { return "BUSYGROUP Consumer Group name already exists" }

func TestReadParsesDeliveredMessages(t *testing.T) {
	rec := sampleStreamRecord(t)
	wire, err := events.Encode(rec)
	require.NoError(t, err)

	fc := &fakeClient{
		readResult: []redis.XStream{
			{
				Stream: rec.Kind.StreamName(),
				Messages: []redis.XMessage{
					{ID: "1-1", Values: map[string]interface{}{payloadField: string(wire)}},
				},
			},
		},
	}
	transport := newTransport(fc)

	deliveries, err := transport.Read(context.Background(), rec.Kind, "group", "consumer-1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "1-1", deliveries[0].ID)
	assert.Equal(t, rec.EventID, deliveries[0].Record.EventID)
}

func TestReadSkipsUnparseableMessages(t *testing.T) {
	fc := &fakeClient{
		readResult: []redis.XStream{
			{
				Stream: "sale_recorded",
				Messages: []redis.XMessage{
					{ID: "1-1", Values: map[string]interface{}{"unexpected_field": "x"}},
				},
			},
		},
	}
	transport := newTransport(fc)

	deliveries, err := transport.Read(context.Background(), events.KindSaleRecorded, "group", "consumer-1", 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	// An unparseable message is acked immediately rather than left
	// pending: nothing about retrying would ever make it parse.
	assert.Equal(t, []string{"1-1"}, fc.ackedIDs)
	assert.Equal(t, "group", fc.ackedGroup)
}

func TestClaimStaleOnlyClaimsIdleEnough(t *testing.T) {
	fc := &fakeClient{
		pendingResult: []redis.XPendingExt{
			{ID: "1-1", Idle: 5 * time.Minute},
			{ID: "1-2", Idle: 1 * time.Second},
		},
	}
	rec := sampleStreamRecord(t)
	wire, err := events.Encode(rec)
	require.NoError(t, err)
	fc.claimResult = []redis.XMessage{{ID: "1-1", Values: map[string]interface{}{payloadField: string(wire)}}}

	transport := newTransport(fc)
	deliveries, err := transport.ClaimStale(context.Background(), rec.Kind, "group", "consumer-1", 2*time.Minute, 100)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "1-1", deliveries[0].ID)
}

func TestAckForwardsIDs(t *testing.T) {
	fc := &fakeClient{}
	transport := newTransport(fc)

	err := transport.Ack(context.Background(), events.KindSaleRecorded, "group", "1-1", "1-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"1-1", "1-2"}, fc.ackedIDs)
	assert.Equal(t, "group", fc.ackedGroup)
}

func TestAckNoopOnEmptyIDs(t *testing.T) {
	fc := &fakeClient{}
	transport := newTransport(fc)

	err := transport.Ack(context.Background(), events.KindSaleRecorded, "group")
	require.NoError(t, err)
	assert.Nil(t, fc.ackedIDs)
}
