package order

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalist/internal/domain"
	"signalist/internal/monitor"
	"signalist/pkg/brokers/common"
	"signalist/pkg/brokers/paper"
	"signalist/pkg/db"
)

// flaky fails the first n placements with a transient error and records keys.
type flaky struct {
	*paper.Adapter
	failures int
	reject   bool
	keys     []string
}

func (f *flaky) PlaceOrder(ctx context.Context, spec common.OrderSpec) (common.OrderAck, error) {
	f.keys = append(f.keys, spec.IdempotencyKey)
	if f.reject {
		return common.OrderAck{}, common.Rejected("paper", "place_order", common.ErrInsufficientMargin)
	}
	if f.failures > 0 {
		f.failures--
		return common.OrderAck{}, common.Transient("paper", "place_order", errors.New("timeout"))
	}
	return f.Adapter.PlaceOrder(ctx, spec)
}

func setup(t *testing.T) (*Dispatcher, *db.Database, *flaky, *monitor.Metrics) {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	pa := paper.New(paper.DefaultConfig())
	require.NoError(t, pa.Initialize(context.Background(), common.Config{UserID: "alice"}))
	m := monitor.New()
	d := NewDispatcher(database, common.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2}, m, nil)
	return d, database, &flaky{Adapter: pa}, m
}

func request(ts time.Time) Request {
	return Request{
		UserID: "alice", BotID: "bot-1", Broker: paper.Name,
		Signal: domain.Signal{Symbol: "EURUSD", Side: domain.SideBuy, EntryPrice: 1.1, StopLoss: 1.09, Quantity: 1000, Timestamp: ts, Reason: "ma cross"},
	}
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := IdempotencyKey("bot-1", ts)
	assert.Equal(t, a, IdempotencyKey("bot-1", ts.In(time.FixedZone("X", 3600))))
	assert.NotEqual(t, a, IdempotencyKey("bot-2", ts))
	assert.NotEqual(t, a, IdempotencyKey("bot-1", ts.Add(time.Nanosecond)))
}

func TestDispatchPersistsOpenTrade(t *testing.T) {
	d, database, adapter, m := setup(t)
	res, err := d.Dispatch(context.Background(), adapter, request(time.Now()))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, strings.HasPrefix(res.Trade.OrderID, paper.OrderIDPrefix))
	assert.Equal(t, domain.TradeOpen, res.Trade.Status)
	assert.Equal(t, "ma cross", res.Trade.EntryReason)

	stored, err := database.GetTrade(context.Background(), res.Trade.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Trade.OrderID, stored.OrderID)
	assert.Equal(t, uint64(1), m.Snapshot().Orders)
}

func TestDispatchRetriesTransientWithSameKey(t *testing.T) {
	d, _, adapter, _ := setup(t)
	adapter.failures = 2
	res, err := d.Dispatch(context.Background(), adapter, request(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, adapter.keys, 3)
	assert.Equal(t, adapter.keys[0], adapter.keys[2])
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	d, database, adapter, _ := setup(t)
	adapter.failures = 10
	_, err := d.Dispatch(context.Background(), adapter, request(time.Now()))
	var exhausted *common.ErrRetriesExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	open, err := database.LoadOpenTrades(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDispatchRejectionIsNotRetried(t *testing.T) {
	d, _, adapter, _ := setup(t)
	adapter.reject = true
	res, err := d.Dispatch(context.Background(), adapter, request(time.Now()))
	require.Error(t, err)
	assert.True(t, common.IsRejection(err))
	assert.Equal(t, 1, res.Attempts)
}

func TestDispatchSameSignalTwiceIsDuplicate(t *testing.T) {
	d, database, adapter, m := setup(t)
	ts := time.Now()
	first, err := d.Dispatch(context.Background(), adapter, request(ts))
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), adapter, request(ts))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Trade.ID, second.Trade.ID)
	assert.Len(t, adapter.keys, 1, "a duplicate never reaches the broker")
	assert.Equal(t, uint64(1), m.Snapshot().DuplicateOrders)

	open, err := database.LoadOpenTrades(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestDispatchRejectsInvalidSignal(t *testing.T) {
	d, _, adapter, _ := setup(t)
	req := request(time.Now())
	req.Signal.Quantity = 0
	_, err := d.Dispatch(context.Background(), adapter, req)
	assert.Equal(t, common.KindValidation, common.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
	assert.Empty(t, adapter.keys)
}
