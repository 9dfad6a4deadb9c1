package bot

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalist/internal/domain"
	"signalist/internal/events"
	"signalist/internal/monitor"
	"signalist/internal/order"
	"signalist/internal/risk"
	"signalist/internal/session"
	"signalist/internal/settings"
	"signalist/internal/strategy"
	"signalist/pkg/brokers/common"
	"signalist/pkg/brokers/paper"
	"signalist/pkg/crypto"
	"signalist/pkg/db"
)

// everyQuote emits a BUY on every quote with a 1% stop.
type everyQuote struct{ block bool }

func (everyQuote) Name() string { return "every_quote" }

func (s everyQuote) OnQuote(ctx context.Context, q common.Quote) (*domain.Signal, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &domain.Signal{
		Symbol:     q.Symbol,
		Side:       domain.SideBuy,
		EntryPrice: q.Ask,
		StopLoss:   q.Ask * 0.99,
		Quantity:   1,
		Timestamp:  q.Timestamp,
		Reason:     "test",
	}, nil
}

// everyOther emits a BUY on odd quotes and nothing on even ones.
type everyOther struct{ n int }

func (*everyOther) Name() string { return "every_other" }

func (s *everyOther) OnQuote(ctx context.Context, q common.Quote) (*domain.Signal, error) {
	s.n++
	if s.n%2 == 0 {
		return nil, nil
	}
	return everyQuote{}.OnQuote(ctx, q)
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }

func (panicky) OnQuote(context.Context, common.Quote) (*domain.Signal, error) {
	panic("boom")
}

// brokerStub wraps the paper adapter and injects failures.
type brokerStub struct {
	*paper.Adapter
	rejectOrders    bool
	transientOrders bool
	fatalQuotes     bool
	placed          atomic.Int32
}

func (b *brokerStub) GetMarketData(ctx context.Context, symbol string) (common.Quote, error) {
	if b.fatalQuotes {
		return common.Quote{}, common.Fatal("stub", "market_data", errors.New("invalid token"))
	}
	return b.Adapter.GetMarketData(ctx, symbol)
}

func (b *brokerStub) PlaceOrder(ctx context.Context, spec common.OrderSpec) (common.OrderAck, error) {
	b.placed.Add(1)
	switch {
	case b.rejectOrders:
		return common.OrderAck{}, common.Rejected("stub", "place_order", common.ErrInsufficientMargin)
	case b.transientOrders:
		return common.OrderAck{}, common.Transient("stub", "place_order", errors.New("timeout"))
	}
	return b.Adapter.PlaceOrder(ctx, spec)
}

type fixture struct {
	mgr     *Manager
	db      *db.Database
	pool    *session.Pool
	bus     *events.Bus
	tracker *risk.DailyTracker
	metrics *monitor.Metrics
	stub    *brokerStub
}

func paperConfig() paper.Config {
	pc := paper.DefaultConfig()
	pc.VolatilityBps = 0
	pc.BasePrices = map[string]float64{"EURUSD": 1.1}
	return pc
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	kr, err := crypto.NewKeyring(map[int]string{1: base64.StdEncoding.EncodeToString(make([]byte, crypto.KeySize))})
	require.NoError(t, err)

	f := &fixture{db: database, metrics: monitor.New(), tracker: risk.NewDailyTracker()}
	f.stub = &brokerStub{Adapter: paper.New(paperConfig())}
	brokers := session.PaperOnly(paperConfig())
	brokers["stub"] = session.Broker{Anonymous: true, New: func() common.Adapter { return f.stub }}
	f.pool = session.NewPool(session.Config{}, brokers, database, kr, nil)
	t.Cleanup(f.pool.Stop)

	reg := strategy.DefaultRegistry(nil)
	reg.Register("every_quote", func(strategy.Spec) (strategy.Strategy, error) { return everyQuote{}, nil })
	reg.Register("blocking", func(strategy.Spec) (strategy.Strategy, error) { return everyQuote{block: true}, nil })
	reg.Register("every_other", func(strategy.Spec) (strategy.Strategy, error) { return &everyOther{}, nil })
	reg.Register("panicky", func(strategy.Spec) (strategy.Strategy, error) { return panicky{}, nil })

	f.bus = events.NewBus(events.Options{Heartbeat: time.Hour}, nil, nil)
	t.Cleanup(f.bus.Close)

	if cfg.CycleInterval == 0 {
		cfg.CycleInterval = 5 * time.Millisecond
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 2 * time.Second
	}
	if cfg.StopGracePeriod == 0 {
		cfg.StopGracePeriod = time.Second
	}
	disp := order.NewDispatcher(database, common.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, Multiplier: 2}, f.metrics, nil)
	f.mgr = NewManager(cfg, Deps{
		Store:      database,
		Sessions:   f.pool,
		Profiles:   settings.NewStore(database, time.Minute, risk.DefaultProfile()),
		Strategies: reg,
		Dispatcher: disp,
		Tracker:    f.tracker,
		Bus:        f.bus,
		Metrics:    f.metrics,
	})
	t.Cleanup(func() { f.mgr.Shutdown(context.Background()) })
	return f
}

func (f *fixture) addBot(t *testing.T, botID, broker, strat string) {
	t.Helper()
	require.NoError(t, f.db.UpsertBot(context.Background(), db.BotRecord{
		UserID: "alice", BotID: botID, Broker: broker, Strategy: strat, Symbol: "EURUSD",
	}))
}

func (f *fixture) setProfile(t *testing.T, botID string, mutate func(*risk.Profile)) {
	t.Helper()
	p := risk.DefaultProfile()
	mutate(&p)
	require.NoError(t, f.db.SaveRiskProfile(context.Background(), "alice", botID, p))
}

// waitFor drains sub until an event of kind arrives.
func waitFor(t *testing.T, sub *events.Subscription, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if ev.Type == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func (f *fixture) waitState(t *testing.T, botID string, want domain.BotState) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = f.mgr.Status(context.Background(), "alice", botID)
		return err == nil && st.State == want
	}, 2*time.Second, 5*time.Millisecond, "bot never reached %s", want)
	return st
}

func TestStartRunsAndStopIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addBot(t, "b1", paper.Name, "every_quote")
	sub := f.bus.Subscribe("alice")
	defer sub.Cancel()

	st, err := f.mgr.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.BotRunning, st.State)
	assert.NotNil(t, st.StartedAt)

	_, err = f.mgr.Start(ctx, "alice", "b1", nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	bal := waitFor(t, sub, events.KindBalanceUpdate)
	assert.Equal(t, 10000.0, bal.Data.(events.BalancePayload).Balance)
	ev := waitFor(t, sub, events.KindTradeExecuted)
	payload := ev.Data.(events.TradePayload)
	assert.Equal(t, "b1", payload.BotID)
	assert.Equal(t, domain.TradeOpen, payload.Trade.Status)

	rec, err := f.db.GetBot(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotRunning, rec.State)

	res, err := f.mgr.Stop(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.AlreadyStopped)
	assert.Equal(t, domain.BotStopped, res.State)

	res, err = f.mgr.Stop(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyStopped)

	rec, err = f.db.GetBot(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotStopped, rec.State)

	st, err = f.mgr.Status(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.NotEmpty(t, st.OpenTrades)
	assert.Positive(t, st.Cycles)
	assert.Zero(t, f.mgr.Running())
}

func TestStartUnknownBot(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.mgr.Start(ctx, "alice", "ghost", nil)
	assert.ErrorIs(t, err, ErrBotNotFound)
	_, err = f.mgr.Status(ctx, "alice", "ghost")
	assert.ErrorIs(t, err, ErrBotNotFound)

	res, err := f.mgr.Stop(ctx, "alice", "ghost")
	require.NoError(t, err)
	assert.True(t, res.AlreadyStopped)
}

func TestStartWithOptionsCreatesBot(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	st, err := f.mgr.Start(ctx, "alice", "fresh", &StartOptions{Broker: paper.Name, Strategy: "momentum", Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, domain.BotRunning, st.State)

	rec, err := f.db.GetBot(ctx, "alice", "fresh")
	require.NoError(t, err)
	assert.Equal(t, "momentum", rec.Strategy)

	list, err := f.mgr.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.BotRunning, list[0].State)
}

func TestConcurrentPositionLimitHolds(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addBot(t, "b1", paper.Name, "every_quote")
	f.setProfile(t, "b1", func(p *risk.Profile) { p.MaxConcurrentPositions = 2 })

	_, err := f.mgr.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.metrics.Snapshot().Vetoes >= 3 }, 2*time.Second, 5*time.Millisecond)
	_, err = f.mgr.Stop(ctx, "alice", "b1")
	require.NoError(t, err)

	open, err := f.db.LoadOpenTrades(ctx, "alice", paper.Name)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestRejectionsMoveBotToError(t *testing.T) {
	f := newFixture(t, Config{FailureThreshold: 3})
	f.stub.rejectOrders = true
	ctx := context.Background()
	f.addBot(t, "b1", "stub", "every_quote")
	sub := f.bus.Subscribe("alice")
	defer sub.Cancel()

	_, err := f.mgr.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)

	ev := waitFor(t, sub, events.KindError)
	assert.Equal(t, errKindRejection, ev.Data.(events.ErrorPayload).Kind)

	st := f.waitState(t, "b1", domain.BotError)
	assert.Contains(t, st.LastError, "insufficient margin")
	assert.EqualValues(t, 3, f.stub.placed.Load(), "rejections are never retried")

	rec, err := f.db.GetBot(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotError, rec.State)

	// ERROR accepts a restart.
	f.stub.rejectOrders = false
	st, err = f.mgr.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.BotRunning, st.State)
}

func TestRejectionsCountAcrossQuietCycles(t *testing.T) {
	f := newFixture(t, Config{FailureThreshold: 3})
	f.stub.rejectOrders = true
	f.addBot(t, "b1", "stub", "every_other")

	_, err := f.mgr.Start(context.Background(), "alice", "b1", nil)
	require.NoError(t, err)

	st := f.waitState(t, "b1", domain.BotError)
	assert.Contains(t, st.LastError, "insufficient margin")
	assert.Equal(t, 3, st.OrderFailures)
	assert.EqualValues(t, 3, f.stub.placed.Load())
}

func TestConcurrentStartsRunOneTask(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBot(t, "b1", paper.Name, "momentum")

	const n = 32
	var started, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Start(context.Background(), "alice", "b1", nil)
			switch {
			case err == nil:
				started.Add(1)
			case errors.Is(err, ErrAlreadyRunning):
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, started.Load())
	assert.EqualValues(t, n-1, already.Load())
	assert.Equal(t, 1, f.mgr.Running())
}

func TestExhaustedRetriesMarkTradeStale(t *testing.T) {
	f := newFixture(t, Config{FailureThreshold: 1})
	f.stub.transientOrders = true
	ctx := context.Background()
	f.addBot(t, "b1", "stub", "every_quote")

	_, err := f.mgr.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)
	st := f.waitState(t, "b1", domain.BotError)

	require.NotEmpty(t, st.RecentTrades)
	assert.Equal(t, domain.TradeStale, st.RecentTrades[0].Status)
	assert.Empty(t, st.OpenTrades)
	assert.EqualValues(t, 2, f.stub.placed.Load(), "one retry under the same key")
}

func TestFatalStartupErrorIsReported(t *testing.T) {
	f := newFixture(t, Config{})
	f.stub.fatalQuotes = true
	f.addBot(t, "b1", "stub", "every_quote")

	st, err := f.mgr.Start(context.Background(), "alice", "b1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.BotError, st.State)
	assert.Contains(t, st.LastError, "invalid token")

	res, err := f.mgr.Stop(context.Background(), "alice", "b1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyStopped)
	assert.Equal(t, domain.BotStopped, res.State)
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBot(t, "b1", paper.Name, "panicky")
	sub := f.bus.Subscribe("alice")
	defer sub.Cancel()

	_, err := f.mgr.Start(context.Background(), "alice", "b1", nil)
	require.NoError(t, err)

	ev := waitFor(t, sub, events.KindError)
	assert.Equal(t, errKindPanic, ev.Data.(events.ErrorPayload).Kind)
	st := f.waitState(t, "b1", domain.BotError)
	assert.Contains(t, st.LastError, "boom")
}

func TestRevokedSessionStopsBot(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addBot(t, "b1", paper.Name, "momentum")

	_, err := f.mgr.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)
	require.NoError(t, f.pool.Revoke(ctx, "alice", paper.Name))

	st := f.waitState(t, "b1", domain.BotError)
	assert.NotEmpty(t, st.LastError)
}

func TestStopCancelsAfterGracePeriod(t *testing.T) {
	f := newFixture(t, Config{StopGracePeriod: 20 * time.Millisecond})
	ctx := context.Background()
	f.addBot(t, "b1", paper.Name, "blocking")

	_, err := f.mgr.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)

	start := time.Now()
	res, err := f.mgr.Stop(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotStopped, res.State)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDrawdownDropsSignals(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addBot(t, "b1", paper.Name, "every_quote")
	// A peak far above the paper balance puts the bot past its drawdown limit.
	f.tracker.Observe(risk.Key{UserID: "alice", BotID: "b1"}, common.UTCMidnight, 20000)
	sub := f.bus.Subscribe("alice")
	defer sub.Cancel()

	_, err := f.mgr.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)

	ev := waitFor(t, sub, events.KindDrawdownLimit)
	assert.Equal(t, string(risk.CheckDrawdownLimit), ev.Data.(events.DrawdownPayload).Check)
	_, err = f.mgr.Stop(ctx, "alice", "b1")
	require.NoError(t, err)

	open, err := f.db.LoadOpenTrades(ctx, "alice", "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTradeClosedFeedsDailyLoss(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addBot(t, "b1", paper.Name, "momentum")

	_, err := f.mgr.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.tracker.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.mgr.TradeClosed(domain.Trade{UserID: "alice", BotID: "b1", RealizedPnL: -250})

	acct := f.tracker.Observe(risk.Key{UserID: "alice", BotID: "b1"}, common.UTCMidnight, 10000)
	assert.Equal(t, -250.0, acct.DailyLoss)
}

func TestAutostart(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.db.UpsertBot(ctx, db.BotRecord{UserID: "alice", BotID: "auto", Broker: paper.Name, Strategy: "momentum", Symbol: "EURUSD", Autostart: true}))
	f.addBot(t, "manual", paper.Name, "momentum")

	assert.Equal(t, 1, f.mgr.Autostart(ctx))
	assert.Equal(t, 1, f.mgr.Running())
}
