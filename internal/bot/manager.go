package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"signalist/internal/domain"
	"signalist/internal/events"
	"signalist/internal/monitor"
	"signalist/internal/order"
	"signalist/internal/risk"
	"signalist/internal/session"
	"signalist/internal/strategy"
	"signalist/pkg/brokers/common"
	"signalist/pkg/db"
)

// Manager owns the registry of bot tasks. At most one task runs per
// (user, bot).
type Manager struct {
	cfg        Config
	store      Store
	sessions   Sessions
	profiles   Profiles
	strategies *strategy.Registry
	dispatcher *order.Dispatcher
	tracker    *risk.DailyTracker
	bus        *events.Bus
	metrics    *monitor.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	tasks      map[risk.Key]*task
	boundaries map[risk.Key]common.DayBoundary
	closed     bool
}

// Deps groups the collaborators of a Manager. Bus and Metrics may be nil.
type Deps struct {
	Store      Store
	Sessions   Sessions
	Profiles   Profiles
	Strategies *strategy.Registry
	Dispatcher *order.Dispatcher
	Tracker    *risk.DailyTracker
	Bus        *events.Bus
	Metrics    *monitor.Metrics
	Logger     *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(cfg Config, d Deps) *Manager {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := d.Tracker
	if tracker == nil {
		tracker = risk.NewDailyTracker()
	}
	return &Manager{
		cfg:        cfg.withDefaults(),
		store:      d.Store,
		sessions:   d.Sessions,
		profiles:   d.Profiles,
		strategies: d.Strategies,
		dispatcher: d.Dispatcher,
		tracker:    tracker,
		bus:        d.Bus,
		metrics:    d.Metrics,
		logger:     logger.With("component", "bot"),
		now:        time.Now,
		tasks:      make(map[risk.Key]*task),
		boundaries: make(map[risk.Key]common.DayBoundary),
	}
}

// Start launches the bot and returns once it is RUNNING, has failed to
// ERROR, or StartTimeout elapsed (the state is then STARTING).
func (m *Manager) Start(ctx context.Context, userID, botID string, opts *StartOptions) (Status, error) {
	if userID == "" {
		return Status{}, db.ErrUserIDRequired
	}
	rec, err := m.resolve(ctx, userID, botID, opts)
	if err != nil {
		return Status{}, err
	}

	k := risk.Key{UserID: userID, BotID: botID}
	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return Status{}, ErrManagerClosed
	}
	old, ok := m.tasks[k]
	if ok && old.getState().Active() {
		m.mu.Unlock()
		cancel()
		return old.snapshot(), ErrAlreadyRunning
	}
	t := newTask(rec, cancel)
	m.tasks[k] = t
	m.mu.Unlock()
	if ok {
		<-old.done
	}

	m.persist(t.key, domain.BotStarting, "")
	go m.run(runCtx, t)

	timer := time.NewTimer(m.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-t.ready:
	case <-timer.C:
	case <-ctx.Done():
	}
	return t.snapshot(), nil
}

// resolve merges opts into the stored definition and saves the result.
func (m *Manager) resolve(ctx context.Context, userID, botID string, opts *StartOptions) (db.BotRecord, error) {
	rec, err := m.store.GetBot(ctx, userID, botID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		if opts.empty() {
			return db.BotRecord{}, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
		}
		rec = db.BotRecord{UserID: userID, BotID: botID, State: domain.BotStopped}
	case err != nil:
		return db.BotRecord{}, fmt.Errorf("load bot %s: %w", botID, err)
	}
	if opts.empty() {
		return rec, nil
	}
	if opts.Broker != "" {
		rec.Broker = opts.Broker
	}
	if opts.Strategy != "" {
		rec.Strategy = opts.Strategy
	}
	if opts.Symbol != "" {
		rec.Symbol = opts.Symbol
	}
	if opts.Params != nil {
		rec.Params = opts.Params
	}
	if rec.Broker == "" || rec.Strategy == "" || rec.Symbol == "" {
		return db.BotRecord{}, fmt.Errorf("%w: bot %s needs broker, strategy and symbol", ErrInvalidBot, botID)
	}
	if m.strategies != nil && !m.strategies.Has(rec.Strategy) {
		return db.BotRecord{}, fmt.Errorf("%w: %w: %q", ErrInvalidBot, strategy.ErrUnknownStrategy, rec.Strategy)
	}
	if err := m.store.UpsertBot(ctx, rec); err != nil {
		return db.BotRecord{}, fmt.Errorf("save bot %s: %w", botID, err)
	}
	return rec, nil
}

// Stop asks the bot to finish its current cycle. After StopGracePeriod the
// task is cancelled. Stopping a bot that is not running succeeds.
func (m *Manager) Stop(ctx context.Context, userID, botID string) (StopResult, error) {
	t := m.task(risk.Key{UserID: userID, BotID: botID})
	if t == nil {
		return StopResult{Success: true, AlreadyStopped: true, State: domain.BotStopped}, nil
	}
	if t.clearError() {
		m.persist(t.key, domain.BotStopped, "")
		return StopResult{Success: true, State: domain.BotStopped}, nil
	}
	if !t.requestStop() && t.getState() != domain.BotStopping {
		return StopResult{Success: true, AlreadyStopped: true, State: t.getState()}, nil
	}
	m.persist(t.key, domain.BotStopping, "")

	grace := time.NewTimer(m.cfg.StopGracePeriod)
	defer grace.Stop()
	select {
	case <-t.done:
	case <-grace.C:
		m.logger.Warn("bot did not stop within grace period, cancelling",
			"user_id", userID, "bot_id", botID, "grace", m.cfg.StopGracePeriod)
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			return StopResult{State: t.getState()}, ctx.Err()
		}
	case <-ctx.Done():
		t.cancel()
		return StopResult{State: t.getState()}, ctx.Err()
	}
	return StopResult{Success: true, State: t.getState()}, nil
}

func (m *Manager) task(k risk.Key) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[k]
}

// Status returns the bot's runtime state and its most recent trades.
func (m *Manager) Status(ctx context.Context, userID, botID string) (Status, error) {
	t := m.task(risk.Key{UserID: userID, BotID: botID})
	var st Status
	if t != nil {
		st = t.snapshot()
	} else {
		rec, err := m.store.GetBot(ctx, userID, botID)
		if errors.Is(err, db.ErrNotFound) {
			return Status{}, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
		}
		if err != nil {
			return Status{}, fmt.Errorf("load bot %s: %w", botID, err)
		}
		st = idleStatus(rec)
	}
	trades, err := m.store.ListBotTrades(ctx, userID, botID, m.cfg.RecentTrades)
	if err != nil {
		return Status{}, fmt.Errorf("load trades of bot %s: %w", botID, err)
	}
	st.RecentTrades = trades
	st.OpenTrades = openOnly(trades)
	return st, nil
}

// List returns every stored bot of the user, merged with running tasks.
func (m *Manager) List(ctx context.Context, userID string) ([]Status, error) {
	recs, err := m.store.ListBots(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	open, err := m.store.LoadOpenTrades(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}
	byBot := make(map[string][]domain.Trade)
	for _, tr := range open {
		byBot[tr.BotID] = append(byBot[tr.BotID], tr)
	}

	seen := make(map[string]bool, len(recs))
	out := make([]Status, 0, len(recs))
	for _, rec := range recs {
		seen[rec.BotID] = true
		st := idleStatus(rec)
		if t := m.task(risk.Key{UserID: userID, BotID: rec.BotID}); t != nil {
			st = t.snapshot()
		}
		st.OpenTrades = nonNil(byBot[rec.BotID])
		out = append(out, st)
	}
	m.mu.Lock()
	for k, t := range m.tasks {
		if k.UserID == userID && !seen[k.BotID] {
			st := t.snapshot()
			st.OpenTrades = nonNil(byBot[k.BotID])
			out = append(out, st)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out, nil
}

// idleStatus is the view of a bot without a task. A persisted RUNNING state
// is a leftover from a previous process and reads as STOPPED.
func idleStatus(rec db.BotRecord) Status {
	st := Status{
		UserID:   rec.UserID,
		BotID:    rec.BotID,
		Broker:   rec.Broker,
		Strategy: rec.Strategy,
		Symbol:   rec.Symbol,
		State:    domain.BotStopped,
	}
	if rec.State == domain.BotError {
		st.State = domain.BotError
		st.LastError = rec.LastError
	}
	return st
}

func openOnly(trades []domain.Trade) []domain.Trade {
	out := []domain.Trade{}
	for _, t := range trades {
		if t.Status == domain.TradeOpen {
			out = append(out, t)
		}
	}
	return out
}

func nonNil(trades []domain.Trade) []domain.Trade {
	if trades == nil {
		return []domain.Trade{}
	}
	return trades
}

// Running returns the number of active tasks.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.getState().Active() {
			n++
		}
	}
	return n
}

// Autostart starts every stored bot marked autostart. Failures are logged
// and do not stop the others.
func (m *Manager) Autostart(ctx context.Context) int {
	recs, err := m.store.ListAutostartBots(ctx)
	if err != nil {
		m.logger.Error("list autostart bots", "error", err)
		return 0
	}
	started := 0
	for _, rec := range recs {
		st, err := m.Start(ctx, rec.UserID, rec.BotID, nil)
		if err != nil {
			m.logger.Error("autostart failed", "user_id", rec.UserID, "bot_id", rec.BotID, "error", err)
			continue
		}
		if st.State == domain.BotError {
			continue
		}
		started++
	}
	m.logger.Info("autostart complete", "bots", len(recs), "started", started)
	return started
}

// TradeClosed feeds a closed trade's realized PnL into the daily-loss
// tracker of its bot.
func (m *Manager) TradeClosed(t domain.Trade) {
	k := risk.Key{UserID: t.UserID, BotID: t.BotID}
	m.mu.Lock()
	b, ok := m.boundaries[k]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.tracker.RecordRealized(k, b, t.RealizedPnL)
}

// Shutdown stops every task and refuses new starts.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	keys := make([]risk.Key, 0, len(m.tasks))
	for k := range m.tasks {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k risk.Key) {
			defer wg.Done()
			if _, err := m.Stop(ctx, k.UserID, k.BotID); err != nil {
				m.logger.Warn("stop on shutdown", "user_id", k.UserID, "bot_id", k.BotID, "error", err)
			}
		}(k)
	}
	wg.Wait()
}

func (m *Manager) persist(k risk.Key, state domain.BotState, lastErr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateBotState(ctx, k.UserID, k.BotID, state, lastErr); err != nil {
		m.logger.Warn("persist bot state", "user_id", k.UserID, "bot_id", k.BotID, "state", state, "error", err)
	}
}

func (m *Manager) publish(userID string, ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(userID, ev)
	}
}

// run is the task goroutine. Panics end the task in ERROR.
func (m *Manager) run(ctx context.Context, t *task) {
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("%w: %v", ErrTaskPanic, r)
			m.logger.Error("bot task panicked",
				"user_id", t.key.UserID, "bot_id", t.key.BotID, "panic", r, "stack", string(debug.Stack()))
		}
		m.finish(t, runErr)
	}()
	runErr = m.loop(ctx, t)
}

func (m *Manager) finish(t *task, err error) {
	defer t.cancel()
	state, msg := domain.BotStopped, ""
	if err != nil && !t.stopping() {
		state, msg = domain.BotError, err.Error()
		m.logger.Error("bot stopped on error", "user_id", t.key.UserID, "bot_id", t.key.BotID, "error", err)
		m.publish(t.key.UserID, events.Error(t.key.BotID, "", errorKind(err), msg))
	} else {
		m.logger.Info("bot stopped", "user_id", t.key.UserID, "bot_id", t.key.BotID)
	}
	t.finish(state, msg)
	m.persist(t.key, state, msg)
	t.close()
}

func (m *Manager) loop(ctx context.Context, t *task) error {
	rec := t.rec
	log := m.logger.With("user_id", rec.UserID, "bot_id", rec.BotID, "broker", rec.Broker)

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	lease, err := m.sessions.Acquire(startCtx, rec.UserID, rec.Broker)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer lease.Release()

	m.mu.Lock()
	m.boundaries[t.key] = lease.Adapter.DayBoundary()
	m.mu.Unlock()

	strat, err := m.strategies.Build(rec.Strategy, strategy.Spec{BotID: rec.BotID, Symbol: rec.Symbol, Params: rec.Params})
	if err != nil {
		return fmt.Errorf("build strategy: %w", err)
	}
	profile, err := m.profiles.RiskProfile(startCtx, rec.UserID, rec.BotID)
	if err != nil {
		return fmt.Errorf("load risk profile: %w", err)
	}
	if _, err := lease.Adapter.GetMarketData(startCtx, rec.Symbol); err != nil {
		return fmt.Errorf("initial market data: %w", err)
	}
	if !t.markRunning(m.now()) {
		return nil
	}
	m.persist(t.key, domain.BotRunning, "")
	log.Info("bot running", "strategy", strat.Name(), "symbol", rec.Symbol, "interval", m.cfg.CycleInterval)

	r := &runner{m: m, t: t, adapter: lease.Adapter, strat: strat, profile: profile, log: log}
	ticker := time.NewTicker(m.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		if err := r.cycle(ctx); err != nil {
			return err
		}
		select {
		case <-t.stop:
			return nil
		case <-ctx.Done():
			if t.stopping() {
				return nil
			}
			return ctx.Err()
		case <-lease.Revoked():
			return fmt.Errorf("broker %s: %w", rec.Broker, session.ErrSessionRevoked)
		case <-ticker.C:
		}
		if t.stopping() {
			return nil
		}
		select {
		case <-lease.Revoked():
			return fmt.Errorf("broker %s: %w", rec.Broker, session.ErrSessionRevoked)
		default:
		}
	}
}
