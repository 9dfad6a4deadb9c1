// Package reconciliation compares the local trade ledger with broker-reported
// order state and repairs drift.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"signalist/internal/domain"
	"signalist/internal/events"
	"signalist/internal/monitor"
	"signalist/internal/session"
	"signalist/pkg/brokers/common"
	"signalist/pkg/db"
)

// ErrInProgress is returned when the same scope is already being reconciled.
var ErrInProgress = errors.New("reconciliation already in progress")

// Store is the ledger access reconciliation needs.
type Store interface {
	LoadOpenTrades(ctx context.Context, userID, broker string) ([]domain.Trade, error)
	ListUsersWithOpenTrades(ctx context.Context) ([]string, error)
	UpdateTradeStatus(ctx context.Context, id string, status domain.TradeStatus, f domain.TradeUpdate) error
	UpdateUnrealizedPnL(ctx context.Context, id string, pnl float64) error
	RecordReconciliation(ctx context.Context, r db.ReconciliationRun) (int64, error)
	LastReconciliation(ctx context.Context) (db.ReconciliationRun, error)
}

// Sessions hands out broker sessions.
type Sessions interface {
	Acquire(ctx context.Context, userID, broker string) (*session.Lease, error)
}

// ClosedSink is told about every trade reconciliation closes.
type ClosedSink interface {
	TradeClosed(t domain.Trade)
}

// Config controls scheduling and isolation.
type Config struct {
	Interval    time.Duration // 0 disables the periodic run
	UserTimeout time.Duration
	Concurrency int
	Retry       common.RetryPolicy
}

// Result is the outcome of reconciling one user.
type Result struct {
	UserID        string   `json:"user_id"`
	TradesChecked int      `json:"trades_checked"`
	TradesUpdated int      `json:"trades_updated"`
	Closed        int      `json:"closed"`
	Stale         int      `json:"stale"`
	Errors        []string `json:"errors,omitempty"`
}

// UserError is one failed user of a batch.
type UserError struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// BatchResult is the outcome of ReconcileAll.
type BatchResult struct {
	UsersProcessed int         `json:"users_processed"`
	TradesUpdated  int         `json:"trades_updated"`
	Errors         []UserError `json:"errors"`
}

// Status describes the service for the admin surface.
type Status struct {
	Running   bool                  `json:"running"`
	ActiveRun bool                  `json:"active_run"`
	Interval  time.Duration         `json:"interval"`
	LastRun   *db.ReconciliationRun `json:"last_run,omitempty"`
	NextRunAt *time.Time            `json:"next_run_at,omitempty"`
}

// Service handles on-demand and periodic reconciliation.
type Service struct {
	cfg      Config
	store    Store
	sessions Sessions
	bus      *events.Bus
	sink     ClosedSink
	metrics  *monitor.Metrics
	logger   *slog.Logger

	batch   atomic.Bool
	started atomic.Bool

	mu      sync.Mutex
	users   map[string]bool // users currently being reconciled
	nextRun time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService creates a reconciliation service. bus, sink and metrics may be nil.
func NewService(cfg Config, store Store, sessions Sessions, bus *events.Bus, sink ClosedSink, metrics *monitor.Metrics, logger *slog.Logger) *Service {
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = 30 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = common.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		bus:      bus,
		sink:     sink,
		metrics:  metrics,
		logger:   logger.With("component", "reconciliation"),
		users:    make(map[string]bool),
	}
}

// Start begins periodic reconciliation. It is a no-op when Interval is 0.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 || !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.nextRun = time.Now().Add(s.cfg.Interval)
	done := s.done
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				s.nextRun = time.Now().Add(s.cfg.Interval)
				s.mu.Unlock()
				res, err := s.ReconcileAll(ctx)
				if err != nil {
					if !errors.Is(err, ErrInProgress) {
						s.logger.Error("periodic reconciliation failed", "error", err)
					}
					continue
				}
				if len(res.Errors) > 0 {
					s.logger.Warn("periodic reconciliation finished with errors",
						"users", res.UsersProcessed, "updated", res.TradesUpdated, "failed_users", len(res.Errors))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("reconciliation service started", "interval", s.cfg.Interval)
}

// Stop ends the periodic run and waits for it.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.started.Store(false)
}

// Status returns the scheduling state and the last recorded run.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{
		Running:   s.started.Load(),
		ActiveRun: s.batch.Load(),
		Interval:  s.cfg.Interval,
	}
	s.mu.Lock()
	if st.Running && !s.nextRun.IsZero() {
		next := s.nextRun
		st.NextRunAt = &next
	}
	s.mu.Unlock()
	last, err := s.store.LastReconciliation(ctx)
	switch {
	case err == nil:
		st.LastRun = &last
	case !errors.Is(err, db.ErrNotFound):
		return Status{}, err
	}
	return st, nil
}

// ReconcileAll reconciles every user with at least one OPEN trade. A failed
// user is reported in Errors and never aborts the batch.
func (s *Service) ReconcileAll(ctx context.Context) (BatchResult, error) {
	if !s.batch.CompareAndSwap(false, true) {
		return BatchResult{}, ErrInProgress
	}
	defer s.batch.Store(false)

	started := time.Now()
	users, err := s.store.ListUsersWithOpenTrades(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list users: %w", err)
	}

	var (
		mu  sync.Mutex
		out = BatchResult{Errors: []UserError{}}
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.cfg.Concurrency)
	)
	for _, u := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := s.reconcileUser(ctx, userID, false)
			mu.Lock()
			defer mu.Unlock()
			out.UsersProcessed++
			out.TradesUpdated += res.TradesUpdated
			if err != nil {
				out.Errors = append(out.Errors, UserError{UserID: userID, Error: err.Error()})
			}
		}(u)
	}
	wg.Wait()
	sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i].UserID < out.Errors[j].UserID })

	errs := make([]string, 0, len(out.Errors))
	for _, e := range out.Errors {
		errs = append(errs, e.UserID+": "+e.Error)
	}
	if s.metrics != nil {
		s.metrics.RecordReconciliation(out.TradesUpdated, time.Since(started))
	}
	s.record(ctx, "all", started, out.UsersProcessed, out.TradesUpdated, errs)
	s.logger.Info("reconciliation complete",
		"users", out.UsersProcessed, "updated", out.TradesUpdated, "failed_users", len(out.Errors), "took", time.Since(started))
	return out, nil
}

// ReconcileUser checks every OPEN trade of the user against its broker.
// Each trade gets exactly one outcome: closed, STALE, or a refreshed
// unrealized PnL. The returned error summarizes anything left unresolved.
func (s *Service) ReconcileUser(ctx context.Context, userID string) (Result, error) {
	return s.reconcileUser(ctx, userID, true)
}

func (s *Service) reconcileUser(ctx context.Context, userID string, standalone bool) (Result, error) {
	if userID == "" {
		return Result{}, db.ErrUserIDRequired
	}
	s.mu.Lock()
	if s.users[userID] {
		s.mu.Unlock()
		return Result{UserID: userID}, ErrInProgress
	}
	s.users[userID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.users, userID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.UserTimeout)
	defer cancel()
	started := time.Now()

	res := Result{UserID: userID}
	trades, err := s.store.LoadOpenTrades(ctx, userID, "")
	if err != nil {
		return res, fmt.Errorf("load open trades: %w", err)
	}
	res.TradesChecked = len(trades)

	byBroker := make(map[string][]domain.Trade)
	for _, t := range trades {
		byBroker[t.Broker] = append(byBroker[t.Broker], t)
	}
	brokers := make([]string, 0, len(byBroker))
	for b := range byBroker {
		brokers = append(brokers, b)
	}
	sort.Strings(brokers)

	for _, broker := range brokers {
		if err := s.reconcileBroker(ctx, userID, broker, byBroker[broker], &res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", broker, err))
		}
	}

	if standalone {
		if s.metrics != nil {
			s.metrics.RecordReconciliation(res.TradesUpdated, time.Since(started))
		}
		s.record(ctx, userID, started, 1, res.TradesUpdated, res.Errors)
	}
	if len(res.Errors) > 0 {
		return res, fmt.Errorf("%d unresolved: %s", len(res.Errors), strings.Join(res.Errors, "; "))
	}
	return res, nil
}

func (s *Service) reconcileBroker(ctx context.Context, userID, broker string, trades []domain.Trade, res *Result) error {
	lease, err := s.sessions.Acquire(ctx, userID, broker)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer lease.Release()

	for _, t := range trades {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.reconcileTrade(ctx, lease.Adapter, t, res); err != nil {
			if common.IsFatal(err) {
				return err
			}
			res.Errors = append(res.Errors, fmt.Sprintf("trade %s: %v", t.ID, err))
		}
	}
	return nil
}

func (s *Service) reconcileTrade(ctx context.Context, adapter common.Adapter, t domain.Trade, res *Result) error {
	ref := common.OrderRef{
		OrderID:    t.OrderID,
		Symbol:     t.Symbol,
		Side:       t.Side,
		Quantity:   t.Quantity,
		EntryPrice: t.EntryPrice,
		OpenedAt:   t.OpenedAt,
	}
	var state common.OrderState
	err := common.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		state, err = adapter.OrderState(ctx, ref)
		return err
	})
	var exhausted *common.ErrRetriesExhausted
	switch {
	case errors.As(err, &exhausted):
		return s.markStale(ctx, t, "broker unreachable: "+exhausted.Err.Error(), res)
	case errors.Is(err, common.ErrUnknownOrder):
		return s.markStale(ctx, t, "order unknown to broker", res)
	case err != nil:
		return err
	}

	if state.Open {
		if state.UnrealizedPnL == t.UnrealizedPnL {
			return nil
		}
		if err := s.store.UpdateUnrealizedPnL(ctx, t.ID, state.UnrealizedPnL); err != nil {
			return ignoreClosed(err)
		}
		t.UnrealizedPnL = state.UnrealizedPnL
		res.TradesUpdated++
		s.publish(t.UserID, events.TradeUpdated(t.BotID, t))
		return nil
	}

	status := StatusForReason(state.ExitReason)
	realized := common.PnL(t.Side, t.EntryPrice, state.ExitPrice, t.Quantity)
	if state.RealizedPnL != nil {
		realized = *state.RealizedPnL
	}
	closedAt := time.Now().UTC()
	if state.ClosedAt != nil {
		closedAt = state.ClosedAt.UTC()
	}
	err = s.store.UpdateTradeStatus(ctx, t.ID, status, domain.TradeUpdate{
		ExitPrice:   domain.Float(state.ExitPrice),
		RealizedPnL: domain.Float(realized),
		ExitReason:  state.ExitReason,
		ClosedAt:    &closedAt,
	})
	if err != nil {
		return ignoreClosed(err)
	}
	t.Status = status
	t.ExitPrice = state.ExitPrice
	t.RealizedPnL = realized
	t.UnrealizedPnL = 0
	t.ExitReason = state.ExitReason
	t.ClosedAt = &closedAt
	res.TradesUpdated++
	res.Closed++
	s.logger.Info("trade closed by broker",
		"user_id", t.UserID, "bot_id", t.BotID, "trade_id", t.ID, "status", status, "pnl", realized, "reason", state.ExitReason)
	s.publish(t.UserID, events.TradeClosed(t.BotID, t))
	if s.sink != nil {
		s.sink.TradeClosed(t)
	}
	return nil
}

func (s *Service) markStale(ctx context.Context, t domain.Trade, reason string, res *Result) error {
	err := s.store.UpdateTradeStatus(ctx, t.ID, domain.TradeStale, domain.TradeUpdate{ExitReason: reason})
	if err != nil {
		return ignoreClosed(err)
	}
	t.Status = domain.TradeStale
	t.ExitReason = reason
	res.TradesUpdated++
	res.Stale++
	s.logger.Warn("trade marked stale", "user_id", t.UserID, "bot_id", t.BotID, "trade_id", t.ID, "reason", reason)
	s.publish(t.UserID, events.Error(t.BotID, t.ID, "trade_stale", reason))
	s.publish(t.UserID, events.TradeClosed(t.BotID, t))
	return nil
}

// ignoreClosed treats a trade closed concurrently by another writer as done.
func ignoreClosed(err error) error {
	if errors.Is(err, db.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (s *Service) publish(userID string, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(userID, ev)
	}
}

func (s *Service) record(ctx context.Context, scope string, started time.Time, users, updated int, errs []string) {
	if errs == nil {
		errs = []string{}
	}
	// The run is recorded even when ctx has expired.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := s.store.RecordReconciliation(rctx, db.ReconciliationRun{
		Scope:          scope,
		StartedAt:      started,
		FinishedAt:     time.Now(),
		UsersProcessed: users,
		TradesUpdated:  updated,
		Errors:         errs,
	})
	if err != nil {
		s.logger.Warn("record reconciliation run", "scope", scope, "error", err)
	}
}

// StatusForReason maps a broker exit reason to a terminal trade status.
func StatusForReason(reason string) domain.TradeStatus {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "take-profit"), strings.Contains(r, "take profit"):
		return domain.TradeTPHit
	case strings.Contains(r, "stop-loss"), strings.Contains(r, "stop loss"):
		return domain.TradeSLHit
	case strings.Contains(r, "manual"):
		return domain.TradeManualClose
	}
	return domain.TradeClosed
}
