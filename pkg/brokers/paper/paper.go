// Package paper is a broker adapter that synthesizes deterministic prices and
// fills without any external call.
package paper

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
)

// Name is the broker identifier of the paper adapter.
const Name = "paper"

// OrderIDPrefix marks every synthetic order id.
const OrderIDPrefix = "PAPER-"

const (
	reasonTakeProfit = "take-profit hit"
	reasonStopLoss   = "stop-loss hit"
	reasonManual     = "manual close"
)

// Config controls the simulation.
type Config struct {
	InitialBalance float64
	Currency       string
	Seed           int64
	SpreadBps      float64            // full bid/ask spread in basis points
	VolatilityBps  float64            // max move per quote, in basis points
	Leverage       float64            // margin = notional / leverage
	BasePrices     map[string]float64 // starting mid per symbol; others derive from the symbol hash
	Clock          func() time.Time
}

// DefaultConfig is a 10k USD account with 2bp spread and 1:100 leverage.
func DefaultConfig() Config {
	return Config{
		InitialBalance: 10000,
		Currency:       "USD",
		Seed:           2025,
		SpreadBps:      2,
		VolatilityBps:  5,
		Leverage:       100,
	}
}

type position struct {
	orderID    string
	symbol     string
	side       domain.Side
	qty        float64
	entry      float64
	stopLoss   float64
	takeProfit float64
	current    float64
	exit       float64
	realized   float64
	reason     string
	closedAt   *time.Time
}

func (p *position) open() bool { return p.closedAt == nil }

func (p *position) margin(lev float64) float64 { return p.qty * p.entry / lev }

type walk struct {
	rng *rand.Rand
	mid float64
}

// Adapter is the paper-trading implementation of common.Adapter.
type Adapter struct {
	cfg Config

	mu          sync.Mutex
	initialized bool
	closed      bool
	balance     float64
	walks       map[string]*walk
	positions   map[string]*position
	byKey       map[string]common.OrderAck
	seq         int
}

// New returns an uninitialized paper adapter.
func New(cfg Config) *Adapter {
	def := DefaultConfig()
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = def.InitialBalance
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.SpreadBps <= 0 {
		cfg.SpreadBps = def.SpreadBps
	}
	if cfg.VolatilityBps < 0 {
		cfg.VolatilityBps = 0
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = def.Leverage
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Adapter{
		cfg:       cfg,
		balance:   cfg.InitialBalance,
		walks:     make(map[string]*walk),
		positions: make(map[string]*position),
		byKey:     make(map[string]common.OrderAck),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Initialize(ctx context.Context, cfg common.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return common.Fatal(Name, "initialize", errors.New("adapter closed"))
	}
	if cfg.Currency != "" {
		a.cfg.Currency = cfg.Currency
	}
	a.initialized = true
	return nil
}

func (a *Adapter) ready(op string) error {
	if a.closed {
		return common.Fatal(Name, op, errors.New("adapter closed"))
	}
	if !a.initialized {
		return common.Fatal(Name, op, common.ErrNotInitialized)
	}
	return nil
}

func (a *Adapter) GetBalance(ctx context.Context) (common.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready("balance"); err != nil {
		return common.Balance{}, err
	}
	equity := a.balance
	for _, p := range a.positions {
		if p.open() {
			equity += common.PnL(p.side, p.entry, p.current, p.qty)
		}
	}
	return common.Balance{
		Balance:  common.RoundPrice(a.balance, 2),
		Equity:   common.RoundPrice(equity, 2),
		Currency: a.cfg.Currency,
	}, nil
}

func (a *Adapter) GetMarketData(ctx context.Context, symbol string) (common.Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready("market_data"); err != nil {
		return common.Quote{}, err
	}
	if symbol == "" {
		return common.Quote{}, &common.Error{Broker: Name, Op: "market_data", Kind: common.KindValidation, Err: errors.New("symbol required")}
	}
	q := a.step(symbol)
	a.markToMarket(q)
	return q, nil
}

// step advances the symbol's price path by one quote.
func (a *Adapter) step(symbol string) common.Quote {
	w, ok := a.walks[symbol]
	if !ok {
		h := fnv.New64a()
		h.Write([]byte(symbol))
		sum := h.Sum64()
		mid, ok := a.cfg.BasePrices[symbol]
		if !ok {
			mid = 10 + float64(sum%99000)/100
		}
		w = &walk{rng: rand.New(rand.NewSource(a.cfg.Seed ^ int64(sum>>1))), mid: mid}
		a.walks[symbol] = w
	}
	move := (w.rng.Float64()*2 - 1) * a.cfg.VolatilityBps / 10000
	w.mid = w.mid * (1 + move)
	return a.quote(symbol, w.mid)
}

func (a *Adapter) quote(symbol string, mid float64) common.Quote {
	half := mid * a.cfg.SpreadBps / 20000
	places := pricePlaces(mid)
	bid := common.RoundPrice(mid-half, places)
	ask := common.RoundPrice(mid+half, places)
	if ask <= bid {
		ask = common.RoundPrice(bid+math.Pow(10, -float64(places)), places)
	}
	return common.Quote{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: a.cfg.Clock()}
}

func pricePlaces(mid float64) int32 {
	switch {
	case mid < 10:
		return 5
	case mid < 1000:
		return 3
	}
	return 2
}

// markToMarket updates open positions on symbol and closes those whose
// stop-loss or take-profit level has been crossed.
func (a *Adapter) markToMarket(q common.Quote) {
	for _, p := range a.positions {
		if !p.open() || p.symbol != q.Symbol {
			continue
		}
		// Longs close at the bid, shorts at the ask.
		px := q.Bid
		if p.side == domain.SideSell {
			px = q.Ask
		}
		p.current = px
		switch {
		case p.stopLoss > 0 && crossed(p.side, px, p.stopLoss, true):
			a.close(p, p.stopLoss, reasonStopLoss)
		case p.takeProfit > 0 && crossed(p.side, px, p.takeProfit, false):
			a.close(p, p.takeProfit, reasonTakeProfit)
		}
	}
}

func crossed(side domain.Side, px, level float64, stop bool) bool {
	long := side == domain.SideBuy
	if stop == long {
		return px <= level
	}
	return px >= level
}

func (a *Adapter) close(p *position, exit float64, reason string) {
	now := a.cfg.Clock()
	p.exit = exit
	p.current = exit
	p.realized = common.PnL(p.side, p.entry, exit, p.qty)
	p.reason = reason
	p.closedAt = &now
	a.balance += p.realized
}

func (a *Adapter) usedMargin() float64 {
	var m float64
	for _, p := range a.positions {
		if p.open() {
			m += p.margin(a.cfg.Leverage)
		}
	}
	return m
}

func (a *Adapter) PlaceOrder(ctx context.Context, spec common.OrderSpec) (common.OrderAck, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready("place_order"); err != nil {
		return common.OrderAck{}, err
	}
	if spec.IdempotencyKey != "" {
		if ack, ok := a.byKey[spec.IdempotencyKey]; ok {
			return ack, nil
		}
	}
	if spec.Symbol == "" || spec.Quantity <= 0 || (spec.Side != domain.SideBuy && spec.Side != domain.SideSell) {
		return common.OrderAck{}, &common.Error{Broker: Name, Op: "place_order", Kind: common.KindValidation,
			Err: fmt.Errorf("invalid order %s %s %.4f", spec.Side, spec.Symbol, spec.Quantity)}
	}

	q := a.step(spec.Symbol)
	price := q.Ask
	if spec.Side == domain.SideSell {
		price = q.Bid
	}
	required := spec.Quantity * price / a.cfg.Leverage
	if free := a.balance - a.usedMargin(); required > free {
		return common.OrderAck{}, common.Rejected(Name, "place_order",
			fmt.Errorf("%w: need %.2f, free %.2f", common.ErrInsufficientMargin, required, free))
	}

	a.seq++
	id := fmt.Sprintf("%s%08d", OrderIDPrefix, a.seq)
	a.positions[id] = &position{
		orderID:    id,
		symbol:     spec.Symbol,
		side:       spec.Side,
		qty:        spec.Quantity,
		entry:      price,
		current:    price,
		stopLoss:   spec.StopLoss,
		takeProfit: spec.TakeProfit,
	}
	ack := common.OrderAck{OrderID: id, Status: common.StatusFilled, FilledPrice: price, FilledQty: spec.Quantity}
	if spec.IdempotencyKey != "" {
		a.byKey[spec.IdempotencyKey] = ack
	}
	return ack, nil
}

// ClosePosition closes an open paper position at the current quote.
func (a *Adapter) ClosePosition(ctx context.Context, orderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready("close_position"); err != nil {
		return err
	}
	p, ok := a.positions[orderID]
	if !ok {
		return common.Rejected(Name, "close_position", common.ErrUnknownOrder)
	}
	if !p.open() {
		return nil
	}
	a.close(p, p.current, reasonManual)
	return nil
}

func (a *Adapter) OrderState(ctx context.Context, ref common.OrderRef) (common.OrderState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready("order_state"); err != nil {
		return common.OrderState{}, err
	}
	p, ok := a.positions[ref.OrderID]
	if !ok || !strings.HasPrefix(ref.OrderID, OrderIDPrefix) {
		return common.OrderState{}, common.Rejected(Name, "order_state", fmt.Errorf("%w: %s", common.ErrUnknownOrder, ref.OrderID))
	}
	if p.open() {
		return common.OrderState{
			Open:          true,
			CurrentPrice:  p.current,
			UnrealizedPnL: common.PnL(p.side, p.entry, p.current, p.qty),
		}, nil
	}
	realized := p.realized
	return common.OrderState{
		ExitPrice:    p.exit,
		CurrentPrice: p.exit,
		RealizedPnL:  &realized,
		ExitReason:   p.reason,
		ClosedAt:     p.closedAt,
	}, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) common.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready("health"); err != nil {
		return common.Health{OK: false, DegradedReason: err.Error()}
	}
	return common.Health{OK: true}
}

func (a *Adapter) DayBoundary() common.DayBoundary { return common.UTCMidnight }

func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

var _ common.Adapter = (*Adapter)(nil)
