// Package mt5 adapts the MetaTrader 5 HTTP bridge to the broker contract.
package mt5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
)

// Name is the broker identifier.
const Name = "mt5"

// Config configures the bridge client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Magic             int
	ServerUTCOffset   int
	Logger            *slog.Logger
}

// Adapter talks to one bridge connection on behalf of one user.
type Adapter struct {
	cfg    Config
	client *resty.Client
	pacer  *common.Pacer
	logger *slog.Logger

	mu       sync.RWMutex
	connID   string
	currency string

	// noTick is set once the bridge answers 404 on /tick.
	noTick atomic.Bool
}

// New builds an adapter; Initialize opens the bridge connection.
func New(cfg Config) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Magic == 0 {
		cfg.Magic = 2025
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("broker", Name)
	return &Adapter{
		cfg: cfg,
		client: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
		pacer:  common.NewPacer(Name, cfg.RequestsPerSecond, int(cfg.RequestsPerSecond)+1, logger),
		logger: logger,
	}
}

func (a *Adapter) Name() string { return Name }

// envelope is the bridge's response shape.
type envelope struct {
	Success      bool       `json:"success"`
	Error        string     `json:"error"`
	Status       string     `json:"status"`
	ConnectionID string     `json:"connection_id"`
	Account      *account   `json:"account"`
	Order        *orderAck  `json:"order"`
	Positions    []position `json:"positions"`
	Deals        []deal     `json:"deals"`
	Tick         *tick      `json:"tick"`
}

type account struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Currency   string  `json:"currency"`
	Leverage   int     `json:"leverage"`
}

type orderAck struct {
	OrderID int64   `json:"order_id"`
	DealID  int64   `json:"deal_id"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
	Retcode int     `json:"retcode"`
}

type position struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	Commission   float64 `json:"commission"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Magic        int     `json:"magic"`
	Comment      string  `json:"comment"`
	Time         int64   `json:"time"`
}

type deal struct {
	Ticket     int64   `json:"ticket"`
	Order      int64   `json:"order"`
	PositionID int64   `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	Profit     float64 `json:"profit"`
	Swap       float64 `json:"swap"`
	Commission float64 `json:"commission"`
	Time       int64   `json:"time"`
	Comment    string  `json:"comment"`
}

type tick struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Time int64   `json:"time"`
}

// call sends one request and classifies the outcome. Network failures and
// 5xx replies are transient; 4xx replies are validation errors; a 200 reply
// with success=false is a broker rejection.
func (a *Adapter) call(ctx context.Context, op, method, path string, query map[string]string, body any) (envelope, error) {
	if err := a.pacer.Wait(ctx, op); err != nil {
		return envelope{}, err
	}
	var env envelope
	req := a.client.R().SetContext(ctx).SetResult(&env).SetError(&env)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return envelope{}, common.Transient(Name, op, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound && env.Error == "":
		return envelope{}, &common.Error{Broker: Name, Op: op, Kind: common.KindValidation, Err: errRouteMissing}
	case code >= 500:
		return envelope{}, common.Transient(Name, op, fmt.Errorf("bridge status %d: %s", code, env.Error))
	case code >= 400:
		return envelope{}, &common.Error{Broker: Name, Op: op, Kind: common.KindValidation, Err: fmt.Errorf("bridge status %d: %s", code, env.Error)}
	}
	if !env.Success && path != "/health" {
		msg := env.Error
		if msg == "" {
			msg = "bridge reported failure"
		}
		if msg == "Not connected" {
			return envelope{}, common.Fatal(Name, op, errors.New(msg))
		}
		return envelope{}, common.Rejected(Name, op, errors.New(msg))
	}
	return env, nil
}

var errRouteMissing = errors.New("bridge route not found")

func (a *Adapter) conn() (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.connID == "" {
		return "", common.Fatal(Name, "connection", common.ErrNotInitialized)
	}
	return a.connID, nil
}

func (a *Adapter) Initialize(ctx context.Context, cfg common.Config) error {
	login, err := strconv.ParseInt(cfg.Credentials.Login, 10, 64)
	if err != nil {
		return &common.Error{Broker: Name, Op: "connect", Kind: common.KindValidation, Err: fmt.Errorf("login must be numeric: %w", err)}
	}
	env, err := a.call(ctx, "connect", http.MethodPost, "/connect", nil, map[string]any{
		"login":    login,
		"password": cfg.Credentials.Password,
		"server":   cfg.Credentials.Server,
	})
	if err != nil {
		// A refused login is not something a retry will fix.
		if common.IsRejection(err) {
			return common.Fatal(Name, "connect", errors.Unwrap(err))
		}
		return err
	}
	if env.ConnectionID == "" {
		return common.Fatal(Name, "connect", errors.New("bridge returned no connection_id"))
	}
	a.mu.Lock()
	a.connID = env.ConnectionID
	if env.Account != nil {
		a.currency = env.Account.Currency
	}
	a.mu.Unlock()
	a.logger.Info("mt5 bridge connected", "user_id", cfg.UserID, "server", cfg.Credentials.Server)
	return nil
}

func (a *Adapter) GetBalance(ctx context.Context) (common.Balance, error) {
	id, err := a.conn()
	if err != nil {
		return common.Balance{}, err
	}
	env, err := a.call(ctx, "balance", http.MethodGet, "/account", map[string]string{"connection_id": id}, nil)
	if err != nil {
		return common.Balance{}, err
	}
	if env.Account == nil {
		return common.Balance{}, common.Transient(Name, "balance", errors.New("empty account payload"))
	}
	return common.Balance{Balance: env.Account.Balance, Equity: env.Account.Equity, Currency: env.Account.Currency}, nil
}

// GetMarketData reads /tick when the bridge serves it. The stock bridge only
// exposes account, trade and position routes, so without /tick the quote is
// taken from an open position's current price on the symbol. With neither,
// the error is fatal: the bot cannot price signals on this bridge.
func (a *Adapter) GetMarketData(ctx context.Context, symbol string) (common.Quote, error) {
	id, err := a.conn()
	if err != nil {
		return common.Quote{}, err
	}
	if !a.noTick.Load() {
		q, err := a.tickQuote(ctx, id, symbol)
		if !errors.Is(err, errRouteMissing) {
			return q, err
		}
		a.noTick.Store(true)
		a.logger.Warn("bridge has no /tick route, quoting from open positions")
	}
	return a.positionQuote(ctx, id, symbol)
}

func (a *Adapter) tickQuote(ctx context.Context, id, symbol string) (common.Quote, error) {
	env, err := a.call(ctx, "market_data", http.MethodGet, "/tick", map[string]string{"connection_id": id, "symbol": symbol}, nil)
	if err != nil {
		return common.Quote{}, err
	}
	if env.Tick == nil || env.Tick.Bid <= 0 || env.Tick.Ask < env.Tick.Bid {
		return common.Quote{}, common.Transient(Name, "market_data", fmt.Errorf("bad tick for %s", symbol))
	}
	ts := time.Now().UTC()
	if env.Tick.Time > 0 {
		ts = time.Unix(env.Tick.Time, 0).UTC()
	}
	return common.Quote{Symbol: symbol, Bid: env.Tick.Bid, Ask: env.Tick.Ask, Timestamp: ts}, nil
}

// positionQuote uses price_current of the newest open position on symbol.
// The bridge reports a single price, so bid and ask coincide.
func (a *Adapter) positionQuote(ctx context.Context, id, symbol string) (common.Quote, error) {
	env, err := a.call(ctx, "market_data", http.MethodGet, "/trades/open", map[string]string{"connection_id": id, "symbol": symbol}, nil)
	if err != nil {
		return common.Quote{}, err
	}
	var newest *position
	for i := range env.Positions {
		p := &env.Positions[i]
		if p.Symbol != symbol || p.PriceCurrent <= 0 {
			continue
		}
		if newest == nil || p.Time > newest.Time {
			newest = p
		}
	}
	if newest == nil {
		return common.Quote{}, common.Fatal(Name, "market_data",
			fmt.Errorf("%w: bridge serves no /tick and holds no open %s position", common.ErrNoQuotes, symbol))
	}
	return common.Quote{Symbol: symbol, Bid: newest.PriceCurrent, Ask: newest.PriceCurrent, Timestamp: time.Now().UTC()}, nil
}

// orderTag is the position comment that carries the idempotency key. MT5
// truncates comments at 31 characters.
func orderTag(key string) string {
	tag := "SIG" + strings.ReplaceAll(key, "-", "")
	if len(tag) > 27 {
		tag = tag[:27]
	}
	return tag
}

func (a *Adapter) openPositions(ctx context.Context, id string) ([]position, error) {
	env, err := a.call(ctx, "open_positions", http.MethodGet, "/trades/open", map[string]string{"connection_id": id}, nil)
	if err != nil {
		return nil, err
	}
	return env.Positions, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, spec common.OrderSpec) (common.OrderAck, error) {
	id, err := a.conn()
	if err != nil {
		return common.OrderAck{}, err
	}
	comment := spec.Comment
	if spec.IdempotencyKey != "" {
		comment = orderTag(spec.IdempotencyKey)
		// A previous attempt may have filled before its reply was lost.
		open, err := a.openPositions(ctx, id)
		if err != nil {
			return common.OrderAck{}, err
		}
		for _, p := range open {
			if p.Comment == comment {
				return common.OrderAck{OrderID: strconv.FormatInt(p.Ticket, 10), Status: common.StatusFilled,
					FilledPrice: p.PriceOpen, FilledQty: p.Volume}, nil
			}
		}
	}

	path := "/trade/buy"
	if spec.Side == domain.SideSell {
		path = "/trade/sell"
	}
	env, err := a.call(ctx, "place_order", http.MethodPost, path, nil, map[string]any{
		"connection_id": id,
		"symbol":        spec.Symbol,
		"volume":        spec.Quantity,
		"sl":            spec.StopLoss,
		"tp":            spec.TakeProfit,
		"magic":         a.cfg.Magic,
		"comment":       comment,
	})
	if err != nil {
		return common.OrderAck{}, err
	}
	if env.Order == nil {
		return common.OrderAck{}, common.Transient(Name, "place_order", errors.New("empty order payload"))
	}
	return common.OrderAck{
		OrderID:     strconv.FormatInt(env.Order.OrderID, 10),
		Status:      common.StatusFilled,
		FilledPrice: env.Order.Price,
		FilledQty:   env.Order.Volume,
	}, nil
}

// OrderState looks the ticket up among open positions first, then among
// closing deals in the history.
func (a *Adapter) OrderState(ctx context.Context, ref common.OrderRef) (common.OrderState, error) {
	id, err := a.conn()
	if err != nil {
		return common.OrderState{}, err
	}
	ticket, err := strconv.ParseInt(ref.OrderID, 10, 64)
	if err != nil {
		return common.OrderState{}, common.Rejected(Name, "order_state", fmt.Errorf("%w: %s", common.ErrUnknownOrder, ref.OrderID))
	}
	open, err := a.openPositions(ctx, id)
	if err != nil {
		return common.OrderState{}, err
	}
	for _, p := range open {
		if p.Ticket == ticket {
			return common.OrderState{Open: true, CurrentPrice: p.PriceCurrent, UnrealizedPnL: p.Profit + p.Swap + p.Commission}, nil
		}
	}

	env, err := a.call(ctx, "closed_deals", http.MethodGet, "/trades/closed", map[string]string{"connection_id": id, "symbol": ref.Symbol}, nil)
	if err != nil {
		return common.OrderState{}, err
	}
	if d, ok := closingDeal(env.Deals, ticket, ref); ok {
		pnl := d.Profit + d.Swap + d.Commission
		closed := time.Unix(d.Time, 0).UTC()
		return common.OrderState{
			ExitPrice:    d.Price,
			CurrentPrice: d.Price,
			RealizedPnL:  &pnl,
			ExitReason:   exitReason(d.Comment),
			ClosedAt:     &closed,
		}, nil
	}
	return common.OrderState{}, common.Rejected(Name, "order_state", fmt.Errorf("%w: ticket %d", common.ErrUnknownOrder, ticket))
}

// closingDeal finds the deal that closed the position. When the bridge
// reports position ids the match is exact; otherwise it falls back to the
// earliest opposite-side deal of the same volume after the position opened.
func closingDeal(deals []deal, ticket int64, ref common.OrderRef) (deal, bool) {
	want := string(domain.SideSell)
	if ref.Side == domain.SideSell {
		want = string(domain.SideBuy)
	}
	byPosition := false
	for _, d := range deals {
		if d.PositionID != 0 {
			byPosition = true
			break
		}
	}
	var (
		best  deal
		found bool
	)
	for _, d := range deals {
		if d.Order == ticket || d.Type != want || d.Symbol != ref.Symbol {
			continue
		}
		if byPosition {
			if d.PositionID != ticket {
				continue
			}
		} else {
			if ref.Quantity > 0 && d.Volume != ref.Quantity {
				continue
			}
			if !ref.OpenedAt.IsZero() && d.Time < ref.OpenedAt.Unix() {
				continue
			}
		}
		if !found || d.Time < best.Time {
			best, found = d, true
		}
	}
	return best, found
}

// exitReason normalizes MT5 deal comments such as "[tp 1.23450]".
func exitReason(comment string) string {
	c := strings.ToLower(comment)
	switch {
	case strings.HasPrefix(c, "[tp"):
		return "take-profit hit"
	case strings.HasPrefix(c, "[sl"):
		return "stop-loss hit"
	case strings.Contains(c, "close"):
		return "manual close"
	}
	return comment
}

// ClosePosition asks the bridge to close a position by ticket.
func (a *Adapter) ClosePosition(ctx context.Context, orderID string) error {
	id, err := a.conn()
	if err != nil {
		return err
	}
	ticket, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return common.Rejected(Name, "close_position", common.ErrUnknownOrder)
	}
	_, err = a.call(ctx, "close_position", http.MethodPost, "/position/close", nil, map[string]any{"connection_id": id, "ticket": ticket})
	return err
}

func (a *Adapter) HealthCheck(ctx context.Context) common.Health {
	start := time.Now()
	env, err := a.call(ctx, "health", http.MethodGet, "/health", nil, nil)
	h := common.Health{LatencyMs: time.Since(start).Milliseconds()}
	switch {
	case err != nil:
		h.DegradedReason = err.Error()
	case env.Status != "ok":
		h.DegradedReason = "bridge status " + env.Status
	default:
		h.OK = true
		if _, err := a.conn(); err != nil {
			h.OK = false
			h.DegradedReason = "not connected"
		}
	}
	return h
}

// DayBoundary is midnight in the trade server's clock.
func (a *Adapter) DayBoundary() common.DayBoundary {
	return common.FixedZone("MT5", a.cfg.ServerUTCOffset, 0)
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	id := a.connID
	a.connID = ""
	a.mu.Unlock()
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()
	_, err := a.call(ctx, "disconnect", http.MethodPost, "/disconnect", nil, map[string]string{"connection_id": id})
	return err
}

var _ common.Adapter = (*Adapter)(nil)
