// Package deriv adapts the Deriv websocket API to the broker contract.
// One websocket is held per session; requests are correlated by req_id.
package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
)

// Name is the broker identifier.
const Name = "deriv"

// Config configures the streaming client.
type Config struct {
	URL              string
	Timeout          time.Duration
	ContractDuration int
	DurationUnit     string // t, s, m, h, d
	Logger           *slog.Logger
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type message struct {
	MsgType string          `json:"msg_type"`
	ReqID   int64           `json:"req_id"`
	Error   *apiError       `json:"error"`
	Raw     json.RawMessage `json:"-"`
}

type tickBody struct {
	Symbol string  `json:"symbol"`
	Quote  float64 `json:"quote"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Epoch  int64   `json:"epoch"`
}

// Adapter is a Deriv session.
type Adapter struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	connMu  sync.Mutex // guards conn, token and reconnects
	conn    *websocket.Conn
	token   string
	writeMu sync.Mutex

	nextID  atomic.Int64
	pendMu  sync.Mutex
	pending map[int64]chan message

	tickMu sync.RWMutex
	ticks  map[string]common.Quote

	currency string // guarded by connMu

	ackMu    sync.Mutex
	acks     map[string]common.OrderAck
	tries    map[string]buyAttempt
	claimed  map[int64]bool
}

// buyAttempt is a buy sent under an idempotency key whose outcome may
// not have been seen.
type buyAttempt struct {
	at       time.Time
	symbol   string
	contract string
	stake    float64
	side     domain.Side
}

// New returns an unconnected adapter.
func New(cfg Config) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ContractDuration <= 0 {
		cfg.ContractDuration = 5
	}
	if cfg.DurationUnit == "" {
		cfg.DurationUnit = "m"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		logger:  cfg.Logger.With("broker", Name),
		pending: make(map[int64]chan message),
		ticks:   make(map[string]common.Quote),
		acks:    make(map[string]common.OrderAck),
		tries:   make(map[string]buyAttempt),
		claimed: make(map[int64]bool),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Initialize(ctx context.Context, cfg common.Config) error {
	if cfg.Credentials.Token == "" {
		return common.Fatal(Name, "authorize", errors.New("api token required"))
	}
	a.connMu.Lock()
	a.token = cfg.Credentials.Token
	a.connMu.Unlock()
	_, err := a.connection(ctx)
	return err
}

// connection returns a live, authorized websocket, dialing again if the
// previous one dropped.
func (a *Adapter) connection(ctx context.Context) (*websocket.Conn, error) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		return a.conn, nil
	}
	if a.token == "" {
		return nil, common.Fatal(Name, "connect", common.ErrNotInitialized)
	}
	conn, _, err := a.dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return nil, common.Transient(Name, "connect", fmt.Errorf("dial deriv ws: %w", err))
	}
	a.conn = conn
	go a.readLoop(conn)

	raw, err := a.roundTrip(ctx, conn, "authorize", map[string]any{"authorize": a.token})
	if err != nil {
		a.dropLocked(conn)
		if common.IsRejection(err) {
			return nil, common.Fatal(Name, "authorize", errors.Unwrap(err))
		}
		return nil, err
	}
	var auth struct {
		Authorize struct {
			Currency string `json:"currency"`
			LoginID  string `json:"loginid"`
		} `json:"authorize"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		a.dropLocked(conn)
		return nil, common.Transient(Name, "authorize", err)
	}
	a.currency = auth.Authorize.Currency // connMu held
	a.logger.Info("deriv session authorized", "login_id", auth.Authorize.LoginID)
	return conn, nil
}

func (a *Adapter) dropLocked(conn *websocket.Conn) {
	if a.conn == conn {
		a.conn = nil
	}
	_ = conn.Close()
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer a.failPending(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!strings.Contains(err.Error(), "use of closed network connection") {
				a.logger.Warn("deriv ws read error", "error", err)
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Warn("deriv ws parse error", "error", err)
			continue
		}
		msg.Raw = data
		if msg.MsgType == "tick" && msg.Error == nil {
			a.storeTick(data)
		}
		a.pendMu.Lock()
		ch, ok := a.pending[msg.ReqID]
		if ok {
			delete(a.pending, msg.ReqID)
		}
		a.pendMu.Unlock()
		if ok {
			ch <- msg
		} else if msg.MsgType == "buy" && msg.Error == nil {
			a.lateBuy(data)
		}
	}
}

// lateBuy records a buy reply that arrived after its request gave up, so
// the retry under the same key returns this contract.
func (a *Adapter) lateBuy(data []byte) {
	var body struct {
		Passthrough struct {
			Key string `json:"idempotency_key"`
		} `json:"passthrough"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Passthrough.Key == "" {
		return
	}
	a.ackMu.Lock()
	defer a.ackMu.Unlock()
	try, ok := a.tries[body.Passthrough.Key]
	if !ok {
		return
	}
	ack, id, err := a.ackFromBuy(data, try.symbol, try.side)
	if err != nil {
		return
	}
	a.acks[body.Passthrough.Key] = ack
	a.claimed[id] = true
	a.logger.Info("late buy reply recorded", "contract_id", id)
}

// failPending forgets the dead connection; waiting requests time out on
// their own contexts and see a transient error.
func (a *Adapter) failPending(conn *websocket.Conn) {
	a.connMu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.connMu.Unlock()
	a.pendMu.Lock()
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	a.pendMu.Unlock()
}

func (a *Adapter) storeTick(data []byte) {
	var body struct {
		Tick tickBody `json:"tick"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Tick.Symbol == "" {
		return
	}
	q := quoteFromTick(body.Tick)
	a.tickMu.Lock()
	a.ticks[q.Symbol] = q
	a.tickMu.Unlock()
}

func quoteFromTick(t tickBody) common.Quote {
	bid, ask := t.Bid, t.Ask
	if bid <= 0 || ask <= 0 {
		bid, ask = t.Quote, t.Quote
	}
	if ask <= bid {
		// Synthetic indices publish a single quote; widen by one pip.
		ask = bid + bid*1e-5
	}
	return common.Quote{Symbol: t.Symbol, Bid: bid, Ask: ask, Timestamp: time.Unix(t.Epoch, 0).UTC()}
}

func (a *Adapter) roundTrip(ctx context.Context, conn *websocket.Conn, op string, req map[string]any) (json.RawMessage, error) {
	id := a.nextID.Add(1)
	req["req_id"] = id
	ch := make(chan message, 1)
	a.pendMu.Lock()
	a.pending[id] = ch
	a.pendMu.Unlock()
	defer func() {
		a.pendMu.Lock()
		delete(a.pending, id)
		a.pendMu.Unlock()
	}()

	a.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.Timeout))
	err := conn.WriteJSON(req)
	a.writeMu.Unlock()
	if err != nil {
		return nil, common.Transient(Name, op, fmt.Errorf("write: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return nil, common.Transient(Name, op, ctx.Err())
	case msg, ok := <-ch:
		if !ok {
			return nil, common.Transient(Name, op, errors.New("connection closed"))
		}
		if msg.Error != nil {
			return nil, classify(op, msg.Error)
		}
		return msg.Raw, nil
	}
}

func classify(op string, e *apiError) error {
	err := fmt.Errorf("%s: %s", e.Code, e.Message)
	switch e.Code {
	case "InvalidToken", "AuthorizationRequired", "DisabledClient":
		return common.Fatal(Name, op, err)
	case "RateLimit", "WrongResponse", "InternalServerError":
		return common.Transient(Name, op, err)
	case "InsufficientBalance":
		return common.Rejected(Name, op, fmt.Errorf("%w: %v", common.ErrInsufficientMargin, err))
	case "ContractNotFound", "InvalidContractId":
		return common.Rejected(Name, op, fmt.Errorf("%w: %v", common.ErrUnknownOrder, err))
	}
	return common.Rejected(Name, op, err)
}

func (a *Adapter) request(ctx context.Context, op string, req map[string]any) (json.RawMessage, error) {
	conn, err := a.connection(ctx)
	if err != nil {
		return nil, err
	}
	return a.roundTrip(ctx, conn, op, req)
}

func (a *Adapter) GetBalance(ctx context.Context) (common.Balance, error) {
	raw, err := a.request(ctx, "balance", map[string]any{"balance": 1})
	if err != nil {
		return common.Balance{}, err
	}
	var body struct {
		Balance struct {
			Balance  float64 `json:"balance"`
			Currency string  `json:"currency"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return common.Balance{}, common.Transient(Name, "balance", err)
	}
	return common.Balance{Balance: body.Balance.Balance, Equity: body.Balance.Balance, Currency: body.Balance.Currency}, nil
}

// GetMarketData returns the latest streamed tick; the first call for a
// symbol subscribes to its tick stream.
func (a *Adapter) GetMarketData(ctx context.Context, symbol string) (common.Quote, error) {
	a.tickMu.RLock()
	q, ok := a.ticks[symbol]
	a.tickMu.RUnlock()
	if ok && time.Since(q.Timestamp) < time.Minute {
		return q, nil
	}
	raw, err := a.request(ctx, "market_data", map[string]any{"ticks": symbol, "subscribe": 1})
	if err != nil {
		// Already subscribed on this connection; wait for the stream.
		if strings.Contains(err.Error(), "AlreadySubscribed") && ok {
			return q, nil
		}
		return common.Quote{}, err
	}
	var body struct {
		Tick tickBody `json:"tick"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return common.Quote{}, common.Transient(Name, "market_data", err)
	}
	q = quoteFromTick(body.Tick)
	a.tickMu.Lock()
	a.ticks[symbol] = q
	a.tickMu.Unlock()
	return q, nil
}

// PlaceOrder buys a CALL (BUY) or PUT (SELL) contract. Quantity is the stake.
// The idempotency key rides in the passthrough field. A key that was tried
// before without a seen reply is first looked up among the open contracts.
func (a *Adapter) PlaceOrder(ctx context.Context, spec common.OrderSpec) (common.OrderAck, error) {
	contract := "CALL"
	if spec.Side == domain.SideSell {
		contract = "PUT"
	}
	if spec.IdempotencyKey != "" {
		a.ackMu.Lock()
		ack, done := a.acks[spec.IdempotencyKey]
		try, tried := a.tries[spec.IdempotencyKey]
		a.ackMu.Unlock()
		if done {
			return ack, nil
		}
		if tried {
			ack, found, err := a.findBought(ctx, spec.IdempotencyKey, try)
			if err != nil {
				return common.OrderAck{}, err
			}
			if found {
				return ack, nil
			}
		}
		a.ackMu.Lock()
		a.tries[spec.IdempotencyKey] = buyAttempt{at: time.Now(), symbol: spec.Symbol, contract: contract, stake: spec.Quantity, side: spec.Side}
		a.ackMu.Unlock()
	}

	a.connMu.Lock()
	currency := a.currency
	a.connMu.Unlock()
	if currency == "" {
		currency = "USD"
	}
	raw, err := a.request(ctx, "place_order", map[string]any{
		"buy":   1,
		"price": spec.Quantity,
		"parameters": map[string]any{
			"amount":        spec.Quantity,
			"basis":         "stake",
			"contract_type": contract,
			"currency":      currency,
			"duration":      a.cfg.ContractDuration,
			"duration_unit": a.cfg.DurationUnit,
			"symbol":        spec.Symbol,
		},
		"passthrough": map[string]string{"idempotency_key": spec.IdempotencyKey},
	})
	if err != nil {
		if spec.IdempotencyKey != "" && !common.IsTransient(err) {
			// The broker answered, so nothing was bought under this key.
			a.ackMu.Lock()
			delete(a.tries, spec.IdempotencyKey)
			a.ackMu.Unlock()
		}
		return common.OrderAck{}, err
	}
	ack, id, err := a.ackFromBuy(raw, spec.Symbol, spec.Side)
	if err != nil {
		return common.OrderAck{}, err
	}
	a.ackMu.Lock()
	a.claimed[id] = true
	if spec.IdempotencyKey != "" {
		a.acks[spec.IdempotencyKey] = ack
		delete(a.tries, spec.IdempotencyKey)
	}
	a.ackMu.Unlock()
	return ack, nil
}

func (a *Adapter) ackFromBuy(raw []byte, symbol string, side domain.Side) (common.OrderAck, int64, error) {
	var body struct {
		Buy struct {
			ContractID int64   `json:"contract_id"`
			BuyPrice   float64 `json:"buy_price"`
		} `json:"buy"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return common.OrderAck{}, 0, common.Transient(Name, "place_order", err)
	}
	return a.ack(body.Buy.ContractID, body.Buy.BuyPrice, symbol, side), body.Buy.ContractID, nil
}

// ack builds a filled acknowledgement. Deriv does not report the entry spot
// on buy, so the last tick stands in for it.
func (a *Adapter) ack(contractID int64, stake float64, symbol string, side domain.Side) common.OrderAck {
	a.tickMu.RLock()
	q := a.ticks[symbol]
	a.tickMu.RUnlock()
	fill := q.Ask
	if side == domain.SideSell {
		fill = q.Bid
	}
	return common.OrderAck{
		OrderID:     strconv.FormatInt(contractID, 10),
		Status:      common.StatusFilled,
		FilledPrice: fill,
		FilledQty:   stake,
	}
}

// findBought searches the open contracts for one bought by an earlier
// attempt: same symbol, type and stake, purchased no earlier than that
// attempt and not already held by another key.
func (a *Adapter) findBought(ctx context.Context, key string, try buyAttempt) (common.OrderAck, bool, error) {
	raw, err := a.request(ctx, "portfolio", map[string]any{"portfolio": 1})
	if err != nil {
		return common.OrderAck{}, false, err
	}
	var body struct {
		Portfolio struct {
			Contracts []struct {
				ContractID   int64   `json:"contract_id"`
				ContractType string  `json:"contract_type"`
				Symbol       string  `json:"symbol"`
				BuyPrice     float64 `json:"buy_price"`
				PurchaseTime int64   `json:"purchase_time"`
			} `json:"contracts"`
		} `json:"portfolio"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return common.OrderAck{}, false, common.Transient(Name, "portfolio", err)
	}
	since := try.at.Add(-time.Second).Unix()
	a.ackMu.Lock()
	defer a.ackMu.Unlock()
	for _, c := range body.Portfolio.Contracts {
		if a.claimed[c.ContractID] || c.Symbol != try.symbol || c.ContractType != try.contract ||
			c.BuyPrice != try.stake || c.PurchaseTime < since {
			continue
		}
		ack := a.ack(c.ContractID, c.BuyPrice, try.symbol, try.side)
		a.claimed[c.ContractID] = true
		a.acks[key] = ack
		delete(a.tries, key)
		a.logger.Info("buy found in portfolio", "contract_id", c.ContractID)
		return ack, true, nil
	}
	return common.OrderAck{}, false, nil
}

func (a *Adapter) OrderState(ctx context.Context, ref common.OrderRef) (common.OrderState, error) {
	id, err := strconv.ParseInt(ref.OrderID, 10, 64)
	if err != nil {
		return common.OrderState{}, common.Rejected(Name, "order_state", fmt.Errorf("%w: %s", common.ErrUnknownOrder, ref.OrderID))
	}
	raw, err := a.request(ctx, "order_state", map[string]any{"proposal_open_contract": 1, "contract_id": id})
	if err != nil {
		return common.OrderState{}, err
	}
	var body struct {
		POC struct {
			IsSold      int     `json:"is_sold"`
			Status      string  `json:"status"`
			Profit      float64 `json:"profit"`
			CurrentSpot float64 `json:"current_spot"`
			ExitSpot    float64 `json:"exit_tick"`
			SellTime    int64   `json:"sell_time"`
			IsExpired   int     `json:"is_expired"`
		} `json:"proposal_open_contract"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return common.OrderState{}, common.Transient(Name, "order_state", err)
	}
	poc := body.POC
	if poc.IsSold == 0 && poc.Status == "open" {
		return common.OrderState{Open: true, CurrentPrice: poc.CurrentSpot, UnrealizedPnL: poc.Profit}, nil
	}
	pnl := poc.Profit
	closed := time.Unix(poc.SellTime, 0).UTC()
	reason := "manual close"
	if poc.IsExpired == 1 {
		reason = "contract expired " + poc.Status
	}
	return common.OrderState{
		ExitPrice:    poc.ExitSpot,
		CurrentPrice: poc.ExitSpot,
		RealizedPnL:  &pnl,
		ExitReason:   reason,
		ClosedAt:     &closed,
	}, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) common.Health {
	start := time.Now()
	_, err := a.request(ctx, "health", map[string]any{"ping": 1})
	h := common.Health{LatencyMs: time.Since(start).Milliseconds(), OK: err == nil}
	if err != nil {
		h.DegradedReason = err.Error()
	}
	return h
}

// DayBoundary: Deriv accounts roll over at 00:00 GMT.
func (a *Adapter) DayBoundary() common.DayBoundary { return common.UTCMidnight }

func (a *Adapter) Close() error {
	a.connMu.Lock()
	conn := a.conn
	a.conn = nil
	a.token = ""
	a.connMu.Unlock()
	if conn == nil {
		return nil
	}
	a.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.writeMu.Unlock()
	return conn.Close()
}

var _ common.Adapter = (*Adapter)(nil)
