// Package binance adapts Binance USDT-M futures to the broker contract.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	bncommon "github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
)

// Name is the broker identifier.
const Name = "binance"

// Binance error codes the adapter reacts to.
const (
	codeTooManyRequests   = -1003
	codeTimestamp         = -1021
	codeUnknownOrder      = -2013
	codeInvalidAPIKey     = -2014
	codeRejectedMBXKey    = -2015
	codeMarginShort       = -2019
	codeDuplicateClientID = -4116
)

// Config tunes the futures client.
type Config struct {
	Testnet           bool
	BaseURL           string // overrides the endpoint, used against fakes
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// Adapter is a Binance futures session.
type Adapter struct {
	cfg      Config
	client   *futures.Client
	pacer    *common.Pacer
	logger   *slog.Logger
	currency string
}

func New(cfg Config) *Adapter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		pacer:  common.NewPacer(Name, cfg.RequestsPerSecond, int(cfg.RequestsPerSecond), cfg.Logger),
		logger: cfg.Logger.With("broker", Name),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Initialize(ctx context.Context, cfg common.Config) error {
	creds := cfg.Credentials
	if creds.APIKey == "" || creds.APISecret == "" {
		return common.Fatal(Name, "initialize", errors.New("api key and secret required"))
	}
	futures.UseTestnet = a.cfg.Testnet
	client := gobinance.NewFuturesClient(creds.APIKey, creds.APISecret)
	if a.cfg.BaseURL != "" {
		client.BaseURL = a.cfg.BaseURL
	}
	a.client = client
	a.currency = cfg.Currency
	if a.currency == "" {
		a.currency = "USDT"
	}
	// Balance doubles as a credential check.
	if _, err := a.GetBalance(ctx); err != nil {
		a.client = nil
		if common.IsRejection(err) {
			return common.Fatal(Name, "initialize", errors.Unwrap(err))
		}
		return err
	}
	return nil
}

func (a *Adapter) ready(ctx context.Context, op string) error {
	if a.client == nil {
		return common.Fatal(Name, op, common.ErrNotInitialized)
	}
	return a.pacer.Wait(ctx, op)
}

// classify maps go-binance errors onto the broker error taxonomy.
func classify(op string, err error) error {
	var apiErr *bncommon.APIError
	if !errors.As(err, &apiErr) {
		return common.Transient(Name, op, err)
	}
	switch apiErr.Code {
	case codeTooManyRequests, codeTimestamp:
		return common.Transient(Name, op, err)
	case codeInvalidAPIKey, codeRejectedMBXKey:
		return common.Fatal(Name, op, err)
	case codeMarginShort:
		return common.Rejected(Name, op, fmt.Errorf("%w: %v", common.ErrInsufficientMargin, err))
	case codeUnknownOrder:
		return common.Rejected(Name, op, fmt.Errorf("%w: %v", common.ErrUnknownOrder, err))
	}
	if apiErr.Code <= -1100 {
		return common.Rejected(Name, op, err)
	}
	return common.Transient(Name, op, err)
}

func apiCode(err error) int64 {
	var apiErr *bncommon.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func parse(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func format(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func (a *Adapter) GetBalance(ctx context.Context) (common.Balance, error) {
	if err := a.ready(ctx, "balance"); err != nil {
		return common.Balance{}, err
	}
	balances, err := a.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return common.Balance{}, classify("balance", err)
	}
	for _, b := range balances {
		if b.Asset != a.currency {
			continue
		}
		wallet := parse(b.Balance)
		return common.Balance{
			Balance:  wallet,
			Equity:   wallet + parse(b.CrossUnPnl),
			Currency: b.Asset,
		}, nil
	}
	return common.Balance{Currency: a.currency}, nil
}

func (a *Adapter) GetMarketData(ctx context.Context, symbol string) (common.Quote, error) {
	if err := a.ready(ctx, "market_data"); err != nil {
		return common.Quote{}, err
	}
	tickers, err := a.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return common.Quote{}, classify("market_data", err)
	}
	if len(tickers) == 0 {
		return common.Quote{}, common.Rejected(Name, "market_data", fmt.Errorf("no book ticker for %s", symbol))
	}
	t := tickers[0]
	return common.Quote{Symbol: t.Symbol, Bid: parse(t.BidPrice), Ask: parse(t.AskPrice), Timestamp: time.Now().UTC()}, nil
}

// clientID derives a Binance client order id (max 36 chars) from the
// idempotency key and a role suffix.
func clientID(key, role string) string {
	id := strings.ReplaceAll(key, "-", "")
	if len(id) > 30 {
		id = id[:30]
	}
	return role + id
}

// PlaceOrder sends a market order plus closePosition stop and take-profit
// orders. A repeated idempotency key returns the original fill.
func (a *Adapter) PlaceOrder(ctx context.Context, spec common.OrderSpec) (common.OrderAck, error) {
	if spec.Quantity <= 0 || spec.Symbol == "" {
		return common.OrderAck{}, &common.Error{Broker: Name, Op: "place_order", Kind: common.KindValidation, Err: errors.New("symbol and positive quantity required")}
	}
	if err := a.ready(ctx, "place_order"); err != nil {
		return common.OrderAck{}, err
	}
	side, exitSide := futures.SideTypeBuy, futures.SideTypeSell
	if spec.Side == domain.SideSell {
		side, exitSide = futures.SideTypeSell, futures.SideTypeBuy
	}

	svc := a.client.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(format(spec.Quantity))
	entryID := ""
	if spec.IdempotencyKey != "" {
		entryID = clientID(spec.IdempotencyKey, "SE")
		svc = svc.NewClientOrderID(entryID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		if apiCode(err) == codeDuplicateClientID && entryID != "" {
			return a.existingAck(ctx, spec.Symbol, entryID)
		}
		return common.OrderAck{}, classify("place_order", err)
	}

	ack := common.OrderAck{
		OrderID:     strconv.FormatInt(res.OrderID, 10),
		Status:      mapStatus(res.Status),
		FilledPrice: parse(res.AvgPrice),
		FilledQty:   parse(res.ExecutedQuantity),
	}
	if ack.Status == common.StatusRejected {
		return ack, common.Rejected(Name, "place_order", fmt.Errorf("order %s %s", ack.OrderID, res.Status))
	}
	if ack.FilledPrice == 0 {
		if q, qerr := a.GetMarketData(ctx, spec.Symbol); qerr == nil {
			ack.FilledPrice = q.Ask
			if spec.Side == domain.SideSell {
				ack.FilledPrice = q.Bid
			}
		}
	}
	if ack.FilledQty == 0 {
		ack.FilledQty = spec.Quantity
	}
	ack.Status = common.StatusFilled

	a.protect(ctx, spec, exitSide, futures.OrderTypeStopMarket, spec.StopLoss, "SL")
	a.protect(ctx, spec, exitSide, futures.OrderTypeTakeProfitMarket, spec.TakeProfit, "TP")
	return ack, nil
}

// protect places a closePosition trigger order; failures are logged since
// the entry already filled.
func (a *Adapter) protect(ctx context.Context, spec common.OrderSpec, side futures.SideType, typ futures.OrderType, trigger float64, role string) {
	if trigger <= 0 {
		return
	}
	svc := a.client.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(side).
		Type(typ).
		StopPrice(format(trigger)).
		ClosePosition(true)
	if spec.IdempotencyKey != "" {
		svc = svc.NewClientOrderID(clientID(spec.IdempotencyKey, role))
	}
	if _, err := svc.Do(ctx); err != nil && apiCode(err) != codeDuplicateClientID {
		a.logger.Warn("protective order failed", "symbol", spec.Symbol, "type", typ, "error", err)
	}
}

func (a *Adapter) existingAck(ctx context.Context, symbol, clientOrderID string) (common.OrderAck, error) {
	o, err := a.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return common.OrderAck{}, classify("place_order", err)
	}
	return common.OrderAck{
		OrderID:     strconv.FormatInt(o.OrderID, 10),
		Status:      mapStatus(o.Status),
		FilledPrice: parse(o.AvgPrice),
		FilledQty:   parse(o.ExecutedQuantity),
	}, nil
}

func mapStatus(s futures.OrderStatusType) common.OrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return common.StatusFilled
	case futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired, futures.OrderStatusTypeCanceled:
		return common.StatusRejected
	}
	return common.StatusPending
}

// OrderState reports a trade as open while the symbol's net position still
// carries it; otherwise the first opposite fill after entry closes it.
func (a *Adapter) OrderState(ctx context.Context, ref common.OrderRef) (common.OrderState, error) {
	if err := a.ready(ctx, "order_state"); err != nil {
		return common.OrderState{}, err
	}
	id, err := strconv.ParseInt(ref.OrderID, 10, 64)
	if err != nil {
		return common.OrderState{}, common.Rejected(Name, "order_state", fmt.Errorf("%w: %s", common.ErrUnknownOrder, ref.OrderID))
	}
	if _, err := a.client.NewGetOrderService().Symbol(ref.Symbol).OrderID(id).Do(ctx); err != nil {
		return common.OrderState{}, classify("order_state", err)
	}

	risks, err := a.client.NewGetPositionRiskService().Symbol(ref.Symbol).Do(ctx)
	if err != nil {
		return common.OrderState{}, classify("order_state", err)
	}
	for _, p := range risks {
		amt := parse(p.PositionAmt)
		if amt == 0 || (amt > 0) != (ref.Side == domain.SideBuy) {
			continue
		}
		mark := parse(p.MarkPrice)
		return common.OrderState{
			Open:          true,
			CurrentPrice:  mark,
			UnrealizedPnL: common.PnL(ref.Side, ref.EntryPrice, mark, ref.Quantity),
		}, nil
	}

	fills, err := a.client.NewListAccountTradeService().
		Symbol(ref.Symbol).
		StartTime(ref.OpenedAt.UnixMilli()).
		Do(ctx)
	if err != nil {
		return common.OrderState{}, classify("order_state", err)
	}
	exitSide := futures.SideTypeSell
	if ref.Side == domain.SideSell {
		exitSide = futures.SideTypeBuy
	}
	for _, f := range fills {
		if f.Side != exitSide || f.OrderID == id {
			continue
		}
		exit := parse(f.Price)
		pnl := common.PnL(ref.Side, ref.EntryPrice, exit, ref.Quantity)
		closed := time.UnixMilli(f.Time).UTC()
		return common.OrderState{
			CurrentPrice: exit,
			ExitPrice:    exit,
			RealizedPnL:  &pnl,
			ExitReason:   a.exitReason(ctx, ref.Symbol, f.OrderID),
			ClosedAt:     &closed,
		}, nil
	}
	return common.OrderState{}, common.Rejected(Name, "order_state", fmt.Errorf("%w: position for %s gone without a closing fill", common.ErrUnknownOrder, ref.OrderID))
}

func (a *Adapter) exitReason(ctx context.Context, symbol string, orderID int64) string {
	o, err := a.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return "closed"
	}
	switch o.Type {
	case futures.OrderTypeStopMarket, futures.OrderTypeStop:
		return "stop-loss hit"
	case futures.OrderTypeTakeProfitMarket, futures.OrderTypeTakeProfit:
		return "take-profit hit"
	}
	return "manual close"
}

func (a *Adapter) HealthCheck(ctx context.Context) common.Health {
	if a.client == nil {
		return common.Health{DegradedReason: common.ErrNotInitialized.Error()}
	}
	start := time.Now()
	err := a.client.NewPingService().Do(ctx)
	h := common.Health{OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		h.DegradedReason = err.Error()
	} else if n := a.pacer.Throttled(); n > 0 {
		a.logger.Debug("binance pacer throttled requests", "count", n)
	}
	return h
}

// DayBoundary: futures funding and daily stats roll at 00:00 UTC.
func (a *Adapter) DayBoundary() common.DayBoundary { return common.UTCMidnight }

func (a *Adapter) Close() error {
	a.client = nil
	return nil
}

var _ common.Adapter = (*Adapter)(nil)
