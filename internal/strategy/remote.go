package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
)

// evaluateMethod is the worker's unary RPC. Requests and replies are
// google.protobuf.Struct so workers need no generated stubs.
const evaluateMethod = "/signalist.strategy.v1.StrategyWorker/Evaluate"

// WorkerClient calls an out-of-process strategy worker over gRPC.
type WorkerClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewWorkerClient connects lazily to addr.
func NewWorkerClient(addr string, timeout time.Duration) (*WorkerClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial strategy worker: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &WorkerClient{conn: conn, timeout: timeout}, nil
}

func (w *WorkerClient) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// Evaluate sends one quote with the bot's parameters and returns the raw reply.
func (w *WorkerClient) Evaluate(ctx context.Context, botID string, params Params, q common.Quote) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{
		"bot_id":    botID,
		"symbol":    q.Symbol,
		"bid":       q.Bid,
		"ask":       q.Ask,
		"timestamp": float64(q.Timestamp.UnixMilli()),
		"params":    map[string]any(params),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := w.conn.Invoke(ctx, evaluateMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Remote delegates decisions to the worker. A reply with action BUY or SELL
// becomes a signal; anything else is a hold.
type Remote struct {
	botID  string
	symbol string
	params Params
	client *WorkerClient
}

func NewRemote(spec Spec, client *WorkerClient) *Remote {
	return &Remote{botID: spec.BotID, symbol: spec.Symbol, params: spec.Params, client: client}
}

func (r *Remote) Name() string { return "remote_" + r.params.String("model", r.symbol) }

func (r *Remote) OnQuote(ctx context.Context, q common.Quote) (*domain.Signal, error) {
	if q.Symbol != r.symbol {
		return nil, nil
	}
	resp, err := r.client.Evaluate(ctx, r.botID, r.params, q)
	if err != nil {
		return nil, fmt.Errorf("strategy worker: %w", err)
	}
	out := Params(resp.AsMap())
	side := domain.Side(strings.ToUpper(out.String("action", "HOLD")))
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, nil
	}
	entry := q.Ask
	if side == domain.SideSell {
		entry = q.Bid
	}
	return &domain.Signal{
		Symbol:     q.Symbol,
		Side:       side,
		EntryPrice: out.Float("entry_price", entry),
		StopLoss:   out.Float("stop_loss", 0),
		TakeProfit: out.Float("take_profit", 0),
		Quantity:   out.Float("quantity", r.params.Float("quantity", 1)),
		Timestamp:  q.Timestamp,
		Reason:     out.String("reason", "remote"),
	}, nil
}
