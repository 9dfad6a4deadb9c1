package cli

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
	"signalist/pkg/brokers/paper"
	"signalist/pkg/config"
)

// runPaperCheck drives one paper session through balance, quote, order,
// state lookup, close and health, failing on the first broken expectation.
func runPaperCheck(ctx context.Context, cfg *config.Config, symbol string, out io.Writer) error {
	adapter := paper.New(paperConfig(cfg))
	defer adapter.Close()

	step := func(name string, err error) error {
		if err != nil {
			fmt.Fprintf(out, "FAIL %-10s %v\n", name, err)
			return fmt.Errorf("paper check %s: %w", name, err)
		}
		fmt.Fprintf(out, "ok   %s\n", name)
		return nil
	}

	err := adapter.Initialize(ctx, common.Config{UserID: "paper-check", Currency: cfg.Paper.Currency})
	if err := step("initialize", err); err != nil {
		return err
	}

	bal, err := adapter.GetBalance(ctx)
	if err == nil && math.Abs(bal.Balance-cfg.Paper.InitialBalance) > 0.01 {
		err = fmt.Errorf("balance %.2f, want %.2f", bal.Balance, cfg.Paper.InitialBalance)
	}
	if err := step("balance", err); err != nil {
		return err
	}

	q, err := adapter.GetMarketData(ctx, symbol)
	if err == nil && !(q.Bid > 0 && q.Bid < q.Ask) {
		err = fmt.Errorf("quote bid %v ask %v", q.Bid, q.Ask)
	}
	if err := step("quote", err); err != nil {
		return err
	}

	ack, err := adapter.PlaceOrder(ctx, common.OrderSpec{
		Symbol:         symbol,
		Side:           domain.SideBuy,
		Quantity:       0.01,
		StopLoss:       q.Bid * 0.99,
		TakeProfit:     q.Ask * 1.01,
		IdempotencyKey: "paper-check",
	})
	if err == nil && (ack.Status != common.StatusFilled || !strings.HasPrefix(ack.OrderID, paper.OrderIDPrefix)) {
		err = fmt.Errorf("ack %s %s", ack.OrderID, ack.Status)
	}
	if err := step("order", err); err != nil {
		return err
	}

	st, err := adapter.OrderState(ctx, common.OrderRef{OrderID: ack.OrderID, Symbol: symbol})
	if err == nil && !st.Open {
		err = fmt.Errorf("order %s already closed", ack.OrderID)
	}
	if err := step("state", err); err != nil {
		return err
	}

	if err := step("close", adapter.ClosePosition(ctx, ack.OrderID)); err != nil {
		return err
	}

	h := adapter.HealthCheck(ctx)
	if !h.OK {
		err = fmt.Errorf("unhealthy: %s", h.DegradedReason)
	}
	return step("health", err)
}
