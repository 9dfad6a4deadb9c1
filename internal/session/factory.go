package session

import (
	"log/slog"

	"signalist/pkg/brokers/binance"
	"signalist/pkg/brokers/common"
	"signalist/pkg/brokers/deriv"
	"signalist/pkg/brokers/mt5"
	"signalist/pkg/brokers/paper"
	"signalist/pkg/config"
)

// DefaultBrokers wires every supported broker from process configuration.
func DefaultBrokers(cfg *config.Config, logger *slog.Logger) map[string]Broker {
	return map[string]Broker{
		paper.Name: {
			Anonymous: true,
			Pinned:    true,
			New: func() common.Adapter {
				pc := paper.DefaultConfig()
				pc.InitialBalance = cfg.Paper.InitialBalance
				pc.Currency = cfg.Paper.Currency
				pc.Seed = cfg.Paper.Seed
				pc.SpreadBps = cfg.Paper.SpreadBps
				pc.VolatilityBps = cfg.Paper.VolatilityBps
				pc.Leverage = cfg.Paper.Leverage
				return paper.New(pc)
			},
		},
		mt5.Name: {
			New: func() common.Adapter {
				return mt5.New(mt5.Config{
					BaseURL:           cfg.MT5.BridgeURL,
					Timeout:           cfg.MT5.Timeout,
					RequestsPerSecond: cfg.MT5.RequestsPerSecond,
					Magic:             cfg.MT5.Magic,
					ServerUTCOffset:   cfg.MT5.ServerUTCOffset,
					Logger:            logger,
				})
			},
		},
		deriv.Name: {
			New: func() common.Adapter {
				return deriv.New(deriv.Config{
					URL:              cfg.Deriv.URL,
					Timeout:          cfg.Deriv.Timeout,
					ContractDuration: cfg.Deriv.ContractDuration,
					DurationUnit:     cfg.Deriv.DurationUnit,
					Logger:           logger,
				})
			},
		},
		binance.Name: {
			New: func() common.Adapter {
				return binance.New(binance.Config{
					Testnet:           cfg.Binance.Testnet,
					RequestsPerSecond: cfg.Binance.RequestsPerSecond,
					Logger:            logger,
				})
			},
		},
	}
}

// PaperOnly registers just the paper broker; used by tests and dry runs.
func PaperOnly(pc paper.Config) map[string]Broker {
	return map[string]Broker{
		paper.Name: {Anonymous: true, Pinned: true, New: func() common.Adapter { return paper.New(pc) }},
	}
}
