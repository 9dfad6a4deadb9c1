package common

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Pacer spaces outbound broker requests and counts waits that hit the limit.
type Pacer struct {
	name    string
	limiter *rate.Limiter
	waited  atomic.Int64
	logger  *slog.Logger
}

// NewPacer allows perSecond requests with the given burst.
func NewPacer(name string, perSecond float64, burst int, logger *slog.Logger) *Pacer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pacer{name: name, limiter: rate.NewLimiter(rate.Limit(perSecond), burst), logger: logger}
}

// Wait blocks until a request may be sent. A context deadline is reported
// as a transient broker error.
func (p *Pacer) Wait(ctx context.Context, op string) error {
	if p == nil {
		return nil
	}
	if !p.limiter.Allow() {
		n := p.waited.Add(1)
		if n%50 == 1 {
			p.logger.Warn("broker request throttled", "broker", p.name, "op", op, "throttled_total", n)
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return Transient(p.name, op, fmt.Errorf("rate limit wait: %w", err))
		}
	}
	return nil
}

// Throttled returns how many requests had to wait.
func (p *Pacer) Throttled() int64 { return p.waited.Load() }
