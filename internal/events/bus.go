// Package events fans bot events out to per-user live stream subscribers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"signalist/internal/domain"
)

// MaxHeartbeat is the longest allowed gap between heartbeat frames.
const MaxHeartbeat = 30 * time.Second

// SnapshotFunc loads a user's currently open trades.
type SnapshotFunc func(ctx context.Context, userID string) ([]domain.Trade, error)

// Options configures subscriptions.
type Options struct {
	Heartbeat        time.Duration // clamped to MaxHeartbeat
	SnapshotInterval time.Duration // 0 disables periodic snapshots
	Buffer           int
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 15 * time.Second
	}
	if o.Heartbeat > MaxHeartbeat {
		o.Heartbeat = MaxHeartbeat
	}
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	return o
}

// Bus is a per-user publish/subscribe hub. Publish never blocks; a slow
// subscriber loses frames instead of stalling a bot.
type Bus struct {
	opts     Options
	snapshot SnapshotFunc
	logger   *slog.Logger

	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	dropped atomic.Int64
}

// NewBus creates a bus. snapshot may be nil, in which case open_trades
// frames carry an empty list.
func NewBus(opts Options, snapshot SnapshotFunc, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		opts:     opts.withDefaults(),
		snapshot: snapshot,
		logger:   logger.With("component", "events"),
		subs:     make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription is one subscriber's channel. Cancel releases its timers and
// unregisters it before returning.
type Subscription struct {
	bus    *Bus
	userID string
	ch     chan Event

	mu     sync.Mutex
	closed bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// C returns the frame channel. It is closed by Cancel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Subscribe registers a subscriber for userID. The first frame on the channel
// is an open_trades snapshot.
func (b *Bus) Subscribe(userID string) *Subscription {
	s := &Subscription{
		bus:    b,
		userID: userID,
		ch:     make(chan Event, b.opts.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.deliver(b.openTrades(userID))

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[*Subscription]struct{})
	}
	b.subs[userID][s] = struct{}{}
	b.mu.Unlock()

	go s.loop()
	return s
}

func (s *Subscription) loop() {
	defer close(s.done)
	hb := time.NewTicker(s.bus.opts.Heartbeat)
	defer hb.Stop()

	var snap <-chan time.Time
	if s.bus.opts.SnapshotInterval > 0 {
		t := time.NewTicker(s.bus.opts.SnapshotInterval)
		defer t.Stop()
		snap = t.C
	}

	for {
		select {
		case <-s.stop:
			return
		case now := <-hb.C:
			s.deliver(Event{Type: KindHeartbeat, Data: HeartbeatPayload{Time: now.UTC()}})
		case <-snap:
			s.deliver(s.bus.openTrades(s.userID))
		}
	}
}

// Cancel stops the subscription's periodic work, removes it from the bus and
// closes its channel. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done

		b := s.bus
		b.mu.Lock()
		if set := b.subs[s.userID]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.userID)
			}
		}
		b.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.bus.dropped.Add(1)
		return false
	}
}

func (b *Bus) openTrades(userID string) Event {
	payload := OpenTradesPayload{Trades: []domain.Trade{}}
	if b.snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		trades, err := b.snapshot(ctx, userID)
		cancel()
		if err != nil {
			b.logger.Warn("open trades snapshot failed", "user_id", userID, "error", err)
		} else if trades != nil {
			payload.Trades = trades
		}
	}
	return Event{Type: KindOpenTrades, Data: payload}
}

// Publish delivers ev to every subscriber of userID.
func (b *Bus) Publish(userID string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[userID] {
		if !s.deliver(ev) {
			b.logger.Debug("event dropped", "user_id", userID, "type", ev.Type)
		}
	}
}

// SubscriberCount returns the number of live subscriptions for userID.
func (b *Bus) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

// Dropped returns how many frames were discarded for slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close cancels every subscription.
func (b *Bus) Close() {
	b.mu.RLock()
	var all []*Subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.RUnlock()
	for _, s := range all {
		s.Cancel()
	}
}
