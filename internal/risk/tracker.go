package risk

import (
	"sync"
	"time"

	"signalist/pkg/brokers/common"
)

// Key identifies one bot of one user.
type Key struct {
	UserID string
	BotID  string
}

type dayState struct {
	day          string
	startBalance float64
	realized     float64
	peak         float64
	lastSeen     time.Time
}

// DailyTracker accumulates realized PnL per bot and resets it when the
// broker's trading day rolls over.
type DailyTracker struct {
	mu     sync.Mutex
	states map[Key]*dayState
	now    func() time.Time
}

// NewDailyTracker creates an empty tracker.
func NewDailyTracker() *DailyTracker {
	return &DailyTracker{states: make(map[Key]*dayState), now: time.Now}
}

func (t *DailyTracker) state(k Key, b common.DayBoundary, balance float64) *dayState {
	now := t.now()
	day := b.DayKey(now)
	s, ok := t.states[k]
	if !ok {
		s = &dayState{day: day, startBalance: balance, peak: balance}
		t.states[k] = s
	} else if s.day != day {
		s.day = day
		s.startBalance = balance
		s.realized = 0
	}
	s.lastSeen = now
	return s
}

// Observe records the current balance and returns the account view for CanTrade.
func (t *DailyTracker) Observe(k Key, b common.DayBoundary, balance float64) Account {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(k, b, balance)
	if balance > s.peak {
		s.peak = balance
	}
	loss := s.realized
	if loss > 0 {
		loss = 0
	}
	return Account{Balance: balance, DayStartBalance: s.startBalance, DailyLoss: loss, PeakBalance: s.peak}
}

// RecordRealized adds a closed trade's PnL to today's total.
func (t *DailyTracker) RecordRealized(k Key, b common.DayBoundary, pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[k]
	if !ok {
		return
	}
	if day := b.DayKey(t.now()); s.day != day {
		s.day = day
		s.realized = 0
	}
	s.realized += pnl
}

// Remove forgets a bot.
func (t *DailyTracker) Remove(k Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, k)
}

// Len returns the number of tracked bots.
func (t *DailyTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// CleanupIdle drops bots not observed for longer than ttl.
func (t *DailyTracker) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := t.now().Add(-ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, s := range t.states {
		if s.lastSeen.Before(cutoff) {
			delete(t.states, k)
		}
	}
}
