package bot

import (
	"context"
	"sync"
	"time"

	"signalist/internal/domain"
	"signalist/internal/risk"
	"signalist/pkg/db"
)

// task is the registry entry of one bot. The goroutine running it is the
// only writer of cycles and failures; everything else goes through mu.
type task struct {
	key    risk.Key
	rec    db.BotRecord
	cancel context.CancelFunc

	mu         sync.Mutex
	state      domain.BotState
	lastErr    string
	startedAt  time.Time
	lastCycle  time.Time
	cycles     int64
	failures   int
	orderFails int // rejections and failed dispatches since the last accepted order
	stopReq    bool

	stopOnce  sync.Once
	stop      chan struct{}
	readyOnce sync.Once
	ready     chan struct{} // closed once the task is RUNNING or finished
	done      chan struct{}
}

func newTask(rec db.BotRecord, cancel context.CancelFunc) *task {
	return &task{
		key:    risk.Key{UserID: rec.UserID, BotID: rec.BotID},
		rec:    rec,
		cancel: cancel,
		state:  domain.BotStarting,
		stop:   make(chan struct{}),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (t *task) getState() domain.BotState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// markRunning moves STARTING to RUNNING. It fails when a stop arrived first.
func (t *task) markRunning(now time.Time) bool {
	t.mu.Lock()
	if t.state != domain.BotStarting {
		t.mu.Unlock()
		return false
	}
	t.state = domain.BotRunning
	t.startedAt = now
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })
	return true
}

// requestStop flags the task and wakes its loop. It reports whether the
// task was still active.
func (t *task) requestStop() bool {
	t.mu.Lock()
	active := t.state.Active()
	if active {
		t.state = domain.BotStopping
		t.stopReq = true
	}
	t.mu.Unlock()
	if active {
		t.stopOnce.Do(func() { close(t.stop) })
	}
	return active
}

func (t *task) stopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopReq
}

// finish records the terminal state. Waiters on done see it afterwards.
func (t *task) finish(state domain.BotState, lastErr string) {
	t.mu.Lock()
	t.state = state
	t.lastErr = lastErr
	t.mu.Unlock()
}

func (t *task) close() {
	t.readyOnce.Do(func() { close(t.ready) })
	close(t.done)
}

// clearError moves a finished ERROR task to STOPPED.
func (t *task) clearError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != domain.BotError {
		return false
	}
	t.state = domain.BotStopped
	return true
}

func (t *task) touch(now time.Time) {
	t.mu.Lock()
	t.cycles++
	t.lastCycle = now
	t.mu.Unlock()
}

func (t *task) recordFailure(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	t.lastErr = err.Error()
	return t.failures
}

func (t *task) resetFailures() {
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
}

// recordOrderFailure counts a failed order. Quiet cycles leave the count
// alone; only an accepted order clears it.
func (t *task) recordOrderFailure(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orderFails++
	t.lastErr = err.Error()
	return t.orderFails
}

func (t *task) orderAccepted() {
	t.mu.Lock()
	t.failures = 0
	t.orderFails = 0
	t.mu.Unlock()
}

func (t *task) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		UserID:              t.rec.UserID,
		BotID:               t.rec.BotID,
		Broker:              t.rec.Broker,
		Strategy:            t.rec.Strategy,
		Symbol:              t.rec.Symbol,
		State:               t.state,
		LastError:           t.lastErr,
		Cycles:              t.cycles,
		ConsecutiveFailures: t.failures,
		OrderFailures:       t.orderFails,
	}
	if !t.startedAt.IsZero() {
		at := t.startedAt
		st.StartedAt = &at
	}
	if !t.lastCycle.IsZero() {
		at := t.lastCycle
		st.LastCycleAt = &at
	}
	return st
}
