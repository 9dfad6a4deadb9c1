// Package session keeps one live broker session per (user, broker).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"signalist/pkg/brokers/common"
	"signalist/pkg/crypto"
	"signalist/pkg/db"
)

var (
	ErrSessionRevoked   = errors.New("broker session revoked")
	ErrUnknownBroker    = errors.New("unknown broker")
	ErrSessionUnhealthy = errors.New("broker session is unhealthy")
	ErrPoolFull         = errors.New("session pool is full")
	ErrNoCredentials    = errors.New("no broker credentials stored")
)

// Broker describes how to build adapters for one broker name.
type Broker struct {
	New func() common.Adapter
	// Anonymous brokers (paper) need no stored credentials.
	Anonymous bool
	// Pinned sessions hold state that lives nowhere else, such as paper
	// positions. Idle cleanup and LRU pressure never close them; Revoke
	// and Stop still do.
	Pinned bool
}

// CredentialStore is the slice of persistence the pool needs.
type CredentialStore interface {
	LoadCredential(ctx context.Context, userID, broker string) (db.Credential, error)
	RevokeCredential(ctx context.Context, userID, broker string) error
}

// Config holds configuration for the pool.
type Config struct {
	MaxSize          int           // sessions beyond this evict the least recently used idle one
	IdleTimeout      time.Duration // unleased sessions older than this are closed
	HealthInterval   time.Duration
	FailureThreshold int           // consecutive failed health checks before the circuit opens
	CircuitTimeout   time.Duration // how long an open circuit refuses new leases
	InitTimeout      time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          500,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   30 * time.Second,
		FailureThreshold: 3,
		CircuitTimeout:   time.Minute,
		InitTimeout:      20 * time.Second,
	}
}

type key struct{ userID, broker string }

type entry struct {
	adapter   common.Adapter
	key       key
	refs      int
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
	health    common.Health
	pinned    bool
	revoked   chan struct{}
}

// Pool owns broker sessions, their health and their revocation.
type Pool struct {
	mu       sync.Mutex
	sessions map[key]*entry
	lruOrder []key // oldest first

	cfg     Config
	brokers map[string]Broker
	creds   CredentialStore
	keyring *crypto.Keyring
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates a pool. keyring may be nil when only anonymous brokers are used.
func NewPool(cfg Config, brokers map[string]Broker, creds CredentialStore, keyring *crypto.Keyring, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = def.InitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sessions: make(map[key]*entry),
		cfg:      cfg,
		brokers:  brokers,
		creds:    creds,
		keyring:  keyring,
		logger:   logger.With("component", "session"),
		stopCh:   make(chan struct{}),
	}
}

// Brokers lists registered broker names.
func (p *Pool) Brokers() []string {
	names := make([]string, 0, len(p.brokers))
	for n := range p.brokers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start runs idle cleanup and health checks until ctx ends or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.every(ctx, p.cfg.IdleTimeout/2, p.cleanupIdle)
	go p.every(ctx, p.cfg.HealthInterval, func() { p.healthCheckAll(ctx) })
}

func (p *Pool) every(ctx context.Context, d time.Duration, fn func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop ends background work and closes every session.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()

		p.mu.Lock()
		defer p.mu.Unlock()
		for k, e := range p.sessions {
			p.closeLocked(k, e)
		}
		p.lruOrder = nil
	})
}

// Lease is a reference to a session held by one bot task.
type Lease struct {
	Adapter common.Adapter
	UserID  string
	Broker  string

	pool    *Pool
	entry   *entry
	release sync.Once
}

// Revoked is closed when the session's credentials are revoked.
func (l *Lease) Revoked() <-chan struct{} { return l.entry.revoked }

// Release returns the lease; it is safe to call more than once.
func (l *Lease) Release() {
	l.release.Do(func() {
		l.pool.mu.Lock()
		defer l.pool.mu.Unlock()
		l.entry.refs--
		l.entry.lastUsed = time.Now()
	})
}

// Acquire returns a lease on the user's session for broker, creating and
// initializing the adapter on first use.
func (p *Pool) Acquire(ctx context.Context, userID, broker string) (*Lease, error) {
	k := key{userID, broker}
	p.mu.Lock()
	if e, ok := p.sessions[k]; ok {
		if err := p.checkCircuitLocked(e); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		lease := p.leaseLocked(e)
		p.mu.Unlock()
		return lease, nil
	}
	p.mu.Unlock()

	adapter, err := p.open(ctx, k)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another caller may have opened the same session meanwhile.
	if e, ok := p.sessions[k]; ok {
		_ = adapter.Close()
		return p.leaseLocked(e), nil
	}
	if len(p.sessions) >= p.cfg.MaxSize && !p.evictOldestIdleLocked() {
		_ = adapter.Close()
		return nil, ErrPoolFull
	}
	now := time.Now()
	e := &entry{
		adapter:   adapter,
		key:       k,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
		health:    common.Health{OK: true},
		pinned:    p.brokers[broker].Pinned,
		revoked:   make(chan struct{}),
	}
	p.sessions[k] = e
	p.lruOrder = append(p.lruOrder, k)
	p.logger.Info("broker session opened", "user_id", userID, "broker", broker)
	return p.leaseLocked(e), nil
}

func (p *Pool) open(ctx context.Context, k key) (common.Adapter, error) {
	b, ok := p.brokers[k.broker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, k.broker)
	}
	var creds common.Credentials
	if !b.Anonymous {
		c, err := p.creds.LoadCredential(ctx, k.userID, k.broker)
		switch {
		case errors.Is(err, db.ErrCredentialRevoked):
			return nil, ErrSessionRevoked
		case errors.Is(err, db.ErrNotFound):
			return nil, fmt.Errorf("%w for %s", ErrNoCredentials, k.broker)
		case err != nil:
			return nil, fmt.Errorf("load credential: %w", err)
		}
		if p.keyring == nil {
			return nil, errors.New("credential keyring not configured")
		}
		if err := p.keyring.OpenJSON(c.Payload, &creds); err != nil {
			return nil, fmt.Errorf("open credential: %w", err)
		}
	}
	adapter := b.New()
	ictx, cancel := context.WithTimeout(ctx, p.cfg.InitTimeout)
	defer cancel()
	if err := adapter.Initialize(ictx, common.Config{UserID: k.userID, Credentials: creds}); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("initialize %s: %w", k.broker, err)
	}
	return adapter, nil
}

func (p *Pool) leaseLocked(e *entry) *Lease {
	e.refs++
	p.touchLRULocked(e.key)
	return &Lease{Adapter: e.adapter, UserID: e.key.userID, Broker: e.key.broker, pool: p, entry: e}
}

func (p *Pool) checkCircuitLocked(e *entry) error {
	if e.failures >= p.cfg.FailureThreshold && time.Since(e.healthyAt) < p.cfg.CircuitTimeout {
		return fmt.Errorf("%w: %s", ErrSessionUnhealthy, e.health.DegradedReason)
	}
	return nil
}

// Revoke marks the user's stored credential revoked, closes the live
// session and signals every lease holder.
func (p *Pool) Revoke(ctx context.Context, userID, broker string) error {
	k := key{userID, broker}
	var storeErr error
	if b, ok := p.brokers[broker]; ok && !b.Anonymous {
		storeErr = p.creds.RevokeCredential(ctx, userID, broker)
		if errors.Is(storeErr, db.ErrNotFound) {
			storeErr = nil
		}
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBroker, broker)
	}

	p.mu.Lock()
	if e, ok := p.sessions[k]; ok {
		p.closeLocked(k, e)
		p.logger.Warn("broker session revoked", "user_id", userID, "broker", broker, "leases", e.refs)
	}
	p.mu.Unlock()
	return storeErr
}

// closeLocked removes the session, wakes lease holders and closes the adapter.
func (p *Pool) closeLocked(k key, e *entry) {
	delete(p.sessions, k)
	p.removeLRULocked(k)
	close(e.revoked)
	if err := e.adapter.Close(); err != nil {
		p.logger.Warn("close adapter", "broker", k.broker, "error", err)
	}
}

// Health returns the last health observed for a session.
func (p *Pool) Health(userID, broker string) (common.Health, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[key{userID, broker}]
	if !ok {
		return common.Health{}, false
	}
	return e.health, true
}

// PoolStats contains session pool statistics.
type PoolStats struct {
	Sessions  int            `json:"sessions"`
	Leases    int            `json:"leases"`
	Unhealthy int            `json:"unhealthy"`
	ByBroker  map[string]int `json:"by_broker"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PoolStats{Sessions: len(p.sessions), ByBroker: make(map[string]int)}
	for k, e := range p.sessions {
		stats.ByBroker[k.broker]++
		stats.Leases += e.refs
		if e.failures >= p.cfg.FailureThreshold {
			stats.Unhealthy++
		}
	}
	return stats
}

func (p *Pool) touchLRULocked(k key) {
	if e, ok := p.sessions[k]; ok {
		e.lastUsed = time.Now()
	}
	for i, id := range p.lruOrder {
		if id == k {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, k)
			break
		}
	}
}

func (p *Pool) removeLRULocked(k key) {
	for i, id := range p.lruOrder {
		if id == k {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
}

// evictOldestIdleLocked closes the least recently used unpinned session
// nobody leases.
func (p *Pool) evictOldestIdleLocked() bool {
	for _, k := range p.lruOrder {
		if e := p.sessions[k]; e != nil && e.refs == 0 && !e.pinned {
			p.closeLocked(k, e)
			return true
		}
	}
	return false
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for k, e := range p.sessions {
		if e.refs == 0 && !e.pinned && now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
			p.closeLocked(k, e)
			p.logger.Debug("idle broker session closed", "user_id", k.userID, "broker", k.broker)
		}
	}
}

func (p *Pool) healthCheckAll(ctx context.Context) {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.sessions))
	for _, e := range p.sessions {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		h := e.adapter.HealthCheck(hctx)
		cancel()
		p.record(e, h)
	}
}

func (p *Pool) record(e *entry, h common.Health) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.health = h
	if h.OK {
		e.failures = 0
		e.healthyAt = time.Now()
		return
	}
	e.failures++
	if e.failures == p.cfg.FailureThreshold {
		p.logger.Warn("broker session circuit open", "user_id", e.key.userID, "broker", e.key.broker, "reason", h.DegradedReason)
	}
}
