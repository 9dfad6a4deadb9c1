package session

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
	"signalist/pkg/brokers/paper"
	"signalist/pkg/crypto"
	"signalist/pkg/db"
)

// fakeAdapter is a credentialed adapter whose health can be toggled.
type fakeAdapter struct {
	common.Adapter // unused methods panic

	mu     sync.Mutex
	creds  common.Credentials
	ok     bool
	closed bool
}

func (f *fakeAdapter) Initialize(_ context.Context, cfg common.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = cfg.Credentials
	f.ok = true
	return nil
}

func (f *fakeAdapter) HealthCheck(context.Context) common.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ok {
		return common.Health{OK: true}
	}
	return common.Health{DegradedReason: "bridge down"}
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fixture struct {
	pool    *Pool
	db      *db.Database
	keyring *crypto.Keyring
	made    []*fakeAdapter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	kr, err := crypto.NewKeyring(map[int]string{1: base64.StdEncoding.EncodeToString(make([]byte, crypto.KeySize))})
	require.NoError(t, err)

	f := &fixture{db: database, keyring: kr}
	brokers := PaperOnly(paper.DefaultConfig())
	brokers["fake"] = Broker{New: func() common.Adapter {
		a := &fakeAdapter{}
		f.made = append(f.made, a)
		return a
	}}
	f.pool = NewPool(cfg, brokers, database, kr, nil)
	t.Cleanup(f.pool.Stop)
	return f
}

func (f *fixture) storeCreds(t *testing.T, user string, c common.Credentials) {
	t.Helper()
	payload, err := f.keyring.SealJSON(c)
	require.NoError(t, err)
	require.NoError(t, f.db.SaveCredential(context.Background(), db.Credential{UserID: user, Broker: "fake", Payload: payload, KeyVersion: f.keyring.Version()}))
}

func TestAcquireSharesSessionPerUserAndBroker(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	a, err := f.pool.Acquire(ctx, "alice", paper.Name)
	require.NoError(t, err)
	b, err := f.pool.Acquire(ctx, "alice", paper.Name)
	require.NoError(t, err)
	c, err := f.pool.Acquire(ctx, "bob", paper.Name)
	require.NoError(t, err)

	assert.Same(t, a.Adapter, b.Adapter)
	assert.NotSame(t, a.Adapter, c.Adapter)
	st := f.pool.Stats()
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, 3, st.Leases)

	a.Release()
	a.Release()
	assert.Equal(t, 2, f.pool.Stats().Leases)

	_, err = f.pool.Acquire(ctx, "alice", "nope")
	assert.ErrorIs(t, err, ErrUnknownBroker)
	assert.Equal(t, []string{"fake", paper.Name}, f.pool.Brokers())
}

func TestAcquireDecryptsStoredCredentials(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.pool.Acquire(ctx, "alice", "fake")
	require.ErrorIs(t, err, ErrNoCredentials)

	f.storeCreds(t, "alice", common.Credentials{Login: "5001", Password: "pw", Server: "Demo"})
	lease, err := f.pool.Acquire(ctx, "alice", "fake")
	require.NoError(t, err)
	fa := lease.Adapter.(*fakeAdapter)
	assert.Equal(t, "5001", fa.creds.Login)
	assert.Equal(t, "pw", fa.creds.Password)
}

func TestRevokeClosesSessionAndSignalsLeases(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.storeCreds(t, "alice", common.Credentials{Token: "t"})

	lease, err := f.pool.Acquire(ctx, "alice", "fake")
	require.NoError(t, err)

	require.NoError(t, f.pool.Revoke(ctx, "alice", "fake"))
	select {
	case <-lease.Revoked():
	case <-time.After(time.Second):
		t.Fatal("lease was not signalled")
	}
	assert.True(t, f.made[0].closed)
	lease.Release()

	_, err = f.pool.Acquire(ctx, "alice", "fake")
	assert.ErrorIs(t, err, ErrSessionRevoked)

	// Storing new credentials clears the revocation.
	f.storeCreds(t, "alice", common.Credentials{Token: "t2"})
	_, err = f.pool.Acquire(ctx, "alice", "fake")
	assert.NoError(t, err)
}

func TestHealthFailuresOpenCircuit(t *testing.T) {
	f := newFixture(t, Config{FailureThreshold: 2, CircuitTimeout: time.Hour})
	ctx := context.Background()
	f.storeCreds(t, "alice", common.Credentials{Token: "t"})

	lease, err := f.pool.Acquire(ctx, "alice", "fake")
	require.NoError(t, err)
	fa := lease.Adapter.(*fakeAdapter)
	fa.mu.Lock()
	fa.ok = false
	fa.mu.Unlock()

	f.pool.healthCheckAll(ctx)
	_, err = f.pool.Acquire(ctx, "alice", "fake")
	require.NoError(t, err, "one failure stays under the threshold")

	f.pool.healthCheckAll(ctx)
	_, err = f.pool.Acquire(ctx, "alice", "fake")
	assert.ErrorIs(t, err, ErrSessionUnhealthy)
	assert.Equal(t, 1, f.pool.Stats().Unhealthy)

	h, ok := f.pool.Health("alice", "fake")
	require.True(t, ok)
	assert.Equal(t, "bridge down", h.DegradedReason)

	fa.mu.Lock()
	fa.ok = true
	fa.mu.Unlock()
	f.pool.healthCheckAll(ctx)
	_, err = f.pool.Acquire(ctx, "alice", "fake")
	assert.NoError(t, err)
}

func TestIdleSessionsAreEvicted(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: time.Millisecond, MaxSize: 1})
	ctx := context.Background()
	f.storeCreds(t, "alice", common.Credentials{Login: "1"})
	f.storeCreds(t, "bob", common.Credentials{Login: "2"})

	lease, err := f.pool.Acquire(ctx, "alice", "fake")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	f.pool.cleanupIdle()
	assert.Equal(t, 1, f.pool.Stats().Sessions, "leased sessions survive cleanup")

	// At capacity with only a leased session there is nothing to evict.
	_, err = f.pool.Acquire(ctx, "bob", "fake")
	assert.ErrorIs(t, err, ErrPoolFull)

	lease.Release()
	time.Sleep(5 * time.Millisecond)
	f.pool.cleanupIdle()
	assert.Equal(t, 0, f.pool.Stats().Sessions)
	require.NotEmpty(t, f.made)
	assert.True(t, f.made[0].closed)
}

func TestPaperSessionsOutliveIdleAndLRU(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: time.Millisecond, MaxSize: 1})
	ctx := context.Background()

	lease, err := f.pool.Acquire(ctx, "alice", paper.Name)
	require.NoError(t, err)
	ack, err := lease.Adapter.PlaceOrder(ctx, common.OrderSpec{Symbol: "EURUSD", Side: domain.SideBuy, Quantity: 0.1, IdempotencyKey: "k1"})
	require.NoError(t, err)
	lease.Release()

	time.Sleep(5 * time.Millisecond)
	f.pool.cleanupIdle()
	assert.Equal(t, 1, f.pool.Stats().Sessions)

	f.storeCreds(t, "bob", common.Credentials{Login: "2"})
	_, err = f.pool.Acquire(ctx, "bob", "fake")
	assert.ErrorIs(t, err, ErrPoolFull, "an idle paper session is not an eviction candidate")

	again, err := f.pool.Acquire(ctx, "alice", paper.Name)
	require.NoError(t, err)
	defer again.Release()
	st, err := again.Adapter.OrderState(ctx, common.OrderRef{OrderID: ack.OrderID, Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.True(t, st.Open)

	require.NoError(t, f.pool.Revoke(ctx, "alice", paper.Name))
	assert.Equal(t, 0, f.pool.Stats().Sessions)
}
