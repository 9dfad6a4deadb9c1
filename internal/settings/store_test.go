package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalist/internal/risk"
	"signalist/pkg/db"
)

type countingRepo struct {
	*db.Database
	loads int
}

func (c *countingRepo) LoadRiskProfile(ctx context.Context, userID, botID string) (risk.Profile, error) {
	c.loads++
	return c.Database.LoadRiskProfile(ctx, userID, botID)
}

func newRepo(t *testing.T) *countingRepo {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return &countingRepo{Database: database}
}

func TestFallbackWhenMissing(t *testing.T) {
	repo := newRepo(t)
	fallback := risk.DefaultProfile()
	s := NewStore(repo, time.Minute, fallback)

	p, err := s.RiskProfile(context.Background(), "alice", "bot-1")
	require.NoError(t, err)
	assert.Equal(t, fallback, p)

	_, err = repo.Database.LoadRiskProfile(context.Background(), "alice", "bot-1")
	assert.ErrorIs(t, err, db.ErrNotFound, "fallback must not be persisted")
}

func TestReadThroughAndWriteInvalidates(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := NewStore(repo, time.Minute, risk.DefaultProfile())

	custom := risk.DefaultProfile()
	custom.MaxConcurrentPositions = 1
	require.NoError(t, s.SaveRiskProfile(ctx, "alice", "bot-1", custom))

	for i := 0; i < 3; i++ {
		p, err := s.RiskProfile(ctx, "alice", "bot-1")
		require.NoError(t, err)
		assert.Equal(t, 1, p.MaxConcurrentPositions)
	}
	assert.Equal(t, 1, repo.loads)

	custom.MaxConcurrentPositions = 5
	require.NoError(t, s.SaveRiskProfile(ctx, "alice", "bot-1", custom))
	p, err := s.RiskProfile(ctx, "alice", "bot-1")
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxConcurrentPositions)
	assert.Equal(t, 2, repo.loads)
}

func TestDefaultSaveRefreshesFallbackBots(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := NewStore(repo, time.Hour, risk.DefaultProfile())

	def := risk.DefaultProfile()
	def.MaxConcurrentPositions = 2
	require.NoError(t, s.SaveRiskProfile(ctx, "alice", "", def))
	own := risk.DefaultProfile()
	own.MaxConcurrentPositions = 9
	require.NoError(t, s.SaveRiskProfile(ctx, "alice", "bot-own", own))

	p, err := s.RiskProfile(ctx, "alice", "bot-1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxConcurrentPositions)
	_, err = s.RiskProfile(ctx, "bob", "bot-1")
	require.NoError(t, err)
	loads := repo.loads

	def.MaxConcurrentPositions = 4
	require.NoError(t, s.SaveRiskProfile(ctx, "alice", "", def))

	p, err = s.RiskProfile(ctx, "alice", "bot-1")
	require.NoError(t, err)
	assert.Equal(t, 4, p.MaxConcurrentPositions)
	p, err = s.RiskProfile(ctx, "alice", "bot-own")
	require.NoError(t, err)
	assert.Equal(t, 9, p.MaxConcurrentPositions)
	_, err = s.RiskProfile(ctx, "bob", "bot-1")
	require.NoError(t, err)
	assert.Equal(t, loads+2, repo.loads, "bob's entry stays cached")
}

func TestSaveRejectsInvalidProfile(t *testing.T) {
	s := NewStore(newRepo(t), time.Minute, risk.DefaultProfile())
	bad := risk.DefaultProfile()
	bad.MaxRiskPerTrade = 0
	err := s.SaveRiskProfile(context.Background(), "alice", "bot-1", bad)
	assert.True(t, errors.Is(err, risk.ErrInvalidProfile))
}
