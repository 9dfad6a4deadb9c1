// Package settings serves risk profiles. The database is the only source of
// truth; the in-memory cache is a read-through copy that writes invalidate.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signalist/internal/risk"
	"signalist/pkg/cache"
	"signalist/pkg/db"
)

// Repository is the persistence contract the store depends on.
type Repository interface {
	LoadRiskProfile(ctx context.Context, userID, botID string) (risk.Profile, error)
	SaveRiskProfile(ctx context.Context, userID, botID string, p risk.Profile) error
}

// Store resolves the effective risk profile of a bot.
type Store struct {
	repo     Repository
	cache    *cache.TTL[risk.Profile]
	fallback risk.Profile
}

// NewStore wraps repo with a cache of the given TTL. fallback is returned
// for bots with no stored profile and is never written back.
func NewStore(repo Repository, ttl time.Duration, fallback risk.Profile) *Store {
	return &Store{repo: repo, cache: cache.New[risk.Profile](ttl), fallback: fallback}
}

func key(userID, botID string) string { return userID + "\x00" + botID }

// RiskProfile returns the bot's profile, the user default, or the fallback.
func (s *Store) RiskProfile(ctx context.Context, userID, botID string) (risk.Profile, error) {
	k := key(userID, botID)
	if p, ok := s.cache.Get(k); ok {
		return p, nil
	}
	p, err := s.repo.LoadRiskProfile(ctx, userID, botID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		p = s.fallback
	case err != nil:
		return risk.Profile{}, fmt.Errorf("load risk profile %s/%s: %w", userID, botID, err)
	}
	s.cache.Set(k, p)
	return p, nil
}

// SaveRiskProfile writes through to the database. An empty botID updates
// the user default, which bots without their own profile fall back to, so
// every cached entry of that user is dropped.
func (s *Store) SaveRiskProfile(ctx context.Context, userID, botID string, p risk.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.repo.SaveRiskProfile(ctx, userID, botID, p); err != nil {
		return err
	}
	if botID == "" {
		s.cache.DeletePrefix(key(userID, ""))
		return nil
	}
	s.cache.Delete(key(userID, botID))
	return nil
}

// Invalidate drops a cached entry so the next read hits the database.
func (s *Store) Invalidate(userID, botID string) {
	s.cache.Delete(key(userID, botID))
}
