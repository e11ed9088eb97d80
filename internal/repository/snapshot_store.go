package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"IBLink/internal/domain/models"
	"IBLink/internal/domain/repository"
	pkgcache "IBLink/pkg/cache"
)

const snapshotKey = "session:snapshot"

// CacheSnapshotStore keeps the last account snapshot in the cache layer
// (memory, or memory+Redis when configured) so status queries can be
// served while the session is degraded or reconnecting.
type CacheSnapshotStore struct {
	cache pkgcache.Service
	ttl   time.Duration
}

// NewCacheSnapshotStore creates a snapshot store over the given cache.
func NewCacheSnapshotStore(cache pkgcache.Service, ttl time.Duration) repository.SnapshotStore {
	return &CacheSnapshotStore{cache: cache, ttl: ttl}
}

func (s *CacheSnapshotStore) Put(ctx context.Context, snap *models.AccountSnapshot) error {
	if err := s.cache.Set(ctx, snapshotKey, snap, s.ttl); err != nil {
		return fmt.Errorf("snapshot put: %w", err)
	}
	return nil
}

func (s *CacheSnapshotStore) Get(ctx context.Context) (*models.AccountSnapshot, error) {
	var snap models.AccountSnapshot
	if err := s.cache.Get(ctx, snapshotKey, &snap); err != nil {
		if errors.Is(err, pkgcache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot get: %w", err)
	}
	return &snap, nil
}
