package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/repositories/synced"
	"github.com/google/uuid"
)

// DefaultCacheBytes sizes the positive-lookup cache of a Store.
const DefaultCacheBytes = 4 << 20

// Store answers "was this already mirrored?" from the synced content ledger.
// Uniqueness is enforced by the storage layer; the cache only remembers
// positive answers.
type Store struct {
	repo  synced.Repository
	cache cache
	clock clock.Clock
}

// NewStore creates a Store over repo. cacheBytes <= 0 disables the cache.
func NewStore(repo synced.Repository, cacheBytes int, clk clock.Clock) *Store {
	return &Store{repo: repo, cache: newCache(cacheBytes), clock: clk}
}

func cacheKey(userID string, fp models.Fingerprint, dir models.Direction) string {
	return userID + "\x00" + string(fp) + "\x00" + dir.String()
}

// HasSynced reports whether fp was mirrored for userID in dir.
func (s *Store) HasSynced(ctx context.Context, userID string, fp models.Fingerprint, dir models.Direction) (bool, error) {
	key := cacheKey(userID, fp, dir)
	if s.cache.Has(key) {
		return true, nil
	}
	ok, err := s.repo.Exists(ctx, userID, fp, dir)
	if err != nil {
		return false, err
	}
	if ok {
		s.cache.Add(key)
	}
	return ok, nil
}

// Record stores a mirror. It fails with common.ErrDuplicateRecord when the
// (user, fingerprint, direction) triple already exists.
func (s *Store) Record(ctx context.Context, userID string, fp models.Fingerprint, dir models.Direction, sourceID, destID string) error {
	err := s.repo.Insert(ctx, &models.SyncedContent{
		ID:          uuid.NewString(),
		UserID:      userID,
		Fingerprint: fp,
		Direction:   dir,
		SourceID:    sourceID,
		DestID:      destID,
		CreatedAt:   s.clock.Now().UTC(),
	})
	if err != nil && !errors.Is(err, common.ErrDuplicateRecord) {
		return fmt.Errorf("record %s: %w", dir, err)
	}
	s.cache.Add(cacheKey(userID, fp, dir))
	return err
}

// IsMirror reports whether postID on platform was published by the engine
// for userID. Fetched posts that are mirrors must not travel back.
func (s *Store) IsMirror(ctx context.Context, userID string, platform models.Platform, postID string) (bool, error) {
	return s.repo.ExistsDest(ctx, userID, platform, postID)
}

// DestFor returns the id of the mirror of sourceID in dir, and false when
// sourceID has not been mirrored.
func (s *Store) DestFor(ctx context.Context, userID string, dir models.Direction, sourceID string) (string, bool, error) {
	id, err := s.repo.DestFor(ctx, userID, dir, sourceID)
	if errors.Is(err, common.ErrorNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// SourceFor returns the original of a post the engine published in dir,
// and false when destID is not a mirror.
func (s *Store) SourceFor(ctx context.Context, userID string, dir models.Direction, destID string) (string, bool, error) {
	id, err := s.repo.SourceFor(ctx, userID, dir, destID)
	if errors.Is(err, common.ErrorNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}
