/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store is the content-addressed cache of extracted audio.
// A gorm-backed metadata index maps track identifiers to blob locations;
// reference counts are held in memory alongside the sessions that own
// them, so they reset with the process like the sessions themselves.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/queryradio/queryradio/internal/events"
	"github.com/queryradio/queryradio/internal/models"
	"github.com/queryradio/queryradio/internal/telemetry"
)

var (
	// ErrNotCached is returned when no index entry exists for an identifier.
	ErrNotCached = errors.New("identifier not cached")
	// ErrBlobMissing is returned when the index entry exists but the
	// backing object is gone (evicted or lost).
	ErrBlobMissing = errors.New("cached blob missing")
)

// Storage abstracts blob persistence for extracted audio.
type Storage interface {
	Store(ctx context.Context, identifier, ext string, src io.Reader) (location string, size int64, err error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
	URL(location string) string
	CheckAccess(ctx context.Context) error
}

// Config contains cache store limits.
type Config struct {
	MaxBytes      int64         // 0 means unlimited
	TTL           time.Duration // entries idle longer than this become eviction candidates
	SweepInterval time.Duration
}

// Store owns the metadata index, blob storage, reference counts, and
// the per-identifier locks shared with the extraction pipeline.
type Store struct {
	db     *gorm.DB
	blobs  Storage
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger
	locks  *KeyedMutex

	refMu sync.Mutex
	refs  map[string]int
}

// New creates a cache store.
func New(database *gorm.DB, blobs Storage, cfg Config, bus *events.Bus, logger zerolog.Logger) *Store {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Store{
		db:     database,
		blobs:  blobs,
		cfg:    cfg,
		bus:    bus,
		logger: logger.With().Str("component", "store").Logger(),
		locks:  NewKeyedMutex(),
		refs:   make(map[string]int),
	}
}

// Locks exposes the per-identifier lock registry for the pipeline.
func (s *Store) Locks() *KeyedMutex {
	return s.locks
}

// Get looks up an index entry without side effects.
func (s *Store) Get(ctx context.Context, identifier string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).First(&entry, "identifier = ?", identifier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	return &entry, nil
}

// Retain returns the entry for an identifier, refreshes its access time,
// and takes a reference on behalf of the calling session.
func (s *Store) Retain(ctx context.Context, identifier string) (*models.CacheEntry, error) {
	entry, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("identifier = ?", identifier).
		Update("last_accessed_at", now).Error; err != nil {
		return nil, fmt.Errorf("touch cache entry: %w", err)
	}
	entry.LastAccessedAt = now

	s.refMu.Lock()
	s.refs[identifier]++
	s.refMu.Unlock()

	return entry, nil
}

// Release drops a session's reference on an identifier.
func (s *Store) Release(identifier string) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	if s.refs[identifier] <= 1 {
		delete(s.refs, identifier)
		return
	}
	s.refs[identifier]--
}

// RefCount reports the number of sessions holding an identifier.
func (s *Store) RefCount(identifier string) int {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.refs[identifier]
}

// Put persists extracted audio and indexes it. Callers must hold the
// identifier's lock from Locks().
func (s *Store) Put(ctx context.Context, identifier, ext string, src io.Reader) (*models.CacheEntry, error) {
	location, size, err := s.blobs.Store(ctx, identifier, ext, src)
	if err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}

	now := time.Now().UTC()
	entry := models.CacheEntry{
		Identifier:      identifier,
		StorageLocation: location,
		SizeBytes:       size,
		CreatedAt:       now,
		LastAccessedAt:  now,
	}
	if err := s.db.WithContext(ctx).Save(&entry).Error; err != nil {
		// Keep index and blobs consistent on failure.
		_ = s.blobs.Delete(ctx, location)
		return nil, fmt.Errorf("index cache entry: %w", err)
	}

	s.logger.Info().
		Str("identifier", identifier).
		Str("location", location).
		Int64("size", size).
		Msg("cache entry stored")

	if usage, err := s.Usage(ctx); err == nil {
		telemetry.CacheBytes.Set(float64(usage))
	}

	return &entry, nil
}

// Open returns a reader over a cached blob for serving.
func (s *Store) Open(ctx context.Context, identifier string) (io.ReadCloser, *models.CacheEntry, error) {
	entry, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.blobs.Open(ctx, entry.StorageLocation)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, entry, ErrBlobMissing
		}
		return nil, entry, fmt.Errorf("open blob: %w", err)
	}
	return rc, entry, nil
}

// PublicURL returns a direct link for the entry, or empty when the
// server should stream the bytes itself.
func (s *Store) PublicURL(entry *models.CacheEntry) string {
	return s.blobs.URL(entry.StorageLocation)
}

// Usage sums the bytes held by the index.
func (s *Store) Usage(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Select("COALESCE(SUM(size_bytes), 0)").Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("cache usage: %w", err)
	}
	return total, nil
}

// Sweep evicts unreferenced entries: anything idle past the TTL, then
// least-recently-used entries until usage fits under the ceiling.
// Entries whose identifier lock is held (extraction in flight) and
// entries with live references are always skipped.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	var entries []models.CacheEntry
	err := s.db.WithContext(ctx).Order("last_accessed_at ASC").Find(&entries).Error
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}

	usage := int64(0)
	for _, e := range entries {
		usage += e.SizeBytes
	}
	telemetry.CacheBytes.Set(float64(usage))

	now := time.Now().UTC()
	evicted := 0
	for _, entry := range entries {
		expired := s.cfg.TTL > 0 && now.Sub(entry.LastAccessedAt) > s.cfg.TTL
		overCeiling := s.cfg.MaxBytes > 0 && usage > s.cfg.MaxBytes
		if !expired && !overCeiling {
			continue
		}
		if s.RefCount(entry.Identifier) > 0 {
			continue
		}

		unlock, ok := s.locks.TryLock(entry.Identifier)
		if !ok {
			continue
		}

		// Re-check under the lock: a session may have retained the
		// entry while we were iterating.
		if s.RefCount(entry.Identifier) > 0 {
			unlock()
			continue
		}

		if err := s.evict(ctx, entry); err != nil {
			unlock()
			s.logger.Warn().Err(err).Str("identifier", entry.Identifier).Msg("eviction failed")
			continue
		}
		unlock()

		usage -= entry.SizeBytes
		evicted++
	}

	if evicted > 0 {
		telemetry.CacheBytes.Set(float64(usage))
		s.logger.Info().Int("evicted", evicted).Int64("usage", usage).Msg("cache sweep complete")
	}
	return evicted, nil
}

func (s *Store) evict(ctx context.Context, entry models.CacheEntry) error {
	if err := s.blobs.Delete(ctx, entry.StorageLocation); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if err := s.db.WithContext(ctx).Delete(&models.CacheEntry{}, "identifier = ?", entry.Identifier).Error; err != nil {
		return fmt.Errorf("delete index entry: %w", err)
	}

	telemetry.CacheEvictionsTotal.Inc()
	s.bus.Publish(events.EventCacheEvicted, events.Payload{
		"identifier": entry.Identifier,
		"size":       entry.SizeBytes,
	})
	return nil
}

// Run executes the eviction sweep loop until context cancellation.
func (s *Store) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.cfg.SweepInterval).Msg("cache eviction sweep started")
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("cache eviction sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("cache sweep failed")
			}
		}
	}
}
