/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package pipeline turns track identifiers into cached audio. All
// sessions requesting the same identifier share one extraction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/queryradio/queryradio/internal/discovery"
	"github.com/queryradio/queryradio/internal/extractor"
	"github.com/queryradio/queryradio/internal/models"
	"github.com/queryradio/queryradio/internal/store"
	"github.com/queryradio/queryradio/internal/telemetry"
)

// ExtractionError wraps a failed extraction with its identifier so
// sessions can report and blacklist the exact track.
type ExtractionError struct {
	Identifier string
	Cause      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Identifier, e.Cause)
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// Resolver coordinates cache lookups and deduplicated extractions.
type Resolver struct {
	store     *store.Store
	gateway   extractor.Gateway
	blacklist *discovery.Blacklist
	retries   int
	flights   singleflight.Group
	logger    zerolog.Logger
}

// New creates a resolver. retries is the number of extra attempts
// after the first failure; blacklist may be nil.
func New(st *store.Store, gateway extractor.Gateway, blacklist *discovery.Blacklist, retries int, logger zerolog.Logger) *Resolver {
	if retries < 0 {
		retries = 0
	}
	return &Resolver{
		store:     st,
		gateway:   gateway,
		blacklist: blacklist,
		retries:   retries,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// Resolve returns a retained cache entry for the identifier,
// extracting and caching the audio first if needed. Concurrent calls
// for one identifier share a single extraction; a caller whose context
// is cancelled stops waiting without aborting the shared work.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*models.CacheEntry, error) {
	if entry, err := r.store.Retain(ctx, identifier); err == nil {
		telemetry.CacheHitsTotal.Inc()
		return entry, nil
	} else if !errors.Is(err, store.ErrNotCached) {
		return nil, err
	}
	telemetry.CacheMissesTotal.Inc()

	// The flight runs on a detached context so the download survives
	// the first caller hanging up while others still wait on it.
	detached := context.WithoutCancel(ctx)
	ch := r.flights.DoChan(identifier, func() (any, error) {
		return nil, r.extractAndCache(detached, identifier)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	}

	return r.store.Retain(ctx, identifier)
}

// extractAndCache downloads the audio and persists it under the
// identifier's store lock, which also fences the eviction sweep.
func (r *Resolver) extractAndCache(ctx context.Context, identifier string) error {
	unlock := r.store.Locks().Lock(identifier)
	defer unlock()

	// Another flight may have finished while we waited on the lock.
	if _, err := r.store.Get(ctx, identifier); err == nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		result, err := r.gateway.Extract(ctx, identifier)
		if err != nil {
			lastErr = err
			telemetry.ExtractionsTotal.WithLabelValues("failure").Inc()
			r.logger.Warn().Err(err).
				Str("identifier", identifier).
				Int("attempt", attempt+1).
				Msg("extraction attempt failed")
			continue
		}

		err = r.cacheResult(ctx, identifier, result)
		result.Cleanup()
		if err != nil {
			lastErr = err
			continue
		}
		telemetry.ExtractionsTotal.WithLabelValues("success").Inc()
		return nil
	}

	if r.blacklist != nil {
		if err := r.blacklist.Add(ctx, identifier); err != nil {
			r.logger.Warn().Err(err).Str("identifier", identifier).Msg("blacklist write failed")
		}
	}
	return &ExtractionError{Identifier: identifier, Cause: lastErr}
}

func (r *Resolver) cacheResult(ctx context.Context, identifier string, result *extractor.Result) error {
	src, err := os.Open(result.FilePath)
	if err != nil {
		return fmt.Errorf("open download: %w", err)
	}
	defer src.Close()

	if _, err := r.store.Put(ctx, identifier, result.Ext, src); err != nil {
		return err
	}
	return nil
}
