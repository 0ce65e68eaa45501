/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package discovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxRefills bounds upstream searches per Next call before giving up.
const maxRefills = 3

// ExcludeFunc reports whether an identifier must be skipped, typically
// because the session already played it.
type ExcludeFunc func(identifier string) bool

// Feed is a session's private candidate queue for one query. It drains
// a shuffled search result and refills from upstream when empty.
type Feed struct {
	query     string
	limit     int
	searcher  Searcher
	cache     *SearchCache
	blacklist *Blacklist
	logger    zerolog.Logger
	rng       *rand.Rand

	mu      sync.Mutex
	queue   []Candidate
	seen    map[string]bool // offered this session, never re-queued
	fetches int             // upstream fetches so far, widens the window
}

// NewFeed creates a candidate feed for a query. cache and blacklist
// may be nil.
func NewFeed(query string, limit int, searcher Searcher, cache *SearchCache, blacklist *Blacklist, logger zerolog.Logger) *Feed {
	if limit <= 0 {
		limit = 12
	}
	return &Feed{
		query:     query,
		limit:     limit,
		searcher:  searcher,
		cache:     cache,
		blacklist: blacklist,
		logger:    logger.With().Str("component", "feed").Str("query", query).Logger(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		seen:      make(map[string]bool),
	}
}

// Query returns the feed's search query.
func (f *Feed) Query() string {
	return f.query
}

// Next returns the next playable candidate not rejected by exclude.
// It refills from upstream a bounded number of times and returns
// ErrNoCandidates when the query is exhausted.
func (f *Feed) Next(ctx context.Context, exclude ExcludeFunc) (Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for attempt := 0; ; attempt++ {
		for len(f.queue) > 0 {
			candidate := f.queue[0]
			f.queue = f.queue[1:]

			if exclude != nil && exclude(candidate.Identifier) {
				continue
			}
			if f.blacklist != nil {
				listed, err := f.blacklist.Contains(ctx, candidate.Identifier)
				if err != nil {
					f.logger.Warn().Err(err).Msg("blacklist check failed")
				} else if listed {
					continue
				}
			}
			return candidate, nil
		}

		if attempt >= maxRefills {
			return Candidate{}, ErrNoCandidates
		}
		if err := f.refill(ctx); err != nil {
			return Candidate{}, err
		}
	}
}

// refill fetches and queues a fresh shuffled batch. Candidates already
// offered this session are not queued again, so each refill widens the
// search window; the cache only serves the first fetch, later ones must
// reach past the cached page.
func (f *Feed) refill(ctx context.Context) error {
	f.fetches++

	var candidates []Candidate
	cached := false
	if f.fetches == 1 && f.cache != nil {
		candidates, cached = f.cache.Get(ctx, f.query)
	}
	if !cached {
		// Over-fetch: the filters below discard a good share.
		found, err := f.searcher.Search(ctx, f.query, f.limit*2*f.fetches)
		if err != nil {
			return err
		}
		candidates = found
		if f.fetches == 1 && f.cache != nil {
			if err := f.cache.Set(ctx, f.query, candidates); err != nil {
				f.logger.Debug().Err(err).Msg("search cache write failed")
			}
		}
	}

	queued := 0
	for _, candidate := range candidates {
		if f.seen[candidate.Identifier] {
			continue
		}
		if !playable(candidate, f.query) {
			continue
		}
		f.seen[candidate.Identifier] = true
		f.queue = append(f.queue, candidate)
		queued++
	}

	f.rng.Shuffle(len(f.queue), func(i, j int) {
		f.queue[i], f.queue[j] = f.queue[j], f.queue[i]
	})

	f.logger.Debug().
		Int("fetched", len(candidates)).
		Int("queued", queued).
		Bool("cached", cached).
		Msg("feed refilled")
	return nil
}
