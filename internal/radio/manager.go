/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package radio owns per-chat session lifecycle: start, skip, stop,
// idle eviction, and look-ahead prefetch.
package radio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/queryradio/queryradio/internal/discovery"
	"github.com/queryradio/queryradio/internal/events"
	"github.com/queryradio/queryradio/internal/models"
	"github.com/queryradio/queryradio/internal/pipeline"
	"github.com/queryradio/queryradio/internal/store"
	"github.com/queryradio/queryradio/internal/telemetry"
)

// Config tunes the session engine.
type Config struct {
	Lookahead       int           // resolved tracks to keep ahead of playback (1-2)
	PlayedRing      int           // non-repeat window per session
	IdleTTL         time.Duration // stop sessions nobody polls
	StallTicks      int           // empty-lookahead ticks before warning
	PlayWindow      time.Duration // auto-advance after this long; 0 disables
	TickInterval    time.Duration
	PrefetchWorkers int // global resolution concurrency across sessions
}

// FeedFactory builds a discovery feed for a session's query.
type FeedFactory func(query string) *discovery.Feed

// Manager is the session registry and command serializer. Commands for
// one chat execute one at a time; different chats are independent.
type Manager struct {
	cfg      Config
	resolver *pipeline.Resolver
	store    *store.Store
	newFeed  FeedFactory
	bus      *events.Bus
	logger   zerolog.Logger

	// prefetchSem bounds concurrent prefetch resolutions process-wide.
	prefetchSem chan struct{}

	mu       sync.RWMutex
	sessions map[int64]*session
}

// NewManager creates the session registry.
func NewManager(cfg Config, resolver *pipeline.Resolver, st *store.Store, newFeed FeedFactory, bus *events.Bus, logger zerolog.Logger) *Manager {
	if cfg.Lookahead < 1 {
		cfg.Lookahead = 1
	}
	if cfg.Lookahead > 2 {
		cfg.Lookahead = 2
	}
	if cfg.PlayedRing < 1 {
		cfg.PlayedRing = 200
	}
	if cfg.StallTicks < 1 {
		cfg.StallTicks = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.PrefetchWorkers < 1 {
		cfg.PrefetchWorkers = 1
	}
	return &Manager{
		cfg:         cfg,
		resolver:    resolver,
		store:       st,
		newFeed:     newFeed,
		bus:         bus,
		logger:      logger.With().Str("component", "radio").Logger(),
		prefetchSem: make(chan struct{}, cfg.PrefetchWorkers),
		sessions:    make(map[int64]*session),
	}
}

// Start begins a radio session for the chat, replacing any existing
// one. Head resolution runs asynchronously; poll the snapshot for the
// resolving -> playing transition.
func (m *Manager) Start(ctx context.Context, chatID int64, query string) {
	sess := newSession(context.WithoutCancel(ctx), chatID, query, m.newFeed(query), m.cfg.PlayedRing)

	// Swap under the registry lock so concurrent starts for one chat
	// displace each other cleanly; every displaced session gets halted
	// by exactly one caller.
	m.mu.Lock()
	displaced := m.sessions[chatID]
	m.sessions[chatID] = sess
	m.mu.Unlock()

	if displaced != nil {
		m.halt(displaced)
	}
	telemetry.ActiveSessions.Inc()

	m.logger.Info().Int64("chat_id", chatID).Str("query", query).Msg("session starting")
	m.bus.Publish(events.EventSessionStarted, events.Payload{
		"chat_id": chatID,
		"query":   query,
	})

	go m.resolveHead(sess)
}

// resolveHead resolves the first playable track and flips the session
// to playing, failing the session only when discovery is exhausted.
func (m *Manager) resolveHead(sess *session) {
	sess.cmdMu.Lock()
	defer sess.cmdMu.Unlock()

	if sess.ctx.Err() != nil {
		return
	}
	track, err := m.resolveNext(sess)
	if err != nil {
		if sess.ctx.Err() == nil {
			m.failSession(sess, err)
		}
		return
	}
	sess.setCurrent(track)
	m.announce(sess, track)
	m.schedulePrefetch(sess)
}

// resolveNext pulls candidates from discovery until one extracts,
// recording failures as played so they are not retried this session.
func (m *Manager) resolveNext(sess *session) (*models.TrackRef, error) {
	for {
		candidate, err := sess.feed.Next(sess.ctx, sess.exclude)
		if err != nil {
			return nil, err
		}
		sess.markPlayed(candidate.Identifier)

		entry, err := m.resolver.Resolve(sess.ctx, candidate.Identifier)
		if err != nil {
			var extractionErr *pipeline.ExtractionError
			if errors.As(err, &extractionErr) {
				m.logger.Warn().
					Int64("chat_id", sess.chatID).
					Str("identifier", candidate.Identifier).
					Msg("candidate failed extraction, trying next")
				m.bus.Publish(events.EventTrackFailed, events.Payload{
					"chat_id":    sess.chatID,
					"identifier": candidate.Identifier,
				})
				continue
			}
			return nil, err
		}

		return &models.TrackRef{
			Identifier:      candidate.Identifier,
			Title:           candidate.Title,
			Artist:          candidate.Artist,
			DurationSeconds: candidate.DurationSeconds,
			CacheStatus:     models.CacheReady,
			AudioRef:        "/audio/" + entry.Identifier,
		}, nil
	}
}

// Skip advances the session to the next track. Concurrent skips for
// one chat serialize, each advancing exactly one position. Returns
// false when no session exists.
func (m *Manager) Skip(chatID int64) bool {
	sess, ok := m.lookup(chatID)
	if !ok {
		return false
	}

	sess.cmdMu.Lock()
	defer sess.cmdMu.Unlock()
	if sess.ctx.Err() != nil {
		return false
	}
	// An errored session needs a fresh start, not a skip.
	if snap := sess.snapshot(false); snap.State == models.SessionError || snap.State == models.SessionStopped {
		return false
	}
	m.advance(sess)
	return true
}

// advance must run under cmdMu.
func (m *Manager) advance(sess *session) {
	sess.setState(models.SessionAdvancing)

	outgoing := sess.current
	if outgoing != nil {
		m.store.Release(outgoing.Identifier)
	}

	next := sess.popLookahead()
	if next == nil {
		// Lookahead dry: resolve synchronously. Clients see the
		// advancing state as a transient loading phase.
		track, err := m.resolveNext(sess)
		if err != nil {
			// The outgoing ref is already released; drop the stale
			// current pointer so stop cannot release it again.
			sess.clearCurrent()
			if sess.ctx.Err() == nil {
				m.failSession(sess, err)
			}
			return
		}
		next = track
	}

	sess.setCurrent(next)
	m.announce(sess, next)
	m.schedulePrefetch(sess)
}

// Stop ends the session, releasing every cache reference it holds.
// Stopping an absent chat is a no-op.
func (m *Manager) Stop(chatID int64) bool {
	m.mu.Lock()
	sess, ok := m.sessions[chatID]
	if ok {
		delete(m.sessions, chatID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.halt(sess)
	return true
}

// halt shuts down a session already removed or displaced from the
// registry, releasing every cache reference it holds.
func (m *Manager) halt(sess *session) {
	sess.cancel()

	sess.cmdMu.Lock()
	defer sess.cmdMu.Unlock()

	sess.setState(models.SessionStopped)
	for _, identifier := range sess.takeRefs() {
		m.store.Release(identifier)
	}

	telemetry.ActiveSessions.Dec()
	m.logger.Info().Int64("chat_id", sess.chatID).Msg("session stopped")
	m.bus.Publish(events.EventSessionStopped, events.Payload{"chat_id": sess.chatID})
}

// Snapshot returns the poll view for one chat and marks it polled.
func (m *Manager) Snapshot(chatID int64) (Snapshot, bool) {
	sess, ok := m.lookup(chatID)
	if !ok {
		return Snapshot{}, false
	}
	return sess.snapshot(true), true
}

// SnapshotAll returns poll views for every live session. Unlike the
// chat-scoped Snapshot it does not refresh idle deadlines, so a global
// dashboard poll cannot keep abandoned sessions alive.
func (m *Manager) SnapshotAll() map[int64]Snapshot {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	out := make(map[int64]Snapshot, len(sessions))
	for _, sess := range sessions {
		out[sess.chatID] = sess.snapshot(false)
	}
	return out
}

func (m *Manager) lookup(chatID int64) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[chatID]
	return sess, ok
}

func (m *Manager) failSession(sess *session, err error) {
	sess.setError(err.Error())
	m.logger.Error().Err(err).Int64("chat_id", sess.chatID).Msg("session failed")
	m.bus.Publish(events.EventSessionError, events.Payload{
		"chat_id": sess.chatID,
		"error":   err.Error(),
	})
}

func (m *Manager) announce(sess *session, track *models.TrackRef) {
	m.logger.Info().
		Int64("chat_id", sess.chatID).
		Str("identifier", track.Identifier).
		Str("track", track.DisplayName()).
		Msg("now playing")
	m.bus.Publish(events.EventNowPlaying, events.Payload{
		"chat_id":    sess.chatID,
		"identifier": track.Identifier,
		"title":      track.Title,
		"artist":     track.Artist,
	})
}

// schedulePrefetch launches resolutions to top the lookahead back up,
// bounded by the process-wide worker budget. When the budget is
// saturated it backs off; the next tick retries.
func (m *Manager) schedulePrefetch(sess *session) {
	demand := sess.prefetchDemand(m.cfg.Lookahead)
	for i := 0; i < demand; i++ {
		select {
		case m.prefetchSem <- struct{}{}:
		default:
			return
		}
		sess.prefetchStarted()
		go m.prefetchOne(sess)
	}
}

// prefetchOne resolves one lookahead track. Failures are silent at
// session level; the candidate is dropped and the next tick tries again.
func (m *Manager) prefetchOne(sess *session) {
	defer func() {
		sess.prefetchDone()
		<-m.prefetchSem
	}()

	track, err := m.resolveNext(sess)
	if err != nil {
		if sess.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn().Err(err).Int64("chat_id", sess.chatID).Msg("prefetch failed")
		}
		return
	}
	if !sess.pushLookahead(track) {
		m.store.Release(track.Identifier)
	}
}

// Run drives idle eviction, stall detection, auto-advance, and
// prefetch top-up on a fixed tick.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().
		Dur("tick", m.cfg.TickInterval).
		Int("workers", m.cfg.PrefetchWorkers).
		Msg("session engine started")

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.logger.Info().Msg("session engine stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	now := time.Now().UTC()
	for _, sess := range sessions {
		if m.cfg.IdleTTL > 0 && now.Sub(sess.idleSince()) > m.cfg.IdleTTL {
			m.logger.Info().Int64("chat_id", sess.chatID).Msg("evicting idle session")
			m.Stop(sess.chatID)
			continue
		}

		if startedAt, playing := sess.playingSince(); playing &&
			m.cfg.PlayWindow > 0 && now.Sub(startedAt) > m.cfg.PlayWindow {
			go func(s *session) {
				s.cmdMu.Lock()
				defer s.cmdMu.Unlock()
				if s.ctx.Err() != nil {
					return
				}
				if startedAt, playing := s.playingSince(); !playing ||
					time.Now().UTC().Sub(startedAt) <= m.cfg.PlayWindow {
					return
				}
				m.advance(s)
			}(sess)
			continue
		}

		if sess.noteStallTick() >= m.cfg.StallTicks {
			sess.setStallWarning("prefetch stalled: no ready track queued")
		}
		m.schedulePrefetch(sess)
	}
}

func (m *Manager) stopAll() {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Stop(id)
	}
}
