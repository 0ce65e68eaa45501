/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package radio

import (
	"context"
	"sync"
	"time"

	"github.com/queryradio/queryradio/internal/discovery"
	"github.com/queryradio/queryradio/internal/models"
)

// session is one chat's radio state machine. Mutating operations
// serialize on cmdMu; snapshot reads take only stMu and never wait on
// in-flight resolution.
type session struct {
	chatID int64
	query  string
	feed   *discovery.Feed
	played *playedRing

	ctx    context.Context
	cancel context.CancelFunc

	// cmdMu serializes start/skip/stop/tick for this chat.
	cmdMu sync.Mutex

	stMu        sync.Mutex
	state       models.SessionState
	current     *models.TrackRef
	lookahead   []*models.TrackRef
	prefetching int // resolutions in flight for the lookahead
	lastError   string
	createdAt   time.Time
	updatedAt   time.Time
	lastPolled  time.Time
	startedAt   time.Time // when current began playing
	stallTicks  int
}

// Snapshot is the read-only projection polled by clients.
type Snapshot struct {
	ChatID          int64
	Query           string
	State           models.SessionState
	Current         *models.TrackRef
	LookaheadLength int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func newSession(parent context.Context, chatID int64, query string, feed *discovery.Feed, ringSize int) *session {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now().UTC()
	return &session{
		chatID:     chatID,
		query:      query,
		feed:       feed,
		played:     newPlayedRing(ringSize),
		ctx:        ctx,
		cancel:     cancel,
		state:      models.SessionResolving,
		createdAt:  now,
		updatedAt:  now,
		lastPolled: now,
	}
}

// snapshot copies the poll-visible fields without touching cmdMu.
func (s *session) snapshot(touch bool) Snapshot {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	if touch {
		s.lastPolled = time.Now().UTC()
	}

	var current *models.TrackRef
	if s.current != nil {
		c := *s.current
		current = &c
	}
	return Snapshot{
		ChatID:          s.chatID,
		Query:           s.query,
		State:           s.state,
		Current:         current,
		LookaheadLength: len(s.lookahead),
		LastError:       s.lastError,
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
	}
}

func (s *session) setState(state models.SessionState) {
	s.stMu.Lock()
	s.state = state
	s.updatedAt = time.Now().UTC()
	s.stMu.Unlock()
}

func (s *session) setError(msg string) {
	s.stMu.Lock()
	s.state = models.SessionError
	s.lastError = msg
	s.updatedAt = time.Now().UTC()
	s.stMu.Unlock()
}

// setCurrent installs a new now-playing track and clears any stall
// warning from the previous one.
func (s *session) setCurrent(track *models.TrackRef) {
	s.stMu.Lock()
	s.current = track
	s.state = models.SessionPlaying
	s.lastError = ""
	s.stallTicks = 0
	now := time.Now().UTC()
	s.startedAt = now
	s.updatedAt = now
	s.stMu.Unlock()
}

// clearCurrent drops the current track pointer without touching its
// cache reference; the caller owns the release.
func (s *session) clearCurrent() {
	s.stMu.Lock()
	s.current = nil
	s.updatedAt = time.Now().UTC()
	s.stMu.Unlock()
}

// popLookahead removes and returns the lookahead head, if any.
func (s *session) popLookahead() *models.TrackRef {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	if len(s.lookahead) == 0 {
		return nil
	}
	head := s.lookahead[0]
	s.lookahead = s.lookahead[1:]
	return head
}

// pushLookahead appends a READY track unless the session is no longer
// accepting work. Returns false when the caller must release the ref.
func (s *session) pushLookahead(track *models.TrackRef) bool {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	if s.state == models.SessionStopped || s.state == models.SessionError {
		return false
	}
	s.lookahead = append(s.lookahead, track)
	return true
}

// takeRefs clears current and lookahead, returning every identifier
// the session held a cache reference on.
func (s *session) takeRefs() []string {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	var ids []string
	if s.current != nil {
		ids = append(ids, s.current.Identifier)
		s.current = nil
	}
	for _, track := range s.lookahead {
		ids = append(ids, track.Identifier)
	}
	s.lookahead = nil
	return ids
}

// prefetchDemand reports how many more resolutions to launch to keep
// the lookahead at target depth.
func (s *session) prefetchDemand(target int) int {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	if s.state != models.SessionPlaying {
		return 0
	}
	demand := target - len(s.lookahead) - s.prefetching
	if demand < 0 {
		return 0
	}
	return demand
}

func (s *session) prefetchStarted() {
	s.stMu.Lock()
	s.prefetching++
	s.stMu.Unlock()
}

func (s *session) prefetchDone() {
	s.stMu.Lock()
	s.prefetching--
	s.stMu.Unlock()
}

// exclude is the discovery filter for this session's played ring.
// The ring is only mutated under cmdMu or during head resolution, but
// reads race with prefetch, so guard with stMu.
func (s *session) exclude(identifier string) bool {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	return s.played.Contains(identifier)
}

func (s *session) markPlayed(identifier string) {
	s.stMu.Lock()
	s.played.Add(identifier)
	s.stMu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	return s.lastPolled
}

func (s *session) playingSince() (time.Time, bool) {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	return s.startedAt, s.state == models.SessionPlaying
}

// noteStallTick counts consecutive ticks with an empty lookahead while
// playing; returns the updated count.
func (s *session) noteStallTick() int {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	if s.state != models.SessionPlaying {
		s.stallTicks = 0
		return 0
	}
	if len(s.lookahead) > 0 {
		s.stallTicks = 0
		return 0
	}
	s.stallTicks++
	return s.stallTicks
}

// setStallWarning records a stall without interrupting playback.
func (s *session) setStallWarning(msg string) {
	s.stMu.Lock()
	if s.state == models.SessionPlaying {
		s.lastError = msg
		s.updatedAt = time.Now().UTC()
	}
	s.stMu.Unlock()
}
