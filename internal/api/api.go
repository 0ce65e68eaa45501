/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the polling HTTP surface for radio clients.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/queryradio/queryradio/internal/catalog"
	"github.com/queryradio/queryradio/internal/discovery"
	"github.com/queryradio/queryradio/internal/models"
	"github.com/queryradio/queryradio/internal/radio"
	"github.com/queryradio/queryradio/internal/store"
)

// API exposes HTTP handlers.
type API struct {
	manager       *radio.Manager
	store         *store.Store
	newFeed       radio.FeedFactory
	catalog       *catalog.Catalog
	playlistLimit int
	logger        zerolog.Logger
}

// New creates the API handler set.
func New(manager *radio.Manager, st *store.Store, newFeed radio.FeedFactory, cat *catalog.Catalog, playlistLimit int, logger zerolog.Logger) *API {
	if playlistLimit <= 0 {
		playlistLimit = 12
	}
	return &API{
		manager:       manager,
		store:         st,
		newFeed:       newFeed,
		catalog:       cat,
		playlistLimit: playlistLimit,
		logger:        logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts all endpoints on the router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/radio", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Post("/start", a.handleStart)
		r.Post("/skip", a.handleSkip)
		r.Post("/stop", a.handleStop)
	})
	r.Route("/api/player", func(r chi.Router) {
		r.Get("/playlist", a.handlePlaylist)
		r.Get("/catalog", a.handleCatalog)
	})
	r.Get("/audio/{identifier}", a.handleAudio)
}

// sessionStatus is the wire shape of one session in the status poll.
type sessionStatus struct {
	State       models.SessionState `json:"state"`
	Query       string              `json:"query"`
	Current     *models.TrackRef    `json:"current"`
	PlaylistLen int                 `json:"playlist_len"`
	LastError   string              `json:"last_error,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func toSessionStatus(snap radio.Snapshot) sessionStatus {
	return sessionStatus{
		State:       snap.State,
		Query:       snap.Query,
		Current:     snap.Current,
		PlaylistLen: snap.LookaheadLength,
		LastError:   snap.LastError,
		UpdatedAt:   snap.UpdatedAt,
	}
}

// handleStatus returns all sessions, or a single one with ?chat_id=.
// Chat ids are JSON object keys and therefore strings on the wire.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := make(map[string]sessionStatus)

	if raw := r.URL.Query().Get("chat_id"); raw != "" {
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chat_id")
			return
		}
		if snap, ok := a.manager.Snapshot(chatID); ok {
			sessions[raw] = toSessionStatus(snap)
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
		return
	}

	for chatID, snap := range a.manager.SnapshotAll() {
		sessions[strconv.FormatInt(chatID, 10)] = toSessionStatus(snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type commandRequest struct {
	ChatID json.Number `json:"chat_id"`
	Query  string      `json:"query"`
}

func (c commandRequest) chatID() (int64, error) {
	return c.ChatID.Int64()
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chatID, err := req.chatID()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat_id")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	a.manager.Start(r.Context(), chatID, req.Query)
	snap, _ := a.manager.Snapshot(chatID)
	writeJSON(w, http.StatusAccepted, toSessionStatus(snap))
}

func (a *API) handleSkip(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chatID, err := req.chatID()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat_id")
		return
	}

	// Commands against an absent chat are no-ops, not errors.
	ok := a.manager.Skip(chatID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chatID, err := req.chatID()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat_id")
		return
	}

	ok := a.manager.Stop(chatID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

// handlePlaylist materializes the first N discovery candidates for a
// query, for browsing outside a radio session.
func (a *API) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit := a.playlistLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	feed := a.newFeed(query)
	tracks := make([]models.TrackRef, 0, limit)
	for len(tracks) < limit {
		candidate, err := feed.Next(r.Context(), nil)
		if errors.Is(err, discovery.ErrNoCandidates) {
			break
		}
		if err != nil {
			a.logger.Warn().Err(err).Str("query", query).Msg("playlist discovery failed")
			writeError(w, http.StatusBadGateway, "search failed")
			return
		}
		tracks = append(tracks, models.TrackRef{
			Identifier:      candidate.Identifier,
			Title:           candidate.Title,
			Artist:          candidate.Artist,
			DurationSeconds: candidate.DurationSeconds,
			CacheStatus:     models.CacheUnresolved,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":  query,
		"tracks": tracks,
	})
}

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.catalog)
}

// handleAudio streams cached audio bytes. Unresolved identifiers get
// 404; an index entry whose blob was evicted under it gets 410.
func (a *API) handleAudio(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	entry, err := a.store.Get(r.Context(), identifier)
	if errors.Is(err, store.ErrNotCached) {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Str("identifier", identifier).Msg("audio lookup failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	// Object storage may expose a direct URL; send the client there
	// without fetching the blob ourselves.
	if url := a.store.PublicURL(entry); url != "" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	rc, entry, err := a.store.Open(r.Context(), identifier)
	if errors.Is(err, store.ErrNotCached) {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	if errors.Is(err, store.ErrBlobMissing) {
		writeError(w, http.StatusGone, "evicted")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Str("identifier", identifier).Msg("audio open failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(filepath.Ext(entry.StorageLocation))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)

	// Local files seek, enabling range requests for scrubbing.
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, filepath.Base(entry.StorageLocation), entry.CreatedAt, rs)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(entry.SizeBytes, 10))
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Debug().Err(err).Str("identifier", identifier).Msg("audio stream interrupted")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
