/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"fmt"
	"time"
)

// SessionState tracks a radio session through its lifecycle.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionResolving SessionState = "resolving"
	SessionPlaying   SessionState = "playing"
	SessionAdvancing SessionState = "advancing"
	SessionStopped   SessionState = "stopped"
	SessionError     SessionState = "error"
)

// CacheStatus tracks extraction progress for a track.
type CacheStatus string

const (
	CacheUnresolved CacheStatus = "unresolved"
	CacheResolving  CacheStatus = "resolving"
	CacheReady      CacheStatus = "ready"
	CacheFailed     CacheStatus = "failed"
)

// TrackRef is a discovered or resolved track candidate.
type TrackRef struct {
	Identifier      string      `json:"identifier"`
	Title           string      `json:"title"`
	Artist          string      `json:"artist"`
	DurationSeconds int         `json:"duration"`
	CacheStatus     CacheStatus `json:"cache_status"`
	AudioRef        string      `json:"audio_ref,omitempty"`
}

// DisplayName returns "artist - title" for logs and clients.
func (t TrackRef) DisplayName() string {
	return t.Artist + " - " + t.Title
}

// FormatDuration renders the track length as MM:SS.
func (t TrackRef) FormatDuration() string {
	if t.DurationSeconds <= 0 {
		return "00:00"
	}
	return fmt.Sprintf("%02d:%02d", t.DurationSeconds/60, t.DurationSeconds%60)
}

// CacheEntry is the persisted metadata index row for extracted audio.
// Reference counts live in memory with the sessions that hold them.
type CacheEntry struct {
	Identifier      string `gorm:"primaryKey"`
	StorageLocation string
	SizeBytes       int64
	CreatedAt       time.Time
	LastAccessedAt  time.Time `gorm:"index"`
}

// BlacklistedTrack marks an identifier that discovery must never yield.
type BlacklistedTrack struct {
	Identifier string `gorm:"primaryKey"`
	CreatedAt  time.Time
}
