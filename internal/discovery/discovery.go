/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package discovery finds playable track candidates for a query and
// feeds them to radio sessions without repeats.
package discovery

import (
	"context"
	"errors"
)

// ErrNoCandidates is returned when the upstream search yields nothing
// playable after filtering and exclusions.
var ErrNoCandidates = errors.New("no playable candidates")

// Candidate is a track discovered upstream, not yet resolved to audio.
type Candidate struct {
	Identifier      string
	Title           string
	Artist          string
	DurationSeconds int // 0 when the source did not report one
}

// Searcher finds candidates for a free-text query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}
