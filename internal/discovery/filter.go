/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package discovery

import "strings"

// Titles containing these fragments are compilations, cuts, or streams
// rather than single tracks.
var bannedTitleWords = []string{
	"10 hours", "1 hour", "mix 20", "full album", "playlist",
	"compilation", "live", "stream", "24/7",
	"top 10", "top 5", "top 20", "top 50", "top 100",
	"best of", "greatest hits", "collection", "mashup",
	"minimix", "megamix", "medley", "intro", "outro", "teaser",
	"preview", "trailer",
}

const (
	minTrackSeconds = 120
	maxTrackSeconds = 600
)

// playable reports whether a candidate passes the title and duration
// filters for the given query. Candidates with unknown duration are
// accepted; the download size cap catches oversized audio later.
func playable(c Candidate, query string) bool {
	title := strings.ToLower(c.Title)
	for _, banned := range bannedTitleWords {
		if !strings.Contains(title, banned) {
			continue
		}
		// A query that asks for a mix gets mixes, but never top lists.
		if strings.Contains(strings.ToLower(query), "mix") && !strings.Contains(title, "top") {
			break
		}
		return false
	}

	if c.DurationSeconds > 0 {
		if c.DurationSeconds < minTrackSeconds || c.DurationSeconds > maxTrackSeconds {
			return false
		}
	}
	return true
}

// negatedQuery appends minus-words so the upstream search skips the
// worst offenders before filtering even runs.
func negatedQuery(query string) string {
	return query + ` -live -radio -stream -24/7 -"10 hours" -"top 10" -"top 5" -"best of"`
}
