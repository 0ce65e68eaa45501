/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package radio

// playedRing remembers the last N identifiers a session played so
// discovery never offers a near-term repeat. Bounded so open-ended
// sessions do not grow without limit.
type playedRing struct {
	order   []string
	members map[string]int // identifier -> occurrences in order
	size    int
	next    int
}

func newPlayedRing(size int) *playedRing {
	if size < 1 {
		size = 1
	}
	return &playedRing{
		order:   make([]string, size),
		members: make(map[string]int),
		size:    size,
	}
}

// Add records an identifier, displacing the oldest when full.
func (r *playedRing) Add(identifier string) {
	old := r.order[r.next]
	if old != "" {
		r.members[old]--
		if r.members[old] == 0 {
			delete(r.members, old)
		}
	}
	r.order[r.next] = identifier
	r.members[identifier]++
	r.next = (r.next + 1) % r.size
}

// Contains reports whether the identifier was played recently.
func (r *playedRing) Contains(identifier string) bool {
	return r.members[identifier] > 0
}
