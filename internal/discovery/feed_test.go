package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type searcherFunc func(ctx context.Context, query string, limit int) ([]Candidate, error)

func (f searcherFunc) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	return f(ctx, query, limit)
}

func track(id, title string, duration int) Candidate {
	return Candidate{Identifier: id, Title: title, DurationSeconds: duration}
}

func TestFeedDrainsWithoutRepeats(t *testing.T) {
	batch := []Candidate{
		track("aaa", "Song A", 200),
		track("bbb", "Song B", 200),
		track("ccc", "Song C", 200),
	}
	feed := NewFeed("lofi", 3, searcherFunc(func(ctx context.Context, q string, limit int) ([]Candidate, error) {
		return batch, nil
	}), nil, nil, zerolog.Nop())

	got := make(map[string]bool)
	for i := 0; i < 3; i++ {
		c, err := feed.Next(context.Background(), nil)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if got[c.Identifier] {
			t.Fatalf("identifier %s offered twice", c.Identifier)
		}
		got[c.Identifier] = true
	}

	// Upstream keeps returning the same batch: the feed must not
	// re-offer any of it.
	if _, err := feed.Next(context.Background(), nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates after exhausting the batch, got %v", err)
	}
}

func TestFeedHonorsExclude(t *testing.T) {
	feed := NewFeed("lofi", 2, searcherFunc(func(ctx context.Context, q string, limit int) ([]Candidate, error) {
		return []Candidate{
			track("played1play", "Song A", 200),
			track("freshfresh1", "Song B", 200),
		}, nil
	}), nil, nil, zerolog.Nop())

	exclude := func(id string) bool { return id == "played1play" }
	for i := 0; i < 1; i++ {
		c, err := feed.Next(context.Background(), exclude)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if c.Identifier == "played1play" {
			t.Fatal("excluded identifier was offered")
		}
	}
}

func TestFeedFiltersUnplayableTitles(t *testing.T) {
	feed := NewFeed("synthwave", 4, searcherFunc(func(ctx context.Context, q string, limit int) ([]Candidate, error) {
		return []Candidate{
			track("live123456a", "Synthwave LIVE stream", 300),
			track("top12345678", "Top 10 Synthwave Hits", 300),
			track("short123456", "Tiny Clip", 30),
			track("long1234567", "Three Hour Cut", 7200),
			track("good1234567", "Neon Drive", 240),
		}, nil
	}), nil, nil, zerolog.Nop())

	c, err := feed.Next(context.Background(), nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if c.Identifier != "good1234567" {
		t.Fatalf("expected the only playable track, got %s", c.Identifier)
	}
	if _, err := feed.Next(context.Background(), nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestFeedWidensSearchWindowAcrossRefills(t *testing.T) {
	// Upstream behaves like a paged search: asking for N returns the
	// first N results of a stable ranking, so a fixed window would run
	// dry once its page is drained.
	feed := NewFeed("deep focus", 4, searcherFunc(func(ctx context.Context, q string, limit int) ([]Candidate, error) {
		out := make([]Candidate, 0, limit)
		for i := 1; i <= limit; i++ {
			out = append(out, track(fmt.Sprintf("cand%07d", i), fmt.Sprintf("Track %d", i), 200))
		}
		return out, nil
	}), nil, nil, zerolog.Nop())

	// An open-ended session draws far past the first page; every draw
	// must still produce a fresh identifier.
	seen := make(map[string]bool)
	for i := 0; i < 30; i++ {
		c, err := feed.Next(context.Background(), nil)
		if err != nil {
			t.Fatalf("draw %d: %v", i, err)
		}
		if seen[c.Identifier] {
			t.Fatalf("identifier %s offered twice", c.Identifier)
		}
		seen[c.Identifier] = true
	}
}

func TestFeedPropagatesSearchErrors(t *testing.T) {
	boom := errors.New("upstream down")
	feed := NewFeed("lofi", 2, searcherFunc(func(ctx context.Context, q string, limit int) ([]Candidate, error) {
		return nil, boom
	}), nil, nil, zerolog.Nop())

	if _, err := feed.Next(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestPlayableMixException(t *testing.T) {
	cases := []struct {
		name  string
		c     Candidate
		query string
		want  bool
	}{
		{"plain track", track("a", "Artist - Song", 240), "rock", true},
		{"banned word", track("b", "Best of Rock", 240), "rock", false},
		{"mix allowed when asked", track("c", "Chill Megamix Vol 2", 240), "chill mix", true},
		{"mix banned otherwise", track("c2", "Chill Megamix Vol 2", 240), "chill", false},
		{"top list never allowed", track("d", "Top 10 chill mix", 240), "chill mix", false},
		{"too short", track("e", "Fragment", 60), "rock", false},
		{"too long", track("f", "Long Session", 3600), "rock", false},
		{"unknown duration passes", track("g", "Mystery Song", 0), "rock", true},
	}
	for _, tc := range cases {
		if got := playable(tc.c, tc.query); got != tc.want {
			t.Errorf("%s: playable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
