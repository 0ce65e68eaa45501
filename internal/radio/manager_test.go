package radio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/queryradio/queryradio/internal/discovery"
	"github.com/queryradio/queryradio/internal/events"
	"github.com/queryradio/queryradio/internal/extractor"
	"github.com/queryradio/queryradio/internal/models"
	"github.com/queryradio/queryradio/internal/pipeline"
	"github.com/queryradio/queryradio/internal/store"
)

// seqSearcher hands out an endless stream of unique candidates.
type seqSearcher struct {
	mu sync.Mutex
	n  int
}

func (s *seqSearcher) Search(ctx context.Context, query string, limit int) ([]discovery.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]discovery.Candidate, 0, limit)
	for i := 0; i < limit; i++ {
		s.n++
		out = append(out, discovery.Candidate{
			Identifier:      fmt.Sprintf("track%05d", s.n),
			Title:           fmt.Sprintf("Song %d", s.n),
			Artist:          "Artist",
			DurationSeconds: 240,
		})
	}
	return out, nil
}

// fakeGateway fabricates audio files and counts calls per identifier.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: make(map[string]int), fail: make(map[string]bool)}
}

func (g *fakeGateway) Extract(ctx context.Context, identifier string) (*extractor.Result, error) {
	g.mu.Lock()
	g.calls[identifier]++
	failing := g.fail[identifier]
	g.mu.Unlock()

	if failing {
		return nil, fmt.Errorf("source rejected %s", identifier)
	}

	dir, err := os.MkdirTemp("", "qradio-radio-test-")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, identifier+".m4a")
	if err := os.WriteFile(path, []byte("audio"), 0o600); err != nil {
		return nil, err
	}
	return &extractor.Result{FilePath: path, Ext: ".m4a", SizeBytes: 5}, nil
}

func (g *fakeGateway) callCount(identifier string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[identifier]
}

func (g *fakeGateway) identifiers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.calls))
	for id := range g.calls {
		out = append(out, id)
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config, gateway extractor.Gateway) (*Manager, *store.Store, *events.Bus) {
	t.Helper()
	return newTestEngineWith(t, cfg, gateway, &seqSearcher{})
}

func newTestEngineWith(t *testing.T, cfg Config, gateway extractor.Gateway, searcher discovery.Searcher) (*Manager, *store.Store, *events.Bus) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&models.CacheEntry{}, &models.BlacklistedTrack{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewBus()
	blobs := store.NewFilesystemStorage(filepath.Join(t.TempDir(), "blobs"), zerolog.Nop())
	st := store.New(db, blobs, store.Config{}, bus, zerolog.Nop())
	resolver := pipeline.New(st, gateway, nil, 0, zerolog.Nop())

	newFeed := func(query string) *discovery.Feed {
		return discovery.NewFeed(query, 8, searcher, nil, nil, zerolog.Nop())
	}

	manager := NewManager(cfg, resolver, st, newFeed, bus, zerolog.Nop())
	t.Cleanup(func() { manager.stopAll() })
	return manager, st, bus
}

func waitForPlaying(t *testing.T, m *Manager, chatID int64) Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		snap, ok := m.Snapshot(chatID)
		if ok && snap.State == models.SessionPlaying {
			return snap
		}
		if ok && snap.State == models.SessionError {
			t.Fatalf("session errored: %s", snap.LastError)
		}
		select {
		case <-deadline:
			t.Fatal("session never reached playing")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	m, _, _ := newTestEngine(t, Config{Lookahead: 1, PrefetchWorkers: 2}, newFakeGateway())

	m.Start(context.Background(), 42, "synthwave")

	snap, ok := m.Snapshot(42)
	if !ok {
		t.Fatal("session should exist immediately after start")
	}
	if snap.State != models.SessionResolving && snap.State != models.SessionPlaying {
		t.Fatalf("unexpected initial state %s", snap.State)
	}
	if snap.Query != "synthwave" {
		t.Fatalf("query %q", snap.Query)
	}

	snap = waitForPlaying(t, m, 42)
	first := snap.Current.Identifier
	if first == "" {
		t.Fatal("playing session must expose a current identifier")
	}
	if snap.Current.AudioRef == "" {
		t.Fatal("ready track must carry an audio ref")
	}

	if !m.Skip(42) {
		t.Fatal("skip on live session should succeed")
	}
	snap = waitForPlaying(t, m, 42)
	if snap.Current.Identifier == first {
		t.Fatalf("skip did not change the current track (%s)", first)
	}

	if !m.Stop(42) {
		t.Fatal("stop on live session should succeed")
	}
	if _, ok := m.Snapshot(42); ok {
		t.Fatal("stopped session must disappear from status")
	}
	if m.Skip(42) || m.Stop(42) {
		t.Fatal("commands on an absent chat must be no-ops")
	}
}

func TestConcurrentSkipsAdvanceExactlyOnceEach(t *testing.T) {
	m, _, bus := newTestEngine(t, Config{Lookahead: 2, PrefetchWorkers: 2}, newFakeGateway())

	sub := bus.Subscribe(events.EventNowPlaying)
	var seenMu sync.Mutex
	var seen []string
	go func() {
		for payload := range sub {
			seenMu.Lock()
			seen = append(seen, payload["identifier"].(string))
			seenMu.Unlock()
		}
	}()

	m.Start(context.Background(), 7, "lofi")
	waitForPlaying(t, m, 7)

	const skips = 10
	var wg sync.WaitGroup
	for i := 0; i < skips; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !m.Skip(7) {
				t.Error("skip failed")
			}
		}()
	}
	wg.Wait()

	// All skips executed: the event stream must show 1 start + 10
	// advances with no identifier repeated.
	deadline := time.After(5 * time.Second)
	for {
		seenMu.Lock()
		n := len(seen)
		seenMu.Unlock()
		if n >= skips+1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("observed %d now-playing events, want %d", n, skips+1)
		case <-time.After(10 * time.Millisecond):
		}
	}

	seenMu.Lock()
	defer seenMu.Unlock()
	if len(seen) != skips+1 {
		t.Fatalf("expected exactly %d advances, got %d", skips+1, len(seen))
	}
	distinct := make(map[string]bool)
	for _, id := range seen {
		if distinct[id] {
			t.Fatalf("identifier %s played twice", id)
		}
		distinct[id] = true
	}
}

func TestTransparentFailover(t *testing.T) {
	gateway := newFakeGateway()
	m, _, _ := newTestEngine(t, Config{Lookahead: 1, PrefetchWorkers: 1}, gateway)

	// The first search batch is ids 1-16; fail all but the last so
	// the session must fail over repeatedly before it can play.
	for i := 1; i <= 15; i++ {
		gateway.fail[fmt.Sprintf("track%05d", i)] = true
	}

	m.Start(context.Background(), 9, "jazz")
	snap := waitForPlaying(t, m, 9)

	if gateway.fail[snap.Current.Identifier] {
		t.Fatalf("current track %s should not be a failed candidate", snap.Current.Identifier)
	}
	if snap.LastError != "" {
		t.Fatalf("failover must be transparent, got lastError %q", snap.LastError)
	}
	for i := 1; i <= 15; i++ {
		id := fmt.Sprintf("track%05d", i)
		if got := gateway.callCount(id); got > 1 {
			t.Errorf("failed candidate %s retried %d times within the session", id, got)
		}
	}
}

func TestStopReleasesAllReferences(t *testing.T) {
	m, st, _ := newTestEngine(t, Config{Lookahead: 2, PrefetchWorkers: 2}, newFakeGateway())

	m.Start(context.Background(), 11, "ambient")
	snap := waitForPlaying(t, m, 11)

	// Let the prefetcher fill the lookahead.
	deadline := time.After(5 * time.Second)
	for {
		snap, _ = m.Snapshot(11)
		if snap.LookaheadLength >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("lookahead never filled, length %d", snap.LookaheadLength)
		case <-time.After(10 * time.Millisecond):
		}
	}

	current := snap.Current.Identifier
	if st.RefCount(current) == 0 {
		t.Fatal("current track should hold a cache reference")
	}

	m.Stop(11)
	if got := st.RefCount(current); got != 0 {
		t.Fatalf("stop must release the current ref, still %d", got)
	}
}

// singleSearcher always returns the same lone candidate, so two chats
// end up playing the same cached track.
type singleSearcher struct{}

func (singleSearcher) Search(ctx context.Context, query string, limit int) ([]discovery.Candidate, error) {
	return []discovery.Candidate{{
		Identifier:      "shared000001",
		Title:           "Only Song",
		Artist:          "Artist",
		DurationSeconds: 240,
	}}, nil
}

func TestFailedAdvanceReleasesCurrentOnlyOnce(t *testing.T) {
	m, st, _ := newTestEngineWith(t, Config{Lookahead: 1, PrefetchWorkers: 1}, newFakeGateway(), singleSearcher{})

	m.Start(context.Background(), 1, "one hit wonder")
	m.Start(context.Background(), 2, "one hit wonder")
	waitForPlaying(t, m, 1)
	waitForPlaying(t, m, 2)

	const shared = "shared000001"
	if got := st.RefCount(shared); got != 2 {
		t.Fatalf("both sessions should reference %s, refcount %d", shared, got)
	}

	// Chat 2 has nothing left to discover: the skip releases its own
	// reference and fails the session.
	if !m.Skip(2) {
		t.Fatal("skip on a live session should execute")
	}
	deadline := time.After(5 * time.Second)
	for {
		snap, ok := m.Snapshot(2)
		if ok && snap.State == models.SessionError {
			break
		}
		select {
		case <-deadline:
			t.Fatal("exhausted session never reached error state")
		case <-time.After(10 * time.Millisecond):
		}
	}

	m.Stop(2)
	if got := st.RefCount(shared); got != 1 {
		t.Fatalf("chat 1 still plays %s, refcount %d after chat 2 stopped", shared, got)
	}
}

func TestConcurrentStartsDisplaceCleanly(t *testing.T) {
	gateway := newFakeGateway()
	m, st, _ := newTestEngine(t, Config{Lookahead: 1, PrefetchWorkers: 2}, gateway)

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Start(context.Background(), 99, "synthwave")
			}()
		}
		wg.Wait()
	}

	waitForPlaying(t, m, 99)
	if !m.Stop(99) {
		t.Fatal("stop should find the surviving session")
	}
	if m.Stop(99) {
		t.Fatal("only one session may survive the start races")
	}

	// Every displaced session was halted, so all cache references must
	// drain once in-flight resolutions notice the shutdown.
	deadline := time.After(5 * time.Second)
	for {
		leaked := 0
		for _, id := range gateway.identifiers() {
			if st.RefCount(id) > 0 {
				leaked++
			}
		}
		if leaked == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("%d cache refs still held after stop", leaked)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestIdleSessionEvicted(t *testing.T) {
	m, _, _ := newTestEngine(t, Config{
		Lookahead:       1,
		PrefetchWorkers: 1,
		IdleTTL:         50 * time.Millisecond,
	}, newFakeGateway())

	m.Start(context.Background(), 13, "chill")
	waitForPlaying(t, m, 13)

	time.Sleep(80 * time.Millisecond)
	m.tick()

	// Eviction runs through Stop, so the registry entry is gone.
	if _, ok := m.lookup(13); ok {
		t.Fatal("idle session should be evicted by the tick")
	}
}

func TestGlobalStatusDoesNotKeepSessionsAlive(t *testing.T) {
	m, _, _ := newTestEngine(t, Config{
		Lookahead:       1,
		PrefetchWorkers: 1,
		IdleTTL:         50 * time.Millisecond,
	}, newFakeGateway())

	m.Start(context.Background(), 31, "chill")
	waitForPlaying(t, m, 31)
	m.Start(context.Background(), 32, "jazz")
	waitForPlaying(t, m, 32)

	// A dashboard polls every session while only chat 32 keeps its own
	// status endpoint busy.
	stop := time.Now().Add(80 * time.Millisecond)
	for time.Now().Before(stop) {
		m.SnapshotAll()
		m.Snapshot(32)
		time.Sleep(10 * time.Millisecond)
	}
	m.tick()

	if _, ok := m.lookup(31); ok {
		t.Fatal("global polls must not refresh an idle session's deadline")
	}
	if _, ok := m.lookup(32); !ok {
		t.Fatal("chat-scoped polls should keep the session alive")
	}
}

func TestAutoAdvanceAfterPlayWindow(t *testing.T) {
	m, _, _ := newTestEngine(t, Config{
		Lookahead:       1,
		PrefetchWorkers: 2,
		PlayWindow:      30 * time.Millisecond,
	}, newFakeGateway())

	m.Start(context.Background(), 21, "house")
	snap := waitForPlaying(t, m, 21)
	first := snap.Current.Identifier

	deadline := time.After(5 * time.Second)
	for {
		time.Sleep(40 * time.Millisecond)
		m.tick()
		snap, ok := m.Snapshot(21)
		if ok && snap.State == models.SessionPlaying && snap.Current.Identifier != first {
			return
		}
		select {
		case <-deadline:
			t.Fatal("session never auto-advanced past the play window")
		default:
		}
	}
}

func TestPlayedRingNeverRepeats(t *testing.T) {
	r := newPlayedRing(3)
	r.Add("a")
	r.Add("b")
	r.Add("c")
	for _, id := range []string{"a", "b", "c"} {
		if !r.Contains(id) {
			t.Fatalf("ring should contain %s", id)
		}
	}
	r.Add("d") // displaces a
	if r.Contains("a") {
		t.Fatal("oldest entry should be displaced")
	}
	if !r.Contains("d") || !r.Contains("b") || !r.Contains("c") {
		t.Fatal("ring lost a recent entry")
	}
}
