package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
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
	"github.com/queryradio/queryradio/internal/store"
)

type gatewayFunc func(ctx context.Context, identifier string) (*extractor.Result, error)

func (f gatewayFunc) Extract(ctx context.Context, identifier string) (*extractor.Result, error) {
	return f(ctx, identifier)
}

func newTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func newTestStore(t *testing.T, db *gorm.DB) *store.Store {
	t.Helper()
	blobs := store.NewFilesystemStorage(filepath.Join(t.TempDir(), "blobs"), zerolog.Nop())
	return store.New(db, blobs, store.Config{}, events.NewBus(), zerolog.Nop())
}

// fakeDownload writes a throwaway audio file for the gateway to return.
func fakeDownload(t *testing.T, size int) *extractor.Result {
	t.Helper()
	dir, err := os.MkdirTemp("", "qradio-test-dl-")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	path := filepath.Join(dir, "audio.m4a")
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatalf("write fake download: %v", err)
	}
	return &extractor.Result{FilePath: path, Ext: ".m4a", SizeBytes: int64(size)}
}

func TestResolveCacheHitSkipsExtraction(t *testing.T) {
	db := newTestDB(t)
	st := newTestStore(t, db)

	var calls atomic.Int32
	resolver := New(st, gatewayFunc(func(ctx context.Context, id string) (*extractor.Result, error) {
		calls.Add(1)
		return fakeDownload(t, 16), nil
	}), nil, 0, zerolog.Nop())

	if _, err := resolver.Resolve(context.Background(), "cachedtrack"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	st.Release("cachedtrack")

	if _, err := resolver.Resolve(context.Background(), "cachedtrack"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 extraction, got %d", got)
	}
	if got := st.RefCount("cachedtrack"); got != 1 {
		t.Fatalf("expected refcount 1 after release+resolve, got %d", got)
	}
}

func TestResolveSingleFlight(t *testing.T) {
	db := newTestDB(t)
	st := newTestStore(t, db)

	var calls atomic.Int32
	release := make(chan struct{})
	resolver := New(st, gatewayFunc(func(ctx context.Context, id string) (*extractor.Result, error) {
		calls.Add(1)
		<-release
		return fakeDownload(t, 16), nil
	}), nil, 0, zerolog.Nop())

	const waiters = 8
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = resolver.Resolve(context.Background(), "sharedtrack")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("waiter %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 extraction for %d waiters, got %d", waiters, got)
	}
	if got := st.RefCount("sharedtrack"); got != waiters {
		t.Fatalf("expected %d references, got %d", waiters, got)
	}
}

func TestResolveFailureFansOutAndBlacklists(t *testing.T) {
	db := newTestDB(t)
	st := newTestStore(t, db)
	blacklist := discovery.NewBlacklist(db)

	boom := errors.New("upstream rejected")
	resolver := New(st, gatewayFunc(func(ctx context.Context, id string) (*extractor.Result, error) {
		return nil, boom
	}), blacklist, 0, zerolog.Nop())

	const waiters = 4
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = resolver.Resolve(context.Background(), "brokentrack")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		var extractionErr *ExtractionError
		if !errors.As(err, &extractionErr) {
			t.Fatalf("waiter %d: expected ExtractionError, got %v", i, err)
		}
		if extractionErr.Identifier != "brokentrack" {
			t.Fatalf("waiter %d: wrong identifier %s", i, extractionErr.Identifier)
		}
	}

	listed, err := blacklist.Contains(context.Background(), "brokentrack")
	if err != nil {
		t.Fatalf("blacklist lookup: %v", err)
	}
	if !listed {
		t.Fatal("failed track should be blacklisted")
	}
	if got := st.RefCount("brokentrack"); got != 0 {
		t.Fatalf("failed resolve must not hold references, got %d", got)
	}
}

func TestResolveRetriesOnce(t *testing.T) {
	db := newTestDB(t)
	st := newTestStore(t, db)

	var calls atomic.Int32
	resolver := New(st, gatewayFunc(func(ctx context.Context, id string) (*extractor.Result, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return fakeDownload(t, 16), nil
	}), nil, 1, zerolog.Nop())

	if _, err := resolver.Resolve(context.Background(), "flakytrack"); err != nil {
		t.Fatalf("resolve should succeed on retry: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestResolveCancelledCallerDoesNotAbortFlight(t *testing.T) {
	db := newTestDB(t)
	st := newTestStore(t, db)

	release := make(chan struct{})
	resolver := New(st, gatewayFunc(func(ctx context.Context, id string) (*extractor.Result, error) {
		select {
		case <-release:
			return fakeDownload(t, 16), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), nil, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := resolver.Resolve(ctx, "survivortrack")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller should see context error, got %v", err)
	}

	close(release)

	// The detached flight finishes and caches the entry anyway.
	deadline := time.After(2 * time.Second)
	for {
		if _, err := st.Get(context.Background(), "survivortrack"); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("flight did not complete after caller cancellation")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
