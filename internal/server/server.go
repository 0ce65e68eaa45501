/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires configuration, storage, the session engine, and
// the HTTP surface into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/queryradio/queryradio/internal/api"
	"github.com/queryradio/queryradio/internal/catalog"
	"github.com/queryradio/queryradio/internal/config"
	"github.com/queryradio/queryradio/internal/db"
	"github.com/queryradio/queryradio/internal/discovery"
	"github.com/queryradio/queryradio/internal/events"
	"github.com/queryradio/queryradio/internal/extractor"
	"github.com/queryradio/queryradio/internal/pipeline"
	"github.com/queryradio/queryradio/internal/radio"
	"github.com/queryradio/queryradio/internal/store"
	"github.com/queryradio/queryradio/internal/telemetry"
	"github.com/queryradio/queryradio/internal/version"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db          *gorm.DB
	bus         *events.Bus
	store       *store.Store
	searchCache *discovery.SearchCache
	manager     *radio.Manager
	api         *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("queryradio-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Audio streaming can legitimately outlive a request timeout.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(r.URL.Path) >= 7 && r.URL.Path[:7] == "/audio/" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		srv.Close()
		return nil, err
	}
	srv.configureRoutes()
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	s.bus = events.NewBus()

	blobs, err := s.initBlobStorage()
	if err != nil {
		return err
	}

	s.store = store.New(database, blobs, store.Config{
		MaxBytes:      s.cfg.CacheMaxBytes(),
		TTL:           s.cfg.CacheTTL,
		SweepInterval: s.cfg.EvictInterval,
	}, s.bus, s.logger)

	gateway := extractor.NewYTDLP(extractor.Options{
		CookiesPath:      s.cfg.YTDLPCookies,
		Proxy:            s.cfg.YTDLPProxy,
		MaxFilesizeBytes: s.cfg.MaxFilesizeBytes(),
		Timeout:          s.cfg.DownloadTimeout,
	}, s.logger)

	blacklist := discovery.NewBlacklist(database)
	resolver := pipeline.New(s.store, gateway, blacklist, s.cfg.ExtractRetries, s.logger)

	s.searchCache = discovery.NewSearchCache(discovery.CacheConfig{
		RedisAddr:      s.cfg.RedisAddr,
		RedisPassword:  s.cfg.RedisPassword,
		RedisDB:        s.cfg.RedisDB,
		TTL:            s.cfg.SearchCacheTTL,
		DisableOnError: true,
	}, s.logger)
	s.DeferClose(func() error { return s.searchCache.Close() })

	searcher := discovery.NewUpstreamSearcher(discovery.SearchOptions{
		Proxy:         s.cfg.YTDLPProxy,
		Timeout:       s.cfg.SearchTimeout,
		RatePerSecond: s.cfg.SearchRate,
	}, s.logger)
	newFeed := func(query string) *discovery.Feed {
		return discovery.NewFeed(query, s.cfg.PlaylistLimit, searcher, s.searchCache, blacklist, s.logger)
	}

	s.manager = radio.NewManager(radio.Config{
		Lookahead:       s.cfg.Lookahead,
		PlayedRing:      s.cfg.PlayedRing,
		IdleTTL:         s.cfg.IdleTTL,
		StallTicks:      s.cfg.StallTicks,
		PlayWindow:      s.cfg.PlayWindow,
		TickInterval:    s.cfg.TickInterval,
		PrefetchWorkers: s.cfg.PrefetchWorkers,
	}, resolver, s.store, newFeed, s.bus, s.logger)

	cat, err := catalog.Load(s.cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	s.api = api.New(s.manager, s.store, newFeed, cat, s.cfg.PlaylistLimit, s.logger)
	return nil
}

// initBlobStorage picks S3 when a bucket is configured, otherwise the
// local filesystem cache directory.
func (s *Server) initBlobStorage() (store.Storage, error) {
	if s.cfg.S3Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s3Storage, err := store.NewS3Storage(ctx, store.S3Config{
			AccessKeyID:     s.cfg.S3AccessKeyID,
			SecretAccessKey: s.cfg.S3SecretAccessKey,
			Region:          s.cfg.S3Region,
			Bucket:          s.cfg.S3Bucket,
			Endpoint:        s.cfg.S3Endpoint,
			PublicBaseURL:   s.cfg.S3PublicBaseURL,
			UsePathStyle:    s.cfg.S3UsePathStyle,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("init s3 storage: %w", err)
		}
		if err := s3Storage.CheckAccess(ctx); err != nil {
			return nil, fmt.Errorf("s3 bucket access: %w", err)
		}
		s.logger.Info().Str("bucket", s.cfg.S3Bucket).Msg("using S3 audio storage")
		return s3Storage, nil
	}

	fsStorage := store.NewFilesystemStorage(s.cfg.AudioRoot, s.logger)
	if err := fsStorage.CheckAccess(context.Background()); err != nil {
		return nil, fmt.Errorf("audio root: %w", err)
	}
	s.logger.Info().Str("root", s.cfg.AudioRoot).Msg("using filesystem audio storage")
	return fsStorage, nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","version":"` + version.Version + `"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("session engine exited")
		}
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.store.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("eviction sweep exited")
		}
	}()

	// Event log: operational visibility for session churn and cache
	// pressure without a client attached.
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.runEventLogger(ctx)
	}()
}

func (s *Server) runEventLogger(ctx context.Context) {
	errorSub := s.bus.Subscribe(events.EventSessionError)
	evictSub := s.bus.Subscribe(events.EventCacheEvicted)
	defer s.bus.Unsubscribe(events.EventSessionError, errorSub)
	defer s.bus.Unsubscribe(events.EventCacheEvicted, evictSub)

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-errorSub:
			s.logger.Warn().Interface("event", payload).Msg("session error")
		case payload := <-evictSub:
			s.logger.Debug().Interface("event", payload).Msg("cache entry evicted")
		}
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
