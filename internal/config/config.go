/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection for the cache metadata index.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int

	DBBackend DatabaseBackend
	DBDSN     string

	// Cache store
	AudioRoot     string
	CacheMaxMB    int
	CacheTTL      time.Duration
	EvictInterval time.Duration

	// S3 blob storage (optional; local filesystem when bucket is empty)
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3PublicBaseURL   string // Optional CDN URL for direct audio links
	S3UsePathStyle    bool   // Required for MinIO

	// Redis search-result cache (optional)
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	SearchCacheTTL time.Duration

	// Extraction
	YTDLPCookies    string // Path to a cookies.txt file
	YTDLPProxy      string
	MaxFilesizeMB   int
	DownloadTimeout time.Duration
	SearchTimeout   time.Duration
	SearchRate      float64 // upstream searches per second, shared by all sessions
	ExtractRetries  int

	// Radio engine
	PrefetchWorkers int
	Lookahead       int
	PlayedRing      int
	IdleTTL         time.Duration
	StallTicks      int
	PlayWindow      time.Duration // 0 disables auto-advance
	TickInterval    time.Duration
	PlaylistLimit   int

	// Catalog
	CatalogPath string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("QRADIO_ENV", "development"),
		HTTPBind:    getEnv("QRADIO_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("QRADIO_HTTP_PORT", 8080),

		DBBackend: DatabaseBackend(getEnv("QRADIO_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:     getEnv("QRADIO_DB_DSN", "queryradio.db"),

		AudioRoot:     getEnv("QRADIO_AUDIO_ROOT", "./audio-cache"),
		CacheMaxMB:    getEnvInt("QRADIO_CACHE_MAX_MB", 512),
		CacheTTL:      getEnvDuration("QRADIO_CACHE_TTL", 72*time.Hour),
		EvictInterval: getEnvDuration("QRADIO_EVICT_INTERVAL", time.Minute),

		S3AccessKeyID:     getEnvAny([]string{"QRADIO_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"QRADIO_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"QRADIO_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"QRADIO_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"QRADIO_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3PublicBaseURL:   getEnvAny([]string{"QRADIO_S3_PUBLIC_BASE_URL", "S3_PUBLIC_BASE_URL"}, ""),
		S3UsePathStyle:    getEnvBool("QRADIO_S3_USE_PATH_STYLE", false),

		RedisAddr:      getEnv("QRADIO_REDIS_ADDR", ""),
		RedisPassword:  getEnv("QRADIO_REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("QRADIO_REDIS_DB", 0),
		SearchCacheTTL: getEnvDuration("QRADIO_SEARCH_CACHE_TTL", 6*time.Hour),

		YTDLPCookies:    getEnv("QRADIO_YTDLP_COOKIES", ""),
		YTDLPProxy:      getEnvAny([]string{"QRADIO_YTDLP_PROXY", "YOUTUBE_PROXY"}, ""),
		MaxFilesizeMB:   getEnvInt("QRADIO_MAX_FILESIZE_MB", 45),
		DownloadTimeout: getEnvDuration("QRADIO_DOWNLOAD_TIMEOUT", 120*time.Second),
		SearchTimeout:   getEnvDuration("QRADIO_SEARCH_TIMEOUT", 20*time.Second),
		SearchRate:      getEnvFloat("QRADIO_SEARCH_RATE", 1.0),
		ExtractRetries:  getEnvInt("QRADIO_EXTRACT_RETRIES", 1),

		PrefetchWorkers: getEnvInt("QRADIO_PREFETCH_WORKERS", 2),
		Lookahead:       getEnvInt("QRADIO_LOOKAHEAD", 2),
		PlayedRing:      getEnvInt("QRADIO_PLAYED_RING", 200),
		IdleTTL:         getEnvDuration("QRADIO_IDLE_TTL", 10*time.Minute),
		StallTicks:      getEnvInt("QRADIO_STALL_TICKS", 4),
		PlayWindow:      getEnvDuration("QRADIO_PLAY_WINDOW", 90*time.Second),
		TickInterval:    getEnvDuration("QRADIO_TICK_INTERVAL", 2*time.Second),
		PlaylistLimit:   getEnvInt("QRADIO_PLAYLIST_LIMIT", 12),

		CatalogPath: getEnv("QRADIO_CATALOG_PATH", ""),

		TracingEnabled:    getEnvBool("QRADIO_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("QRADIO_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("QRADIO_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("QRADIO_DB_DSN must be provided")
	}
	if cfg.Lookahead < 1 {
		cfg.Lookahead = 1
	}
	if cfg.Lookahead > 2 {
		cfg.Lookahead = 2
	}
	if cfg.PrefetchWorkers < 1 {
		cfg.PrefetchWorkers = 1
	}
	if cfg.PlayedRing < 1 {
		return nil, fmt.Errorf("QRADIO_PLAYED_RING must be positive")
	}

	return cfg, nil
}

// CacheMaxBytes returns the cache ceiling in bytes. Zero means unlimited.
func (c *Config) CacheMaxBytes() int64 {
	if c == nil || c.CacheMaxMB <= 0 {
		return 0
	}
	return int64(c.CacheMaxMB) * 1024 * 1024
}

// MaxFilesizeBytes returns the per-track download limit in bytes.
func (c *Config) MaxFilesizeBytes() int64 {
	if c == nil || c.MaxFilesizeMB <= 0 {
		return 0
	}
	return int64(c.MaxFilesizeMB) * 1024 * 1024
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvDuration parses a Go duration string ("90s", "10m") or falls back to def.
func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
