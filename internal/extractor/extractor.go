/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package extractor downloads audio for a track identifier via yt-dlp.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lrstanley/go-ytdlp"
	"github.com/rs/zerolog"
)

// Result describes a downloaded audio file. The file lives in a
// temporary directory; callers own Cleanup once the bytes are persisted.
type Result struct {
	FilePath  string
	Ext       string // includes the leading dot
	SizeBytes int64
}

// Cleanup removes the temporary download directory.
func (r *Result) Cleanup() {
	if r != nil && r.FilePath != "" {
		os.RemoveAll(filepath.Dir(r.FilePath))
	}
}

// Gateway extracts audio for an identifier from the upstream source.
type Gateway interface {
	Extract(ctx context.Context, identifier string) (*Result, error)
}

// Options configures the yt-dlp gateway.
type Options struct {
	CookiesPath      string
	Proxy            string
	MaxFilesizeBytes int64 // 0 means unlimited
	Timeout          time.Duration
	TempRoot         string // empty means os.TempDir
}

// YTDLP implements Gateway by shelling out to yt-dlp.
type YTDLP struct {
	opts   Options
	logger zerolog.Logger
}

// NewYTDLP creates a yt-dlp backed extraction gateway.
func NewYTDLP(opts Options, logger zerolog.Logger) *YTDLP {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &YTDLP{
		opts:   opts,
		logger: logger.With().Str("component", "extractor").Logger(),
	}
}

func (y *YTDLP) format() string {
	if y.opts.MaxFilesizeBytes > 0 {
		mb := y.opts.MaxFilesizeBytes / (1024 * 1024)
		return fmt.Sprintf("bestaudio[filesize<%dM]/bestaudio", mb)
	}
	return "bestaudio"
}

// rawArgs returns flags passed straight through to yt-dlp.
func rawArgs() []string {
	return []string{
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "10",
		"--fragment-retries", "10",
	}
}

// Extract downloads the best audio stream for the identifier into a
// fresh temporary directory.
func (y *YTDLP) Extract(ctx context.Context, identifier string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, y.opts.Timeout)
	defer cancel()

	dir := filepath.Join(y.opts.TempRoot, "qradio-dl-"+uuid.NewString())
	if y.opts.TempRoot == "" {
		dir = filepath.Join(os.TempDir(), "qradio-dl-"+uuid.NewString())
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig().
		Format(y.format()).
		Output(filepath.Join(dir, "%(id)s.%(ext)s"))
	if y.opts.Proxy != "" {
		cmd.Proxy(y.opts.Proxy)
	}
	if y.opts.CookiesPath != "" {
		cmd.Cookies(y.opts.CookiesPath)
	}

	started := time.Now()
	args := append(rawArgs(), "https://www.youtube.com/watch?v="+identifier)
	if _, err := cmd.Run(ctx, args...); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("yt-dlp download %s: %w", identifier, err)
	}

	result, err := scanDownloadDir(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("download %s: %w", identifier, err)
	}
	if y.opts.MaxFilesizeBytes > 0 && result.SizeBytes > y.opts.MaxFilesizeBytes {
		result.Cleanup()
		return nil, fmt.Errorf("download %s: %d bytes exceeds limit", identifier, result.SizeBytes)
	}

	y.logger.Info().
		Str("identifier", identifier).
		Int64("size", result.SizeBytes).
		Dur("elapsed", time.Since(started)).
		Msg("audio extracted")
	return result, nil
}

// scanDownloadDir locates the single file yt-dlp produced.
func scanDownloadDir(dir string) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read download dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// Partial downloads are left behind on interrupt.
		if filepath.Ext(entry.Name()) == ".part" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat download: %w", err)
		}
		return &Result{
			FilePath:  filepath.Join(dir, entry.Name()),
			Ext:       filepath.Ext(entry.Name()),
			SizeBytes: info.Size(),
		}, nil
	}
	return nil, errors.New("no audio file produced")
}
