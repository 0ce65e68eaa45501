/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/queryradio/queryradio/internal/telemetry"
)

// SearchOptions configures upstream searches.
type SearchOptions struct {
	Proxy         string
	Timeout       time.Duration
	RatePerSecond float64 // upstream request budget shared by all sessions
}

// UpstreamSearcher queries yt-dlp's flat search and falls back to the
// lighter HTML search client when yt-dlp fails.
type UpstreamSearcher struct {
	opts     SearchOptions
	limiter  *rate.Limiter
	fallback *ytsearch.Client
	logger   zerolog.Logger

	// replaced in tests
	flatSearch func(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// NewUpstreamSearcher creates the production searcher.
func NewUpstreamSearcher(opts SearchOptions, logger zerolog.Logger) *UpstreamSearcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	s := &UpstreamSearcher{
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), 2),
		fallback: ytsearch.NewClient(nil),
		logger:   logger.With().Str("component", "discovery").Logger(),
	}
	s.flatSearch = s.ytdlpFlatSearch
	return s
}

// Search returns raw candidates for the query, unfiltered.
func (s *UpstreamSearcher) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	candidates, err := s.flatSearch(ctx, negatedQuery(query), limit)
	if err == nil && len(candidates) > 0 {
		telemetry.SearchesTotal.WithLabelValues("ytdlp", "success").Inc()
		return candidates, nil
	}
	if err != nil {
		telemetry.SearchesTotal.WithLabelValues("ytdlp", "failure").Inc()
		s.logger.Warn().Err(err).Str("query", query).Msg("flat search failed, using fallback")
	}

	candidates, ferr := s.htmlSearch(ctx, query)
	if ferr != nil {
		telemetry.SearchesTotal.WithLabelValues("html", "failure").Inc()
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", query, err)
		}
		return nil, fmt.Errorf("search %q: %w", query, ferr)
	}
	telemetry.SearchesTotal.WithLabelValues("html", "success").Inc()
	return candidates, nil
}

func (s *UpstreamSearcher) ytdlpFlatSearch(ctx context.Context, query string, limit int) ([]Candidate, error) {
	cmd := ytdlp.New().
		FlatPlaylist().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		NoWarnings().
		IgnoreConfig().
		PreferFreeFormats()
	if s.opts.Proxy != "" {
		cmd.Proxy(s.opts.Proxy)
	}

	res, err := cmd.Run(ctx, fmt.Sprintf("ytsearch%d:%s", limit, query))
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	candidates := make([]Candidate, 0, len(lines))
	for _, line := range lines {
		parts := strings.Split(line, "\t")
		if len(parts) < 4 || parts[0] == "" || parts[0] == "NA" {
			continue
		}
		duration, _ := strconv.ParseFloat(parts[3], 64)
		candidates = append(candidates, Candidate{
			Identifier:      parts[0],
			Title:           parts[1],
			Artist:          parts[2],
			DurationSeconds: int(duration),
		})
	}
	return candidates, nil
}

func (s *UpstreamSearcher) htmlSearch(ctx context.Context, query string) ([]Candidate, error) {
	res, err := s.fallback.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(res.Results))
	for _, r := range res.Results {
		if r.VideoID == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			Identifier: r.VideoID,
			Title:      r.Title,
		})
	}
	return candidates, nil
}
