/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FilesystemStorage implements Storage using the local filesystem.
type FilesystemStorage struct {
	rootDir string
	logger  zerolog.Logger
}

// NewFilesystemStorage creates a filesystem-based blob backend.
func NewFilesystemStorage(rootDir string, logger zerolog.Logger) *FilesystemStorage {
	return &FilesystemStorage{
		rootDir: rootDir,
		logger:  logger.With().Str("component", "fs-storage").Logger(),
	}
}

// buildBlobPath shards blobs by identifier prefix to keep directories small.
func buildBlobPath(identifier, ext string) string {
	prefix := "00"
	if len(identifier) >= 2 {
		prefix = identifier[:2]
	}
	return filepath.Join(prefix, identifier+ext)
}

// Store saves audio bytes and returns the relative location.
func (fs *FilesystemStorage) Store(ctx context.Context, identifier, ext string, src io.Reader) (string, int64, error) {
	relativePath := buildBlobPath(identifier, ext)
	fullPath := filepath.Join(fs.rootDir, relativePath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("create directories: %w", err)
	}

	dest, err := os.Create(fullPath)
	if err != nil {
		return "", 0, fmt.Errorf("create file: %w", err)
	}
	defer dest.Close()

	size, err := io.Copy(dest, src)
	if err != nil {
		os.Remove(fullPath)
		return "", 0, fmt.Errorf("write file: %w", err)
	}

	fs.logger.Debug().
		Str("identifier", identifier).
		Str("path", relativePath).
		Int64("size", size).
		Msg("blob stored")

	return relativePath, size, nil
}

// Open returns a reader over the stored blob. The returned *os.File
// supports seeking, which the audio handler uses for range requests.
func (fs *FilesystemStorage) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(fs.rootDir, location))
}

// Delete removes a blob from the filesystem.
func (fs *FilesystemStorage) Delete(ctx context.Context, location string) error {
	fullPath := filepath.Join(fs.rootDir, location)
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	fs.logger.Debug().Str("path", fullPath).Msg("blob deleted")
	return nil
}

// URL returns empty: filesystem blobs are streamed by the server itself.
func (fs *FilesystemStorage) URL(location string) string {
	return ""
}

// CheckAccess verifies the storage directory exists and is writable.
func (fs *FilesystemStorage) CheckAccess(ctx context.Context) error {
	if err := os.MkdirAll(fs.rootDir, 0o755); err != nil {
		return fmt.Errorf("audio root not writable: %w", err)
	}
	return nil
}
