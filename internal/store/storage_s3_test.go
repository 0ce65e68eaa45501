package store

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSeekableBodyRewindsFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.m4a")
	content := "sixteen byte aud"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	// A partially consumed file must still upload from the start.
	if _, err := f.Seek(4, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}

	body, size, err := seekableBody(f)
	if err != nil {
		t.Fatalf("seekableBody: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("size %d, want %d", size, len(content))
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(data) != content {
		t.Fatalf("body %q, want %q", data, content)
	}
}

func TestSeekableBodyBuffersPlainReaders(t *testing.T) {
	// MultiReader hides the Seeker of its parts, like any streaming
	// source would.
	src := io.MultiReader(strings.NewReader("audio "), strings.NewReader("bytes"))

	body, size, err := seekableBody(src)
	if err != nil {
		t.Fatalf("seekableBody: %v", err)
	}
	if size != int64(len("audio bytes")) {
		t.Fatalf("size %d, want %d", size, len("audio bytes"))
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(data) != "audio bytes" {
		t.Fatalf("body %q", data)
	}
}
