/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package catalog provides the genre list clients present as one-tap
// radio queries.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Genre maps a display name to the search query a session runs.
type Genre struct {
	Key   string `yaml:"key" json:"key"`
	Name  string `yaml:"name" json:"name"`
	Query string `yaml:"query" json:"query"`
}

// Catalog is the full genre listing.
type Catalog struct {
	Genres []Genre `yaml:"genres" json:"genres"`
}

// Default returns the built-in catalog used when no file is configured.
func Default() *Catalog {
	return &Catalog{Genres: []Genre{
		{Key: "rock", Name: "Rock", Query: "rock hits"},
		{Key: "pop", Name: "Pop", Query: "pop hits"},
		{Key: "electronic", Name: "Electronic", Query: "electronic music"},
		{Key: "jazz", Name: "Jazz", Query: "jazz classics"},
		{Key: "lofi", Name: "Lo-Fi", Query: "lofi hip hop beats"},
		{Key: "synthwave", Name: "Synthwave", Query: "synthwave retrowave"},
	}}
}

// Load reads a catalog from a YAML file, or returns the built-in one
// when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Genres) == 0 {
		return nil, fmt.Errorf("catalog %s defines no genres", path)
	}
	for i, g := range c.Genres {
		if g.Key == "" || g.Query == "" {
			return nil, fmt.Errorf("catalog entry %d missing key or query", i)
		}
		if g.Name == "" {
			c.Genres[i].Name = g.Key
		}
	}
	return &c, nil
}

// Lookup finds a genre by key.
func (c *Catalog) Lookup(key string) (Genre, bool) {
	for _, g := range c.Genres {
		if g.Key == key {
			return g, true
		}
	}
	return Genre{}, false
}
