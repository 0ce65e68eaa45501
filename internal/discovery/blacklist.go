/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package discovery

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/queryradio/queryradio/internal/models"
)

// Blacklist records identifiers that repeatedly failed extraction so
// discovery stops offering them.
type Blacklist struct {
	db *gorm.DB
}

// NewBlacklist creates a database-backed blacklist.
func NewBlacklist(db *gorm.DB) *Blacklist {
	return &Blacklist{db: db}
}

// Add marks an identifier as unplayable. Already listed identifiers
// are left untouched.
func (b *Blacklist) Add(ctx context.Context, identifier string) error {
	entry := models.BlacklistedTrack{
		Identifier: identifier,
		CreatedAt:  time.Now().UTC(),
	}
	err := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("blacklist %s: %w", identifier, err)
	}
	return nil
}

// Contains reports whether an identifier is blacklisted.
func (b *Blacklist) Contains(ctx context.Context, identifier string) (bool, error) {
	var count int64
	err := b.db.WithContext(ctx).Model(&models.BlacklistedTrack{}).
		Where("identifier = ?", identifier).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return count > 0, nil
}
