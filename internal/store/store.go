package store

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"epd-frame-backend/internal/model"
)

// Store defines the album maintenance operations used outside the frame pipeline.
type Store interface {
	AlbumIDs(ctx context.Context) (map[string]struct{}, error)
	AddItems(ctx context.Context, items []model.MediaItem) error
	RemoveItems(ctx context.Context, ids []string) error
	ListAlbum(ctx context.Context) ([]AlbumEntry, error)
	DB() *gorm.DB
}

// AlbumEntry is an album row without its pixel data.
type AlbumEntry struct {
	ItemID      string `json:"itemId" gorm:"column:item_id"`
	ProductURL  string `json:"productUrl" gorm:"column:product_url"`
	LastShownTS int64  `json:"lastShownTs" gorm:"column:last_shown_ts"`
	Portrait    bool   `json:"portrait" gorm:"column:portrait"`
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the shared handle for read-only API handlers.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// AlbumIDs returns the set of item IDs currently in the album.
func (s *gormStore) AlbumIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&model.MediaItem{}).Pluck("item_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list album ids: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// AddItems inserts new album items. Items that already exist are left untouched,
// including their rotation watermark.
func (s *gormStore) AddItems(ctx context.Context, items []model.MediaItem) error {
	if len(items) == 0 {
		return nil
	}
	log.Printf("Adding %d album items...", len(items))
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		DoNothing: true,
	}).Create(&items).Error; err != nil {
		return fmt.Errorf("failed to add album items: %w", err)
	}
	return nil
}

// RemoveItems deletes album items by ID.
func (s *gormStore) RemoveItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	log.Printf("Removing %d album items...", len(ids))
	if err := s.db.WithContext(ctx).Where("item_id IN ?", ids).Delete(&model.MediaItem{}).Error; err != nil {
		return fmt.Errorf("failed to remove album items: %w", err)
	}
	return nil
}

// ListAlbum returns album metadata ordered by rotation watermark.
func (s *gormStore) ListAlbum(ctx context.Context) ([]AlbumEntry, error) {
	var entries []AlbumEntry
	err := s.db.WithContext(ctx).
		Model(&model.MediaItem{}).
		Select("item_id", "product_url", "last_shown_ts", "portrait").
		Order("last_shown_ts, item_id").
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list album: %w", err)
	}
	return entries, nil
}
