// Persistence of moderated comments in a relational database (sqlite or postgres, via gorm).
package commentstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guestbook-social/guestbook/moderation"

	"gorm.io/gorm"
)

type CommentRecord struct {
	ID            uint `gorm:"primarykey"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ItemSlug      string `gorm:"index"`
	Author        string
	Email         string
	Text          string
	PhotoFilename string
	State         string `gorm:"index;not null"`
	OptimizedAt   *time.Time
	Version       int64 `gorm:"not null;default:1"`
}

func (CommentRecord) TableName() string {
	return "comments"
}

func (r *CommentRecord) toComment() *moderation.Comment {
	return &moderation.Comment{
		ID:            r.ID,
		ItemSlug:      r.ItemSlug,
		Author:        r.Author,
		Email:         r.Email,
		Text:          r.Text,
		PhotoFilename: r.PhotoFilename,
		CreatedAt:     r.CreatedAt,
		State:         moderation.State(r.State),
		OptimizedAt:   r.OptimizedAt,
		Version:       r.Version,
	}
}

type GormStore struct {
	db *gorm.DB
}

var _ moderation.CommentStore = (*GormStore)(nil)
var _ moderation.UnsettledLister = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&CommentRecord{}); err != nil {
		return nil, fmt.Errorf("migrating comments table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Load(ctx context.Context, id uint) (*moderation.Comment, error) {
	var rec CommentRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, moderation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading comment %d: %w", id, err)
	}
	c := rec.toComment()
	if !c.State.Valid() {
		return nil, fmt.Errorf("comment %d has unknown state %q", id, rec.State)
	}
	return c, nil
}

func (s *GormStore) Create(ctx context.Context, c *moderation.Comment) error {
	if err := c.Validate(); err != nil {
		return err
	}
	rec := CommentRecord{
		CreatedAt:     c.CreatedAt,
		ItemSlug:      c.ItemSlug,
		Author:        c.Author,
		Email:         c.Email,
		Text:          c.Text,
		PhotoFilename: c.PhotoFilename,
		State:         string(c.State),
		OptimizedAt:   c.OptimizedAt,
		Version:       1,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("creating comment: %w", err)
	}
	c.ID = rec.ID
	c.Version = rec.Version
	c.CreatedAt = rec.CreatedAt
	return nil
}

// Save updates the moderation fields of a comment, guarded by its version.
// The photo reference is written only at creation, so it can never be cleared here.
func (s *GormStore) Save(ctx context.Context, c *moderation.Comment) error {
	if err := c.Validate(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&CommentRecord{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(map[string]any{
			"state":        string(c.State),
			"optimized_at": c.OptimizedAt,
			"version":      c.Version + 1,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("saving comment %d: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&CommentRecord{}).Where("id = ?", c.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("saving comment %d: %w", c.ID, err)
		}
		if count == 0 {
			return moderation.ErrNotFound
		}
		return moderation.ErrConcurrentModification
	}
	c.Version++
	return nil
}

func stateNames(states []moderation.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func (s *GormStore) ListUnsettled(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&CommentRecord{}).
		Where("state IN ? OR (state IN ? AND optimized_at IS NULL)",
			stateNames(moderation.UnsettledStates), stateNames(moderation.PublishedStates)).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing unsettled comments: %w", err)
	}
	return ids, nil
}

// Removes a comment (administrative deletion).
func (s *GormStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&CommentRecord{}, id).Error
}
