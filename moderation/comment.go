package moderation

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Comment struct {
	ID            uint
	ItemSlug      string
	Author        string
	Email         string
	Text          string
	PhotoFilename string
	CreatedAt     time.Time
	State         State
	OptimizedAt   *time.Time

	// optimistic concurrency token, bumped by the store on every successful save
	Version int64
}

func NewComment(itemSlug, author, email, text string) *Comment {
	return &Comment{
		ItemSlug:  itemSlug,
		Author:    author,
		Email:     email,
		Text:      text,
		CreatedAt: time.Now().UTC(),
		State:     StateSubmitted,
	}
}

func (c *Comment) Validate() error {
	if !c.State.Valid() {
		return fmt.Errorf("invalid comment state: %q", c.State)
	}
	if c.Email == "" {
		return fmt.Errorf("comment is missing author email")
	}
	return nil
}

func (c *Comment) Clone() *Comment {
	cp := *c
	if c.OptimizedAt != nil {
		t := *c.OptimizedAt
		cp.OptimizedAt = &t
	}
	return &cp
}

func (c *Comment) Optimized() bool {
	return c.OptimizedAt != nil
}

func (c *Comment) String() string {
	return fmt.Sprintf("%s by %s", c.ItemSlug, c.Author)
}

// Checks that an update does not clear a photo reference which was previously set.
func CheckPhotoRetained(prev, next string) error {
	if prev != "" && next != prev {
		return ErrPhotoCleared
	}
	return nil
}

// Generates a random storage filename for an uploaded photo, keeping the
// (lower-cased) extension of the original upload.
func NewPhotoFilename(uploadName string) (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(uploadName))
	return hex.EncodeToString(buf) + ext, nil
}
