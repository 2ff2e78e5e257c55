package moderation

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// In-process CommentStore. Used for tests and for running the daemon without a database.
type MemCommentStore struct {
	data   *xsync.MapOf[uint, *Comment]
	nextID atomic.Uint64
}

var _ CommentStore = (*MemCommentStore)(nil)
var _ UnsettledLister = (*MemCommentStore)(nil)

func NewMemCommentStore() *MemCommentStore {
	return &MemCommentStore{
		data: xsync.NewMapOf[uint, *Comment](),
	}
}

func (s *MemCommentStore) Load(ctx context.Context, id uint) (*Comment, error) {
	c, ok := s.data.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemCommentStore) Create(ctx context.Context, c *Comment) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.ID = uint(s.nextID.Add(1))
	c.Version = 1
	s.data.Store(c.ID, c.Clone())
	return nil
}

func (s *MemCommentStore) Save(ctx context.Context, c *Comment) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var saveErr error
	s.data.Compute(c.ID, func(old *Comment, loaded bool) (*Comment, bool) {
		if !loaded {
			saveErr = ErrNotFound
			return nil, true
		}
		if old.Version != c.Version {
			saveErr = ErrConcurrentModification
			return old, false
		}
		if err := CheckPhotoRetained(old.PhotoFilename, c.PhotoFilename); err != nil {
			saveErr = err
			return old, false
		}
		next := c.Clone()
		next.Version = old.Version + 1
		return next, false
	})
	if saveErr != nil {
		return saveErr
	}
	c.Version++
	return nil
}

// Removes a comment; models an external administrative deletion.
func (s *MemCommentStore) Delete(ctx context.Context, id uint) {
	s.data.Delete(id)
}

func (s *MemCommentStore) ListUnsettled(ctx context.Context) ([]uint, error) {
	ids := []uint{}
	s.data.Range(func(id uint, c *Comment) bool {
		if c.Unsettled() {
			ids = append(ids, id)
		}
		return true
	})
	slices.Sort(ids)
	return ids, nil
}
