package moderation

import (
	"errors"
)

var (
	// comment does not exist (eg, deleted concurrently)
	ErrNotFound = errors.New("comment not found")

	// stored comment changed since it was loaded
	ErrConcurrentModification = errors.New("comment was concurrently modified")

	// spam scoring service failed or timed out; the whole message should be retried
	ErrScoringUnavailable = errors.New("spam scoring unavailable")

	// attempt to clear a comment's photo reference
	ErrPhotoCleared = errors.New("photo reference can not be cleared")
)
