// Package storage abstracts the two object stores the worker talks to: the
// read-only ftp-import bucket holding supplier feeds and the read-write
// exports bucket holding pipeline artifacts, templates and final exports.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for a missing object. Callers match it with
// errors.Is; the pipeline's one-shot artifact rebuild depends on this being
// distinguishable from transport errors.
var ErrNotFound = errors.New("object not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Object describes one stored object as returned by List.
type Object struct {
	Key       string
	Size      int64
	CreatedAt time.Time
}

// Store is the narrow object-store surface the pipeline needs. List returns
// objects ordered by creation time ascending, so the newest object under a
// prefix is the last element.
type Store interface {
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	// DownloadRange reads length bytes starting at start. Short reads at
	// end of object return the available bytes.
	DownloadRange(ctx context.Context, bucket, key string, start, length int64) ([]byte, error)
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Remove(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	// SignedURL issues a time-limited GET URL for the object. Range
	// fetches against it observe the origin's own range semantics.
	SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Newest returns the most recently created object, or false for an empty
// listing. Ties resolve to the later list entry, which List orders by key.
func Newest(objects []Object) (Object, bool) {
	if len(objects) == 0 {
		return Object{}, false
	}
	best := objects[0]
	for _, o := range objects[1:] {
		if !o.CreatedAt.Before(best.CreatedAt) {
			best = o
		}
	}
	return best, true
}
