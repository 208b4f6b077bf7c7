// Package database provides storage backends for the post archive.
package database

import (
	"context"

	"github.com/bryan-buckman/tootarchive/internal/model"
)

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
//
// Lookups that may find nothing return ok=false rather than an error. Any
// non-nil error is a storage fault and must not be swallowed by callers.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// InsertIfAbsent stores a post unless its id is already present.
	// A duplicate is not an error; inserted reports whether a row was added.
	InsertIfAbsent(ctx context.Context, post *model.Post) (inserted bool, err error)

	// Watermarks
	LatestID(ctx context.Context) (id string, ok bool, err error)
	OldestID(ctx context.Context) (id string, ok bool, err error)

	// Media backlog
	NextUnprocessedMediaPost(ctx context.Context) (post model.Post, ok bool, err error)
	MarkMediaProcessed(ctx context.Context, id string) error

	// Reporting
	Stats(ctx context.Context) (model.Stats, error)
	ListPosts(ctx context.Context, limit int) ([]model.Post, error)
}
