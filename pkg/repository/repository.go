// Package repository provides a small generic gorm store for the query
// shapes the domain repositories share.
package repository

import (
	"context"

	"github.com/wisdar/engine/pkg/db/option"
)

// Repository reads and writes a single model type. Filters are expressed as
// partially-filled model values; zero fields are ignored.
type Repository[T any] interface {
	Create(ctx context.Context, row *T) error
	Find(ctx context.Context, filter *T, opts ...option.QueryOption) ([]*T, error)
	// FindOne returns (nil, nil) when no row matches, leaving the caller to
	// map absence onto its own sentinel.
	FindOne(ctx context.Context, filter *T, opts ...option.QueryOption) (*T, error)
	Count(ctx context.Context, filter *T) (int64, error)
}
