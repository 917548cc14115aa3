// internal/catalog/service.go
package catalog

import (
	"context"
)

// Service defines the interface for the catalog service.
//
// Reads take an explicit includeDeleted flag; soft-deleted books are only
// returned when it is true. Copy counts are changed by the borrowing
// service, which checks them against active loans.
type Service interface {
	AddBook(ctx context.Context, nb NewBook) (*Book, error)
	GetBook(ctx context.Context, id int64, includeDeleted bool) (*Book, error)
	TotalQuantity(ctx context.Context, id int64) (int, error)
	RemoveBook(ctx context.Context, id int64) error
}
