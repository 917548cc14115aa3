// internal/borrowing/service.go
package borrowing

import (
	"context"

	"github.com/google/uuid"

	"libraryloans/internal/catalog"
	"libraryloans/internal/eventstore"
	"libraryloans/internal/pagination"
)

// Service defines the borrowing request lifecycle.
type Service interface {
	CreateRequest(ctx context.Context, requestorID uuid.UUID, bookIDs []int64) (*Request, error)
	ApproveRequest(ctx context.Context, requestID, approverID uuid.UUID) (*Request, error)
	RejectRequest(ctx context.Context, requestID, approverID uuid.UUID, reason *string) (*Request, error)
	GetRequest(ctx context.Context, requestID uuid.UUID) (*Request, error)
	ListRequests(ctx context.Context, filter ListFilter, page pagination.Params) (*pagination.Page[Request], error)
	Availability(ctx context.Context, bookID int64) (int, error)
	// ResizeBook sets a book's copy count; it refuses to go below the
	// copies currently on loan.
	ResizeBook(ctx context.Context, bookID int64, total int) (*catalog.Book, error)
	ReturnDetail(ctx context.Context, detailID uuid.UUID) (*Detail, error)
	ExtendDetail(ctx context.Context, detailID uuid.UUID, actor Actor, days int) (*Detail, error)
	History(ctx context.Context, requestID uuid.UUID) ([]eventstore.Event, error)
}

// Catalog is the read side of the book inventory.
type Catalog interface {
	GetBook(ctx context.Context, id int64, includeDeleted bool) (*catalog.Book, error)
	TotalQuantity(ctx context.Context, id int64) (int, error)
}
