// internal/borrowing/store.go
package borrowing

import (
	"context"

	"github.com/google/uuid"

	"libraryloans/internal/eventstore"
	"libraryloans/internal/pagination"
)

// Store persists borrowing requests. Every mutation goes through WithinTx;
// when fn returns an error nothing it did is kept.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)
	// ListRequests returns one page of requests and the total match count.
	// page.SortBy must already be a column from SortColumns.
	ListRequests(ctx context.Context, filter ListFilter, page pagination.Params) ([]Request, int, error)
	ActiveLoanCount(ctx context.Context, bookID int64) (int, error)
	History(ctx context.Context, requestID uuid.UUID) ([]eventstore.Event, error)
	// OvercommittedBooks counts books with more active loans than copies.
	OvercommittedBooks(ctx context.Context) (int, error)
}

// Tx is a unit of work. Lock methods hold their locks until the
// transaction ends.
type Tx interface {
	// LockRequestor serializes request creation per requestor.
	LockRequestor(ctx context.Context, requestorID uuid.UUID) error
	// LockBooks locks the given books in ascending id order and returns
	// the total quantity of each one that exists and is not deleted.
	LockBooks(ctx context.Context, bookIDs []int64) (map[int64]int, error)
	ActiveLoanCount(ctx context.Context, bookID int64) (int, error)
	// SetTotalQuantity changes the copy count of a book locked by LockBooks.
	SetTotalQuantity(ctx context.Context, bookID int64, total int) error
	// OpenRequestBooks returns which of bookIDs already appear on a Waiting
	// request of the requestor.
	OpenRequestBooks(ctx context.Context, requestorID uuid.UUID, bookIDs []int64) ([]int64, error)

	GetRequest(ctx context.Context, id uuid.UUID, forUpdate bool) (*Request, error)
	GetDetail(ctx context.Context, id uuid.UUID, forUpdate bool) (*Detail, error)
	InsertRequest(ctx context.Context, req *Request) error
	// UpdateRequest writes the header fields; it fails with
	// eventstore.ErrConcurrencyConflict unless the stored version is
	// expectedVersion.
	UpdateRequest(ctx context.Context, req *Request, expectedVersion int) error
	UpdateDetail(ctx context.Context, d *Detail) error
	AppendEvent(ctx context.Context, requestID uuid.UUID, expectedVersion int, eventType string, data interface{}, metadata map[string]interface{}) error
}

// SortColumns maps the accepted sort keys to columns.
var SortColumns = map[string]string{
	"date_requested": "date_requested",
	"date_processed": "date_processed",
	"due_date":       "due_date",
	"status":         "status",
	"created_at":     "created_at",
}

// DefaultSortKey orders lists when no key is given.
const DefaultSortKey = "date_requested"
