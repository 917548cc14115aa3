package borrowing

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libraryloans/internal/catalog"
	"libraryloans/internal/eventstore"
	"libraryloans/internal/pagination"
	"libraryloans/internal/testdb"
)

type pgFixture struct {
	ctx   context.Context
	books catalog.Service
	store *PostgresStore
	svc   Service
	admin uuid.UUID
}

func newPGFixture(t *testing.T) *pgFixture {
	db := testdb.Open(t)
	books := catalog.NewService(db)
	store := NewPostgresStore(db, eventstore.NewEventStore(db))
	return &pgFixture{
		ctx:   context.Background(),
		books: books,
		store: store,
		svc:   NewService(store, books),
		admin: uuid.New(),
	}
}

func (f *pgFixture) addBook(t *testing.T, quantity int) int64 {
	book, err := f.books.AddBook(f.ctx, catalog.NewBook{Title: "Title", Author: "Author", TotalQuantity: quantity})
	require.NoError(t, err)
	return book.ID
}

func TestPostgresLifecycle(t *testing.T) {
	f := newPGFixture(t)
	a, b := f.addBook(t, 1), f.addBook(t, 2)
	requestor := uuid.New()

	req, err := f.svc.CreateRequest(f.ctx, requestor, []int64{b, a})
	require.NoError(t, err)

	_, err = f.svc.CreateRequest(f.ctx, requestor, []int64{a})
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := f.svc.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, stored.Status)
	require.Len(t, stored.Details, 2)
	assert.Equal(t, a, stored.Details[0].BookID)

	approved, err := f.svc.ApproveRequest(f.ctx, req.ID, f.admin)
	require.NoError(t, err)
	require.NotNil(t, approved.DueDate)
	assert.WithinDuration(t, approved.DateProcessed.Add(14*24*time.Hour), *approved.DueDate, time.Second)

	stored, err = f.svc.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	for _, d := range stored.Details {
		require.NotNil(t, d.DueDate)
		assert.True(t, d.DueDate.Equal(*d.OriginalDueDate))
	}

	availA, err := f.svc.Availability(f.ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 0, availA)

	_, err = f.svc.ApproveRequest(f.ctx, req.ID, f.admin)
	assert.ErrorIs(t, err, ErrInvalidState)

	returned, err := f.svc.ReturnDetail(f.ctx, stored.Details[0].ID)
	require.NoError(t, err)
	assert.NotNil(t, returned.ReturnedDate)

	availA, err = f.svc.Availability(f.ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, availA)

	history, err := f.svc.History(f.ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, EventDetailReturned, history[2].EventType)

	stored, err = f.svc.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Version)
}

func TestPostgresReject(t *testing.T) {
	f := newPGFixture(t)
	book := f.addBook(t, 1)

	req, err := f.svc.CreateRequest(f.ctx, uuid.New(), []int64{book})
	require.NoError(t, err)

	reason := "Reference copy only"
	rejected, err := f.svc.RejectRequest(f.ctx, req.ID, f.admin, &reason)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)

	stored, err := f.svc.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RejectionReason)
	assert.Equal(t, reason, *stored.RejectionReason)
	require.NotNil(t, stored.ApproverID)
	assert.Equal(t, f.admin, *stored.ApproverID)
}

func TestPostgresConcurrentApprovals(t *testing.T) {
	f := newPGFixture(t)
	const copies, requests = 3, 12
	book := f.addBook(t, copies)
	other := f.addBook(t, requests)

	ids := make([]uuid.UUID, requests)
	for i := range ids {
		req, err := f.svc.CreateRequest(f.ctx, uuid.New(), []int64{other, book})
		require.NoError(t, err)
		ids[i] = req.ID
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		approved  int
		conflicts int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.ApproveRequest(f.ctx, id, f.admin)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				approved++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, copies, approved)
	assert.Equal(t, requests-copies, conflicts)

	over, err := f.store.OvercommittedBooks(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, over)

	availOther, err := f.svc.Availability(f.ctx, other)
	require.NoError(t, err)
	assert.Equal(t, requests-copies, availOther, "refused approvals lend nothing")
}

func TestPostgresListRequests(t *testing.T) {
	f := newPGFixture(t)
	book := f.addBook(t, 1)
	alice := uuid.New()

	var aliceReq *Request
	for i := 0; i < 12; i++ {
		requestor := uuid.New()
		if i == 0 {
			requestor = alice
		}
		req, err := f.svc.CreateRequest(f.ctx, requestor, []int64{book})
		require.NoError(t, err)
		if i == 0 {
			aliceReq = req
		}
	}
	_, err := f.svc.ApproveRequest(f.ctx, aliceReq.ID, f.admin)
	require.NoError(t, err)

	page, err := f.svc.ListRequests(f.ctx, ListFilter{}, pagination.New(2, 5, pagination.DefaultOptions))
	require.NoError(t, err)
	assert.Equal(t, 12, page.TotalItems)
	assert.Equal(t, 3, page.TotalPages)
	assert.Len(t, page.Items, 5)
	for _, r := range page.Items {
		assert.Len(t, r.Details, 1)
	}

	page, err = f.svc.ListRequests(f.ctx, ListFilter{
		RequestorID: &alice,
		Statuses:    []Status{StatusApproved},
	}, pagination.New(1, 10, pagination.DefaultOptions))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, aliceReq.ID, page.Items[0].ID)

	from := aliceReq.DateRequested
	to := from.Add(time.Microsecond)
	page, err = f.svc.ListRequests(f.ctx, ListFilter{From: &from, To: &to}, pagination.New(1, 10, pagination.DefaultOptions))
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalItems)

	byDue := pagination.New(1, 1, pagination.DefaultOptions)
	byDue.SortBy = "due_date"
	byDue.Desc = false
	page, err = f.svc.ListRequests(f.ctx, ListFilter{}, byDue)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, aliceReq.ID, page.Items[0].ID)

	far, err := f.svc.ListRequests(f.ctx, ListFilter{}, pagination.New(math.MaxInt64/5, 10, pagination.DefaultOptions))
	require.NoError(t, err)
	assert.Empty(t, far.Items)
	assert.Equal(t, 12, far.TotalItems)
}

func TestPostgresResizeBelowLoans(t *testing.T) {
	f := newPGFixture(t)
	book := f.addBook(t, 2)
	for i := 0; i < 2; i++ {
		req, err := f.svc.CreateRequest(f.ctx, uuid.New(), []int64{book})
		require.NoError(t, err)
		_, err = f.svc.ApproveRequest(f.ctx, req.ID, f.admin)
		require.NoError(t, err)
	}

	_, err := f.svc.ResizeBook(f.ctx, book, 0)
	require.ErrorIs(t, err, ErrConflict)
	total, err := f.books.TotalQuantity(f.ctx, book)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	over, err := f.store.OvercommittedBooks(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, over)

	resized, err := f.svc.ResizeBook(f.ctx, book, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, resized.TotalQuantity)
	avail, err := f.svc.Availability(f.ctx, book)
	require.NoError(t, err)
	assert.Equal(t, 2, avail)

	require.NoError(t, f.books.RemoveBook(f.ctx, book))
	_, err = f.svc.ResizeBook(f.ctx, book, 5)
	assert.ErrorIs(t, err, ErrNotFound)
}
