package clients

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libraryloans/internal/borrowing"
	"libraryloans/internal/catalog"
	"libraryloans/internal/httpjson"
	"libraryloans/internal/membership"
	"libraryloans/internal/pagination"
)

func fastRetry() Option { return WithRetry(3, time.Millisecond) }

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			httpjson.Error(w, http.StatusServiceUnavailable, "internal", "warming up")
			return
		}
		httpjson.Write(w, http.StatusOK, map[string]int{"available": 2})
	}))
	defer srv.Close()

	available, err := NewClient(srv.URL, fastRetry()).Availability(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, available)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		httpjson.Error(w, http.StatusConflict, "conflict", "book 7 has no available copies")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, fastRetry()).ApproveRequest(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, borrowing.ErrConflict)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(1, time.Millisecond), WithBreakerThreshold(3, time.Minute))
	for i := 0; i < 3; i++ {
		_, err := c.GetBook(context.Background(), 1)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	}

	_, err := c.WithToken("other").GetBook(context.Background(), 1)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDomainErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpjson.Error(w, http.StatusNotFound, "not_found", "book not found")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(1, time.Millisecond), WithBreakerThreshold(2, time.Minute))
	for i := 0; i < 5; i++ {
		_, err := c.GetBook(context.Background(), 1)
		assert.ErrorIs(t, err, borrowing.ErrNotFound)
	}
}

func TestBorrowingRoundTrip(t *testing.T) {
	books := catalog.NewMemoryService()
	svc := borrowing.NewService(borrowing.NewMemoryStore(books), books)
	issuer := membership.NewTokenIssuer("test-secret", time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(membership.Authenticate(issuer))
		catalog.NewHandler(books, logger).Routes(r)
		borrowing.NewHandler(svc, pagination.DefaultOptions, logger).Routes(r)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	token := func(role membership.Role) string {
		tok, _, err := issuer.Issue(&membership.Member{ID: uuid.New(), Role: role})
		require.NoError(t, err)
		return tok
	}
	ctx := context.Background()
	base := NewClient(srv.URL, fastRetry())
	admin := base.WithToken(token(membership.RoleAdmin))
	alice := base.WithToken(token(membership.RoleUser))
	bob := base.WithToken(token(membership.RoleUser))

	book, err := admin.AddBook(ctx, catalog.NewBook{Title: "Dune", Author: "Herbert", TotalQuantity: 1})
	require.NoError(t, err)

	first, err := alice.CreateRequest(ctx, []int64{book.ID})
	require.NoError(t, err)
	second, err := bob.CreateRequest(ctx, []int64{book.ID})
	require.NoError(t, err)

	_, err = alice.ApproveRequest(ctx, first.ID)
	assert.ErrorIs(t, err, borrowing.ErrForbidden)

	approved, err := admin.ApproveRequest(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, borrowing.StatusApproved, approved.Status)

	_, err = admin.ApproveRequest(ctx, second.ID)
	assert.ErrorIs(t, err, borrowing.ErrConflict)

	reason := "No copy left"
	rejected, err := admin.RejectRequest(ctx, second.ID, &reason)
	require.NoError(t, err)
	assert.Equal(t, borrowing.StatusRejected, rejected.Status)

	available, err := bob.Availability(ctx, book.ID)
	require.NoError(t, err)
	assert.Zero(t, available)

	_, err = admin.ResizeBook(ctx, book.ID, 0)
	assert.ErrorIs(t, err, borrowing.ErrConflict)
	resized, err := admin.ResizeBook(ctx, book.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, resized.TotalQuantity)

	_, err = bob.GetRequest(ctx, first.ID)
	assert.ErrorIs(t, err, borrowing.ErrForbidden)

	_, err = base.GetRequest(ctx, first.ID)
	assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
}
