// internal/chaos/targets.go
package chaos

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"libraryloans/internal/borrowing"
	"libraryloans/internal/catalog"
	"libraryloans/internal/clients"
)

// ServiceTarget drives the borrowing service in-process.
type ServiceTarget struct {
	Books    catalog.Service
	Borrow   borrowing.Service
	Store    borrowing.Store
	Approver uuid.UUID
}

func (t *ServiceTarget) AddBook(ctx context.Context, copies int) (int64, error) {
	book, err := t.Books.AddBook(ctx, catalog.NewBook{Title: "Chaos Copy", Author: "Game Day", TotalQuantity: copies})
	if err != nil {
		return 0, err
	}
	return book.ID, nil
}

func (t *ServiceTarget) NewRequestor(context.Context) (Requestor, error) {
	return serviceRequestor{svc: t.Borrow, id: uuid.New()}, nil
}

func (t *ServiceTarget) ApproveRequest(ctx context.Context, id uuid.UUID) error {
	_, err := t.Borrow.ApproveRequest(ctx, id, t.Approver)
	return err
}

func (t *ServiceTarget) OvercommittedBooks(ctx context.Context) (int, error) {
	return t.Store.OvercommittedBooks(ctx)
}

type serviceRequestor struct {
	svc borrowing.Service
	id  uuid.UUID
}

func (r serviceRequestor) CreateRequest(ctx context.Context, bookIDs []int64) (uuid.UUID, error) {
	req, err := r.svc.CreateRequest(ctx, r.id, bookIDs)
	if err != nil {
		return uuid.Nil, err
	}
	return req.ID, nil
}

// HTTPTarget drives a running service over its public API. New members are
// registered for every requestor. Overcommitted reads the consistency check
// straight from the database since the API does not expose it.
type HTTPTarget struct {
	Admin         *clients.Client
	Anon          *clients.Client
	Overcommitted func(context.Context) (int, error)
}

func (t *HTTPTarget) AddBook(ctx context.Context, copies int) (int64, error) {
	book, err := t.Admin.AddBook(ctx, catalog.NewBook{Title: "Chaos Copy", Author: "Game Day", TotalQuantity: copies})
	if err != nil {
		return 0, err
	}
	return book.ID, nil
}

func (t *HTTPTarget) NewRequestor(ctx context.Context) (Requestor, error) {
	email := fmt.Sprintf("chaos-%s@example.com", uuid.NewString())
	const password = "chaos-game-day"
	if _, err := t.Anon.Register(ctx, email, "Chaos Member", password); err != nil {
		return nil, fmt.Errorf("register requestor: %w", err)
	}
	session, err := t.Anon.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login requestor: %w", err)
	}
	return clientRequestor{t.Anon.WithToken(session.Token)}, nil
}

func (t *HTTPTarget) ApproveRequest(ctx context.Context, id uuid.UUID) error {
	_, err := t.Admin.ApproveRequest(ctx, id)
	return err
}

func (t *HTTPTarget) OvercommittedBooks(ctx context.Context) (int, error) {
	return t.Overcommitted(ctx)
}

type clientRequestor struct {
	c *clients.Client
}

func (r clientRequestor) CreateRequest(ctx context.Context, bookIDs []int64) (uuid.UUID, error) {
	req, err := r.c.CreateRequest(ctx, bookIDs)
	if err != nil {
		return uuid.Nil, err
	}
	return req.ID, nil
}
