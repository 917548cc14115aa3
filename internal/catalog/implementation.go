// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const bookColumns = `id, title, author, category_id, total_quantity, rating_average, rating_count, is_deleted, created_at, updated_at`

// service implements the Service interface on top of the books table.
type service struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(db *sqlx.DB) Service {
	return &service{
		db:     db,
		tracer: otel.Tracer("libraryloans/catalog"),
	}
}

// AddBook creates a new book in the catalog.
func (s *service) AddBook(ctx context.Context, nb NewBook) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_book")
	defer span.End()

	if nb.TotalQuantity < 0 {
		return nil, ErrInvalidQuantity
	}

	query := `
		INSERT INTO books (title, author, category_id, total_quantity)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + bookColumns

	book := &Book{}
	if err := s.db.GetContext(ctx, book, query, nb.Title, nb.Author, nb.CategoryID, nb.TotalQuantity); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert book: %w", err)
	}

	span.SetAttributes(attribute.Int64("book.id", book.ID))
	return book, nil
}

// GetBook retrieves a book by its ID.
func (s *service) GetBook(ctx context.Context, id int64, includeDeleted bool) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.get_book",
		trace.WithAttributes(
			attribute.Int64("book.id", id),
			attribute.Bool("include_deleted", includeDeleted),
		),
	)
	defer span.End()

	query := `
		SELECT ` + bookColumns + `
		FROM books
		WHERE id = $1 AND ($2::boolean OR NOT is_deleted)
	`
	book := &Book{}
	err := s.db.GetContext(ctx, book, query, id, includeDeleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("book %d: %w", id, ErrBookNotFound)
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}

	return book, nil
}

// TotalQuantity returns the number of physical copies of a non-deleted book.
func (s *service) TotalQuantity(ctx context.Context, id int64) (int, error) {
	book, err := s.GetBook(ctx, id, false)
	if err != nil {
		return 0, err
	}
	return book.TotalQuantity, nil
}

// RemoveBook soft-deletes a book.
func (s *service) RemoveBook(ctx context.Context, id int64) error {
	ctx, span := s.tracer.Start(ctx, "catalog.remove_book",
		trace.WithAttributes(attribute.Int64("book.id", id)),
	)
	defer span.End()

	query := `
		UPDATE books
		SET is_deleted = TRUE, updated_at = $1
		WHERE id = $2 AND NOT is_deleted
	`
	return s.execOne(ctx, id, query, time.Now().UTC(), id)
}

func (s *service) execOne(ctx context.Context, id int64, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update book: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update book: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("book %d: %w", id, ErrBookNotFound)
	}
	return nil
}
