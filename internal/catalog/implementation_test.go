package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libraryloans/internal/testdb"
)

func TestPostgresCatalog(t *testing.T) {
	db := testdb.Open(t)
	svc := NewService(db)
	ctx := context.Background()

	category := int64(7)
	book, err := svc.AddBook(ctx, NewBook{Title: "Dune", Author: "Frank Herbert", CategoryID: &category, TotalQuantity: 2})
	require.NoError(t, err)
	require.NotZero(t, book.ID)
	assert.Equal(t, &category, book.CategoryID)

	total, err := svc.TotalQuantity(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	require.NoError(t, svc.RemoveBook(ctx, book.ID))
	_, err = svc.GetBook(ctx, book.ID, false)
	assert.ErrorIs(t, err, ErrBookNotFound)

	deleted, err := svc.GetBook(ctx, book.ID, true)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)

	assert.ErrorIs(t, svc.RemoveBook(ctx, book.ID), ErrBookNotFound)
	assert.ErrorIs(t, svc.RemoveBook(ctx, 999999), ErrBookNotFound)
}
