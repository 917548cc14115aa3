// internal/clients/catalog_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"

	"libraryloans/internal/catalog"
)

func (c *Client) AddBook(ctx context.Context, nb catalog.NewBook) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodPost, "/books", nb, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) GetBook(ctx context.Context, id int64) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/books/%d", id), nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// ResizeBook changes a book's copy count. Shrinking below the copies on
// loan fails with borrowing.ErrConflict.
func (c *Client) ResizeBook(ctx context.Context, id int64, total int) (*catalog.Book, error) {
	in := struct {
		TotalQuantity int `json:"total_quantity"`
	}{total}
	var book catalog.Book
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/books/%d", id), in, &book); err != nil {
		return nil, err
	}
	return &book, nil
}
