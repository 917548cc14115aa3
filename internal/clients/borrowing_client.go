// internal/clients/borrowing_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"libraryloans/internal/borrowing"
)

func (c *Client) CreateRequest(ctx context.Context, bookIDs []int64) (*borrowing.Request, error) {
	in := struct {
		BookIDs []int64 `json:"book_ids"`
	}{bookIDs}

	var req borrowing.Request
	if err := c.do(ctx, http.MethodPost, "/borrowing-requests", in, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) GetRequest(ctx context.Context, id uuid.UUID) (*borrowing.Request, error) {
	var req borrowing.Request
	if err := c.do(ctx, http.MethodGet, "/borrowing-requests/"+id.String(), nil, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) ApproveRequest(ctx context.Context, id uuid.UUID) (*borrowing.Request, error) {
	var req borrowing.Request
	if err := c.do(ctx, http.MethodPost, "/borrowing-requests/"+id.String()+"/approve", nil, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) RejectRequest(ctx context.Context, id uuid.UUID, reason *string) (*borrowing.Request, error) {
	in := struct {
		Reason *string `json:"reason"`
	}{reason}

	var req borrowing.Request
	if err := c.do(ctx, http.MethodPost, "/borrowing-requests/"+id.String()+"/reject", in, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) Availability(ctx context.Context, bookID int64) (int, error) {
	var out struct {
		Available int `json:"available"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/books/%d/availability", bookID), nil, &out); err != nil {
		return 0, err
	}
	return out.Available, nil
}
