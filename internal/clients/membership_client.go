// internal/clients/membership_client.go
package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"libraryloans/internal/membership"
)

// Session is the result of a successful login.
type Session struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
	Member    *membership.Member `json:"member"`
}

func (c *Client) Register(ctx context.Context, email, name, password string) (*membership.Member, error) {
	in := struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}{email, name, password}

	var member membership.Member
	if err := c.do(ctx, http.MethodPost, "/members", in, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// Login exchanges credentials for a bearer token. Use WithToken to call
// the service as the logged-in member.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	in := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{email, password}

	var s Session
	if err := c.do(ctx, http.MethodPost, "/login", in, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	var member membership.Member
	if err := c.do(ctx, http.MethodGet, "/members/"+id.String(), nil, &member); err != nil {
		return nil, err
	}
	return &member, nil
}
