// internal/clients/client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"libraryloans/internal/borrowing"
	"libraryloans/internal/httpjson"
)

// ErrUnauthorized is returned when the service rejects the caller's token
// or credentials.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response decoded from the service's error body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the wire error code back onto the borrowing sentinels so
// callers can use errors.Is across the network boundary.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_argument":
		return borrowing.ErrInvalidArgument
	case "not_found":
		return borrowing.ErrNotFound
	case "forbidden":
		return borrowing.ErrForbidden
	case "invalid_state":
		return borrowing.ErrInvalidState
	case "conflict":
		return borrowing.ErrConflict
	case "unauthorized":
		return ErrUnauthorized
	}
	return nil
}

func (e *APIError) retryable() bool {
	return e.Status >= http.StatusInternalServerError
}

// Client talks to the borrowing service over HTTP. Transport failures and
// 5xx responses are retried with exponential backoff; a circuit breaker
// shared by every copy of the client stops calling a service that keeps
// failing.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	maxTries uint
	interval time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets how many attempts a call gets and the first backoff
// interval between them.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(c *Client) {
		c.maxTries = maxTries
		c.interval = initial
	}
}

// WithBreakerThreshold sets how many consecutive failures open the circuit
// and how long it stays open.
func WithBreakerThreshold(failures uint32, open time.Duration) Option {
	return func(c *Client) { c.breaker = newBreaker(c.baseURL, failures, open) }
}

func NewClient(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	c := &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		breaker:  newBreaker(baseURL, 5, 30*time.Second),
		maxTries: 4,
		interval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newBreaker(name string, failures uint32, open time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.retryable()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// WithToken returns a copy of the client that authenticates as the holder
// of token. The copy shares the circuit breaker.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.interval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.roundTrip(ctx, method, path, payload, out)
		})
		if err == nil {
			return struct{}{}, nil
		}

		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && !apiErr.retryable():
			return struct{}{}, backoff.Permanent(err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb httpjson.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil {
			apiErr.Code, apiErr.Message = eb.Code, eb.Error
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
