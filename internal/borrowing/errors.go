// internal/borrowing/errors.go
package borrowing

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
)

// UnavailableError reports a book with no copy left to lend.
type UnavailableError struct {
	BookID int64
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("book %d has no available copies", e.BookID)
}

func (e *UnavailableError) Unwrap() error { return ErrConflict }
