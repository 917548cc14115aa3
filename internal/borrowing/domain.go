// internal/borrowing/domain.go
package borrowing

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a borrowing request.
type Status string

const (
	StatusWaiting  Status = "Waiting"
	StatusApproved Status = "Approved"
	StatusRejected Status = "Rejected"
)

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusWaiting, StatusApproved, StatusRejected} {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q: %w", s, ErrInvalidArgument)
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusApproved, StatusRejected:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %q", string(s))
	}
	return []byte(s), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Status", src)
	}
	return s.UnmarshalText([]byte(raw))
}

// Value implements driver.Valuer.
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %q", string(s))
	}
	return string(s), nil
}

// Request is a borrowing request and its detail lines.
type Request struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	RequestorID     uuid.UUID  `json:"requestor_id" db:"requestor_id"`
	Status          Status     `json:"status" db:"status"`
	DateRequested   time.Time  `json:"date_requested" db:"date_requested"`
	ApproverID      *uuid.UUID `json:"approver_id" db:"approver_id"`
	DateProcessed   *time.Time `json:"date_processed" db:"date_processed"`
	DueDate         *time.Time `json:"due_date" db:"due_date"`
	RejectionReason *string    `json:"rejection_reason" db:"rejection_reason"`
	Version         int        `json:"version" db:"version"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	Details         []Detail   `json:"details" db:"-"`
}

// BookIDs returns the distinct book ids of the request in ascending order.
func (r *Request) BookIDs() []int64 {
	ids := make([]int64, 0, len(r.Details))
	for _, d := range r.Details {
		ids = append(ids, d.BookID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Detail is one book line of a request.
type Detail struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	RequestID       uuid.UUID  `json:"request_id" db:"request_id"`
	BookID          int64      `json:"book_id" db:"book_id"`
	DueDate         *time.Time `json:"due_date" db:"due_date"`
	OriginalDueDate *time.Time `json:"original_due_date" db:"original_due_date"`
	IsExtensionUsed bool       `json:"is_extension_used" db:"is_extension_used"`
	ReturnedDate    *time.Time `json:"returned_date" db:"returned_date"`
}

// Active reports whether the detail holds a copy out of the library.
func (d Detail) Active(parent Status) bool {
	return parent == StatusApproved && d.ReturnedDate == nil
}

// ListFilter narrows ListRequests. Zero values mean no constraint; the
// date range is half open, [From, To).
type ListFilter struct {
	RequestorID *uuid.UUID
	Statuses    []Status
	From        *time.Time
	To          *time.Time
}

// Actor is the authenticated caller of an operation that checks ownership.
type Actor struct {
	ID    uuid.UUID
	Admin bool
}

// AggregateType names borrowing request streams in the event log.
const AggregateType = "borrowing_request"

const (
	EventRequested      = "BorrowingRequested"
	EventApproved       = "BorrowingApproved"
	EventRejected       = "BorrowingRejected"
	EventDetailReturned = "BorrowingDetailReturned"
	EventDetailExtended = "BorrowingDetailExtended"
)

// RequestedEvent is recorded when a request is created.
type RequestedEvent struct {
	RequestID     uuid.UUID `json:"request_id"`
	RequestorID   uuid.UUID `json:"requestor_id"`
	BookIDs       []int64   `json:"book_ids"`
	DateRequested time.Time `json:"date_requested"`
}

// ApprovedEvent is recorded when a request is approved.
type ApprovedEvent struct {
	RequestID     uuid.UUID `json:"request_id"`
	ApproverID    uuid.UUID `json:"approver_id"`
	DateProcessed time.Time `json:"date_processed"`
	DueDate       time.Time `json:"due_date"`
}

// RejectedEvent is recorded when a request is rejected.
type RejectedEvent struct {
	RequestID     uuid.UUID `json:"request_id"`
	ApproverID    uuid.UUID `json:"approver_id"`
	DateProcessed time.Time `json:"date_processed"`
	Reason        *string   `json:"reason"`
}

// DetailReturnedEvent is recorded when a borrowed copy comes back.
type DetailReturnedEvent struct {
	RequestID    uuid.UUID `json:"request_id"`
	DetailID     uuid.UUID `json:"detail_id"`
	BookID       int64     `json:"book_id"`
	ReturnedDate time.Time `json:"returned_date"`
}

// DetailExtendedEvent is recorded when a detail's due date is pushed back.
type DetailExtendedEvent struct {
	RequestID       uuid.UUID `json:"request_id"`
	DetailID        uuid.UUID `json:"detail_id"`
	BookID          int64     `json:"book_id"`
	PreviousDueDate time.Time `json:"previous_due_date"`
	DueDate         time.Time `json:"due_date"`
}
