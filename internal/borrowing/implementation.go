// internal/borrowing/implementation.go
package borrowing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libraryloans/internal/catalog"
	"libraryloans/internal/eventstore"
	"libraryloans/internal/pagination"
)

const instrumentationName = "libraryloans/borrowing"

// Settings holds the lending rules.
type Settings struct {
	MaxBooksPerRequest int
	LoanPeriod         time.Duration
	ExtensionDays      int
	MaxExtensionDays   int
	MaxReasonLength    int
	PageOptions        pagination.Options
}

func DefaultSettings() Settings {
	return Settings{
		MaxBooksPerRequest: 5,
		LoanPeriod:         14 * 24 * time.Hour,
		ExtensionDays:      7,
		MaxExtensionDays:   14,
		MaxReasonLength:    500,
		PageOptions:        pagination.DefaultOptions,
	}
}

// Option configures the service.
type Option func(*service)

func WithClock(c Clock) Option { return func(s *service) { s.clock = c } }

func WithSettings(st Settings) Option { return func(s *service) { s.settings = st } }

func WithLogger(l *slog.Logger) Option { return func(s *service) { s.logger = l } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *service) { s.tracer = tp.Tracer(instrumentationName) }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *service) { s.meter = mp.Meter(instrumentationName) }
}

// service implements the Service interface.
type service struct {
	store    Store
	catalog  Catalog
	clock    Clock
	settings Settings
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	created   metric.Int64Counter
	approved  metric.Int64Counter
	rejected  metric.Int64Counter
	conflicts metric.Int64Counter
}

// NewService creates a new borrowing service instance.
func NewService(store Store, books Catalog, opts ...Option) Service {
	s := &service{
		store:    store,
		catalog:  books,
		clock:    SystemClock{},
		settings: DefaultSettings(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.created = s.counter("borrowing.requests.created", "Borrowing requests created")
	s.approved = s.counter("borrowing.requests.approved", "Borrowing requests approved")
	s.rejected = s.counter("borrowing.requests.rejected", "Borrowing requests rejected")
	s.conflicts = s.counter("borrowing.approvals.conflicts", "Approvals refused for lack of copies")
	return s
}

func (s *service) counter(name, desc string) metric.Int64Counter {
	c, err := s.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
	}
	return c
}

// CreateRequest validates the book list, checks availability and records a
// Waiting request.
func (s *service) CreateRequest(ctx context.Context, requestorID uuid.UUID, bookIDs []int64) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.create_request",
		trace.WithAttributes(
			attribute.String("requestor.id", requestorID.String()),
			attribute.Int64Slice("book.ids", bookIDs),
		),
	)
	defer span.End()

	if err := s.validateBookIDs(bookIDs); err != nil {
		return nil, err
	}

	for _, id := range bookIDs {
		if _, err := s.catalog.GetBook(ctx, id, false); err != nil {
			return nil, bookError(id, err)
		}
	}

	for _, id := range bookIDs {
		available, err := s.Availability(ctx, id)
		if err != nil {
			return nil, err
		}
		if available < 1 {
			return nil, &UnavailableError{BookID: id}
		}
	}

	now := s.clock.Now()
	req := &Request{
		ID:            uuid.New(),
		RequestorID:   requestorID,
		Status:        StatusWaiting,
		DateRequested: now,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
		Details:       make([]Detail, 0, len(bookIDs)),
	}
	for _, id := range bookIDs {
		req.Details = append(req.Details, Detail{ID: uuid.New(), RequestID: req.ID, BookID: id})
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockRequestor(ctx, requestorID); err != nil {
			return err
		}
		open, err := tx.OpenRequestBooks(ctx, requestorID, bookIDs)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return fmt.Errorf("book %d is already on a waiting request: %w", open[0], ErrConflict)
		}
		if err := tx.InsertRequest(ctx, req); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, req.ID, 0, EventRequested, RequestedEvent{
			RequestID:     req.ID,
			RequestorID:   requestorID,
			BookIDs:       bookIDs,
			DateRequested: now,
		}, actorMetadata(requestorID))
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapStoreError(err)
	}

	s.created.Add(ctx, 1)
	span.SetAttributes(attribute.String("request.id", req.ID.String()))
	s.logger.InfoContext(ctx, "borrowing request created",
		"request_id", req.ID, "requestor_id", requestorID, "books", len(bookIDs))
	return req, nil
}

func (s *service) validateBookIDs(bookIDs []int64) error {
	if len(bookIDs) == 0 {
		return fmt.Errorf("at least one book is required: %w", ErrInvalidArgument)
	}
	if len(bookIDs) > s.settings.MaxBooksPerRequest {
		return fmt.Errorf("at most %d books per request, got %d: %w",
			s.settings.MaxBooksPerRequest, len(bookIDs), ErrInvalidArgument)
	}
	seen := make(map[int64]struct{}, len(bookIDs))
	for _, id := range bookIDs {
		if id <= 0 {
			return fmt.Errorf("book id %d: %w", id, ErrInvalidArgument)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("book %d listed twice: %w", id, ErrInvalidArgument)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Availability returns the copies of a book that can still be lent.
func (s *service) Availability(ctx context.Context, bookID int64) (int, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.availability",
		trace.WithAttributes(attribute.Int64("book.id", bookID)),
	)
	defer span.End()

	total, err := s.catalog.TotalQuantity(ctx, bookID)
	if err != nil {
		return 0, bookError(bookID, err)
	}
	active, err := s.store.ActiveLoanCount(ctx, bookID)
	if err != nil {
		return 0, fmt.Errorf("failed to count active loans of book %d: %w", bookID, err)
	}

	available := Available(total, active)
	span.SetAttributes(attribute.Int("book.available", available))
	return available, nil
}

func (s *service) ResizeBook(ctx context.Context, bookID int64, total int) (*catalog.Book, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.resize_book",
		trace.WithAttributes(attribute.Int64("book.id", bookID), attribute.Int("total", total)),
	)
	defer span.End()

	if total < 0 {
		return nil, fmt.Errorf("total quantity %d: %w", total, ErrInvalidArgument)
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		totals, err := tx.LockBooks(ctx, []int64{bookID})
		if err != nil {
			return err
		}
		if _, ok := totals[bookID]; !ok {
			return fmt.Errorf("book %d: %w", bookID, ErrNotFound)
		}
		active, err := tx.ActiveLoanCount(ctx, bookID)
		if err != nil {
			return err
		}
		if total < active {
			return fmt.Errorf("book %d has %d copies on loan, cannot shrink to %d: %w",
				bookID, active, total, ErrConflict)
		}
		return tx.SetTotalQuantity(ctx, bookID, total)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	book, err := s.catalog.GetBook(ctx, bookID, false)
	if err != nil {
		return nil, bookError(bookID, err)
	}
	s.logger.InfoContext(ctx, "book resized", "book_id", bookID, "total_quantity", total)
	return book, nil
}

// ApproveRequest re-checks availability under per-book locks and approves
// every line or none.
func (s *service) ApproveRequest(ctx context.Context, requestID, approverID uuid.UUID) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.approve_request",
		trace.WithAttributes(
			attribute.String("request.id", requestID.String()),
			attribute.String("approver.id", approverID.String()),
		),
	)
	defer span.End()

	var approved *Request
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		req, err := tx.GetRequest(ctx, requestID, true)
		if err != nil {
			return err
		}
		if req.Status != StatusWaiting {
			return fmt.Errorf("request %s is %s: %w", requestID, req.Status, ErrInvalidState)
		}

		bookIDs := req.BookIDs()
		totals, err := tx.LockBooks(ctx, bookIDs)
		if err != nil {
			return err
		}
		for _, id := range bookIDs {
			total, ok := totals[id]
			if !ok {
				return &UnavailableError{BookID: id}
			}
			active, err := tx.ActiveLoanCount(ctx, id)
			if err != nil {
				return err
			}
			if Available(total, active) < 1 {
				return &UnavailableError{BookID: id}
			}
		}

		now := s.clock.Now()
		due := now.Add(s.settings.LoanPeriod)
		expected := req.Version
		req.Status = StatusApproved
		req.ApproverID = &approverID
		req.DateProcessed = &now
		req.DueDate = &due
		req.Version++
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, req, expected); err != nil {
			return err
		}
		for i := range req.Details {
			d := &req.Details[i]
			detailDue, original := due, due
			d.DueDate = &detailDue
			d.OriginalDueDate = &original
			if err := tx.UpdateDetail(ctx, d); err != nil {
				return err
			}
		}

		if err := tx.AppendEvent(ctx, req.ID, expected, EventApproved, ApprovedEvent{
			RequestID:     req.ID,
			ApproverID:    approverID,
			DateProcessed: now,
			DueDate:       due,
		}, actorMetadata(approverID)); err != nil {
			return err
		}
		approved = req
		return nil
	})
	if err != nil {
		var unavailable *UnavailableError
		if errors.As(err, &unavailable) {
			s.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.Int64("book.id", unavailable.BookID)))
			s.logger.InfoContext(ctx, "approval refused", "request_id", requestID, "book_id", unavailable.BookID)
		}
		span.RecordError(err)
		return nil, mapStoreError(err)
	}

	s.approved.Add(ctx, 1)
	s.logger.InfoContext(ctx, "borrowing request approved",
		"request_id", requestID, "approver_id", approverID, "due_date", approved.DueDate)
	return approved, nil
}

// RejectRequest closes a Waiting request without lending anything.
func (s *service) RejectRequest(ctx context.Context, requestID, approverID uuid.UUID, reason *string) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.reject_request",
		trace.WithAttributes(
			attribute.String("request.id", requestID.String()),
			attribute.String("approver.id", approverID.String()),
		),
	)
	defer span.End()

	var rejected *Request
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		req, err := tx.GetRequest(ctx, requestID, true)
		if err != nil {
			return err
		}
		if req.Status != StatusWaiting {
			return fmt.Errorf("request %s is %s: %w", requestID, req.Status, ErrInvalidState)
		}
		if reason != nil && utf8.RuneCountInString(*reason) > s.settings.MaxReasonLength {
			return fmt.Errorf("rejection reason exceeds %d characters: %w", s.settings.MaxReasonLength, ErrInvalidArgument)
		}

		now := s.clock.Now()
		expected := req.Version
		req.Status = StatusRejected
		req.ApproverID = &approverID
		req.DateProcessed = &now
		req.RejectionReason = reason
		req.Version++
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, req, expected); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, req.ID, expected, EventRejected, RejectedEvent{
			RequestID:     req.ID,
			ApproverID:    approverID,
			DateProcessed: now,
			Reason:        reason,
		}, actorMetadata(approverID)); err != nil {
			return err
		}
		rejected = req
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapStoreError(err)
	}

	s.rejected.Add(ctx, 1)
	s.logger.InfoContext(ctx, "borrowing request rejected", "request_id", requestID, "approver_id", approverID)
	return rejected, nil
}

// GetRequest loads a request with its details.
func (s *service) GetRequest(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.get_request",
		trace.WithAttributes(attribute.String("request.id", requestID.String())),
	)
	defer span.End()

	return s.store.GetRequest(ctx, requestID)
}

// ListRequests returns one page of requests matching filter.
func (s *service) ListRequests(ctx context.Context, filter ListFilter, page pagination.Params) (*pagination.Page[Request], error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.list_requests")
	defer span.End()

	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q: %w", string(st), ErrInvalidArgument)
		}
	}

	p := pagination.New(page.Page, page.PageSize, s.settings.PageOptions)
	p.Desc = page.Desc
	column, err := page.SortColumn(SortColumns, DefaultSortKey)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidArgument)
	}
	p.SortBy = column

	items, total, err := s.store.ListRequests(ctx, filter, p)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	span.SetAttributes(
		attribute.Int("page", p.Page),
		attribute.Int("page.size", p.PageSize),
		attribute.Int("total.items", total),
	)
	return pagination.NewPage(items, p, total), nil
}

// ReturnDetail marks one borrowed copy as returned.
func (s *service) ReturnDetail(ctx context.Context, detailID uuid.UUID) (*Detail, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.return_detail",
		trace.WithAttributes(attribute.String("detail.id", detailID.String())),
	)
	defer span.End()

	var returned *Detail
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		req, d, err := lockDetail(ctx, tx, detailID)
		if err != nil {
			return err
		}
		if req.Status != StatusApproved {
			return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, ErrInvalidState)
		}
		if d.ReturnedDate != nil {
			return fmt.Errorf("detail %s already returned: %w", detailID, ErrInvalidState)
		}

		now := s.clock.Now()
		d.ReturnedDate = &now
		if err := tx.UpdateDetail(ctx, d); err != nil {
			return err
		}
		if err := s.bumpVersion(ctx, tx, req, now, EventDetailReturned, DetailReturnedEvent{
			RequestID:    req.ID,
			DetailID:     d.ID,
			BookID:       d.BookID,
			ReturnedDate: now,
		}, nil); err != nil {
			return err
		}
		returned = d
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapStoreError(err)
	}

	s.logger.InfoContext(ctx, "borrowed copy returned", "detail_id", detailID, "book_id", returned.BookID)
	return returned, nil
}

// ExtendDetail pushes back the due date of one borrowed copy. Each detail
// can be extended once.
func (s *service) ExtendDetail(ctx context.Context, detailID uuid.UUID, actor Actor, days int) (*Detail, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.extend_detail",
		trace.WithAttributes(
			attribute.String("detail.id", detailID.String()),
			attribute.Int("days", days),
		),
	)
	defer span.End()

	if days == 0 {
		days = s.settings.ExtensionDays
	}
	if days < 0 || days > s.settings.MaxExtensionDays {
		return nil, fmt.Errorf("extension must be between 1 and %d days: %w", s.settings.MaxExtensionDays, ErrInvalidArgument)
	}

	var extended *Detail
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		req, d, err := lockDetail(ctx, tx, detailID)
		if err != nil {
			return err
		}
		if !actor.Admin && req.RequestorID != actor.ID {
			return fmt.Errorf("detail %s belongs to another member: %w", detailID, ErrForbidden)
		}
		if req.Status != StatusApproved || d.ReturnedDate != nil || d.DueDate == nil {
			return fmt.Errorf("detail %s is not on loan: %w", detailID, ErrInvalidState)
		}
		if d.IsExtensionUsed {
			return fmt.Errorf("detail %s was already extended: %w", detailID, ErrInvalidState)
		}

		previous := *d.DueDate
		due := previous.AddDate(0, 0, days)
		d.DueDate = &due
		d.IsExtensionUsed = true
		if err := tx.UpdateDetail(ctx, d); err != nil {
			return err
		}
		if err := s.bumpVersion(ctx, tx, req, s.clock.Now(), EventDetailExtended, DetailExtendedEvent{
			RequestID:       req.ID,
			DetailID:        d.ID,
			BookID:          d.BookID,
			PreviousDueDate: previous,
			DueDate:         due,
		}, actorMetadata(actor.ID)); err != nil {
			return err
		}
		extended = d
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapStoreError(err)
	}

	s.logger.InfoContext(ctx, "loan extended", "detail_id", detailID, "due_date", extended.DueDate)
	return extended, nil
}

// History returns the lifecycle events of a request.
func (s *service) History(ctx context.Context, requestID uuid.UUID) ([]eventstore.Event, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.history",
		trace.WithAttributes(attribute.String("request.id", requestID.String())),
	)
	defer span.End()

	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	events, err := s.store.History(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return events, nil
}

// lockDetail locks the parent request before the detail row, the same
// order approval uses.
func lockDetail(ctx context.Context, tx Tx, detailID uuid.UUID) (*Request, *Detail, error) {
	d, err := tx.GetDetail(ctx, detailID, false)
	if err != nil {
		return nil, nil, err
	}
	req, err := tx.GetRequest(ctx, d.RequestID, true)
	if err != nil {
		return nil, nil, err
	}
	d, err = tx.GetDetail(ctx, detailID, true)
	if err != nil {
		return nil, nil, err
	}
	return req, d, nil
}

func (s *service) bumpVersion(ctx context.Context, tx Tx, req *Request, now time.Time, eventType string, data interface{}, metadata map[string]interface{}) error {
	expected := req.Version
	req.Version++
	req.UpdatedAt = now
	if err := tx.UpdateRequest(ctx, req, expected); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, req.ID, expected, eventType, data, metadata)
}

func actorMetadata(id uuid.UUID) map[string]interface{} {
	return map[string]interface{}{"actor_id": id.String()}
}

func bookError(id int64, err error) error {
	if errors.Is(err, catalog.ErrBookNotFound) {
		return fmt.Errorf("book %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("failed to load book %d: %w", id, err)
}

// mapStoreError folds a lost optimistic version check into ErrInvalidState.
func mapStoreError(err error) error {
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return fmt.Errorf("request was modified concurrently: %w", ErrInvalidState)
	}
	return err
}
