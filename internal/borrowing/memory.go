// internal/borrowing/memory.go
package borrowing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"libraryloans/internal/catalog"
	"libraryloans/internal/eventstore"
	"libraryloans/internal/pagination"
)

// MemoryCatalog is the book inventory behind a MemoryStore. Totals are
// changed through it only while the store lock is held.
type MemoryCatalog interface {
	Catalog
	UpdateTotalQuantity(ctx context.Context, id int64, total int) error
}

// MemoryStore keeps requests in process memory. A store-wide mutex is held
// for the whole of WithinTx, so units of work run one at a time.
type MemoryStore struct {
	mu       sync.Mutex
	catalog  MemoryCatalog
	requests map[uuid.UUID]*Request
	details  map[uuid.UUID]uuid.UUID // detail id -> request id
	events   map[uuid.UUID][]eventstore.Event
	eventSeq int64
}

// NewMemoryStore creates an empty store reading book totals from books.
func NewMemoryStore(books MemoryCatalog) *MemoryStore {
	return &MemoryStore{
		catalog:  books,
		requests: make(map[uuid.UUID]*Request),
		details:  make(map[uuid.UUID]uuid.UUID),
		events:   make(map[uuid.UUID][]eventstore.Event),
	}
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.getRequest(id)
}

func (m *MemoryStore) ListRequests(_ context.Context, filter ListFilter, page pagination.Params) ([]Request, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Request
	for _, r := range m.requests {
		if matches(r, filter) {
			matched = append(matched, cloneRequest(r))
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		c := compareBy(page.SortBy, &matched[i], &matched[j])
		if c == 0 {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		if page.Desc {
			return c > 0
		}
		return c < 0
	})

	total := len(matched)
	start := page.Offset()
	if start < 0 || start >= total {
		return []Request{}, total, nil
	}
	end := start + page.Limit()
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) ActiveLoanCount(_ context.Context, bookID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.activeLoans(bookID), nil
}

func (m *MemoryStore) History(_ context.Context, requestID uuid.UUID) ([]eventstore.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]eventstore.Event(nil), m.events[requestID]...), nil
}

func (m *MemoryStore) OvercommittedBooks(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[int64]int)
	for _, r := range m.requests {
		for _, d := range r.Details {
			if d.Active(r.Status) {
				active[d.BookID]++
			}
		}
	}

	over := 0
	for bookID, n := range active {
		book, err := m.catalog.GetBook(ctx, bookID, true)
		if err != nil {
			return 0, err
		}
		if n > book.TotalQuantity {
			over++
		}
	}
	return over, nil
}

func (m *MemoryStore) getRequest(id uuid.UUID) (*Request, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	c := cloneRequest(r)
	return &c, nil
}

func (m *MemoryStore) activeLoans(bookID int64) int {
	n := 0
	for _, r := range m.requests {
		for _, d := range r.Details {
			if d.BookID == bookID && d.Active(r.Status) {
				n++
			}
		}
	}
	return n
}

type memorySnapshot struct {
	requests map[uuid.UUID]*Request
	details  map[uuid.UUID]uuid.UUID
	events   map[uuid.UUID][]eventstore.Event
	eventSeq int64
}

func (m *MemoryStore) snapshot() memorySnapshot {
	s := memorySnapshot{
		requests: make(map[uuid.UUID]*Request, len(m.requests)),
		details:  make(map[uuid.UUID]uuid.UUID, len(m.details)),
		events:   make(map[uuid.UUID][]eventstore.Event, len(m.events)),
		eventSeq: m.eventSeq,
	}
	for id, r := range m.requests {
		c := cloneRequest(r)
		s.requests[id] = &c
	}
	for k, v := range m.details {
		s.details[k] = v
	}
	for k, v := range m.events {
		s.events[k] = append([]eventstore.Event(nil), v...)
	}
	return s
}

func (m *MemoryStore) restore(s memorySnapshot) {
	m.requests = s.requests
	m.details = s.details
	m.events = s.events
	m.eventSeq = s.eventSeq
}

// memTx runs with MemoryStore.mu held.
type memTx struct {
	m *MemoryStore
}

func (t *memTx) LockRequestor(context.Context, uuid.UUID) error { return nil }

func (t *memTx) LockBooks(ctx context.Context, bookIDs []int64) (map[int64]int, error) {
	totals := make(map[int64]int, len(bookIDs))
	for _, id := range bookIDs {
		total, err := t.m.catalog.TotalQuantity(ctx, id)
		if errors.Is(err, catalog.ErrBookNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		totals[id] = total
	}
	return totals, nil
}

func (t *memTx) ActiveLoanCount(_ context.Context, bookID int64) (int, error) {
	return t.m.activeLoans(bookID), nil
}

func (t *memTx) SetTotalQuantity(ctx context.Context, bookID int64, total int) error {
	err := t.m.catalog.UpdateTotalQuantity(ctx, bookID, total)
	if errors.Is(err, catalog.ErrBookNotFound) {
		return fmt.Errorf("book %d: %w", bookID, ErrNotFound)
	}
	return err
}

func (t *memTx) OpenRequestBooks(_ context.Context, requestorID uuid.UUID, bookIDs []int64) ([]int64, error) {
	wanted := make(map[int64]bool, len(bookIDs))
	for _, id := range bookIDs {
		wanted[id] = true
	}

	found := make(map[int64]bool)
	for _, r := range t.m.requests {
		if r.RequestorID != requestorID || r.Status != StatusWaiting {
			continue
		}
		for _, d := range r.Details {
			if wanted[d.BookID] {
				found[d.BookID] = true
			}
		}
	}

	open := make([]int64, 0, len(found))
	for id := range found {
		open = append(open, id)
	}
	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })
	return open, nil
}

func (t *memTx) GetRequest(_ context.Context, id uuid.UUID, _ bool) (*Request, error) {
	return t.m.getRequest(id)
}

func (t *memTx) GetDetail(_ context.Context, id uuid.UUID, _ bool) (*Detail, error) {
	reqID, ok := t.m.details[id]
	if !ok {
		return nil, fmt.Errorf("detail %s: %w", id, ErrNotFound)
	}
	for _, d := range t.m.requests[reqID].Details {
		if d.ID == id {
			c := cloneDetail(d)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("detail %s: %w", id, ErrNotFound)
}

func (t *memTx) InsertRequest(_ context.Context, req *Request) error {
	if _, exists := t.m.requests[req.ID]; exists {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	c := cloneRequest(req)
	t.m.requests[req.ID] = &c
	for _, d := range req.Details {
		t.m.details[d.ID] = req.ID
	}
	return nil
}

func (t *memTx) UpdateRequest(_ context.Context, req *Request, expectedVersion int) error {
	stored, ok := t.m.requests[req.ID]
	if !ok {
		return fmt.Errorf("request %s: %w", req.ID, ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return eventstore.ErrConcurrencyConflict
	}
	details := stored.Details
	c := cloneRequest(req)
	c.Details = details
	t.m.requests[req.ID] = &c
	return nil
}

func (t *memTx) UpdateDetail(_ context.Context, d *Detail) error {
	stored, ok := t.m.requests[d.RequestID]
	if !ok {
		return fmt.Errorf("request %s: %w", d.RequestID, ErrNotFound)
	}
	for i := range stored.Details {
		if stored.Details[i].ID == d.ID {
			stored.Details[i] = cloneDetail(*d)
			return nil
		}
	}
	return fmt.Errorf("detail %s: %w", d.ID, ErrNotFound)
}

func (t *memTx) AppendEvent(_ context.Context, requestID uuid.UUID, expectedVersion int, eventType string, data interface{}, metadata map[string]interface{}) error {
	if len(t.m.events[requestID]) != expectedVersion {
		return eventstore.ErrConcurrencyConflict
	}
	ev, err := eventstore.NewEvent(eventType, data, metadata)
	if err != nil {
		return err
	}
	// Round-trip metadata so it reads back the way Postgres returns it.
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		ev.Metadata = nil
		if err := json.Unmarshal(raw, &ev.Metadata); err != nil {
			return err
		}
	}

	t.m.eventSeq++
	ev.ID = t.m.eventSeq
	ev.AggregateID = requestID
	ev.AggregateType = AggregateType
	ev.Version = expectedVersion + 1
	ev.CreatedAt = time.Now().UTC()
	t.m.events[requestID] = append(t.m.events[requestID], ev)
	return nil
}

func matches(r *Request, f ListFilter) bool {
	if f.RequestorID != nil && r.RequestorID != *f.RequestorID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if r.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && r.DateRequested.Before(*f.From) {
		return false
	}
	if f.To != nil && !r.DateRequested.Before(*f.To) {
		return false
	}
	return true
}

// compareBy orders two requests on column; NULLs sort as the largest
// value, as in Postgres.
func compareBy(column string, a, b *Request) int {
	switch column {
	case "date_processed":
		return compareTimePtr(a.DateProcessed, b.DateProcessed)
	case "due_date":
		return compareTimePtr(a.DueDate, b.DueDate)
	case "status":
		return compareString(string(a.Status), string(b.Status))
	case "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	default:
		return a.DateRequested.Compare(b.DateRequested)
	}
}

func compareTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cloneRequest(r *Request) Request {
	c := *r
	c.ApproverID = clonePtr(r.ApproverID)
	c.DateProcessed = clonePtr(r.DateProcessed)
	c.DueDate = clonePtr(r.DueDate)
	c.RejectionReason = clonePtr(r.RejectionReason)
	c.Details = make([]Detail, len(r.Details))
	for i, d := range r.Details {
		c.Details[i] = cloneDetail(d)
	}
	return c
}

func cloneDetail(d Detail) Detail {
	d.DueDate = clonePtr(d.DueDate)
	d.OriginalDueDate = clonePtr(d.OriginalDueDate)
	d.ReturnedDate = clonePtr(d.ReturnedDate)
	return d
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
