// internal/catalog/memory.go
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryService is an in-process Service used by tests and local tooling.
type MemoryService struct {
	mu     sync.RWMutex
	books  map[int64]Book
	nextID int64
	now    func() time.Time
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		books: make(map[int64]Book),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryService) AddBook(_ context.Context, nb NewBook) (*Book, error) {
	if nb.TotalQuantity < 0 {
		return nil, ErrInvalidQuantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := m.now()
	book := Book{
		ID:            m.nextID,
		Title:         nb.Title,
		Author:        nb.Author,
		CategoryID:    nb.CategoryID,
		TotalQuantity: nb.TotalQuantity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.books[book.ID] = book
	return &book, nil
}

func (m *MemoryService) GetBook(_ context.Context, id int64, includeDeleted bool) (*Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.books[id]
	if !ok || (book.IsDeleted && !includeDeleted) {
		return nil, fmt.Errorf("book %d: %w", id, ErrBookNotFound)
	}
	return &book, nil
}

func (m *MemoryService) TotalQuantity(ctx context.Context, id int64) (int, error) {
	book, err := m.GetBook(ctx, id, false)
	if err != nil {
		return 0, err
	}
	return book.TotalQuantity, nil
}

// UpdateTotalQuantity sets the copy count without looking at loans;
// borrowing.MemoryStore calls it from inside a unit of work.
func (m *MemoryService) UpdateTotalQuantity(_ context.Context, id int64, total int) error {
	if total < 0 {
		return ErrInvalidQuantity
	}
	return m.update(id, func(b *Book) { b.TotalQuantity = total })
}

func (m *MemoryService) RemoveBook(_ context.Context, id int64) error {
	return m.update(id, func(b *Book) { b.IsDeleted = true })
}

func (m *MemoryService) update(id int64, fn func(*Book)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[id]
	if !ok || book.IsDeleted {
		return fmt.Errorf("book %d: %w", id, ErrBookNotFound)
	}
	fn(&book)
	book.UpdatedAt = m.now()
	m.books[id] = book
	return nil
}
