// internal/catalog/domain.go
package catalog

import (
	"errors"
	"time"
)

var (
	ErrBookNotFound    = errors.New("book not found")
	ErrInvalidQuantity = errors.New("total quantity must not be negative")
)

// Book is one title in the catalog with its physical copy count.
type Book struct {
	ID            int64     `json:"id" db:"id"`
	Title         string    `json:"title" db:"title"`
	Author        string    `json:"author" db:"author"`
	CategoryID    *int64    `json:"category_id,omitempty" db:"category_id"`
	TotalQuantity int       `json:"total_quantity" db:"total_quantity"`
	RatingAverage float64   `json:"rating_average" db:"rating_average"`
	RatingCount   int       `json:"rating_count" db:"rating_count"`
	IsDeleted     bool      `json:"is_deleted" db:"is_deleted"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// NewBook holds the fields an administrator supplies when adding a title.
type NewBook struct {
	Title         string `json:"title" validate:"required,max=255"`
	Author        string `json:"author" validate:"required,max=255"`
	CategoryID    *int64 `json:"category_id" validate:"omitempty,gt=0"`
	TotalQuantity int    `json:"total_quantity" validate:"gte=0"`
}
