// internal/pagination/pagination.go
package pagination

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 10
	MaxPageSize     = 100

	// MaxOffset caps how many rows a page may skip.
	MaxOffset = math.MaxInt32
)

// Options bounds the page size accepted from callers.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

var DefaultOptions = Options{DefaultPageSize: DefaultPageSize, MaxPageSize: MaxPageSize}

// Params is a normalized page request.
type Params struct {
	Page     int
	PageSize int
	SortBy   string
	Desc     bool
}

// New clamps page and size into the ranges allowed by opt. Pages past
// MaxOffset are pulled back to the last page that still fits.
func New(page, pageSize int, opt Options) Params {
	if opt.DefaultPageSize < 1 {
		opt.DefaultPageSize = DefaultPageSize
	}
	if opt.MaxPageSize < opt.DefaultPageSize {
		opt.MaxPageSize = opt.DefaultPageSize
	}
	if page < 1 {
		page = DefaultPage
	}
	if pageSize < 1 {
		pageSize = opt.DefaultPageSize
	}
	if pageSize > opt.MaxPageSize {
		pageSize = opt.MaxPageSize
	}
	if lastPage := MaxOffset/pageSize + 1; page > lastPage {
		page = lastPage
	}
	return Params{Page: page, PageSize: pageSize, Desc: true}
}

// FromRequest reads page, page_size, sort_by and order from the query string.
// Unparseable numbers fall back to the defaults; sort_by is passed through
// unchecked and must be resolved with SortColumn.
func FromRequest(r *http.Request, opt Options) Params {
	q := r.URL.Query()
	p := New(atoiDefault(q.Get("page"), DefaultPage), atoiDefault(q.Get("page_size"), 0), opt)
	p.SortBy = strings.TrimSpace(q.Get("sort_by"))
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "asc":
		p.Desc = false
	default:
		p.Desc = true
	}
	return p
}

func (p Params) Limit() int { return p.PageSize }

// Offset never exceeds MaxOffset, even for Params built without New.
func (p Params) Offset() int {
	if p.Page <= 1 || p.PageSize <= 0 {
		return 0
	}
	if p.Page-1 > MaxOffset/p.PageSize {
		return MaxOffset
	}
	return (p.Page - 1) * p.PageSize
}

// SortColumn resolves SortBy against a whitelist of sort keys to column names.
// An empty SortBy selects defaultKey.
func (p Params) SortColumn(allowed map[string]string, defaultKey string) (string, error) {
	key := p.SortBy
	if key == "" {
		key = defaultKey
	}
	col, ok := allowed[key]
	if !ok {
		return "", fmt.Errorf("unsupported sort column %q", key)
	}
	return col, nil
}

// TotalPages is ceil(totalItems / pageSize).
func TotalPages(totalItems, pageSize int) int {
	if pageSize <= 0 || totalItems <= 0 {
		return 0
	}
	return (totalItems + pageSize - 1) / pageSize
}

// Page is one slice of a larger result set.
type Page[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

func NewPage[T any](items []T, p Params, totalItems int) *Page[T] {
	if items == nil {
		items = []T{}
	}
	return &Page[T]{
		Items:      items,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalItems: totalItems,
		TotalPages: TotalPages(totalItems, p.PageSize),
	}
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}
