// internal/catalog/handler.go
package catalog

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"libraryloans/internal/httpjson"
	"libraryloans/internal/membership"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes registers the book endpoints. Writes are restricted to admins.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/books/{id}", h.HandleGetBook)
	r.Group(func(r chi.Router) {
		r.Use(membership.RequireRole(membership.RoleAdmin))
		r.Post("/books", h.HandleAddBook)
		r.Delete("/books/{id}", h.HandleRemoveBook)
	})
}

func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	var req NewBook
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusCreated, book)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}

	book, err := h.service.GetBook(r.Context(), id, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, book)
}

func (h *Handler) HandleRemoveBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveBook(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func bookID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", "invalid book ID")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBookNotFound):
		httpjson.Error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidQuantity):
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "catalog request failed", "path", r.URL.Path, "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
