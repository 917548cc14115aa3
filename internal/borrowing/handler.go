// internal/borrowing/handler.go
package borrowing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libraryloans/internal/httpjson"
	"libraryloans/internal/membership"
	"libraryloans/internal/pagination"
)

type Handler struct {
	service     Service
	pageOptions pagination.Options
	logger      *slog.Logger
}

func NewHandler(service Service, pageOptions pagination.Options, logger *slog.Logger) *Handler {
	return &Handler{service: service, pageOptions: pageOptions, logger: logger}
}

// Routes registers the borrowing endpoints. The router must already run
// membership.Authenticate.
func (h *Handler) Routes(r chi.Router) {
	adminOnly := membership.RequireRole(membership.RoleAdmin)

	r.Get("/books/{id}/availability", h.HandleAvailability)
	r.With(adminOnly).Patch("/books/{id}", h.HandleResizeBook)

	r.Route("/borrowing-requests", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Get("/{id}/history", h.HandleHistory)
		r.With(adminOnly).Post("/{id}/approve", h.HandleApprove)
		r.With(adminOnly).Post("/{id}/reject", h.HandleReject)
	})

	r.With(adminOnly).Post("/borrowing-details/{id}/return", h.HandleReturn)
	r.Post("/borrowing-details/{id}/extend", h.HandleExtend)
}

type createRequest struct {
	BookIDs []int64 `json:"book_ids" validate:"required"`
}

type rejectRequest struct {
	Reason *string `json:"reason"`
}

type extendRequest struct {
	Days int `json:"days" validate:"gte=0"`
}

type resizeRequest struct {
	TotalQuantity *int `json:"total_quantity" validate:"required,gte=0"`
}

type availabilityResponse struct {
	BookID    int64 `json:"book_id"`
	Available int   `json:"available"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req createRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	created, err := h.service.CreateRequest(r.Context(), caller.UserID, req.BookIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusCreated, created)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !caller.IsAdmin() {
		own := caller.UserID
		filter.RequestorID = &own
	}

	page, err := h.service.ListRequests(r.Context(), filter, pagination.FromRequest(r, h.pageOptions))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, page)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	req, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	httpjson.Write(w, http.StatusOK, req)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	req, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	events, err := h.service.History(r.Context(), req.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, events)
}

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "invalid request ID")
	if !ok {
		return
	}

	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	approved, err := h.service.ApproveRequest(r.Context(), id, caller.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, approved)
}

func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "invalid request ID")
	if !ok {
		return
	}
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req rejectRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	rejected, err := h.service.RejectRequest(r.Context(), id, caller.UserID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, rejected)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "invalid detail ID")
	if !ok {
		return
	}

	detail, err := h.service.ReturnDetail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, detail)
}

func (h *Handler) HandleExtend(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "invalid detail ID")
	if !ok {
		return
	}
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req extendRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	actor := Actor{ID: caller.UserID, Admin: caller.IsAdmin()}
	detail, err := h.service.ExtendDetail(r.Context(), id, actor, req.Days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, detail)
}

func (h *Handler) HandleAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", "invalid book ID")
		return
	}

	available, err := h.service.Availability(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, availabilityResponse{BookID: id, Available: available})
}

func (h *Handler) HandleResizeBook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", "invalid book ID")
		return
	}

	var req resizeRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	book, err := h.service.ResizeBook(r.Context(), id, *req.TotalQuantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, book)
}

// loadOwned fetches the request named in the path; regular members may
// only see their own.
func (h *Handler) loadOwned(w http.ResponseWriter, r *http.Request) (*Request, bool) {
	id, ok := uuidParam(w, r, "invalid request ID")
	if !ok {
		return nil, false
	}
	caller, ok := h.caller(w, r)
	if !ok {
		return nil, false
	}

	req, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}

	if !caller.IsAdmin() && req.RequestorID != caller.UserID {
		h.writeError(w, r, ErrForbidden)
		return nil, false
	}
	return req, true
}

// caller returns the authenticated identity, answering 401 when the
// request never went through membership.Authenticate.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (membership.Identity, bool) {
	id, ok := membership.IdentityFromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized", "unauthenticated")
		return membership.Identity{}, false
	}
	return id, true
}

func parseListFilter(r *http.Request) (ListFilter, error) {
	q := r.URL.Query()
	var f ListFilter

	if v := q.Get("requestor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, fmt.Errorf("invalid requestor_id: %w", ErrInvalidArgument)
		}
		f.RequestorID = &id
	}

	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, err := ParseStatus(part)
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("timestamp %q is not RFC 3339: %w", v, ErrInvalidArgument)
	}
	return &t, nil
}

func uuidParam(w http.ResponseWriter, r *http.Request, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", msg)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, ErrNotFound):
		httpjson.Error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrForbidden):
		httpjson.Error(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpjson.Error(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, ErrConflict):
		httpjson.Error(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "borrowing request failed", "path", r.URL.Path, "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
