// internal/membership/handler.go
package membership

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libraryloans/internal/httpjson"
)

type Handler struct {
	service Service
	issuer  *TokenIssuer
	logger  *slog.Logger
}

func NewHandler(service Service, issuer *TokenIssuer, logger *slog.Logger) *Handler {
	return &Handler{service: service, issuer: issuer, logger: logger}
}

// PublicRoutes registers the endpoints reachable without a token.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Post("/members", h.HandleRegister)
	r.Post("/login", h.HandleLogin)
}

// Routes registers the endpoints that need an authenticated caller.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/members/{id}", h.HandleGetMember)
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Name     string `json:"name" validate:"required,max=255"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Member    *Member   `json:"member"`
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	member, err := h.service.RegisterMember(r.Context(), req.Email, req.Name, req.Password, RoleUser)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusCreated, member)
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	member, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	token, expiresAt, err := h.issuer.Issue(member)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, Member: member})
}

func (h *Handler) HandleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", "invalid member ID")
		return
	}

	caller, _ := IdentityFromContext(r.Context())
	if caller.UserID != id && !caller.IsAdmin() {
		httpjson.Error(w, http.StatusForbidden, "forbidden", "members may only read their own profile")
		return
	}

	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusOK, member)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, ErrRateLimited):
		httpjson.Error(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, ErrEmailTaken):
		httpjson.Error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, ErrMemberNotFound):
		httpjson.Error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidRole):
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "membership request failed", "path", r.URL.Path, "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
