package borrowing

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libraryloans/internal/catalog"
	"libraryloans/internal/eventstore"
	"libraryloans/internal/httpjson"
	"libraryloans/internal/membership"
	"libraryloans/internal/pagination"
)

type apiFixture struct {
	*fixture
	router http.Handler
	issuer *membership.TokenIssuer
}

func newAPIFixture() *apiFixture {
	f := newFixture()
	issuer := membership.NewTokenIssuer("test-secret", time.Hour)
	h := NewHandler(f.svc, pagination.DefaultOptions, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := chi.NewRouter()
	r.Use(membership.Authenticate(issuer))
	h.Routes(r)
	return &apiFixture{fixture: f, router: r, issuer: issuer}
}

func (a *apiFixture) do(t *testing.T, method, path string, caller membership.Identity, body string) *httptest.ResponseRecorder {
	t.Helper()
	token, _, err := a.issuer.Issue(&membership.Member{ID: caller.UserID, Role: caller.Role})
	require.NoError(t, err)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func user() membership.Identity { return membership.Identity{UserID: uuid.New(), Role: membership.RoleUser} }

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestBorrowingLifecycleOverHTTP(t *testing.T) {
	a := newAPIFixture()
	book := a.addBook(t, 1)
	member := user()
	admin := membership.Identity{UserID: a.admin, Role: membership.RoleAdmin}

	w := a.do(t, http.MethodPost, "/borrowing-requests", member, fmt.Sprintf(`{"book_ids":[%d]}`, book))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[Request](t, w)
	assert.Equal(t, StatusWaiting, created.Status)

	w = a.do(t, http.MethodPost, "/borrowing-requests/"+created.ID.String()+"/approve", member, "")
	assert.Equal(t, http.StatusForbidden, w.Code, "members cannot approve")

	w = a.do(t, http.MethodPost, "/borrowing-requests/"+created.ID.String()+"/approve", admin, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	approved := decode[Request](t, w)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.DueDate)

	w = a.do(t, http.MethodGet, fmt.Sprintf("/books/%d/availability", book), member, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[availabilityResponse](t, w).Available)

	detail := approved.Details[0].ID.String()
	w = a.do(t, http.MethodPost, "/borrowing-details/"+detail+"/extend", member, `{"days":3}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[Detail](t, w).IsExtensionUsed)

	w = a.do(t, http.MethodPost, "/borrowing-details/"+detail+"/return", member, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, http.MethodPost, "/borrowing-details/"+detail+"/return", admin, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/borrowing-requests/"+created.ID.String()+"/history", member, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]eventstore.Event](t, w), 4)
}

func TestBorrowingErrorMapping(t *testing.T) {
	a := newAPIFixture()
	book := a.addBook(t, 1)
	admin := membership.Identity{UserID: a.admin, Role: membership.RoleAdmin}

	first := a.do(t, http.MethodPost, "/borrowing-requests", user(), fmt.Sprintf(`{"book_ids":[%d]}`, book))
	require.Equal(t, http.StatusCreated, first.Code)
	second := a.do(t, http.MethodPost, "/borrowing-requests", user(), fmt.Sprintf(`{"book_ids":[%d]}`, book))
	require.Equal(t, http.StatusCreated, second.Code)
	firstID := decode[Request](t, first).ID.String()
	secondID := decode[Request](t, second).ID.String()

	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/borrowing-requests/"+firstID+"/approve", admin, "").Code)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"too many books", http.MethodPost, "/borrowing-requests", `{"book_ids":[1,2,3,4,5,6]}`, http.StatusBadRequest, "invalid_argument"},
		{"missing book list", http.MethodPost, "/borrowing-requests", `{}`, http.StatusBadRequest, "invalid_argument"},
		{"unknown book", http.MethodPost, "/borrowing-requests", `{"book_ids":[404]}`, http.StatusNotFound, "not_found"},
		{"no copy left", http.MethodPost, "/borrowing-requests/" + secondID + "/approve", ``, http.StatusConflict, "conflict"},
		{"already processed", http.MethodPost, "/borrowing-requests/" + firstID + "/reject", `{"reason":null}`, http.StatusConflict, "invalid_state"},
		{"unknown request", http.MethodPost, "/borrowing-requests/" + uuid.NewString() + "/approve", ``, http.StatusNotFound, "not_found"},
		{"bad request id", http.MethodGet, "/borrowing-requests/nope", ``, http.StatusBadRequest, "invalid_argument"},
		{"reason too long", http.MethodPost, "/borrowing-requests/" + secondID + "/reject", `{"reason":"` + strings.Repeat("x", 501) + `"}`, http.StatusBadRequest, "invalid_argument"},
		{"unknown status filter", http.MethodGet, "/borrowing-requests?status=Lost", ``, http.StatusBadRequest, "invalid_argument"},
		{"unknown sort key", http.MethodGet, "/borrowing-requests?sort_by=title", ``, http.StatusBadRequest, "invalid_argument"},
		{"bad date filter", http.MethodGet, "/borrowing-requests?from=yesterday", ``, http.StatusBadRequest, "invalid_argument"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(t, tc.method, tc.path, admin, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.code, decode[httpjson.ErrorBody](t, w).Code)
		})
	}
}

func TestMembersOnlySeeTheirOwnRequests(t *testing.T) {
	a := newAPIFixture()
	book := a.addBook(t, 3)
	alice, bob := user(), user()
	admin := membership.Identity{UserID: a.admin, Role: membership.RoleAdmin}

	w := a.do(t, http.MethodPost, "/borrowing-requests", alice, fmt.Sprintf(`{"book_ids":[%d]}`, book))
	require.Equal(t, http.StatusCreated, w.Code)
	aliceReq := decode[Request](t, w)
	w = a.do(t, http.MethodPost, "/borrowing-requests", bob, fmt.Sprintf(`{"book_ids":[%d]}`, book))
	require.Equal(t, http.StatusCreated, w.Code)

	w = a.do(t, http.MethodGet, "/borrowing-requests/"+aliceReq.ID.String(), bob, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, http.MethodGet, "/borrowing-requests/"+aliceReq.ID.String(), alice, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/borrowing-requests?requestor_id="+alice.UserID.String(), bob, "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[pagination.Page[Request]](t, w)
	require.Len(t, page.Items, 1)
	assert.Equal(t, bob.UserID, page.Items[0].RequestorID, "the requestor filter is forced for members")

	w = a.do(t, http.MethodGet, "/borrowing-requests?status=waiting&page_size=1", admin, "")
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[pagination.Page[Request]](t, w)
	assert.Equal(t, 2, page.TotalItems)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, 1)
}

func TestBorrowingRoutesRequireToken(t *testing.T) {
	a := newAPIFixture()

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/borrowing-requests", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}


func TestResizeBookOverHTTP(t *testing.T) {
	a := newAPIFixture()
	book := a.addBook(t, 1)
	admin := membership.Identity{UserID: a.admin, Role: membership.RoleAdmin}
	path := fmt.Sprintf("/books/%d", book)

	w := a.do(t, http.MethodPost, "/borrowing-requests", user(), fmt.Sprintf(`{"book_ids":[%d]}`, book))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[Request](t, w).ID.String()
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/borrowing-requests/"+id+"/approve", admin, "").Code)

	w = a.do(t, http.MethodPatch, path, user(), `{"total_quantity":3}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPatch, path, admin, `{"total_quantity":0}`)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "conflict", decode[httpjson.ErrorBody](t, w).Code)

	w = a.do(t, http.MethodPatch, path, admin, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodPatch, "/books/x", admin, `{"total_quantity":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodPatch, "/books/9999", admin, `{"total_quantity":1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, http.MethodPatch, path, admin, `{"total_quantity":3}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, decode[catalog.Book](t, w).TotalQuantity)
	assert.Equal(t, 2, a.available(t, book))
}

func TestHandlersRejectMissingIdentity(t *testing.T) {
	f := newFixture()
	book := f.addBook(t, 1)
	r := chi.NewRouter()
	NewHandler(f.svc, pagination.DefaultOptions, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes(r)

	cases := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/borrowing-requests", fmt.Sprintf(`{"book_ids":[%d]}`, book)},
		{http.MethodGet, "/borrowing-requests", ``},
		{http.MethodGet, "/borrowing-requests/" + uuid.NewString(), ``},
		{http.MethodPost, "/borrowing-details/" + uuid.NewString() + "/extend", `{"days":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			var body io.Reader
			if tc.body != "" {
				body = strings.NewReader(tc.body)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, body))
			require.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
			assert.Equal(t, "unauthorized", decode[httpjson.ErrorBody](t, w).Code)
		})
	}
	assert.Equal(t, 1, f.available(t, book), "nothing was created without a caller")
}
