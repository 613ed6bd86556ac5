package dispatch

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch-engine/internal/subscribers"
)

func handlerFixture(t *testing.T, slug string) (http.Handler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, cleanup := setupTestDB(t)

	reg, err := NewRegistry(slug, NewStore(db))
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	items := map[string]*testItem{"5": {Key: "5", Title: "Issue five"}}
	if err := reg.Register(testBinding("issues.issue", true, items)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	subStore := subscribers.NewStore(db)
	guard := NewGuard(reg, subStore, "secret")

	r := chi.NewRouter()
	r.Route("/subscribers", func(r chi.Router) {
		NewHandlers(guard, reg, subStore).RegisterRoutes(r)
	})
	return r, mock, func() {
		reg.Release()
		cleanup()
	}
}

func signedPath(action string, subID int64, created time.Time) string {
	hash := SecureHash("secret", "5", &subscribers.Subscriber{ID: subID, DateCreated: created})
	return fmt.Sprintf("/subscribers/%s/issues.issue/5/%d/%s", action, subID, hash)
}

func TestHandleUnsubscribePrompt(t *testing.T) {
	router, mock, cleanup := handlerFixture(t, "h-prompt")
	defer cleanup()

	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	expectSubscriber(mock, 7, created)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	req := httptest.NewRequest(http.MethodGet, signedPath("unsubscribe", 7, created), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Issue five") || !strings.Contains(body, "ada@example.com") {
		t.Errorf("prompt body missing object title or email: %s", body)
	}
	if !strings.Contains(body, `method="post"`) {
		t.Error("prompt should confirm via POST, not unsubscribe on GET")
	}
}

func TestHandleUnsubscribe(t *testing.T) {
	router, mock, cleanup := handlerFixture(t, "h-unsub")
	defer cleanup()

	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	expectSubscriber(mock, 7, created)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE subscribers SET is_subscribed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	path := signedPath("unsubscribe", 7, created)
	req := httptest.NewRequest(http.MethodPost, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != path+"/success" {
		t.Errorf("Location = %q, want %q", loc, path+"/success")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleUnsubscribeBadHash(t *testing.T) {
	router, mock, cleanup := handlerFixture(t, "h-badhash")
	defer cleanup()

	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	expectSubscriber(mock, 7, created)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	req := httptest.NewRequest(http.MethodPost,
		"/subscribers/unsubscribe/issues.issue/5/7/ffffffffffffffffffffffffffffffffffffffff", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for a forged hash", w.Code)
	}
}

func TestHandleUnsubscribeUnprocessedRecord(t *testing.T) {
	router, mock, cleanup := handlerFixture(t, "h-unprocessed")
	defer cleanup()

	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	expectSubscriber(mock, 7, created)
	// A valid hash is still refused until a batch run processed the record.
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	req := httptest.NewRequest(http.MethodGet, signedPath("unsubscribe", 7, created), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 before the dispatch is processed", w.Code)
	}
}

func TestHandleEmailDetailTxt(t *testing.T) {
	router, mock, cleanup := handlerFixture(t, "h-txt")
	defer cleanup()

	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	expectSubscriber(mock, 7, created)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	req := httptest.NewRequest(http.MethodGet, signedPath("email", 7, created)+"/txt", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if got := w.Body.String(); got != "Issue five for ada@example.com" {
		t.Errorf("body = %q, want the rendered text content", got)
	}
}

func TestHandleEmailDetailFallsBackToText(t *testing.T) {
	// The stub adapter renders no HTML, so the HTML view serves the plain
	// rendering instead.
	router, mock, cleanup := handlerFixture(t, "h-fallback")
	defer cleanup()

	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	// The fallback re-authorizes, so the tuple is validated twice.
	for i := 0; i < 2; i++ {
		expectSubscriber(mock, 7, created)
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	}

	req := httptest.NewRequest(http.MethodGet, signedPath("email", 7, created), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain fallback", ct)
	}
}

func TestHandleMalformedSubscriberID(t *testing.T) {
	router, _, cleanup := handlerFixture(t, "h-malformed")
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet,
		"/subscribers/unsubscribe/issues.issue/5/not-a-number/deadbeef", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for a malformed subscriber id", w.Code)
	}
}
