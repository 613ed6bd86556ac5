package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/dispatch-engine/internal/subscribers"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

// testItem is a minimal sendable used across the package tests.
type testItem struct {
	Key   string
	Title string
}

func (i *testItem) ObjectKey() string   { return i.Key }
func (i *testItem) ObjectTitle() string { return i.Title }

// stubAdapter renders fixed content without a template engine.
type stubAdapter struct {
	from       string
	replyTo    string
	htmlBody   string
	contentErr error
}

func (a *stubAdapter) Subject(obj Sendable, sub *subscribers.Subscriber) string {
	return obj.ObjectTitle()
}

func (a *stubAdapter) Content(obj Sendable, sub *subscribers.Subscriber) (string, error) {
	if a.contentErr != nil {
		return "", a.contentErr
	}
	return fmt.Sprintf("%s for %s", obj.ObjectTitle(), sub.Email), nil
}

func (a *stubAdapter) ContentHTML(obj Sendable, sub *subscribers.Subscriber) (string, error) {
	return a.htmlBody, nil
}

func (a *stubAdapter) FromEmail(obj Sendable, sub *subscribers.Subscriber) string {
	return a.from
}

func (a *stubAdapter) ReplyToEmail(obj Sendable, sub *subscribers.Subscriber) string {
	return a.replyTo
}

func (a *stubAdapter) Headers(obj Sendable, sub *subscribers.Subscriber) map[string]string {
	return map[string]string{}
}

// mapResolver resolves test items out of a fixed map. A missing key resolves
// to nil without error.
func mapResolver(items map[string]*testItem) Resolver {
	return func(ctx context.Context, key string) (Sendable, error) {
		item, ok := items[key]
		if !ok {
			return nil, nil
		}
		return item, nil
	}
}

func testBinding(tag string, intKeys bool, items map[string]*testItem) *Binding {
	return &Binding{
		TypeTag: tag,
		IntKeys: intKeys,
		Resolve: mapResolver(items),
		Adapter: &stubAdapter{from: "news@example.com"},
	}
}

func TestNewRegistrySlugUniqueness(t *testing.T) {
	reg, err := NewRegistry("slug-unique", nil)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	defer reg.Release()

	if _, err := NewRegistry("slug-unique", nil); err == nil {
		t.Error("NewRegistry() with a taken slug should fail")
	}

	if _, err := NewRegistry("", nil); err == nil {
		t.Error("NewRegistry() with an empty slug should fail")
	}
}

func TestRegistryReleaseFreesSlug(t *testing.T) {
	reg, err := NewRegistry("slug-release", nil)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	reg.Release()

	reg2, err := NewRegistry("slug-release", nil)
	if err != nil {
		t.Errorf("NewRegistry() after Release() error: %v", err)
	}
	if reg2 != nil {
		reg2.Release()
	}
}

func TestRegistryRegister(t *testing.T) {
	reg, err := NewRegistry("slug-register", nil)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	defer reg.Release()

	items := map[string]*testItem{}
	if err := reg.Register(testBinding("articles.article", false, items)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if !reg.IsRegistered("articles.article") {
		t.Error("IsRegistered() = false after Register()")
	}

	// Duplicate registration is a caller bug.
	err = reg.Register(testBinding("articles.article", false, items))
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Errorf("duplicate Register() error = %v, want *RegistrationError", err)
	}
}

func TestRegistryRegisterRejectsIncomplete(t *testing.T) {
	reg, err := NewRegistry("slug-incomplete", nil)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	defer reg.Release()

	tests := []struct {
		name    string
		binding *Binding
	}{
		{"empty type tag", &Binding{Resolve: mapResolver(nil), Adapter: &stubAdapter{}}},
		{"nil resolver", &Binding{TypeTag: "a.b", Adapter: &stubAdapter{}}},
		{"nil adapter", &Binding{TypeTag: "a.b", Resolve: mapResolver(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.Register(tt.binding); err == nil {
				t.Error("Register() should reject an incomplete binding")
			}
		})
	}
}

func TestRegistryUnregister(t *testing.T) {
	reg, err := NewRegistry("slug-unregister", nil)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	defer reg.Release()

	if err := reg.Register(testBinding("articles.article", false, nil)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := reg.Unregister("articles.article"); err != nil {
		t.Errorf("Unregister() error: %v", err)
	}
	if reg.IsRegistered("articles.article") {
		t.Error("IsRegistered() = true after Unregister()")
	}
	if err := reg.Unregister("articles.article"); err == nil {
		t.Error("Unregister() of an unknown tag should fail")
	}
}

func TestRegistryRegisteredTypesSorted(t *testing.T) {
	reg, err := NewRegistry("slug-sorted", nil)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	defer reg.Release()

	for _, tag := range []string{"zeta.item", "alpha.item", "mid.item"} {
		if err := reg.Register(testBinding(tag, false, nil)); err != nil {
			t.Fatalf("Register(%q) error: %v", tag, err)
		}
	}

	want := []string{"alpha.item", "mid.item", "zeta.item"}
	if got := reg.RegisteredTypes(); !reflect.DeepEqual(got, want) {
		t.Errorf("RegisteredTypes() = %v, want %v", got, want)
	}
}

func TestBindingObjectRef(t *testing.T) {
	intBinding := testBinding("issues.issue", true, nil)
	strBinding := testBinding("pages.page", false, nil)

	ref, err := intBinding.objectRef(&testItem{Key: "17"})
	if err != nil {
		t.Fatalf("objectRef() error: %v", err)
	}
	if ref.Key != "17" || ref.IntKey == nil || *ref.IntKey != 17 {
		t.Errorf("objectRef() = %+v, want Key=17 with IntKey set", ref)
	}

	if _, err := intBinding.objectRef(&testItem{Key: "not-a-number"}); err == nil {
		t.Error("objectRef() should reject a non-integer key for an integer-keyed type")
	}

	ref, err = strBinding.objectRef(&testItem{Key: "about-us"})
	if err != nil {
		t.Fatalf("objectRef() error: %v", err)
	}
	if ref.Key != "about-us" || ref.IntKey != nil {
		t.Errorf("objectRef() = %+v, want string key without IntKey", ref)
	}
}

func TestRegistryDispatchEmail(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	reg, err := NewRegistry("slug-dispatch", NewStore(db))
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	defer reg.Release()

	item := &testItem{Key: "5", Title: "Issue five"}
	if err := reg.Register(testBinding("issues.issue", true, map[string]*testItem{"5": item})); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	mock.ExpectQuery("INSERT INTO dispatched_emails").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(99))

	rec, err := reg.DispatchEmail(context.Background(), "issues.issue", item, 7)
	if err != nil {
		t.Fatalf("DispatchEmail() error: %v", err)
	}
	if rec.ID != 99 {
		t.Errorf("record ID = %d, want 99", rec.ID)
	}
	if rec.Status != StatusPending {
		t.Errorf("record status = %v, want %v", rec.Status, StatusPending)
	}
	if rec.Object.TypeTag != "issues.issue" || rec.Object.Key != "5" {
		t.Errorf("record object = %+v, want issues.issue#5", rec.Object)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}

	// Dispatching an unregistered type is a caller bug.
	if _, err := reg.DispatchEmail(context.Background(), "nope.nope", item, 7); err == nil {
		t.Error("DispatchEmail() with an unregistered type should fail")
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusPending, "Pending"},
		{StatusSent, "Sent"},
		{StatusCancelled, "Cancelled"},
		{StatusUnsubscribed, "Unsubscribed"},
		{StatusError, "Error"},
		{Status(9), "Status(9)"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", int(tt.status), got, tt.want)
		}
	}
}
