package newsletters

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mmcdole/gofeed"

	"github.com/ignite/dispatch-engine/internal/dispatch"
	"github.com/ignite/dispatch-engine/internal/subscribers"
	"github.com/ignite/dispatch-engine/internal/templates"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

var issueColumns = []string{
	"id", "subject", "body", "body_html", "source_url", "date_created", "date_modified",
}

func TestIssueSendable(t *testing.T) {
	issue := &Issue{ID: 17, Subject: "March edition"}
	if issue.ObjectKey() != "17" {
		t.Errorf("ObjectKey() = %q, want 17", issue.ObjectKey())
	}
	if issue.ObjectTitle() != "March edition" {
		t.Errorf("ObjectTitle() = %q, want March edition", issue.ObjectTitle())
	}
}

func TestStoreResolve(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewStore(db)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM newsletter_issues WHERE id").
		WithArgs(int64(17)).
		WillReturnRows(sqlmock.NewRows(issueColumns).
			AddRow(17, "March edition", "body", "", "", now, now))

	obj, err := store.Resolve(context.Background(), "17")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if obj == nil || obj.ObjectTitle() != "March edition" {
		t.Errorf("Resolve() = %v, want the March edition issue", obj)
	}
}

func TestStoreResolveMissing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewStore(db)

	mock.ExpectQuery("SELECT (.+) FROM newsletter_issues WHERE id").
		WillReturnRows(sqlmock.NewRows(issueColumns))

	obj, err := store.Resolve(context.Background(), "404")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if obj != nil {
		t.Errorf("Resolve() = %v, want nil for a deleted issue", obj)
	}

	// Non-integer keys resolve to nil without touching the database.
	obj, err = store.Resolve(context.Background(), "not-a-number")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if obj != nil {
		t.Errorf("Resolve() = %v, want nil for a malformed key", obj)
	}
}

func TestIssueAdapterRendersStoredBody(t *testing.T) {
	engine := templates.NewEngine()
	base := dispatch.NewAdapter(engine, nil, dispatch.AdapterOptions{TypeTag: TypeTag})
	adapter := &issueAdapter{BaseAdapter: base, engine: engine}

	issue := &Issue{
		ID:       17,
		Subject:  "March edition",
		Body:     "Hi {{ first_name | default: \"reader\" }}, welcome to {{ subject }}.",
		BodyHTML: "<p>Hi {{ first_name | default: \"reader\" }}</p>",
	}
	sub := &subscribers.Subscriber{ID: 7, Email: "ada@example.com", FirstName: "Ada"}

	text, err := adapter.Content(issue, sub)
	if err != nil {
		t.Fatalf("Content() error: %v", err)
	}
	if text != "Hi Ada, welcome to March edition." {
		t.Errorf("Content() = %q", text)
	}

	html, err := adapter.ContentHTML(issue, sub)
	if err != nil {
		t.Fatalf("ContentHTML() error: %v", err)
	}
	if html != "<p>Hi Ada</p>" {
		t.Errorf("ContentHTML() = %q", html)
	}

	// Text-only issues produce no HTML alternative.
	textOnly := &Issue{ID: 18, Subject: "Plain", Body: "plain body"}
	html, err = adapter.ContentHTML(textOnly, sub)
	if err != nil {
		t.Fatalf("ContentHTML() error: %v", err)
	}
	if html != "" {
		t.Errorf("ContentHTML() = %q, want empty for a text-only issue", html)
	}
}

func TestRegister(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	reg, err := dispatch.NewRegistry("newsletters-register", dispatch.NewStore(db))
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	defer reg.Release()

	store := NewStore(db)
	engine := templates.NewEngine()
	links := &dispatch.LinkBuilder{BaseURL: "http://news.example.com", Secret: "secret"}

	if err := Register(reg, store, engine, links, "news@example.com"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if !reg.IsRegistered(TypeTag) {
		t.Errorf("IsRegistered(%q) = false after Register()", TypeTag)
	}

	binding, err := reg.Binding(TypeTag)
	if err != nil {
		t.Fatalf("Binding() error: %v", err)
	}
	if !binding.IntKeys {
		t.Error("newsletter issues should use integer keys")
	}

	issue := &Issue{ID: 17, Subject: "March edition"}
	sub := &subscribers.Subscriber{ID: 7, Email: "ada@example.com"}
	if got := binding.Adapter.FromEmail(issue, sub); got != "news@example.com" {
		t.Errorf("FromEmail() = %q, want news@example.com", got)
	}
	headers := binding.Adapter.Headers(issue, sub)
	if headers["List-Unsubscribe"] == "" {
		t.Error("issue email should carry a List-Unsubscribe header")
	}
}

func TestItemText(t *testing.T) {
	item := &gofeed.Item{
		Description: "<p>A <b>short</b> summary.</p>",
		Link:        "http://example.com/post",
	}
	want := "A short summary.\n\nRead more: http://example.com/post"
	if got := itemText(item); got != want {
		t.Errorf("itemText() = %q, want %q", got, want)
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "no markup", "no markup"},
		{"simple tags", "<p>hello <em>world</em></p>", "hello world"},
		{"empty", "", ""},
		{"only tags", "<br/><hr/>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripHTML(tt.in); got != tt.want {
				t.Errorf("stripHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
