// Package newsletters provides the built-in sendable type: a newsletter
// issue whose stored body is itself a Liquid template, so per-subscriber
// personalization and unsubscribe links work inside authored content.
package newsletters

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/ignite/dispatch-engine/internal/dispatch"
	"github.com/ignite/dispatch-engine/internal/subscribers"
	"github.com/ignite/dispatch-engine/internal/templates"
)

// TypeTag is the registry tag for newsletter issues.
const TypeTag = "newsletters.issue"

// Issue is one edition of a newsletter.
type Issue struct {
	ID           int64     `json:"id"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
	BodyHTML     string    `json:"body_html,omitempty"`
	SourceURL    string    `json:"source_url,omitempty"`
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"`
}

// ObjectKey returns the issue's primary key as a string.
func (i *Issue) ObjectKey() string { return strconv.FormatInt(i.ID, 10) }

// ObjectTitle returns the issue subject.
func (i *Issue) ObjectTitle() string { return i.Subject }

// Store provides database operations for newsletter issues.
type Store struct {
	db *sql.DB
}

// NewStore creates a newsletter issue store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new issue.
func (s *Store) Create(ctx context.Context, issue *Issue) error {
	now := time.Now()
	issue.DateCreated = now
	issue.DateModified = now
	query := `INSERT INTO newsletter_issues (subject, body, body_html, source_url, date_created, date_modified)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	err := s.db.QueryRowContext(ctx, query, issue.Subject, issue.Body, issue.BodyHTML,
		issue.SourceURL, issue.DateCreated, issue.DateModified).Scan(&issue.ID)
	if err != nil {
		return fmt.Errorf("insert newsletter issue: %w", err)
	}
	return nil
}

// Get retrieves an issue by id. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id int64) (*Issue, error) {
	query := `SELECT id, subject, body, body_html, source_url, date_created, date_modified
		FROM newsletter_issues WHERE id = $1`
	issue := &Issue{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&issue.ID, &issue.Subject, &issue.Body,
		&issue.BodyHTML, &issue.SourceURL, &issue.DateCreated, &issue.DateModified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return issue, nil
}

// HasSourceURL reports whether an issue imported from the given feed entry
// already exists.
func (s *Store) HasSourceURL(ctx context.Context, sourceURL string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM newsletter_issues WHERE source_url = $1)`
	if err := s.db.QueryRowContext(ctx, query, sourceURL).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Resolve looks up an issue by its string key for the dispatch engine.
// A missing or non-integer key resolves to nil, which the batch sender
// treats as a cancelled record.
func (s *Store) Resolve(ctx context.Context, key string) (dispatch.Sendable, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, nil
	}
	issue, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, nil
	}
	return issue, nil
}

// issueAdapter renders an issue's own stored body as the email template.
// Everything else (subject, headers, from address, link params) comes from
// the embedded base adapter.
type issueAdapter struct {
	*dispatch.BaseAdapter
	engine *templates.Engine
}

func (a *issueAdapter) Content(obj dispatch.Sendable, sub *subscribers.Subscriber) (string, error) {
	issue := obj.(*Issue)
	return a.engine.Render(issue.Body, a.TemplateParams(obj, sub))
}

func (a *issueAdapter) ContentHTML(obj dispatch.Sendable, sub *subscribers.Subscriber) (string, error) {
	issue := obj.(*Issue)
	if issue.BodyHTML == "" {
		return "", nil
	}
	return a.engine.Render(issue.BodyHTML, a.TemplateParams(obj, sub))
}

// Register binds the newsletter issue type to the given registry.
func Register(reg *dispatch.Registry, store *Store, engine *templates.Engine, links *dispatch.LinkBuilder, from string) error {
	base := dispatch.NewAdapter(engine, links, dispatch.AdapterOptions{
		TypeTag:   TypeTag,
		FromEmail: from,
	})
	return reg.Register(&dispatch.Binding{
		TypeTag: TypeTag,
		IntKeys: true,
		Resolve: store.Resolve,
		Adapter: &issueAdapter{BaseAdapter: base, engine: engine},
	})
}
