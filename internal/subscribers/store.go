package subscribers

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Store provides database operations for subscribers and mailing lists.
type Store struct {
	db *sql.DB
}

// NewStore creates a new subscriber store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]{1,64}@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail checks whether the given string looks like a deliverable
// email address.
func ValidateEmail(email string) bool {
	if email == "" || strings.Count(email, "@") != 1 {
		return false
	}
	return emailRegex.MatchString(email)
}

// Subscribe signs up the given email address. The operation is an idempotent
// upsert keyed on email: an existing subscriber is re-subscribed and its
// stored names are only overwritten by non-blank values.
func (s *Store) Subscribe(ctx context.Context, email, firstName, lastName string) (*Subscriber, error) {
	email = strings.TrimSpace(email)
	if !ValidateEmail(email) {
		return nil, fmt.Errorf("invalid email address %q", email)
	}

	sub, err := s.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		now := time.Now()
		sub = &Subscriber{
			Email:        email,
			FirstName:    firstName,
			LastName:     lastName,
			IsSubscribed: true,
			DateCreated:  now,
			DateModified: now,
		}
		query := `INSERT INTO subscribers (email, first_name, last_name, is_subscribed, date_created, date_modified)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
		err = s.db.QueryRowContext(ctx, query, sub.Email, sub.FirstName, sub.LastName,
			sub.IsSubscribed, sub.DateCreated, sub.DateModified).Scan(&sub.ID)
		if err != nil {
			return nil, fmt.Errorf("insert subscriber: %w", err)
		}
		return sub, nil
	}

	// Blank incoming names never clobber stored ones.
	if firstName != "" {
		sub.FirstName = firstName
	}
	if lastName != "" {
		sub.LastName = lastName
	}
	sub.IsSubscribed = true
	sub.DateModified = time.Now()

	query := `UPDATE subscribers SET first_name = $1, last_name = $2, is_subscribed = $3, date_modified = $4 WHERE id = $5`
	_, err = s.db.ExecContext(ctx, query, sub.FirstName, sub.LastName, sub.IsSubscribed, sub.DateModified, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("update subscriber: %w", err)
	}
	return sub, nil
}

// Get retrieves a subscriber by id. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id int64) (*Subscriber, error) {
	query := `SELECT id, email, first_name, last_name, is_subscribed, date_created, date_modified
		FROM subscribers WHERE id = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// GetByEmail retrieves a subscriber by email. Returns nil if not found.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Subscriber, error) {
	query := `SELECT id, email, first_name, last_name, is_subscribed, date_created, date_modified
		FROM subscribers WHERE email = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, email))
}

func (s *Store) scanOne(row *sql.Row) (*Subscriber, error) {
	sub := &Subscriber{}
	err := row.Scan(&sub.ID, &sub.Email, &sub.FirstName, &sub.LastName,
		&sub.IsSubscribed, &sub.DateCreated, &sub.DateModified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe flips the subscription flag off for the given subscriber.
// The row itself is never deleted.
func (s *Store) Unsubscribe(ctx context.Context, id int64) error {
	query := `UPDATE subscribers SET is_subscribed = FALSE, date_modified = $1 WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, time.Now(), id)
	return err
}

// CreateList creates a new mailing list.
func (s *Store) CreateList(ctx context.Context, name string) (*MailingList, error) {
	now := time.Now()
	list := &MailingList{Name: name, DateCreated: now, DateModified: now}
	query := `INSERT INTO mailing_lists (name, date_created, date_modified) VALUES ($1, $2, $3) RETURNING id`
	if err := s.db.QueryRowContext(ctx, query, list.Name, list.DateCreated, list.DateModified).Scan(&list.ID); err != nil {
		return nil, fmt.Errorf("insert mailing list: %w", err)
	}
	return list, nil
}

// GetLists retrieves all mailing lists with their subscribed-member counts,
// ordered by name.
func (s *Store) GetLists(ctx context.Context) ([]*MailingList, error) {
	query := `SELECT ml.id, ml.name, ml.date_created, ml.date_modified,
		(SELECT COUNT(*) FROM subscriber_mailing_lists sml
			JOIN subscribers sub ON sub.id = sml.subscriber_id
			WHERE sml.mailing_list_id = ml.id AND sub.is_subscribed) AS subscriber_count
		FROM mailing_lists ml ORDER BY ml.name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []*MailingList
	for rows.Next() {
		list := &MailingList{}
		if err := rows.Scan(&list.ID, &list.Name, &list.DateCreated, &list.DateModified, &list.SubscriberCount); err != nil {
			return nil, err
		}
		lists = append(lists, list)
	}
	return lists, rows.Err()
}

// AddToList adds a subscriber to a mailing list. Adding twice is a no-op.
func (s *Store) AddToList(ctx context.Context, subscriberID, listID int64) error {
	query := `INSERT INTO subscriber_mailing_lists (subscriber_id, mailing_list_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, subscriberID, listID)
	return err
}

// RemoveFromList removes a subscriber from a mailing list.
func (s *Store) RemoveFromList(ctx context.Context, subscriberID, listID int64) error {
	query := `DELETE FROM subscriber_mailing_lists WHERE subscriber_id = $1 AND mailing_list_id = $2`
	_, err := s.db.ExecContext(ctx, query, subscriberID, listID)
	return err
}
