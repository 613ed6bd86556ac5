package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/dispatch-engine/internal/subscribers"
)

// Store provides database operations for dispatch records. The engine only
// ever inserts records and advances their status; records are never deleted
// and terminal statuses are never reverted (RequeueErrors being the one
// operator-facing exception).
type Store struct {
	db *sql.DB
}

// NewStore creates a new dispatch record store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const dispatchColumns = `de.id, de.manager_slug, de.type_tag, de.object_id, de.object_id_int,
	de.subscriber_id, de.status, de.status_message, de.date_created, de.date_modified`

// CreateDispatch persists a new PENDING dispatch record.
func (s *Store) CreateDispatch(ctx context.Context, slug string, ref ObjectRef, subscriberID int64) (*DispatchedEmail, error) {
	now := time.Now()
	rec := &DispatchedEmail{
		ManagerSlug:  slug,
		Object:       ref,
		SubscriberID: subscriberID,
		Status:       StatusPending,
		DateCreated:  now,
		DateModified: now,
	}

	var intKey sql.NullInt64
	if ref.IntKey != nil {
		intKey = sql.NullInt64{Int64: *ref.IntKey, Valid: true}
	}

	query := `INSERT INTO dispatched_emails
		(manager_slug, type_tag, object_id, object_id_int, subscriber_id, status, status_message, date_created, date_modified)
		VALUES ($1, $2, $3, $4, $5, $6, '', $7, $8) RETURNING id`
	err := s.db.QueryRowContext(ctx, query, slug, ref.TypeTag, ref.Key, intKey,
		subscriberID, StatusPending, now, now).Scan(&rec.ID)
	if err != nil {
		return nil, fmt.Errorf("insert dispatch record: %w", err)
	}
	return rec, nil
}

// PendingBatch selects PENDING records for the given registry slug in
// insertion order, joined with their subscribers. limit <= 0 means no limit.
func (s *Store) PendingBatch(ctx context.Context, slug string, limit int) ([]*DispatchedEmail, error) {
	query := `SELECT ` + dispatchColumns + `,
		sub.id, sub.email, sub.first_name, sub.last_name, sub.is_subscribed, sub.date_created, sub.date_modified
		FROM dispatched_emails de
		JOIN subscribers sub ON sub.id = de.subscriber_id
		WHERE de.manager_slug = $1 AND de.status = $2
		ORDER BY de.id`
	args := []interface{}{slug, StatusPending}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select pending batch: %w", err)
	}
	defer rows.Close()

	var batch []*DispatchedEmail
	for rows.Next() {
		rec, err := scanDispatchWithSubscriber(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, rec)
	}
	return batch, rows.Err()
}

func scanDispatchWithSubscriber(rows *sql.Rows) (*DispatchedEmail, error) {
	rec := &DispatchedEmail{Subscriber: &subscribers.Subscriber{}}
	var intKey sql.NullInt64
	err := rows.Scan(
		&rec.ID, &rec.ManagerSlug, &rec.Object.TypeTag, &rec.Object.Key, &intKey,
		&rec.SubscriberID, &rec.Status, &rec.StatusMessage, &rec.DateCreated, &rec.DateModified,
		&rec.Subscriber.ID, &rec.Subscriber.Email, &rec.Subscriber.FirstName, &rec.Subscriber.LastName,
		&rec.Subscriber.IsSubscribed, &rec.Subscriber.DateCreated, &rec.Subscriber.DateModified,
	)
	if err != nil {
		return nil, err
	}
	if intKey.Valid {
		rec.Object.IntKey = &intKey.Int64
	}
	return rec, nil
}

// MarkProcessed advances a PENDING record to a terminal status. The WHERE
// clause guards monotonicity: a record another run already finalized is left
// untouched, and false is returned.
func (s *Store) MarkProcessed(ctx context.Context, id int64, status Status, message string) (bool, error) {
	if status == StatusPending {
		return false, fmt.Errorf("dispatch: cannot mark record %d back to pending", id)
	}
	query := `UPDATE dispatched_emails SET status = $1, status_message = $2, date_modified = $3
		WHERE id = $4 AND status = $5`
	res, err := s.db.ExecContext(ctx, query, status, message, time.Now(), id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("update dispatch status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountSentSince counts records for the given slug that reached SENT at or
// after the given time. Used for the rolling daily send quota.
func (s *Store) CountSentSince(ctx context.Context, slug string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM dispatched_emails
		WHERE manager_slug = $1 AND status = $2 AND date_modified >= $3`
	var count int
	err := s.db.QueryRowContext(ctx, query, slug, StatusSent, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return count, nil
}

// HasProcessedDispatch reports whether at least one dispatch record exists
// for the given object and subscriber whose status is no longer PENDING,
// i.e. the email was actually run through a batch. Object equality uses the
// indexed integer key when the type carries one.
func (s *Store) HasProcessedDispatch(ctx context.Context, ref ObjectRef, subscriberID int64) (bool, error) {
	var query string
	var objectArg interface{}
	if ref.IntKey != nil {
		query = `SELECT EXISTS (SELECT 1 FROM dispatched_emails
			WHERE type_tag = $1 AND object_id_int = $2 AND subscriber_id = $3 AND status <> $4)`
		objectArg = *ref.IntKey
	} else {
		query = `SELECT EXISTS (SELECT 1 FROM dispatched_emails
			WHERE type_tag = $1 AND object_id = $2 AND subscriber_id = $3 AND status <> $4)`
		objectArg = ref.Key
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, query, ref.TypeTag, objectArg, subscriberID, StatusPending).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed dispatch: %w", err)
	}
	return exists, nil
}

// DispatchToAudience inserts a PENDING record for every subscribed
// subscriber on the given mailing list (every subscribed subscriber when
// listID is 0), excluding subscribers who already have a dispatch record for
// this object. Returns the number of records created.
func (s *Store) DispatchToAudience(ctx context.Context, slug string, ref ObjectRef, listID int64) (int64, error) {
	var intKey sql.NullInt64
	objectMatch := `prior.object_id = $3`
	if ref.IntKey != nil {
		intKey = sql.NullInt64{Int64: *ref.IntKey, Valid: true}
		objectMatch = `prior.object_id_int = $4`
	}

	query := `INSERT INTO dispatched_emails
		(manager_slug, type_tag, object_id, object_id_int, subscriber_id, status, status_message, date_created, date_modified)
		SELECT $1, $2, $3, $4, sub.id, $5, '', NOW(), NOW()
		FROM subscribers sub
		WHERE sub.is_subscribed
		AND ($6 = 0 OR EXISTS (SELECT 1 FROM subscriber_mailing_lists sml
			WHERE sml.subscriber_id = sub.id AND sml.mailing_list_id = $6))
		AND NOT EXISTS (SELECT 1 FROM dispatched_emails prior
			WHERE prior.type_tag = $2 AND ` + objectMatch + ` AND prior.subscriber_id = sub.id)
		ORDER BY sub.id`

	res, err := s.db.ExecContext(ctx, query, slug, ref.TypeTag, ref.Key, intKey, StatusPending, listID)
	if err != nil {
		return 0, fmt.Errorf("dispatch to audience: %w", err)
	}
	return res.RowsAffected()
}

// RequeueErrors flips ERROR records back to PENDING for the given slug.
// This is an operator tool; the engine itself never retries.
func (s *Store) RequeueErrors(ctx context.Context, slug string) (int64, error) {
	query := `UPDATE dispatched_emails SET status = $1, status_message = '', date_modified = $2
		WHERE manager_slug = $3 AND status = $4`
	res, err := s.db.ExecContext(ctx, query, StatusPending, time.Now(), slug, StatusError)
	if err != nil {
		return 0, fmt.Errorf("requeue errors: %w", err)
	}
	return res.RowsAffected()
}
