package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/dispatch-engine/internal/pkg/batchlock"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/subscribers"
	"github.com/ignite/dispatch-engine/internal/transport"
)

// Sender drains pending dispatch records in batches. One batch run opens one
// transport connection, processes its records strictly in insertion order,
// and persists each record's terminal status before moving to the next, so a
// crash mid-batch loses at most the in-flight send and the remainder stays
// PENDING for the next run.
type Sender struct {
	reg       *Registry
	transport transport.Transport
	lock      batchlock.Lock
}

// NewSender creates a batch sender for the given registry and transport.
func NewSender(reg *Registry, tr transport.Transport) *Sender {
	return &Sender{reg: reg, transport: tr}
}

// SetLock installs an optional claim lock taken for the duration of each
// batch run. Without it, overlapping runs against the same registry can
// select the same pending records and double-send.
func (s *Sender) SetLock(lock batchlock.Lock) {
	s.lock = lock
}

// SendBatch processes up to limit pending records (limit <= 0 means all).
// Returns the processed records with their final statuses, in processing
// order. Per-record send failures are recorded as ERROR and do not abort
// the batch.
func (s *Sender) SendBatch(ctx context.Context, limit int) ([]*DispatchedEmail, error) {
	if s.lock != nil {
		acquired, err := s.lock.TryAcquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire batch lock: %w", err)
		}
		if !acquired {
			logger.Info("batch already running, skipping", "manager_slug", s.reg.Slug())
			return nil, nil
		}
		defer s.lock.Release(ctx)
	}
	return s.sendBatch(ctx, limit)
}

// SendBatchWithQuota behaves like SendBatch but first charges the rolling
// daily quota: records already SENT today count against dailyLimit, and a
// spent quota skips the batch entirely (nothing queried, no connection
// opened). dailyLimit <= 0 disables the quota.
func (s *Sender) SendBatchWithQuota(ctx context.Context, limit, dailyLimit int) ([]*DispatchedEmail, error) {
	if dailyLimit > 0 {
		now := time.Now()
		startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		sentToday, err := s.reg.Store().CountSentSince(ctx, s.reg.Slug(), startOfDay)
		if err != nil {
			return nil, err
		}
		remaining := dailyLimit - sentToday
		if remaining <= 0 {
			logger.Info("daily send quota spent, skipping batch",
				"manager_slug", s.reg.Slug(), "sent_today", sentToday, "daily_limit", dailyLimit)
			return nil, nil
		}
		if limit <= 0 || limit > remaining {
			limit = remaining
		}
	}
	return s.SendBatch(ctx, limit)
}

func (s *Sender) sendBatch(ctx context.Context, limit int) ([]*DispatchedEmail, error) {
	store := s.reg.Store()
	batch, err := store.PendingBatch(ctx, s.reg.Slug(), limit)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		// Nothing to do; keep the transport connection closed.
		return nil, nil
	}

	conn, err := s.transport.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}
	defer conn.Close()

	processed := make([]*DispatchedEmail, 0, len(batch))
	for _, rec := range batch {
		status, message, err := s.processRecord(ctx, conn, rec)
		if err != nil {
			return processed, err
		}

		ok, err := store.MarkProcessed(ctx, rec.ID, status, message)
		if err != nil {
			return processed, err
		}
		if !ok {
			// Another run finalized this record first; ours stands as a
			// duplicate attempt, theirs as the durable result.
			logger.Warn("dispatch record finalized concurrently", "record_id", rec.ID)
		}
		rec.Status = status
		rec.StatusMessage = message
		rec.DateModified = time.Now()
		processed = append(processed, rec)
	}
	return processed, nil
}

// processRecord decides the terminal status for one record, sending over the
// shared connection when the record qualifies. Registry and store failures
// propagate; transport and render failures are folded into StatusError.
func (s *Sender) processRecord(ctx context.Context, conn transport.Conn, rec *DispatchedEmail) (Status, string, error) {
	if !rec.Subscriber.IsSubscribed {
		return StatusUnsubscribed, "", nil
	}

	b, err := s.reg.Binding(rec.Object.TypeTag)
	if err != nil {
		return 0, "", err
	}
	obj, err := b.Resolve(ctx, rec.Object.Key)
	if err != nil {
		return 0, "", fmt.Errorf("resolve %s: %w", rec.Object, err)
	}
	if obj == nil {
		// The underlying object was deleted after dispatch. Expected
		// lifecycle outcome, not a fault.
		return StatusCancelled, "", nil
	}

	msg, err := RenderEmail(b.Adapter, obj, rec.Subscriber)
	if err != nil {
		return StatusError, err.Error(), nil
	}
	if _, err := conn.Send(ctx, msg); err != nil {
		logger.Warn("send failed", "record_id", rec.ID, "email", rec.Subscriber.Email, "error", err)
		return StatusError, err.Error(), nil
	}

	logger.Debug("sent", "record_id", rec.ID, "object", rec.Object.String(), "email", rec.Subscriber.Email)
	return StatusSent, "", nil
}

// RenderEmail renders the given object for the given subscriber into a
// transport message using the adapter.
func RenderEmail(a Adapter, obj Sendable, sub *subscribers.Subscriber) (*transport.Message, error) {
	body, err := a.Content(obj, sub)
	if err != nil {
		return nil, fmt.Errorf("render text content: %w", err)
	}
	htmlBody, err := a.ContentHTML(obj, sub)
	if err != nil {
		return nil, fmt.Errorf("render html content: %w", err)
	}
	return &transport.Message{
		To:       sub.Email,
		ToName:   sub.FullName(),
		From:     a.FromEmail(obj, sub),
		ReplyTo:  a.ReplyToEmail(obj, sub),
		Subject:  a.Subject(obj, sub),
		Body:     body,
		HTMLBody: htmlBody,
		Headers:  a.Headers(obj, sub),
	}, nil
}

// SendTest renders the given object for an ad-hoc email address and delivers
// it immediately over a one-off connection, bypassing the dispatch queue.
// Intended for previewing content before an audience send.
func (s *Sender) SendTest(ctx context.Context, typeTag, objectKey, email string) error {
	b, err := s.reg.Binding(typeTag)
	if err != nil {
		return err
	}
	obj, err := b.Resolve(ctx, objectKey)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("dispatch: object %s#%s not found", typeTag, objectKey)
	}

	msg, err := RenderEmail(b.Adapter, obj, &subscribers.Subscriber{Email: email, IsSubscribed: true})
	if err != nil {
		return err
	}

	conn, err := s.transport.Open(ctx)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer conn.Close()
	_, err = conn.Send(ctx, msg)
	return err
}
