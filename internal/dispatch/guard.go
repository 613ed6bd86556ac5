package dispatch

import (
	"context"
	"crypto/hmac"

	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/subscribers"
)

// Guard validates the (type tag, object, subscriber, hash) tuple carried by
// unsubscribe and view links. Every check failure collapses into the same
// ErrNotFound so a probing caller learns nothing about which link in the
// chain was wrong.
type Guard struct {
	reg    *Registry
	subs   *subscribers.Store
	secret string
}

// NewGuard creates a guard for the given registry. subs resolves subscriber
// ids; secret is the process-wide hash key.
func NewGuard(reg *Registry, subs *subscribers.Store, secret string) *Guard {
	return &Guard{reg: reg, subs: subs, secret: secret}
}

// Authorized is the resolved tuple handed to an action after validation.
type Authorized struct {
	Binding    *Binding
	Object     Sendable
	Subscriber *subscribers.Subscriber
}

// Authorize validates an untrusted tuple. On success it returns the resolved
// object and subscriber; on any failure it returns ErrNotFound. A tuple only
// authorizes once a dispatch record for the pair has actually been processed
// by a batch run, so links cannot be probed before the send happens.
func (g *Guard) Authorize(ctx context.Context, typeTag, objectKey string, subscriberID int64, secureHash string) (*Authorized, error) {
	b, err := g.reg.Binding(typeTag)
	if err != nil {
		logger.Debug("guard: unknown type tag", "type_tag", typeTag)
		return nil, ErrNotFound
	}

	obj, err := b.Resolve(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		logger.Debug("guard: object not found", "type_tag", typeTag, "object_key", objectKey)
		return nil, ErrNotFound
	}

	sub, err := g.subs.Get(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		logger.Debug("guard: subscriber not found", "subscriber_id", subscriberID)
		return nil, ErrNotFound
	}

	ref, err := b.objectRef(obj)
	if err != nil {
		return nil, ErrNotFound
	}
	processed, err := g.reg.Store().HasProcessedDispatch(ctx, ref, sub.ID)
	if err != nil {
		return nil, err
	}
	if !processed {
		logger.Debug("guard: no processed dispatch record", "object", ref.String(), "subscriber_id", sub.ID)
		return nil, ErrNotFound
	}

	expected := SecureHash(g.secret, obj.ObjectKey(), sub)
	if !hmac.Equal([]byte(expected), []byte(secureHash)) {
		logger.Debug("guard: hash mismatch", "object", ref.String(), "subscriber_id", sub.ID)
		return nil, ErrNotFound
	}

	return &Authorized{Binding: b, Object: obj, Subscriber: sub}, nil
}
