// Package dispatch implements the email dispatch engine: an adapter registry
// binding sendable object types to email rendering, a persisted dispatch
// record per (object, subscriber) send obligation, a batch sender that drains
// pending records over a single transport connection, and the secure-hash
// guard that authorizes unsubscribe/view links without login.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/dispatch-engine/internal/subscribers"
)

// Status is the persisted delivery state of a dispatch record.
// PENDING is the only non-terminal state; the engine never reverts a
// terminal record.
type Status int

const (
	StatusPending      Status = 0
	StatusSent         Status = 1
	StatusCancelled    Status = 2
	StatusUnsubscribed Status = 3
	StatusError        Status = 4
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusSent:
		return "Sent"
	case StatusCancelled:
		return "Cancelled"
	case StatusUnsubscribed:
		return "Unsubscribed"
	case StatusError:
		return "Error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ObjectRef identifies a sendable object: a registered type tag plus the
// object's key. The key is always carried as a string; IntKey is populated
// as well when the type uses integer keys, so the store can use indexed
// integer equality.
type ObjectRef struct {
	TypeTag string
	Key     string
	IntKey  *int64
}

func (r ObjectRef) String() string {
	return r.TypeTag + "#" + r.Key
}

// DispatchedEmail is one obligation to send one rendering of one sendable
// object to one subscriber.
type DispatchedEmail struct {
	ID            int64
	ManagerSlug   string
	Object        ObjectRef
	SubscriberID  int64
	Subscriber    *subscribers.Subscriber
	Status        Status
	StatusMessage string
	DateCreated   time.Time
	DateModified  time.Time
}

// Sendable is any application record registered to be emailable.
type Sendable interface {
	// ObjectKey returns the record's primary key rendered as a string.
	ObjectKey() string
	// ObjectTitle returns the record's display title, used as the
	// default email subject.
	ObjectTitle() string
}

// Resolver looks up a sendable object of one registered type by key.
// Implementations return nil (with no error) when the object no longer
// exists; the batch sender cancels the corresponding record.
type Resolver func(ctx context.Context, key string) (Sendable, error)

// Binding is the runtime association between a registered type tag and the
// behavior needed to dispatch and render its objects.
type Binding struct {
	TypeTag string
	IntKeys bool
	Resolve Resolver
	Adapter Adapter
}

// RegistrationError reports a misuse of the adapter registry: registering a
// type tag twice, or operating on one that was never registered. Always a
// caller bug, never retried.
type RegistrationError struct {
	TypeTag string
	Reason  string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("dispatch: type %q %s", e.TypeTag, e.Reason)
}

// ErrNotFound is returned by the guard for every validation failure, so a
// caller probing unsubscribe URLs cannot tell which part of the tuple was
// wrong.
var ErrNotFound = errors.New("dispatch: not found")
