// Package transport defines the outbound mail collaborator used by the
// batch sender, with SMTP, SES and in-memory implementations. A Transport
// opens one Conn per batch; per-message handshake cost is paid once.
package transport

import "context"

// Message is one rendered email ready for delivery.
type Message struct {
	To       string
	ToName   string
	From     string
	ReplyTo  string
	Subject  string
	Body     string
	HTMLBody string
	Headers  map[string]string
}

// Result describes a completed delivery attempt.
type Result struct {
	MessageID string
}

// Conn is an open delivery channel. Send may be called many times; Close
// must be called exactly once when the batch finishes.
type Conn interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
	Close() error
}

// Transport opens delivery connections.
type Transport interface {
	Open(ctx context.Context) (Conn, error)
}
