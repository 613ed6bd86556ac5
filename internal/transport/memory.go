package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryTransport records outgoing messages instead of delivering them.
// Used in tests and as a dry-run transport; the Outbox plays the role of a
// captured mail spool.
type MemoryTransport struct {
	mu     sync.Mutex
	outbox []*Message

	// FailFor makes Send fail for the listed recipient addresses.
	FailFor map[string]error

	opened int
	closed int
}

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{FailFor: map[string]error{}}
}

// Open returns a Conn that appends to the outbox.
func (t *MemoryTransport) Open(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	t.opened++
	t.mu.Unlock()
	return &memoryConn{transport: t}, nil
}

// Outbox returns a copy of the recorded messages in send order.
func (t *MemoryTransport) Outbox() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Message, len(t.outbox))
	copy(out, t.outbox)
	return out
}

// OpenCount returns how many connections have been opened.
func (t *MemoryTransport) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

// CloseCount returns how many connections have been closed.
func (t *MemoryTransport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type memoryConn struct {
	transport *MemoryTransport
}

func (c *memoryConn) Send(ctx context.Context, msg *Message) (*Result, error) {
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	if err, ok := c.transport.FailFor[msg.To]; ok {
		return nil, fmt.Errorf("memory send to %s: %w", msg.To, err)
	}
	c.transport.outbox = append(c.transport.outbox, msg)
	return &Result{MessageID: uuid.NewString()}, nil
}

func (c *memoryConn) Close() error {
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	c.transport.closed++
	return nil
}
