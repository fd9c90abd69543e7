package testutil

import (
	"fmt"
	"sync"

	"collabtext/collabd/internal/domain"
)

// Conn records the events delivered to one connection.
type Conn struct {
	id          string
	principalID string

	mu     sync.Mutex
	events []domain.Event
	// Capacity bounds the number of undrained events; 0 is unbounded.
	Capacity    int
	closed      bool
	closeCode   int
	closeReason string
}

func NewConn(id, principalID string) *Conn {
	return &Conn{id: id, principalID: principalID}
}

func (c *Conn) ID() string          { return c.id }
func (c *Conn) PrincipalID() string { return c.principalID }

func (c *Conn) Deliver(ev domain.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if c.Capacity > 0 && len(c.events) >= c.Capacity {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
}

// Events returns everything delivered so far.
func (c *Conn) Events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

// Drain returns and forgets everything delivered so far.
func (c *Conn) Drain() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

// Closed reports whether the connection was closed and with which code.
func (c *Conn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// Changes returns the versions of the ChangeApplied events delivered so far.
func (c *Conn) Changes() []int64 {
	var out []int64
	for _, ev := range c.Events() {
		if e, ok := ev.(domain.ChangeApplied); ok {
			out = append(out, e.Record.Version)
		}
	}
	return out
}

// Kinds describes the delivered events by type, for readable assertions.
func (c *Conn) Kinds() []string {
	var out []string
	for _, ev := range c.Events() {
		out = append(out, fmt.Sprintf("%T", ev))
	}
	return out
}
