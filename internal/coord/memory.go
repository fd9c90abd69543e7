package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ports"
)

var ErrUnreachable = errors.New("instance unreachable")

type lease struct {
	instance  string
	sessionID string
	expires   time.Time
}

// Bus connects in-process coordinators. It stands in for a shared
// coordination service when every instance runs in the same process.
type Bus struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   ports.Clock
	owners  map[string]lease
	members map[string]*Memory
	subs    map[string]map[string]bool
}

func NewBus(ttl time.Duration, clock ports.Clock) *Bus {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Bus{
		ttl:     ttl,
		clock:   clock,
		owners:  make(map[string]lease),
		members: make(map[string]*Memory),
		subs:    make(map[string]map[string]bool),
	}
}

// Join attaches a new instance to the bus.
func (b *Bus) Join(instanceID string) *Memory {
	c := &Memory{id: instanceID, bus: b}
	b.mu.Lock()
	b.members[instanceID] = c
	b.mu.Unlock()
	return c
}

// NewLocal returns a coordinator for a deployment with a single instance.
func NewLocal(instanceID string, ttl time.Duration) *Memory {
	return NewBus(ttl, nil).Join(instanceID)
}

func (b *Bus) handler(instanceID string) (ports.CoordinationHandler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.members[instanceID]
	if !ok || c.handler == nil {
		return nil, false
	}
	return c.handler, true
}

// Memory is one instance's view of a Bus.
type Memory struct {
	id      string
	bus     *Bus
	handler ports.CoordinationHandler
}

var _ ports.Coordinator = (*Memory)(nil)

func (c *Memory) InstanceID() string {
	return c.id
}

func (c *Memory) Acquire(ctx context.Context, documentID, sessionID string) (ports.Ownership, error) {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if cur, ok := b.owners[documentID]; ok && now.Before(cur.expires) {
		if _, live := b.members[cur.instance]; live {
			return ports.Ownership{Instance: cur.instance, SessionID: cur.sessionID}, nil
		}
	}
	b.owners[documentID] = lease{instance: c.id, sessionID: sessionID, expires: now.Add(b.ttl)}
	return ports.Ownership{Instance: c.id, SessionID: sessionID, Acquired: true}, nil
}

func (c *Memory) Refresh(ctx context.Context, documentID, sessionID string) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.owners[documentID]
	if !ok || cur.instance != c.id || cur.sessionID != sessionID {
		return domain.ErrNotOwner
	}
	cur.expires = b.clock.Now().Add(b.ttl)
	b.owners[documentID] = cur
	return nil
}

func (c *Memory) Release(ctx context.Context, documentID, sessionID string) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.owners[documentID]; ok && cur.instance == c.id && cur.sessionID == sessionID {
		delete(b.owners, documentID)
	}
	return nil
}

func (c *Memory) Alive(ctx context.Context, instanceID string) (bool, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	_, ok := c.bus.members[instanceID]
	return ok, nil
}

func (c *Memory) Publish(ctx context.Context, ev domain.Event) error {
	// Events cross the bus encoded, as they would between processes.
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	b := c.bus
	b.mu.Lock()
	var targets []ports.CoordinationHandler
	for instance := range b.subs[ev.Meta().SessionID] {
		if m, ok := b.members[instance]; ok && instance != c.id && m.handler != nil {
			targets = append(targets, m.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		decoded, err := DecodeEvent(data)
		if err != nil {
			return err
		}
		h.HandleEvent(ctx, decoded)
	}
	return nil
}

func (c *Memory) Subscribe(ctx context.Context, sessionID string) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[sessionID]
	if !ok {
		s = make(map[string]bool)
		b.subs[sessionID] = s
	}
	s[c.id] = true
	return nil
}

func (c *Memory) Unsubscribe(ctx context.Context, sessionID string) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[sessionID], c.id)
	if len(b.subs[sessionID]) == 0 {
		delete(b.subs, sessionID)
	}
	return nil
}

func (c *Memory) Forward(ctx context.Context, instanceID string, req domain.ForwardRequest) (domain.ForwardResponse, error) {
	h, ok := c.bus.handler(instanceID)
	if !ok {
		return domain.ForwardResponse{}, fmt.Errorf("forward to %s: %w", instanceID, ErrUnreachable)
	}
	req.ID = uuid.NewString()
	req.ReplyTo = c.id
	if err := ctx.Err(); err != nil {
		return domain.ForwardResponse{}, err
	}
	resp := h.HandleForward(ctx, req)
	glog.V(2).Infof("[coord]%s -> %s %s = %v\n", c.id, instanceID, req.Kind, resp.Error)
	return resp, nil
}

func (c *Memory) Start(ctx context.Context, h ports.CoordinationHandler) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.handler = h
	return nil
}

// Close detaches the instance from the bus as if its process died. Leases it
// holds stay recorded but no longer block other instances.
func (c *Memory) Close() error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, c.id)
	for _, s := range b.subs {
		delete(s, c.id)
	}
	return nil
}
