package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ports"
)

const (
	ownerPrefix    = "collab:owner:"
	instancePrefix = "collab:instance:"
	sessionPrefix  = "collab:session:"
	inboxPrefix    = "collab:inbox:"
)

func ownerKey(documentID string) string      { return ownerPrefix + documentID }
func instanceKey(instanceID string) string   { return instancePrefix + instanceID }
func sessionChannel(sessionID string) string { return sessionPrefix + sessionID }
func inboxChannel(instanceID string) string  { return inboxPrefix + instanceID }

var (
	// refreshScript extends a lease only while it still names the caller.
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

type ownerRecord struct {
	Instance  string `json:"instance"`
	SessionID string `json:"sessionId"`
}

func encodeOwner(instance, sessionID string) string {
	b, _ := json.Marshal(ownerRecord{Instance: instance, SessionID: sessionID})
	return string(b)
}

// Redis coordinates instances through a shared Redis: ownership leases are
// keys with a TTL, session events and forwarded requests travel over pub/sub.
type Redis struct {
	id     string
	client *redis.Client
	ttl    time.Duration
	pubsub *redis.PubSub

	handler ports.CoordinationHandler
	events  chan domain.Event

	mu      sync.Mutex
	pending map[string]chan domain.ForwardResponse

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ports.Coordinator = (*Redis)(nil)

func NewRedis(client *redis.Client, instanceID string, ttl time.Duration) *Redis {
	return &Redis{
		id:      instanceID,
		client:  client,
		ttl:     ttl,
		pubsub:  client.Subscribe(context.Background()),
		events:  make(chan domain.Event, 1024),
		pending: make(map[string]chan domain.ForwardResponse),
	}
}

func (c *Redis) InstanceID() string {
	return c.id
}

func (c *Redis) Acquire(ctx context.Context, documentID, sessionID string) (ports.Ownership, error) {
	key := ownerKey(documentID)
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := c.client.SetNX(ctx, key, encodeOwner(c.id, sessionID), c.ttl).Result()
		if err != nil {
			return ports.Ownership{}, err
		}
		if ok {
			return ports.Ownership{Instance: c.id, SessionID: sessionID, Acquired: true}, nil
		}

		raw, err := c.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return ports.Ownership{}, err
		}
		var cur ownerRecord
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return ports.Ownership{}, fmt.Errorf("owner of %s: %w", documentID, err)
		}
		if cur.Instance == c.id {
			return ports.Ownership{Instance: cur.Instance, SessionID: cur.SessionID}, nil
		}
		alive, err := c.Alive(ctx, cur.Instance)
		if err != nil {
			return ports.Ownership{}, err
		}
		if alive {
			return ports.Ownership{Instance: cur.Instance, SessionID: cur.SessionID}, nil
		}
		glog.Infof("[coord]owner %s of %s is gone, taking over\n", cur.Instance, documentID)
		if err := releaseScript.Run(ctx, c.client, []string{key}, raw).Err(); err != nil {
			return ports.Ownership{}, err
		}
	}
	return ports.Ownership{}, fmt.Errorf("ownership of %s is contended", documentID)
}

func (c *Redis) Refresh(ctx context.Context, documentID, sessionID string) error {
	n, err := refreshScript.Run(ctx, c.client, []string{ownerKey(documentID)},
		encodeOwner(c.id, sessionID), c.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotOwner
	}
	return nil
}

func (c *Redis) Release(ctx context.Context, documentID, sessionID string) error {
	return releaseScript.Run(ctx, c.client, []string{ownerKey(documentID)}, encodeOwner(c.id, sessionID)).Err()
}

func (c *Redis) Alive(ctx context.Context, instanceID string) (bool, error) {
	n, err := c.client.Exists(ctx, instanceKey(instanceID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Redis) Publish(ctx context.Context, ev domain.Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, sessionChannel(ev.Meta().SessionID), data).Err()
}

func (c *Redis) Subscribe(ctx context.Context, sessionID string) error {
	return c.pubsub.Subscribe(ctx, sessionChannel(sessionID))
}

func (c *Redis) Unsubscribe(ctx context.Context, sessionID string) error {
	return c.pubsub.Unsubscribe(ctx, sessionChannel(sessionID))
}

func (c *Redis) Forward(ctx context.Context, instanceID string, req domain.ForwardRequest) (domain.ForwardResponse, error) {
	req.ID = uuid.NewString()
	req.ReplyTo = c.id
	data, err := json.Marshal(inboxMessage{Request: &req})
	if err != nil {
		return domain.ForwardResponse{}, err
	}

	ch := make(chan domain.ForwardResponse, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	n, err := c.client.Publish(ctx, inboxChannel(instanceID), data).Result()
	if err != nil {
		return domain.ForwardResponse{}, err
	}
	if n == 0 {
		return domain.ForwardResponse{}, fmt.Errorf("forward to %s: %w", instanceID, ErrUnreachable)
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return domain.ForwardResponse{}, ctx.Err()
	}
}

// Start subscribes to this instance's inbox, begins advertising liveness and
// delivers incoming traffic to h until Close.
func (c *Redis) Start(ctx context.Context, h ports.CoordinationHandler) error {
	c.handler = h
	if err := c.client.Set(ctx, instanceKey(c.id), c.id, c.ttl).Err(); err != nil {
		return err
	}
	if err := c.pubsub.Subscribe(ctx, inboxChannel(c.id)); err != nil {
		return err
	}
	ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.heartbeat(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.receive(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.dispatchEvents(ctx)
	}()
	glog.Infof("[coord]%s started\n", c.id)
	return nil
}

func (c *Redis) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(max(c.ttl/3, 100*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.client.Set(ctx, instanceKey(c.id), c.id, c.ttl).Err(); err != nil && ctx.Err() == nil {
				glog.Warningf("[coord]%s heartbeat = %s\n", c.id, err)
			}
		}
	}
}

func (c *Redis) receive(ctx context.Context) {
	msgs := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *Redis) handleMessage(ctx context.Context, msg *redis.Message) {
	switch {
	case strings.HasPrefix(msg.Channel, sessionPrefix):
		ev, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			glog.Warningf("[coord]bad event on %s = %s\n", msg.Channel, err)
			return
		}
		// Events are handed off in order; handling one may forward to an
		// owner and wait for a reply that arrives through this loop.
		select {
		case c.events <- ev:
		case <-ctx.Done():
		}
	case strings.HasPrefix(msg.Channel, inboxPrefix):
		var in inboxMessage
		if err := json.Unmarshal([]byte(msg.Payload), &in); err != nil {
			glog.Warningf("[coord]bad inbox message = %s\n", err)
			return
		}
		if in.Response != nil {
			c.mu.Lock()
			ch, ok := c.pending[in.Response.ID]
			c.mu.Unlock()
			if ok {
				ch <- *in.Response
			}
		}
		if in.Request != nil {
			go c.answer(ctx, *in.Request)
		}
	}
}

func (c *Redis) dispatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handler.HandleEvent(ctx, ev)
		}
	}
}

func (c *Redis) answer(ctx context.Context, req domain.ForwardRequest) {
	resp := c.handler.HandleForward(ctx, req)
	resp.ID = req.ID
	data, err := json.Marshal(inboxMessage{Response: &resp})
	if err != nil {
		glog.Errorf("[coord]encode response %s = %s\n", req.ID, err)
		return
	}
	if err := c.client.Publish(ctx, inboxChannel(req.ReplyTo), data).Err(); err != nil {
		glog.Warningf("[coord]reply to %s = %s\n", req.ReplyTo, err)
	}
}

func (c *Redis) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.pubsub.Close()
	c.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if derr := c.client.Del(ctx, instanceKey(c.id)).Err(); derr != nil && err == nil {
		err = derr
	}
	return err
}
