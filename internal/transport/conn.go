package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ports"
	"collabtext/collabd/internal/session"
)

// Client is one WebSocket connection to a document. Reads happen on the
// goroutine serving the upgrade request; writes happen on writePump, fed by
// the buffered send channel.
type Client struct {
	id          string
	principalID string
	documentID  string
	conn        *websocket.Conn
	clock       ports.Clock

	send chan []byte

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string

	// sessionID is only touched by the read goroutine.
	sessionID string
}

var _ session.Conn = (*Client)(nil)

func newClient(id, principalID, documentID string, conn *websocket.Conn, clock ports.Clock, buffer int) *Client {
	return &Client{
		id:          id,
		principalID: principalID,
		documentID:  documentID,
		conn:        conn,
		clock:       clock,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) PrincipalID() string {
	return c.principalID
}

// Deliver queues ev for writing. A closed client swallows events.
func (c *Client) Deliver(ev domain.Event) bool {
	env, err := eventEnvelope(ev, c.clock.Now())
	if err != nil {
		glog.Errorf("[ws]%s encode event = %s\n", c.id, err)
		return true
	}
	return c.enqueue(env)
}

// Close ends the connection with a close frame carrying code. Only the first
// call has an effect.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) enqueue(env Envelope) bool {
	if c.closed() {
		return true
	}
	b, err := json.Marshal(env)
	if err != nil {
		glog.Errorf("[ws]%s encode %s = %s\n", c.id, env.Type, err)
		return true
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(err error) {
	e := domain.AsError(err)
	meta := Metadata{Timestamp: c.clock.Now(), SessionID: c.sessionID}
	env, encErr := NewEnvelope(TypeError, errorPayload(e), meta)
	if encErr != nil {
		glog.Errorf("[ws]%s encode error = %s\n", c.id, encErr)
		return
	}
	if !c.enqueue(env) {
		c.Close(session.CloseSlowConsumer, "connection cannot keep up")
	}
}

// readPump decodes frames and hands them to handle until the connection
// fails. onPong runs on every pong.
func (c *Client) readPump(ctx context.Context, opts Options, handle func(context.Context, *Client, Envelope), onPong func()) {
	c.conn.SetReadLimit(opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		onPong()
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.V(1).Infof("[ws]%s read = %s\n", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.sendError(domain.NewError(domain.KindProtocolViolation, err, "malformed envelope"))
			continue
		}
		handle(ctx, c, env)
	}
}

func (c *Client) writePump(opts Options) {
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			if err := c.write(opts, websocket.TextMessage, message); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(opts, websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush(opts)
			c.write(opts, websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return
		}
	}
}

// flush writes what is already queued so that an error explaining a close
// reaches the peer before the close frame.
func (c *Client) flush(opts Options) {
	for {
		select {
		case message := <-c.send:
			if err := c.write(opts, websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(opts Options, messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}
