package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ot"
	"collabtext/collabd/internal/ports"
	"collabtext/collabd/internal/session"
)

// ConnState is the connection state of an Editor.
type ConnState int

const (
	Disconnected ConnState = iota
	Reconnecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

var (
	ErrUnauthorized = errors.New("not authorized for document")
	ErrNotReady     = errors.New("document not loaded yet")
)

// maxRejections bounds how often one batch is resent after the server
// rejected it.
const maxRejections = 3

type EditorOptions struct {
	// URL is the document endpoint, e.g. ws://host/ws/{documentId}.
	URL         string
	PrincipalID string
	// Token is sent as a bearer token. Without one the principal is sent in
	// X-Principal-Id.
	Token             string
	HeartbeatInterval time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	// Jitter is the randomization factor applied to reconnect delays.
	Jitter float64
	Clock  ports.Clock
	Dialer *websocket.Dialer
	// OnMessage sees every frame after the editor has processed it.
	OnMessage func(Envelope)
}

func DefaultEditorOptions() EditorOptions {
	return EditorOptions{
		HeartbeatInterval: 20 * time.Second,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		Jitter:            0.5,
	}
}

// ReconnectBackOff returns the delay policy between reconnect attempts. It
// never gives up on its own; the caller's context bounds it.
func ReconnectBackOff(opts EditorOptions) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff
	b.RandomizationFactor = opts.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if opts.Clock != nil {
		b.Clock = opts.Clock
	}
	b.Reset()
	return b
}

// Editor is a client replica of one document. It keeps at most one batch in
// flight, transforms remote changes against its unacknowledged edits and
// rejoins with a resync whenever the connection drops.
type Editor struct {
	opts EditorOptions

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnState
	attempt int

	sessionID string
	loaded    bool
	syncing   bool
	text      string
	version   int64

	inflight   *domain.Batch
	rejections int
	pending    []ot.Operation
	pendingID  string
}

func NewEditor(opts EditorOptions) *Editor {
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Editor{opts: opts}
}

func (e *Editor) State() (ConnState, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.attempt
}

// Loaded reports whether the editor holds the document text.
func (e *Editor) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Text returns the local text and the last server version it includes.
func (e *Editor) Text() (string, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text, e.version
}

// Unacknowledged reports whether local edits have not been confirmed yet.
func (e *Editor) Unacknowledged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight != nil || len(e.pending) > 0
}

// Edit applies ops locally and queues them for the server. Queued edits are
// coalesced into one batch.
func (e *Editor) Edit(ops ...ot.Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return ErrNotReady
	}
	text, err := ot.ApplyAll(e.text, ops)
	if err != nil {
		return err
	}
	pending, err := ot.Coalesce(append(e.pending, ops...))
	if err != nil {
		return err
	}
	e.text = text
	e.pending = pending
	if e.pendingID == "" {
		e.pendingID = uuid.NewString()
	}
	e.flushLocked()
	return nil
}

// MoveCursor announces the local cursor. It is dropped while disconnected.
func (e *Editor) MoveCursor(position int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Connected && e.sessionID != "" {
		e.sendLocked(TypeCursor, CursorPayload{Position: position}, Metadata{})
	}
}

// Run connects and keeps the editor connected until ctx ends or the server
// refuses the principal.
func (e *Editor) Run(ctx context.Context) error {
	b := ReconnectBackOff(e.opts)
	for {
		conn, err := e.dial(ctx)
		if errors.Is(err, ErrUnauthorized) {
			e.setState(Disconnected, 0)
			return err
		}
		if err == nil {
			b.Reset()
			err = e.serve(ctx, conn)
			if errors.Is(err, ErrUnauthorized) {
				e.setState(Disconnected, 0)
				return err
			}
		}
		if ctx.Err() != nil {
			e.setState(Disconnected, 0)
			return ctx.Err()
		}

		e.mu.Lock()
		e.attempt++
		attempt := e.attempt
		e.state = Reconnecting
		e.mu.Unlock()
		delay := b.NextBackOff()
		glog.V(1).Infof("[editor]reconnect attempt=%d in %s = %v\n", attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.setState(Disconnected, 0)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Editor) setState(state ConnState, attempt int) {
	e.mu.Lock()
	e.state = state
	e.attempt = attempt
	e.mu.Unlock()
}

func (e *Editor) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if e.opts.Token != "" {
		header.Set("Authorization", "Bearer "+e.opts.Token)
	} else {
		header.Set("X-Principal-Id", e.opts.PrincipalID)
	}
	conn, resp, err := e.opts.Dialer.DialContext(ctx, e.opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", e.opts.URL, err)
	}
	return conn, nil
}

func (e *Editor) serve(ctx context.Context, conn *websocket.Conn) error {
	e.mu.Lock()
	e.conn = conn
	e.state = Connected
	e.attempt = 0
	e.syncing = true
	e.sessionID = ""
	e.sendLocked(TypeJoin, nil, Metadata{})
	e.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	if e.opts.HeartbeatInterval > 0 {
		go e.heartbeat(conn, stop)
	}

	defer func() {
		e.mu.Lock()
		e.conn = nil
		e.sessionID = ""
		e.mu.Unlock()
		conn.Close()
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == session.CloseUnauthorized {
				return ErrUnauthorized
			}
			return err
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			glog.Warningf("[editor]malformed frame = %s\n", err)
			continue
		}
		if err := e.receive(env); err != nil {
			return err
		}
		if e.opts.OnMessage != nil {
			e.opts.OnMessage(env)
		}
	}
}

func (e *Editor) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.conn == conn {
				e.sendLocked(TypeHeartbeat, nil, Metadata{})
			}
			e.mu.Unlock()
		}
	}
}

func (e *Editor) receive(env Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch env.Type {
	case TypeJoined:
		var res domain.JoinResult
		if err := env.Decode(&res); err != nil {
			return err
		}
		e.joinedLocked(res)

	case TypeChange:
		var rec domain.ChangeRecord
		if err := env.Decode(&rec); err != nil {
			return err
		}
		if e.syncing || rec.Version <= e.version {
			return nil
		}
		if rec.Version != e.version+1 {
			glog.V(1).Infof("[editor]gap %d -> %d, resyncing\n", e.version, rec.Version)
			e.resyncLocked()
			return nil
		}
		return e.remoteLocked(rec)

	case TypeAck:
		var ack domain.Ack
		if err := env.Decode(&ack); err != nil {
			return err
		}
		if e.inflight == nil || ack.ClientOperationID != e.inflight.ClientOperationID {
			return nil
		}
		e.version = max(e.version, ack.Version)
		e.inflight = nil
		e.rejections = 0
		e.flushLocked()

	case TypeSyncResponse:
		var res domain.SyncResult
		if err := env.Decode(&res); err != nil {
			return err
		}
		return e.syncedLocked(res)

	case TypeError:
		var p ErrorPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		glog.V(1).Infof("[editor]server error %s: %s\n", p.Kind, p.Message)
		if p.ResyncFrom != nil && e.inflight != nil {
			e.rejections++
			if e.rejections > maxRejections {
				glog.Warningf("[editor]dropping batch %s after %d rejections\n", e.inflight.ClientOperationID, e.rejections)
				e.inflight = nil
				e.rejections = 0
				e.loaded = false
				return errors.New("local edits rejected, reloading")
			}
			e.resyncLocked()
		}
	}
	return nil
}

func (e *Editor) joinedLocked(res domain.JoinResult) {
	e.sessionID = res.SessionID
	if !e.loaded || res.Version < e.version {
		if e.loaded {
			glog.Warningf("[editor]server is behind (%d < %d), discarding local state\n", res.Version, e.version)
		}
		e.text = res.Text
		e.version = res.Version
		e.inflight = nil
		e.pending = nil
		e.pendingID = ""
		e.loaded = true
		e.syncing = false
		return
	}
	e.resyncLocked()
}

func (e *Editor) resyncLocked() {
	e.syncing = true
	e.sendLocked(TypeSyncRequest, SyncRequestPayload{FromVersion: e.version}, Metadata{})
}

func (e *Editor) syncedLocked(res domain.SyncResult) error {
	if res.Snapshot != nil {
		if e.inflight != nil || len(e.pending) > 0 {
			glog.Warningf("[editor]resync returned a snapshot, discarding unacknowledged edits\n")
		}
		e.text = res.Snapshot.Text
		e.version = res.Snapshot.Version
		e.inflight = nil
		e.pending = nil
		e.pendingID = ""
	}
	for _, rec := range res.Records {
		if rec.Version <= e.version {
			continue
		}
		if e.inflight != nil && rec.PrincipalID == e.opts.PrincipalID && rec.ClientOperationID == e.inflight.ClientOperationID {
			e.version = rec.Version
			e.inflight = nil
			e.rejections = 0
			continue
		}
		if err := e.remoteLocked(rec); err != nil {
			return err
		}
	}
	e.syncing = false
	if e.inflight != nil {
		e.inflight.BaseVersion = e.version
		e.sendLocked(TypeChange, e.inflight, Metadata{ClientOperationID: e.inflight.ClientOperationID})
		return nil
	}
	e.flushLocked()
	return nil
}

// remoteLocked applies a change made by someone else, transforming it past
// the local edits the server has not seen yet.
func (e *Editor) remoteLocked(rec domain.ChangeRecord) error {
	remote := rec.Operations
	author := rec.Author()
	if e.inflight != nil {
		mine := ot.Author{PrincipalID: e.opts.PrincipalID, ClientOperationID: e.inflight.ClientOperationID}
		e.inflight.Operations, remote = ot.Transform(e.inflight.Operations, remote, mine.Less(author))
	}
	if len(e.pending) > 0 {
		mine := ot.Author{PrincipalID: e.opts.PrincipalID, ClientOperationID: e.pendingID}
		e.pending, remote = ot.Transform(e.pending, remote, mine.Less(author))
	}
	text, err := ot.ApplyAll(e.text, remote)
	if err != nil {
		// The replica diverged; reload it from the server.
		e.loaded = false
		return fmt.Errorf("apply version %d: %w", rec.Version, err)
	}
	e.text = text
	e.version = rec.Version
	return nil
}

func (e *Editor) flushLocked() {
	if e.conn == nil || e.syncing || e.sessionID == "" || e.inflight != nil || len(e.pending) == 0 {
		return
	}
	e.inflight = &domain.Batch{BaseVersion: e.version, ClientOperationID: e.pendingID, Operations: e.pending}
	e.pending = nil
	e.pendingID = ""
	e.sendLocked(TypeChange, e.inflight, Metadata{ClientOperationID: e.inflight.ClientOperationID})
}

// sendLocked writes one frame. Write failures surface through the read loop.
func (e *Editor) sendLocked(typ string, payload any, meta Metadata) {
	if e.conn == nil {
		return
	}
	meta.Timestamp = e.opts.Clock.Now()
	meta.PrincipalID = e.opts.PrincipalID
	meta.SessionID = e.sessionID
	env, err := NewEnvelope(typ, payload, meta)
	if err != nil {
		glog.Errorf("[editor]%s\n", err)
		return
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.conn.WriteJSON(env); err != nil {
		glog.V(1).Infof("[editor]write %s = %s\n", typ, err)
		e.conn.Close()
	}
}
