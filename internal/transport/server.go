package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ports"
	"collabtext/collabd/internal/session"
)

// Sessions is the part of the session manager the transport drives.
type Sessions interface {
	Join(ctx context.Context, documentID string, conn session.Conn) (domain.JoinResult, error)
	Submit(ctx context.Context, sessionID string, conn session.Conn, batch domain.Batch) (domain.Ack, error)
	Leave(ctx context.Context, sessionID string, conn session.Conn) error
	Resync(ctx context.Context, sessionID string, conn session.Conn, fromVersion int64) (domain.SyncResult, error)
	MoveCursor(ctx context.Context, sessionID string, conn session.Conn, position int) error
	Heartbeat(sessionID string, conn session.Conn)
}

type Options struct {
	WriteWait time.Duration
	// PongWait is how long a connection may stay silent before it is
	// dropped. PingPeriod must be shorter.
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultOptions() Options {
	return Options{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     30 * time.Second,
		MaxMessageSize: 1 << 20,
		SendBuffer:     256,
	}
}

type Server struct {
	sessions Sessions
	hub      *Hub
	auth     *Authenticator
	clock    ports.Clock
	opts     Options
	upgrader websocket.Upgrader
	// ready reports whether the instance should receive traffic.
	ready func() error
}

func NewServer(sessions Sessions, hub *Hub, auth *Authenticator, clock ports.Clock, ready func() error, opts Options) *Server {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if ready == nil {
		ready = func() error { return nil }
	}
	return &Server{
		sessions: sessions,
		hub:      hub,
		auth:     auth,
		clock:    clock,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ready: ready,
	}
}

func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{documentId}", s.serveWs).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.serveReady).Methods(http.MethodGet)
	return r
}

func (s *Server) serveReady(w http.ResponseWriter, r *http.Request) {
	if err := s.ready(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready\n"))
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	principalID, err := s.auth.Principal(r)
	if err != nil {
		glog.V(1).Infof("[ws]reject %s = %s\n", r.RemoteAddr, err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[ws]upgrade %s = %s\n", r.RemoteAddr, err)
		return
	}
	client := newClient(uuid.NewString(), principalID, documentID, conn, s.clock, s.opts.SendBuffer)
	if !s.hub.Register(client) {
		client.Close(session.CloseGoingAway, "server shutting down")
		client.writePump(s.opts)
		return
	}
	glog.V(1).Infof("[ws]%s connected principal=%s document=%s\n", client.id, principalID, documentID)

	go client.writePump(s.opts)
	ctx := r.Context()
	client.readPump(ctx, s.opts, s.handle, func() {
		if client.sessionID != "" {
			s.sessions.Heartbeat(client.sessionID, client)
		}
	})

	client.Close(websocket.CloseNormalClosure, "")
	if client.sessionID != "" {
		if err := s.sessions.Leave(context.WithoutCancel(ctx), client.sessionID, client); err != nil {
			glog.V(1).Infof("[ws]%s leave = %s\n", client.id, err)
		}
	}
	s.hub.Unregister(client)
	glog.V(1).Infof("[ws]%s disconnected\n", client.id)
}

var errNotJoined = domain.NewError(domain.KindProtocolViolation, domain.ErrNotJoined, "send session.join first")

func (s *Server) handle(ctx context.Context, c *Client, env Envelope) {
	if env.Type != TypeJoin && env.Type != TypeHeartbeat && c.sessionID == "" {
		c.sendError(errNotJoined)
		return
	}
	switch env.Type {
	case TypeJoin:
		s.join(ctx, c)

	case TypeChange:
		var batch domain.Batch
		if err := env.Decode(&batch); err != nil {
			c.sendError(domain.NewError(domain.KindProtocolViolation, err, "malformed change"))
			return
		}
		if batch.ClientOperationID == "" {
			batch.ClientOperationID = env.Metadata.ClientOperationID
		}
		if _, err := s.sessions.Submit(ctx, c.sessionID, c, batch); err != nil {
			c.sendError(err)
		}

	case TypeCursor:
		var p CursorPayload
		if err := env.Decode(&p); err != nil {
			c.sendError(domain.NewError(domain.KindProtocolViolation, err, "malformed cursor"))
			return
		}
		if err := s.sessions.MoveCursor(ctx, c.sessionID, c, p.Position); err != nil {
			c.sendError(err)
		}

	case TypeSyncRequest:
		var p SyncRequestPayload
		if err := env.Decode(&p); err != nil {
			c.sendError(domain.NewError(domain.KindProtocolViolation, err, "malformed sync request"))
			return
		}
		if _, err := s.sessions.Resync(ctx, c.sessionID, c, p.FromVersion); err != nil {
			c.sendError(err)
		}

	case TypeHeartbeat:
		if c.sessionID != "" {
			s.sessions.Heartbeat(c.sessionID, c)
		}

	default:
		c.sendError(domain.NewError(domain.KindProtocolViolation, ErrUnknownType, "%q", env.Type))
	}
}

func (s *Server) join(ctx context.Context, c *Client) {
	if c.sessionID != "" {
		c.sendError(domain.NewError(domain.KindProtocolViolation, nil, "already joined %s", c.sessionID))
		return
	}
	res, err := s.sessions.Join(ctx, c.documentID, c)
	if err != nil {
		c.sendError(err)
		if domain.IsKind(err, domain.KindAuthorizationFailure) {
			c.Close(session.CloseUnauthorized, "not authorized")
		}
		return
	}
	c.sessionID = res.SessionID
}
