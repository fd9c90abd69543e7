package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"collabtext/collabd/internal/adapters/memory"
	"collabtext/collabd/internal/changelog"
	"collabtext/collabd/internal/coord"
	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ports"
	"collabtext/collabd/internal/session"
)

// recordingSessions remembers the server side of every joined connection so
// tests can break them.
type recordingSessions struct {
	*session.Manager
	mu    sync.Mutex
	conns map[string][]session.Conn
}

func (r *recordingSessions) Join(ctx context.Context, documentID string, conn session.Conn) (domain.JoinResult, error) {
	res, err := r.Manager.Join(ctx, documentID, conn)
	if err == nil {
		r.mu.Lock()
		r.conns[conn.PrincipalID()] = append(r.conns[conn.PrincipalID()], conn)
		r.mu.Unlock()
	}
	return res, err
}

func (r *recordingSessions) drop(principalID string, code int) {
	r.mu.Lock()
	conns := r.conns[principalID]
	delete(r.conns, principalID)
	r.mu.Unlock()
	for _, c := range conns {
		c.Close(code, "dropped by test")
	}
}

type harness struct {
	t        *testing.T
	server   *httptest.Server
	sessions *recordingSessions
	acl      *memory.ACL
	store    *memory.Store
	writer   *changelog.Writer
	readyMu  sync.Mutex
	ready    error
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithACL(t, memory.AllowAll())
}

func newHarnessWithACL(t *testing.T, acl *memory.ACL) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{t: t, acl: acl, store: memory.NewStore()}
	h.writer = changelog.NewWriter(h.store, h.store, ports.SystemClock{}, changelog.DefaultOptions())
	go h.writer.Run(ctx)

	cc := coord.NewLocal("i1", 15*time.Second)
	m := session.NewManager(session.Deps{
		Authorizer:  acl,
		Documents:   h.store,
		Changes:     h.store,
		ChangeLog:   h.writer,
		Identity:    memory.NewDirectory(map[string]string{"alice": "Alice"}),
		Coordinator: cc,
	}, session.DefaultOptions())
	require.NoError(t, cc.Start(ctx, m))
	h.sessions = &recordingSessions{Manager: m, conns: make(map[string][]session.Conn)}

	hub := NewHub()
	go hub.Run(ctx)
	srv := NewServer(h.sessions, hub, NewAuthenticator(""), nil, h.readiness, DefaultOptions())
	h.server = httptest.NewServer(srv.Routes())
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) readiness() error {
	h.readyMu.Lock()
	defer h.readyMu.Unlock()
	return h.ready
}

func (h *harness) setReady(err error) {
	h.readyMu.Lock()
	h.ready = err
	h.readyMu.Unlock()
}

func (h *harness) url(doc string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/" + doc
}

func (h *harness) dial(doc, principal string) *websocket.Conn {
	h.t.Helper()
	header := http.Header{}
	header.Set("X-Principal-Id", principal)
	conn, _, err := websocket.DefaultDialer.Dial(h.url(doc), header)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) editor(doc, principal string) *Editor {
	opts := DefaultEditorOptions()
	opts.URL = h.url(doc)
	opts.PrincipalID = principal
	opts.InitialBackoff = 10 * time.Millisecond
	opts.MaxBackoff = 50 * time.Millisecond
	return NewEditor(opts)
}

func (h *harness) run(e *Editor) <-chan error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
	return done
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any, meta Metadata) {
	t.Helper()
	env, err := NewEnvelope(typ, payload, meta)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env Envelope
		err := conn.ReadJSON(&env)
		require.NoError(t, err)
		if env.Type == typ {
			return env
		}
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}
