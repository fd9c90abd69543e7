package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabtext/collabd/internal/adapters/memory"
	"collabtext/collabd/internal/coord"
	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ot"
	"collabtext/collabd/internal/ports"
	"collabtext/collabd/internal/testutil"
)

// writeThroughLog persists synchronously so tests can observe the store.
type writeThroughLog struct {
	mu          sync.Mutex
	store       *memory.Store
	reject      bool
	checkpoints []domain.Snapshot
}

func (l *writeThroughLog) Append(rec domain.ChangeRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reject {
		return false
	}
	return l.store.AppendChanges(context.Background(), []domain.ChangeRecord{rec}) == nil
}

func (l *writeThroughLog) Checkpoint(snap domain.Snapshot) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reject {
		return false
	}
	l.checkpoints = append(l.checkpoints, snap)
	return l.store.SaveSnapshot(context.Background(), snap) == nil
}

func (l *writeThroughLog) PendingFor(string) int { return 0 }

func (l *writeThroughLog) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.reject
}

func (l *writeThroughLog) setReject(reject bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reject = reject
}

func (l *writeThroughLog) lastCheckpoint() (domain.Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.checkpoints) == 0 {
		return domain.Snapshot{}, false
	}
	return l.checkpoints[len(l.checkpoints)-1], true
}

// flakyCoordinator fails Publish while failing is set and runs afterForward
// between a forward's reply and its return.
type flakyCoordinator struct {
	*coord.Memory
	failing      atomic.Bool
	attempts     atomic.Int64
	afterForward func(domain.ForwardRequest)
}

func (f *flakyCoordinator) Forward(ctx context.Context, instanceID string, req domain.ForwardRequest) (domain.ForwardResponse, error) {
	resp, err := f.Memory.Forward(ctx, instanceID, req)
	if f.afterForward != nil {
		f.afterForward(req)
	}
	return resp, err
}

func (f *flakyCoordinator) Publish(ctx context.Context, ev domain.Event) error {
	f.attempts.Add(1)
	if f.failing.Load() {
		return errors.New("connection reset")
	}
	return f.Memory.Publish(ctx, ev)
}

type cluster struct {
	t     *testing.T
	clock *testutil.Clock
	store *memory.Store
	log   *writeThroughLog
	acl   *memory.ACL
	names *memory.Directory
	bus   *coord.Bus
	opts  Options
	coord map[string]*coord.Memory

	// changeLog replaces log in managers created afterwards.
	changeLog ports.ChangeLog
}

func newCluster(t *testing.T) *cluster {
	clock := testutil.NewClock()
	store := memory.NewStore()
	opts := DefaultOptions()
	return &cluster{
		t:     t,
		clock: clock,
		store: store,
		log:   &writeThroughLog{store: store},
		acl:   memory.AllowAll(),
		names: memory.NewDirectory(map[string]string{"alice": "Alice", "bob": "Bob"}),
		bus:   coord.NewBus(opts.LeaseTTL, clock),
		opts:  opts,
		coord: make(map[string]*coord.Memory),
	}
}

func (c *cluster) manager(instance string) *Manager {
	return c.managerWith(instance, nil)
}

// managerWith lets wrap stand between the manager and its coordinator.
func (c *cluster) managerWith(instance string, wrap func(*coord.Memory) ports.Coordinator) *Manager {
	cc := c.bus.Join(instance)
	c.coord[instance] = cc
	var co ports.Coordinator = cc
	if wrap != nil {
		co = wrap(cc)
	}
	var changeLog ports.ChangeLog = c.log
	if c.changeLog != nil {
		changeLog = c.changeLog
	}
	m := NewManager(Deps{
		Authorizer:  c.acl,
		Documents:   c.store,
		Changes:     c.store,
		ChangeLog:   changeLog,
		Identity:    c.names,
		Coordinator: co,
		Clock:       c.clock,
	}, c.opts)
	require.NoError(c.t, co.Start(context.Background(), m))
	return m
}

func join(t *testing.T, m *Manager, doc string, conn *testutil.Conn) domain.JoinResult {
	t.Helper()
	res, err := m.Join(context.Background(), doc, conn)
	require.NoError(t, err)
	return res
}

func submit(t *testing.T, m *Manager, sessionID string, conn *testutil.Conn, base int64, id string, ops ...ot.Operation) domain.Ack {
	t.Helper()
	ack, err := m.Submit(context.Background(), sessionID, conn, domain.Batch{BaseVersion: base, ClientOperationID: id, Operations: ops})
	require.NoError(t, err)
	return ack
}

func eventsOf[T domain.Event](c *testutil.Conn) []T {
	var out []T
	for _, ev := range c.Events() {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

// replica applies the change stream a connection received on top of its join
// snapshot, as a client would.
func replica(t *testing.T, c *testutil.Conn) (string, int64) {
	t.Helper()
	var text string
	var version int64
	for _, ev := range c.Events() {
		switch e := ev.(type) {
		case domain.SessionJoined:
			text, version = e.Result.Text, e.Result.Version
		case domain.ChangeApplied:
			if e.Record.Version <= version {
				continue
			}
			require.Equal(t, version+1, e.Record.Version, "gap in change stream")
			var err error
			text, err = ot.ApplyAll(text, e.Record.Operations)
			require.NoError(t, err)
			version = e.Record.Version
		}
	}
	return text, version
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
