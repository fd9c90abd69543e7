package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/collabd/internal/changelog"
	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ot"
	"collabtext/collabd/internal/testutil"
)

func TestHeartbeatTimeoutLeavesImplicitly(t *testing.T) {
	c := newCluster(t)
	m := c.manager("i1")
	alice := testutil.NewConn("c-alice", "alice")
	bob := testutil.NewConn("c-bob", "bob")
	res := join(t, m, "doc", alice)
	join(t, m, "doc", bob)

	c.clock.Advance(60 * time.Second)
	m.Heartbeat(res.SessionID, alice)
	c.clock.Advance(31 * time.Second)
	m.Sweep(context.Background())

	closed, code := bob.Closed()
	assert.True(t, closed)
	assert.Equal(t, CloseHeartbeatTimeout, code)
	closed, _ = alice.Closed()
	assert.False(t, closed)

	left := eventsOf[domain.ParticipantLeft](alice)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0].PrincipalID)
}

func TestIdleSessionIsReclaimedAndRehydrated(t *testing.T) {
	c := newCluster(t)
	m := c.manager("i1")
	alice := testutil.NewConn("c-alice", "alice")
	res := join(t, m, "doc", alice)
	submit(t, m, res.SessionID, alice, 0, "a1", ot.Insert(0, "kept"))
	require.NoError(t, m.Leave(context.Background(), res.SessionID, alice))

	// Within the grace period the same session is resumed.
	c.clock.Advance(c.opts.IdleGrace / 2)
	m.Sweep(context.Background())
	again := testutil.NewConn("c-alice-2", "alice")
	res2 := join(t, m, "doc", again)
	assert.Equal(t, res.SessionID, res2.SessionID)
	require.NoError(t, m.Leave(context.Background(), res.SessionID, again))

	c.clock.Advance(c.opts.IdleGrace + time.Second)
	m.Sweep(context.Background())
	_, ok := m.Session("doc")
	assert.False(t, ok)

	snap, ok := c.log.lastCheckpoint()
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, "kept", snap.Text)

	fresh := join(t, m, "doc", testutil.NewConn("c-alice-3", "alice"))
	assert.NotEqual(t, res.SessionID, fresh.SessionID)
	assert.Equal(t, int64(1), fresh.Version)
	assert.Equal(t, "kept", fresh.Text)
}

func TestReclaimWaitsForDurableChanges(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	opts := changelog.DefaultOptions()
	opts.MaxRetry = 0
	w := changelog.NewWriter(c.store, c.store, c.clock, opts)
	c.changeLog = w
	m := c.manager("i1")
	w.OnHealthChange(m.PersistenceChanged)

	alice := testutil.NewConn("c-alice", "alice")
	res := join(t, m, "doc", alice)
	c.store.SetFailure(errors.New("connection refused"))
	submit(t, m, res.SessionID, alice, 0, "a1", ot.Insert(0, "wor"))
	submit(t, m, res.SessionID, alice, 1, "a2", ot.Insert(3, "l"))
	submit(t, m, res.SessionID, alice, 2, "a3", ot.Insert(4, "d"))
	require.Error(t, w.Flush(ctx))
	require.NoError(t, m.Leave(ctx, res.SessionID, alice))

	c.clock.Advance(c.opts.IdleGrace + time.Second)
	m.Sweep(ctx)
	info, ok := m.Session("doc")
	require.True(t, ok, "session with unstored changes was reclaimed")
	assert.Equal(t, int64(3), info.Version)
	assert.True(t, info.Degraded)

	c.store.SetFailure(nil)
	require.NoError(t, w.Flush(ctx))
	m.Sweep(ctx)
	_, ok = m.Session("doc")
	require.False(t, ok)

	// The final checkpoint is still queued.
	_, err := m.Join(ctx, "doc", testutil.NewConn("c-bob", "bob"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransientInfraFailure))
	assert.ErrorIs(t, err, ErrUnflushed)

	require.NoError(t, w.Flush(ctx))
	fresh := join(t, m, "doc", testutil.NewConn("c-bob-2", "bob"))
	assert.NotEqual(t, res.SessionID, fresh.SessionID)
	assert.Equal(t, int64(3), fresh.Version)
	assert.Equal(t, "world", fresh.Text)
	assert.False(t, fresh.Degraded)
}

func TestReclaimReleasesOwnership(t *testing.T) {
	c := newCluster(t)
	m1 := c.manager("i1")
	m2 := c.manager("i2")
	alice := testutil.NewConn("c-alice", "alice")
	res := join(t, m1, "doc", alice)
	submit(t, m1, res.SessionID, alice, 0, "a1", ot.Insert(0, "abc"))
	require.NoError(t, m1.Leave(context.Background(), res.SessionID, alice))

	c.clock.Advance(c.opts.IdleGrace + time.Second)
	m1.Sweep(context.Background())

	// The next join anywhere takes over the document.
	bob := testutil.NewConn("c-bob", "bob")
	got := join(t, m2, "doc", bob)
	assert.Equal(t, "abc", got.Text)
	info, ok := m2.Session("doc")
	require.True(t, ok)
	assert.True(t, info.Owned)
}

func TestShutdownClosesConnections(t *testing.T) {
	c := newCluster(t)
	m := c.manager("i1")
	alice := testutil.NewConn("c-alice", "alice")
	res := join(t, m, "doc", alice)
	submit(t, m, res.SessionID, alice, 0, "a1", ot.Insert(0, "bye"))

	m.Shutdown(context.Background())
	closed, code := alice.Closed()
	assert.True(t, closed)
	assert.Equal(t, CloseGoingAway, code)
	_, ok := m.Session("doc")
	assert.False(t, ok)
	snap, ok := c.log.lastCheckpoint()
	require.True(t, ok)
	assert.Equal(t, "bye", snap.Text)
}

func TestKeyedLocksSerializePerKey(t *testing.T) {
	var k keyedLocks
	unlock := k.lock("a")
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		k.lock("a")()
	}()
	// A different key is not blocked.
	k.lock("b")()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key acquired")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	k.mu.Lock()
	assert.Empty(t, k.locks)
	k.mu.Unlock()
}
