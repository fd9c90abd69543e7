package changelog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/collabd/internal/adapters/memory"
	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ot"
	"collabtext/collabd/internal/testutil"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.BatchSize = 2
	opts.Buffer = 8
	opts.MaxRetry = 0
	opts.InitialBackoff = time.Second
	opts.MaxBackoff = 4 * time.Second
	return opts
}

func rec(version int64) domain.ChangeRecord {
	return domain.ChangeRecord{
		SessionID:  "s1",
		DocumentID: "doc",
		Version:    version,
		Operations: []ot.Operation{ot.Insert(0, "x")},
	}
}

type healthLog struct {
	mu      sync.Mutex
	changes []bool
}

func (h *healthLog) record(healthy bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, healthy)
}

func (h *healthLog) get() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.changes...)
}

func TestWriterFlushesInBatches(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	w := NewWriter(store, store, testutil.NewClock(), testOptions())

	for v := int64(1); v <= 5; v++ {
		require.True(t, w.Append(rec(v)))
	}
	assert.Equal(t, 5, w.Pending())
	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, 0, w.Pending())

	recs := store.Changes("doc")
	require.Len(t, recs, 5)
	for i, r := range recs {
		assert.Equal(t, int64(i+1), r.Version)
	}
	assert.True(t, w.Healthy())
}

func TestWriterAppendNeverBlocks(t *testing.T) {
	store := memory.NewStore()
	opts := testOptions()
	opts.Buffer = 2
	w := NewWriter(store, store, testutil.NewClock(), opts)

	assert.True(t, w.Append(rec(1)))
	assert.True(t, w.Append(rec(2)))
	assert.False(t, w.Append(rec(3)))
}

func TestWriterKeepsRecordsWhileStoreIsDown(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock()
	store := memory.NewStore()
	w := NewWriter(store, store, clock, testOptions())
	health := &healthLog{}
	w.OnHealthChange(health.record)

	store.SetFailure(errors.New("connection refused"))
	require.True(t, w.Append(rec(1)))
	require.True(t, w.Checkpoint(domain.Snapshot{DocumentID: "doc", Version: 1, Text: "x"}))
	assert.Error(t, w.Flush(ctx))
	assert.False(t, w.Healthy())
	assert.Equal(t, []bool{false}, health.get())
	assert.Equal(t, 1, w.Pending())

	// Still backing off: nothing is attempted.
	store.SetFailure(nil)
	w.flushDue(ctx)
	assert.Empty(t, store.Changes("doc"))

	clock.Advance(5 * time.Second)
	w.flushDue(ctx)
	assert.Len(t, store.Changes("doc"), 1)
	snap, err := store.LoadSnapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.True(t, w.Healthy())
	assert.Equal(t, []bool{false, true}, health.get())
}

func TestWriterPendingForTracksDocument(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	w := NewWriter(store, store, testutil.NewClock(), testOptions())

	other := rec(1)
	other.DocumentID = "other"
	store.SetFailure(errors.New("connection refused"))
	require.True(t, w.Append(rec(1)))
	require.True(t, w.Append(other))
	require.True(t, w.Checkpoint(domain.Snapshot{DocumentID: "doc", Version: 1, Text: "x"}))
	assert.Equal(t, 2, w.PendingFor("doc"))
	assert.Equal(t, 1, w.PendingFor("other"))

	require.Error(t, w.Flush(ctx))
	assert.Equal(t, 2, w.PendingFor("doc"))

	store.SetFailure(nil)
	require.NoError(t, w.Flush(ctx))
	assert.Zero(t, w.PendingFor("doc"))
	assert.Zero(t, w.PendingFor("other"))
}

func TestWriterPendingForIgnoresRefusedItems(t *testing.T) {
	store := memory.NewStore()
	opts := testOptions()
	opts.Buffer = 1
	w := NewWriter(store, store, testutil.NewClock(), opts)

	require.True(t, w.Append(rec(1)))
	require.False(t, w.Append(rec(2)))
	assert.Equal(t, 1, w.PendingFor("doc"))
}

func TestWriterCheckpointAfterRecords(t *testing.T) {
	ctx := context.Background()
	store := &orderedStore{Store: memory.NewStore()}
	w := NewWriter(store, store, testutil.NewClock(), testOptions())

	w.Append(rec(1))
	w.Checkpoint(domain.Snapshot{DocumentID: "doc", Version: 1, Text: "x"})
	w.Append(rec(2))
	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, []string{"changes", "snapshot"}, store.calls)
}

func TestWriterRunStopsAndFlushes(t *testing.T) {
	store := memory.NewStore()
	opts := testOptions()
	opts.FlushInterval = time.Hour
	w := NewWriter(store, store, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Append(rec(1))
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop")
	}
	assert.Len(t, store.Changes("doc"), 1)
	assert.False(t, w.Append(rec(2)))
}

type orderedStore struct {
	*memory.Store
	calls []string
}

func (s *orderedStore) AppendChanges(ctx context.Context, records []domain.ChangeRecord) error {
	s.calls = append(s.calls, "changes")
	return s.Store.AppendChanges(ctx, records)
}

func (s *orderedStore) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	s.calls = append(s.calls, "snapshot")
	return s.Store.SaveSnapshot(ctx, snap)
}
