// Package changelog persists accepted change records and snapshot checkpoints
// off the edit path.
package changelog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ports"
)

type Options struct {
	// BatchSize flushes as soon as this many records are pending.
	BatchSize     int
	FlushInterval time.Duration
	// Buffer is the capacity of the hand-off queue. Append fails once it is
	// full.
	Buffer int
	// MaxRetry is the number of immediate retries of a failed write before
	// the writer reports itself unhealthy and backs off.
	MaxRetry       int
	RetryInterval  time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxPending bounds the records held while the store is unreachable; the
	// oldest are dropped beyond it.
	MaxPending int
}

func DefaultOptions() Options {
	return Options{
		BatchSize:      64,
		FlushInterval:  200 * time.Millisecond,
		Buffer:         4096,
		MaxRetry:       2,
		RetryInterval:  50 * time.Millisecond,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		MaxPending:     100000,
	}
}

type item struct {
	record   *domain.ChangeRecord
	snapshot *domain.Snapshot
}

// Writer batches change records into a ChangeStore and snapshot checkpoints
// into a DocumentStore. Append and Checkpoint never block; the writes happen
// in Run. A snapshot is saved only after every record queued before it.
type Writer struct {
	changes ports.ChangeStore
	docs    ports.DocumentStore
	opts    Options
	clock   ports.Clock

	queue   chan item
	closed  atomic.Bool
	healthy atomic.Bool

	// unwritten counts queued records and checkpoints per document until
	// they are stored.
	countMu   sync.Mutex
	unwritten map[string]int

	mu        sync.Mutex
	pending   []domain.ChangeRecord
	snapshots []domain.Snapshot
	retry     *backoff.ExponentialBackOff
	retryAt   time.Time
	onHealth  func(healthy bool, err error)
}

var _ ports.ChangeLog = (*Writer)(nil)

func NewWriter(changes ports.ChangeStore, docs ports.DocumentStore, clock ports.Clock, opts Options) *Writer {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = opts.InitialBackoff
	retry.MaxInterval = opts.MaxBackoff
	retry.MaxElapsedTime = 0
	retry.Clock = clock
	retry.Reset()

	w := &Writer{
		changes: changes,
		docs:    docs,
		opts:    opts,
		clock:   clock,
		queue:   make(chan item, max(1, opts.Buffer)),
		retry:   retry,

		unwritten: make(map[string]int),
	}
	w.healthy.Store(true)
	return w
}

// OnHealthChange registers fn to be called whenever the writer becomes
// unhealthy or recovers. fn runs on the writer's goroutine and must not call
// back into the writer.
func (w *Writer) OnHealthChange(fn func(healthy bool, err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onHealth = fn
}

func (w *Writer) Append(record domain.ChangeRecord) bool {
	return w.enqueue(item{record: &record})
}

func (w *Writer) Checkpoint(snapshot domain.Snapshot) bool {
	return w.enqueue(item{snapshot: &snapshot})
}

func (w *Writer) enqueue(it item) bool {
	if w.closed.Load() {
		return false
	}
	doc := it.documentID()
	w.count(doc, 1)
	select {
	case w.queue <- it:
		return true
	default:
		w.count(doc, -1)
		return false
	}
}

func (it item) documentID() string {
	if it.record != nil {
		return it.record.DocumentID
	}
	return it.snapshot.DocumentID
}

func (w *Writer) count(documentID string, delta int) {
	w.countMu.Lock()
	defer w.countMu.Unlock()
	n := w.unwritten[documentID] + delta
	if n <= 0 {
		delete(w.unwritten, documentID)
		return
	}
	w.unwritten[documentID] = n
}

// PendingFor returns the number of records and checkpoints of documentID
// that are queued but not stored yet.
func (w *Writer) PendingFor(documentID string) int {
	w.countMu.Lock()
	defer w.countMu.Unlock()
	return w.unwritten[documentID]
}

// Healthy reports whether the last write succeeded.
func (w *Writer) Healthy() bool {
	return w.healthy.Load()
}

// Pending returns the number of records not yet written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) + len(w.queue)
}

// Run writes queued items until ctx is done, then makes a final attempt to
// write what is left.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.closed.Store(true)
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.Flush(fctx); err != nil {
				glog.Errorf("[changelog]final flush left %d records unwritten = %s\n", w.Pending(), err)
			}
			return ctx.Err()
		case it := <-w.queue:
			w.mu.Lock()
			full := w.addLocked(it)
			w.mu.Unlock()
			if full {
				w.flushDue(ctx)
			}
		case <-ticker.C:
			w.flushDue(ctx)
		}
	}
}

// Flush writes everything queued so far, ignoring any backoff in effect.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drainLocked()
	return w.writeLocked(ctx)
}

func (w *Writer) flushDue(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drainLocked()
	if len(w.pending) == 0 && len(w.snapshots) == 0 {
		return
	}
	if w.clock.Now().Before(w.retryAt) {
		return
	}
	if err := w.writeLocked(ctx); err != nil {
		glog.V(1).Infof("[changelog]flush = %s\n", err)
	}
}

func (w *Writer) drainLocked() {
	for {
		select {
		case it := <-w.queue:
			w.addLocked(it)
		default:
			return
		}
	}
}

// addLocked reports whether a full batch is pending.
func (w *Writer) addLocked(it item) bool {
	if it.record != nil {
		w.pending = append(w.pending, *it.record)
		if w.opts.MaxPending > 0 && len(w.pending) > w.opts.MaxPending {
			drop := len(w.pending) - w.opts.MaxPending
			glog.Errorf("[changelog]dropping %d unwritten records, oldest %s@%d\n", drop, w.pending[0].SessionID, w.pending[0].Version)
			for _, r := range w.pending[:drop] {
				w.count(r.DocumentID, -1)
			}
			w.pending = append(w.pending[:0:0], w.pending[drop:]...)
		}
	}
	if it.snapshot != nil {
		// Records queued before the checkpoint are written first.
		w.snapshots = append(w.snapshots, *it.snapshot)
	}
	return w.opts.BatchSize > 0 && len(w.pending) >= w.opts.BatchSize
}

func (w *Writer) writeLocked(ctx context.Context) error {
	for len(w.pending) > 0 {
		n := len(w.pending)
		if w.opts.BatchSize > 0 {
			n = min(n, w.opts.BatchSize)
		}
		batch := w.pending[:n]
		if err := w.attempt(ctx, func() error { return w.changes.AppendChanges(ctx, batch) }); err != nil {
			w.failedLocked(err)
			return err
		}
		for _, r := range batch {
			w.count(r.DocumentID, -1)
		}
		w.pending = w.pending[n:]
	}
	for len(w.snapshots) > 0 {
		snap := w.snapshots[0]
		if err := w.attempt(ctx, func() error { return w.docs.SaveSnapshot(ctx, snap) }); err != nil {
			w.failedLocked(err)
			return err
		}
		w.snapshots = w.snapshots[1:]
		w.count(snap.DocumentID, -1)
		glog.V(1).Infof("[changelog]checkpoint %s@%d\n", snap.DocumentID, snap.Version)
	}
	w.recoveredLocked()
	return nil
}

func (w *Writer) attempt(ctx context.Context, op func() error) error {
	if w.opts.MaxRetry <= 0 {
		return op()
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(w.opts.RetryInterval), uint64(w.opts.MaxRetry)), ctx)
	return backoff.Retry(op, b)
}

func (w *Writer) failedLocked(err error) {
	w.retryAt = w.clock.Now().Add(w.retry.NextBackOff())
	if w.healthy.Swap(false) {
		glog.Errorf("[changelog]store unavailable, %d records pending = %s\n", len(w.pending), err)
		if w.onHealth != nil {
			w.onHealth(false, err)
		}
	}
}

func (w *Writer) recoveredLocked() {
	w.retry.Reset()
	w.retryAt = time.Time{}
	if !w.healthy.Swap(true) {
		glog.Infof("[changelog]store available again\n")
		if w.onHealth != nil {
			w.onHealth(true, nil)
		}
	}
}
