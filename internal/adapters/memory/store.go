// Package memory keeps documents, change records and access rules in process
// memory. It backs single-instance deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ports"
)

var (
	_ ports.ChangeStore   = (*Store)(nil)
	_ ports.DocumentStore = (*Store)(nil)
)

type changeKey struct {
	sessionID string
	version   int64
}

// Store is a ChangeStore and DocumentStore.
type Store struct {
	mu        sync.Mutex
	changes   map[string][]domain.ChangeRecord
	seen      map[changeKey]bool
	snapshots map[string]domain.Snapshot
	failure   error
}

func NewStore() *Store {
	return &Store{
		changes:   make(map[string][]domain.ChangeRecord),
		seen:      make(map[changeKey]bool),
		snapshots: make(map[string]domain.Snapshot),
	}
}

// SetFailure makes every call fail with err until it is cleared with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *Store) AppendChanges(ctx context.Context, records []domain.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	for _, rec := range records {
		k := changeKey{rec.SessionID, rec.Version}
		if s.seen[k] {
			continue
		}
		s.seen[k] = true
		s.changes[rec.DocumentID] = append(s.changes[rec.DocumentID], rec)
	}
	return nil
}

func (s *Store) LoadSince(ctx context.Context, documentID string, afterVersion int64) ([]domain.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	var out []domain.ChangeRecord
	for _, rec := range s.changes[documentID] {
		if rec.Version > afterVersion {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Changes returns every record stored for documentID.
func (s *Store) Changes(documentID string) []domain.ChangeRecord {
	out, _ := s.LoadSince(context.Background(), documentID, -1)
	return out
}

func (s *Store) LoadSnapshot(ctx context.Context, documentID string) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return domain.Snapshot{}, s.failure
	}
	snap, ok := s.snapshots[documentID]
	if !ok {
		return domain.Snapshot{}, domain.ErrNoSnapshot
	}
	return snap, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if cur, ok := s.snapshots[snapshot.DocumentID]; ok && cur.Version > snapshot.Version {
		return nil
	}
	s.snapshots[snapshot.DocumentID] = snapshot
	return nil
}
