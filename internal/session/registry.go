package session

import (
	"sync"

	"collabtext/collabd/internal/domain"
)

// Registry holds the sessions live on this instance. The registry only guards
// its index; each Session guards its own state.
type Registry interface {
	ByDocument(documentID string) (*Session, bool)
	ByID(sessionID string) (*Session, bool)
	// Add stores s unless a session for the same document is already present,
	// in which case the present one is returned with false.
	Add(s *Session) (*Session, bool)
	// Remove deletes s if it is still the registered session for its document.
	Remove(s *Session)
	Sessions() []*Session
}

type MemoryRegistry struct {
	mu    sync.RWMutex
	byDoc map[string]*Session
	byID  map[string]*Session
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byDoc: make(map[string]*Session),
		byID:  make(map[string]*Session),
	}
}

func (r *MemoryRegistry) ByDocument(documentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDoc[documentID]
	return s, ok
}

func (r *MemoryRegistry) ByID(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

func (r *MemoryRegistry) Add(s *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byDoc[s.documentID]; ok {
		return cur, false
	}
	r.byDoc[s.documentID] = s
	r.byID[s.id] = s
	return s, true
}

func (r *MemoryRegistry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byDoc[s.documentID]; ok && cur == s {
		delete(r.byDoc, s.documentID)
	}
	if cur, ok := r.byID[s.id]; ok && cur == s {
		delete(r.byID, s.id)
	}
}

func (r *MemoryRegistry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// relayFilter drops events a relay has already forwarded to its local
// connections. Changes are keyed by version, everything else by the owner's
// event sequence.
type relayFilter struct {
	version int64
	seq     uint64
}

func (f *relayFilter) accept(ev domain.Event) bool {
	meta := ev.Meta()
	if c, ok := ev.(domain.ChangeApplied); ok {
		if c.Record.Version <= f.version {
			return false
		}
		f.version = c.Record.Version
		f.seq = max(f.seq, meta.Seq)
		return true
	}
	if meta.Seq <= f.seq {
		return false
	}
	f.seq = meta.Seq
	return true
}

func (f *relayFilter) advance(version int64, seq uint64) {
	f.version = max(f.version, version)
	f.seq = max(f.seq, seq)
}
