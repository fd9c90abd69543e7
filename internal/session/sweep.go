package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabtext/collabd/internal/domain"
)

// Run sweeps sessions every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep enforces heartbeat timeouts, evicts participants whose relay instance
// died, reclaims sessions idle past the grace period and refreshes ownership
// leases. It takes its notion of time from the manager's clock.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.clock.Now()
	for _, s := range m.registry.Sessions() {
		var expired []*member
		remote := make(map[string][]string)

		s.mu.Lock()
		for _, mem := range s.members {
			if mem.conn == nil {
				remote[mem.instance] = append(remote[mem.instance], mem.connectionID)
				continue
			}
			if m.opts.HeartbeatTimeout > 0 && now.Sub(mem.lastHeartbeat) > m.opts.HeartbeatTimeout {
				expired = append(expired, mem)
			}
		}
		state := s.state
		s.mu.Unlock()

		if state == StateReclaimed {
			continue
		}

		for _, mem := range expired {
			glog.Infof("[session]%s heartbeat timeout conn=%s\n", s.id, mem.connectionID)
			mem.conn.Close(CloseHeartbeatTimeout, "heartbeat timeout")
			if err := m.leave(ctx, s, mem.connectionID); err != nil {
				glog.V(1).Infof("[session]%s leave conn=%s = %s\n", s.id, mem.connectionID, err)
			}
		}
		for instance, conns := range remote {
			alive, err := m.coord.Alive(ctx, instance)
			if err != nil {
				glog.Warningf("[session]liveness of %s = %s\n", instance, err)
				continue
			}
			if alive {
				continue
			}
			glog.Infof("[session]%s relay %s gone, evicting %d connections\n", s.id, instance, len(conns))
			for _, c := range conns {
				m.leaveOwned(ctx, s, c)
			}
		}

		if m.reclaimIfIdle(ctx, s) || !s.owned {
			continue
		}
		if err := m.coord.Refresh(ctx, s.documentID, s.id); err != nil {
			if errors.Is(err, domain.ErrNotOwner) {
				m.abandon(s, "document ownership lost")
				continue
			}
			glog.Warningf("[session]%s refresh lease = %s\n", s.id, err)
		}
	}
}

// reclaimIfIdle frees s if it has had no participants for the idle grace
// period. A reclaimed session is never reused; the next join builds a new one
// from persisted state.
func (m *Manager) reclaimIfIdle(ctx context.Context, s *Session) bool {
	unlock := m.docLocks.lock(s.documentID)
	defer unlock()

	now := m.clock.Now()
	s.mu.Lock()
	if s.state != StateIdle || len(s.members) > 0 || now.Sub(s.idleSince) < m.opts.IdleGrace {
		s.mu.Unlock()
		return false
	}
	snapshot := domain.Snapshot{DocumentID: s.documentID, Version: s.version, Text: s.text, SavedAt: now}
	if s.owned {
		// An owner whose changes are not all durable keeps its state in
		// memory until the change log catches up.
		if s.persistFailed && m.log.Healthy() {
			s.persistFailed = false
		}
		if s.persistFailed || m.log.PendingFor(s.documentID) > 0 {
			s.mu.Unlock()
			glog.V(1).Infof("[session]%s reclaim deferred, changes not stored yet\n", s.id)
			return false
		}
		if s.version > s.lastCheckpoint {
			if !m.log.Checkpoint(snapshot) {
				s.mu.Unlock()
				glog.Warningf("[session]%s final checkpoint at %d not queued, reclaim deferred\n", s.id, snapshot.Version)
				return false
			}
			s.lastCheckpoint = s.version
		}
	}
	s.state = StateReclaimed
	m.closeOutboxLocked(s)
	s.mu.Unlock()

	m.registry.Remove(s)
	if !s.owned {
		if err := m.coord.Unsubscribe(ctx, s.id); err != nil {
			glog.Warningf("[session]%s unsubscribe = %s\n", s.id, err)
		}
		return true
	}
	if err := m.coord.Release(ctx, s.documentID, s.id); err != nil {
		glog.Warningf("[session]%s release lease = %s\n", s.id, err)
	}
	glog.Infof("[session]%s reclaimed doc=%s version=%d\n", s.id, s.documentID, snapshot.Version)
	return true
}

// Shutdown checkpoints owned sessions, releases their leases and closes every
// local connection.
func (m *Manager) Shutdown(ctx context.Context) {
	now := m.clock.Now()
	for _, s := range m.registry.Sessions() {
		s.mu.Lock()
		members := s.localMembersLocked()
		snapshot := domain.Snapshot{DocumentID: s.documentID, Version: s.version, Text: s.text, SavedAt: now}
		checkpoint := s.owned && s.version > s.lastCheckpoint
		s.state = StateReclaimed
		s.members = make(map[string]*member)
		m.closeOutboxLocked(s)
		s.mu.Unlock()

		for _, mem := range members {
			mem.conn.Close(CloseGoingAway, "server shutting down")
		}
		if checkpoint {
			m.log.Checkpoint(snapshot)
		}
		m.registry.Remove(s)
		if s.owned {
			if err := m.coord.Release(ctx, s.documentID, s.id); err != nil {
				glog.Warningf("[session]%s release lease = %s\n", s.id, err)
			}
		} else if err := m.coord.Unsubscribe(ctx, s.id); err != nil {
			glog.Warningf("[session]%s unsubscribe = %s\n", s.id, err)
		}
	}
}

// keyedLocks serializes session creation and teardown per document.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
