package session

import (
	"context"
	"errors"

	"github.com/golang/glog"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ot"
)

// A relay holds a session whose owner runs on another instance. It forwards
// its local connections' operations to the owner and re-delivers the owner's
// events to them, never transforming anything itself.

func (m *Manager) forward(ctx context.Context, s *Session, req domain.ForwardRequest) (domain.ForwardResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ForwardTimeout)
	defer cancel()
	resp, err := m.coord.Forward(ctx, s.ownerInstance, req)
	if err != nil {
		m.abandon(s, "session owner unreachable")
		return resp, domain.TransientFailure(err, m.opts.LeaseTTL, "forward %s to %s", req.Kind, s.ownerInstance)
	}
	if resp.Error != nil {
		if resp.Error.Kind == domain.KindTransientInfraFailure {
			// The owner no longer holds the session.
			m.abandon(s, "session owner changed")
		}
		return resp, resp.Error
	}
	return resp, nil
}

func (m *Manager) joinRelay(ctx context.Context, s *Session, conn Conn, displayName string) (domain.JoinResult, error) {
	resp, err := m.forward(ctx, s, domain.ForwardRequest{
		Kind:         domain.ForwardJoin,
		DocumentID:   s.documentID,
		SessionID:    s.id,
		PrincipalID:  conn.PrincipalID(),
		ConnectionID: conn.ID(),
	})
	if err != nil {
		return domain.JoinResult{}, err
	}
	if resp.Join == nil {
		return domain.JoinResult{}, domain.NewError(domain.KindFatalInternalError, nil, "empty join response from %s", s.ownerInstance)
	}
	res := *resp.Join

	now := m.clock.Now()
	s.mu.Lock()
	mem := &member{
		connectionID:  conn.ID(),
		principalID:   conn.PrincipalID(),
		instance:      m.coord.InstanceID(),
		conn:          conn,
		lastHeartbeat: now,
	}
	if _, err := s.addMemberLocked(mem, displayName, now); err != nil {
		s.mu.Unlock()
		return domain.JoinResult{}, err
	}
	// Changes that reached this relay while the join was in flight went to
	// nobody; fold them into the result.
	caughtUp := true
	if s.relayed.version > res.Version {
		res, caughtUp = s.catchUpLocked(res)
	}
	s.relayed.advance(res.Version, res.Seq)
	s.version = max(s.version, res.Version)
	s.degraded = res.Degraded
	var slow []*member
	if !conn.Deliver(domain.SessionJoined{EventMeta: domain.EventMeta{SessionID: s.id, Seq: res.Seq}, Result: res}) {
		slow = append(slow, mem)
	}
	if !caughtUp {
		glog.Warningf("[session]%s join of %s is behind at %d, relay is at %d\n", s.id, conn.ID(), res.Version, s.relayed.version)
		notice := domain.SessionNotice{
			EventMeta: domain.EventMeta{SessionID: s.id, Seq: res.Seq},
			Error:     *domain.ProtocolViolation(nil, res.Version, "changes after version %d were missed", res.Version),
		}
		if !conn.Deliver(notice) {
			slow = append(slow, mem)
		}
	}
	s.mu.Unlock()

	m.dropSlow(ctx, s, slow)
	return res, nil
}

// relayTrail bounds the records a relay keeps for joins that race the
// change stream.
const relayTrail = 64

func (s *Session) rememberLocked(rec domain.ChangeRecord) {
	s.recent = append(s.recent, rec)
	if len(s.recent) > relayTrail {
		s.recent = append(s.recent[:0:0], s.recent[len(s.recent)-relayTrail:]...)
	}
}

// catchUpLocked applies the records the relay accepted after res to it. It
// reports false, leaving res untouched, when the trail does not cover them.
func (s *Session) catchUpLocked(res domain.JoinResult) (domain.JoinResult, bool) {
	text, version := res.Text, res.Version
	for _, rec := range s.recent {
		if rec.Version <= version {
			continue
		}
		if rec.Version != version+1 {
			return res, false
		}
		next, err := ot.ApplyAll(text, rec.Operations)
		if err != nil {
			return res, false
		}
		text, version = next, rec.Version
	}
	if version != s.relayed.version {
		return res, false
	}
	res.Text, res.Version = text, version
	res.Seq = max(res.Seq, s.relayed.seq)
	return res, true
}

func (m *Manager) submitRelay(ctx context.Context, s *Session, conn Conn, batch domain.Batch) (domain.Ack, error) {
	if !m.isLocalMember(s, conn.ID()) {
		return domain.Ack{}, domain.NewError(domain.KindProtocolViolation, domain.ErrNotJoined, "connection %s", conn.ID())
	}
	resp, err := m.forward(ctx, s, domain.ForwardRequest{
		Kind:         domain.ForwardSubmit,
		DocumentID:   s.documentID,
		SessionID:    s.id,
		PrincipalID:  conn.PrincipalID(),
		ConnectionID: conn.ID(),
		Batch:        &batch,
	})
	if err != nil {
		return domain.Ack{}, err
	}
	if resp.Ack == nil {
		return domain.Ack{}, domain.NewError(domain.KindFatalInternalError, nil, "empty submit response from %s", s.ownerInstance)
	}
	ack := *resp.Ack
	// Fresh acks arrive in order with the owner's change stream; a duplicate
	// produced no change, so it is acknowledged here.
	if ack.Duplicate {
		s.mu.Lock()
		ok := conn.Deliver(domain.ChangeAcked{EventMeta: domain.EventMeta{SessionID: s.id, Seq: s.relayed.seq}, Ack: ack})
		s.mu.Unlock()
		if !ok {
			m.dropSlow(ctx, s, []*member{{connectionID: conn.ID(), conn: conn}})
		}
	}
	return ack, nil
}

func (m *Manager) resyncRelay(ctx context.Context, s *Session, conn Conn, fromVersion int64) (domain.SyncResult, error) {
	if !m.isLocalMember(s, conn.ID()) {
		return domain.SyncResult{}, domain.NewError(domain.KindProtocolViolation, domain.ErrNotJoined, "connection %s", conn.ID())
	}
	resp, err := m.forward(ctx, s, domain.ForwardRequest{
		Kind:         domain.ForwardResync,
		DocumentID:   s.documentID,
		SessionID:    s.id,
		PrincipalID:  conn.PrincipalID(),
		ConnectionID: conn.ID(),
		FromVersion:  fromVersion,
	})
	if err != nil {
		return domain.SyncResult{}, err
	}
	if resp.Sync == nil {
		return domain.SyncResult{}, domain.NewError(domain.KindFatalInternalError, nil, "empty resync response from %s", s.ownerInstance)
	}
	res := *resp.Sync
	s.mu.Lock()
	ok := conn.Deliver(domain.SyncCompleted{EventMeta: domain.EventMeta{SessionID: s.id, Seq: s.relayed.seq}, Result: res})
	s.mu.Unlock()
	if !ok {
		m.dropSlow(ctx, s, []*member{{connectionID: conn.ID(), conn: conn}})
	}
	return res, nil
}

func (m *Manager) leaveRelay(ctx context.Context, s *Session, connectionID string) error {
	unlock := m.docLocks.lock(s.documentID)
	defer unlock()

	now := m.clock.Now()
	s.mu.Lock()
	mem, _ := s.removeMemberLocked(connectionID, now)
	empty := len(s.members) == 0
	wasLive := s.state != StateReclaimed
	if empty {
		s.state = StateReclaimed
	}
	s.mu.Unlock()
	if mem == nil {
		return nil
	}

	var err error
	if wasLive {
		_, err = m.forward(ctx, s, domain.ForwardRequest{
			Kind:         domain.ForwardLeave,
			DocumentID:   s.documentID,
			SessionID:    s.id,
			PrincipalID:  mem.principalID,
			ConnectionID: connectionID,
		})
	}
	if empty {
		m.registry.Remove(s)
		if uerr := m.coord.Unsubscribe(ctx, s.id); uerr != nil {
			glog.Warningf("[session]%s unsubscribe = %s\n", s.id, uerr)
		}
		glog.V(1).Infof("[session]%s relay closed\n", s.id)
	}
	return err
}

func (m *Manager) isLocalMember(s *Session, connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.members[connectionID]
	return ok && mem.conn != nil
}

// abandon drops a session this instance can no longer serve. Local
// connections are told to retry and closed so that they rejoin and the
// session is rebuilt by whichever instance owns the document next.
func (m *Manager) abandon(s *Session, reason string) {
	s.mu.Lock()
	if s.state == StateReclaimed {
		s.mu.Unlock()
		return
	}
	s.state = StateReclaimed
	members := s.localMembersLocked()
	s.members = make(map[string]*member)
	m.closeOutboxLocked(s)
	s.mu.Unlock()

	m.registry.Remove(s)
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ForwardTimeout)
	defer cancel()
	if !s.owned {
		if err := m.coord.Unsubscribe(ctx, s.id); err != nil {
			glog.Warningf("[session]%s unsubscribe = %s\n", s.id, err)
		}
	}

	glog.Warningf("[session]%s abandoned doc=%s: %s\n", s.id, s.documentID, reason)
	notice := domain.SessionNotice{
		EventMeta: domain.EventMeta{SessionID: s.id},
		Error: domain.Error{
			Kind:       domain.KindTransientInfraFailure,
			Message:    reason,
			RetryAfter: m.opts.LeaseTTL,
		},
	}
	for _, mem := range members {
		mem.conn.Deliver(notice)
		mem.conn.Close(CloseOwnerLost, reason)
	}
}

// HandleEvent re-delivers an event published by the owner to this relay's
// local connections. Redelivered events are dropped.
func (m *Manager) HandleEvent(ctx context.Context, ev domain.Event) {
	s, ok := m.registry.ByID(ev.Meta().SessionID)
	if !ok || s.owned {
		return
	}
	now := m.clock.Now()
	s.mu.Lock()
	if s.state == StateReclaimed || !s.relayed.accept(ev) {
		s.mu.Unlock()
		glog.V(2).Infof("[session]%s drop seq=%d\n", ev.Meta().SessionID, ev.Meta().Seq)
		return
	}
	var slow []*member
	switch e := ev.(type) {
	case domain.ChangeApplied:
		s.version = max(s.version, e.Record.Version)
		s.lastActivityAt = now
		s.rememberLocked(e.Record)
		if origin, ok := s.members[e.OriginConnection]; ok && origin.conn != nil {
			ack := domain.Ack{SessionID: s.id, ClientOperationID: e.Record.ClientOperationID, Version: e.Record.Version}
			if !origin.conn.Deliver(domain.ChangeAcked{EventMeta: e.EventMeta, Ack: ack}) {
				slow = append(slow, origin)
			}
		}
		slow = append(slow, s.deliverLocked(e, e.OriginConnection)...)
	case domain.ParticipantJoined:
		slow = s.deliverLocked(e, e.ConnectionID)
	case domain.ParticipantLeft:
		slow = s.deliverLocked(e, e.ConnectionID)
	case domain.CursorMoved:
		slow = s.deliverLocked(e, e.ConnectionID)
	case domain.SessionNotice:
		s.degraded = true
		slow = s.deliverLocked(e, "")
	case domain.SessionJoined, domain.ChangeAcked, domain.SyncCompleted:
		glog.Warningf("[session]%s unexpected published %T\n", s.id, e)
	}
	s.mu.Unlock()
	m.dropSlow(ctx, s, slow)
}

// HandleForward runs an operation a relay received for a session this
// instance owns.
func (m *Manager) HandleForward(ctx context.Context, req domain.ForwardRequest) domain.ForwardResponse {
	resp := domain.ForwardResponse{ID: req.ID}
	s, ok := m.registry.ByID(req.SessionID)
	if !ok || !s.owned {
		resp.Error = domain.TransientFailure(domain.ErrNotOwner, m.opts.LeaseTTL, "session %s is not owned by %s", req.SessionID, m.coord.InstanceID())
		return resp
	}

	var err error
	switch req.Kind {
	case domain.ForwardJoin:
		mem := &member{
			connectionID:  req.ConnectionID,
			principalID:   req.PrincipalID,
			instance:      req.ReplyTo,
			lastHeartbeat: m.clock.Now(),
		}
		var res domain.JoinResult
		res, err = m.joinOwned(ctx, s, mem, m.displayName(ctx, req.PrincipalID))
		if errors.Is(err, errReclaimed) {
			err = domain.TransientFailure(err, m.opts.RetryAfter, "session %s reclaimed", s.id)
		}
		resp.Join = &res
	case domain.ForwardSubmit:
		if req.Batch == nil {
			err = domain.NewError(domain.KindProtocolViolation, nil, "submit without batch")
			break
		}
		if err = validateBatch(*req.Batch); err != nil {
			break
		}
		var ack domain.Ack
		ack, err = m.submitOwned(ctx, s, req.ConnectionID, req.PrincipalID, *req.Batch)
		resp.Ack = &ack
	case domain.ForwardLeave:
		m.leaveOwned(ctx, s, req.ConnectionID)
	case domain.ForwardResync:
		var res domain.SyncResult
		res, err = m.resyncOwned(ctx, s, req.ConnectionID, req.PrincipalID, req.FromVersion)
		resp.Sync = &res
	case domain.ForwardCursor:
		err = m.cursorOwned(ctx, s, req.ConnectionID, req.PrincipalID, req.Position)
	default:
		err = domain.NewError(domain.KindProtocolViolation, nil, "unknown forwarded operation %q", req.Kind)
	}
	if err != nil {
		resp.Join, resp.Ack, resp.Sync = nil, nil, nil
		resp.Error = domain.AsError(err)
	}
	return resp
}
