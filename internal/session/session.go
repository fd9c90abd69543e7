package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ot"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateActive State = iota
	StateIdle
	StateReclaimed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	default:
		return "reclaimed"
	}
}

var errReclaimed = errors.New("session reclaimed")

// Conn is one live transport connection as seen by the manager.
type Conn interface {
	ID() string
	PrincipalID() string
	// Deliver queues ev for the connection without blocking. It returns false
	// when the connection cannot keep up.
	Deliver(ev domain.Event) bool
	Close(code int, reason string)
}

// member is a participant connection. Remote members are connected to a relay
// instance and have no local Conn.
type member struct {
	connectionID  string
	principalID   string
	instance      string
	conn          Conn
	lastHeartbeat time.Time
	cursor        *int
}

// Session is the live, versioned state of one document. Every field is
// guarded by mu; the manager never holds mu while doing I/O.
type Session struct {
	mu sync.Mutex

	id            string
	documentID    string
	ownerInstance string
	owned         bool

	state          State
	version        int64
	text           string
	history        []domain.ChangeRecord
	historyLimit   int
	members        map[string]*member
	names          map[string]string
	seq            uint64
	lastCheckpoint int64

	// persistFailed and coordFailed are the owner's own view of its
	// dependencies. degraded mirrors the owner's flag on a relay.
	persistFailed bool
	coordFailed   bool
	degraded      bool

	createdAt      time.Time
	lastActivityAt time.Time
	idleSince      time.Time

	// outbox orders events published by the owner.
	outbox chan domain.Event
	// relayed de-duplicates events received by a relay.
	relayed relayFilter
	// recent trails the changes a relay accepted.
	recent []domain.ChangeRecord
}

func newOwnedSession(id, documentID, instance string, snapshot domain.Snapshot, history []domain.ChangeRecord, historyLimit int, now time.Time) *Session {
	return &Session{
		id:             id,
		documentID:     documentID,
		ownerInstance:  instance,
		owned:          true,
		state:          StateIdle,
		version:        snapshot.Version,
		text:           snapshot.Text,
		history:        history,
		historyLimit:   historyLimit,
		members:        make(map[string]*member),
		names:          make(map[string]string),
		lastCheckpoint: snapshot.Version,
		createdAt:      now,
		lastActivityAt: now,
		idleSince:      now,
	}
}

func newRelaySession(id, documentID, owner string, now time.Time) *Session {
	return &Session{
		id:             id,
		documentID:     documentID,
		ownerInstance:  owner,
		state:          StateIdle,
		members:        make(map[string]*member),
		names:          make(map[string]string),
		createdAt:      now,
		lastActivityAt: now,
		idleSince:      now,
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) DocumentID() string { return s.documentID }
func (s *Session) Owned() bool        { return s.owned }

// Info is a consistent copy of a session's observable state.
type Info struct {
	SessionID      string
	DocumentID     string
	Owner          string
	Owned          bool
	State          State
	Version        int64
	Text           string
	Participants   []string
	Connections    int
	Degraded       bool
	CreatedAt      time.Time
	LastActivityAt time.Time
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		SessionID:      s.id,
		DocumentID:     s.documentID,
		Owner:          s.ownerInstance,
		Owned:          s.owned,
		State:          s.state,
		Version:        s.version,
		Text:           s.text,
		Connections:    len(s.members),
		Degraded:       s.degradedLocked(),
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
	}
	for _, p := range s.participantsLocked() {
		info.Participants = append(info.Participants, p.PrincipalID)
	}
	return info
}

func (s *Session) nextMeta() domain.EventMeta {
	s.seq++
	return domain.EventMeta{SessionID: s.id, Seq: s.seq}
}

func (s *Session) participantsLocked() []domain.Participant {
	seen := make(map[string]bool)
	var out []domain.Participant
	for _, m := range s.members {
		if seen[m.principalID] {
			continue
		}
		seen[m.principalID] = true
		out = append(out, domain.Participant{PrincipalID: m.principalID, DisplayName: s.names[m.principalID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out
}

func (s *Session) hasPrincipalLocked(principalID string) bool {
	for _, m := range s.members {
		if m.principalID == principalID {
			return true
		}
	}
	return false
}

func (s *Session) touchLocked(now time.Time) {
	s.lastActivityAt = now
	if len(s.members) > 0 {
		s.state = StateActive
	}
}

// addMemberLocked registers m and reports whether its principal is new to the
// session.
func (s *Session) addMemberLocked(m *member, displayName string, now time.Time) (bool, error) {
	if s.state == StateReclaimed {
		return false, errReclaimed
	}
	isNew := !s.hasPrincipalLocked(m.principalID)
	s.members[m.connectionID] = m
	if displayName != "" {
		s.names[m.principalID] = displayName
	}
	s.touchLocked(now)
	return isNew, nil
}

// removeMemberLocked drops a connection and reports whether its principal
// left the session entirely.
func (s *Session) removeMemberLocked(connectionID string, now time.Time) (*member, bool) {
	m, ok := s.members[connectionID]
	if !ok {
		return nil, false
	}
	delete(s.members, connectionID)
	gone := !s.hasPrincipalLocked(m.principalID)
	if gone {
		delete(s.names, m.principalID)
	}
	s.lastActivityAt = now
	if len(s.members) == 0 && s.state == StateActive {
		s.state = StateIdle
		s.idleSince = now
	}
	return m, gone
}

func (s *Session) degradedLocked() bool {
	return s.persistFailed || s.coordFailed || s.degraded
}

func (s *Session) joinResultLocked() domain.JoinResult {
	return domain.JoinResult{
		SessionID:    s.id,
		DocumentID:   s.documentID,
		Version:      s.version,
		Text:         s.text,
		Participants: s.participantsLocked(),
		Degraded:     s.degradedLocked(),
		Seq:          s.seq,
	}
}

// oldestBaseLocked is the lowest base version a batch may carry and still be
// transformed against retained history.
func (s *Session) oldestBaseLocked() int64 {
	return s.version - int64(len(s.history))
}

func (s *Session) findDuplicateLocked(principalID, clientOperationID string) (domain.ChangeRecord, bool) {
	if clientOperationID == "" {
		return domain.ChangeRecord{}, false
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		r := s.history[i]
		if r.PrincipalID == principalID && r.ClientOperationID == clientOperationID {
			return r, true
		}
	}
	return domain.ChangeRecord{}, false
}

// applyLocked transforms batch against every record accepted after its base
// version and applies the result. Session state is only modified when the
// whole batch applies.
func (s *Session) applyLocked(principalID string, batch domain.Batch, now time.Time) (rec domain.ChangeRecord, err error) {
	if batch.BaseVersion > s.version {
		return rec, domain.ProtocolViolation(nil, s.version,
			"base version %d is ahead of session version %d", batch.BaseVersion, s.version)
	}
	if batch.BaseVersion < s.oldestBaseLocked() || batch.BaseVersion < 0 {
		return rec, domain.ProtocolViolation(nil, batch.BaseVersion,
			"base version %d is older than retained history (from %d)", batch.BaseVersion, s.oldestBaseLocked())
	}

	defer func() {
		if r := recover(); r != nil {
			err = domain.NewError(domain.KindFatalInternalError, fmt.Errorf("%v", r),
				"transform of batch %q failed", batch.ClientOperationID)
		}
	}()

	author := ot.Author{PrincipalID: principalID, ClientOperationID: batch.ClientOperationID}
	ops := batch.Operations
	skip := len(s.history) - int(s.version-batch.BaseVersion)
	for _, applied := range s.history[skip:] {
		ops = ot.Rebase(ops, author, applied.Operations, applied.Author())
	}

	text, err := ot.ApplyAll(s.text, ops)
	if err != nil {
		if errors.Is(err, ot.ErrOutOfRange) || errors.Is(err, ot.ErrMalformed) {
			return rec, domain.ProtocolViolation(err, batch.BaseVersion, "batch %q does not apply", batch.ClientOperationID)
		}
		return rec, domain.NewError(domain.KindFatalInternalError, err, "apply batch %q", batch.ClientOperationID)
	}

	s.version++
	s.text = text
	rec = domain.ChangeRecord{
		SessionID:         s.id,
		DocumentID:        s.documentID,
		Version:           s.version,
		PrincipalID:       principalID,
		ClientOperationID: batch.ClientOperationID,
		Operations:        ops,
		AppliedAt:         now,
	}
	s.appendHistoryLocked(rec)
	s.touchLocked(now)
	return rec, nil
}

func (s *Session) appendHistoryLocked(rec domain.ChangeRecord) {
	s.history = append(s.history, rec)
	if s.historyLimit > 0 && len(s.history) > s.historyLimit {
		drop := len(s.history) - s.historyLimit
		s.history = append(s.history[:0:0], s.history[drop:]...)
	}
}

// syncLocked returns the records after fromVersion, or a full snapshot when
// they are no longer retained or more than maxIncremental behind.
func (s *Session) syncLocked(fromVersion, maxIncremental int64, now time.Time) (domain.SyncResult, error) {
	if fromVersion > s.version || fromVersion < 0 {
		return domain.SyncResult{}, domain.ProtocolViolation(nil, s.version,
			"resync from %d, session is at %d", fromVersion, s.version)
	}
	res := domain.SyncResult{SessionID: s.id, Version: s.version}
	behind := s.version - fromVersion
	if fromVersion < s.oldestBaseLocked() || (maxIncremental > 0 && behind > maxIncremental) {
		res.Snapshot = &domain.Snapshot{DocumentID: s.documentID, Version: s.version, Text: s.text, SavedAt: now}
		return res, nil
	}
	skip := len(s.history) - int(behind)
	res.Records = append([]domain.ChangeRecord(nil), s.history[skip:]...)
	return res, nil
}

// localMembersLocked returns the members connected to this instance, in a
// stable order.
func (s *Session) localMembersLocked() []*member {
	out := make([]*member, 0, len(s.members))
	for _, m := range s.members {
		if m.conn != nil {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].connectionID < out[j].connectionID })
	return out
}

// deliverLocked hands ev to every local member except exclude and returns the
// members that could not keep up.
func (s *Session) deliverLocked(ev domain.Event, exclude string) []*member {
	var slow []*member
	for _, m := range s.localMembersLocked() {
		if m.connectionID == exclude {
			continue
		}
		if !m.conn.Deliver(ev) {
			slow = append(slow, m)
		}
	}
	return slow
}
