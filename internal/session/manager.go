package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ot"
	"collabtext/collabd/internal/ports"
)

// WebSocket close codes used when the manager ends a connection.
const (
	CloseGoingAway        = 1001
	CloseOwnerLost        = 1012
	CloseSlowConsumer     = 1013
	CloseUnauthorized     = 4403
	CloseHeartbeatTimeout = 4408
)

var (
	ErrChangeLogFull = errors.New("change log queue full")
	// ErrUnflushed refuses to rebuild a document whose accepted changes are
	// still waiting in the change log.
	ErrUnflushed = errors.New("changes not stored yet")
)

type Options struct {
	// IdleGrace is how long a session without participants is kept before
	// its memory is reclaimed.
	IdleGrace        time.Duration
	HeartbeatTimeout time.Duration
	// HistoryLimit bounds the change records kept in memory for transforms
	// and incremental resync.
	HistoryLimit int
	// ResyncMaxIncremental is the largest gap answered with change records;
	// larger gaps get a full snapshot.
	ResyncMaxIncremental int64
	CheckpointEvery      int64
	LeaseTTL             time.Duration
	ForwardTimeout       time.Duration
	RetryAfter           time.Duration
	SweepInterval        time.Duration
	OutboxSize           int
}

func DefaultOptions() Options {
	return Options{
		IdleGrace:            30 * time.Second,
		HeartbeatTimeout:     90 * time.Second,
		HistoryLimit:         1000,
		ResyncMaxIncremental: 500,
		CheckpointEvery:      100,
		LeaseTTL:             15 * time.Second,
		ForwardTimeout:       5 * time.Second,
		RetryAfter:           time.Second,
		SweepInterval:        5 * time.Second,
		OutboxSize:           256,
	}
}

type Deps struct {
	Registry    Registry
	Authorizer  ports.Authorizer
	Documents   ports.DocumentStore
	Changes     ports.ChangeStore
	ChangeLog   ports.ChangeLog
	Identity    ports.IdentityResolver
	Coordinator ports.Coordinator
	Clock       ports.Clock
	NewID       func() string
}

// Manager owns the sessions live on one instance. Mutations of a session are
// serialized by that session's lock; different sessions proceed in parallel.
type Manager struct {
	opts     Options
	registry Registry
	authz    ports.Authorizer
	docs     ports.DocumentStore
	changes  ports.ChangeStore
	log      ports.ChangeLog
	identity ports.IdentityResolver
	coord    ports.Coordinator
	clock    ports.Clock
	newID    func() string
	docLocks keyedLocks
}

var _ ports.CoordinationHandler = (*Manager)(nil)

func NewManager(deps Deps, opts Options) *Manager {
	if deps.Registry == nil {
		deps.Registry = NewMemoryRegistry()
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return ulid.Make().String() }
	}
	return &Manager{
		opts:     opts,
		registry: deps.Registry,
		authz:    deps.Authorizer,
		docs:     deps.Documents,
		changes:  deps.Changes,
		log:      deps.ChangeLog,
		identity: deps.Identity,
		coord:    deps.Coordinator,
		clock:    deps.Clock,
		newID:    deps.NewID,
	}
}

func (m *Manager) InstanceID() string {
	return m.coord.InstanceID()
}

// Session returns the state of the session this instance holds for
// documentID.
func (m *Manager) Session(documentID string) (Info, bool) {
	s, ok := m.registry.ByDocument(documentID)
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// Join validates access, adds conn to the document's session and delivers the
// current version and text to it.
func (m *Manager) Join(ctx context.Context, documentID string, conn Conn) (domain.JoinResult, error) {
	principalID := conn.PrincipalID()
	allowed, err := m.authz.CanAccess(ctx, documentID, principalID)
	if err != nil {
		return domain.JoinResult{}, domain.TransientFailure(err, m.opts.RetryAfter, "authorize %q on %q", principalID, documentID)
	}
	if !allowed {
		return domain.JoinResult{}, domain.NewError(domain.KindAuthorizationFailure, nil,
			"principal %q may not edit document %q", principalID, documentID)
	}
	displayName := m.displayName(ctx, principalID)

	for attempt := 0; attempt < 3; attempt++ {
		s, err := m.open(ctx, documentID)
		if err != nil {
			return domain.JoinResult{}, err
		}
		var res domain.JoinResult
		if s.owned {
			mem := &member{
				connectionID:  conn.ID(),
				principalID:   principalID,
				instance:      m.coord.InstanceID(),
				conn:          conn,
				lastHeartbeat: m.clock.Now(),
			}
			res, err = m.joinOwned(ctx, s, mem, displayName)
		} else {
			res, err = m.joinRelay(ctx, s, conn, displayName)
		}
		if errors.Is(err, errReclaimed) {
			continue
		}
		return res, err
	}
	return domain.JoinResult{}, domain.TransientFailure(errReclaimed, m.opts.RetryAfter, "session for %q is being reclaimed", documentID)
}

// Submit transforms batch against the changes accepted since its base
// version, applies it and fans the result out. The acknowledgement reaches
// conn through its delivery queue and is also returned.
func (m *Manager) Submit(ctx context.Context, sessionID string, conn Conn, batch domain.Batch) (domain.Ack, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return domain.Ack{}, err
	}
	if err := validateBatch(batch); err != nil {
		return domain.Ack{}, err
	}
	if !s.owned {
		return m.submitRelay(ctx, s, conn, batch)
	}
	return m.submitOwned(ctx, s, conn.ID(), conn.PrincipalID(), batch)
}

// Leave removes conn from the session. The principal leaves once its last
// connection is gone.
func (m *Manager) Leave(ctx context.Context, sessionID string, conn Conn) error {
	s, ok := m.registry.ByID(sessionID)
	if !ok {
		return nil
	}
	return m.leave(ctx, s, conn.ID())
}

// Resync returns the change records after fromVersion, or the full snapshot
// when the caller is too far behind.
func (m *Manager) Resync(ctx context.Context, sessionID string, conn Conn, fromVersion int64) (domain.SyncResult, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return domain.SyncResult{}, err
	}
	if !s.owned {
		return m.resyncRelay(ctx, s, conn, fromVersion)
	}
	return m.resyncOwned(ctx, s, conn.ID(), conn.PrincipalID(), fromVersion)
}

// MoveCursor broadcasts an advisory cursor position.
func (m *Manager) MoveCursor(ctx context.Context, sessionID string, conn Conn, position int) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if position < 0 {
		return domain.NewError(domain.KindProtocolViolation, nil, "negative cursor position %d", position)
	}
	if !s.owned {
		_, err := m.forward(ctx, s, domain.ForwardRequest{
			Kind:         domain.ForwardCursor,
			DocumentID:   s.documentID,
			SessionID:    s.id,
			PrincipalID:  conn.PrincipalID(),
			ConnectionID: conn.ID(),
			Position:     position,
		})
		return err
	}
	return m.cursorOwned(ctx, s, conn.ID(), conn.PrincipalID(), position)
}

// Heartbeat records liveness for conn.
func (m *Manager) Heartbeat(sessionID string, conn Conn) {
	s, ok := m.registry.ByID(sessionID)
	if !ok {
		return
	}
	now := m.clock.Now()
	s.mu.Lock()
	if mem, ok := s.members[conn.ID()]; ok {
		mem.lastHeartbeat = now
	}
	s.mu.Unlock()
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	s, ok := m.registry.ByID(sessionID)
	if !ok {
		return nil, domain.NewError(domain.KindProtocolViolation, domain.ErrSessionNotFound, "unknown session %q", sessionID)
	}
	return s, nil
}

func validateBatch(batch domain.Batch) error {
	if len(batch.Operations) == 0 {
		return domain.ProtocolViolation(nil, batch.BaseVersion, "batch %q has no operations", batch.ClientOperationID)
	}
	if err := ot.ValidateAll(batch.Operations); err != nil {
		return domain.ProtocolViolation(err, batch.BaseVersion, "malformed batch %q", batch.ClientOperationID)
	}
	return nil
}

// open returns the live session for documentID, creating it as owner or relay
// depending on who holds the document's ownership lease.
func (m *Manager) open(ctx context.Context, documentID string) (*Session, error) {
	unlock := m.docLocks.lock(documentID)
	defer unlock()

	if s, ok := m.registry.ByDocument(documentID); ok {
		s.mu.Lock()
		reclaimed := s.state == StateReclaimed
		s.mu.Unlock()
		if !reclaimed {
			return s, nil
		}
		m.registry.Remove(s)
	}

	// Storage must hold every change this instance accepted before the
	// document is rebuilt from it.
	if n := m.log.PendingFor(documentID); n > 0 {
		return nil, domain.TransientFailure(ErrUnflushed, m.opts.RetryAfter, "%d changes of %q not stored yet", n, documentID)
	}

	sessionID := m.newID()
	own, err := m.coord.Acquire(ctx, documentID, sessionID)
	if err != nil {
		return nil, domain.TransientFailure(err, m.opts.RetryAfter, "acquire ownership of %q", documentID)
	}
	if !own.Acquired && own.Instance == m.coord.InstanceID() {
		// The lease still names a session this instance no longer holds. Its
		// id is not reused: records are keyed by (session, version).
		glog.Infof("[session]replacing stale lease %s on %s\n", own.SessionID, documentID)
		if err := m.coord.Release(ctx, documentID, own.SessionID); err != nil {
			return nil, domain.TransientFailure(err, m.opts.RetryAfter, "release stale lease of %q", documentID)
		}
		if own, err = m.coord.Acquire(ctx, documentID, sessionID); err != nil {
			return nil, domain.TransientFailure(err, m.opts.RetryAfter, "acquire ownership of %q", documentID)
		}
		if !own.Acquired && own.Instance == m.coord.InstanceID() {
			return nil, domain.TransientFailure(domain.ErrNotOwner, m.opts.RetryAfter, "lease of %q is held by another local session", documentID)
		}
	}
	now := m.clock.Now()

	var s *Session
	if own.Acquired {
		snapshot, history, err := Replay(ctx, m.docs, m.changes, documentID)
		if err != nil {
			if rerr := m.coord.Release(ctx, documentID, own.SessionID); rerr != nil {
				glog.Warningf("[session]release %s after failed hydrate = %s\n", documentID, rerr)
			}
			return nil, err
		}
		checkpoint := snapshot.Version - int64(len(history))
		if m.opts.HistoryLimit > 0 && len(history) > m.opts.HistoryLimit {
			history = history[len(history)-m.opts.HistoryLimit:]
		}
		s = newOwnedSession(own.SessionID, documentID, m.coord.InstanceID(), snapshot, history, m.opts.HistoryLimit, now)
		s.lastCheckpoint = checkpoint
		s.outbox = make(chan domain.Event, max(1, m.opts.OutboxSize))
		go m.publishLoop(s, s.outbox)
		glog.Infof("[session]%s owned doc=%s version=%d\n", s.id, documentID, s.version)
	} else {
		s = newRelaySession(own.SessionID, documentID, own.Instance, now)
		if err := m.coord.Subscribe(ctx, s.id); err != nil {
			return nil, domain.TransientFailure(err, m.opts.RetryAfter, "subscribe to session %s", s.id)
		}
		glog.Infof("[session]%s relay doc=%s owner=%s\n", s.id, documentID, own.Instance)
	}
	m.registry.Add(s)
	return s, nil
}

// Replay rebuilds a document from its last snapshot and the change records
// persisted after it. The returned history holds the replayed records.
//
// When two sessions stored a record for the same version, the newer session
// wins and records of older sessions are not followed past that point.
func Replay(ctx context.Context, docs ports.DocumentStore, changes ports.ChangeStore, documentID string) (domain.Snapshot, []domain.ChangeRecord, error) {
	snapshot, err := docs.LoadSnapshot(ctx, documentID)
	if errors.Is(err, domain.ErrNoSnapshot) {
		snapshot = domain.Snapshot{DocumentID: documentID}
	} else if err != nil {
		return domain.Snapshot{}, nil, domain.TransientFailure(err, time.Second, "load snapshot of %q", documentID)
	}
	records, err := changes.LoadSince(ctx, documentID, snapshot.Version)
	if err != nil {
		return domain.Snapshot{}, nil, domain.TransientFailure(err, time.Second, "load changes of %q", documentID)
	}
	l := newLineage(documentID, records)
	var history []domain.ChangeRecord
	for {
		rec, ok := l.next(snapshot.Version + 1)
		if !ok {
			if last := l.last(); last > snapshot.Version {
				glog.Warningf("[session]replay %s stops at %d, last persisted version is %d\n", documentID, snapshot.Version, last)
			}
			break
		}
		text, err := ot.ApplyAll(snapshot.Text, rec.Operations)
		if err != nil {
			return domain.Snapshot{}, nil, domain.NewError(domain.KindFatalInternalError, err, "replay %q version %d", documentID, rec.Version)
		}
		snapshot.Text = text
		snapshot.Version = rec.Version
		history = append(history, rec)
	}
	return snapshot, history, nil
}

// lineage picks, version by version, the records of one session chain. A
// session that started later supersedes every earlier one from the first
// version they both stored.
type lineage struct {
	documentID string
	byVersion  map[int64][]domain.ChangeRecord
	started    map[string]time.Time
	current    string
	maxVersion int64
}

func newLineage(documentID string, records []domain.ChangeRecord) *lineage {
	l := &lineage{
		documentID: documentID,
		byVersion:  make(map[int64][]domain.ChangeRecord),
		started:    make(map[string]time.Time),
	}
	for _, rec := range records {
		l.byVersion[rec.Version] = append(l.byVersion[rec.Version], rec)
		if t, ok := l.started[rec.SessionID]; !ok || rec.AppliedAt.Before(t) {
			l.started[rec.SessionID] = rec.AppliedAt
		}
		l.maxVersion = max(l.maxVersion, rec.Version)
	}
	return l
}

// newer reports whether session a started after session b.
func (l *lineage) newer(a, b string) bool {
	ta, tb := l.started[a], l.started[b]
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a > b
}

func (l *lineage) next(version int64) (domain.ChangeRecord, bool) {
	var (
		best  domain.ChangeRecord
		found bool
	)
	for _, rec := range l.byVersion[version] {
		if l.current != "" && rec.SessionID != l.current && !l.newer(rec.SessionID, l.current) {
			continue
		}
		if !found || l.newer(rec.SessionID, best.SessionID) {
			best, found = rec, true
		}
	}
	if !found {
		return best, false
	}
	if l.current != "" && best.SessionID != l.current {
		glog.Warningf("[session]replay %s switches from session %s to %s at version %d\n", l.documentID, l.current, best.SessionID, version)
	}
	l.current = best.SessionID
	return best, true
}

func (l *lineage) last() int64 {
	return l.maxVersion
}

func (m *Manager) joinOwned(ctx context.Context, s *Session, mem *member, displayName string) (domain.JoinResult, error) {
	now := m.clock.Now()
	s.mu.Lock()
	isNew, err := s.addMemberLocked(mem, displayName, now)
	if err != nil {
		s.mu.Unlock()
		return domain.JoinResult{}, err
	}
	if s.persistFailed && m.log.Healthy() {
		s.persistFailed = false
		glog.Infof("[session]%s persistence healthy again\n", s.id)
	}
	res := s.joinResultLocked()
	var slow []*member
	if mem.conn != nil && !mem.conn.Deliver(domain.SessionJoined{EventMeta: domain.EventMeta{SessionID: s.id, Seq: s.seq}, Result: res}) {
		slow = append(slow, mem)
	}
	if isNew {
		ev := domain.ParticipantJoined{
			EventMeta:    s.nextMeta(),
			Participant:  domain.Participant{PrincipalID: mem.principalID, DisplayName: displayName},
			ConnectionID: mem.connectionID,
		}
		slow = append(slow, s.deliverLocked(ev, mem.connectionID)...)
		m.publishLocked(s, ev)
	}
	s.mu.Unlock()

	glog.V(1).Infof("[session]%s join %s conn=%s version=%d\n", s.id, mem.principalID, mem.connectionID, res.Version)
	m.dropSlow(ctx, s, slow)
	return res, nil
}

func (m *Manager) submitOwned(ctx context.Context, s *Session, connectionID, principalID string, batch domain.Batch) (domain.Ack, error) {
	now := m.clock.Now()
	s.mu.Lock()
	mem, ok := s.members[connectionID]
	if !ok || mem.principalID != principalID {
		s.mu.Unlock()
		return domain.Ack{}, domain.NewError(domain.KindProtocolViolation, domain.ErrNotJoined, "connection %s", connectionID)
	}

	if dup, ok := s.findDuplicateLocked(principalID, batch.ClientOperationID); ok {
		ack := domain.Ack{SessionID: s.id, ClientOperationID: batch.ClientOperationID, Version: dup.Version, Duplicate: true}
		var slow []*member
		if mem.conn != nil && !mem.conn.Deliver(domain.ChangeAcked{EventMeta: domain.EventMeta{SessionID: s.id, Seq: s.seq}, Ack: ack}) {
			slow = append(slow, mem)
		}
		s.mu.Unlock()
		m.dropSlow(ctx, s, slow)
		return ack, nil
	}

	rec, err := s.applyLocked(principalID, batch, now)
	if err != nil {
		s.mu.Unlock()
		m.reportRejected(s, principalID, batch, err)
		return domain.Ack{}, err
	}

	ack := domain.Ack{SessionID: s.id, ClientOperationID: batch.ClientOperationID, Version: rec.Version}
	meta := s.nextMeta()
	var slow []*member
	if mem.conn != nil && !mem.conn.Deliver(domain.ChangeAcked{EventMeta: meta, Ack: ack}) {
		slow = append(slow, mem)
	}
	change := domain.ChangeApplied{EventMeta: meta, Record: rec, OriginConnection: connectionID}
	slow = append(slow, s.deliverLocked(change, connectionID)...)
	m.publishLocked(s, change)

	if !m.log.Append(rec) {
		slow = append(slow, m.degradeLocked(s, causePersistence, domain.TransientFailure(ErrChangeLogFull, m.opts.RetryAfter, "change log unavailable"))...)
	}
	if m.opts.CheckpointEvery > 0 && rec.Version-s.lastCheckpoint >= m.opts.CheckpointEvery {
		if m.log.Checkpoint(domain.Snapshot{DocumentID: s.documentID, Version: rec.Version, Text: s.text, SavedAt: now}) {
			s.lastCheckpoint = rec.Version
		}
	}
	s.mu.Unlock()

	glog.V(2).Infof("[session]%s accept %s/%s base=%d version=%d\n", s.id, principalID, batch.ClientOperationID, batch.BaseVersion, rec.Version)
	m.dropSlow(ctx, s, slow)
	return ack, nil
}

func (m *Manager) reportRejected(s *Session, principalID string, batch domain.Batch, err error) {
	if domain.IsKind(err, domain.KindFatalInternalError) {
		glog.Errorf("[session]%s batch %s/%s failed = %s\n", s.id, principalID, batch.ClientOperationID, err)
		return
	}
	glog.V(1).Infof("[session]%s reject %s/%s = %s\n", s.id, principalID, batch.ClientOperationID, err)
}

func (m *Manager) resyncOwned(ctx context.Context, s *Session, connectionID, principalID string, fromVersion int64) (domain.SyncResult, error) {
	now := m.clock.Now()
	s.mu.Lock()
	mem, ok := s.members[connectionID]
	if !ok || mem.principalID != principalID {
		s.mu.Unlock()
		return domain.SyncResult{}, domain.NewError(domain.KindProtocolViolation, domain.ErrNotJoined, "connection %s", connectionID)
	}
	res, err := s.syncLocked(fromVersion, m.opts.ResyncMaxIncremental, now)
	var slow []*member
	if err == nil && mem.conn != nil && !mem.conn.Deliver(domain.SyncCompleted{EventMeta: domain.EventMeta{SessionID: s.id, Seq: s.seq}, Result: res}) {
		slow = append(slow, mem)
	}
	s.mu.Unlock()
	m.dropSlow(ctx, s, slow)
	return res, err
}

func (m *Manager) cursorOwned(ctx context.Context, s *Session, connectionID, principalID string, position int) error {
	s.mu.Lock()
	mem, ok := s.members[connectionID]
	if !ok || mem.principalID != principalID {
		s.mu.Unlock()
		return domain.NewError(domain.KindProtocolViolation, domain.ErrNotJoined, "connection %s", connectionID)
	}
	mem.cursor = &position
	ev := domain.CursorMoved{EventMeta: s.nextMeta(), PrincipalID: principalID, ConnectionID: connectionID, Position: position}
	slow := s.deliverLocked(ev, connectionID)
	m.publishLocked(s, ev)
	s.mu.Unlock()
	m.dropSlow(ctx, s, slow)
	return nil
}

func (m *Manager) leave(ctx context.Context, s *Session, connectionID string) error {
	if !s.owned {
		return m.leaveRelay(ctx, s, connectionID)
	}
	m.leaveOwned(ctx, s, connectionID)
	return nil
}

func (m *Manager) leaveOwned(ctx context.Context, s *Session, connectionID string) {
	now := m.clock.Now()
	s.mu.Lock()
	mem, gone := s.removeMemberLocked(connectionID, now)
	if mem == nil {
		s.mu.Unlock()
		return
	}
	var slow []*member
	if gone {
		ev := domain.ParticipantLeft{EventMeta: s.nextMeta(), PrincipalID: mem.principalID, ConnectionID: connectionID}
		slow = s.deliverLocked(ev, "")
		m.publishLocked(s, ev)
	}
	remaining := len(s.members)
	s.mu.Unlock()

	glog.V(1).Infof("[session]%s leave %s conn=%s remaining=%d\n", s.id, mem.principalID, connectionID, remaining)
	m.dropSlow(ctx, s, slow)
}

type degradeCause int

const (
	causePersistence degradeCause = iota
	causeCoordination
)

// degradeLocked flags s as running without one of its dependencies and tells
// its participants the first time. It returns members that could not take the
// notice.
func (m *Manager) degradeLocked(s *Session, cause degradeCause, e *domain.Error) []*member {
	was := s.degradedLocked()
	switch cause {
	case causePersistence:
		s.persistFailed = true
	case causeCoordination:
		s.coordFailed = true
	}
	if was {
		return nil
	}
	glog.Warningf("[session]%s degraded = %s\n", s.id, e)
	ev := domain.SessionNotice{EventMeta: s.nextMeta(), Error: *e}
	slow := s.deliverLocked(ev, "")
	m.publishLocked(s, ev)
	return slow
}

// PersistenceChanged is called by the change log writer when its health
// changes. Owned sessions are flagged degraded on failure and cleared on
// recovery.
func (m *Manager) PersistenceChanged(healthy bool, err error) {
	if healthy {
		glog.Infof("[session]persistence recovered\n")
		for _, s := range m.registry.Sessions() {
			if s.owned {
				s.mu.Lock()
				s.persistFailed = false
				s.mu.Unlock()
			}
		}
		return
	}
	e := domain.TransientFailure(err, m.opts.RetryAfter, "change log unavailable")
	for _, s := range m.registry.Sessions() {
		if !s.owned {
			continue
		}
		s.mu.Lock()
		slow := m.degradeLocked(s, causePersistence, e)
		s.mu.Unlock()
		m.dropSlow(context.Background(), s, slow)
	}
}

// publishLocked queues ev for other instances without blocking. Events leave
// in the order they were queued.
func (m *Manager) publishLocked(s *Session, ev domain.Event) {
	if s.outbox == nil {
		return
	}
	select {
	case s.outbox <- ev:
	default:
		glog.Warningf("[session]%s outbox full, dropped seq=%d\n", s.id, ev.Meta().Seq)
		s.coordFailed = true
	}
}

// publishBackOff bounds the retries of one publish by the lease TTL: past it
// relays treat the owner as gone anyway.
func (m *Manager) publishBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = max(m.opts.RetryAfter/10, time.Millisecond)
	b.MaxInterval = max(m.opts.LeaseTTL/3, b.InitialInterval)
	b.MaxElapsedTime = m.opts.LeaseTTL
	b.Reset()
	return b
}

func (m *Manager) publishLoop(s *Session, outbox <-chan domain.Event) {
	for ev := range outbox {
		publish := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.ForwardTimeout)
			defer cancel()
			return m.coord.Publish(ctx, ev)
		}
		failed := func(err error, wait time.Duration) {
			glog.Warningf("[session]%s publish seq=%d = %s, retry in %s\n", s.id, ev.Meta().Seq, err, wait)
			s.mu.Lock()
			slow := m.degradeLocked(s, causeCoordination, domain.TransientFailure(err, m.opts.RetryAfter, "coordination unavailable"))
			s.mu.Unlock()
			m.dropSlow(context.Background(), s, slow)
		}
		if err := backoff.RetryNotify(publish, m.publishBackOff(), failed); err != nil {
			glog.Errorf("[session]%s gave up publishing seq=%d = %s\n", s.id, ev.Meta().Seq, err)
			continue
		}
		s.mu.Lock()
		if s.coordFailed {
			s.coordFailed = false
			glog.Infof("[session]%s coordination healthy again\n", s.id)
		}
		s.mu.Unlock()
	}
}

func (m *Manager) closeOutboxLocked(s *Session) {
	if s.outbox != nil {
		close(s.outbox)
		s.outbox = nil
	}
}

// dropSlow disconnects members whose delivery queue overflowed.
func (m *Manager) dropSlow(ctx context.Context, s *Session, slow []*member) {
	for _, mem := range slow {
		glog.Infof("[session]%s drop slow conn=%s\n", s.id, mem.connectionID)
		mem.conn.Close(CloseSlowConsumer, "connection cannot keep up")
		if err := m.leave(ctx, s, mem.connectionID); err != nil {
			glog.V(1).Infof("[session]%s leave slow conn=%s = %s\n", s.id, mem.connectionID, err)
		}
	}
}

func (m *Manager) displayName(ctx context.Context, principalID string) string {
	if m.identity == nil {
		return principalID
	}
	name, err := m.identity.DisplayName(ctx, principalID)
	if err != nil || name == "" {
		if err != nil {
			glog.V(1).Infof("[session]resolve %s = %s\n", principalID, err)
		}
		return principalID
	}
	return name
}
