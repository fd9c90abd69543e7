package domain

// Event is something that happened in a session and must reach its
// participants, locally and on other instances. The set of events is closed:
// consumers switch over the concrete types.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// EventMeta is stamped by the owning instance. Seq increases by one for every
// event the owner emits in the session.
type EventMeta struct {
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
}

// ChangeApplied carries an accepted, transformed batch.
type ChangeApplied struct {
	EventMeta
	Record ChangeRecord `json:"record"`
	// OriginConnection submitted the batch and is acknowledged separately.
	OriginConnection string `json:"originConnection"`
}

type ParticipantJoined struct {
	EventMeta
	Participant  Participant `json:"participant"`
	ConnectionID string      `json:"connectionId"`
}

type ParticipantLeft struct {
	EventMeta
	PrincipalID  string `json:"principalId"`
	ConnectionID string `json:"connectionId"`
}

// CursorMoved is advisory and never affects convergence.
type CursorMoved struct {
	EventMeta
	PrincipalID  string `json:"principalId"`
	ConnectionID string `json:"connectionId"`
	Position     int    `json:"position"`
}

// SessionNotice reports a session-wide condition such as degraded
// persistence.
type SessionNotice struct {
	EventMeta
	Error Error `json:"error"`
}

// The events below answer one connection and are never fanned out. They are
// delivered through the same queue as broadcasts so that a client sees them
// in session order.

type SessionJoined struct {
	EventMeta
	Result JoinResult `json:"result"`
}

type ChangeAcked struct {
	EventMeta
	Ack Ack `json:"ack"`
}

type SyncCompleted struct {
	EventMeta
	Result SyncResult `json:"result"`
}

func (e ChangeApplied) Meta() EventMeta     { return e.EventMeta }
func (e ParticipantJoined) Meta() EventMeta { return e.EventMeta }
func (e ParticipantLeft) Meta() EventMeta   { return e.EventMeta }
func (e CursorMoved) Meta() EventMeta       { return e.EventMeta }
func (e SessionNotice) Meta() EventMeta     { return e.EventMeta }
func (e SessionJoined) Meta() EventMeta     { return e.EventMeta }
func (e ChangeAcked) Meta() EventMeta       { return e.EventMeta }
func (e SyncCompleted) Meta() EventMeta     { return e.EventMeta }

func (ChangeApplied) isEvent()     {}
func (ParticipantJoined) isEvent() {}
func (ParticipantLeft) isEvent()   {}
func (CursorMoved) isEvent()       {}
func (SessionNotice) isEvent()     {}
func (SessionJoined) isEvent()     {}
func (ChangeAcked) isEvent()       {}
func (SyncCompleted) isEvent()     {}

// ForwardKind names a session operation a relay instance forwards to the
// owner.
type ForwardKind string

const (
	ForwardJoin   ForwardKind = "join"
	ForwardSubmit ForwardKind = "submit"
	ForwardLeave  ForwardKind = "leave"
	ForwardResync ForwardKind = "resync"
	ForwardCursor ForwardKind = "cursor"
)

// ForwardRequest is a session operation received by a relay on behalf of one
// of its local connections.
type ForwardRequest struct {
	ID           string      `json:"id"`
	ReplyTo      string      `json:"replyTo"`
	Kind         ForwardKind `json:"kind"`
	DocumentID   string      `json:"documentId"`
	SessionID    string      `json:"sessionId"`
	PrincipalID  string      `json:"principalId"`
	ConnectionID string      `json:"connectionId"`
	Batch        *Batch      `json:"batch,omitempty"`
	FromVersion  int64       `json:"fromVersion,omitempty"`
	Position     int         `json:"position,omitempty"`
}

type ForwardResponse struct {
	ID    string      `json:"id"`
	Join  *JoinResult `json:"join,omitempty"`
	Ack   *Ack        `json:"ack,omitempty"`
	Sync  *SyncResult `json:"sync,omitempty"`
	Error *Error      `json:"error,omitempty"`
}
