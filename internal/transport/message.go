// Package transport adapts WebSocket connections to the session manager. Every
// frame is one JSON Envelope; the Type field selects the payload shape.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"collabtext/collabd/internal/domain"
)

// Message types.
const (
	TypeJoin             = "session.join"
	TypeJoined           = "session.joined"
	TypeChange           = "document.change"
	TypeAck              = "change.ack"
	TypeCursor           = "cursor.position"
	TypeParticipantJoin  = "participant.joined"
	TypeParticipantLeave = "participant.left"
	TypeHeartbeat        = "system.heartbeat"
	TypeError            = "system.error"
	TypeSyncRequest      = "sync.request"
	TypeSyncResponse     = "sync.response"
)

var ErrUnknownType = errors.New("unknown message type")

type Metadata struct {
	Timestamp         time.Time `json:"timestamp"`
	PrincipalID       string    `json:"principalId,omitempty"`
	SessionID         string    `json:"sessionId,omitempty"`
	ClientOperationID string    `json:"clientOperationId,omitempty"`
	Version           *int64    `json:"version,omitempty"`
}

type Envelope struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

// Payloads sent by clients.

type JoinPayload struct {
	DocumentID string `json:"documentId,omitempty"`
}

type CursorPayload struct {
	PrincipalID  string `json:"principalId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Position     int    `json:"position"`
}

type SyncRequestPayload struct {
	FromVersion int64 `json:"fromVersion"`
}

// Payloads sent by the server.

type ParticipantPayload struct {
	PrincipalID  string `json:"principalId"`
	DisplayName  string `json:"displayName,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// ErrorPayload is the wire form of domain.Error. Durations are milliseconds.
type ErrorPayload struct {
	Kind         domain.ErrorKind `json:"kind"`
	Message      string           `json:"message"`
	RetryAfterMs int64            `json:"retryAfter,omitempty"`
	ResyncFrom   *int64           `json:"resyncFrom,omitempty"`
}

func errorPayload(e *domain.Error) ErrorPayload {
	return ErrorPayload{
		Kind:         e.Kind,
		Message:      e.Message,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
		ResyncFrom:   e.ResyncFrom,
	}
}

func (p ErrorPayload) RetryAfter() time.Duration {
	return time.Duration(p.RetryAfterMs) * time.Millisecond
}

func NewEnvelope(typ string, payload any, meta Metadata) (Envelope, error) {
	env := Envelope{Type: typ, Metadata: meta}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("encode %s: %w", typ, err)
	}
	env.Payload = b
	return env, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

func versionRef(v int64) *int64 {
	return &v
}

// eventEnvelope renders a session event as the frame its recipients see.
func eventEnvelope(ev domain.Event, now time.Time) (Envelope, error) {
	meta := Metadata{Timestamp: now, SessionID: ev.Meta().SessionID}
	switch e := ev.(type) {
	case domain.SessionJoined:
		meta.Version = versionRef(e.Result.Version)
		return NewEnvelope(TypeJoined, e.Result, meta)
	case domain.ChangeApplied:
		meta.PrincipalID = e.Record.PrincipalID
		meta.ClientOperationID = e.Record.ClientOperationID
		meta.Version = versionRef(e.Record.Version)
		return NewEnvelope(TypeChange, e.Record, meta)
	case domain.ChangeAcked:
		meta.ClientOperationID = e.Ack.ClientOperationID
		meta.Version = versionRef(e.Ack.Version)
		return NewEnvelope(TypeAck, e.Ack, meta)
	case domain.CursorMoved:
		meta.PrincipalID = e.PrincipalID
		return NewEnvelope(TypeCursor, CursorPayload{PrincipalID: e.PrincipalID, ConnectionID: e.ConnectionID, Position: e.Position}, meta)
	case domain.ParticipantJoined:
		meta.PrincipalID = e.Participant.PrincipalID
		return NewEnvelope(TypeParticipantJoin, ParticipantPayload{
			PrincipalID:  e.Participant.PrincipalID,
			DisplayName:  e.Participant.DisplayName,
			ConnectionID: e.ConnectionID,
		}, meta)
	case domain.ParticipantLeft:
		meta.PrincipalID = e.PrincipalID
		return NewEnvelope(TypeParticipantLeave, ParticipantPayload{PrincipalID: e.PrincipalID, ConnectionID: e.ConnectionID}, meta)
	case domain.SessionNotice:
		return NewEnvelope(TypeError, errorPayload(&e.Error), meta)
	case domain.SyncCompleted:
		meta.Version = versionRef(e.Result.Version)
		return NewEnvelope(TypeSyncResponse, e.Result, meta)
	}
	return Envelope{}, fmt.Errorf("%w: %T", ErrUnknownType, ev)
}
