// Package coord connects session managers on different instances: document
// ownership leases, event fan-out to relays and request forwarding to owners.
package coord

import (
	"encoding/json"
	"fmt"

	"collabtext/collabd/internal/domain"
)

// Event type tags on the wire.
const (
	typeChangeApplied     = "change.applied"
	typeParticipantJoined = "participant.joined"
	typeParticipantLeft   = "participant.left"
	typeCursorMoved       = "cursor.moved"
	typeSessionNotice     = "session.notice"
)

type eventEnvelope struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// EncodeEvent serializes a published session event.
func EncodeEvent(ev domain.Event) ([]byte, error) {
	var t string
	switch ev.(type) {
	case domain.ChangeApplied:
		t = typeChangeApplied
	case domain.ParticipantJoined:
		t = typeParticipantJoined
	case domain.ParticipantLeft:
		t = typeParticipantLeft
	case domain.CursorMoved:
		t = typeCursorMoved
	case domain.SessionNotice:
		t = typeSessionNotice
	default:
		return nil, fmt.Errorf("event %T is not published", ev)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{Type: t, Event: body})
}

func DecodeEvent(data []byte) (domain.Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case typeChangeApplied:
		return decodeAs[domain.ChangeApplied](env.Event)
	case typeParticipantJoined:
		return decodeAs[domain.ParticipantJoined](env.Event)
	case typeParticipantLeft:
		return decodeAs[domain.ParticipantLeft](env.Event)
	case typeCursorMoved:
		return decodeAs[domain.CursorMoved](env.Event)
	case typeSessionNotice:
		return decodeAs[domain.SessionNotice](env.Event)
	}
	return nil, fmt.Errorf("unknown event type %q", env.Type)
}

func decodeAs[T domain.Event](data json.RawMessage) (domain.Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// inboxMessage is a forwarded request or its response, addressed to one
// instance.
type inboxMessage struct {
	Request  *domain.ForwardRequest  `json:"request,omitempty"`
	Response *domain.ForwardResponse `json:"response,omitempty"`
}
