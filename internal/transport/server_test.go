package transport

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/collabd/internal/adapters/memory"
	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ot"
	"collabtext/collabd/internal/session"
)

func TestJoinEditAndBroadcast(t *testing.T) {
	h := newHarness(t)
	alice := h.dial("doc", "alice")
	bob := h.dial("doc", "bob")

	send(t, alice, TypeJoin, nil, Metadata{})
	var joined domain.JoinResult
	require.NoError(t, readUntil(t, alice, TypeJoined).Decode(&joined))
	assert.Equal(t, int64(0), joined.Version)
	assert.Equal(t, "Alice", joined.Participants[0].DisplayName)

	send(t, bob, TypeJoin, nil, Metadata{})
	readUntil(t, bob, TypeJoined)
	var p ParticipantPayload
	require.NoError(t, readUntil(t, alice, TypeParticipantJoin).Decode(&p))
	assert.Equal(t, "bob", p.PrincipalID)

	send(t, alice, TypeChange, domain.Batch{BaseVersion: 0, Operations: []ot.Operation{ot.Insert(0, "hi")}},
		Metadata{ClientOperationID: "a1"})
	ackEnv := readUntil(t, alice, TypeAck)
	var ack domain.Ack
	require.NoError(t, ackEnv.Decode(&ack))
	assert.Equal(t, "a1", ack.ClientOperationID)
	assert.Equal(t, int64(1), ack.Version)
	require.NotNil(t, ackEnv.Metadata.Version)
	assert.Equal(t, int64(1), *ackEnv.Metadata.Version)

	changeEnv := readUntil(t, bob, TypeChange)
	var rec domain.ChangeRecord
	require.NoError(t, changeEnv.Decode(&rec))
	assert.Equal(t, []ot.Operation{ot.Insert(0, "hi")}, rec.Operations)
	assert.Equal(t, "alice", changeEnv.Metadata.PrincipalID)
	assert.Equal(t, joined.SessionID, changeEnv.Metadata.SessionID)

	send(t, bob, TypeCursor, CursorPayload{Position: 2}, Metadata{})
	var cursor CursorPayload
	require.NoError(t, readUntil(t, alice, TypeCursor).Decode(&cursor))
	assert.Equal(t, "bob", cursor.PrincipalID)
	assert.Equal(t, 2, cursor.Position)

	send(t, bob, TypeSyncRequest, SyncRequestPayload{FromVersion: 0}, Metadata{})
	var sync domain.SyncResult
	require.NoError(t, readUntil(t, bob, TypeSyncResponse).Decode(&sync))
	assert.Len(t, sync.Records, 1)

	bob.Close()
	var left ParticipantPayload
	require.NoError(t, readUntil(t, alice, TypeParticipantLeave).Decode(&left))
	assert.Equal(t, "bob", left.PrincipalID)
}

func TestProtocolViolations(t *testing.T) {
	h := newHarness(t)
	conn := h.dial("doc", "alice")

	tests := []struct {
		name    string
		typ     string
		payload any
	}{
		{name: "change before join", typ: TypeChange, payload: domain.Batch{}},
		{name: "unknown type", typ: "document.explode"},
		{name: "empty change", typ: TypeChange, payload: domain.Batch{ClientOperationID: "e"}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if i == 1 {
				send(t, conn, TypeJoin, nil, Metadata{})
				readUntil(t, conn, TypeJoined)
			}
			send(t, conn, tt.typ, tt.payload, Metadata{})
			var p ErrorPayload
			require.NoError(t, readUntil(t, conn, TypeError).Decode(&p))
			assert.Equal(t, domain.KindProtocolViolation, p.Kind)
		})
	}

	// A batch against a future version asks the client to resync.
	send(t, conn, TypeChange, domain.Batch{BaseVersion: 9, ClientOperationID: "x", Operations: []ot.Operation{ot.Insert(0, "x")}}, Metadata{})
	var p ErrorPayload
	require.NoError(t, readUntil(t, conn, TypeError).Decode(&p))
	require.NotNil(t, p.ResyncFrom)
	assert.Equal(t, int64(0), *p.ResyncFrom)

	// The connection survives.
	send(t, conn, TypeSyncRequest, SyncRequestPayload{}, Metadata{})
	readUntil(t, conn, TypeSyncResponse)
}

func TestUnauthorizedJoinCloses(t *testing.T) {
	acl := memory.NewACL()
	acl.Grant("secret", "alice")
	h := newHarnessWithACL(t, acl)

	conn := h.dial("secret", "mallory")
	send(t, conn, TypeJoin, nil, Metadata{})
	var p ErrorPayload
	require.NoError(t, readUntil(t, conn, TypeError).Decode(&p))
	assert.Equal(t, domain.KindAuthorizationFailure, p.Kind)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Equal(t, session.CloseUnauthorized, closeCode(err))
}

func TestUpgradeRequiresPrincipal(t *testing.T) {
	h := newHarness(t)
	_, resp, err := websocket.DefaultDialer.Dial(h.url("doc"), nil)
	require.True(t, errors.Is(err, websocket.ErrBadHandshake))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.server.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.setReady(errors.New("change log unavailable"))
	resp, err = http.Get(h.server.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventEnvelopes(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	meta := domain.EventMeta{SessionID: "s1", Seq: 4}
	resync := int64(3)

	tests := []struct {
		ev      domain.Event
		typ     string
		version *int64
	}{
		{ev: domain.SessionJoined{EventMeta: meta, Result: domain.JoinResult{Version: 2}}, typ: TypeJoined, version: versionRef(2)},
		{ev: domain.ChangeApplied{EventMeta: meta, Record: domain.ChangeRecord{Version: 5, PrincipalID: "bob"}}, typ: TypeChange, version: versionRef(5)},
		{ev: domain.ChangeAcked{EventMeta: meta, Ack: domain.Ack{Version: 6}}, typ: TypeAck, version: versionRef(6)},
		{ev: domain.CursorMoved{EventMeta: meta, PrincipalID: "bob", Position: 1}, typ: TypeCursor},
		{ev: domain.ParticipantJoined{EventMeta: meta, Participant: domain.Participant{PrincipalID: "bob"}}, typ: TypeParticipantJoin},
		{ev: domain.ParticipantLeft{EventMeta: meta, PrincipalID: "bob"}, typ: TypeParticipantLeave},
		{ev: domain.SessionNotice{EventMeta: meta, Error: domain.Error{Kind: domain.KindTransientInfraFailure, RetryAfter: 2 * time.Second, ResyncFrom: &resync}}, typ: TypeError},
		{ev: domain.SyncCompleted{EventMeta: meta, Result: domain.SyncResult{Version: 7}}, typ: TypeSyncResponse, version: versionRef(7)},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			env, err := eventEnvelope(tt.ev, now)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, env.Type)
			assert.Equal(t, "s1", env.Metadata.SessionID)
			assert.Equal(t, now, env.Metadata.Timestamp)
			assert.Equal(t, tt.version, env.Metadata.Version)
		})
	}

	env, err := eventEnvelope(domain.SessionNotice{EventMeta: meta, Error: domain.Error{Kind: domain.KindTransientInfraFailure, RetryAfter: 2 * time.Second}}, now)
	require.NoError(t, err)
	var p ErrorPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, 2*time.Second, p.RetryAfter())
}
