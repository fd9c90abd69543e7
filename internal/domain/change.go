package domain

import (
	"time"

	"collabtext/collabd/internal/ot"
)

// Batch is the ordered operations one client produced in one edit event,
// tagged with the version it was generated against.
type Batch struct {
	BaseVersion       int64          `json:"baseVersion"`
	ClientOperationID string         `json:"clientOperationId"`
	Operations        []ot.Operation `json:"operations"`
}

// ChangeRecord is an accepted, transformed batch. Records are append-only and
// keyed by (SessionID, Version).
type ChangeRecord struct {
	SessionID         string         `json:"sessionId"`
	DocumentID        string         `json:"documentId"`
	Version           int64          `json:"version"`
	PrincipalID       string         `json:"principalId"`
	ClientOperationID string         `json:"clientOperationId"`
	Operations        []ot.Operation `json:"operations"`
	AppliedAt         time.Time      `json:"appliedAt"`
}

func (r ChangeRecord) Author() ot.Author {
	return ot.Author{PrincipalID: r.PrincipalID, ClientOperationID: r.ClientOperationID}
}

// Snapshot is a checkpoint of a document's materialized text.
type Snapshot struct {
	DocumentID string    `json:"documentId"`
	Version    int64     `json:"version"`
	Text       string    `json:"text"`
	SavedAt    time.Time `json:"savedAt"`
}

// Ack confirms an accepted batch to the submitting client.
type Ack struct {
	SessionID         string `json:"sessionId"`
	ClientOperationID string `json:"clientOperationId"`
	Version           int64  `json:"version"`
	Duplicate         bool   `json:"duplicate,omitempty"`
}

// Participant is one principal present in a session.
type Participant struct {
	PrincipalID string `json:"principalId"`
	DisplayName string `json:"displayName,omitempty"`
}

// JoinResult is what a newly joined client needs to initialize.
type JoinResult struct {
	SessionID    string        `json:"sessionId"`
	DocumentID   string        `json:"documentId"`
	Version      int64         `json:"version"`
	Text         string        `json:"text"`
	Participants []Participant `json:"participants"`
	Degraded     bool          `json:"degraded,omitempty"`
	// Seq is the owner's event sequence at join time.
	Seq uint64 `json:"seq,omitempty"`
}

// SyncResult answers a resync request. Exactly one of Records or Snapshot is
// meaningful: Snapshot is set when the requester is too far behind.
type SyncResult struct {
	SessionID string         `json:"sessionId"`
	Version   int64          `json:"version"`
	Records   []ChangeRecord `json:"records,omitempty"`
	Snapshot  *Snapshot      `json:"snapshot,omitempty"`
}
