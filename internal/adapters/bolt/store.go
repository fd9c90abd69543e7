// Package bolt stores change records and snapshots in an embedded bbolt
// database for single-node deployments.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ports"
)

var (
	changesBucket   = []byte("changes")
	snapshotsBucket = []byte("snapshots")
)

// Store keeps one nested bucket of change records per document, keyed by
// big-endian version followed by session id, and one snapshot per document.
type Store struct {
	db *bbolt.DB
}

var (
	_ ports.ChangeStore   = (*Store)(nil)
	_ ports.DocumentStore = (*Store)(nil)
)

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(changesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	glog.Infof("[bolt]opened %s\n", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func changeKey(version int64, sessionID string) []byte {
	k := make([]byte, 8, 8+len(sessionID))
	binary.BigEndian.PutUint64(k, uint64(version))
	return append(k, sessionID...)
}

func (s *Store) AppendChanges(ctx context.Context, records []domain.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(changesBucket)
		for _, rec := range records {
			doc, err := root.CreateBucketIfNotExists([]byte(rec.DocumentID))
			if err != nil {
				return err
			}
			k := changeKey(rec.Version, rec.SessionID)
			if doc.Get(k) != nil {
				continue
			}
			v, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := doc.Put(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadSince(ctx context.Context, documentID string, afterVersion int64) ([]domain.ChangeRecord, error) {
	var out []domain.ChangeRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		doc := tx.Bucket(changesBucket).Bucket([]byte(documentID))
		if doc == nil {
			return nil
		}
		c := doc.Cursor()
		for k, v := c.Seek(changeKey(afterVersion+1, "")); k != nil; k, v = c.Next() {
			var rec domain.ChangeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s/%x: %w", documentID, k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *Store) LoadSnapshot(ctx context.Context, documentID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(documentID))
		if v == nil {
			return domain.ErrNoSnapshot
		}
		return json.Unmarshal(v, &snap)
	})
	return snap, err
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		if cur := b.Get([]byte(snapshot.DocumentID)); cur != nil {
			var prev domain.Snapshot
			if err := json.Unmarshal(cur, &prev); err == nil && prev.Version > snapshot.Version {
				return nil
			}
		}
		v, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return b.Put([]byte(snapshot.DocumentID), v)
	})
}
