package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketByEvent = []byte("by_event")

	// ErrEventNotFound is returned when an event id has no dead letter.
	ErrEventNotFound = errors.New("dead letter not found")
)

// DLQRecord is one dead-lettered delivery: enough context to replay the
// webhook later. The signature header is never stored; replays re-sign the
// payload with the current secret.
type DLQRecord struct {
	Sequence       uint64            `json:"-"`
	TS             time.Time         `json:"ts_utc"`
	EventID        string            `json:"event_id"`
	ExternalID     string            `json:"external_id"`
	URL            string            `json:"url"`
	Payload        json.RawMessage   `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	Attempts       int               `json:"attempts"`
	LastStatusCode int               `json:"last_status_code,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Replayed       bool              `json:"replayed"`
	ReplayedAt     *time.Time        `json:"replayed_at_utc,omitempty"`
}

// DLQStore is an append-only dead letter queue on BoltDB. Records are keyed by
// an insertion sequence with a secondary index by event id.
type DLQStore struct {
	db *bolt.DB
}

// OpenDLQ initialises (and migrates) the dead letter database.
func OpenDLQ(path string) (*DLQStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketByEvent} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DLQStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *DLQStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records a dead letter. One record per event id: appending an event
// that is already dead-lettered is a no-op, so a replayed failure never
// duplicates the original record.
func (s *DLQStore) Append(rec DLQRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketByEvent)
		if index.Get([]byte(rec.EventID)) != nil {
			return nil
		}
		records := tx.Bucket(bucketRecords)
		seq, err := records.NextSequence()
		if err != nil {
			return err
		}
		rec.Sequence = seq
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := sequenceKey(seq)
		if err := records.Put(key, encoded); err != nil {
			return err
		}
		return index.Put([]byte(rec.EventID), key)
	})
}

// Get returns the dead letter for an event id.
func (s *DLQStore) Get(eventID string) (DLQRecord, error) {
	var rec DLQRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketByEvent).Get([]byte(eventID))
		if key == nil {
			return ErrEventNotFound
		}
		raw := tx.Bucket(bucketRecords).Get(key)
		if raw == nil {
			return ErrEventNotFound
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.Sequence = binary.BigEndian.Uint64(key)
		return nil
	})
	if err != nil {
		return DLQRecord{}, err
	}
	return rec, nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (s *DLQStore) List(limit int) ([]DLQRecord, error) {
	var out []DLQRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketRecords).Cursor()
		for key, raw := cursor.Last(); key != nil; key, raw = cursor.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec DLQRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			rec.Sequence = binary.BigEndian.Uint64(key)
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkReplayed flags the record as successfully replayed. Idempotent: the
// first replay timestamp is preserved on repeat calls.
func (s *DLQStore) MarkReplayed(eventID string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketByEvent).Get([]byte(eventID))
		if key == nil {
			return ErrEventNotFound
		}
		records := tx.Bucket(bucketRecords)
		raw := records.Get(key)
		if raw == nil {
			return ErrEventNotFound
		}
		var rec DLQRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.Replayed {
			return nil
		}
		ts := now.UTC()
		rec.Replayed = true
		rec.ReplayedAt = &ts
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return records.Put(key, encoded)
	})
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
