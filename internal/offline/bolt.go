package offline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketOffline = []byte("offline")

// BoltSink persists events in a local bbolt file: one nested bucket per
// recipient, keyed by event ULID so a replayer reads them in arrival order.
type BoltSink struct {
	db *bbolt.DB
}

// OpenBoltSink opens (or creates) the database at path.
func OpenBoltSink(path string) (*BoltSink, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("offline: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOffline)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("offline: init bucket: %w", err)
	}
	return &BoltSink{db: db}, nil
}

func (s *BoltSink) Publish(_ context.Context, evt Event) error {
	val, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("offline: marshal event %s: %w", evt.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		recipient, err := tx.Bucket(bucketOffline).CreateBucketIfNotExists([]byte(evt.Recipient))
		if err != nil {
			return fmt.Errorf("offline: recipient bucket: %w", err)
		}
		return recipient.Put([]byte(evt.ID), val)
	})
}

// Pending returns every stored event for recipient in arrival order.
func (s *BoltSink) Pending(recipient string) ([]Event, error) {
	var out []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOffline).Bucket([]byte(recipient))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var evt Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			out = append(out, evt)
			return nil
		})
	})
	return out, err
}

func (s *BoltSink) Close() error {
	return s.db.Close()
}

var _ Sink = (*BoltSink)(nil)
