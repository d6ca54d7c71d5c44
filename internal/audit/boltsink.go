package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// eventsBucket holds one key per audit event, keyed by a lexicographic,
// time-ordered key so a bucket scan naturally yields chronological
// order. Grounded on the bucket-per-stream BoltDB idiom used by
// cuemby-warren's storage package: one append-only database file,
// ACID transactions, no external dependency.
var eventsBucket = []byte("audit_events")

// BoltSink is a durable ColdSink backed by a single bbolt database file.
type BoltSink struct {
	db *bolt.DB
}

// OpenBoltSink opens (creating if absent) a bbolt-backed audit cold
// store at path.
func OpenBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: open bolt sink: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init bolt sink: %w", err)
	}
	return &BoltSink{db: db}, nil
}

// Append writes ev durably. The key embeds the timestamp so a bucket
// cursor walk yields events in time order even though bbolt buckets are
// ordered by key, not insertion time.
func (s *BoltSink) Append(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	key := fmt.Sprintf("%020d_%s", ev.Timestamp.UnixNano(), ev.ID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).Put([]byte(key), data)
	})
}

// Scan walks the cold store in chronological order, invoking fn for
// each event. fn returning an error stops the scan and is returned.
func (s *BoltSink) Scan(fn func(Event) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("audit: unmarshal event %s: %w", k, err)
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *BoltSink) Close() error {
	return s.db.Close()
}
