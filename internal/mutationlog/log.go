// Package mutationlog implements the mutation log (component C4): an
// append-only, strictly-increasing-by-one, durable record of accepted
// mutations, used both for subscriber catch-up and for snapshot replay
// on coordinator restart. Grounded on the BoltDB bucket-per-stream idiom
// used by cuemby-warren's storage package (ACID transactions, one file,
// zero external services).
package mutationlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
)

// idempotencyCacheSize bounds the in-memory idempotency-key cache sitting
// ahead of bbolt: retried submissions cluster shortly after the original
// request, so a small LRU absorbs nearly all of them without a disk read.
const idempotencyCacheSize = 4096

// Kind distinguishes the two mutation shapes the coordinator accepts.
type Kind string

const (
	KindCreate Kind = "CREATE"
	KindRevoke Kind = "REVOKE"
)

// Entry is one record in the log. Versions are dense and strictly
// increasing starting at 1.
type Entry struct {
	Version uint64          `json:"version"`
	Kind    Kind            `json:"kind"`
	EdgeID  string          `json:"edgeId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

var (
	entriesBucket    = []byte("mutation_entries")
	idempotencyBucket = []byte("mutation_idempotency")
	metaBucket        = []byte("mutation_meta")
	latestVersionKey  = []byte("latest_version")
	schemaVersionKey  = []byte("schema_version")
)

// Log is a durable, versioned, append-only mutation stream for one
// tenant, backed by a single bbolt database file.
type Log struct {
	db     *bolt.DB
	latest uint64
	idemp  *lru.Cache[string, Entry]
}

// Open opens (creating if absent) the mutation log at path and recovers
// the last-assigned version from durable state.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("mutationlog: open: %w", err)
	}
	cache, err := lru.New[string, Entry](idempotencyCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mutationlog: init idempotency cache: %w", err)
	}
	l := &Log{db: db, idemp: cache}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{entriesBucket, idempotencyBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		if v := tx.Bucket(metaBucket).Get(latestVersionKey); v != nil {
			l.latest = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mutationlog: init: %w", err)
	}
	return l, nil
}

// Latest returns the most recently assigned version, or 0 if the log is
// empty.
func (l *Log) Latest() uint64 {
	return l.latest
}

// Append assigns the next version to a new entry and persists it
// atomically along with the idempotency-key de-duplication record:
// duplicate re-submissions are identified by a client-supplied
// idempotency key to avoid double-applies. If idempotencyKey has been
// seen before, Append returns the entry that was originally produced for
// it, with deduped=true, and assigns no new version.
func (l *Log) Append(kind Kind, edgeID string, payload any, idempotencyKey string) (entry Entry, deduped bool, err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, false, fmt.Errorf("mutationlog: marshal payload: %w", err)
	}

	if idempotencyKey != "" {
		if cached, ok := l.idemp.Get(idempotencyKey); ok {
			return cached, true, nil
		}
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		idemp := tx.Bucket(idempotencyBucket)
		if idempotencyKey != "" {
			if existing := idemp.Get([]byte(idempotencyKey)); existing != nil {
				var prior Entry
				if uerr := json.Unmarshal(existing, &prior); uerr != nil {
					return fmt.Errorf("mutationlog: decode prior entry: %w", uerr)
				}
				entry = prior
				deduped = true
				return nil
			}
		}

		next := l.latest + 1
		entry = Entry{Version: next, Kind: kind, EdgeID: edgeID, Payload: data, At: time.Now().UTC()}
		encoded, merr := json.Marshal(entry)
		if merr != nil {
			return fmt.Errorf("mutationlog: marshal entry: %w", merr)
		}

		entries := tx.Bucket(entriesBucket)
		if perr := entries.Put(versionKey(next), encoded); perr != nil {
			return perr
		}
		if idempotencyKey != "" {
			if perr := idemp.Put([]byte(idempotencyKey), encoded); perr != nil {
				return perr
			}
		}
		meta := tx.Bucket(metaBucket)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		if perr := meta.Put(latestVersionKey, buf); perr != nil {
			return perr
		}
		l.latest = next
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	if idempotencyKey != "" {
		l.idemp.Add(idempotencyKey, entry)
	}
	return entry, deduped, nil
}

// Lookup returns the entry previously produced for idempotencyKey, if
// any, without appending anything. Coordinators check this before
// applying a mutation's side effects so a retried submission never
// re-applies them: submitting the same (payload, idempotencyKey) twice
// produces exactly one mutation log entry.
func (l *Log) Lookup(idempotencyKey string) (Entry, bool, error) {
	if idempotencyKey == "" {
		return Entry{}, false, nil
	}
	if cached, ok := l.idemp.Get(idempotencyKey); ok {
		return cached, true, nil
	}
	var entry Entry
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(idempotencyBucket).Get([]byte(idempotencyKey))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

// Tail returns every entry with version strictly greater than since, in
// version order — the set a reconnecting subscriber must replay on its
// HELLO handshake.
func (l *Log) Tail(since uint64) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		start := versionKey(since + 1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("mutationlog: decode entry %x: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Oldest returns the version of the first entry retained, or 0 if the
// log is empty. Used to decide whether a reconnecting subscriber's
// knownVersion is still within the retained window: below the
// watermark, the client must re-snapshot.
func (l *Log) Oldest() (uint64, error) {
	var oldest uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(entriesBucket).Cursor().First()
		if k != nil {
			oldest = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return oldest, err
}

// TruncateBefore deletes every entry with version < keepFrom. Entries
// older than the oldest retained snapshot version may be truncated;
// callers must ensure keepFrom does not exceed the oldest snapshot's
// version.
func (l *Log) TruncateBefore(keepFrom uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) >= keepFrom {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// SchemaVersion returns the persisted schema version, or 0 if none has
// ever been recorded (a fresh tenant). Checked at every coordinator
// startup rather than relying on an in-memory flag.
func (l *Log) SchemaVersion() (int, error) {
	var v int
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(schemaVersionKey)
		if raw != nil {
			v = int(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return v, err
}

// SetSchemaVersion durably persists the schema version after a
// migration has run.
func (l *Log) SetSchemaVersion(v int) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v))
		return tx.Bucket(metaBucket).Put(schemaVersionKey, buf)
	})
}

// Close releases the underlying database file.
func (l *Log) Close() error {
	return l.db.Close()
}

func versionKey(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
