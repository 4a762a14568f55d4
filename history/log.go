// Package history keeps the durable queue of finished sessions pending
// settlement. The log is append-only: entries are written once, flipped to
// settled after ledger confirmation and retained indefinitely as an audit
// trail.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const recordBucket = "records"

// Log is a BoltDB-backed settlement reconciliation log. Bolt's single-writer
// transactions serialize Append against MarkSettled, which is the only
// cross-session discipline the system needs.
type Log struct {
	db *bbolt.DB
}

// Open opens (or creates) the log at the provided path.
func Open(path string) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create record bucket: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append adds a finished session's record to the end of the log. Existing
// entries are never touched.
func (l *Log) Append(record Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucket))
		if bucket == nil {
			return fmt.Errorf("record bucket is missing")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		return bucket.Put(seqKey(seq), payload)
	})
}

// Pending returns every unsettled record in insertion order. It never
// consumes: repeated calls yield the same records until they are settled.
func (l *Log) Pending() ([]Record, error) {
	return l.scan(func(r Record) bool { return !r.Settled })
}

// All returns the full log in insertion order, settled entries included.
func (l *Log) All() ([]Record, error) {
	return l.scan(func(Record) bool { return true })
}

// MarkSettled flips the settled flag on the identified entries. Sequence
// numbers come from records returned by Pending, so a replay appended after
// that read keeps its own pending entry. It must only be called after the
// external ledger has confirmed submission; calling it again for the same
// entries is a no-op, as is an unknown sequence.
func (l *Log) MarkSettled(seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucket))
		if bucket == nil {
			return fmt.Errorf("record bucket is missing")
		}
		for _, seq := range seqs {
			key := seqKey(seq)
			v := bucket.Get(key)
			if v == nil {
				continue
			}
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			if record.Settled {
				continue
			}
			record.Settled = true
			payload, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			if err := bucket.Put(key, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Log) scan(keep func(Record) bool) ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucket))
		if bucket == nil {
			return fmt.Errorf("record bucket is missing")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			record.Seq = binary.BigEndian.Uint64(k)
			if keep(record) {
				out = append(out, record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
