// Package ledger records, per content id, a fingerprint of what was last
// written to the vector index so that unchanged items can be skipped.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketSynced = []byte("synced")

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("ledger: not found")

// Entry is the ledger record for one content id.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	SyncedAt    time.Time `json:"synced_at"`
}

// Bolt is a ledger persisted in a single bbolt file.
type Bolt struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSynced)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create bucket: %w", err)
	}
	return &Bolt{db: db, now: time.Now}, nil
}

// Close releases the file lock.
func (l *Bolt) Close() error { return l.db.Close() }

// Fingerprint returns the stored fingerprint for id; ok is false when the
// id has never been synced.
func (l *Bolt) Fingerprint(id string) (fp string, ok bool, err error) {
	err = l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSynced).Get([]byte(id))
		if data == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("ledger: decode %s: %w", id, err)
		}
		fp, ok = e.Fingerprint, true
		return nil
	})
	return fp, ok, err
}

// Record stores fp as the latest synced fingerprint for id.
func (l *Bolt) Record(id, fp string) error {
	data, err := json.Marshal(Entry{Fingerprint: fp, SyncedAt: l.now().UTC()})
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSynced).Put([]byte(id), data)
	})
}

// Forget removes id. Forgetting an unknown id is not an error.
func (l *Bolt) Forget(ids ...string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSynced)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the full entry for id.
func (l *Bolt) Get(id string) (Entry, error) {
	var e Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSynced).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &e)
	})
	return e, err
}

// Len returns the number of recorded ids.
func (l *Bolt) Len() (int, error) {
	var n int
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketSynced).Stats().KeyN
		return nil
	})
	return n, err
}

// Reset drops every entry, forcing the next sync of each item.
func (l *Bolt) Reset() error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketSynced); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketSynced)
		return err
	})
}
