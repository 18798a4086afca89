package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Bucket names for the disk tier.
const (
	EntriesBucket = "cache_entries"
	ExpiryBucket  = "cache_expiry" // secondary index: expiry key -> entry key
	StatsBucket   = "cache_stats"
)

// expiryKey orders index rows by expiry time: 8-byte big-endian nanos
// followed by the entry key, so a cursor scan visits expired rows first.
func expiryKey(expiresAt time.Time, key string) []byte {
	buf := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(buf, uint64(expiresAt.UnixNano()))
	copy(buf[8:], key)
	return buf
}

func encodeRecord(payload []byte, insertedAt, expiresAt time.Time) []byte {
	buf := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint64(buf, uint64(insertedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], uint64(expiresAt.UnixNano()))
	copy(buf[16:], payload)
	return buf
}

func decodeRecord(data []byte) (payload []byte, insertedAt, expiresAt time.Time, err error) {
	if len(data) < 16 {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("cache record too short: %d bytes", len(data))
	}
	insertedAt = time.Unix(0, int64(binary.BigEndian.Uint64(data)))
	expiresAt = time.Unix(0, int64(binary.BigEndian.Uint64(data[8:])))
	payload = append([]byte(nil), data[16:]...)
	return payload, insertedAt, expiresAt, nil
}

// Disk is the bottom tier: a bbolt store with an expiry-ordered
// secondary index for efficient sweeping.
type Disk struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// OpenDisk opens (or creates) the disk tier under dataDir.
func OpenDisk(dataDir string, logger *zap.Logger) (*Disk, error) {
	path := filepath.Join(dataDir, "cache.db")
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{EntriesBucket, ExpiryBucket, StatsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Disk{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (d *Disk) Close() error {
	return d.db.Close()
}

// Get returns the payload when present and unexpired at now.
func (d *Disk) Get(key string, now time.Time) ([]byte, bool, error) {
	var payload []byte
	found := false

	err := d.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(EntriesBucket)).Get([]byte(key))
		if data == nil {
			return nil
		}
		p, _, expiresAt, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if !expiresAt.After(now) {
			return nil
		}
		payload = p
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return payload, found, nil
}

// Put stores payload until expiresAt, replacing any previous entry and
// its index row.
func (d *Disk) Put(key string, payload []byte, now, expiresAt time.Time) error {
	if !expiresAt.After(now) {
		return fmt.Errorf("cache entry expires_at must be after inserted_at")
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(EntriesBucket))
		expiry := tx.Bucket([]byte(ExpiryBucket))

		if old := entries.Get([]byte(key)); old != nil {
			if _, _, oldExpiry, err := decodeRecord(old); err == nil {
				_ = expiry.Delete(expiryKey(oldExpiry, key))
			}
		}

		if err := entries.Put([]byte(key), encodeRecord(payload, now, expiresAt)); err != nil {
			return fmt.Errorf("store cache entry: %w", err)
		}
		return expiry.Put(expiryKey(expiresAt, key), []byte(key))
	})
}

// Delete removes a key and its index row.
func (d *Disk) Delete(key string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(EntriesBucket))
		if old := entries.Get([]byte(key)); old != nil {
			if _, _, oldExpiry, err := decodeRecord(old); err == nil {
				_ = tx.Bucket([]byte(ExpiryBucket)).Delete(expiryKey(oldExpiry, key))
			}
		}
		return entries.Delete([]byte(key))
	})
}

// Sweep removes every row expired at now by scanning the expiry index
// up to the cutoff, and returns how many rows went.
func (d *Disk) Sweep(now time.Time) (int, error) {
	removed := 0
	cutoff := make([]byte, 8)
	binary.BigEndian.PutUint64(cutoff, uint64(now.UnixNano()))

	err := d.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(EntriesBucket))
		expiry := tx.Bucket([]byte(ExpiryBucket))

		var indexRows [][]byte
		cursor := expiry.Cursor()
		for k, v := cursor.First(); k != nil && bytes.Compare(k[:8], cutoff) <= 0; k, v = cursor.Next() {
			indexRows = append(indexRows, k)
			if err := entries.Delete(v); err != nil {
				return err
			}
			removed++
		}
		for _, k := range indexRows {
			if err := expiry.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

// Len counts stored entries, expired included until swept.
func (d *Disk) Len() (int, error) {
	count := 0
	err := d.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket([]byte(EntriesBucket)).Stats().KeyN
		return nil
	})
	return count, err
}
