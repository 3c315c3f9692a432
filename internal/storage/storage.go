package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrBucketNotFound is returned for buckets that were never initialised.
var ErrBucketNotFound = errors.New("bucket not found")

// Storage manages the BoltDB database
type Storage struct {
	db *bolt.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at path and makes sure every bucket
// exists.
func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Storage) view(bucket string, fn func(b *bolt.Bucket) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		return fn(b)
	})
}

func (s *Storage) update(bucket string, fn func(b *bolt.Bucket) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		return fn(b)
	})
}

// Get retrieves a value from a bucket. A missing key yields nil, nil.
func (s *Storage) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := s.view(bucket, func(b *bolt.Bucket) error {
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

// Set stores a value in a bucket
func (s *Storage) Set(bucket, key string, value []byte) error {
	return s.update(bucket, func(b *bolt.Bucket) error {
		return b.Put([]byte(key), value)
	})
}

// Delete removes a value from a bucket
func (s *Storage) Delete(bucket, key string) error {
	return s.update(bucket, func(b *bolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

// GetJSON decodes the value stored under key into v. found is false, and v
// untouched, when the key does not exist.
func (s *Storage) GetJSON(bucket, key string, v any) (found bool, err error) {
	data, err := s.Get(bucket, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// SetJSON marshals and stores a JSON value
func (s *Storage) SetJSON(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.Set(bucket, key, data)
}

// GetAll retrieves all key-value pairs from a bucket
func (s *Storage) GetAll(bucket string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.view(bucket, func(b *bolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return result, err
}

// DeleteOlderThan removes entries whose timestamp, as extracted by stamp, is
// before now minus age. Entries stamp cannot read are kept. It returns the
// number of deleted entries.
func (s *Storage) DeleteOlderThan(bucket string, age time.Duration, stamp func(v []byte) (time.Time, bool)) (int, error) {
	cutoff := time.Now().Add(-age)
	deleted := 0
	err := s.update(bucket, func(b *bolt.Bucket) error {
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if ts, ok := stamp(v); ok && ts.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(stale)
		return nil
	})
	return deleted, err
}

// Count returns the number of entries in a bucket
func (s *Storage) Count(bucket string) (int, error) {
	var count int
	err := s.view(bucket, func(b *bolt.Bucket) error {
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}
