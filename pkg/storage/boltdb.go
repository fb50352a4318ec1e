package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRecords = []byte("records")
)

// DatabaseFile is the file name of the record database inside the data directory
const DatabaseFile = "burrow.db"

// BoltStore implements RecordStore using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DatabaseFile)

	// The lock timeout keeps CLI commands from hanging while a worker holds the file.
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketRecords, err)
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(namespace string, v any) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if raw := b.Get([]byte(namespace)); raw != nil {
			// Values are only valid for the life of the transaction.
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil || data == nil {
		return false, err
	}

	return true, decode(namespace, data, v)
}

func (s *BoltStore) Set(namespace string, partial any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		data, err := merge(b.Get([]byte(namespace)), partial)
		if err != nil {
			return err
		}
		return b.Put([]byte(namespace), data)
	})
}

func (s *BoltStore) Put(namespace string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(namespace), data)
	})
}

func (s *BoltStore) Delete(namespace string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.Delete([]byte(namespace))
	})
}

func (s *BoltStore) List(prefix string) ([]string, error) {
	var namespaces []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			namespaces = append(namespaces, string(k))
		}
		return nil
	})
	return namespaces, err
}
