// Package store persists transfer records so paused and queued work
// survives restarts.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/quintal-io/stevedore/backend"
)

var (
	// ErrNotFound is returned when a transfer is not in the store.
	ErrNotFound = errors.New("transfer not found")
)

var transfersBucket = []byte("transfers")

// Record is the persisted form of a transfer. Passwords are deliberately
// not stored; credential storage is not this subsystem's concern.
type Record struct {
	ID          string              `json:"id"`
	Op          backend.Op          `json:"op"`
	Status      string              `json:"status"`
	Sources     []string            `json:"sources"`
	Destination string              `json:"destination"`
	Source      backend.ID          `json:"source_backend"`
	Dest        backend.ID          `json:"dest_backend"`
	Priority    int64               `json:"priority"`
	Progress    *backend.Progress   `json:"progress,omitempty"`
	Checkpoint  *backend.Checkpoint `json:"checkpoint,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Store defines the interface for persisting transfer records.
type Store interface {
	Save(rec *Record) error
	Get(id string) (*Record, error)
	List() ([]*Record, error)
	Delete(id string) error
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transfersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create transfers bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Save writes a record to the store.
func (s *BoltStore) Save(rec *Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal transfer: %w", err)
		}

		if err := b.Put([]byte(rec.ID), data); err != nil {
			return fmt.Errorf("failed to put transfer: %w", err)
		}
		return nil
	})
}

// Get retrieves one record from the store.
func (s *BoltStore) Get(id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns every record in the store.
func (s *BoltStore) List() ([]*Record, error) {
	var recs []*Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		return b.ForEach(func(_, data []byte) error {
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal transfer: %w", err)
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Delete removes a record from the store.
func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(transfersBucket).Delete([]byte(id))
	})
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
