// Package modelstore persists trained model snapshots so detectors survive
// process restarts without retraining from scratch.
package modelstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/airsonde/airsonde/internal/detect"
)

var bucketModels = []byte("models")

// ErrNotFound is returned when no snapshot exists for a sensor key.
var ErrNotFound = errors.New("model snapshot not found")

// Store is a bbolt-backed snapshot archive keyed by sensor key.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the snapshot database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create model store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open model store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketModels)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create model bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes or replaces the snapshot for its sensor key.
func (s *Store) Save(snap *detect.ModelSnapshot) error {
	if snap == nil || snap.SensorKey == "" {
		return fmt.Errorf("snapshot missing sensor key")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.SensorKey, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModels).Put([]byte(snap.SensorKey), data)
	})
}

// Load returns the snapshot for a sensor key, or ErrNotFound.
func (s *Store) Load(sensorKey string) (*detect.ModelSnapshot, error) {
	var snap detect.ModelSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketModels).Get([]byte(sensorKey))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, sensorKey)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// LoadAll returns every stored snapshot. Entries that no longer decode are
// skipped rather than failing the whole restore.
func (s *Store) LoadAll() ([]*detect.ModelSnapshot, error) {
	var snaps []*detect.ModelSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModels).ForEach(func(k, v []byte) error {
			var snap detect.ModelSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return nil
			}
			snaps = append(snaps, &snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// Delete removes the snapshot for a sensor key. Deleting a missing key is
// not an error.
func (s *Store) Delete(sensorKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModels).Delete([]byte(sensorKey))
	})
}

// Keys returns the sensor keys with stored snapshots in byte order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModels).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
