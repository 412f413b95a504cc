package kv

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

// BoltConfig locates the on-disk store.
type BoltConfig struct {
	StorageDir string `yaml:"storage_dir"`
	DBName     string `yaml:"db_name"`
}

// Bolt is the bbolt-backed Store: an embedded memory-mapped B-tree, one
// bucket for all snapshots.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the database file under
// cfg.StorageDir.
func OpenBolt(cfg BoltConfig) (*Bolt, error) {
	name := cfg.DBName
	if name == "" {
		name = "grain-snapshots.db"
	}
	db, err := bolt.Open(filepath.Join(cfg.StorageDir, name), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Get implements Store.
func (s *Bolt) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get(key)
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return out, nil
}

// Put implements Store.
func (s *Bolt) Put(key, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *Bolt) Delete(key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (s *Bolt) Close() error {
	return s.db.Close()
}
