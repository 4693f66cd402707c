package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/shardctl/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSnapshots = []byte("snapshots")
	bucketBackups   = []byte("backups")
)

const backupKeyTime = "20060102T150405.000000000Z"

// BoltStore implements Store using bbolt
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (creating if needed) the catalog in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "shardctl.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSnapshots, bucketBackups} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
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

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// Snapshot operations
func (s *BoltStore) SaveSnapshot(rec *SnapshotRecord) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	return s.put(bucketSnapshots, rec.Environment, rec)
}

func (s *BoltStore) GetSnapshot(environment string) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(environment))
		if data == nil {
			return fmt.Errorf("snapshot for environment %q: %w", environment, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Backup operations
func backupKey(rec *BackupRecord) string {
	return string(rec.NodeID) + "/" + rec.StartedAt.UTC().Format(backupKeyTime)
}

func (s *BoltStore) SaveBackup(rec *BackupRecord) error {
	if rec.NodeID == "" {
		return fmt.Errorf("backup record without node ID")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	return s.put(bucketBackups, backupKey(rec), rec)
}

// ListBackups returns the backups of one node, oldest first
func (s *BoltStore) ListBackups(nodeID types.NodeID) ([]*BackupRecord, error) {
	var out []*BackupRecord
	prefix := []byte(string(nodeID) + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBackups).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec BackupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// ListAllBackups returns every backup ordered by node ID then time
func (s *BoltStore) ListAllBackups() ([]*BackupRecord, error) {
	var out []*BackupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var rec BackupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
