package repository

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCA              = []byte("ca")
	bucketWorkflowHistory = []byte("workflow_history")
	bucketFleetSnapshots  = []byte("fleet_snapshots")
)

const (
	caKey             = "root"
	fleetSnapshotKey  = "latest"
	workflowKeyFormat = "%s/%s" // serviceName/workflowID, sorts lexically by service then id
)

// BoltStore is the BoltDB-backed implementation of Store that the
// coordinator runs with.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleet.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCA, bucketWorkflowHistory, bucketFleetSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
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

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveCA persists the (already-encrypted) serialized CA data.
func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put([]byte(caKey), data)
	})
}

// GetCA retrieves the serialized CA data, if any.
func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get([]byte(caKey))
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// SaveWorkflowRecord appends or overwrites a completed workflow's record.
func (s *BoltStore) SaveWorkflowRecord(rec *WorkflowRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflowHistory)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := fmt.Sprintf(workflowKeyFormat, rec.ServiceName, rec.WorkflowID)
		return b.Put([]byte(key), data)
	})
}

// ListWorkflowHistory returns up to limit records for serviceName, most
// recently finished first. limit <= 0 means unbounded.
func (s *BoltStore) ListWorkflowHistory(serviceName string, limit int) ([]*WorkflowRecord, error) {
	var records []*WorkflowRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflowHistory)
		prefix := []byte(serviceName + "/")
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec WorkflowRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// SaveFleetSnapshot overwrites the single retained fleet snapshot.
func (s *BoltStore) SaveFleetSnapshot(snap *FleetSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFleetSnapshots).Put([]byte(fleetSnapshotKey), data)
	})
}

// LatestFleetSnapshot returns the most recently saved fleet snapshot.
func (s *BoltStore) LatestFleetSnapshot() (*FleetSnapshot, error) {
	var snap FleetSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketFleetSnapshots).Get([]byte(fleetSnapshotKey))
		if v == nil {
			return fmt.Errorf("no fleet snapshot saved")
		}
		return json.Unmarshal(v, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
