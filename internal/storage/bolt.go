// Package storage is the bbolt-backed local registry for simbiota.
//
// Schema (bucket layout):
//
//	/quarantine
//	    key:   entry id (UUID string)
//	    value: JSON-encoded QuarantineRecord
//
//	/detections
//	    key:   fixed-width UTC nanosecond timestamp + "_" + sample id  [sortable]
//	    value: JSON-encoded DetectionRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//
// Retention:
//   - Detection records older than RetentionDays are pruned on startup.
//   - Quarantine records live until the entry is restored or purged by
//     the operator.
//
// Failure modes:
//   - Registry corruption is detected by bbolt on Open(); the daemon
//     refuses to start.
//   - Disk full: writes fail with an error; the scan outcome is not
//     affected, only the record is lost.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current registry schema version.
	SchemaVersion = "1"

	bucketQuarantine = "quarantine"
	bucketDetections = "detections"
	bucketMeta       = "meta"
)

// QuarantineRecord is the persisted form of one quarantined file.
type QuarantineRecord struct {
	// ID is the entry identifier (a UUID). The quarantined file is named
	// <original basename>.<unix time>; the first 8 characters of ID are
	// appended only when that name is already taken.
	ID string `json:"id"`

	// OriginalPath is where the file lived before relocation.
	OriginalPath string `json:"original_path"`

	// QuarantinePath is the file's current location.
	QuarantinePath string `json:"quarantine_path"`

	// Timestamp is when the file was quarantined.
	Timestamp time.Time `json:"timestamp"`

	// SampleID and Distance describe the matched signature.
	SampleID uint64 `json:"sample_id"`
	Distance int    `json:"distance"`

	// Mode, UID, GID preserve the original identity for restore.
	Mode uint32 `json:"mode"`
	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
}

// DetectionRecord is one detection ledger entry.
type DetectionRecord struct {
	// Timestamp is the detection time (nanosecond precision).
	Timestamp time.Time `json:"timestamp"`

	// Path is the detected file's resolved path.
	Path string `json:"path"`

	// SampleID and Distance describe the matched signature.
	SampleID uint64 `json:"sample_id"`
	Distance int    `json:"distance"`

	// Action records what was done: denied or quarantined.
	Action string `json:"action"`
}

// DB wraps a bbolt instance with typed accessors for simbiota data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the registry at the given path.
// Initialises all required buckets and verifies the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketQuarantine, bucketDetections, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("registry initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("registry schema version mismatch: have %q, need %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Quarantine operations ───────────────────────────────────────────────────

// PutQuarantine writes or updates a quarantine record.
func (d *DB) PutQuarantine(rec QuarantineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutQuarantine marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQuarantine)).Put([]byte(rec.ID), data)
	})
}

// GetQuarantine retrieves a quarantine record by id.
// Returns (nil, nil) if no record exists.
func (d *DB) GetQuarantine(id string) (*QuarantineRecord, error) {
	var rec QuarantineRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketQuarantine)).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetQuarantine(%q): %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// DeleteQuarantine removes a quarantine record after a restore.
func (d *DB) DeleteQuarantine(id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQuarantine)).Delete([]byte(id))
	})
}

// ListQuarantine returns all quarantine records.
func (d *DB) ListQuarantine() ([]QuarantineRecord, error) {
	var recs []QuarantineRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQuarantine)).ForEach(func(_, v []byte) error {
			var rec QuarantineRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// ─── Detection ledger operations ─────────────────────────────────────────────

// detectionKeyLayout always prints nine fractional digits, so keys keep
// a fixed width (RFC3339Nano drops trailing zeros and would not).
const detectionKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

// detectionKey constructs a sortable key for a detection record.
// Lexicographic sort = chronological sort.
func detectionKey(t time.Time, sampleID uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format(detectionKeyLayout), sampleID))
}

// AppendDetection writes a new detection ledger record.
func (d *DB) AppendDetection(rec DetectionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendDetection marshal: %w", err)
	}
	key := detectionKey(rec.Timestamp, rec.SampleID)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDetections)).Put(key, data)
	})
}

// PruneOldDetections deletes detection records older than retentionDays.
// Called on startup. Returns the number of records deleted.
func (d *DB) PruneOldDetections() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := detectionKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDetections))
		c := b.Cursor()

		// Collect keys first; bbolt forbids deleting during iteration.
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldDetections delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadDetections returns all detection records in chronological order.
// For operational inspection; not called on the hot path.
func (d *DB) ReadDetections() ([]DetectionRecord, error) {
	var recs []DetectionRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDetections)).ForEach(func(_, v []byte) error {
			var rec DetectionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}
