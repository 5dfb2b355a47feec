package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "registry.db"), 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestQuarantineRoundTrip(t *testing.T) {
	db := openTestDB(t)

	rec := QuarantineRecord{
		ID:             "e1",
		OriginalPath:   "/bin/evil",
		QuarantinePath: "/var/lib/simbiota/quarantine/evil.1700000000",
		Timestamp:      time.Now().UTC(),
		SampleID:       7,
		Distance:       12,
		Mode:           0o755,
		UID:            1000,
		GID:            1000,
	}
	if err := db.PutQuarantine(rec); err != nil {
		t.Fatalf("PutQuarantine: %v", err)
	}

	got, err := db.GetQuarantine("e1")
	if err != nil {
		t.Fatalf("GetQuarantine: %v", err)
	}
	if got == nil || got.OriginalPath != rec.OriginalPath || got.SampleID != 7 {
		t.Fatalf("GetQuarantine = %+v, want %+v", got, rec)
	}

	list, err := db.ListQuarantine()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListQuarantine = (%v, %v), want one record", list, err)
	}

	if err := db.DeleteQuarantine("e1"); err != nil {
		t.Fatalf("DeleteQuarantine: %v", err)
	}
	got, err = db.GetQuarantine("e1")
	if err != nil {
		t.Fatalf("GetQuarantine after delete: %v", err)
	}
	if got != nil {
		t.Error("expected record gone after delete")
	}
}

func TestGetQuarantine_Missing(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetQuarantine("nope")
	if err != nil || got != nil {
		t.Fatalf("GetQuarantine(missing) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestDetectionLedger_AppendReadPrune(t *testing.T) {
	db := openTestDB(t)

	old := DetectionRecord{
		Timestamp: time.Now().UTC().AddDate(0, 0, -60),
		Path:      "/bin/old",
		SampleID:  1,
		Distance:  5,
		Action:    "denied",
	}
	fresh := DetectionRecord{
		Timestamp: time.Now().UTC(),
		Path:      "/bin/fresh",
		SampleID:  2,
		Distance:  9,
		Action:    "quarantined",
	}
	for _, rec := range []DetectionRecord{old, fresh} {
		if err := db.AppendDetection(rec); err != nil {
			t.Fatalf("AppendDetection: %v", err)
		}
	}

	recs, err := db.ReadDetections()
	if err != nil || len(recs) != 2 {
		t.Fatalf("ReadDetections = (%d records, %v), want 2", len(recs), err)
	}
	// Sortable keys keep chronological order.
	if recs[0].Path != "/bin/old" || recs[1].Path != "/bin/fresh" {
		t.Errorf("unexpected order: %q, %q", recs[0].Path, recs[1].Path)
	}

	deleted, err := db.PruneOldDetections()
	if err != nil {
		t.Fatalf("PruneOldDetections: %v", err)
	}
	if deleted != 1 {
		t.Errorf("pruned %d records, want 1", deleted)
	}
	recs, _ = db.ReadDetections()
	if len(recs) != 1 || recs[0].Path != "/bin/fresh" {
		t.Errorf("expected only the fresh record to survive, got %+v", recs)
	}
}

func TestOpen_ReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	db, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.AppendDetection(DetectionRecord{Path: "/x", SampleID: 1}); err != nil {
		t.Fatalf("AppendDetection: %v", err)
	}
	db.Close()

	db2, err := Open(path, 30)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	recs, err := db2.ReadDetections()
	if err != nil || len(recs) != 1 {
		t.Fatalf("ReadDetections after reopen = (%d, %v), want 1", len(recs), err)
	}
}
