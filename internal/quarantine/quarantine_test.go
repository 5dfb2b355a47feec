package quarantine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/simbiota/simbiota/internal/storage"
)

func newManager(t *testing.T) (*Manager, string, *storage.DB) {
	t.Helper()
	dir := t.TempDir()
	qdir := filepath.Join(dir, "quarantine")
	db, err := storage.Open(filepath.Join(dir, "registry.db"), 30)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m, err := New(qdir, db, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, qdir, db
}

func TestNew_CreatesDirectory(t *testing.T) {
	_, qdir, _ := newManager(t)
	st, err := os.Stat(qdir)
	if err != nil {
		t.Fatalf("quarantine dir missing: %v", err)
	}
	if st.Mode().Perm() != 0o700 {
		t.Errorf("quarantine dir mode = %o, want 0700", st.Mode().Perm())
	}
}

func TestQuarantine_MovesAndRecords(t *testing.T) {
	m, qdir, db := newManager(t)

	src := filepath.Join(t.TempDir(), "evil")
	if err := os.WriteFile(src, []byte("payload"), 0o755); err != nil {
		t.Fatal(err)
	}

	rec, err := m.Quarantine(src, 7, 12)
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record for an existing source")
	}

	if _, err := os.Lstat(src); !os.IsNotExist(err) {
		t.Error("source must not exist after quarantine")
	}
	st, err := os.Stat(rec.QuarantinePath)
	if err != nil {
		t.Fatalf("quarantined file missing: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("quarantined file mode = %o, want 0600", st.Mode().Perm())
	}
	if filepath.Dir(rec.QuarantinePath) != qdir {
		t.Errorf("quarantined outside the quarantine dir: %s", rec.QuarantinePath)
	}
	if rec.Mode != 0o755 {
		t.Errorf("recorded mode = %o, want 0755", rec.Mode)
	}

	// Sidecar metadata: original_path \t timestamp \t verdict.
	sidecar, err := os.ReadFile(rec.QuarantinePath + ".meta")
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	fields := strings.Split(strings.TrimSpace(string(sidecar)), "\t")
	if len(fields) != 3 || fields[0] != src {
		t.Errorf("sidecar fields = %q", fields)
	}
	if !strings.Contains(fields[2], "sample=7") || !strings.Contains(fields[2], "distance=12") {
		t.Errorf("sidecar verdict = %q", fields[2])
	}

	stored, err := db.GetQuarantine(rec.ID)
	if err != nil || stored == nil {
		t.Fatalf("registry record = (%v, %v), want present", stored, err)
	}
}

func TestQuarantine_VanishedSource(t *testing.T) {
	m, _, _ := newManager(t)
	rec, err := m.Quarantine(filepath.Join(t.TempDir(), "gone"), 1, 1)
	if err != nil {
		t.Fatalf("vanished source must not be an error, got: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record for vanished source, got %+v", rec)
	}
}

func TestQuarantine_DistinctNamesForSameBase(t *testing.T) {
	m, _, _ := newManager(t)

	dir := t.TempDir()
	var paths []string
	for i := 0; i < 2; i++ {
		sub := filepath.Join(dir, string(rune('a'+i)))
		if err := os.MkdirAll(sub, 0o755); err != nil {
			t.Fatal(err)
		}
		src := filepath.Join(sub, "evil")
		if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
			t.Fatal(err)
		}
		rec, err := m.Quarantine(src, 1, 1)
		if err != nil || rec == nil {
			t.Fatalf("Quarantine: rec=%v err=%v", rec, err)
		}
		paths = append(paths, rec.QuarantinePath)
	}
	if paths[0] == paths[1] {
		t.Errorf("two quarantines of %q collided on %q", "evil", paths[0])
	}
}

func TestRestore_ReinstatesFile(t *testing.T) {
	m, _, db := newManager(t)

	src := filepath.Join(t.TempDir(), "evil")
	if err := os.WriteFile(src, []byte("payload"), 0o751); err != nil {
		t.Fatal(err)
	}

	rec, err := m.Quarantine(src, 7, 12)
	if err != nil || rec == nil {
		t.Fatalf("Quarantine: rec=%v err=%v", rec, err)
	}

	if err := m.Restore(*rec); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	st, err := os.Stat(src)
	if err != nil {
		t.Fatalf("restored file missing: %v", err)
	}
	if st.Mode().Perm() != 0o751 {
		t.Errorf("restored mode = %o, want 0751", st.Mode().Perm())
	}
	if _, err := os.Lstat(rec.QuarantinePath); !os.IsNotExist(err) {
		t.Error("quarantined copy must be gone after restore")
	}
	if _, err := os.Lstat(rec.QuarantinePath + ".meta"); !os.IsNotExist(err) {
		t.Error("sidecar must be gone after restore")
	}
	stored, err := db.GetQuarantine(rec.ID)
	if err != nil {
		t.Fatalf("GetQuarantine: %v", err)
	}
	if stored != nil {
		t.Error("registry record must be gone after restore")
	}
}
