// Package quarantine relocates detected files into a sequestered
// directory and restores them on operator request.
//
// The quarantine directory is 0700 root:root; quarantined files are
// 0600 root:root. Each entry gets a sidecar metadata file next to it
// (line-oriented: original_path, timestamp, verdict, tab-separated) and
// a record in the bbolt registry so entries survive a daemon restart.
//
// Name allocation is serialized by a mutex so two detections of the
// same file cannot race for one destination name.
package quarantine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simbiota/simbiota/internal/storage"
)

// Manager owns the quarantine directory.
type Manager struct {
	mu  sync.Mutex
	dir string
	db  *storage.DB
	log *zap.Logger
}

// New creates the quarantine directory if missing (0700) and returns a
// Manager over it.
func New(dir string, db *storage.DB, log *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("quarantine: create %q: %w", dir, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("quarantine: chmod %q: %w", dir, err)
	}
	return &Manager{dir: dir, db: db, log: log}, nil
}

// Quarantine moves sourcePath into the quarantine directory and returns
// the registry record. A vanished source is reported as (nil, nil), not
// as an error — the file is already gone.
func (m *Manager) Quarantine(sourcePath string, sampleID uint64, distance int) (*storage.QuarantineRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st syscall.Stat_t
	if err := syscall.Stat(sourcePath, &st); err != nil {
		if err == syscall.ENOENT {
			return nil, nil
		}
		return nil, fmt.Errorf("quarantine: stat %q: %w", sourcePath, err)
	}

	now := time.Now()
	id := uuid.NewString()
	dest := filepath.Join(m.dir, fmt.Sprintf("%s.%d", filepath.Base(sourcePath), now.Unix()))
	if _, err := os.Lstat(dest); err == nil {
		dest = dest + "." + id[:8]
	}

	if err := moveFile(sourcePath, dest); err != nil {
		return nil, fmt.Errorf("quarantine: move %q -> %q: %w", sourcePath, dest, err)
	}

	if err := os.Chown(dest, 0, 0); err != nil {
		m.log.Warn("quarantine chown failed", zap.String("path", dest), zap.Error(err))
	}
	if err := os.Chmod(dest, 0o600); err != nil {
		return nil, fmt.Errorf("quarantine: chmod %q: %w", dest, err)
	}

	rec := storage.QuarantineRecord{
		ID:             id,
		OriginalPath:   sourcePath,
		QuarantinePath: dest,
		Timestamp:      now,
		SampleID:       sampleID,
		Distance:       distance,
		Mode:           uint32(st.Mode & 0o7777),
		UID:            st.Uid,
		GID:            st.Gid,
	}

	if err := m.writeSidecar(rec); err != nil {
		m.log.Error("quarantine sidecar write failed", zap.String("path", dest), zap.Error(err))
	}
	if m.db != nil {
		if err := m.db.PutQuarantine(rec); err != nil {
			m.log.Error("quarantine registry write failed", zap.String("id", id), zap.Error(err))
		}
	}

	m.log.Info("file quarantined",
		zap.String("from", sourcePath),
		zap.String("to", dest),
		zap.Uint64("sample_id", sampleID),
		zap.Int("distance", distance))
	return &rec, nil
}

// Restore moves a quarantined file back to its original path and
// reinstates mode, uid and gid where recoverable.
func (m *Manager) Restore(rec storage.QuarantineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := moveFile(rec.QuarantinePath, rec.OriginalPath); err != nil {
		return fmt.Errorf("quarantine: restore %q -> %q: %w", rec.QuarantinePath, rec.OriginalPath, err)
	}
	if err := os.Chmod(rec.OriginalPath, os.FileMode(rec.Mode)); err != nil {
		m.log.Warn("restore chmod failed", zap.String("path", rec.OriginalPath), zap.Error(err))
	}
	if err := os.Chown(rec.OriginalPath, int(rec.UID), int(rec.GID)); err != nil {
		m.log.Warn("restore chown failed", zap.String("path", rec.OriginalPath), zap.Error(err))
	}

	_ = os.Remove(sidecarPath(rec.QuarantinePath))
	if m.db != nil {
		if err := m.db.DeleteQuarantine(rec.ID); err != nil {
			m.log.Warn("quarantine registry delete failed", zap.String("id", rec.ID), zap.Error(err))
		}
	}

	m.log.Info("file restored",
		zap.String("from", rec.QuarantinePath),
		zap.String("to", rec.OriginalPath))
	return nil
}

func sidecarPath(quarantinePath string) string {
	return quarantinePath + ".meta"
}

func (m *Manager) writeSidecar(rec storage.QuarantineRecord) error {
	line := strings.Join([]string{
		rec.OriginalPath,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		fmt.Sprintf("malicious(sample=%d distance=%d)", rec.SampleID, rec.Distance),
	}, "\t") + "\n"
	return os.WriteFile(sidecarPath(rec.QuarantinePath), []byte(line), 0o600)
}

// moveFile renames src to dst, falling back to copy-then-unlink across
// filesystems. The copy is fsynced before the source is unlinked so a
// crash cannot lose the only intact copy.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	le, ok := err.(*os.LinkError)
	if !ok || le.Err != syscall.EXDEV {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
