// Package database loads the malware signature database and publishes it
// as an immutable snapshot.
//
// File layout (fixed-width record stream, little-endian):
//
//	header:  magic "SMDB" | u16 version (=1) | u16 flags | u32 record count
//	record:  35-byte TLSH digest | u32 threshold (0xFFFFFFFF = none) |
//	         u64 sample id
//
// Consistency model:
//   - A Snapshot is immutable after Parse returns; record order is
//     preserved from the file.
//   - Store.Reload publishes the new snapshot atomically. Scans that
//     already acquired the previous snapshot keep using it; the old
//     snapshot is reclaimed by the GC when the last holder drops it.
//   - Any parse or I/O failure leaves the published snapshot unchanged.
package database

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/glaslos/tlsh"
)

const (
	// SchemaVersion is the database format version this daemon consumes.
	SchemaVersion = 1

	// DigestSize is the canonical TLSH digest width in bytes.
	DigestSize = 35

	// NoThreshold marks a record without a per-signature threshold.
	NoThreshold = 0xFFFFFFFF

	headerSize = 12
	recordSize = DigestSize + 4 + 8
)

var magic = [4]byte{'S', 'M', 'D', 'B'}

// Signature is one database record: a TLSH digest with an optional
// per-signature distance threshold and a sample identifier.
type Signature struct {
	// SampleID identifies the malware sample this digest was taken from.
	SampleID uint64

	// Digest is the parsed TLSH digest.
	Digest *tlsh.Tlsh

	// Threshold is the per-signature distance threshold, or -1 when the
	// record carries none and the snapshot default applies alone.
	Threshold int
}

// EffectiveThreshold returns the match threshold for this signature
// given the snapshot default: the smaller of the two when both are set.
func (s Signature) EffectiveThreshold(defaultThreshold int) int {
	if s.Threshold < 0 || s.Threshold > defaultThreshold {
		return defaultThreshold
	}
	return s.Threshold
}

// Snapshot is an immutable, ordered signature set plus the default
// distance threshold in force when it was loaded.
type Snapshot struct {
	Signatures       []Signature
	DefaultThreshold int

	// SourcePath and LoadedAt identify the file this snapshot came from.
	SourcePath string
	LoadedAt   time.Time
}

// Parse reads a signature database from r.
func Parse(r io.Reader, defaultThreshold int) (*Snapshot, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("database: short header: %w", err)
	}
	if !bytes.Equal(hdr[0:4], magic[:]) {
		return nil, fmt.Errorf("database: bad magic %q", hdr[0:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != SchemaVersion {
		return nil, fmt.Errorf("database: unsupported version %d (want %d)", v, SchemaVersion)
	}
	count := binary.LittleEndian.Uint32(hdr[8:12])

	snap := &Snapshot{
		Signatures:       make([]Signature, 0, count),
		DefaultThreshold: defaultThreshold,
		LoadedAt:         time.Now(),
	}

	var rec [recordSize]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, fmt.Errorf("database: truncated at record %d/%d: %w", i, count, err)
		}
		digest, err := tlsh.ParseStringToTlsh(hex.EncodeToString(rec[:DigestSize]))
		if err != nil {
			return nil, fmt.Errorf("database: record %d: bad digest: %w", i, err)
		}
		threshold := -1
		if t := binary.LittleEndian.Uint32(rec[DigestSize : DigestSize+4]); t != NoThreshold {
			threshold = int(t)
		}
		snap.Signatures = append(snap.Signatures, Signature{
			SampleID:  binary.LittleEndian.Uint64(rec[DigestSize+4:]),
			Digest:    digest,
			Threshold: threshold,
		})
	}
	return snap, nil
}

// Load parses the database file at path.
func Load(path string, defaultThreshold int) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("database: open %q: %w", path, err)
	}
	defer f.Close()

	snap, err := Parse(f, defaultThreshold)
	if err != nil {
		return nil, fmt.Errorf("database: load %q: %w", path, err)
	}
	snap.SourcePath = path
	return snap, nil
}

// Store publishes the current signature snapshot to concurrent readers.
type Store struct {
	path             string
	defaultThreshold int
	current          atomic.Pointer[Snapshot]
}

// NewStore loads the database at path and returns a Store publishing it.
// A load failure here is a startup failure; the daemon must not run
// without a signature set.
func NewStore(path string, defaultThreshold int) (*Store, error) {
	s := &Store{path: path, defaultThreshold: defaultThreshold}
	snap, err := Load(path, defaultThreshold)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return s, nil
}

// Current returns the published snapshot. The returned value is shared
// and must not be mutated.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload re-reads the database file and atomically publishes the result.
// On failure the previously published snapshot remains current.
func (s *Store) Reload() (*Snapshot, error) {
	snap, err := Load(s.path, s.defaultThreshold)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return snap, nil
}
