package watcher

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glaslos/tlsh"
	"go.uber.org/zap"

	"github.com/simbiota/simbiota/internal/cache"
	"github.com/simbiota/simbiota/internal/database"
	"github.com/simbiota/simbiota/internal/detector"
	"github.com/simbiota/simbiota/internal/observability"
)

func encodeDB(t *testing.T, seeds []int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("SMDB")
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint16(hdr[0:2], database.SchemaVersion)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(seeds)))
	buf.Write(hdr)
	for i, seed := range seeds {
		rng := rand.New(rand.NewSource(seed))
		blob := make([]byte, 4096)
		rng.Read(blob)
		fp, err := tlsh.HashBytes(blob)
		if err != nil {
			t.Fatalf("HashBytes: %v", err)
		}
		raw, err := hex.DecodeString(fp.String())
		if err != nil {
			t.Fatalf("decode digest: %v", err)
		}
		buf.Write(raw)
		var tail [12]byte
		binary.LittleEndian.PutUint32(tail[0:4], database.NoThreshold)
		binary.LittleEndian.PutUint64(tail[4:12], uint64(i+1))
		buf.Write(tail[:])
	}
	return buf.Bytes()
}

func TestWatcher_SwapsOnReplace(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "database.sdb")
	if err := os.WriteFile(dbPath, encodeDB(t, []int64{1}), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := database.NewStore(dbPath, 40)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	c := cache.New(128, false)
	c.Store("/bin/something", cache.FileIdentity{Size: 1}, detector.Benign)

	w := New(dbPath, store, c, observability.NewMetrics(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	// Give the watch time to install, then replace the file the way an
	// updater does: write a temp file and rename into place.
	time.Sleep(200 * time.Millisecond)
	tmp := filepath.Join(dir, ".database.sdb.tmp")
	if err := os.WriteFile(tmp, encodeDB(t, []int64{1, 2}), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for len(store.Current().Signatures) != 2 {
		select {
		case <-deadline:
			t.Fatalf("snapshot not swapped; have %d signatures", len(store.Current().Signatures))
		case <-time.After(50 * time.Millisecond):
		}
	}

	// Verdicts from the old snapshot must be gone.
	if c.Len() != 0 {
		t.Errorf("cache entries = %d after swap, want 0", c.Len())
	}

	cancel()
	<-done
}

func TestWatcher_BadReplacementRetainsSnapshot(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "database.sdb")
	if err := os.WriteFile(dbPath, encodeDB(t, []int64{1}), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := database.NewStore(dbPath, 40)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	prior := store.Current()

	w := New(dbPath, store, cache.New(128, false), observability.NewMetrics(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(dbPath, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Wait past the quiet period plus slack; the prior snapshot must
	// still be published.
	time.Sleep(DefaultQuietPeriod + 500*time.Millisecond)
	if store.Current() != prior {
		t.Error("bad replacement must retain the prior snapshot")
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "database.sdb")
	if err := os.WriteFile(dbPath, encodeDB(t, []int64{1}), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := database.NewStore(dbPath, 40)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	w := New(dbPath, store, cache.New(128, false), observability.NewMetrics(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	// A burst of writes inside the quiet period ends in a reload once the
	// writes stop; the test checks that the new snapshot gets published,
	// not how many reloads ran.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(dbPath, encodeDB(t, []int64{1, 2}), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	deadline := time.After(5 * time.Second)
	for len(store.Current().Signatures) != 2 {
		select {
		case <-deadline:
			t.Fatal("debounced reload never happened")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
