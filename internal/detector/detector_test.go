package detector

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/glaslos/tlsh"

	"github.com/simbiota/simbiota/internal/config"
	"github.com/simbiota/simbiota/internal/database"
)

func configFor(class string) config.DetectorConfig {
	return config.DetectorConfig{Class: class, Config: config.DetectorParams{Threshold: 40}}
}

func blob(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func digestOf(t *testing.T, data []byte) *tlsh.Tlsh {
	t.Helper()
	fp, err := tlsh.HashBytes(data)
	if err != nil {
		t.Fatalf("HashBytes: %v", err)
	}
	return fp
}

func TestNew_UnknownClass(t *testing.T) {
	cfg := configFor("pattern_match")
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown detector class")
	}
}

func TestFingerprint_Uncharacterizable(t *testing.T) {
	d := &SimpleTLSH{}
	fp, err := d.Fingerprint(bytes.NewReader([]byte("tiny")))
	if err != nil {
		t.Fatalf("short input must not be an error, got: %v", err)
	}
	if fp != nil {
		t.Error("expected nil fingerprint for uncharacterizable input")
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	d := &SimpleTLSH{}
	data := blob(1, 4096)

	a, err := d.Fingerprint(bytes.NewReader(data))
	if err != nil || a == nil {
		t.Fatalf("Fingerprint: fp=%v err=%v", a, err)
	}
	b, err := d.Fingerprint(bytes.NewReader(data))
	if err != nil || b == nil {
		t.Fatalf("Fingerprint: fp=%v err=%v", b, err)
	}
	if a.String() != b.String() {
		t.Errorf("fingerprints differ: %s vs %s", a, b)
	}
}

func TestClassify_NilFingerprintIsBenign(t *testing.T) {
	d := &SimpleTLSH{}
	snap := &database.Snapshot{DefaultThreshold: 40}
	if v := d.Classify(nil, snap); v.Malicious {
		t.Errorf("nil fingerprint classified as %v", v)
	}
}

func TestClassify_MatchAndMiss(t *testing.T) {
	d := &SimpleTLSH{}
	evil := blob(7, 4096)
	snap := &database.Snapshot{
		DefaultThreshold: 40,
		Signatures: []database.Signature{
			{SampleID: 7, Digest: digestOf(t, evil), Threshold: -1},
		},
	}

	// Identical content: distance 0, must match.
	v := d.Classify(digestOf(t, evil), snap)
	if !v.Malicious || v.SampleID != 7 || v.Distance != 0 {
		t.Errorf("identical content verdict = %v, want malicious(sample=7 distance=0)", v)
	}

	// Unrelated random content: distance far above threshold.
	v = d.Classify(digestOf(t, blob(8, 4096)), snap)
	if v.Malicious {
		t.Errorf("unrelated content verdict = %v, want benign", v)
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	d := &SimpleTLSH{}
	evil := blob(7, 4096)
	fp := digestOf(t, evil)
	snap := &database.Snapshot{
		DefaultThreshold: 40,
		Signatures: []database.Signature{
			{SampleID: 1, Digest: fp, Threshold: -1},
			{SampleID: 2, Digest: fp, Threshold: -1},
		},
	}

	v := d.Classify(fp, snap)
	if !v.Malicious || v.SampleID != 1 {
		t.Errorf("verdict = %v, want the first matching signature (sample 1)", v)
	}
}

func TestClassify_PerSignatureThresholdTightens(t *testing.T) {
	d := &SimpleTLSH{}
	base := blob(7, 4096)
	// A lightly perturbed copy yields a small but nonzero distance.
	near := append([]byte(nil), base...)
	for i := 0; i < 64; i++ {
		near[i*16] ^= 0xFF
	}

	fpBase := digestOf(t, base)
	fpNear := digestOf(t, near)
	dist := fpNear.Diff(fpBase)
	if dist <= 0 {
		t.Skipf("perturbation produced distance %d, cannot exercise threshold", dist)
	}

	// Per-signature threshold below the distance: no match even though
	// the snapshot default would allow it.
	snap := &database.Snapshot{
		DefaultThreshold: dist + 10,
		Signatures: []database.Signature{
			{SampleID: 1, Digest: fpBase, Threshold: dist - 1},
		},
	}
	if v := d.Classify(fpNear, snap); v.Malicious {
		t.Errorf("verdict = %v, want benign under tighter per-signature threshold", v)
	}

	// Threshold at the distance: match.
	snap.Signatures[0].Threshold = dist
	if v := d.Classify(fpNear, snap); !v.Malicious || v.Distance != dist {
		t.Errorf("verdict = %v, want malicious at distance %d", v, dist)
	}
}

func TestVerdict_String(t *testing.T) {
	if got := Benign.String(); got != "benign" {
		t.Errorf("Benign.String() = %q", got)
	}
	v := Verdict{Malicious: true, SampleID: 7, Distance: 12}
	if got := v.String(); got != "malicious(sample=7 distance=12)" {
		t.Errorf("String() = %q", got)
	}
}
