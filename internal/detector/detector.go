// Package detector defines the detection capability set and its
// simple_tlsh implementation.
//
// A Detector is two pure operations: fingerprint a byte stream and
// classify a fingerprint against a signature snapshot. Verdicts are
// meaningful only relative to the snapshot they were computed against;
// the verdict cache is cleared whenever the snapshot is swapped.
package detector

import (
	"fmt"
	"io"

	"github.com/glaslos/tlsh"

	"github.com/simbiota/simbiota/internal/config"
	"github.com/simbiota/simbiota/internal/database"
)

// Verdict is the outcome of classifying one file.
type Verdict struct {
	// Malicious is true when a signature matched.
	Malicious bool

	// SampleID is the matched signature's sample identifier.
	SampleID uint64

	// Distance is the TLSH distance to the matched signature.
	Distance int
}

// Benign is the zero verdict.
var Benign = Verdict{}

func (v Verdict) String() string {
	if !v.Malicious {
		return "benign"
	}
	return fmt.Sprintf("malicious(sample=%d distance=%d)", v.SampleID, v.Distance)
}

// Detector is the capability set a detection engine provides.
type Detector interface {
	// Fingerprint computes the similarity digest of a byte stream.
	// A nil digest with nil error means the input is uncharacterizable
	// (too short or too low entropy); the caller treats that as benign.
	// A non-nil error is an I/O failure reading r.
	Fingerprint(r io.Reader) (*tlsh.Tlsh, error)

	// Classify compares a fingerprint against every signature in the
	// snapshot and returns at the first match. A nil fingerprint is
	// benign. Pure: identical inputs yield identical verdicts.
	Classify(fp *tlsh.Tlsh, snap *database.Snapshot) Verdict
}

// New constructs the detector named by the config. The only supported
// class is simple_tlsh.
func New(cfg config.DetectorConfig) (Detector, error) {
	switch cfg.Class {
	case "simple_tlsh":
		return &SimpleTLSH{}, nil
	default:
		return nil, fmt.Errorf("detector: unknown class %q", cfg.Class)
	}
}

// SimpleTLSH is the TLSH linear-scan similarity detector.
type SimpleTLSH struct{}

// Fingerprint hashes the full stream. The TLSH algorithm needs the whole
// input to fill its quartile buckets, so the stream is drained here.
func (d *SimpleTLSH) Fingerprint(r io.Reader) (*tlsh.Tlsh, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("detector: read: %w", err)
	}
	fp, err := tlsh.HashBytes(data)
	if err != nil {
		// Inputs under the algorithm's minimum length or without enough
		// entropy have no digest. Not an error: the verdict is benign.
		return nil, nil
	}
	return fp, nil
}

// Classify scans the snapshot in file order and returns at the first
// signature whose distance is at or below its effective threshold.
// Typical positives terminate early; worst case stays O(N).
func (d *SimpleTLSH) Classify(fp *tlsh.Tlsh, snap *database.Snapshot) Verdict {
	if fp == nil || snap == nil {
		return Benign
	}
	for _, sig := range snap.Signatures {
		dist := fp.Diff(sig.Digest)
		if dist <= sig.EffectiveThreshold(snap.DefaultThreshold) {
			return Verdict{Malicious: true, SampleID: sig.SampleID, Distance: dist}
		}
	}
	return Benign
}
