// Package scan orchestrates one file-access event end to end:
// resolve identity → cache → detect → verdict → side effects.
//
// Stages per event:
//  1. Resolve the event descriptor to a real path (/proc/self/fd) and
//     fstat through the descriptor, not the path, so the identity
//     belongs to the object the kernel handed us.
//  2. Cache lookup keyed by path, revalidated against the identity.
//  3. On miss, fingerprint the file through the descriptor and classify
//     against the current signature snapshot. Concurrent events for the
//     same path coalesce onto one scan.
//  4. Store the verdict, reply to the permission event, and on positive
//     verdicts invoke quarantine and the alert sink.
//
// Permission events carry a soft deadline measured from receipt. When
// it expires before the verdict is ready, the event is replied Allow
// (fail-open) and the scan keeps running to populate the cache.
package scan

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/simbiota/simbiota/internal/alert"
	"github.com/simbiota/simbiota/internal/cache"
	"github.com/simbiota/simbiota/internal/database"
	"github.com/simbiota/simbiota/internal/detector"
	"github.com/simbiota/simbiota/internal/fanotify"
	"github.com/simbiota/simbiota/internal/observability"
	"github.com/simbiota/simbiota/internal/quarantine"
)

// Pipeline wires the scan collaborators together.
type Pipeline struct {
	detector   detector.Detector
	store      *database.Store
	cache      *cache.Cache
	quarantine *quarantine.Manager // nil when quarantine is disabled
	alerts     *alert.Sink
	metrics    *observability.Metrics
	log        *zap.Logger

	deadline time.Duration
	group    singleflight.Group
}

// New builds a Pipeline. quarantine may be nil.
func New(
	det detector.Detector,
	store *database.Store,
	c *cache.Cache,
	q *quarantine.Manager,
	alerts *alert.Sink,
	metrics *observability.Metrics,
	log *zap.Logger,
	deadline time.Duration,
) *Pipeline {
	return &Pipeline{
		detector:   det,
		store:      store,
		cache:      c,
		quarantine: q,
		alerts:     alerts,
		metrics:    metrics,
		log:        log,
		deadline:   deadline,
	}
}

// Run consumes events until the channel closes. Blocks; the caller
// decides how many workers to spawn.
func (p *Pipeline) Run(ctx context.Context, events <-chan *fanotify.Event, workers int) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				p.Handle(ctx, ev)
			}
		}()
	}
	wg.Wait()
}

// Handle processes one event. The event descriptor is closed on every
// exit path.
func (p *Pipeline) Handle(ctx context.Context, ev *fanotify.Event) {
	defer ev.Close()

	if ctx.Err() != nil {
		// Shutting down: fail open, skip the scan.
		ev.Respond(true)
		return
	}

	start := time.Now()

	path, id, err := identify(ev.Fd)
	if err != nil {
		// File vanished between event and open, or an unlinked fd.
		// Transient: allow, no cache entry.
		p.log.Debug("identity resolution failed",
			zap.Int("fd", ev.Fd), zap.Error(err))
		p.metrics.ScansTotal.WithLabelValues("error").Inc()
		ev.Respond(true)
		return
	}

	if verdict, ok := p.cache.Lookup(path, id); ok {
		p.metrics.CacheHitsTotal.Inc()
		p.finish(ev, path, id, verdict, start)
		return
	}
	p.metrics.CacheMissesTotal.Inc()

	// Fail open once the soft deadline passes; the scan continues below
	// and still populates the cache.
	var timer *time.Timer
	if ev.IsPermission() {
		remaining := p.deadline - time.Since(ev.Received)
		if remaining <= 0 {
			remaining = time.Nanosecond
		}
		timer = time.AfterFunc(remaining, func() {
			p.metrics.DeadlineMissesTotal.Inc()
			p.log.Warn("permission response deadline missed, allowing",
				zap.String("path", path),
				zap.Duration("deadline", p.deadline))
			ev.Respond(true)
		})
	}

	verdict, err := p.scan(ev.Fd, path, id)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		p.log.Debug("scan failed", zap.String("path", path), zap.Error(err))
		p.metrics.ScansTotal.WithLabelValues("error").Inc()
		ev.Respond(true)
		return
	}

	p.finish(ev, path, id, verdict, start)
}

// scan coalesces concurrent requests for the same path onto one
// fingerprint computation; late arrivals await the shared result.
func (p *Pipeline) scan(fd int, path string, id cache.FileIdentity) (detector.Verdict, error) {
	v, err, _ := p.group.Do(path, func() (interface{}, error) {
		snap := p.store.Current()
		verdict, err := p.classifyFd(fd, snap)
		if err != nil {
			return nil, err
		}
		p.cache.Store(path, id, verdict)
		p.metrics.CacheEntries.Set(float64(p.cache.Len()))
		return verdict, nil
	})
	if err != nil {
		return detector.Benign, err
	}
	return v.(detector.Verdict), nil
}

// classifyFd streams the file through the detector. The descriptor is
// duplicated so the event's fd offset and lifetime stay untouched.
func (p *Pipeline) classifyFd(fd int, snap *database.Snapshot) (detector.Verdict, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return detector.Benign, fmt.Errorf("dup: %w", err)
	}
	f := os.NewFile(uintptr(dup), "fanotify-event")
	defer f.Close()

	if _, err := f.Seek(0, 0); err != nil {
		return detector.Benign, fmt.Errorf("seek: %w", err)
	}

	fp, err := p.detector.Fingerprint(f)
	if err != nil {
		return detector.Benign, err
	}
	return p.detector.Classify(fp, snap), nil
}

// finish replies to the event and runs detection side effects.
func (p *Pipeline) finish(ev *fanotify.Event, path string, id cache.FileIdentity, verdict detector.Verdict, start time.Time) {
	p.metrics.ScanDurationSeconds.Observe(time.Since(start).Seconds())

	if !verdict.Malicious {
		p.metrics.ScansTotal.WithLabelValues("benign").Inc()
		ev.Respond(true)
		return
	}

	p.metrics.ScansTotal.WithLabelValues("malicious").Inc()
	ev.Respond(false)

	action := "denied"
	if p.quarantine != nil {
		rec, qerr := p.quarantine.Quarantine(path, verdict.SampleID, verdict.Distance)
		switch {
		case qerr != nil:
			// The access is still denied and alerted; the file stays put.
			p.metrics.QuarantinesTotal.WithLabelValues("error").Inc()
			p.log.Error("quarantine failed", zap.String("path", path), zap.Error(qerr))
		case rec == nil:
			p.metrics.QuarantinesTotal.WithLabelValues("vanished").Inc()
		default:
			p.metrics.QuarantinesTotal.WithLabelValues("ok").Inc()
			action = "quarantined"
			p.cache.Invalidate(path)
		}
	}

	p.alerts.Publish(alert.DetectionEvent{
		Path:      path,
		SampleID:  verdict.SampleID,
		Distance:  verdict.Distance,
		Identity:  id,
		Timestamp: time.Now(),
		Action:    action,
	})
}

// identify resolves the event descriptor to its real path and builds
// the stat identity through the descriptor (not the path, so a rename
// or swap between event and scan cannot redirect us).
func identify(fd int) (string, cache.FileIdentity, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	if err != nil {
		return "", cache.FileIdentity{}, fmt.Errorf("readlink: %w", err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return "", cache.FileIdentity{}, fmt.Errorf("fstat: %w", err)
	}
	if st.Nlink == 0 {
		// Unlinked between event and scan; a verdict for a dead path
		// would poison the cache.
		return "", cache.FileIdentity{}, fmt.Errorf("file unlinked: %s", path)
	}

	return path, cache.FileIdentity{
		Size:      st.Size,
		UID:       st.Uid,
		GID:       st.Gid,
		MtimeSec:  st.Mtim.Sec,
		MtimeNsec: st.Mtim.Nsec,
		CtimeSec:  st.Ctim.Sec,
		CtimeNsec: st.Ctim.Nsec,
		Mode:      st.Mode,
	}, nil
}
