// Package alert fans detection events out to the enabled collaborators
// (log, detection ledger, email).
//
// Publishing never blocks the scan pipeline: events go onto an
// unbounded queue whose depth is exported as a gauge, and a dedicated
// worker drains it. On shutdown the queue is flushed with a bounded
// grace period.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simbiota/simbiota/internal/cache"
	"github.com/simbiota/simbiota/internal/observability"
	"github.com/simbiota/simbiota/internal/storage"
)

// DetectionEvent describes one positive verdict.
type DetectionEvent struct {
	Path      string
	SampleID  uint64
	Distance  int
	Identity  cache.FileIdentity
	Timestamp time.Time

	// Action records what the pipeline did: denied or quarantined.
	Action string
}

// Collaborator receives detection events. Calls are made from the sink
// worker only; a slow collaborator delays other alerts but never the
// scan pipeline.
type Collaborator interface {
	Name() string
	Notify(ctx context.Context, ev DetectionEvent) error
}

// Sink is the detection fan-out queue.
type Sink struct {
	mu     sync.Mutex
	queue  []DetectionEvent
	signal chan struct{}

	collaborators []Collaborator
	metrics       *observability.Metrics
	log           *zap.Logger
}

// NewSink creates a sink over the given collaborators.
func NewSink(collaborators []Collaborator, metrics *observability.Metrics, log *zap.Logger) *Sink {
	return &Sink{
		signal:        make(chan struct{}, 1),
		collaborators: collaborators,
		metrics:       metrics,
		log:           log,
	}
}

// Publish enqueues a detection event. Never blocks.
func (s *Sink) Publish(ev DetectionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.DetectionsTotal.Inc()
	s.metrics.AlertQueueDepth.Set(float64(depth))

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Sink) pop() (DetectionEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return DetectionEvent{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	s.metrics.AlertQueueDepth.Set(float64(len(s.queue)))
	return ev, true
}

// Run drains the queue until ctx is cancelled, then flushes what is
// left within the grace period.
func (s *Sink) Run(ctx context.Context, grace time.Duration) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), grace)
			s.flush(flushCtx)
			cancel()
			return
		case <-s.signal:
			s.drain(ctx)
		}
	}
}

func (s *Sink) drain(ctx context.Context) {
	for {
		ev, ok := s.pop()
		if !ok {
			return
		}
		s.deliver(ctx, ev)
	}
}

func (s *Sink) flush(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.mu.Lock()
			left := len(s.queue)
			s.mu.Unlock()
			if left > 0 {
				s.log.Warn("alert flush grace expired", zap.Int("unflushed", left))
			}
			return
		}
		ev, ok := s.pop()
		if !ok {
			return
		}
		s.deliver(ctx, ev)
	}
}

func (s *Sink) deliver(ctx context.Context, ev DetectionEvent) {
	for _, c := range s.collaborators {
		if err := c.Notify(ctx, ev); err != nil {
			s.log.Error("alert collaborator failed",
				zap.String("collaborator", c.Name()),
				zap.String("path", ev.Path),
				zap.Error(err))
		}
	}
}

// ─── Built-in collaborators ──────────────────────────────────────────────────

// LogCollaborator writes detections to the daemon log.
type LogCollaborator struct {
	Log *zap.Logger
}

func (l *LogCollaborator) Name() string { return "log" }

func (l *LogCollaborator) Notify(_ context.Context, ev DetectionEvent) error {
	l.Log.Warn("malware detected",
		zap.String("path", ev.Path),
		zap.Uint64("sample_id", ev.SampleID),
		zap.Int("distance", ev.Distance),
		zap.String("action", ev.Action),
		zap.Time("at", ev.Timestamp))
	return nil
}

// LedgerCollaborator appends detections to the bbolt ledger.
type LedgerCollaborator struct {
	DB *storage.DB
}

func (l *LedgerCollaborator) Name() string { return "ledger" }

func (l *LedgerCollaborator) Notify(_ context.Context, ev DetectionEvent) error {
	if err := l.DB.AppendDetection(storage.DetectionRecord{
		Timestamp: ev.Timestamp,
		Path:      ev.Path,
		SampleID:  ev.SampleID,
		Distance:  ev.Distance,
		Action:    ev.Action,
	}); err != nil {
		return fmt.Errorf("ledger append: %w", err)
	}
	return nil
}
