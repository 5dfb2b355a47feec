// Listener lifecycle: Init → Mark (per config entry) → Run → ctx cancel.
//
// Cancellation uses the self-pipe pattern: poll(2) watches the fanotify
// descriptor, the response wake pipe, and a stop pipe written on ctx
// cancellation, so the loop never blocks past shutdown.
package fanotify

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/simbiota/simbiota/internal/config"
	"github.com/simbiota/simbiota/internal/observability"
)

const (
	eventBufSize = 4096

	// reinit thresholds: more than maxReadFailures descriptor errors
	// inside failureWindow is fatal.
	maxReadFailures = 3
	failureWindow   = 60 * time.Second
)

type markKey struct {
	path  string
	flags uint
	mask  uint64
}

// Listener owns the fanotify descriptor.
type Listener struct {
	fd      int
	selfPID int32

	queue  chan *Event
	respCh chan response

	// stopPipe unblocks poll on shutdown; wakePipe unblocks it when a
	// response is enqueued.
	stopR, stopW int
	wakeR, wakeW int

	mu    sync.Mutex
	marks map[markKey]struct{}

	stopped chan struct{}

	metrics *observability.Metrics
	log     *zap.Logger
}

// Init creates the fanotify descriptor with FAN_CLASS_CONTENT, which is
// required for permission events. Failure here is fatal to the daemon
// (exit code 4); failures installing individual marks are not.
func Init(queueSize int, metrics *observability.Metrics, log *zap.Logger) (*Listener, error) {
	fd, err := unix.FanotifyInit(
		unix.FAN_CLASS_CONTENT|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK,
		unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC,
	)
	if err != nil {
		return nil, fmt.Errorf("fanotify_init: %w", err)
	}

	l := &Listener{
		fd:      fd,
		selfPID: int32(unix.Getpid()),
		queue:   make(chan *Event, queueSize),
		respCh:  make(chan response, queueSize*2),
		marks:   make(map[markKey]struct{}),
		stopped: make(chan struct{}),
		metrics: metrics,
		log:     log,
	}

	var stop, wake [2]int
	if err := unix.Pipe2(stop[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}
	if err := unix.Pipe2(wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		unix.Close(stop[0])
		unix.Close(stop[1])
		return nil, fmt.Errorf("pipe: %w", err)
	}
	l.stopR, l.stopW = stop[0], stop[1]
	l.wakeR, l.wakeW = wake[0], wake[1]
	return l, nil
}

// markArgs translates a MarkSpec into fanotify_mark arguments.
func markArgs(spec config.MarkSpec) (flags uint, mask uint64, err error) {
	flags = unix.FAN_MARK_ADD
	switch {
	case spec.Mount:
		flags |= unix.FAN_MARK_MOUNT
	case spec.Filesystem:
		flags |= unix.FAN_MARK_FILESYSTEM
	}
	if spec.Dir {
		flags |= unix.FAN_MARK_ONLYDIR
	}
	for _, name := range spec.Mask {
		bit, ok := kindBits[name]
		if !ok {
			return 0, 0, fmt.Errorf("unknown event kind %q", name)
		}
		mask |= bit
	}
	if spec.EventOnChildren {
		mask |= unix.FAN_EVENT_ON_CHILD
	}
	return flags, mask, nil
}

// Mark installs one fanotify mark. Installing the same spec twice is a
// no-op.
func (l *Listener) Mark(spec config.MarkSpec) error {
	flags, mask, err := markArgs(spec)
	if err != nil {
		return fmt.Errorf("mark %q: %w", spec.Path, err)
	}

	key := markKey{path: spec.Path, flags: flags, mask: mask}
	l.mu.Lock()
	if _, done := l.marks[key]; done {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := unix.FanotifyMark(l.fd, flags, mask, unix.AT_FDCWD, spec.Path); err != nil {
		return fmt.Errorf("fanotify_mark %q: %w", spec.Path, err)
	}

	l.mu.Lock()
	l.marks[key] = struct{}{}
	l.mu.Unlock()
	l.log.Info("mark installed",
		zap.String("path", spec.Path),
		zap.Strings("mask", spec.Mask),
		zap.Bool("mount", spec.Mount),
		zap.Bool("filesystem", spec.Filesystem))
	return nil
}

// remarkAll reinstalls every known mark after a descriptor error.
func (l *Listener) remarkAll() {
	l.mu.Lock()
	keys := make([]markKey, 0, len(l.marks))
	for k := range l.marks {
		keys = append(keys, k)
	}
	l.mu.Unlock()

	for _, k := range keys {
		if err := unix.FanotifyMark(l.fd, k.flags, k.mask, unix.AT_FDCWD, k.path); err != nil {
			l.log.Error("re-mark failed", zap.String("path", k.path), zap.Error(err))
		}
	}
}

// Events returns the channel the read loop delivers events on. Closed
// when the loop exits.
func (l *Listener) Events() <-chan *Event {
	return l.queue
}

func (l *Listener) enqueueResponse(r response) {
	select {
	case l.respCh <- r:
		// Wake the poll loop. A full pipe already guarantees a wakeup.
		var b [1]byte
		_, _ = unix.Write(l.wakeW, b[:])
	case <-l.stopped:
		// Descriptor is closing; the kernel auto-allows pending events.
		close(r.done)
	}
}

// writeResponse writes one FAN_ALLOW/FAN_DENY structure to the
// descriptor. Called from the read loop only.
func (l *Listener) writeResponse(r response) {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.fd))
	verdict := uint32(unix.FAN_ALLOW)
	label := "allow"
	if !r.allow {
		verdict = unix.FAN_DENY
		label = "deny"
	}
	binary.LittleEndian.PutUint32(buf[4:8], verdict)
	if _, err := unix.Write(l.fd, buf[:]); err != nil {
		l.log.Error("permission response write failed",
			zap.Int32("event_fd", r.fd), zap.Error(err))
	} else {
		l.metrics.PermissionRepliesTotal.WithLabelValues(label).Inc()
	}
	close(r.done)
}

func (l *Listener) drainResponses() {
	for {
		select {
		case r := <-l.respCh:
			l.writeResponse(r)
		default:
			return
		}
	}
}

// Run starts the read loop. It blocks until ctx is cancelled or the
// descriptor fails fatally, then writes the responses already queued,
// closes the event channel and the descriptor, and returns. Permission
// events still without a response are allowed by the kernel when the
// descriptor closes.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		var b [1]byte
		_, _ = unix.Write(l.stopW, b[:])
	}()

	defer func() {
		l.drainResponses()
		close(l.stopped)
		close(l.queue)
		// Closing the descriptor auto-allows any still-pending
		// permission events in the kernel.
		unix.Close(l.fd)
		unix.Close(l.stopR)
		unix.Close(l.stopW)
		unix.Close(l.wakeR)
		unix.Close(l.wakeW)
	}()

	buf := make([]byte, eventBufSize)
	var failures []time.Time

	for {
		fds := []unix.PollFd{
			{Fd: int32(l.fd), Events: unix.POLLIN},
			{Fd: int32(l.stopR), Events: unix.POLLIN},
			{Fd: int32(l.wakeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		if fds[2].Revents&unix.POLLIN != 0 {
			var sink [16]byte
			_, _ = unix.Read(l.wakeR, sink[:])
			l.drainResponses()
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			return nil
		}

		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(l.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			l.log.Error("fanotify read failed", zap.Error(err))
			now := time.Now()
			failures = append(failures, now)
			for len(failures) > 0 && now.Sub(failures[0]) > failureWindow {
				failures = failures[1:]
			}
			if len(failures) > maxReadFailures {
				return fmt.Errorf("fanotify descriptor failing repeatedly: %w", err)
			}
			l.remarkAll()
			continue
		}

		l.processBatch(buf[:n])
	}
}

// processBatch walks one read's worth of fanotify_event_metadata
// records and dispatches them.
func (l *Listener) processBatch(buf []byte) {
	metaSize := int(unsafe.Sizeof(unix.FanotifyEventMetadata{}))
	off := 0
	for off+metaSize <= len(buf) {
		meta := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[off]))
		if int(meta.Event_len) < metaSize || off+int(meta.Event_len) > len(buf) {
			l.log.Warn("malformed fanotify record",
				zap.Uint32("event_len", meta.Event_len), zap.Int("off", off))
			return
		}
		l.dispatch(meta)
		off += int(meta.Event_len)
	}
}

func (l *Listener) dispatch(meta *unix.FanotifyEventMetadata) {
	if meta.Vers != unix.FANOTIFY_METADATA_VERSION {
		l.log.Error("fanotify metadata version mismatch",
			zap.Uint8("have", meta.Vers),
			zap.Uint8("want", unix.FANOTIFY_METADATA_VERSION))
		return
	}
	if meta.Mask&unix.FAN_Q_OVERFLOW != 0 {
		l.metrics.EventsDroppedTotal.WithLabelValues("overflow").Inc()
		return
	}
	if meta.Fd == unix.FAN_NOFD || meta.Fd < 0 {
		return
	}

	ev := &Event{
		Mask:     meta.Mask,
		Fd:       int(meta.Fd),
		PID:      meta.Pid,
		Received: time.Now(),
		listener: l,
		respDone: make(chan struct{}),
	}

	l.metrics.EventsProcessedTotal.WithLabelValues(KindName(ev.Mask)).Inc()

	// Self-exclusion: scanning our own file accesses would feed the
	// scan's reads back into the queue.
	if ev.PID == l.selfPID {
		l.metrics.SelfEventsTotal.Inc()
		if ev.IsPermission() {
			l.writeResponse(response{fd: int32(ev.Fd), allow: true, done: ev.respDone})
		}
		_ = unix.Close(ev.Fd)
		return
	}

	select {
	case l.queue <- ev:
		l.metrics.EventQueueDepth.Set(float64(len(l.queue)))
	default:
		// Queue full: fail open rather than stall the kernel.
		l.metrics.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
		if ev.IsPermission() {
			l.writeResponse(response{fd: int32(ev.Fd), allow: true, done: ev.respDone})
		}
		_ = unix.Close(ev.Fd)
	}
}
