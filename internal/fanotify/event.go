// Package fanotify owns the fanotify descriptor: mark management, the
// event read loop, and permission verdict writeback.
//
// Architecture:
//
//	[fanotify descriptor]
//	      ↓  (read loop goroutine, poll + batch read)
//	[Event queue (buffered channel, cap=EventQueueSize)]
//	      ↓
//	[scan workers]
//	      ↓  (response channel)
//	[read loop writes FAN_ALLOW/FAN_DENY back to the descriptor]
//
// The descriptor is exclusive to the read loop; workers hand verdicts
// back through the response channel and never touch the descriptor.
//
// Backpressure: when the event queue is full, permission events are
// replied Allow immediately (fail-open) and notification events are
// dropped with a counter increment.
package fanotify

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const permMask = unix.FAN_OPEN_PERM | unix.FAN_OPEN_EXEC_PERM | unix.FAN_ACCESS_PERM

// kindBits maps config mask names onto fanotify event bits.
var kindBits = map[string]uint64{
	"ACCESS":         unix.FAN_ACCESS,
	"MODIFY":         unix.FAN_MODIFY,
	"CLOSE_WRITE":    unix.FAN_CLOSE_WRITE,
	"CLOSE_NOWRITE":  unix.FAN_CLOSE_NOWRITE,
	"OPEN":           unix.FAN_OPEN,
	"OPEN_EXEC":      unix.FAN_OPEN_EXEC,
	"OPEN_PERM":      unix.FAN_OPEN_PERM,
	"OPEN_EXEC_PERM": unix.FAN_OPEN_EXEC_PERM,
	"ACCESS_PERM":    unix.FAN_ACCESS_PERM,
}

// kindNames is the reverse mapping, used for metrics labels and logs.
var kindNames = []struct {
	bit  uint64
	name string
}{
	{unix.FAN_OPEN_PERM, "OPEN_PERM"},
	{unix.FAN_OPEN_EXEC_PERM, "OPEN_EXEC_PERM"},
	{unix.FAN_ACCESS_PERM, "ACCESS_PERM"},
	{unix.FAN_OPEN_EXEC, "OPEN_EXEC"},
	{unix.FAN_OPEN, "OPEN"},
	{unix.FAN_ACCESS, "ACCESS"},
	{unix.FAN_MODIFY, "MODIFY"},
	{unix.FAN_CLOSE_WRITE, "CLOSE_WRITE"},
	{unix.FAN_CLOSE_NOWRITE, "CLOSE_NOWRITE"},
}

// KindName returns the name of the highest-priority kind bit in mask.
func KindName(mask uint64) string {
	for _, k := range kindNames {
		if mask&k.bit != 0 {
			return k.name
		}
	}
	return "UNKNOWN"
}

// Event is one fanotify event. The event file descriptor is owned by
// the Event: the scan pipeline must call Close on every exit path.
type Event struct {
	// Mask is the raw fanotify event mask.
	Mask uint64

	// Fd is the open descriptor referring to the accessed file.
	Fd int

	// PID is the originating process (informational).
	PID int32

	// Received is when the read loop picked the event up; permission
	// deadlines are measured from here.
	Received time.Time

	listener    *Listener
	respondOnce sync.Once
	closeOnce   sync.Once
	respDone    chan struct{}
}

// IsPermission reports whether the kernel is blocking the originating
// syscall on our response.
func (e *Event) IsPermission() bool {
	return e.Mask&permMask != 0
}

// Respond hands the verdict for a permission event back to the read
// loop. Exactly one response is written no matter how often Respond is
// called; non-permission events ignore it.
func (e *Event) Respond(allow bool) {
	if !e.IsPermission() {
		return
	}
	e.respondOnce.Do(func() {
		e.listener.enqueueResponse(response{fd: int32(e.Fd), allow: allow, done: e.respDone})
	})
}

// Close releases the event descriptor. For permission events a response
// is forced first (Allow if none was issued) and Close waits up to 2 s
// for the read loop to write it before closing the descriptor.
func (e *Event) Close() {
	e.closeOnce.Do(func() {
		if e.IsPermission() {
			e.Respond(true)
			select {
			case <-e.respDone:
			case <-time.After(2 * time.Second):
			}
		}
		_ = unix.Close(e.Fd)
	})
}

type response struct {
	fd    int32
	allow bool
	done  chan struct{}
}
