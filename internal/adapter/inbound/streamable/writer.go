package streamable

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/modulegate/gateway/internal/service"
)

// errBackpressured is returned by sseWriter.WriteFrame when the bounded
// queue is full even after dropping its oldest frame. Only notifications
// and server-requests pass through here; responses are written
// synchronously by the POST handler and are never dropped.
var errBackpressured = errors.New("streamable: downstream writer backpressured")

// sseFrameQueueSize bounds how many forwarded notifications/server-requests
// can sit unread before the oldest is dropped.
const sseFrameQueueSize = 256

// backpressureAbortAfter is how long the queue may stay full (every write
// forced to drop a frame) before the session is aborted: a downstream
// client that hasn't drained its stream in this long is gone, not slow.
const backpressureAbortAfter = 5 * time.Second

// sseWriter is the per-session DownstreamWriter the SSE GET handler drains.
// It outlives any one GET connection: a session's writer is created at
// initialize and only torn down at session close, so a client that
// reconnects its GET stream (e.g. after a network blip) doesn't lose frames
// queued while disconnected, up to sseFrameQueueSize.
type sseWriter struct {
	mu     sync.Mutex
	frames chan service.DownstreamFrame
	closed bool

	// Sustained-backpressure tracking: backpressuredSince is set on the
	// first write that finds the queue full and cleared by any write that
	// lands without dropping; once the queue has stayed full past
	// abortAfter, onAbort fires (once) to tear the session down.
	backpressuredSince time.Time
	abortAfter         time.Duration
	onAbort            func()
	abortOnce          sync.Once

	// delivered is a bounded ring of frames already written to a previous
	// GET stream, retained so a reconnecting client holding a Last-Event-ID
	// can be re-sent what the broken connection may have lost.
	delivered []service.DownstreamFrame
}

func newSSEWriter() *sseWriter {
	return &sseWriter{
		frames:     make(chan service.DownstreamFrame, sseFrameQueueSize),
		abortAfter: backpressureAbortAfter,
	}
}

// setAbortHook installs the callback fired when the writer has been
// backpressured past abortAfter. Called once per writer, before any
// WriteFrame traffic.
func (w *sseWriter) setAbortHook(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onAbort = fn
}

// recordDelivered remembers a frame just written to the wire, evicting the
// oldest once the ring is full.
func (w *sseWriter) recordDelivered(f service.DownstreamFrame) {
	if f.EventID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.delivered) >= sseFrameQueueSize {
		copy(w.delivered, w.delivered[1:])
		w.delivered[len(w.delivered)-1] = f
		return
	}
	w.delivered = append(w.delivered, f)
}

// replayAfter returns the delivered frames a client resuming from
// lastEventID should see again: frames from the SAME upstream (the event
// id's segment before the first '/') that were delivered after the cursor
// frame. Frames from other upstreams resume "from now" — their cursor is
// unknown, so nothing is replayed for them, per the missing-cursor rule.
// An unknown cursor replays nothing (the ring has already evicted it).
func (w *sseWriter) replayAfter(lastEventID string) []service.DownstreamFrame {
	prefix := ""
	if idx := strings.IndexByte(lastEventID, '/'); idx >= 0 {
		prefix = lastEventID[:idx+1]
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	at := -1
	for i, f := range w.delivered {
		if f.EventID == lastEventID {
			at = i
			break
		}
	}
	if at < 0 {
		return nil
	}
	var out []service.DownstreamFrame
	for _, f := range w.delivered[at+1:] {
		if prefix == "" || strings.HasPrefix(f.EventID, prefix) {
			out = append(out, f)
		}
	}
	return out
}

// WriteFrame implements service.DownstreamWriter: notifications drop
// oldest-first under pressure, and a queue that stays full past abortAfter
// aborts the whole session via the installed hook.
func (w *sseWriter) WriteFrame(f service.DownstreamFrame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errBackpressured
	}

	select {
	case w.frames <- f:
		w.backpressuredSince = time.Time{}
		w.mu.Unlock()
		return nil
	default:
	}

	now := time.Now()
	if w.backpressuredSince.IsZero() {
		w.backpressuredSince = now
	} else if now.Sub(w.backpressuredSince) >= w.abortAfter {
		abort := w.onAbort
		w.mu.Unlock()
		if abort != nil {
			w.abortOnce.Do(abort)
		}
		return errBackpressured
	}

	// Queue full but still under the deadline: drop the oldest frame and
	// retry once.
	select {
	case <-w.frames:
	default:
	}
	select {
	case w.frames <- f:
		w.mu.Unlock()
		return nil
	default:
		w.mu.Unlock()
		return errBackpressured
	}
}

// close shuts the writer down; any blocked or future GET reader sees the
// channel close and returns.
func (w *sseWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.frames)
}

var _ service.DownstreamWriter = (*sseWriter)(nil)
