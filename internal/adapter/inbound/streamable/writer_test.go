package streamable

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/modulegate/gateway/internal/service"
)

func frame(eventID, body string) service.DownstreamFrame {
	return service.DownstreamFrame{EventID: eventID, Raw: json.RawMessage(body)}
}

func TestSSEWriter_WriteFrame_DropsOldestWhenFull(t *testing.T) {
	w := newSSEWriter()
	for i := 0; i < sseFrameQueueSize+1; i++ {
		if err := w.WriteFrame(frame("", `{}`)); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	if len(w.frames) != sseFrameQueueSize {
		t.Errorf("queue length = %d, want %d", len(w.frames), sseFrameQueueSize)
	}
}

func TestSSEWriter_SustainedBackpressureFiresAbortHook(t *testing.T) {
	w := newSSEWriter()
	w.abortAfter = 10 * time.Millisecond
	aborted := false
	w.setAbortHook(func() { aborted = true })

	for i := 0; i < sseFrameQueueSize; i++ {
		if err := w.WriteFrame(frame("", `{}`)); err != nil {
			t.Fatalf("fill write %d: %v", i, err)
		}
	}

	// First over-capacity write starts the backpressure clock.
	_ = w.WriteFrame(frame("", `{}`))
	if aborted {
		t.Fatal("abort hook fired before the deadline elapsed")
	}

	time.Sleep(20 * time.Millisecond)
	if err := w.WriteFrame(frame("", `{}`)); err == nil {
		t.Fatal("expected errBackpressured once the deadline elapsed")
	}
	if !aborted {
		t.Fatal("expected abort hook after sustained backpressure past the deadline")
	}
}

func TestSSEWriter_DrainResetsBackpressureClock(t *testing.T) {
	w := newSSEWriter()
	w.abortAfter = 10 * time.Millisecond
	aborted := false
	w.setAbortHook(func() { aborted = true })

	for i := 0; i < sseFrameQueueSize+1; i++ {
		_ = w.WriteFrame(frame("", `{}`))
	}
	time.Sleep(20 * time.Millisecond)

	// The client drains; the next write lands cleanly and resets the clock.
	<-w.frames
	if err := w.WriteFrame(frame("", `{}`)); err != nil {
		t.Fatalf("write after drain: %v", err)
	}
	if aborted {
		t.Fatal("abort hook fired even though the queue recovered before another full write")
	}
}

func TestSSEWriter_WriteFrame_AfterCloseErrors(t *testing.T) {
	w := newSSEWriter()
	w.close()
	if err := w.WriteFrame(frame("", `{}`)); err == nil {
		t.Error("expected error writing to closed writer")
	}
}

func TestSSEWriter_ReplayAfter_ReplaysOnlyCursorUpstream(t *testing.T) {
	w := newSSEWriter()
	// Interleaved frames from two upstreams, as a prior GET delivered them.
	w.recordDelivered(frame("u1/evt-6", `{"n":1}`))
	w.recordDelivered(frame("u2/evt-1", `{"n":2}`))
	w.recordDelivered(frame("u1/evt-7", `{"n":3}`))
	w.recordDelivered(frame("u2/evt-2", `{"n":4}`))
	w.recordDelivered(frame("u1/evt-8", `{"n":5}`))

	got := w.replayAfter("u1/evt-7")
	if len(got) != 1 {
		t.Fatalf("replayed %d frames, want 1", len(got))
	}
	if got[0].EventID != "u1/evt-8" {
		t.Errorf("replayed %q, want u1/evt-8 (u2 frames resume from now)", got[0].EventID)
	}
}

func TestSSEWriter_ReplayAfter_UnknownCursorReplaysNothing(t *testing.T) {
	w := newSSEWriter()
	w.recordDelivered(frame("u1/evt-7", `{}`))

	if got := w.replayAfter("u1/evt-999"); got != nil {
		t.Errorf("expected nil for unknown cursor, got %d frames", len(got))
	}
}

func TestSSEWriter_ReplayAfter_PreservesUpstreamEventIDContainingSlash(t *testing.T) {
	w := newSSEWriter()
	// An upstream event id may itself contain '/'; the split is on the
	// FIRST '/' only, so the cursor still matches.
	w.recordDelivered(frame("u1/a/b/1", `{}`))
	w.recordDelivered(frame("u1/a/b/2", `{}`))

	got := w.replayAfter("u1/a/b/1")
	if len(got) != 1 || got[0].EventID != "u1/a/b/2" {
		t.Errorf("got %+v, want the single later u1 frame", got)
	}
}
