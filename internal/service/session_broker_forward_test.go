package service

import (
	"encoding/json"
	"testing"

	"github.com/modulegate/gateway/internal/domain/broker"
	"github.com/modulegate/gateway/internal/domain/catalog"
	"github.com/modulegate/gateway/internal/domain/idcodec"
	"github.com/modulegate/gateway/internal/domain/ratelimit"
	"github.com/modulegate/gateway/internal/domain/upstream"
)

type captureWriter struct {
	frames []DownstreamFrame
}

func (c *captureWriter) WriteFrame(f DownstreamFrame) error {
	c.frames = append(c.frames, f)
	return nil
}

func TestNotificationFilter_PermitsRespectsAllowDenyAndLogging(t *testing.T) {
	f := NotificationFilter{Allow: map[string]bool{"notifications/message": true, "notifications/progress": true}}
	if !f.Permits("notifications/progress") {
		t.Error("expected allowed method to pass")
	}
	if f.Permits("notifications/tools/list_changed") {
		t.Error("expected method outside Allow set to be denied")
	}

	f2 := NotificationFilter{LoggingDenied: true}
	if f2.Permits("notifications/message") {
		t.Error("expected notifications/message suppressed when LoggingDenied")
	}
	if !f2.Permits("notifications/progress") {
		t.Error("expected other notifications unaffected by LoggingDenied")
	}
}

func TestForwardSink_DropsDeniedNotification(t *testing.T) {
	sess := broker.NewSession("sess1", "p1", "key1", []byte("k"))
	b := NewSessionBroker(sess, nil, ratelimit.WindowConfig{}, nil, catalog.MergedCatalog{}, nil, nil, nil, nil)
	w := &captureWriter{}
	sink := NewForwardSink(b, w, map[string]NotificationFilter{
		"up1": {Deny: map[string]bool{"notifications/message": true}},
	}, idcodec.ModeOpaque, idcodec.EventModeUpstreamSlash, true, nil)

	sink.HandleUpstreamFrame("up1", upstream.Frame{Method: "notifications/message", Params: json.RawMessage(`{}`)})

	if len(w.frames) != 0 {
		t.Errorf("expected denied notification to be dropped, got %d frames", len(w.frames))
	}
}

func TestForwardSink_ForwardsAllowedNotificationWithNamespacedEventID(t *testing.T) {
	sess := broker.NewSession("sess1", "p1", "key1", []byte("k"))
	b := NewSessionBroker(sess, nil, ratelimit.WindowConfig{}, nil, catalog.MergedCatalog{}, nil, nil, nil, nil)
	w := &captureWriter{}
	sink := NewForwardSink(b, w, map[string]NotificationFilter{}, idcodec.ModeOpaque, idcodec.EventModeUpstreamSlash, true, nil)

	sink.HandleUpstreamFrame("up1", upstream.Frame{EventID: "evt-7", Method: "notifications/progress", Params: json.RawMessage(`{"pct":50}`)})

	if len(w.frames) != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", len(w.frames))
	}
	if w.frames[0].EventID != "up1/evt-7" {
		t.Errorf("EventID = %q, want up1/evt-7", w.frames[0].EventID)
	}
}

func TestForwardSink_IDLessFrameGetsCounterEventID(t *testing.T) {
	sess := broker.NewSession("sess1", "p1", "key1", []byte("k"))
	b := NewSessionBroker(sess, nil, ratelimit.WindowConfig{}, nil, catalog.MergedCatalog{}, nil, nil, nil, nil)
	w := &captureWriter{}
	sink := NewForwardSink(b, w, map[string]NotificationFilter{}, idcodec.ModeOpaque, idcodec.EventModeUpstreamSlash, true, nil)

	sink.HandleUpstreamFrame("up1", upstream.Frame{Method: "notifications/progress", Params: json.RawMessage(`{}`)})
	sink.HandleUpstreamFrame("up1", upstream.Frame{Method: "notifications/progress", Params: json.RawMessage(`{}`)})
	sink.HandleUpstreamFrame("up2", upstream.Frame{Method: "notifications/progress", Params: json.RawMessage(`{}`)})

	if len(w.frames) != 3 {
		t.Fatalf("expected 3 forwarded frames, got %d", len(w.frames))
	}
	want := []string{"up1/g1", "up1/g2", "up2/g1"}
	for i, frame := range w.frames {
		if frame.EventID != want[i] {
			t.Errorf("frame %d EventID = %q, want %q", i, frame.EventID, want[i])
		}
	}
}

func TestForwardSink_ServerRequestDeniedWhenNotAllowed(t *testing.T) {
	sess := broker.NewSession("sess1", "p1", "key1", []byte("k"))
	b := NewSessionBroker(sess, nil, ratelimit.WindowConfig{}, nil, catalog.MergedCatalog{}, nil, nil, nil, nil)
	w := &captureWriter{}
	sink := NewForwardSink(b, w, map[string]NotificationFilter{"up1": {ServerRequestsAllowed: false}}, idcodec.ModeOpaque, idcodec.EventModeUpstreamSlash, true, nil)

	sink.HandleUpstreamFrame("up1", upstream.Frame{IsRequest: true, Method: "sampling/createMessage", ID: json.RawMessage(`7`), Params: json.RawMessage(`{}`)})

	if len(w.frames) != 0 {
		t.Errorf("expected server request to be denied, got %d frames", len(w.frames))
	}
}

func TestForwardSink_ServerRequestEncodesProxiedID(t *testing.T) {
	sess := broker.NewSession("sess1", "p1", "key1", []byte("k"))
	b := NewSessionBroker(sess, nil, ratelimit.WindowConfig{}, nil, catalog.MergedCatalog{}, nil, nil, nil, nil)
	w := &captureWriter{}
	sink := NewForwardSink(b, w, map[string]NotificationFilter{"up1": {ServerRequestsAllowed: true}}, idcodec.ModeOpaque, idcodec.EventModeUpstreamSlash, true, nil)

	sink.HandleUpstreamFrame("up1", upstream.Frame{IsRequest: true, Method: "sampling/createMessage", ID: json.RawMessage(`7`), Params: json.RawMessage(`{}`)})

	if len(w.frames) != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", len(w.frames))
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.frames[0].Raw, &decoded); err != nil {
		t.Fatalf("unmarshal forwarded frame: %v", err)
	}

	upstreamID, _, ok := sess.DecodeIncomingProxiedResponse(decoded.ID, idcodec.ModeOpaque, true)
	if !ok || upstreamID != "up1" {
		t.Errorf("DecodeIncomingProxiedResponse = %q, %v", upstreamID, ok)
	}
}
