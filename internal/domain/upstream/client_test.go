package upstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// fakeTransport is an in-memory upstream.Transport for testing the Client
// state machine without any real network IO.
type fakeTransport struct {
	events chan TransportEvent
	sent   chan []byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan TransportEvent, 16),
		sent:   make(chan []byte, 16),
	}
}

func (f *fakeTransport) Send(ctx context.Context, raw []byte) error {
	f.sent <- raw
	return nil
}

func (f *fakeTransport) Events() <-chan TransportEvent { return f.events }

// feed delivers one raw frame with no SSE event id, the common case in
// these state-machine tests.
func (f *fakeTransport) feed(raw string) {
	f.events <- TransportEvent{Data: []byte(raw)}
}

func (f *fakeTransport) Close() error {
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

type recordingSink struct {
	frames chan Frame
}

func (s *recordingSink) HandleUpstreamFrame(upstreamID string, frame Frame) {
	s.frames <- frame
}

func readSentID(t *testing.T, ft *fakeTransport) int64 {
	t.Helper()
	select {
	case raw := <-ft.sent:
		var env struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal sent request: %v", err)
		}
		return env.ID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sent request")
		return 0
	}
}

func TestClient_InitializeThenRequest_Succeeds(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient("u1", ft, nil)

	go func() {
		id := readSentID(t, ft)
		ft.feed(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":{"ok":true}}`)
	}()

	result, err := c.Initialize(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
	if c.State() != StateReady {
		t.Errorf("state = %s, want ready", c.State())
	}
}

func TestClient_Request_RoutesNotificationToSink(t *testing.T) {
	ft := newFakeTransport()
	sink := &recordingSink{frames: make(chan Frame, 4)}
	c := NewClient("u1", ft, sink)

	go func() {
		id := readSentID(t, ft)
		ft.feed(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":{}}`)
	}()
	if _, err := c.Initialize(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ft.feed(`{"jsonrpc":"2.0","method":"notifications/message","params":{"text":"hi"}}`)

	select {
	case frame := <-sink.frames:
		if frame.Method != "notifications/message" {
			t.Errorf("method = %q", frame.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestClient_Request_DoesNotMatchServerRequestIDAgainstPending(t *testing.T) {
	ft := newFakeTransport()
	sink := &recordingSink{frames: make(chan Frame, 4)}
	c := NewClient("u1", ft, sink)

	go func() {
		id := readSentID(t, ft)
		ft.feed(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":{}}`)
	}()
	if _, err := c.Initialize(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Server-initiated request reusing id=1, which may collide with our own
	// outgoing counter; it must be routed to the sink, not resolve a
	// pending client request.
	ft.feed(`{"jsonrpc":"2.0","id":1,"method":"sampling/createMessage","params":{}}`)

	select {
	case frame := <-sink.frames:
		if !frame.IsRequest || frame.Method != "sampling/createMessage" {
			t.Errorf("expected server request frame, got %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server request frame")
	}
}

func TestClient_TransportDisconnect_MarksDegradedAndFailsPending(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient("u1", ft, nil)

	go func() {
		id := readSentID(t, ft)
		ft.feed(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":{}}`)
	}()
	if _, err := c.Initialize(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "tools/call", json.RawMessage(`{}`))
		resultCh <- err
	}()

	// Drain the outgoing request then simulate a disconnect.
	<-ft.sent
	close(ft.events)

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected error after transport disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending request to fail")
	}

	time.Sleep(10 * time.Millisecond)
	if c.State() != StateDegraded {
		t.Errorf("state = %s, want degraded", c.State())
	}
}

func TestClient_Request_CancelEmitsCancelledNotification(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient("u1", ft, nil)

	go func() {
		id := readSentID(t, ft)
		ft.feed(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":{}}`)
	}()
	if _, err := c.Initialize(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, "tools/call", json.RawMessage(`{}`))
		errCh <- err
	}()

	reqID := readSentID(t, ft)
	cancel()

	if err := <-errCh; err == nil {
		t.Fatal("expected context error for cancelled request")
	}

	select {
	case raw := <-ft.sent:
		var env struct {
			Method string `json:"method"`
			Params struct {
				RequestID int64 `json:"requestId"`
			} `json:"params"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal cancellation: %v", err)
		}
		if env.Method != "notifications/cancelled" || env.Params.RequestID != reqID {
			t.Errorf("got %s for request %d, want notifications/cancelled for %d", env.Method, env.Params.RequestID, reqID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for upstream cancellation notification")
	}
}

func waitForState(t *testing.T, c *Client, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func TestClient_MissedPingsMarkDegraded(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient("u1", ft, nil)
	c.SetPingExpectation(10*time.Millisecond, 3)

	go func() {
		id := readSentID(t, ft)
		ft.feed(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":{}}`)
	}()
	if _, err := c.Initialize(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// No traffic at all: three silent intervals should degrade the client.
	waitForState(t, c, StateDegraded, time.Second)
}

func TestClient_KeepalivesHoldOffPingDegradation(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient("u1", ft, nil)
	c.SetPingExpectation(20*time.Millisecond, 3)

	go func() {
		id := readSentID(t, ft)
		ft.feed(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":{}}`)
	}()
	if _, err := c.Initialize(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Keepalives (payload-less transport events) well inside every interval
	// keep the client Ready past several ping deadlines.
	for i := 0; i < 20; i++ {
		ft.events <- TransportEvent{}
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s, want ready while keepalives flow", c.State())
	}
}

func TestClient_Initialize_CachesServerCapabilities(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient("u1", ft, nil)

	go func() {
		id := readSentID(t, ft)
		ft.feed(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":{"capabilities":{"tools":{"listChanged":true},"resources":{"subscribe":true},"logging":{}}}}`)
	}()

	if _, err := c.Initialize(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	caps := c.ServerCapabilities()
	for _, want := range []string{"tools", "tools-list-changed", "resources", "resources-subscribe", "logging"} {
		if !caps[want] {
			t.Errorf("capability %q missing from %+v", want, caps)
		}
	}
	if caps["prompts"] || caps["resources-list-changed"] {
		t.Errorf("unexpected capabilities advertised: %+v", caps)
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
