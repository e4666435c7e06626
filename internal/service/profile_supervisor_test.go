package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/modulegate/gateway/internal/domain/contract"
	"github.com/modulegate/gateway/internal/domain/toolsource"
	"github.com/modulegate/gateway/internal/domain/upstream"
)

// autoRespondTransport is an in-memory upstream.Transport that answers
// "initialize" with an empty result and "tools/list" with a fixed tool
// set, driving its own auto-reply loop so ProfileSupervisor's background
// connect goroutine has something to talk to.
type autoRespondTransport struct {
	mu     sync.Mutex
	events chan upstream.TransportEvent
	closed bool
	tools  json.RawMessage
}

func newAutoRespondTransport(tools json.RawMessage) *autoRespondTransport {
	return &autoRespondTransport{events: make(chan upstream.TransportEvent, 16), tools: tools}
}

func (f *autoRespondTransport) Send(ctx context.Context, raw []byte) error {
	var env struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	go func() {
		var result json.RawMessage
		switch env.Method {
		case "initialize":
			result = json.RawMessage(`{}`)
		case "tools/list":
			result = f.tools
		default:
			result = json.RawMessage(`{}`)
		}
		resp, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(env.ID),
			"result":  result,
		})
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.closed {
			f.events <- upstream.TransportEvent{Data: resp}
		}
	}()
	return nil
}

func (f *autoRespondTransport) Events() <-chan upstream.TransportEvent { return f.events }

// feed delivers one raw frame with no SSE event id.
func (f *autoRespondTransport) feed(raw string) {
	f.events <- upstream.TransportEvent{Data: []byte(raw)}
}

func (f *autoRespondTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestProfileSupervisor_AttachConnectsAndBuildsCatalog(t *testing.T) {
	toolsJSON := json.RawMessage(`{"tools":[{"name":"search","description":"d","inputSchema":{}}]}`)
	factory := func(ctx context.Context, desc UpstreamDesc) (upstream.Transport, error) {
		return newAutoRespondTransport(toolsJSON), nil
	}

	watch := contract.NewWatch(0, func() time.Time { return time.Unix(0, 0) })
	notifier := NewContractNotifier(watch, nil)
	ps := NewProfileSupervisor(factory, notifier, time.Hour, nil)
	defer ps.Close(context.Background())

	err := ps.Attach(context.Background(), ProfileDesc{
		ProfileID: "p1",
		Upstreams: []UpstreamDesc{{ID: "up1"}},
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		cat, routes, ok := ps.Snapshot("p1")
		return ok && len(cat.Tools) == 1 && len(routes) == 1
	})
}

func TestProfileSupervisor_DetachThenReattachReusesRuntime(t *testing.T) {
	toolsJSON := json.RawMessage(`{"tools":[]}`)
	var connectCount int
	var mu sync.Mutex
	factory := func(ctx context.Context, desc UpstreamDesc) (upstream.Transport, error) {
		mu.Lock()
		connectCount++
		mu.Unlock()
		return newAutoRespondTransport(toolsJSON), nil
	}

	ps := NewProfileSupervisor(factory, nil, time.Hour, nil)
	defer ps.Close(context.Background())

	desc := ProfileDesc{ProfileID: "p1", Upstreams: []UpstreamDesc{{ID: "up1"}}}
	ps.Attach(context.Background(), desc)
	waitFor(t, time.Second, func() bool {
		_, routes, ok := ps.Snapshot("p1")
		return ok && len(routes) == 1
	})

	ps.Detach("p1")
	ps.Attach(context.Background(), desc)

	mu.Lock()
	got := connectCount
	mu.Unlock()
	if got != 1 {
		t.Errorf("connectCount = %d, want 1 (reattach before idle teardown should reuse the runtime)", got)
	}
}

func TestProfileSupervisor_SnapshotUnknownProfileReturnsFalse(t *testing.T) {
	ps := NewProfileSupervisor(nil, nil, time.Hour, nil)
	defer ps.Close(context.Background())

	_, _, ok := ps.Snapshot("nonexistent")
	if ok {
		t.Error("expected Snapshot of unknown profile to return ok=false")
	}
}

func TestProfileSupervisor_AttachWithLocalToolSourceReachesRunningState(t *testing.T) {
	factory := func(ctx context.Context, desc UpstreamDesc) (upstream.Transport, error) {
		return newAutoRespondTransport(json.RawMessage(`{"tools":[]}`)), nil
	}

	watch := contract.NewWatch(0, func() time.Time { return time.Unix(0, 0) })
	notifier := NewContractNotifier(watch, nil)
	ps := NewProfileSupervisor(factory, notifier, time.Hour, nil)
	defer ps.Close(context.Background())

	ps.Attach(context.Background(), ProfileDesc{
		ProfileID: "p1",
		Upstreams: []UpstreamDesc{{ID: "up1"}},
		ToolSources: map[string]toolsource.Source{
			"local1": &fakeToolSource{id: "local1", result: &toolsource.CallResult{}},
		},
	})

	// fakeToolSource.ListTools returns nil, so trigger a rebuild via the
	// upstream path completing and assert the profile at least reaches a
	// running state without error; a local source with actual descriptors
	// is covered at the catalog.Build level (catalog/catalog_test.go).
	waitFor(t, time.Second, func() bool {
		_, _, ok := ps.Snapshot("p1")
		return ok
	})
}

type recordingEventSink struct {
	mu     sync.Mutex
	frames []upstream.Frame
}

func (s *recordingEventSink) HandleUpstreamFrame(upstreamID string, frame upstream.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *recordingEventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestProfileSupervisor_RegisterSessionFansOutUpstreamNotifications(t *testing.T) {
	var transport *autoRespondTransport
	factory := func(ctx context.Context, desc UpstreamDesc) (upstream.Transport, error) {
		transport = newAutoRespondTransport(json.RawMessage(`{"tools":[]}`))
		return transport, nil
	}

	ps := NewProfileSupervisor(factory, nil, time.Hour, nil)
	defer ps.Close(context.Background())

	ps.Attach(context.Background(), ProfileDesc{ProfileID: "p1", Upstreams: []UpstreamDesc{{ID: "up1"}}})
	waitFor(t, time.Second, func() bool {
		_, routes, ok := ps.Snapshot("p1")
		return ok && len(routes) == 1
	})

	sink := &recordingEventSink{}
	ps.RegisterSession("p1", "sess1", sink)

	transport.feed(`{"jsonrpc":"2.0","method":"notifications/message","params":{"text":"hi"}}`)

	waitFor(t, time.Second, func() bool { return sink.count() == 1 })

	ps.UnregisterSession("p1", "sess1")
	transport.feed(`{"jsonrpc":"2.0","method":"notifications/message","params":{"text":"again"}}`)
	time.Sleep(20 * time.Millisecond)
	if sink.count() != 1 {
		t.Errorf("expected no further frames after UnregisterSession, got %d", sink.count())
	}
}

func TestProfileSupervisor_ReconfigureReconnectsOnlyChangedUpstreams(t *testing.T) {
	var connects []string
	var mu sync.Mutex
	factory := func(ctx context.Context, desc UpstreamDesc) (upstream.Transport, error) {
		mu.Lock()
		connects = append(connects, desc.ID)
		mu.Unlock()
		return newAutoRespondTransport(json.RawMessage(`{"tools":[]}`)), nil
	}

	ps := NewProfileSupervisor(factory, nil, time.Hour, nil)
	defer ps.Close(context.Background())

	ps.Attach(context.Background(), ProfileDesc{
		ProfileID: "p1",
		Upstreams: []UpstreamDesc{{ID: "up1", InitializeArgs: []byte(`{}`)}, {ID: "up2", InitializeArgs: []byte(`{}`)}},
	})
	waitFor(t, time.Second, func() bool {
		_, routes, ok := ps.Snapshot("p1")
		return ok && len(routes) == 2
	})

	ps.Reconfigure(ProfileDesc{
		ProfileID: "p1",
		Upstreams: []UpstreamDesc{{ID: "up1", InitializeArgs: []byte(`{"changed":true}`)}, {ID: "up2", InitializeArgs: []byte(`{}`)}},
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		count := 0
		for _, id := range connects {
			if id == "up1" {
				count++
			}
		}
		return count == 2
	})

	mu.Lock()
	up2Count := 0
	for _, id := range connects {
		if id == "up2" {
			up2Count++
		}
	}
	mu.Unlock()
	if up2Count != 1 {
		t.Errorf("up2 connectCount = %d, want 1 (unchanged upstream should not reconnect)", up2Count)
	}
}
