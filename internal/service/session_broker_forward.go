package service

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"github.com/modulegate/gateway/internal/domain/idcodec"
	"github.com/modulegate/gateway/internal/domain/upstream"
)

// NotificationFilter encodes a profile's notification allow/deny lists and
// its per-upstream server-request policy: every upstream frame passes
// through one of these before reaching the downstream stream.
type NotificationFilter struct {
	// Allow, if non-empty, is the sole set of notification methods passed
	// through; Deny removes methods from whatever Allow (or the default
	// allow-all) would otherwise pass.
	Allow map[string]bool
	Deny  map[string]bool
	// LoggingDenied suppresses notifications/message even if not
	// separately denied, so denying the logging capability silences the
	// message stream too.
	LoggingDenied bool
	// ServerRequestsAllowed gates server-initiated requests (frames with
	// IsRequest=true) per upstream, independent of the notification list.
	ServerRequestsAllowed bool
}

// Permits reports whether a notification method survives this filter.
func (f NotificationFilter) Permits(method string) bool {
	if f.LoggingDenied && method == "notifications/message" {
		return false
	}
	if len(f.Allow) > 0 && !f.Allow[method] {
		return false
	}
	if f.Deny[method] {
		return false
	}
	return true
}

// DownstreamFrame is one frame to be written on the downstream SSE stream:
// either a re-emitted upstream notification/request (Raw holds the
// re-encoded JSON-RPC message) tagged with a namespaced SSE event id.
type DownstreamFrame struct {
	EventID string
	Raw     json.RawMessage
}

// DownstreamWriter is the bounded-channel sink the Broker's forward path
// writes to; the owning transport layer drains it onto the SSE stream.
// Write must not block past the writer's own queue capacity for a
// notification (drop the oldest instead) — callers typically back this
// with a buffered channel.
type DownstreamWriter interface {
	WriteFrame(DownstreamFrame) error
}

// brokerForward couples one SessionBroker to the per-upstream filters and
// the namespacing policy needed to implement upstream.EventSink.
type brokerForward struct {
	broker      *SessionBroker
	writer      DownstreamWriter
	filters     map[string]NotificationFilter // by upstream id
	idMode      idcodec.Mode
	eventMode   idcodec.EventMode
	signEnabled bool
	logger      *slog.Logger

	seqMu sync.Mutex
	seq   map[string]int64 // per-upstream counter for frames with no SSE id
}

// NewForwardSink builds an upstream.EventSink that filters and re-emits
// frames from one upstream onto b's downstream stream via writer.
func NewForwardSink(b *SessionBroker, writer DownstreamWriter, filters map[string]NotificationFilter, idMode idcodec.Mode, eventMode idcodec.EventMode, sign bool, logger *slog.Logger) upstream.EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &brokerForward{broker: b, writer: writer, filters: filters, idMode: idMode, eventMode: eventMode, signEnabled: sign, logger: logger, seq: make(map[string]int64)}
}

// downstreamEventID namespaces the SSE event id for one forwarded frame.
// When the upstream supplied its own SSE id it is preserved verbatim (split
// on the FIRST '/' at resume time recovers it, so ids containing '/' are
// safe); an id-less frame gets a per-upstream counter so the downstream
// cursor still advances.
func (f *brokerForward) downstreamEventID(upstreamID, upstreamEventID string) string {
	if upstreamEventID == "" {
		f.seqMu.Lock()
		f.seq[upstreamID]++
		upstreamEventID = "g" + strconv.FormatInt(f.seq[upstreamID], 10)
		f.seqMu.Unlock()
	}
	id := idcodec.EncodeSSEEventID(upstreamID, upstreamEventID, f.eventMode)
	f.broker.session.SetLastEventID(upstreamID, upstreamEventID)
	return id
}

// HandleUpstreamFrame implements upstream.EventSink.
func (f *brokerForward) HandleUpstreamFrame(upstreamID string, frame upstream.Frame) {
	filter := f.filters[upstreamID]

	if frame.IsRequest {
		if !filter.ServerRequestsAllowed {
			return
		}
		f.forwardServerRequest(upstreamID, frame)
		return
	}

	if !filter.Permits(frame.Method) {
		return
	}
	f.forwardNotification(upstreamID, frame)
}

func (f *brokerForward) forwardNotification(upstreamID string, frame upstream.Frame) {
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  frame.Method,
		"params":  json.RawMessage(frame.Params),
	})
	if err != nil {
		f.logger.Error("marshal forwarded notification", "upstream", upstreamID, "error", err)
		return
	}

	eventID := f.downstreamEventID(upstreamID, frame.EventID)
	if err := f.writer.WriteFrame(DownstreamFrame{EventID: eventID, Raw: raw}); err != nil {
		f.logger.Warn("drop notification: downstream writer backpressured", "upstream", upstreamID, "method", frame.Method, "error", err)
	}
}

func (f *brokerForward) forwardServerRequest(upstreamID string, frame upstream.Frame) {
	var idValue any
	if err := json.Unmarshal(frame.ID, &idValue); err != nil {
		f.logger.Error("decode server-request id", "upstream", upstreamID, "error", err)
		return
	}

	proxiedID, err := f.broker.session.EncodeOutgoingProxiedID(upstreamID, idValue, f.idMode, f.signEnabled)
	if err != nil {
		f.logger.Error("encode proxied server-request id", "upstream", upstreamID, "error", err)
		return
	}

	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      proxiedID,
		"method":  frame.Method,
		"params":  json.RawMessage(frame.Params),
	})
	if err != nil {
		f.logger.Error("marshal forwarded server-request", "upstream", upstreamID, "error", err)
		return
	}

	eventID := f.downstreamEventID(upstreamID, frame.EventID)
	if err := f.writer.WriteFrame(DownstreamFrame{EventID: eventID, Raw: raw}); err != nil {
		f.logger.Warn("drop server-request: downstream writer backpressured", "upstream", upstreamID, "error", err)
	}
}
