package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/modulegate/gateway/internal/ctxkey"
	"github.com/modulegate/gateway/internal/domain/broker"
	"github.com/modulegate/gateway/internal/domain/catalog"
	"github.com/modulegate/gateway/internal/domain/toolsource"
	"github.com/modulegate/gateway/internal/domain/upstream"
	"github.com/modulegate/gateway/internal/service"
)

// rpcErrCodeMethodNotAvailable is JSON-RPC -32601, the code MCP clients
// expect for a capability-gated or unknown method.
const rpcErrCodeMethodNotAvailable = service.RPCErrorCodeMethodNotAvailable

// conservativeUpstreamCaps is the fallback capability set used on a cold
// profile attach, before any upstream's initialize has completed and cached
// its real advertised capabilities (Manager.newSession prefers
// ProfileSupervisor.UpstreamCaps once an upstream is Ready).
// tools/resources/prompts/logging are assumed present since most MCP
// servers advertise them; resources-subscribe and the *-list-changed
// capabilities are assumed absent since they're materially rarer and a
// false "allowed" would let a session subscribe to notifications no
// upstream ever sends.
var conservativeUpstreamCaps = map[string]bool{
	"tools":     true,
	"resources": true,
	"prompts":   true,
	"logging":   true,
}

// Handler returns the http.Handler to mount at "POST /{profile_id}/mcp",
// "GET /{profile_id}/mcp" and "DELETE /{profile_id}/mcp" (net/http's
// ServeMux dispatches all three patterns to the same PathValue-bearing
// request, so one handler covers all three).
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{profile_id}/mcp", m.handlePost)
	mux.HandleFunc("GET /{profile_id}/mcp", m.handleGet)
	mux.HandleFunc("DELETE /{profile_id}/mcp", m.handleDelete)
	mux.HandleFunc("OPTIONS /{profile_id}/mcp", handleOptions)
	return mux
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (m *Manager) handlePost(w http.ResponseWriter, r *http.Request) {
	profileID := r.PathValue("profile_id")
	rt, ok := m.Profile(profileID)
	if !ok {
		http.Error(w, "unknown profile", http.StatusNotFound)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		writeJSONRPCError(w, nil, -32700, "Parse error: content type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPCError(w, nil, -32700, "Parse error: failed to read request body")
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		writeJSONRPCError(w, nil, -32700, "Parse error: invalid JSON")
		return
	}

	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.JSONRPC != "2.0" {
		writeJSONRPCError(w, nil, -32600, "Invalid Request: missing or invalid jsonrpc version")
		return
	}

	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)

	// A response to a server-initiated request has no "method" but carries
	// a result/error; route it back through the originating upstream
	// client instead of dispatching as a request.
	if env.Method == "" {
		m.handleProxiedResponse(w, r, env)
		return
	}

	isNotification := len(env.ID) == 0

	sessionID := r.Header.Get(MCPSessionIDHeader)

	if env.Method == "initialize" {
		m.handleInitialize(w, r, rt, profileID, env)
		return
	}

	entry, ok := m.sessions.get(sessionID)
	if !ok {
		writeJSONRPCError(w, env.ID, -32001, "unknown or expired session")
		return
	}
	entry.touch()
	w.Header().Set(MCPSessionIDHeader, sessionID)

	if env.Method == "notifications/initialized" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := entry.broker.CheckMethodAllowed(env.Method); err != nil {
		writeJSONRPCError(w, env.ID, rpcErrCodeMethodNotAvailable, err.Error())
		return
	}

	ctx, span := startSpan(r.Context(), profileID, env.Method)
	defer span.End()
	ctx = ctxkey.WithLogger(ctx, m.logger.With("profile_id", profileID, "session_id", sessionID, "method", env.Method))

	start := time.Now()
	result, rpcErr := m.dispatch(ctx, entry, env)
	m.metrics.recordRequest(ctx, profileID, env.Method, start, rpcErr != nil)

	if isNotification {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.message)
		writeJSONRPCErrorData(w, env.ID, rpcErr.code, rpcErr.message, rpcErr.data)
		return
	}
	writeJSONRPCResult(w, env.ID, result)
}

type rpcError struct {
	code    int
	message string
	data    map[string]any // optional machine-readable detail (error code, retry-after)
}

// dispatch routes an already-authenticated, already-capability-checked
// request to the matching SessionBroker method.
func (m *Manager) dispatch(ctx context.Context, entry *sessionEntry, env rpcEnvelope) (any, *rpcError) {
	switch env.Method {
	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		return map[string]any{"tools": toolsFromCatalog(entry.broker.ListTools())}, nil

	case "resources/list":
		return map[string]any{"resources": toolsFromCatalog(entry.broker.ListResources())}, nil

	case "prompts/list":
		return map[string]any{"prompts": toolsFromCatalog(entry.broker.ListPrompts())}, nil

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, &rpcError{code: -32602, message: "Invalid params"}
		}
		res, err := entry.broker.CallTool(ctx, requestIDKey(env.ID), params.Name, params.Arguments)
		if err != nil {
			return nil, toolCallError(err)
		}
		return map[string]any{"content": contentToWire(res.Content), "isError": res.IsError}, nil

	case "notifications/cancelled":
		var params struct {
			RequestID json.RawMessage `json:"requestId"`
		}
		_ = json.Unmarshal(env.Params, &params)
		entry.broker.Cancel(requestIDKey(params.RequestID))
		return nil, nil

	default:
		return nil, &rpcError{code: rpcErrCodeMethodNotAvailable, message: fmt.Sprintf("method not found: %s", env.Method)}
	}
}

// rpcErrCodeApplication is the JSON-RPC server-error code carrying the
// gateway's application-level error taxonomy in the error's data object.
const rpcErrCodeApplication = -32000

// toolCallError maps a CallTool failure onto the wire error taxonomy:
// allowlist denials carry code=tool_denied, limiter rejections carry
// code=rate_limited/quota_exhausted plus a retryAfterMs hint, unknown
// tools are invalid params, and everything else is a generic internal
// error.
func toolCallError(err error) *rpcError {
	var rl *service.RateLimitError
	switch {
	case errors.Is(err, service.ErrAllowlistDenied):
		return &rpcError{rpcErrCodeApplication, err.Error(), map[string]any{"code": "tool_denied"}}
	case errors.As(err, &rl):
		data := map[string]any{"code": "rate_limited", "retryAfterMs": rl.RetryAfter.Milliseconds()}
		if rl.QuotaExhausted {
			data["code"] = "quota_exhausted"
		}
		return &rpcError{rpcErrCodeApplication, err.Error(), data}
	case errors.Is(err, service.ErrUnknownTool):
		return &rpcError{code: -32602, message: err.Error()}
	default:
		return &rpcError{code: -32603, message: err.Error()}
	}
}

// requestIDKey normalizes a JSON-RPC id (string | number | null) into the
// in-flight map key, so a tools/call id and a later notifications/cancelled
// requestId land on the same key whichever JSON form each used.
func requestIDKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func toolsFromCatalog(tools []catalog.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		entry := map[string]any{"name": t.Name, "description": t.Description}
		if len(t.InputSchema) > 0 {
			entry["inputSchema"] = json.RawMessage(t.InputSchema)
		}
		out = append(out, entry)
	}
	return out
}

func contentToWire(items []toolsource.Content) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, c := range items {
		switch c.Kind {
		case toolsource.ContentImage:
			out = append(out, map[string]any{"type": "image", "data": c.ImageB64, "mimeType": c.ImageMIME})
		case toolsource.ContentStructured:
			out = append(out, map[string]any{"type": "structured", "structuredContent": json.RawMessage(c.StructuredBody)})
		default:
			out = append(out, map[string]any{"type": "text", "text": c.Text})
		}
	}
	return out
}

// handleInitialize creates a new session for profileID, negotiates
// capabilities, attaches the profile in ProfileSupervisor, and registers
// the session for upstream notification and contract-change fan-out.
func (m *Manager) handleInitialize(w http.ResponseWriter, r *http.Request, rt *ProfileRuntime, profileID string, env rpcEnvelope) {
	rawKey := bearerToken(r)
	identityID, err := m.authorize(r.Context(), rawKey, rt)
	if err != nil {
		writeJSONRPCError(w, env.ID, -32001, "unauthorized: "+err.Error())
		return
	}

	entry, caps, err := m.newSession(r.Context(), profileID, identityID, rt, conservativeUpstreamCaps)
	if err != nil {
		writeJSONRPCError(w, env.ID, -32603, "failed to initialize session: "+err.Error())
		return
	}
	entry.session.Transition(broker.StateInitialized)

	w.Header().Set(MCPSessionIDHeader, entry.session.ID)
	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)

	result := map[string]any{
		"protocolVersion": MCPProtocolVersion,
		"serverInfo":      map[string]any{"name": "gatewayd", "version": "0.1.0"},
		"capabilities":    wireCapabilities(caps),
	}
	writeJSONRPCResult(w, env.ID, result)
}

func wireCapabilities(caps map[string]bool) map[string]any {
	out := map[string]any{}
	if caps["tools"] {
		out["tools"] = map[string]any{"listChanged": caps["tools-list-changed"]}
	}
	if caps["resources"] {
		out["resources"] = map[string]any{"subscribe": caps["resources-subscribe"], "listChanged": caps["resources-list-changed"]}
	}
	if caps["prompts"] {
		out["prompts"] = map[string]any{"listChanged": caps["prompts-list-changed"]}
	}
	if caps["logging"] {
		out["logging"] = map[string]any{}
	}
	return out
}

// handleProxiedResponse routes a downstream client's reply to a
// server-initiated request (e.g. sampling/createMessage) back to the
// upstream that issued it. The reply's proxied id is decoded
// and verified; a verification failure drops the frame from the wire (the
// upstream eventually times the request out) while the HTTP response is
// 202 either way, since JSON-RPC responses carry no response of their own.
func (m *Manager) handleProxiedResponse(w http.ResponseWriter, r *http.Request, env rpcEnvelope) {
	defer w.WriteHeader(http.StatusAccepted)

	sessionID := r.Header.Get(MCPSessionIDHeader)
	entry, ok := m.sessions.get(sessionID)
	if !ok {
		return
	}

	var proxiedID string
	if err := json.Unmarshal(env.ID, &proxiedID); err != nil {
		return // proxied ids are always strings; anything else is not ours
	}

	var rpcErr *upstream.RPCError
	if len(env.Error) > 0 {
		rpcErr = &upstream.RPCError{}
		if err := json.Unmarshal(env.Error, rpcErr); err != nil {
			return
		}
	}
	if err := entry.broker.HandleProxiedResponse(r.Context(), proxiedID, env.Result, rpcErr); errors.Is(err, service.ErrInvalidProxiedID) {
		m.metrics.droppedProxiedID.Add(r.Context(), 1)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-Api-Key")
}

func (m *Manager) handleGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required for SSE", http.StatusBadRequest)
		return
	}
	entry, ok := m.sessions.get(sessionID)
	if !ok {
		http.Error(w, "unknown or expired session", http.StatusNotFound)
		return
	}
	entry.touch()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	w.Header().Set(MCPSessionIDHeader, sessionID)

	ctx := r.Context()
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	writeFrame := func(frame service.DownstreamFrame) {
		if frame.EventID != "" {
			fmt.Fprintf(w, "id: %s\n", frame.EventID)
		}
		fmt.Fprintf(w, "data: %s\n\n", frame.Raw)
		flusher.Flush()
	}

	// A reconnecting client's Last-Event-ID is split on the first '/' to
	// recover the one upstream cursor it encodes; frames from that upstream
	// delivered after the cursor are replayed, every other upstream resumes
	// from now (a missing cursor means "from now").
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, frame := range entry.writer.replayAfter(lastEventID) {
			writeFrame(frame)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-entry.writer.frames:
			if !ok {
				return
			}
			writeFrame(frame)
			entry.writer.recordDelivered(frame)
		}
	}
}

func (m *Manager) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}
	if _, ok := m.sessions.get(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	m.closeSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

type jsonRPCErrorBody struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Error   struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data,omitempty"`
	} `json:"error"`
}

func writeJSONRPCError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSONRPCErrorData(w, id, code, message, nil)
}

func writeJSONRPCErrorData(w http.ResponseWriter, id interface{}, code int, message string, data map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	body := jsonRPCErrorBody{JSONRPC: "2.0", ID: id}
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Data = data
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	body := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{JSONRPC: "2.0", ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(body)
}
