package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modulegate/gateway/internal/ctxkey"
	"github.com/modulegate/gateway/internal/domain/broker"
	"github.com/modulegate/gateway/internal/domain/catalog"
	"github.com/modulegate/gateway/internal/domain/idcodec"
	"github.com/modulegate/gateway/internal/domain/ratelimit"
	"github.com/modulegate/gateway/internal/domain/toolsource"
	"github.com/modulegate/gateway/internal/domain/transform"
	"github.com/modulegate/gateway/internal/domain/upstream"
)

// ErrAllowlistDenied is returned when a tool call names a tool the profile
// allowlist filtered out of the catalog; mapped to an application error
// with code=tool_denied on the wire.
var ErrAllowlistDenied = fmt.Errorf("tool not in allowlist")

// ErrUnknownTool is returned when a tool name resolves to nothing in the
// session's current catalog.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// RateLimitError is returned when the Limiter rejects a tools/call, either
// because the fixed window is over its limit or because the monotonic
// quota hit zero. RetryAfter is the machine-readable hint the wire layer
// surfaces to the client; for an exhausted quota it is zero (waiting does
// not help).
type RateLimitError struct {
	QuotaExhausted bool
	RetryAfter     time.Duration
}

func (e *RateLimitError) Error() string {
	if e.QuotaExhausted {
		return "quota exhausted"
	}
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// UpstreamRoute exposes the upstream.Client methods the Broker calls per
// outgoing tool call and per routed-back server-request response, kept
// narrow so session_broker_test.go can fake it without building a real
// Client/Transport pair.
type UpstreamRoute interface {
	Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params json.RawMessage) error
	Respond(ctx context.Context, id json.RawMessage, result json.RawMessage, rpcErr *upstream.RPCError) error
}

// SessionBroker is the per-downstream-session orchestrator: it
// resolves a tools/call through TransformEngine and the catalog's origin
// map, applies the Limiter and ToolPolicy retry loop, and routes to either
// a local ToolSource or an upstream UpstreamClient.
type SessionBroker struct {
	session *broker.Session

	limiter     *ratelimit.FixedWindowLimiter
	limiterCfg  ratelimit.WindowConfig
	engine      *transform.Engine
	cat         catalog.MergedCatalog
	toolSources map[string]toolsource.Source
	upstreams   map[string]UpstreamRoute
	policies    map[string]broker.ToolPolicy // by original tool name; "" is the default

	idMode  idcodec.Mode
	signIDs bool

	toolCallTimeout time.Duration // profile-level cap; zero means unset

	logger *slog.Logger
}

// NewSessionBroker builds a Broker for one session, given the profile's
// already-merged catalog, transform engine, attached tool sources, and
// live upstream routes.
func NewSessionBroker(
	session *broker.Session,
	limiter *ratelimit.FixedWindowLimiter,
	limiterCfg ratelimit.WindowConfig,
	engine *transform.Engine,
	cat catalog.MergedCatalog,
	toolSources map[string]toolsource.Source,
	upstreams map[string]UpstreamRoute,
	policies map[string]broker.ToolPolicy,
	logger *slog.Logger,
) *SessionBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionBroker{
		session:     session,
		limiter:     limiter,
		limiterCfg:  limiterCfg,
		engine:      engine,
		cat:         cat,
		toolSources: toolSources,
		upstreams:   upstreams,
		policies:    policies,
		logger:      logger,
	}
}

// SetToolCallTimeout sets the profile-level tools/call deadline cap fed
// into ToolPolicy.EffectiveTimeout.
func (b *SessionBroker) SetToolCallTimeout(d time.Duration) {
	b.toolCallTimeout = d
}

// ConfigureProxiedIDs sets the namespacing mode and signing policy this
// broker uses to decode downstream responses addressed to proxied
// server-request ids. Must match the forward sink's encoding policy for
// the same session.
func (b *SessionBroker) ConfigureProxiedIDs(mode idcodec.Mode, sign bool) {
	b.idMode = mode
	b.signIDs = sign
}

// ErrInvalidProxiedID is returned when a downstream reply's proxied
// request id fails parsing or HMAC verification. The frame is dropped
// silently on the wire; callers log and count it.
var ErrInvalidProxiedID = fmt.Errorf("invalid proxied request id")

// HandleProxiedResponse routes a downstream client's reply to a
// server-initiated request back to the upstream that issued it, rewriting
// the proxied request id back to the upstream's own id. A reply whose
// proxied id fails verification, or whose upstream is gone, is dropped.
func (b *SessionBroker) HandleProxiedResponse(ctx context.Context, proxiedID string, result json.RawMessage, rpcErr *upstream.RPCError) error {
	upstreamID, idValue, ok := b.session.DecodeIncomingProxiedResponse(proxiedID, b.idMode, b.signIDs)
	if !ok {
		b.logger.Warn("drop proxied response: id verification failed", "session_id", b.session.ID)
		return ErrInvalidProxiedID
	}
	route, found := b.upstreams[upstreamID]
	if !found {
		b.logger.Warn("drop proxied response: upstream gone", "session_id", b.session.ID, "upstream_id", upstreamID)
		return ErrInvalidProxiedID
	}
	if err := route.Respond(ctx, idValue, result, rpcErr); err != nil {
		return fmt.Errorf("forward proxied response to %s: %w", upstreamID, err)
	}
	return nil
}

// ErrMethodNotAvailable is returned when a downstream method is gated
// behind a capability the session's CapabilityPolicy has denied; mapped
// to JSON-RPC -32601 on the wire.
type ErrMethodNotAvailable struct {
	Method string
}

func (e *ErrMethodNotAvailable) Error() string {
	return fmt.Sprintf("method not available: %s", e.Method)
}

// RPCErrorCodeMethodNotAvailable is the JSON-RPC error code MCP clients expect for a
// MethodNotAvailable rejection.
const RPCErrorCodeMethodNotAvailable = -32601

// methodCapability maps a downstream-facing method to the capability name
// that gates it; a method whose capability was denied is rejected with
// method-not-available.
var methodCapability = map[string]string{
	"resources/subscribe":   "resources-subscribe",
	"resources/unsubscribe": "resources-subscribe",
	"resources/list":        "resources",
	"resources/read":        "resources",
	"prompts/list":          "prompts",
	"prompts/get":           "prompts",
	"tools/list":            "tools",
	"tools/call":            "tools",
	"logging/setLevel":      "logging",
}

// CheckMethodAllowed rejects method with ErrMethodNotAvailable if its
// gating capability was negotiated as denied during Initialize. Methods
// with no entry in methodCapability are always allowed (no capability
// gate applies).
func (b *SessionBroker) CheckMethodAllowed(method string) error {
	capName, gated := methodCapability[method]
	if !gated {
		return nil
	}
	if !b.session.CapabilityAllowed(capName) {
		return &ErrMethodNotAvailable{Method: method}
	}
	return nil
}

// defaultServerCapabilityNames enumerates every capability this gateway
// can ever advertise; Initialize negotiates each against the session's
// CapabilityPolicy and the upstream-advertised server capabilities.
var defaultServerCapabilityNames = []string{
	"tools", "resources", "prompts", "logging",
	"resources-subscribe", "tools-list-changed", "resources-list-changed", "prompts-list-changed",
}

// Initialize negotiates downstream capabilities for this session: it
// records each capability's allow/deny decision on the session
// (consulted later by CheckMethodAllowed and by the forward path's
// NotificationFilter.LoggingDenied), and returns the merged server
// capabilities object to send back to the downstream client — every
// capability name upstreamCaps advertises AND the policy allows.
func (b *SessionBroker) Initialize(policy broker.CapabilityPolicy, upstreamCaps map[string]bool) map[string]bool {
	result := make(map[string]bool, len(defaultServerCapabilityNames))
	for _, name := range defaultServerCapabilityNames {
		allowed := policy.Allowed(name)
		b.session.SetCapability(name, allowed)
		if allowed && upstreamCaps[name] {
			result[name] = true
		}
	}
	return result
}

// LoggingDenied reports whether this session's negotiated capabilities
// suppress notifications/message, for wiring into NotificationFilter.
func (b *SessionBroker) LoggingDenied() bool {
	return !b.session.CapabilityAllowed("logging")
}

// ListTools serves tools/list from the already-merged catalog.
func (b *SessionBroker) ListTools() []catalog.Tool {
	return b.cat.Tools
}

// ListResources serves resources/list from the already-merged catalog.
func (b *SessionBroker) ListResources() []catalog.Tool {
	return b.cat.Resources
}

// ListPrompts serves prompts/list from the already-merged catalog.
func (b *SessionBroker) ListPrompts() []catalog.Tool {
	return b.cat.Prompts
}

// CallTool implements the tools/call flow:
//  1. Limiter.allow(apiKey, profile)
//  2. resolve the advertised name against the catalog origin map (also the
//     allowlist check, since CatalogBuilder already filtered by allowlist)
//  3. TransformEngine reverse-maps arguments to the original shape
//  4. route to a local ToolSource or an UpstreamClient under per-tool
//     ToolPolicy retry
//  5. forward-shape the result (transform forward-shaping of responses is
//     limited to what TransformEngine exposes: argument/schema shape, not
//     response bodies, so no forward step is needed here beyond returning
//     CallResult as-is).
func (b *SessionBroker) CallTool(ctx context.Context, downstreamReqID, advertisedName string, args map[string]any) (*toolsource.CallResult, error) {
	if b.limiter != nil {
		res, err := b.limiter.Allow(ctx, b.session.AuthKeyID, b.session.ProfileID, b.limiterCfg)
		if err != nil {
			if errors.Is(err, ratelimit.ErrQuotaExhausted) {
				return nil, &RateLimitError{QuotaExhausted: true}
			}
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		if !res.Allowed {
			return nil, &RateLimitError{RetryAfter: res.RetryAfter}
		}
	}

	origin, ok := b.cat.Origin[advertisedName]
	if !ok {
		if b.cat.Denied[advertisedName] {
			return nil, ErrAllowlistDenied
		}
		return nil, ErrUnknownTool
	}

	reversedArgs := args
	if b.engine != nil {
		reversedArgs = b.engine.ReverseArgs(origin.OriginalName, args)
	}

	policy, ok := b.policies[origin.OriginalName]
	if !ok {
		policy = b.policies[""]
	}
	if policy.MaximumAttempts == 0 {
		policy = broker.DefaultToolPolicy
	}

	route := broker.RouteTarget{}
	if origin.Kind == catalog.SourceUpstream {
		route.Kind = broker.RouteUpstream
		route.UpstreamID = origin.SourceID
	} else {
		route.Kind = broker.RouteLocal
	}
	callCtx, cancel := context.WithTimeout(ctx, policy.EffectiveTimeout(b.toolCallTimeout))
	route.Cancel = cancel
	defer cancel()
	if !b.session.RegisterRoute(downstreamReqID, route) {
		return nil, fmt.Errorf("request id %q already in flight", downstreamReqID)
	}
	defer b.session.ResolveRoute(downstreamReqID)

	return b.callWithRetry(callCtx, policy, origin, reversedArgs)
}

// Cancel forwards a downstream notifications/cancelled for an in-flight
// request: cancels the local context (which aborts an in-flight local tool
// call or upstream request's ctx).
// Upstream-side notifications/cancelled emission (with the upstream-
// namespaced id) is the caller's responsibility once it has resolved the
// upstream request id from the RouteTarget.
func (b *SessionBroker) Cancel(downstreamReqID string) bool {
	target, ok := b.session.PeekRoute(downstreamReqID)
	if !ok {
		return false
	}
	if target.Cancel != nil {
		target.Cancel()
	}
	return true
}

func (b *SessionBroker) callWithRetry(ctx context.Context, policy broker.ToolPolicy, origin catalog.Origin, args map[string]any) (*toolsource.CallResult, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := b.callOnce(ctx, origin, args)
		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := toolsource.ErrorKindTransport
		var toolErr *toolsource.ToolError
		if errors.As(err, &toolErr) {
			kind = toolErr.Kind
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !policy.Retryable(kind) || attempt >= policy.MaximumAttempts {
			return nil, lastErr
		}

		delay := policy.BackoffDelay(attempt)
		ctxkey.Logger(ctx, b.logger).Debug("retrying tool call",
			"tool", origin.OriginalName, "attempt", attempt, "kind", string(kind), "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *SessionBroker) callOnce(ctx context.Context, origin catalog.Origin, args map[string]any) (*toolsource.CallResult, error) {
	switch origin.Kind {
	case catalog.SourceLocal:
		src, ok := b.toolSources[origin.SourceID]
		if !ok {
			return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindNotFound, Message: "tool source not found: " + origin.SourceID}
		}
		return src.CallTool(ctx, origin.OriginalName, args)

	case catalog.SourceUpstream:
		client, ok := b.upstreams[origin.SourceID]
		if !ok {
			return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindNotFound, Message: "upstream not found: " + origin.SourceID}
		}
		params, err := json.Marshal(map[string]any{"name": origin.OriginalName, "arguments": args})
		if err != nil {
			return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindInvalidArgument, Message: "marshal arguments", Cause: err}
		}
		raw, err := client.Request(ctx, "tools/call", params)
		if err != nil {
			kind := toolsource.ErrorKindTransport
			if ctx.Err() != nil {
				kind = toolsource.ErrorKindTimeout
			}
			return nil, &toolsource.ToolError{Kind: kind, Message: "upstream tools/call", Cause: err}
		}
		return decodeUpstreamCallResult(raw)

	default:
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindInvalidArgument, Message: "unknown origin kind"}
	}
}

// decodeUpstreamCallResult maps an upstream tools/call JSON-RPC result onto
// the gateway's internal CallResult shape. "image" and "structured" blocks
// keep their data; a block of any other type becomes text content holding
// its "text" field, and its other fields are not carried over.
func decodeUpstreamCallResult(raw json.RawMessage) (*toolsource.CallResult, error) {
	var wire struct {
		Content []struct {
			Type string          `json:"type"`
			Text string          `json:"text,omitempty"`
			Data string          `json:"data,omitempty"`
			Mime string          `json:"mimeType,omitempty"`
			Body json.RawMessage `json:"structuredContent,omitempty"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindDeserialize, Message: "decode upstream call result", Cause: err}
	}

	result := &toolsource.CallResult{IsError: wire.IsError}
	for _, c := range wire.Content {
		switch c.Type {
		case "image":
			result.Content = append(result.Content, toolsource.Content{Kind: toolsource.ContentImage, ImageMIME: c.Mime, ImageB64: c.Data})
		case "structured":
			result.Content = append(result.Content, toolsource.Content{Kind: toolsource.ContentStructured, StructuredBody: c.Body})
		default:
			result.Content = append(result.Content, toolsource.Content{Kind: toolsource.ContentText, Text: c.Text})
		}
	}
	return result, nil
}

var _ UpstreamRoute = (*upstream.Client)(nil)
