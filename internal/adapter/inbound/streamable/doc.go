// Package streamable implements the downstream /{profile_id}/mcp HTTP+SSE
// transport: one endpoint per profile, POST for JSON-RPC request/notification
// delivery and GET for the server-initiated SSE stream, correlated by the
// Mcp-Session-Id header. POST/GET dispatch through a per-session
// service.SessionBroker, and the SSE stream fans in notifications from every
// upstream a profile aggregates (service.NewForwardSink via
// ProfileSupervisor.RegisterSession).
package streamable

// MCPProtocolVersion is the MCP protocol version this handler supports.
const MCPProtocolVersion = "2025-06-18"

// MCPSessionIDHeader is the header used to correlate POST and GET requests
// to the same session.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader echoes the negotiated protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// maxRequestBodySize bounds a single JSON-RPC POST body.
const maxRequestBodySize = 1 << 20
