// Package idcodec namespaces request IDs and SSE event IDs across upstreams
// and HMAC-signs proxied server-initiated request IDs so that a tampered ID
// returning from a downstream client can be detected and dropped.
//
// Encoding and decoding are pure functions: no I/O, no shared state. A
// Session holds the signing key; IdCodec never generates or stores keys.
package idcodec

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Mode selects the textual form of a proxied request ID.
type Mode int

const (
	// ModeOpaque base64url-encodes every segment, including the upstream id.
	ModeOpaque Mode = iota
	// ModeReadable keeps the upstream id as a literal path segment.
	ModeReadable
)

// EventMode selects the textual form of a namespaced SSE event id.
type EventMode int

const (
	// EventModeUpstreamSlash prefixes the event id with "{upstream_id}/".
	EventModeUpstreamSlash EventMode = iota
	// EventModeNone passes the upstream event id through unmodified.
	EventModeNone
)

const (
	proxyTagOpaque   = "unrelated.proxy."
	proxyTagReadable = "unrelated.proxy.r."
	hmacTruncateLen  = 16
)

// ErrInvalid is returned when a ProxiedId fails to parse or fails HMAC
// verification. Per spec, the response carrying it must be dropped silently
// on the wire and counted/logged by the caller — IdCodec itself never logs.
var ErrInvalid = errors.New("idcodec: invalid proxied id")

// EncodeServerRequestID produces the textual ProxiedId for an upstream
// server-initiated request id. upstreamIDValue is any JSON-serializable
// value (string, number, or null per JSON-RPC); it is canonically encoded
// exactly once.
func EncodeServerRequestID(upstreamID string, upstreamIDValue any, mode Mode, sign bool, key []byte) (string, error) {
	if strings.Contains(upstreamID, "/") {
		return "", fmt.Errorf("idcodec: upstream id %q must not contain '/'", upstreamID)
	}

	valueJSON, err := canonicalJSON(upstreamIDValue)
	if err != nil {
		return "", fmt.Errorf("idcodec: encode upstream id value: %w", err)
	}

	var b strings.Builder
	switch mode {
	case ModeOpaque:
		b.WriteString(proxyTagOpaque)
		b.WriteString(b64(upstreamID))
		b.WriteByte('.')
		b.WriteString(b64(string(valueJSON)))
	case ModeReadable:
		b.WriteString(proxyTagReadable)
		b.WriteString(upstreamID)
		b.WriteByte('.')
		b.WriteString(b64(string(valueJSON)))
	default:
		return "", fmt.Errorf("idcodec: unknown mode %d", mode)
	}

	if sign {
		tag := signTag(key, upstreamID, valueJSON)
		b.WriteByte('.')
		b.WriteString(base64.RawURLEncoding.EncodeToString(tag))
	}

	return b.String(), nil
}

// DecodeServerRequestID parses a ProxiedId produced by EncodeServerRequestID
// and, if sign is true, verifies its HMAC tag. On any parse or verification
// failure it returns ErrInvalid.
func DecodeServerRequestID(s string, mode Mode, sign bool, key []byte) (upstreamID string, upstreamIDValue json.RawMessage, err error) {
	var tag string
	var body string

	switch mode {
	case ModeOpaque:
		if !strings.HasPrefix(s, proxyTagOpaque) {
			return "", nil, ErrInvalid
		}
		body = strings.TrimPrefix(s, proxyTagOpaque)
	case ModeReadable:
		if !strings.HasPrefix(s, proxyTagReadable) {
			return "", nil, ErrInvalid
		}
		body = strings.TrimPrefix(s, proxyTagReadable)
	default:
		return "", nil, ErrInvalid
	}

	parts := strings.Split(body, ".")
	var idPart, valuePart string
	switch {
	case sign && len(parts) == 3:
		idPart, valuePart, tag = parts[0], parts[1], parts[2]
	case !sign && len(parts) == 2:
		idPart, valuePart = parts[0], parts[1]
	default:
		return "", nil, ErrInvalid
	}

	switch mode {
	case ModeOpaque:
		idBytes, decErr := base64.RawURLEncoding.DecodeString(idPart)
		if decErr != nil {
			return "", nil, ErrInvalid
		}
		upstreamID = string(idBytes)
	case ModeReadable:
		upstreamID = idPart
	}

	valueJSON, decErr := base64.RawURLEncoding.DecodeString(valuePart)
	if decErr != nil {
		return "", nil, ErrInvalid
	}

	if sign {
		wantTag, decErr := base64.RawURLEncoding.DecodeString(tag)
		if decErr != nil {
			return "", nil, ErrInvalid
		}
		gotTag := signTag(key, upstreamID, valueJSON)
		if subtle.ConstantTimeCompare(wantTag, gotTag) != 1 {
			return "", nil, ErrInvalid
		}
	}

	return upstreamID, json.RawMessage(valueJSON), nil
}

// EncodeSSEEventID namespaces an upstream SSE event id for the downstream
// stream.
func EncodeSSEEventID(upstreamID, upstreamEventID string, mode EventMode) string {
	switch mode {
	case EventModeNone:
		return upstreamEventID
	case EventModeUpstreamSlash:
		return upstreamID + "/" + upstreamEventID
	default:
		return upstreamEventID
	}
}

// DecodeSSEEventID splits a downstream Last-Event-ID on the first "/" to
// recover the originating upstream id and its resume cursor. ok is false if
// the mode is EventModeUpstreamSlash and no "/" is present.
func DecodeSSEEventID(lastEventID string, mode EventMode) (upstreamID, upstreamEventID string, ok bool) {
	if mode == EventModeNone {
		return "", lastEventID, true
	}
	idx := strings.IndexByte(lastEventID, '/')
	if idx < 0 {
		return "", "", false
	}
	return lastEventID[:idx], lastEventID[idx+1:], true
}

func signTag(key []byte, upstreamID string, valueJSON []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(upstreamID))
	mac.Write([]byte{0x00})
	mac.Write(valueJSON)
	sum := mac.Sum(nil)
	return sum[:hmacTruncateLen]
}

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// canonicalJSON serializes v with no whitespace and, for objects, sorted
// keys (encoding/json already sorts map keys; struct field order is taken
// as declared, matching the rest of the codebase's canonical-JSON usage for
// contract hashing).
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
