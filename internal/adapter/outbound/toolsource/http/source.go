// Package http implements toolsource.Source for tools defined by the small
// HTTP tool DSL: a fixed URL template, method, header set, and a mapping
// from tool arguments to the query string, path, or JSON body.
package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/modulegate/gateway/internal/domain/toolsource"
)

// ToolSpec is one entry in the HTTP DSL's tool list.
type ToolSpec struct {
	Name         string            `json:"name" validate:"required"`
	Description  string            `json:"description"`
	Method       string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	URLTemplate  string            `json:"urlTemplate" validate:"required,url"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyParams   []string          `json:"bodyParams,omitempty"`
	QueryParams  []string          `json:"queryParams,omitempty"`
	InputSchema  json.RawMessage   `json:"inputSchema"`
	OutputSchema json.RawMessage   `json:"outputSchema,omitempty"`
	TimeoutSecs  int               `json:"timeoutSecs,omitempty"`
}

// Spec is the full toolSources[].spec payload for kind "http".
type Spec struct {
	Tools []ToolSpec `json:"tools" validate:"required,dive"`
}

const defaultTimeout = 30 * time.Second

// Source is an HTTP-DSL-backed toolsource.Source.
type Source struct {
	id     string
	tools  map[string]ToolSpec
	client *http.Client
}

// New compiles a Spec into a Source, id is the owning toolSources[].id.
func New(id string, spec Spec) *Source {
	tools := make(map[string]ToolSpec, len(spec.Tools))
	for _, t := range spec.Tools {
		tools[t.Name] = t
	}
	return &Source{
		id:    id,
		tools: tools,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: safeDialContext(),
			},
		},
	}
}

// ID implements toolsource.Source.
func (s *Source) ID() string { return s.id }

// ListTools implements toolsource.Source. The HTTP DSL's tool list is
// static and requires no network IO.
func (s *Source) ListTools(_ context.Context) ([]toolsource.Descriptor, error) {
	out := make([]toolsource.Descriptor, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, toolsource.Descriptor{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}
	return out, nil
}

// CallTool implements toolsource.Source.
func (s *Source) CallTool(ctx context.Context, name string, args map[string]any) (*toolsource.CallResult, error) {
	spec, ok := s.tools[name]
	if !ok {
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindNotFound, Message: "tool " + name + " not found in http tool source"}
	}

	timeout := defaultTimeout
	if spec.TimeoutSecs > 0 {
		timeout = time.Duration(spec.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url, err := expandURL(spec.URLTemplate, args)
	if err != nil {
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindInvalidArgument, Message: "expand url template", Cause: err}
	}

	url = appendQuery(url, spec.QueryParams, args)

	var body io.Reader
	if len(spec.BodyParams) > 0 && (spec.Method == http.MethodPost || spec.Method == http.MethodPut || spec.Method == http.MethodPatch) {
		payload := make(map[string]any, len(spec.BodyParams))
		for _, p := range spec.BodyParams {
			if v, ok := args[p]; ok {
				payload[p] = v
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindInvalidArgument, Message: "marshal request body", Cause: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, url, body)
	if err != nil {
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindInvalidArgument, Message: "build request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindTimeout, Message: "request timed out", Cause: ctx.Err()}
		}
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindTransport, Message: "request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindTransport, Message: "read response body", Cause: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindAuth, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindUpstream5xx, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	return &toolsource.CallResult{
		Content: []toolsource.Content{contentFromBody(resp.Header.Get("Content-Type"), data)},
		IsError: resp.StatusCode >= 400,
	}, nil
}

// contentFromBody wraps a response body as structured JSON when the
// content type says so, text when it's clearly textual, or a base64 JSON
// value otherwise — a non-UTF8 non-image body is never a
// decode failure.
func contentFromBody(contentType string, data []byte) toolsource.Content {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/json"):
		var v any
		if json.Unmarshal(data, &v) == nil {
			return toolsource.Content{Kind: toolsource.ContentStructured, StructuredBody: json.RawMessage(data)}
		}
		fallthrough
	case strings.HasPrefix(ct, "text/"):
		return toolsource.Content{Kind: toolsource.ContentText, Text: string(data)}
	default:
		quoted, _ := json.Marshal(base64.StdEncoding.EncodeToString(data))
		return toolsource.Content{Kind: toolsource.ContentStructured, StructuredBody: json.RawMessage(quoted)}
	}
}

func expandURL(template string, args map[string]any) (string, error) {
	result := template
	for k, v := range args {
		placeholder := "{" + k + "}"
		if strings.Contains(result, placeholder) {
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", v))
		}
	}
	if strings.Contains(result, "{") {
		return "", fmt.Errorf("unresolved placeholder(s) in url template %q", template)
	}
	return result, nil
}

func appendQuery(url string, queryParams []string, args map[string]any) string {
	if len(queryParams) == 0 {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(url)
	first := true
	for _, p := range queryParams {
		v, ok := args[p]
		if !ok {
			continue
		}
		if first {
			b.WriteString(sep)
			first = false
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p)
		b.WriteByte('=')
		b.WriteString(fmt.Sprintf("%v", v))
	}
	return b.String()
}

// safeDialContext blocks connections to private/reserved IP ranges,
// preventing a tool-source HTTP call from being used for SSRF against
// internal infrastructure. Adapted from the gateway's forward-proxy
// dialer; duplicated here rather than imported because that dialer lives
// in an inbound-scoped package and this is an outbound adapter.
func safeDialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("toolsource/http: invalid address %q: %w", addr, err)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("toolsource/http: dns resolution failed for %q: %w", host, err)
		}
		for _, ip := range ips {
			if isPrivateIP(ip.IP) {
				return nil, fmt.Errorf("toolsource/http: blocked connection to private ip %s", ip.IP)
			}
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("toolsource/http: no ips resolved for %q", host)
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
	}
}

var privateNetworks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"169.254.0.0/16", "::1/128", "fc00::/7", "fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("toolsource/http: invalid CIDR " + cidr)
		}
		privateNetworks = append(privateNetworks, n)
	}
}

func isPrivateIP(ip net.IP) bool {
	for _, n := range privateNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

