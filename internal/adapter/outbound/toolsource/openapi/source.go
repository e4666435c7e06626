// Package openapi implements toolsource.Source by compiling a (reduced)
// OpenAPI document into one tool per operation. Only the subset of OpenAPI
// the gateway needs to drive a call is modeled: path, method, parameter
// locations, and a request-body content type. Schema validation beyond
// what's needed to build the HTTP request is left to the upstream service.
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modulegate/gateway/internal/domain/toolsource"
)

// Parameter describes one OpenAPI operation parameter.
type Parameter struct {
	Name   string `json:"name"`
	In     string `json:"in" validate:"oneof=query path header"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Operation is one compiled OpenAPI operation, pre-resolved to a single
// (method, path) pair — the gateway does not perform $ref resolution
// itself; that is expected to have already happened when the document is
// stored.
type Operation struct {
	OperationID string          `json:"operationId" validate:"required"`
	Summary     string          `json:"summary"`
	Method      string          `json:"method" validate:"required"`
	Path        string          `json:"path" validate:"required"`
	Parameters  []Parameter     `json:"parameters,omitempty"`
	RequestBody json.RawMessage `json:"requestBodySchema,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Spec is the full toolSources[].spec payload for kind "openapi".
type Spec struct {
	BaseURL    string      `json:"baseUrl" validate:"required,url"`
	Operations []Operation `json:"operations" validate:"required,dive"`
}

const defaultTimeout = 30 * time.Second

// Source is an OpenAPI-operation-backed toolsource.Source. Each
// OperationID is exposed as one tool.
type Source struct {
	id      string
	baseURL string
	ops     map[string]Operation
	client  *http.Client
}

// New compiles a Spec into a Source.
func New(id string, spec Spec) *Source {
	ops := make(map[string]Operation, len(spec.Operations))
	for _, op := range spec.Operations {
		ops[op.OperationID] = op
	}
	return &Source{
		id:      id,
		baseURL: strings.TrimSuffix(spec.BaseURL, "/"),
		ops:     ops,
		client:  &http.Client{},
	}
}

// ID implements toolsource.Source.
func (s *Source) ID() string { return s.id }

// ListTools implements toolsource.Source.
func (s *Source) ListTools(_ context.Context) ([]toolsource.Descriptor, error) {
	out := make([]toolsource.Descriptor, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, toolsource.Descriptor{
			Name:        op.OperationID,
			Description: op.Summary,
			InputSchema: op.InputSchema,
		})
	}
	return out, nil
}

// CallTool implements toolsource.Source.
func (s *Source) CallTool(ctx context.Context, name string, args map[string]any) (*toolsource.CallResult, error) {
	op, ok := s.ops[name]
	if !ok {
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindNotFound, Message: "operation " + name + " not found in openapi tool source"}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	path := op.Path
	query := make([]string, 0)
	headers := make(map[string]string)
	bodyArgs := make(map[string]any)
	consumed := make(map[string]bool)

	for _, p := range op.Parameters {
		v, ok := args[p.Name]
		if !ok {
			continue
		}
		consumed[p.Name] = true
		switch p.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.Name+"}", fmt.Sprintf("%v", v))
		case "query":
			query = append(query, fmt.Sprintf("%s=%v", p.Name, v))
		case "header":
			headers[p.Name] = fmt.Sprintf("%v", v)
		}
	}

	if op.RequestBody != nil {
		for k, v := range args {
			if !consumed[k] {
				bodyArgs[k] = v
			}
		}
	}

	url := s.baseURL + path
	if len(query) > 0 {
		url += "?" + strings.Join(query, "&")
	}

	var body io.Reader
	if len(bodyArgs) > 0 {
		data, err := json.Marshal(bodyArgs)
		if err != nil {
			return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindInvalidArgument, Message: "marshal body", Cause: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(op.Method), url, body)
	if err != nil {
		return nil, &toolsource.ToolError{Kind: toolsource.ErrorKindInvalidArgument, Message: "build request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
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

	var structured json.RawMessage
	if json.Valid(data) {
		structured = data
		return &toolsource.CallResult{
			Content: []toolsource.Content{{Kind: toolsource.ContentStructured, StructuredBody: structured}},
			IsError: resp.StatusCode >= 400,
		}, nil
	}
	return &toolsource.CallResult{
		Content: []toolsource.Content{{Kind: toolsource.ContentText, Text: string(data)}},
		IsError: resp.StatusCode >= 400,
	}, nil
}
