package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modulegate/gateway/internal/domain/upstream"
)

const (
	sseScannerInitialBufSize = 256 * 1024
	sseScannerMaxBufSize     = 4 * 1024 * 1024
	maxUpstreamResponseSize  = 10 * 1024 * 1024
)

// EndpointAuth configures the per-endpoint auth scheme applied to every
// outgoing request.
type EndpointAuth struct {
	Kind string // "none" | "bearer" | "basic" | "header" | "query"

	BearerToken string
	BasicUser   string
	BasicPass   string
	HeaderName  string
	HeaderValue string
	QueryName   string
	QueryValue  string
}

func (a EndpointAuth) apply(req *http.Request) {
	switch a.Kind {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.BearerToken)
	case "basic":
		req.SetBasicAuth(a.BasicUser, a.BasicPass)
	case "header":
		if a.HeaderName != "" {
			req.Header.Set(a.HeaderName, a.HeaderValue)
		}
	case "query":
		if a.QueryName != "" {
			q := req.URL.Query()
			q.Set(a.QueryName, a.QueryValue)
			req.URL.RawQuery = q.Encode()
		}
	}
}

// StreamableClient is a real bidirectional streamable-HTTP MCP transport:
// Send POSTs a message (optionally opening an SSE response stream for
// server-initiated traffic), and Events delivers every frame read off any
// such stream plus the dedicated resumable GET stream.
//
// Implements upstream.Transport.
type StreamableClient struct {
	url  string
	auth EndpointAuth

	httpClient *http.Client

	mu            sync.Mutex
	sessionID     string
	lastEventID   string
	closed        bool
	cancelStreams context.CancelFunc

	events chan upstream.TransportEvent
	wg     sync.WaitGroup
}

// NewStreamableClient creates a StreamableClient for one upstream endpoint.
func NewStreamableClient(url string, auth EndpointAuth) *StreamableClient {
	return &StreamableClient{
		url:  url,
		auth: auth,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		events: make(chan upstream.TransportEvent, 256),
	}
}

var _ upstream.Transport = (*StreamableClient)(nil)

// Events implements upstream.Transport.
func (c *StreamableClient) Events() <-chan upstream.TransportEvent {
	return c.events
}

// Send implements upstream.Transport: POSTs one JSON-RPC message. If the
// response is a hanging SSE stream, a reader goroutine is spawned to drain
// it into Events(); a plain JSON response (for request/response-shaped
// calls) is read and delivered directly.
func (c *StreamableClient) Send(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("streamable client closed")
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	c.auth.apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(data))
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		c.wg.Add(1)
		go c.drainSSE(resp)
		return nil
	}

	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(data) > 0 {
		c.deliver("", data)
	}
	return nil
}

// OpenEventStream issues the dedicated resumable GET for server-initiated
// traffic outside of any request/response cycle. lastEventID,
// if non-empty, is sent as Last-Event-ID to resume.
func (c *StreamableClient) OpenEventStream(ctx context.Context, lastEventID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build get request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	c.auth.apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return fmt.Errorf("http status %d on event stream", resp.StatusCode)
	}

	c.wg.Add(1)
	go c.drainSSE(resp)
	return nil
}

// drainSSE reads `data:`/`id:` framed SSE events from resp.Body until EOF
// or the response is closed, delivering each event's data to Events() and
// tracking the last seen id for resumption.
func (c *StreamableClient) drainSSE(resp *http.Response) {
	defer c.wg.Done()
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, sseScannerInitialBufSize)
	scanner.Buffer(buf, sseScannerMaxBufSize)

	var dataLines []string
	var eventID string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		data := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		c.deliver(eventID, []byte(data))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			// An id: line sets the stream's current event id; per SSE
			// semantics it sticks for subsequent events until replaced.
			eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			c.mu.Lock()
			c.lastEventID = eventID
			c.mu.Unlock()
		case strings.HasPrefix(line, ":"):
			// Comment line, typically an idle keepalive ping. Delivered
			// with no payload so the owning client's watchdog still sees
			// the stream as alive.
			c.deliver("", nil)
		}
	}
	flush()
}

func (c *StreamableClient) deliver(eventID string, data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.events <- upstream.TransportEvent{EventID: eventID, Data: data}:
	default:
		// Bounded channel full: drop rather than block the reader loop.
		// Responses are rare relative to capacity (256) so this is
		// effectively notification-only pressure; a full queue here
		// signals a stalled downstream.
	}
}

// LastEventID returns the most recently observed SSE event id.
func (c *StreamableClient) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Close implements upstream.Transport.
func (c *StreamableClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessionID := c.sessionID
	c.mu.Unlock()

	if c.cancelStreams != nil {
		c.cancelStreams()
	}

	if sessionID != "" {
		req, err := http.NewRequest(http.MethodDelete, c.url, nil)
		if err == nil {
			req.Header.Set("Mcp-Session-Id", sessionID)
			c.auth.apply(req)
			if resp, err := c.httpClient.Do(req); err == nil {
				_ = resp.Body.Close()
			}
		}
	}

	c.wg.Wait()
	close(c.events)
	return nil
}
