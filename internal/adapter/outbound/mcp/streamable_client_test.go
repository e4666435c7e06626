package mcp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStreamableClient_Send_PlainJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mcp-Session-Id", "sess-1")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	}))
	defer srv.Close()

	client := NewStreamableClient(srv.URL, EndpointAuth{Kind: "none"})
	defer client.Close()

	if err := client.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-client.Events():
		if string(ev.Data) != `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}` {
			t.Errorf("got %s", ev.Data)
		}
		if ev.EventID != "" {
			t.Errorf("EventID = %q, want empty for plain JSON response", ev.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response event")
	}
}

func TestStreamableClient_Send_SSEResponseStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "id: 1\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/message\",\"params\":{}}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))
	defer srv.Close()

	client := NewStreamableClient(srv.URL, EndpointAuth{Kind: "none"})
	defer client.Close()

	if err := client.Send(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-client.Events():
		if string(ev.Data) != `{"jsonrpc":"2.0","method":"notifications/message","params":{}}` {
			t.Errorf("got %s", ev.Data)
		}
		if ev.EventID != "1" {
			t.Errorf("EventID = %q, want 1", ev.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
	}
}

func TestStreamableClient_Send_AppliesBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer srv.Close()

	client := NewStreamableClient(srv.URL, EndpointAuth{Kind: "bearer", BearerToken: "secret"})
	defer client.Close()

	if err := client.Send(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", gotAuth)
	}
}

func TestStreamableClient_Send_NonOKStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewStreamableClient(srv.URL, EndpointAuth{Kind: "none"})
	defer client.Close()

	if err := client.Send(context.Background(), []byte(`{}`)); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
