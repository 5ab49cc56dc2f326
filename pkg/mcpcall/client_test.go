package mcpcall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/v-checha/mcp-federate-go/pkg/mcpfed"
)

// newUpstreamServer serves a small real MCP server over Streamable HTTP.
func newUpstreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "upstream-under-test", Version: "1.0.0"}, nil)
	server.AddTool(&mcp.Tool{
		Name:        "add",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "10"}},
		}, nil
	})
	server.AddResource(&mcp.Resource{URI: "file://greeting", Name: "greeting"},
		func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: "file://greeting", Text: "hi"}},
			}, nil
		})
	server.AddPrompt(&mcp.Prompt{Name: "hello"},
		func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Messages: []*mcp.PromptMessage{{Role: "user", Content: &mcp.TextContent{Text: "hello there"}}},
			}, nil
		})

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func testUpstream(url string) *mcpfed.Upstream {
	return &mcpfed.Upstream{URL: url, Timeout: 10 * time.Second}
}

func TestCallToolRoundTrip(t *testing.T) {
	srv := newUpstreamServer(t)
	client := New(&Options{HTTPClient: srv.Client()})
	t.Cleanup(func() { _ = client.Close() })

	result, err := client.Call(context.Background(), testUpstream(srv.URL), mcpfed.KindTool, "add", map[string]any{"a": 4, "b": 6})
	if err != nil {
		t.Fatalf("Call tool: %v", err)
	}
	callResult, ok := result.(*mcp.CallToolResult)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if len(callResult.Content) == 0 {
		t.Fatalf("tool call returned empty content")
	}
}

func TestCallResourceAndPrompt(t *testing.T) {
	srv := newUpstreamServer(t)
	client := New(&Options{HTTPClient: srv.Client()})
	t.Cleanup(func() { _ = client.Close() })

	res, err := client.Call(context.Background(), testUpstream(srv.URL), mcpfed.KindResource, "file://greeting", nil)
	if err != nil {
		t.Fatalf("Call resource: %v", err)
	}
	readResult, ok := res.(*mcp.ReadResourceResult)
	if !ok || len(readResult.Contents) == 0 {
		t.Fatalf("unexpected resource result %#v", res)
	}

	pr, err := client.Call(context.Background(), testUpstream(srv.URL), mcpfed.KindPrompt, "hello", nil)
	if err != nil {
		t.Fatalf("Call prompt: %v", err)
	}
	promptResult, ok := pr.(*mcp.GetPromptResult)
	if !ok || len(promptResult.Messages) == 0 {
		t.Fatalf("unexpected prompt result %#v", pr)
	}
}

func TestCallRejectsUnknownKind(t *testing.T) {
	srv := newUpstreamServer(t)
	client := New(&Options{HTTPClient: srv.Client()})
	t.Cleanup(func() { _ = client.Close() })

	if _, err := client.Call(context.Background(), testUpstream(srv.URL), mcpfed.Kind("widget"), "x", nil); err == nil {
		t.Fatalf("expected error for unsupported kind")
	}
}

func TestListCapabilities(t *testing.T) {
	srv := newUpstreamServer(t)
	client := New(&Options{HTTPClient: srv.Client()})
	t.Cleanup(func() { _ = client.Close() })

	caps, err := client.ListCapabilities(context.Background(), testUpstream(srv.URL))
	if err != nil {
		t.Fatalf("ListCapabilities: %v", err)
	}
	if len(caps.Tools) != 1 || caps.Tools[0] != "add" {
		t.Fatalf("tools = %v", caps.Tools)
	}
	if len(caps.Resources) != 1 || caps.Resources[0] != "file://greeting" {
		t.Fatalf("resources = %v", caps.Resources)
	}
	if len(caps.Prompts) != 1 || caps.Prompts[0] != "hello" {
		t.Fatalf("prompts = %v", caps.Prompts)
	}
}

func TestPing(t *testing.T) {
	srv := newUpstreamServer(t)
	client := New(&Options{HTTPClient: srv.Client()})
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(context.Background(), testUpstream(srv.URL)); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestCallRetriesAfterFailedDial(t *testing.T) {
	srv := newUpstreamServer(t)

	// Reject the very first request so the initial dial fails, forcing the
	// retry path to establish a fresh session.
	var requests atomic.Int64
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		proxyTo(t, srv.URL, w, r)
	}))
	t.Cleanup(flaky.Close)

	client := New(&Options{HTTPClient: flaky.Client()})
	t.Cleanup(func() { _ = client.Close() })

	upstream := testUpstream(flaky.URL)
	upstream.Retries = 1
	result, err := client.Call(context.Background(), upstream, mcpfed.KindTool, "add", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Call with retry: %v", err)
	}
	if result == nil {
		t.Fatalf("retry succeeded but returned nil result")
	}
}

func proxyTo(t *testing.T, target string, w http.ResponseWriter, r *http.Request) {
	t.Helper()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target+r.URL.RequestURI(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	for k, values := range res.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

func TestUpstreamHeadersApplied(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	decorated := decorateHTTPClient(srv.Client(), map[string]string{"X-Api-Key": "secret"})
	res, err := decorated.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET through decorated client: %v", err)
	}
	res.Body.Close()
	if got.Load() != "secret" {
		t.Fatalf("upstream header not applied, got %v", got.Load())
	}
}

func TestIsMethodUnavailable(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"jsonrpc2: method not found", true},
		{"prompts/list is not implemented", true},
		{"server does not support resources", true},
		{"connection refused", false},
		{"", false},
	}
	for _, tc := range cases {
		var err error
		if tc.msg != "" {
			err = &testError{tc.msg}
		}
		if got := isMethodUnavailable(err); got != tc.want {
			t.Fatalf("isMethodUnavailable(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
