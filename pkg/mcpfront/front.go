package mcpfront

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/v-checha/mcp-federate-go/pkg/mcpfed"
)

// Front exposes the gateway's merged namespace as one Streamable MCP server.
type Front struct {
	gateway *mcpfed.Gateway
	caller  mcpfed.Caller
	opts    Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	serverMu   sync.Mutex
	registered map[mcpfed.Kind]map[string]struct{}

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Front over the gateway. The caller issues the forwarded remote
// calls; it is typically the same collaborator the gateway probes with.
func New(gateway *mcpfed.Gateway, caller mcpfed.Caller, opts *Options) (*Front, error) {
	if gateway == nil {
		return nil, fmt.Errorf("mcpfront: gateway is required")
	}
	if caller == nil {
		return nil, fmt.Errorf("mcpfront: caller is required")
	}
	options := opts.withDefaults()
	f := &Front{
		gateway: gateway,
		caller:  caller,
		opts:    options,
		registered: map[mcpfed.Kind]map[string]struct{}{
			mcpfed.KindTool:     {},
			mcpfed.KindResource: {},
			mcpfed.KindPrompt:   {},
		},
	}
	f.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     true,
		HasPrompts:   true,
		HasResources: true,
	})
	f.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return f.server
	}, &options.Streamable)
	f.mux = http.NewServeMux()
	f.httpHandler = f.mountHandler()
	return f, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (f *Front) Handler() http.Handler {
	return f.httpHandler
}

// ServeMux returns the mux backing Handler so consumers can add custom routes
// such as health endpoints.
func (f *Front) ServeMux() *http.ServeMux {
	return f.mux
}

// Sync refreshes the gateway's capability mappings and reconciles the MCP
// server's registrations with them. Upstreams whose listing failed keep their
// previous registrations; the refresh error is returned after reconciliation.
func (f *Front) Sync(ctx context.Context) error {
	refreshErr := f.gateway.RefreshCapabilities(ctx)

	f.serverMu.Lock()
	defer f.serverMu.Unlock()
	f.syncTools()
	f.syncResources()
	f.syncPrompts()
	return refreshErr
}

func (f *Front) syncTools() {
	current := publicNames(f.gateway.ToolMapping())
	removed, added := diff(f.registered[mcpfed.KindTool], current)
	if len(removed) > 0 {
		f.server.RemoveTools(removed...)
	}
	for _, name := range added {
		f.server.AddTool(&mcp.Tool{
			Name: name,
			// Upstream schemas are not mirrored; arguments pass through as-is.
			InputSchema: &jsonschema.Schema{Type: "object"},
		}, f.makeToolHandler(name))
	}
	f.registered[mcpfed.KindTool] = current
}

func (f *Front) syncResources() {
	current := publicNames(f.gateway.ResourceMapping())
	removed, added := diff(f.registered[mcpfed.KindResource], current)
	if len(removed) > 0 {
		f.server.RemoveResources(removed...)
	}
	for _, uri := range added {
		f.server.AddResource(&mcp.Resource{URI: uri, Name: uri}, f.makeResourceHandler(uri))
	}
	f.registered[mcpfed.KindResource] = current
}

func (f *Front) syncPrompts() {
	current := publicNames(f.gateway.PromptMapping())
	removed, added := diff(f.registered[mcpfed.KindPrompt], current)
	if len(removed) > 0 {
		f.server.RemovePrompts(removed...)
	}
	for _, name := range added {
		f.server.AddPrompt(&mcp.Prompt{Name: name}, f.makePromptHandler(name))
	}
	f.registered[mcpfed.KindPrompt] = current
}

func publicNames(entries []mcpfed.MappingEntry) map[string]struct{} {
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.PublicName] = struct{}{}
	}
	return names
}

func diff(registered, current map[string]struct{}) (removed, added []string) {
	for name := range registered {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
		}
	}
	for name := range current {
		if _, ok := registered[name]; !ok {
			added = append(added, name)
		}
	}
	return removed, added
}

func (f *Front) makeToolHandler(public string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req.Params != nil {
			args = req.Params.Arguments
		}
		result, err := f.forward(ctx, mcpfed.KindTool, public, args)
		if err != nil {
			return nil, err
		}
		callResult, ok := result.(*mcp.CallToolResult)
		if !ok {
			return nil, fmt.Errorf("mcpfront: unexpected tool result %T", result)
		}
		return callResult, nil
	}
}

func (f *Front) makeResourceHandler(public string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		result, err := f.forward(ctx, mcpfed.KindResource, public, nil)
		if err != nil {
			return nil, err
		}
		readResult, ok := result.(*mcp.ReadResourceResult)
		if !ok {
			return nil, fmt.Errorf("mcpfront: unexpected resource result %T", result)
		}
		return readResult, nil
	}
}

func (f *Front) makePromptHandler(public string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		var args any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		result, err := f.forward(ctx, mcpfed.KindPrompt, public, args)
		if err != nil {
			return nil, err
		}
		promptResult, ok := result.(*mcp.GetPromptResult)
		if !ok {
			return nil, fmt.Errorf("mcpfront: unexpected prompt result %T", result)
		}
		return promptResult, nil
	}
}

// forward resolves the public identifier to an upstream and original name,
// brackets the call with the gateway's connection accounting, and reports the
// outcome to the circuit breaker.
func (f *Front) forward(ctx context.Context, kind mcpfed.Kind, public string, args any) (any, error) {
	upstream, name := f.resolve(kind, public)
	if upstream == nil {
		return nil, fmt.Errorf("mcpfront: no upstream available for %s %q", kind, public)
	}
	if !f.gateway.CanRequest(upstream.URL) {
		return nil, fmt.Errorf("mcpfront: upstream %s is unavailable", upstream.URL)
	}
	f.gateway.BeginRequest(upstream.URL)
	defer f.gateway.EndRequest(upstream.URL)

	result, err := f.caller.Call(ctx, upstream, kind, name, args)
	if err != nil {
		f.gateway.ReportFailure(upstream.URL)
		f.opts.Logger.Warn("forwarded call failed",
			"kind", string(kind), "name", public, "upstream", upstream.URL, "error", err)
		return nil, err
	}
	f.gateway.ReportSuccess(upstream.URL)
	return result, nil
}

// resolve prefers the capability mapping; identifiers outside the mapping
// fall back to prefix routing and pass through unchanged.
func (f *Front) resolve(kind mcpfed.Kind, public string) (*mcpfed.Upstream, string) {
	var entry mcpfed.MappingEntry
	var ok bool
	switch kind {
	case mcpfed.KindTool:
		entry, ok = f.gateway.LookupTool(public)
	case mcpfed.KindResource:
		entry, ok = f.gateway.LookupResource(public)
	case mcpfed.KindPrompt:
		entry, ok = f.gateway.LookupPrompt(public)
	}
	if ok {
		if upstream, found := f.gateway.UpstreamByURL(entry.UpstreamURL); found {
			return upstream, entry.OriginalName
		}
	}
	switch kind {
	case mcpfed.KindTool:
		return f.gateway.FindUpstreamForTool(public), public
	case mcpfed.KindResource:
		return f.gateway.FindUpstreamForResource(public), public
	case mcpfed.KindPrompt:
		return f.gateway.FindUpstreamForPrompt(public), public
	}
	return nil, public
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (f *Front) ListenAndServe(ctx context.Context) error {
	f.httpServerMu.Lock()
	if f.httpServer != nil {
		srv := f.httpServer
		f.httpServerMu.Unlock()
		return fmt.Errorf("mcpfront: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: f.opts.Addr, Handler: f.Handler()}
	f.httpServer = srv
	f.httpServerMu.Unlock()
	defer func() {
		f.httpServerMu.Lock()
		if f.httpServer == srv {
			f.httpServer = nil
		}
		f.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), f.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (f *Front) Shutdown(ctx context.Context) error {
	f.httpServerMu.Lock()
	srv := f.httpServer
	f.httpServer = nil
	f.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (f *Front) mountHandler() http.Handler {
	path := f.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	f.mux.Handle(path, f.streamHandler)
	if !strings.HasSuffix(path, "/") {
		f.mux.Handle(path+"/", f.streamHandler)
	}
	handler := http.Handler(f.mux)
	if len(f.opts.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: f.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}).Handler(handler)
	}
	return handler
}
