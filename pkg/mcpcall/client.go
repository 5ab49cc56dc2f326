package mcpcall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/v-checha/mcp-federate-go/pkg/mcpfed"
)

// Options configure a Client instance.
type Options struct {
	// ClientName and ClientVersion identify this process to upstreams during
	// MCP initialization.
	ClientName    string
	ClientVersion string
	// HTTPClient is cloned and decorated per upstream. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ClientName == "" {
		opts.ClientName = "mcpfed"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return opts
}

// Client issues remote MCP operations against upstreams on behalf of the
// gateway. It satisfies mcpfed.Caller.
type Client struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*upstreamSession
	closed   bool
}

type upstreamSession struct {
	session    *mcp.ClientSession
	connecting bool
	connectCh  chan struct{}
}

// New builds a Client.
func New(opts *Options) *Client {
	return &Client{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*upstreamSession),
	}
}

var _ mcpfed.Caller = (*Client)(nil)

// Call invokes the named tool, resource, or prompt on the upstream, retrying
// up to the upstream's retry count with a fresh session per attempt.
func (c *Client) Call(ctx context.Context, upstream *mcpfed.Upstream, kind mcpfed.Kind, name string, args any) (any, error) {
	attempts := upstream.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result, err := c.callOnce(ctx, upstream, kind, name, args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.dropSession(upstream.URL)
	}
	return nil, lastErr
}

func (c *Client) callOnce(ctx context.Context, upstream *mcpfed.Upstream, kind mcpfed.Kind, name string, args any) (any, error) {
	session, err := c.ensureSession(ctx, upstream)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := withTimeout(ctx, upstream.Timeout)
	defer cancel()

	switch kind {
	case mcpfed.KindTool:
		return session.CallTool(callCtx, &mcp.CallToolParams{Name: name, Arguments: args})
	case mcpfed.KindResource:
		return session.ReadResource(callCtx, &mcp.ReadResourceParams{URI: name})
	case mcpfed.KindPrompt:
		params := &mcp.GetPromptParams{Name: name}
		if m, ok := args.(map[string]string); ok && len(m) > 0 {
			params.Arguments = m
		}
		return session.GetPrompt(callCtx, params)
	default:
		return nil, fmt.Errorf("mcpcall: unsupported operation kind %q", kind)
	}
}

// ListCapabilities fans in the upstream's tool, resource, and prompt
// listings. Upstreams that do not implement a listing method contribute an
// empty slice for that kind rather than an error.
func (c *Client) ListCapabilities(ctx context.Context, upstream *mcpfed.Upstream) (*mcpfed.Capabilities, error) {
	session, err := c.ensureSession(ctx, upstream)
	if err != nil {
		return nil, err
	}
	listCtx, cancel := withTimeout(ctx, upstream.Timeout)
	defer cancel()

	caps := &mcpfed.Capabilities{}

	tools, err := session.ListTools(listCtx, nil)
	if err != nil && !isMethodUnavailable(err) {
		return nil, err
	}
	if tools != nil {
		for _, tool := range tools.Tools {
			caps.Tools = append(caps.Tools, tool.Name)
		}
	}

	resources, err := session.ListResources(listCtx, nil)
	if err != nil && !isMethodUnavailable(err) {
		return nil, err
	}
	if resources != nil {
		for _, res := range resources.Resources {
			caps.Resources = append(caps.Resources, res.URI)
		}
	}

	prompts, err := session.ListPrompts(listCtx, nil)
	if err != nil && !isMethodUnavailable(err) {
		return nil, err
	}
	if prompts != nil {
		for _, prompt := range prompts.Prompts {
			caps.Prompts = append(caps.Prompts, prompt.Name)
		}
	}

	return caps, nil
}

// Ping sends a protocol-level ping, dialing a session if needed. Suitable as
// a health probe.
func (c *Client) Ping(ctx context.Context, upstream *mcpfed.Upstream) error {
	session, err := c.ensureSession(ctx, upstream)
	if err != nil {
		return err
	}
	pingCtx, cancel := withTimeout(ctx, upstream.Timeout)
	defer cancel()
	if err := session.Ping(pingCtx, nil); err != nil {
		c.dropSession(upstream.URL)
		return err
	}
	return nil
}

// Close tears down every cached session. The client is unusable afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*mcp.ClientSession, 0, len(c.sessions))
	for _, us := range c.sessions {
		if us.session != nil {
			sessions = append(sessions, us.session)
		}
	}
	c.sessions = make(map[string]*upstreamSession)
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ensureSession returns the cached session for the upstream, dialing one if
// necessary. Concurrent callers for the same upstream share a single dial.
func (c *Client) ensureSession(ctx context.Context, upstream *mcpfed.Upstream) (*mcp.ClientSession, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("mcpcall: client closed")
		}
		us, ok := c.sessions[upstream.URL]
		if !ok {
			us = &upstreamSession{}
			c.sessions[upstream.URL] = us
		}
		if us.session != nil {
			session := us.session
			c.mu.Unlock()
			return session, nil
		}
		if us.connecting {
			ch := us.connectCh
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
				continue
			}
		}
		us.connecting = true
		us.connectCh = make(chan struct{})
		c.mu.Unlock()

		session, err := c.dial(ctx, upstream)

		c.mu.Lock()
		us.connecting = false
		close(us.connectCh)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		us.session = session
		c.mu.Unlock()
		go c.monitorSession(upstream.URL, session)
		return session, nil
	}
}

func (c *Client) dial(ctx context.Context, upstream *mcpfed.Upstream) (*mcp.ClientSession, error) {
	dialCtx, cancel := withTimeout(ctx, upstream.Timeout)
	defer cancel()

	impl := &mcp.Implementation{Name: c.opts.ClientName, Version: c.opts.ClientVersion}
	client := mcp.NewClient(impl, nil)
	transport := &mcp.StreamableClientTransport{
		Endpoint:   upstream.URL,
		HTTPClient: decorateHTTPClient(c.opts.HTTPClient, upstream.Headers),
	}
	session, err := client.Connect(dialCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpcall: dial %s: %w", upstream.URL, err)
	}
	return session, nil
}

// monitorSession forgets the cached session once it terminates so the next
// call redials.
func (c *Client) monitorSession(url string, session *mcp.ClientSession) {
	_ = session.Wait()
	c.mu.Lock()
	if us, ok := c.sessions[url]; ok && us.session == session {
		us.session = nil
	}
	c.mu.Unlock()
}

func (c *Client) dropSession(url string) {
	c.mu.Lock()
	us, ok := c.sessions[url]
	var session *mcp.ClientSession
	if ok {
		session = us.session
		us.session = nil
	}
	c.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// decorateHTTPClient clones the base client and injects the upstream's
// headers into every request.
func decorateHTTPClient(base *http.Client, headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return base
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: headers,
	}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers map[string]string
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

func isMethodUnavailable(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")
}
