package mcpfed

import "context"

// Kind identifies which class of MCP operation a call targets.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Capabilities is an upstream's raw listing: tool names, resource URIs, and
// prompt names, before any prefixing.
type Capabilities struct {
	Tools     []string
	Resources []string
	Prompts   []string
}

// Caller issues remote operations against a single upstream. Implementations
// own the transport, the per-call timeout, and the retry behavior declared on
// the upstream; the gateway never performs network I/O itself.
type Caller interface {
	// Call invokes the named tool, resource, or prompt on the upstream with
	// the given arguments.
	Call(ctx context.Context, upstream *Upstream, kind Kind, name string, args any) (any, error)
	// ListCapabilities fetches the upstream's current listing.
	ListCapabilities(ctx context.Context, upstream *Upstream) (*Capabilities, error)
}
