// Package mcpfed federates multiple upstream MCP servers behind a single
// logical gateway. It tracks each upstream's health and circuit state,
// balances load across the upstreams that can currently serve traffic, and
// merges their tool, resource, and prompt listings into one prefixed
// namespace. The package owns no network I/O of its own: remote calls and
// capability queries are delegated to a Caller supplied by the embedding
// application, and probe transports are injected the same way.
package mcpfed
