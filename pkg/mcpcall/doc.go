// Package mcpcall implements the remote-call collaborator the federation
// gateway delegates to. It keeps one cached MCP client session per upstream
// URL over Streamable HTTP, applies each upstream's headers, timeout, and
// retry budget to outbound calls, and exposes capability listings in the
// shape the gateway's mapper consumes. Sessions that drop are redialed on the
// next use.
package mcpcall
