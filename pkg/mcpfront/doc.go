// Package mcpfront serves the federation's merged namespace as a single MCP
// server over Streamable HTTP. It registers every mapped tool, resource, and
// prompt from the gateway and forwards incoming requests to the owning
// upstream, recording successes and failures so the gateway's circuit
// breakers and connection counts stay accurate.
package mcpfront
