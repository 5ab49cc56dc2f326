package mcpfed

import "sync"

// MappingEntry binds one public (prefixed) identifier to the upstream that
// serves it and the identifier the upstream knows it by.
type MappingEntry struct {
	PublicName   string
	UpstreamURL  string
	OriginalName string
}

// capabilityIndex holds the merged tool, resource, and prompt namespaces.
// Rebuilds replace an upstream's entries as a set under one lock, so readers
// never observe a partially refreshed upstream. Public-name collisions across
// upstreams resolve to the last-registered entry; operators are expected to
// configure disjoint prefixes.
type capabilityIndex struct {
	mu        sync.RWMutex
	tools     []MappingEntry
	resources []MappingEntry
	prompts   []MappingEntry
}

func newCapabilityIndex() *capabilityIndex {
	return &capabilityIndex{}
}

// replaceUpstream swaps every entry for the upstream across all three kinds
// in a single critical section.
func (ci *capabilityIndex) replaceUpstream(url string, tools, resources, prompts []MappingEntry) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.tools = replaceEntries(ci.tools, url, tools)
	ci.resources = replaceEntries(ci.resources, url, resources)
	ci.prompts = replaceEntries(ci.prompts, url, prompts)
}

func (ci *capabilityIndex) lookupTool(public string) (MappingEntry, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return lookupEntry(ci.tools, public)
}

func (ci *capabilityIndex) lookupResource(public string) (MappingEntry, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return lookupEntry(ci.resources, public)
}

func (ci *capabilityIndex) lookupPrompt(public string) (MappingEntry, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return lookupEntry(ci.prompts, public)
}

func (ci *capabilityIndex) toolMapping() []MappingEntry {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return append([]MappingEntry(nil), ci.tools...)
}

func (ci *capabilityIndex) resourceMapping() []MappingEntry {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return append([]MappingEntry(nil), ci.resources...)
}

func (ci *capabilityIndex) promptMapping() []MappingEntry {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return append([]MappingEntry(nil), ci.prompts...)
}

func replaceEntries(entries []MappingEntry, url string, added []MappingEntry) []MappingEntry {
	kept := make([]MappingEntry, 0, len(entries)+len(added))
	for _, e := range entries {
		if e.UpstreamURL != url {
			kept = append(kept, e)
		}
	}
	return append(kept, added...)
}

// lookupEntry scans from the end so the last-registered entry wins on
// collisions.
func lookupEntry(entries []MappingEntry, public string) (MappingEntry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].PublicName == public {
			return entries[i], true
		}
	}
	return MappingEntry{}, false
}

// prefixEntries applies an upstream's prefix verbatim to each original name.
func prefixEntries(url, prefix string, names []string) []MappingEntry {
	out := make([]MappingEntry, 0, len(names))
	for _, name := range names {
		out = append(out, MappingEntry{
			PublicName:   prefix + name,
			UpstreamURL:  url,
			OriginalName: name,
		})
	}
	return out
}
