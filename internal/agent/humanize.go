package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/darcyhq/stella/internal/tools"
)

// UnknownName is rendered when an identifier cannot be resolved.
// Humanization fails closed: a missing cache entry never aborts a
// confirmation, it just shows this placeholder.
const UnknownName = "Unknown"

// MemberResolver resolves an opaque member identifier to a display
// name. The roster store satisfies this.
type MemberResolver interface {
	MemberName(id string) (string, bool)
}

// Humanizer owns the per-session lookup cache and rewrites opaque
// identifiers in tool arguments into human-readable names before a
// confirmation prompt is shown. It is private, single-session state;
// the mutex only exists because the web dashboard may peek at cache
// sizes.
type Humanizer struct {
	mu      sync.Mutex
	caches  map[string]map[string]string // cache key → id → name
	members MemberResolver

	// rules maps tool name → argument key → cache key. An empty cache
	// key means the argument resolves through the member resolver.
	rules map[string]map[string]string
}

// NewHumanizer creates a humanizer with no rules. members may be nil.
func NewHumanizer(members MemberResolver) *Humanizer {
	return &Humanizer{
		caches:  make(map[string]map[string]string),
		members: members,
		rules:   make(map[string]map[string]string),
	}
}

// Rule declares that argument argKey of tool toolName holds an
// identifier resolvable through the named lookup cache.
func (h *Humanizer) Rule(toolName, argKey, cacheKey string) {
	if h.rules[toolName] == nil {
		h.rules[toolName] = make(map[string]string)
	}
	h.rules[toolName][argKey] = cacheKey
}

// MemberRule declares that argument argKey of tool toolName holds a
// member identifier resolvable through the roster.
func (h *Humanizer) MemberRule(toolName, argKey string) {
	h.Rule(toolName, argKey, "")
}

// Store records a list-call result in the lookup cache under key.
// The raw tool output is parsed as either {"id": "name"} or
// {"id": {"name": ...}}; unparseable output is ignored so a
// misbehaving tool cannot break later humanization.
func (h *Humanizer) Store(key, rawResult string) {
	entries := parseLookup(rawResult)
	if len(entries) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.caches[key] = entries
}

// Lookup resolves an identifier through the named cache, falling back
// to UnknownName.
func (h *Humanizer) Lookup(cacheKey, id string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if name, ok := h.caches[cacheKey][id]; ok {
		return name
	}
	return UnknownName
}

// CachedCount returns the number of entries cached under key.
func (h *Humanizer) CachedCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.caches[key])
}

// Humanize returns a copy of args with every rule-matched identifier
// replaced by its display name. Arguments without rules pass through
// untouched.
func (h *Humanizer) Humanize(toolName string, args map[string]any) map[string]any {
	toolRules := h.rules[toolName]
	out := make(map[string]any, len(args))
	for k, v := range args {
		cacheKey, ruled := toolRules[k]
		if !ruled {
			out[k] = v
			continue
		}
		id, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if cacheKey == "" {
			if h.members != nil {
				if name, found := h.members.MemberName(id); found {
					out[k] = name
					continue
				}
			}
			out[k] = UnknownName
			continue
		}
		out[k] = h.Lookup(cacheKey, id)
	}
	return out
}

// Prompt renders the confirmation prompt for a gated tool call with
// humanized arguments, in deterministic key order.
func (h *Humanizer) Prompt(toolName string, args map[string]any) string {
	humanized := h.Humanize(toolName, args)
	var b strings.Builder
	fmt.Fprintf(&b, "Stella wants to run %s", describeTool(toolName))
	if len(humanized) > 0 {
		b.WriteString(" with ")
		keys := tools.SortedKeys(humanized)
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %v", k, humanized[k])
		}
	}
	b.WriteString(". Approve?")
	return b.String()
}

// describeTool turns a tool name into a short verb phrase.
func describeTool(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// parseLookup extracts id→name pairs from a list-style tool result.
func parseLookup(raw string) map[string]string {
	// Flat form: {"id": "name"}.
	flat := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &flat); err == nil && len(flat) > 0 {
		return flat
	}

	// Nested form: {"id": {"name": "...", ...}}.
	nested := map[string]map[string]any{}
	if err := json.Unmarshal([]byte(raw), &nested); err != nil {
		return nil
	}
	out := make(map[string]string, len(nested))
	for id, fields := range nested {
		if name, ok := fields["name"].(string); ok {
			out[id] = name
		}
	}
	return out
}
