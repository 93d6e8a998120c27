// Package scope maps agent archetypes to the tool identifiers they may
// invoke. Resolution is a pure function, safe to call on every spawn.
package scope

import (
	"sort"

	"github.com/donnahq/donna/pkg/models"
)

// DefaultBaseScopes is the built-in archetype capability matrix.
// Tool identifiers use the router's namespaced form.
var DefaultBaseScopes = map[models.Archetype][]string{
	models.ArchetypeResearch: {
		"memory__recall",
		"web__search",
		"web__fetch",
	},
	models.ArchetypeCoding: {
		"files__read",
		"files__write",
		"files__list",
		"shell__exec",
	},
	models.ArchetypeCommunication: {
		"memory__recall",
		"mail__draft",
		"mail__send",
		"calendar__list_events",
		"calendar__create_event",
	},
	models.ArchetypeGeneral: {
		"memory__recall",
		"web__search",
		"files__read",
	},
}

// DefaultReservedTools are orchestrator-only tools, unconditionally stripped
// from every sub-agent's resolved scope even when explicitly granted.
var DefaultReservedTools = []string{
	"orchestrator__spawn_agent",
	"orchestrator__modify_plan",
	"orchestrator__intervene",
}

// Registry is a static capability matrix with an orchestrator-only reserved set.
type Registry struct {
	base     map[models.Archetype][]string
	reserved map[string]struct{}
}

// NewRegistry creates a registry with the built-in matrix.
func NewRegistry() *Registry {
	return NewRegistryWith(DefaultBaseScopes, DefaultReservedTools)
}

// NewRegistryWith creates a registry from an explicit matrix and reserved set.
func NewRegistryWith(base map[models.Archetype][]string, reserved []string) *Registry {
	r := &Registry{
		base:     make(map[models.Archetype][]string, len(base)),
		reserved: make(map[string]struct{}, len(reserved)),
	}
	for archetype, tools := range base {
		r.base[archetype] = append([]string(nil), tools...)
	}
	for _, id := range reserved {
		r.reserved[id] = struct{}{}
	}
	return r
}

// BaseTools returns the base allow-list for an archetype.
// Unknown archetypes have an empty scope.
func (r *Registry) BaseTools(archetype models.Archetype) []string {
	return append([]string(nil), r.base[archetype]...)
}

// IsReserved returns true if the tool is orchestrator-only.
func (r *Registry) IsReserved(toolID string) bool {
	_, ok := r.reserved[toolID]
	return ok
}

// Resolve computes (base ∪ extras) \ reserved for an archetype.
// The reserved set is stripped even from explicitly granted extras; this is
// a safety invariant, not a default. The result is sorted and deduplicated.
func (r *Registry) Resolve(archetype models.Archetype, extras []string) []string {
	set := make(map[string]struct{})
	for _, id := range r.base[archetype] {
		set[id] = struct{}{}
	}
	for _, id := range extras {
		set[id] = struct{}{}
	}
	for id := range r.reserved {
		delete(set, id)
	}

	resolved := make([]string, 0, len(set))
	for id := range set {
		resolved = append(resolved, id)
	}
	sort.Strings(resolved)
	return resolved
}
