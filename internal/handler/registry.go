// Package handler provides the dispatch table that maps (agent, action)
// pairs to types.Handler implementations (spec.md §4.5), plus the
// built-in handlers sdlcflow ships out of the box.
package handler

import (
	"fmt"
	"sync"

	sdlcerrors "github.com/sdlcflow/sdlcflow/internal/errors"
	"github.com/sdlcflow/sdlcflow/internal/types"
)

// key is the (agent, action) dispatch key.
type key struct {
	agent  string
	action string
}

// Registry is a concurrency-safe (agent, action) -> Handler dispatch
// table. The scheduler core only ever depends on types.Handler; Registry
// is how a caller wires concrete implementations (shell scripts, RPC
// clients, in-process stubs for tests) into that contract.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]types.Handler
	// fallback is consulted when no exact (agent, action) match exists,
	// letting a caller register one handler for every action a given
	// agent can perform (e.g. a single shell-script dispatcher).
	fallback map[string]types.Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[key]types.Handler),
		fallback: make(map[string]types.Handler),
	}
}

// BuiltinAgents names the eleven SDLC role identifiers the registry ships
// fallback dispatch for out of the box (spec.md §4.5). A step may name
// any other agent string too — BuiltinAgents only seeds NewDefaultRegistry's
// fallback table, it is not a closed set the dispatcher enforces.
var BuiltinAgents = []string{
	"reviewer", "implementer", "tester", "architect", "planner",
	"designer", "analyst", "ops", "documenter", "debugger", "orchestrator",
}

// NewDefaultRegistry returns a Registry with DynamicShellHandler wired as
// the fallback for every BuiltinAgents identifier, so a workflow that
// declares one of the built-in SDLC roles and supplies a
// `parameters.command` string on each step is runnable without any
// further handler wiring. Callers with concrete agent integrations
// (spec.md §1's Non-goals explicitly leave those out of this module)
// call Register to override any of these per (agent, action) before use.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	shell := &DynamicShellHandler{}
	for _, agent := range BuiltinAgents {
		r.RegisterFallback(agent, shell)
	}
	return r
}

// Register wires h to handle every (agent, action) invocation.
func (r *Registry) Register(agent, action string, h types.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key{agent, action}] = h
}

// RegisterFallback wires h to handle any action for agent that has no
// exact registration.
func (r *Registry) RegisterFallback(agent string, h types.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback[agent] = h
}

// Dispatch looks up the handler for (agent, action), exact match first,
// then the agent's fallback, returning sdlcerrors.HandlerNotRegistered if
// neither is wired.
func (r *Registry) Dispatch(agent, action string) (types.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[key{agent, action}]; ok {
		return h, nil
	}
	if h, ok := r.fallback[agent]; ok {
		return h, nil
	}
	return nil, sdlcerrors.HandlerNotRegistered(agent, action)
}

// RegisteredAgents returns the set of agents with at least one
// registration (exact or fallback), for CLI introspection.
func (r *Registry) RegisteredAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for k := range r.handlers {
		seen[k.agent] = true
	}
	for a := range r.fallback {
		seen[a] = true
	}
	agents := make([]string, 0, len(seen))
	for a := range seen {
		agents = append(agents, a)
	}
	return agents
}

// String implements fmt.Stringer for debug logging.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Registry{%d exact, %d fallback}", len(r.handlers), len(r.fallback))
}
