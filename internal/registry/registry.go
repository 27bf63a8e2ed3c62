// Package registry collects the tools, prompts and resources the process
// itself declares in code. Modules register their capabilities at startup;
// the sync pipeline scans the registry and reconciles the relational store
// against it, and the request router dispatches internal calls to the
// registered handlers.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"compass/internal/store"
	"compass/pkg/logging"
)

// ToolRegistration is one internally declared tool: its MCP descriptor, the
// classification hints and the handler the router invokes.
type ToolRegistration struct {
	Tool          mcp.Tool
	Category      string
	SecurityLevel store.SecurityLevel
	Handler       server.ToolHandlerFunc
}

// PromptRegistration is one internally declared prompt.
type PromptRegistration struct {
	Prompt  mcp.Prompt
	Handler server.PromptHandlerFunc
}

// ResourceRegistration is one internally declared resource.
type ResourceRegistration struct {
	Resource mcp.Resource
	Handler  server.ResourceHandlerFunc
}

// Registry is the in-memory set of internal capabilities. Registrations
// normally happen during startup, but the registry is safe for concurrent
// use and emits a coalescing update notification so the protocol layer can
// follow later changes.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]ToolRegistration
	prompts   map[string]PromptRegistration
	resources map[string]ResourceRegistration

	// Buffered so notification never blocks a registration; a pending
	// signal coalesces any number of updates.
	updateChan chan struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:      make(map[string]ToolRegistration),
		prompts:    make(map[string]PromptRegistration),
		resources:  make(map[string]ResourceRegistration),
		updateChan: make(chan struct{}, 1),
	}
}

// RegisterTool adds an internal tool. Names are unique within the process.
func (r *Registry) RegisterTool(reg ToolRegistration) error {
	if reg.Tool.Name == "" {
		return fmt.Errorf("tool registration requires a name")
	}
	if reg.Handler == nil {
		return fmt.Errorf("tool %q registration requires a handler", reg.Tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[reg.Tool.Name]; exists {
		return fmt.Errorf("tool %q already registered", reg.Tool.Name)
	}
	if reg.SecurityLevel == "" {
		reg.SecurityLevel = store.SecurityLow
	}
	r.tools[reg.Tool.Name] = reg
	r.notifyUpdate()
	logging.Debug("Registry", "Registered internal tool %s", reg.Tool.Name)
	return nil
}

// RegisterPrompt adds an internal prompt.
func (r *Registry) RegisterPrompt(reg PromptRegistration) error {
	if reg.Prompt.Name == "" {
		return fmt.Errorf("prompt registration requires a name")
	}
	if reg.Handler == nil {
		return fmt.Errorf("prompt %q registration requires a handler", reg.Prompt.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[reg.Prompt.Name]; exists {
		return fmt.Errorf("prompt %q already registered", reg.Prompt.Name)
	}
	r.prompts[reg.Prompt.Name] = reg
	r.notifyUpdate()
	logging.Debug("Registry", "Registered internal prompt %s", reg.Prompt.Name)
	return nil
}

// RegisterResource adds an internal resource.
func (r *Registry) RegisterResource(reg ResourceRegistration) error {
	if reg.Resource.Name == "" {
		return fmt.Errorf("resource registration requires a name")
	}
	if reg.Handler == nil {
		return fmt.Errorf("resource %q registration requires a handler", reg.Resource.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[reg.Resource.Name]; exists {
		return fmt.Errorf("resource %q already registered", reg.Resource.Name)
	}
	r.resources[reg.Resource.Name] = reg
	r.notifyUpdate()
	logging.Debug("Registry", "Registered internal resource %s", reg.Resource.Name)
	return nil
}

// Tools returns all registered tools sorted by name.
func (r *Registry) Tools() []ToolRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolRegistration, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool.Name < out[j].Tool.Name })
	return out
}

// Prompts returns all registered prompts sorted by name.
func (r *Registry) Prompts() []PromptRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PromptRegistration, 0, len(r.prompts))
	for _, reg := range r.prompts {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prompt.Name < out[j].Prompt.Name })
	return out
}

// Resources returns all registered resources sorted by name.
func (r *Registry) Resources() []ResourceRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ResourceRegistration, 0, len(r.resources))
	for _, reg := range r.resources {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource.Name < out[j].Resource.Name })
	return out
}

// ToolHandler resolves the handler for an internal tool call.
func (r *Registry) ToolHandler(name string) (server.ToolHandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.Handler, true
}

// GetTool returns the full registration for an internal tool.
func (r *Registry) GetTool(name string) (ToolRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// PromptHandler resolves the handler for an internal prompt.
func (r *Registry) PromptHandler(name string) (server.PromptHandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.prompts[name]
	if !ok {
		return nil, false
	}
	return reg.Handler, true
}

// GetPrompt returns the full registration for an internal prompt.
func (r *Registry) GetPrompt(name string) (PromptRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.prompts[name]
	return reg, ok
}

// ResourceHandler resolves the handler for an internal resource by name.
func (r *Registry) ResourceHandler(name string) (server.ResourceHandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.resources[name]
	if !ok {
		return nil, false
	}
	return reg.Handler, true
}

// GetResource returns the full registration for an internal resource.
func (r *Registry) GetResource(name string) (ResourceRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.resources[name]
	return reg, ok
}

// UpdateChannel delivers a signal after registrations change. Multiple
// changes may coalesce into one signal.
func (r *Registry) UpdateChannel() <-chan struct{} {
	return r.updateChan
}

// notifyUpdate is called with the lock held.
func (r *Registry) notifyUpdate() {
	select {
	case r.updateChan <- struct{}{}:
	default:
	}
}
