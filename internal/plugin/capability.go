package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"magpie-ai/internal/domain"
)

type toolEntry struct {
	tool  domain.Tool
	owner string
}

type commandEntry struct {
	command domain.Command
	owner   string
}

type providerEntry struct {
	provider    domain.Provider
	owner       string
	seq         uint64 // registration order, breaks priority ties
	initialized bool
}

// CapabilityRegistry is the shared store of tools, commands, and typed
// providers that plugins contribute and the host consumes. Every entry is
// tagged with its owning plugin id so teardown can remove exactly that
// plugin's entries. All methods are safe for concurrent use.
type CapabilityRegistry struct {
	mu        sync.RWMutex
	tools     map[string]toolEntry
	commands  map[string]commandEntry
	providers map[string]*providerEntry
	nextSeq   uint64
	logger    *slog.Logger
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry(logger *slog.Logger) *CapabilityRegistry {
	return &CapabilityRegistry{
		tools:     make(map[string]toolEntry),
		commands:  make(map[string]commandEntry),
		providers: make(map[string]*providerEntry),
		logger:    logger,
	}
}

// RegisterTool adds a tool owned by the given plugin id. Duplicate names are
// a hard error and do not mutate the registry.
func (r *CapabilityRegistry) RegisterTool(t domain.Tool, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if existing, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: tool %q already registered by plugin %q",
			domain.ErrDuplicate, name, existing.owner)
	}
	r.tools[name] = toolEntry{tool: t, owner: owner}
	return nil
}

// UnregisterTool removes a tool by name.
func (r *CapabilityRegistry) UnregisterTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("%w: tool %q", domain.ErrToolNotFound, name)
	}
	delete(r.tools, name)
	return nil
}

// Tool retrieves a tool by name.
func (r *CapabilityRegistry) Tool(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("CapabilityRegistry.Tool", domain.ErrToolNotFound, name)
	}
	return e.tool, nil
}

// Tools returns all registered tools.
func (r *CapabilityRegistry) Tools() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	return out
}

// RegisterCommand adds a command owned by the given plugin id.
func (r *CapabilityRegistry) RegisterCommand(c domain.Command, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if existing, exists := r.commands[name]; exists {
		return fmt.Errorf("%w: command %q already registered by plugin %q",
			domain.ErrDuplicate, name, existing.owner)
	}
	r.commands[name] = commandEntry{command: c, owner: owner}
	return nil
}

// UnregisterCommand removes a command by name.
func (r *CapabilityRegistry) UnregisterCommand(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; !exists {
		return fmt.Errorf("%w: command %q", domain.ErrCommandNotFound, name)
	}
	delete(r.commands, name)
	return nil
}

// Command retrieves a command by name.
func (r *CapabilityRegistry) Command(name string) (domain.Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.commands[name]
	if !ok {
		return nil, domain.NewDomainError("CapabilityRegistry.Command", domain.ErrCommandNotFound, name)
	}
	return e.command, nil
}

// Commands returns all registered commands.
func (r *CapabilityRegistry) Commands() []domain.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Command, 0, len(r.commands))
	for _, e := range r.commands {
		out = append(out, e.command)
	}
	return out
}

// RegisterProvider validates and initializes a provider, then inserts it
// owned by the given plugin id. The provider's Initialize runs before
// insertion: a failure aborts registration and the registry is unchanged.
func (r *CapabilityRegistry) RegisterProvider(ctx context.Context, p domain.Provider, owner string) error {
	if err := validateProviderContract(p); err != nil {
		return err
	}

	id := p.ID()

	// Duplicate pre-check before the potentially expensive Initialize.
	r.mu.RLock()
	_, exists := r.providers[id]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: provider %q", domain.ErrDuplicate, id)
	}

	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("%w: provider %q: %v", domain.ErrProviderInit, id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check after Initialize to handle a concurrent registration.
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("%w: provider %q", domain.ErrDuplicate, id)
	}

	r.nextSeq++
	r.providers[id] = &providerEntry{
		provider:    p,
		owner:       owner,
		seq:         r.nextSeq,
		initialized: true,
	}
	return nil
}

// UnregisterProvider removes a provider by id.
func (r *CapabilityRegistry) UnregisterProvider(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; !exists {
		return fmt.Errorf("%w: provider %q", domain.ErrProviderNotFound, id)
	}
	delete(r.providers, id)
	return nil
}

// ProvidersByType returns providers of the given type ordered by descending
// priority; equal priorities preserve registration order.
func (r *CapabilityRegistry) ProvidersByType(t domain.ProviderType) []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*providerEntry, 0, len(r.providers))
	for _, e := range r.providers {
		if e.provider.Type() == t {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		pi, pj := entries[i].provider.Priority(), entries[j].provider.Priority()
		if pi != pj {
			return pi > pj
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]domain.Provider, len(entries))
	for i, e := range entries {
		out[i] = e.provider
	}
	return out
}

// PrimaryProvider returns the highest-priority provider of the given type.
func (r *CapabilityRegistry) PrimaryProvider(t domain.ProviderType) (domain.Provider, error) {
	providers := r.ProvidersByType(t)
	if len(providers) == 0 {
		return nil, domain.NewDomainError("CapabilityRegistry.PrimaryProvider",
			domain.ErrProviderNotFound, string(t))
	}
	return providers[0], nil
}

// AllProviders returns every registered provider.
func (r *CapabilityRegistry) AllProviders() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Provider, 0, len(r.providers))
	for _, e := range r.providers {
		out = append(out, e.provider)
	}
	return out
}

// RemoveAllForPlugin removes every tool, command, and provider owned by the
// given plugin id and returns the number of removed entries.
func (r *CapabilityRegistry) RemoveAllForPlugin(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, e := range r.tools {
		if e.owner == owner {
			delete(r.tools, name)
			removed++
		}
	}
	for name, e := range r.commands {
		if e.owner == owner {
			delete(r.commands, name)
			removed++
		}
	}
	for id, e := range r.providers {
		if e.owner == owner {
			delete(r.providers, id)
			removed++
		}
	}
	return removed
}

// validateProviderContract checks that the provider implements the methods
// its declared type requires: llm needs Chat or Complete, embedding needs
// Embed, search needs Search.
func validateProviderContract(p domain.Provider) error {
	switch p.Type() {
	case domain.ProviderLLM:
		_, chat := p.(domain.ChatProvider)
		_, complete := p.(domain.CompletionProvider)
		if !chat && !complete {
			return fmt.Errorf("%w: llm provider %q implements neither Chat nor Complete",
				domain.ErrInvalidInput, p.ID())
		}
	case domain.ProviderEmbedding:
		if _, ok := p.(domain.EmbeddingProvider); !ok {
			return fmt.Errorf("%w: embedding provider %q does not implement Embed",
				domain.ErrInvalidInput, p.ID())
		}
	case domain.ProviderSearch:
		if _, ok := p.(domain.SearchProvider); !ok {
			return fmt.Errorf("%w: search provider %q does not implement Search",
				domain.ErrInvalidInput, p.ID())
		}
	default:
		return fmt.Errorf("%w: unknown provider type %q", domain.ErrInvalidInput, p.Type())
	}
	return nil
}
