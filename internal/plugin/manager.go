// Package plugin implements the plugin subsystem: manifest validation, the
// permission model, discovery, the capability registry, and the manager
// driving each plugin's lifecycle through its isolation boundary.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"magpie-ai/internal/domain"
	"magpie-ai/internal/infra/config"
	"magpie-ai/internal/infra/tracer"
	"magpie-ai/internal/plugin/wasm"
)

// WasmFileName is the compiled module a plugin package ships next to its
// manifest.
const WasmFileName = "plugin.wasm"

// runner is an activated plugin's execution handle.
type runner interface {
	// deactivate asks the plugin to wind down gracefully.
	deactivate(ctx context.Context) error
	// terminate reclaims the plugin's resources unconditionally.
	terminate(ctx context.Context) error
}

type boundaryRunner struct{ b *wasm.Boundary }

func (r *boundaryRunner) deactivate(ctx context.Context) error { return r.b.Deactivate(ctx) }
func (r *boundaryRunner) terminate(ctx context.Context) error  { return r.b.Terminate(ctx) }

type inProcessRunner struct{ p domain.InProcessPlugin }

func (r *inProcessRunner) deactivate(context.Context) error { return r.p.Deactivate() }
func (r *inProcessRunner) terminate(context.Context) error  { return nil }

// transportFactory builds the boundary transport for one plugin. Swappable
// so tests can run the full activation flow without compiled wasm.
type transportFactory func(name string, wasmBytes []byte, sb *wasm.Sandbox, logger *slog.Logger) wasm.Transport

// Manager owns the plugin records, drives the lifecycle state machine, and
// relays capability registrations into the shared registry.
type Manager struct {
	cfg      config.PluginsConfig
	root     string // resolved absolute plugin root, "" when unset
	registry *CapabilityRegistry
	bus      domain.EventBus
	state    *StateStore
	logger   *slog.Logger

	newTransport transportFactory
	progress     ProgressFunc

	mu        sync.Mutex
	records   map[string]*domain.PluginRecord
	runners   map[string]runner
	factories map[string]domain.InProcessFactory
}

// NewManager builds a manager over the given registry and event bus. When
// cfg.StatePath is set, desired activation state is persisted there and
// consulted during discovery.
func NewManager(cfg config.PluginsConfig, registry *CapabilityRegistry, bus domain.EventBus, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:          cfg,
		registry:     registry,
		bus:          bus,
		logger:       logger.With("component", "plugin-manager"),
		newTransport: func(name string, wasmBytes []byte, sb *wasm.Sandbox, l *slog.Logger) wasm.Transport {
			return wasm.NewModuleTransport(name, wasmBytes, sb, l)
		},
		records:   make(map[string]*domain.PluginRecord),
		runners:   make(map[string]runner),
		factories: make(map[string]domain.InProcessFactory),
	}

	if cfg.Dir != "" {
		root, err := filepath.Abs(cfg.Dir)
		if err != nil {
			return nil, domain.WrapOp("resolve plugin root", err)
		}
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			root = resolved
		}
		m.root = root
	}

	if cfg.StatePath != "" {
		store, err := NewStateStore(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		m.state = store
	}
	return m, nil
}

// SetProgress installs a callback for discovery and activation phase
// progress. Must be set before Discover or ActivatePlugin runs.
func (m *Manager) SetProgress(fn ProgressFunc) { m.progress = fn }

// Registry exposes the shared capability registry.
func (m *Manager) Registry() *CapabilityRegistry { return m.registry }

// RegisterInProcessFactory registers a trusted, compiled-in plugin
// implementation for the given manifest id. Non-isolated manifests activate
// only through a factory registered here, and only when the unsafe mode is
// enabled in config.
func (m *Manager) RegisterInProcessFactory(id string, f domain.InProcessFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[id] = f
}

// Discover scans the plugin root and loads every candidate directory with
// bounded parallelism. One plugin's failure never blocks another's load.
func (m *Manager) Discover(ctx context.Context) domain.DiscoveryResult {
	ctx, span := tracer.StartSpan(ctx, "plugin.discover")
	defer span.End()

	dirs, err := discoverDirs(m.root)
	if err != nil {
		m.logger.Error("plugin discovery failed", "error", err)
		tracer.RecordError(span, err)
		return domain.DiscoveryResult{}
	}

	result := runDiscovery(ctx, dirs, m.cfg.DiscoveryPar, m.LoadPlugin, m.progress)
	m.logger.Info("plugin discovery complete",
		"total", result.Total, "loaded", result.Loaded, "failed", result.Failed)
	tracer.SetOK(span)
	return result
}

// LoadPlugin validates and records the plugin package at path. It returns
// false on any failure; no partial state is left behind. When auto-activation
// is enabled the plugin is activated immediately after loading, and an
// activation failure also counts as a load failure.
func (m *Manager) LoadPlugin(ctx context.Context, path string) bool {
	ctx, span := tracer.StartSpan(ctx, "plugin.load")
	defer span.End()

	id, err := m.load(ctx, path)
	if err != nil {
		m.logger.Error("plugin load failed", "path", path, "error", err,
			"code", string(domain.ErrorCodeOf(err)))
		tracer.RecordError(span, err)
		return false
	}

	m.emit(ctx, domain.EventPluginLoaded, map[string]any{"plugin_id": id, "path": path})
	tracer.SetOK(span)

	if m.cfg.AutoActivate && m.desired(id) {
		if err := m.ActivatePlugin(ctx, id); err != nil {
			return false
		}
	}
	return true
}

func (m *Manager) load(ctx context.Context, path string) (string, error) {
	dir, err := m.resolveInsideRoot(path)
	if err != nil {
		return "", err
	}

	raw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return "", domain.WrapOp("read manifest", err)
	}

	manifest, err := ParseManifest(raw)
	if err != nil {
		return "", err
	}

	if err := CheckLoadable(manifest); err != nil {
		return "", err
	}
	isolated := IsolationRequired(manifest, Policy{ForceIsolation: m.cfg.ForceIsolation})

	if isolated {
		if _, err := os.Stat(filepath.Join(dir, WasmFileName)); err != nil {
			return "", fmt.Errorf("%w: missing %s", domain.ErrInvalidInput, WasmFileName)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[manifest.ID]; exists {
		return "", fmt.Errorf("%w: plugin %q already loaded", domain.ErrDuplicate, manifest.ID)
	}
	m.records[manifest.ID] = &domain.PluginRecord{
		Manifest: manifest,
		Status:   domain.StatusLoaded,
		Path:     dir,
		Isolated: isolated,
	}
	m.logger.Info("plugin loaded", "plugin_id", manifest.ID,
		"version", manifest.Version, "isolated", isolated)
	return manifest.ID, nil
}

// resolveInsideRoot normalizes path and rejects anything that escapes the
// plugin root, including through symlinks.
func (m *Manager) resolveInsideRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", domain.WrapOp("resolve plugin path", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if m.root != "" {
		rel, err := filepath.Rel(m.root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s", domain.ErrPathOutsideRoot, path)
		}
	}
	return abs, nil
}

// ActivatePlugin drives one plugin from loaded (or disabled, or error) to
// active. Re-activating an already-active plugin is a no-op success. A
// failure is local to the plugin: status goes to error, the cause is
// retained on the record, and every registration it managed to make is
// removed.
func (m *Manager) ActivatePlugin(ctx context.Context, id string) error {
	ctx, span := tracer.StartSpan(ctx, "plugin.activate")
	defer span.End()

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: plugin %q", domain.ErrNotFound, id)
	}
	switch rec.Status {
	case domain.StatusActive:
		m.mu.Unlock()
		return nil
	case domain.StatusActivating, domain.StatusDeactivating:
		m.mu.Unlock()
		return fmt.Errorf("%w: plugin %q is %s", domain.ErrInvalidInput, id, rec.Status)
	}
	rec.Status = domain.StatusActivating
	rec.Err = nil
	isolated := rec.Isolated
	dir := rec.Path
	manifest := rec.Manifest
	m.mu.Unlock()

	var (
		run runner
		err error
	)
	if isolated {
		run, err = m.activateIsolated(ctx, manifest, dir)
	} else {
		run, err = m.activateInProcess(ctx, manifest)
	}

	if err != nil {
		m.failActivation(ctx, id, err)
		tracer.RecordError(span, err)
		return fmt.Errorf("activate plugin %q: %w", id, err)
	}

	m.mu.Lock()
	rec.Status = domain.StatusActive
	rec.Err = nil
	m.runners[id] = run
	m.mu.Unlock()

	m.persistDesired(id, true)
	m.logger.Info("plugin activated", "plugin_id", id)
	m.emit(ctx, domain.EventPluginActivated, map[string]any{"plugin_id": id})
	tracer.SetOK(span)
	return nil
}

func (m *Manager) activateIsolated(ctx context.Context, manifest domain.PluginManifest, dir string) (runner, error) {
	id := manifest.ID
	m.reportPhase(id, "initializing-worker")

	wasmBytes, err := os.ReadFile(filepath.Join(dir, WasmFileName))
	if err != nil {
		return nil, domain.WrapOp("read plugin module", err)
	}

	dataDir, err := m.ensureDataDir(id)
	if err != nil {
		return nil, err
	}
	cfg := ResolveConfig(manifest, m.cfg.ConfigDir, m.logger)

	sb := wasm.NewSandbox(BlockedModules(manifest.Permissions), wasm.Limits{
		MaxMemoryMB: m.cfg.MaxMemoryMB,
		CallTimeout: m.cfg.ExecTimeout,
	})
	transport := m.newTransport(id, wasmBytes, sb, m.logger.With("plugin_id", id))

	// Provider registration is deferred until the activate call returns:
	// initializing a boundary provider calls back into the guest, which is
	// still executing the activate call at registration time.
	var (
		pendingMu   sync.Mutex
		pendingProv []wasm.ProviderSpec
	)

	var boundary *wasm.Boundary
	events := wasm.Events{
		OnRegisterTool: func(spec wasm.ToolSpec) error {
			if spec.Name == "" {
				return fmt.Errorf("%w: tool name is required", domain.ErrInvalidInput)
			}
			return m.registry.RegisterTool(&boundaryTool{spec: spec, caller: boundary}, id)
		},
		OnRegisterCommand: func(spec wasm.CommandSpec) error {
			if spec.Name == "" {
				return fmt.Errorf("%w: command name is required", domain.ErrInvalidInput)
			}
			return m.registry.RegisterCommand(&boundaryCommand{spec: spec, caller: boundary}, id)
		},
		OnRegisterProvider: func(spec wasm.ProviderSpec) error {
			if spec.ID == "" {
				return fmt.Errorf("%w: provider id is required", domain.ErrInvalidInput)
			}
			pendingMu.Lock()
			pendingProv = append(pendingProv, spec)
			pendingMu.Unlock()
			return nil
		},
		OnLog: func(level, message string) {
			m.relayGuestLog(ctx, id, level, message)
		},
		OnExit: func(err error) {
			if err == nil {
				return
			}
			m.handleCrash(context.WithoutCancel(ctx), id, err)
		},
	}
	boundary = wasm.NewBoundary(transport, events, sb.CallTimeout(), m.logger.With("plugin_id", id))

	fail := func(err error) (runner, error) {
		_ = boundary.Terminate(context.WithoutCancel(ctx))
		return nil, err
	}

	if err := boundary.Start(ctx, wasm.InitPayload{
		PluginID:       id,
		DataDir:        dataDir,
		Config:         cfg,
		BlockedModules: sb.BlockedList(),
	}); err != nil {
		return fail(err)
	}

	m.reportPhase(id, "activating")
	if err := boundary.Activate(ctx); err != nil {
		return fail(err)
	}
	if err := boundary.RegistrationError(); err != nil {
		return fail(err)
	}

	pendingMu.Lock()
	providers := pendingProv
	pendingMu.Unlock()
	for _, spec := range providers {
		p := &boundaryProvider{spec: spec, caller: boundary}
		if err := m.registry.RegisterProvider(ctx, p, id); err != nil {
			return fail(err)
		}
	}
	return &boundaryRunner{b: boundary}, nil
}

func (m *Manager) activateInProcess(ctx context.Context, manifest domain.PluginManifest) (runner, error) {
	id := manifest.ID
	if !m.cfg.AllowUnsafe {
		return nil, fmt.Errorf("%w: plugin %q opted out of isolation", domain.ErrUnsafeNotAllowed, id)
	}

	m.mu.Lock()
	factory, ok := m.factories[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no in-process implementation registered for %q", domain.ErrNotFound, id)
	}

	m.logger.Warn("activating plugin WITHOUT isolation, it shares the host process",
		"plugin_id", id)

	dataDir, err := m.ensureDataDir(id)
	if err != nil {
		return nil, err
	}

	p, err := factory()
	if err != nil {
		return nil, domain.WrapOp("construct in-process plugin", err)
	}

	pctx := domain.PluginContext{
		PluginID: id,
		Logger:   m.logger.With("plugin_id", id),
		Config:   ResolveConfig(manifest, m.cfg.ConfigDir, m.logger),
		DataDir:  dataDir,
		RegisterTool: func(t domain.Tool) error {
			return m.registry.RegisterTool(t, id)
		},
		RegisterCommand: func(c domain.Command) error {
			return m.registry.RegisterCommand(c, id)
		},
		RegisterProvider: func(p domain.Provider) error {
			return m.registry.RegisterProvider(ctx, p, id)
		},
	}
	if err := p.Activate(pctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrActivationFailed, err)
	}
	return &inProcessRunner{p: p}, nil
}

func (m *Manager) failActivation(ctx context.Context, id string, cause error) {
	removed := m.registry.RemoveAllForPlugin(id)

	m.mu.Lock()
	if rec, ok := m.records[id]; ok {
		rec.Status = domain.StatusError
		rec.Err = cause
	}
	delete(m.runners, id)
	m.mu.Unlock()

	m.logger.Error("plugin activation failed", "plugin_id", id, "error", cause,
		"code", string(domain.ErrorCodeOf(cause)), "registrations_removed", removed)
	m.emit(ctx, domain.EventPluginActivationFailed,
		map[string]any{"plugin_id": id, "error": cause.Error()})
}

// handleCrash cleans up after a guest dies outside the deactivation path.
// The boundary has already torn itself down by the time this runs; what is
// left is the host-side state: registrations, the runner handle, and the
// record, which keeps the crash cause.
func (m *Manager) handleCrash(ctx context.Context, id string, cause error) {
	removed := m.registry.RemoveAllForPlugin(id)

	m.mu.Lock()
	if rec, ok := m.records[id]; ok {
		rec.Status = domain.StatusError
		rec.Err = cause
	}
	delete(m.runners, id)
	m.mu.Unlock()

	m.logger.Error("plugin crashed", "plugin_id", id, "error", cause,
		"registrations_removed", removed)
	m.emit(ctx, domain.EventPluginCrashed,
		map[string]any{"plugin_id": id, "error": cause.Error()})
}

// DeactivatePlugin winds one plugin down. A plugin that is not active is a
// no-op. The graceful deactivate call is best effort; the boundary is
// terminated and owned registrations are removed regardless of its outcome.
func (m *Manager) DeactivatePlugin(ctx context.Context, id string) error {
	ctx, span := tracer.StartSpan(ctx, "plugin.deactivate")
	defer span.End()

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: plugin %q", domain.ErrNotFound, id)
	}
	if rec.Status != domain.StatusActive {
		m.mu.Unlock()
		return nil
	}
	rec.Status = domain.StatusDeactivating
	run := m.runners[id]
	m.mu.Unlock()

	if run != nil {
		if err := run.deactivate(ctx); err != nil {
			m.logger.Warn("graceful deactivate failed, terminating anyway",
				"plugin_id", id, "error", err)
		}
		if err := run.terminate(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("boundary terminate reported an error", "plugin_id", id, "error", err)
		}
	}

	removed := m.registry.RemoveAllForPlugin(id)

	m.mu.Lock()
	rec.Status = domain.StatusDisabled
	delete(m.runners, id)
	m.mu.Unlock()

	m.persistDesired(id, false)
	m.logger.Info("plugin deactivated", "plugin_id", id, "registrations_removed", removed)
	m.emit(ctx, domain.EventPluginDeactivated, map[string]any{"plugin_id": id})
	tracer.SetOK(span)
	return nil
}

// UnloadPlugin deactivates the plugin if needed and drops its record.
func (m *Manager) UnloadPlugin(ctx context.Context, id string) error {
	if err := m.DeactivatePlugin(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()

	if m.state != nil {
		if err := m.state.Forget(id); err != nil {
			m.logger.Warn("failed to drop persisted plugin state", "plugin_id", id, "error", err)
		}
	}
	m.logger.Info("plugin unloaded", "plugin_id", id)
	m.emit(ctx, domain.EventPluginUnloaded, map[string]any{"plugin_id": id})
	return nil
}

// GetPlugin returns a copy of the record for id.
func (m *Manager) GetPlugin(id string) (domain.PluginRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return domain.PluginRecord{}, false
	}
	return *rec, true
}

// GetAllPlugins returns copies of every record, in no particular order.
func (m *Manager) GetAllPlugins() []domain.PluginRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PluginRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// Provider surface re-exported for host code that should not reach into the
// registry directly.

func (m *Manager) RegisterProvider(ctx context.Context, p domain.Provider, ownerID string) error {
	return m.registry.RegisterProvider(ctx, p, ownerID)
}

func (m *Manager) UnregisterProvider(id string) error {
	return m.registry.UnregisterProvider(id)
}

func (m *Manager) GetProvidersByType(t domain.ProviderType) []domain.Provider {
	return m.registry.ProvidersByType(t)
}

func (m *Manager) GetPrimaryProvider(t domain.ProviderType) (domain.Provider, error) {
	return m.registry.PrimaryProvider(t)
}

func (m *Manager) GetAllProviders() []domain.Provider {
	return m.registry.AllProviders()
}

// Shutdown deactivates every active plugin and releases the state store.
// Deactivation errors are logged, not returned; shutdown always completes.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var active []string
	for id, rec := range m.records {
		if rec.Status == domain.StatusActive {
			active = append(active, id)
		}
	}
	m.mu.Unlock()

	for _, id := range active {
		// Shutdown does not change the desired state recorded for restart.
		if err := m.deactivateQuiet(ctx, id); err != nil {
			m.logger.Warn("plugin shutdown deactivate failed", "plugin_id", id, "error", err)
		}
	}

	if m.state != nil {
		if err := m.state.Close(); err != nil {
			m.logger.Warn("failed to close plugin state store", "error", err)
		}
	}
}

// deactivateQuiet is DeactivatePlugin without persisting the disabled state,
// used on host shutdown so plugins come back up on the next start.
func (m *Manager) deactivateQuiet(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || rec.Status != domain.StatusActive {
		m.mu.Unlock()
		return nil
	}
	rec.Status = domain.StatusDeactivating
	run := m.runners[id]
	m.mu.Unlock()

	if run != nil {
		if err := run.deactivate(ctx); err != nil {
			m.logger.Warn("graceful deactivate failed, terminating anyway",
				"plugin_id", id, "error", err)
		}
		_ = run.terminate(context.WithoutCancel(ctx))
	}
	m.registry.RemoveAllForPlugin(id)

	m.mu.Lock()
	rec.Status = domain.StatusDisabled
	delete(m.runners, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) ensureDataDir(id string) (string, error) {
	dataDir := filepath.Join(m.cfg.DataDir, id)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", domain.WrapOp("create plugin data dir", err)
	}
	return dataDir, nil
}

func (m *Manager) desired(id string) bool {
	if m.state == nil {
		return true
	}
	enabled, err := m.state.Desired(id)
	if err != nil {
		m.logger.Warn("failed to read persisted plugin state", "plugin_id", id, "error", err)
		return true
	}
	return enabled
}

func (m *Manager) persistDesired(id string, enabled bool) {
	if m.state == nil {
		return
	}
	if err := m.state.SetDesired(id, enabled); err != nil {
		m.logger.Warn("failed to persist plugin state", "plugin_id", id, "error", err)
	}
}

func (m *Manager) reportPhase(id, phase string) {
	if m.progress == nil {
		return
	}
	m.progress(domain.DiscoveryProgress{PluginName: id, Phase: phase})
}

func (m *Manager) relayGuestLog(ctx context.Context, id, level, message string) {
	logger := m.logger.With("plugin_id", id)
	switch level {
	case "debug":
		logger.Debug(message)
	case "warn":
		logger.Warn(message)
	case "error":
		logger.Error(message)
	default:
		logger.Info(message)
	}
	m.emit(ctx, domain.EventPluginLog,
		map[string]any{"plugin_id": id, "level": level, "message": message})
}

func (m *Manager) emit(ctx context.Context, t domain.EventType, payload map[string]any) {
	if m.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn("failed to encode event payload", "type", string(t), "error", err)
		raw = nil
	}
	m.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now().UTC(), Payload: raw})
}
