package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie-ai/internal/domain"
	"magpie-ai/internal/infra/config"
	"magpie-ai/internal/plugin/wasm"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// guestHandler scripts the fake guest's reaction to one inbound envelope.
// reply delivers a guest-to-host message as if it came over the boundary.
type guestHandler func(env wasm.Envelope, reply func(wasm.Envelope))

// fakeTransport stands in for the wasm module so the full activation flow
// runs without compiled plugin code.
type fakeTransport struct {
	mu      sync.Mutex
	recv    func([]byte)
	closed  bool
	sent    []wasm.Envelope
	sendErr error
	handle  guestHandler
}

func (t *fakeTransport) Start(_ context.Context, recv func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recv = recv
	return nil
}

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrPluginTerminated
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	var env wasm.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, env)
	recv := t.recv
	handle := t.handle
	t.mu.Unlock()

	if handle != nil {
		handle(env, func(out wasm.Envelope) {
			b, err := json.Marshal(out)
			if err != nil {
				panic(err)
			}
			recv(b)
		})
	}
	return nil
}

func (t *fakeTransport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) sentEnvelopes() []wasm.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wasm.Envelope(nil), t.sent...)
}

// demoGuest behaves like a well-behaved plugin: on activate it registers one
// tool, one command, and one llm provider, and answers their invocations.
func demoGuest(env wasm.Envelope, reply func(wasm.Envelope)) {
	switch env.Type {
	case wasm.MsgInit:
		// No reply expected.
	case wasm.MsgCall:
		switch env.Method {
		case "activate":
			toolSpec, _ := json.Marshal(wasm.ToolSpec{Name: "demo.run", Description: "run the demo"})
			reply(wasm.Envelope{Type: wasm.MsgRegisterTool, Payload: toolSpec})
			cmdSpec, _ := json.Marshal(wasm.CommandSpec{Name: "demo", Description: "demo command"})
			reply(wasm.Envelope{Type: wasm.MsgRegisterCommand, Payload: cmdSpec})
			provSpec, _ := json.Marshal(wasm.ProviderSpec{ID: "demo-llm", Type: "llm", Priority: 7})
			reply(wasm.Envelope{Type: wasm.MsgRegisterProvider, Payload: provSpec})
			reply(wasm.Envelope{Type: wasm.MsgResult, ID: env.ID})
		case "deactivate", "provider:demo-llm:initialize", "command:demo":
			reply(wasm.Envelope{Type: wasm.MsgResult, ID: env.ID})
		case "tool:demo.run":
			result, _ := json.Marshal(domain.ToolResult{Content: "demo done"})
			reply(wasm.Envelope{Type: wasm.MsgResult, ID: env.ID, Result: result})
		default:
			reply(wasm.Envelope{Type: wasm.MsgError, ID: env.ID, Error: "unknown method " + env.Method})
		}
	}
}

// mockEventBus records published events for assertions.
type mockEventBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *mockEventBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}
func (b *mockEventBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *mockEventBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *mockEventBus) Close()                                                 {}

func (b *mockEventBus) typesSeen() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type managerHarness struct {
	mgr       *Manager
	registry  *CapabilityRegistry
	bus       *mockEventBus
	root      string
	transport *fakeTransport
}

func newManagerHarness(t *testing.T, mutate func(*config.PluginsConfig)) *managerHarness {
	t.Helper()

	root := t.TempDir()
	cfg := config.PluginsConfig{
		Enabled:      true,
		Dir:          root,
		DataDir:      t.TempDir(),
		ConfigDir:    t.TempDir(),
		MaxMemoryMB:  16,
		ExecTimeout:  2 * time.Second,
		DiscoveryPar: 2,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &managerHarness{
		registry:  NewCapabilityRegistry(testLogger()),
		bus:       &mockEventBus{},
		root:      root,
		transport: &fakeTransport{handle: demoGuest},
	}

	mgr, err := NewManager(cfg, h.registry, h.bus, testLogger())
	require.NoError(t, err)
	mgr.newTransport = func(string, []byte, *wasm.Sandbox, *slog.Logger) wasm.Transport {
		return h.transport
	}
	h.mgr = mgr
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	return h
}

// installPlugin drops a plugin package into the root and returns its dir.
func (h *managerHarness) installPlugin(t *testing.T, name, manifest string) string {
	t.Helper()
	dir := writePluginDir(t, h.root, name, manifest)
	require.NoError(t, os.WriteFile(filepath.Join(dir, WasmFileName), []byte("\x00asm"), 0o644))
	return dir
}

const demoManifest = `{
	"id": "demo",
	"name": "Demo",
	"version": "1.0.0",
	"description": "demo plugin",
	"permissions": {"shell": true},
	"isolated": true
}`

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoadPluginRefusesDangerousWithoutIsolation(t *testing.T) {
	h := newManagerHarness(t, nil)
	dir := h.installPlugin(t, "shelly", `{
		"id": "shelly", "name": "S", "version": "1.0.0", "description": "d",
		"permissions": {"shell": true},
		"isolated": false
	}`)

	assert.False(t, h.mgr.LoadPlugin(context.Background(), dir))
	_, ok := h.mgr.GetPlugin("shelly")
	assert.False(t, ok, "no record may exist after a refused load")
}

func TestLoadPluginRejectsDuplicateID(t *testing.T) {
	h := newManagerHarness(t, nil)
	first := h.installPlugin(t, "demo", demoManifest)
	second := h.installPlugin(t, "demo-copy", demoManifest)

	require.True(t, h.mgr.LoadPlugin(context.Background(), first))
	assert.False(t, h.mgr.LoadPlugin(context.Background(), second))

	rec, ok := h.mgr.GetPlugin("demo")
	require.True(t, ok)
	assert.Equal(t, first, rec.Path)
	assert.Len(t, h.mgr.GetAllPlugins(), 1)
}

func TestLoadPluginRejectsPathOutsideRoot(t *testing.T) {
	h := newManagerHarness(t, nil)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, ManifestFileName), []byte(demoManifest), 0o644))

	assert.False(t, h.mgr.LoadPlugin(context.Background(), outside))
	assert.False(t, h.mgr.LoadPlugin(context.Background(), filepath.Join(h.root, "..", "escape")))
}

func TestLoadPluginRejectsInvalidManifest(t *testing.T) {
	h := newManagerHarness(t, nil)
	dir := h.installPlugin(t, "broken", `{"id": "broken"}`)
	assert.False(t, h.mgr.LoadPlugin(context.Background(), dir))
}

func TestLoadPluginMissingWasmModule(t *testing.T) {
	h := newManagerHarness(t, nil)
	dir := writePluginDir(t, h.root, "demo", demoManifest) // no plugin.wasm
	assert.False(t, h.mgr.LoadPlugin(context.Background(), dir))
}

// ---------------------------------------------------------------------------
// Activation lifecycle
// ---------------------------------------------------------------------------

func TestActivateIsolatedPluginEndToEnd(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)

	require.True(t, h.mgr.LoadPlugin(ctx, dir))
	require.NoError(t, h.mgr.ActivatePlugin(ctx, "demo"))

	rec, ok := h.mgr.GetPlugin("demo")
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.NoError(t, rec.Err)

	// Registered capabilities are live and owned by the plugin.
	tool, err := h.registry.Tool("demo.run")
	require.NoError(t, err)
	result, err := tool.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "demo done", result.Content)

	_, err = h.registry.Command("demo")
	require.NoError(t, err)

	primary, err := h.mgr.GetPrimaryProvider(domain.ProviderLLM)
	require.NoError(t, err)
	assert.Equal(t, "demo-llm", primary.ID())
	assert.Equal(t, 7, primary.Priority())

	assert.Contains(t, h.bus.typesSeen(), domain.EventPluginLoaded)
	assert.Contains(t, h.bus.typesSeen(), domain.EventPluginActivated)

	// Deactivation removes exactly this plugin's registrations.
	require.NoError(t, h.mgr.DeactivatePlugin(ctx, "demo"))
	rec, _ = h.mgr.GetPlugin("demo")
	assert.Equal(t, domain.StatusDisabled, rec.Status)
	_, err = h.registry.Tool("demo.run")
	assert.Error(t, err)
	assert.Empty(t, h.mgr.GetAllProviders())
	assert.Contains(t, h.bus.typesSeen(), domain.EventPluginDeactivated)
}

func TestActivateIsIdempotentWhenActive(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)

	require.True(t, h.mgr.LoadPlugin(ctx, dir))
	require.NoError(t, h.mgr.ActivatePlugin(ctx, "demo"))
	// Would fail with a duplicate-registration error if it re-ran activation.
	require.NoError(t, h.mgr.ActivatePlugin(ctx, "demo"))

	assert.Len(t, h.registry.Tools(), 1)
	assert.Len(t, h.mgr.GetAllProviders(), 1)
}

func TestDeactivateThenReactivateRestoresRegistrations(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)

	require.True(t, h.mgr.LoadPlugin(ctx, dir))
	require.NoError(t, h.mgr.ActivatePlugin(ctx, "demo"))
	require.NoError(t, h.mgr.DeactivatePlugin(ctx, "demo"))

	// The boundary was torn down; give the next activation a fresh transport.
	h.transport = &fakeTransport{handle: demoGuest}

	require.NoError(t, h.mgr.ActivatePlugin(ctx, "demo"))
	rec, _ := h.mgr.GetPlugin("demo")
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.Len(t, h.registry.Tools(), 1)
	assert.Len(t, h.mgr.GetProvidersByType(domain.ProviderLLM), 1)
}

func TestDeactivateNotActiveIsNoop(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)

	require.True(t, h.mgr.LoadPlugin(ctx, dir))
	assert.NoError(t, h.mgr.DeactivatePlugin(ctx, "demo"))

	rec, _ := h.mgr.GetPlugin("demo")
	assert.Equal(t, domain.StatusLoaded, rec.Status)

	err := h.mgr.DeactivatePlugin(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestActivationFailureTearsDownPartialRegistrations(t *testing.T) {
	h := newManagerHarness(t, nil)
	// The guest registers a tool, then fails its activate call.
	h.transport.handle = func(env wasm.Envelope, reply func(wasm.Envelope)) {
		if env.Type == wasm.MsgCall && env.Method == "activate" {
			spec, _ := json.Marshal(wasm.ToolSpec{Name: "half.done"})
			reply(wasm.Envelope{Type: wasm.MsgRegisterTool, Payload: spec})
			reply(wasm.Envelope{Type: wasm.MsgError, ID: env.ID, Error: "activation exploded"})
		}
	}

	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)
	require.True(t, h.mgr.LoadPlugin(ctx, dir))

	err := h.mgr.ActivatePlugin(ctx, "demo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activation exploded")

	rec, _ := h.mgr.GetPlugin("demo")
	assert.Equal(t, domain.StatusError, rec.Status)
	require.Error(t, rec.Err)

	// The partial registration was removed and the boundary reclaimed.
	_, toolErr := h.registry.Tool("half.done")
	assert.Error(t, toolErr)
	assert.True(t, h.transport.closed)
	assert.Contains(t, h.bus.typesSeen(), domain.EventPluginActivationFailed)
}

func TestActivationFailsOnDuplicateGuestRegistration(t *testing.T) {
	h := newManagerHarness(t, nil)
	h.transport.handle = func(env wasm.Envelope, reply func(wasm.Envelope)) {
		if env.Type == wasm.MsgCall && env.Method == "activate" {
			spec, _ := json.Marshal(wasm.ToolSpec{Name: "twice"})
			reply(wasm.Envelope{Type: wasm.MsgRegisterTool, Payload: spec})
			reply(wasm.Envelope{Type: wasm.MsgRegisterTool, Payload: spec})
			reply(wasm.Envelope{Type: wasm.MsgResult, ID: env.ID})
		}
	}

	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)
	require.True(t, h.mgr.LoadPlugin(ctx, dir))

	err := h.mgr.ActivatePlugin(ctx, "demo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDuplicate))

	_, toolErr := h.registry.Tool("twice")
	assert.Error(t, toolErr)
}

func TestActivationTimeout(t *testing.T) {
	h := newManagerHarness(t, func(c *config.PluginsConfig) {
		c.ExecTimeout = 50 * time.Millisecond
	})
	// The guest never answers its activate call.
	h.transport.handle = func(env wasm.Envelope, reply func(wasm.Envelope)) {}

	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)
	require.True(t, h.mgr.LoadPlugin(ctx, dir))

	err := h.mgr.ActivatePlugin(ctx, "demo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))

	rec, _ := h.mgr.GetPlugin("demo")
	assert.Equal(t, domain.StatusError, rec.Status)
}

func TestActivationTimesOutWhenInitNeverReturns(t *testing.T) {
	h := newManagerHarness(t, func(c *config.PluginsConfig) {
		c.ExecTimeout = 50 * time.Millisecond
	})
	// The guest spins inside its init handler and never yields.
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.transport.handle = func(env wasm.Envelope, reply func(wasm.Envelope)) {
		if env.Type == wasm.MsgInit {
			<-release
		}
	}

	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)
	require.True(t, h.mgr.LoadPlugin(ctx, dir))

	err := h.mgr.ActivatePlugin(ctx, "demo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))

	// The plugin failed activation instead of wedging the manager, and the
	// boundary was reclaimed.
	rec, _ := h.mgr.GetPlugin("demo")
	assert.Equal(t, domain.StatusError, rec.Status)
	require.Error(t, rec.Err)
	assert.Contains(t, h.bus.typesSeen(), domain.EventPluginActivationFailed)
}

func TestGuestCrashMarksPluginErrored(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)

	require.True(t, h.mgr.LoadPlugin(ctx, dir))
	require.NoError(t, h.mgr.ActivatePlugin(ctx, "demo"))

	tool, err := h.registry.Tool("demo.run")
	require.NoError(t, err)

	// The guest traps on its next invocation.
	h.transport.mu.Lock()
	h.transport.sendErr = errors.New("wasm trap: unreachable")
	h.transport.mu.Unlock()

	_, err = tool.Execute(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPluginTerminated))

	// Crash handling finished before the failing call returned: the record
	// holds the cause and every registration the plugin owned is gone.
	rec, ok := h.mgr.GetPlugin("demo")
	require.True(t, ok)
	assert.Equal(t, domain.StatusError, rec.Status)
	require.Error(t, rec.Err)
	assert.Contains(t, rec.Err.Error(), "unreachable")

	_, toolErr := h.registry.Tool("demo.run")
	assert.Error(t, toolErr)
	_, cmdErr := h.registry.Command("demo")
	assert.Error(t, cmdErr)
	assert.Empty(t, h.mgr.GetAllProviders())
	assert.Contains(t, h.bus.typesSeen(), domain.EventPluginCrashed)

	// A crashed plugin is no longer active; deactivating it is a no-op.
	assert.NoError(t, h.mgr.DeactivatePlugin(ctx, "demo"))
}

func TestActivateUnknownPlugin(t *testing.T) {
	h := newManagerHarness(t, nil)
	err := h.mgr.ActivatePlugin(context.Background(), "ghost")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

// ---------------------------------------------------------------------------
// Non-isolated (in-process) mode
// ---------------------------------------------------------------------------

type inprocDemo struct {
	deactivated bool
}

func (p *inprocDemo) Activate(pctx domain.PluginContext) error {
	return pctx.RegisterTool(&fakeTool{name: "inproc.tool"})
}
func (p *inprocDemo) Deactivate() error {
	p.deactivated = true
	return nil
}

const unsafeManifest = `{
	"id": "trusted",
	"name": "Trusted",
	"version": "1.0.0",
	"description": "in-process plugin",
	"isolated": false
}`

func TestNonIsolatedRefusedWithoutAllowUnsafe(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()
	dir := writePluginDir(t, h.root, "trusted", unsafeManifest)

	require.True(t, h.mgr.LoadPlugin(ctx, dir))
	err := h.mgr.ActivatePlugin(ctx, "trusted")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsafeNotAllowed))
}

func TestNonIsolatedRunsThroughFactory(t *testing.T) {
	h := newManagerHarness(t, func(c *config.PluginsConfig) {
		c.AllowUnsafe = true
	})
	ctx := context.Background()
	dir := writePluginDir(t, h.root, "trusted", unsafeManifest)

	impl := &inprocDemo{}
	h.mgr.RegisterInProcessFactory("trusted", func() (domain.InProcessPlugin, error) {
		return impl, nil
	})

	require.True(t, h.mgr.LoadPlugin(ctx, dir))
	require.NoError(t, h.mgr.ActivatePlugin(ctx, "trusted"))

	_, err := h.registry.Tool("inproc.tool")
	require.NoError(t, err)

	require.NoError(t, h.mgr.DeactivatePlugin(ctx, "trusted"))
	assert.True(t, impl.deactivated)
	_, err = h.registry.Tool("inproc.tool")
	assert.Error(t, err)
}

func TestNonIsolatedWithoutFactoryFails(t *testing.T) {
	h := newManagerHarness(t, func(c *config.PluginsConfig) {
		c.AllowUnsafe = true
	})
	ctx := context.Background()
	dir := writePluginDir(t, h.root, "trusted", unsafeManifest)

	require.True(t, h.mgr.LoadPlugin(ctx, dir))
	err := h.mgr.ActivatePlugin(ctx, "trusted")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestForceIsolationOverridesOptOut(t *testing.T) {
	h := newManagerHarness(t, func(c *config.PluginsConfig) {
		c.ForceIsolation = true
	})
	// isolated:false but no wasm module; with forced isolation the load must
	// demand the module.
	dir := writePluginDir(t, h.root, "trusted", unsafeManifest)
	assert.False(t, h.mgr.LoadPlugin(context.Background(), dir))
}

// ---------------------------------------------------------------------------
// Discovery, unload, persistence
// ---------------------------------------------------------------------------

func TestDiscoverLoadsAllCandidates(t *testing.T) {
	h := newManagerHarness(t, nil)
	h.installPlugin(t, "demo", demoManifest)
	writePluginDir(t, h.root, "broken", `{"nope`)

	result := h.mgr.Discover(context.Background())
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Loaded)
	assert.Equal(t, 1, result.Failed)

	_, ok := h.mgr.GetPlugin("demo")
	assert.True(t, ok)
}

func TestDiscoverWithAutoActivate(t *testing.T) {
	h := newManagerHarness(t, func(c *config.PluginsConfig) {
		c.AutoActivate = true
	})
	h.installPlugin(t, "demo", demoManifest)

	result := h.mgr.Discover(context.Background())
	assert.Equal(t, 1, result.Loaded)

	rec, ok := h.mgr.GetPlugin("demo")
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, rec.Status)
}

func TestUnloadPlugin(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)

	require.True(t, h.mgr.LoadPlugin(ctx, dir))
	require.NoError(t, h.mgr.ActivatePlugin(ctx, "demo"))
	require.NoError(t, h.mgr.UnloadPlugin(ctx, "demo"))

	_, ok := h.mgr.GetPlugin("demo")
	assert.False(t, ok)
	assert.Empty(t, h.registry.Tools())
	assert.Contains(t, h.bus.typesSeen(), domain.EventPluginUnloaded)
}

func TestDesiredStateSkipsAutoActivation(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.db")

	// A previous run disabled the plugin.
	store, err := NewStateStore(statePath)
	require.NoError(t, err)
	require.NoError(t, store.SetDesired("demo", false))
	require.NoError(t, store.Close())

	h := newManagerHarness(t, func(c *config.PluginsConfig) {
		c.AutoActivate = true
		c.StatePath = statePath
	})
	dir := h.installPlugin(t, "demo", demoManifest)

	require.True(t, h.mgr.LoadPlugin(context.Background(), dir))
	rec, ok := h.mgr.GetPlugin("demo")
	require.True(t, ok)
	assert.Equal(t, domain.StatusLoaded, rec.Status)
}

func TestShutdownTerminatesActivePlugins(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()
	dir := h.installPlugin(t, "demo", demoManifest)

	require.True(t, h.mgr.LoadPlugin(ctx, dir))
	require.NoError(t, h.mgr.ActivatePlugin(ctx, "demo"))

	h.mgr.Shutdown(ctx)
	assert.True(t, h.transport.closed)
	assert.Empty(t, h.registry.Tools())
}
