package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"magpie-ai/internal/domain"
)

// Transport moves raw protocol bytes between the host and one isolated
// guest. The boundary drives it; implementations decide the mechanics.
// A test double can satisfy this without any compiled wasm.
type Transport interface {
	// Start brings the guest up. recv is invoked for every message the
	// guest sends to the host, possibly re-entrantly from within Send.
	Start(ctx context.Context, recv func(data []byte)) error
	// Send delivers one message to the guest and runs it until the guest
	// returns control. Sends are serialized internally.
	Send(ctx context.Context, data []byte) error
	// Close tears the guest down unconditionally, even while a Send is
	// still executing guest code.
	Close(ctx context.Context) error
}

// ModuleTransport runs a compiled wasm binary as the guest. The guest must
// export malloc, free, memory, and plugin_recv(ptr, len).
type ModuleTransport struct {
	name      string
	wasmBytes []byte
	sandbox   *Sandbox
	logger    *slog.Logger

	sendMu sync.Mutex // serializes guest execution

	stateMu sync.Mutex // guards the fields below
	runtime *Runtime
	module  api.Module
	recvFn  api.Function
	closed  bool
}

// NewModuleTransport prepares a transport for one plugin binary. Nothing is
// instantiated until Start.
func NewModuleTransport(name string, wasmBytes []byte, sandbox *Sandbox, logger *slog.Logger) *ModuleTransport {
	return &ModuleTransport{
		name:      name,
		wasmBytes: wasmBytes,
		sandbox:   sandbox,
		logger:    logger,
	}
}

// Start compiles and instantiates the guest on a fresh plugin-scoped
// runtime. No WASI and no start function: the guest runs only when the host
// calls into it.
func (t *ModuleTransport) Start(ctx context.Context, recv func(data []byte)) error {
	rt := NewRuntime(ctx, t.sandbox.MemoryPages(), t.logger)

	env := newHostEnv(recv, t.logger)
	if err := registerHostModule(ctx, rt.Inner(), env); err != nil {
		_ = rt.Close(ctx)
		return err
	}

	compiled, err := rt.Inner().CompileModule(ctx, t.wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return fmt.Errorf("%w: compile module: %v", domain.ErrInvalidInput, err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName(t.name).
		WithStartFunctions() // no auto _start; the init message drives setup

	mod, err := rt.Inner().InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		_ = rt.Close(ctx)
		return fmt.Errorf("%w: instantiate module: %v", domain.ErrInvalidInput, err)
	}

	recvExport := mod.ExportedFunction("plugin_recv")
	if recvExport == nil {
		_ = rt.Close(ctx)
		return fmt.Errorf("%w: guest does not export plugin_recv", domain.ErrInvalidInput)
	}

	t.stateMu.Lock()
	t.runtime = rt
	t.module = mod
	t.recvFn = recvExport
	t.stateMu.Unlock()
	return nil
}

// Send writes one envelope into guest memory and invokes plugin_recv.
// The guest executes synchronously on the calling goroutine; any messages it
// emits through host_send arrive via recv before Send returns.
func (t *ModuleTransport) Send(ctx context.Context, data []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.stateMu.Lock()
	mod, recvFn, closed := t.module, t.recvFn, t.closed
	t.stateMu.Unlock()

	if closed || mod == nil {
		return domain.ErrPluginTerminated
	}

	ptr, size, err := writeBytes(ctx, mod, data)
	if err != nil {
		return err
	}
	defer freeBytes(ctx, mod, ptr, size)

	if _, err := recvFn.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		return fmt.Errorf("guest plugin_recv: %w", err)
	}
	return nil
}

// Close force-reclaims the guest. It does not take the send lock: closing
// the runtime cancels in-flight guest execution, which is the whole point.
func (t *ModuleTransport) Close(ctx context.Context) error {
	t.stateMu.Lock()
	rt := t.runtime
	t.runtime = nil
	t.module = nil
	t.recvFn = nil
	t.closed = true
	t.stateMu.Unlock()

	if rt == nil {
		return nil
	}
	return rt.Close(ctx)
}
