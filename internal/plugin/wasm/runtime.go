package wasm

import (
	"context"
	"log/slog"

	"github.com/tetratelabs/wazero"
)

// Runtime wraps a wazero runtime scoped to a single plugin. Each isolated
// plugin gets its own runtime so memory ceilings apply per plugin and no two
// plugins share an execution context.
type Runtime struct {
	inner  wazero.Runtime
	logger *slog.Logger
}

// NewRuntime creates a plugin-scoped WASM runtime. The memory ceiling is
// enforced at context-creation time; WithCloseOnContextDone makes Terminate
// effective even against guest code that never yields.
func NewRuntime(ctx context.Context, maxMemoryPages uint32, logger *slog.Logger) *Runtime {
	if maxMemoryPages == 0 {
		maxMemoryPages = 1024 // 64MB
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(maxMemoryPages)

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	logger.Debug("wasm runtime created",
		"max_memory_pages", maxMemoryPages,
		"max_memory_mb", maxMemoryPages*64/1024,
	)

	return &Runtime{inner: rt, logger: logger}
}

// Inner returns the underlying wazero.Runtime.
func (r *Runtime) Inner() wazero.Runtime {
	return r.inner
}

// Close releases all resources held by the runtime, including any modules
// still instantiated on it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.inner.Close(ctx)
}
