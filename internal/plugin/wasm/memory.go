package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"magpie-ai/internal/domain"
)

// readBytes reads raw bytes from the guest module's linear memory.
func readBytes(mod api.Module, ptr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("%w: memory read out of bounds at ptr=%d len=%d",
			domain.ErrInvalidInput, ptr, size)
	}
	// Copy so the host owns the slice after guest memory moves.
	out := make([]byte, size)
	copy(out, buf)
	return out, nil
}

// writeBytes writes raw bytes into guest memory using the module's exported
// malloc. Returns the pointer and length.
func writeBytes(ctx context.Context, mod api.Module, data []byte) (uint32, uint32, error) {
	size := uint32(len(data))
	if size == 0 {
		return 0, 0, nil
	}

	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0, 0, fmt.Errorf("%w: guest module does not export malloc", domain.ErrInvalidInput)
	}

	results, err := malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, 0, fmt.Errorf("guest malloc(%d): %w", size, err)
	}
	if len(results) == 0 {
		return 0, 0, fmt.Errorf("%w: guest malloc returned no results", domain.ErrInvalidInput)
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, 0, fmt.Errorf("%w: guest malloc returned null pointer", domain.ErrInvalidInput)
	}

	if !mod.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("%w: memory write out of bounds at ptr=%d len=%d",
			domain.ErrInvalidInput, ptr, size)
	}

	return ptr, size, nil
}

// freeBytes calls the guest's exported free to release memory. Best effort:
// a guest with GC may export a no-op free.
func freeBytes(ctx context.Context, mod api.Module, ptr, size uint32) {
	if ptr == 0 || size == 0 {
		return
	}
	free := mod.ExportedFunction("free")
	if free == nil {
		return
	}
	_, _ = free.Call(ctx, uint64(ptr), uint64(size))
}
