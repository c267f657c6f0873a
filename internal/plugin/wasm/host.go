package wasm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/time/rate"
)

// HostModule is the namespace under which host functions are registered.
const HostModule = "magpie_v1"

// guestLogBurst bounds how fast a guest can emit log lines before the host
// starts dropping them.
const (
	guestLogPerSecond = 50
	guestLogBurst     = 100
)

// hostEnv holds the dependencies injected into host functions. The guest
// reaches the host exclusively through these: no WASI, no ambient
// filesystem, network, or process access is ever linked in.
type hostEnv struct {
	recv       func(data []byte) // boundary inbound dispatcher
	logger     *slog.Logger
	logLimiter *rate.Limiter
	dropped    int64
}

func newHostEnv(recv func([]byte), logger *slog.Logger) *hostEnv {
	return &hostEnv{
		recv:       recv,
		logger:     logger,
		logLimiter: rate.NewLimiter(rate.Limit(guestLogPerSecond), guestLogBurst),
	}
}

// allowLog reports whether a guest log line is within the flood limit.
func (e *hostEnv) allowLog() bool {
	if e.logLimiter.Allow() {
		return true
	}
	e.dropped++
	if e.dropped == 1 || e.dropped%1000 == 0 {
		e.logger.Warn("guest log flood, dropping messages", "dropped", e.dropped)
	}
	return false
}

func (e *hostEnv) logAt(level, msg string) {
	if !e.allowLog() {
		return
	}
	switch level {
	case "debug":
		e.logger.Debug(msg)
	case "warn":
		e.logger.Warn(msg)
	case "error":
		e.logger.Error(msg)
	default:
		e.logger.Info(msg)
	}
}

// registerHostModule compiles and instantiates the magpie_v1 host module on
// the given runtime. Only two primitives are exposed: host_send for the
// message protocol and log for cheap leveled logging.
func registerHostModule(ctx context.Context, rt wazero.Runtime, env *hostEnv) error {
	builder := rt.NewHostModuleBuilder(HostModule)

	// host_send(ptr, len) delivers a protocol envelope from guest to host.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			ptr := uint32(stack[0])
			size := uint32(stack[1])

			data, err := readBytes(mod, ptr, size)
			if err != nil {
				env.logger.Error("host_send: read failed", "error", err)
				return
			}
			env.recv(data)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("host_send")

	// log(level, ptr, len) is leveled logging without envelope overhead.
	// Levels: 0=debug, 1=info, 2=warn, 3=error.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			level := int32(stack[0])
			ptr := uint32(stack[1])
			size := uint32(stack[2])

			data, err := readBytes(mod, ptr, size)
			if err != nil {
				env.logger.Error("guest log: read failed", "error", err)
				return
			}
			switch {
			case level <= 0:
				env.logAt("debug", string(data))
			case level == 1:
				env.logAt("info", string(data))
			case level == 2:
				env.logAt("warn", string(data))
			default:
				env.logAt("error", string(data))
			}
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("log")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate host module: %w", err)
	}
	return nil
}
