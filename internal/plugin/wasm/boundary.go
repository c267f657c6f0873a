package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"magpie-ai/internal/domain"
)

// Events are the callbacks a Boundary fires as the guest talks back.
// Registration callbacks run on the goroutine executing the guest; a
// returned error is recorded as the boundary's registration failure and
// surfaced to the activation flow. OnExit fires exactly once when the
// boundary goes down; a non-nil error means the guest failed rather than
// being deliberately terminated.
type Events struct {
	OnRegisterTool     func(spec ToolSpec) error
	OnRegisterCommand  func(spec CommandSpec) error
	OnRegisterProvider func(spec ProviderSpec) error
	OnLog              func(level, message string)
	OnExit             func(err error)
}

type pendingCall struct {
	result json.RawMessage
	err    error
}

// Boundary is the execution sandbox for one isolated plugin. Every outbound
// call carries a fresh id; the matching inbound result or error message
// resolves the pending call, and a per-call timer rejects it if no reply
// arrives in time.
type Boundary struct {
	transport Transport
	events    Events
	timeout   time.Duration
	logger    *slog.Logger

	// lifeCtx spans the guest's lifetime. Guest execution runs under it,
	// never under a per-call deadline, so Terminate is the only thing that
	// stops guest code.
	lifeCtx  context.Context
	lifeStop context.CancelFunc

	mu         sync.Mutex
	pending    map[string]chan pendingCall
	regErr     error
	started    bool
	terminated bool
	exitOnce   sync.Once
}

// NewBoundary wires a boundary over a transport. The per-call timeout comes
// from the plugin's sandbox.
func NewBoundary(transport Transport, events Events, timeout time.Duration, logger *slog.Logger) *Boundary {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	lifeCtx, lifeStop := context.WithCancel(context.Background())
	return &Boundary{
		transport: transport,
		events:    events,
		timeout:   timeout,
		logger:    logger,
		lifeCtx:   lifeCtx,
		lifeStop:  lifeStop,
		pending:   make(map[string]chan pendingCall),
	}
}

// Start brings the guest up and delivers the init message carrying the
// injected capability API description, resolved config, and data dir.
func (b *Boundary) Start(ctx context.Context, init InitPayload) error {
	b.mu.Lock()
	if b.terminated {
		b.mu.Unlock()
		return domain.ErrPluginTerminated
	}
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("%w: boundary already started", domain.ErrInvalidInput)
	}
	b.started = true
	b.mu.Unlock()

	if err := b.transport.Start(ctx, b.handleInbound); err != nil {
		return domain.WrapOp("boundary start", err)
	}

	payload, err := json.Marshal(init)
	if err != nil {
		return domain.WrapOp("marshal init payload", err)
	}
	env := Envelope{Type: MsgInit, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return domain.WrapOp("marshal init envelope", err)
	}

	// The init send executes guest code; it gets the same timer every call
	// gets, so a guest that never returns from its init handler cannot wedge
	// activation.
	sendErr := make(chan error, 1)
	go func() { sendErr <- b.transport.Send(b.lifeCtx, data) }()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case err := <-sendErr:
		if err != nil {
			return domain.WrapOp("send init", err)
		}
		return nil
	case <-timer.C:
		_ = b.Terminate(context.WithoutCancel(ctx))
		return fmt.Errorf("%w: init exceeded %s", domain.ErrTimeout, b.timeout)
	case <-ctx.Done():
		_ = b.Terminate(context.WithoutCancel(ctx))
		return ctx.Err()
	}
}

// Activate runs the guest's activate entry point.
func (b *Boundary) Activate(ctx context.Context) error {
	_, err := b.Call(ctx, "activate", nil)
	return err
}

// Deactivate runs the guest's deactivate entry point.
func (b *Boundary) Deactivate(ctx context.Context) error {
	_, err := b.Call(ctx, "deactivate", nil)
	return err
}

// Call sends a correlated call message and waits for its reply.
//
// A timeout here rejects only this caller: the guest may still be executing
// the abandoned call, and nothing but Terminate reclaims a guest that never
// yields. Known limitation, kept deliberately.
func (b *Boundary) Call(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	id := ulid.Make().String()
	ch := make(chan pendingCall, 1)

	b.mu.Lock()
	if b.terminated {
		b.mu.Unlock()
		return nil, domain.ErrPluginTerminated
	}
	b.pending[id] = ch
	b.mu.Unlock()

	env := Envelope{Type: MsgCall, ID: id, Method: method, Args: args}
	data, err := json.Marshal(env)
	if err != nil {
		b.dropPending(id)
		return nil, domain.WrapOp("marshal call", err)
	}

	// The send executes guest code and may never return; it must not hold
	// this caller hostage past the timer. A send error other than a plain
	// already-terminated means the guest trapped or the module died, and the
	// whole boundary goes down with it.
	go func() {
		err := b.transport.Send(b.lifeCtx, data)
		if err == nil {
			return
		}
		if !errors.Is(err, domain.ErrPluginTerminated) {
			b.fatal(err)
		}
		b.resolve(id, pendingCall{err: err})
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	case <-timer.C:
		b.dropPending(id)
		return nil, fmt.Errorf("%w: call %q exceeded %s", domain.ErrTimeout, method, b.timeout)
	case <-ctx.Done():
		b.dropPending(id)
		return nil, ctx.Err()
	}
}

// Terminate unconditionally reclaims the boundary: guest execution is
// cancelled, the transport is closed, and every outstanding call is rejected.
// Idempotent.
func (b *Boundary) Terminate(ctx context.Context) error {
	return b.teardown(ctx, nil)
}

// fatal reclaims the boundary after an unrecoverable guest failure and
// surfaces the cause through OnExit.
func (b *Boundary) fatal(cause error) {
	_ = b.teardown(context.Background(), cause)
}

func (b *Boundary) teardown(ctx context.Context, cause error) error {
	b.mu.Lock()
	if b.terminated {
		b.mu.Unlock()
		return nil
	}
	b.terminated = true
	stale := b.pending
	b.pending = make(map[string]chan pendingCall)
	b.mu.Unlock()

	b.lifeStop()
	err := b.transport.Close(ctx)

	// The exit callback fires before pending callers wake, so crash handling
	// on the host side is complete by the time their calls return.
	b.exitOnce.Do(func() {
		if b.events.OnExit != nil {
			b.events.OnExit(cause)
		}
	})

	reject := domain.ErrPluginTerminated
	if cause != nil {
		reject = fmt.Errorf("%w: %v", domain.ErrPluginTerminated, cause)
	}
	for id, ch := range stale {
		select {
		case ch <- pendingCall{err: reject}:
		default:
		}
		b.logger.Debug("rejected pending call on teardown", "call_id", id)
	}

	return err
}

// RegistrationError returns the first error produced by a registration
// callback, if any. The activation flow checks it after the activate call
// returns, so a duplicate id or failed provider init fails the activation.
func (b *Boundary) RegistrationError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regErr
}

// handleInbound dispatches one guest-to-host message.
func (b *Boundary) handleInbound(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("malformed guest message", "error", err)
		return
	}

	switch env.Type {
	case MsgResult:
		b.resolve(env.ID, pendingCall{result: env.Result})
	case MsgError:
		b.resolve(env.ID, pendingCall{err: fmt.Errorf("plugin error: %s", env.Error)})
	case MsgLog:
		if b.events.OnLog != nil {
			b.events.OnLog(env.Level, env.Message)
		}
	case MsgRegisterTool:
		var spec ToolSpec
		b.handleRegistration(env, &spec, func() error { return b.events.OnRegisterTool(spec) },
			b.events.OnRegisterTool == nil)
	case MsgRegisterCommand:
		var spec CommandSpec
		b.handleRegistration(env, &spec, func() error { return b.events.OnRegisterCommand(spec) },
			b.events.OnRegisterCommand == nil)
	case MsgRegisterProvider:
		var spec ProviderSpec
		b.handleRegistration(env, &spec, func() error { return b.events.OnRegisterProvider(spec) },
			b.events.OnRegisterProvider == nil)
	default:
		b.logger.Warn("unknown guest message type", "type", string(env.Type))
	}
}

func (b *Boundary) handleRegistration(env Envelope, spec any, apply func() error, noHandler bool) {
	if noHandler {
		b.logger.Warn("guest registration ignored, no handler wired", "type", string(env.Type))
		return
	}
	if err := json.Unmarshal(env.Payload, spec); err != nil {
		b.recordRegErr(fmt.Errorf("%w: malformed %s payload: %v", domain.ErrInvalidInput, env.Type, err))
		return
	}
	if err := apply(); err != nil {
		b.recordRegErr(err)
	}
}

func (b *Boundary) recordRegErr(err error) {
	b.logger.Warn("guest registration rejected", "error", err)
	b.mu.Lock()
	if b.regErr == nil {
		b.regErr = err
	}
	b.mu.Unlock()
}

// resolve hands a reply to the pending call with the given id, if any.
func (b *Boundary) resolve(id string, reply pendingCall) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		// Late reply after timeout or terminate; nothing is waiting.
		b.logger.Debug("uncorrelated reply dropped", "call_id", id)
		return
	}
	ch <- reply
}

func (b *Boundary) dropPending(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
