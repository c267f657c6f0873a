// Package wasm documents and names the guest side of the magpie-ai plugin
// ABI for authors compiling plugins to WebAssembly.
//
// A plugin module must export:
//
//	memory                    the linear memory the host reads and writes
//	malloc(size) -> ptr       allocate size bytes for an inbound message
//	free(ptr, size)           release a buffer handed out by malloc
//	plugin_recv(ptr, len)     receive one host-to-guest message
//
// and may import, from the host module named HostModule:
//
//	host_send(ptr, len)       deliver one guest-to-host message
//	log(level, ptr, len)      emit a log line at the given level
//
// Messages in both directions are JSON-encoded Envelope values. The host
// sends an "init" message before anything else, then correlated "call"
// messages ("activate", "deactivate", "tool:<name>", "command:<name>",
// "provider:<id>:<op>"). The guest answers each call with exactly one
// "result" or "error" message carrying the call's id, and may send "log"
// and "register-*" messages at any time while handling a call.
//
// The host does not interrupt guest code. A call that overruns the host's
// per-call timeout fails on the host side while the guest keeps running, so
// handlers should return promptly and do slow work incrementally across
// calls.
package wasm

import "encoding/json"

// HostModule is the import module name for host functions.
const HostModule = "magpie_v1"

// Log levels accepted by the host log function.
const (
	LogDebug uint32 = 0
	LogInfo  uint32 = 1
	LogWarn  uint32 = 2
	LogError uint32 = 3
)

// Message types carried in Envelope.Type.
const (
	MsgInit             = "init"
	MsgCall             = "call"
	MsgResult           = "result"
	MsgError            = "error"
	MsgLog              = "log"
	MsgRegisterTool     = "register-tool"
	MsgRegisterCommand  = "register-command"
	MsgRegisterProvider = "register-provider"
)

// Envelope is the JSON message exchanged across the boundary. Field usage
// depends on Type; unused fields are omitted.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitConfig is the payload of the "init" message.
type InitConfig struct {
	PluginID       string         `json:"plugin_id"`
	DataDir        string         `json:"data_dir"`
	Config         map[string]any `json:"config"`
	BlockedModules []string       `json:"blocked_modules"`
}

// ToolRegistration is the payload of a "register-tool" message.
type ToolRegistration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CommandRegistration is the payload of a "register-command" message.
type CommandRegistration struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ProviderRegistration is the payload of a "register-provider" message.
type ProviderRegistration struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
}
