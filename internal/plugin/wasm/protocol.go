// Package wasm implements the isolation boundary: plugin code compiled to
// WebAssembly runs inside a per-plugin wazero runtime and talks to the host
// only through a correlated JSON message protocol.
package wasm

import "encoding/json"

// MessageType discriminates the wire envelope.
type MessageType string

const (
	MsgInit             MessageType = "init"
	MsgCall             MessageType = "call"
	MsgResult           MessageType = "result"
	MsgError            MessageType = "error"
	MsgLog              MessageType = "log"
	MsgRegisterTool     MessageType = "register-tool"
	MsgRegisterCommand  MessageType = "register-command"
	MsgRegisterProvider MessageType = "register-provider"
)

// Envelope is the message object exchanged across the boundary in both
// directions. Calls carry a fresh id; the matching result/error message
// resolves the pending call. log and register-* messages are one-way.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload rides on the init message sent to the guest before activate.
type InitPayload struct {
	PluginID       string         `json:"plugin_id"`
	DataDir        string         `json:"data_dir"`
	Config         map[string]any `json:"config"`
	BlockedModules []string       `json:"blocked_modules"`
}

// ToolSpec is the payload of a register-tool message.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CommandSpec is the payload of a register-command message.
type CommandSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ProviderSpec is the payload of a register-provider message.
type ProviderSpec struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
}
