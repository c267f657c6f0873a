package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
)

// PluginStatus is the lifecycle state of a loaded plugin.
type PluginStatus string

const (
	StatusLoaded       PluginStatus = "loaded"
	StatusActivating   PluginStatus = "activating"
	StatusActive       PluginStatus = "active"
	StatusDeactivating PluginStatus = "deactivating"
	StatusDisabled     PluginStatus = "disabled"
	StatusError        PluginStatus = "error"
)

// PermissionScope is a grant that is either unrestricted (true), denied
// (absent/false), or limited to a list of entries (paths or domains).
// In JSON it is encoded as a bool or an array of strings.
type PermissionScope struct {
	All     bool
	Entries []string
}

// Granted reports whether the scope grants anything at all.
func (s *PermissionScope) Granted() bool {
	if s == nil {
		return false
	}
	return s.All || len(s.Entries) > 0
}

// UnmarshalJSON accepts `true`, `false`, or `["a", "b"]`.
func (s *PermissionScope) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &s.Entries)
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("permission scope must be a bool or string array")
	}
	s.All = b
	return nil
}

// MarshalJSON encodes the scope back to its wire form.
func (s PermissionScope) MarshalJSON() ([]byte, error) {
	if s.Entries != nil {
		return json.Marshal(s.Entries)
	}
	return json.Marshal(s.All)
}

// Permissions is the capability set a plugin manifest requests.
type Permissions struct {
	Filesystem *PermissionScope `json:"filesystem,omitempty"`
	Network    *PermissionScope `json:"network,omitempty"`
	Shell      bool             `json:"shell,omitempty"`
	Env        bool             `json:"env,omitempty"`
}

// PluginManifest describes a plugin's identity, version, and requested
// permissions. It is immutable once loaded.
type PluginManifest struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Description   string          `json:"description"`
	Author        string          `json:"author,omitempty"`
	License       string          `json:"license,omitempty"`
	Homepage      string          `json:"homepage,omitempty"`
	Repository    string          `json:"repository,omitempty"`
	MinAPIVersion string          `json:"minApiVersion,omitempty"`
	Permissions   *Permissions    `json:"permissions,omitempty"`
	Isolated      *bool           `json:"isolated,omitempty"`
	DefaultConfig map[string]any  `json:"defaultConfig,omitempty"`
	ConfigSchema  json.RawMessage `json:"configSchema,omitempty"`
}

// PluginRecord is the host's authoritative view of a known plugin.
// One record exists per unique manifest id.
type PluginRecord struct {
	Manifest PluginManifest
	Status   PluginStatus
	Path     string
	Isolated bool
	Err      error
}

// PluginContext is handed to a plugin during activation. Registration calls
// are bound to the owning plugin id so teardown can remove exactly its
// entries and no others.
type PluginContext struct {
	PluginID string
	Logger   *slog.Logger
	Config   map[string]any
	DataDir  string

	RegisterTool     func(Tool) error
	RegisterCommand  func(Command) error
	RegisterProvider func(Provider) error
}

// InProcessPlugin is the contract for trusted plugins compiled into the
// host binary. On-disk plugin code never uses this path; it runs inside the
// isolation boundary instead.
type InProcessPlugin interface {
	Activate(pctx PluginContext) error
	Deactivate() error
}

// InProcessFactory constructs an in-process plugin instance at activation
// time. Registered per plugin id by the embedding host.
type InProcessFactory func() (InProcessPlugin, error)

// DiscoveryProgress is emitted once per plugin directory during discovery so
// a caller can render progress without the discoverer knowing about UI.
type DiscoveryProgress struct {
	Current    int
	Total      int
	PluginName string
	Phase      string
}

// DiscoveryResult aggregates a discovery pass.
type DiscoveryResult struct {
	Total  int
	Loaded int
	Failed int
}
