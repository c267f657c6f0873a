package plugin

import (
	"fmt"
	"strings"

	"magpie-ai/internal/domain"
)

// Host capability namespaces gated by manifest permissions. The isolation
// boundary only wires the host functions for namespaces that are not blocked.
const (
	ModuleFilesystem = "fs"
	ModuleNetwork    = "net"
	ModuleShell      = "shell"
	ModuleEnv        = "env"
)

// PermissionKind names a grant category for HasPermission checks.
type PermissionKind string

const (
	PermFilesystem PermissionKind = "filesystem"
	PermNetwork    PermissionKind = "network"
	PermShell      PermissionKind = "shell"
	PermEnv        PermissionKind = "env"
)

// Policy is the host-level security policy applied to every manifest.
type Policy struct {
	// ForceIsolation overrides any manifest isolated:false opt-out.
	ForceIsolation bool
}

// IsolationRequired reports whether the plugin must run inside the isolation
// boundary. Isolation is the default: only an explicit isolated:false in the
// manifest opts out, and the force-isolation policy overrides even that.
func IsolationRequired(m domain.PluginManifest, pol Policy) bool {
	if pol.ForceIsolation {
		return true
	}
	return m.Isolated == nil || *m.Isolated
}

// HasDangerous reports whether the permission set requests a capability that
// must never run outside the boundary: shell, unrestricted filesystem, or
// unrestricted network.
func HasDangerous(p *domain.Permissions) bool {
	if p == nil {
		return false
	}
	if p.Shell {
		return true
	}
	if p.Filesystem != nil && p.Filesystem.All {
		return true
	}
	if p.Network != nil && p.Network.All {
		return true
	}
	return false
}

// CheckLoadable rejects the one combination that is never allowed to load,
// regardless of policy: dangerous permissions with an explicit isolation
// opt-out.
func CheckLoadable(m domain.PluginManifest) error {
	if m.Isolated != nil && !*m.Isolated && HasDangerous(m.Permissions) {
		return fmt.Errorf("%w: plugin %q requests dangerous permissions with isolated:false",
			domain.ErrPermissionDenied, m.ID)
	}
	return nil
}

// BlockedModules returns the host capability namespaces withheld from a
// plugin given its granted permissions.
func BlockedModules(p *domain.Permissions) map[string]bool {
	blocked := map[string]bool{
		ModuleFilesystem: true,
		ModuleNetwork:    true,
		ModuleShell:      true,
		ModuleEnv:        true,
	}
	if p == nil {
		return blocked
	}
	if p.Filesystem.Granted() {
		delete(blocked, ModuleFilesystem)
	}
	if p.Network.Granted() {
		delete(blocked, ModuleNetwork)
	}
	if p.Shell {
		delete(blocked, ModuleShell)
	}
	if p.Env {
		delete(blocked, ModuleEnv)
	}
	return blocked
}

// HasPermission resolves a grant for a concrete target. Boolean grants
// resolve directly; list-scoped filesystem grants match by path prefix and
// network grants by exact or subdomain match.
func HasPermission(p *domain.Permissions, kind PermissionKind, target string) bool {
	if p == nil {
		return false
	}
	switch kind {
	case PermShell:
		return p.Shell
	case PermEnv:
		return p.Env
	case PermFilesystem:
		return scopeAllowsPath(p.Filesystem, target)
	case PermNetwork:
		return scopeAllowsDomain(p.Network, target)
	}
	return false
}

func scopeAllowsPath(s *domain.PermissionScope, path string) bool {
	if s == nil {
		return false
	}
	if s.All {
		return true
	}
	path = strings.TrimPrefix(path, "./")
	for _, prefix := range s.Entries {
		prefix = strings.TrimPrefix(prefix, "./")
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func scopeAllowsDomain(s *domain.PermissionScope, host string) bool {
	if s == nil {
		return false
	}
	if s.All {
		return true
	}
	host = strings.ToLower(host)
	for _, entry := range s.Entries {
		entry = strings.ToLower(entry)
		if wild, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(host, "."+wild) || host == wild {
				return true
			}
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
