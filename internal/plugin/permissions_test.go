package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie-ai/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

func TestIsolationRequired(t *testing.T) {
	tests := []struct {
		name     string
		isolated *bool
		force    bool
		want     bool
	}{
		{"unset defaults to isolated", nil, false, true},
		{"explicit true", boolPtr(true), false, true},
		{"explicit opt-out", boolPtr(false), false, false},
		{"force overrides opt-out", boolPtr(false), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := domain.PluginManifest{ID: "pp", Isolated: tt.isolated}
			got := IsolationRequired(m, Policy{ForceIsolation: tt.force})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasDangerous(t *testing.T) {
	assert.False(t, HasDangerous(nil))
	assert.False(t, HasDangerous(&domain.Permissions{}))
	assert.True(t, HasDangerous(&domain.Permissions{Shell: true}))
	assert.True(t, HasDangerous(&domain.Permissions{
		Filesystem: &domain.PermissionScope{All: true},
	}))
	assert.True(t, HasDangerous(&domain.Permissions{
		Network: &domain.PermissionScope{All: true},
	}))
	// Scoped grants are not dangerous.
	assert.False(t, HasDangerous(&domain.Permissions{
		Filesystem: &domain.PermissionScope{Entries: []string{"data"}},
		Network:    &domain.PermissionScope{Entries: []string{"api.example.com"}},
		Env:        true,
	}))
}

func TestCheckLoadableRefusesDangerousWithoutIsolation(t *testing.T) {
	m := domain.PluginManifest{
		ID:          "shelly",
		Isolated:    boolPtr(false),
		Permissions: &domain.Permissions{Shell: true},
	}
	err := CheckLoadable(m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied))

	// The same permissions with isolation are loadable.
	m.Isolated = boolPtr(true)
	assert.NoError(t, CheckLoadable(m))

	// And isolation-by-default is loadable too.
	m.Isolated = nil
	assert.NoError(t, CheckLoadable(m))
}

func TestBlockedModules(t *testing.T) {
	t.Run("nil permissions block everything", func(t *testing.T) {
		blocked := BlockedModules(nil)
		assert.Len(t, blocked, 4)
		for _, mod := range []string{ModuleFilesystem, ModuleNetwork, ModuleShell, ModuleEnv} {
			assert.True(t, blocked[mod], mod)
		}
	})

	t.Run("grants unblock their namespace only", func(t *testing.T) {
		blocked := BlockedModules(&domain.Permissions{
			Filesystem: &domain.PermissionScope{Entries: []string{"data"}},
			Env:        true,
		})
		assert.False(t, blocked[ModuleFilesystem])
		assert.False(t, blocked[ModuleEnv])
		assert.True(t, blocked[ModuleNetwork])
		assert.True(t, blocked[ModuleShell])
	})
}

func TestHasPermissionFilesystem(t *testing.T) {
	p := &domain.Permissions{
		Filesystem: &domain.PermissionScope{Entries: []string{"data", "cache/"}},
	}

	assert.True(t, HasPermission(p, PermFilesystem, "data"))
	assert.True(t, HasPermission(p, PermFilesystem, "data/sub/file.txt"))
	assert.True(t, HasPermission(p, PermFilesystem, "./data/x"))
	assert.True(t, HasPermission(p, PermFilesystem, "cache/tmp"))

	// Prefix match is per path segment, not per character.
	assert.False(t, HasPermission(p, PermFilesystem, "database"))
	assert.False(t, HasPermission(p, PermFilesystem, "other"))
	assert.False(t, HasPermission(nil, PermFilesystem, "data"))

	all := &domain.Permissions{Filesystem: &domain.PermissionScope{All: true}}
	assert.True(t, HasPermission(all, PermFilesystem, "/anywhere"))
}

func TestHasPermissionNetwork(t *testing.T) {
	p := &domain.Permissions{
		Network: &domain.PermissionScope{Entries: []string{"example.com", "*.trusted.org"}},
	}

	assert.True(t, HasPermission(p, PermNetwork, "example.com"))
	assert.True(t, HasPermission(p, PermNetwork, "api.example.com"))
	assert.True(t, HasPermission(p, PermNetwork, "EXAMPLE.com"))
	assert.True(t, HasPermission(p, PermNetwork, "a.trusted.org"))
	assert.True(t, HasPermission(p, PermNetwork, "trusted.org"))

	assert.False(t, HasPermission(p, PermNetwork, "example.org"))
	assert.False(t, HasPermission(p, PermNetwork, "notexample.com"))
	assert.False(t, HasPermission(p, PermNetwork, "example.com.evil.net"))
}

func TestHasPermissionBooleans(t *testing.T) {
	p := &domain.Permissions{Shell: true}
	assert.True(t, HasPermission(p, PermShell, ""))
	assert.False(t, HasPermission(p, PermEnv, ""))
	assert.False(t, HasPermission(p, PermissionKind("gpu"), ""))
}
