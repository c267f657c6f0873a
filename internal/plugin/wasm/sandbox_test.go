package wasm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSandboxDefaults(t *testing.T) {
	sb := NewSandbox(nil, Limits{})

	assert.Equal(t, uint32(64*16), sb.MemoryPages())
	assert.Equal(t, 30*time.Second, sb.CallTimeout())
	assert.Empty(t, sb.BlockedList())
	assert.False(t, sb.Blocked("shell"))
}

func TestSandboxBlockedList(t *testing.T) {
	sb := NewSandbox(map[string]bool{
		"shell": true,
		"net":   true,
		"fs":    true,
		"env":   false, // false entries are not blocked
	}, Limits{MaxMemoryMB: 16, CallTimeout: time.Second})

	assert.Equal(t, []string{"fs", "net", "shell"}, sb.BlockedList())
	assert.True(t, sb.Blocked("shell"))
	assert.False(t, sb.Blocked("env"))
	assert.Equal(t, uint32(256), sb.MemoryPages())
	assert.Equal(t, time.Second, sb.CallTimeout())
}
