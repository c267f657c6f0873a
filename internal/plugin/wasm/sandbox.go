package wasm

import (
	"sort"
	"time"
)

// Limits are the host-configured resource defaults applied to every plugin.
type Limits struct {
	MaxMemoryMB int           // heap ceiling, default 64
	CallTimeout time.Duration // per-call reply deadline, default 30s
}

// Sandbox carries the per-plugin execution constraints derived from the
// manifest's permission set and the host limits. It is consulted at
// runtime-creation time (memory pages) and per call (timeout), and records
// which host capability namespaces stay blocked.
type Sandbox struct {
	blocked     map[string]bool
	maxMemoryMB int
	callTimeout time.Duration
}

// NewSandbox builds a sandbox for one plugin. blocked is the set of host
// capability namespaces withheld from the plugin, as decided by the
// permission model.
func NewSandbox(blocked map[string]bool, limits Limits) *Sandbox {
	maxMem := limits.MaxMemoryMB
	if maxMem <= 0 {
		maxMem = 64
	}
	timeout := limits.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := make(map[string]bool, len(blocked))
	for m, v := range blocked {
		if v {
			b[m] = true
		}
	}

	return &Sandbox{
		blocked:     b,
		maxMemoryMB: maxMem,
		callTimeout: timeout,
	}
}

// Blocked reports whether a host capability namespace is withheld.
func (s *Sandbox) Blocked(module string) bool {
	return s.blocked[module]
}

// BlockedList returns the withheld namespaces in stable order, for the init
// payload.
func (s *Sandbox) BlockedList() []string {
	out := make([]string, 0, len(s.blocked))
	for m := range s.blocked {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// CallTimeout returns the per-call reply deadline.
func (s *Sandbox) CallTimeout() time.Duration {
	return s.callTimeout
}

// MemoryPages converts the memory ceiling to 64KB wasm pages.
func (s *Sandbox) MemoryPages() uint32 {
	return uint32(s.maxMemoryMB) * 16 // 1 MB = 16 pages of 64KB
}
