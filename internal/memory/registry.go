package memory

import (
	"sort"
	"strings"
	"sync"
)

// Registry holds named Strategy instances configured at startup. Names
// are normalised (trim+lowercase) on both Register and Get.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a strategy under its own normalised Name().
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[normalizeName(s.Name())] = s
}

// Get looks up a strategy by name, normalised the same way as Register.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[normalizeName(name)]
	return s, ok
}

// Available returns the registered strategy names in sorted order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildFromConfig registers a ThreadWindowMemory when maxContextTokens is
// configured, mirroring the startup wiring of a strategies config block.
func BuildFromConfig(maxContextTokens int) *Registry {
	reg := NewRegistry()
	if maxContextTokens > 0 {
		reg.Register(NewThreadWindowMemory(maxContextTokens))
	}
	return reg
}
