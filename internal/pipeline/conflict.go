package pipeline

import (
	"strings"
	"sync"

	"meridian/internal/crdt"
)

// ConflictResolver overrides the plain newer-timestamp-wins merge rule
// for one (mapName, keyPattern) registration (spec.md §4.3 step 4).
type ConflictResolver func(local, incoming crdt.LWWRecord[[]byte]) crdt.LWWRecord[[]byte]

type conflictRegistration struct {
	keyPattern string // "*" suffix wildcard, or exact match
	resolve    ConflictResolver
}

// conflictResolvers holds resolvers registered per mapName.
type conflictResolvers struct {
	mu    sync.RWMutex
	byMap map[string][]conflictRegistration
}

func newConflictResolvers() *conflictResolvers {
	return &conflictResolvers{byMap: make(map[string][]conflictRegistration)}
}

// Register adds a resolver for mapName's keys matching keyPattern (an
// exact key, or a trailing "*" wildcard).
func (c *conflictResolvers) Register(mapName, keyPattern string, resolve ConflictResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byMap[mapName] = append(c.byMap[mapName], conflictRegistration{keyPattern: keyPattern, resolve: resolve})
}

// Lookup returns the first registered resolver for mapName whose
// pattern matches key, if any.
func (c *conflictResolvers) Lookup(mapName, key string) (ConflictResolver, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, reg := range c.byMap[mapName] {
		if matchKeyPattern(reg.keyPattern, key) {
			return reg.resolve, true
		}
	}
	return nil, false
}

func matchKeyPattern(pattern, key string) bool {
	if pattern == "*" || pattern == key {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
