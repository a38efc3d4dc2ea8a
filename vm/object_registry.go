package vm

import (
	"sync"
)

// ---------------------------------------------------------------------------
// ObjectRegistry: live host objects by stable ID
// ---------------------------------------------------------------------------

// ObjectRegistry tracks the host objects scripts may hold. It answers
// validity checks for waiting scripts and maps objects to the stable IDs
// written to save games.
type ObjectRegistry struct {
	mu   sync.RWMutex
	byID map[string]Scriptable
	ids  map[Scriptable]string
}

// NewObjectRegistry creates an empty registry.
func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{
		byID: make(map[string]Scriptable),
		ids:  make(map[Scriptable]string),
	}
}

// Register adds obj under id, replacing any object previously using id.
// obj is used as a map key and must be comparable; hosts register pointers.
func (or *ObjectRegistry) Register(id string, obj Scriptable) {
	or.mu.Lock()
	defer or.mu.Unlock()
	if old, ok := or.byID[id]; ok {
		delete(or.ids, old)
	}
	or.byID[id] = obj
	or.ids[obj] = id
}

// Unregister removes obj. Scripts waiting on it are finished on the next
// tick.
func (or *ObjectRegistry) Unregister(obj Scriptable) {
	or.mu.Lock()
	defer or.mu.Unlock()
	if id, ok := or.ids[obj]; ok {
		delete(or.byID, id)
		delete(or.ids, obj)
	}
}

// Valid reports whether obj is registered.
func (or *ObjectRegistry) Valid(obj Scriptable) bool {
	if obj == nil {
		return false
	}
	or.mu.RLock()
	defer or.mu.RUnlock()
	_, ok := or.ids[obj]
	return ok
}

// Get returns the object registered under id.
func (or *ObjectRegistry) Get(id string) Scriptable {
	or.mu.RLock()
	defer or.mu.RUnlock()
	return or.byID[id]
}

// Count returns the number of registered objects.
func (or *ObjectRegistry) Count() int {
	or.mu.RLock()
	defer or.mu.RUnlock()
	return len(or.byID)
}

// NativeID implements NativeResolver.
func (or *ObjectRegistry) NativeID(obj Scriptable) (string, bool) {
	or.mu.RLock()
	defer or.mu.RUnlock()
	id, ok := or.ids[obj]
	return id, ok
}

// ResolveNative implements NativeResolver.
func (or *ObjectRegistry) ResolveNative(id string) Scriptable {
	return or.Get(id)
}
