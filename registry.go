package rpcstack

import (
	"fmt"
	"sync"
)

// Registry maps (service_id, method_id) pairs to ServerHandlers. A server
// Endpoint consults exactly one Registry. Registration happens once at
// startup, before the endpoint begins processing packets; double
// registration of the same (service,method) pair is a programmer error
// and panics, matching the teacher's fail-fast idiom for misconfiguration
// rather than returning an error a caller might silently ignore.
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]ServerHandler
}

type registryKey struct {
	serviceID uint32
	methodID  uint32
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[registryKey]ServerHandler)}
}

// Register binds handler to (serviceID, methodID). It panics if that pair
// is already registered.
func (r *Registry) Register(serviceID, methodID uint32, handler ServerHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{serviceID, methodID}
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("rpcstack: service %d method %d already registered", serviceID, methodID))
	}
	r.handlers[key] = handler
}

// Lookup returns the handler registered for (serviceID, methodID), if any.
func (r *Registry) Lookup(serviceID, methodID uint32) (ServerHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[registryKey{serviceID, methodID}]
	return h, ok
}
