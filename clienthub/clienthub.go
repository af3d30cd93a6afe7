// Package clienthub provides a typed, scoped registry through which modules
// share API clients. Clients are registered during startup and read for the
// rest of the host's lifetime, so registration of an already-claimed slot is
// an error rather than an overwrite.
package clienthub

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// GlobalScope is the scope used by the Global helper functions. Modules that
// expose a single client instance for the whole host register it here.
const GlobalScope = "global"

type clientKey struct {
	typ   reflect.Type
	scope string
}

// Hub stores one client value per (type, scope) pair.
type Hub struct {
	mu      sync.RWMutex
	clients map[clientKey]interface{}
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{clients: map[clientKey]interface{}{}}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Register stores client under its type and the given scope. Registering the
// same (type, scope) pair twice is an error.
func Register[T any](h *Hub, scope string, client T) error {
	key := clientKey{typ: typeOf[T](), scope: scope}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[key]; ok {
		return errors.Errorf("client %s already registered in scope %q", key.typ, scope)
	}
	h.clients[key] = client
	return nil
}

// Lookup returns the client registered under T and the given scope.
func Lookup[T any](h *Hub, scope string) (T, bool) {
	key := clientKey{typ: typeOf[T](), scope: scope}
	h.mu.RLock()
	defer h.mu.RUnlock()
	value, ok := h.clients[key]
	if !ok {
		var zero T
		return zero, false
	}
	return value.(T), true
}

// RegisterGlobal registers client in the global scope.
func RegisterGlobal[T any](h *Hub, client T) error {
	return Register(h, GlobalScope, client)
}

// LookupGlobal returns the client registered under T in the global scope.
func LookupGlobal[T any](h *Hub) (T, bool) {
	return Lookup[T](h, GlobalScope)
}
