// File: api/handler.go
// Package api defines the type-indexed handler registry.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import (
	"fmt"
	"sync/atomic"
)

// MaxTypes bounds application frame types.
const MaxTypes = 256

// HandlerFunc processes one application payload. The payload aliases queue
// memory and must not be retained after return.
type HandlerFunc func(typ uint16, payload []byte, arg any) error

type entry struct {
	fn  HandlerFunc
	arg any
}

// Registry maps frame types to callbacks. Lookups are lock-free so workers
// can read it while the application is still registering types.
type Registry struct {
	entries [MaxTypes]atomic.Pointer[entry]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs fn for typ, replacing any previous registration.
func (r *Registry) Register(typ uint16, fn HandlerFunc, arg any) error {
	if int(typ) >= MaxTypes {
		return fmt.Errorf("register type %d: %w", typ, ErrBadType)
	}
	if fn == nil {
		return fmt.Errorf("register type %d: nil handler: %w", typ, ErrInvalidArgument)
	}
	r.entries[typ].Store(&entry{fn: fn, arg: arg})
	return nil
}

// Lookup returns the callback registered for typ.
func (r *Registry) Lookup(typ uint16) (HandlerFunc, any, bool) {
	if r == nil || int(typ) >= MaxTypes {
		return nil, nil, false
	}
	e := r.entries[typ].Load()
	if e == nil {
		return nil, nil, false
	}
	return e.fn, e.arg, true
}

// Dispatch invokes the handler for typ. ok is false when nothing is
// registered.
func (r *Registry) Dispatch(typ uint16, payload []byte) (ok bool, err error) {
	fn, arg, ok := r.Lookup(typ)
	if !ok {
		return false, nil
	}
	return true, fn(typ, payload, arg)
}
