// Package protocol holds the per-service wire-type registry: each PType
// maps to a codec packing and unpacking its payload plus the dispatch
// hook installed by the service's behavior.
package protocol

import (
	"fmt"

	"github.com/arborlabs/arbor/internal/message"
)

// Codec packs handler arguments into payload bytes and back.
type Codec interface {
	Pack(args ...any) ([]byte, error)
	Unpack(payload []byte) ([]any, error)
}

// Entry binds a wire type to its name, codec and dispatch hook. The
// dispatch hook type is supplied by the hosting layer, which keeps this
// package free of a dependency on the service runtime.
type Entry[H any] struct {
	Name     string
	Type     message.PType
	Codec    Codec
	Dispatch H
}

// Registry resolves incoming messages by numeric type and outgoing sends
// by name or type. Registration happens during service construction;
// lookups afterwards are read-only.
type Registry[H any] struct {
	byType map[message.PType]*Entry[H]
	byName map[string]*Entry[H]
}

// NewRegistry returns an empty registry.
func NewRegistry[H any]() *Registry[H] {
	return &Registry[H]{
		byType: make(map[message.PType]*Entry[H]),
		byName: make(map[string]*Entry[H]),
	}
}

// Register installs e, replacing any previous entry for the same name or
// type.
func (r *Registry[H]) Register(e *Entry[H]) {
	r.byType[e.Type] = e
	r.byName[e.Name] = e
}

// ByType resolves an entry by numeric wire type.
func (r *Registry[H]) ByType(t message.PType) (*Entry[H], error) {
	e, ok := r.byType[t]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown ptype %d", t)
	}
	return e, nil
}

// ByName resolves an entry by protocol name.
func (r *Registry[H]) ByName(name string) (*Entry[H], error) {
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown protocol %q", name)
	}
	return e, nil
}
