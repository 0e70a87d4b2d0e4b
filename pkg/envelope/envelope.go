// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package envelope holds the application-level message wrapper that travels
// through transports, together with the stamps annotating it.
package envelope

import (
	"reflect"
	"strings"
)

// Stamp is an immutable metadata annotation attached to an Envelope.
// Concrete stamps are plain value or pointer types; lookups are done by
// concrete type through Last and All.
type Stamp interface {
	// StampName identifies the stamp kind, used by serializers and logs.
	StampName() string
}

// Envelope wraps a message and an ordered list of stamps.
// An Envelope is never mutated: With and WithoutAll return copies.
type Envelope struct {
	message any
	stamps  []Stamp
}

// New wraps message into an Envelope carrying the given stamps.
func New(message any, stamps ...Stamp) *Envelope {
	e := &Envelope{message: message}

	for _, s := range stamps {
		if s != nil {
			e.stamps = append(e.stamps, s)
		}
	}

	return e
}

// Message returns the wrapped application message.
func (e *Envelope) Message() any {
	return e.message
}

// Stamps returns a copy of all stamps in insertion order.
func (e *Envelope) Stamps() []Stamp {
	out := make([]Stamp, len(e.stamps))
	copy(out, e.stamps)

	return out
}

// With returns a copy of the envelope with stamps appended.
func (e *Envelope) With(stamps ...Stamp) *Envelope {
	out := &Envelope{
		message: e.message,
		stamps:  make([]Stamp, 0, len(e.stamps)+len(stamps)),
	}

	out.stamps = append(out.stamps, e.stamps...)

	for _, s := range stamps {
		if s != nil {
			out.stamps = append(out.stamps, s)
		}
	}

	return out
}

// Last returns the most recently added stamp of type T.
func Last[T Stamp](e *Envelope) (T, bool) {
	var zero T

	if e == nil {
		return zero, false
	}

	for i := len(e.stamps) - 1; i >= 0; i-- {
		if s, ok := e.stamps[i].(T); ok {
			return s, true
		}
	}

	return zero, false
}

// All returns every stamp of type T in insertion order.
func All[T Stamp](e *Envelope) []T {
	var out []T

	for _, s := range e.stamps {
		if v, ok := s.(T); ok {
			out = append(out, v)
		}
	}

	return out
}

// WithoutAll returns a copy of the envelope without stamps of type T.
func WithoutAll[T Stamp](e *Envelope) *Envelope {
	out := &Envelope{message: e.message}

	for _, s := range e.stamps {
		if _, ok := s.(T); ok {
			continue
		}

		out.stamps = append(out.stamps, s)
	}

	return out
}

// Named is implemented by messages that choose their own type name.
type Named interface {
	MessageType() string
}

// TypeName returns the name a message is routed and serialized under:
// MessageType() when the message implements Named, otherwise the Go type
// name without the pointer marker.
func TypeName(message any) string {
	if n, ok := message.(Named); ok {
		return n.MessageType()
	}

	if message == nil {
		return ""
	}

	return strings.TrimPrefix(reflect.TypeOf(message).String(), "*")
}
