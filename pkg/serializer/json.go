// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package serializer

import (
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/GwynCerbin/rabbit_messenger/pkg/envelope"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const contentTypeJSON = "application/json"

// TypeRegistry maps message type names to Go types so that JSON bodies
// can be decoded back into the right message.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]reflect.Type)}
}

// Register records prototype under envelope.TypeName(prototype).
// Decoded messages have the same kind as the prototype: registering a
// pointer yields pointers, registering a value yields values.
func (r *TypeRegistry) Register(prototype any) string {
	name := envelope.TypeName(prototype)

	r.RegisterAs(name, prototype)

	return name
}

// RegisterAs records prototype under an explicit name.
func (r *TypeRegistry) RegisterAs(name string, prototype any) {
	r.mu.Lock()
	r.types[name] = reflect.TypeOf(prototype)
	r.mu.Unlock()
}

func (r *TypeRegistry) lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]

	return t, ok
}

// JSON serializes messages as JSON bodies typed through a TypeRegistry.
type JSON struct {
	registry *TypeRegistry
}

// NewJSON returns a JSON serializer. A nil registry is replaced by an empty one.
func NewJSON(registry *TypeRegistry) *JSON {
	if registry == nil {
		registry = NewTypeRegistry()
	}

	return &JSON{registry: registry}
}

// Encode implements Serializer.
func (s *JSON) Encode(e *envelope.Envelope) (Encoded, error) {
	body, err := json.Marshal(e.Message())
	if err != nil {
		return Encoded{}, fmt.Errorf("encode message body: %w", err)
	}

	headers := map[string]string{
		HeaderType:        envelope.TypeName(e.Message()),
		HeaderContentType: contentTypeJSON,
	}

	if stamp, ok := envelope.Last[envelope.RedeliveryStamp](e); ok {
		headers[HeaderRedelivery] = strconv.Itoa(stamp.RetryCount)
	}

	return Encoded{Body: body, Headers: headers}, nil
}

// Decode implements Serializer.
func (s *JSON) Decode(enc Encoded) (*envelope.Envelope, error) {
	if len(enc.Body) == 0 {
		return nil, &DecodingError{Reason: "encoded envelope should have a body"}
	}

	name, ok := enc.Headers[HeaderType]
	if !ok || name == "" {
		return nil, &DecodingError{Reason: "encoded envelope does not have a type header"}
	}

	typ, ok := s.registry.lookup(name)
	if !ok {
		return nil, &DecodingError{Reason: fmt.Sprintf("message type %q is not registered", name)}
	}

	isPtr := typ.Kind() == reflect.Pointer
	if isPtr {
		typ = typ.Elem()
	}

	target := reflect.New(typ)
	if err := json.Unmarshal(enc.Body, target.Interface()); err != nil {
		return nil, &DecodingError{Reason: "could not decode message body", Err: err}
	}

	message := target.Interface()
	if !isPtr {
		message = target.Elem().Interface()
	}

	var stamps []envelope.Stamp

	if raw, ok := enc.Headers[HeaderRedelivery]; ok {
		count, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &DecodingError{Reason: "invalid redelivery header", Err: err}
		}

		stamps = append(stamps, envelope.RedeliveryStamp{RetryCount: count})
	}

	return envelope.New(message, stamps...), nil
}
