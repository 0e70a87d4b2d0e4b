// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package serializer converts envelopes to and from their wire form.
package serializer

import (
	"fmt"

	"github.com/GwynCerbin/rabbit_messenger/pkg/envelope"
)

// Header names shared by the serializers.
const (
	HeaderContentType = "Content-Type"
	HeaderType        = "type"
	HeaderRedelivery  = "X-Message-Stamp-Redelivery"
)

// Encoded is the wire form of an envelope: an opaque body plus
// string headers carried as broker message headers.
type Encoded struct {
	Body    []byte
	Headers map[string]string
}

// Serializer encodes envelopes for a transport and decodes them back.
// Decode must return a *DecodingError for input it cannot understand.
type Serializer interface {
	Encode(*envelope.Envelope) (Encoded, error)
	Decode(Encoded) (*envelope.Envelope, error)
}

// DecodingError is returned when a wire message cannot be turned into an envelope.
type DecodingError struct {
	Reason string
	Err    error
}

// Error implements the error interface for DecodingError.
func (e *DecodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("message decoding failed: %s: %v", e.Reason, e.Err)
	}

	return "message decoding failed: " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *DecodingError) Unwrap() error {
	return e.Err
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}

	return out
}
