// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import (
	"context"

	"github.com/GwynCerbin/rabbit_messenger/pkg/envelope"
)

// Handler processes one envelope. A nil error acks the message, any
// other error rejects it.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Router maps message type names, as returned by envelope.TypeName, to handlers.
type Router map[string]Handler

func NewRouter() Router {
	return make(Router)
}

func (r Router) Add(typeName string, h Handler) {
	r[typeName] = h
}

// AddFor routes messages of the same type as prototype to h.
func (r Router) AddFor(prototype any, h Handler) {
	r[envelope.TypeName(prototype)] = h
}
