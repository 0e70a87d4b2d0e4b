// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package broker

import (
	"context"

	"github.com/GwynCerbin/rabbit_messenger/pkg/envelope"
)

// Sender defines the produce side of a transport.
type Sender interface {
	// Send delivers the envelope to the broker and returns it unchanged.
	// It returns an error if the message could not be handed to the broker.
	Send(context.Context, *envelope.Envelope) (*envelope.Envelope, error)
}

// Receiver defines the consume side of a transport.
// Every envelope returned by Get must be settled with Ack or Reject.
type Receiver interface {
	// Get fetches the currently available envelopes without blocking.
	// An empty result means nothing is waiting.
	Get() ([]*envelope.Envelope, error)

	// Ack acknowledges successful processing of the envelope.
	Ack(*envelope.Envelope) error

	// Reject removes the envelope from the queue without requeueing it.
	Reject(*envelope.Envelope) error
}

// QueueReceiver is a Receiver that can be limited to specific queues.
type QueueReceiver interface {
	Receiver

	// GetFromQueues fetches envelopes from the named queues, in order.
	GetFromQueues(queueNames []string) ([]*envelope.Envelope, error)
}

// Setupable transports can declare their broker topology on demand.
type Setupable interface {
	Setup() error
}

// MessageCountAware transports report how many messages are waiting.
type MessageCountAware interface {
	MessageCount() (int, error)
}

// Transport combines both sides of a broker transport.
type Transport interface {
	Sender
	Receiver

	// Close releases the broker connection. Further calls reconnect lazily.
	Close() error
}
