// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"strings"
	"sync"

	"github.com/GwynCerbin/rabbit_messenger/pkg/broker"
	"github.com/GwynCerbin/rabbit_messenger/pkg/envelope"
	"github.com/GwynCerbin/rabbit_messenger/pkg/serializer"
)

var (
	_ broker.Transport         = (*Transport)(nil)
	_ broker.QueueReceiver     = (*Transport)(nil)
	_ broker.Setupable         = (*Transport)(nil)
	_ broker.MessageCountAware = (*Transport)(nil)
	_ broker.Sender            = (*Sender)(nil)
	_ broker.QueueReceiver     = (*Receiver)(nil)
)

// Transport is the AMQP transport: one Connection shared by a Sender and a
// Receiver, both built on first use.
type Transport struct {
	con *Connection
	ser serializer.Serializer

	senderOnce   sync.Once
	sender       *Sender
	receiverOnce sync.Once
	receiver     *Receiver
}

// NewTransport returns a Transport over con. A nil ser means JSON with an
// empty type registry.
func NewTransport(con *Connection, ser serializer.Serializer) *Transport {
	if ser == nil {
		ser = serializer.NewJSON(serializer.NewTypeRegistry())
	}

	return &Transport{con: con, ser: ser}
}

func (t *Transport) getSender() *Sender {
	t.senderOnce.Do(func() {
		t.sender = NewSender(t.con, t.ser, t.con.logger, t.con.metrics)
	})

	return t.sender
}

func (t *Transport) getReceiver() *Receiver {
	t.receiverOnce.Do(func() {
		t.receiver = NewReceiver(t.con, t.ser, t.con.logger, t.con.metrics)
	})

	return t.receiver
}

// Connection returns the underlying connection.
func (t *Transport) Connection() *Connection {
	return t.con
}

// Send implements broker.Sender.
func (t *Transport) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return t.getSender().Send(ctx, env)
}

// Get implements broker.Receiver.
func (t *Transport) Get() ([]*envelope.Envelope, error) {
	return t.getReceiver().Get()
}

// GetFromQueues implements broker.QueueReceiver.
func (t *Transport) GetFromQueues(queueNames []string) ([]*envelope.Envelope, error) {
	return t.getReceiver().GetFromQueues(queueNames)
}

// Ack implements broker.Receiver.
func (t *Transport) Ack(env *envelope.Envelope) error {
	return t.getReceiver().Ack(env)
}

// Reject implements broker.Receiver.
func (t *Transport) Reject(env *envelope.Envelope) error {
	return t.getReceiver().Reject(env)
}

// MessageCount implements broker.MessageCountAware.
func (t *Transport) MessageCount() (int, error) {
	return t.getReceiver().MessageCount()
}

// Setup implements broker.Setupable.
func (t *Transport) Setup() error {
	return t.con.Setup()
}

// Close closes the broker connection.
func (t *Transport) Close() error {
	return t.con.Close()
}

// TransportFactory builds transports from DSNs.
type TransportFactory struct {
	options []Option
}

// NewTransportFactory returns a factory applying options to every connection it creates.
func NewTransportFactory(options ...Option) *TransportFactory {
	return &TransportFactory{options: options}
}

// Supports reports whether dsn names an AMQP broker.
func (f *TransportFactory) Supports(dsn string) bool {
	return strings.HasPrefix(dsn, schemeAMQP+"://") || strings.HasPrefix(dsn, schemeAMQPS+"://")
}

// CreateTransport parses dsn merged with overlay and returns a transport.
func (f *TransportFactory) CreateTransport(dsn string, overlay map[string]any, ser serializer.Serializer) (*Transport, error) {
	con, err := NewConnectionFromDSN(dsn, overlay, f.options...)
	if err != nil {
		return nil, err
	}

	return NewTransport(con, ser), nil
}
