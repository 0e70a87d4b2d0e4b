// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

type fakeBinding struct {
	queue    string
	exchange string
	key      string
	args     amqp091.Table
}

type fakePublish struct {
	exchange  string
	key       string
	mandatory bool
	msg       amqp091.Publishing
}

type fakeNack struct {
	tag     uint64
	requeue bool
}

type fakeQueue struct {
	args     amqp091.Table
	messages []amqp091.Delivery
}

// fakeBroker is an in-memory broker shared by every connection a
// fakeFactory opens, so state survives reconnects.
type fakeBroker struct {
	mu sync.Mutex

	exchanges map[string]string
	queues    map[string]*fakeQueue
	bindings  []fakeBinding
	published []fakePublish
	acks      []uint64
	nacks     []fakeNack

	// getErrs are returned, in order, by the next Get calls.
	getErrs []error
	// nackConfirms makes confirmations negative.
	nackConfirms bool
	// stallConfirms makes confirmations never arrive.
	stallConfirms bool

	dials    int
	dialErr  error
	channels []*fakeChannel
	nextTag  uint64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*fakeQueue),
	}
}

// enqueue puts a message straight into queue.
func (b *fakeBroker) enqueue(queue string, d amqp091.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queueLocked(queue).messages = append(b.queueLocked(queue).messages, d)
}

func (b *fakeBroker) queueLocked(name string) *fakeQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &fakeQueue{}
		b.queues[name] = q
	}

	return q
}

func (b *fakeBroker) publishes() []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]fakePublish(nil), b.published...)
}

func (b *fakeBroker) declaredExchanges() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.exchanges))
	for k, v := range b.exchanges {
		out[k] = v
	}

	return out
}

func (b *fakeBroker) CreateConnection(ConnectionOptions) (BrokerConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dialErr != nil {
		return nil, b.dialErr
	}

	b.dials++

	return &fakeConnection{}, nil
}

func (b *fakeBroker) CreateChannel(conn BrokerConnection) (BrokerChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := &fakeChannel{broker: b, conn: conn.(*fakeConnection)}
	b.channels = append(b.channels, ch)

	return ch, nil
}

type fakeConnection struct {
	closed bool
}

func (c *fakeConnection) IsClosed() bool { return c.closed }

func (c *fakeConnection) Close() error {
	c.closed = true

	return nil
}

type fakeConfirmation struct {
	ok bool
}

func (c fakeConfirmation) WaitContext(context.Context) (bool, error) {
	return c.ok, nil
}

// stalledConfirmation waits until the context gives up.
type stalledConfirmation struct{}

func (stalledConfirmation) WaitContext(ctx context.Context) (bool, error) {
	<-ctx.Done()

	return false, ctx.Err()
}

type fakeChannel struct {
	broker  *fakeBroker
	conn    *fakeConnection
	closed  bool
	confirm bool
	qos     int
}

func (c *fakeChannel) IsClosed() bool { return c.closed || c.conn.closed }

func (c *fakeChannel) Close() error {
	c.closed = true

	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.qos = prefetchCount

	return nil
}

func (c *fakeChannel) Confirm(bool) error {
	c.confirm = true

	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp091.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	c.broker.exchanges[name] = kind

	return nil
}

func (c *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp091.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if _, ok := c.broker.exchanges[name]; !ok {
		return &amqp091.Error{Code: amqp091.NotFound, Reason: "no exchange " + name}
	}

	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp091.Table) (amqp091.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	q := c.broker.queueLocked(name)
	q.args = args

	return amqp091.Queue{Name: name, Messages: len(q.messages)}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	q, ok := c.broker.queues[name]
	if !ok {
		return amqp091.Queue{}, &amqp091.Error{Code: amqp091.NotFound, Reason: "no queue " + name}
	}

	return amqp091.Queue{Name: name, Messages: len(q.messages)}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, args amqp091.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	c.broker.bindings = append(c.broker.bindings, fakeBinding{queue: name, exchange: exchange, key: key, args: args})

	return nil
}

func (c *fakeChannel) QueuePurge(name string, _ bool) (int, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	q := c.broker.queueLocked(name)
	n := len(q.messages)
	q.messages = nil

	return n, nil
}

func (c *fakeChannel) Publish(
	_ context.Context, exchange, key string, mandatory, _ bool, msg amqp091.Publishing,
) (Confirmation, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	c.broker.published = append(c.broker.published, fakePublish{exchange: exchange, key: key, mandatory: mandatory, msg: msg})

	for _, name := range c.broker.routeLocked(exchange, key) {
		q := c.broker.queueLocked(name)
		q.messages = append(q.messages, amqp091.Delivery{
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			CorrelationId: msg.CorrelationId,
			MessageId:     msg.MessageId,
			Timestamp:     msg.Timestamp,
			Type:          msg.Type,
			AppId:         msg.AppId,
			Exchange:      exchange,
			RoutingKey:    key,
			Body:          msg.Body,
		})
	}

	if !c.confirm {
		return nil, nil
	}

	if c.broker.stallConfirms {
		return stalledConfirmation{}, nil
	}

	return fakeConfirmation{ok: !c.broker.nackConfirms}, nil
}

func (b *fakeBroker) routeLocked(exchange, key string) []string {
	if exchange == "" {
		return []string{key}
	}

	var out []string

	for _, bnd := range b.bindings {
		if bnd.exchange != exchange {
			continue
		}

		if b.exchanges[exchange] == amqp091.ExchangeFanout || bnd.key == key {
			out = append(out, bnd.queue)
		}
	}

	return out
}

func (c *fakeChannel) Get(queue string, _ bool) (amqp091.Delivery, bool, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if len(c.broker.getErrs) > 0 {
		err := c.broker.getErrs[0]
		c.broker.getErrs = c.broker.getErrs[1:]

		return amqp091.Delivery{}, false, err
	}

	q, ok := c.broker.queues[queue]
	if !ok || len(q.messages) == 0 {
		return amqp091.Delivery{}, false, nil
	}

	d := q.messages[0]
	q.messages = q.messages[1:]

	c.broker.nextTag++
	d.DeliveryTag = c.broker.nextTag

	return d, true, nil
}

func (c *fakeChannel) Ack(tag uint64, _ bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	c.broker.acks = append(c.broker.acks, tag)

	return nil
}

func (c *fakeChannel) Nack(tag uint64, _, requeue bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	c.broker.nacks = append(c.broker.nacks, fakeNack{tag: tag, requeue: requeue})

	return nil
}
