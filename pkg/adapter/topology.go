// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"strconv"
	"strings"

	"github.com/rabbitmq/amqp091-go"
)

// exchange is a handle on a declared (or to be declared) exchange, bound
// to the channel it was created on.
type exchange struct {
	ch   BrokerChannel
	opts ExchangeOptions
}

func (e *exchange) declare() error {
	f := e.opts.Flags
	if f.Has(FlagPassive) {
		return e.ch.ExchangeDeclarePassive(e.opts.Name, e.opts.Type, f.Has(FlagDurable), f.Has(FlagAutoDelete), f.Has(FlagInternal), f.Has(FlagNoWait), e.opts.Arguments)
	}

	return e.ch.ExchangeDeclare(e.opts.Name, e.opts.Type, f.Has(FlagDurable), f.Has(FlagAutoDelete), f.Has(FlagInternal), f.Has(FlagNoWait), e.opts.Arguments)
}

func (e *exchange) publish(ctx context.Context, key string, flags Flags, msg amqp091.Publishing) (Confirmation, error) {
	return e.ch.Publish(ctx, e.opts.Name, key, flags.Has(FlagMandatory), flags.Has(FlagImmediate), msg)
}

// queue is a handle on a named queue bound to the channel it was created on.
type queue struct {
	ch   BrokerChannel
	opts QueueOptions
}

// declare declares the queue and returns the number of messages it holds.
func (q *queue) declare() (int, error) {
	var (
		f     = q.opts.Flags
		state amqp091.Queue
		err   error
	)

	if f.Has(FlagPassive) {
		state, err = q.ch.QueueDeclarePassive(q.opts.Name, f.Has(FlagDurable), f.Has(FlagAutoDelete), f.Has(FlagExclusive), f.Has(FlagNoWait), q.opts.Arguments)
	} else {
		state, err = q.ch.QueueDeclare(q.opts.Name, f.Has(FlagDurable), f.Has(FlagAutoDelete), f.Has(FlagExclusive), f.Has(FlagNoWait), q.opts.Arguments)
	}

	if err != nil {
		return 0, err
	}

	return state.Messages, nil
}

func (q *queue) bind(exchangeName, key string, args amqp091.Table) error {
	return q.ch.QueueBind(q.opts.Name, key, exchangeName, false, args)
}

// get fetches one message without blocking; ok is false when the queue is empty.
func (q *queue) get() (amqp091.Delivery, bool, error) {
	return q.ch.Get(q.opts.Name, false)
}

func (q *queue) ack(tag uint64) error {
	return q.ch.Ack(tag, false)
}

func (q *queue) nack(tag uint64, flags Flags) error {
	return q.ch.Nack(tag, flags.Has(FlagMultiple), flags.Has(FlagRequeue))
}

func (q *queue) purge() (int, error) {
	return q.ch.QueuePurge(q.opts.Name, false)
}

// DelayQueueName returns the name of the queue holding messages delayed by
// delayMs for routingKey. The suffix separates retries of a failed message
// ("_retry") from first-time scheduled delays ("_delay").
func DelayQueueName(pattern, exchangeName string, delayMs int64, routingKey string, isRetryAttempt bool) string {
	name := strings.NewReplacer(
		"%delay%", strconv.FormatInt(delayMs, 10),
		"%exchange_name%", exchangeName,
		"%routing_key%", routingKey,
	).Replace(pattern)

	if isRetryAttempt {
		return name + "_retry"
	}

	return name + "_delay"
}

// delayQueueOptions builds the queue that holds delayed messages until
// their TTL expires and the broker dead-letters them to their destination.
// Retries dead-letter through the default exchange so that they reach
// exactly the queue named by routingKey instead of every bound queue.
func delayQueueOptions(name, exchangeName string, delayMs int64, routingKey string, isRetryAttempt bool) QueueOptions {
	deadLetterExchange := exchangeName
	if isRetryAttempt {
		deadLetterExchange = ""
	}

	return QueueOptions{
		Name:  name,
		Flags: FlagDurable,
		Arguments: amqp091.Table{
			"x-message-ttl":             delayMs,
			"x-expires":                 delayMs + DelayQueueExpiryMargin.Milliseconds(),
			"x-dead-letter-exchange":    deadLetterExchange,
			"x-dead-letter-routing-key": routingKey,
		},
	}
}
