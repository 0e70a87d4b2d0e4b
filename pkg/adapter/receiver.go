// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"fmt"

	"github.com/GwynCerbin/rabbit_messenger/pkg/envelope"
	"github.com/GwynCerbin/rabbit_messenger/pkg/serializer"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Receiver fetches messages from the configured queues and settles them.
type Receiver struct {
	// con is the shared broker connection.
	con *Connection
	// ser turns body and headers back into envelopes.
	ser     serializer.Serializer
	logger  *zap.Logger
	metrics *Metrics
}

// NewReceiver returns a Receiver reading through con.
func NewReceiver(con *Connection, ser serializer.Serializer, logger *zap.Logger, metrics *Metrics) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Receiver{
		con:     con,
		ser:     ser,
		logger:  logger,
		metrics: metrics,
	}
}

// Get fetches at most one envelope from each configured queue.
func (r *Receiver) Get() ([]*envelope.Envelope, error) {
	return r.GetFromQueues(r.con.QueueNames())
}

// GetFromQueues fetches at most one envelope from each named queue, in
// order. On error the envelopes fetched so far are returned with it; they
// still have to be settled.
func (r *Receiver) GetFromQueues(queueNames []string) ([]*envelope.Envelope, error) {
	envs := make([]*envelope.Envelope, 0, len(queueNames))

	for _, name := range queueNames {
		env, err := r.getEnvelope(name)
		if err != nil {
			return envs, err
		}

		if env != nil {
			envs = append(envs, env)
		}
	}

	return envs, nil
}

func (r *Receiver) getEnvelope(queueName string) (*envelope.Envelope, error) {
	d, err := r.con.Get(queueName)
	if err != nil && IsConnectionError(err) {
		r.logger.Warn("amqp get failed, reconnecting", zap.String("queue", queueName), zap.Error(err))

		if err = r.con.Reconnect(); err == nil {
			d, err = r.con.Get(queueName)
		}
	}

	if err != nil {
		return nil, err
	}

	if d == nil {
		return nil, nil
	}

	r.metrics.messageReceived(queueName)

	env, err := r.ser.Decode(serializer.Encoded{
		Body:    d.Body,
		Headers: decodeHeaders(*d),
	})
	if err != nil {
		// A message that cannot be decoded would come back forever.
		err = multierr.Append(err, r.reject(*d, queueName))

		r.logger.Error("drop undecodable message",
			zap.String("queue", queueName),
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)

		return nil, err
	}

	return env.With(&AmqpReceivedStamp{Delivery: *d, QueueName: queueName}), nil
}

// Ack acknowledges an envelope returned by Get.
func (r *Receiver) Ack(env *envelope.Envelope) error {
	stamp, ok := envelope.Last[*AmqpReceivedStamp](env)
	if !ok {
		return ReceivedStampMissingError{}
	}

	if err := r.con.Ack(stamp.Delivery, stamp.QueueName); err != nil {
		return err
	}

	r.metrics.messageAcked(stamp.QueueName)

	return nil
}

// Reject drops an envelope returned by Get without requeueing it.
func (r *Receiver) Reject(env *envelope.Envelope) error {
	stamp, ok := envelope.Last[*AmqpReceivedStamp](env)
	if !ok {
		return ReceivedStampMissingError{}
	}

	return r.reject(stamp.Delivery, stamp.QueueName)
}

func (r *Receiver) reject(d amqp091.Delivery, queueName string) error {
	if err := r.con.Nack(d, queueName, FlagNoParam); err != nil {
		return err
	}

	r.metrics.messageRejected(queueName)

	return nil
}

// MessageCount returns the number of messages waiting in the configured queues.
func (r *Receiver) MessageCount() (int, error) {
	return r.con.CountMessagesInQueues()
}

// decodeHeaders flattens the delivery headers into serializer headers. The
// content type travels as a message property and is restored as a header.
func decodeHeaders(d amqp091.Delivery) map[string]string {
	headers := make(map[string]string, len(d.Headers)+1)

	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}

	if d.ContentType != "" {
		headers[serializer.HeaderContentType] = d.ContentType
	}

	return headers
}
