// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"

	"github.com/GwynCerbin/rabbit_messenger/pkg/envelope"
	"github.com/GwynCerbin/rabbit_messenger/pkg/serializer"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Sender serializes envelopes and publishes them through a Connection.
type Sender struct {
	// con is the shared broker connection.
	con *Connection
	// ser turns envelopes into body and headers.
	ser     serializer.Serializer
	logger  *zap.Logger
	metrics *Metrics
}

// NewSender returns a Sender publishing through con.
func NewSender(con *Connection, ser serializer.Serializer, logger *zap.Logger, metrics *Metrics) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sender{
		con:     con,
		ser:     ser,
		logger:  logger,
		metrics: metrics,
	}
}

// Send publishes env and returns it unchanged.
//
// A DelayStamp routes the message through a delay queue. When env was
// received from this transport, the received message properties seed the
// published ones; with a RedeliveryStamp the message is sent back to
// exactly the queue it came from.
func (s *Sender) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	enc, err := s.ser.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	var delayMs int64
	if d, ok := envelope.Last[envelope.DelayStamp](env); ok {
		delayMs = d.Milliseconds()
	}

	stamp, _ := envelope.Last[*AmqpStamp](env)

	headers := make(amqp091.Table, len(enc.Headers))
	for k, v := range enc.Headers {
		headers[k] = v
	}

	if contentType, ok := enc.Headers[serializer.HeaderContentType]; ok {
		delete(headers, serializer.HeaderContentType)

		if stamp.Attributes().ContentType == "" {
			stamp = NewAmqpStampWithAttributes(Attributes{ContentType: contentType}, stamp)
		}
	}

	if received, ok := envelope.Last[*AmqpReceivedStamp](env); ok {
		retryKey := ""
		if _, redelivered := envelope.Last[envelope.RedeliveryStamp](env); redelivered {
			retryKey = received.QueueName
		}

		stamp = AmqpStampFromDelivery(received.Delivery, stamp, retryKey)
	}

	if stamp.Attributes().MessageID == "" {
		stamp = NewAmqpStampWithAttributes(Attributes{MessageID: uuid.NewString()}, stamp)
	}

	if err = s.con.Publish(ctx, enc.Body, headers, delayMs, stamp); err != nil {
		return nil, err
	}

	s.metrics.messageSent(s.con.opts.Exchange.Name, delayMs > 0)

	s.logger.Debug("message sent",
		zap.String("type", envelope.TypeName(env.Message())),
		zap.String("message_id", stamp.Attributes().MessageID),
		zap.Int64("delay_ms", delayMs),
	)

	return env, nil
}
