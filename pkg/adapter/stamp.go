// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Attributes are the broker-native properties of a published message.
// Zero values mean "not set".
type Attributes struct {
	Headers         amqp091.Table
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// withDefaults fills every unset attribute of a from d.
func (a Attributes) withDefaults(d Attributes) Attributes {
	if a.Headers == nil {
		a.Headers = d.Headers
	}

	if a.ContentType == "" {
		a.ContentType = d.ContentType
	}

	if a.ContentEncoding == "" {
		a.ContentEncoding = d.ContentEncoding
	}

	if a.DeliveryMode == 0 {
		a.DeliveryMode = d.DeliveryMode
	}

	if a.Priority == 0 {
		a.Priority = d.Priority
	}

	if a.CorrelationID == "" {
		a.CorrelationID = d.CorrelationID
	}

	if a.ReplyTo == "" {
		a.ReplyTo = d.ReplyTo
	}

	if a.Expiration == "" {
		a.Expiration = d.Expiration
	}

	if a.MessageID == "" {
		a.MessageID = d.MessageID
	}

	if a.Timestamp.IsZero() {
		a.Timestamp = d.Timestamp
	}

	if a.Type == "" {
		a.Type = d.Type
	}

	if a.UserID == "" {
		a.UserID = d.UserID
	}

	if a.AppID == "" {
		a.AppID = d.AppID
	}

	return a
}

func (a Attributes) publishing(body []byte) amqp091.Publishing {
	return amqp091.Publishing{
		Headers:         a.Headers,
		ContentType:     a.ContentType,
		ContentEncoding: a.ContentEncoding,
		DeliveryMode:    a.DeliveryMode,
		Priority:        a.Priority,
		CorrelationId:   a.CorrelationID,
		ReplyTo:         a.ReplyTo,
		Expiration:      a.Expiration,
		MessageId:       a.MessageID,
		Timestamp:       a.Timestamp,
		Type:            a.Type,
		UserId:          a.UserID,
		AppId:           a.AppID,
		Body:            body,
	}
}

func attributesFromDelivery(d amqp091.Delivery) Attributes {
	return Attributes{
		Headers:         d.Headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageID:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserID:          d.UserId,
		AppID:           d.AppId,
	}
}

// AmqpStamp carries the routing key, publish flags and attributes used when
// an envelope is published.
type AmqpStamp struct {
	routingKey     *string
	flags          Flags
	attributes     Attributes
	isRetryAttempt bool
}

// NewAmqpStamp returns a stamp routing the message with routingKey.
func NewAmqpStamp(routingKey string, flags Flags, attributes Attributes) *AmqpStamp {
	return &AmqpStamp{
		routingKey: &routingKey,
		flags:      flags,
		attributes: attributes,
	}
}

// NewAmqpStampWithAttributes returns a stamp that keeps routing key and
// flags of previous (which may be nil) and overrides its attributes with
// the ones set in attributes.
func NewAmqpStampWithAttributes(attributes Attributes, previous *AmqpStamp) *AmqpStamp {
	if previous == nil {
		return &AmqpStamp{attributes: attributes}
	}

	return &AmqpStamp{
		routingKey: previous.routingKey,
		flags:      previous.flags,
		attributes: attributes.withDefaults(previous.attributes),
	}
}

// AmqpStampFromDelivery seeds a stamp from a message received from the
// broker, keeping whatever previous (which may be nil) already defines.
// A non-empty retryRoutingKey marks the stamp as a retry routed to that
// queue; otherwise the routing key of previous or of the delivery is used.
func AmqpStampFromDelivery(d amqp091.Delivery, previous *AmqpStamp, retryRoutingKey string) *AmqpStamp {
	stamp := &AmqpStamp{attributes: attributesFromDelivery(d)}

	if previous != nil {
		stamp.flags = previous.flags
		stamp.attributes = previous.attributes.withDefaults(stamp.attributes)
	}

	switch {
	case retryRoutingKey != "":
		stamp.routingKey = &retryRoutingKey
		stamp.isRetryAttempt = true
	case previous != nil && previous.routingKey != nil:
		stamp.routingKey = previous.routingKey
	default:
		key := d.RoutingKey
		stamp.routingKey = &key
	}

	return stamp
}

// StampName implements envelope.Stamp.
func (*AmqpStamp) StampName() string {
	return "amqp"
}

// RoutingKey returns the routing key, if one was set.
func (s *AmqpStamp) RoutingKey() (string, bool) {
	if s == nil || s.routingKey == nil {
		return "", false
	}

	return *s.routingKey, true
}

// Flags returns the publish flags.
func (s *AmqpStamp) Flags() Flags {
	if s == nil {
		return FlagNoParam
	}

	return s.flags
}

// Attributes returns the message attributes.
func (s *AmqpStamp) Attributes() Attributes {
	if s == nil {
		return Attributes{}
	}

	return s.attributes
}

// IsRetryAttempt reports whether the stamp routes a retry of a failed message.
func (s *AmqpStamp) IsRetryAttempt() bool {
	return s != nil && s.isRetryAttempt
}

// AmqpReceivedStamp is attached to every envelope fetched from the broker.
type AmqpReceivedStamp struct {
	Delivery  amqp091.Delivery
	QueueName string
}

// StampName implements envelope.Stamp.
func (*AmqpReceivedStamp) StampName() string {
	return "amqp_received"
}
