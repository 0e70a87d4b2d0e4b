// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GwynCerbin/rabbit_messenger/pkg/envelope"
	"github.com/GwynCerbin/rabbit_messenger/pkg/serializer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

func newTestTransport(t *testing.T, dsn string) (*Transport, *fakeBroker, *Metrics) {
	t.Helper()

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	con, b := newTestConnection(t, dsn, WithMetrics(metrics))

	reg := serializer.NewTypeRegistry()
	reg.Register(orderPlaced{})

	return NewTransport(con, serializer.NewJSON(reg)), b, metrics
}

func TestTransportRoundTrip(t *testing.T) {
	tr, b, metrics := newTestTransport(t, "amqp://localhost/%2f/messages")

	sent := envelope.New(orderPlaced{ID: "o-1", Total: 30})

	got, err := tr.Send(context.Background(), sent)
	require.NoError(t, err)
	assert.Same(t, sent, got)

	pubs := b.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "application/json", pubs[0].msg.ContentType)
	assert.NotEmpty(t, pubs[0].msg.MessageId)
	assert.NotContains(t, pubs[0].msg.Headers, serializer.HeaderContentType)
	assert.Equal(t, "adapter.orderPlaced", pubs[0].msg.Headers[serializer.HeaderType])

	envs, err := tr.Get()
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, orderPlaced{ID: "o-1", Total: 30}, envs[0].Message())

	received, ok := envelope.Last[*AmqpReceivedStamp](envs[0])
	require.True(t, ok)
	assert.Equal(t, "messages", received.QueueName)
	assert.Equal(t, pubs[0].msg.MessageId, received.Delivery.MessageId)

	require.NoError(t, tr.Ack(envs[0]))
	assert.Equal(t, []uint64{received.Delivery.DeliveryTag}, b.acks)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.sent.WithLabelValues("messages", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.received.WithLabelValues("messages")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.acked.WithLabelValues("messages")))

	envs, err = tr.Get()
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestSenderUsesDelayStamp(t *testing.T) {
	tr, b, metrics := newTestTransport(t, "amqp://localhost/%2f/messages")

	_, err := tr.Send(context.Background(), envelope.New(orderPlaced{ID: "o-2"}, envelope.NewDelayStamp(2*time.Second)))
	require.NoError(t, err)

	pubs := b.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "delays", pubs[0].exchange)
	assert.Equal(t, "delay_messages__2000_delay", pubs[0].key)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.sent.WithLabelValues("messages", "true")))
}

func TestSenderKeepsStampContentType(t *testing.T) {
	tr, b, _ := newTestTransport(t, "amqp://localhost/%2f/messages")

	stamp := NewAmqpStamp("", FlagNoParam, Attributes{ContentType: "application/vnd.order+json", MessageID: "fixed"})

	_, err := tr.Send(context.Background(), envelope.New(orderPlaced{ID: "o-3"}, stamp))
	require.NoError(t, err)

	pubs := b.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "application/vnd.order+json", pubs[0].msg.ContentType)
	assert.Equal(t, "fixed", pubs[0].msg.MessageId)
	assert.NotContains(t, pubs[0].msg.Headers, serializer.HeaderContentType)
}

func TestSenderRetriesToReceivedQueue(t *testing.T) {
	tr, b, _ := newTestTransport(t, "amqp://localhost/%2f/messages?queues[orders]=&queues[audit]=")

	_, err := tr.Send(context.Background(), envelope.New(orderPlaced{ID: "o-4"}))
	require.NoError(t, err)

	envs, err := tr.GetFromQueues([]string{"orders"})
	require.NoError(t, err)
	require.Len(t, envs, 1)

	received, _ := envelope.Last[*AmqpReceivedStamp](envs[0])

	retry := envs[0].With(envelope.RedeliveryStamp{RetryCount: 1}, envelope.NewDelayStamp(time.Second))

	_, err = tr.Send(context.Background(), retry)
	require.NoError(t, err)

	pubs := b.publishes()
	require.Len(t, pubs, 2)

	again := pubs[1]
	assert.Equal(t, "delays", again.exchange)
	assert.Equal(t, "delay_messages_orders_1000_retry", again.key)
	assert.Equal(t, received.Delivery.MessageId, again.msg.MessageId)
	assert.Equal(t, "1", again.msg.Headers[serializer.HeaderRedelivery])

	require.Contains(t, b.queues, again.key)
	assert.Equal(t, "", b.queues[again.key].args["x-dead-letter-exchange"])
	assert.Equal(t, "orders", b.queues[again.key].args["x-dead-letter-routing-key"])
}

func TestReceiverRejectsUndecodableMessage(t *testing.T) {
	tr, b, metrics := newTestTransport(t, "amqp://localhost/%2f/messages")

	b.enqueue("messages", amqp091.Delivery{
		Body:    []byte("{not json"),
		Headers: amqp091.Table{serializer.HeaderType: "adapter.orderPlaced"},
	})

	envs, err := tr.Get()
	require.Error(t, err)
	assert.Empty(t, envs)

	var decodeErr *serializer.DecodingError
	assert.True(t, errors.As(err, &decodeErr))

	require.Len(t, b.nacks, 1)
	assert.False(t, b.nacks[0].requeue)
	assert.Empty(t, b.acks)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.rejected.WithLabelValues("messages")))
}

func TestReceiverReconnectsOnce(t *testing.T) {
	tr, b, _ := newTestTransport(t, "amqp://localhost/%2f/messages")

	_, err := tr.Send(context.Background(), envelope.New(orderPlaced{ID: "o-5"}))
	require.NoError(t, err)

	b.getErrs = []error{amqp091.ErrClosed}

	envs, err := tr.Get()
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, orderPlaced{ID: "o-5"}, envs[0].Message())
	assert.Equal(t, 2, b.dials)
}

func TestReceiverGivesUpAfterOneReconnect(t *testing.T) {
	tr, b, _ := newTestTransport(t, "amqp://localhost/%2f/messages")

	b.getErrs = []error{amqp091.ErrClosed, amqp091.ErrClosed}

	_, err := tr.Get()
	require.Error(t, err)
	assert.True(t, errors.Is(err, amqp091.ErrClosed))
}

func TestReceiverRequiresReceivedStamp(t *testing.T) {
	tr, _, _ := newTestTransport(t, "amqp://localhost/%2f/messages")

	env := envelope.New(orderPlaced{ID: "o-6"})

	assert.ErrorIs(t, tr.Ack(env), ReceivedStampMissingError{})
	assert.ErrorIs(t, tr.Reject(env), ReceivedStampMissingError{})
}

func TestReceiverReject(t *testing.T) {
	tr, b, _ := newTestTransport(t, "amqp://localhost/%2f/messages")

	_, err := tr.Send(context.Background(), envelope.New(orderPlaced{ID: "o-7"}))
	require.NoError(t, err)

	envs, err := tr.Get()
	require.NoError(t, err)
	require.Len(t, envs, 1)

	require.NoError(t, tr.Reject(envs[0]))
	require.Len(t, b.nacks, 1)
	assert.False(t, b.nacks[0].requeue)
}

func TestTransportMessageCount(t *testing.T) {
	tr, _, _ := newTestTransport(t, "amqp://localhost/%2f/messages")

	for i := 0; i < 3; i++ {
		_, err := tr.Send(context.Background(), envelope.New(orderPlaced{ID: "o"}))
		require.NoError(t, err)
	}

	n, err := tr.MessageCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestTransportFactory(t *testing.T) {
	f := NewTransportFactory(WithFactory(newFakeBroker()))

	assert.True(t, f.Supports("amqp://localhost"))
	assert.True(t, f.Supports("amqps://localhost"))
	assert.False(t, f.Supports("redis://localhost"))

	tr, err := f.CreateTransport("amqp://localhost/%2f/events", map[string]any{"auto_setup": false}, nil)
	require.NoError(t, err)

	assert.Equal(t, "events", tr.Connection().Options().Exchange.Name)
	assert.False(t, tr.Connection().Options().AutoSetup)

	_, err = f.CreateTransport("amqp://localhost?bogus=1", nil, nil)
	assert.Error(t, err)
}
