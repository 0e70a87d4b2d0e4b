// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/rabbitmq/amqp091-go"
)

const (
	saslPlain    = "plain"
	saslExternal = "external"
)

// Factory creates broker primitives. The default factory talks to a real
// broker through amqp091-go; tests substitute an in-memory one.
type Factory interface {
	// CreateConnection opens a connection to the broker described by opts.
	CreateConnection(opts ConnectionOptions) (BrokerConnection, error)
	// CreateChannel opens a channel on conn.
	CreateChannel(conn BrokerConnection) (BrokerChannel, error)
}

// BrokerConnection is an open broker connection.
type BrokerConnection interface {
	IsClosed() bool
	Close() error
}

// Confirmation is a pending publisher confirm.
type Confirmation interface {
	// WaitContext blocks until the broker acks (true) or nacks (false) the publish.
	WaitContext(ctx context.Context) (bool, error)
}

// BrokerChannel is the subset of an AMQP channel the transport needs.
//
//nolint:interfacebloat // mirrors the AMQP channel methods used by the transport
type BrokerChannel interface {
	IsClosed() bool
	Close() error

	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	QueuePurge(name string, noWait bool) (int, error)

	// Publish sends msg; the returned Confirmation is nil unless the
	// channel is in confirm mode.
	Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (Confirmation, error)
	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

// NewFactory returns the amqp091-go backed factory.
func NewFactory() Factory {
	return amqpFactory{}
}

type amqpFactory struct{}

// CreateConnection implements Factory.
func (amqpFactory) CreateConnection(opts ConnectionOptions) (BrokerConnection, error) {
	cfg, err := clientConfig(opts)
	if err != nil {
		return nil, err
	}

	con, err := amqp091.DialConfig(brokerURI(opts), cfg)
	if err != nil {
		return nil, fmt.Errorf("dial amqp091: %w", err)
	}

	return con, nil
}

// CreateChannel implements Factory.
func (amqpFactory) CreateChannel(conn BrokerConnection) (BrokerChannel, error) {
	c, ok := conn.(*amqp091.Connection)
	if !ok {
		return nil, fmt.Errorf("unexpected broker connection type %T", conn)
	}

	ch, err := c.Channel()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	return amqpChannel{Channel: ch}, nil
}

// amqpChannel adapts *amqp091.Channel to BrokerChannel.
type amqpChannel struct {
	*amqp091.Channel
}

// Publish implements BrokerChannel.
func (c amqpChannel) Publish(
	ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing,
) (Confirmation, error) {
	conf, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
	if err != nil {
		return nil, err
	}

	if conf == nil {
		return nil, nil
	}

	return conf, nil
}

func brokerURI(opts ConnectionOptions) string {
	uri := amqp091.URI{
		Scheme:   opts.Scheme,
		Host:     opts.Host,
		Port:     opts.Port,
		Username: opts.Login,
		Password: opts.Password,
		Vhost:    opts.Vhost,
	}

	return uri.String()
}

func clientConfig(opts ConnectionOptions) (amqp091.Config, error) {
	cfg := amqp091.Config{
		Vhost:      opts.Vhost,
		ChannelMax: uint16(opts.ChannelMax),
		FrameSize:  opts.FrameMax,
		Heartbeat:  opts.Heartbeat,
		Properties: amqp091.NewConnectionProperties(),
	}

	if opts.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(opts.ConnectionName)
	}

	if opts.ConnectTimeout > 0 {
		cfg.Dial = amqp091.DefaultDial(opts.ConnectTimeout)
	}

	switch opts.SASLMethod {
	case saslExternal:
		cfg.SASL = []amqp091.Authentication{&amqp091.ExternalAuth{}}
	default:
		cfg.SASL = []amqp091.Authentication{
			&amqp091.PlainAuth{Username: opts.Login, Password: opts.Password},
		}
	}

	if opts.TLS.Enabled {
		tlsCfg, err := tlsConfig(opts.TLS)
		if err != nil {
			return amqp091.Config{}, err
		}

		cfg.TLSClientConfig = tlsCfg
	}

	return cfg, nil
}

func tlsConfig(opts TLSOptions) (*tls.Config, error) {
	pem, err := os.ReadFile(opts.CACert)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificate found in %s", opts.CACert)
	}

	cfg := &tls.Config{
		RootCAs:            pool,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !opts.Verify, //nolint:gosec // opt-out requested through the DSN
	}

	if opts.Cert != "" {
		pair, err := tls.LoadX509KeyPair(opts.Cert, opts.Key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}

		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}
