// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Flags is a bitmask of AMQP declare/publish/settle options. The numeric
// values follow the ones used by AMQP client libraries so that a DSN such
// as "?queues[q][flags]=2" keeps its usual meaning.
type Flags int

const (
	FlagNoParam    Flags = 0
	FlagDurable    Flags = 2
	FlagPassive    Flags = 4
	FlagExclusive  Flags = 8
	FlagAutoDelete Flags = 16
	FlagInternal   Flags = 32
	FlagMandatory  Flags = 1024
	FlagImmediate  Flags = 2048
	FlagMultiple   Flags = 4096
	FlagNoWait     Flags = 8192
	FlagRequeue    Flags = 16384
)

// Has reports whether every bit of f is set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

const (
	defaultHost              = "localhost"
	defaultPort              = 5672
	defaultTLSPort           = 5671
	defaultVhost             = "/"
	defaultExchangeName      = "messages"
	defaultDelayExchange     = "delays"
	defaultDelayQueuePattern = "delay_%exchange_name%_%routing_key%_%delay%"
	defaultDeliveryMode      = amqp091.Persistent

	// DelayQueueExpiryMargin is how long a delay queue outlives the delay of
	// the messages it holds before the broker removes it.
	DelayQueueExpiryMargin = 10 * time.Second
)

// DefaultCACert is the CA certificate file used for amqps connections
// that do not name one explicitly.
var DefaultCACert string

// integerArguments must hold integers for the broker to accept them.
var integerArguments = []string{
	"x-delay",
	"x-expires",
	"x-max-length",
	"x-max-length-bytes",
	"x-max-priority",
	"x-message-ttl",
}

// ConnectionOptions is the fully resolved transport configuration.
type ConnectionOptions struct {
	Scheme   string
	Host     string
	Port     int
	Vhost    string
	Login    string
	Password string

	Exchange ExchangeOptions
	Queues   []QueueOptions
	Delay    DelayOptions

	// AutoSetup declares exchange and queues before the first publish/get.
	AutoSetup bool

	FrameMax       int
	ChannelMax     int
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	// ConfirmTimeout enables publisher confirms when positive.
	ConfirmTimeout time.Duration
	PrefetchCount  int
	ConnectionName string
	SASLMethod     string

	TLS TLSOptions
}

// ExchangeOptions describe the main exchange messages are published to.
type ExchangeOptions struct {
	Name                     string
	Type                     string
	DefaultPublishRoutingKey string
	Flags                    Flags
	Arguments                amqp091.Table
}

// QueueOptions describe one consumed queue and how it binds to the exchange.
type QueueOptions struct {
	Name             string
	BindingKeys      []string
	BindingArguments amqp091.Table
	Flags            Flags
	Arguments        amqp091.Table
}

// DelayOptions configure the dead-letter based delay mechanism.
type DelayOptions struct {
	ExchangeName     string
	QueueNamePattern string
}

// TLSOptions configure amqps connections.
type TLSOptions struct {
	Enabled bool
	CACert  string
	Cert    string
	Key     string
	Verify  bool
}

// QueueNames returns the configured queue names in order.
func (o ConnectionOptions) QueueNames() []string {
	names := make([]string, 0, len(o.Queues))
	for _, q := range o.Queues {
		names = append(names, q.Name)
	}

	return names
}

func (o ConnectionOptions) queue(name string) (QueueOptions, bool) {
	for _, q := range o.Queues {
		if q.Name == name {
			return q, true
		}
	}

	return QueueOptions{}, false
}
