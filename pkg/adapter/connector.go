// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Connection owns the broker connection, its channel and the topology
// handles built on it:
//   - the main exchange messages are published to;
//   - one queue handle per configured queue;
//   - the delay exchange used to schedule delayed and retried messages.
//
// Everything is created on first use. When the channel is found closed
// before an operation, all handles are dropped together and recreated
// against a fresh connection. Public methods are serialized.
type Connection struct {
	// opts is the resolved configuration.
	opts ConnectionOptions
	// factory creates broker connections and channels.
	factory Factory
	logger  *zap.Logger
	metrics *Metrics

	// mute serializes every public operation.
	mute sync.Mutex
	// topo is nil while disconnected.
	topo *topology

	// autoSetupExchange is true until exchange and queues are declared.
	autoSetupExchange bool
	// autoSetupDelayExchange is true until the delay exchange is declared.
	autoSetupDelayExchange bool
}

// topology holds the handles that live and die with one broker channel.
type topology struct {
	conn          BrokerConnection
	channel       BrokerChannel
	queues        map[string]*queue
	exchange      *exchange
	delayExchange *exchange
}

// Option configures a Connection.
type Option func(*Connection)

// WithFactory replaces the amqp091-go factory, mainly for tests.
func WithFactory(f Factory) Option {
	return func(c *Connection) {
		c.factory = f
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		c.logger = l
	}
}

// WithMetrics records reconnects in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}

// NewConnection validates opts and returns a Connection. No broker
// round-trip happens until the first operation.
func NewConnection(opts ConnectionOptions, options ...Option) (*Connection, error) {
	opts, err := withDefaults(opts)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		opts:                   opts,
		factory:                NewFactory(),
		logger:                 zap.NewNop(),
		autoSetupExchange:      opts.AutoSetup,
		autoSetupDelayExchange: opts.AutoSetup,
	}

	for _, o := range options {
		o(c)
	}

	if c.factory == nil {
		return nil, &InvalidArgumentError{Msg: "a broker factory is required"}
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	return c, nil
}

// NewConnectionFromDSN parses dsn and overlay with ParseDSN and returns a Connection.
func NewConnectionFromDSN(dsn string, overlay map[string]any, options ...Option) (*Connection, error) {
	opts, err := ParseDSN(dsn, overlay)
	if err != nil {
		return nil, err
	}

	return NewConnection(opts, options...)
}

func withDefaults(opts ConnectionOptions) (ConnectionOptions, error) {
	if opts.Scheme == "" {
		opts.Scheme = schemeAMQP
	}

	if opts.Host == "" {
		opts.Host = defaultHost
	}

	if opts.Port == 0 {
		opts.Port = defaultPort
	}

	if opts.Vhost == "" {
		opts.Vhost = defaultVhost
	}

	if opts.Exchange.Type == "" {
		opts.Exchange.Type = amqp091.ExchangeFanout
	}

	if opts.Delay.ExchangeName == "" {
		opts.Delay.ExchangeName = defaultDelayExchange
	}

	if opts.Delay.QueueNamePattern == "" {
		opts.Delay.QueueNamePattern = defaultDelayQueuePattern
	}

	args, err := normalizeArguments("exchange", opts.Exchange.Arguments)
	if err != nil {
		return ConnectionOptions{}, err
	}

	opts.Exchange.Arguments = args

	queues := make([]QueueOptions, 0, len(opts.Queues))
	seen := make(map[string]struct{}, len(opts.Queues))

	for _, q := range opts.Queues {
		if _, dup := seen[q.Name]; dup {
			return ConnectionOptions{}, &InvalidArgumentError{Msg: fmt.Sprintf("queue %q is configured twice", q.Name)}
		}

		seen[q.Name] = struct{}{}

		if q.Arguments, err = normalizeArguments("queue", q.Arguments); err != nil {
			return ConnectionOptions{}, err
		}

		queues = append(queues, q)
	}

	opts.Queues = queues

	return opts, nil
}

// Options returns the resolved configuration.
func (c *Connection) Options() ConnectionOptions {
	return c.opts
}

// QueueNames returns the configured queue names in order.
func (c *Connection) QueueNames() []string {
	return c.opts.QueueNames()
}

// Publish sends body to the broker. With delayMs greater than zero the
// message goes through a delay queue and reaches its destination once the
// delay has elapsed. Headers are merged into the stamp's headers; delivery
// mode defaults to persistent and the timestamp to now.
func (c *Connection) Publish(ctx context.Context, body []byte, headers amqp091.Table, delayMs int64, stamp *AmqpStamp) error {
	c.mute.Lock()
	defer c.mute.Unlock()

	c.clearWhenDisconnected()

	if c.autoSetupExchange {
		if err := c.setupExchangeAndQueues(); err != nil {
			return wrapTransport("setup", err)
		}
	}

	if delayMs > 0 {
		return wrapTransport("publish", c.publishWithDelay(ctx, body, headers, delayMs, stamp))
	}

	ex, err := c.exchange()
	if err != nil {
		return wrapTransport("publish", err)
	}

	return wrapTransport("publish", c.publishOnExchange(ctx, ex, body, c.routingKeyFor(stamp), headers, stamp))
}

func (c *Connection) publishWithDelay(ctx context.Context, body []byte, headers amqp091.Table, delayMs int64, stamp *AmqpStamp) error {
	var (
		routingKey = c.routingKeyFor(stamp)
		isRetry    = stamp.IsRetryAttempt()
		name       = DelayQueueName(c.opts.Delay.QueueNamePattern, c.opts.Exchange.Name, delayMs, routingKey, isRetry)
	)

	if err := c.setupDelay(name, delayMs, routingKey, isRetry); err != nil {
		return err
	}

	ex, err := c.delayExchange()
	if err != nil {
		return err
	}

	return c.publishOnExchange(ctx, ex, body, name, headers, stamp)
}

// setupDelay declares the delay queue for one (delay, routing key, retry)
// combination and binds it to the delay exchange. The queue is declared on
// every delayed publish: its name is dynamic and redeclaring renews its expiry.
func (c *Connection) setupDelay(name string, delayMs int64, routingKey string, isRetry bool) error {
	if c.autoSetupDelayExchange {
		if err := c.setupDelayExchange(); err != nil {
			return err
		}
	}

	ch, err := c.channel()
	if err != nil {
		return err
	}

	q := &queue{ch: ch, opts: delayQueueOptions(name, c.opts.Exchange.Name, delayMs, routingKey, isRetry)}

	if _, err = q.declare(); err != nil {
		return fmt.Errorf("declare delay queue %s: %w", name, err)
	}

	if err = q.bind(c.opts.Delay.ExchangeName, name, nil); err != nil {
		return fmt.Errorf("bind delay queue %s: %w", name, err)
	}

	c.logger.Debug("delay queue declared",
		zap.String("queue", name),
		zap.Int64("delay_ms", delayMs),
		zap.Bool("retry", isRetry),
	)

	return nil
}

func (c *Connection) publishOnExchange(
	ctx context.Context, ex *exchange, body []byte, routingKey string, headers amqp091.Table, stamp *AmqpStamp,
) error {
	attrs := stamp.Attributes()

	merged := make(amqp091.Table, len(attrs.Headers)+len(headers))
	for k, v := range attrs.Headers {
		merged[k] = v
	}

	for k, v := range headers {
		merged[k] = v
	}

	attrs.Headers = merged

	if attrs.DeliveryMode == 0 {
		attrs.DeliveryMode = defaultDeliveryMode
	}

	if attrs.Timestamp.IsZero() {
		attrs.Timestamp = time.Now()
	}

	conf, err := ex.publish(ctx, routingKey, stamp.Flags(), attrs.publishing(body))
	if err != nil {
		return err
	}

	if c.opts.ConfirmTimeout <= 0 || conf == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	ok, err := conf.WaitContext(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("publisher confirm not received within %s: %w", c.opts.ConfirmTimeout, err)
		}

		return err
	}

	if !ok {
		return PublishNackedError{}
	}

	return nil
}

func (c *Connection) routingKeyFor(stamp *AmqpStamp) string {
	if key, ok := stamp.RoutingKey(); ok {
		return key
	}

	return c.opts.Exchange.DefaultPublishRoutingKey
}

// Get fetches one message from queueName without blocking. It returns
// nil when the queue is empty.
func (c *Connection) Get(queueName string) (*amqp091.Delivery, error) {
	c.mute.Lock()
	defer c.mute.Unlock()

	c.clearWhenDisconnected()

	if c.autoSetupExchange {
		if err := c.setupExchangeAndQueues(); err != nil {
			return nil, wrapTransport("setup", err)
		}
	}

	d, err := c.get(queueName, true)

	return d, wrapTransport("get", err)
}

func (c *Connection) get(queueName string, redeclareMissing bool) (*amqp091.Delivery, error) {
	q, err := c.queue(queueName)
	if err != nil {
		return nil, err
	}

	d, ok, err := q.get()
	if err != nil {
		// The queue vanished behind our back; the broker has closed the channel.
		if redeclareMissing && c.opts.AutoSetup && isNotFound(err) {
			c.logger.Warn("queue not found, declaring topology again", zap.String("queue", queueName))

			if err = c.invalidate(); err != nil {
				c.logger.Debug("close stale connection", zap.Error(err))
			}

			c.metrics.reconnected()

			if err = c.setupExchangeAndQueues(); err != nil {
				return nil, err
			}

			return c.get(queueName, false)
		}

		return nil, err
	}

	if !ok {
		return nil, nil
	}

	return &d, nil
}

// Ack acknowledges d on the channel of queueName.
func (c *Connection) Ack(d amqp091.Delivery, queueName string) error {
	c.mute.Lock()
	defer c.mute.Unlock()

	q, err := c.settleQueue(queueName)
	if err != nil {
		return wrapTransport("ack", err)
	}

	return wrapTransport("ack", q.ack(d.DeliveryTag))
}

// Nack negatively acknowledges d on the channel of queueName. FlagRequeue
// puts the message back; without it the message is dropped or dead-lettered.
func (c *Connection) Nack(d amqp091.Delivery, queueName string, flags Flags) error {
	c.mute.Lock()
	defer c.mute.Unlock()

	q, err := c.settleQueue(queueName)
	if err != nil {
		return wrapTransport("nack", err)
	}

	return wrapTransport("nack", q.nack(d.DeliveryTag, flags))
}

// settleQueue returns the queue handle for an ack or nack. Delivery tags are
// scoped to the channel they came from, so a dropped channel is an error
// rather than a reason to reconnect.
func (c *Connection) settleQueue(queueName string) (*queue, error) {
	if c.topo == nil || c.topo.channel.IsClosed() {
		return nil, amqp091.ErrClosed
	}

	return c.queue(queueName)
}

// CountMessagesInQueues returns the number of messages waiting in all
// configured queues. Queues are declared to obtain their counts.
func (c *Connection) CountMessagesInQueues() (int, error) {
	c.mute.Lock()
	defer c.mute.Unlock()

	c.clearWhenDisconnected()

	total := 0

	for _, name := range c.opts.QueueNames() {
		q, err := c.queue(name)
		if err != nil {
			return 0, wrapTransport("count", err)
		}

		n, err := q.declare()
		if err != nil {
			return 0, wrapTransport("count", fmt.Errorf("declare queue %s: %w", name, err))
		}

		total += n
	}

	return total, nil
}

// PurgeQueues removes every message from the configured queues and
// returns how many were dropped.
func (c *Connection) PurgeQueues() (int, error) {
	c.mute.Lock()
	defer c.mute.Unlock()

	c.clearWhenDisconnected()

	total := 0

	for _, name := range c.opts.QueueNames() {
		q, err := c.queue(name)
		if err != nil {
			return total, wrapTransport("purge", err)
		}

		n, err := q.purge()
		if err != nil {
			return total, wrapTransport("purge", fmt.Errorf("purge queue %s: %w", name, err))
		}

		total += n
	}

	return total, nil
}

// Setup declares the exchange, the queues with their bindings and the
// delay exchange, whether or not auto-setup is enabled.
func (c *Connection) Setup() error {
	c.mute.Lock()
	defer c.mute.Unlock()

	c.clearWhenDisconnected()

	if err := c.setupExchangeAndQueues(); err != nil {
		return wrapTransport("setup", err)
	}

	return wrapTransport("setup", c.setupDelayExchange())
}

// Reconnect drops the current connection and every cached handle, then
// connects again.
func (c *Connection) Reconnect() error {
	c.mute.Lock()
	defer c.mute.Unlock()

	if c.topo != nil {
		c.metrics.reconnected()
	}

	if err := c.invalidate(); err != nil {
		c.logger.Debug("close stale connection", zap.Error(err))
	}

	_, err := c.channel()

	return wrapTransport("reconnect", err)
}

// Close closes the broker connection. A later operation connects again.
func (c *Connection) Close() error {
	c.mute.Lock()
	defer c.mute.Unlock()

	if err := c.invalidate(); err != nil {
		return fmt.Errorf("close connection error: %w", err)
	}

	return nil
}

func (c *Connection) setupExchangeAndQueues() error {
	name := c.opts.Exchange.Name

	// The default exchange exists already and accepts no bindings.
	if name != "" {
		ex, err := c.exchange()
		if err != nil {
			return err
		}

		if err = ex.declare(); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	for _, opts := range c.opts.Queues {
		q, err := c.queue(opts.Name)
		if err != nil {
			return err
		}

		if _, err = q.declare(); err != nil {
			return fmt.Errorf("declare queue %s: %w", opts.Name, err)
		}

		if name == "" {
			continue
		}

		keys := opts.BindingKeys
		if len(keys) == 0 {
			keys = []string{""}
		}

		for _, key := range keys {
			if err = q.bind(name, key, opts.BindingArguments); err != nil {
				return fmt.Errorf("bind queue %s to %s with key %q: %w", opts.Name, name, key, err)
			}
		}
	}

	c.autoSetupExchange = false

	c.logger.Info("amqp topology declared",
		zap.String("exchange", name),
		zap.Strings("queues", c.opts.QueueNames()),
	)

	return nil
}

func (c *Connection) setupDelayExchange() error {
	ex, err := c.delayExchange()
	if err != nil {
		return err
	}

	if err = ex.declare(); err != nil {
		return fmt.Errorf("declare delay exchange %s: %w", ex.opts.Name, err)
	}

	c.autoSetupDelayExchange = false

	return nil
}

// channel returns the cached channel, connecting first when needed.
func (c *Connection) channel() (BrokerChannel, error) {
	if c.topo != nil {
		return c.topo.channel, nil
	}

	conn, err := c.factory.CreateConnection(c.opts)
	if err != nil {
		return nil, &ConnectionError{
			Host:  c.opts.Host,
			Port:  c.opts.Port,
			Vhost: c.opts.Vhost,
			Login: c.opts.Login,
			Err:   err,
		}
	}

	ch, err := c.factory.CreateChannel(conn)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("create channel: %w", err), conn.Close())
	}

	if c.opts.PrefetchCount > 0 {
		if err = ch.Qos(c.opts.PrefetchCount, 0, false); err != nil {
			return nil, multierr.Append(fmt.Errorf("set prefetch count: %w", err), conn.Close())
		}
	}

	if c.opts.ConfirmTimeout > 0 {
		if err = ch.Confirm(false); err != nil {
			return nil, multierr.Append(fmt.Errorf("enable publisher confirms: %w", err), conn.Close())
		}
	}

	c.topo = &topology{
		conn:    conn,
		channel: ch,
		queues:  make(map[string]*queue),
	}

	c.logger.Info("connected to amqp broker",
		zap.String("host", c.opts.Host),
		zap.Int("port", c.opts.Port),
		zap.String("vhost", c.opts.Vhost),
	)

	return ch, nil
}

func (c *Connection) exchange() (*exchange, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}

	if c.topo.exchange == nil {
		c.topo.exchange = &exchange{ch: ch, opts: c.opts.Exchange}
	}

	return c.topo.exchange, nil
}

func (c *Connection) delayExchange() (*exchange, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}

	if c.topo.delayExchange == nil {
		c.topo.delayExchange = &exchange{ch: ch, opts: ExchangeOptions{
			Name:  c.opts.Delay.ExchangeName,
			Type:  amqp091.ExchangeDirect,
			Flags: FlagDurable,
		}}
	}

	return c.topo.delayExchange, nil
}

func (c *Connection) queue(name string) (*queue, error) {
	opts, ok := c.opts.queue(name)
	if !ok {
		return nil, &InvalidArgumentError{Msg: fmt.Sprintf("queue %q is not configured", name)}
	}

	ch, err := c.channel()
	if err != nil {
		return nil, err
	}

	q, ok := c.topo.queues[name]
	if !ok {
		q = &queue{ch: ch, opts: opts}
		c.topo.queues[name] = q
	}

	return q, nil
}

// clearWhenDisconnected drops the cached topology when its channel is gone.
func (c *Connection) clearWhenDisconnected() {
	if c.topo == nil {
		return
	}

	if !c.topo.channel.IsClosed() && !c.topo.conn.IsClosed() {
		return
	}

	c.logger.Warn("amqp channel closed, dropping cached topology")

	if err := c.invalidate(); err != nil {
		c.logger.Debug("close stale connection", zap.Error(err))
	}

	c.metrics.reconnected()
}

// invalidate is the single transition to the disconnected state: channel,
// queue handles, exchange and delay exchange are dropped together.
func (c *Connection) invalidate() error {
	t := c.topo
	if t == nil {
		return nil
	}

	c.topo = nil

	if t.conn.IsClosed() {
		return nil
	}

	return t.conn.Close()
}
