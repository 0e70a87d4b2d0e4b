// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GwynCerbin/rabbit_messenger/pkg/broker"
	"github.com/GwynCerbin/rabbit_messenger/pkg/envelope"
	"github.com/GwynCerbin/rabbit_messenger/pkg/infra"
	"github.com/GwynCerbin/rabbit_messenger/pkg/serializer"

	"go.uber.org/zap"
)

const defaultPollInterval = 100 * time.Millisecond

// Listener encapsulates common parameters of a message-queue subscriber.
//   - receiver: the transport side that fetches and settles envelopes.
//   - gos: desired number of concurrent goroutines used by an Instance.
//
// Listener itself does not process messages; it acts as a factory that
// creates an Instance where the real work happens.
type Listener struct {
	receiver     broker.Receiver
	gos          int
	logger       *zap.Logger
	pollInterval time.Duration
}

// NewListener constructs a Listener with a default parallelism level of 1.
func NewListener(receiver broker.Receiver) *Listener {
	return &Listener{
		gos:          1,
		receiver:     receiver,
		pollInterval: defaultPollInterval,
	}
}

// SetConcurrency sets the number of goroutines that will be spawned later
// inside an Instance. It validates the input (n >= 1) and clamps the value
// by runtime.GOMAXPROCS(0).
func (l *Listener) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid goroutines count: %d", n)
	}

	l.gos = min(n, runtime.GOMAXPROCS(0))

	return nil
}

// SetLogger overrides the default no-op logger. Pass nil to restore it.
func (l *Listener) SetLogger(logger *zap.Logger) {
	l.logger = logger
}

// SetPollInterval sets how long the Instance waits after finding every
// queue empty.
func (l *Listener) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid poll interval: %s", d)
	}

	l.pollInterval = d

	return nil
}

// Instance is a running listener created from Listener.
//   - workChan: channel through which the poll loop feeds handler
//     closures to the workers.
//   - wg:       WaitGroup for graceful shutdown synchronization.
//   - gos:      fixed worker pool size determined at Init() time.
//   - router:   map message type → handler.
//   - recvMute: serializes receiver calls, the connection underneath is
//     not safe for concurrent use.
type Instance struct {
	workChan     chan func()
	wg           sync.WaitGroup
	gos          int
	router       Router
	receiver     broker.Receiver
	recvMute     sync.Mutex
	logger       *zap.Logger
	pollInterval time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
}

// Init takes a Router snapshot and returns a ready-to-run Instance.
// To start with another router, create a new Instance instead of
// mutating the old one.
func (l *Listener) Init(router Router) *Instance {
	logger := l.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	snapshot := make(Router, len(router))
	for k, v := range router {
		snapshot[k] = v
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Instance{
		workChan:     make(chan func(), 1),
		gos:          l.gos,
		router:       snapshot,
		receiver:     l.receiver,
		logger:       logger,
		pollInterval: l.pollInterval,
		ctx:          ctx,
		cancel:       cancel,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ListenAndServe starts the worker pool and polls the receiver until
// Shutdown is called or the receiver fails. Messages that cannot be
// decoded are logged and skipped; any other receiver error is returned
// once the envelopes fetched with it are handled.
// After Shutdown it returns infra.ListenerClosedError.
func (l *Instance) ListenAndServe() error {
	if len(l.router) == 0 {
		return infra.EmptyRouteError{}
	}

	if !l.running.CompareAndSwap(false, true) {
		return errors.New("listener instance is already running")
	}

	for range l.gos {
		l.wg.Add(1)

		go runner(l.workChan, &l.wg)
	}

	defer func() {
		close(l.workChan)
		l.wg.Wait()
		close(l.done)
	}()

	for {
		select {
		case <-l.stopCh:
			return infra.ListenerClosedError{}
		default:
		}

		envs, err := l.get()

		var fatal error

		if err != nil {
			var decodeErr *serializer.DecodingError
			if errors.As(err, &decodeErr) {
				l.logger.Error("skip undecodable message", zap.Error(err))
			} else {
				fatal = err
			}
		}

		// Envelopes fetched alongside a failure are still handled; the
		// workers drain them before ListenAndServe returns.
		for _, env := range envs {
			if !l.dispatch(env) {
				return infra.ListenerClosedError{}
			}
		}

		if fatal != nil {
			return fatal
		}

		if len(envs) > 0 || err != nil {
			continue
		}

		select {
		case <-l.stopCh:
			return infra.ListenerClosedError{}
		case <-time.After(l.pollInterval):
		}
	}
}

// dispatch hands env to its handler. It returns false when the instance
// was stopped before a worker took the message.
func (l *Instance) dispatch(env *envelope.Envelope) bool {
	name := envelope.TypeName(env.Message())

	handler, ok := l.router[name]
	if !ok {
		l.logger.Warn("reject message",
			zap.String("type", name),
			zap.Error(infra.UnroutedMessageError{}),
		)

		l.settle(env, infra.UnroutedMessageError{})

		return true
	}

	work := func() {
		l.settle(env, handler(l.ctx, env))
	}

	select {
	case l.workChan <- work:
		return true
	case <-l.stopCh:
		// Not acked: the broker redelivers it once the channel closes.
		return false
	}
}

func (l *Instance) settle(env *envelope.Envelope, handlerErr error) {
	l.recvMute.Lock()
	defer l.recvMute.Unlock()

	if handlerErr == nil {
		if err := l.receiver.Ack(env); err != nil {
			l.logger.Error("ack message", zap.Error(err))
		}

		return
	}

	l.logger.Info("handler failed, rejecting message",
		zap.String("type", envelope.TypeName(env.Message())),
		zap.Error(handlerErr),
	)

	if err := l.receiver.Reject(env); err != nil {
		l.logger.Error("reject message", zap.Error(err))
	}
}

func (l *Instance) get() ([]*envelope.Envelope, error) {
	l.recvMute.Lock()
	defer l.recvMute.Unlock()

	return l.receiver.Get()
}

// Shutdown initiates a graceful shutdown: polling stops, workers finish
// the messages they hold and the receiver is closed when it supports it.
// If ctx expires first, handler contexts are canceled and ctx.Err() is
// returned.
func (l *Instance) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})

	if l.running.Load() {
		select {
		case <-l.done:
		case <-ctx.Done():
			l.cancel()

			return ctx.Err()
		}
	}

	l.cancel()

	closer, ok := l.receiver.(io.Closer)
	if !ok {
		return nil
	}

	l.recvMute.Lock()
	defer l.recvMute.Unlock()

	if err := closer.Close(); err != nil {
		return fmt.Errorf("%w: %w", infra.ReceiverCloseError{}, err)
	}

	return nil
}

// runner executes tasks from workChan and signals completion via WaitGroup.
func runner(workChan chan func(), wg *sync.WaitGroup) {
	for work := range workChan {
		work()
	}

	wg.Done()
}
