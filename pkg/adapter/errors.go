package adapter

import (
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// TransportError wraps any broker failure surfacing from a transport operation.
type TransportError struct {
	// Op names the operation that failed, e.g. "publish" or "get".
	Op  string
	Err error
}

// Error implements the error interface for TransportError.
func (e *TransportError) Error() string {
	return fmt.Sprintf("amqp transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the broker error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConnectionError is returned when the broker cannot be reached.
// The password is never part of the message.
type ConnectionError struct {
	Host  string
	Port  int
	Vhost string
	Login string
	Err   error
}

// Error implements the error interface for ConnectionError.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf(
		"could not connect to the AMQP server, please verify the provided DSN "+
			"(host=%s, port=%d, vhost=%s, login=%s, password=********): %v",
		e.Host, e.Port, e.Vhost, e.Login, e.Err,
	)
}

// Unwrap returns the dial error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// InvalidArgumentError reports an unusable configuration. It is raised at
// construction time and is never worth retrying.
type InvalidArgumentError struct {
	Msg string
	Err error
}

// Error implements the error interface for InvalidArgumentError.
func (e *InvalidArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid amqp configuration: %s: %v", e.Msg, e.Err)
	}

	return "invalid amqp configuration: " + e.Msg
}

// Unwrap returns the underlying cause, if any.
func (e *InvalidArgumentError) Unwrap() error {
	return e.Err
}

// ReceivedStampMissingError is a programming error: ack or reject was
// called on an envelope that did not come from this transport.
type ReceivedStampMissingError struct{}

// Error implements the error interface for ReceivedStampMissingError.
func (ReceivedStampMissingError) Error() string {
	return "no amqp received stamp found on the envelope"
}

// PublishNackedError is returned when the broker negatively confirms a publish.
type PublishNackedError struct{}

// Error implements the error interface for PublishNackedError.
func (PublishNackedError) Error() string {
	return "message publication was not confirmed by the broker"
}

func wrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		te  *TransportError
		iae *InvalidArgumentError
	)

	if errors.As(err, &te) || errors.As(err, &iae) {
		return err
	}

	return &TransportError{Op: op, Err: err}
}

// connection-level reply codes of AMQP 0-9-1; the remaining codes close
// only the channel.
var connectionReplyCodes = map[int]struct{}{
	amqp091.ConnectionForced: {},
	amqp091.InvalidPath:      {},
	amqp091.FrameError:       {},
	amqp091.SyntaxError:      {},
	amqp091.CommandInvalid:   {},
	amqp091.ChannelError:     {},
	amqp091.UnexpectedFrame:  {},
	amqp091.ResourceError:    {},
	amqp091.NotAllowed:       {},
	amqp091.NotImplemented:   {},
	amqp091.InternalError:    {},
}

// IsConnectionError reports whether err means the broker connection itself
// is gone, as opposed to a failure scoped to one channel or operation.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}

	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}

	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		_, ok := connectionReplyCodes[amqpErr.Code]

		return ok
	}

	return false
}

func isNotFound(err error) bool {
	var amqpErr *amqp091.Error

	return errors.As(err, &amqpErr) && amqpErr.Code == amqp091.NotFound
}
