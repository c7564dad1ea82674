package driver

import (
	"errors"
	"fmt"
)

// ErrTxClosed is returned when Commit or Rollback is called on a
// transaction guard that has already been resolved.
var ErrTxClosed = errors.New("transaction already resolved")

// ConfigError reports malformed connection options. It is always returned
// before any network activity happens.
type ConfigError struct {
	Option string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("invalid connection option %q: %v", e.Option, e.Err)
	}
	return fmt.Sprintf("invalid connection options: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ConnectionError reports a transport-level failure: dial, handshake,
// authentication, I/O, or use of a closed connection.
type ConnectionError struct {
	// Op names the operation that failed, e.g. "connect" or "flush".
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a malformed or out-of-order backend message. A
// connection that produced a ProtocolError is in an indeterminate state
// and should be closed.
type ProtocolError struct {
	// Msg describes what was received; Err carries the cause, if any.
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
