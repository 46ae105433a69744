// Package transport owns the gateway socket: it dials, reassembles fragmented
// messages into complete frames and serializes writes.
package transport

import "fmt"

// Error reports a connect, read or write failure on the socket, or a
// non-success response from the REST API.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
