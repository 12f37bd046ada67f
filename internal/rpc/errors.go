package rpc

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Call when the socket is not open.
// The caller sees it synchronously; nothing is queued.
var ErrNotConnected = errors.New("not connected")

// ErrDisconnected rejects every pending call when the socket closes.
var ErrDisconnected = errors.New("disconnected")

// ConnectionError reports a failure to establish the WebSocket:
// dial error, insecure URL refused, or connect timeout.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteError is a JSON-RPC error object returned by the server.
// Code is preserved alongside the message; Error renders the message
// only so callers matching on text keep working.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
