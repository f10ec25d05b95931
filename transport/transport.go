// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the bidirectional RPC channel to the relay
// server: request/response calls plus server-initiated notifications.  The
// session depends only on the Conn and Dialer interfaces; the CBOR frame
// codec in this package is one implementation of them.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrNotConnected is returned when a call is attempted on a closed or
	// failed connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrShutdown is returned when the connection is closed by a local
	// Close call.
	ErrShutdown = errors.New("transport: shutdown requested")
)

// CallError is a remote procedure failure reported by the server.  It is a
// protocol-level failure, not a transport failure: the connection stays up.
type CallError struct {
	Method string
	Reason string
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("transport: call %s failed: %s", e.Method, e.Reason)
}

// ProtocolError indicates the connection was torn down because the peer
// violated the framing protocol.
type ProtocolError struct {
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transport: protocol error: %v", e.Err)
}

// Notification is a server-initiated message.
type Notification struct {
	Method string
	Params cbor.RawMessage
}

// Decode unmarshals the notification parameters into v.
func (n *Notification) Decode(v interface{}) error {
	return cbor.Unmarshal(n.Params, v)
}

// Conn is one established connection to the relay.
type Conn interface {
	// Call invokes a remote procedure and unmarshals the result into
	// reply, which may be nil for procedures without results.
	Call(ctx context.Context, method string, args, reply interface{}) error

	// Notifications returns the server-initiated message stream.  The
	// channel is closed when the connection dies.
	Notifications() <-chan Notification

	// Close tears the connection down.
	Close() error
}

// Dialer opens connections to the relay.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
