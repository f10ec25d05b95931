// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"
)

const notificationBacklog = 64

// frame is one CBOR frame on the wire.  Requests carry ID/Method/Params,
// responses ID/Result or ID/Error, notifications Method/Params with Notify
// set.
type frame struct {
	ID     uint64          `cbor:"id,omitempty"`
	Notify bool            `cbor:"notify,omitempty"`
	Method string          `cbor:"method,omitempty"`
	Params cbor.RawMessage `cbor:"params,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  string          `cbor:"error,omitempty"`
}

type pendingCall struct {
	replyCh chan *frame
}

// frameConn is the CBOR stream implementation of Conn.
type frameConn struct {
	worker.Worker
	sync.Mutex

	conn net.Conn
	enc  *cbor.Encoder
	log  *logging.Logger

	// writeMu serializes deadline-set-plus-encode pairs; the encoder is
	// shared by every caller and is not safe for concurrent use.
	writeMu sync.Mutex

	nextID   uint64
	pending  map[uint64]*pendingCall
	notifyCh chan Notification

	closed bool
	err    error
}

// NewFrameConn wraps an established stream in the frame codec and starts
// its reader.
func NewFrameConn(conn net.Conn, logBackend *log.Backend) Conn {
	c := &frameConn{
		conn:     conn,
		enc:      cbor.NewEncoder(conn),
		log:      logBackend.GetLogger("transport"),
		pending:  make(map[uint64]*pendingCall),
		notifyCh: make(chan Notification, notificationBacklog),
	}
	c.Go(c.readWorker)
	return c
}

func (c *frameConn) readWorker() {
	dec := cbor.NewDecoder(c.conn)
	var readErr error
	for {
		f := new(frame)
		if readErr = dec.Decode(f); readErr != nil {
			break
		}
		if f.Notify {
			select {
			case c.notifyCh <- Notification{Method: f.Method, Params: f.Params}:
			case <-c.HaltCh():
				readErr = ErrShutdown
			}
			if readErr != nil {
				break
			}
			continue
		}

		c.Lock()
		call, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.Unlock()
		if !ok {
			c.log.Warningf("Spurious response for call id %d.", f.ID)
			continue
		}
		call.replyCh <- f
	}
	c.teardown(readErr)
}

// teardown fails every pending call and closes the notification stream.
func (c *frameConn) teardown(err error) {
	c.Lock()
	if c.closed {
		c.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.Unlock()

	c.conn.Close()
	for _, call := range pending {
		call.replyCh <- nil
	}
	close(c.notifyCh)
}

// Call implements Conn.
func (c *frameConn) Call(ctx context.Context, method string, args, reply interface{}) error {
	params, err := cbor.Marshal(args)
	if err != nil {
		return err
	}

	c.Lock()
	if c.closed {
		c.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	call := &pendingCall{replyCh: make(chan *frame, 1)}
	c.pending[id] = call
	c.Unlock()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	err = c.enc.Encode(&frame{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.Lock()
		delete(c.pending, id)
		c.Unlock()
		c.teardown(err)
		return ErrNotConnected
	}

	select {
	case f := <-call.replyCh:
		if f == nil {
			return ErrNotConnected
		}
		if f.Error != "" {
			return &CallError{Method: method, Reason: f.Error}
		}
		if reply != nil {
			if err := cbor.Unmarshal(f.Result, reply); err != nil {
				return &ProtocolError{Err: err}
			}
		}
		return nil
	case <-ctx.Done():
		c.Lock()
		delete(c.pending, id)
		c.Unlock()
		return ctx.Err()
	case <-c.HaltCh():
		return ErrShutdown
	}
}

// Notifications implements Conn.
func (c *frameConn) Notifications() <-chan Notification {
	return c.notifyCh
}

// Close implements Conn.
func (c *frameConn) Close() error {
	c.teardown(ErrShutdown)
	c.Halt()
	return nil
}

// TCPDialer dials the relay over TCP.
type TCPDialer struct {
	Address    string
	LogBackend *log.Backend

	dialer net.Dialer
}

// Dial implements Dialer.
func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}
	return NewFrameConn(conn, d.LogBackend), nil
}
