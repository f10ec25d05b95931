// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/katzenpost/core/log"
	"github.com/stretchr/testify/require"
)

type pipeRelay struct {
	conn net.Conn
	dec  *cbor.Decoder
	enc  *cbor.Encoder
}

func newPipeRelay(t *testing.T) (Conn, *pipeRelay) {
	clientSide, serverSide := net.Pipe()

	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	c := NewFrameConn(clientSide, logBackend)
	t.Cleanup(func() { c.Close() })

	return c, &pipeRelay{
		conn: serverSide,
		dec:  cbor.NewDecoder(serverSide),
		enc:  cbor.NewEncoder(serverSide),
	}
}

func (r *pipeRelay) read(t *testing.T) *frame {
	f := new(frame)
	require.NoError(t, r.dec.Decode(f))
	return f
}

func TestCallRoundTrip(t *testing.T) {
	require := require.New(t)
	c, relay := newPipeRelay(t)

	go func() {
		f := relay.read(t)
		result, _ := cbor.Marshal("c-1")
		relay.enc.Encode(&frame{ID: f.ID, Result: result})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply string
	require.NoError(c.Call(ctx, MethodGenerateID, nil, &reply))
	require.Equal("c-1", reply)
}

func TestCallServerError(t *testing.T) {
	require := require.New(t)
	c, relay := newPipeRelay(t)

	go func() {
		f := relay.read(t)
		relay.enc.Encode(&frame{ID: f.ID, Error: "no such client"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Call(ctx, MethodHello, nil, nil)
	var callErr *CallError
	require.ErrorAs(err, &callErr)
	require.Equal(MethodHello, callErr.Method)
	require.Equal("no such client", callErr.Reason)
}

func TestCallIDsCorrelate(t *testing.T) {
	require := require.New(t)
	c, relay := newPipeRelay(t)

	// Answer two calls out of order; each caller must still get its own
	// reply.
	go func() {
		f1 := relay.read(t)
		f2 := relay.read(t)
		r2, _ := cbor.Marshal("second")
		relay.enc.Encode(&frame{ID: f2.ID, Result: r2})
		r1, _ := cbor.Marshal("first")
		relay.enc.Encode(&frame{ID: f1.ID, Result: r1})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	firstDone := make(chan string, 1)
	go func() {
		var reply string
		if err := c.Call(ctx, "first", nil, &reply); err == nil {
			firstDone <- reply
		}
	}()

	// The pipe is synchronous, so wait for the first request to be on the
	// wire before issuing the second.
	time.Sleep(20 * time.Millisecond)

	var reply string
	require.NoError(c.Call(ctx, "second", nil, &reply))
	require.Equal("second", reply)

	select {
	case got := <-firstDone:
		require.Equal("first", got)
	case <-ctx.Done():
		t.Fatal("first call never completed")
	}
}

func TestConcurrentCallersShareOneConn(t *testing.T) {
	require := require.New(t)
	c, relay := newPipeRelay(t)

	const callers = 8

	// Echo server: every request gets its own call id back as the result.
	go func() {
		for i := 0; i < callers; i++ {
			f := relay.read(t)
			result, _ := cbor.Marshal(f.Method)
			relay.enc.Encode(&frame{ID: f.ID, Result: result})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		method := fmt.Sprintf("call-%d", i)
		go func() {
			var reply string
			err := c.Call(ctx, method, nil, &reply)
			if err == nil && reply != method {
				err = fmt.Errorf("reply %q for %q", reply, method)
			}
			errCh <- err
		}()
	}
	for i := 0; i < callers; i++ {
		select {
		case err := <-errCh:
			require.NoError(err)
		case <-ctx.Done():
			t.Fatal("concurrent calls wedged")
		}
	}
}

func TestNotificationDispatch(t *testing.T) {
	require := require.New(t)
	c, relay := newPipeRelay(t)

	params, err := cbor.Marshal(&WirePresence{ClientID: "c-2", Status: "online"})
	require.NoError(err)

	go func() {
		relay.enc.Encode(&frame{Notify: true, Method: NotifyPresenceUpdated, Params: params})
	}()

	select {
	case n := <-c.Notifications():
		require.Equal(NotifyPresenceUpdated, n.Method)
		var p WirePresence
		require.NoError(cbor.Unmarshal(n.Params, &p))
		require.Equal("c-2", p.ClientID)
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestPeerCloseFailsPendingAndEndsNotifications(t *testing.T) {
	require := require.New(t)
	c, relay := newPipeRelay(t)

	callErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		callErr <- c.Call(ctx, MethodReady, nil, nil)
	}()

	// Swallow the request, then drop the connection.
	relay.read(t)
	relay.conn.Close()

	select {
	case err := <-callErr:
		require.ErrorIs(err, ErrNotConnected)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call never failed")
	}

	select {
	case _, ok := <-c.Notifications():
		require.False(ok)
	case <-time.After(5 * time.Second):
		t.Fatal("notification stream never closed")
	}
}

func TestCallContextTimeout(t *testing.T) {
	require := require.New(t)
	c, relay := newPipeRelay(t)

	go func() {
		// Read the request and never answer.
		relay.read(t)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Call(ctx, MethodReady, nil, nil)
	require.ErrorIs(err, context.DeadlineExceeded)
}
