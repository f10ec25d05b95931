// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/katzenpost/core/log"
	"github.com/stretchr/testify/require"

	"github.com/hoccer/hoccer-talk-spike-sub001/crypto"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

// fakeConn scripts the relay side of the RPC surface.
type fakeConn struct {
	sync.Mutex
	calls     []string
	handlers  map[string]func(params cbor.RawMessage) (interface{}, error)
	notifyCh  chan transport.Notification
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[string]func(cbor.RawMessage) (interface{}, error)),
		notifyCh: make(chan transport.Notification, 8),
	}
}

func (f *fakeConn) handle(method string, h func(cbor.RawMessage) (interface{}, error)) {
	f.Lock()
	f.handlers[method] = h
	f.Unlock()
}

func (f *fakeConn) Call(_ context.Context, method string, args, reply interface{}) error {
	params, err := cbor.Marshal(args)
	if err != nil {
		return err
	}
	f.Lock()
	f.calls = append(f.calls, method)
	h := f.handlers[method]
	f.Unlock()
	if h == nil {
		return nil
	}
	result, err := h(params)
	if err != nil {
		return err
	}
	if reply == nil || result == nil {
		return nil
	}
	blob, err := cbor.Marshal(result)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(blob, reply)
}

func (f *fakeConn) Notifications() <-chan transport.Notification { return f.notifyCh }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.notifyCh) })
	return nil
}

func (f *fakeConn) callCount(method string) int {
	f.Lock()
	defer f.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// fakeDialer hands out a fresh scripted connection per dial.
type fakeDialer struct {
	sync.Mutex
	script func(*fakeConn)
	conns  []*fakeConn
}

func (d *fakeDialer) Dial(context.Context) (transport.Conn, error) {
	c := newFakeConn()
	d.Lock()
	if d.script != nil {
		d.script(c)
	}
	d.conns = append(d.conns, c)
	d.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.Lock()
	defer d.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) latest() *fakeConn {
	d.Lock()
	defer d.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// scriptRelay returns a handler installer for the full register/login/sync
// flow against a real SRP verifier check, plus a seed function for tests
// that start with a credential already on file.
func scriptRelay(clientID string) (script func(*fakeConn), seed func(salt, verifier []byte)) {
	var mu sync.Mutex
	var storedSalt, storedVerifier []byte
	var server *crypto.SRPServer

	seed = func(salt, verifier []byte) {
		mu.Lock()
		storedSalt, storedVerifier = salt, verifier
		mu.Unlock()
	}
	script = func(c *fakeConn) {
		c.handle(transport.MethodGenerateID, func(cbor.RawMessage) (interface{}, error) {
			return clientID, nil
		})
		c.handle(transport.MethodSRPRegister, func(params cbor.RawMessage) (interface{}, error) {
			var args struct {
				Verifier []byte `cbor:"verifier"`
				Salt     []byte `cbor:"salt"`
			}
			if err := cbor.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			mu.Lock()
			storedSalt, storedVerifier = args.Salt, args.Verifier
			mu.Unlock()
			return nil, nil
		})
		c.handle(transport.MethodSRPPhase1, func(params cbor.RawMessage) (interface{}, error) {
			var args struct {
				ClientID string `cbor:"clientId"`
				A        []byte `cbor:"A"`
			}
			if err := cbor.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			mu.Lock()
			defer mu.Unlock()
			if args.ClientID != clientID || storedVerifier == nil {
				return nil, &transport.CallError{Method: transport.MethodSRPPhase1, Reason: "unknown client"}
			}
			server = crypto.NewSRPServer(clientID, storedSalt, storedVerifier)
			server.SetClientA(args.A)
			return server.PublicB(), nil
		})
		c.handle(transport.MethodSRPPhase2, func(params cbor.RawMessage) (interface{}, error) {
			var args struct {
				Vc []byte `cbor:"Vc"`
			}
			if err := cbor.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			mu.Lock()
			defer mu.Unlock()
			vs, ok := server.VerifyClientProof(args.Vc)
			if !ok {
				return nil, &transport.CallError{Method: transport.MethodSRPPhase2, Reason: "proof mismatch"}
			}
			return vs, nil
		})
	}
	return script, seed
}

func newTestSession(t *testing.T, dialer *fakeDialer) *Session {
	store, err := storage.Open(filepath.Join(t.TempDir(), "talk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	s, err := New(&Config{
		Dialer:              dialer,
		DownloadDir:         t.TempDir(),
		RetryFixedDelay:     5 * time.Millisecond,
		RetryVariableFactor: 5 * time.Millisecond,
		RetryMaxVariable:    20 * time.Millisecond,
		BackgroundTimeout:   50 * time.Millisecond,
		TransferThreads:     1,
	}, store, logBackend)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func waitState(t *testing.T, sink <-chan interface{}, want State) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-sink:
			if !ok {
				t.Fatalf("event sink closed waiting for %s", want)
			}
			if sc, isState := ev.(*StateChangedEvent); isState && sc.New == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestFirstRunRegistersThenLogsIn(t *testing.T) {
	const clientID = "c-9876"
	script, _ := scriptRelay(clientID)
	dialer := &fakeDialer{script: script}
	s := newTestSession(t, dialer)
	sink := s.EventSink()

	s.Start()
	waitState(t, sink, StateReady)

	st, err := s.CurrentState()
	require.NoError(t, err)
	require.Equal(t, StateReady, st)

	conn := dialer.latest()
	require.Equal(t, 1, conn.callCount(transport.MethodGenerateID))
	require.Equal(t, 1, conn.callCount(transport.MethodSRPRegister))
	require.Equal(t, 1, conn.callCount(transport.MethodHello))
	require.Equal(t, 1, conn.callCount(transport.MethodUpdatePresence))
	require.Equal(t, 1, conn.callCount(transport.MethodReady))

	cred, err := s.store.Credential()
	require.NoError(t, err)
	require.Equal(t, clientID, cred.ClientID)
	require.NotEmpty(t, cred.Secret)

	kp, err := s.store.CurrentKeyPair()
	require.NoError(t, err)
	require.NotEmpty(t, kp.Public)
}

func TestSecondRunSkipsRegistration(t *testing.T) {
	const clientID = "c-1234"
	script, seed := scriptRelay(clientID)
	dialer := &fakeDialer{script: script}
	s := newTestSession(t, dialer)

	// An existing credential; the scripted relay needs the matching
	// verifier on file.
	cred := &storage.Credential{
		ClientID: clientID,
		Salt:     crypto.NewSalt(),
		Secret:   crypto.NewSecret(),
	}
	require.NoError(t, s.store.PutCredential(cred))
	seed(cred.Salt, crypto.SRPVerifier(cred.Salt, clientID, cred.Secret))

	sink := s.EventSink()
	s.Start()
	waitState(t, sink, StateReady)

	require.Equal(t, 0, dialer.latest().callCount(transport.MethodGenerateID))
	require.Equal(t, 0, dialer.latest().callCount(transport.MethodSRPRegister))
}

func TestLoginRejectionFallsBackToConnecting(t *testing.T) {
	dialer := &fakeDialer{script: func(c *fakeConn) {
		// A poisoned server value; the client must refuse it.
		c.handle(transport.MethodSRPPhase1, func(cbor.RawMessage) (interface{}, error) {
			return []byte{0}, nil
		})
	}}
	s := newTestSession(t, dialer)
	require.NoError(t, s.store.PutCredential(&storage.Credential{
		ClientID: "c-1",
		Salt:     crypto.NewSalt(),
		Secret:   crypto.NewSecret(),
	}))

	sink := s.EventSink()
	s.Start()

	waitState(t, sink, StateLogin)
	waitState(t, sink, StateConnecting)
	// The backoff keeps running: a second dial proves the session did not
	// wedge after the rejection.
	deadline := time.After(15 * time.Second)
	for dialer.dialCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("no reconnect after login rejection")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBackgroundDisconnectAndForegroundResume(t *testing.T) {
	const clientID = "c-55"
	script, _ := scriptRelay(clientID)
	dialer := &fakeDialer{script: script}
	s := newTestSession(t, dialer)
	sink := s.EventSink()

	s.Start()
	waitState(t, sink, StateReady)

	s.SetBackground(true)
	waitState(t, sink, StateDisconnected)

	s.SetBackground(false)
	waitState(t, sink, StateReady)
}

func TestSendMessageDispatchesWhenReady(t *testing.T) {
	const clientID = "c-send"
	script, _ := scriptRelay(clientID)
	dialer := &fakeDialer{script: func(c *fakeConn) {
		script(c)
		c.handle(transport.MethodOutDeliveryRequest, func(params cbor.RawMessage) (interface{}, error) {
			var wd transport.WireDelivery
			if err := cbor.Unmarshal(params, &wd); err != nil {
				return nil, err
			}
			wd.MessageID = "srv-1"
			wd.State = storage.DeliveryDelivering.String()
			wd.TimeAccepted = time.Now()
			return &wd, nil
		})
	}}
	s := newTestSession(t, dialer)

	// A peer with an announced public key.
	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pubDER, err := crypto.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, s.store.PutContact(&storage.Contact{
		ClientID:     "peer-1",
		KeyID:        crypto.KeyID(pubDER),
		PublicKey:    pubDER,
		Relationship: storage.RelationshipFriend,
	}))

	sink := s.EventSink()
	s.Start()
	waitState(t, sink, StateReady)

	msgID, err := s.SendMessage("peer-1", []byte("hello over there"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	d, err := s.store.GetDelivery(msgID, true)
	require.NoError(t, err)
	require.Equal(t, storage.DeliveryDelivering, d.State)
	require.NotEmpty(t, d.EncryptedKey)
	require.Equal(t, 1, dialer.latest().callCount(transport.MethodOutDeliveryRequest))
}

func TestBackoffBounds(t *testing.T) {
	b := newBackoff(time.Second, time.Second, time.Minute)
	for attempts := 1; attempts <= 10; attempts++ {
		extra := time.Second << (attempts - 1)
		if extra > time.Minute {
			extra = time.Minute
		}
		base := time.Second + extra
		for i := 0; i < 50; i++ {
			d := b.delay(attempts)
			require.GreaterOrEqual(t, d, base-base/5)
			require.LessOrEqual(t, d, base+base/5)
		}
	}
}
