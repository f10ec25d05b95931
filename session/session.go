// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session implements the client session: the connection state
// machine, SRP registration and login, catch-up synchronization, and the
// facade over messaging, groups, and transfers.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/hoccer/hoccer-talk-spike-sub001/delivery"
	"github.com/hoccer/hoccer-talk-spike-sub001/message"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transfer"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

const rpcTimeout = 30 * time.Second

// ErrShutdown is returned by operations submitted after Shutdown.
var ErrShutdown = errors.New("session: shutting down")

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("session: not connected")

// Config parameterizes a session.
type Config struct {
	// Dialer produces connections to the relay.
	Dialer transport.Dialer

	// DownloadDir receives completed attachment downloads.
	DownloadDir string

	// Reconnect backoff: delay = RetryFixedDelay +
	// min(RetryMaxVariable, RetryVariableFactor * 2^(attempts-1)),
	// jittered.
	RetryFixedDelay     time.Duration
	RetryVariableFactor time.Duration
	RetryMaxVariable    time.Duration

	// KeepAliveInterval arms a periodic liveness probe in READY; zero
	// disables it.
	KeepAliveInterval time.Duration

	// BackgroundTimeout disconnects a backgrounded session after this
	// long; zero disables it.
	BackgroundTimeout time.Duration

	// Transfer engine sizing and admission policy.
	TransferThreads     int
	TransferMaxFailures int
	DownloadPolicy      *transfer.Policy
}

// Session drives the connection to the relay.  All protocol work is
// serialized on one worker goroutine; at most one scheduled task is
// pending at any time, and every state transition cancels the previous
// state's task.
type Session struct {
	worker.Worker

	cfg *Config
	log *logging.Logger

	store      *storage.Store
	pipeline   *message.Pipeline
	deliveries *delivery.Manager
	uploads    *transfer.UploadAgent
	downloads  *transfer.DownloadAgent

	opCh chan func()
	sink *channels.InfiniteChannel

	// Worker-goroutine state, never touched elsewhere.
	state      State
	attempts   int
	conn       transport.Conn
	rpc        *transport.RPC
	pending    *time.Timer
	retry      *backoff
	clientID   string
	lastSync   time.Time
	background bool
}

// New assembles a session and its subsystems over the given store.
func New(cfg *Config, store *storage.Store, logBackend *log.Backend) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("session: config needs a dialer")
	}
	s := &Session{
		cfg:   cfg,
		log:   logBackend.GetLogger("session"),
		store: store,
		opCh:  make(chan func()),
		sink:  channels.NewInfiniteChannel(),
		state: StateDisconnected,
		retry: newBackoff(cfg.RetryFixedDelay, cfg.RetryVariableFactor, cfg.RetryMaxVariable),
	}
	s.pipeline = message.NewPipeline(store, logBackend)
	s.downloads = transfer.NewDownloadAgent(store, logBackend,
		cfg.TransferThreads, cfg.TransferMaxFailures, cfg.DownloadPolicy)
	s.uploads = transfer.NewUploadAgent(store, logBackend,
		cfg.TransferThreads, cfg.TransferMaxFailures)
	s.deliveries = delivery.NewManager(store, s.pipeline, s.downloads,
		cfg.DownloadDir, s.emit, logBackend)
	return s, nil
}

// Start begins connecting.  Events flow from EventSink until Shutdown.
func (s *Session) Start() {
	s.Go(s.worker)
	s.enqueue(func() { s.transition(StateConnecting) })
}

// Shutdown stops the session and all transfer workers.
func (s *Session) Shutdown() {
	s.Halt()
	s.uploads.Halt()
	s.downloads.Halt()
}

// EventSink returns the event stream.  The channel never blocks senders
// and is closed on shutdown.
func (s *Session) EventSink() <-chan interface{} {
	return s.sink.Out()
}

// CurrentState returns the session state as the worker sees it.
func (s *Session) CurrentState() (State, error) {
	var st State
	err := s.call(func() error {
		st = s.state
		return nil
	})
	return st, err
}

// Uploads exposes the upload agent for listener registration and manual
// pause/resume.
func (s *Session) Uploads() *transfer.UploadAgent { return s.uploads }

// Downloads exposes the download agent.
func (s *Session) Downloads() *transfer.DownloadAgent { return s.downloads }

func (s *Session) worker() {
	for {
		select {
		case <-s.HaltCh():
			s.teardown()
			return
		case op := <-s.opCh:
			op()
		}
	}
}

func (s *Session) teardown() {
	s.cancelPending()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.sink.Close()
}

func (s *Session) enqueue(op func()) {
	select {
	case s.opCh <- op:
	case <-s.HaltCh():
	}
}

// call runs op on the worker goroutine and waits for its result.
func (s *Session) call(op func() error) error {
	errCh := make(chan error, 1)
	select {
	case s.opCh <- func() { errCh <- op() }:
	case <-s.HaltCh():
		return ErrShutdown
	}
	select {
	case err := <-errCh:
		return err
	case <-s.HaltCh():
		return ErrShutdown
	}
}

func (s *Session) emit(ev interface{}) {
	select {
	case <-s.HaltCh():
	default:
		s.sink.In() <- ev
	}
}

// schedule replaces the pending task with fn after delay.
func (s *Session) schedule(delay time.Duration, fn func()) {
	s.cancelPending()
	s.pending = time.AfterFunc(delay, func() {
		s.enqueue(fn)
	})
}

func (s *Session) cancelPending() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

// transition moves to the next state and schedules its entry task.
func (s *Session) transition(next State) {
	old := s.state
	s.state = next
	if old != next {
		s.log.Noticef("Session state %s -> %s", old, next)
		s.emit(&StateChangedEvent{Old: old, New: next})
	}

	switch next {
	case StateDisconnected:
		s.cancelPending()
	case StateConnecting:
		delay := time.Duration(0)
		if s.attempts > 0 {
			delay = s.retry.delay(s.attempts)
			s.log.Noticef("Reconnecting in %v (attempt %d)", delay, s.attempts)
		}
		s.schedule(delay, s.doConnect)
	case StateRegistering:
		s.schedule(0, s.doRegister)
	case StateLogin:
		s.schedule(0, s.doLogin)
	case StateSyncing:
		s.schedule(0, s.doSync)
	case StateReady:
		s.schedule(0, s.doReady)
	}
}

// retryPhase books a failure in the current state: retried in place while
// the connection lives, demoted to reconnect otherwise.
func (s *Session) retryPhase(task func(), err error) {
	s.attempts++
	if s.conn == nil {
		// connectionLost already drove us back to CONNECTING.
		return
	}
	delay := s.retry.delay(s.attempts)
	s.log.Warningf("%s failed, retrying in %v: %v", s.state, delay, err)
	s.schedule(delay, task)
}

func (s *Session) doConnect() {
	if s.state != StateConnecting {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	conn, err := s.cfg.Dialer.Dial(ctx)
	cancel()
	if err != nil {
		s.attempts++
		s.log.Warningf("Dial failed: %v", err)
		s.schedule(s.retry.delay(s.attempts), s.doConnect)
		return
	}

	s.conn = conn
	s.rpc = transport.NewRPC(conn)
	s.deliveries.SetRPC(s.rpc)
	s.uploads.SetRegistrar(s.rpc)
	s.downloads.SetRegistrar(s.rpc)
	s.pump(conn)

	if _, err := s.store.Credential(); err == storage.ErrNotFound {
		s.transition(StateRegistering)
		return
	} else if err != nil {
		s.log.Errorf("Credential lookup failed: %v", err)
		s.disconnect()
		s.transition(StateConnecting)
		return
	}
	s.transition(StateLogin)
}

// pump forwards server notifications onto the worker goroutine and turns
// stream closure into a connection-loss op.
func (s *Session) pump(conn transport.Conn) {
	s.Go(func() {
		for {
			select {
			case <-s.HaltCh():
				return
			case n, ok := <-conn.Notifications():
				if !ok {
					s.enqueue(func() { s.connectionLost(conn) })
					return
				}
				s.enqueue(func() { s.handleNotification(&n) })
			}
		}
	})
}

func (s *Session) connectionLost(conn transport.Conn) {
	if conn != s.conn {
		// A previous connection's death notice.
		return
	}
	s.log.Warningf("Connection lost in state %s", s.state)
	s.disconnect()
	s.emit(&ConnectionLostEvent{})

	if s.background {
		s.transition(StateDisconnected)
		return
	}
	// A loss after authentication started still costs a backoff step, so
	// a relay that accepts connections and then drops them is not hammered.
	if s.state >= StateLogin && s.attempts < 1 {
		s.attempts = 1
	}
	s.transition(StateConnecting)
}

func (s *Session) disconnect() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.rpc = nil
	s.deliveries.SetRPC(nil)
	s.uploads.SetRegistrar(nil)
	s.downloads.SetRegistrar(nil)
}

func (s *Session) doReady() {
	if s.state != StateReady || s.rpc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := s.rpc.Ready(ctx); err != nil {
		s.retryPhase(s.doReady, err)
		return
	}
	s.attempts = 0
	s.emit(&ReadyEvent{})

	s.deliveries.FlushPending(ctx)
	s.uploads.ResumeAll()
	s.downloads.ResumeAll()

	s.armIdleTask()
}

// armIdleTask schedules the READY state's single standing task: the
// background disconnect when backgrounded, else the keep-alive probe.
func (s *Session) armIdleTask() {
	if s.state != StateReady {
		return
	}
	if s.background && s.cfg.BackgroundTimeout > 0 {
		s.schedule(s.cfg.BackgroundTimeout, s.backgroundDisconnect)
		return
	}
	if s.cfg.KeepAliveInterval > 0 {
		s.schedule(s.cfg.KeepAliveInterval, s.keepAlive)
	}
}

// keepAlive doubles as liveness probe and delta sync: a failed fetch is
// noticed here long before TCP gives up.
func (s *Session) keepAlive() {
	if s.state != StateReady || s.rpc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	since := s.lastSync
	s.lastSync = time.Now()
	presences, err := s.rpc.GetPresences(ctx, since)
	if err != nil {
		s.log.Warningf("Keep-alive fetch failed: %v", err)
	} else {
		for _, p := range presences {
			s.applyPresence(p)
		}
	}
	s.armIdleTask()
}

func (s *Session) backgroundDisconnect() {
	if !s.background || s.state == StateDisconnected {
		return
	}
	s.log.Noticef("Background timeout, disconnecting")
	s.disconnect()
	s.transition(StateDisconnected)
}

// SetBackground signals foreground/background transitions.  Backgrounded
// sessions disconnect after the configured timeout and stay down until
// foregrounded.
func (s *Session) SetBackground(background bool) {
	s.enqueue(func() {
		if s.background == background {
			return
		}
		s.background = background
		if background {
			if s.state == StateReady && s.cfg.BackgroundTimeout > 0 {
				s.armIdleTask()
			}
			return
		}
		switch s.state {
		case StateDisconnected:
			s.attempts = 0
			s.transition(StateConnecting)
		case StateReady:
			s.armIdleTask()
		}
	})
}
