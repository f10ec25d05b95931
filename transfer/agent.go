// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package transfer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/katzenpost/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

const (
	// DefaultMaxFailures is the retry budget: the transfer fails
	// terminally on the failure after this many.
	DefaultMaxFailures = 16

	// DefaultThreads is the per-agent worker pool size.
	DefaultThreads = 2

	jobBacklog = 128
)

// ErrNotConnected is returned when a transfer operation needs the relay
// control channel and the session is offline.
var ErrNotConnected = errors.New("transfer: not connected")

// retryDelay is the quadratic backoff between transfer attempts.
func retryDelay(failures int) time.Duration {
	return time.Duration(2*(failures*failures+1)) * time.Second
}

// Registrar is the slice of the relay RPC surface the agents need for the
// file transfer lifecycle.  *transport.RPC satisfies it.
type Registrar interface {
	CreateFileForStorage(ctx context.Context, size int64) (*transport.WireFileHandle, error)
	CreateFileForTransfer(ctx context.Context, size int64) (*transport.WireFileHandle, error)
	ReceivedFile(ctx context.Context, fileID string) error
	StartedFileUpload(ctx context.Context, fileID string) error
	FinishedFileUpload(ctx context.Context, fileID string) error
	FailedFileUpload(ctx context.Context, fileID string) error
	PausedFileUpload(ctx context.Context, fileID string) error
	AcknowledgeAbortedFileDownload(ctx context.Context, fileID string) error
	AcknowledgeFailedFileDownload(ctx context.Context, fileID string) error
}

// future is the handle to a transfer's pending or in-flight work: a timer
// if the work is scheduled for later, a cancel function once it runs.
type future struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

func (f *future) stop() {
	if f.timer != nil {
		f.timer.Stop()
	}
	if f.cancel != nil {
		f.cancel()
	}
}

// agent is the machinery shared by the upload and download agents: a
// bounded worker pool fed by a job channel, and a map from transfer id to
// its future so state changes can cancel or replace pending work.
type agent struct {
	worker.Worker
	listenerList

	store  *storage.Store
	log    *logging.Logger
	client *http.Client

	maxFailures int

	// run is the per-direction transfer attempt, set by the embedding
	// agent before starting the pool.
	run func(ctx context.Context, t *storage.Transfer)

	jobCh chan string

	mu      sync.Mutex
	futures map[string]*future
	rpc     Registrar
}

func (a *agent) init(store *storage.Store, log *logging.Logger, threads, maxFailures int) {
	a.store = store
	a.log = log
	a.client = &http.Client{}
	a.maxFailures = maxFailures
	if a.maxFailures <= 0 {
		a.maxFailures = DefaultMaxFailures
	}
	a.jobCh = make(chan string, jobBacklog)
	a.futures = make(map[string]*future)
	if threads <= 0 {
		threads = DefaultThreads
	}
	for i := 0; i < threads; i++ {
		a.Go(a.poolWorker)
	}
}

// SetRegistrar installs (or removes, with nil) the relay control channel.
func (a *agent) SetRegistrar(r Registrar) {
	a.mu.Lock()
	a.rpc = r
	a.mu.Unlock()
}

func (a *agent) registrar() (Registrar, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rpc == nil {
		return nil, ErrNotConnected
	}
	return a.rpc, nil
}

// schedule replaces any pending work for the transfer with a new attempt
// after delay.
func (a *agent) schedule(id string, delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.futures[id]; ok {
		f.stop()
	}
	f := &future{}
	f.timer = time.AfterFunc(delay, func() {
		select {
		case a.jobCh <- id:
		case <-a.HaltCh():
		}
	})
	a.futures[id] = f
}

// cancelFuture cancels pending and in-flight work for the transfer without
// touching its persisted state.
func (a *agent) cancelFuture(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.futures[id]; ok {
		f.stop()
		delete(a.futures, id)
	}
}

func (a *agent) poolWorker() {
	for {
		select {
		case <-a.HaltCh():
			return
		case id := <-a.jobCh:
			a.execute(id)
		}
	}
}

// execute runs one transfer attempt with a catch-all so no panic can take
// the pool down.
func (a *agent) execute(id string) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorf("Transfer %q attempt panicked: %v", id, r)
		}
	}()

	t, err := a.store.GetTransfer(id)
	if err != nil {
		a.log.Warningf("Transfer %q vanished before its attempt: %v", id, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	f, ok := a.futures[id]
	if !ok {
		// Cancelled between dequeue and execution.
		a.mu.Unlock()
		cancel()
		return
	}
	f.cancel = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		// The attempt may have armed a replacement future (a retry
		// timer); remove only the one belonging to this execution.
		a.mu.Lock()
		if cur, ok := a.futures[id]; ok && cur == f {
			delete(a.futures, id)
		}
		a.mu.Unlock()
	}()

	go func() {
		select {
		case <-a.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()

	a.run(ctx, t)
}

// setState persists the transfer (state transition included) and fans the
// transition out when the state actually changed.
func (a *agent) setState(t *storage.Transfer, state storage.TransferState) error {
	old := t.State
	t.State = state
	if err := a.store.PutTransfer(t); err != nil {
		return err
	}
	if old != state {
		a.notifyStateChanged(t, old, state)
	}
	return nil
}

// fail books one failure against the retry budget: either a delayed retry
// or the terminal failed state.
func (a *agent) fail(t *storage.Transfer, cause error, retryState storage.TransferState) bool {
	t.Failures++
	if t.Failures > a.maxFailures {
		a.log.Errorf("Transfer %q failed terminally after %d failures: %v", t.ID, t.Failures, cause)
		if err := a.setState(t, storage.TransferFailed); err != nil {
			a.log.Errorf("Failed to persist terminal failure of %q: %v", t.ID, err)
		}
		a.notifyFailed(t, cause)
		return false
	}
	a.log.Warningf("Transfer %q failed (%d/%d), retrying: %v", t.ID, t.Failures, a.maxFailures, cause)
	if err := a.setState(t, retryState); err != nil {
		a.log.Errorf("Failed to persist retry state of %q: %v", t.ID, err)
		return false
	}
	a.schedule(t.ID, retryDelay(t.Failures))
	return true
}

// AddListener registers a transfer state listener.
func (a *agent) AddListener(l Listener) {
	a.add(l)
}
