// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transfer implements the upload and download agents: resumable,
// retryable attachment byte transfer over HTTP range requests, with
// decrypt and content-type detection post-processing on the download side.
package transfer

import (
	"sync"

	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
)

// Listener observes the externally visible lifecycle of transfers.
// Callbacks run synchronously on the worker goroutine that produced them
// and must not block; progress callbacks for one transfer arrive in
// non-decreasing byte order.
type Listener interface {
	Started(t *storage.Transfer)
	Progress(t *storage.Transfer, transferred, total int64)
	Finished(t *storage.Transfer)
	Failed(t *storage.Transfer, err error)
	StateChanged(t *storage.Transfer, old, new storage.TransferState)
}

type listenerList struct {
	sync.Mutex
	listeners []Listener
}

func (l *listenerList) add(listener Listener) {
	l.Lock()
	l.listeners = append(l.listeners, listener)
	l.Unlock()
}

func (l *listenerList) snapshot() []Listener {
	l.Lock()
	defer l.Unlock()
	out := make([]Listener, len(l.listeners))
	copy(out, l.listeners)
	return out
}

func (l *listenerList) notifyStarted(t *storage.Transfer) {
	for _, x := range l.snapshot() {
		x.Started(t)
	}
}

func (l *listenerList) notifyProgress(t *storage.Transfer, transferred, total int64) {
	for _, x := range l.snapshot() {
		x.Progress(t, transferred, total)
	}
}

func (l *listenerList) notifyFinished(t *storage.Transfer) {
	for _, x := range l.snapshot() {
		x.Finished(t)
	}
}

func (l *listenerList) notifyFailed(t *storage.Transfer, err error) {
	for _, x := range l.snapshot() {
		x.Failed(t, err)
	}
}

func (l *listenerList) notifyStateChanged(t *storage.Transfer, old, new storage.TransferState) {
	for _, x := range l.snapshot() {
		x.StateChanged(t, old, new)
	}
}
