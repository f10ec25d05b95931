// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
)

// StateChangedEvent reports a session state transition.
type StateChangedEvent struct {
	Old State
	New State
}

// RegisteredEvent reports a completed first-time registration.
type RegisteredEvent struct {
	ClientID string
}

// ReadyEvent reports that catch-up sync is complete and the session is
// live.
type ReadyEvent struct{}

// ConnectionLostEvent reports an involuntary disconnect.
type ConnectionLostEvent struct{}

// ContactUpdatedEvent reports a changed contact or group record.
type ContactUpdatedEvent struct {
	Contact *storage.Contact
}

// AlertEvent carries a server-originated message for the user.
type AlertEvent struct {
	Text string
}

// PushNotRegisteredEvent reports that the relay has no push registration
// for this client.
type PushNotRegisteredEvent struct{}
