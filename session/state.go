// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

// State is the connection lifecycle state of the session.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateLogin
	StateSyncing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateRegistering:
		return "REGISTERING"
	case StateLogin:
		return "LOGIN"
	case StateSyncing:
		return "SYNCING"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}
