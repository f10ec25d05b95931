// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package delivery drives the per-message delivery state machine in both
// directions: outgoing deliveries are flushed to the relay and updated from
// its acknowledgements, incoming ones are decrypted and confirmed back with
// the acknowledgement procedure their state selects.
package delivery

import (
	"fmt"

	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

// The wire protocol carries states as the same strings the typed states
// print as; parse is the only place the loose representation is allowed.
func parseState(s string) (storage.DeliveryState, error) {
	for st := storage.DeliveryNew; st <= storage.DeliveryAborted; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("delivery: unknown wire state %q", s)
}

func parseAttachmentState(s string) (storage.AttachmentState, error) {
	if s == "" {
		return storage.AttachmentNone, nil
	}
	for st := storage.AttachmentNone; st <= storage.AttachmentUploadFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("delivery: unknown wire attachment state %q", s)
}

// confirmMethod selects the incoming-delivery confirmation procedure for a
// delivery state.  Exhaustive over the states an incoming delivery can
// settle in.
func confirmMethod(s storage.DeliveryState) (string, bool) {
	switch s {
	case storage.DeliveredSeen:
		return transport.MethodInDeliveryConfirmSeen, true
	case storage.DeliveredUnseen:
		return transport.MethodInDeliveryConfirmUnseen, true
	case storage.DeliveredPrivate:
		return transport.MethodInDeliveryConfirmPrivate, true
	case storage.DeliveryFailed, storage.DeliveryRejected:
		return transport.MethodInDeliveryReject, true
	}
	return "", false
}

// acknowledgeMethod selects the outgoing-delivery acknowledgement procedure
// for a terminal state reported by the relay.
func acknowledgeMethod(s storage.DeliveryState) (string, bool) {
	switch s {
	case storage.DeliveredSeen:
		return transport.MethodOutDeliveryAckSeen, true
	case storage.DeliveredUnseen:
		return transport.MethodOutDeliveryAckUnseen, true
	case storage.DeliveredPrivate:
		return transport.MethodOutDeliveryAckPrivate, true
	case storage.DeliveryFailed:
		return transport.MethodOutDeliveryAckFailed, true
	case storage.DeliveryRejected:
		return transport.MethodOutDeliveryAckRejected, true
	}
	return "", false
}
