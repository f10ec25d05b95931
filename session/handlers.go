// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"

	"github.com/hoccer/hoccer-talk-spike-sub001/message"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

// handleNotification dispatches one server-initiated message.  Handlers
// run on the worker goroutine and must be idempotent: the relay resends
// anything it did not see confirmed.
func (s *Session) handleNotification(n *transport.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	switch n.Method {
	case transport.NotifyIncomingDelivery:
		d := new(transport.WireDelivery)
		if err := n.Decode(d); err != nil {
			s.log.Errorf("Bad %s payload: %v", n.Method, err)
			return
		}
		if err := s.deliveries.HandleIncomingDelivery(ctx, d); err != nil {
			s.log.Errorf("Incoming delivery failed: %v", err)
		}

	case transport.NotifyIncomingDeliveryUpdated:
		d := new(transport.WireDelivery)
		if err := n.Decode(d); err != nil {
			s.log.Errorf("Bad %s payload: %v", n.Method, err)
			return
		}
		if err := s.deliveries.HandleIncomingDeliveryUpdated(ctx, d); err != nil {
			s.log.Errorf("Incoming delivery update failed: %v", err)
		}

	case transport.NotifyOutgoingDeliveryUpdated:
		d := new(transport.WireDelivery)
		if err := n.Decode(d); err != nil {
			s.log.Errorf("Bad %s payload: %v", n.Method, err)
			return
		}
		if err := s.deliveries.HandleOutgoingDeliveryUpdated(ctx, d); err != nil {
			s.log.Errorf("Outgoing delivery update failed: %v", err)
		}

	case transport.NotifyPresenceUpdated, transport.NotifyPresenceModified:
		p := new(transport.WirePresence)
		if err := n.Decode(p); err != nil {
			s.log.Errorf("Bad %s payload: %v", n.Method, err)
			return
		}
		s.applyPresence(p)

	case transport.NotifyRelationshipUpdated:
		r := new(transport.WireRelationship)
		if err := n.Decode(r); err != nil {
			s.log.Errorf("Bad %s payload: %v", n.Method, err)
			return
		}
		s.applyRelationship(r)

	case transport.NotifyGroupUpdated:
		g := new(transport.WireGroup)
		if err := n.Decode(g); err != nil {
			s.log.Errorf("Bad %s payload: %v", n.Method, err)
			return
		}
		s.applyGroup(g)

	case transport.NotifyGroupMemberUpdated:
		m := new(transport.WireGroupMember)
		if err := n.Decode(m); err != nil {
			s.log.Errorf("Bad %s payload: %v", n.Method, err)
			return
		}
		s.applyGroupMember(m)

	case transport.NotifyGetEncryptedGroupKeys:
		req := new(transport.GroupKeyRequest)
		if err := n.Decode(req); err != nil {
			s.log.Errorf("Bad %s payload: %v", n.Method, err)
			return
		}
		if err := s.handleGroupKeyRequest(ctx, req); err != nil {
			s.log.Errorf("Group key request for %s failed: %v", req.GroupID, err)
		}

	case transport.NotifyAlertUser:
		var text string
		if err := n.Decode(&text); err != nil {
			s.log.Errorf("Bad %s payload: %v", n.Method, err)
			return
		}
		s.emit(&AlertEvent{Text: text})

	case transport.NotifyPushNotRegistered:
		s.emit(&PushNotRegisteredEvent{})

	default:
		s.log.Warningf("Unhandled notification %q", n.Method)
	}
}

// applyGroupMember applies one membership record.  A record addressed to
// us can carry the group key wrapped under one of our public keys.
func (s *Session) applyGroupMember(m *transport.WireGroupMember) {
	g, err := s.store.GetContact(m.GroupID)
	if err == storage.ErrNotFound {
		g = &storage.Contact{GroupID: m.GroupID}
	} else if err != nil {
		s.log.Errorf("Group lookup failed for %s: %v", m.GroupID, err)
		return
	}

	if m.ClientID == s.clientID && len(m.EncryptedKey) > 0 {
		err := s.pipeline.UnwrapGroupKey(m.GroupID, g.SharedKeyID, m.KeyID, m.EncryptedKey)
		if err != nil {
			s.log.Errorf("Failed to unwrap group key of %s: %v", m.GroupID, err)
		}
	}
	if m.ClientID == s.clientID {
		switch m.State {
		case "none", "removed":
			g.Joined = false
		case "joined":
			g.Joined = true
		}
		if err := s.store.PutContact(g); err != nil {
			s.log.Errorf("Failed to store group %s: %v", m.GroupID, err)
			return
		}
		s.emit(&ContactUpdatedEvent{Contact: g})
	}
}

// handleGroupKeyRequest answers the relay's demand to (re)wrap the shared
// group key for a set of member public keys.  A renew request, or a
// request for a key we no longer hold, generates a fresh key first.
func (s *Session) handleGroupKeyRequest(ctx context.Context, req *transport.GroupKeyRequest) error {
	if s.rpc == nil {
		return ErrNotConnected
	}

	gk, err := s.store.GetGroupKey(req.GroupID)
	needFresh := req.Renew || err == storage.ErrNotFound ||
		(err == nil && req.SharedKeyID != "" && gk.SharedKeyID != req.SharedKeyID)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if needFresh {
		gk, err = s.pipeline.NewGroupKey(req.GroupID)
		if err != nil {
			return err
		}
		if g, gerr := s.store.GetContact(req.GroupID); gerr == nil {
			g.SharedKeyID = gk.SharedKeyID
			g.SharedKey = gk.Key
			if perr := s.store.PutContact(g); perr != nil {
				return perr
			}
		}
	}

	return s.rpc.UpdateKey(ctx, &transport.GroupKeyUpdate{
		GroupID:     req.GroupID,
		SharedKeyID: gk.SharedKeyID,
		MemberIDs:   req.MemberIDs,
		WrappedKeys: message.WrapGroupKey(gk, req.PublicKeys),
	})
}
