// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

// doSync is the catch-up phase after login: announce our presence and
// public key, pull presence/relationship/group deltas, and reconcile
// group membership with the server's view.
func (s *Session) doSync() {
	if s.state != StateSyncing || s.rpc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*rpcTimeout)
	defer cancel()

	syncStart := time.Now()
	since := s.lastSync

	kp, err := s.ensureKeyPair()
	if err != nil {
		s.log.Errorf("Key pair unavailable: %v", err)
		s.retryPhase(s.doSync, err)
		return
	}
	err = s.rpc.UpdatePresence(ctx, &transport.WirePresence{
		ClientID:  s.clientID,
		KeyID:     kp.KeyID,
		PublicKey: kp.Public,
	})
	if err != nil {
		s.retryPhase(s.doSync, err)
		return
	}

	presences, err := s.rpc.GetPresences(ctx, since)
	if err != nil {
		s.retryPhase(s.doSync, err)
		return
	}
	for _, p := range presences {
		s.applyPresence(p)
	}

	relationships, err := s.rpc.GetRelationships(ctx, since)
	if err != nil {
		s.retryPhase(s.doSync, err)
		return
	}
	for _, r := range relationships {
		s.applyRelationship(r)
	}

	groups, err := s.rpc.GetGroups(ctx, since)
	if err != nil {
		s.retryPhase(s.doSync, err)
		return
	}
	for _, g := range groups {
		s.applyGroup(g)
	}

	if err := s.reconcileMembership(ctx); err != nil {
		s.retryPhase(s.doSync, err)
		return
	}

	s.lastSync = syncStart
	s.transition(StateReady)
}

// reconcileMembership asks the server which of our joined groups we still
// belong to and quietly tears down the rest.  Ephemeral groups lose their
// key material; durable ones just stop being joined.
func (s *Session) reconcileMembership(ctx context.Context) error {
	joined, err := s.store.ContactsWhere(func(c *storage.Contact) bool {
		return c.IsGroup() && c.Joined
	})
	if err != nil {
		return err
	}
	if len(joined) == 0 {
		return nil
	}

	ids := make([]string, len(joined))
	byID := make(map[string]*storage.Contact, len(joined))
	for i, g := range joined {
		ids[i] = g.GroupID
		byID[g.GroupID] = g
	}
	still, err := s.rpc.IsMemberInGroups(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range still {
		delete(byID, id)
	}

	for id, g := range byID {
		g.Joined = false
		if g.Ephemeral {
			g.SharedKey = nil
			g.SharedKeyID = ""
			if err := s.store.DeleteGroupKey(id); err != nil && err != storage.ErrNotFound {
				s.log.Warningf("Failed to drop group key of %s: %v", id, err)
			}
			s.log.Debugf("Tore down ephemeral group %s", id)
		}
		if err := s.store.PutContact(g); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) applyPresence(p *transport.WirePresence) {
	c, err := s.store.GetContact(p.ClientID)
	if err == storage.ErrNotFound {
		c = &storage.Contact{ClientID: p.ClientID}
	} else if err != nil {
		s.log.Errorf("Contact lookup failed for %s: %v", p.ClientID, err)
		return
	}
	c.Nickname = p.Nickname
	c.Presence = p.Status
	c.LastSeen = p.LastSeen
	if p.KeyID != "" {
		c.KeyID = p.KeyID
		c.PublicKey = p.PublicKey
	}
	if err := s.store.PutContact(c); err != nil {
		s.log.Errorf("Failed to store contact %s: %v", p.ClientID, err)
		return
	}
	s.emit(&ContactUpdatedEvent{Contact: c})
}

func (s *Session) applyRelationship(r *transport.WireRelationship) {
	c, err := s.store.GetContact(r.ClientID)
	if err == storage.ErrNotFound {
		c = &storage.Contact{ClientID: r.ClientID}
	} else if err != nil {
		s.log.Errorf("Contact lookup failed for %s: %v", r.ClientID, err)
		return
	}
	c.Relationship = parseRelationship(r.State)
	c.Removed = r.State == "none"
	if err := s.store.PutContact(c); err != nil {
		s.log.Errorf("Failed to store contact %s: %v", r.ClientID, err)
		return
	}
	s.emit(&ContactUpdatedEvent{Contact: c})
}

func (s *Session) applyGroup(g *transport.WireGroup) {
	c, err := s.store.GetContact(g.GroupID)
	if err == storage.ErrNotFound {
		c = &storage.Contact{GroupID: g.GroupID}
	} else if err != nil {
		s.log.Errorf("Group lookup failed for %s: %v", g.GroupID, err)
		return
	}
	c.Nickname = g.Name
	c.Ephemeral = g.Ephemeral
	switch g.State {
	case "none", "deleted":
		c.Joined = false
	default:
		c.Joined = true
	}
	if g.SharedKeyID != "" && g.SharedKeyID != c.SharedKeyID {
		// The group rotated its key; ours is stale until a fresh
		// getEncryptedGroupKeys round or member update delivers the new
		// one.
		c.SharedKeyID = g.SharedKeyID
		c.SharedKey = nil
	}
	if err := s.store.PutContact(c); err != nil {
		s.log.Errorf("Failed to store group %s: %v", g.GroupID, err)
		return
	}
	s.emit(&ContactUpdatedEvent{Contact: c})
}

func parseRelationship(state string) storage.RelationshipState {
	switch state {
	case "invited":
		return storage.RelationshipInvited
	case "friend":
		return storage.RelationshipFriend
	case "blocked":
		return storage.RelationshipBlocked
	default:
		return storage.RelationshipNone
	}
}
