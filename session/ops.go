// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hoccer/hoccer-talk-spike-sub001/crypto"
	"github.com/hoccer/hoccer-talk-spike-sub001/message"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

// Attachment names a local file to send along with a message.
type Attachment struct {
	Path      string
	MediaType string
}

// SendMessage encrypts and queues a message for the given contact or
// group, and dispatches it immediately when the session is READY.  With
// an attachment, a remote file slot is allocated up front so the sealed
// descriptor can carry the download location; the upload itself proceeds
// in the background.  The local message id is returned.
func (s *Session) SendMessage(recipientID string, body []byte, att *Attachment) (string, error) {
	var messageID string
	err := s.call(func() error {
		recipient, err := s.store.GetContact(recipientID)
		if err != nil {
			return err
		}

		var desc *message.Descriptor
		var handle *transport.WireFileHandle
		var encLen int64
		if att != nil {
			if s.rpc == nil {
				return ErrNotConnected
			}
			fi, err := os.Stat(att.Path)
			if err != nil {
				return err
			}
			mac, err := digestFile(att.Path)
			if err != nil {
				return err
			}
			encLen = crypto.CiphertextLength(fi.Size())
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			handle, err = s.rpc.CreateFileForTransfer(ctx, encLen)
			cancel()
			if err != nil {
				return err
			}
			desc = &message.Descriptor{
				Name:          filepath.Base(att.Path),
				URL:           handle.DownloadURL,
				FileID:        handle.FileID,
				ContentLength: encLen,
				MediaType:     att.MediaType,
				MAC:           mac,
			}
		}

		env, err := s.pipeline.Encrypt(recipient, body, desc)
		if err != nil {
			return err
		}

		msg := &storage.Message{
			LocalID:        uuid.NewString(),
			Body:           body,
			SenderID:       s.clientID,
			ConversationID: recipient.Identity(),
			Outgoing:       true,
			Timestamp:      time.Now(),
		}

		var transferID string
		if att != nil {
			transferID = uuid.NewString()
			tr := &storage.Transfer{
				ID:            transferID,
				Direction:     storage.TransferUpload,
				Type:          storage.TransferAttachment,
				FileID:        handle.FileID,
				URL:           handle.UploadURL,
				Path:          att.Path,
				ContentLength: encLen,
				Key:           env.Key,
				MediaType:     att.MediaType,
				State:         storage.TransferPaused,
			}
			if err := s.store.PutTransfer(tr); err != nil {
				return err
			}
			msg.TransferID = transferID
		}

		if _, err := s.deliveries.Queue(msg, env, recipient); err != nil {
			return err
		}

		if s.state == StateReady && s.rpc != nil {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			if err := s.deliveries.Dispatch(ctx, msg.LocalID); err != nil {
				s.log.Warningf("Immediate dispatch of %q failed: %v", msg.LocalID, err)
			}
		}
		if transferID != "" {
			if err := s.uploads.ResumeUpload(transferID); err != nil {
				s.log.Warningf("Failed to start upload %q: %v", transferID, err)
			}
		}

		messageID = msg.LocalID
		return nil
	})
	return messageID, err
}

func digestFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := crypto.NewDigest()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// ConfirmMessageSeen confirms an incoming message as seen by the user.
func (s *Session) ConfirmMessageSeen(messageID string) error {
	return s.call(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		return s.deliveries.ConfirmSeen(ctx, messageID)
	})
}

// AbortMessage withdraws an outgoing message that has not reached its
// recipient.
func (s *Session) AbortMessage(messageID string) error {
	return s.call(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		return s.deliveries.Abort(ctx, messageID)
	})
}

// CreateGroup creates a group with the given members, generates its
// shared key, and announces the key id.  Returns the group id.
func (s *Session) CreateGroup(name string, memberIDs []string) (string, error) {
	var groupID string
	err := s.call(func() error {
		if s.rpc == nil {
			return ErrNotConnected
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()

		wg, err := s.rpc.CreateGroupWithMembers(ctx, name, memberIDs)
		if err != nil {
			return err
		}
		gk, err := s.pipeline.NewGroupKey(wg.GroupID)
		if err != nil {
			return err
		}
		g := &storage.Contact{
			GroupID:     wg.GroupID,
			Nickname:    name,
			Joined:      true,
			SharedKeyID: gk.SharedKeyID,
			SharedKey:   gk.Key,
		}
		if err := s.store.PutContact(g); err != nil {
			return err
		}
		err = s.rpc.UpdateGroup(ctx, &transport.WireGroup{
			GroupID:     wg.GroupID,
			Name:        name,
			SharedKeyID: gk.SharedKeyID,
		})
		if err != nil {
			return err
		}
		s.emit(&ContactUpdatedEvent{Contact: g})
		groupID = wg.GroupID
		return nil
	})
	return groupID, err
}

// InviteGroupMember invites a client into a group we administer.
func (s *Session) InviteGroupMember(groupID, clientID string) error {
	return s.call(func() error {
		if s.rpc == nil {
			return ErrNotConnected
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		return s.rpc.InviteGroupMember(ctx, groupID, clientID)
	})
}

// RemoveGroupMember removes a member and rotates the group key so the
// removed member cannot read anything sent afterwards.
func (s *Session) RemoveGroupMember(groupID, clientID string) error {
	return s.call(func() error {
		if s.rpc == nil {
			return ErrNotConnected
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()

		if err := s.rpc.RemoveGroupMember(ctx, groupID, clientID); err != nil {
			return err
		}
		return s.renewGroupKey(ctx, groupID, clientID)
	})
}

// renewGroupKey generates a fresh shared key and wraps it for every
// remaining member whose public key we know.
func (s *Session) renewGroupKey(ctx context.Context, groupID, exceptID string) error {
	gk, err := s.pipeline.NewGroupKey(groupID)
	if err != nil {
		return err
	}
	g, err := s.store.GetContact(groupID)
	if err != nil {
		return err
	}
	g.SharedKeyID = gk.SharedKeyID
	g.SharedKey = gk.Key
	if err := s.store.PutContact(g); err != nil {
		return err
	}

	members, err := s.rpc.GetGroupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	var ids []string
	var pubs [][]byte
	for _, m := range members {
		if m.ClientID == exceptID {
			continue
		}
		c, err := s.store.GetContact(m.ClientID)
		if err != nil || len(c.PublicKey) == 0 {
			s.log.Warningf("No public key for member %s of %s", m.ClientID, groupID)
			continue
		}
		ids = append(ids, m.ClientID)
		pubs = append(pubs, c.PublicKey)
	}

	err = s.rpc.UpdateKey(ctx, &transport.GroupKeyUpdate{
		GroupID:     groupID,
		SharedKeyID: gk.SharedKeyID,
		MemberIDs:   ids,
		WrappedKeys: message.WrapGroupKey(gk, pubs),
	})
	if err != nil {
		return err
	}
	return s.rpc.UpdateGroup(ctx, &transport.WireGroup{
		GroupID:     groupID,
		Name:        g.Nickname,
		SharedKeyID: gk.SharedKeyID,
	})
}

// JoinGroup accepts a group invitation.
func (s *Session) JoinGroup(groupID string) error {
	return s.call(func() error {
		if s.rpc == nil {
			return ErrNotConnected
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		if err := s.rpc.JoinGroup(ctx, groupID); err != nil {
			return err
		}
		g, err := s.store.GetContact(groupID)
		if err == storage.ErrNotFound {
			g = &storage.Contact{GroupID: groupID}
		} else if err != nil {
			return err
		}
		g.Joined = true
		if err := s.store.PutContact(g); err != nil {
			return err
		}
		s.emit(&ContactUpdatedEvent{Contact: g})
		return nil
	})
}

// LeaveGroup leaves a group and tears down its local key material.
func (s *Session) LeaveGroup(groupID string) error {
	return s.call(func() error {
		if s.rpc == nil {
			return ErrNotConnected
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		if err := s.rpc.LeaveGroup(ctx, groupID); err != nil {
			return err
		}
		return s.teardownGroup(groupID)
	})
}

// DeleteGroup deletes a group we administer.
func (s *Session) DeleteGroup(groupID string) error {
	return s.call(func() error {
		if s.rpc == nil {
			return ErrNotConnected
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		if err := s.rpc.DeleteGroup(ctx, groupID); err != nil {
			return err
		}
		return s.teardownGroup(groupID)
	})
}

func (s *Session) teardownGroup(groupID string) error {
	if err := s.store.DeleteGroupKey(groupID); err != nil && err != storage.ErrNotFound {
		return err
	}
	g, err := s.store.GetContact(groupID)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	g.Joined = false
	g.SharedKey = nil
	g.SharedKeyID = ""
	if err := s.store.PutContact(g); err != nil {
		return err
	}
	s.emit(&ContactUpdatedEvent{Contact: g})
	return nil
}
