// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/katzenpost/katzenpost/core/log"
	"gopkg.in/op/go-logging.v1"

	"github.com/hoccer/hoccer-talk-spike-sub001/message"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

// ErrNotConnected is returned when an operation needs the relay and the
// session is offline.
var ErrNotConnected = errors.New("delivery: not connected")

// DownloadStarter is the hook into the download agent; the manager hands it
// the transfer materialized from a decrypted attachment descriptor.
type DownloadStarter interface {
	StartDownload(t *storage.Transfer) error
}

// MessageReceivedEvent is emitted after an incoming message has been
// decrypted and stored.
type MessageReceivedEvent struct {
	Message *storage.Message
}

// DeliveryUpdatedEvent is emitted whenever a delivery changes state.
type DeliveryUpdatedEvent struct {
	Delivery *storage.Delivery
}

// Manager owns the delivery state machines of all messages.
type Manager struct {
	sync.Mutex

	store     *storage.Store
	pipeline  *message.Pipeline
	downloads DownloadStarter
	emit      func(interface{})
	log       *logging.Logger

	downloadDir string

	rpc *transport.RPC
}

// NewManager creates a delivery manager.  The emit callback receives the
// event structs above and must not block.
func NewManager(store *storage.Store, pipeline *message.Pipeline, downloads DownloadStarter, downloadDir string, emit func(interface{}), logBackend *log.Backend) *Manager {
	if emit == nil {
		emit = func(interface{}) {}
	}
	return &Manager{
		store:       store,
		pipeline:    pipeline,
		downloads:   downloads,
		emit:        emit,
		downloadDir: downloadDir,
		log:         logBackend.GetLogger("delivery"),
	}
}

// SetRPC installs (or, with nil, removes) the relay connection.  Called by
// the session on every connect and disconnect.
func (m *Manager) SetRPC(rpc *transport.RPC) {
	m.Lock()
	m.rpc = rpc
	m.Unlock()
}

func (m *Manager) rpcClient() (*transport.RPC, error) {
	m.Lock()
	defer m.Unlock()
	if m.rpc == nil {
		return nil, ErrNotConnected
	}
	return m.rpc, nil
}

// Queue stores a new outgoing message and its delivery in state new.  The
// delivery carries the envelope ciphertext so the request can be retried
// across reconnects.
func (m *Manager) Queue(msg *storage.Message, env *message.Envelope, recipient *storage.Contact) (*storage.Delivery, error) {
	now := time.Now()
	d := &storage.Delivery{
		MessageID:            msg.LocalID,
		Tag:                  env.Tag,
		ReceiverID:           recipient.ClientID,
		GroupID:              recipient.GroupID,
		State:                storage.DeliveryNew,
		Outgoing:             true,
		KeyID:                env.KeyID,
		EncryptedKey:         env.EncryptedKey,
		SharedKeyID:          env.SharedKeyID,
		KeySalt:              env.KeySalt,
		BodyCiphertext:       env.Body,
		AttachmentCiphertext: env.Attachment,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if env.Attachment != nil {
		d.Attachment = storage.AttachmentUploading
	}
	msg.Tag = env.Tag
	if err := m.store.PutMessage(msg); err != nil {
		return nil, err
	}
	if err := m.store.PutDelivery(d); err != nil {
		return nil, err
	}
	return d, nil
}

// FlushPending dispatches every outgoing delivery that has not yet been
// accepted by the relay.  Called on READY and after each queued send.
func (m *Manager) FlushPending(ctx context.Context) {
	pending, err := m.store.DeliveriesWhere(func(d *storage.Delivery) bool {
		return d.Outgoing &&
			(d.State == storage.DeliveryNew || d.State == storage.DeliveryDelivering)
	})
	if err != nil {
		m.log.Errorf("Failed to enumerate pending deliveries: %v", err)
		return
	}
	for _, d := range pending {
		if d.InProgress {
			// Dispatch only runs on the session worker, so a persisted
			// in-progress flag seen here is leftover from a crash
			// mid-dispatch.
			m.log.Warningf("Clearing stale in-progress flag of %q", d.MessageID)
			d.InProgress = false
			if err := m.store.PutDelivery(d); err != nil {
				m.log.Errorf("Failed to clear stale in-progress flag of %q: %v", d.MessageID, err)
				continue
			}
		}
		if err := m.Dispatch(ctx, d.MessageID); err != nil {
			m.log.Warningf("Dispatch of %q failed: %v", d.MessageID, err)
		}
	}
}

// Dispatch performs one delivery request round trip for a message.  The
// persisted in-progress flag guarantees at most one attempt in flight.
func (m *Manager) Dispatch(ctx context.Context, messageID string) error {
	won, err := m.store.TryMarkDeliveryInProgress(messageID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	defer m.clearInProgress(messageID)

	d, err := m.store.GetDelivery(messageID, true)
	if err != nil {
		return err
	}
	if d.State.Terminal() {
		return nil
	}

	routable, err := m.isRoutable(d)
	if err != nil {
		return err
	}
	if !routable {
		// Blocked recipient or dissolved group: no server round trip.
		return m.abortLocally(d)
	}

	rpc, err := m.rpcClient()
	if err != nil {
		return err
	}
	accepted, err := rpc.OutDeliveryRequest(ctx, &transport.WireDelivery{
		MessageTag:      d.Tag,
		ReceiverID:      d.ReceiverID,
		GroupID:         d.GroupID,
		State:           d.State.String(),
		AttachmentState: d.Attachment.String(),
		KeyID:           d.KeyID,
		EncryptedKey:    d.EncryptedKey,
		SharedKeyID:     d.SharedKeyID,
		KeySalt:         d.KeySalt,
		Body:            d.BodyCiphertext,
		Attachment:      d.AttachmentCiphertext,
	})
	if err != nil {
		// Transport failures leave the delivery pending for the next
		// flush; a relay rejection is terminal.
		var callErr *transport.CallError
		if errors.As(err, &callErr) {
			d.State = storage.DeliveryRejected
			d.UpdatedAt = time.Now()
			if perr := m.store.PutDelivery(d); perr == nil {
				m.emit(DeliveryUpdatedEvent{Delivery: d})
			}
		}
		return err
	}

	d.GlobalID = accepted.MessageID
	d.State = storage.DeliveryDelivering
	d.UpdatedAt = time.Now()
	if err := m.store.PutDelivery(d); err != nil {
		return err
	}
	if msg, err := m.store.GetMessage(messageID); err == nil && msg.GlobalID == "" {
		msg.GlobalID = accepted.MessageID
		if err := m.store.PutMessage(msg); err != nil {
			m.log.Warningf("Failed to store global id for %q: %v", messageID, err)
		}
	}
	m.emit(DeliveryUpdatedEvent{Delivery: d})
	return nil
}

func (m *Manager) clearInProgress(messageID string) {
	d, err := m.store.GetDelivery(messageID, true)
	if err != nil {
		return
	}
	d.InProgress = false
	if err := m.store.PutDelivery(d); err != nil {
		m.log.Warningf("Failed to clear in-progress flag of %q: %v", messageID, err)
	}
}

// isRoutable checks whether a message still has somewhere to go.
func (m *Manager) isRoutable(d *storage.Delivery) (bool, error) {
	c, err := m.store.GetContact(identityOf(d))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if c.Removed {
		return false, nil
	}
	if d.IsGroup() {
		return c.Joined, nil
	}
	return c.Relationship != storage.RelationshipBlocked, nil
}

func identityOf(d *storage.Delivery) string {
	if d.IsGroup() {
		return d.GroupID
	}
	return d.ReceiverID
}

func (m *Manager) abortLocally(d *storage.Delivery) error {
	d.State = storage.DeliveryAborted
	d.UpdatedAt = time.Now()
	if err := m.store.PutDelivery(d); err != nil {
		return err
	}
	m.log.Noticef("Delivery %q is unroutable, aborted locally.", d.MessageID)
	m.emit(DeliveryUpdatedEvent{Delivery: d})
	return nil
}

// HandleIncomingDelivery processes an incomingDelivery notification:
// decrypt, store, confirm.  Reprocessing the same notification is a no-op
// beyond re-sending the confirmation, which the relay tolerates.
func (m *Manager) HandleIncomingDelivery(ctx context.Context, wd *transport.WireDelivery) error {
	if existing, err := m.store.MessageByTag(wd.MessageTag); err == nil {
		// Already processed; re-confirm with the stored state.
		d, derr := m.store.GetDelivery(existing.LocalID, false)
		if derr != nil {
			return derr
		}
		return m.confirm(ctx, d)
	}

	now := time.Now()
	d := &storage.Delivery{
		MessageID:    uuid.NewString(),
		GlobalID:     wd.MessageID,
		Tag:          wd.MessageTag,
		SenderID:     wd.SenderID,
		ReceiverID:   wd.ReceiverID,
		GroupID:      wd.GroupID,
		KeyID:        wd.KeyID,
		EncryptedKey: wd.EncryptedKey,
		SharedKeyID:  wd.SharedKeyID,
		KeySalt:      wd.KeySalt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// Incoming group deliveries address us directly but are keyed by the
	// group; normalize to the one-of invariant.
	if d.GroupID != "" {
		d.ReceiverID = ""
	}

	plaintext, desc, key, err := m.pipeline.Decrypt(d, wd.Body, wd.Attachment)
	if err != nil {
		// Cryptographic failure: mark this message failed and move on, the
		// session must survive.
		m.log.Errorf("Decrypt of incoming %q failed: %v", wd.MessageTag, err)
		d.State = storage.DeliveryFailed
		if perr := m.store.PutDelivery(d); perr != nil {
			return perr
		}
		return m.confirm(ctx, d)
	}

	msg := &storage.Message{
		LocalID:        d.MessageID,
		GlobalID:       wd.MessageID,
		Tag:            wd.MessageTag,
		Body:           plaintext,
		SenderID:       wd.SenderID,
		ConversationID: conversationOf(wd),
		Timestamp:      pickTime(wd.TimeAccepted, now),
	}

	if desc != nil {
		t := &storage.Transfer{
			ID:            uuid.NewString(),
			Direction:     storage.TransferDownload,
			Type:          storage.TransferAttachment,
			FileID:        desc.FileID,
			URL:           desc.URL,
			Path:          filepath.Join(m.downloadDir, desc.Name),
			ContentLength: desc.ContentLength,
			Key:           key,
			ExpectedMAC:   desc.MAC,
			MediaType:     desc.MediaType,
			State:         storage.TransferNew,
		}
		if err := m.store.PutTransfer(t); err != nil {
			return err
		}
		msg.TransferID = t.ID
		if m.downloads != nil {
			if err := m.downloads.StartDownload(t); err != nil {
				m.log.Warningf("Download start for %q failed: %v", t.ID, err)
			}
		}
	}

	d.State = storage.DeliveredUnseen
	if err := m.store.PutMessage(msg); err != nil {
		return err
	}
	if err := m.store.PutDelivery(d); err != nil {
		return err
	}
	m.emit(MessageReceivedEvent{Message: msg})
	m.emit(DeliveryUpdatedEvent{Delivery: d})
	return m.confirm(ctx, d)
}

func conversationOf(wd *transport.WireDelivery) string {
	if wd.GroupID != "" {
		return wd.GroupID
	}
	return wd.SenderID
}

func pickTime(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

// confirm calls the incoming-delivery confirmation procedure selected by
// the delivery's current state.
func (m *Manager) confirm(ctx context.Context, d *storage.Delivery) error {
	method, ok := confirmMethod(d.State)
	if !ok {
		return nil
	}
	rpc, err := m.rpcClient()
	if err != nil {
		return err
	}
	return rpc.ConfirmIncoming(ctx, method, d.Tag)
}

// ConfirmSeen transitions an incoming delivery to deliveredSeen when the
// host application reports the message as read.
func (m *Manager) ConfirmSeen(ctx context.Context, messageID string) error {
	d, err := m.store.GetDelivery(messageID, false)
	if err != nil {
		return err
	}
	if d.State == storage.DeliveredSeen {
		return nil
	}
	d.State = storage.DeliveredSeen
	d.UpdatedAt = time.Now()
	if err := m.store.PutDelivery(d); err != nil {
		return err
	}
	if msg, err := m.store.GetMessage(messageID); err == nil && !msg.Seen {
		msg.Seen = true
		if err := m.store.PutMessage(msg); err != nil {
			m.log.Warningf("Failed to mark %q seen: %v", messageID, err)
		}
	}
	m.emit(DeliveryUpdatedEvent{Delivery: d})
	return m.confirm(ctx, d)
}

// HandleIncomingDeliveryUpdated applies an incomingDeliveryUpdated
// notification, which carries sender-side attachment state changes for a
// delivery we received.
func (m *Manager) HandleIncomingDeliveryUpdated(ctx context.Context, wd *transport.WireDelivery) error {
	msg, err := m.store.MessageByTag(wd.MessageTag)
	if err != nil {
		return err
	}
	d, err := m.store.GetDelivery(msg.LocalID, false)
	if err != nil {
		return err
	}
	attachment, err := parseAttachmentState(wd.AttachmentState)
	if err != nil {
		return err
	}
	if d.Attachment == attachment {
		return nil
	}
	d.Attachment = attachment
	d.UpdatedAt = time.Now()
	if err := m.store.PutDelivery(d); err != nil {
		return err
	}
	m.emit(DeliveryUpdatedEvent{Delivery: d})
	return nil
}

// HandleOutgoingDeliveryUpdated applies an outgoingDeliveryUpdated
// notification for a message we sent, and acknowledges terminal states
// back to the relay.  Applying the same update twice is idempotent.
func (m *Manager) HandleOutgoingDeliveryUpdated(ctx context.Context, wd *transport.WireDelivery) error {
	msg, err := m.store.MessageByTag(wd.MessageTag)
	if err != nil {
		return err
	}
	d, err := m.store.GetDelivery(msg.LocalID, true)
	if err != nil {
		return err
	}

	state, err := parseState(wd.State)
	if err != nil {
		return err
	}
	attachment := d.Attachment
	if wd.AttachmentState != "" {
		if attachment, err = parseAttachmentState(wd.AttachmentState); err != nil {
			return err
		}
	}
	if d.State == state && d.Attachment == attachment {
		return nil
	}

	d.State = state
	d.Attachment = attachment
	d.UpdatedAt = time.Now()
	if err := m.store.PutDelivery(d); err != nil {
		return err
	}
	m.emit(DeliveryUpdatedEvent{Delivery: d})

	if method, ok := acknowledgeMethod(state); ok {
		rpc, err := m.rpcClient()
		if err != nil {
			return err
		}
		return rpc.AcknowledgeOutgoing(ctx, method, d.Tag)
	}
	return nil
}

// Abort aborts an outgoing delivery both locally and, when reachable, on
// the relay.
func (m *Manager) Abort(ctx context.Context, messageID string) error {
	d, err := m.store.GetDelivery(messageID, true)
	if err != nil {
		return err
	}
	if d.State.Terminal() {
		return nil
	}
	if err := m.abortLocally(d); err != nil {
		return err
	}
	if rpc, err := m.rpcClient(); err == nil {
		return rpc.OutDeliveryAbort(ctx, d.Tag)
	}
	return nil
}
