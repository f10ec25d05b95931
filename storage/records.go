// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage holds the client's persistent record types and the bolt
// backed keyed-record store.  The store is the single source of truth for
// all worker goroutines; record writes are last-writer-wins.
package storage

import (
	"errors"
	"time"
)

// ErrRecordInvalid is returned when a record violates one of its structural
// invariants.
var ErrRecordInvalid = errors.New("storage: invalid record")

// DeliveryState is the server-tracked delivery lifecycle of one message for
// one recipient.
type DeliveryState uint8

const (
	DeliveryNew DeliveryState = iota
	DeliveryDelivering
	DeliveredSeen
	DeliveredUnseen
	DeliveredPrivate
	DeliveryFailed
	DeliveryRejected
	DeliveryAborted
)

// Terminal reports whether no further delivery transition is possible.
func (s DeliveryState) Terminal() bool {
	switch s {
	case DeliveredSeen, DeliveredUnseen, DeliveredPrivate,
		DeliveryFailed, DeliveryRejected, DeliveryAborted:
		return true
	}
	return false
}

func (s DeliveryState) String() string {
	switch s {
	case DeliveryNew:
		return "new"
	case DeliveryDelivering:
		return "delivering"
	case DeliveredSeen:
		return "deliveredSeen"
	case DeliveredUnseen:
		return "deliveredUnseen"
	case DeliveredPrivate:
		return "deliveredPrivate"
	case DeliveryFailed:
		return "failed"
	case DeliveryRejected:
		return "rejected"
	case DeliveryAborted:
		return "aborted"
	}
	return "unknown"
}

// AttachmentState tracks the attachment transfer lifecycle of a delivery,
// orthogonal to its message delivery state.
type AttachmentState uint8

const (
	AttachmentNone AttachmentState = iota
	AttachmentUploading
	AttachmentReceived
	AttachmentDownloadAborted
	AttachmentDownloadFailed
	AttachmentUploadAborted
	AttachmentUploadFailed
)

func (s AttachmentState) String() string {
	switch s {
	case AttachmentNone:
		return "none"
	case AttachmentUploading:
		return "uploading"
	case AttachmentReceived:
		return "received"
	case AttachmentDownloadAborted:
		return "downloadAborted"
	case AttachmentDownloadFailed:
		return "downloadFailed"
	case AttachmentUploadAborted:
		return "uploadAborted"
	case AttachmentUploadFailed:
		return "uploadFailed"
	}
	return "unknown"
}

// TransferState is the lifecycle of one attachment byte stream in flight.
type TransferState uint8

const (
	TransferNew TransferState = iota
	TransferRegistering
	TransferPaused
	TransferUploading
	TransferDownloading
	TransferDecrypting
	TransferDetecting
	TransferRetrying
	TransferOnHold
	TransferComplete
	TransferFailed
)

func (s TransferState) String() string {
	switch s {
	case TransferNew:
		return "new"
	case TransferRegistering:
		return "registering"
	case TransferPaused:
		return "paused"
	case TransferUploading:
		return "uploading"
	case TransferDownloading:
		return "downloading"
	case TransferDecrypting:
		return "decrypting"
	case TransferDetecting:
		return "detecting"
	case TransferRetrying:
		return "retrying"
	case TransferOnHold:
		return "onHold"
	case TransferComplete:
		return "complete"
	case TransferFailed:
		return "failed"
	}
	return "unknown"
}

// TransferDirection distinguishes uploads from downloads.
type TransferDirection uint8

const (
	TransferUpload TransferDirection = iota
	TransferDownload
)

// TransferType distinguishes encrypted attachments from plaintext avatars.
type TransferType uint8

const (
	TransferAttachment TransferType = iota
	TransferAvatar
)

// TrafficClass tags the provenance of a download for admission policy.
type TrafficClass uint8

const (
	ClassDirect TrafficClass = iota
	ClassBroadcast
)

// RelationshipState is the relationship between the local client and a
// contact, as reported by the relay.
type RelationshipState uint8

const (
	RelationshipNone RelationshipState = iota
	RelationshipInvited
	RelationshipFriend
	RelationshipBlocked
)

// Contact identifies a peer client or a group.  Exactly one of ClientID and
// GroupID is set.
type Contact struct {
	ClientID string `cbor:"clientId,omitempty"`
	GroupID  string `cbor:"groupId,omitempty"`

	// Direct contacts: announced public key and its id.
	PublicKey []byte `cbor:"publicKey,omitempty"`
	KeyID     string `cbor:"keyId,omitempty"`

	// Groups: current shared key material.
	SharedKeyID string `cbor:"sharedKeyId,omitempty"`
	SharedKey   []byte `cbor:"sharedKey,omitempty"`
	Ephemeral   bool   `cbor:"ephemeral,omitempty"`
	Joined      bool   `cbor:"joined,omitempty"`

	Relationship RelationshipState `cbor:"relationship"`
	Nickname     string            `cbor:"nickname,omitempty"`
	Presence     string            `cbor:"presence,omitempty"`
	LastSeen     time.Time         `cbor:"lastSeen,omitempty"`

	// Contacts are never hard-deleted.
	Removed bool `cbor:"removed,omitempty"`
}

// Identity returns the store key of the contact.
func (c *Contact) Identity() string {
	if c.GroupID != "" {
		return c.GroupID
	}
	return c.ClientID
}

// IsGroup reports whether the contact is a group.
func (c *Contact) IsGroup() bool { return c.GroupID != "" }

// Validate enforces the one-of identity invariant.
func (c *Contact) Validate() error {
	if (c.ClientID == "") == (c.GroupID == "") {
		return ErrRecordInvalid
	}
	return nil
}

// Message is one application-level chat message.
type Message struct {
	LocalID  string `cbor:"localId"`
	GlobalID string `cbor:"globalId,omitempty"`
	Tag      string `cbor:"tag,omitempty"`

	// Body holds the plaintext, populated only after decryption for
	// incoming messages.
	Body []byte `cbor:"body,omitempty"`

	SenderID       string `cbor:"senderId,omitempty"`
	ConversationID string `cbor:"conversationId"`
	Outgoing       bool   `cbor:"outgoing,omitempty"`
	Seen           bool   `cbor:"seen,omitempty"`

	// TransferID links the message to its attachment transfer, if any.
	TransferID string `cbor:"transferId,omitempty"`

	Timestamp time.Time `cbor:"timestamp"`
}

// Delivery is the server-tracked transport record for one (message,
// recipient) pair.
type Delivery struct {
	MessageID string `cbor:"messageId"`
	GlobalID  string `cbor:"globalId,omitempty"`
	Tag       string `cbor:"tag,omitempty"`

	SenderID   string `cbor:"senderId,omitempty"`
	ReceiverID string `cbor:"receiverId,omitempty"`
	GroupID    string `cbor:"groupId,omitempty"`

	State      DeliveryState   `cbor:"state"`
	Attachment AttachmentState `cbor:"attachment,omitempty"`
	Outgoing   bool            `cbor:"outgoing,omitempty"`

	// Direct recipients: the RSA-wrapped message key.
	KeyID        string `cbor:"keyId,omitempty"`
	EncryptedKey []byte `cbor:"encryptedKey,omitempty"`

	// Group recipients: the per-message key salt.
	SharedKeyID string `cbor:"sharedKeyId,omitempty"`
	KeySalt     []byte `cbor:"keySalt,omitempty"`

	// Outgoing ciphertext, kept until the relay accepts the delivery so a
	// flush after reconnect can retry the request verbatim.
	BodyCiphertext       []byte `cbor:"bodyCiphertext,omitempty"`
	AttachmentCiphertext []byte `cbor:"attachmentCiphertext,omitempty"`

	// InProgress guards against concurrent delivery attempts for the same
	// message.
	InProgress bool `cbor:"inProgress,omitempty"`

	CreatedAt time.Time `cbor:"createdAt"`
	UpdatedAt time.Time `cbor:"updatedAt"`
}

// Validate enforces the receiver-xor-group invariant.
func (d *Delivery) Validate() error {
	if (d.ReceiverID == "") == (d.GroupID == "") {
		return ErrRecordInvalid
	}
	return nil
}

// IsGroup reports whether this is a group delivery.
func (d *Delivery) IsGroup() bool { return d.GroupID != "" }

// Transfer is one attachment byte stream in flight.
type Transfer struct {
	ID        string            `cbor:"id"`
	Direction TransferDirection `cbor:"direction"`
	Type      TransferType      `cbor:"type"`
	Class     TrafficClass      `cbor:"class,omitempty"`

	FileID string `cbor:"fileId,omitempty"`
	URL    string `cbor:"url,omitempty"`

	// Path is the final file location; ScratchPath the in-progress
	// ciphertext or plaintext scratch file.
	Path        string `cbor:"path,omitempty"`
	ScratchPath string `cbor:"scratchPath,omitempty"`

	ContentLength    int64 `cbor:"contentLength"`
	TransferredBytes int64 `cbor:"transferredBytes"`
	Failures         int   `cbor:"failures,omitempty"`

	// Key is the symmetric key for attachment transfers; nil for avatars.
	Key         []byte `cbor:"key,omitempty"`
	ExpectedMAC []byte `cbor:"expectedMac,omitempty"`

	MediaType string        `cbor:"mediaType,omitempty"`
	State     TransferState `cbor:"state"`
}

// Validate enforces the progress invariant.
func (t *Transfer) Validate() error {
	if t.ContentLength >= 0 && t.TransferredBytes > t.ContentLength {
		return ErrRecordInvalid
	}
	return nil
}

// KeyPair is a stored RSA key pair, looked up by KeyID when unwrapping
// incoming message keys.
type KeyPair struct {
	KeyID     string    `cbor:"keyId"`
	Private   []byte    `cbor:"private"`
	Public    []byte    `cbor:"public"`
	CreatedAt time.Time `cbor:"createdAt"`
}

// GroupKey is the shared symmetric key of one group.
type GroupKey struct {
	GroupID     string    `cbor:"groupId"`
	SharedKeyID string    `cbor:"sharedKeyId"`
	Key         []byte    `cbor:"key"`
	CreatedAt   time.Time `cbor:"createdAt"`
}

// Credential is the durable SRP credential.
type Credential struct {
	ClientID string `cbor:"clientId"`
	Salt     []byte `cbor:"salt"`
	Secret   []byte `cbor:"secret"`
}
