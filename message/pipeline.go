// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package message

import (
	"errors"
	"fmt"

	"github.com/katzenpost/katzenpost/core/log"
	"gopkg.in/op/go-logging.v1"

	"github.com/hoccer/hoccer-talk-spike-sub001/crypto"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
)

var (
	// ErrMissingPrivateKey is returned when an incoming direct delivery
	// references a key id we no longer hold.  The message is undecryptable
	// and must be marked failed without taking the session down.
	ErrMissingPrivateKey = errors.New("message: no private key for key id")

	// ErrMissingGroupKey is returned when an incoming group delivery
	// references a group whose shared key is not stored.
	ErrMissingGroupKey = errors.New("message: no shared key for group")

	// ErrNoRecipientKey is returned when encrypting for a direct contact
	// whose public key is unknown.
	ErrNoRecipientKey = errors.New("message: recipient has no public key")

	// ErrKeyMismatch is returned when a group delivery's shared key id does
	// not match the stored group key.
	ErrKeyMismatch = errors.New("message: shared key id mismatch")
)

// Envelope is the encrypted form of one message, ready to be attached to an
// outgoing delivery.
type Envelope struct {
	// Body and Attachment are ciphertext; Attachment is nil for text-only
	// messages.
	Body       []byte
	Attachment []byte

	// Direct recipients: the wrapped message key.
	KeyID        string
	EncryptedKey []byte

	// Group recipients: the per-message salt over the shared key.
	SharedKeyID string
	KeySalt     []byte

	// Tag is the message correlation tag.
	Tag string

	// Key is the raw message key, kept local for attachment transfer
	// setup.  It never crosses the wire.
	Key []byte
}

// Pipeline encrypts outgoing and decrypts incoming message content.
type Pipeline struct {
	store *storage.Store
	log   *logging.Logger
}

// NewPipeline creates a pipeline over the given store.
func NewPipeline(store *storage.Store, logBackend *log.Backend) *Pipeline {
	return &Pipeline{
		store: store,
		log:   logBackend.GetLogger("message"),
	}
}

// Encrypt encrypts body and optional attachment descriptor for the given
// recipient contact, direct or group.
func (p *Pipeline) Encrypt(recipient *storage.Contact, body []byte, att *Descriptor) (*Envelope, error) {
	if recipient.IsGroup() {
		return p.encryptGroup(recipient, body, att)
	}
	return p.encryptDirect(recipient, body, att)
}

// encryptDirect generates a fresh message key and wraps it under the
// recipient's current public key.
func (p *Pipeline) encryptDirect(recipient *storage.Contact, body []byte, att *Descriptor) (*Envelope, error) {
	if len(recipient.PublicKey) == 0 {
		return nil, ErrNoRecipientKey
	}
	pub, err := crypto.ParsePublicKey(recipient.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("message: bad public key for %s: %w", recipient.ClientID, err)
	}

	key := crypto.NewKey()
	wrapped, err := crypto.WrapKey(pub, key)
	if err != nil {
		return nil, err
	}

	env, err := p.seal(key, body, att)
	if err != nil {
		return nil, err
	}
	env.KeyID = recipient.KeyID
	env.EncryptedKey = wrapped
	return env, nil
}

// encryptGroup reuses the group's shared key XORed with a fresh salt; the
// salt travels with the delivery, the key never does.
func (p *Pipeline) encryptGroup(group *storage.Contact, body []byte, att *Descriptor) (*Envelope, error) {
	gk, err := p.store.GetGroupKey(group.GroupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrMissingGroupKey
		}
		return nil, err
	}

	salt := crypto.NewSalt()
	key, err := crypto.DeriveKey(gk.Key, salt)
	if err != nil {
		return nil, err
	}

	env, err := p.seal(key, body, att)
	if err != nil {
		return nil, err
	}
	env.SharedKeyID = gk.SharedKeyID
	env.KeySalt = salt
	return env, nil
}

func (p *Pipeline) seal(key, body []byte, att *Descriptor) (*Envelope, error) {
	bodyCT, err := crypto.EncryptCBC(key, body)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		Body: bodyCT,
		Tag:  crypto.Tag(key, body),
		Key:  key,
	}
	if att != nil {
		blob, err := att.marshal()
		if err != nil {
			return nil, err
		}
		if env.Attachment, err = crypto.EncryptCBC(key, blob); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// Decrypt recovers the plaintext body and attachment descriptor of an
// incoming delivery.  The returned key is the message key, carried forward
// into the download transfer for the attachment bytes.
func (p *Pipeline) Decrypt(d *storage.Delivery, body, attachment []byte) ([]byte, *Descriptor, []byte, error) {
	var key []byte
	var err error
	if d.IsGroup() {
		key, err = p.groupMessageKey(d)
	} else {
		key, err = p.directMessageKey(d)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	plaintext, err := crypto.DecryptCBC(key, body)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("message: body decrypt failed: %w", err)
	}

	var desc *Descriptor
	if len(attachment) > 0 {
		blob, err := crypto.DecryptCBC(key, attachment)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("message: attachment decrypt failed: %w", err)
		}
		if desc, err = parseDescriptor(blob); err != nil {
			return nil, nil, nil, err
		}
	}
	return plaintext, desc, key, nil
}

func (p *Pipeline) directMessageKey(d *storage.Delivery) ([]byte, error) {
	kp, err := p.store.GetKeyPair(d.KeyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.log.Errorf("No private key for key id %q, message %q is lost.", d.KeyID, d.MessageID)
			return nil, ErrMissingPrivateKey
		}
		return nil, err
	}
	priv, err := crypto.ParsePrivateKey(kp.Private)
	if err != nil {
		return nil, err
	}
	return crypto.UnwrapKey(priv, d.EncryptedKey)
}

func (p *Pipeline) groupMessageKey(d *storage.Delivery) ([]byte, error) {
	gk, err := p.store.GetGroupKey(d.GroupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.log.Errorf("No shared key for group %q, message %q is lost.", d.GroupID, d.MessageID)
			return nil, ErrMissingGroupKey
		}
		return nil, err
	}
	if d.SharedKeyID != "" && d.SharedKeyID != gk.SharedKeyID {
		return nil, ErrKeyMismatch
	}
	return crypto.DeriveKey(gk.Key, d.KeySalt)
}
