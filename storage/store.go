// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	contactsBucket   = "contacts"
	messagesBucket   = "messages"
	tagsBucket       = "messageTags"
	deliveriesBucket = "deliveries"
	transfersBucket  = "transfers"
	keyPairsBucket   = "keyPairs"
	groupKeysBucket  = "groupKeys"
	clientBucket     = "client"

	credentialKey = "credential"
)

// ErrNotFound is returned when no record exists under the requested key.
var ErrNotFound = errors.New("storage: record not found")

// Store is the bolt backed keyed-record store.  All methods are safe for
// concurrent use from any worker goroutine; each method is one bolt
// transaction, so writes to the same record are last-writer-wins.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{
			contactsBucket, messagesBucket, tagsBucket, deliveriesBucket,
			transfersBucket, keyPairsBucket, groupKeysBucket, clientBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close syncs and closes the store.
func (s *Store) Close() error {
	s.db.Sync()
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket, key string, rec interface{}) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), blob)
}

func (s *Store) putOne(bucket, key string, rec interface{}) error {
	if key == "" {
		return fmt.Errorf("storage: empty key for %s record", bucket)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucket, key, rec)
	})
}

func (s *Store) getOne(bucket, key string, rec interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if blob == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(blob, rec)
	})
}

// PutContact stores a contact under its identity.
func (s *Store) PutContact(c *Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.putOne(contactsBucket, c.Identity(), c)
}

// GetContact looks up a contact by client or group identity.
func (s *Store) GetContact(identity string) (*Contact, error) {
	c := new(Contact)
	if err := s.getOne(contactsBucket, identity, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ContactsWhere returns all contacts matching the predicate.
func (s *Store) ContactsWhere(match func(*Contact) bool) ([]*Contact, error) {
	var out []*Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(contactsBucket)).ForEach(func(_, blob []byte) error {
			c := new(Contact)
			if err := cbor.Unmarshal(blob, c); err != nil {
				return err
			}
			if match(c) {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

// PutMessage stores a message under its local id and indexes its tag.
func (s *Store) PutMessage(m *Message) error {
	if m.LocalID == "" {
		return ErrRecordInvalid
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx, messagesBucket, m.LocalID, m); err != nil {
			return err
		}
		if m.Tag != "" {
			return tx.Bucket([]byte(tagsBucket)).Put([]byte(m.Tag), []byte(m.LocalID))
		}
		return nil
	})
}

// GetMessage looks up a message by local id.
func (s *Store) GetMessage(localID string) (*Message, error) {
	m := new(Message)
	if err := s.getOne(messagesBucket, localID, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MessageByTag looks up a message by its correlation tag.
func (s *Store) MessageByTag(tag string) (*Message, error) {
	var localID string
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(tagsBucket)).Get([]byte(tag))
		if id == nil {
			return ErrNotFound
		}
		localID = string(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(localID)
}

// MessagesWhere returns all messages matching the predicate.
func (s *Store) MessagesWhere(match func(*Message) bool) ([]*Message, error) {
	var out []*Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(messagesBucket)).ForEach(func(_, blob []byte) error {
			m := new(Message)
			if err := cbor.Unmarshal(blob, m); err != nil {
				return err
			}
			if match(m) {
				out = append(out, m)
			}
			return nil
		})
	})
	return out, err
}

func deliveryKey(messageID string, outgoing bool) string {
	if outgoing {
		return "out/" + messageID
	}
	return "in/" + messageID
}

// PutDelivery stores a delivery under its message id and direction.  A
// message has at most one outgoing and one incoming delivery.
func (s *Store) PutDelivery(d *Delivery) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return s.putOne(deliveriesBucket, deliveryKey(d.MessageID, d.Outgoing), d)
}

// GetDelivery looks up the delivery of a message in the given direction.
func (s *Store) GetDelivery(messageID string, outgoing bool) (*Delivery, error) {
	d := new(Delivery)
	if err := s.getOne(deliveriesBucket, deliveryKey(messageID, outgoing), d); err != nil {
		return nil, err
	}
	return d, nil
}

// DeliveriesWhere returns all deliveries matching the predicate.
func (s *Store) DeliveriesWhere(match func(*Delivery) bool) ([]*Delivery, error) {
	var out []*Delivery
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deliveriesBucket)).ForEach(func(_, blob []byte) error {
			d := new(Delivery)
			if err := cbor.Unmarshal(blob, d); err != nil {
				return err
			}
			if match(d) {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

// TryMarkDeliveryInProgress atomically sets the in-progress flag of an
// outgoing delivery.  It returns false if the flag was already set, so only
// one delivery attempt per message can be in flight.
func (s *Store) TryMarkDeliveryInProgress(messageID string) (bool, error) {
	var won bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(deliveryKey(messageID, true))
		bkt := tx.Bucket([]byte(deliveriesBucket))
		blob := bkt.Get(key)
		if blob == nil {
			return ErrNotFound
		}
		d := new(Delivery)
		if err := cbor.Unmarshal(blob, d); err != nil {
			return err
		}
		if d.InProgress {
			return nil
		}
		d.InProgress = true
		won = true
		out, err := cbor.Marshal(d)
		if err != nil {
			return err
		}
		return bkt.Put(key, out)
	})
	return won, err
}

// PutTransfer stores a transfer record.
func (s *Store) PutTransfer(t *Transfer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.putOne(transfersBucket, t.ID, t)
}

// GetTransfer looks up a transfer by id.
func (s *Store) GetTransfer(id string) (*Transfer, error) {
	t := new(Transfer)
	if err := s.getOne(transfersBucket, id, t); err != nil {
		return nil, err
	}
	return t, nil
}

// TransfersWhere returns all transfers matching the predicate.
func (s *Store) TransfersWhere(match func(*Transfer) bool) ([]*Transfer, error) {
	var out []*Transfer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(transfersBucket)).ForEach(func(_, blob []byte) error {
			t := new(Transfer)
			if err := cbor.Unmarshal(blob, t); err != nil {
				return err
			}
			if match(t) {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

// PutKeyPair stores an RSA key pair under its key id.
func (s *Store) PutKeyPair(k *KeyPair) error {
	return s.putOne(keyPairsBucket, k.KeyID, k)
}

// GetKeyPair looks up a key pair by key id.
func (s *Store) GetKeyPair(keyID string) (*KeyPair, error) {
	k := new(KeyPair)
	if err := s.getOne(keyPairsBucket, keyID, k); err != nil {
		return nil, err
	}
	return k, nil
}

// CurrentKeyPair returns the most recently created key pair, which is the
// one announced to the relay.
func (s *Store) CurrentKeyPair() (*KeyPair, error) {
	var newest *KeyPair
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keyPairsBucket)).ForEach(func(_, blob []byte) error {
			k := new(KeyPair)
			if err := cbor.Unmarshal(blob, k); err != nil {
				return err
			}
			if newest == nil || k.CreatedAt.After(newest.CreatedAt) {
				newest = k
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

// PutGroupKey stores the shared key of a group.
func (s *Store) PutGroupKey(g *GroupKey) error {
	return s.putOne(groupKeysBucket, g.GroupID, g)
}

// GetGroupKey looks up the shared key of a group.
func (s *Store) GetGroupKey(groupID string) (*GroupKey, error) {
	g := new(GroupKey)
	if err := s.getOne(groupKeysBucket, groupID, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteGroupKey removes the shared key of a group, used during the quiet
// teardown of ephemeral groups the client is no longer a member of.
func (s *Store) DeleteGroupKey(groupID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupKeysBucket)).Delete([]byte(groupID))
	})
}

// Credential returns the stored SRP credential, or ErrNotFound if the
// client has not registered yet.
func (s *Store) Credential() (*Credential, error) {
	c := new(Credential)
	if err := s.getOne(clientBucket, credentialKey, c); err != nil {
		return nil, err
	}
	return c, nil
}

// PutCredential persists the SRP credential.
func (s *Store) PutCredential(c *Credential) error {
	return s.putOne(clientBucket, credentialKey, c)
}
