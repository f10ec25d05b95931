// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package message

import (
	"encoding/hex"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub001/crypto"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
)

// NewGroupKey generates and persists a fresh shared key for a group,
// replacing any previous one.  Used when creating a group and when the
// server asks for a renewal.
func (p *Pipeline) NewGroupKey(groupID string) (*storage.GroupKey, error) {
	key := crypto.NewKey()
	gk := &storage.GroupKey{
		GroupID:     groupID,
		SharedKeyID: hex.EncodeToString(crypto.Digest(key)[:8]),
		Key:         key,
		CreatedAt:   time.Now(),
	}
	if err := p.store.PutGroupKey(gk); err != nil {
		return nil, err
	}
	return gk, nil
}

// WrapGroupKey wraps the raw shared key under each member public key (DER),
// producing one ciphertext per member in input order.  Members whose key
// fails to parse get a nil entry; the caller reports what it can.
func WrapGroupKey(gk *storage.GroupKey, memberKeys [][]byte) [][]byte {
	out := make([][]byte, len(memberKeys))
	for i, der := range memberKeys {
		pub, err := crypto.ParsePublicKey(der)
		if err != nil {
			continue
		}
		wrapped, err := crypto.WrapKey(pub, gk.Key)
		if err != nil {
			continue
		}
		out[i] = wrapped
	}
	return out
}

// UnwrapGroupKey recovers a shared group key wrapped under one of our key
// pairs and persists it for the group.
func (p *Pipeline) UnwrapGroupKey(groupID, sharedKeyID, keyID string, wrapped []byte) error {
	kp, err := p.store.GetKeyPair(keyID)
	if err != nil {
		return ErrMissingPrivateKey
	}
	priv, err := crypto.ParsePrivateKey(kp.Private)
	if err != nil {
		return err
	}
	key, err := crypto.UnwrapKey(priv, wrapped)
	if err != nil {
		return err
	}
	return p.store.PutGroupKey(&storage.GroupKey{
		GroupID:     groupID,
		SharedKeyID: sharedKeyID,
		Key:         key,
		CreatedAt:   time.Now(),
	})
}
