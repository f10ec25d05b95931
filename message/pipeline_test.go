// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package message

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/stretchr/testify/require"

	"github.com/hoccer/hoccer-talk-spike-sub001/crypto"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
)

func testPipeline(t *testing.T) (*Pipeline, *storage.Store) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "talk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return NewPipeline(store, logBackend), store
}

func storeKeyPair(t *testing.T, store *storage.Store) string {
	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pubDER, err := crypto.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	privDER, err := crypto.MarshalPrivateKey(priv)
	require.NoError(t, err)
	keyID := crypto.KeyID(pubDER)
	require.NoError(t, store.PutKeyPair(&storage.KeyPair{
		KeyID:     keyID,
		Private:   privDER,
		Public:    pubDER,
		CreatedAt: time.Now(),
	}))
	return keyID
}

func TestDirectRoundTrip(t *testing.T) {
	p, store := testPipeline(t)

	// The "recipient" is ourselves so the test holds the private key.
	keyID := storeKeyPair(t, store)
	kp, err := store.GetKeyPair(keyID)
	require.NoError(t, err)

	recipient := &storage.Contact{
		ClientID:  "peer-1",
		KeyID:     keyID,
		PublicKey: kp.Public,
	}

	body := []byte("hello, direct recipient")
	att := &Descriptor{
		Name:          "photo.bin",
		URL:           "https://files.example/f1",
		FileID:        "f1",
		ContentLength: 12345,
		MediaType:     "application/octet-stream",
	}

	env, err := p.Encrypt(recipient, body, att)
	require.NoError(t, err)
	require.Equal(t, keyID, env.KeyID)
	require.NotEmpty(t, env.EncryptedKey)
	require.NotEmpty(t, env.Tag)
	require.Empty(t, env.KeySalt)
	require.NotEqual(t, body, env.Body)

	d := &storage.Delivery{
		MessageID:    "m1",
		ReceiverID:   "peer-1",
		KeyID:        env.KeyID,
		EncryptedKey: env.EncryptedKey,
	}
	plaintext, desc, key, err := p.Decrypt(d, env.Body, env.Attachment)
	require.NoError(t, err)
	require.Equal(t, body, plaintext)
	require.Equal(t, att, desc)
	require.Equal(t, env.Key, key)
	require.Equal(t, env.Tag, crypto.Tag(key, plaintext))
}

func TestGroupRoundTrip(t *testing.T) {
	p, _ := testPipeline(t)

	gk, err := p.NewGroupKey("g1")
	require.NoError(t, err)

	group := &storage.Contact{GroupID: "g1", SharedKeyID: gk.SharedKeyID}
	body := []byte("hello, group")

	env, err := p.Encrypt(group, body, nil)
	require.NoError(t, err)
	require.Equal(t, gk.SharedKeyID, env.SharedKeyID)
	require.Len(t, env.KeySalt, crypto.SaltSize)
	require.Empty(t, env.EncryptedKey)

	// The recipient reconstructs the message key as sharedKey XOR salt.
	expectedKey, err := crypto.DeriveKey(gk.Key, env.KeySalt)
	require.NoError(t, err)
	require.Equal(t, expectedKey, env.Key)

	d := &storage.Delivery{
		MessageID:   "m1",
		GroupID:     "g1",
		SharedKeyID: env.SharedKeyID,
		KeySalt:     env.KeySalt,
	}
	plaintext, desc, _, err := p.Decrypt(d, env.Body, nil)
	require.NoError(t, err)
	require.Equal(t, body, plaintext)
	require.Nil(t, desc)
}

func TestDecryptMissingKeysFailLoudly(t *testing.T) {
	p, _ := testPipeline(t)

	d := &storage.Delivery{MessageID: "m1", ReceiverID: "r1", KeyID: "gone"}
	_, _, _, err := p.Decrypt(d, []byte{1}, nil)
	require.ErrorIs(t, err, ErrMissingPrivateKey)

	d = &storage.Delivery{MessageID: "m2", GroupID: "g-gone"}
	_, _, _, err = p.Decrypt(d, []byte{1}, nil)
	require.ErrorIs(t, err, ErrMissingGroupKey)
}

func TestGroupKeyIDMismatch(t *testing.T) {
	p, _ := testPipeline(t)

	_, err := p.NewGroupKey("g1")
	require.NoError(t, err)

	d := &storage.Delivery{
		MessageID:   "m1",
		GroupID:     "g1",
		SharedKeyID: "stale",
		KeySalt:     crypto.NewSalt(),
	}
	_, _, _, err = p.Decrypt(d, []byte{1}, nil)
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestWrapGroupKeyForMembers(t *testing.T) {
	p, store := testPipeline(t)

	gk, err := p.NewGroupKey("g1")
	require.NoError(t, err)

	keyID := storeKeyPair(t, store)
	kp, err := store.GetKeyPair(keyID)
	require.NoError(t, err)

	wrapped := WrapGroupKey(gk, [][]byte{kp.Public, []byte("garbage")})
	require.Len(t, wrapped, 2)
	require.NotEmpty(t, wrapped[0])
	require.Nil(t, wrapped[1])

	// Receiving side: unwrap and store under a new group.
	require.NoError(t, p.UnwrapGroupKey("g2", gk.SharedKeyID, keyID, wrapped[0]))
	got, err := store.GetGroupKey("g2")
	require.NoError(t, err)
	require.Equal(t, gk.Key, got.Key)
}
