// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptCBC(t *testing.T) {
	key := NewKey()
	for _, plaintext := range [][]byte{
		nil,
		[]byte("x"),
		[]byte("hello world"),
		bytes.Repeat([]byte("0123456789abcdef"), 4), // block aligned
		bytes.Repeat([]byte{0xa5}, 1000),
	} {
		ct, err := EncryptCBC(key, plaintext)
		require.NoError(t, err)
		require.Equal(t, CiphertextLength(int64(len(plaintext))), int64(len(ct)))

		pt, err := DecryptCBC(key, ct)
		require.NoError(t, err)
		require.Equal(t, len(plaintext), len(pt))
		require.Equal(t, append([]byte{}, plaintext...), append([]byte{}, pt...))
	}
}

func TestDecryptWrongKey(t *testing.T) {
	ct, err := EncryptCBC(NewKey(), []byte("some message body"))
	require.NoError(t, err)
	_, err = DecryptCBC(NewKey(), ct)
	require.Error(t, err)
}

func TestDeriveKeyXOR(t *testing.T) {
	key := NewKey()
	salt := NewSalt()

	derived, err := DeriveKey(key, salt)
	require.NoError(t, err)
	require.NotEqual(t, key, derived)

	// XOR is its own inverse.
	back, err := DeriveKey(derived, salt)
	require.NoError(t, err)
	require.Equal(t, key, back)

	// Nil salt passes the key through.
	same, err := DeriveKey(key, nil)
	require.NoError(t, err)
	require.Equal(t, key, same)

	_, err = DeriveKey(key[:5], salt)
	require.Equal(t, ErrKeySize, err)
}

func TestStreamingFiltersMatchBulk(t *testing.T) {
	key := NewKey()
	plaintext := bytes.Repeat([]byte("attachment bytes "), 400)

	er, err := NewEncryptReader(key, bytes.NewReader(plaintext))
	require.NoError(t, err)
	var ct bytes.Buffer
	buf := make([]byte, 37) // deliberately unaligned reads
	for {
		n, err := er.Read(buf)
		ct.Write(buf[:n])
		if err != nil {
			break
		}
	}

	bulk, err := EncryptCBC(key, plaintext)
	require.NoError(t, err)
	require.Equal(t, bulk, ct.Bytes())

	var pt bytes.Buffer
	dw, err := NewDecryptWriter(key, &pt)
	require.NoError(t, err)
	for i := 0; i < ct.Len(); i += 53 {
		end := i + 53
		if end > ct.Len() {
			end = ct.Len()
		}
		_, err := dw.Write(ct.Bytes()[i:end])
		require.NoError(t, err)
	}
	require.NoError(t, dw.Close())
	require.Equal(t, plaintext, pt.Bytes())
}

func TestCiphertextLength(t *testing.T) {
	require.Equal(t, int64(16), CiphertextLength(0))
	require.Equal(t, int64(16), CiphertextLength(15))
	require.Equal(t, int64(32), CiphertextLength(16))
	require.Equal(t, int64(1040), CiphertextLength(1024))
}
