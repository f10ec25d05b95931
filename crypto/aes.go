// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the primitives used by the talk client: AES-CBC
// message encryption with salt-XOR keying, RSA key wrapping, the SRP-6a
// client side, and HMAC based message tags.  Everything in this package is
// stateless.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// KeySize is the size of the symmetric message keys in bytes.
	KeySize = 32

	// SaltSize is the size of the per-message group key salt in bytes.
	SaltSize = 32
)

var (
	// ErrKeySize is returned when a key or salt has the wrong length.
	ErrKeySize = errors.New("crypto: invalid key or salt size")

	// ErrCiphertext is returned when a ciphertext is malformed.
	ErrCiphertext = errors.New("crypto: malformed ciphertext")

	// ErrPadding is returned when the PKCS#7 padding of a decrypted block
	// stream is invalid, which usually means the wrong key was used.
	ErrPadding = errors.New("crypto: invalid padding")
)

// NewKey generates a fresh random symmetric key.
func NewKey() []byte {
	k := make([]byte, KeySize)
	_, _ = io.ReadFull(rand.Reader, k)
	return k
}

// NewSalt generates a fresh random key salt.
func NewSalt() []byte {
	s := make([]byte, SaltSize)
	_, _ = io.ReadFull(rand.Reader, s)
	return s
}

// DeriveKey combines a long lived shared key with a per-message salt by
// XOR, so that a captured shared key alone does not decrypt a message
// without its accompanying salt.  A nil salt returns the key unchanged.
func DeriveKey(key, salt []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if salt == nil {
		out := make([]byte, KeySize)
		copy(out, key)
		return out, nil
	}
	if len(salt) != SaltSize {
		return nil, ErrKeySize
	}
	out := make([]byte, KeySize)
	for i := range key {
		out[i] = key[i] ^ salt[i]
	}
	return out, nil
}

// CiphertextLength returns the exact AES-CBC/PKCS#7 ciphertext length for a
// plaintext of the given length.  The transfer engine uses this to size
// remote file slots before the ciphertext exists.
func CiphertextLength(plaintextLength int64) int64 {
	return (plaintextLength/aes.BlockSize + 1) * aes.BlockSize
}

// EncryptCBC encrypts plaintext under key with AES-CBC and PKCS#7 padding.
// The IV is fixed at zero: every key (or key/salt combination) in this
// protocol is used for exactly one message, which is also what makes the
// ciphertext length deterministic.
func EncryptCBC(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKeySize
	}
	padded := pad(plaintext)
	out := make([]byte, len(padded))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptCBC reverses EncryptCBC.
func DecryptCBC(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKeySize
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrCiphertext
	}
	out := make([]byte, len(ciphertext))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrPadding
		}
	}
	return b[:len(b)-n], nil
}

// EncryptReader wraps a plaintext reader and yields the AES-CBC ciphertext
// stream, used as the upload filter.  Because the IV is fixed and the
// padding deterministic, re-reading from the start always reproduces the
// identical ciphertext, which is what makes mid-stream upload resume safe.
type EncryptReader struct {
	src   io.Reader
	mode  cipher.BlockMode
	buf   bytes.Buffer
	sawEOF bool
}

// NewEncryptReader creates an EncryptReader for the given key.
func NewEncryptReader(key []byte, src io.Reader) (*EncryptReader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKeySize
	}
	iv := make([]byte, aes.BlockSize)
	return &EncryptReader{src: src, mode: cipher.NewCBCEncrypter(block, iv)}, nil
}

// Read implements io.Reader.
func (r *EncryptReader) Read(p []byte) (int, error) {
	for r.buf.Len() < len(p) && !r.sawEOF {
		chunk := make([]byte, 16*aes.BlockSize)
		n, err := io.ReadFull(r.src, chunk)
		switch err {
		case nil:
			ct := make([]byte, n)
			r.mode.CryptBlocks(ct, chunk[:n])
			r.buf.Write(ct)
		case io.ErrUnexpectedEOF, io.EOF:
			r.sawEOF = true
			padded := pad(chunk[:n])
			ct := make([]byte, len(padded))
			r.mode.CryptBlocks(ct, padded)
			r.buf.Write(ct)
		default:
			return 0, err
		}
	}
	if r.buf.Len() == 0 && r.sawEOF {
		return 0, io.EOF
	}
	return r.buf.Read(p)
}

// DecryptWriter is the download side filter: ciphertext written in is
// decrypted and the plaintext forwarded to the wrapped writer.  Close must
// be called to flush the final block and validate the padding.
type DecryptWriter struct {
	dst  io.Writer
	mode cipher.BlockMode
	buf  []byte
}

// NewDecryptWriter creates a DecryptWriter for the given key.
func NewDecryptWriter(key []byte, dst io.Writer) (*DecryptWriter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKeySize
	}
	iv := make([]byte, aes.BlockSize)
	return &DecryptWriter{dst: dst, mode: cipher.NewCBCDecrypter(block, iv)}, nil
}

// Write implements io.Writer.  The final block is withheld until Close so
// the padding can be stripped.
func (w *DecryptWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	// Keep at least one full block back for the padding strip at Close.
	n := (len(w.buf) - 1) / aes.BlockSize * aes.BlockSize
	if n <= 0 {
		return len(p), nil
	}
	pt := make([]byte, n)
	w.mode.CryptBlocks(pt, w.buf[:n])
	w.buf = w.buf[n:]
	if _, err := w.dst.Write(pt); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes the final block and verifies the PKCS#7 padding.
func (w *DecryptWriter) Close() error {
	if len(w.buf) != aes.BlockSize {
		return ErrCiphertext
	}
	pt := make([]byte, aes.BlockSize)
	w.mode.CryptBlocks(pt, w.buf)
	w.buf = nil
	out, err := unpad(pt)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		if _, err := w.dst.Write(out); err != nil {
			return err
		}
	}
	return nil
}
