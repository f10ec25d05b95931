// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// DigestSize is the size of all digests and derived secrets in bytes.
const DigestSize = sha256.Size

// Digest returns the SHA-256 digest of data.
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// NewDigest returns a running SHA-256 writer, used to digest attachment
// content as it streams through the transfer engine.
func NewDigest() hash.Hash {
	return sha256.New()
}

// Tag computes the message correlation tag: a truncated hex HMAC-SHA256 of
// the plaintext body under the message key.  It identifies the message to
// the relay until a global message id is assigned.
func Tag(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

// HMAC computes the full HMAC-SHA256 of data under key, used to protect
// attachment ciphertexts.
func HMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
