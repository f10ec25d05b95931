// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package message implements the message crypto pipeline: outgoing bodies
// and attachment descriptors are encrypted under a per-message key (fresh
// and RSA-wrapped for direct recipients, shared-key-XOR-salt for groups),
// incoming ones are the mirror image.
package message

import (
	"github.com/fxamacker/cbor/v2"
)

// Descriptor describes one attachment: where its encrypted bytes live and
// how to verify them.  It travels encrypted next to the message body.
type Descriptor struct {
	Name          string `cbor:"fileName"`
	URL           string `cbor:"url"`
	FileID        string `cbor:"fileId"`
	ContentLength int64  `cbor:"contentLength"`
	MediaType     string `cbor:"mediaType,omitempty"`

	// MAC is the SHA-256 digest of the attachment content, checked by
	// the receiver after download and decryption.
	MAC []byte `cbor:"hmac,omitempty"`
}

func (d *Descriptor) marshal() ([]byte, error) {
	return cbor.Marshal(d)
}

func parseDescriptor(blob []byte) (*Descriptor, error) {
	d := new(Descriptor)
	if err := cbor.Unmarshal(blob, d); err != nil {
		return nil, err
	}
	return d, nil
}
