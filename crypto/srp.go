// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/sha256"
	"errors"
	"io"
	"math/big"

	"github.com/katzenpost/hpqc/rand"
)

// SRP-6a client over the RFC 3526 group 14 (2048-bit) safe prime with
// SHA-256.  The server speaks a two-phase protocol: phase 1 exchanges the
// public values A and B, phase 2 exchanges the client proof Vc and the
// server proof Vs.  The secret never crosses the wire.

var (
	// ErrSRPBadServerValue is returned when the server's public value is
	// invalid (B mod N == 0), which would let an attacker fix the session
	// key.
	ErrSRPBadServerValue = errors.New("crypto: invalid SRP server value")

	// ErrSRPState is returned when proof methods are called before the
	// server value has been set.
	ErrSRPState = errors.New("crypto: SRP session not ready")

	srpN, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74"+
			"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437"+
			"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
			"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05"+
			"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB"+
			"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
			"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718"+
			"3995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

	srpG = big.NewInt(2)
)

// NewSecret generates a random SRP secret of digest size.  It is the
// durable client credential, persisted alongside its salt.
func NewSecret() []byte {
	s := make([]byte, DigestSize)
	_, _ = io.ReadFull(rand.Reader, s)
	return s
}

func srpPad(i *big.Int) []byte {
	b := i.Bytes()
	if pad := len(srpN.Bytes()) - len(b); pad > 0 {
		b = append(make([]byte, pad), b...)
	}
	return b
}

func srpHash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// srpX derives the private key value x from the credential triple.
func srpX(salt []byte, clientID string, secret []byte) *big.Int {
	inner := srpHash([]byte(clientID), []byte(":"), secret)
	return new(big.Int).SetBytes(srpHash(salt, inner))
}

// SRPVerifier computes the password verifier v = g^x submitted to the
// server at registration time.
func SRPVerifier(salt []byte, clientID string, secret []byte) []byte {
	x := srpX(salt, clientID, secret)
	return new(big.Int).Exp(srpG, x, srpN).Bytes()
}

// SRPClient is one login handshake in progress.
type SRPClient struct {
	clientID string
	salt     []byte

	x    *big.Int
	a    *big.Int
	bigA *big.Int
	bigB *big.Int

	key []byte
	m1  []byte
}

// NewSRPClient derives the ephemeral client credentials for one login
// attempt from the stored credential triple.
func NewSRPClient(clientID string, salt, secret []byte) *SRPClient {
	raw := make([]byte, DigestSize)
	_, _ = io.ReadFull(rand.Reader, raw)
	a := new(big.Int).SetBytes(raw)
	return &SRPClient{
		clientID: clientID,
		salt:     salt,
		x:        srpX(salt, clientID, secret),
		a:        a,
		bigA:     new(big.Int).Exp(srpG, a, srpN),
	}
}

// PublicA returns the client public value sent in phase 1.
func (c *SRPClient) PublicA() []byte {
	return c.bigA.Bytes()
}

// SetServerB ingests the server public value received in phase 1 and
// computes the shared session key.
func (c *SRPClient) SetServerB(b []byte) error {
	bigB := new(big.Int).SetBytes(b)
	if new(big.Int).Mod(bigB, srpN).Sign() == 0 {
		return ErrSRPBadServerValue
	}
	c.bigB = bigB

	u := new(big.Int).SetBytes(srpHash(srpPad(c.bigA), srpPad(bigB)))
	if u.Sign() == 0 {
		return ErrSRPBadServerValue
	}
	k := new(big.Int).SetBytes(srpHash(srpPad(srpN), srpPad(srpG)))

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(srpG, c.x, srpN)
	base := new(big.Int).Sub(bigB, new(big.Int).Mul(k, gx))
	base.Mod(base, srpN)
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, c.x))
	s := new(big.Int).Exp(base, exp, srpN)

	c.key = srpHash(s.Bytes())
	return nil
}

// ClientProof returns the phase 2 client verifier
// Vc = H(H(N) xor H(g), H(I), salt, A, B, K).
func (c *SRPClient) ClientProof() ([]byte, error) {
	if c.key == nil {
		return nil, ErrSRPState
	}
	hn := srpHash(srpN.Bytes())
	hg := srpHash(srpG.Bytes())
	ng := make([]byte, len(hn))
	for i := range hn {
		ng[i] = hn[i] ^ hg[i]
	}
	c.m1 = srpHash(ng, srpHash([]byte(c.clientID)), c.salt,
		c.bigA.Bytes(), c.bigB.Bytes(), c.key)
	return c.m1, nil
}

// VerifyServerProof checks the server verifier Vs = H(A, Vc, K).  A
// mismatch means the server does not actually hold our verifier and the
// login must be abandoned.
func (c *SRPClient) VerifyServerProof(vs []byte) error {
	if c.m1 == nil {
		return ErrSRPState
	}
	want := srpHash(c.bigA.Bytes(), c.m1, c.key)
	if !HMACEqual(want, vs) {
		return errors.New("crypto: SRP server proof mismatch")
	}
	return nil
}

// SessionKey returns the negotiated session key once phase 1 is complete.
func (c *SRPClient) SessionKey() ([]byte, error) {
	if c.key == nil {
		return nil, ErrSRPState
	}
	return c.key, nil
}
