// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"io"
	"math/big"

	"github.com/katzenpost/hpqc/rand"
)

// SRPServer is the verifier side of one handshake.  The client core never
// runs it against real traffic; it exists so login flows can be exercised
// end to end against a scripted relay.
type SRPServer struct {
	clientID string
	salt     []byte

	v    *big.Int
	b    *big.Int
	bigA *big.Int
	bigB *big.Int
	key  []byte
}

// NewSRPServer starts a handshake against a stored credential record.
func NewSRPServer(clientID string, salt, verifier []byte) *SRPServer {
	s := &SRPServer{
		clientID: clientID,
		salt:     salt,
		v:        new(big.Int).SetBytes(verifier),
	}
	raw := make([]byte, DigestSize)
	_, _ = io.ReadFull(rand.Reader, raw)
	s.b = new(big.Int).SetBytes(raw)
	k := new(big.Int).SetBytes(srpHash(srpPad(srpN), srpPad(srpG)))
	// B = k*v + g^b
	s.bigB = new(big.Int).Add(
		new(big.Int).Mul(k, s.v),
		new(big.Int).Exp(srpG, s.b, srpN))
	s.bigB.Mod(s.bigB, srpN)
	return s
}

// PublicB returns the server public value sent in phase 1.
func (s *SRPServer) PublicB() []byte {
	return s.bigB.Bytes()
}

// SetClientA ingests the client public value and computes the shared
// session key.
func (s *SRPServer) SetClientA(a []byte) {
	s.bigA = new(big.Int).SetBytes(a)
	u := new(big.Int).SetBytes(srpHash(srpPad(s.bigA), srpPad(s.bigB)))
	// S = (A * v^u) ^ b
	base := new(big.Int).Mul(s.bigA, new(big.Int).Exp(s.v, u, srpN))
	base.Mod(base, srpN)
	s.key = srpHash(new(big.Int).Exp(base, s.b, srpN).Bytes())
}

// VerifyClientProof checks the client verifier Vc and, when it matches,
// returns the server proof Vs = H(A, Vc, K).
func (s *SRPServer) VerifyClientProof(vc []byte) ([]byte, bool) {
	hn := srpHash(srpN.Bytes())
	hg := srpHash(srpG.Bytes())
	ng := make([]byte, len(hn))
	for i := range hn {
		ng[i] = hn[i] ^ hg[i]
	}
	want := srpHash(ng, srpHash([]byte(s.clientID)), s.salt,
		s.bigA.Bytes(), s.bigB.Bytes(), s.key)
	if !HMACEqual(want, vc) {
		return nil, false
	}
	return srpHash(s.bigA.Bytes(), vc, s.key), true
}

// SessionKey returns the negotiated session key.
func (s *SRPServer) SessionKey() []byte {
	return s.key
}
