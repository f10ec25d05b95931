// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub001/crypto"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
)

// doRegister performs first-time registration: the relay assigns a client
// id, the client derives and submits an SRP verifier, and the credential
// is persisted before anything else happens.
func (s *Session) doRegister() {
	if s.state != StateRegistering || s.rpc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	clientID, err := s.rpc.GenerateID(ctx)
	if err != nil {
		s.retryPhase(s.doRegister, err)
		return
	}

	cred := &storage.Credential{
		ClientID: clientID,
		Salt:     crypto.NewSalt(),
		Secret:   crypto.NewSecret(),
	}
	verifier := crypto.SRPVerifier(cred.Salt, cred.ClientID, cred.Secret)
	if err := s.rpc.SRPRegister(ctx, verifier, cred.Salt); err != nil {
		s.retryPhase(s.doRegister, err)
		return
	}
	if err := s.store.PutCredential(cred); err != nil {
		// The relay believes we exist but the credential is gone; there
		// is no way to log in again.  Surface loudly and stop.
		s.log.Errorf("Failed to persist credential: %v", err)
		s.disconnect()
		s.transition(StateDisconnected)
		return
	}

	s.log.Noticef("Registered as %s", clientID)
	s.emit(&RegisteredEvent{ClientID: clientID})
	s.transition(StateLogin)
}

// doLogin runs the two-phase SRP handshake and announces the client.
func (s *Session) doLogin() {
	if s.state != StateLogin || s.rpc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	cred, err := s.store.Credential()
	if err != nil {
		s.log.Errorf("Credential lookup failed: %v", err)
		s.disconnect()
		s.transition(StateConnecting)
		return
	}

	srp := crypto.NewSRPClient(cred.ClientID, cred.Salt, cred.Secret)
	b, err := s.rpc.SRPPhase1(ctx, cred.ClientID, srp.PublicA())
	if err != nil {
		s.retryPhase(s.doLogin, err)
		return
	}
	if err := srp.SetServerB(b); err != nil {
		s.loginRejected(err)
		return
	}
	proof, err := srp.ClientProof()
	if err != nil {
		s.loginRejected(err)
		return
	}
	vs, err := s.rpc.SRPPhase2(ctx, proof)
	if err != nil {
		s.retryPhase(s.doLogin, err)
		return
	}
	if err := srp.VerifyServerProof(vs); err != nil {
		s.loginRejected(err)
		return
	}

	if err := s.rpc.Hello(ctx, cred.ClientID); err != nil {
		s.retryPhase(s.doLogin, err)
		return
	}
	s.clientID = cred.ClientID
	s.transition(StateSyncing)
}

// loginRejected handles an authentication failure, as opposed to a
// transport one: the handshake is poisoned, so tear the connection down
// and start over.
func (s *Session) loginRejected(err error) {
	s.log.Errorf("Login rejected: %v", err)
	s.attempts++
	s.disconnect()
	s.transition(StateConnecting)
}

// ChangeSecret rotates the SRP credential: a fresh secret and salt, a new
// verifier submitted over the authenticated connection, and the local
// credential replaced only after the relay accepted the change.
func (s *Session) ChangeSecret() error {
	return s.call(func() error {
		if s.rpc == nil || s.state != StateReady {
			return ErrNotConnected
		}
		cred, err := s.store.Credential()
		if err != nil {
			return err
		}
		next := &storage.Credential{
			ClientID: cred.ClientID,
			Salt:     crypto.NewSalt(),
			Secret:   crypto.NewSecret(),
		}
		verifier := crypto.SRPVerifier(next.Salt, next.ClientID, next.Secret)
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		if err := s.rpc.SRPChangeVerifier(ctx, verifier, next.Salt); err != nil {
			return err
		}
		return s.store.PutCredential(next)
	})
}

// ensureKeyPair guarantees a current RSA key pair exists, generating and
// persisting one on first run.
func (s *Session) ensureKeyPair() (*storage.KeyPair, error) {
	kp, err := s.store.CurrentKeyPair()
	if err == nil {
		return kp, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}
	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pubDER, err := crypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	privDER, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	kp = &storage.KeyPair{
		KeyID:     crypto.KeyID(pubDER),
		Private:   privDER,
		Public:    pubDER,
		CreatedAt: time.Now(),
	}
	if err := s.store.PutKeyPair(kp); err != nil {
		return nil, err
	}
	s.log.Noticef("Generated key pair %s", kp.KeyID)
	return kp, nil
}
