/*
 * Relay
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package identity manages the relay's asymmetric keypair and the relay id
// assigned by the upstream during registration. The keypair signs every
// outgoing protocol message and verifies signatures on incoming ones.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"sync"

	"github.com/gravitational/trace"
)

const pemBlockType = "PRIVATE KEY"

// Identity holds the relay's ed25519 keypair and, once registered, the relay
// id assigned by the upstream. The keypair is immutable after construction;
// the relay id may be bound exactly once.
type Identity struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	mu      sync.RWMutex
	relayID string
}

// Generate creates a new identity with a fresh ed25519 keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err, "generating relay keypair")
	}
	return &Identity{privateKey: priv, publicKey: pub}, nil
}

// FromPrivateKeyPEM restores an identity from a PKCS#8 encoded ed25519
// private key.
func FromPrivateKeyPEM(data []byte) (*Identity, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in key material")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing relay private key")
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, trace.BadParameter("relay private key must be ed25519, got %T", key)
	}
	return &Identity{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// PrivateKeyPEM returns the private key in PKCS#8 PEM encoding suitable for
// persisting to the state directory.
func (i *Identity) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(i.privateKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der}), nil
}

// PublicKey returns the relay's public key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.publicKey
}

// PublicKeyBase64 returns the public key in the standard base64 encoding
// used on the wire.
func (i *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(i.publicKey)
}

// Sign produces a detached signature over data. It never fails for an
// identity constructed through this package.
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.privateKey, data)
}

// RelayID returns the upstream-assigned relay id, if one has been bound.
func (i *Identity) RelayID() (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.relayID, i.relayID != ""
}

// BindRelayID records the relay id assigned by the upstream. The id is
// write-once: binding a second id is a programming error.
func (i *Identity) BindRelayID(id string) error {
	if id == "" {
		return trace.BadParameter("relay id must not be empty")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.relayID != "" {
		if i.relayID == id {
			return nil
		}
		return trace.AlreadyExists("relay id already bound to %q", i.relayID)
	}
	i.relayID = id
	return nil
}

// SignatureError indicates a signature failed verification. A malformed or
// mismatched signature is reported through this error, never a panic.
type SignatureError struct{}

// Error returns the signature error message.
func (SignatureError) Error() string { return "signature verification failed" }

// IsSignatureInvalid returns true if err indicates an invalid signature.
func IsSignatureInvalid(err error) bool {
	var sigErr SignatureError
	return errors.As(trace.Unwrap(err), &sigErr)
}

// Verify checks a detached signature against the given public key. It
// returns a SignatureError for any malformed or mismatched signature.
func Verify(pub ed25519.PublicKey, data, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return trace.Wrap(SignatureError{}, "public key has wrong size %d", len(pub))
	}
	if !ed25519.Verify(pub, data, sig) {
		return trace.Wrap(SignatureError{})
	}
	return nil
}

// ParsePublicKeyBase64 decodes a base64 encoded ed25519 public key received
// on the wire.
func ParsePublicKeyBase64(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, trace.Wrap(err, "decoding public key")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, trace.BadParameter("public key has wrong size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
