// crypto.go - Signature capability.
// Copyright (C) 2026  Katzenpost Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package crypto provides the signature capability used to authenticate
// relay sessions.  Payload encryption is end to end between devices and
// never performed by the relay.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
)

// DefaultSchemeName is the signature scheme used when none is configured.
const DefaultSchemeName = "Ed25519"

var (
	// ErrUnknownScheme is the error returned for an unsupported scheme name.
	ErrUnknownScheme = errors.New("crypto: unknown signature scheme")

	// ErrInvalidPublicKey is the error returned when a public key can not
	// be deserialized.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
)

// Verifier checks signatures.
type Verifier interface {
	// Verify returns true iff signature is a valid signature over message
	// by the holder of publicKey.  An error is returned only when the
	// inputs can not be interpreted.
	Verify(publicKey, message, signature []byte) (bool, error)
}

// Signer produces signatures.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
}

// Scheme is a Verifier backed by a hpqc signature scheme.  A Scheme is
// immutable and safe for concurrent use.
type Scheme struct {
	scheme sign.Scheme
}

// NewScheme returns the Scheme with the given name.
func NewScheme(name string) (*Scheme, error) {
	s := signSchemes.ByName(name)
	if s == nil {
		return nil, fmt.Errorf("%w: '%v'", ErrUnknownScheme, name)
	}
	return &Scheme{scheme: s}, nil
}

// Name returns the name of the underlying signature scheme.
func (s *Scheme) Name() string {
	return s.scheme.Name()
}

// Verify implements Verifier.
func (s *Scheme) Verify(publicKey, message, signature []byte) (bool, error) {
	if len(publicKey) != s.scheme.PublicKeySize() {
		return false, ErrInvalidPublicKey
	}
	pk, err := s.scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(signature) != s.scheme.SignatureSize() {
		return false, nil
	}
	return s.scheme.Verify(pk, message, signature, nil), nil
}

// GenerateSigner creates a Signer with a fresh key pair.
func (s *Scheme) GenerateSigner() (*KeySigner, error) {
	pk, sk, err := s.scheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	return newKeySigner(s.scheme, pk, sk)
}

// SignerFromPrivateKey creates a Signer from a serialized private key.
func (s *Scheme) SignerFromPrivateKey(raw []byte) (*KeySigner, error) {
	sk, err := s.scheme.UnmarshalBinaryPrivateKey(raw)
	if err != nil {
		return nil, err
	}
	pk, ok := sk.Public().(sign.PublicKey)
	if !ok {
		return nil, errors.New("crypto: private key has no usable public key")
	}
	return newKeySigner(s.scheme, pk, sk)
}

// KeySigner is a Signer holding a private key.
type KeySigner struct {
	scheme sign.Scheme
	sk     sign.PrivateKey
	pk     []byte
}

func newKeySigner(scheme sign.Scheme, pk sign.PublicKey, sk sign.PrivateKey) (*KeySigner, error) {
	raw, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &KeySigner{scheme: scheme, sk: sk, pk: raw}, nil
}

// Sign implements Signer.
func (k *KeySigner) Sign(message []byte) ([]byte, error) {
	return k.scheme.Sign(k.sk, message, nil), nil
}

// PublicKey returns the serialized public key.
func (k *KeySigner) PublicKey() []byte {
	return append([]byte{}, k.pk...)
}

// PrivateKey returns the serialized private key.
func (k *KeySigner) PrivateKey() ([]byte, error) {
	return k.sk.MarshalBinary()
}

// Fingerprint returns a short printable digest of a public key, suitable
// for log messages.
func Fingerprint(publicKey []byte) string {
	d := hash.Sum256(publicKey)
	return hex.EncodeToString(d[:8])
}
