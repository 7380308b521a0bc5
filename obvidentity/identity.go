// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// obvidentity package manages public and owned identities.
package obvidentity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

var (
	prng = rand.Reader

	ErrVerify            = errors.New("verify error")
	ErrMalformedIdentity = errors.New("malformed identity bytes")
)

// Identity is the public handle of an identity. It binds the server that
// hosts the identity with its ed25519 signature key and NTRU Prime (sntrup)
// encryption key.
//
// Identity is comparable and may be used as a map key.
type Identity struct {
	Server string                    `json:"server"`
	SigKey FixedSizeEd25519PublicKey `json:"sigKey"`
	Key    FixedSizeSntrupPublicKey  `json:"key"`
}

// Bytes returns the canonical byte encoding of the identity:
// server || 0x00 || sigKey || key.
func (id Identity) Bytes() []byte {
	b := make([]byte, 0, len(id.Server)+1+len(id.SigKey)+len(id.Key))
	b = append(b, id.Server...)
	b = append(b, 0)
	b = append(b, id.SigKey[:]...)
	b = append(b, id.Key[:]...)
	return b
}

// FromBytes decodes the canonical encoding generated by Bytes.
func (id *Identity) FromBytes(b []byte) error {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return fmt.Errorf("%w: missing server terminator", ErrMalformedIdentity)
	}
	keys := b[i+1:]
	if len(keys) != len(id.SigKey)+len(id.Key) {
		return fmt.Errorf("%w: wrong key length %d", ErrMalformedIdentity, len(keys))
	}
	id.Server = string(b[:i])
	copy(id.SigKey[:], keys)
	copy(id.Key[:], keys[len(id.SigKey):])
	return nil
}

// ShortID is the SHA256 of the encryption key. It is a short handle to
// uniquely identify an identity in logs and indexes.
func (id Identity) ShortID() UID {
	return sha256.Sum256(id.Key[:])
}

// String returns the hex encoding of the short id.
func (id Identity) String() string {
	return id.ShortID().String()
}

// ShortLogID returns the log prefix of the short id.
func (id Identity) ShortLogID() string {
	return id.ShortID().ShortLogID()
}

// Compare orders identities by their canonical byte encoding.
func (id Identity) Compare(other Identity) int {
	return bytes.Compare(id.Bytes(), other.Bytes())
}

// IsEmpty returns true for the zero identity.
func (id Identity) IsEmpty() bool {
	return id == Identity{}
}

// VerifyMessage verifies a signature made by this identity.
func (id Identity) VerifyMessage(msg []byte, sig *FixedSizeSignature) bool {
	return VerifyMessage(msg, sig, &id.SigKey)
}

// OwnedIdentity is an identity for which the private keys are locally known.
type OwnedIdentity struct {
	Public        Identity                   `json:"public"`
	PrivateSigKey FixedSizeEd25519PrivateKey `json:"privateSigKey"`
	PrivateKey    FixedSizeSntrupPrivateKey  `json:"privateKey"`
}

// NewWithRNG creates a new owned identity hosted on server, reading entropy
// from rnd.
func NewWithRNG(server string, rnd io.Reader) (*OwnedIdentity, error) {
	sigPriv, sigPub, err := NewFixedSizeEd25519KeyPair(rnd)
	if err != nil {
		return nil, err
	}
	kemPriv, kemPub, err := NewFixedSizeSntrupKeyPair(rnd)
	if err != nil {
		return nil, err
	}

	oi := &OwnedIdentity{
		Public: Identity{
			Server: server,
			SigKey: *sigPub,
			Key:    *kemPub,
		},
		PrivateSigKey: *sigPriv,
		PrivateKey:    *kemPriv,
	}
	zero(sigPriv[:])
	zero(kemPriv[:])

	// Sanity check the generated keys.
	sig := oi.SignMessage(oi.Public.Key[:])
	if !oi.Public.VerifyMessage(oi.Public.Key[:], &sig) {
		return nil, ErrVerify
	}
	return oi, nil
}

// New creates a new owned identity using crypto/rand.
func New(server string) (*OwnedIdentity, error) {
	return NewWithRNG(server, prng)
}

// MustNew generates a new identity or panics.
func MustNew(server string) *OwnedIdentity {
	id, err := New(server)
	if err != nil {
		panic(err)
	}
	return id
}

// SignMessage signs a message with the identity's ed25519 private key.
func (oi *OwnedIdentity) SignMessage(message []byte) FixedSizeSignature {
	return SignMessage(message, &oi.PrivateSigKey)
}

// SignMessage signs a message with an Ed25519 private key.
func SignMessage(message []byte, privKey *FixedSizeEd25519PrivateKey) FixedSizeSignature {
	var sig FixedSizeSignature
	copy(sig[:], ed25519.Sign(privKey[:], message))
	return sig
}

// VerifyMessage verifies a message with an Ed25519 public key.
func VerifyMessage(msg []byte, sig *FixedSizeSignature, pubKey *FixedSizeEd25519PublicKey) bool {
	return ed25519.Verify(pubKey[:], msg, sig[:])
}
