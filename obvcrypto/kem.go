// Package obvcrypto wraps the cryptographic primitives used by protocol
// steps: KEM encapsulation, authenticated symmetric encryption, seed
// derivation and signed pre-keys.
package obvcrypto

import (
	"errors"
	"fmt"
	"io"

	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrDecapsulate = errors.New("unable to decapsulate ciphertext")
	ErrDecrypt     = errors.New("unable to decrypt")
	ErrShortBox    = errors.New("sealed box too short")
)

// EphemeralKeyPair is a one-use KEM key pair.
type EphemeralKeyPair struct {
	Public  obvidentity.FixedSizeSntrupPublicKey
	Private obvidentity.FixedSizeSntrupPrivateKey
}

// GenerateEphemeralKeyPair creates a new KEM key pair reading entropy from
// rnd.
func GenerateEphemeralKeyPair(rnd io.Reader) (*EphemeralKeyPair, error) {
	priv, pub, err := obvidentity.NewFixedSizeSntrupKeyPair(rnd)
	if err != nil {
		return nil, err
	}
	return &EphemeralKeyPair{Public: *pub, Private: *priv}, nil
}

// Encapsulate generates a fresh shared key and its ciphertext for the passed
// public key.
func Encapsulate(rnd io.Reader, pub *obvidentity.FixedSizeSntrupPublicKey) (obvidentity.FixedSizeSntrupCiphertext, obvidentity.FixedSizeSymmetricKey, error) {
	var c obvidentity.FixedSizeSntrupCiphertext
	var k obvidentity.FixedSizeSymmetricKey
	cipher, shared, err := sntrup4591761.Encapsulate(rnd, (*sntrup4591761.PublicKey)(pub))
	if err != nil {
		return c, k, err
	}
	copy(c[:], cipher[:])
	copy(k[:], shared[:])
	return c, k, nil
}

// Decapsulate recovers the shared key of c using the private key.
func Decapsulate(c *obvidentity.FixedSizeSntrupCiphertext, priv *obvidentity.FixedSizeSntrupPrivateKey) (obvidentity.FixedSizeSymmetricKey, error) {
	var k obvidentity.FixedSizeSymmetricKey
	shared, ok := sntrup4591761.Decapsulate((*sntrup4591761.Ciphertext)(c),
		(*sntrup4591761.PrivateKey)(priv))
	if ok != 1 {
		return k, ErrDecapsulate
	}
	copy(k[:], shared[:])
	return k, nil
}

// Seal encrypts and authenticates plain with key. The returned box is
// nonce || secretbox.
func Seal(rnd io.Reader, key *obvidentity.FixedSizeSymmetricKey, plain []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rnd, nonce[:]); err != nil {
		return nil, err
	}
	box := make([]byte, 0, len(nonce)+len(plain)+secretbox.Overhead)
	box = append(box, nonce[:]...)
	return secretbox.Seal(box, plain, &nonce, (*[32]byte)(key)), nil
}

// Open decrypts a box created by Seal.
func Open(key *obvidentity.FixedSizeSymmetricKey, box []byte) ([]byte, error) {
	if len(box) < 24+secretbox.Overhead {
		return nil, ErrShortBox
	}
	var nonce [24]byte
	copy(nonce[:], box)
	plain, ok := secretbox.Open(nil, box[24:], &nonce, (*[32]byte)(key))
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// SealToPublicKey encrypts plain so that only the holder of the private key
// matching pub can open it. The result is ciphertext || sealed box.
func SealToPublicKey(rnd io.Reader, pub *obvidentity.FixedSizeSntrupPublicKey, plain []byte) ([]byte, error) {
	c, k, err := Encapsulate(rnd, pub)
	if err != nil {
		return nil, err
	}
	box, err := Seal(rnd, &k, plain)
	if err != nil {
		return nil, err
	}
	return append(c[:], box...), nil
}

// OpenWithPrivateKey opens data sealed by SealToPublicKey.
func OpenWithPrivateKey(priv *obvidentity.FixedSizeSntrupPrivateKey, sealed []byte) ([]byte, error) {
	var c obvidentity.FixedSizeSntrupCiphertext
	if len(sealed) < len(c) {
		return nil, ErrShortBox
	}
	copy(c[:], sealed)
	k, err := Decapsulate(&c, priv)
	if err != nil {
		return nil, err
	}
	plain, err := Open(&k, sealed[len(c):])
	if err != nil {
		return nil, fmt.Errorf("sealed payload: %w", err)
	}
	return plain, nil
}
