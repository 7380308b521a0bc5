package obvidentity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/companyzero/sntrup4591761"
)

// FixedSizeSignature is a 64-byte, fixed size ed25519 signature.
type FixedSizeSignature [ed25519.SignatureSize]byte

// FixedSizeEd25519PrivateKey is a 64-byte, fixed size private key.
type FixedSizeEd25519PrivateKey [ed25519.PrivateKeySize]byte

// FixedSizeEd25519PublicKey is a 32-byte, fixed size ed25519 public key.
type FixedSizeEd25519PublicKey [ed25519.PublicKeySize]byte

// FixedSizeSymmetricKey is a 32-byte, fixed size symmetric encryption key.
type FixedSizeSymmetricKey [32]byte

// FixedSizeSntrupPublicKey is a fixed size sntrup public key.
type FixedSizeSntrupPublicKey [sntrup4591761.PublicKeySize]byte

// FixedSizeSntrupPrivateKey is a fixed size sntrup private key.
type FixedSizeSntrupPrivateKey [sntrup4591761.PrivateKeySize]byte

// FixedSizeSntrupCiphertext is a fixed size byte array capable of holding a
// sntrup4591761 cipher text.
type FixedSizeSntrupCiphertext [sntrup4591761.CiphertextSize]byte

// NewFixedSizeEd25519KeyPair generates a new keypair reading entropy from
// rnd.
func NewFixedSizeEd25519KeyPair(rnd io.Reader) (*FixedSizeEd25519PrivateKey, *FixedSizeEd25519PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rnd)
	if err != nil {
		return nil, nil, err
	}

	var fixedPriv FixedSizeEd25519PrivateKey
	var fixedPub FixedSizeEd25519PublicKey
	copy(fixedPub[:], pub)
	copy(fixedPriv[:], priv)
	zero(priv)
	return &fixedPriv, &fixedPub, nil
}

// NewFixedSizeSntrupKeyPair generates a new KEM keypair reading entropy from
// rnd.
func NewFixedSizeSntrupKeyPair(rnd io.Reader) (*FixedSizeSntrupPrivateKey, *FixedSizeSntrupPublicKey, error) {
	pub, priv, err := sntrup4591761.GenerateKey(rnd)
	if err != nil {
		return nil, nil, err
	}
	return (*FixedSizeSntrupPrivateKey)(priv), (*FixedSizeSntrupPublicKey)(pub), nil
}

// String returns the hex encoding of the signature.
func (u FixedSizeSignature) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the signature into a json string.
func (u FixedSizeSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a FixedSizeSignature.
func (u *FixedSizeSignature) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return decodeHexFixed(u[:], s, "FixedSizeSignature")
}

// FromBytes copies the signature from the given byte slice. The passed slice
// must have the correct length.
func (u *FixedSizeSignature) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid FixedSizeSignature length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// String returns the hex encoding of the key.
func (u FixedSizeEd25519PublicKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u FixedSizeEd25519PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of the key.
func (u *FixedSizeEd25519PublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return decodeHexFixed(u[:], s, "FixedSizeEd25519PublicKey")
}

// MarshalJSON marshals the key into a json string.
func (u FixedSizeEd25519PrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(u[:]))
}

// UnmarshalJSON unmarshals the json representation of the key.
func (u *FixedSizeEd25519PrivateKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return decodeHexFixed(u[:], s, "FixedSizeEd25519PrivateKey")
}

// String returns the hex encoding of the key.
func (u FixedSizeSntrupPublicKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u FixedSizeSntrupPublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a
// FixedSizeSntrupPublicKey.
func (u *FixedSizeSntrupPublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return decodeHexFixed(u[:], s, "FixedSizeSntrupPublicKey")
}

// FromBytes copies the key from the given byte slice. The passed slice
// must have the correct length.
func (u *FixedSizeSntrupPublicKey) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid FixedSizeSntrupPublicKey length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// MarshalJSON marshals the key into a json string.
func (u FixedSizeSntrupPrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(u[:]))
}

// UnmarshalJSON unmarshals the json representation of a
// FixedSizeSntrupPrivateKey.
func (u *FixedSizeSntrupPrivateKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return decodeHexFixed(u[:], s, "FixedSizeSntrupPrivateKey")
}

// String returns the hex encoding of the ciphertext.
func (u FixedSizeSntrupCiphertext) String() string {
	return hex.EncodeToString(u[:])
}

// FromBytes copies the ciphertext from the given byte slice. The passed slice
// must have the correct length.
func (u *FixedSizeSntrupCiphertext) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid FixedSizeSntrupCiphertext length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// String returns the hex encoding of the key.
func (u FixedSizeSymmetricKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u FixedSizeSymmetricKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a FixedSizeSymmetricKey.
func (u *FixedSizeSymmetricKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return decodeHexFixed(u[:], s, "FixedSizeSymmetricKey")
}

// Zero out a byte slice.
func zero(in []byte) {
	for i := range in {
		in[i] = 0
	}
}
