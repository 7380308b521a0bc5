package obvcrypto

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/companyzero/protoengine/obvidentity"
	"github.com/decred/dcrd/crypto/blake256"
)

// ErrInvalidPreKey is returned when a signed pre-key fails verification.
var ErrInvalidPreKey = errors.New("invalid signed pre-key")

// PreKey is a time bounded KEM public key published by a device so that
// peers can open a channel with it while it is offline.
type PreKey struct {
	KeyID      obvidentity.UID
	DeviceUID  obvidentity.UID
	Expiration int64 // unix milliseconds
	Public     obvidentity.FixedSizeSntrupPublicKey
}

// SignedPreKey is a pre-key signed by the identity owning the device.
type SignedPreKey struct {
	PreKey
	Signature obvidentity.FixedSizeSignature
}

// ExpirationTime returns the pre-key expiration as a time.
func (pk *PreKey) ExpirationTime() time.Time {
	return time.UnixMilli(pk.Expiration)
}

// PreKeyID computes the key id of a pre-key public key and expiration.
func PreKeyID(pub *obvidentity.FixedSizeSntrupPublicKey, expiration int64) obvidentity.UID {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(expiration))
	h := blake256.New()
	h.Write(pub[:])
	h.Write(b[:])
	var id obvidentity.UID
	copy(id[:], h.Sum(nil))
	return id
}

func (pk *PreKey) signedPayload() []byte {
	b := make([]byte, 0, 6+32+32+8+len(pk.Public))
	b = append(b, "preKey"...)
	b = append(b, pk.KeyID[:]...)
	b = append(b, pk.DeviceUID[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(pk.Expiration))
	b = append(b, pk.Public[:]...)
	return b
}

// NewSignedPreKey generates a new pre-key for the given device, signed by the
// owned identity. It returns the signed public part and the private key.
func NewSignedPreKey(rnd io.Reader, owned *obvidentity.OwnedIdentity, deviceUID obvidentity.UID,
	expiration time.Time) (*SignedPreKey, *obvidentity.FixedSizeSntrupPrivateKey, error) {

	priv, pub, err := obvidentity.NewFixedSizeSntrupKeyPair(rnd)
	if err != nil {
		return nil, nil, err
	}
	exp := expiration.UnixMilli()
	spk := &SignedPreKey{
		PreKey: PreKey{
			KeyID:      PreKeyID(pub, exp),
			DeviceUID:  deviceUID,
			Expiration: exp,
			Public:     *pub,
		},
	}
	spk.Signature = owned.SignMessage(spk.signedPayload())
	return spk, priv, nil
}

// Verify checks the pre-key signature against signer and that its key id
// matches its contents.
func (spk *SignedPreKey) Verify(signer obvidentity.Identity) error {
	if PreKeyID(&spk.Public, spk.Expiration) != spk.KeyID {
		return ErrInvalidPreKey
	}
	if !signer.VerifyMessage(spk.signedPayload(), &spk.Signature) {
		return ErrInvalidPreKey
	}
	return nil
}
