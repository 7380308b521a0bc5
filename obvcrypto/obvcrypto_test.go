package obvcrypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/obvidentity"
)

func TestKEMRoundTrip(t *testing.T) {
	kp, err := GenerateEphemeralKeyPair(rand.Reader)
	assert.NilErr(t, err)
	c, k, err := Encapsulate(rand.Reader, &kp.Public)
	assert.NilErr(t, err)
	got, err := Decapsulate(&c, &kp.Private)
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, k)

	other, err := GenerateEphemeralKeyPair(rand.Reader)
	assert.NilErr(t, err)
	_, err = Decapsulate(&c, &other.Private)
	assert.ErrorIs(t, err, ErrDecapsulate)
}

func TestSealOpen(t *testing.T) {
	var key obvidentity.FixedSizeSymmetricKey
	io.ReadFull(rand.Reader, key[:])
	plain := []byte("photo bytes")
	box, err := Seal(rand.Reader, &key, plain)
	assert.NilErr(t, err)
	got, err := Open(&key, box)
	assert.NilErr(t, err)
	if !bytes.Equal(got, plain) {
		t.Fatalf("unexpected plaintext %q", got)
	}

	box[len(box)-1] ^= 0x01
	_, err = Open(&key, box)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = Open(&key, box[:10])
	assert.ErrorIs(t, err, ErrShortBox)
}

func TestSealToPublicKey(t *testing.T) {
	owned := obvidentity.MustNew("https://server.example")
	sealed, err := SealToPublicKey(rand.Reader, &owned.Public.Key, []byte("devices"))
	assert.NilErr(t, err)
	got, err := OpenWithPrivateKey(&owned.PrivateKey, sealed)
	assert.NilErr(t, err)
	assert.DeepEqual(t, string(got), "devices")
}

func TestCombineSeedsOrder(t *testing.T) {
	k1 := obvidentity.FixedSizeSymmetricKey{1}
	k2 := obvidentity.FixedSizeSymmetricKey{2}
	a := CombineSeeds(&k1, &k2)
	b := CombineSeeds(&k1, &k2)
	assert.DeepEqual(t, a, b)
	if CombineSeeds(&k2, &k1) == a {
		t.Fatalf("seed combination must depend on key order")
	}
}

func TestSeededPRNGDeterministic(t *testing.T) {
	var a, b [64]byte
	io.ReadFull(NewSeededPRNG([]byte("seed")), a[:])
	io.ReadFull(NewSeededPRNG([]byte("seed")), b[:])
	assert.DeepEqual(t, a, b)

	io.ReadFull(NewSeededPRNG([]byte("other seed")), b[:])
	if a == b {
		t.Fatalf("different seeds produced the same stream")
	}
}

func TestSignedPreKey(t *testing.T) {
	owned := obvidentity.MustNew("https://server.example")
	dev := obvidentity.NewUID(nil)
	exp := time.Now().Add(time.Hour)
	spk, _, err := NewSignedPreKey(rand.Reader, owned, dev, exp)
	assert.NilErr(t, err)
	assert.NilErr(t, spk.Verify(owned.Public))
	assert.DeepEqual(t, spk.ExpirationTime().UnixMilli(), exp.UnixMilli())

	other := obvidentity.MustNew("https://server.example")
	if err := spk.Verify(other.Public); !errors.Is(err, ErrInvalidPreKey) {
		t.Fatalf("unexpected error: %v", err)
	}

	spk.Expiration++
	assert.ErrorIs(t, spk.Verify(owned.Public), ErrInvalidPreKey)
}
