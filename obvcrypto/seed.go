package obvcrypto

import (
	"encoding/hex"
	"io"

	"github.com/companyzero/protoengine/obvidentity"
	"lukechampine.com/blake3"
)

const seedCombineContext = "protoengine 2024 channel seed combine"

// Seed is the symmetric seed keying one direction of an oblivious channel.
type Seed [32]byte

// String returns the hex encoding of the seed.
func (s Seed) String() string {
	return hex.EncodeToString(s[:])
}

// CombineSeeds derives a channel seed from the two KEM shared keys of a full
// ratchet exchange. The order of the keys matters.
func CombineSeeds(k1, k2 *obvidentity.FixedSizeSymmetricKey) Seed {
	var src [64]byte
	copy(src[:], k1[:])
	copy(src[32:], k2[:])
	var seed Seed
	blake3.DeriveKey(seed[:], seedCombineContext, src[:])
	return seed
}

// NewSeededPRNG returns a deterministic stream of bytes derived from seed.
// Two calls with the same seed return identical streams.
func NewSeededPRNG(seed []byte) io.Reader {
	h := blake3.New(32, nil)
	h.Write(seed)
	return h.XOF()
}
