package testutils

import (
	"io"
	"math/rand"
	"testing"
	"time"
)

// RandomBytes returns sz random bytes. The seed is logged so that a failing
// test can be reproduced.
func RandomBytes(t testing.TB, sz int) []byte {
	t.Helper()
	seed := time.Now().UnixNano()
	t.Logf("Random bytes seed: %d", seed)
	rng := rand.New(rand.NewSource(seed))
	b := make([]byte, sz)
	if _, err := io.ReadFull(rng, b); err != nil {
		t.Fatal(err)
	}
	return b
}
