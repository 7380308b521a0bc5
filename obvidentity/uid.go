package obvidentity

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// UID is a 32-byte unique identifier. It is used for device uids, protocol
// instance uids, group uids and received message ids.
type UID [32]byte

// NewUID returns a fresh random UID read from rnd. When rnd is nil,
// crypto/rand is used.
func NewUID(rnd io.Reader) UID {
	if rnd == nil {
		rnd = rand.Reader
	}
	var u UID
	if _, err := io.ReadFull(rnd, u[:]); err != nil {
		// crypto/rand never fails.
		panic(err)
	}
	return u
}

// Bytes returns the UID as a slice of bytes.
func (u UID) Bytes() []byte {
	return u[:]
}

// String returns the hex encoding of the UID.
func (u UID) String() string {
	return hex.EncodeToString(u[:])
}

// ShortLogID returns the first 8 bytes in hex format (16 chars), useful as a
// short log ID.
func (u UID) ShortLogID() string {
	return hex.EncodeToString(u[:8])
}

// MarshalJSON marshals the uid into a json string.
func (u UID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a UID.
func (u *UID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a UID. s must contain an hex-encoded UID of the
// correct length.
func (u *UID) FromString(s string) error {
	return decodeHexFixed(u[:], s, "UID")
}

// FromBytes copies the uid from the given byte slice. The passed slice must
// have the correct length.
func (u *UID) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid UID length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// Compare compares the uids in big-endian order.
func (u UID) Compare(other UID) int {
	return bytes.Compare(u[:], other[:])
}

// Less returns whether this is less then the passed UID.
func (u UID) Less(other UID) bool {
	return u.Compare(other) < 0
}

// ConstantTimeEq returns true when the two uids are equal. The comparison is
// done in constant time.
func (u UID) ConstantTimeEq(other UID) bool {
	return subtle.ConstantTimeCompare(u[:], other[:]) == 1
}

// IsEmpty returns true if the UID is all zeroes.
func (u UID) IsEmpty() bool {
	return u == UID{}
}

func decodeHexFixed(dst []byte, s string, name string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(dst) {
		return fmt.Errorf("invalid %s length: %d", name, len(h))
	}
	copy(dst, h)
	return nil
}
