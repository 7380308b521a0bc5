// Package capability defines device capabilities and unordered capability
// sets.
package capability

import (
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/fxamacker/cbor/v2"
)

// Capability is a feature a device supports.
type Capability uint32

const (
	WebRTCContinuousICE Capability = iota
	OneToOneContacts
	GroupsV2
)

var names = map[Capability]string{
	WebRTCContinuousICE: "webrtc_continuous_ice",
	OneToOneContacts:    "one_to_one_contacts",
	GroupsV2:            "groups_v2",
}

func (c Capability) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown"
}

// Parse returns the capability with the given name.
func Parse(s string) (Capability, bool) {
	for c, name := range names {
		if name == s {
			return c, true
		}
	}
	return 0, false
}

// Set is an unordered set of capabilities. The zero value is an empty set.
type Set struct {
	bm *roaring.Bitmap
}

// NewSet returns a set with the given capabilities.
func NewSet(caps ...Capability) Set {
	s := Set{bm: roaring.New()}
	for _, c := range caps {
		s.bm.Add(uint32(c))
	}
	return s
}

// ParseStrings builds a set from capability names. Names of capabilities
// unknown to this device are skipped.
func ParseStrings(ss []string) Set {
	s := NewSet()
	for _, name := range ss {
		if c, ok := Parse(name); ok {
			s.bm.Add(uint32(c))
		}
	}
	return s
}

// Has returns true if c is in the set.
func (s Set) Has(c Capability) bool {
	return s.bm != nil && s.bm.Contains(uint32(c))
}

// Len returns the number of capabilities in the set.
func (s Set) Len() int {
	if s.bm == nil {
		return 0
	}
	return int(s.bm.GetCardinality())
}

// Equal returns true if both sets hold the same capabilities.
func (s Set) Equal(o Set) bool {
	if s.Len() == 0 || o.Len() == 0 {
		return s.Len() == o.Len()
	}
	return s.bm.Equals(o.bm)
}

// Gained returns true if s has c but old does not.
func (s Set) Gained(old Set, c Capability) bool {
	return s.Has(c) && !old.Has(c)
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	if s.bm == nil {
		return NewSet()
	}
	return Set{bm: s.bm.Clone()}
}

// List returns the capabilities in ascending order.
func (s Set) List() []Capability {
	if s.bm == nil {
		return nil
	}
	res := make([]Capability, 0, s.Len())
	it := s.bm.Iterator()
	for it.HasNext() {
		res = append(res, Capability(it.Next()))
	}
	return res
}

// Strings returns the sorted capability names.
func (s Set) Strings() []string {
	caps := s.List()
	res := make([]string, 0, len(caps))
	for _, c := range caps {
		res = append(res, c.String())
	}
	sort.Strings(res)
	return res
}

func (s Set) String() string {
	return "{" + strings.Join(s.Strings(), ",") + "}"
}

// MarshalCBOR encodes the set as its list of names, so that devices with
// different capability enumerations can exchange sets.
func (s Set) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(s.Strings())
}

// UnmarshalCBOR decodes a set encoded by MarshalCBOR.
func (s *Set) UnmarshalCBOR(b []byte) error {
	var ss []string
	if err := cbor.Unmarshal(b, &ss); err != nil {
		return err
	}
	*s = ParseStrings(ss)
	return nil
}
