package capability

import (
	"testing"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/internal/assert"
)

func TestSetEqualIsUnordered(t *testing.T) {
	a := NewSet(OneToOneContacts, GroupsV2)
	b := NewSet(GroupsV2, OneToOneContacts)
	assert.BoolIs(t, a.Equal(b), true)
	assert.BoolIs(t, a.Equal(NewSet(GroupsV2)), false)
	assert.BoolIs(t, Set{}.Equal(NewSet()), true)
	assert.BoolIs(t, Set{}.Equal(a), false)
}

func TestGained(t *testing.T) {
	old := NewSet(GroupsV2)
	cur := NewSet(GroupsV2, OneToOneContacts)
	assert.BoolIs(t, cur.Gained(old, OneToOneContacts), true)
	assert.BoolIs(t, old.Gained(cur, OneToOneContacts), false)
	assert.BoolIs(t, cur.Gained(cur, OneToOneContacts), false)
}

func TestSetEncoding(t *testing.T) {
	s := NewSet(WebRTCContinuousICE, OneToOneContacts)
	v, err := encoded.Encode(s)
	assert.NilErr(t, err)

	var got Set
	assert.NilErr(t, v.Decode(&got))
	assert.BoolIs(t, got.Equal(s), true)

	// Unknown names are skipped.
	v = encoded.MustEncode([]string{"groups_v2", "teleportation"})
	assert.NilErr(t, v.Decode(&got))
	assert.DeepEqual(t, got.List(), []Capability{GroupsV2})
}
