package encoded

import (
	"testing"

	"github.com/companyzero/protoengine/internal/assert"
)

type sample struct {
	Name    string
	Counter uint64
	Key     [4]byte
}

func TestDecodeAllArity(t *testing.T) {
	ins, err := EncodeAll("alice", uint64(12))
	assert.NilErr(t, err)

	var name string
	var counter uint64
	assert.NilErr(t, DecodeAll(ins, &name, &counter))
	assert.DeepEqual(t, name, "alice")
	assert.DeepEqual(t, counter, uint64(12))

	assert.ErrorIs(t, DecodeAll(ins, &name), ErrArity)
	assert.ErrorIs(t, DecodeAll(ins[:1], &name, &counter), ErrArity)
}

func TestDecodeWrongType(t *testing.T) {
	v := MustEncode("not a number")
	var n uint64
	assert.ErrorIs(t, v.Decode(&n), ErrDecode)
}

func TestEncodeDeterministic(t *testing.T) {
	s := sample{Name: "bob", Counter: 1 << 40, Key: [4]byte{1, 2, 3, 4}}
	a := MustEncode(s)
	b := MustEncode(s)
	assert.DeepEqual(t, a, b)

	var got sample
	assert.NilErr(t, a.Decode(&got))
	assert.DeepEqual(t, got, s)

	m1 := MustEncode(map[string]int{"a": 1, "b": 2, "c": 3})
	m2 := MustEncode(map[string]int{"c": 3, "b": 2, "a": 1})
	assert.DeepEqual(t, m1, m2)
}
