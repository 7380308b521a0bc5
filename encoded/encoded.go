// Package encoded implements the opaque value encoding used for protocol
// states, message inputs and server responses.
package encoded

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrArity is returned when a list of encoded inputs does not have the
	// expected number of elements.
	ErrArity = errors.New("wrong number of encoded values")

	// ErrDecode is returned when a value cannot be decoded into the
	// requested type.
	ErrDecode = errors.New("unable to decode value")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Value is an encoded value.
type Value []byte

// Encode encodes v. Encoding is deterministic: equal inputs produce equal
// values.
func Encode(v interface{}) (Value, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Value(b), nil
}

// MustEncode encodes v or panics. Only use with values known to be
// encodable.
func MustEncode(v interface{}) Value {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode decodes the value into out, which must be a pointer.
func (v Value) Decode(out interface{}) error {
	if err := decMode.Unmarshal(v, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// IsEmpty returns true for a nil or zero length value.
func (v Value) IsEmpty() bool {
	return len(v) == 0
}

// EncodeAll encodes every element of ins, in order.
func EncodeAll(ins ...interface{}) ([]Value, error) {
	res := make([]Value, len(ins))
	for i, in := range ins {
		var err error
		if res[i], err = Encode(in); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
	}
	return res, nil
}

// DecodeAll decodes each input into the corresponding out. It fails with
// ErrArity unless len(ins) == len(outs).
func DecodeAll(ins []Value, outs ...interface{}) error {
	if len(ins) != len(outs) {
		return fmt.Errorf("%w: got %d, want %d", ErrArity, len(ins), len(outs))
	}
	for i := range ins {
		if err := ins[i].Decode(outs[i]); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	return nil
}
