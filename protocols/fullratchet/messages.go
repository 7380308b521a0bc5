package fullratchet

import (
	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

const (
	msgInitial protocol.MessageID = iota
	msgAliceEphemeralKey
	msgBobEphemeralKeyAndK1
	msgAliceK2
	msgBobAck
)

// Start starts, or restarts, a full ratchet of the channel with one remote
// device. It must be posted to the instance returned by InstanceUID.
type Start struct {
	Remote obvidentity.Identity
	Device obvidentity.UID
}

func (*Start) MessageID() protocol.MessageID { return msgInitial }

func (m *Start) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Remote, m.Device)
}

func (m *Start) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Remote, &m.Device)
}

// AliceEphemeralKey is the first message of a run.
type AliceEphemeralKey struct {
	Public  obvidentity.FixedSizeSntrupPublicKey
	Counter int64
}

func (*AliceEphemeralKey) MessageID() protocol.MessageID { return msgAliceEphemeralKey }

func (m *AliceEphemeralKey) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Public, m.Counter)
}

func (m *AliceEphemeralKey) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Public, &m.Counter)
}

// BobEphemeralKeyAndK1 answers AliceEphemeralKey with the ephemeral key of
// Bob and the encapsulation of k1.
type BobEphemeralKeyAndK1 struct {
	Public  obvidentity.FixedSizeSntrupPublicKey
	C1      obvidentity.FixedSizeSntrupCiphertext
	Counter int64
}

func (*BobEphemeralKeyAndK1) MessageID() protocol.MessageID { return msgBobEphemeralKeyAndK1 }

func (m *BobEphemeralKeyAndK1) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Public, m.C1, m.Counter)
}

func (m *BobEphemeralKeyAndK1) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Public, &m.C1, &m.Counter)
}

// AliceK2 carries the encapsulation of k2.
type AliceK2 struct {
	C2      obvidentity.FixedSizeSntrupCiphertext
	Counter int64
}

func (*AliceK2) MessageID() protocol.MessageID { return msgAliceK2 }

func (m *AliceK2) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.C2, m.Counter)
}

func (m *AliceK2) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.C2, &m.Counter)
}

// BobAck tells Alice that Bob committed the new seed.
type BobAck struct {
	Counter int64
}

func (*BobAck) MessageID() protocol.MessageID { return msgBobAck }

func (m *BobAck) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Counter)
}

func (m *BobAck) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Counter)
}
