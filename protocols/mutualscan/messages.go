package mutualscan

import (
	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

const (
	msgInitial protocol.MessageID = iota
	msgAliceSendsSignature
	msgAlicePropagatesQuery
	msgBobSendsConfirmationAndDetails
	msgBobPropagatesSignature
)

// Start is posted by the scanner (Alice) once it scanned the payload of the
// signer (Bob).
type Start struct {
	Contact   obvidentity.Identity
	Signature obvidentity.FixedSizeSignature
}

func (*Start) MessageID() protocol.MessageID { return msgInitial }

func (m *Start) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Contact, m.Signature)
}

func (m *Start) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Contact, &m.Signature)
}

// AliceSendsSignature returns the signature to every device of Bob along
// with the details and the devices of Alice.
type AliceSendsSignature struct {
	Signature obvidentity.FixedSizeSignature
	Details   []byte
	Devices   []obvidentity.UID
}

func (*AliceSendsSignature) MessageID() protocol.MessageID { return msgAliceSendsSignature }

func (m *AliceSendsSignature) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Signature, m.Details, m.Devices)
}

func (m *AliceSendsSignature) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Signature, &m.Details, &m.Devices)
}

// AlicePropagatesQuery tells the other devices of Alice about the scan.
type AlicePropagatesQuery struct {
	Contact   obvidentity.Identity
	Signature obvidentity.FixedSizeSignature
}

func (*AlicePropagatesQuery) MessageID() protocol.MessageID { return msgAlicePropagatesQuery }

func (m *AlicePropagatesQuery) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Contact, m.Signature)
}

func (m *AlicePropagatesQuery) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Contact, &m.Signature)
}

// BobSendsConfirmationAndDetails confirms the scan to every device of Alice.
type BobSendsConfirmationAndDetails struct {
	Signature obvidentity.FixedSizeSignature
	Details   []byte
	Devices   []obvidentity.UID
}

func (*BobSendsConfirmationAndDetails) MessageID() protocol.MessageID {
	return msgBobSendsConfirmationAndDetails
}

func (m *BobSendsConfirmationAndDetails) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Signature, m.Details, m.Devices)
}

func (m *BobSendsConfirmationAndDetails) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Signature, &m.Details, &m.Devices)
}

// BobPropagatesSignature tells the other devices of Bob about the scan.
type BobPropagatesSignature struct {
	Contact   obvidentity.Identity
	Signature obvidentity.FixedSizeSignature
	Details   []byte
	Devices   []obvidentity.UID
}

func (*BobPropagatesSignature) MessageID() protocol.MessageID { return msgBobPropagatesSignature }

func (m *BobPropagatesSignature) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Contact, m.Signature, m.Details, m.Devices)
}

func (m *BobPropagatesSignature) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Contact, &m.Signature, &m.Details, &m.Devices)
}
