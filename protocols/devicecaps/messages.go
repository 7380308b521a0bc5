package devicecaps

import (
	"github.com/companyzero/protoengine/capability"
	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

const (
	msgInitialForAddingOwnCapabilities protocol.MessageID = iota
	msgInitialSingleContactDevice
	msgInitialSingleOwnedDevice
	msgOwnCapabilitiesToContact
	msgOwnCapabilitiesToSelf
)

// AddOwnCapabilities replaces the capabilities of the current device and
// announces them to every contact and owned device.
type AddOwnCapabilities struct {
	Capabilities capability.Set
}

func (*AddOwnCapabilities) MessageID() protocol.MessageID {
	return msgInitialForAddingOwnCapabilities
}

func (m *AddOwnCapabilities) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Capabilities)
}

func (m *AddOwnCapabilities) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Capabilities)
}

// SendToContactDevice sends the current capabilities to a single contact
// device.
type SendToContactDevice struct {
	Contact    obvidentity.Identity
	Device     obvidentity.UID
	IsResponse bool
}

func (*SendToContactDevice) MessageID() protocol.MessageID { return msgInitialSingleContactDevice }

func (m *SendToContactDevice) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Contact, m.Device, m.IsResponse)
}

func (m *SendToContactDevice) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Contact, &m.Device, &m.IsResponse)
}

// SendToOwnedDevice sends the current capabilities to a single owned
// device.
type SendToOwnedDevice struct {
	Device     obvidentity.UID
	IsResponse bool
}

func (*SendToOwnedDevice) MessageID() protocol.MessageID { return msgInitialSingleOwnedDevice }

func (m *SendToOwnedDevice) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Device, m.IsResponse)
}

func (m *SendToOwnedDevice) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Device, &m.IsResponse)
}

// capabilitiesMessage is the encoding of announced capabilities.
type capabilitiesMessage struct {
	Capabilities capability.Set
	IsResponse   bool
}

func (m *capabilitiesMessage) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Capabilities, m.IsResponse)
}

func (m *capabilitiesMessage) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Capabilities, &m.IsResponse)
}

// OwnCapabilitiesToContact carries the capabilities of a device to a contact.
type OwnCapabilitiesToContact struct{ capabilitiesMessage }

func (*OwnCapabilitiesToContact) MessageID() protocol.MessageID { return msgOwnCapabilitiesToContact }

// OwnCapabilitiesToSelf carries the capabilities of a device to the other
// devices of the same identity.
type OwnCapabilitiesToSelf struct{ capabilitiesMessage }

func (*OwnCapabilitiesToSelf) MessageID() protocol.MessageID { return msgOwnCapabilitiesToSelf }

func toContact(caps capability.Set, isResponse bool) *OwnCapabilitiesToContact {
	return &OwnCapabilitiesToContact{capabilitiesMessage{Capabilities: caps, IsResponse: isResponse}}
}

func toSelf(caps capability.Set, isResponse bool) *OwnCapabilitiesToSelf {
	return &OwnCapabilitiesToSelf{capabilitiesMessage{Capabilities: caps, IsResponse: isResponse}}
}
