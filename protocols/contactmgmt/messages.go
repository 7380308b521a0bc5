package contactmgmt

import (
	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

const (
	msgInitiateContactDeletion protocol.MessageID = iota
	msgPropagateContactDeletion
	msgContactDeletionNotification
	msgInitiateContactDowngrade
	msgContactDowngradeNotification
	msgPropagateContactDowngrade
	msgPerformContactDeviceDiscovery
	msgInitiateContactUpgrade
	msgPropagateContactUpgrade
)

// contactMessage is the encoding of messages that carry a single contact.
type contactMessage struct {
	Contact obvidentity.Identity
}

func (m *contactMessage) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Contact)
}

func (m *contactMessage) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Contact)
}

// emptyMessage is the encoding of messages without inputs.
type emptyMessage struct{}

func (*emptyMessage) Inputs() ([]encoded.Value, error) { return nil, nil }

func (*emptyMessage) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs()
}

// InitiateContactDeletion deletes a contact on the local device, on the
// other owned devices and notifies the contact.
type InitiateContactDeletion struct{ contactMessage }

func (*InitiateContactDeletion) MessageID() protocol.MessageID { return msgInitiateContactDeletion }

// NewInitiateContactDeletion returns the message that starts the deletion of
// contact.
func NewInitiateContactDeletion(contact obvidentity.Identity) *InitiateContactDeletion {
	return &InitiateContactDeletion{contactMessage{Contact: contact}}
}

// PropagateContactDeletion is sent to the other owned devices.
type PropagateContactDeletion struct{ contactMessage }

func (*PropagateContactDeletion) MessageID() protocol.MessageID { return msgPropagateContactDeletion }

// ContactDeletionNotification is sent to the deleted contact.
type ContactDeletionNotification struct{ emptyMessage }

func (*ContactDeletionNotification) MessageID() protocol.MessageID {
	return msgContactDeletionNotification
}

// InitiateContactDowngrade makes a contact not one to one.
type InitiateContactDowngrade struct{ contactMessage }

func (*InitiateContactDowngrade) MessageID() protocol.MessageID { return msgInitiateContactDowngrade }

// NewInitiateContactDowngrade returns the message that starts the downgrade
// of contact.
func NewInitiateContactDowngrade(contact obvidentity.Identity) *InitiateContactDowngrade {
	return &InitiateContactDowngrade{contactMessage{Contact: contact}}
}

// ContactDowngradeNotification is sent to the downgraded contact.
type ContactDowngradeNotification struct{ emptyMessage }

func (*ContactDowngradeNotification) MessageID() protocol.MessageID {
	return msgContactDowngradeNotification
}

// PropagateContactDowngrade is sent to the other owned devices.
type PropagateContactDowngrade struct{ contactMessage }

func (*PropagateContactDowngrade) MessageID() protocol.MessageID { return msgPropagateContactDowngrade }

// PerformContactDeviceDiscovery is sent by a contact whose device list
// changed.
type PerformContactDeviceDiscovery struct{ emptyMessage }

func (*PerformContactDeviceDiscovery) MessageID() protocol.MessageID {
	return msgPerformContactDeviceDiscovery
}

// InitiateContactUpgrade makes a contact one to one. The contact side of the
// upgrade is negotiated by the one to one invitation protocol.
type InitiateContactUpgrade struct{ contactMessage }

func (*InitiateContactUpgrade) MessageID() protocol.MessageID { return msgInitiateContactUpgrade }

// NewInitiateContactUpgrade returns the message that upgrades contact.
func NewInitiateContactUpgrade(contact obvidentity.Identity) *InitiateContactUpgrade {
	return &InitiateContactUpgrade{contactMessage{Contact: contact}}
}

// PropagateContactUpgrade is sent to the other owned devices.
type PropagateContactUpgrade struct{ contactMessage }

func (*PropagateContactUpgrade) MessageID() protocol.MessageID { return msgPropagateContactUpgrade }
