// Package extmsg declares the messages that protocols run here send to
// protocols run by other components of the app: channel creation, group
// management and one to one contact invitations.
//
// Those protocols are not registered with the engine, so their local messages
// are handed to the channel delegate, which forwards them to their runner.
package extmsg

import (
	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

// Channel creation message ids.
const (
	StartChannelCreationWithContactDeviceID protocol.MessageID = 0
)

// Group management message ids.
const (
	RemoveGroupMembersID protocol.MessageID = 3
	KickFromGroupID      protocol.MessageID = 6
	NotifyGroupLeftID    protocol.MessageID = 8
)

// One to one contact invitation message ids.
const (
	OneToOneStatusSyncRequestID protocol.MessageID = 9
)

// GroupInstanceUID returns the uid of the group management instance that
// manages the group.
func GroupInstanceUID(group protocol.GroupV1) obvidentity.UID {
	return group.UID
}

// RemoveGroupMembers asks the local group management instance of an owned
// group to remove members.
type RemoveGroupMembers struct {
	GroupOwner obvidentity.Identity
	GroupUID   obvidentity.UID
	Members    []obvidentity.Identity
}

func (*RemoveGroupMembers) MessageID() protocol.MessageID { return RemoveGroupMembersID }

func (m *RemoveGroupMembers) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.GroupOwner, m.GroupUID, m.Members)
}

func (m *RemoveGroupMembers) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.GroupOwner, &m.GroupUID, &m.Members)
}

// KickFromGroup is sent by a group owner to a member it removes.
type KickFromGroup struct {
	GroupOwner obvidentity.Identity
	GroupUID   obvidentity.UID
}

func (*KickFromGroup) MessageID() protocol.MessageID { return KickFromGroupID }

func (m *KickFromGroup) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.GroupOwner, m.GroupUID)
}

func (m *KickFromGroup) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.GroupOwner, &m.GroupUID)
}

// NotifyGroupLeft is sent by a member to the group owner when it leaves the
// group.
type NotifyGroupLeft struct {
	GroupOwner obvidentity.Identity
	GroupUID   obvidentity.UID
}

func (*NotifyGroupLeft) MessageID() protocol.MessageID { return NotifyGroupLeftID }

func (m *NotifyGroupLeft) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.GroupOwner, m.GroupUID)
}

func (m *NotifyGroupLeft) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.GroupOwner, &m.GroupUID)
}

// OneToOneStatusSyncRequest asks the local one to one invitation protocol to
// resynchronize the one to one status with the listed contacts.
type OneToOneStatusSyncRequest struct {
	Contacts []obvidentity.Identity
}

func (*OneToOneStatusSyncRequest) MessageID() protocol.MessageID {
	return OneToOneStatusSyncRequestID
}

func (m *OneToOneStatusSyncRequest) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Contacts)
}

func (m *OneToOneStatusSyncRequest) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Contacts)
}

// StartChannelCreationWithContactDevice asks the local channel creation
// protocol to establish an oblivious channel with a newly discovered contact
// device.
type StartChannelCreationWithContactDevice struct {
	Contact obvidentity.Identity
	Device  obvidentity.UID
}

func (*StartChannelCreationWithContactDevice) MessageID() protocol.MessageID {
	return StartChannelCreationWithContactDeviceID
}

func (m *StartChannelCreationWithContactDevice) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Contact, m.Device)
}

func (m *StartChannelCreationWithContactDevice) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Contact, &m.Device)
}
