// Package channelmgmt implements the oblivious channel management protocol,
// which deletes the oblivious channel with a single remote device and lets
// the remote device delete its side.
package channelmgmt

import (
	"fmt"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

const (
	stateInitial protocol.StateID = iota
	stateFinished
)

const (
	msgInitiateContactDeviceDeletion protocol.MessageID = iota
	msgPropagateContactDeviceDeletion
	msgChannelDeletionNotification
	msgInitiateOwnedDeviceChannelDeletion
)

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// Finished is the final state.
type Finished struct{}

func (*Finished) StateID() protocol.StateID { return stateFinished }

// InitiateContactDeviceDeletion deletes the channel with one device of a
// contact.
type InitiateContactDeviceDeletion struct {
	Contact obvidentity.Identity
	Device  obvidentity.UID
}

func (*InitiateContactDeviceDeletion) MessageID() protocol.MessageID {
	return msgInitiateContactDeviceDeletion
}

func (m *InitiateContactDeviceDeletion) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Contact, m.Device)
}

func (m *InitiateContactDeviceDeletion) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Contact, &m.Device)
}

// PropagateContactDeviceDeletion is sent to the other owned devices.
type PropagateContactDeviceDeletion struct {
	Contact obvidentity.Identity
	Device  obvidentity.UID
}

func (*PropagateContactDeviceDeletion) MessageID() protocol.MessageID {
	return msgPropagateContactDeviceDeletion
}

func (m *PropagateContactDeviceDeletion) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Contact, m.Device)
}

func (m *PropagateContactDeviceDeletion) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Contact, &m.Device)
}

// ChannelDeletionNotification is sent over the channel being deleted.
type ChannelDeletionNotification struct{}

func (*ChannelDeletionNotification) MessageID() protocol.MessageID {
	return msgChannelDeletionNotification
}

func (*ChannelDeletionNotification) Inputs() ([]encoded.Value, error) { return nil, nil }

func (*ChannelDeletionNotification) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs()
}

// InitiateOwnedDeviceChannelDeletion deletes the channel with another owned
// device.
type InitiateOwnedDeviceChannelDeletion struct {
	Device obvidentity.UID
}

func (*InitiateOwnedDeviceChannelDeletion) MessageID() protocol.MessageID {
	return msgInitiateOwnedDeviceChannelDeletion
}

func (m *InitiateOwnedDeviceChannelDeletion) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Device)
}

func (m *InitiateOwnedDeviceChannelDeletion) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Device)
}

// Definition is the oblivious channel management protocol.
type Definition struct{}

var _ protocol.Definition = (*Definition)(nil)

func (*Definition) ID() protocol.ID                  { return protocol.ObliviousChannelManagementID }
func (*Definition) InitialState() protocol.State     { return &Initial{} }
func (*Definition) IsFinal(id protocol.StateID) bool { return id == stateFinished }
func (*Definition) EraseAfterFinal() bool            { return false }

func (*Definition) DecodeState(id protocol.StateID, v encoded.Value) (protocol.State, error) {
	switch id {
	case stateInitial:
		return protocol.DecodeStateAs[Initial](v)
	case stateFinished:
		return protocol.DecodeStateAs[Finished](v)
	}
	return nil, fmt.Errorf("unknown state id %d", id)
}

func (*Definition) DecodeMessage(rm *protocol.ReceivedMessage) (protocol.Message, error) {
	switch rm.MessageID {
	case msgInitiateContactDeviceDeletion:
		return protocol.DecodeMessageAs[InitiateContactDeviceDeletion](rm)
	case msgPropagateContactDeviceDeletion:
		return protocol.DecodeMessageAs[PropagateContactDeviceDeletion](rm)
	case msgChannelDeletionNotification:
		return protocol.DecodeMessageAs[ChannelDeletionNotification](rm)
	case msgInitiateOwnedDeviceChannelDeletion:
		return protocol.DecodeMessageAs[InitiateOwnedDeviceChannelDeletion](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Definition) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("DeleteContactDeviceChannel", protocol.Local, deleteContactDeviceChannel),
			protocol.NewStep("ProcessPropagatedContactDeviceDeletion",
				protocol.AnyObliviousChannelWithOwnedDevice, processPropagatedContactDeviceDeletion),
			protocol.NewStep("ProcessChannelDeletionNotification",
				protocol.AnyObliviousChannel, processChannelDeletionNotification),
			protocol.NewStep("DeleteOwnedDeviceChannel", protocol.Local, deleteOwnedDeviceChannel),
		}
	}
	return nil
}

func deleteContactDeviceChannel(sc *protocol.StepContext, st *Initial, msg *InitiateContactDeviceDeletion) (protocol.State, error) {
	others, err := sc.HasOtherOwnedDevices()
	if err != nil {
		return nil, err
	}
	if others {
		prop := &PropagateContactDeviceDeletion{Contact: msg.Contact, Device: msg.Device}
		if _, err := sc.PostBestEffort(protocol.ToOtherOwnedDevices(sc.Owned), prop); err != nil {
			return nil, err
		}
	}

	// The notification travels over the channel, so it is posted before
	// the channel is deleted.
	send := protocol.ToDevices(msg.Contact, msg.Device)
	if _, err := sc.PostBestEffort(send, &ChannelDeletionNotification{}); err != nil {
		return nil, err
	}
	if err := sc.Delegates.Channels.DeleteObliviousChannel(sc.Tx, sc.Owned, msg.Contact, msg.Device); err != nil {
		return nil, err
	}
	sc.Log.Infof("Deleted channel with device %s of %s", msg.Device.ShortLogID(),
		msg.Contact.ShortLogID())
	return &Finished{}, nil
}

func processPropagatedContactDeviceDeletion(sc *protocol.StepContext, st *Initial, msg *PropagateContactDeviceDeletion) (protocol.State, error) {
	if err := sc.Delegates.Channels.DeleteObliviousChannel(sc.Tx, sc.Owned, msg.Contact, msg.Device); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func processChannelDeletionNotification(sc *protocol.StepContext, st *Initial, msg *ChannelDeletionNotification) (protocol.State, error) {
	remote, dev := sc.Channel.RemoteIdentity, sc.Channel.RemoteDeviceUID
	if err := sc.Delegates.Channels.DeleteObliviousChannel(sc.Tx, sc.Owned, remote, dev); err != nil {
		return nil, err
	}
	sc.Log.Infof("Device %s of %s deleted our channel", dev.ShortLogID(), remote.ShortLogID())
	return &Finished{}, nil
}

func deleteOwnedDeviceChannel(sc *protocol.StepContext, st *Initial, msg *InitiateOwnedDeviceChannelDeletion) (protocol.State, error) {
	current, err := sc.Delegates.Identity.CurrentDeviceUID(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	if current == msg.Device {
		sc.Log.Warnf("Refusing to delete the channel with the current device")
		return nil, nil
	}
	send := protocol.ToDevices(sc.Owned, msg.Device)
	if _, err := sc.PostBestEffort(send, &ChannelDeletionNotification{}); err != nil {
		return nil, err
	}
	if err := sc.Delegates.Channels.DeleteObliviousChannel(sc.Tx, sc.Owned, sc.Owned, msg.Device); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}
