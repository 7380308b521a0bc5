// Package devicecaps implements the device capabilities discovery protocol.
// Every run is a single step: a device either announces its capabilities or
// stores the capabilities announced by a remote device.
package devicecaps

import (
	"fmt"

	"github.com/companyzero/protoengine/capability"
	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/extmsg"
)

const (
	stateInitial protocol.StateID = iota
	stateFinished
)

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// Finished is the final state.
type Finished struct{}

func (*Finished) StateID() protocol.StateID { return stateFinished }

// Definition is the device capabilities discovery protocol.
type Definition struct{}

var _ protocol.Definition = (*Definition)(nil)

func (*Definition) ID() protocol.ID                  { return protocol.DeviceCapabilitiesDiscoveryID }
func (*Definition) InitialState() protocol.State     { return &Initial{} }
func (*Definition) IsFinal(id protocol.StateID) bool { return id == stateFinished }
func (*Definition) EraseAfterFinal() bool            { return true }

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
	case msgInitialForAddingOwnCapabilities:
		return protocol.DecodeMessageAs[AddOwnCapabilities](rm)
	case msgInitialSingleContactDevice:
		return protocol.DecodeMessageAs[SendToContactDevice](rm)
	case msgInitialSingleOwnedDevice:
		return protocol.DecodeMessageAs[SendToOwnedDevice](rm)
	case msgOwnCapabilitiesToContact:
		return protocol.DecodeMessageAs[OwnCapabilitiesToContact](rm)
	case msgOwnCapabilitiesToSelf:
		return protocol.DecodeMessageAs[OwnCapabilitiesToSelf](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Definition) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("AddOwnCapabilities", protocol.Local, addOwnCapabilities),
			protocol.NewStep("SendToContactDevice", protocol.Local, sendToContactDevice),
			protocol.NewStep("SendToOwnedDevice", protocol.Local, sendToOwnedDevice),
			protocol.NewStep("ProcessContactCapabilities",
				protocol.AnyObliviousChannelWithContact, processContactCapabilities),
			protocol.NewStep("ProcessOwnedDeviceCapabilities",
				protocol.AnyObliviousChannelWithOwnedDevice, processOwnedDeviceCapabilities),
		}
	}
	return nil
}

func addOwnCapabilities(sc *protocol.StepContext, st *Initial, msg *AddOwnCapabilities) (protocol.State, error) {
	id := sc.Delegates.Identity
	current, err := id.OwnCapabilities(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	if current.Equal(msg.Capabilities) {
		sc.Log.Debugf("Own capabilities unchanged %s", current)
		return &Finished{}, nil
	}

	contacts, err := id.Contacts(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	if msg.Capabilities.Gained(current, capability.OneToOneContacts) && len(contacts) > 0 {
		req := &extmsg.OneToOneStatusSyncRequest{Contacts: contacts}
		if _, err := sc.StartProtocol(protocol.OneToOneContactInvitationID, req); err != nil {
			return nil, err
		}
	}

	if err := id.SetOwnCapabilities(sc.Tx, sc.Owned, msg.Capabilities); err != nil {
		return nil, err
	}
	sc.Log.Infof("Own capabilities changed from %s to %s", current, msg.Capabilities)

	for _, c := range contacts {
		outcome, err := sc.PostBestEffort(protocol.ToContact(c), toContact(msg.Capabilities, false))
		if err != nil {
			return nil, err
		}
		if outcome == protocol.Unreachable {
			sc.Log.Warnf("Unable to announce capabilities to %s", c.ShortLogID())
		}
	}

	others, err := sc.HasOtherOwnedDevices()
	if err != nil {
		return nil, err
	}
	if others {
		_, err := sc.PostBestEffort(protocol.ToOtherOwnedDevices(sc.Owned), toSelf(msg.Capabilities, false))
		if err != nil {
			return nil, err
		}
	}
	return &Finished{}, nil
}

func sendToContactDevice(sc *protocol.StepContext, st *Initial, msg *SendToContactDevice) (protocol.State, error) {
	caps, err := sc.Delegates.Identity.OwnCapabilities(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	send := protocol.ToDevices(msg.Contact, msg.Device)
	if _, err := sc.PostBestEffort(send, toContact(caps, msg.IsResponse)); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func sendToOwnedDevice(sc *protocol.StepContext, st *Initial, msg *SendToOwnedDevice) (protocol.State, error) {
	caps, err := sc.Delegates.Identity.OwnCapabilities(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	send := protocol.ToDevices(sc.Owned, msg.Device)
	if _, err := sc.PostBestEffort(send, toSelf(caps, msg.IsResponse)); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func processContactCapabilities(sc *protocol.StepContext, st *Initial, msg *OwnCapabilitiesToContact) (protocol.State, error) {
	id := sc.Delegates.Identity
	contact, dev := sc.Channel.RemoteIdentity, sc.Channel.RemoteDeviceUID
	exists, err := id.ContactExists(sc.Tx, sc.Owned, contact)
	if err != nil {
		return nil, err
	}
	if !exists {
		sc.Log.Debugf("Dropping capabilities of unknown contact %s", contact.ShortLogID())
		return &Finished{}, nil
	}

	prev, err := id.ContactDeviceCapabilities(sc.Tx, sc.Owned, contact, dev)
	if err != nil {
		return nil, err
	}
	if prev == nil && !msg.IsResponse {
		own, err := id.OwnCapabilities(sc.Tx, sc.Owned)
		if err != nil {
			return nil, err
		}
		if _, err := sc.PostBestEffort(protocol.ToDevices(contact, dev), toContact(own, true)); err != nil {
			return nil, err
		}
	}

	if err := id.SetContactDeviceCapabilities(sc.Tx, sc.Owned, contact, dev, msg.Capabilities); err != nil {
		return nil, err
	}
	sc.Notify(protocol.ContactCapabilitiesUpdated{
		Owned:        sc.Owned,
		Contact:      contact,
		Device:       dev,
		Capabilities: msg.Capabilities,
	})
	return &Finished{}, nil
}

func processOwnedDeviceCapabilities(sc *protocol.StepContext, st *Initial, msg *OwnCapabilitiesToSelf) (protocol.State, error) {
	id := sc.Delegates.Identity
	dev := sc.Channel.RemoteDeviceUID
	prev, err := id.OwnedDeviceCapabilities(sc.Tx, sc.Owned, dev)
	if err != nil {
		return nil, err
	}
	if prev == nil && !msg.IsResponse {
		own, err := id.OwnCapabilities(sc.Tx, sc.Owned)
		if err != nil {
			return nil, err
		}
		if _, err := sc.PostBestEffort(protocol.ToDevices(sc.Owned, dev), toSelf(own, true)); err != nil {
			return nil, err
		}
	}

	if err := id.SetOwnedDeviceCapabilities(sc.Tx, sc.Owned, dev, msg.Capabilities); err != nil {
		return nil, err
	}
	sc.Notify(protocol.ContactCapabilitiesUpdated{
		Owned:        sc.Owned,
		Contact:      sc.Owned,
		Device:       dev,
		Capabilities: msg.Capabilities,
	})
	return &Finished{}, nil
}
