// Package contactmgmt implements the contact management protocol: contact
// deletion, downgrade and upgrade, propagated to the other owned devices and
// notified to the contact.
package contactmgmt

import (
	"fmt"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/devicediscovery"
	"github.com/companyzero/protoengine/protocols/extmsg"
)

const (
	stateInitial protocol.StateID = iota
	stateFinished
)

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// Finished is the final state. Finished instances are kept so that late
// copies of their messages are discarded.
type Finished struct{}

func (*Finished) StateID() protocol.StateID { return stateFinished }

// Definition is the contact management protocol.
type Definition struct{}

var _ protocol.Definition = (*Definition)(nil)

func (*Definition) ID() protocol.ID                  { return protocol.ContactManagementID }
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
	case msgInitiateContactDeletion:
		return protocol.DecodeMessageAs[InitiateContactDeletion](rm)
	case msgPropagateContactDeletion:
		return protocol.DecodeMessageAs[PropagateContactDeletion](rm)
	case msgContactDeletionNotification:
		return protocol.DecodeMessageAs[ContactDeletionNotification](rm)
	case msgInitiateContactDowngrade:
		return protocol.DecodeMessageAs[InitiateContactDowngrade](rm)
	case msgContactDowngradeNotification:
		return protocol.DecodeMessageAs[ContactDowngradeNotification](rm)
	case msgPropagateContactDowngrade:
		return protocol.DecodeMessageAs[PropagateContactDowngrade](rm)
	case msgPerformContactDeviceDiscovery:
		return protocol.DecodeMessageAs[PerformContactDeviceDiscovery](rm)
	case msgInitiateContactUpgrade:
		return protocol.DecodeMessageAs[InitiateContactUpgrade](rm)
	case msgPropagateContactUpgrade:
		return protocol.DecodeMessageAs[PropagateContactUpgrade](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Definition) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("DeleteContact", protocol.Local, deleteContact),
			protocol.NewStep("ProcessPropagatedContactDeletion",
				protocol.AnyObliviousChannelWithOwnedDevice, processPropagatedContactDeletion),
			protocol.NewStep("ProcessContactDeletionNotification",
				protocol.AnyObliviousChannelWithContact, processContactDeletionNotification),
			protocol.NewStep("DowngradeContact", protocol.Local, downgradeContact),
			protocol.NewStep("ProcessContactDowngradeNotification",
				protocol.AnyObliviousChannelWithContact, processContactDowngradeNotification),
			protocol.NewStep("ProcessPropagatedContactDowngrade",
				protocol.AnyObliviousChannelWithOwnedDevice, processPropagatedContactDowngrade),
			protocol.NewStep("PerformContactDeviceDiscovery",
				protocol.AnyObliviousOrPreKeyChannel, performContactDeviceDiscovery),
			protocol.NewStep("UpgradeContact", protocol.Local, upgradeContact),
			protocol.NewStep("ProcessPropagatedContactUpgrade",
				protocol.AnyObliviousChannelWithOwnedDevice, processPropagatedContactUpgrade),
		}
	}
	return nil
}

// propagate sends msg to the other owned devices, if there are any.
func propagate(sc *protocol.StepContext, msg protocol.Message) error {
	others, err := sc.HasOtherOwnedDevices()
	if err != nil || !others {
		return err
	}
	_, err = sc.PostBestEffort(protocol.ToOtherOwnedDevices(sc.Owned), msg)
	return err
}

// removeFromPendingGroups asks group management to remove contact from every
// owned group where it is a pending member.
func removeFromPendingGroups(sc *protocol.StepContext, groups []protocol.GroupV1, contact obvidentity.Identity) error {
	for _, g := range groups {
		msg := &extmsg.RemoveGroupMembers{
			GroupOwner: g.Owner,
			GroupUID:   g.UID,
			Members:    []obvidentity.Identity{contact},
		}
		if err := sc.PostLocal(protocol.GroupManagementID, extmsg.GroupInstanceUID(g), msg); err != nil {
			return err
		}
	}
	return nil
}

func deleteContact(sc *protocol.StepContext, st *Initial, msg *InitiateContactDeletion) (protocol.State, error) {
	id := sc.Delegates.Identity
	contact := msg.Contact
	exists, err := id.ContactExists(sc.Tx, sc.Owned, contact)
	if err != nil {
		return nil, err
	}
	if !exists {
		sc.Log.Debugf("Contact %s already deleted", contact.ShortLogID())
		return &Finished{}, nil
	}

	if err := propagate(sc, &PropagateContactDeletion{contactMessage{Contact: contact}}); err != nil {
		return nil, err
	}
	if _, err := sc.PostBestEffort(protocol.ToContact(contact), &ContactDeletionNotification{}); err != nil {
		return nil, err
	}

	// Channels are deleted while the contact still exists.
	if err := sc.Delegates.Channels.DeleteObliviousChannelsWithContact(sc.Tx, sc.Owned, contact); err != nil {
		return nil, err
	}

	groups, err := id.GroupsWherePendingMember(sc.Tx, sc.Owned, contact)
	if err != nil {
		return nil, err
	}
	if err := removeFromPendingGroups(sc, groups, contact); err != nil {
		return nil, err
	}

	if err := id.DeleteContact(sc.Tx, sc.Owned, contact, true); err != nil {
		return nil, fmt.Errorf("unable to delete contact %s: %w", contact.ShortLogID(), err)
	}
	sc.Log.Infof("Deleted contact %s", contact.ShortLogID())
	sc.Notify(protocol.ContactDeleted{Owned: sc.Owned, Contact: contact})
	return &Finished{}, nil
}

func processPropagatedContactDeletion(sc *protocol.StepContext, st *Initial, msg *PropagateContactDeletion) (protocol.State, error) {
	id := sc.Delegates.Identity
	exists, err := id.ContactExists(sc.Tx, sc.Owned, msg.Contact)
	if err != nil || !exists {
		return &Finished{}, err
	}
	if err := sc.Delegates.Channels.DeleteObliviousChannelsWithContact(sc.Tx, sc.Owned, msg.Contact); err != nil {
		return nil, err
	}
	if err := id.DeleteContact(sc.Tx, sc.Owned, msg.Contact, false); err != nil {
		return nil, err
	}
	sc.Log.Infof("Deleted contact %s after deletion on another device", msg.Contact.ShortLogID())
	sc.Notify(protocol.ContactDeleted{Owned: sc.Owned, Contact: msg.Contact})
	return &Finished{}, nil
}

func processContactDeletionNotification(sc *protocol.StepContext, st *Initial, msg *ContactDeletionNotification) (protocol.State, error) {
	id := sc.Delegates.Identity
	contact := sc.Channel.RemoteIdentity
	exists, err := id.ContactExists(sc.Tx, sc.Owned, contact)
	if err != nil || !exists {
		return &Finished{}, err
	}

	// The contact already destroyed its side of the channels.
	if err := sc.Delegates.Channels.DeleteObliviousChannelsWithContact(sc.Tx, sc.Owned, contact); err != nil {
		return nil, err
	}

	owned, err := id.GroupsOwnedBy(sc.Tx, sc.Owned, contact)
	if err != nil {
		return nil, err
	}
	for _, g := range owned {
		if err := id.LeaveGroup(sc.Tx, sc.Owned, g); err != nil {
			sc.Log.Warnf("Unable to leave group %s owned by %s: %v",
				g.UID.ShortLogID(), contact.ShortLogID(), err)
		}
	}

	pending, err := id.GroupsWherePendingMember(sc.Tx, sc.Owned, contact)
	if err != nil {
		return nil, err
	}
	if err := id.DeleteContact(sc.Tx, sc.Owned, contact, true); err != nil {
		sc.Log.Warnf("Contact %s deleted us but could not be deleted: %v",
			contact.ShortLogID(), err)
		return &Finished{}, nil
	}
	if err := removeFromPendingGroups(sc, pending, contact); err != nil {
		return nil, err
	}
	sc.Log.Infof("Contact %s deleted us", contact.ShortLogID())
	sc.Notify(protocol.ContactDeleted{Owned: sc.Owned, Contact: contact})
	return &Finished{}, nil
}

// setOneToOne changes the one to one status of contact if it exists.
func setOneToOne(sc *protocol.StepContext, contact obvidentity.Identity, oneToOne bool) error {
	id := sc.Delegates.Identity
	exists, err := id.ContactExists(sc.Tx, sc.Owned, contact)
	if err != nil || !exists {
		return err
	}
	return id.SetContactOneToOne(sc.Tx, sc.Owned, contact, oneToOne)
}

func downgradeContact(sc *protocol.StepContext, st *Initial, msg *InitiateContactDowngrade) (protocol.State, error) {
	if err := propagate(sc, &PropagateContactDowngrade{contactMessage{Contact: msg.Contact}}); err != nil {
		return nil, err
	}
	if _, err := sc.PostBestEffort(protocol.ToContact(msg.Contact), &ContactDowngradeNotification{}); err != nil {
		return nil, err
	}
	if err := setOneToOne(sc, msg.Contact, false); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func processContactDowngradeNotification(sc *protocol.StepContext, st *Initial, msg *ContactDowngradeNotification) (protocol.State, error) {
	if err := setOneToOne(sc, sc.Channel.RemoteIdentity, false); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func processPropagatedContactDowngrade(sc *protocol.StepContext, st *Initial, msg *PropagateContactDowngrade) (protocol.State, error) {
	if err := setOneToOne(sc, msg.Contact, false); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func upgradeContact(sc *protocol.StepContext, st *Initial, msg *InitiateContactUpgrade) (protocol.State, error) {
	if err := propagate(sc, &PropagateContactUpgrade{contactMessage{Contact: msg.Contact}}); err != nil {
		return nil, err
	}
	if err := setOneToOne(sc, msg.Contact, true); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func processPropagatedContactUpgrade(sc *protocol.StepContext, st *Initial, msg *PropagateContactUpgrade) (protocol.State, error) {
	if err := setOneToOne(sc, msg.Contact, true); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func performContactDeviceDiscovery(sc *protocol.StepContext, st *Initial, msg *PerformContactDeviceDiscovery) (protocol.State, error) {
	contact := sc.Channel.RemoteIdentity
	exists, err := sc.Delegates.Identity.ContactExists(sc.Tx, sc.Owned, contact)
	if err != nil || !exists {
		return &Finished{}, err
	}
	start := &devicediscovery.Start{Contact: contact}
	if _, err := sc.StartProtocol(protocol.DeviceDiscoveryChildID, start); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}
