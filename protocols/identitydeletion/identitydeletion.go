// Package identitydeletion implements the deletion of an owned identity. When
// the identity is deleted everywhere, its groups are torn down and its
// contacts are told to delete it before the local data is wiped.
package identitydeletion

import (
	"fmt"
	"slices"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/contactmgmt"
	"github.com/companyzero/protoengine/protocols/extmsg"
)

const (
	stateInitial protocol.StateID = iota
	stateFinished
)

const (
	msgInitial protocol.MessageID = iota
	msgPropagateDeletion
)

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// Finished is the final state.
type Finished struct{}

func (*Finished) StateID() protocol.StateID { return stateFinished }

// Start deletes the owned identity. With DeleteEverywhere set, the other
// owned devices, the groups and the contacts of the identity are notified.
type Start struct {
	DeleteEverywhere bool
}

func (*Start) MessageID() protocol.MessageID { return msgInitial }

func (m *Start) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.DeleteEverywhere)
}

func (m *Start) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.DeleteEverywhere)
}

// PropagateDeletion tells the other owned devices to delete the identity.
type PropagateDeletion struct{}

func (*PropagateDeletion) MessageID() protocol.MessageID             { return msgPropagateDeletion }
func (*PropagateDeletion) Inputs() ([]encoded.Value, error)          { return nil, nil }
func (*PropagateDeletion) Decode(rm *protocol.ReceivedMessage) error { return rm.DecodeInputs() }

// Definition is the owned identity deletion protocol.
type Definition struct{}

var _ protocol.Definition = (*Definition)(nil)

func (*Definition) ID() protocol.ID                  { return protocol.OwnedIdentityDeletionID }
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
	case msgInitial:
		return protocol.DecodeMessageAs[Start](rm)
	case msgPropagateDeletion:
		return protocol.DecodeMessageAs[PropagateDeletion](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Definition) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("DeleteOwnedIdentity", protocol.Local, deleteOwnedIdentity),
			protocol.NewStep("ProcessPropagatedDeletion",
				protocol.AnyObliviousChannelWithOwnedDevice, processPropagatedDeletion),
		}
	}
	return nil
}

func deleteOwnedIdentity(sc *protocol.StepContext, st *Initial, msg *Start) (protocol.State, error) {
	if msg.DeleteEverywhere {
		others, err := sc.HasOtherOwnedDevices()
		if err != nil {
			return nil, err
		}
		if others {
			_, err := sc.PostBestEffort(protocol.ToOtherOwnedDevices(sc.Owned), &PropagateDeletion{})
			if err != nil {
				return nil, err
			}
		}
		if err := leaveGroups(sc); err != nil {
			return nil, err
		}
		if err := notifyContacts(sc); err != nil {
			return nil, err
		}
	}
	if err := wipe(sc); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func processPropagatedDeletion(sc *protocol.StepContext, st *Initial, msg *PropagateDeletion) (protocol.State, error) {
	if err := wipe(sc); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

// sendBestEffort sends msg to a new or existing instance of pid on the
// devices of contact and logs failed deliveries.
func sendBestEffort(sc *protocol.StepContext, pid protocol.ID, uid obvidentity.UID,
	contact obvidentity.Identity, msg protocol.Message) error {

	outcome, err := sc.Send(pid, uid, protocol.ToContactObliviousOrPreKey(contact), msg)
	if err != nil {
		return err
	}
	if outcome == protocol.Unreachable {
		sc.Log.Debugf("Unable to send %T to %s", msg, contact.ShortLogID())
	}
	return nil
}

// leaveGroups removes everyone from the groups owned by the identity and
// leaves the groups it joined.
func leaveGroups(sc *protocol.StepContext) error {
	id := sc.Delegates.Identity
	owned, err := id.OwnedGroups(sc.Tx, sc.Owned)
	if err != nil {
		return err
	}
	for _, g := range owned {
		kick := &extmsg.KickFromGroup{GroupOwner: g.Owner, GroupUID: g.UID}
		for _, m := range slices.Concat(g.Members, g.PendingMembers) {
			if m == sc.Owned {
				continue
			}
			err := sendBestEffort(sc, protocol.GroupManagementID, extmsg.GroupInstanceUID(g), m, kick)
			if err != nil {
				return err
			}
		}
	}

	joined, err := id.JoinedGroups(sc.Tx, sc.Owned)
	if err != nil {
		return err
	}
	for _, g := range joined {
		left := &extmsg.NotifyGroupLeft{GroupOwner: g.Owner, GroupUID: g.UID}
		err := sendBestEffort(sc, protocol.GroupManagementID, extmsg.GroupInstanceUID(g), g.Owner, left)
		if err != nil {
			return err
		}
	}
	if len(owned)+len(joined) > 0 {
		sc.Log.Infof("Left %d owned and %d joined groups", len(owned), len(joined))
	}
	return nil
}

func notifyContacts(sc *protocol.StepContext) error {
	contacts, err := sc.Delegates.Identity.Contacts(sc.Tx, sc.Owned)
	if err != nil {
		return err
	}
	for _, c := range contacts {
		err := sendBestEffort(sc, protocol.ContactManagementID, obvidentity.NewUID(sc.Rand), c,
			&contactmgmt.ContactDeletionNotification{})
		if err != nil {
			return err
		}
	}
	return nil
}

// wipe deletes the channels and then the identity itself.
func wipe(sc *protocol.StepContext) error {
	if err := sc.Delegates.Channels.DeleteAllChannelsForOwnedIdentity(sc.Tx, sc.Owned); err != nil {
		return err
	}
	if err := sc.Delegates.Identity.DeleteOwnedIdentity(sc.Tx, sc.Owned); err != nil {
		return err
	}
	sc.Log.Infof("Deleted owned identity %s", sc.Owned.ShortLogID())
	sc.Notify(protocol.OwnedIdentityDeleted{Owned: sc.Owned})
	return nil
}
