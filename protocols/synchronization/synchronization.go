// Package synchronization implements the synchronization of single items
// between the devices of an owned identity.
package synchronization

import (
	"fmt"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/protocol"
)

// DialogSyncItemToApply is the dialog under which atoms applied by the app
// are posted to the user interface.
const DialogSyncItemToApply = "SyncItemToApply"

const (
	stateInitial protocol.StateID = iota
	stateFinished
)

const (
	msgInitiateSingleItemSync protocol.MessageID = iota
	msgSingleItemSync
)

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// Finished is the final state.
type Finished struct{}

func (*Finished) StateID() protocol.StateID { return stateFinished }

type atomMessage struct {
	Atom protocol.SyncAtom
}

func (m *atomMessage) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Atom)
}

func (m *atomMessage) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Atom)
}

// InitiateSingleItemSync sends an atom to the other owned devices.
type InitiateSingleItemSync struct{ atomMessage }

func (*InitiateSingleItemSync) MessageID() protocol.MessageID { return msgInitiateSingleItemSync }

// NewSync returns the message that synchronizes atom.
func NewSync(atom protocol.SyncAtom) *InitiateSingleItemSync {
	return &InitiateSingleItemSync{atomMessage{Atom: atom}}
}

// SingleItemSync carries an atom to another owned device. It is also the
// message posted to the user interface for atoms applied by the app.
type SingleItemSync struct{ atomMessage }

func (*SingleItemSync) MessageID() protocol.MessageID { return msgSingleItemSync }

// Definition is the synchronization protocol.
type Definition struct{}

var _ protocol.Definition = (*Definition)(nil)

func (*Definition) ID() protocol.ID                  { return protocol.SynchronizationID }
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
	case msgInitiateSingleItemSync:
		return protocol.DecodeMessageAs[InitiateSingleItemSync](rm)
	case msgSingleItemSync:
		return protocol.DecodeMessageAs[SingleItemSync](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Definition) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("InitiateSingleItemSync", protocol.Local, initiateSingleItemSync),
			protocol.NewStep("ProcessSingleItemSync",
				protocol.AnyObliviousChannelWithOwnedDevice, processSingleItemSync),
		}
	}
	return nil
}

func initiateSingleItemSync(sc *protocol.StepContext, st *Initial, msg *InitiateSingleItemSync) (protocol.State, error) {
	others, err := sc.HasOtherOwnedDevices()
	if err != nil {
		return nil, err
	}
	if !others {
		return &Finished{}, nil
	}
	sync := &SingleItemSync{msg.atomMessage}
	if _, err := sc.PostBestEffort(protocol.ToOtherOwnedDevices(sc.Owned), sync); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func processSingleItemSync(sc *protocol.StepContext, st *Initial, msg *SingleItemSync) (protocol.State, error) {
	if msg.Atom.ForApp() {
		_, err := sc.Send(sc.Protocol, sc.InstanceUID, protocol.ToUserInterface(DialogSyncItemToApply), msg)
		if err != nil {
			return nil, err
		}
		return &Finished{}, nil
	}
	if err := sc.Delegates.Identity.ProcessSyncAtom(sc.Tx, sc.Owned, msg.Atom); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}
