// Package devicediscovery implements the device discovery child protocol: it
// asks the server for the device list of a contact and reconciles the local
// list of devices of that contact with the answer.
package devicediscovery

import (
	"fmt"
	"slices"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/extmsg"
)

const (
	stateInitial protocol.StateID = iota
	stateWaitingForServerQuery
	stateFinished
)

const (
	msgInitial protocol.MessageID = iota
	msgServerQuery
)

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// WaitingForServerQuery is the state while the device list query is
// pending.
type WaitingForServerQuery struct {
	Contact obvidentity.Identity
}

func (*WaitingForServerQuery) StateID() protocol.StateID { return stateWaitingForServerQuery }

// Finished is the final state.
type Finished struct{}

func (*Finished) StateID() protocol.StateID { return stateFinished }

// Start starts the discovery of the devices of Contact.
type Start struct {
	Contact obvidentity.Identity
}

func (*Start) MessageID() protocol.MessageID { return msgInitial }

func (m *Start) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Contact)
}

func (m *Start) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Contact)
}

// DeviceList is the server response to a device discovery query.
type DeviceList struct {
	Devices []obvidentity.UID
}

// serverQueryResponse carries the response to the device discovery query.
// Found is false when the server answered with an empty response or with
// one that does not decode, in which case BadResponse is set.
type serverQueryResponse struct {
	Found       bool
	List        DeviceList
	BadResponse error
}

func (*serverQueryResponse) MessageID() protocol.MessageID    { return msgServerQuery }
func (*serverQueryResponse) Inputs() ([]encoded.Value, error) { return nil, nil }

func (m *serverQueryResponse) Decode(rm *protocol.ReceivedMessage) error {
	if !rm.HasResponse() {
		return nil
	}
	if err := rm.DecodeResponse(&m.List); err != nil {
		m.BadResponse = err
		return nil
	}
	m.Found = true
	return nil
}

// Definition is the device discovery child protocol.
type Definition struct{}

var _ protocol.Definition = (*Definition)(nil)

func (*Definition) ID() protocol.ID                  { return protocol.DeviceDiscoveryChildID }
func (*Definition) InitialState() protocol.State     { return &Initial{} }
func (*Definition) IsFinal(id protocol.StateID) bool { return id == stateFinished }
func (*Definition) EraseAfterFinal() bool            { return true }

func (*Definition) DecodeState(id protocol.StateID, v encoded.Value) (protocol.State, error) {
	switch id {
	case stateInitial:
		return protocol.DecodeStateAs[Initial](v)
	case stateWaitingForServerQuery:
		return protocol.DecodeStateAs[WaitingForServerQuery](v)
	case stateFinished:
		return protocol.DecodeStateAs[Finished](v)
	}
	return nil, fmt.Errorf("unknown state id %d", id)
}

func (*Definition) DecodeMessage(rm *protocol.ReceivedMessage) (protocol.Message, error) {
	switch rm.MessageID {
	case msgInitial:
		return protocol.DecodeMessageAs[Start](rm)
	case msgServerQuery:
		return protocol.DecodeMessageAs[serverQueryResponse](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Definition) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("SendServerQuery", protocol.Local, sendServerQuery),
		}
	case *WaitingForServerQuery:
		return []protocol.Step{
			protocol.NewStep("ProcessServerQuery", protocol.ServerQueryResponse, processServerQuery),
		}
	}
	return nil
}

func sendServerQuery(sc *protocol.StepContext, st *Initial, msg *Start) (protocol.State, error) {
	q := &protocol.ServerQuery{
		Kind:     protocol.QueryDeviceDiscovery,
		Identity: msg.Contact,
	}
	if err := sc.PostServerQuery(q, msgServerQuery); err != nil {
		return nil, err
	}
	return &WaitingForServerQuery{Contact: msg.Contact}, nil
}

func processServerQuery(sc *protocol.StepContext, st *WaitingForServerQuery, msg *serverQueryResponse) (protocol.State, error) {
	if msg.BadResponse != nil {
		sc.Log.Warnf("Invalid device list for %s: %v", st.Contact.ShortLogID(), msg.BadResponse)
		return &Finished{}, nil
	}
	if !msg.Found {
		sc.Log.Debugf("No device list for %s", st.Contact.ShortLogID())
		return &Finished{}, nil
	}

	id := sc.Delegates.Identity
	exists, err := id.ContactExists(sc.Tx, sc.Owned, st.Contact)
	if err != nil {
		return nil, err
	}
	if !exists {
		// The contact was deleted while the query was pending.
		return &Finished{}, nil
	}
	known, err := id.ContactDeviceUIDs(sc.Tx, sc.Owned, st.Contact)
	if err != nil {
		return nil, err
	}

	for _, dev := range known {
		if slices.Contains(msg.List.Devices, dev) {
			continue
		}
		sc.Log.Infof("Removing device %s of contact %s", dev.ShortLogID(),
			st.Contact.ShortLogID())
		if err := sc.Delegates.Channels.DeleteObliviousChannel(sc.Tx, sc.Owned, st.Contact, dev); err != nil {
			return nil, err
		}
		if err := id.RemoveContactDevice(sc.Tx, sc.Owned, st.Contact, dev); err != nil {
			return nil, err
		}
	}
	for _, dev := range msg.List.Devices {
		if slices.Contains(known, dev) {
			continue
		}
		sc.Log.Infof("Adding device %s of contact %s", dev.ShortLogID(),
			st.Contact.ShortLogID())
		if err := id.AddContactDevice(sc.Tx, sc.Owned, st.Contact, dev); err != nil {
			return nil, err
		}
		start := &extmsg.StartChannelCreationWithContactDevice{Contact: st.Contact, Device: dev}
		if _, err := sc.StartProtocol(protocol.ChannelCreationID, start); err != nil {
			return nil, err
		}
	}
	return &Finished{}, nil
}
