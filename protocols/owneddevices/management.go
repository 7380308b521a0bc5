package owneddevices

import (
	"fmt"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/internal/strescape"
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/contactmgmt"
)

const (
	stateManagementInitial protocol.StateID = iota
	stateManagementQuerySent
	stateManagementFinished
)

const (
	msgSetOwnedDeviceName protocol.MessageID = iota
	msgDeactivateOwnedDevice
	msgSetUnexpiringOwnedDevice
	msgManagementQuery
)

// ManagementInitial is the state of new management instances.
type ManagementInitial struct{}

func (*ManagementInitial) StateID() protocol.StateID { return stateManagementInitial }

// ManagementQuerySent is the state while the server performs Action on
// Device.
type ManagementQuerySent struct {
	Action protocol.DeviceAction
	Device obvidentity.UID
}

func (*ManagementQuerySent) StateID() protocol.StateID { return stateManagementQuerySent }

// ManagementFinished is the final state of management instances.
type ManagementFinished struct{}

func (*ManagementFinished) StateID() protocol.StateID { return stateManagementFinished }

// SetOwnedDeviceName renames an owned device. The name is only readable by
// the owned identity.
type SetOwnedDeviceName struct {
	Device obvidentity.UID
	Name   string
}

func (*SetOwnedDeviceName) MessageID() protocol.MessageID { return msgSetOwnedDeviceName }

func (m *SetOwnedDeviceName) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Device, m.Name)
}

func (m *SetOwnedDeviceName) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Device, &m.Name)
}

// deviceMessage is the encoding of actions that only name a device.
type deviceMessage struct {
	Device obvidentity.UID
}

func (m *deviceMessage) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Device)
}

func (m *deviceMessage) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Device)
}

// DeactivateOwnedDevice deactivates an owned device on the server.
type DeactivateOwnedDevice struct{ deviceMessage }

func (*DeactivateOwnedDevice) MessageID() protocol.MessageID { return msgDeactivateOwnedDevice }

// SetUnexpiringOwnedDevice removes the expiration of an owned device.
type SetUnexpiringOwnedDevice struct{ deviceMessage }

func (*SetUnexpiringOwnedDevice) MessageID() protocol.MessageID { return msgSetUnexpiringOwnedDevice }

// NewDeactivateOwnedDevice returns the message that deactivates dev.
func NewDeactivateOwnedDevice(dev obvidentity.UID) *DeactivateOwnedDevice {
	return &DeactivateOwnedDevice{deviceMessage{Device: dev}}
}

// NewSetUnexpiringOwnedDevice returns the message that makes dev unexpiring.
func NewSetUnexpiringOwnedDevice(dev obvidentity.UID) *SetUnexpiringOwnedDevice {
	return &SetUnexpiringOwnedDevice{deviceMessage{Device: dev}}
}

// managementQueryResponse is the response to a device management query. Its
// contents are not used.
type managementQueryResponse struct{}

func (*managementQueryResponse) MessageID() protocol.MessageID             { return msgManagementQuery }
func (*managementQueryResponse) Inputs() ([]encoded.Value, error)          { return nil, nil }
func (*managementQueryResponse) Decode(rm *protocol.ReceivedMessage) error { return nil }

// Management is the owned device management protocol.
type Management struct{}

var _ protocol.Definition = (*Management)(nil)

func (*Management) ID() protocol.ID                  { return protocol.OwnedDeviceManagementID }
func (*Management) InitialState() protocol.State     { return &ManagementInitial{} }
func (*Management) IsFinal(id protocol.StateID) bool { return id == stateManagementFinished }
func (*Management) EraseAfterFinal() bool            { return true }

func (*Management) DecodeState(id protocol.StateID, v encoded.Value) (protocol.State, error) {
	switch id {
	case stateManagementInitial:
		return protocol.DecodeStateAs[ManagementInitial](v)
	case stateManagementQuerySent:
		return protocol.DecodeStateAs[ManagementQuerySent](v)
	case stateManagementFinished:
		return protocol.DecodeStateAs[ManagementFinished](v)
	}
	return nil, fmt.Errorf("unknown state id %d", id)
}

func (*Management) DecodeMessage(rm *protocol.ReceivedMessage) (protocol.Message, error) {
	switch rm.MessageID {
	case msgSetOwnedDeviceName:
		return protocol.DecodeMessageAs[SetOwnedDeviceName](rm)
	case msgDeactivateOwnedDevice:
		return protocol.DecodeMessageAs[DeactivateOwnedDevice](rm)
	case msgSetUnexpiringOwnedDevice:
		return protocol.DecodeMessageAs[SetUnexpiringOwnedDevice](rm)
	case msgManagementQuery:
		return protocol.DecodeMessageAs[managementQueryResponse](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Management) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *ManagementInitial:
		return []protocol.Step{
			protocol.NewStep("SetOwnedDeviceName", protocol.Local, setOwnedDeviceName),
			protocol.NewStep("DeactivateOwnedDevice", protocol.Local, deactivateOwnedDevice),
			protocol.NewStep("SetUnexpiringOwnedDevice", protocol.Local, setUnexpiringOwnedDevice),
		}
	case *ManagementQuerySent:
		return []protocol.Step{
			protocol.NewStep("ProcessDeviceManagementResponse",
				protocol.ServerQueryResponse, processDeviceManagementResponse),
		}
	}
	return nil
}

func postDeviceManagement(sc *protocol.StepContext, q *protocol.ServerQuery) (protocol.State, error) {
	q.Kind = protocol.QueryDeviceManagement
	if err := sc.PostServerQuery(q, msgManagementQuery); err != nil {
		return nil, err
	}
	sc.Log.Infof("Requested %s of owned device %s", q.Action, q.DeviceUID.ShortLogID())
	return &ManagementQuerySent{Action: q.Action, Device: q.DeviceUID}, nil
}

func setOwnedDeviceName(sc *protocol.StepContext, st *ManagementInitial, msg *SetOwnedDeviceName) (protocol.State, error) {
	name, err := obvcrypto.SealToPublicKey(sc.Rand, &sc.Owned.Key,
		[]byte(strescape.DeviceName(msg.Name)))
	if err != nil {
		return nil, err
	}
	return postDeviceManagement(sc, &protocol.ServerQuery{
		Action:        protocol.DeviceActionSetName,
		DeviceUID:     msg.Device,
		EncryptedName: name,
	})
}

func deactivateOwnedDevice(sc *protocol.StepContext, st *ManagementInitial, msg *DeactivateOwnedDevice) (protocol.State, error) {
	return postDeviceManagement(sc, &protocol.ServerQuery{
		Action:    protocol.DeviceActionDeactivate,
		DeviceUID: msg.Device,
	})
}

func setUnexpiringOwnedDevice(sc *protocol.StepContext, st *ManagementInitial, msg *SetUnexpiringOwnedDevice) (protocol.State, error) {
	return postDeviceManagement(sc, &protocol.ServerQuery{
		Action:    protocol.DeviceActionSetUnexpiring,
		DeviceUID: msg.Device,
	})
}

func processDeviceManagementResponse(sc *protocol.StepContext, st *ManagementQuerySent, msg *managementQueryResponse) (protocol.State, error) {
	if _, err := sc.StartProtocol(protocol.OwnedDeviceDiscoveryID, &Start{}); err != nil {
		return nil, err
	}
	if st.Action != protocol.DeviceActionDeactivate {
		return &ManagementFinished{}, nil
	}

	// Contacts still hold channels with the deactivated device.
	contacts, err := sc.Delegates.Identity.Contacts(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	unreachable := 0
	for _, c := range contacts {
		outcome, err := sc.Send(protocol.ContactManagementID, obvidentity.NewUID(sc.Rand),
			protocol.ToContactObliviousOrPreKey(c), &contactmgmt.PerformContactDeviceDiscovery{})
		if err != nil {
			return nil, err
		}
		if outcome == protocol.Unreachable {
			unreachable++
		}
	}
	if unreachable > 0 {
		sc.Log.Warnf("Unable to ask %d of %d contacts to discover devices again",
			unreachable, len(contacts))
	}
	return &ManagementFinished{}, nil
}
