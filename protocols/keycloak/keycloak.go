// Package keycloak implements the protocol that binds an owned identity to a
// keycloak server, or unbinds it, on every device of the identity.
package keycloak

import (
	"fmt"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/detailspub"
)

const (
	stateInitial protocol.StateID = iota
	stateFinished
)

const (
	msgOwnedIdentityKeycloakBinding protocol.MessageID = iota
	msgOwnedIdentityKeycloakUnbinding
	msgPropagateKeycloakBinding
	msgPropagateKeycloakUnbinding
)

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// Finished is the final state.
type Finished struct{}

func (*Finished) StateID() protocol.StateID { return stateFinished }

type bindingMessage struct {
	State protocol.KeycloakState
}

func (m *bindingMessage) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.State)
}

func (m *bindingMessage) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.State)
}

type emptyMessage struct{}

func (*emptyMessage) Inputs() ([]encoded.Value, error) { return nil, nil }

func (*emptyMessage) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs()
}

// OwnedIdentityKeycloakBinding binds the owned identity to a keycloak
// server.
type OwnedIdentityKeycloakBinding struct{ bindingMessage }

func (*OwnedIdentityKeycloakBinding) MessageID() protocol.MessageID {
	return msgOwnedIdentityKeycloakBinding
}

// NewBinding returns the message that binds the owned identity to state.
func NewBinding(state protocol.KeycloakState) *OwnedIdentityKeycloakBinding {
	return &OwnedIdentityKeycloakBinding{bindingMessage{State: state}}
}

// OwnedIdentityKeycloakUnbinding unbinds the owned identity from its
// keycloak server.
type OwnedIdentityKeycloakUnbinding struct{ emptyMessage }

func (*OwnedIdentityKeycloakUnbinding) MessageID() protocol.MessageID {
	return msgOwnedIdentityKeycloakUnbinding
}

// PropagateKeycloakBinding carries a binding to the other owned devices.
type PropagateKeycloakBinding struct{ bindingMessage }

func (*PropagateKeycloakBinding) MessageID() protocol.MessageID { return msgPropagateKeycloakBinding }

// PropagateKeycloakUnbinding carries an unbinding to the other owned
// devices.
type PropagateKeycloakUnbinding struct{ emptyMessage }

func (*PropagateKeycloakUnbinding) MessageID() protocol.MessageID {
	return msgPropagateKeycloakUnbinding
}

// Definition is the keycloak binding protocol.
type Definition struct{}

var _ protocol.Definition = (*Definition)(nil)

func (*Definition) ID() protocol.ID                  { return protocol.KeycloakBindingID }
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
	case msgOwnedIdentityKeycloakBinding:
		return protocol.DecodeMessageAs[OwnedIdentityKeycloakBinding](rm)
	case msgOwnedIdentityKeycloakUnbinding:
		return protocol.DecodeMessageAs[OwnedIdentityKeycloakUnbinding](rm)
	case msgPropagateKeycloakBinding:
		return protocol.DecodeMessageAs[PropagateKeycloakBinding](rm)
	case msgPropagateKeycloakUnbinding:
		return protocol.DecodeMessageAs[PropagateKeycloakUnbinding](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Definition) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("BindOwnedIdentity", protocol.Local, bindOwnedIdentity),
			protocol.NewStep("UnbindOwnedIdentity", protocol.Local, unbindOwnedIdentity),
			protocol.NewStep("ProcessPropagatedBinding",
				protocol.AnyObliviousChannelWithOwnedDevice, processPropagatedBinding),
			protocol.NewStep("ProcessPropagatedUnbinding",
				protocol.AnyObliviousChannelWithOwnedDevice, processPropagatedUnbinding),
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

func bind(sc *protocol.StepContext, state protocol.KeycloakState) error {
	if err := sc.Delegates.Identity.BindOwnedIdentityToKeycloak(sc.Tx, sc.Owned, state); err != nil {
		return err
	}
	sc.Log.Infof("Bound to keycloak server %s", state.ServerURL)
	sc.Notify(protocol.KeycloakSyncRequired{Owned: sc.Owned})
	return nil
}

func bindOwnedIdentity(sc *protocol.StepContext, st *Initial, msg *OwnedIdentityKeycloakBinding) (protocol.State, error) {
	if err := propagate(sc, &PropagateKeycloakBinding{msg.bindingMessage}); err != nil {
		return nil, err
	}
	if err := bind(sc, msg.State); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func processPropagatedBinding(sc *protocol.StepContext, st *Initial, msg *PropagateKeycloakBinding) (protocol.State, error) {
	if err := bind(sc, msg.State); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func unbindOwnedIdentity(sc *protocol.StepContext, st *Initial, msg *OwnedIdentityKeycloakUnbinding) (protocol.State, error) {
	if err := propagate(sc, &PropagateKeycloakUnbinding{}); err != nil {
		return nil, err
	}
	id := sc.Delegates.Identity
	if err := id.UnbindOwnedIdentityFromKeycloak(sc.Tx, sc.Owned); err != nil {
		return nil, err
	}
	sc.Log.Infof("Unbound from keycloak")

	// Details are managed by the identity again. Only the device that
	// unbound republishes them.
	details, err := id.OwnedPublishedDetails(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	publish := &detailspub.Publish{Version: details.Details.Version}
	if _, err := sc.StartProtocol(protocol.IdentityDetailsPublicationID, publish); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func processPropagatedUnbinding(sc *protocol.StepContext, st *Initial, msg *PropagateKeycloakUnbinding) (protocol.State, error) {
	if err := sc.Delegates.Identity.UnbindOwnedIdentityFromKeycloak(sc.Tx, sc.Owned); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}
