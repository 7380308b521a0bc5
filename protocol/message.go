package protocol

import (
	"fmt"
	"time"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
)

// State is a concrete state of a protocol. Each protocol declares a closed
// set of state types, one per StateID. States are always pointers to
// structs.
type State interface {
	StateID() StateID
}

// Message is a concrete message of a protocol. Each protocol declares a
// closed set of message types, one per MessageID.
type Message interface {
	MessageID() MessageID

	// Inputs returns the encoded inputs carried by the message.
	Inputs() ([]encoded.Value, error)
}

// InstanceKey identifies a protocol instance of an owned identity.
type InstanceKey struct {
	Owned    obvidentity.Identity
	Protocol ID
	UID      obvidentity.UID
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Owned.ShortLogID(), k.Protocol, k.UID.ShortLogID())
}

// Instance is the persisted state of a protocol instance.
type Instance struct {
	Owned        obvidentity.Identity
	Protocol     ID
	UID          obvidentity.UID
	StateID      StateID
	EncodedState encoded.Value
	Final        bool
	Updated      time.Time
}

// Key returns the key of the instance.
func (inst *Instance) Key() InstanceKey {
	return InstanceKey{Owned: inst.Owned, Protocol: inst.Protocol, UID: inst.UID}
}

// ReceivedMessage is an inbound message waiting to be processed by a
// protocol instance.
type ReceivedMessage struct {
	ID              obvidentity.UID
	Owned           obvidentity.Identity
	Protocol        ID
	InstanceUID     obvidentity.UID
	MessageID       MessageID
	Inputs          []encoded.Value
	EncodedResponse encoded.Value
	Channel         ReceptionChannelInfo
	Received        time.Time
}

// Key returns the key of the instance the message is addressed to.
func (rm *ReceivedMessage) Key() InstanceKey {
	return InstanceKey{Owned: rm.Owned, Protocol: rm.Protocol, UID: rm.InstanceUID}
}

// DecodeInputs decodes the message inputs into outs. The number of inputs
// must match the number of outs.
func (rm *ReceivedMessage) DecodeInputs(outs ...interface{}) error {
	return encoded.DecodeAll(rm.Inputs, outs...)
}

// DecodeResponse decodes the server query response into out. An empty
// response is not an error and leaves out untouched; callers check
// HasResponse first.
func (rm *ReceivedMessage) DecodeResponse(out interface{}) error {
	if rm.EncodedResponse.IsEmpty() {
		return nil
	}
	return rm.EncodedResponse.Decode(out)
}

// HasResponse returns true if the message carries a non-empty server query
// response.
func (rm *ReceivedMessage) HasResponse() bool {
	return !rm.EncodedResponse.IsEmpty()
}

// OutboundMessage is a message posted by a step.
type OutboundMessage struct {
	Owned       obvidentity.Identity
	Protocol    ID
	InstanceUID obvidentity.UID
	MessageID   MessageID
	Inputs      []encoded.Value
	Send        SendChannelInfo
}

// Key returns the key of the instance the message is addressed to.
func (om *OutboundMessage) Key() InstanceKey {
	return InstanceKey{Owned: om.Owned, Protocol: om.Protocol, UID: om.InstanceUID}
}

// ToReceived converts the outbound message into the message a recipient
// stores. owned is the recipient identity.
func (om *OutboundMessage) ToReceived(id obvidentity.UID, owned obvidentity.Identity,
	rci ReceptionChannelInfo, now time.Time) *ReceivedMessage {

	return &ReceivedMessage{
		ID:          id,
		Owned:       owned,
		Protocol:    om.Protocol,
		InstanceUID: om.InstanceUID,
		MessageID:   om.MessageID,
		Inputs:      om.Inputs,
		Channel:     rci,
		Received:    now,
	}
}

// NewOutboundMessage encodes msg into an outbound message.
func NewOutboundMessage(owned obvidentity.Identity, pid ID, uid obvidentity.UID,
	send SendChannelInfo, msg Message) (*OutboundMessage, error) {

	inputs, err := msg.Inputs()
	if err != nil {
		return nil, fmt.Errorf("unable to encode %T: %w", msg, err)
	}
	return &OutboundMessage{
		Owned:       owned,
		Protocol:    pid,
		InstanceUID: uid,
		MessageID:   msg.MessageID(),
		Inputs:      inputs,
		Send:        send,
	}, nil
}

// NewLocalMessage builds the ReceivedMessage that starts or drives an
// instance from the local device.
func NewLocalMessage(owned obvidentity.Identity, pid ID, uid obvidentity.UID,
	msg Message, now time.Time) (*ReceivedMessage, error) {

	om, err := NewOutboundMessage(owned, pid, uid, LocalSend(), msg)
	if err != nil {
		return nil, err
	}
	return om.ToReceived(obvidentity.NewUID(nil), owned, LocalReception(), now), nil
}
