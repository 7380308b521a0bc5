package protocol

import (
	"github.com/companyzero/protoengine/encoded"
)

// Step is a transition bound to a (state type, message type, reception
// channel) triple.
type Step struct {
	Name        string
	Requirement ChannelRequirement

	accepts func(st State, msg Message) bool
	exec    func(sc *StepContext, st State, msg Message) (State, error)
}

// NewStep binds fn to the start state type S and message type M. fn returns
// the next state: the start state itself to ignore the message, nil to
// discard the instance, or a new state.
func NewStep[S State, M Message](name string, req ChannelRequirement,
	fn func(sc *StepContext, st S, msg M) (State, error)) Step {

	return Step{
		Name:        name,
		Requirement: req,
		accepts: func(st State, msg Message) bool {
			_, okState := st.(S)
			_, okMsg := msg.(M)
			return okState && okMsg
		},
		exec: func(sc *StepContext, st State, msg Message) (State, error) {
			return fn(sc, st.(S), msg.(M))
		},
	}
}

// Accepts returns true if the step can execute msg received through rci in
// state st.
func (s *Step) Accepts(st State, msg Message, rci ReceptionChannelInfo, sc *StepContext) bool {
	return s.accepts(st, msg) && s.Requirement.Matches(rci, sc.Owned)
}

// Definition declares a protocol.
type Definition interface {
	ID() ID

	// InitialState is the state of instances that have not yet
	// processed any message.
	InitialState() State

	// IsFinal returns true for the final state ids of the protocol.
	IsFinal(id StateID) bool

	// EraseAfterFinal returns true if the instance and its pending
	// messages are deleted once it reaches a final state. Otherwise the
	// instance is kept as a finished tombstone.
	EraseAfterFinal() bool

	DecodeState(id StateID, v encoded.Value) (State, error)
	DecodeMessage(rm *ReceivedMessage) (Message, error)

	// Steps returns the steps legal in st.
	Steps(st State) []Step
}

// DecodeStateAs decodes v into a new *T. It is a helper for DecodeState
// implementations.
func DecodeStateAs[T any, PT interface {
	*T
	State
}](v encoded.Value) (State, error) {
	st := PT(new(T))
	if err := v.Decode(st); err != nil {
		return nil, err
	}
	return st, nil
}

// DecodeMessageAs decodes the inputs of rm into a new *T. It is a helper for
// DecodeMessage implementations.
func DecodeMessageAs[T any, PT interface {
	*T
	Message
	Decode(rm *ReceivedMessage) error
}](rm *ReceivedMessage) (Message, error) {
	msg := PT(new(T))
	if err := msg.Decode(rm); err != nil {
		return nil, MalformedMessage(rm.Protocol, rm.MessageID, err)
	}
	return msg, nil
}
