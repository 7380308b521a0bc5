package protocol

import (
	"fmt"
)

// Outcome is the result of dispatching a message to an instance.
type Outcome int

const (
	// Transitioned means the step returned a new state.
	Transitioned Outcome = iota

	// Ignored means the step returned its start state.
	Ignored

	// Aborted means the step returned no state. The instance is
	// discarded.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Transitioned:
		return "transitioned"
	case Ignored:
		return "ignored"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the result of a successful dispatch.
type Result struct {
	Outcome Outcome
	Step    string

	// State is the new state. It is nil when the instance was aborted.
	State State

	// Final is set when State is a final state of the protocol.
	Final bool
}

// SelectStep returns the single step legal for msg in st. It fails with
// ErrNoMatchingStep when none matches and ErrAmbiguousStep when more than one
// does.
func SelectStep(sc *StepContext, def Definition, st State, msg Message) (*Step, error) {
	var match *Step
	steps := def.Steps(st)
	for i := range steps {
		if !steps[i].Accepts(st, msg, sc.Channel, sc) {
			continue
		}
		if match != nil {
			desc := fmt.Sprintf("steps %s and %s of %s both accept %T in %T",
				match.Name, steps[i].Name, def.ID(), msg, st)
			return nil, contextError(ErrAmbiguousStep, desc, nil)
		}
		match = &steps[i]
	}
	if match == nil {
		desc := fmt.Sprintf("no step of %s accepts %T in %T over %s",
			def.ID(), msg, st, sc.Channel)
		return nil, contextError(ErrNoMatchingStep, desc, nil)
	}
	return match, nil
}

// DecodeInstanceState returns the decoded state of inst, or the initial state
// of the protocol when inst is nil.
func DecodeInstanceState(def Definition, inst *Instance) (State, error) {
	if inst == nil {
		return def.InitialState(), nil
	}
	st, err := def.DecodeState(inst.StateID, inst.EncodedState)
	if err != nil {
		desc := fmt.Sprintf("unable to decode state %d of %s instance %s: %v",
			inst.StateID, def.ID(), inst.UID.ShortLogID(), err)
		return nil, contextError(ErrCorruptState, desc, err)
	}
	if st.StateID() != inst.StateID {
		desc := fmt.Sprintf("state %d of %s instance %s decoded as %T",
			inst.StateID, def.ID(), inst.UID.ShortLogID(), st)
		return nil, contextError(ErrCorruptState, desc, nil)
	}
	return st, nil
}

// DecodeReceivedMessage decodes rm with the message types of def.
func DecodeReceivedMessage(def Definition, rm *ReceivedMessage) (Message, error) {
	msg, err := def.DecodeMessage(rm)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		desc := fmt.Sprintf("message id %d is unknown to %s", rm.MessageID, def.ID())
		return nil, contextError(ErrUnknownMessage, desc, nil)
	}
	return msg, nil
}

// UnknownMessage returns the error DecodeMessage implementations return for
// undeclared message ids.
func UnknownMessage(pid ID, mid MessageID) error {
	desc := fmt.Sprintf("message id %d is unknown to %s", mid, pid)
	return contextError(ErrUnknownMessage, desc, nil)
}

// MalformedMessage wraps a decoding error of a message.
func MalformedMessage(pid ID, mid MessageID, err error) error {
	desc := fmt.Sprintf("malformed message %d of %s: %v", mid, pid, err)
	return contextError(ErrDecodeMessage, desc, err)
}

// Dispatch runs the single step of def legal for rm in state st. A nil inst
// means the instance does not exist yet.
func Dispatch(sc *StepContext, def Definition, inst *Instance, rm *ReceivedMessage) (*Result, error) {
	if inst != nil && inst.Final {
		desc := fmt.Sprintf("%s instance %s is final", def.ID(), inst.UID.ShortLogID())
		return nil, contextError(ErrFinalState, desc, nil)
	}
	st, err := DecodeInstanceState(def, inst)
	if err != nil {
		return nil, err
	}
	msg, err := DecodeReceivedMessage(def, rm)
	if err != nil {
		return nil, err
	}
	step, err := SelectStep(sc, def, st, msg)
	if err != nil {
		return nil, err
	}

	sc.Log.Tracef("Running step %s on %T with %T", step.Name, st, msg)
	next, err := step.exec(sc, st, msg)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.Name, err)
	}

	res := &Result{Step: step.Name, State: next}
	switch {
	case next == nil:
		res.Outcome = Aborted
	case next == st:
		res.Outcome = Ignored
	default:
		res.Outcome = Transitioned
		res.Final = def.IsFinal(next.StateID())
	}
	return res, nil
}

// NewInstanceState encodes st as the new persisted state of the instance
// identified by key.
func NewInstanceState(def Definition, key InstanceKey, st State) (*Instance, error) {
	enc, err := encodeState(st)
	if err != nil {
		return nil, fmt.Errorf("unable to encode %T: %w", st, err)
	}
	return &Instance{
		Owned:        key.Owned,
		Protocol:     key.Protocol,
		UID:          key.UID,
		StateID:      st.StateID(),
		EncodedState: enc,
		Final:        def.IsFinal(st.StateID()),
	}, nil
}
