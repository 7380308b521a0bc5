package engine

import (
	"errors"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

// The ping protocol is used to exercise the engine. An instance is started
// with a local start message, sends a ping to a contact and finishes after
// receiving two pongs.

const pingProtocolID protocol.ID = 100

var errStepFailed = errors.New("step failed")

type pingInitial struct{}

func (*pingInitial) StateID() protocol.StateID { return 0 }

type pingWaiting struct {
	Peer  obvidentity.Identity
	Pongs int
}

func (*pingWaiting) StateID() protocol.StateID { return 1 }

type pingDone struct {
	Pongs int
}

func (*pingDone) StateID() protocol.StateID { return 2 }

type pingStart struct {
	Peer obvidentity.Identity
}

func (*pingStart) MessageID() protocol.MessageID      { return 0 }
func (m *pingStart) Inputs() ([]encoded.Value, error) { return encoded.EncodeAll(m.Peer) }
func (m *pingStart) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Peer)
}

type pingPong struct{}

func (*pingPong) MessageID() protocol.MessageID             { return 1 }
func (*pingPong) Inputs() ([]encoded.Value, error)          { return nil, nil }
func (*pingPong) Decode(rm *protocol.ReceivedMessage) error { return rm.DecodeInputs() }

type pingFail struct{}

func (*pingFail) MessageID() protocol.MessageID             { return 2 }
func (*pingFail) Inputs() ([]encoded.Value, error)          { return nil, nil }
func (*pingFail) Decode(rm *protocol.ReceivedMessage) error { return rm.DecodeInputs() }

type pingAbort struct{}

func (*pingAbort) MessageID() protocol.MessageID             { return 3 }
func (*pingAbort) Inputs() ([]encoded.Value, error)          { return nil, nil }
func (*pingAbort) Decode(rm *protocol.ReceivedMessage) error { return rm.DecodeInputs() }

// pingSpawn starts a child ping instance and notifies.
type pingSpawn struct {
	Peer obvidentity.Identity
}

func (*pingSpawn) MessageID() protocol.MessageID      { return 4 }
func (m *pingSpawn) Inputs() ([]encoded.Value, error) { return encoded.EncodeAll(m.Peer) }
func (m *pingSpawn) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Peer)
}

type pingNoop struct{}

func (*pingNoop) MessageID() protocol.MessageID             { return 5 }
func (*pingNoop) Inputs() ([]encoded.Value, error)          { return nil, nil }
func (*pingNoop) Decode(rm *protocol.ReceivedMessage) error { return rm.DecodeInputs() }

type pingSpawned struct {
	Child obvidentity.UID
}

func (pingSpawned) NotificationName() string { return "pingSpawned" }

type pingDef struct {
	erase     bool
	ambiguous bool
}

func (d *pingDef) ID() protocol.ID                  { return pingProtocolID }
func (d *pingDef) InitialState() protocol.State     { return &pingInitial{} }
func (d *pingDef) IsFinal(id protocol.StateID) bool { return id == 2 }
func (d *pingDef) EraseAfterFinal() bool            { return d.erase }

func (d *pingDef) DecodeState(id protocol.StateID, v encoded.Value) (protocol.State, error) {
	switch id {
	case 0:
		return protocol.DecodeStateAs[pingInitial](v)
	case 1:
		return protocol.DecodeStateAs[pingWaiting](v)
	case 2:
		return protocol.DecodeStateAs[pingDone](v)
	default:
		return nil, errors.New("unknown state")
	}
}

func (d *pingDef) DecodeMessage(rm *protocol.ReceivedMessage) (protocol.Message, error) {
	switch rm.MessageID {
	case 0:
		return protocol.DecodeMessageAs[pingStart](rm)
	case 1:
		return protocol.DecodeMessageAs[pingPong](rm)
	case 2:
		return protocol.DecodeMessageAs[pingFail](rm)
	case 3:
		return protocol.DecodeMessageAs[pingAbort](rm)
	case 4:
		return protocol.DecodeMessageAs[pingSpawn](rm)
	case 5:
		return protocol.DecodeMessageAs[pingNoop](rm)
	default:
		return nil, protocol.UnknownMessage(pingProtocolID, rm.MessageID)
	}
}

func (d *pingDef) Steps(st protocol.State) []protocol.Step {
	var steps []protocol.Step
	switch st.(type) {
	case *pingInitial:
		steps = []protocol.Step{
			protocol.NewStep("Start", protocol.Local, startPing),
			protocol.NewStep("Fail", protocol.Local, failPing),
			protocol.NewStep("Abort", protocol.Local, abortPing),
			protocol.NewStep("Spawn", protocol.Local, spawnPing),
		}
	case *pingWaiting:
		steps = []protocol.Step{
			protocol.NewStep("Pong", protocol.AnyObliviousChannel, receivePong),
			protocol.NewStep("Noop", protocol.Local, noopPing),
			protocol.NewStep("Abort", protocol.Local, abortWaitingPing),
		}
	}
	if d.ambiguous {
		steps = append(steps, steps...)
	}
	return steps
}

func startPing(sc *protocol.StepContext, st *pingInitial, msg *pingStart) (protocol.State, error) {
	if err := sc.Post(protocol.ToContact(msg.Peer), &pingPong{}); err != nil {
		return nil, err
	}
	return &pingWaiting{Peer: msg.Peer}, nil
}

func failPing(sc *protocol.StepContext, st *pingInitial, msg *pingFail) (protocol.State, error) {
	sc.Notify(pingSpawned{})
	return nil, errStepFailed
}

func abortPing(sc *protocol.StepContext, st *pingInitial, msg *pingAbort) (protocol.State, error) {
	return nil, nil
}

func abortWaitingPing(sc *protocol.StepContext, st *pingWaiting, msg *pingAbort) (protocol.State, error) {
	return nil, nil
}

func spawnPing(sc *protocol.StepContext, st *pingInitial, msg *pingSpawn) (protocol.State, error) {
	child, err := sc.StartProtocol(pingProtocolID, &pingStart{Peer: msg.Peer})
	if err != nil {
		return nil, err
	}
	sc.Notify(pingSpawned{Child: child})
	return &pingDone{}, nil
}

func receivePong(sc *protocol.StepContext, st *pingWaiting, msg *pingPong) (protocol.State, error) {
	if st.Pongs+1 >= 2 {
		return &pingDone{Pongs: st.Pongs + 1}, nil
	}
	return &pingWaiting{Peer: st.Peer, Pongs: st.Pongs + 1}, nil
}

func noopPing(sc *protocol.StepContext, st *pingWaiting, msg *pingNoop) (protocol.State, error) {
	return st, nil
}
