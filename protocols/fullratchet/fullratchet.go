// Package fullratchet implements the full ratchet protocol, which replaces
// the seed of one direction of an oblivious channel with a seed derived from
// two fresh KEM exchanges.
//
// The initiator (Alice) and the responder (Bob) run the same instance, whose
// uid both derive from the identities and devices at the ends of the
// channel. Every run is tagged with a restart counter: the high bits are a
// random nonce chosen when Alice starts and the low bits count her restarts.
package fullratchet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

const (
	counterBits = 23
	nonceBits   = 40
)

// nonceOf returns the random prefix of a restart counter.
func nonceOf(counter int64) int64 {
	return counter >> counterBits
}

func newCounter(rnd io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(rnd, b[:5]); err != nil {
		return 0, err
	}
	nonce := binary.LittleEndian.Uint64(b[:]) & (1<<nonceBits - 1)
	return int64(nonce << counterBits), nil
}

// InstanceUID returns the uid of the full ratchet instance of the channel
// between device aDev of a and device bDev of b. Both ends compute the same
// uid.
func InstanceUID(a obvidentity.Identity, aDev obvidentity.UID, b obvidentity.Identity, bDev obvidentity.UID) obvidentity.UID {
	if !isLowerParty(a, aDev, b, bDev) {
		a, aDev, b, bDev = b, bDev, a, aDev
	}
	seed := make([]byte, 0, 256)
	seed = append(seed, a.Bytes()...)
	seed = append(seed, b.Bytes()...)
	seed = append(seed, aDev[:]...)
	seed = append(seed, bDev[:]...)

	var uid obvidentity.UID
	if _, err := io.ReadFull(obvcrypto.NewSeededPRNG(seed), uid[:]); err != nil {
		panic(err)
	}
	return uid
}

// isLowerParty returns true if (a, aDev) sorts before (b, bDev).
func isLowerParty(a obvidentity.Identity, aDev obvidentity.UID, b obvidentity.Identity, bDev obvidentity.UID) bool {
	if c := a.Compare(b); c != 0 {
		return c < 0
	}
	return aDev.Compare(bDev) < 0
}

// Definition is the full ratchet protocol.
type Definition struct{}

var _ protocol.Definition = (*Definition)(nil)

func (*Definition) ID() protocol.ID              { return protocol.FullRatchetID }
func (*Definition) InitialState() protocol.State { return &Initial{} }
func (*Definition) EraseAfterFinal() bool        { return true }

func (*Definition) IsFinal(id protocol.StateID) bool {
	return id == stateFullRatchetDone || id == stateCancelled
}

func (*Definition) DecodeState(id protocol.StateID, v encoded.Value) (protocol.State, error) {
	switch id {
	case stateInitial:
		return protocol.DecodeStateAs[Initial](v)
	case stateAliceWaitingForK1:
		return protocol.DecodeStateAs[AliceWaitingForK1](v)
	case stateBobWaitingForK2:
		return protocol.DecodeStateAs[BobWaitingForK2](v)
	case stateAliceWaitingForAck:
		return protocol.DecodeStateAs[AliceWaitingForAck](v)
	case stateFullRatchetDone:
		return protocol.DecodeStateAs[FullRatchetDone](v)
	case stateCancelled:
		return protocol.DecodeStateAs[Cancelled](v)
	}
	return nil, fmt.Errorf("unknown state id %d", id)
}

func (*Definition) DecodeMessage(rm *protocol.ReceivedMessage) (protocol.Message, error) {
	switch rm.MessageID {
	case msgInitial:
		return protocol.DecodeMessageAs[Start](rm)
	case msgAliceEphemeralKey:
		return protocol.DecodeMessageAs[AliceEphemeralKey](rm)
	case msgBobEphemeralKeyAndK1:
		return protocol.DecodeMessageAs[BobEphemeralKeyAndK1](rm)
	case msgAliceK2:
		return protocol.DecodeMessageAs[AliceK2](rm)
	case msgBobAck:
		return protocol.DecodeMessageAs[BobAck](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Definition) Steps(st protocol.State) []protocol.Step {
	switch st := st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("AliceSendEphemeralKey", protocol.Local, aliceSendEphemeralKey),
			protocol.NewStep("BobSendEphemeralKeyAndK1", protocol.AnyObliviousChannel, bobSendEphemeralKeyAndK1),
		}
	case *AliceWaitingForK1:
		channel := protocol.SpecificObliviousChannel(st.Remote, st.Device)
		steps := []protocol.Step{
			protocol.NewStep("AliceResendEphemeralKey", protocol.Local, aliceResendEphemeralKeyFromK1),
			protocol.NewStep("AliceCollision", channel, aliceCollisionFromK1),
			protocol.NewStep("AliceRecoverK1AndSendK2", channel, aliceRecoverK1AndSendK2),
		}
		if st.Responder != nil {
			steps = append(steps, protocol.NewStep("AliceRecoverResponderK2", channel, aliceRecoverResponderK2))
		}
		return steps
	case *BobWaitingForK2:
		channel := protocol.SpecificObliviousChannel(st.Remote, st.Device)
		return []protocol.Step{
			protocol.NewStep("BobRestartAsAlice", protocol.Local, bobRestartAsAlice),
			protocol.NewStep("BobResendEphemeralKeyAndK1", channel, bobResendEphemeralKeyAndK1),
			protocol.NewStep("BobRecoverK2", channel, bobRecoverK2),
		}
	case *AliceWaitingForAck:
		channel := protocol.SpecificObliviousChannel(st.Remote, st.Device)
		return []protocol.Step{
			protocol.NewStep("AliceResendEphemeralKey", protocol.Local, aliceResendEphemeralKeyFromAck),
			protocol.NewStep("AliceCollision", channel, aliceCollisionFromAck),
			protocol.NewStep("AliceIgnoreStaleK1", channel, aliceIgnoreStaleK1),
			protocol.NewStep("AliceCommitSeed", channel, aliceCommitSeed),
		}
	}
	return nil
}
