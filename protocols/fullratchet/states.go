package fullratchet

import (
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

const (
	stateInitial protocol.StateID = iota
	stateAliceWaitingForK1
	stateBobWaitingForK2
	stateAliceWaitingForAck
	stateFullRatchetDone
	stateCancelled
)

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// AliceWaitingForK1 is the state of the initiator after it sent its
// ephemeral key. Responder is set when the device was answering a run of the
// remote device when it started its own.
type AliceWaitingForK1 struct {
	Remote    obvidentity.Identity
	Device    obvidentity.UID
	Ephemeral obvcrypto.EphemeralKeyPair
	Counter   int64
	Responder *BobWaitingForK2 `cbor:",omitempty"`
}

func (*AliceWaitingForK1) StateID() protocol.StateID { return stateAliceWaitingForK1 }

// BobWaitingForK2 is the state of the responder after it sent its ephemeral
// key and the encapsulation of k1.
type BobWaitingForK2 struct {
	Remote    obvidentity.Identity
	Device    obvidentity.UID
	Ephemeral obvcrypto.EphemeralKeyPair
	K1        obvidentity.FixedSizeSymmetricKey
	Counter   int64
}

func (*BobWaitingForK2) StateID() protocol.StateID { return stateBobWaitingForK2 }

// AliceWaitingForAck is the state of the initiator once it derived the new
// seed. The seed is committed when Bob acknowledges.
type AliceWaitingForAck struct {
	Remote  obvidentity.Identity
	Device  obvidentity.UID
	Seed    obvcrypto.Seed
	Counter int64
}

func (*AliceWaitingForAck) StateID() protocol.StateID { return stateAliceWaitingForAck }

// FullRatchetDone is the final state of a successful run.
type FullRatchetDone struct{}

func (*FullRatchetDone) StateID() protocol.StateID { return stateFullRatchetDone }

// Cancelled is the final state of a run aborted by a decapsulation failure.
type Cancelled struct{}

func (*Cancelled) StateID() protocol.StateID { return stateCancelled }
