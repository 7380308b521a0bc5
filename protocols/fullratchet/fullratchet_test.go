package fullratchet

import (
	"testing"

	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/internal/mockdelegates"
	"github.com/companyzero/protoengine/internal/prototest"
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

const pid = protocol.FullRatchetID

var testDefs = []protocol.Definition{&Definition{}}

func newPair(t *testing.T) (*prototest.Device, *prototest.Device) {
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	return u, a
}

func instanceWith(d, remote *prototest.Device) obvidentity.UID {
	return InstanceUID(d.Identity(), d.UID, remote.Identity(), remote.UID)
}

func start(d, remote *prototest.Device) obvidentity.UID {
	uid := instanceWith(d, remote)
	d.PostLocal(pid, uid, &Start{Remote: remote.Identity(), Device: remote.UID})
	return uid
}

// routeAll exchanges messages between the two devices until none is left.
func routeAll(t *testing.T, u, a *prototest.Device) {
	t.Helper()
	for i := 0; i < 10; i++ {
		n := len(prototest.Route(t, u, a)) + len(prototest.Route(t, a, u))
		if n == 0 {
			return
		}
	}
	t.Fatal("devices did not settle")
}

// deliver hands om, posted by from, to the device to.
func deliver(t *testing.T, from, to *prototest.Device, om *protocol.OutboundMessage) {
	t.Helper()
	rm := om.ToReceived(obvidentity.NewUID(nil), to.Identity(),
		protocol.ObliviousReception(from.Identity(), from.UID), to.Clock.Now())
	if err := to.Receive(rm); err != nil {
		t.Fatal(err)
	}
}

func channelKey(d, remote *prototest.Device) mockdelegates.ChannelKey {
	return mockdelegates.ChannelKey{Owned: d.Identity(), Remote: remote.Identity(), Device: remote.UID}
}

// assertRatcheted asserts the send seed of alice matches the receive seed of
// bob.
func assertRatcheted(t *testing.T, alice, bob *prototest.Device) obvcrypto.Seed {
	t.Helper()
	sendSeed, ok := alice.Mocks.Channels.SendSeed(channelKey(alice, bob))
	if !ok {
		t.Fatalf("%s did not commit a send seed", alice.Name)
	}
	recvSeed, ok := bob.Mocks.Channels.ReceiveSeed(channelKey(bob, alice))
	if !ok {
		t.Fatalf("%s did not commit a receive seed", bob.Name)
	}
	assert.DeepEqual(t, sendSeed, recvSeed)
	return sendSeed
}

func TestInstanceUIDIsSymmetric(t *testing.T) {
	t.Parallel()
	u, a := newPair(t)
	assert.DeepEqual(t, instanceWith(u, a), instanceWith(a, u))

	u2 := prototest.NewSiblingDevice(t, "u2", u)
	if instanceWith(u2, a) == instanceWith(u, a) {
		t.Fatal("different devices share the same instance uid")
	}
}

func TestFullRatchetConverges(t *testing.T) {
	t.Parallel()
	u, a := newPair(t)
	uid := start(u, a)
	assert.IsType[*AliceWaitingForK1](t, u.State(pid, uid))

	assert.Len(t, prototest.Route(t, u, a), 1)
	assert.IsType[*BobWaitingForK2](t, a.State(pid, uid))
	assert.Len(t, prototest.Route(t, a, u), 1)
	assert.IsType[*AliceWaitingForAck](t, u.State(pid, uid))
	assert.Len(t, prototest.Route(t, u, a), 1)

	// Bob commits as soon as he derives the seed.
	if a.Instance(pid, uid) != nil {
		t.Fatal("bob instance was not erased")
	}
	if _, ok := a.Mocks.Channels.ReceiveSeed(channelKey(a, u)); !ok {
		t.Fatal("bob did not commit the receive seed")
	}
	if _, ok := u.Mocks.Channels.SendSeed(channelKey(u, a)); ok {
		t.Fatal("alice committed before the ack")
	}

	assert.Len(t, prototest.Route(t, a, u), 1)
	if u.Instance(pid, uid) != nil {
		t.Fatal("alice instance was not erased")
	}
	assertRatcheted(t, u, a)
	assert.Len(t, mockdelegates.NotificationsOf[protocol.FullRatchetCompleted](u.Mocks.Notifications), 1)
	assert.Len(t, mockdelegates.NotificationsOf[protocol.FullRatchetCompleted](a.Mocks.Notifications), 1)
}

func TestFullRatchetReplayedK1Ignored(t *testing.T) {
	t.Parallel()
	u, a := newPair(t)
	uid := start(u, a)
	prototest.Route(t, u, a)
	bobMsgs := prototest.Route(t, a, u)
	assert.Len(t, bobMsgs, 1)

	before := assert.IsType[*AliceWaitingForAck](t, u.State(pid, uid))
	assert.Len(t, u.Mocks.Channels.Sent(), 1)
	deliver(t, a, u, bobMsgs[0])
	assert.DeepEqual(t, u.State(pid, uid), protocol.State(before))
	assert.Len(t, u.Mocks.Channels.Sent(), 1)
	assert.Len(t, u.Pending(pid, uid), 0)

	routeAll(t, u, a)
	seed := assertRatcheted(t, u, a)
	assert.DeepEqual(t, seed, before.Seed)
}

func TestFullRatchetRestartCounter(t *testing.T) {
	t.Parallel()
	u, a := newPair(t)
	uid := start(u, a)
	first := assert.IsType[*AliceWaitingForK1](t, u.State(pid, uid))
	sent := u.Mocks.Channels.TakeSent()
	assert.Len(t, sent, 1)
	m0 := sent[0]

	start(u, a)
	second := assert.IsType[*AliceWaitingForK1](t, u.State(pid, uid))
	assert.DeepEqual(t, second.Counter, first.Counter+1)
	assert.DeepEqual(t, nonceOf(second.Counter), nonceOf(first.Counter))
	if second.Ephemeral.Public == first.Ephemeral.Public {
		t.Fatal("restart reused the ephemeral key")
	}
	sent = u.Mocks.Channels.TakeSent()
	assert.Len(t, sent, 1)
	m1 := sent[0]

	// Bob accepts the newest run, then ignores older and equal counters.
	deliver(t, u, a, m1)
	bob := assert.IsType[*BobWaitingForK2](t, a.State(pid, uid))
	assert.DeepEqual(t, bob.Counter, second.Counter)
	answers := a.Mocks.Channels.TakeSent()
	assert.Len(t, answers, 1)

	deliver(t, u, a, m0)
	deliver(t, u, a, m1)
	assert.DeepEqual(t, a.State(pid, uid), protocol.State(bob))
	assert.Len(t, a.Mocks.Channels.Sent(), 0)

	// The answer to the newest run completes the exchange.
	deliver(t, a, u, answers[0])
	routeAll(t, u, a)
	assertRatcheted(t, u, a)
}

func TestFullRatchetNewRunReplacesBobState(t *testing.T) {
	t.Parallel()
	u, a := newPair(t)
	uid := start(u, a)
	prototest.Route(t, u, a)
	first := assert.IsType[*BobWaitingForK2](t, a.State(pid, uid))
	a.Mocks.Channels.TakeSent()

	// Alice lost her state and starts over with a new nonce.
	if err := u.DB.Update(t.Context(), func(tx protocol.ReadWriteTx) error {
		return u.DB.DeleteInstance(tx, protocol.InstanceKey{Owned: u.Identity(), Protocol: pid, UID: uid})
	}); err != nil {
		t.Fatal(err)
	}
	start(u, a)
	prototest.Route(t, u, a)
	second := assert.IsType[*BobWaitingForK2](t, a.State(pid, uid))
	if second.Counter == first.Counter {
		t.Fatal("bob did not switch to the new run")
	}
	routeAll(t, u, a)
	assertRatcheted(t, u, a)
}

func TestFullRatchetConcurrentStarts(t *testing.T) {
	t.Parallel()
	u, a := newPair(t)
	uid := start(u, a)
	start(a, u)
	routeAll(t, u, a)

	if u.Instance(pid, uid) != nil || a.Instance(pid, uid) != nil {
		t.Fatal("instances did not finish")
	}
	alice, bob := u, a
	if !isLowerParty(u.Identity(), u.UID, a.Identity(), a.UID) {
		alice, bob = a, u
	}
	assertRatcheted(t, alice, bob)
	if _, ok := bob.Mocks.Channels.SendSeed(channelKey(bob, alice)); ok {
		t.Fatal("the higher party committed a send seed")
	}
}

func TestFullRatchetBadCiphertextCancels(t *testing.T) {
	t.Parallel()
	u, a := newPair(t)
	uid := start(u, a)
	prototest.Route(t, u, a)
	sent := a.Mocks.Channels.TakeSent()
	assert.Len(t, sent, 1)

	rm := sent[0].ToReceived(obvidentity.NewUID(nil), u.Identity(),
		protocol.ObliviousReception(a.Identity(), a.UID), u.Clock.Now())
	msg, err := (&Definition{}).DecodeMessage(rm)
	assert.NilErr(t, err)
	tampered := msg.(*BobEphemeralKeyAndK1)
	tampered.C1[0] ^= 0xff
	om, err := protocol.NewOutboundMessage(a.Identity(), pid, uid, sent[0].Send, tampered)
	assert.NilErr(t, err)

	deliver(t, a, u, om)
	if u.Instance(pid, uid) != nil {
		t.Fatal("cancelled instance was not erased")
	}
	assert.Len(t, u.Mocks.Channels.Sent(), 0)
	if _, ok := u.Mocks.Channels.SendSeed(channelKey(u, a)); ok {
		t.Fatal("cancelled run committed a seed")
	}
}

func TestFullRatchetWrongInstanceAborts(t *testing.T) {
	t.Parallel()
	u, a := newPair(t)
	u2 := prototest.NewSiblingDevice(t, "u2", u)
	uid := start(u, a)
	sent := u.Mocks.Channels.TakeSent()
	assert.Len(t, sent, 1)

	// The key of u reaches a as if sent by u2, whose channel with a has a
	// different instance.
	deliver(t, u2, a, sent[0])
	if a.Instance(pid, uid) != nil {
		t.Fatal("bob answered on the wrong instance")
	}
	assert.Len(t, a.Mocks.Channels.Sent(), 0)

	deliver(t, u, a, sent[0])
	assert.IsType[*BobWaitingForK2](t, a.State(pid, uid))
}

func TestFullRatchetStaleBobRestartsAsAlice(t *testing.T) {
	t.Parallel()
	u, a := newPair(t)
	uid := start(u, a)
	sent := u.Mocks.Channels.TakeSent()
	assert.Len(t, sent, 1)
	deliver(t, u, a, sent[0])
	routeAll(t, u, a)
	assertRatcheted(t, u, a)

	// A replay of the finished run leaves a waiting for a k2 that never
	// comes.
	deliver(t, u, a, sent[0])
	assert.IsType[*BobWaitingForK2](t, a.State(pid, uid))
	a.Mocks.Channels.TakeSent()

	start(a, u)
	st := assert.IsType[*AliceWaitingForK1](t, a.State(pid, uid))
	if st.Responder == nil {
		t.Fatal("restart dropped the run being answered")
	}
	routeAll(t, u, a)
	if a.Instance(pid, uid) != nil || u.Instance(pid, uid) != nil {
		t.Fatal("instances did not finish")
	}
	assertRatcheted(t, a, u)
}

func TestFullRatchetBobRestartCompletesAnsweredRun(t *testing.T) {
	t.Parallel()
	u, a := newPair(t)
	alice, bob := u, a
	if !isLowerParty(u.Identity(), u.UID, a.Identity(), a.UID) {
		alice, bob = a, u
	}
	uid := start(alice, bob)
	prototest.Route(t, alice, bob)
	assert.IsType[*BobWaitingForK2](t, bob.State(pid, uid))

	// The lower party keeps its run, so bob finishes answering it before
	// his own run goes through.
	start(bob, alice)
	routeAll(t, alice, bob)
	if alice.Instance(pid, uid) != nil || bob.Instance(pid, uid) != nil {
		t.Fatal("instances did not finish")
	}
	assertRatcheted(t, alice, bob)
	assertRatcheted(t, bob, alice)
	assert.Len(t, mockdelegates.NotificationsOf[protocol.FullRatchetCompleted](alice.Mocks.Notifications), 2)
	assert.Len(t, mockdelegates.NotificationsOf[protocol.FullRatchetCompleted](bob.Mocks.Notifications), 2)
}
