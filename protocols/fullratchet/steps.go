package fullratchet

import (
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

// newRun generates a new ephemeral key pair and sends its public half to the
// remote device.
func newRun(sc *protocol.StepContext, remote obvidentity.Identity, dev obvidentity.UID, counter int64) (*AliceWaitingForK1, error) {
	eph, err := obvcrypto.GenerateEphemeralKeyPair(sc.Rand)
	if err != nil {
		return nil, err
	}
	msg := &AliceEphemeralKey{Public: eph.Public, Counter: counter}
	if err := sc.Post(protocol.ToDevices(remote, dev), msg); err != nil {
		return nil, err
	}
	return &AliceWaitingForK1{Remote: remote, Device: dev, Ephemeral: *eph, Counter: counter}, nil
}

func sendEphemeralKey(sc *protocol.StepContext, remote obvidentity.Identity, dev obvidentity.UID, counter int64) (protocol.State, error) {
	next, err := newRun(sc, remote, dev, counter)
	if err != nil {
		return nil, err
	}
	return next, nil
}

// checkInstance returns false when the instance is not the one of the channel
// with device dev of remote.
func checkInstance(sc *protocol.StepContext, remote obvidentity.Identity, dev obvidentity.UID) (bool, error) {
	current, err := sc.Delegates.Identity.CurrentDeviceUID(sc.Tx, sc.Owned)
	if err != nil {
		return false, err
	}
	if want := InstanceUID(sc.Owned, current, remote, dev); want != sc.InstanceUID {
		sc.Log.Warnf("Full ratchet with device %s of %s runs on instance %s instead of %s",
			dev.ShortLogID(), remote.ShortLogID(),
			sc.InstanceUID.ShortLogID(), want.ShortLogID())
		return false, nil
	}
	return true, nil
}

func aliceSendEphemeralKey(sc *protocol.StepContext, st *Initial, msg *Start) (protocol.State, error) {
	if ok, err := checkInstance(sc, msg.Remote, msg.Device); !ok || err != nil {
		return nil, err
	}
	counter, err := newCounter(sc.Rand)
	if err != nil {
		return nil, err
	}
	sc.Log.Debugf("Starting full ratchet with device %s of %s", msg.Device.ShortLogID(),
		msg.Remote.ShortLogID())
	return sendEphemeralKey(sc, msg.Remote, msg.Device, counter)
}

func aliceResendEphemeralKeyFromK1(sc *protocol.StepContext, st *AliceWaitingForK1, msg *Start) (protocol.State, error) {
	next, err := newRun(sc, st.Remote, st.Device, st.Counter+1)
	if err != nil {
		return nil, err
	}
	next.Responder = st.Responder
	return next, nil
}

func aliceResendEphemeralKeyFromAck(sc *protocol.StepContext, st *AliceWaitingForAck, msg *Start) (protocol.State, error) {
	return sendEphemeralKey(sc, st.Remote, st.Device, st.Counter+1)
}

// answerEphemeralKey encapsulates k1 for the ephemeral key of Alice and
// sends it along with a new ephemeral key of Bob.
func answerEphemeralKey(sc *protocol.StepContext, msg *AliceEphemeralKey) (protocol.State, error) {
	remote, dev := sc.Channel.RemoteIdentity, sc.Channel.RemoteDeviceUID
	eph, err := obvcrypto.GenerateEphemeralKeyPair(sc.Rand)
	if err != nil {
		return nil, err
	}
	c1, k1, err := obvcrypto.Encapsulate(sc.Rand, &msg.Public)
	if err != nil {
		return nil, err
	}
	reply := &BobEphemeralKeyAndK1{Public: eph.Public, C1: c1, Counter: msg.Counter}
	if err := sc.Post(protocol.ToDevices(remote, dev), reply); err != nil {
		return nil, err
	}
	return &BobWaitingForK2{
		Remote:    remote,
		Device:    dev,
		Ephemeral: *eph,
		K1:        k1,
		Counter:   msg.Counter,
	}, nil
}

func bobSendEphemeralKeyAndK1(sc *protocol.StepContext, st *Initial, msg *AliceEphemeralKey) (protocol.State, error) {
	if ok, err := checkInstance(sc, sc.Channel.RemoteIdentity, sc.Channel.RemoteDeviceUID); !ok || err != nil {
		return nil, err
	}
	return answerEphemeralKey(sc, msg)
}

func bobResendEphemeralKeyAndK1(sc *protocol.StepContext, st *BobWaitingForK2, msg *AliceEphemeralKey) (protocol.State, error) {
	if nonceOf(msg.Counter) == nonceOf(st.Counter) && msg.Counter <= st.Counter {
		return st, nil
	}
	return answerEphemeralKey(sc, msg)
}

// resolveCollision handles an ephemeral key received while also acting as
// Alice. The lower party keeps its run and the other one answers as Bob.
func resolveCollision(sc *protocol.StepContext, st protocol.State, remote obvidentity.Identity,
	dev obvidentity.UID, msg *AliceEphemeralKey) (protocol.State, error) {

	current, err := sc.Delegates.Identity.CurrentDeviceUID(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	if isLowerParty(sc.Owned, current, remote, dev) {
		return st, nil
	}
	sc.Log.Debugf("Concurrent full ratchet with device %s of %s, answering as Bob",
		dev.ShortLogID(), remote.ShortLogID())
	return answerEphemeralKey(sc, msg)
}

func aliceCollisionFromK1(sc *protocol.StepContext, st *AliceWaitingForK1, msg *AliceEphemeralKey) (protocol.State, error) {
	return resolveCollision(sc, st, st.Remote, st.Device, msg)
}

func aliceCollisionFromAck(sc *protocol.StepContext, st *AliceWaitingForAck, msg *AliceEphemeralKey) (protocol.State, error) {
	return resolveCollision(sc, st, st.Remote, st.Device, msg)
}

func aliceRecoverK1AndSendK2(sc *protocol.StepContext, st *AliceWaitingForK1, msg *BobEphemeralKeyAndK1) (protocol.State, error) {
	if msg.Counter != st.Counter {
		return st, nil
	}
	k1, err := obvcrypto.Decapsulate(&msg.C1, &st.Ephemeral.Private)
	if err != nil {
		sc.Log.Debugf("Unable to recover k1: %v", err)
		return &Cancelled{}, nil
	}
	c2, k2, err := obvcrypto.Encapsulate(sc.Rand, &msg.Public)
	if err != nil {
		return nil, err
	}
	if err := sc.Post(protocol.ToDevices(st.Remote, st.Device), &AliceK2{C2: c2, Counter: st.Counter}); err != nil {
		return nil, err
	}
	return &AliceWaitingForAck{
		Remote:  st.Remote,
		Device:  st.Device,
		Seed:    obvcrypto.CombineSeeds(&k1, &k2),
		Counter: st.Counter,
	}, nil
}

func aliceIgnoreStaleK1(sc *protocol.StepContext, st *AliceWaitingForAck, msg *BobEphemeralKeyAndK1) (protocol.State, error) {
	return st, nil
}

// bobRestartAsAlice starts a run as Alice while answering the remote device.
// The run being answered may be stale, so it is kept as the responder of the
// new state and still completes if k2 arrives.
func bobRestartAsAlice(sc *protocol.StepContext, st *BobWaitingForK2, msg *Start) (protocol.State, error) {
	counter, err := newCounter(sc.Rand)
	if err != nil {
		return nil, err
	}
	sc.Log.Debugf("Restarting full ratchet with device %s of %s as Alice",
		st.Device.ShortLogID(), st.Remote.ShortLogID())
	next, err := newRun(sc, st.Remote, st.Device, counter)
	if err != nil {
		return nil, err
	}
	next.Responder = st
	return next, nil
}

// recoverK2 derives the seed of the run answered by st and commits it as the
// receive seed. It returns false if k2 could not be recovered.
func recoverK2(sc *protocol.StepContext, st *BobWaitingForK2, msg *AliceK2) (bool, error) {
	k2, err := obvcrypto.Decapsulate(&msg.C2, &st.Ephemeral.Private)
	if err != nil {
		sc.Log.Debugf("Unable to recover k2: %v", err)
		return false, nil
	}
	seed := obvcrypto.CombineSeeds(&st.K1, &k2)
	err = sc.Delegates.Channels.UpdateObliviousChannelReceiveSeed(sc.Tx, sc.Owned,
		st.Remote, st.Device, seed)
	if err != nil {
		return false, err
	}
	if err := sc.Post(protocol.ToDevices(st.Remote, st.Device), &BobAck{Counter: st.Counter}); err != nil {
		return false, err
	}
	sc.Notify(protocol.FullRatchetCompleted{Owned: sc.Owned, Remote: st.Remote, Device: st.Device})
	return true, nil
}

func bobRecoverK2(sc *protocol.StepContext, st *BobWaitingForK2, msg *AliceK2) (protocol.State, error) {
	if msg.Counter != st.Counter {
		return st, nil
	}
	ok, err := recoverK2(sc, st, msg)
	switch {
	case err != nil:
		return nil, err
	case !ok:
		return &Cancelled{}, nil
	}
	return &FullRatchetDone{}, nil
}

// aliceRecoverResponderK2 completes the run answered before restarting as
// Alice. The remote device finished that run instead of answering ours, so
// ours is sent again.
func aliceRecoverResponderK2(sc *protocol.StepContext, st *AliceWaitingForK1, msg *AliceK2) (protocol.State, error) {
	if st.Responder == nil || msg.Counter != st.Responder.Counter {
		return st, nil
	}
	ok, err := recoverK2(sc, st.Responder, msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		next := *st
		next.Responder = nil
		return &next, nil
	}
	return sendEphemeralKey(sc, st.Remote, st.Device, st.Counter+1)
}

func aliceCommitSeed(sc *protocol.StepContext, st *AliceWaitingForAck, msg *BobAck) (protocol.State, error) {
	if msg.Counter != st.Counter {
		return st, nil
	}
	err := sc.Delegates.Channels.UpdateObliviousChannelSendSeed(sc.Tx, sc.Owned,
		st.Remote, st.Device, st.Seed)
	if err != nil {
		return nil, err
	}
	sc.Notify(protocol.FullRatchetCompleted{Owned: sc.Owned, Remote: st.Remote, Device: st.Device})
	return &FullRatchetDone{}, nil
}
