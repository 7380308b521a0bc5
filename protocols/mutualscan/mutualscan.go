// Package mutualscan implements trust establishment with a mutual scan.
//
// Bob scans the identity of Alice and displays a QR code with his identity
// and a signature over both identities. Alice scans it and sends the
// signature back to every device of Bob. Bob recognizes his own signature,
// adds Alice and answers each device of Alice with his details and devices.
// Alice adds Bob once the answer arrives. Both sides propagate the scan to
// their other devices. Processed signatures are logged so that each device
// handles a signature at most once.
package mutualscan

import (
	"fmt"
	"slices"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/devicediscovery"
)

const (
	stateInitial protocol.StateID = iota
	stateWaitingForConfirmation
	stateFinished
	stateCancelled
)

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// WaitingForConfirmation is the state of the devices of Alice until Bob
// confirms the scan. Propagated is set on the devices that did not scan.
type WaitingForConfirmation struct {
	Contact    obvidentity.Identity
	Signature  obvidentity.FixedSizeSignature
	Propagated bool
}

func (*WaitingForConfirmation) StateID() protocol.StateID { return stateWaitingForConfirmation }

// Finished is the final state of successful runs.
type Finished struct{}

func (*Finished) StateID() protocol.StateID { return stateFinished }

// Cancelled is the final state of runs with an invalid signature.
type Cancelled struct{}

func (*Cancelled) StateID() protocol.StateID { return stateCancelled }

// Definition is the mutual scan trust establishment protocol.
type Definition struct{}

var _ protocol.Definition = (*Definition)(nil)

func (*Definition) ID() protocol.ID              { return protocol.TrustEstablishmentMutualScanID }
func (*Definition) InitialState() protocol.State { return &Initial{} }
func (*Definition) EraseAfterFinal() bool        { return true }

func (*Definition) IsFinal(id protocol.StateID) bool {
	return id == stateFinished || id == stateCancelled
}

func (*Definition) DecodeState(id protocol.StateID, v encoded.Value) (protocol.State, error) {
	switch id {
	case stateInitial:
		return protocol.DecodeStateAs[Initial](v)
	case stateWaitingForConfirmation:
		return protocol.DecodeStateAs[WaitingForConfirmation](v)
	case stateFinished:
		return protocol.DecodeStateAs[Finished](v)
	case stateCancelled:
		return protocol.DecodeStateAs[Cancelled](v)
	}
	return nil, fmt.Errorf("unknown state id %d", id)
}

func (*Definition) DecodeMessage(rm *protocol.ReceivedMessage) (protocol.Message, error) {
	switch rm.MessageID {
	case msgInitial:
		return protocol.DecodeMessageAs[Start](rm)
	case msgAliceSendsSignature:
		return protocol.DecodeMessageAs[AliceSendsSignature](rm)
	case msgAlicePropagatesQuery:
		return protocol.DecodeMessageAs[AlicePropagatesQuery](rm)
	case msgBobSendsConfirmationAndDetails:
		return protocol.DecodeMessageAs[BobSendsConfirmationAndDetails](rm)
	case msgBobPropagatesSignature:
		return protocol.DecodeMessageAs[BobPropagatesSignature](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Definition) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("AliceSendsSignature", protocol.Local, aliceSendsSignature),
			protocol.NewStep("AliceProcessesPropagatedQuery",
				protocol.AnyObliviousChannelWithOwnedDevice, aliceProcessesPropagatedQuery),
			protocol.NewStep("BobChecksSignature", protocol.AsymmetricBroadcast, bobChecksSignature),
			protocol.NewStep("BobProcessesPropagatedSignature",
				protocol.AnyObliviousChannelWithOwnedDevice, bobProcessesPropagatedSignature),
			protocol.NewStep("AliceProcessesLateConfirmation",
				protocol.AsymmetricChannel, aliceProcessesLateConfirmation),
		}
	case *WaitingForConfirmation:
		return []protocol.Step{
			protocol.NewStep("AliceProcessesConfirmation",
				protocol.AsymmetricChannel, aliceProcessesConfirmation),
		}
	}
	return nil
}

// ownDetails returns the encoded published details of the owned identity.
func ownDetails(sc *protocol.StepContext) ([]byte, error) {
	details, err := sc.Delegates.Identity.OwnedPublishedDetails(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	return details.Details.Marshal()
}

// ownDevices returns the uids of every device of the owned identity.
func ownDevices(sc *protocol.StepContext) ([]obvidentity.UID, error) {
	devices, err := sc.Delegates.Identity.OwnedDevices(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	uids := make([]obvidentity.UID, len(devices))
	for i := range devices {
		uids[i] = devices[i].UID
	}
	return uids, nil
}

// logSignature records sig. It returns false if sig was already processed.
func logSignature(sc *protocol.StepContext, sig *obvidentity.FixedSizeSignature) (bool, error) {
	log := sc.Delegates.Signatures
	seen, err := log.HasMutualScanSignature(sc.Tx, sc.Owned, sig[:])
	if err != nil || seen {
		return false, err
	}
	return true, log.StoreMutualScanSignature(sc.Tx, sc.Owned, sig[:])
}

// trustContact adds contact as a one to one contact or, if it already is a
// contact, records the mutual scan as an additional trust origin.
func trustContact(sc *protocol.StepContext, contact obvidentity.Identity,
	details []byte, devices []obvidentity.UID) error {

	id := sc.Delegates.Identity
	origin := protocol.TrustOrigin{Kind: protocol.TrustOriginMutualScan, Timestamp: sc.Time()}
	exists, err := id.ContactExists(sc.Tx, sc.Owned, contact)
	if err != nil {
		return err
	}
	if exists {
		if err := id.AddTrustOrigin(sc.Tx, sc.Owned, contact, origin); err != nil {
			return err
		}
		if err := id.SetContactOneToOne(sc.Tx, sc.Owned, contact, true); err != nil {
			return err
		}
	} else {
		if err := id.AddContact(sc.Tx, sc.Owned, contact, origin, details, true); err != nil {
			return err
		}
		sc.Log.Infof("Added contact %s after mutual scan", contact.ShortLogID())
		start := &devicediscovery.Start{Contact: contact}
		if _, err := sc.StartProtocol(protocol.DeviceDiscoveryChildID, start); err != nil {
			return err
		}
	}
	return augmentContact(sc, contact, details, devices)
}

// augmentContact adds the devices of contact that are not known yet and
// stores its details.
func augmentContact(sc *protocol.StepContext, contact obvidentity.Identity,
	details []byte, devices []obvidentity.UID) error {

	id := sc.Delegates.Identity
	known, err := id.ContactDeviceUIDs(sc.Tx, sc.Owned, contact)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if slices.Contains(known, dev) {
			continue
		}
		if err := id.AddContactDevice(sc.Tx, sc.Owned, contact, dev); err != nil {
			return err
		}
		known = append(known, dev)
	}
	return applyDetails(sc, contact, details)
}

// applyDetails stores the details published by contact. Undecodable details
// are dropped.
func applyDetails(sc *protocol.StepContext, contact obvidentity.Identity, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	details, err := obvidentity.UnmarshalDetails(raw)
	if err != nil {
		sc.Log.Warnf("Invalid details from %s: %v", contact.ShortLogID(), err)
		return nil
	}
	return sc.Delegates.Identity.SetContactPublishedDetails(sc.Tx, sc.Owned, contact, details)
}

func propagate(sc *protocol.StepContext, msg protocol.Message) error {
	others, err := sc.HasOtherOwnedDevices()
	if err != nil || !others {
		return err
	}
	_, err = sc.PostBestEffort(protocol.ToOtherOwnedDevices(sc.Owned), msg)
	return err
}

func aliceSendsSignature(sc *protocol.StepContext, st *Initial, msg *Start) (protocol.State, error) {
	bob := msg.Contact
	if bob == sc.Owned || !Verify(sc.Owned, bob, &msg.Signature) {
		sc.Log.Warnf("Invalid mutual scan signature from %s", bob.ShortLogID())
		return &Cancelled{}, nil
	}
	fresh, err := logSignature(sc, &msg.Signature)
	if err != nil {
		return nil, err
	}
	if !fresh {
		sc.Log.Debugf("Mutual scan of %s already processed", bob.ShortLogID())
		return &Finished{}, nil
	}

	details, err := ownDetails(sc)
	if err != nil {
		return nil, err
	}
	devices, err := ownDevices(sc)
	if err != nil {
		return nil, err
	}
	send := &AliceSendsSignature{Signature: msg.Signature, Details: details, Devices: devices}
	if err := sc.Post(protocol.ToBroadcast(bob), send); err != nil {
		return nil, err
	}
	if err := propagate(sc, &AlicePropagatesQuery{Contact: bob, Signature: msg.Signature}); err != nil {
		return nil, err
	}
	return &WaitingForConfirmation{Contact: bob, Signature: msg.Signature}, nil
}

func aliceProcessesPropagatedQuery(sc *protocol.StepContext, st *Initial, msg *AlicePropagatesQuery) (protocol.State, error) {
	if !Verify(sc.Owned, msg.Contact, &msg.Signature) {
		sc.Log.Warnf("Invalid propagated mutual scan signature")
		return &Cancelled{}, nil
	}
	fresh, err := logSignature(sc, &msg.Signature)
	if err != nil {
		return nil, err
	}
	if !fresh {
		// A confirmation of Bob got here first.
		return &Finished{}, nil
	}
	return &WaitingForConfirmation{
		Contact:    msg.Contact,
		Signature:  msg.Signature,
		Propagated: true,
	}, nil
}

func bobChecksSignature(sc *protocol.StepContext, st *Initial, msg *AliceSendsSignature) (protocol.State, error) {
	alice := sc.Channel.RemoteIdentity
	if !Verify(alice, sc.Owned, &msg.Signature) {
		sc.Log.Warnf("Mutual scan signature from %s was not made by us", alice.ShortLogID())
		return &Cancelled{}, nil
	}
	fresh, err := logSignature(sc, &msg.Signature)
	if err != nil {
		return nil, err
	}
	if !fresh {
		sc.Log.Debugf("Mutual scan signature from %s already processed", alice.ShortLogID())
		return &Finished{}, nil
	}
	if err := trustContact(sc, alice, msg.Details, msg.Devices); err != nil {
		return nil, err
	}

	details, err := ownDetails(sc)
	if err != nil {
		return nil, err
	}
	devices, err := ownDevices(sc)
	if err != nil {
		return nil, err
	}
	conf := &BobSendsConfirmationAndDetails{
		Signature: msg.Signature,
		Details:   details,
		Devices:   devices,
	}
	if err := sc.Post(protocol.ToAsymmetric(alice, msg.Devices...), conf); err != nil {
		return nil, err
	}
	prop := &BobPropagatesSignature{
		Contact:   alice,
		Signature: msg.Signature,
		Details:   msg.Details,
		Devices:   msg.Devices,
	}
	if err := propagate(sc, prop); err != nil {
		return nil, err
	}

	sc.Notify(protocol.MutualScanContactAdded{
		Owned:     sc.Owned,
		Contact:   alice,
		Signature: msg.Signature[:],
	})
	return &Finished{}, nil
}

func bobProcessesPropagatedSignature(sc *protocol.StepContext, st *Initial, msg *BobPropagatesSignature) (protocol.State, error) {
	if !Verify(msg.Contact, sc.Owned, &msg.Signature) {
		sc.Log.Warnf("Invalid propagated mutual scan signature")
		return &Cancelled{}, nil
	}
	fresh, err := logSignature(sc, &msg.Signature)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return &Finished{}, nil
	}
	if err := trustContact(sc, msg.Contact, msg.Details, msg.Devices); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}

func aliceProcessesConfirmation(sc *protocol.StepContext, st *WaitingForConfirmation, msg *BobSendsConfirmationAndDetails) (protocol.State, error) {
	if sc.Channel.RemoteIdentity != st.Contact || msg.Signature != st.Signature {
		return st, nil
	}
	if err := trustContact(sc, st.Contact, msg.Details, msg.Devices); err != nil {
		return nil, err
	}
	if !st.Propagated {
		sc.Notify(protocol.MutualScanContactAdded{
			Owned:     sc.Owned,
			Contact:   st.Contact,
			Signature: st.Signature[:],
		})
	}
	return &Finished{}, nil
}

// aliceProcessesLateConfirmation handles confirmations received by devices
// of Alice that are not waiting for one: devices that already processed the
// confirmation of another device of Bob, and devices where the confirmation
// arrived before the propagated scan.
func aliceProcessesLateConfirmation(sc *protocol.StepContext, st *Initial, msg *BobSendsConfirmationAndDetails) (protocol.State, error) {
	bob := sc.Channel.RemoteIdentity
	if !Verify(sc.Owned, bob, &msg.Signature) {
		sc.Log.Warnf("Invalid mutual scan confirmation from %s", bob.ShortLogID())
		return &Cancelled{}, nil
	}
	fresh, err := logSignature(sc, &msg.Signature)
	if err != nil {
		return nil, err
	}
	if fresh {
		if err := trustContact(sc, bob, msg.Details, msg.Devices); err != nil {
			return nil, err
		}
		return &Finished{}, nil
	}

	exists, err := sc.Delegates.Identity.ContactExists(sc.Tx, sc.Owned, bob)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &Finished{}, nil
	}
	if err := augmentContact(sc, bob, msg.Details, msg.Devices); err != nil {
		return nil, err
	}
	return &Finished{}, nil
}
