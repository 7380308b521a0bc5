// Package owneddevices implements the protocols that keep the list of devices
// of an owned identity in sync with the server: owned device discovery, which
// also maintains the pre-key of the current device, and owned device
// management.
package owneddevices

import (
	"fmt"
	"time"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

const (
	DefaultPreKeyValidity = 60 * 24 * time.Hour
	DefaultPreKeyRenewal  = 30 * 24 * time.Hour
)

const (
	stateDiscoveryInitial protocol.StateID = iota
	stateServerQuerySent
	stateDiscoveryFinished
	stateUploadingPreKey
)

const (
	msgDiscoveryInitial protocol.MessageID = iota
	msgServerQuery
	msgUploadPreKey
)

// DiscoveryConfig configures the pre-key lifecycle of the current device.
type DiscoveryConfig struct {
	// PreKeyValidity is how long a new pre-key is valid.
	PreKeyValidity time.Duration

	// PreKeyRenewal is how long before its expiration a pre-key is
	// replaced.
	PreKeyRenewal time.Duration
}

// DiscoveryInitial is the state of new discovery instances.
type DiscoveryInitial struct{}

func (*DiscoveryInitial) StateID() protocol.StateID { return stateDiscoveryInitial }

// ServerQuerySent is the state while the owned device list is fetched.
type ServerQuerySent struct{}

func (*ServerQuerySent) StateID() protocol.StateID { return stateServerQuerySent }

// UploadingPreKey is the state while a pre-key of the current device is
// uploaded.
type UploadingPreKey struct {
	KeyID obvidentity.UID
}

func (*UploadingPreKey) StateID() protocol.StateID { return stateUploadingPreKey }

// DiscoveryFinished is the final state of discovery instances.
type DiscoveryFinished struct{}

func (*DiscoveryFinished) StateID() protocol.StateID { return stateDiscoveryFinished }

// Start starts an owned device discovery.
type Start struct{}

func (*Start) MessageID() protocol.MessageID             { return msgDiscoveryInitial }
func (*Start) Inputs() ([]encoded.Value, error)          { return nil, nil }
func (*Start) Decode(rm *protocol.ReceivedMessage) error { return rm.DecodeInputs() }

// serverQueryResponse carries the sealed device list. Found is false on an
// empty or undecodable response.
type serverQueryResponse struct {
	Found       bool
	Sealed      []byte
	BadResponse error
}

func (*serverQueryResponse) MessageID() protocol.MessageID    { return msgServerQuery }
func (*serverQueryResponse) Inputs() ([]encoded.Value, error) { return nil, nil }

func (m *serverQueryResponse) Decode(rm *protocol.ReceivedMessage) error {
	if !rm.HasResponse() {
		return nil
	}
	if err := rm.DecodeResponse(&m.Sealed); err != nil {
		m.BadResponse = err
		return nil
	}
	m.Found = true
	return nil
}

// uploadPreKeyResponse reports whether the server stored the pre-key.
type uploadPreKeyResponse struct {
	Stored      bool
	BadResponse error
}

func (*uploadPreKeyResponse) MessageID() protocol.MessageID    { return msgUploadPreKey }
func (*uploadPreKeyResponse) Inputs() ([]encoded.Value, error) { return nil, nil }

func (m *uploadPreKeyResponse) Decode(rm *protocol.ReceivedMessage) error {
	if !rm.HasResponse() {
		return nil
	}
	if err := rm.DecodeResponse(&m.Stored); err != nil {
		m.BadResponse = err
	}
	return nil
}

// Discovery is the owned device discovery protocol.
type Discovery struct {
	cfg DiscoveryConfig
}

var _ protocol.Definition = (*Discovery)(nil)

// NewDiscovery returns the owned device discovery protocol. Zero durations
// in cfg are replaced by their defaults.
func NewDiscovery(cfg DiscoveryConfig) *Discovery {
	if cfg.PreKeyValidity == 0 {
		cfg.PreKeyValidity = DefaultPreKeyValidity
	}
	if cfg.PreKeyRenewal == 0 {
		cfg.PreKeyRenewal = DefaultPreKeyRenewal
	}
	return &Discovery{cfg: cfg}
}

func (d *Discovery) ID() protocol.ID                  { return protocol.OwnedDeviceDiscoveryID }
func (d *Discovery) InitialState() protocol.State     { return &DiscoveryInitial{} }
func (d *Discovery) IsFinal(id protocol.StateID) bool { return id == stateDiscoveryFinished }
func (d *Discovery) EraseAfterFinal() bool            { return true }

func (d *Discovery) DecodeState(id protocol.StateID, v encoded.Value) (protocol.State, error) {
	switch id {
	case stateDiscoveryInitial:
		return protocol.DecodeStateAs[DiscoveryInitial](v)
	case stateServerQuerySent:
		return protocol.DecodeStateAs[ServerQuerySent](v)
	case stateUploadingPreKey:
		return protocol.DecodeStateAs[UploadingPreKey](v)
	case stateDiscoveryFinished:
		return protocol.DecodeStateAs[DiscoveryFinished](v)
	}
	return nil, fmt.Errorf("unknown state id %d", id)
}

func (d *Discovery) DecodeMessage(rm *protocol.ReceivedMessage) (protocol.Message, error) {
	switch rm.MessageID {
	case msgDiscoveryInitial:
		return protocol.DecodeMessageAs[Start](rm)
	case msgServerQuery:
		return protocol.DecodeMessageAs[serverQueryResponse](rm)
	case msgUploadPreKey:
		return protocol.DecodeMessageAs[uploadPreKeyResponse](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (d *Discovery) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *DiscoveryInitial:
		return []protocol.Step{
			protocol.NewStep("SendServerQuery", protocol.Local, sendOwnedDeviceQuery),
		}
	case *ServerQuerySent:
		return []protocol.Step{
			protocol.NewStep("ProcessServerQuery", protocol.ServerQueryResponse, d.processDeviceList),
		}
	case *UploadingPreKey:
		return []protocol.Step{
			protocol.NewStep("ProcessPreKeyUpload", protocol.ServerQueryResponse, processPreKeyUpload),
		}
	}
	return nil
}

func sendOwnedDeviceQuery(sc *protocol.StepContext, st *DiscoveryInitial, msg *Start) (protocol.State, error) {
	q := &protocol.ServerQuery{Kind: protocol.QueryOwnedDeviceDiscovery}
	if err := sc.PostServerQuery(q, msgServerQuery); err != nil {
		return nil, err
	}
	return &ServerQuerySent{}, nil
}

func (d *Discovery) processDeviceList(sc *protocol.StepContext, st *ServerQuerySent, msg *serverQueryResponse) (protocol.State, error) {
	if msg.BadResponse != nil {
		sc.Log.Warnf("Invalid owned device discovery response: %v", msg.BadResponse)
		return &DiscoveryFinished{}, nil
	}
	if !msg.Found {
		sc.Log.Debugf("Owned device discovery query expired")
		return &DiscoveryFinished{}, nil
	}
	list, err := openServerDeviceList(sc, msg.Sealed)
	if err != nil {
		sc.Log.Warnf("Dropping owned device list: %v", err)
		return &DiscoveryFinished{}, nil
	}

	serverPreKey, err := reconcileOwnedDevices(sc, list)
	if err != nil {
		return nil, err
	}
	return d.maintainPreKey(sc, list.timestamp, serverPreKey)
}

// reconcileOwnedDevices applies the server list to the local list of owned
// devices. It returns the pre-key the server holds for the current device.
func reconcileOwnedDevices(sc *protocol.StepContext, list *serverDevices) (*obvcrypto.SignedPreKey, error) {
	id := sc.Delegates.Identity
	local, err := id.OwnedDevices(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}

	var serverPreKey *obvcrypto.SignedPreKey
	changed := false
	known := make(map[obvidentity.UID]struct{}, len(local))
	for i := range local {
		dev := &local[i]
		known[dev.UID] = struct{}{}
		remote, ok := list.devices.Get(dev.UID)
		switch {
		case !ok && dev.Current:
			// Never remove the running device. Registering again
			// lets the server either confirm it or deactivate it.
			sc.Log.Warnf("Current device missing from the server list")
			owned, push := sc.Owned, sc.Delegates.Push
			if push != nil {
				sc.AfterCommit(func() {
					if err := push.ForceRegisterPushNotification(owned, false); err != nil {
						sc.Log.Errorf("Unable to register push notifications: %v", err)
					}
				})
			}

		case !ok:
			sc.Log.Infof("Removing owned device %s", dev.UID.ShortLogID())
			if err := sc.Delegates.Channels.DeleteObliviousChannel(sc.Tx, sc.Owned, sc.Owned, dev.UID); err != nil {
				return nil, err
			}
			if err := id.RemoveOwnedDevice(sc.Tx, sc.Owned, dev.UID); err != nil {
				return nil, err
			}
			changed = true

		case dev.Current:
			serverPreKey = remote.PreKey

		default:
			preKey := dev.PreKey
			if acceptPreKey(sc, dev, remote.PreKey, list.timestamp) {
				preKey = remote.PreKey
			}
			if preKey == dev.PreKey && remote.Info == dev.Info {
				continue
			}
			sc.Log.Debugf("Updating owned device %s", dev.UID.ShortLogID())
			if err := id.UpdateOwnedDevice(sc.Tx, sc.Owned, dev.UID, remote.Info, preKey); err != nil {
				return nil, err
			}
			changed = true
		}
	}

	for pair := list.devices.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := known[pair.Key]; ok {
			continue
		}
		remote := pair.Value
		preKey := remote.PreKey
		if preKey != nil && !validPreKey(sc, remote.UID, preKey, list.timestamp) {
			preKey = nil
		}
		sc.Log.Infof("Adding owned device %s", remote.UID.ShortLogID())
		if err := id.AddOwnedDevice(sc.Tx, sc.Owned, remote.UID, remote.Info, preKey); err != nil {
			return nil, err
		}
		changed = true
	}

	if changed {
		sc.Notify(protocol.OwnedDevicesChanged{Owned: sc.Owned})
	}
	return serverPreKey, nil
}

// validPreKey returns true if pk is a pre-key of device signed by the owned
// identity that did not expire at serverTime.
func validPreKey(sc *protocol.StepContext, device obvidentity.UID, pk *obvcrypto.SignedPreKey, serverTime time.Time) bool {
	if err := pk.Verify(sc.Owned); err != nil {
		sc.Log.Warnf("Pre-key of owned device %s: %v", device.ShortLogID(), err)
		return false
	}
	if pk.DeviceUID != device {
		sc.Log.Warnf("Pre-key of owned device %s signed for device %s",
			device.ShortLogID(), pk.DeviceUID.ShortLogID())
		return false
	}
	return pk.Expiration > serverTime.UnixMilli()
}

// acceptPreKey returns true if pk replaces the pre-key stored for dev.
func acceptPreKey(sc *protocol.StepContext, dev *protocol.OwnedDevice, pk *obvcrypto.SignedPreKey, serverTime time.Time) bool {
	if pk == nil || !validPreKey(sc, dev.UID, pk, serverTime) {
		return false
	}
	if dev.PreKey == nil {
		return true
	}
	return pk.KeyID != dev.PreKey.KeyID && pk.Expiration > dev.PreKey.Expiration
}

// maintainPreKey expires old pre-keys of the current device and makes sure
// the server holds one that stays valid past the renewal margin.
func (d *Discovery) maintainPreKey(sc *protocol.StepContext, serverTime time.Time, onServer *obvcrypto.SignedPreKey) (protocol.State, error) {
	id := sc.Delegates.Identity
	if err := id.ExpireCurrentDevicePreKeys(sc.Tx, sc.Owned, serverTime); err != nil {
		return nil, err
	}
	latest, err := id.LatestCurrentDevicePreKey(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}

	threshold := serverTime.Add(d.cfg.PreKeyValidity - d.cfg.PreKeyRenewal).UnixMilli()
	var upload *obvcrypto.SignedPreKey
	switch {
	case latest != nil && latest.Expiration > threshold:
		if onServer != nil && onServer.KeyID == latest.KeyID {
			return &DiscoveryFinished{}, nil
		}
		sc.Log.Infof("Uploading pre-key %s again", latest.KeyID.ShortLogID())
		upload = latest

	default:
		upload, err = id.GenerateCurrentDevicePreKey(sc.Tx, sc.Owned, serverTime.Add(d.cfg.PreKeyValidity))
		if err != nil {
			return nil, err
		}
		sc.Log.Infof("Generated pre-key %s expiring on %s", upload.KeyID.ShortLogID(),
			upload.ExpirationTime().UTC().Format(time.DateOnly))
	}

	dev, err := id.CurrentDeviceUID(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	q := &protocol.ServerQuery{
		Kind:      protocol.QueryUploadPreKey,
		DeviceUID: dev,
		PreKey:    upload,
	}
	if err := sc.PostServerQuery(q, msgUploadPreKey); err != nil {
		return nil, err
	}
	return &UploadingPreKey{KeyID: upload.KeyID}, nil
}

func processPreKeyUpload(sc *protocol.StepContext, st *UploadingPreKey, msg *uploadPreKeyResponse) (protocol.State, error) {
	if msg.BadResponse != nil {
		sc.Log.Debugf("Invalid pre-key upload response: %v", msg.BadResponse)
	}
	if !msg.Stored {
		// The next discovery uploads it again.
		sc.Log.Warnf("Server did not store pre-key %s", st.KeyID.ShortLogID())
	}
	return &DiscoveryFinished{}, nil
}
