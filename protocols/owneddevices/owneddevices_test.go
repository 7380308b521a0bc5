package owneddevices

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/internal/mockdelegates"
	"github.com/companyzero/protoengine/internal/prototest"
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/contactmgmt"
)

func testDefs(cfg DiscoveryConfig) []protocol.Definition {
	return []protocol.Definition{NewDiscovery(cfg), &Management{}}
}

// sealedList seals the device list as the server would for d.
func sealedList(t *testing.T, d *prototest.Device, devs ...ServerDevice) []byte {
	t.Helper()
	list := &ServerDeviceList{
		ServerTimestamp: d.Clock.Now().UnixMilli(),
		Devices:         devs,
	}
	sealed, err := list.Seal(rand.Reader, d.Identity())
	assert.NilErr(t, err)
	return sealed
}

func newPreKey(t *testing.T, d *prototest.Device, dev obvidentity.UID, exp time.Time) *obvcrypto.SignedPreKey {
	t.Helper()
	spk, _, err := obvcrypto.NewSignedPreKey(rand.Reader, d.Owned, dev, exp)
	assert.NilErr(t, err)
	return spk
}

func ownedDevice(t *testing.T, d *prototest.Device, uid obvidentity.UID) *protocol.OwnedDevice {
	t.Helper()
	devs, err := d.Mocks.Identity.OwnedDevices(nil, d.Identity())
	assert.NilErr(t, err)
	for i := range devs {
		if devs[i].UID == uid {
			return &devs[i]
		}
	}
	return nil
}

// runDiscovery starts a discovery on d and answers its query with devs.
func runDiscovery(t *testing.T, d *prototest.Device, devs ...ServerDevice) obvidentity.UID {
	t.Helper()
	uid := d.Start(protocol.OwnedDeviceDiscoveryID, &Start{})
	q := d.Mocks.ServerQueries.Last()
	assert.DeepEqual(t, q.Kind, protocol.QueryOwnedDeviceDiscovery)
	assert.DeepEqual(t, q.InstanceUID, uid)
	d.AnswerQuery(q, sealedList(t, d, devs...))
	return uid
}

func TestReconcileOwnedDevices(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs(DiscoveryConfig{}))
	sib := prototest.NewSiblingDevice(t, "sib", u)
	stale := obvidentity.NewUID(nil)
	u.Mocks.Identity.AddTestOwnedDevice(u.Identity(), protocol.OwnedDevice{UID: stale})
	added := obvidentity.NewUID(nil)

	now := u.Clock.Now()
	sibPreKey := newPreKey(t, u, sib.UID, now.Add(10*24*time.Hour))
	sibInfo := protocol.ServerDeviceInfo{Name: "laptop", LastRegistration: now.UnixMilli()}
	uid := runDiscovery(t, u,
		ServerDevice{UID: u.UID},
		ServerDevice{UID: sib.UID, PreKey: sibPreKey, Info: sibInfo},
		ServerDevice{UID: added, Info: protocol.ServerDeviceInfo{Name: " phone\x00"}},
	)

	if ownedDevice(t, u, stale) != nil {
		t.Fatal("stale device was not removed")
	}
	assert.Contains(t, u.Mocks.Channels.Deletions(), mockdelegates.ChannelDeletion{
		Owned:  u.Identity(),
		Remote: u.Identity(),
		Device: stale,
	})
	gotSib := ownedDevice(t, u, sib.UID)
	assert.DeepEqual(t, gotSib.Info, sibInfo)
	assert.DeepEqual(t, gotSib.PreKey, sibPreKey)
	assert.DeepEqual(t, ownedDevice(t, u, added).Info.Name, "phone")
	assert.BoolIs(t, ownedDevice(t, u, u.UID).Current, true)
	assert.Len(t, mockdelegates.NotificationsOf[protocol.OwnedDevicesChanged](u.Mocks.Notifications), 1)

	// No pre-key was ever generated for the current device.
	assert.IsType[*UploadingPreKey](t, u.State(protocol.OwnedDeviceDiscoveryID, uid))
	q := u.Mocks.ServerQueries.Last()
	assert.DeepEqual(t, q.Kind, protocol.QueryUploadPreKey)
	assert.DeepEqual(t, q.DeviceUID, u.UID)
	assert.DeepEqual(t, q.PreKey.DeviceUID, u.UID)
	assert.DeepEqual(t, q.PreKey.Expiration, now.Add(DefaultPreKeyValidity).UnixMilli())
	assert.NilErr(t, q.PreKey.Verify(u.Identity()))

	u.AnswerQuery(q, true)
	if u.Instance(protocol.OwnedDeviceDiscoveryID, uid) != nil {
		t.Fatal("finished instance was not erased")
	}
}

func TestCurrentDeviceIsNeverRemoved(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs(DiscoveryConfig{}))
	runDiscovery(t, u)

	if ownedDevice(t, u, u.UID) == nil {
		t.Fatal("current device was removed")
	}
	assert.DeepEqual(t, u.Mocks.Push.Calls(), []mockdelegates.PushCall{{Owned: u.Identity()}})
	assert.Len(t, u.Mocks.Channels.Deletions(), 0)
}

func TestUnchangedDevicesAreNotWritten(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs(DiscoveryConfig{}))
	sib := prototest.NewSiblingDevice(t, "sib", u)
	cached := newPreKey(t, u, u.UID, u.Clock.Now().Add(50*24*time.Hour))
	u.Mocks.Identity.AddTestPreKey(u.Identity(), cached)

	// A pre-key signed by someone else is not accepted.
	other := prototest.NewDevice(t, "other", nil)
	forged := newPreKey(t, other, sib.UID, u.Clock.Now().Add(time.Hour))

	uid := runDiscovery(t, u,
		ServerDevice{UID: u.UID, PreKey: cached},
		ServerDevice{UID: sib.UID, PreKey: forged},
	)

	if ownedDevice(t, u, sib.UID).PreKey != nil {
		t.Fatal("forged pre-key was accepted")
	}
	assert.Len(t, mockdelegates.NotificationsOf[protocol.OwnedDevicesChanged](u.Mocks.Notifications), 0)

	// The server already holds the latest pre-key.
	assert.Len(t, u.Mocks.ServerQueries.Queries(), 1)
	if u.Instance(protocol.OwnedDeviceDiscoveryID, uid) != nil {
		t.Fatal("finished instance was not erased")
	}
}

func TestOlderPreKeyIsNotAccepted(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs(DiscoveryConfig{}))
	sibUID := obvidentity.NewUID(nil)
	now := u.Clock.Now()
	stored := newPreKey(t, u, sibUID, now.Add(20*24*time.Hour))
	u.Mocks.Identity.AddTestOwnedDevice(u.Identity(), protocol.OwnedDevice{UID: sibUID, PreKey: stored})

	older := newPreKey(t, u, sibUID, now.Add(10*24*time.Hour))
	runDiscovery(t, u, ServerDevice{UID: u.UID}, ServerDevice{UID: sibUID, PreKey: older})
	assert.DeepEqual(t, ownedDevice(t, u, sibUID).PreKey, stored)

	newer := newPreKey(t, u, sibUID, now.Add(30*24*time.Hour))
	runDiscovery(t, u, ServerDevice{UID: u.UID}, ServerDevice{UID: sibUID, PreKey: newer})
	assert.DeepEqual(t, ownedDevice(t, u, sibUID).PreKey, newer)
}

func TestPreKeyRotationBoundary(t *testing.T) {
	t.Parallel()
	cfg := DiscoveryConfig{
		PreKeyValidity: 10 * 24 * time.Hour,
		PreKeyRenewal:  4 * 24 * time.Hour,
	}
	tests := []struct {
		name       string
		offset     time.Duration
		regenerate bool
	}{{
		name:       "after threshold",
		offset:     time.Millisecond,
		regenerate: false,
	}, {
		name:       "before threshold",
		offset:     -time.Millisecond,
		regenerate: true,
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			u := prototest.NewDevice(t, "u", testDefs(cfg))
			now := u.Clock.Now()
			exp := now.Add(cfg.PreKeyValidity - cfg.PreKeyRenewal + tc.offset)
			cached := newPreKey(t, u, u.UID, exp)
			u.Mocks.Identity.AddTestPreKey(u.Identity(), cached)

			// The server does not hold any pre-key of the device.
			runDiscovery(t, u, ServerDevice{UID: u.UID})
			q := u.Mocks.ServerQueries.Last()
			assert.DeepEqual(t, q.Kind, protocol.QueryUploadPreKey)
			if !tc.regenerate {
				assert.DeepEqual(t, q.PreKey, cached)
				return
			}
			if q.PreKey.KeyID == cached.KeyID {
				t.Fatal("pre-key was not regenerated")
			}
			assert.DeepEqual(t, q.PreKey.Expiration, now.Add(cfg.PreKeyValidity).UnixMilli())
		})
	}
}

func TestExpiredPreKeysAreDiscarded(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs(DiscoveryConfig{}))
	expired := newPreKey(t, u, u.UID, u.Clock.Now().Add(-time.Hour))
	u.Mocks.Identity.AddTestPreKey(u.Identity(), expired)

	runDiscovery(t, u, ServerDevice{UID: u.UID, PreKey: expired})
	preKeys := u.Mocks.Identity.Owned(u.Identity()).PreKeys
	assert.Len(t, preKeys, 1)
	if preKeys[0].KeyID == expired.KeyID {
		t.Fatal("expired pre-key was kept")
	}
}

func TestUndecryptableDeviceListFinishes(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs(DiscoveryConfig{}))
	other := prototest.NewDevice(t, "other", nil)

	uid := u.Start(protocol.OwnedDeviceDiscoveryID, &Start{})
	u.AnswerQuery(u.Mocks.ServerQueries.Last(), sealedList(t, other))
	if u.Instance(protocol.OwnedDeviceDiscoveryID, uid) != nil {
		t.Fatal("finished instance was not erased")
	}
	assert.Len(t, u.Mocks.ServerQueries.Queries(), 1)
	assert.Len(t, u.Mocks.Push.Calls(), 0)
}

func TestMalformedDiscoveryResponsesFinish(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs(DiscoveryConfig{}))

	uid := u.Start(protocol.OwnedDeviceDiscoveryID, &Start{})
	u.AnswerQueryRaw(u.Mocks.ServerQueries.Last(), encoded.Value{0xff})
	if u.Instance(protocol.OwnedDeviceDiscoveryID, uid) != nil {
		t.Fatal("instance is still waiting for the device list")
	}
	assert.Len(t, u.Mocks.ServerQueries.Queries(), 1)

	// An undecodable answer to the pre-key upload also ends the run.
	uid = runDiscovery(t, u, ServerDevice{UID: u.UID})
	q := u.Mocks.ServerQueries.Last()
	assert.DeepEqual(t, q.Kind, protocol.QueryUploadPreKey)
	u.AnswerQueryRaw(q, encoded.MustEncode("stored"))
	if u.Instance(protocol.OwnedDeviceDiscoveryID, uid) != nil {
		t.Fatal("instance is still waiting for the pre-key upload")
	}
}

func TestRenameOwnedDevice(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs(DiscoveryConfig{}))
	sib := prototest.NewSiblingDevice(t, "sib", u)

	uid := u.Start(protocol.OwnedDeviceManagementID, &SetOwnedDeviceName{Device: sib.UID, Name: "lap\ttop\x1b\n"})
	st := assert.IsType[*ManagementQuerySent](t, u.State(protocol.OwnedDeviceManagementID, uid))
	assert.DeepEqual(t, st.Action, protocol.DeviceActionSetName)
	q := u.Mocks.ServerQueries.Last()
	assert.DeepEqual(t, q.Kind, protocol.QueryDeviceManagement)
	assert.DeepEqual(t, q.DeviceUID, sib.UID)
	name, err := obvcrypto.OpenWithPrivateKey(&u.Owned.PrivateKey, q.EncryptedName)
	assert.NilErr(t, err)
	assert.DeepEqual(t, string(name), "laptop")

	// Even an empty response triggers a discovery.
	u.AnswerQuery(q, nil)
	if u.Instance(protocol.OwnedDeviceManagementID, uid) != nil {
		t.Fatal("finished instance was not erased")
	}
	assert.DeepEqual(t, u.Mocks.ServerQueries.Last().Kind, protocol.QueryOwnedDeviceDiscovery)
	assert.Len(t, u.Mocks.Channels.Sent(), 0)
}

func TestDeactivateOwnedDevice(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs(DiscoveryConfig{}))
	sib := prototest.NewSiblingDevice(t, "sib", u)
	a := prototest.NewDevice(t, "a", nil)
	b := prototest.NewDevice(t, "b", nil)
	u.Befriend(a)
	u.Befriend(b)
	u.Mocks.Channels.SetUnreachable(b.Identity(), true)

	u.Start(protocol.OwnedDeviceManagementID, NewDeactivateOwnedDevice(sib.UID))
	q := u.Mocks.ServerQueries.Last()
	assert.DeepEqual(t, q.Action, protocol.DeviceActionDeactivate)
	u.AnswerQuery(q, true)

	hints := u.Mocks.Channels.SentMessages(protocol.ContactManagementID,
		(&contactmgmt.PerformContactDeviceDiscovery{}).MessageID())
	assert.Len(t, hints, 1)
	assert.DeepEqual(t, hints[0].Send.ToIdentity, a.Identity())
	assert.DeepEqual(t, hints[0].Send.Kind, protocol.ToContactObliviousOrPreKey(a.Identity()).Kind)
	assert.DeepEqual(t, u.Mocks.ServerQueries.Last().Kind, protocol.QueryOwnedDeviceDiscovery)
}

func TestSetUnexpiringOwnedDevice(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", []protocol.Definition{&Management{}})
	u.Start(protocol.OwnedDeviceManagementID, NewSetUnexpiringOwnedDevice(u.UID))
	q := u.Mocks.ServerQueries.Last()
	assert.DeepEqual(t, q.Action, protocol.DeviceActionSetUnexpiring)
	u.AnswerQuery(q, true)

	// Discovery is not registered on this device, so it is handed to the
	// channel delegate.
	starts := u.Mocks.Channels.SentMessages(protocol.OwnedDeviceDiscoveryID, msgDiscoveryInitial)
	assert.Len(t, starts, 1)
}
