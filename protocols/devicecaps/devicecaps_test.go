package devicecaps

import (
	"testing"

	"github.com/companyzero/protoengine/capability"
	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/internal/mockdelegates"
	"github.com/companyzero/protoengine/internal/prototest"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/extmsg"
)

var testDefs = []protocol.Definition{&Definition{}}

const pid = protocol.DeviceCapabilitiesDiscoveryID

func addCaps(caps ...capability.Capability) *AddOwnCapabilities {
	return &AddOwnCapabilities{Capabilities: capability.NewSet(caps...)}
}

func TestAddOwnCapabilitiesIsIdempotent(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	prototest.NewSiblingDevice(t, "u2", u)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)

	uid := u.Start(pid, addCaps(capability.WebRTCContinuousICE, capability.GroupsV2))
	assert.DeepEqual(t, u.Mocks.Identity.Owned(u.Identity()).OwnCapsWrites, 1)
	assert.Len(t, u.Mocks.Channels.SentMessages(pid, msgOwnCapabilitiesToContact), 1)
	assert.Len(t, u.Mocks.Channels.SentMessages(pid, msgOwnCapabilitiesToSelf), 1)
	if u.Instance(pid, uid) != nil {
		t.Fatal("finished instance was not erased")
	}
	u.Mocks.Channels.TakeSent()

	// Same set in a different order.
	u.Start(pid, addCaps(capability.GroupsV2, capability.WebRTCContinuousICE))
	assert.DeepEqual(t, u.Mocks.Identity.Owned(u.Identity()).OwnCapsWrites, 1)
	assert.Len(t, u.Mocks.Channels.Sent(), 0)
}

func TestGainingOneToOneContactsRequestsStatusSync(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)

	u.Start(pid, addCaps(capability.OneToOneContacts))
	reqs := u.Mocks.Channels.SentMessages(protocol.OneToOneContactInvitationID,
		extmsg.OneToOneStatusSyncRequestID)
	assert.Len(t, reqs, 1)
	assert.DeepEqual(t, reqs[0].Send.Kind, protocol.SendLocal)

	// Keeping the capability is not gaining it.
	u.Start(pid, addCaps(capability.OneToOneContacts, capability.GroupsV2))
	reqs = u.Mocks.Channels.SentMessages(protocol.OneToOneContactInvitationID,
		extmsg.OneToOneStatusSyncRequestID)
	assert.Len(t, reqs, 1)
}

func TestFirstAnnouncementIsAnswered(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	a.Start(pid, addCaps(capability.WebRTCContinuousICE))
	a.Mocks.Channels.TakeSent()

	u.Start(pid, addCaps(capability.GroupsV2))
	assert.Len(t, prototest.Route(t, u, a), 1)

	aContact := a.Mocks.Identity.Owned(a.Identity()).Contacts[0]
	assert.BoolIs(t, aContact.DeviceCaps[u.UID].Equal(capability.NewSet(capability.GroupsV2)), true)
	ntfns := mockdelegates.NotificationsOf[protocol.ContactCapabilitiesUpdated](a.Mocks.Notifications)
	assert.Len(t, ntfns, 1)
	assert.DeepEqual(t, ntfns[0].Contact, u.Identity())
	assert.DeepEqual(t, ntfns[0].Device, u.UID)

	// a answers with its own capabilities and u does not answer back.
	assert.Len(t, prototest.Route(t, a, u), 1)
	uContact := u.Mocks.Identity.Owned(u.Identity()).Contacts[0]
	assert.BoolIs(t, uContact.DeviceCaps[a.UID].Equal(capability.NewSet(capability.WebRTCContinuousICE)), true)
	assert.Len(t, prototest.Route(t, u, a), 0)

	// Later announcements replace the stored set without an answer.
	u.Start(pid, addCaps(capability.GroupsV2, capability.OneToOneContacts))
	prototest.Route(t, u, a)
	aContact = a.Mocks.Identity.Owned(a.Identity()).Contacts[0]
	want := capability.NewSet(capability.GroupsV2, capability.OneToOneContacts)
	assert.BoolIs(t, aContact.DeviceCaps[u.UID].Equal(want), true)
	assert.Len(t, a.Mocks.Channels.Sent(), 0)
}

func TestOwnedDeviceCapabilities(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	u2 := prototest.NewSiblingDevice(t, "u2", u)

	u.Start(pid, addCaps(capability.GroupsV2))
	assert.Len(t, prototest.Route(t, u, u2), 1)
	caps := u2.Mocks.Identity.Owned(u.Identity()).OwnedDeviceCaps[u.UID]
	assert.BoolIs(t, caps.Equal(capability.NewSet(capability.GroupsV2)), true)

	// The answer carries the empty set of u2.
	assert.Len(t, prototest.Route(t, u2, u), 1)
	caps, ok := u.Mocks.Identity.Owned(u.Identity()).OwnedDeviceCaps[u2.UID]
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, caps.Len(), 0)
	assert.Len(t, prototest.Route(t, u, u2), 0)
}

func TestSendToSingleContactDevice(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	u.Start(pid, addCaps(capability.GroupsV2))
	u.Mocks.Channels.TakeSent()

	u.Start(pid, &SendToContactDevice{Contact: a.Identity(), Device: a.UID, IsResponse: true})
	assert.Len(t, prototest.Route(t, u, a), 1)

	// Tagged as a response, so a does not answer even though this is the
	// first set it got from u.
	assert.Len(t, a.Mocks.Channels.Sent(), 0)
	aContact := a.Mocks.Identity.Owned(a.Identity()).Contacts[0]
	assert.BoolIs(t, aContact.DeviceCaps[u.UID].Equal(capability.NewSet(capability.GroupsV2)), true)
}
