package contactmgmt

import (
	"context"
	"testing"

	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/internal/mockdelegates"
	"github.com/companyzero/protoengine/internal/prototest"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/devicediscovery"
	"github.com/companyzero/protoengine/protocols/extmsg"
)

var testDefs = []protocol.Definition{&Definition{}, &devicediscovery.Definition{}}

func sentTo(msgs []*protocol.OutboundMessage, id obvidentity.Identity) []*protocol.OutboundMessage {
	var res []*protocol.OutboundMessage
	for _, om := range msgs {
		if om.Send.ToIdentity == id {
			res = append(res, om)
		}
	}
	return res
}

func hasContact(t testing.TB, d *prototest.Device, contact obvidentity.Identity) bool {
	t.Helper()
	exists, err := d.Mocks.Identity.ContactExists(nil, d.Identity(), contact)
	assert.NilErr(t, err)
	return exists
}

// TestDeleteContactPendingInGroup deletes contact A of U while A is pending in
// group G owned by U.
func TestDeleteContactPendingInGroup(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	b := prototest.NewDevice(t, "b", testDefs)
	u.Befriend(a)
	u.Befriend(b)
	g := protocol.GroupV1{
		Owner:          u.Identity(),
		UID:            obvidentity.NewUID(nil),
		Members:        []obvidentity.Identity{b.Identity()},
		PendingMembers: []obvidentity.Identity{a.Identity()},
	}
	u.Mocks.Identity.Owned(u.Identity()).OwnedGroups = []protocol.GroupV1{g}

	uid := u.Start(protocol.ContactManagementID, NewInitiateContactDeletion(a.Identity()))
	assert.IsType[*Finished](t, u.State(protocol.ContactManagementID, uid))

	removals := u.Mocks.Channels.SentMessages(protocol.GroupManagementID, extmsg.RemoveGroupMembersID)
	assert.Len(t, removals, 1)
	assert.DeepEqual(t, removals[0].InstanceUID, g.UID)
	var members []obvidentity.Identity
	assert.NilErr(t, removals[0].Inputs[2].Decode(&members))
	assert.DeepEqual(t, members, []obvidentity.Identity{a.Identity()})

	sent := u.Mocks.Channels.Sent()
	notifs := sentTo(sent, a.Identity())
	assert.Len(t, notifs, 1)
	assert.DeepEqual(t, notifs[0].MessageID, msgContactDeletionNotification)
	assert.Len(t, sentTo(sent, b.Identity()), 0)

	assert.BoolIs(t, hasContact(t, u, a.Identity()), false)
	assert.BoolIs(t, hasContact(t, u, b.Identity()), true)
	assert.Contains(t, u.Mocks.Channels.Deletions(), mockdelegates.ChannelDeletion{
		Owned:  u.Identity(),
		Remote: a.Identity(),
	})
	ntfns := mockdelegates.NotificationsOf[protocol.ContactDeleted](u.Mocks.Notifications)
	assert.DeepEqual(t, ntfns, []protocol.ContactDeleted{{Owned: u.Identity(), Contact: a.Identity()}})

	// A processes the notification and deletes U in turn.
	prototest.Route(t, u, a, b)
	assert.BoolIs(t, hasContact(t, a, u.Identity()), false)
	assert.IsType[*Finished](t, a.State(protocol.ContactManagementID, uid))
	assert.BoolIs(t, hasContact(t, b, u.Identity()), true)
}

func TestDeleteContactPendingInTwoGroups(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	owned := u.Mocks.Identity.Owned(u.Identity())
	for i := 0; i < 2; i++ {
		owned.OwnedGroups = append(owned.OwnedGroups, protocol.GroupV1{
			Owner:          u.Identity(),
			UID:            obvidentity.NewUID(nil),
			PendingMembers: []obvidentity.Identity{a.Identity()},
		})
	}
	// A group where A is not pending gets no message.
	owned.OwnedGroups = append(owned.OwnedGroups, protocol.GroupV1{
		Owner: u.Identity(),
		UID:   obvidentity.NewUID(nil),
	})

	u.Start(protocol.ContactManagementID, NewInitiateContactDeletion(a.Identity()))
	removals := u.Mocks.Channels.SentMessages(protocol.GroupManagementID, extmsg.RemoveGroupMembersID)
	assert.Len(t, removals, 2)
	assert.DeepEqual(t, removals[0].InstanceUID, owned.OwnedGroups[0].UID)
	assert.DeepEqual(t, removals[1].InstanceUID, owned.OwnedGroups[1].UID)
	assert.BoolIs(t, hasContact(t, u, a.Identity()), false)
}

func TestDeleteUnreachableContact(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	u.Mocks.Channels.SetUnreachable(a.Identity(), true)

	uid := u.Start(protocol.ContactManagementID, NewInitiateContactDeletion(a.Identity()))
	assert.IsType[*Finished](t, u.State(protocol.ContactManagementID, uid))
	assert.BoolIs(t, hasContact(t, u, a.Identity()), false)
	assert.Len(t, u.Mocks.Channels.Sent(), 0)
}

func TestDeleteGroupMemberFails(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	u.Mocks.Identity.Owned(u.Identity()).OwnedGroups = []protocol.GroupV1{{
		Owner:   u.Identity(),
		UID:     obvidentity.NewUID(nil),
		Members: []obvidentity.Identity{a.Identity()},
	}}

	uid := obvidentity.NewUID(nil)
	err := u.Engine.PostLocal(context.Background(), u.Identity(), protocol.ContactManagementID,
		uid, NewInitiateContactDeletion(a.Identity()))
	assert.ErrorIs(t, err, mockdelegates.ErrContactInGroup)
	assert.BoolIs(t, hasContact(t, u, a.Identity()), true)
	if u.Instance(protocol.ContactManagementID, uid) != nil {
		t.Fatal("failed deletion persisted a state")
	}
	assert.Len(t, mockdelegates.NotificationsOf[protocol.ContactDeleted](u.Mocks.Notifications), 0)
}

// TestFailedDeletionIsRetried checks that a deletion blocked by a group
// membership leaves nothing committed and runs again once the contact left
// the group.
func TestFailedDeletionIsRetried(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	owned := u.Mocks.Identity.Owned(u.Identity())
	owned.OwnedGroups = []protocol.GroupV1{{
		Owner:   u.Identity(),
		UID:     obvidentity.NewUID(nil),
		Members: []obvidentity.Identity{a.Identity()},
	}}

	ctx := context.Background()
	uid := obvidentity.NewUID(nil)
	err := u.Engine.PostLocal(ctx, u.Identity(), protocol.ContactManagementID,
		uid, NewInitiateContactDeletion(a.Identity()))
	assert.ErrorIs(t, err, mockdelegates.ErrContactInGroup)
	assert.Len(t, u.Pending(protocol.ContactManagementID, uid), 1)
	assert.BoolIs(t, hasContact(t, u, a.Identity()), true)

	owned.OwnedGroups[0].Members = nil
	key := protocol.InstanceKey{Owned: u.Identity(), Protocol: protocol.ContactManagementID, UID: uid}
	assert.NilErr(t, u.Engine.ProcessInstance(ctx, key))
	assert.BoolIs(t, hasContact(t, u, a.Identity()), false)
	assert.IsType[*Finished](t, u.State(protocol.ContactManagementID, uid))
	assert.Len(t, u.Pending(protocol.ContactManagementID, uid), 0)
	assert.Len(t, mockdelegates.NotificationsOf[protocol.ContactDeleted](u.Mocks.Notifications), 1)
}

func TestPropagatedDeletionIgnoresGroups(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	u2 := prototest.NewSiblingDevice(t, "u2", u)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	u2.Mocks.Identity.AddTestContact(u.Identity(), a.Identity(), a.UID)
	u2.Mocks.Identity.Owned(u.Identity()).OwnedGroups = []protocol.GroupV1{{
		Owner:   u.Identity(),
		UID:     obvidentity.NewUID(nil),
		Members: []obvidentity.Identity{a.Identity()},
	}}

	uid := u.Start(protocol.ContactManagementID, NewInitiateContactDeletion(a.Identity()))
	delivered := prototest.Route(t, u, u2)
	assert.Len(t, delivered, 1)
	assert.DeepEqual(t, delivered[0].MessageID, msgPropagateContactDeletion)

	assert.IsType[*Finished](t, u2.State(protocol.ContactManagementID, uid))
	assert.BoolIs(t, hasContact(t, u2, a.Identity()), false)
}

func TestDeletionNotificationLeavesGroupsOfContact(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	u.Mocks.Identity.Owned(u.Identity()).JoinedGroups = []protocol.GroupV1{{
		Owner:   a.Identity(),
		UID:     obvidentity.NewUID(nil),
		Members: []obvidentity.Identity{a.Identity(), u.Identity()},
	}}

	uid := a.Start(protocol.ContactManagementID, NewInitiateContactDeletion(u.Identity()))
	delivered := prototest.Route(t, a, u)
	assert.Len(t, delivered, 1)
	assert.Len(t, u.Mocks.Identity.Owned(u.Identity()).JoinedGroups, 0)
	assert.BoolIs(t, hasContact(t, u, a.Identity()), false)

	// A late copy of the notification is discarded by the finished
	// instance.
	rm := delivered[0].ToReceived(obvidentity.NewUID(nil), u.Identity(),
		protocol.ObliviousReception(a.Identity(), a.UID), u.Clock.Now())
	assert.NilErr(t, u.Receive(rm))
	assert.IsType[*Finished](t, u.State(protocol.ContactManagementID, uid))
	assert.Len(t, u.Pending(protocol.ContactManagementID, uid), 0)
	assert.Len(t, mockdelegates.NotificationsOf[protocol.ContactDeleted](u.Mocks.Notifications), 1)
}

func TestDeletionNotificationKeepsContactInOtherGroups(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	u.Mocks.Identity.Owned(u.Identity()).OwnedGroups = []protocol.GroupV1{{
		Owner:   u.Identity(),
		UID:     obvidentity.NewUID(nil),
		Members: []obvidentity.Identity{a.Identity()},
	}}

	uid := a.Start(protocol.ContactManagementID, NewInitiateContactDeletion(u.Identity()))
	prototest.Route(t, a, u)

	// Channels are gone even though the contact could not be deleted.
	assert.IsType[*Finished](t, u.State(protocol.ContactManagementID, uid))
	assert.BoolIs(t, hasContact(t, u, a.Identity()), true)
	assert.Contains(t, u.Mocks.Channels.Deletions(), mockdelegates.ChannelDeletion{
		Owned:  u.Identity(),
		Remote: a.Identity(),
	})
}

func TestDowngradeContact(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	u2 := prototest.NewSiblingDevice(t, "u2", u)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)
	u2.Mocks.Identity.AddTestContact(u.Identity(), a.Identity(), a.UID)

	u.Start(protocol.ContactManagementID, NewInitiateContactDowngrade(a.Identity()))
	assert.BoolIs(t, u.Mocks.Identity.Owned(u.Identity()).Contacts[0].OneToOne, false)

	prototest.Route(t, u, u2, a)
	assert.BoolIs(t, u2.Mocks.Identity.Owned(u.Identity()).Contacts[0].OneToOne, false)
	assert.BoolIs(t, a.Mocks.Identity.Owned(a.Identity()).Contacts[0].OneToOne, false)

	// Upgrading is only applied to the owned devices.
	u.Start(protocol.ContactManagementID, NewInitiateContactUpgrade(a.Identity()))
	delivered := prototest.Route(t, u, u2, a)
	assert.Len(t, delivered, 1)
	assert.BoolIs(t, u.Mocks.Identity.Owned(u.Identity()).Contacts[0].OneToOne, true)
	assert.BoolIs(t, u2.Mocks.Identity.Owned(u.Identity()).Contacts[0].OneToOne, true)
	assert.BoolIs(t, a.Mocks.Identity.Owned(a.Identity()).Contacts[0].OneToOne, false)
}

func TestPerformContactDeviceDiscovery(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)

	uid := obvidentity.NewUID(nil)
	rm, err := protocol.NewOutboundMessage(a.Identity(), protocol.ContactManagementID, uid,
		protocol.ToContact(u.Identity()), &PerformContactDeviceDiscovery{})
	assert.NilErr(t, err)
	assert.NilErr(t, u.Receive(rm.ToReceived(obvidentity.NewUID(nil), u.Identity(),
		protocol.PreKeyReception(a.Identity(), a.UID), u.Clock.Now())))

	q := u.Mocks.ServerQueries.Last()
	if q == nil {
		t.Fatal("no device discovery query")
	}
	assert.DeepEqual(t, q.Kind, protocol.QueryDeviceDiscovery)
	assert.DeepEqual(t, q.Identity, a.Identity())
	assert.DeepEqual(t, q.Protocol, protocol.DeviceDiscoveryChildID)
	assert.IsType[*Finished](t, u.State(protocol.ContactManagementID, uid))
}
