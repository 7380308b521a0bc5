package channelmgmt

import (
	"testing"

	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/internal/mockdelegates"
	"github.com/companyzero/protoengine/internal/prototest"
	"github.com/companyzero/protoengine/protocol"
)

var testDefs = []protocol.Definition{&Definition{}}

func TestDeleteContactDeviceChannel(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	u2 := prototest.NewSiblingDevice(t, "u2", u)
	a := prototest.NewDevice(t, "a", testDefs)
	u.Befriend(a)

	msg := &InitiateContactDeviceDeletion{Contact: a.Identity(), Device: a.UID}
	uid := u.Start(protocol.ObliviousChannelManagementID, msg)
	assert.IsType[*Finished](t, u.State(protocol.ObliviousChannelManagementID, uid))
	assert.DeepEqual(t, u.Mocks.Channels.Deletions(), []mockdelegates.ChannelDeletion{{
		Owned:  u.Identity(),
		Remote: a.Identity(),
		Device: a.UID,
	}})

	delivered := prototest.Route(t, u, u2, a)
	assert.Len(t, delivered, 2)

	// The sibling deletes its channel with the same device.
	assert.DeepEqual(t, u2.Mocks.Channels.Deletions(), []mockdelegates.ChannelDeletion{{
		Owned:  u.Identity(),
		Remote: a.Identity(),
		Device: a.UID,
	}})

	// The contact deletes its side of the channel with u.
	assert.DeepEqual(t, a.Mocks.Channels.Deletions(), []mockdelegates.ChannelDeletion{{
		Owned:  a.Identity(),
		Remote: u.Identity(),
		Device: u.UID,
	}})
	assert.IsType[*Finished](t, a.State(protocol.ObliviousChannelManagementID, uid))
}

func TestDeleteOwnedDeviceChannel(t *testing.T) {
	t.Parallel()
	u := prototest.NewDevice(t, "u", testDefs)
	u2 := prototest.NewSiblingDevice(t, "u2", u)

	uid := u.Start(protocol.ObliviousChannelManagementID, &InitiateOwnedDeviceChannelDeletion{Device: u2.UID})
	assert.IsType[*Finished](t, u.State(protocol.ObliviousChannelManagementID, uid))
	assert.Len(t, prototest.Route(t, u, u2), 1)
	assert.DeepEqual(t, u2.Mocks.Channels.Deletions(), []mockdelegates.ChannelDeletion{{
		Owned:  u.Identity(),
		Remote: u.Identity(),
		Device: u.UID,
	}})

	// The channel with the current device is never deleted.
	uid = u.Start(protocol.ObliviousChannelManagementID, &InitiateOwnedDeviceChannelDeletion{Device: u.UID})
	if u.Instance(protocol.ObliviousChannelManagementID, uid) != nil {
		t.Fatal("instance should have been discarded")
	}
	assert.Len(t, u.Mocks.Channels.Deletions(), 1)
}
