// Package registry assembles the definitions of every protocol implemented by
// this module.
package registry

import (
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/channelmgmt"
	"github.com/companyzero/protoengine/protocols/contactmgmt"
	"github.com/companyzero/protoengine/protocols/detailspub"
	"github.com/companyzero/protoengine/protocols/devicecaps"
	"github.com/companyzero/protoengine/protocols/devicediscovery"
	"github.com/companyzero/protoengine/protocols/fullratchet"
	"github.com/companyzero/protoengine/protocols/identitydeletion"
	"github.com/companyzero/protoengine/protocols/keycloak"
	"github.com/companyzero/protoengine/protocols/mutualscan"
	"github.com/companyzero/protoengine/protocols/owneddevices"
	"github.com/companyzero/protoengine/protocols/photodownload"
	"github.com/companyzero/protoengine/protocols/synchronization"
)

// Config is the configuration of the protocols that take one.
type Config struct {
	Photos  photodownload.Config
	PreKeys owneddevices.DiscoveryConfig
}

// Definitions returns the definitions of all protocols, ready to be passed
// to engine.New.
func Definitions(cfg Config) []protocol.Definition {
	return []protocol.Definition{
		&contactmgmt.Definition{},
		&channelmgmt.Definition{},
		&devicecaps.Definition{},
		&devicediscovery.Definition{},
		photodownload.NewIdentityPhoto(cfg.Photos),
		photodownload.NewGroupPhoto(cfg.Photos),
		photodownload.NewGroupV2Photo(cfg.Photos),
		&fullratchet.Definition{},
		&detailspub.Definition{},
		owneddevices.NewDiscovery(cfg.PreKeys),
		&owneddevices.Management{},
		&keycloak.Definition{},
		&identitydeletion.Definition{},
		&synchronization.Definition{},
		&mutualscan.Definition{},
	}
}

// External lists the protocols whose messages are produced by the protocols
// of this module but which are run by another component.
var External = []protocol.ID{
	protocol.ChannelCreationID,
	protocol.DeviceDiscoveryID,
	protocol.GroupManagementID,
	protocol.OneToOneContactInvitationID,
	protocol.GroupsV2ID,
}
