package protocol

import "fmt"

// ID identifies a protocol.
type ID int

// Protocol ids. Ids marked as external belong to protocols whose messages are
// produced here but which are run elsewhere.
const (
	ChannelCreationID              ID = 0 // external
	DeviceDiscoveryID              ID = 1 // external
	GroupManagementID              ID = 3 // external
	IdentityDetailsPublicationID   ID = 4
	DownloadIdentityPhotoChildID   ID = 5
	DownloadGroupPhotoChildID      ID = 6
	ContactManagementID            ID = 7
	TrustEstablishmentMutualScanID ID = 8
	FullRatchetID                  ID = 9
	OneToOneContactInvitationID    ID = 10 // external
	DeviceCapabilitiesDiscoveryID  ID = 11
	DeviceDiscoveryChildID         ID = 12
	KeycloakBindingID              ID = 13
	GroupsV2ID                     ID = 14 // external
	DownloadGroupV2PhotoID         ID = 15
	OwnedIdentityDeletionID        ID = 16
	OwnedDeviceDiscoveryID         ID = 17
	SynchronizationID              ID = 18
	OwnedDeviceManagementID        ID = 19
	ObliviousChannelManagementID   ID = 20
)

var idNames = map[ID]string{
	ChannelCreationID:              "ChannelCreation",
	DeviceDiscoveryID:              "DeviceDiscovery",
	GroupManagementID:              "GroupManagement",
	IdentityDetailsPublicationID:   "IdentityDetailsPublication",
	DownloadIdentityPhotoChildID:   "DownloadIdentityPhotoChild",
	DownloadGroupPhotoChildID:      "DownloadGroupPhotoChild",
	ContactManagementID:            "ContactManagement",
	TrustEstablishmentMutualScanID: "TrustEstablishmentWithMutualScan",
	FullRatchetID:                  "FullRatchet",
	OneToOneContactInvitationID:    "OneToOneContactInvitation",
	DeviceCapabilitiesDiscoveryID:  "DeviceCapabilitiesDiscovery",
	DeviceDiscoveryChildID:         "DeviceDiscoveryChild",
	KeycloakBindingID:              "KeycloakBinding",
	GroupsV2ID:                     "GroupsV2",
	DownloadGroupV2PhotoID:         "DownloadGroupV2Photo",
	OwnedIdentityDeletionID:        "OwnedIdentityDeletionWithContactNotification",
	OwnedDeviceDiscoveryID:         "OwnedDeviceDiscovery",
	SynchronizationID:              "Synchronization",
	OwnedDeviceManagementID:        "OwnedDeviceManagement",
	ObliviousChannelManagementID:   "ObliviousChannelManagement",
}

func (id ID) String() string {
	if s, ok := idNames[id]; ok {
		return s
	}
	return fmt.Sprintf("protocol(%d)", int(id))
}

// StateID identifies a state within a protocol.
type StateID int

// MessageID identifies a message within a protocol.
type MessageID int
