package protocol

import (
	"github.com/companyzero/protoengine/capability"
	"github.com/companyzero/protoengine/obvidentity"
)

// Notification is an event emitted by a step once its transaction
// committed.
type Notification interface {
	NotificationName() string
}

// KeycloakSyncRequired is emitted when an identity got bound to keycloak and
// the app should run a keycloak synchronization.
type KeycloakSyncRequired struct {
	Owned obvidentity.Identity
}

func (KeycloakSyncRequired) NotificationName() string { return "KeycloakSyncRequired" }

// MutualScanContactAdded is emitted when a mutual scan added or augmented a
// contact. The app may open the discussion with the contact.
type MutualScanContactAdded struct {
	Owned     obvidentity.Identity
	Contact   obvidentity.Identity
	Signature []byte
}

func (MutualScanContactAdded) NotificationName() string { return "MutualScanContactAdded" }

// ContactDeleted is emitted after a contact was removed.
type ContactDeleted struct {
	Owned   obvidentity.Identity
	Contact obvidentity.Identity
}

func (ContactDeleted) NotificationName() string { return "ContactDeleted" }

// ContactCapabilitiesUpdated is emitted when new capabilities were stored for
// a remote device. Contact equals Owned for owned devices.
type ContactCapabilitiesUpdated struct {
	Owned        obvidentity.Identity
	Contact      obvidentity.Identity
	Device       obvidentity.UID
	Capabilities capability.Set
}

func (ContactCapabilitiesUpdated) NotificationName() string { return "ContactCapabilitiesUpdated" }

// OwnedDevicesChanged is emitted when the owned device list changed after a
// discovery.
type OwnedDevicesChanged struct {
	Owned obvidentity.Identity
}

func (OwnedDevicesChanged) NotificationName() string { return "OwnedDevicesChanged" }

// FullRatchetCompleted is emitted when a side of the channel with a remote
// device committed a new seed.
type FullRatchetCompleted struct {
	Owned  obvidentity.Identity
	Remote obvidentity.Identity
	Device obvidentity.UID
}

func (FullRatchetCompleted) NotificationName() string { return "FullRatchetCompleted" }

// OwnedIdentityDeleted is emitted after an owned identity was deleted.
type OwnedIdentityDeleted struct {
	Owned obvidentity.Identity
}

func (OwnedIdentityDeleted) NotificationName() string { return "OwnedIdentityDeleted" }
