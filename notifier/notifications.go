package notifier

import "github.com/companyzero/protoengine/protocol"

// Following are the handler types, one per notification emitted by the
// protocols. Add new types at the bottom of this list, then initialize a
// new container in New() and add a case to Manager.Notify.

// OnKeycloakSyncRequiredNtfn is called when an identity got bound to a
// keycloak server.
type OnKeycloakSyncRequiredNtfn func(protocol.KeycloakSyncRequired)

func (_ OnKeycloakSyncRequiredNtfn) typ() string { return "KeycloakSyncRequired" }

// OnMutualScanContactAddedNtfn is called when a mutual scan added or
// augmented a contact.
type OnMutualScanContactAddedNtfn func(protocol.MutualScanContactAdded)

func (_ OnMutualScanContactAddedNtfn) typ() string { return "MutualScanContactAdded" }

// OnContactDeletedNtfn is called after a contact was removed.
type OnContactDeletedNtfn func(protocol.ContactDeleted)

func (_ OnContactDeletedNtfn) typ() string { return "ContactDeleted" }

// OnContactCapabilitiesUpdatedNtfn is called when new capabilities were
// stored for a contact or owned device.
type OnContactCapabilitiesUpdatedNtfn func(protocol.ContactCapabilitiesUpdated)

func (_ OnContactCapabilitiesUpdatedNtfn) typ() string { return "ContactCapabilitiesUpdated" }

// OnOwnedDevicesChangedNtfn is called when the owned device list changed.
type OnOwnedDevicesChangedNtfn func(protocol.OwnedDevicesChanged)

func (_ OnOwnedDevicesChangedNtfn) typ() string { return "OwnedDevicesChanged" }

// OnFullRatchetCompletedNtfn is called when a full ratchet committed a new
// seed.
type OnFullRatchetCompletedNtfn func(protocol.FullRatchetCompleted)

func (_ OnFullRatchetCompletedNtfn) typ() string { return "FullRatchetCompleted" }

// OnOwnedIdentityDeletedNtfn is called after an owned identity was deleted.
type OnOwnedIdentityDeletedNtfn func(protocol.OwnedIdentityDeleted)

func (_ OnOwnedIdentityDeletedNtfn) typ() string { return "OwnedIdentityDeleted" }

// OnAnyNtfn is called for every notification, after the typed handlers.
type OnAnyNtfn func(protocol.Notification)

func (_ OnAnyNtfn) typ() string { return onAnyNtfnType }

const onAnyNtfnType = "any"
