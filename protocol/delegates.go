package protocol

import (
	"context"
	"io"
	"time"

	"github.com/companyzero/protoengine/capability"
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
)

// ReadTx is a read-only transaction handle.
type ReadTx interface {
	Context() context.Context
}

// ReadWriteTx is a read-write transaction handle. Everything done with it
// commits or rolls back together with the step that used it.
type ReadWriteTx interface {
	ReadTx
	Writable() bool
}

// TrustOrigin records how trust in a contact was established.
type TrustOrigin struct {
	Kind      TrustOriginKind
	Timestamp time.Time
}

// TrustOriginKind is the kind of a TrustOrigin.
type TrustOriginKind int

const (
	TrustOriginDirect TrustOriginKind = iota
	TrustOriginIntroduction
	TrustOriginGroup
	TrustOriginKeycloak
	TrustOriginMutualScan
)

// GroupV1 is an owner-managed group.
type GroupV1 struct {
	Owner          obvidentity.Identity
	UID            obvidentity.UID
	Members        []obvidentity.Identity
	PendingMembers []obvidentity.Identity
}

// GroupV2Identifier identifies a server-managed group.
type GroupV2Identifier struct {
	Server   string
	Category int
	UID      obvidentity.UID
}

// ServerDeviceInfo is the metadata the server keeps for an owned device.
type ServerDeviceInfo struct {
	Name             string
	Expiration       int64 // unix ms, 0 for unexpiring
	LastRegistration int64 // unix ms
}

// OwnedDevice is a device of an owned identity.
type OwnedDevice struct {
	UID     obvidentity.UID
	Current bool
	Info    ServerDeviceInfo
	PreKey  *obvcrypto.SignedPreKey
}

// OwnedDetails is the latest detail revision of an owned identity along with
// the local path of its photo, if any.
type OwnedDetails struct {
	Details   obvidentity.DetailsWithVersionAndPhoto
	PhotoPath string
}

// KeycloakState is the keycloak configuration an identity is bound to.
type KeycloakState struct {
	ServerURL      string
	ClientID       string
	ClientSecret   string
	JWKS           string
	SignatureKey   string
	KeycloakUserID string
}

// SyncAtomKind is the kind of a synchronization atom.
type SyncAtomKind int

const (
	SyncContactNickname SyncAtomKind = iota
	SyncGroupV1Nickname
	SyncGroupV2Nickname
	SyncContactPersonalNote
	SyncOwnProfileNickname
	SyncPinnedDiscussions
	SyncSettingAutoJoinGroups
	SyncTrustContactDetails
	SyncTrustGroupV1Details
	SyncTrustGroupV2Details
)

// SyncAtom is a single item synchronized between owned devices.
type SyncAtom struct {
	Kind     SyncAtomKind
	Contact  obvidentity.Identity
	GroupUID obvidentity.UID
	Text     string
	Version  int
}

// ForApp returns true if the atom is applied by the application rather than
// by the identity manager.
func (a *SyncAtom) ForApp() bool {
	switch a.Kind {
	case SyncTrustContactDetails, SyncTrustGroupV1Details, SyncTrustGroupV2Details:
		return false
	default:
		return true
	}
}

// IdentityDelegate is the identity manager. All calls run inside the
// transaction of the step that issues them.
type IdentityDelegate interface {
	// Contacts.
	Contacts(tx ReadTx, owned obvidentity.Identity) ([]obvidentity.Identity, error)
	ContactExists(tx ReadTx, owned, contact obvidentity.Identity) (bool, error)
	AddContact(tx ReadWriteTx, owned, contact obvidentity.Identity, origin TrustOrigin, details []byte, oneToOne bool) error
	AddTrustOrigin(tx ReadWriteTx, owned, contact obvidentity.Identity, origin TrustOrigin) error
	DeleteContact(tx ReadWriteTx, owned, contact obvidentity.Identity, failIfGroupMember bool) error
	IsContactOneToOne(tx ReadTx, owned, contact obvidentity.Identity) (bool, error)
	SetContactOneToOne(tx ReadWriteTx, owned, contact obvidentity.Identity, oneToOne bool) error
	ContactDeviceUIDs(tx ReadTx, owned, contact obvidentity.Identity) ([]obvidentity.UID, error)
	AddContactDevice(tx ReadWriteTx, owned, contact obvidentity.Identity, device obvidentity.UID) error
	RemoveContactDevice(tx ReadWriteTx, owned, contact obvidentity.Identity, device obvidentity.UID) error

	// Capabilities. Getters of remote devices return nil when no
	// capabilities were ever received from the device.
	OwnCapabilities(tx ReadTx, owned obvidentity.Identity) (capability.Set, error)
	SetOwnCapabilities(tx ReadWriteTx, owned obvidentity.Identity, caps capability.Set) error
	ContactDeviceCapabilities(tx ReadTx, owned, contact obvidentity.Identity, device obvidentity.UID) (*capability.Set, error)
	SetContactDeviceCapabilities(tx ReadWriteTx, owned, contact obvidentity.Identity, device obvidentity.UID, caps capability.Set) error
	OwnedDeviceCapabilities(tx ReadTx, owned obvidentity.Identity, device obvidentity.UID) (*capability.Set, error)
	SetOwnedDeviceCapabilities(tx ReadWriteTx, owned obvidentity.Identity, device obvidentity.UID, caps capability.Set) error

	// Owned devices and pre-keys.
	CurrentDeviceUID(tx ReadTx, owned obvidentity.Identity) (obvidentity.UID, error)
	OwnedDevices(tx ReadTx, owned obvidentity.Identity) ([]OwnedDevice, error)
	AddOwnedDevice(tx ReadWriteTx, owned obvidentity.Identity, device obvidentity.UID, info ServerDeviceInfo, preKey *obvcrypto.SignedPreKey) error
	UpdateOwnedDevice(tx ReadWriteTx, owned obvidentity.Identity, device obvidentity.UID, info ServerDeviceInfo, preKey *obvcrypto.SignedPreKey) error
	RemoveOwnedDevice(tx ReadWriteTx, owned obvidentity.Identity, device obvidentity.UID) error
	ExpireCurrentDevicePreKeys(tx ReadWriteTx, owned obvidentity.Identity, serverTime time.Time) error
	LatestCurrentDevicePreKey(tx ReadTx, owned obvidentity.Identity) (*obvcrypto.SignedPreKey, error)
	GenerateCurrentDevicePreKey(tx ReadWriteTx, owned obvidentity.Identity, expiration time.Time) (*obvcrypto.SignedPreKey, error)
	DecryptWithOwnedKey(tx ReadTx, owned obvidentity.Identity, sealed []byte) ([]byte, error)

	// Groups.
	OwnedGroups(tx ReadTx, owned obvidentity.Identity) ([]GroupV1, error)
	JoinedGroups(tx ReadTx, owned obvidentity.Identity) ([]GroupV1, error)
	GroupsWherePendingMember(tx ReadTx, owned, contact obvidentity.Identity) ([]GroupV1, error)
	GroupsOwnedBy(tx ReadTx, owned, groupOwner obvidentity.Identity) ([]GroupV1, error)
	LeaveGroup(tx ReadWriteTx, owned obvidentity.Identity, group GroupV1) error
	SetGroupPhoto(tx ReadWriteTx, owned, groupOwner obvidentity.Identity, groupUID obvidentity.UID, version int, photo []byte) error
	SetGroupV2Photo(tx ReadWriteTx, owned obvidentity.Identity, group GroupV2Identifier, version int, photo []byte) error

	// Details.
	OwnedPublishedDetails(tx ReadTx, owned obvidentity.Identity) (*OwnedDetails, error)
	SetOwnedDetailsPhotoLabelAndKey(tx ReadWriteTx, owned obvidentity.Identity, version int, label obvidentity.UID, key obvidentity.FixedSizeSymmetricKey) error
	ContactTrustedDetails(tx ReadTx, owned, contact obvidentity.Identity) (details *obvidentity.DetailsWithVersionAndPhoto, photoCached bool, err error)
	SetContactPublishedDetails(tx ReadWriteTx, owned, contact obvidentity.Identity, details *obvidentity.DetailsWithVersionAndPhoto) error
	SetContactPhoto(tx ReadWriteTx, owned, contact obvidentity.Identity, version int, photo []byte) error

	// Keycloak.
	BindOwnedIdentityToKeycloak(tx ReadWriteTx, owned obvidentity.Identity, state KeycloakState) error
	UnbindOwnedIdentityFromKeycloak(tx ReadWriteTx, owned obvidentity.Identity) error

	DeleteOwnedIdentity(tx ReadWriteTx, owned obvidentity.Identity) error
	ProcessSyncAtom(tx ReadWriteTx, owned obvidentity.Identity, atom SyncAtom) error
}

// ChannelDelegate is the channel manager.
type ChannelDelegate interface {
	// Post hands msg to the channels matching msg.Send. It returns
	// Unreachable, without error, when no acceptable channel exists.
	Post(tx ReadWriteTx, msg *OutboundMessage, rnd io.Reader) (SendOutcome, error)

	DeleteObliviousChannelsWithContact(tx ReadWriteTx, owned, contact obvidentity.Identity) error
	DeleteObliviousChannel(tx ReadWriteTx, owned, remote obvidentity.Identity, device obvidentity.UID) error
	DeleteAllChannelsForOwnedIdentity(tx ReadWriteTx, owned obvidentity.Identity) error
	UpdateObliviousChannelSendSeed(tx ReadWriteTx, owned, remote obvidentity.Identity, device obvidentity.UID, seed obvcrypto.Seed) error
	UpdateObliviousChannelReceiveSeed(tx ReadWriteTx, owned, remote obvidentity.Identity, device obvidentity.UID, seed obvcrypto.Seed) error
	CheckIfObliviousChannelIsConfirmed(tx ReadTx, owned, remote obvidentity.Identity, device obvidentity.UID) (bool, error)
}

// ServerQueryDelegate posts server queries. Responses arrive later as
// received messages.
type ServerQueryDelegate interface {
	PostServerQuery(tx ReadWriteTx, q *ServerQuery) error
}

// NotificationDelegate receives fire-and-forget notifications. The engine
// only calls it after the step transaction committed.
type NotificationDelegate interface {
	Notify(n Notification)
}

// PushNotificationDelegate manages the push registration of owned devices.
type PushNotificationDelegate interface {
	ForceRegisterPushNotification(owned obvidentity.Identity, reactivateCurrentDevice bool) error
}

// MutualScanSignatureLog is the append-only log of mutual scan signatures
// already processed by each owned identity.
type MutualScanSignatureLog interface {
	HasMutualScanSignature(tx ReadTx, owned obvidentity.Identity, signature []byte) (bool, error)
	StoreMutualScanSignature(tx ReadWriteTx, owned obvidentity.Identity, signature []byte) error
}

// Delegates bundles the delegates available to steps.
type Delegates struct {
	Identity      IdentityDelegate
	Channels      ChannelDelegate
	ServerQueries ServerQueryDelegate
	Notifications NotificationDelegate
	Push          PushNotificationDelegate
	Signatures    MutualScanSignatureLog
}
