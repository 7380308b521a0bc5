package protocol

import (
	"fmt"
	"slices"

	"github.com/companyzero/protoengine/obvidentity"
)

// ReceptionKind is the kind of channel a message was received through.
type ReceptionKind int

const (
	ReceptionLocal ReceptionKind = iota
	ReceptionObliviousChannel
	ReceptionPreKeyChannel
	ReceptionAsymmetricChannel
	ReceptionAsymmetricBroadcast
	ReceptionUserInterface
	ReceptionServerQuery
)

func (k ReceptionKind) String() string {
	switch k {
	case ReceptionLocal:
		return "local"
	case ReceptionObliviousChannel:
		return "oblivious"
	case ReceptionPreKeyChannel:
		return "prekey"
	case ReceptionAsymmetricChannel:
		return "asymmetric"
	case ReceptionAsymmetricBroadcast:
		return "asymmetric-broadcast"
	case ReceptionUserInterface:
		return "ui"
	case ReceptionServerQuery:
		return "server-query"
	default:
		return fmt.Sprintf("reception(%d)", int(k))
	}
}

// ReceptionChannelInfo describes the channel through which a message was
// received. RemoteIdentity and RemoteDeviceUID are only filled for channels
// that authenticate the remote party.
type ReceptionChannelInfo struct {
	Kind            ReceptionKind
	RemoteIdentity  obvidentity.Identity
	RemoteDeviceUID obvidentity.UID
}

func (rci ReceptionChannelInfo) String() string {
	if rci.RemoteIdentity.IsEmpty() {
		return rci.Kind.String()
	}
	return fmt.Sprintf("%s(%s/%s)", rci.Kind, rci.RemoteIdentity.ShortLogID(),
		rci.RemoteDeviceUID.ShortLogID())
}

// LocalReception is the reception info of messages posted by the local
// device to itself.
func LocalReception() ReceptionChannelInfo {
	return ReceptionChannelInfo{Kind: ReceptionLocal}
}

// ObliviousReception is the reception info of a message received over the
// oblivious channel with the given remote device.
func ObliviousReception(remote obvidentity.Identity, device obvidentity.UID) ReceptionChannelInfo {
	return ReceptionChannelInfo{Kind: ReceptionObliviousChannel, RemoteIdentity: remote, RemoteDeviceUID: device}
}

// PreKeyReception is the reception info of a message encrypted to one of our
// pre-keys by the given remote device.
func PreKeyReception(remote obvidentity.Identity, device obvidentity.UID) ReceptionChannelInfo {
	return ReceptionChannelInfo{Kind: ReceptionPreKeyChannel, RemoteIdentity: remote, RemoteDeviceUID: device}
}

// AsymmetricReception is the reception info of a message encrypted to our
// identity key by the given remote device.
func AsymmetricReception(remote obvidentity.Identity, device obvidentity.UID) ReceptionChannelInfo {
	return ReceptionChannelInfo{Kind: ReceptionAsymmetricChannel, RemoteIdentity: remote, RemoteDeviceUID: device}
}

// BroadcastReception is the reception info of a message received on the
// asymmetric broadcast channel of our identity.
func BroadcastReception(remote obvidentity.Identity) ReceptionChannelInfo {
	return ReceptionChannelInfo{Kind: ReceptionAsymmetricBroadcast, RemoteIdentity: remote}
}

// UserInterfaceReception is the reception info of dialog responses.
func UserInterfaceReception() ReceptionChannelInfo {
	return ReceptionChannelInfo{Kind: ReceptionUserInterface}
}

// ServerQueryReception is the reception info of server query responses.
func ServerQueryReception() ReceptionChannelInfo {
	return ReceptionChannelInfo{Kind: ReceptionServerQuery}
}

// RequirementKind is the shape of reception channel a step accepts.
type RequirementKind int

const (
	RequireLocal RequirementKind = iota
	RequireAnyObliviousChannel
	RequireAnyObliviousChannelWithOwnedDevice
	RequireAnyObliviousChannelWithContact
	RequireAnyObliviousOrPreKeyChannel
	RequireAnyObliviousOrPreKeyChannelWithOwnedDevice
	RequireSpecificObliviousChannel
	RequireAsymmetricBroadcast
	RequireAsymmetricChannel
	RequireUserInterface
	RequireServerQuery
)

// ChannelRequirement is the reception channel a step requires. Identity and
// DeviceUIDs are only used by RequireSpecificObliviousChannel.
type ChannelRequirement struct {
	Kind       RequirementKind
	Identity   obvidentity.Identity
	DeviceUIDs []obvidentity.UID
}

// Commonly used requirements.
var (
	Local                               = ChannelRequirement{Kind: RequireLocal}
	AnyObliviousChannel                 = ChannelRequirement{Kind: RequireAnyObliviousChannel}
	AnyObliviousChannelWithOwnedDevice  = ChannelRequirement{Kind: RequireAnyObliviousChannelWithOwnedDevice}
	AnyObliviousChannelWithContact      = ChannelRequirement{Kind: RequireAnyObliviousChannelWithContact}
	AnyObliviousOrPreKeyChannel         = ChannelRequirement{Kind: RequireAnyObliviousOrPreKeyChannel}
	AnyObliviousOrPreKeyWithOwnedDevice = ChannelRequirement{Kind: RequireAnyObliviousOrPreKeyChannelWithOwnedDevice}
	AsymmetricBroadcast                 = ChannelRequirement{Kind: RequireAsymmetricBroadcast}
	AsymmetricChannel                   = ChannelRequirement{Kind: RequireAsymmetricChannel}
	UserInterface                       = ChannelRequirement{Kind: RequireUserInterface}
	ServerQueryResponse                 = ChannelRequirement{Kind: RequireServerQuery}
)

// SpecificObliviousChannel requires the message to come over an oblivious
// channel with one of the listed devices of remote.
func SpecificObliviousChannel(remote obvidentity.Identity, devices ...obvidentity.UID) ChannelRequirement {
	return ChannelRequirement{Kind: RequireSpecificObliviousChannel, Identity: remote, DeviceUIDs: devices}
}

// Matches returns true if a message received through rci by owned satisfies
// the requirement.
func (r ChannelRequirement) Matches(rci ReceptionChannelInfo, owned obvidentity.Identity) bool {
	switch r.Kind {
	case RequireLocal:
		return rci.Kind == ReceptionLocal
	case RequireAnyObliviousChannel:
		return rci.Kind == ReceptionObliviousChannel
	case RequireAnyObliviousChannelWithOwnedDevice:
		return rci.Kind == ReceptionObliviousChannel && rci.RemoteIdentity == owned
	case RequireAnyObliviousChannelWithContact:
		return rci.Kind == ReceptionObliviousChannel && rci.RemoteIdentity != owned
	case RequireAnyObliviousOrPreKeyChannel:
		return rci.Kind == ReceptionObliviousChannel || rci.Kind == ReceptionPreKeyChannel
	case RequireAnyObliviousOrPreKeyChannelWithOwnedDevice:
		return (rci.Kind == ReceptionObliviousChannel || rci.Kind == ReceptionPreKeyChannel) &&
			rci.RemoteIdentity == owned
	case RequireSpecificObliviousChannel:
		return rci.Kind == ReceptionObliviousChannel &&
			rci.RemoteIdentity == r.Identity &&
			(len(r.DeviceUIDs) == 0 || slices.Contains(r.DeviceUIDs, rci.RemoteDeviceUID))
	case RequireAsymmetricBroadcast:
		return rci.Kind == ReceptionAsymmetricBroadcast
	case RequireAsymmetricChannel:
		return rci.Kind == ReceptionAsymmetricChannel
	case RequireUserInterface:
		return rci.Kind == ReceptionUserInterface
	case RequireServerQuery:
		return rci.Kind == ReceptionServerQuery
	default:
		return false
	}
}

// SendKind is the kind of destination of an outbound message.
type SendKind int

const (
	SendLocal SendKind = iota
	SendAllConfirmedObliviousChannelsWithContact
	SendAllConfirmedObliviousChannelsWithOtherOwnedDevices
	SendObliviousChannel
	SendAllConfirmedObliviousOrPreKeyChannelsWithContact
	SendAllConfirmedObliviousOrPreKeyChannelsWithOtherOwnedDevices
	SendAsymmetricBroadcast
	SendAsymmetricChannel
	SendUserInterface
)

func (k SendKind) String() string {
	switch k {
	case SendLocal:
		return "local"
	case SendAllConfirmedObliviousChannelsWithContact:
		return "oblivious-contact"
	case SendAllConfirmedObliviousChannelsWithOtherOwnedDevices:
		return "oblivious-owned"
	case SendObliviousChannel:
		return "oblivious"
	case SendAllConfirmedObliviousOrPreKeyChannelsWithContact:
		return "oblivious-prekey-contact"
	case SendAllConfirmedObliviousOrPreKeyChannelsWithOtherOwnedDevices:
		return "oblivious-prekey-owned"
	case SendAsymmetricBroadcast:
		return "asymmetric-broadcast"
	case SendAsymmetricChannel:
		return "asymmetric"
	case SendUserInterface:
		return "ui"
	default:
		return fmt.Sprintf("send(%d)", int(k))
	}
}

// SendChannelInfo is the destination of an outbound message.
type SendChannelInfo struct {
	Kind       SendKind
	ToIdentity obvidentity.Identity
	DeviceUIDs []obvidentity.UID
	Dialog     string
}

// LocalSend posts a message to the local device.
func LocalSend() SendChannelInfo {
	return SendChannelInfo{Kind: SendLocal}
}

// ToContact sends over all confirmed oblivious channels with a contact.
func ToContact(contact obvidentity.Identity) SendChannelInfo {
	return SendChannelInfo{Kind: SendAllConfirmedObliviousChannelsWithContact, ToIdentity: contact}
}

// ToOtherOwnedDevices sends over all confirmed oblivious channels with the
// other devices of owned.
func ToOtherOwnedDevices(owned obvidentity.Identity) SendChannelInfo {
	return SendChannelInfo{Kind: SendAllConfirmedObliviousChannelsWithOtherOwnedDevices, ToIdentity: owned}
}

// ToDevices sends over the oblivious channels with specific devices.
func ToDevices(remote obvidentity.Identity, devices ...obvidentity.UID) SendChannelInfo {
	return SendChannelInfo{Kind: SendObliviousChannel, ToIdentity: remote, DeviceUIDs: devices}
}

// ToContactObliviousOrPreKey sends over oblivious channels or, when none
// exist, pre-key channels with a contact.
func ToContactObliviousOrPreKey(contact obvidentity.Identity) SendChannelInfo {
	return SendChannelInfo{Kind: SendAllConfirmedObliviousOrPreKeyChannelsWithContact, ToIdentity: contact}
}

// ToOtherOwnedDevicesObliviousOrPreKey is the owned-device variant of
// ToContactObliviousOrPreKey.
func ToOtherOwnedDevicesObliviousOrPreKey(owned obvidentity.Identity) SendChannelInfo {
	return SendChannelInfo{Kind: SendAllConfirmedObliviousOrPreKeyChannelsWithOtherOwnedDevices, ToIdentity: owned}
}

// ToBroadcast sends on the asymmetric broadcast channel of remote.
func ToBroadcast(remote obvidentity.Identity) SendChannelInfo {
	return SendChannelInfo{Kind: SendAsymmetricBroadcast, ToIdentity: remote}
}

// ToAsymmetric sends a message encrypted to the identity key of remote,
// addressed to the given devices.
func ToAsymmetric(remote obvidentity.Identity, devices ...obvidentity.UID) SendChannelInfo {
	return SendChannelInfo{Kind: SendAsymmetricChannel, ToIdentity: remote, DeviceUIDs: devices}
}

// ToUserInterface posts a dialog to the application.
func ToUserInterface(dialog string) SendChannelInfo {
	return SendChannelInfo{Kind: SendUserInterface, Dialog: dialog}
}

// SendOutcome is the result of a send attempt that did not fail.
type SendOutcome int

const (
	// Sent means the message was handed to at least one channel.
	Sent SendOutcome = iota

	// Unreachable means no acceptable channel exists for the
	// destination. Callers decide whether this is fatal.
	Unreachable
)

func (o SendOutcome) String() string {
	if o == Unreachable {
		return "unreachable"
	}
	return "sent"
}
