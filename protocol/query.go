package protocol

import (
	"fmt"
	"time"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
)

// ServerQueryKind is the kind of server query.
type ServerQueryKind int

const (
	QueryDeviceDiscovery ServerQueryKind = iota
	QueryGetUserData
	QueryPutUserData
	QueryOwnedDeviceDiscovery
	QueryDeviceManagement
	QueryUploadPreKey
)

func (k ServerQueryKind) String() string {
	switch k {
	case QueryDeviceDiscovery:
		return "DeviceDiscovery"
	case QueryGetUserData:
		return "GetUserData"
	case QueryPutUserData:
		return "PutUserData"
	case QueryOwnedDeviceDiscovery:
		return "OwnedDeviceDiscovery"
	case QueryDeviceManagement:
		return "DeviceManagement"
	case QueryUploadPreKey:
		return "UploadPreKey"
	default:
		return fmt.Sprintf("query(%d)", int(k))
	}
}

// DeviceAction is an owned device management action performed by the
// server.
type DeviceAction int

const (
	DeviceActionSetName DeviceAction = iota
	DeviceActionDeactivate
	DeviceActionSetUnexpiring
)

func (a DeviceAction) String() string {
	switch a {
	case DeviceActionSetName:
		return "set-name"
	case DeviceActionDeactivate:
		return "deactivate"
	case DeviceActionSetUnexpiring:
		return "set-unexpiring"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ServerQuery is a request to the server. The response is delivered later as
// a ReceivedMessage for (Protocol, InstanceUID) with id ResponseMessageID,
// reception channel ReceptionServerQuery and EncodedResponse set. An empty
// response means the queried resource does not exist or the query expired.
//
// Only the fields relevant to Kind are set.
type ServerQuery struct {
	Owned             obvidentity.Identity
	Protocol          ID
	InstanceUID       obvidentity.UID
	ResponseMessageID MessageID
	Kind              ServerQueryKind

	// Identity is the target of device discovery and user data queries.
	Identity obvidentity.Identity

	// Label locates user data on the server.
	Label obvidentity.UID

	// DataPath and DataKey are the file and encryption key of uploaded
	// user data.
	DataPath string
	DataKey  obvidentity.FixedSizeSymmetricKey

	Action        DeviceAction
	DeviceUID     obvidentity.UID
	EncryptedName []byte

	PreKey *obvcrypto.SignedPreKey
}

func (q *ServerQuery) String() string {
	return fmt.Sprintf("%s(%s/%s)", q.Kind, q.Protocol, q.InstanceUID.ShortLogID())
}

// Response builds the message that delivers resp as the response to q. A nil
// resp is an empty response.
func (q *ServerQuery) Response(resp encoded.Value, now time.Time) *ReceivedMessage {
	return &ReceivedMessage{
		ID:              obvidentity.NewUID(nil),
		Owned:           q.Owned,
		Protocol:        q.Protocol,
		InstanceUID:     q.InstanceUID,
		MessageID:       q.ResponseMessageID,
		EncodedResponse: resp,
		Channel:         ServerQueryReception(),
		Received:        now,
	}
}
