// Package detailspub implements the identity details publication protocol.
// A new revision of the owned details is sent to every contact, after the
// photo of the revision, if any, was uploaded to the server.
package detailspub

import (
	"fmt"
	"io"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/photodownload"
)

const (
	stateInitial protocol.StateID = iota
	stateUploadingPhoto
	stateDetailsSent
)

const (
	msgInitial protocol.MessageID = iota
	msgServerPutPhoto
	msgSendDetails
)

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// UploadingPhoto is the state while the photo of revision Version is
// uploaded.
type UploadingPhoto struct {
	Version int
}

func (*UploadingPhoto) StateID() protocol.StateID { return stateUploadingPhoto }

// DetailsSent is the final state.
type DetailsSent struct{}

func (*DetailsSent) StateID() protocol.StateID { return stateDetailsSent }

// Publish publishes revision Version of the owned details.
type Publish struct {
	Version int
}

func (*Publish) MessageID() protocol.MessageID { return msgInitial }

func (m *Publish) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Version)
}

func (m *Publish) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Version)
}

type serverPutPhotoResponse struct {
	Stored bool
}

func (*serverPutPhotoResponse) MessageID() protocol.MessageID { return msgServerPutPhoto }

func (*serverPutPhotoResponse) Inputs() ([]encoded.Value, error) { return nil, nil }

func (m *serverPutPhotoResponse) Decode(rm *protocol.ReceivedMessage) error {
	m.Stored = rm.HasResponse()
	return rm.DecodeInputs()
}

// SendDetails carries the json encoded details revision to a contact.
type SendDetails struct {
	Details []byte
}

func (*SendDetails) MessageID() protocol.MessageID { return msgSendDetails }

func (m *SendDetails) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Details)
}

func (m *SendDetails) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Details)
}

// Definition is the identity details publication protocol.
type Definition struct{}

var _ protocol.Definition = (*Definition)(nil)

func (*Definition) ID() protocol.ID                  { return protocol.IdentityDetailsPublicationID }
func (*Definition) InitialState() protocol.State     { return &Initial{} }
func (*Definition) IsFinal(id protocol.StateID) bool { return id == stateDetailsSent }
func (*Definition) EraseAfterFinal() bool            { return true }

func (*Definition) DecodeState(id protocol.StateID, v encoded.Value) (protocol.State, error) {
	switch id {
	case stateInitial:
		return protocol.DecodeStateAs[Initial](v)
	case stateUploadingPhoto:
		return protocol.DecodeStateAs[UploadingPhoto](v)
	case stateDetailsSent:
		return protocol.DecodeStateAs[DetailsSent](v)
	}
	return nil, fmt.Errorf("unknown state id %d", id)
}

func (*Definition) DecodeMessage(rm *protocol.ReceivedMessage) (protocol.Message, error) {
	switch rm.MessageID {
	case msgInitial:
		return protocol.DecodeMessageAs[Publish](rm)
	case msgServerPutPhoto:
		return protocol.DecodeMessageAs[serverPutPhotoResponse](rm)
	case msgSendDetails:
		return protocol.DecodeMessageAs[SendDetails](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (*Definition) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("PublishDetails", protocol.Local, publishDetails),
			protocol.NewStep("ProcessDetails", protocol.AnyObliviousChannelWithContact, processDetails),
		}
	case *UploadingPhoto:
		return []protocol.Step{
			protocol.NewStep("SendDetailsAfterUpload", protocol.ServerQueryResponse, sendDetailsAfterUpload),
		}
	}
	return nil
}

// ownedDetails returns the published details if they are still at the given
// revision.
func ownedDetails(sc *protocol.StepContext, version int) (*protocol.OwnedDetails, error) {
	od, err := sc.Delegates.Identity.OwnedPublishedDetails(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	if od == nil || od.Details.Version != version {
		return nil, nil
	}
	return od, nil
}

func publishDetails(sc *protocol.StepContext, st *Initial, msg *Publish) (protocol.State, error) {
	od, err := ownedDetails(sc, msg.Version)
	if err != nil {
		return nil, err
	}
	if od == nil {
		sc.Log.Debugf("Details version %d superseded before publication", msg.Version)
		return &DetailsSent{}, nil
	}

	if od.PhotoPath == "" || od.Details.HasPhoto() {
		return sendDetails(sc, &od.Details)
	}

	label := obvidentity.NewUID(sc.Rand)
	var key obvidentity.FixedSizeSymmetricKey
	if _, err := io.ReadFull(sc.Rand, key[:]); err != nil {
		return nil, err
	}
	err = sc.Delegates.Identity.SetOwnedDetailsPhotoLabelAndKey(sc.Tx, sc.Owned,
		msg.Version, label, key)
	if err != nil {
		return nil, err
	}
	q := &protocol.ServerQuery{
		Kind:     protocol.QueryPutUserData,
		Label:    label,
		DataPath: od.PhotoPath,
		DataKey:  key,
	}
	if err := sc.PostServerQuery(q, msgServerPutPhoto); err != nil {
		return nil, err
	}
	sc.Log.Debugf("Uploading photo of details version %d", msg.Version)
	return &UploadingPhoto{Version: msg.Version}, nil
}

func sendDetailsAfterUpload(sc *protocol.StepContext, st *UploadingPhoto, msg *serverPutPhotoResponse) (protocol.State, error) {
	if !msg.Stored {
		sc.Log.Warnf("Server did not store the photo of details version %d", st.Version)
	}
	od, err := ownedDetails(sc, st.Version)
	if err != nil {
		return nil, err
	}
	if od == nil {
		sc.Log.Debugf("Details version %d superseded during photo upload", st.Version)
		return &DetailsSent{}, nil
	}
	return sendDetails(sc, &od.Details)
}

func sendDetails(sc *protocol.StepContext, details *obvidentity.DetailsWithVersionAndPhoto) (protocol.State, error) {
	b, err := details.Marshal()
	if err != nil {
		return nil, err
	}
	contacts, err := sc.Delegates.Identity.Contacts(sc.Tx, sc.Owned)
	if err != nil {
		return nil, err
	}
	var unreachable int
	for _, c := range contacts {
		outcome, err := sc.PostBestEffort(protocol.ToContact(c), &SendDetails{Details: b})
		if err != nil {
			return nil, err
		}
		if outcome == protocol.Unreachable {
			unreachable++
		}
	}
	if unreachable > 0 {
		sc.Log.Warnf("Details version %d not sent to %d of %d contacts",
			details.Version, unreachable, len(contacts))
	}
	return &DetailsSent{}, nil
}

func processDetails(sc *protocol.StepContext, st *Initial, msg *SendDetails) (protocol.State, error) {
	id := sc.Delegates.Identity
	contact := sc.Channel.RemoteIdentity
	details, err := obvidentity.UnmarshalDetails(msg.Details)
	if err != nil {
		sc.Log.Warnf("Invalid details from %s: %v", contact.ShortLogID(), err)
		return &DetailsSent{}, nil
	}
	exists, err := id.ContactExists(sc.Tx, sc.Owned, contact)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &DetailsSent{}, nil
	}

	trusted, photoCached, err := id.ContactTrustedDetails(sc.Tx, sc.Owned, contact)
	if err != nil {
		return nil, err
	}
	if details.HasPhoto() && (trusted == nil || !trusted.SamePhoto(details) || !photoCached) {
		start := photodownload.NewIdentityPhotoStart(contact, details)
		if _, err := sc.StartProtocol(protocol.DownloadIdentityPhotoChildID, start); err != nil {
			return nil, err
		}
	}
	if err := id.SetContactPublishedDetails(sc.Tx, sc.Owned, contact, details); err != nil {
		return nil, err
	}
	return &DetailsSent{}, nil
}
