// Package photodownload implements the child protocols that download the
// photo of a contact, of an owner-managed group and of a server-managed
// group. The three protocols share states and steps and only differ in where
// the downloaded photo is installed.
package photodownload

import (
	"errors"
	"fmt"
	"os"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

const (
	stateInitial protocol.StateID = iota
	stateDownloadingPhoto
	statePhotoDownloaded
)

const (
	msgInitial protocol.MessageID = iota
	msgServerGetPhoto
)

// Target is where a downloaded photo is installed.
type Target struct {
	// Identity is the contact for identity photos and the group owner for
	// owner-managed groups.
	Identity obvidentity.Identity
	GroupUID obvidentity.UID
	GroupV2  *protocol.GroupV2Identifier
}

func (t *Target) String() string {
	switch {
	case t.GroupV2 != nil:
		return fmt.Sprintf("group v2 %s", t.GroupV2.UID.ShortLogID())
	case !t.GroupUID.IsEmpty():
		return fmt.Sprintf("group %s of %s", t.GroupUID.ShortLogID(), t.Identity.ShortLogID())
	default:
		return fmt.Sprintf("contact %s", t.Identity.ShortLogID())
	}
}

// Initial is the state of new instances.
type Initial struct{}

func (*Initial) StateID() protocol.StateID { return stateInitial }

// DownloadingPhoto is the state while the server fetches the photo.
type DownloadingPhoto struct {
	Target  Target
	Version int
	Key     obvidentity.FixedSizeSymmetricKey
}

func (*DownloadingPhoto) StateID() protocol.StateID { return stateDownloadingPhoto }

// PhotoDownloaded is the final state. It is also reached when there was
// nothing to download.
type PhotoDownloaded struct{}

func (*PhotoDownloaded) StateID() protocol.StateID { return statePhotoDownloaded }

// Start starts the download of a photo. A missing label or key means the
// details reference no photo.
type Start struct {
	Target  Target
	Version int
	Label   *obvidentity.UID
	Key     *obvidentity.FixedSizeSymmetricKey
}

func (*Start) MessageID() protocol.MessageID { return msgInitial }

func (m *Start) Inputs() ([]encoded.Value, error) {
	return encoded.EncodeAll(m.Target, m.Version, m.Label, m.Key)
}

func (m *Start) Decode(rm *protocol.ReceivedMessage) error {
	return rm.DecodeInputs(&m.Target, &m.Version, &m.Label, &m.Key)
}

// NewIdentityPhotoStart returns the message that downloads the photo of a
// contact referenced by details.
func NewIdentityPhotoStart(contact obvidentity.Identity, details *obvidentity.DetailsWithVersionAndPhoto) *Start {
	return &Start{
		Target:  Target{Identity: contact},
		Version: details.Version,
		Label:   details.PhotoServerLabel,
		Key:     details.PhotoServerKey,
	}
}

// NewGroupPhotoStart returns the message that downloads the photo of an
// owner-managed group.
func NewGroupPhotoStart(owner obvidentity.Identity, groupUID obvidentity.UID,
	details *obvidentity.GroupDetailsWithVersionAndPhoto) *Start {
	return &Start{
		Target:  Target{Identity: owner, GroupUID: groupUID},
		Version: details.Version,
		Label:   details.PhotoServerLabel,
		Key:     details.PhotoServerKey,
	}
}

// NewGroupV2PhotoStart returns the message that downloads the photo of a
// server-managed group.
func NewGroupV2PhotoStart(group protocol.GroupV2Identifier, version int,
	label *obvidentity.UID, key *obvidentity.FixedSizeSymmetricKey) *Start {
	return &Start{
		Target:  Target{GroupV2: &group},
		Version: version,
		Label:   label,
		Key:     key,
	}
}

// DownloadedPhoto is the server response to a photo query: the path of the
// file holding the encrypted photo.
type DownloadedPhoto struct {
	Path string
}

// serverGetPhotoResponse is the answer to the photo query. A response that
// does not decode is kept in BadResponse and handled as an empty one.
type serverGetPhotoResponse struct {
	Found       bool
	Photo       DownloadedPhoto
	BadResponse error
}

func (*serverGetPhotoResponse) MessageID() protocol.MessageID { return msgServerGetPhoto }

func (*serverGetPhotoResponse) Inputs() ([]encoded.Value, error) { return nil, nil }

func (m *serverGetPhotoResponse) Decode(rm *protocol.ReceivedMessage) error {
	if err := rm.DecodeInputs(); err != nil {
		return err
	}
	if err := rm.DecodeResponse(&m.Photo); err != nil {
		m.BadResponse = err
		return nil
	}
	m.Found = rm.HasResponse()
	return nil
}

// Config is the configuration shared by the photo download protocols.
type Config struct {
	// ReadFile and RemoveFile access the files written by the server
	// query layer. They default to os.ReadFile and os.Remove.
	ReadFile   func(path string) ([]byte, error)
	RemoveFile func(path string) error
}

// Definition is one of the photo download protocols.
type Definition struct {
	id  protocol.ID
	cfg Config
}

var _ protocol.Definition = (*Definition)(nil)

func newDefinition(id protocol.ID, cfg Config) *Definition {
	if cfg.ReadFile == nil {
		cfg.ReadFile = os.ReadFile
	}
	if cfg.RemoveFile == nil {
		cfg.RemoveFile = os.Remove
	}
	return &Definition{id: id, cfg: cfg}
}

// NewIdentityPhoto returns the contact photo download protocol.
func NewIdentityPhoto(cfg Config) *Definition {
	return newDefinition(protocol.DownloadIdentityPhotoChildID, cfg)
}

// NewGroupPhoto returns the owner-managed group photo download protocol.
func NewGroupPhoto(cfg Config) *Definition {
	return newDefinition(protocol.DownloadGroupPhotoChildID, cfg)
}

// NewGroupV2Photo returns the server-managed group photo download protocol.
func NewGroupV2Photo(cfg Config) *Definition {
	return newDefinition(protocol.DownloadGroupV2PhotoID, cfg)
}

func (d *Definition) ID() protocol.ID                  { return d.id }
func (d *Definition) InitialState() protocol.State     { return &Initial{} }
func (d *Definition) IsFinal(id protocol.StateID) bool { return id == statePhotoDownloaded }
func (d *Definition) EraseAfterFinal() bool            { return true }

func (d *Definition) DecodeState(id protocol.StateID, v encoded.Value) (protocol.State, error) {
	switch id {
	case stateInitial:
		return protocol.DecodeStateAs[Initial](v)
	case stateDownloadingPhoto:
		return protocol.DecodeStateAs[DownloadingPhoto](v)
	case statePhotoDownloaded:
		return protocol.DecodeStateAs[PhotoDownloaded](v)
	}
	return nil, fmt.Errorf("unknown state id %d", id)
}

func (d *Definition) DecodeMessage(rm *protocol.ReceivedMessage) (protocol.Message, error) {
	switch rm.MessageID {
	case msgInitial:
		return protocol.DecodeMessageAs[Start](rm)
	case msgServerGetPhoto:
		return protocol.DecodeMessageAs[serverGetPhotoResponse](rm)
	}
	return nil, protocol.UnknownMessage(rm.Protocol, rm.MessageID)
}

func (d *Definition) Steps(st protocol.State) []protocol.Step {
	switch st.(type) {
	case *Initial:
		return []protocol.Step{
			protocol.NewStep("QueryServerForPhoto", protocol.Local, d.queryServerForPhoto),
		}
	case *DownloadingPhoto:
		return []protocol.Step{
			protocol.NewStep("ProcessPhoto", protocol.ServerQueryResponse, d.processPhoto),
		}
	}
	return nil
}

func (d *Definition) queryServerForPhoto(sc *protocol.StepContext, st *Initial, msg *Start) (protocol.State, error) {
	if msg.Label == nil || msg.Key == nil {
		sc.Log.Debugf("No photo to download for %s", &msg.Target)
		return &PhotoDownloaded{}, nil
	}
	q := &protocol.ServerQuery{
		Kind:     protocol.QueryGetUserData,
		Identity: msg.Target.Identity,
		Label:    *msg.Label,
	}
	if err := sc.PostServerQuery(q, msgServerGetPhoto); err != nil {
		return nil, err
	}
	return &DownloadingPhoto{Target: msg.Target, Version: msg.Version, Key: *msg.Key}, nil
}

func (d *Definition) processPhoto(sc *protocol.StepContext, st *DownloadingPhoto, msg *serverGetPhotoResponse) (protocol.State, error) {
	if msg.BadResponse != nil {
		sc.Log.Warnf("Invalid photo query response for %s: %v", &st.Target, msg.BadResponse)
		return &PhotoDownloaded{}, nil
	}
	if !msg.Found || msg.Photo.Path == "" {
		sc.Log.Debugf("Photo of %s is no longer on the server", &st.Target)
		return &PhotoDownloaded{}, nil
	}
	path := msg.Photo.Path
	log := sc.Log
	sc.AfterCommit(func() {
		if err := d.cfg.RemoveFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Unable to remove downloaded photo file %s: %v", path, err)
		}
	})

	box, err := d.cfg.ReadFile(path)
	if err != nil {
		sc.Log.Warnf("Unable to read downloaded photo of %s: %v", &st.Target, err)
		return &PhotoDownloaded{}, nil
	}
	photo, err := obvcrypto.Open(&st.Key, box)
	if err != nil {
		sc.Log.Warnf("Unable to decrypt photo of %s: %v", &st.Target, err)
		return &PhotoDownloaded{}, nil
	}

	installed, err := d.install(sc, st, photo)
	if err != nil {
		return nil, err
	}
	if !installed {
		sc.Log.Debugf("Dropping photo of deleted %s", &st.Target)
		return &PhotoDownloaded{}, nil
	}
	sc.Log.Infof("Installed photo version %d of %s (%d bytes)", st.Version,
		&st.Target, len(photo))
	return &PhotoDownloaded{}, nil
}

// install hands photo to the identity manager. It returns false when the
// contact the photo belongs to was deleted meanwhile.
func (d *Definition) install(sc *protocol.StepContext, st *DownloadingPhoto, photo []byte) (bool, error) {
	id := sc.Delegates.Identity
	t := &st.Target
	var err error
	switch d.id {
	case protocol.DownloadIdentityPhotoChildID:
		exists, err := id.ContactExists(sc.Tx, sc.Owned, t.Identity)
		if err != nil || !exists {
			return false, err
		}
		err = id.SetContactPhoto(sc.Tx, sc.Owned, t.Identity, st.Version, photo)
		return err == nil, err
	case protocol.DownloadGroupPhotoChildID:
		err = id.SetGroupPhoto(sc.Tx, sc.Owned, t.Identity, t.GroupUID, st.Version, photo)
	case protocol.DownloadGroupV2PhotoID:
		if t.GroupV2 == nil {
			return false, fmt.Errorf("photo target %s is not a group v2", t)
		}
		err = id.SetGroupV2Photo(sc.Tx, sc.Owned, *t.GroupV2, st.Version, photo)
	default:
		err = fmt.Errorf("protocol %s does not download photos", d.id)
	}
	return err == nil, err
}
