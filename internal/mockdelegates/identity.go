// Package mockdelegates provides in-memory protocol delegates for tests.
package mockdelegates

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/companyzero/protoengine/capability"
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

var (
	ErrUnknownOwned   = errors.New("unknown owned identity")
	ErrNotContact     = errors.New("not a contact")
	ErrContactInGroup = errors.New("contact is a member of a group")
	ErrUnknownDevice  = errors.New("unknown device")
)

// Contact is the mock record of a contact.
type Contact struct {
	Identity    obvidentity.Identity
	Details     []byte
	OneToOne    bool
	Origins     []protocol.TrustOrigin
	Devices     []obvidentity.UID
	DeviceCaps  map[obvidentity.UID]capability.Set
	Published   *obvidentity.DetailsWithVersionAndPhoto
	Trusted     *obvidentity.DetailsWithVersionAndPhoto
	PhotoCached bool
	Photo       []byte
}

// Owned is the mock record of an owned identity.
type Owned struct {
	Identity        *obvidentity.OwnedIdentity
	CurrentDevice   obvidentity.UID
	Devices         []protocol.OwnedDevice
	OwnCaps         capability.Set
	OwnCapsWrites   int
	OwnedDeviceCaps map[obvidentity.UID]capability.Set
	Contacts        []*Contact
	OwnedGroups     []protocol.GroupV1
	JoinedGroups    []protocol.GroupV1
	Details         *protocol.OwnedDetails
	PreKeys         []*obvcrypto.SignedPreKey
	Keycloak        *protocol.KeycloakState
	SyncAtoms       []protocol.SyncAtom
	GroupPhotos     map[obvidentity.UID][]byte
	GroupV2Photos   map[protocol.GroupV2Identifier][]byte
	Deleted         bool
}

func (o *Owned) contact(id obvidentity.Identity) *Contact {
	for _, c := range o.Contacts {
		if c.Identity == id {
			return c
		}
	}
	return nil
}

// Identity is an in-memory protocol.IdentityDelegate.
type Identity struct {
	mtx   sync.Mutex
	owned map[obvidentity.Identity]*Owned
	rnd   io.Reader
}

var _ protocol.IdentityDelegate = (*Identity)(nil)

// NewIdentity returns an empty identity manager.
func NewIdentity() *Identity {
	return &Identity{owned: make(map[obvidentity.Identity]*Owned), rnd: rand.Reader}
}

// AddOwned registers an owned identity running on device current. The
// current device is the only known owned device.
func (id *Identity) AddOwned(oi *obvidentity.OwnedIdentity, current obvidentity.UID) *Owned {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o := &Owned{
		Identity:        oi,
		CurrentDevice:   current,
		Devices:         []protocol.OwnedDevice{{UID: current, Current: true}},
		OwnCaps:         capability.NewSet(),
		OwnedDeviceCaps: make(map[obvidentity.UID]capability.Set),
		Details:         &protocol.OwnedDetails{Details: obvidentity.DetailsWithVersionAndPhoto{Version: 1}},
		GroupPhotos:     make(map[obvidentity.UID][]byte),
		GroupV2Photos:   make(map[protocol.GroupV2Identifier][]byte),
	}
	id.owned[oi.Public] = o
	return o
}

// Owned returns the mock record of an owned identity. The returned record
// must only be inspected when no step is running.
func (id *Identity) Owned(owned obvidentity.Identity) *Owned {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	return id.owned[owned]
}

// AddTestContact adds contact with the given devices.
func (id *Identity) AddTestContact(owned, contact obvidentity.Identity, devices ...obvidentity.UID) *Contact {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o := id.owned[owned]
	c := &Contact{
		Identity:   contact,
		OneToOne:   true,
		Devices:    slices.Clone(devices),
		DeviceCaps: make(map[obvidentity.UID]capability.Set),
	}
	o.Contacts = append(o.Contacts, c)
	return c
}

// AddTestOwnedDevice adds another device to an owned identity.
func (id *Identity) AddTestOwnedDevice(owned obvidentity.Identity, dev protocol.OwnedDevice) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o := id.owned[owned]
	o.Devices = append(o.Devices, dev)
}

func (id *Identity) get(owned obvidentity.Identity) (*Owned, error) {
	o, ok := id.owned[owned]
	if !ok || o.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwned, owned)
	}
	return o, nil
}

func (id *Identity) getContact(owned, contact obvidentity.Identity) (*Owned, *Contact, error) {
	o, err := id.get(owned)
	if err != nil {
		return nil, nil, err
	}
	c := o.contact(contact)
	if c == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotContact, contact)
	}
	return o, c, nil
}

func (id *Identity) Contacts(tx protocol.ReadTx, owned obvidentity.Identity) ([]obvidentity.Identity, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	res := make([]obvidentity.Identity, 0, len(o.Contacts))
	for _, c := range o.Contacts {
		res = append(res, c.Identity)
	}
	return res, nil
}

func (id *Identity) ContactExists(tx protocol.ReadTx, owned, contact obvidentity.Identity) (bool, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return false, err
	}
	return o.contact(contact) != nil, nil
}

func (id *Identity) AddContact(tx protocol.ReadWriteTx, owned, contact obvidentity.Identity,
	origin protocol.TrustOrigin, details []byte, oneToOne bool) error {

	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	if o.contact(contact) != nil {
		return fmt.Errorf("contact %s already exists", contact)
	}
	o.Contacts = append(o.Contacts, &Contact{
		Identity:   contact,
		Details:    details,
		OneToOne:   oneToOne,
		Origins:    []protocol.TrustOrigin{origin},
		DeviceCaps: make(map[obvidentity.UID]capability.Set),
	})
	return nil
}

func (id *Identity) AddTrustOrigin(tx protocol.ReadWriteTx, owned, contact obvidentity.Identity, origin protocol.TrustOrigin) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return err
	}
	c.Origins = append(c.Origins, origin)
	return nil
}

func isMember(groups []protocol.GroupV1, contact obvidentity.Identity) bool {
	for _, g := range groups {
		if slices.Contains(g.Members, contact) {
			return true
		}
	}
	return false
}

func (id *Identity) DeleteContact(tx protocol.ReadWriteTx, owned, contact obvidentity.Identity, failIfGroupMember bool) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, _, err := id.getContact(owned, contact)
	if err != nil {
		return err
	}
	if failIfGroupMember && (isMember(o.OwnedGroups, contact) || isMember(o.JoinedGroups, contact)) {
		return ErrContactInGroup
	}
	o.Contacts = slices.DeleteFunc(o.Contacts, func(c *Contact) bool { return c.Identity == contact })
	return nil
}

func (id *Identity) IsContactOneToOne(tx protocol.ReadTx, owned, contact obvidentity.Identity) (bool, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return false, err
	}
	return c.OneToOne, nil
}

func (id *Identity) SetContactOneToOne(tx protocol.ReadWriteTx, owned, contact obvidentity.Identity, oneToOne bool) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return err
	}
	c.OneToOne = oneToOne
	return nil
}

func (id *Identity) ContactDeviceUIDs(tx protocol.ReadTx, owned, contact obvidentity.Identity) ([]obvidentity.UID, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return nil, err
	}
	return slices.Clone(c.Devices), nil
}

func (id *Identity) AddContactDevice(tx protocol.ReadWriteTx, owned, contact obvidentity.Identity, device obvidentity.UID) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return err
	}
	if !slices.Contains(c.Devices, device) {
		c.Devices = append(c.Devices, device)
	}
	return nil
}

func (id *Identity) RemoveContactDevice(tx protocol.ReadWriteTx, owned, contact obvidentity.Identity, device obvidentity.UID) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return err
	}
	c.Devices = slices.DeleteFunc(c.Devices, func(d obvidentity.UID) bool { return d == device })
	delete(c.DeviceCaps, device)
	return nil
}

func (id *Identity) OwnCapabilities(tx protocol.ReadTx, owned obvidentity.Identity) (capability.Set, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return capability.Set{}, err
	}
	return o.OwnCaps.Clone(), nil
}

func (id *Identity) SetOwnCapabilities(tx protocol.ReadWriteTx, owned obvidentity.Identity, caps capability.Set) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.OwnCaps = caps.Clone()
	o.OwnCapsWrites++
	return nil
}

func (id *Identity) ContactDeviceCapabilities(tx protocol.ReadTx, owned, contact obvidentity.Identity, device obvidentity.UID) (*capability.Set, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return nil, err
	}
	caps, ok := c.DeviceCaps[device]
	if !ok {
		return nil, nil
	}
	caps = caps.Clone()
	return &caps, nil
}

func (id *Identity) SetContactDeviceCapabilities(tx protocol.ReadWriteTx, owned, contact obvidentity.Identity, device obvidentity.UID, caps capability.Set) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return err
	}
	c.DeviceCaps[device] = caps.Clone()
	return nil
}

func (id *Identity) OwnedDeviceCapabilities(tx protocol.ReadTx, owned obvidentity.Identity, device obvidentity.UID) (*capability.Set, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	caps, ok := o.OwnedDeviceCaps[device]
	if !ok {
		return nil, nil
	}
	caps = caps.Clone()
	return &caps, nil
}

func (id *Identity) SetOwnedDeviceCapabilities(tx protocol.ReadWriteTx, owned obvidentity.Identity, device obvidentity.UID, caps capability.Set) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.OwnedDeviceCaps[device] = caps.Clone()
	return nil
}

func (id *Identity) CurrentDeviceUID(tx protocol.ReadTx, owned obvidentity.Identity) (obvidentity.UID, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return obvidentity.UID{}, err
	}
	return o.CurrentDevice, nil
}

func (id *Identity) OwnedDevices(tx protocol.ReadTx, owned obvidentity.Identity) ([]protocol.OwnedDevice, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	return slices.Clone(o.Devices), nil
}

func (id *Identity) AddOwnedDevice(tx protocol.ReadWriteTx, owned obvidentity.Identity, device obvidentity.UID,
	info protocol.ServerDeviceInfo, preKey *obvcrypto.SignedPreKey) error {

	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.Devices = append(o.Devices, protocol.OwnedDevice{UID: device, Info: info, PreKey: preKey})
	return nil
}

func (id *Identity) UpdateOwnedDevice(tx protocol.ReadWriteTx, owned obvidentity.Identity, device obvidentity.UID,
	info protocol.ServerDeviceInfo, preKey *obvcrypto.SignedPreKey) error {

	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	for i := range o.Devices {
		if o.Devices[i].UID == device {
			o.Devices[i].Info = info
			o.Devices[i].PreKey = preKey
			return nil
		}
	}
	return ErrUnknownDevice
}

func (id *Identity) RemoveOwnedDevice(tx protocol.ReadWriteTx, owned obvidentity.Identity, device obvidentity.UID) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.Devices = slices.DeleteFunc(o.Devices, func(d protocol.OwnedDevice) bool { return d.UID == device })
	delete(o.OwnedDeviceCaps, device)
	return nil
}

func (id *Identity) ExpireCurrentDevicePreKeys(tx protocol.ReadWriteTx, owned obvidentity.Identity, serverTime time.Time) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	ms := serverTime.UnixMilli()
	o.PreKeys = slices.DeleteFunc(o.PreKeys, func(pk *obvcrypto.SignedPreKey) bool {
		return pk.Expiration <= ms
	})
	return nil
}

func (id *Identity) LatestCurrentDevicePreKey(tx protocol.ReadTx, owned obvidentity.Identity) (*obvcrypto.SignedPreKey, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	var latest *obvcrypto.SignedPreKey
	for _, pk := range o.PreKeys {
		if latest == nil || pk.Expiration > latest.Expiration {
			latest = pk
		}
	}
	return latest, nil
}

func (id *Identity) GenerateCurrentDevicePreKey(tx protocol.ReadWriteTx, owned obvidentity.Identity, expiration time.Time) (*obvcrypto.SignedPreKey, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	spk, _, err := obvcrypto.NewSignedPreKey(id.rnd, o.Identity, o.CurrentDevice, expiration)
	if err != nil {
		return nil, err
	}
	o.PreKeys = append(o.PreKeys, spk)
	return spk, nil
}

// AddTestPreKey stores a pre-key for the current device.
func (id *Identity) AddTestPreKey(owned obvidentity.Identity, spk *obvcrypto.SignedPreKey) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o := id.owned[owned]
	o.PreKeys = append(o.PreKeys, spk)
}

func (id *Identity) DecryptWithOwnedKey(tx protocol.ReadTx, owned obvidentity.Identity, sealed []byte) ([]byte, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	return obvcrypto.OpenWithPrivateKey(&o.Identity.PrivateKey, sealed)
}

func (id *Identity) OwnedGroups(tx protocol.ReadTx, owned obvidentity.Identity) ([]protocol.GroupV1, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	return slices.Clone(o.OwnedGroups), nil
}

func (id *Identity) JoinedGroups(tx protocol.ReadTx, owned obvidentity.Identity) ([]protocol.GroupV1, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	return slices.Clone(o.JoinedGroups), nil
}

func (id *Identity) GroupsWherePendingMember(tx protocol.ReadTx, owned, contact obvidentity.Identity) ([]protocol.GroupV1, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	var res []protocol.GroupV1
	for _, g := range o.OwnedGroups {
		if slices.Contains(g.PendingMembers, contact) {
			res = append(res, g)
		}
	}
	return res, nil
}

func (id *Identity) GroupsOwnedBy(tx protocol.ReadTx, owned, groupOwner obvidentity.Identity) ([]protocol.GroupV1, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	var res []protocol.GroupV1
	for _, g := range o.JoinedGroups {
		if g.Owner == groupOwner {
			res = append(res, g)
		}
	}
	return res, nil
}

func (id *Identity) LeaveGroup(tx protocol.ReadWriteTx, owned obvidentity.Identity, group protocol.GroupV1) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.JoinedGroups = slices.DeleteFunc(o.JoinedGroups, func(g protocol.GroupV1) bool {
		return g.Owner == group.Owner && g.UID == group.UID
	})
	return nil
}

func (id *Identity) SetGroupPhoto(tx protocol.ReadWriteTx, owned, groupOwner obvidentity.Identity, groupUID obvidentity.UID, version int, photo []byte) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.GroupPhotos[groupUID] = photo
	return nil
}

func (id *Identity) SetGroupV2Photo(tx protocol.ReadWriteTx, owned obvidentity.Identity, group protocol.GroupV2Identifier, version int, photo []byte) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.GroupV2Photos[group] = photo
	return nil
}

func (id *Identity) OwnedPublishedDetails(tx protocol.ReadTx, owned obvidentity.Identity) (*protocol.OwnedDetails, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return nil, err
	}
	d := *o.Details
	return &d, nil
}

func (id *Identity) SetOwnedDetailsPhotoLabelAndKey(tx protocol.ReadWriteTx, owned obvidentity.Identity, version int,
	label obvidentity.UID, key obvidentity.FixedSizeSymmetricKey) error {

	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	if o.Details.Details.Version != version {
		return fmt.Errorf("unknown details version %d", version)
	}
	o.Details.Details.PhotoServerLabel = &label
	o.Details.Details.PhotoServerKey = &key
	return nil
}

func (id *Identity) ContactTrustedDetails(tx protocol.ReadTx, owned, contact obvidentity.Identity) (*obvidentity.DetailsWithVersionAndPhoto, bool, error) {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return nil, false, err
	}
	return c.Trusted, c.PhotoCached, nil
}

func (id *Identity) SetContactPublishedDetails(tx protocol.ReadWriteTx, owned, contact obvidentity.Identity, details *obvidentity.DetailsWithVersionAndPhoto) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return err
	}
	c.Published = details
	return nil
}

func (id *Identity) SetContactPhoto(tx protocol.ReadWriteTx, owned, contact obvidentity.Identity, version int, photo []byte) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	_, c, err := id.getContact(owned, contact)
	if err != nil {
		return err
	}
	c.Photo = photo
	c.PhotoCached = true
	return nil
}

func (id *Identity) BindOwnedIdentityToKeycloak(tx protocol.ReadWriteTx, owned obvidentity.Identity, state protocol.KeycloakState) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.Keycloak = &state
	return nil
}

func (id *Identity) UnbindOwnedIdentityFromKeycloak(tx protocol.ReadWriteTx, owned obvidentity.Identity) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.Keycloak = nil
	return nil
}

func (id *Identity) DeleteOwnedIdentity(tx protocol.ReadWriteTx, owned obvidentity.Identity) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.Deleted = true
	return nil
}

func (id *Identity) ProcessSyncAtom(tx protocol.ReadWriteTx, owned obvidentity.Identity, atom protocol.SyncAtom) error {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	o, err := id.get(owned)
	if err != nil {
		return err
	}
	o.SyncAtoms = append(o.SyncAtoms, atom)
	return nil
}
