package obvidentity

import (
	"encoding/json"
	"maps"
)

// IdentityDetails are the user-facing details an identity publishes to its
// contacts.
type IdentityDetails struct {
	FirstName         string            `json:"first_name,omitempty"`
	LastName          string            `json:"last_name,omitempty"`
	Company           string            `json:"company,omitempty"`
	Position          string            `json:"position,omitempty"`
	SignedUserDetails string            `json:"signed_user_details,omitempty"`
	CustomFields      map[string]string `json:"custom_fields,omitempty"`
}

// Equal returns true if both details carry the same values.
func (d *IdentityDetails) Equal(o *IdentityDetails) bool {
	return d.FirstName == o.FirstName && d.LastName == o.LastName &&
		d.Company == o.Company && d.Position == o.Position &&
		d.SignedUserDetails == o.SignedUserDetails &&
		maps.Equal(d.CustomFields, o.CustomFields)
}

// DetailsWithVersionAndPhoto is a published revision of identity details.
// When the revision has a photo, PhotoServerLabel and PhotoServerKey locate
// and decrypt the photo stored on the server.
type DetailsWithVersionAndPhoto struct {
	Version          int                    `json:"version"`
	Details          IdentityDetails        `json:"details"`
	PhotoServerLabel *UID                   `json:"photo_server_label,omitempty"`
	PhotoServerKey   *FixedSizeSymmetricKey `json:"photo_server_key,omitempty"`
}

// HasPhoto returns true when the revision references a server photo.
func (d *DetailsWithVersionAndPhoto) HasPhoto() bool {
	return d.PhotoServerLabel != nil && d.PhotoServerKey != nil
}

// SamePhoto returns true when both revisions reference the same server photo.
func (d *DetailsWithVersionAndPhoto) SamePhoto(o *DetailsWithVersionAndPhoto) bool {
	if d.HasPhoto() != o.HasPhoto() {
		return false
	}
	if !d.HasPhoto() {
		return true
	}
	return *d.PhotoServerLabel == *o.PhotoServerLabel &&
		*d.PhotoServerKey == *o.PhotoServerKey
}

// Marshal returns the json encoding of the revision, which is the form in
// which details travel between devices.
func (d *DetailsWithVersionAndPhoto) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDetails decodes a json encoded revision.
func UnmarshalDetails(b []byte) (*DetailsWithVersionAndPhoto, error) {
	var d DetailsWithVersionAndPhoto
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GroupDetails are the details of a group.
type GroupDetails struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// GroupDetailsWithVersionAndPhoto is a published revision of group details.
type GroupDetailsWithVersionAndPhoto struct {
	Version          int                    `json:"version"`
	Details          GroupDetails           `json:"details"`
	PhotoServerLabel *UID                   `json:"photo_server_label,omitempty"`
	PhotoServerKey   *FixedSizeSymmetricKey `json:"photo_server_key,omitempty"`
}

// HasPhoto returns true when the revision references a server photo.
func (d *GroupDetailsWithVersionAndPhoto) HasPhoto() bool {
	return d.PhotoServerLabel != nil && d.PhotoServerKey != nil
}
