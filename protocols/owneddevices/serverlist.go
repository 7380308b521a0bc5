package owneddevices

import (
	"fmt"
	"io"
	"time"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/internal/strescape"
	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ServerDevice is the server view of one owned device.
type ServerDevice struct {
	UID    obvidentity.UID
	PreKey *obvcrypto.SignedPreKey
	Info   protocol.ServerDeviceInfo
}

// ServerDeviceList is the plaintext of the owned device discovery response.
type ServerDeviceList struct {
	ServerTimestamp int64 // unix ms
	Devices         []ServerDevice
}

// Seal encodes the list and seals it to the encryption key of owned, which
// is the form in which the server answers.
func (l *ServerDeviceList) Seal(rnd io.Reader, owned obvidentity.Identity) ([]byte, error) {
	enc, err := encoded.Encode(l)
	if err != nil {
		return nil, err
	}
	return obvcrypto.SealToPublicKey(rnd, &owned.Key, enc)
}

// serverDevices is a decoded device list indexed by device uid. Iteration
// follows the order of the server answer.
type serverDevices struct {
	timestamp time.Time
	devices   *orderedmap.OrderedMap[obvidentity.UID, ServerDevice]
}

func openServerDeviceList(sc *protocol.StepContext, sealed []byte) (*serverDevices, error) {
	plain, err := sc.Delegates.Identity.DecryptWithOwnedKey(sc.Tx, sc.Owned, sealed)
	if err != nil {
		return nil, fmt.Errorf("unable to open owned device list: %w", err)
	}
	var list ServerDeviceList
	if err := encoded.Value(plain).Decode(&list); err != nil {
		return nil, fmt.Errorf("unable to decode owned device list: %w", err)
	}
	res := &serverDevices{
		timestamp: time.UnixMilli(list.ServerTimestamp),
		devices:   orderedmap.New[obvidentity.UID, ServerDevice](len(list.Devices)),
	}
	for _, dev := range list.Devices {
		dev.Info.Name = strescape.DeviceName(dev.Info.Name)
		if _, dup := res.devices.Set(dev.UID, dev); dup {
			return nil, fmt.Errorf("device %s listed twice", dev.UID.ShortLogID())
		}
	}
	return res, nil
}
