package mockdelegates

import (
	"io"
	"slices"
	"sync"

	"github.com/companyzero/protoengine/obvcrypto"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

// ChannelKey identifies an oblivious channel.
type ChannelKey struct {
	Owned  obvidentity.Identity
	Remote obvidentity.Identity
	Device obvidentity.UID
}

// ChannelDeletion records a call that deleted channels. Device is empty when
// every channel with Remote was deleted, and Remote is empty when every
// channel of Owned was deleted.
type ChannelDeletion struct {
	Owned  obvidentity.Identity
	Remote obvidentity.Identity
	Device obvidentity.UID
}

// Channels is an in-memory protocol.ChannelDelegate that records every
// posted message.
type Channels struct {
	mtx          sync.Mutex
	id           *Identity
	sent         []*protocol.OutboundMessage
	unreachable  map[obvidentity.Identity]bool
	deletions    []ChannelDeletion
	sendSeeds    map[ChannelKey]obvcrypto.Seed
	receiveSeeds map[ChannelKey]obvcrypto.Seed
	confirmed    map[ChannelKey]bool

	// PostErr, when set, fails every non-local post.
	PostErr error
}

var _ protocol.ChannelDelegate = (*Channels)(nil)

// NewChannels returns a channel manager that uses id to find out whether
// other owned devices exist.
func NewChannels(id *Identity) *Channels {
	return &Channels{
		id:           id,
		unreachable:  make(map[obvidentity.Identity]bool),
		sendSeeds:    make(map[ChannelKey]obvcrypto.Seed),
		receiveSeeds: make(map[ChannelKey]obvcrypto.Seed),
		confirmed:    make(map[ChannelKey]bool),
	}
}

// SetUnreachable marks remote as having no usable channel.
func (c *Channels) SetUnreachable(remote obvidentity.Identity, unreachable bool) {
	c.mtx.Lock()
	c.unreachable[remote] = unreachable
	c.mtx.Unlock()
}

// SetConfirmed marks the channel as confirmed.
func (c *Channels) SetConfirmed(k ChannelKey) {
	c.mtx.Lock()
	c.confirmed[k] = true
	c.mtx.Unlock()
}

func (c *Channels) hasOtherOwnedDevices(owned obvidentity.Identity) bool {
	if c.id == nil {
		return true
	}
	c.id.mtx.Lock()
	defer c.id.mtx.Unlock()
	o, ok := c.id.owned[owned]
	if !ok {
		return false
	}
	for _, d := range o.Devices {
		if !d.Current {
			return true
		}
	}
	return false
}

func (c *Channels) Post(tx protocol.ReadWriteTx, msg *protocol.OutboundMessage, rnd io.Reader) (protocol.SendOutcome, error) {
	switch msg.Send.Kind {
	case protocol.SendLocal, protocol.SendUserInterface:
	case protocol.SendAllConfirmedObliviousChannelsWithOtherOwnedDevices,
		protocol.SendAllConfirmedObliviousOrPreKeyChannelsWithOtherOwnedDevices:
		if c.PostErr != nil {
			return protocol.Unreachable, c.PostErr
		}
		if !c.hasOtherOwnedDevices(msg.Owned) {
			return protocol.Unreachable, nil
		}
	default:
		if c.PostErr != nil {
			return protocol.Unreachable, c.PostErr
		}
		c.mtx.Lock()
		unreachable := c.unreachable[msg.Send.ToIdentity]
		c.mtx.Unlock()
		if unreachable {
			return protocol.Unreachable, nil
		}
	}

	c.mtx.Lock()
	c.sent = append(c.sent, msg)
	c.mtx.Unlock()
	return protocol.Sent, nil
}

// Sent returns every posted message.
func (c *Channels) Sent() []*protocol.OutboundMessage {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return slices.Clone(c.sent)
}

// SentMessages returns the posted messages with the given protocol and
// message id.
func (c *Channels) SentMessages(pid protocol.ID, mid protocol.MessageID) []*protocol.OutboundMessage {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var res []*protocol.OutboundMessage
	for _, om := range c.sent {
		if om.Protocol == pid && om.MessageID == mid {
			res = append(res, om)
		}
	}
	return res
}

// TakeSent returns every posted message and clears the record.
func (c *Channels) TakeSent() []*protocol.OutboundMessage {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	res := c.sent
	c.sent = nil
	return res
}

// Deletions returns the recorded channel deletions.
func (c *Channels) Deletions() []ChannelDeletion {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return slices.Clone(c.deletions)
}

// SendSeed returns the send seed installed for k.
func (c *Channels) SendSeed(k ChannelKey) (obvcrypto.Seed, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	s, ok := c.sendSeeds[k]
	return s, ok
}

// ReceiveSeed returns the receive seed installed for k.
func (c *Channels) ReceiveSeed(k ChannelKey) (obvcrypto.Seed, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	s, ok := c.receiveSeeds[k]
	return s, ok
}

func (c *Channels) DeleteObliviousChannelsWithContact(tx protocol.ReadWriteTx, owned, contact obvidentity.Identity) error {
	c.mtx.Lock()
	c.deletions = append(c.deletions, ChannelDeletion{Owned: owned, Remote: contact})
	c.mtx.Unlock()
	return nil
}

func (c *Channels) DeleteObliviousChannel(tx protocol.ReadWriteTx, owned, remote obvidentity.Identity, device obvidentity.UID) error {
	c.mtx.Lock()
	c.deletions = append(c.deletions, ChannelDeletion{Owned: owned, Remote: remote, Device: device})
	c.mtx.Unlock()
	return nil
}

func (c *Channels) DeleteAllChannelsForOwnedIdentity(tx protocol.ReadWriteTx, owned obvidentity.Identity) error {
	c.mtx.Lock()
	c.deletions = append(c.deletions, ChannelDeletion{Owned: owned})
	c.mtx.Unlock()
	return nil
}

func (c *Channels) UpdateObliviousChannelSendSeed(tx protocol.ReadWriteTx, owned, remote obvidentity.Identity, device obvidentity.UID, seed obvcrypto.Seed) error {
	c.mtx.Lock()
	c.sendSeeds[ChannelKey{owned, remote, device}] = seed
	c.mtx.Unlock()
	return nil
}

func (c *Channels) UpdateObliviousChannelReceiveSeed(tx protocol.ReadWriteTx, owned, remote obvidentity.Identity, device obvidentity.UID, seed obvcrypto.Seed) error {
	c.mtx.Lock()
	c.receiveSeeds[ChannelKey{owned, remote, device}] = seed
	c.mtx.Unlock()
	return nil
}

func (c *Channels) CheckIfObliviousChannelIsConfirmed(tx protocol.ReadTx, owned, remote obvidentity.Identity, device obvidentity.UID) (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.confirmed[ChannelKey{owned, remote, device}], nil
}
