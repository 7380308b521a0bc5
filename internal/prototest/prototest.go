// Package prototest runs protocols between simulated devices. Each device
// has its own engine, store and mock delegates; messages posted by a device
// are delivered to other devices explicitly by the test.
package prototest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/engine"
	"github.com/companyzero/protoengine/internal/mockdelegates"
	"github.com/companyzero/protoengine/internal/testutils"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protodb"
	"github.com/companyzero/protoengine/protodb/memdb"
)

const testServer = "https://server.example"

// Clock is a test clock. It only moves when Advance is called.
type Clock struct {
	mtx sync.Mutex
	now time.Time
}

// NewClock returns a clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mtx.Lock()
	c.now = c.now.Add(d)
	c.mtx.Unlock()
}

// Device is a simulated device running an engine.
type Device struct {
	t      testing.TB
	Name   string
	Owned  *obvidentity.OwnedIdentity
	UID    obvidentity.UID
	DB     *memdb.DB
	Mocks  *mockdelegates.Set
	Engine *engine.Engine
	Clock  *Clock
	defs   []protocol.Definition
}

// Option modifies the engine config of a new device.
type Option func(cfg *engine.Config)

// WithClock makes the device use clock.
func WithClock(clock *Clock) Option {
	return func(cfg *engine.Config) {
		cfg.Now = clock.Now
	}
}

func newDevice(t testing.TB, name string, oi *obvidentity.OwnedIdentity,
	defs []protocol.Definition, opts ...Option) *Device {

	t.Helper()
	db := memdb.New()
	mocks := mockdelegates.New()
	uid := obvidentity.NewUID(nil)
	mocks.Identity.AddOwned(oi, uid)

	clock := NewClock(time.Unix(1700000000, 0))
	logBknd := testutils.TestLoggerBackend(t, name)
	cfg := engine.Config{
		DB:          db,
		Definitions: defs,
		Delegates:   mocks.Delegates(db),
		Now:         clock.Now,
		Logger:      logBknd("ENGN"),
		StepLogger:  logBknd("PROT"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := engine.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &Device{
		t:      t,
		Name:   name,
		Owned:  oi,
		UID:    uid,
		DB:     db,
		Mocks:  mocks,
		Engine: e,
		Clock:  clock,
		defs:   defs,
	}
}

// NewDevice creates the first device of a new identity.
func NewDevice(t testing.TB, name string, defs []protocol.Definition, opts ...Option) *Device {
	t.Helper()
	oi, err := obvidentity.New(testServer)
	if err != nil {
		t.Fatal(err)
	}
	return newDevice(t, name, oi, defs, opts...)
}

// NewSiblingDevice creates another device of the identity of d. Both devices
// learn about each other.
func NewSiblingDevice(t testing.TB, name string, d *Device, opts ...Option) *Device {
	t.Helper()
	sib := newDevice(t, name, d.Owned, d.defs, opts...)
	d.Mocks.Identity.AddTestOwnedDevice(d.Identity(), protocol.OwnedDevice{UID: sib.UID})
	sib.Mocks.Identity.AddTestOwnedDevice(d.Identity(), protocol.OwnedDevice{UID: d.UID})
	return sib
}

// Identity returns the public identity of the device owner.
func (d *Device) Identity() obvidentity.Identity {
	return d.Owned.Public
}

// Befriend makes the owners of d and other contacts of each other, with each
// knowing the device of the other.
func (d *Device) Befriend(other *Device) {
	d.Mocks.Identity.AddTestContact(d.Identity(), other.Identity(), other.UID)
	other.Mocks.Identity.AddTestContact(other.Identity(), d.Identity(), d.UID)
}

// Start starts a new instance of protocol pid with msg.
func (d *Device) Start(pid protocol.ID, msg protocol.Message) obvidentity.UID {
	d.t.Helper()
	uid, err := d.Engine.StartProtocol(context.Background(), d.Identity(), pid, msg)
	if err != nil {
		d.t.Fatalf("%s: unable to start %s: %v", d.Name, pid, err)
	}
	return uid
}

// PostLocal delivers msg to instance uid of protocol pid.
func (d *Device) PostLocal(pid protocol.ID, uid obvidentity.UID, msg protocol.Message) {
	d.t.Helper()
	err := d.Engine.PostLocal(context.Background(), d.Identity(), pid, uid, msg)
	if err != nil {
		d.t.Fatalf("%s: unable to post to %s: %v", d.Name, pid, err)
	}
}

// Receive hands rm to the engine of the device.
func (d *Device) Receive(rm *protocol.ReceivedMessage) error {
	return d.Engine.Receive(context.Background(), rm)
}

// Instance returns the persisted instance or nil.
func (d *Device) Instance(pid protocol.ID, uid obvidentity.UID) *protocol.Instance {
	d.t.Helper()
	key := protocol.InstanceKey{Owned: d.Identity(), Protocol: pid, UID: uid}
	var inst *protocol.Instance
	err := d.DB.View(context.Background(), func(tx protocol.ReadTx) error {
		var err error
		inst, err = d.DB.Instance(tx, key)
		return err
	})
	if errors.Is(err, protodb.ErrNotFound) {
		return nil
	}
	if err != nil {
		d.t.Fatal(err)
	}
	return inst
}

// State returns the decoded state of the instance or nil when the instance
// does not exist.
func (d *Device) State(pid protocol.ID, uid obvidentity.UID) protocol.State {
	d.t.Helper()
	inst := d.Instance(pid, uid)
	if inst == nil {
		return nil
	}
	def, ok := d.Engine.Definition(pid)
	if !ok {
		d.t.Fatalf("no definition for %s", pid)
	}
	st, err := protocol.DecodeInstanceState(def, inst)
	if err != nil {
		d.t.Fatal(err)
	}
	return st
}

// Pending returns the messages waiting to be processed by an instance.
func (d *Device) Pending(pid protocol.ID, uid obvidentity.UID) []*protocol.ReceivedMessage {
	d.t.Helper()
	key := protocol.InstanceKey{Owned: d.Identity(), Protocol: pid, UID: uid}
	var msgs []*protocol.ReceivedMessage
	err := d.DB.View(context.Background(), func(tx protocol.ReadTx) error {
		var err error
		msgs, err = d.DB.ReceivedMessages(tx, key)
		return err
	})
	if err != nil {
		d.t.Fatal(err)
	}
	return msgs
}

// AnswerQuery delivers resp as the response to q. A nil resp is an empty
// response.
func (d *Device) AnswerQuery(q *protocol.ServerQuery, resp interface{}) {
	d.t.Helper()
	var enc encoded.Value
	if resp != nil {
		var err error
		if enc, err = encoded.Encode(resp); err != nil {
			d.t.Fatal(err)
		}
	}
	d.AnswerQueryRaw(q, enc)
}

// AnswerQueryRaw delivers raw as the response to q as is.
func (d *Device) AnswerQueryRaw(q *protocol.ServerQuery, raw encoded.Value) {
	d.t.Helper()
	if err := d.Receive(q.Response(raw, d.Clock.Now())); err != nil {
		d.t.Fatalf("%s: unable to process response to %s: %v", d.Name, q, err)
	}
}

// addressedTo returns true if om posted by from is delivered to device to.
func addressedTo(om *protocol.OutboundMessage, from, to *Device) bool {
	if from == to || om.Send.ToIdentity != to.Identity() {
		return false
	}
	switch om.Send.Kind {
	case protocol.SendLocal, protocol.SendUserInterface:
		return false
	case protocol.SendObliviousChannel, protocol.SendAsymmetricChannel:
		return len(om.Send.DeviceUIDs) == 0 || slices.Contains(om.Send.DeviceUIDs, to.UID)
	}
	return true
}

// receptionOf returns the reception info of om posted by from.
func receptionOf(om *protocol.OutboundMessage, from *Device) protocol.ReceptionChannelInfo {
	switch om.Send.Kind {
	case protocol.SendAsymmetricChannel:
		return protocol.AsymmetricReception(from.Identity(), from.UID)
	case protocol.SendAsymmetricBroadcast:
		return protocol.BroadcastReception(from.Identity())
	default:
		return protocol.ObliviousReception(from.Identity(), from.UID)
	}
}

// Route takes every message posted by from and delivers the ones addressed
// to the passed devices. It returns the delivered messages. Messages with no
// matching device are dropped.
func Route(t testing.TB, from *Device, to ...*Device) []*protocol.OutboundMessage {
	t.Helper()
	var delivered []*protocol.OutboundMessage
	for _, om := range from.Mocks.Channels.TakeSent() {
		for _, dst := range to {
			if !addressedTo(om, from, dst) {
				continue
			}
			rm := om.ToReceived(obvidentity.NewUID(nil), dst.Identity(),
				receptionOf(om, from), dst.Clock.Now())
			if err := dst.Receive(rm); err != nil {
				t.Fatalf("%s -> %s: unable to deliver message %d of %s: %v",
					from.Name, dst.Name, om.MessageID, om.Protocol, err)
			}
			delivered = append(delivered, om)
		}
	}
	return delivered
}
