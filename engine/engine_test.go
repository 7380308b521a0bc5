package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/internal/mockdelegates"
	"github.com/companyzero/protoengine/internal/testutils"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protodb"
	"github.com/companyzero/protoengine/protodb/memdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// testClock is a clock that advances one second on every read.
type testClock struct {
	mtx sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testEnv struct {
	e       *Engine
	db      *memdb.DB
	mocks   *mockdelegates.Set
	clock   *testClock
	reg     *prometheus.Registry
	owned   obvidentity.Identity
	contact obvidentity.Identity
	dev     obvidentity.UID
}

func newTestEnv(t testing.TB, def protocol.Definition, opts ...func(*Config)) *testEnv {
	t.Helper()
	db := memdb.New()
	mocks := mockdelegates.New()
	oi := obvidentity.MustNew("https://server.example")
	mocks.Identity.AddOwned(oi, obvidentity.NewUID(nil))
	contact := obvidentity.MustNew("https://server.example").Public
	dev := obvidentity.NewUID(nil)
	mocks.Identity.AddTestContact(oi.Public, contact, dev)

	clock := &testClock{now: time.Unix(1700000000, 0)}
	reg := prometheus.NewRegistry()
	cfg := Config{
		DB:          db,
		Definitions: []protocol.Definition{def},
		Delegates:   mocks.Delegates(db),
		Now:         clock.Now,
		Logger:      testutils.TestLoggerSys(t, "ENGN"),
		StepLogger:  testutils.TestLoggerSys(t, "STEP"),
		Registerer:  reg,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{
		e:       e,
		db:      db,
		mocks:   mocks,
		clock:   clock,
		reg:     reg,
		owned:   oi.Public,
		contact: contact,
		dev:     dev,
	}
}

func (env *testEnv) key(uid obvidentity.UID) protocol.InstanceKey {
	return protocol.InstanceKey{Owned: env.owned, Protocol: pingProtocolID, UID: uid}
}

// pong builds a pong received from the contact.
func (env *testEnv) pong(uid obvidentity.UID) *protocol.ReceivedMessage {
	return &protocol.ReceivedMessage{
		Owned:       env.owned,
		Protocol:    pingProtocolID,
		InstanceUID: uid,
		MessageID:   (&pingPong{}).MessageID(),
		Channel:     protocol.ObliviousReception(env.contact, env.dev),
	}
}

func (env *testEnv) instance(t testing.TB, uid obvidentity.UID) *protocol.Instance {
	t.Helper()
	var inst *protocol.Instance
	err := env.db.View(context.Background(), func(tx protocol.ReadTx) error {
		var err error
		inst, err = env.db.Instance(tx, env.key(uid))
		return err
	})
	if errors.Is(err, protodb.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return inst
}

func (env *testEnv) pending(t testing.TB, uid obvidentity.UID) []*protocol.ReceivedMessage {
	t.Helper()
	var msgs []*protocol.ReceivedMessage
	require.NoError(t, env.db.View(context.Background(), func(tx protocol.ReadTx) error {
		var err error
		msgs, err = env.db.ReceivedMessages(tx, env.key(uid))
		return err
	}))
	return msgs
}

func (env *testEnv) state(t testing.TB, uid obvidentity.UID) protocol.State {
	t.Helper()
	inst := env.instance(t, uid)
	require.NotNil(t, inst)
	st, err := protocol.DecodeInstanceState(&pingDef{}, inst)
	require.NoError(t, err)
	return st
}

// counter returns the value of the counter metric name with the given
// labels.
func (env *testEnv) counter(t testing.TB, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := env.reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	nextMetric:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue nextMetric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNewConfigErrors(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Delegates: &protocol.Delegates{}})
	assert.NonNilErr(t, err)
	_, err = New(Config{DB: memdb.New()})
	assert.NonNilErr(t, err)
	_, err = New(Config{
		DB:          memdb.New(),
		Delegates:   &protocol.Delegates{},
		Definitions: []protocol.Definition{&pingDef{}, &pingDef{}},
	})
	assert.NonNilErr(t, err)
}

func TestStartTransitionsAndSends(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()

	uid, err := env.e.StartProtocol(ctx, env.owned, pingProtocolID, &pingStart{Peer: env.contact})
	assert.NilErr(t, err)

	st := assert.IsType[*pingWaiting](t, env.state(t, uid))
	assert.DeepEqual(t, st.Peer, env.contact)
	assert.Len(t, env.pending(t, uid), 0)

	sent := env.mocks.Channels.SentMessages(pingProtocolID, (&pingPong{}).MessageID())
	assert.Len(t, sent, 1)
	assert.DeepEqual(t, sent[0].InstanceUID, uid)
	assert.DeepEqual(t, sent[0].Send.ToIdentity, env.contact)

	require.Equal(t, 1.0, env.counter(t, "protoengine_dispatch_total",
		map[string]string{"protocol": pingProtocolID.String(), "outcome": "transitioned"}))
}

func TestUnreachableEssentialSendRollsBack(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()
	env.mocks.Channels.SetUnreachable(env.contact, true)

	uid := obvidentity.NewUID(nil)
	err := env.e.PostLocal(ctx, env.owned, pingProtocolID, uid, &pingStart{Peer: env.contact})
	assert.ErrorIs(t, err, protocol.ErrNoAcceptableChannel)
	if env.instance(t, uid) != nil {
		t.Fatal("instance was created")
	}
	assert.Len(t, env.pending(t, uid), 1)
}

func TestDeferredMessageProcessedLater(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()
	uid := obvidentity.NewUID(nil)

	// The pong arrives before the instance started. It is kept until a
	// step accepts it.
	assert.NilErr(t, env.e.Receive(ctx, env.pong(uid)))
	assert.Len(t, env.pending(t, uid), 1)
	if env.instance(t, uid) != nil {
		t.Fatal("deferred message created an instance")
	}
	require.Equal(t, 1.0, env.counter(t, "protoengine_deferred_total", nil))

	assert.NilErr(t, env.e.PostLocal(ctx, env.owned, pingProtocolID, uid, &pingStart{Peer: env.contact}))
	st := assert.IsType[*pingWaiting](t, env.state(t, uid))
	assert.DeepEqual(t, st.Pongs, 1)
	assert.Len(t, env.pending(t, uid), 0)
}

func TestFinalTombstoneDropsLateMessages(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()

	uid, err := env.e.StartProtocol(ctx, env.owned, pingProtocolID, &pingStart{Peer: env.contact})
	assert.NilErr(t, err)
	assert.NilErr(t, env.e.Receive(ctx, env.pong(uid)))
	assert.NilErr(t, env.e.Receive(ctx, env.pong(uid)))

	inst := env.instance(t, uid)
	require.NotNil(t, inst)
	assert.BoolIs(t, inst.Final, true)
	st := assert.IsType[*pingDone](t, env.state(t, uid))
	assert.DeepEqual(t, st.Pongs, 2)

	// A late duplicate is discarded without running any step.
	assert.NilErr(t, env.e.Receive(ctx, env.pong(uid)))
	assert.Len(t, env.pending(t, uid), 0)
	require.Equal(t, 1.0, env.counter(t, "protoengine_dropped_total",
		map[string]string{"reason": "final"}))
}

func TestEraseAfterFinal(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{erase: true})
	ctx := context.Background()

	uid, err := env.e.StartProtocol(ctx, env.owned, pingProtocolID, &pingStart{Peer: env.contact})
	assert.NilErr(t, err)
	assert.NilErr(t, env.e.Receive(ctx, env.pong(uid)))
	assert.NilErr(t, env.e.Receive(ctx, env.pong(uid)))
	if env.instance(t, uid) != nil {
		t.Fatal("finished instance was not erased")
	}
}

func TestUnknownMessageDropped(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()
	uid := obvidentity.NewUID(nil)

	rm := env.pong(uid)
	rm.MessageID = 99
	assert.NilErr(t, env.e.Receive(ctx, rm))
	assert.Len(t, env.pending(t, uid), 0)
	require.Equal(t, 1.0, env.counter(t, "protoengine_dropped_total",
		map[string]string{"reason": "decode"}))
}

func TestUnknownProtocolRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	rm := env.pong(obvidentity.NewUID(nil))
	rm.Protocol = protocol.FullRatchetID
	err := env.e.Receive(context.Background(), rm)
	assert.ErrorIs(t, err, protocol.ErrUnknownProtocol)
}

func TestStepErrorRollsBack(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()
	uid := obvidentity.NewUID(nil)

	err := env.e.PostLocal(ctx, env.owned, pingProtocolID, uid, &pingFail{})
	assert.ErrorIs(t, err, errStepFailed)

	// The message stays queued and the notification of the failed step
	// is never delivered.
	assert.Len(t, env.pending(t, uid), 1)
	assert.Len(t, env.mocks.Notifications.All(), 0)
	if env.instance(t, uid) != nil {
		t.Fatal("failed step created an instance")
	}
}

func TestFailingMessageDoesNotBlockInstance(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()
	uid := obvidentity.NewUID(nil)

	err := env.e.PostLocal(ctx, env.owned, pingProtocolID, uid, &pingFail{})
	assert.ErrorIs(t, err, errStepFailed)

	// The start posted later still runs. The failure of the older message
	// is reported again.
	err = env.e.PostLocal(ctx, env.owned, pingProtocolID, uid, &pingStart{Peer: env.contact})
	assert.ErrorIs(t, err, errStepFailed)
	assert.IsType[*pingWaiting](t, env.state(t, uid))
	assert.Len(t, env.mocks.Channels.Sent(), 1)

	// Only the failed message is left and it no longer matches a step.
	msgs := env.pending(t, uid)
	assert.Len(t, msgs, 1)
	assert.DeepEqual(t, msgs[0].MessageID, (&pingFail{}).MessageID())
	assert.NilErr(t, env.e.ProcessInstance(ctx, env.key(uid)))
}

func TestAmbiguousStepIsAnError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{ambiguous: true})
	err := env.e.PostLocal(context.Background(), env.owned, pingProtocolID,
		obvidentity.NewUID(nil), &pingStart{Peer: env.contact})
	assert.ErrorIs(t, err, protocol.ErrAmbiguousStep)
}

func TestAbortDiscardsInstance(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()

	uid, err := env.e.StartProtocol(ctx, env.owned, pingProtocolID, &pingStart{Peer: env.contact})
	assert.NilErr(t, err)
	assert.NilErr(t, env.e.PostLocal(ctx, env.owned, pingProtocolID, uid, &pingAbort{}))
	if env.instance(t, uid) != nil {
		t.Fatal("aborted instance still exists")
	}

	// Aborting from the initial state never persists anything.
	uid2 := obvidentity.NewUID(nil)
	assert.NilErr(t, env.e.PostLocal(ctx, env.owned, pingProtocolID, uid2, &pingAbort{}))
	if env.instance(t, uid2) != nil {
		t.Fatal("aborted instance was created")
	}
}

func TestIgnoredMessageKeepsState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()

	uid, err := env.e.StartProtocol(ctx, env.owned, pingProtocolID, &pingStart{Peer: env.contact})
	assert.NilErr(t, err)
	before := env.instance(t, uid)
	assert.NilErr(t, env.e.PostLocal(ctx, env.owned, pingProtocolID, uid, &pingNoop{}))
	after := env.instance(t, uid)
	assert.DeepEqual(t, after.Updated, before.Updated)
	assert.DeepEqual(t, after.EncodedState, before.EncodedState)
	require.Equal(t, 1.0, env.counter(t, "protoengine_dispatch_total",
		map[string]string{"outcome": "ignored"}))
}

func TestChildInstanceRunsAfterParent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()

	parent, err := env.e.StartProtocol(ctx, env.owned, pingProtocolID, &pingSpawn{Peer: env.contact})
	assert.NilErr(t, err)
	assert.IsType[*pingDone](t, env.state(t, parent))

	ntfns := mockdelegates.NotificationsOf[pingSpawned](env.mocks.Notifications)
	assert.Len(t, ntfns, 1)
	child := ntfns[0].Child

	// The child was processed within the same Receive call.
	st := assert.IsType[*pingWaiting](t, env.state(t, child))
	assert.DeepEqual(t, st.Peer, env.contact)
	assert.Len(t, env.pending(t, child), 0)
}

func TestProcessBacklog(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{})
	ctx := context.Background()

	var uids []obvidentity.UID
	require.NoError(t, env.db.Update(ctx, func(tx protocol.ReadWriteTx) error {
		for i := 0; i < 8; i++ {
			uid := obvidentity.NewUID(nil)
			uids = append(uids, uid)
			rm, err := protocol.NewLocalMessage(env.owned, pingProtocolID, uid,
				&pingStart{Peer: env.contact}, env.clock.Now())
			if err != nil {
				return err
			}
			if err := env.db.StoreReceivedMessage(tx, rm); err != nil {
				return err
			}
		}
		return nil
	}))

	assert.NilErr(t, env.e.ProcessBacklog(ctx))
	for _, uid := range uids {
		assert.IsType[*pingWaiting](t, env.state(t, uid))
	}
	assert.DeepEqual(t, env.e.locks.size(), 0)
}

func TestProcessBacklogPrunesExpired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &pingDef{}, func(cfg *Config) {
		cfg.DeferredMessageTTL = time.Hour
	})
	ctx := context.Background()
	uid := obvidentity.NewUID(nil)

	old := env.pong(uid)
	old.ID = obvidentity.NewUID(nil)
	old.Received = env.clock.Now().Add(-2 * time.Hour)
	recent := env.pong(uid)
	recent.ID = obvidentity.NewUID(nil)
	recent.Received = env.clock.Now()
	require.NoError(t, env.db.Update(ctx, func(tx protocol.ReadWriteTx) error {
		if err := env.db.StoreReceivedMessage(tx, old); err != nil {
			return err
		}
		return env.db.StoreReceivedMessage(tx, recent)
	}))

	assert.NilErr(t, env.e.ProcessBacklog(ctx))
	msgs := env.pending(t, uid)
	assert.Len(t, msgs, 1)
	assert.DeepEqual(t, msgs[0].ID, recent.ID)
	require.Equal(t, 1.0, env.counter(t, "protoengine_dropped_total",
		map[string]string{"reason": "expired"}))
}

func TestLocalTimeIsMonotonic(t *testing.T) {
	t.Parallel()
	fixed := time.Unix(1700000000, 0)
	env := newTestEnv(t, &pingDef{}, func(cfg *Config) {
		cfg.Now = func() time.Time { return fixed }
	})
	a := env.e.localTime()
	b := env.e.localTime()
	assert.BoolIs(t, b.After(a), true)
}

func TestLockTableSerializesInstance(t *testing.T) {
	t.Parallel()
	lt := newLockTable()
	key := protocol.InstanceKey{Protocol: pingProtocolID, UID: obvidentity.NewUID(nil)}

	unlock := lt.lock(key)
	acquired := make(chan struct{})
	go func() {
		unlock := lt.lock(key)
		close(acquired)
		unlock()
	}()
	assert.ChanNotWritten(t, acquired, 50*time.Millisecond)
	unlock()
	assert.ChanWritten(t, acquired)
}
