// Package memdb is an in-memory protodb.DB. Update runs against a copy of the
// data that replaces the committed data only when the update succeeds.
package memdb

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protodb"
)

type sigKey struct {
	owned obvidentity.Identity
	sig   string
}

type data struct {
	instances map[protocol.InstanceKey]protocol.Instance
	messages  map[obvidentity.UID]*protocol.ReceivedMessage
	sigs      map[sigKey]struct{}
}

func (d *data) clone() *data {
	c := &data{
		instances: make(map[protocol.InstanceKey]protocol.Instance, len(d.instances)),
		messages:  make(map[obvidentity.UID]*protocol.ReceivedMessage, len(d.messages)),
		sigs:      make(map[sigKey]struct{}, len(d.sigs)),
	}
	for k, v := range d.instances {
		c.instances[k] = v
	}
	for k, v := range d.messages {
		c.messages[k] = v
	}
	for k := range d.sigs {
		c.sigs[k] = struct{}{}
	}
	return c
}

type rtx struct {
	ctx context.Context
	d   *data
}

func (tx *rtx) Context() context.Context { return tx.ctx }
func (tx *rtx) Writable() bool           { return false }

type wtx struct {
	rtx
}

func (tx *wtx) Writable() bool { return true }

// DB is the in-memory store.
type DB struct {
	mtx sync.Mutex
	d   *data
}

var _ protodb.DB = (*DB)(nil)

// New returns an empty store.
func New() *DB {
	return &DB{d: (&data{}).clone()}
}

func dataOf(tx protocol.ReadTx) *data {
	switch tx := tx.(type) {
	case *rtx:
		return tx.d
	case *wtx:
		return tx.d
	default:
		panic(fmt.Sprintf("memdb: foreign transaction %T", tx))
	}
}

func writableData(tx protocol.ReadWriteTx) *data {
	if !tx.Writable() {
		panic("memdb: write with a read-only transaction")
	}
	return dataOf(tx)
}

// View runs f with a read-only transaction.
func (db *DB) View(ctx context.Context, f func(tx protocol.ReadTx) error) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return f(&rtx{ctx: ctx, d: db.d})
}

// Update runs f with a read-write transaction. Changes made by f are only
// visible once f returns without error.
func (db *DB) Update(ctx context.Context, f func(tx protocol.ReadWriteTx) error) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	tx := &wtx{rtx{ctx: ctx, d: db.d.clone()}}
	if err := f(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	db.d = tx.d
	return nil
}

func (db *DB) Instance(tx protocol.ReadTx, key protocol.InstanceKey) (*protocol.Instance, error) {
	inst, ok := dataOf(tx).instances[key]
	if !ok {
		return nil, protodb.ErrNotFound
	}
	return &inst, nil
}

func (db *DB) SaveInstance(tx protocol.ReadWriteTx, inst *protocol.Instance) error {
	d := writableData(tx)
	d.instances[inst.Key()] = *inst
	return nil
}

func (db *DB) DeleteInstance(tx protocol.ReadWriteTx, key protocol.InstanceKey) error {
	delete(writableData(tx).instances, key)
	return nil
}

func (db *DB) ListInstances(tx protocol.ReadTx) ([]*protocol.Instance, error) {
	d := dataOf(tx)
	res := make([]*protocol.Instance, 0, len(d.instances))
	for _, inst := range d.instances {
		inst := inst
		res = append(res, &inst)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Protocol != res[j].Protocol {
			return res[i].Protocol < res[j].Protocol
		}
		return res[i].UID.Less(res[j].UID)
	})
	return res, nil
}

func (db *DB) StoreReceivedMessage(tx protocol.ReadWriteTx, rm *protocol.ReceivedMessage) error {
	d := writableData(tx)
	if _, ok := d.messages[rm.ID]; ok {
		return fmt.Errorf("message %s: %w", rm.ID.ShortLogID(), protodb.ErrAlreadyExists)
	}
	c := *rm
	d.messages[rm.ID] = &c
	return nil
}

func (db *DB) ReceivedMessages(tx protocol.ReadTx, key protocol.InstanceKey) ([]*protocol.ReceivedMessage, error) {
	var res []*protocol.ReceivedMessage
	for _, rm := range dataOf(tx).messages {
		if rm.Key() == key {
			c := *rm
			res = append(res, &c)
		}
	}
	sortMessages(res)
	return res, nil
}

func sortMessages(msgs []*protocol.ReceivedMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Received.Equal(msgs[j].Received) {
			return msgs[i].Received.Before(msgs[j].Received)
		}
		return bytes.Compare(msgs[i].ID[:], msgs[j].ID[:]) < 0
	})
}

func (db *DB) DeleteReceivedMessage(tx protocol.ReadWriteTx, id obvidentity.UID) error {
	delete(writableData(tx).messages, id)
	return nil
}

func (db *DB) DeleteReceivedMessages(tx protocol.ReadWriteTx, key protocol.InstanceKey) error {
	d := writableData(tx)
	for id, rm := range d.messages {
		if rm.Key() == key {
			delete(d.messages, id)
		}
	}
	return nil
}

func (db *DB) PendingInstances(tx protocol.ReadTx) ([]protocol.InstanceKey, error) {
	d := dataOf(tx)
	var msgs []*protocol.ReceivedMessage
	for _, rm := range d.messages {
		msgs = append(msgs, rm)
	}
	sortMessages(msgs)

	seen := make(map[protocol.InstanceKey]struct{})
	var res []protocol.InstanceKey
	for _, rm := range msgs {
		k := rm.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		res = append(res, k)
	}
	return res, nil
}

func (db *DB) HasMutualScanSignature(tx protocol.ReadTx, owned obvidentity.Identity, signature []byte) (bool, error) {
	_, ok := dataOf(tx).sigs[sigKey{owned: owned, sig: string(signature)}]
	return ok, nil
}

func (db *DB) StoreMutualScanSignature(tx protocol.ReadWriteTx, owned obvidentity.Identity, signature []byte) error {
	d := writableData(tx)
	k := sigKey{owned: owned, sig: string(signature)}
	if _, ok := d.sigs[k]; ok {
		return fmt.Errorf("mutual scan signature: %w", protodb.ErrAlreadyExists)
	}
	d.sigs[k] = struct{}{}
	return nil
}

// MutualScanSignatureCount returns the number of signatures logged for owned.
func (db *DB) MutualScanSignatureCount(owned obvidentity.Identity) int {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	var n int
	for k := range db.d.sigs {
		if k.owned == owned {
			n++
		}
	}
	return n
}
