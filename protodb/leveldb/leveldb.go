// Package leveldb is a protodb.DB backed by an embedded goleveldb database.
package leveldb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protodb"
	"github.com/decred/slog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	prefixInstance   = 'i'
	prefixMessage    = 'm'
	prefixMessageIdx = 'x'
	prefixSignature  = 's'
)

// Config is the configuration of the store.
type Config struct {
	// Path of the database dir. When empty, the database is kept in
	// memory.
	Path string

	Logger slog.Logger
}

// DB is the goleveldb store.
type DB struct {
	ldb *leveldb.DB
	log slog.Logger
}

var _ protodb.DB = (*DB)(nil)

// New opens or creates the database.
func New(cfg Config) (*DB, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Disabled
	}

	var ldb *leveldb.DB
	var err error
	if cfg.Path == "" {
		ldb, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		ldb, err = leveldb.OpenFile(cfg.Path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open leveldb: %w", err)
	}
	log.Debugf("Opened protocol store at %q", cfg.Path)
	return &DB{ldb: ldb, log: log}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.ldb.Close()
}

type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type rtx struct {
	ctx context.Context
	r   reader
}

func (tx *rtx) Context() context.Context { return tx.ctx }
func (tx *rtx) Writable() bool           { return false }

type wtx struct {
	rtx
	tr *leveldb.Transaction
}

func (tx *wtx) Writable() bool { return true }

func readerOf(tx protocol.ReadTx) reader {
	switch tx := tx.(type) {
	case *rtx:
		return tx.r
	case *wtx:
		return tx.tr
	default:
		panic(fmt.Sprintf("leveldb: foreign transaction %T", tx))
	}
}

func writerOf(tx protocol.ReadWriteTx) *leveldb.Transaction {
	w, ok := tx.(*wtx)
	if !ok {
		panic("leveldb: write with a read-only transaction")
	}
	return w.tr
}

// View runs f with a read-only snapshot of the database.
func (db *DB) View(ctx context.Context, f func(tx protocol.ReadTx) error) error {
	snap, err := db.ldb.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	return f(&rtx{ctx: ctx, r: snap})
}

// Update runs f in a leveldb transaction, committed only if f succeeds.
func (db *DB) Update(ctx context.Context, f func(tx protocol.ReadWriteTx) error) error {
	tr, err := db.ldb.OpenTransaction()
	if err != nil {
		return err
	}
	tx := &wtx{rtx: rtx{ctx: ctx}, tr: tr}
	if err := f(tx); err != nil {
		tr.Discard()
		return err
	}
	if err := ctx.Err(); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

func instancePrefix(owned obvidentity.Identity, pid protocol.ID, uid obvidentity.UID) []byte {
	id := owned.ShortID()
	b := make([]byte, 0, 1+32+4+32)
	b = append(b, prefixInstance)
	b = append(b, id[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(pid))
	b = append(b, uid[:]...)
	return b
}

func instanceKey(key protocol.InstanceKey) []byte {
	return instancePrefix(key.Owned, key.Protocol, key.UID)
}

func messagePrefix(key protocol.InstanceKey) []byte {
	b := instanceKey(key)
	b[0] = prefixMessage
	return b
}

func messageKey(rm *protocol.ReceivedMessage) []byte {
	b := messagePrefix(rm.Key())
	b = binary.BigEndian.AppendUint64(b, uint64(rm.Received.UnixNano()))
	return append(b, rm.ID[:]...)
}

func messageIdxKey(id obvidentity.UID) []byte {
	return append([]byte{prefixMessageIdx}, id[:]...)
}

func signatureKey(owned obvidentity.Identity, sig []byte) []byte {
	id := owned.ShortID()
	b := make([]byte, 0, 1+32+len(sig))
	b = append(b, prefixSignature)
	b = append(b, id[:]...)
	return append(b, sig...)
}

type instanceRecord struct {
	Owned        obvidentity.Identity
	Protocol     int
	UID          obvidentity.UID
	StateID      int
	EncodedState []byte
	Final        bool
	Updated      int64
}

type messageRecord struct {
	ID              obvidentity.UID
	Owned           obvidentity.Identity
	Protocol        int
	InstanceUID     obvidentity.UID
	MessageID       int
	Inputs          [][]byte
	EncodedResponse []byte
	ChannelKind     int
	RemoteIdentity  obvidentity.Identity
	RemoteDeviceUID obvidentity.UID
	Received        int64
}

func decodeInstance(b []byte) (*protocol.Instance, error) {
	var r instanceRecord
	if err := encoded.Value(b).Decode(&r); err != nil {
		return nil, err
	}
	return &protocol.Instance{
		Owned:        r.Owned,
		Protocol:     protocol.ID(r.Protocol),
		UID:          r.UID,
		StateID:      protocol.StateID(r.StateID),
		EncodedState: r.EncodedState,
		Final:        r.Final,
		Updated:      time.Unix(0, r.Updated),
	}, nil
}

func decodeMessage(b []byte) (*protocol.ReceivedMessage, error) {
	var r messageRecord
	if err := encoded.Value(b).Decode(&r); err != nil {
		return nil, err
	}
	inputs := make([]encoded.Value, len(r.Inputs))
	for i := range r.Inputs {
		inputs[i] = r.Inputs[i]
	}
	return &protocol.ReceivedMessage{
		ID:              r.ID,
		Owned:           r.Owned,
		Protocol:        protocol.ID(r.Protocol),
		InstanceUID:     r.InstanceUID,
		MessageID:       protocol.MessageID(r.MessageID),
		Inputs:          inputs,
		EncodedResponse: r.EncodedResponse,
		Channel: protocol.ReceptionChannelInfo{
			Kind:            protocol.ReceptionKind(r.ChannelKind),
			RemoteIdentity:  r.RemoteIdentity,
			RemoteDeviceUID: r.RemoteDeviceUID,
		},
		Received: time.Unix(0, r.Received),
	}, nil
}

func (db *DB) Instance(tx protocol.ReadTx, key protocol.InstanceKey) (*protocol.Instance, error) {
	b, err := readerOf(tx).Get(instanceKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, protodb.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(b)
}

func (db *DB) SaveInstance(tx protocol.ReadWriteTx, inst *protocol.Instance) error {
	v, err := encoded.Encode(instanceRecord{
		Owned:        inst.Owned,
		Protocol:     int(inst.Protocol),
		UID:          inst.UID,
		StateID:      int(inst.StateID),
		EncodedState: inst.EncodedState,
		Final:        inst.Final,
		Updated:      inst.Updated.UnixNano(),
	})
	if err != nil {
		return err
	}
	return writerOf(tx).Put(instanceKey(inst.Key()), v, nil)
}

func (db *DB) DeleteInstance(tx protocol.ReadWriteTx, key protocol.InstanceKey) error {
	return writerOf(tx).Delete(instanceKey(key), nil)
}

func (db *DB) ListInstances(tx protocol.ReadTx) ([]*protocol.Instance, error) {
	iter := readerOf(tx).NewIterator(util.BytesPrefix([]byte{prefixInstance}), nil)
	defer iter.Release()
	var res []*protocol.Instance
	for iter.Next() {
		inst, err := decodeInstance(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("instance %x: %w", iter.Key(), err)
		}
		res = append(res, inst)
	}
	return res, iter.Error()
}

func (db *DB) StoreReceivedMessage(tx protocol.ReadWriteTx, rm *protocol.ReceivedMessage) error {
	tr := writerOf(tx)
	idx := messageIdxKey(rm.ID)
	if ok, err := tr.Has(idx, nil); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("message %s: %w", rm.ID.ShortLogID(), protodb.ErrAlreadyExists)
	}

	inputs := make([][]byte, len(rm.Inputs))
	for i := range rm.Inputs {
		inputs[i] = rm.Inputs[i]
	}
	v, err := encoded.Encode(messageRecord{
		ID:              rm.ID,
		Owned:           rm.Owned,
		Protocol:        int(rm.Protocol),
		InstanceUID:     rm.InstanceUID,
		MessageID:       int(rm.MessageID),
		Inputs:          inputs,
		EncodedResponse: rm.EncodedResponse,
		ChannelKind:     int(rm.Channel.Kind),
		RemoteIdentity:  rm.Channel.RemoteIdentity,
		RemoteDeviceUID: rm.Channel.RemoteDeviceUID,
		Received:        rm.Received.UnixNano(),
	})
	if err != nil {
		return err
	}
	key := messageKey(rm)
	if err := tr.Put(key, v, nil); err != nil {
		return err
	}
	return tr.Put(idx, key, nil)
}

func (db *DB) ReceivedMessages(tx protocol.ReadTx, key protocol.InstanceKey) ([]*protocol.ReceivedMessage, error) {
	iter := readerOf(tx).NewIterator(util.BytesPrefix(messagePrefix(key)), nil)
	defer iter.Release()
	var res []*protocol.ReceivedMessage
	for iter.Next() {
		rm, err := decodeMessage(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("message %x: %w", iter.Key(), err)
		}
		res = append(res, rm)
	}
	return res, iter.Error()
}

func (db *DB) DeleteReceivedMessage(tx protocol.ReadWriteTx, id obvidentity.UID) error {
	tr := writerOf(tx)
	idx := messageIdxKey(id)
	key, err := tr.Get(idx, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tr.Delete(key, nil); err != nil {
		return err
	}
	return tr.Delete(idx, nil)
}

func (db *DB) DeleteReceivedMessages(tx protocol.ReadWriteTx, key protocol.InstanceKey) error {
	msgs, err := db.ReceivedMessages(tx, key)
	if err != nil {
		return err
	}
	for _, rm := range msgs {
		if err := db.DeleteReceivedMessage(tx, rm.ID); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) PendingInstances(tx protocol.ReadTx) ([]protocol.InstanceKey, error) {
	iter := readerOf(tx).NewIterator(util.BytesPrefix([]byte{prefixMessage}), nil)
	defer iter.Release()
	seen := make(map[protocol.InstanceKey]struct{})
	var res []protocol.InstanceKey
	for iter.Next() {
		rm, err := decodeMessage(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("message %x: %w", iter.Key(), err)
		}
		k := rm.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		res = append(res, k)
	}
	return res, iter.Error()
}

func (db *DB) HasMutualScanSignature(tx protocol.ReadTx, owned obvidentity.Identity, signature []byte) (bool, error) {
	_, err := readerOf(tx).Get(signatureKey(owned, signature), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (db *DB) StoreMutualScanSignature(tx protocol.ReadWriteTx, owned obvidentity.Identity, signature []byte) error {
	tr := writerOf(tx)
	key := signatureKey(owned, signature)
	if ok, err := tr.Has(key, nil); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("mutual scan signature: %w", protodb.ErrAlreadyExists)
	}
	return tr.Put(key, []byte{1}, nil)
}
