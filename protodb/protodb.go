// Package protodb defines the persistence contract of the protocol engine:
// protocol instances, received messages waiting to be processed and the
// mutual scan signature log.
package protodb

import (
	"context"
	"errors"

	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// DB is a protocol store. Every method that takes a tx must be called from
// within View or Update of the same DB.
type DB interface {
	View(ctx context.Context, f func(tx protocol.ReadTx) error) error
	Update(ctx context.Context, f func(tx protocol.ReadWriteTx) error) error

	// Instance returns ErrNotFound when no instance exists for key.
	Instance(tx protocol.ReadTx, key protocol.InstanceKey) (*protocol.Instance, error)
	SaveInstance(tx protocol.ReadWriteTx, inst *protocol.Instance) error
	DeleteInstance(tx protocol.ReadWriteTx, key protocol.InstanceKey) error
	ListInstances(tx protocol.ReadTx) ([]*protocol.Instance, error)

	StoreReceivedMessage(tx protocol.ReadWriteTx, rm *protocol.ReceivedMessage) error

	// ReceivedMessages returns the messages of an instance, oldest
	// first.
	ReceivedMessages(tx protocol.ReadTx, key protocol.InstanceKey) ([]*protocol.ReceivedMessage, error)
	DeleteReceivedMessage(tx protocol.ReadWriteTx, id obvidentity.UID) error
	DeleteReceivedMessages(tx protocol.ReadWriteTx, key protocol.InstanceKey) error

	// PendingInstances lists the keys of instances with received
	// messages.
	PendingInstances(tx protocol.ReadTx) ([]protocol.InstanceKey, error)

	protocol.MutualScanSignatureLog
}
