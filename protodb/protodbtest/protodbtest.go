// Package protodbtest holds the behavior tests every protodb.DB backend must
// pass.
package protodbtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protodb"
	"github.com/stretchr/testify/require"
)

var errRollback = errors.New("rollback")

func testMessage(owned obvidentity.Identity, uid obvidentity.UID, mid protocol.MessageID, at time.Time) *protocol.ReceivedMessage {
	return &protocol.ReceivedMessage{
		ID:          obvidentity.NewUID(nil),
		Owned:       owned,
		Protocol:    protocol.ContactManagementID,
		InstanceUID: uid,
		MessageID:   mid,
		Inputs:      []encoded.Value{encoded.MustEncode("input")},
		Channel:     protocol.ObliviousReception(owned, obvidentity.UID{1}),
		Received:    at,
	}
}

// Run runs the conformance tests against the stores returned by newDB.
func Run(t *testing.T, newDB func(t *testing.T) protodb.DB) {
	ctx := context.Background()
	owned := obvidentity.MustNew("https://server.example").Public

	t.Run("instances", func(t *testing.T) {
		db := newDB(t)
		key := protocol.InstanceKey{Owned: owned, Protocol: protocol.FullRatchetID, UID: obvidentity.NewUID(nil)}
		inst := &protocol.Instance{
			Owned:        owned,
			Protocol:     key.Protocol,
			UID:          key.UID,
			StateID:      2,
			EncodedState: encoded.MustEncode(map[string]int{"counter": 1}),
			Updated:      time.Unix(1700000000, 0),
		}

		require.NoError(t, db.Update(ctx, func(tx protocol.ReadWriteTx) error {
			_, err := db.Instance(tx, key)
			require.ErrorIs(t, err, protodb.ErrNotFound)
			return db.SaveInstance(tx, inst)
		}))

		require.NoError(t, db.View(ctx, func(tx protocol.ReadTx) error {
			got, err := db.Instance(tx, key)
			require.NoError(t, err)
			require.Equal(t, inst.StateID, got.StateID)
			require.Equal(t, inst.EncodedState, got.EncodedState)
			require.Equal(t, owned, got.Owned)
			require.True(t, inst.Updated.Equal(got.Updated))

			all, err := db.ListInstances(tx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			return nil
		}))

		require.NoError(t, db.Update(ctx, func(tx protocol.ReadWriteTx) error {
			return db.DeleteInstance(tx, key)
		}))
		require.NoError(t, db.View(ctx, func(tx protocol.ReadTx) error {
			_, err := db.Instance(tx, key)
			require.ErrorIs(t, err, protodb.ErrNotFound)
			return nil
		}))
	})

	t.Run("rollback", func(t *testing.T) {
		db := newDB(t)
		uid := obvidentity.NewUID(nil)
		rm := testMessage(owned, uid, 0, time.Now())
		err := db.Update(ctx, func(tx protocol.ReadWriteTx) error {
			require.NoError(t, db.StoreReceivedMessage(tx, rm))
			require.NoError(t, db.StoreMutualScanSignature(tx, owned, []byte("sig")))
			return errRollback
		})
		require.ErrorIs(t, err, errRollback)

		require.NoError(t, db.View(ctx, func(tx protocol.ReadTx) error {
			msgs, err := db.ReceivedMessages(tx, rm.Key())
			require.NoError(t, err)
			require.Empty(t, msgs)
			seen, err := db.HasMutualScanSignature(tx, owned, []byte("sig"))
			require.NoError(t, err)
			require.False(t, seen)
			return nil
		}))
	})

	t.Run("messages", func(t *testing.T) {
		db := newDB(t)
		uid := obvidentity.NewUID(nil)
		otherUID := obvidentity.NewUID(nil)
		base := time.Unix(1700000000, 0)
		m1 := testMessage(owned, uid, 1, base.Add(time.Second))
		m2 := testMessage(owned, uid, 2, base)
		m3 := testMessage(owned, otherUID, 3, base)
		m3.EncodedResponse = encoded.MustEncode([]byte("response"))

		require.NoError(t, db.Update(ctx, func(tx protocol.ReadWriteTx) error {
			for _, rm := range []*protocol.ReceivedMessage{m1, m2, m3} {
				require.NoError(t, db.StoreReceivedMessage(tx, rm))
			}
			err := db.StoreReceivedMessage(tx, m1)
			require.ErrorIs(t, err, protodb.ErrAlreadyExists)
			return nil
		}))

		require.NoError(t, db.View(ctx, func(tx protocol.ReadTx) error {
			msgs, err := db.ReceivedMessages(tx, m1.Key())
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, m2.ID, msgs[0].ID)
			require.Equal(t, m1.ID, msgs[1].ID)
			require.Equal(t, m1.Channel, msgs[1].Channel)
			require.Equal(t, m1.Inputs, msgs[1].Inputs)

			other, err := db.ReceivedMessages(tx, m3.Key())
			require.NoError(t, err)
			require.Len(t, other, 1)
			require.Equal(t, m3.EncodedResponse, other[0].EncodedResponse)

			pending, err := db.PendingInstances(tx)
			require.NoError(t, err)
			require.ElementsMatch(t, []protocol.InstanceKey{m1.Key(), m3.Key()}, pending)
			return nil
		}))

		require.NoError(t, db.Update(ctx, func(tx protocol.ReadWriteTx) error {
			require.NoError(t, db.DeleteReceivedMessage(tx, m2.ID))
			return db.DeleteReceivedMessages(tx, m3.Key())
		}))
		require.NoError(t, db.View(ctx, func(tx protocol.ReadTx) error {
			pending, err := db.PendingInstances(tx)
			require.NoError(t, err)
			require.Equal(t, []protocol.InstanceKey{m1.Key()}, pending)
			msgs, err := db.ReceivedMessages(tx, m1.Key())
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			return nil
		}))
	})

	t.Run("signatures", func(t *testing.T) {
		db := newDB(t)
		other := obvidentity.MustNew("https://server.example").Public
		sig := []byte("signature bytes")
		require.NoError(t, db.Update(ctx, func(tx protocol.ReadWriteTx) error {
			require.NoError(t, db.StoreMutualScanSignature(tx, owned, sig))
			err := db.StoreMutualScanSignature(tx, owned, sig)
			require.ErrorIs(t, err, protodb.ErrAlreadyExists)
			return nil
		}))
		require.NoError(t, db.View(ctx, func(tx protocol.ReadTx) error {
			seen, err := db.HasMutualScanSignature(tx, owned, sig)
			require.NoError(t, err)
			require.True(t, seen)

			// The log is scoped per owned identity.
			seen, err = db.HasMutualScanSignature(tx, other, sig)
			require.NoError(t, err)
			require.False(t, seen)
			return nil
		}))
	})
}
