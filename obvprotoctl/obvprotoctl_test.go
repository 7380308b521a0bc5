package main

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/internal/testutils"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/keycloak"
	"github.com/companyzero/protoengine/protocols/mutualscan"
	"github.com/companyzero/protoengine/protocols/registry"
	"github.com/companyzero/protoengine/protodb/memdb"
)

func testEnv(t *testing.T) *env {
	e := &env{
		log:   testutils.TestLoggerSys(t, "CTL"),
		db:    memdb.New(),
		defs:  make(map[protocol.ID]protocol.Definition),
		close: func() {},
	}
	for _, def := range registry.Definitions(registry.Config{}) {
		e.defs[def.ID()] = def
	}
	return e
}

func saveInstance(t *testing.T, e *env, owned obvidentity.Identity, pid protocol.ID, st protocol.State) *protocol.Instance {
	t.Helper()
	v, err := encoded.Encode(st)
	assert.NilErr(t, err)
	inst := &protocol.Instance{
		Owned:        owned,
		Protocol:     pid,
		UID:          obvidentity.NewUID(rand.Reader),
		StateID:      st.StateID(),
		EncodedState: v,
	}
	err = e.db.Update(context.Background(), func(tx protocol.ReadWriteTx) error {
		return e.db.SaveInstance(tx, inst)
	})
	assert.NilErr(t, err)
	return inst
}

func TestPurgeFinished(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t)
	owned, err := obvidentity.New("https://server.example")
	assert.NilErr(t, err)

	finished := saveInstance(t, e, owned.Public, protocol.KeycloakBindingID, &keycloak.Finished{})
	saveInstance(t, e, owned.Public, protocol.KeycloakBindingID, &keycloak.Initial{})
	saveInstance(t, e, owned.Public, protocol.TrustEstablishmentMutualScanID, &mutualscan.Finished{})

	// Decoding uses the definition of the instance protocol.
	st, err := e.decodeState(finished)
	assert.NilErr(t, err)
	assert.IsType[*keycloak.Finished](t, st)

	pf := &protocolFilter{Protocol: int(protocol.KeycloakBindingID)}
	purged, err := purgeFinished(ctx, e, pf, true)
	assert.NilErr(t, err)
	assert.Len(t, purged, 1)
	insts, err := listInstances(ctx, e, &protocolFilter{Protocol: -1})
	assert.NilErr(t, err)
	assert.Len(t, insts, 3)

	purged, err = purgeFinished(ctx, e, pf, false)
	assert.NilErr(t, err)
	assert.Len(t, purged, 1)
	assert.DeepEqual(t, purged[0].UID, finished.UID)

	insts, err = listInstances(ctx, e, &protocolFilter{Protocol: -1})
	assert.NilErr(t, err)
	assert.Len(t, insts, 2)
	assert.DeepEqual(t, insts[0].Protocol, protocol.TrustEstablishmentMutualScanID)
	assert.DeepEqual(t, insts[1].Protocol, protocol.KeycloakBindingID)
}

func TestQRCommand(t *testing.T) {
	signer, err := obvidentity.New("https://server.example")
	assert.NilErr(t, err)
	scanner, err := obvidentity.New("https://server.example")
	assert.NilErr(t, err)
	text, err := mutualscan.NewPayload(signer, scanner.Public).Text()
	assert.NilErr(t, err)

	dir := testutils.TempTestDir(t, "obvprotoctl")
	var c qrCmd
	c.PNG = filepath.Join(dir, "qr.png")
	c.Size = 128
	c.Args.Payload = text
	assert.NilErr(t, c.Execute(nil))
	img, err := os.ReadFile(c.PNG)
	assert.NilErr(t, err)
	assert.DeepEqual(t, string(img[1:4]), "PNG")

	c.Args.Payload = "mutualscan:%%%"
	assert.ErrorIs(t, c.Execute(nil), mutualscan.ErrInvalidPayload)
}
