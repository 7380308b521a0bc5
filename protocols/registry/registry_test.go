package registry

import (
	"slices"
	"testing"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/engine"
	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/internal/mockdelegates"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protodb/memdb"
)

// TestDefinitionsCoverProtocolIDs ensures every protocol id is either
// registered exactly once or listed as external.
func TestDefinitionsCoverProtocolIDs(t *testing.T) {
	defs := Definitions(Config{})
	seen := make(map[protocol.ID]bool)
	for _, def := range defs {
		if seen[def.ID()] {
			t.Fatalf("protocol %s registered twice", def.ID())
		}
		if slices.Contains(External, def.ID()) {
			t.Fatalf("protocol %s is both external and registered", def.ID())
		}
		seen[def.ID()] = true
	}
	for id := protocol.ChannelCreationID; id <= protocol.ObliviousChannelManagementID; id++ {
		if id == 2 {
			// Unassigned.
			continue
		}
		if !seen[id] && !slices.Contains(External, id) {
			t.Fatalf("protocol %s is not registered", id)
		}
	}
}

// TestInitialStatesDecode ensures the initial state of every protocol can be
// persisted and loaded back and is not final.
func TestInitialStatesDecode(t *testing.T) {
	for _, def := range Definitions(Config{}) {
		t.Run(def.ID().String(), func(t *testing.T) {
			st := def.InitialState()
			assert.BoolIs(t, def.IsFinal(st.StateID()), false)
			v, err := encoded.Encode(st)
			assert.NilErr(t, err)
			got, err := def.DecodeState(st.StateID(), v)
			assert.NilErr(t, err)
			assert.DeepEqual(t, got.StateID(), st.StateID())
			if len(def.Steps(st)) == 0 {
				t.Fatalf("initial state of %s has no steps", def.ID())
			}
		})
	}
}

func TestEngineAcceptsDefinitions(t *testing.T) {
	db := memdb.New()
	_, err := engine.New(engine.Config{
		DB:          db,
		Definitions: Definitions(Config{}),
		Delegates:   mockdelegates.New().Delegates(db),
	})
	assert.NilErr(t, err)
}
