package main

import (
	"context"
	"fmt"
	"os"

	"github.com/companyzero/protoengine/internal/logutil"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/registry"
	"github.com/companyzero/protoengine/protodb"
	"github.com/companyzero/protoengine/protodb/leveldb"
	"github.com/companyzero/protoengine/protodb/memdb"
	"github.com/companyzero/protoengine/protodb/pgdb"
	"github.com/companyzero/protoengine/settings"
	"github.com/decred/slog"
)

// env is what every command needs: the settings, loggers, the opened store
// and the protocol definitions.
type env struct {
	cfg   *settings.Settings
	logs  *logutil.Backend
	log   slog.Logger
	db    protodb.DB
	defs  map[protocol.ID]protocol.Definition
	close func()
}

func loadEnv(ctx context.Context) (*env, error) {
	cfg := settings.New()
	if err := cfg.Load(opts.ConfigFile); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if opts.DebugLevel != "" {
		cfg.DebugLevel = opts.DebugLevel
	}
	if opts.Backend != "" {
		cfg.Backend = opts.Backend
	}

	// The log file is left to long running processes.
	logs, err := logutil.NewBackend("", cfg.DebugLevel, os.Stderr)
	if err != nil {
		return nil, err
	}

	e := &env{
		cfg:   cfg,
		logs:  logs,
		log:   logs.Logger("CTL"),
		defs:  make(map[protocol.ID]protocol.Definition),
		close: func() {},
	}
	defs := registry.Definitions(registry.Config{PreKeys: cfg.PreKeys()})
	for _, def := range defs {
		e.defs[def.ID()] = def
	}

	switch cfg.Backend {
	case settings.BackendMemory:
		e.db = memdb.New()
	case settings.BackendLevelDB:
		db, err := leveldb.New(leveldb.Config{
			Path:   cfg.LevelDBPath,
			Logger: logs.Logger("LVDB"),
		})
		if err != nil {
			return nil, err
		}
		e.db = db
		e.close = func() { db.Close() }
	case settings.BackendPostgres:
		pgOpts := append(cfg.PGOptions(), pgdb.WithLogger(logs.Logger("PGDB")))
		db, err := pgdb.Open(ctx, pgOpts...)
		if err != nil {
			return nil, err
		}
		e.db = db
		e.close = db.Close
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	e.log.Debugf("Opened %s store", cfg.Backend)
	return e, nil
}

// decodeState decodes the state of inst with the definition of its protocol.
func (e *env) decodeState(inst *protocol.Instance) (protocol.State, error) {
	def, ok := e.defs[inst.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownProtocol, inst.Protocol)
	}
	return def.DecodeState(inst.StateID, inst.EncodedState)
}

// isFinal returns true if inst is in a final state of its protocol.
func (e *env) isFinal(inst *protocol.Instance) bool {
	if inst.Final {
		return true
	}
	def, ok := e.defs[inst.Protocol]
	return ok && def.IsFinal(inst.StateID)
}

// withEnv runs f with a loaded env and closes it afterwards.
func withEnv(f func(ctx context.Context, e *env) error) error {
	e, err := loadEnv(appCtx)
	if err != nil {
		return err
	}
	defer e.close()
	return f(appCtx, e)
}
