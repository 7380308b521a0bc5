// Package settings loads the ini configuration of the protoengine binaries.
package settings

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/companyzero/protoengine/protocols/owneddevices"
	"github.com/companyzero/protoengine/protodb/pgdb"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)

const (
	DefaultRoot         = "~/.protoengine"
	DefaultRedisChannel = "protoengine.notifications"
)

// Settings is the collection of all protoengine settings.
type Settings struct {
	// default section
	Root string // root directory

	// log section
	LogFile    string // log filename
	DebugLevel string // debug level config string

	// db section
	Backend      string
	LevelDBPath  string
	PGHost       string
	PGPort       string
	PGDBName     string
	PGRoleName   string
	PGPassphrase string
	PGServerCA   string

	// engine section
	Workers            int
	DeferredMessageTTL time.Duration
	Prometheus         string // listen address of the metrics endpoint

	// prekeys section
	PreKeyValidity time.Duration
	PreKeyRenewal  time.Duration

	// notify section
	RedisAddr    string
	RedisChannel string

	// LogStdOut is the stdout to write the log to. Defaults to os.Stdout.
	LogStdOut io.Writer
}

var (
	errIniNotFound = errors.New("not found")
)

// New returns a default settings structure.
func New() *Settings {
	return &Settings{
		Root: DefaultRoot,

		LogFile:    filepath.Join(DefaultRoot, "protoengine.log"),
		DebugLevel: "info",

		Backend:      BackendLevelDB,
		LevelDBPath:  filepath.Join(DefaultRoot, "protocols"),
		PGHost:       pgdb.DefaultHost,
		PGPort:       pgdb.DefaultPort,
		PGDBName:     pgdb.DefaultDBName,
		PGRoleName:   pgdb.DefaultRoleName,
		PGPassphrase: pgdb.DefaultRoleName,

		Workers: 4,

		PreKeyValidity: owneddevices.DefaultPreKeyValidity,
		PreKeyRenewal:  owneddevices.DefaultPreKeyRenewal,

		RedisChannel: DefaultRedisChannel,

		LogStdOut: os.Stdout,
	}
}

// Load retrieves settings from an ini file. Additionally it expands all ~ to
// the current user home directory.
func (s *Settings) Load(filename string) error {
	filename, err := homedir.Expand(filename)
	if err != nil {
		return err
	}
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}
	return s.load(cfg)
}

// LoadReader retrieves settings from an ini formatted reader.
func (s *Settings) LoadReader(r io.Reader) error {
	cfg, err := ini.Load(r)
	if err != nil {
		return err
	}
	return s.load(cfg)
}

func (s *Settings) load(cfg ini.File) error {
	get := func(s *string, section, field string) {
		v, ok := cfg.Get(section, field)
		if ok {
			*s = v
		}
	}

	// Paths that were not set explicitly follow the root dir.
	oldRoot := s.Root
	get(&s.Root, "", "root")
	if s.Root != oldRoot {
		s.LogFile = rebase(s.LogFile, oldRoot, s.Root)
		s.LevelDBPath = rebase(s.LevelDBPath, oldRoot, s.Root)
	}

	get(&s.LogFile, "log", "logfile")
	get(&s.DebugLevel, "log", "debuglevel")

	get(&s.Backend, "db", "backend")
	switch s.Backend {
	case BackendMemory, BackendLevelDB, BackendPostgres:
	default:
		return fmt.Errorf("[db]backend must be one of %s, %s or %s",
			BackendMemory, BackendLevelDB, BackendPostgres)
	}
	get(&s.LevelDBPath, "db", "leveldbpath")
	get(&s.PGHost, "db", "pghost")
	get(&s.PGPort, "db", "pgport")
	get(&s.PGDBName, "db", "pgdbname")
	get(&s.PGRoleName, "db", "pgrole")
	get(&s.PGPassphrase, "db", "pgpass")
	get(&s.PGServerCA, "db", "pgserverca")

	err := iniInt(cfg, &s.Workers, "engine", "workers")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	if s.Workers < 1 {
		return fmt.Errorf("[engine]workers must be at least 1")
	}
	err = iniDuration(cfg, &s.DeferredMessageTTL, "engine", "deferredttl")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	get(&s.Prometheus, "engine", "prometheus")

	err = iniDuration(cfg, &s.PreKeyValidity, "prekeys", "validity")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	err = iniDuration(cfg, &s.PreKeyRenewal, "prekeys", "renewal")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	if s.PreKeyRenewal >= s.PreKeyValidity {
		return fmt.Errorf("[prekeys]renewal must be shorter than validity")
	}

	get(&s.RedisAddr, "notify", "redisaddr")
	get(&s.RedisChannel, "notify", "redischannel")

	return s.expandPaths()
}

func (s *Settings) expandPaths() error {
	for _, p := range []*string{&s.Root, &s.LogFile, &s.LevelDBPath, &s.PGServerCA} {
		if *p == "" {
			continue
		}
		v, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

// PreKeys returns the pre-key configuration of the owned device discovery
// protocol.
func (s *Settings) PreKeys() owneddevices.DiscoveryConfig {
	return owneddevices.DiscoveryConfig{
		PreKeyValidity: s.PreKeyValidity,
		PreKeyRenewal:  s.PreKeyRenewal,
	}
}

// PGOptions returns the options to open the postgres store.
func (s *Settings) PGOptions() []pgdb.Option {
	opts := []pgdb.Option{
		pgdb.WithHost(s.PGHost),
		pgdb.WithPort(s.PGPort),
		pgdb.WithDBName(s.PGDBName),
		pgdb.WithRole(s.PGRoleName),
		pgdb.WithPassphrase(s.PGPassphrase),
	}
	if s.PGServerCA != "" {
		opts = append(opts, pgdb.WithTLS(s.PGServerCA))
	}
	return opts
}

func rebase(path, oldRoot, newRoot string) string {
	if rel, ok := strings.CutPrefix(path, oldRoot); ok {
		return newRoot + rel
	}
	return path
}

func iniInt(cfg ini.File, p *int, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	i64, err := strconv.ParseInt(v, 10, 64)
	if err == nil {
		*p = int(i64)
	}
	return err
}

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	dur, err := strduration.ParseDuration(v)
	if err == nil {
		*p = dur
	}
	return err
}
