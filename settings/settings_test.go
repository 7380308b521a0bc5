package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/companyzero/protoengine/internal/assert"
	"github.com/companyzero/protoengine/internal/testutils"
	"github.com/mitchellh/go-homedir"
)

func TestLoadDefaults(t *testing.T) {
	s := New()
	assert.NilErr(t, s.LoadReader(strings.NewReader("")))

	home, err := homedir.Dir()
	assert.NilErr(t, err)
	assert.DeepEqual(t, s.Root, filepath.Join(home, ".protoengine"))
	assert.DeepEqual(t, s.LevelDBPath, filepath.Join(home, ".protoengine", "protocols"))
	assert.DeepEqual(t, s.Backend, BackendLevelDB)
	assert.DeepEqual(t, s.PreKeyValidity, 60*24*time.Hour)
	assert.DeepEqual(t, s.PreKeyRenewal, 30*24*time.Hour)
	assert.DeepEqual(t, s.RedisChannel, DefaultRedisChannel)
}

func TestLoadFile(t *testing.T) {
	const conf = `
root = /srv/proto

[log]
debuglevel = debug,ENGN=trace

[db]
backend = postgres
pghost = db.internal
pgserverca = ~/ca.pem

[engine]
workers = 8
deferredttl = 2w

[prekeys]
validity = 10d
renewal = 4d

[notify]
redisaddr = 127.0.0.1:6379
`
	dir := testutils.TempTestDir(t, "settings")
	fname := filepath.Join(dir, "protoengine.conf")
	assert.NilErr(t, os.WriteFile(fname, []byte(conf), 0o600))

	s := New()
	assert.NilErr(t, s.Load(fname))
	home, err := homedir.Dir()
	assert.NilErr(t, err)

	assert.DeepEqual(t, s.Root, "/srv/proto")
	assert.DeepEqual(t, s.LogFile, "/srv/proto/protoengine.log")
	assert.DeepEqual(t, s.DebugLevel, "debug,ENGN=trace")
	assert.DeepEqual(t, s.Backend, BackendPostgres)
	assert.DeepEqual(t, s.PGHost, "db.internal")
	assert.DeepEqual(t, s.PGServerCA, filepath.Join(home, "ca.pem"))
	assert.DeepEqual(t, s.Workers, 8)
	assert.DeepEqual(t, s.DeferredMessageTTL, 14*24*time.Hour)
	assert.DeepEqual(t, s.PreKeys().PreKeyValidity, 10*24*time.Hour)
	assert.DeepEqual(t, s.PreKeys().PreKeyRenewal, 4*24*time.Hour)
	assert.DeepEqual(t, s.RedisAddr, "127.0.0.1:6379")
	assert.Len(t, s.PGOptions(), 6)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		conf string
	}{{
		name: "unknown backend",
		conf: "[db]\nbackend = sqlite\n",
	}, {
		name: "no workers",
		conf: "[engine]\nworkers = 0\n",
	}, {
		name: "bad duration",
		conf: "[prekeys]\nvalidity = forever\n",
	}, {
		name: "renewal after validity",
		conf: "[prekeys]\nvalidity = 5d\nrenewal = 6d\n",
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := New().LoadReader(strings.NewReader(tc.conf))
			assert.NonNilErr(t, err)
		})
	}
}
