package engine

import (
	"sync"

	"github.com/companyzero/protoengine/protocol"
	"github.com/puzpuzpuz/xsync/v3"
)

type instanceLock struct {
	mtx  sync.Mutex
	refs int
}

// lockTable linearizes processing per protocol instance. Entries are removed
// once no goroutine holds or waits on them.
type lockTable struct {
	m *xsync.MapOf[protocol.InstanceKey, *instanceLock]
}

func newLockTable() *lockTable {
	return &lockTable{m: xsync.NewMapOf[protocol.InstanceKey, *instanceLock]()}
}

// lock locks key and returns the function that unlocks it.
func (lt *lockTable) lock(key protocol.InstanceKey) func() {
	l, _ := lt.m.Compute(key, func(old *instanceLock, loaded bool) (*instanceLock, bool) {
		if !loaded {
			old = &instanceLock{}
		}
		old.refs++
		return old, false
	})
	l.mtx.Lock()
	return func() {
		l.mtx.Unlock()
		lt.m.Compute(key, func(old *instanceLock, loaded bool) (*instanceLock, bool) {
			old.refs--
			return old, old.refs == 0
		})
	}
}

func (lt *lockTable) size() int {
	return lt.m.Size()
}
