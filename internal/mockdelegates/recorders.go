package mockdelegates

import (
	"slices"
	"sync"

	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
)

// ServerQueries records posted server queries.
type ServerQueries struct {
	mtx     sync.Mutex
	queries []*protocol.ServerQuery
}

func (s *ServerQueries) PostServerQuery(tx protocol.ReadWriteTx, q *protocol.ServerQuery) error {
	s.mtx.Lock()
	s.queries = append(s.queries, q)
	s.mtx.Unlock()
	return nil
}

// Queries returns the posted queries.
func (s *ServerQueries) Queries() []*protocol.ServerQuery {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return slices.Clone(s.queries)
}

// Last returns the last posted query or nil.
func (s *ServerQueries) Last() *protocol.ServerQuery {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.queries) == 0 {
		return nil
	}
	return s.queries[len(s.queries)-1]
}

// PushCall is a recorded push registration request.
type PushCall struct {
	Owned      obvidentity.Identity
	Reactivate bool
}

// Push records push registration requests.
type Push struct {
	mtx   sync.Mutex
	calls []PushCall
}

func (p *Push) ForceRegisterPushNotification(owned obvidentity.Identity, reactivate bool) error {
	p.mtx.Lock()
	p.calls = append(p.calls, PushCall{Owned: owned, Reactivate: reactivate})
	p.mtx.Unlock()
	return nil
}

// Calls returns the recorded calls.
func (p *Push) Calls() []PushCall {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return slices.Clone(p.calls)
}

// Notifications records notifications.
type Notifications struct {
	mtx sync.Mutex
	ns  []protocol.Notification
}

func (n *Notifications) Notify(ntfn protocol.Notification) {
	n.mtx.Lock()
	n.ns = append(n.ns, ntfn)
	n.mtx.Unlock()
}

// All returns the recorded notifications.
func (n *Notifications) All() []protocol.Notification {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return slices.Clone(n.ns)
}

// NotificationsOf returns the recorded notifications of type T.
func NotificationsOf[T protocol.Notification](n *Notifications) []T {
	var res []T
	for _, ntfn := range n.All() {
		if v, ok := ntfn.(T); ok {
			res = append(res, v)
		}
	}
	return res
}

// Set bundles the mock delegates of a single device.
type Set struct {
	Identity      *Identity
	Channels      *Channels
	ServerQueries *ServerQueries
	Push          *Push
	Notifications *Notifications
}

// New returns a new set of empty mock delegates.
func New() *Set {
	id := NewIdentity()
	return &Set{
		Identity:      id,
		Channels:      NewChannels(id),
		ServerQueries: &ServerQueries{},
		Push:          &Push{},
		Notifications: &Notifications{},
	}
}

// Delegates returns the delegates bundle. sigs is usually the protocol
// database.
func (s *Set) Delegates(sigs protocol.MutualScanSignatureLog) *protocol.Delegates {
	return &protocol.Delegates{
		Identity:      s.Identity,
		Channels:      s.Channels,
		ServerQueries: s.ServerQueries,
		Notifications: s.Notifications,
		Push:          s.Push,
		Signatures:    sigs,
	}
}
