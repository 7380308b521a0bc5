// Package notifier delivers the notifications emitted by protocol steps to
// registered handlers.
package notifier

import (
	"fmt"
	"sync"

	"github.com/companyzero/protoengine/protocol"
	"github.com/decred/slog"
)

// Registration is returned when registering a handler and allows removing
// it.
type Registration struct {
	unreg func() bool
}

// Unregister removes the handler. It returns false if the handler had
// already been removed.
func (reg Registration) Unregister() bool {
	return reg.unreg()
}

// Handler is one of the On*Ntfn types.
type Handler interface {
	typ() string
}

type handler[T any] struct {
	handler T
	async   bool
}

type handlersFor[T any] struct {
	mtx      sync.Mutex
	next     uint
	handlers map[uint]handler[T]
}

func (hn *handlersFor[T]) register(h T, async bool) Registration {
	var id uint

	hn.mtx.Lock()
	id, hn.next = hn.next, hn.next+1
	if hn.handlers == nil {
		hn.handlers = make(map[uint]handler[T])
	}
	hn.handlers[id] = handler[T]{handler: h, async: async}
	registered := true
	hn.mtx.Unlock()

	return Registration{
		unreg: func() bool {
			hn.mtx.Lock()
			res := registered
			if registered {
				delete(hn.handlers, id)
				registered = false
			}
			hn.mtx.Unlock()
			return res
		},
	}
}

func (hn *handlersFor[T]) visit(f func(T)) {
	hn.mtx.Lock()
	for _, h := range hn.handlers {
		if h.async {
			go f(h.handler)
		} else {
			f(h.handler)
		}
	}
	hn.mtx.Unlock()
}

func (hn *handlersFor[T]) Register(v interface{}, async bool) Registration {
	h, ok := v.(T)
	if !ok {
		panic("wrong type")
	}
	return hn.register(h, async)
}

type handlersRegistry interface {
	Register(v interface{}, async bool) Registration
}

// Manager is a protocol.NotificationDelegate that dispatches notifications to
// typed handlers.
type Manager struct {
	handlers map[string]handlersRegistry
	log      slog.Logger
}

var _ protocol.NotificationDelegate = (*Manager)(nil)

// New creates a new notification manager. log may be nil.
func New(log slog.Logger) *Manager {
	if log == nil {
		log = slog.Disabled
	}
	return &Manager{
		log: log,
		handlers: map[string]handlersRegistry{
			OnKeycloakSyncRequiredNtfn(nil).typ():       &handlersFor[OnKeycloakSyncRequiredNtfn]{},
			OnMutualScanContactAddedNtfn(nil).typ():     &handlersFor[OnMutualScanContactAddedNtfn]{},
			OnContactDeletedNtfn(nil).typ():             &handlersFor[OnContactDeletedNtfn]{},
			OnContactCapabilitiesUpdatedNtfn(nil).typ(): &handlersFor[OnContactCapabilitiesUpdatedNtfn]{},
			OnOwnedDevicesChangedNtfn(nil).typ():        &handlersFor[OnOwnedDevicesChangedNtfn]{},
			OnFullRatchetCompletedNtfn(nil).typ():       &handlersFor[OnFullRatchetCompletedNtfn]{},
			OnOwnedIdentityDeletedNtfn(nil).typ():       &handlersFor[OnOwnedIdentityDeletedNtfn]{},
			onAnyNtfnType:                               &handlersFor[OnAnyNtfn]{},
		},
	}
}

func (nmgr *Manager) register(handler Handler, async bool) Registration {
	handlers := nmgr.handlers[handler.typ()]
	if handlers == nil {
		panic(fmt.Sprintf("forgot to init the handler type %T "+
			"in notifier.New", handler))
	}

	return handlers.Register(handler, async)
}

// Register registers a handler that is called in its own goroutine.
func (nmgr *Manager) Register(handler Handler) Registration {
	return nmgr.register(handler, true)
}

// RegisterSync registers a handler that is called synchronously from
// Notify.
func (nmgr *Manager) RegisterSync(handler Handler) Registration {
	return nmgr.register(handler, false)
}

func visit[T any](nmgr *Manager, f func(T)) {
	var h T
	typ := any(h).(Handler).typ()
	nmgr.handlers[typ].(*handlersFor[T]).visit(f)
}

// Notify dispatches n to the handlers registered for its type.
func (nmgr *Manager) Notify(n protocol.Notification) {
	nmgr.log.Debugf("Notification %s", n.NotificationName())

	switch n := n.(type) {
	case protocol.KeycloakSyncRequired:
		visit(nmgr, func(h OnKeycloakSyncRequiredNtfn) { h(n) })
	case protocol.MutualScanContactAdded:
		visit(nmgr, func(h OnMutualScanContactAddedNtfn) { h(n) })
	case protocol.ContactDeleted:
		visit(nmgr, func(h OnContactDeletedNtfn) { h(n) })
	case protocol.ContactCapabilitiesUpdated:
		visit(nmgr, func(h OnContactCapabilitiesUpdatedNtfn) { h(n) })
	case protocol.OwnedDevicesChanged:
		visit(nmgr, func(h OnOwnedDevicesChangedNtfn) { h(n) })
	case protocol.FullRatchetCompleted:
		visit(nmgr, func(h OnFullRatchetCompletedNtfn) { h(n) })
	case protocol.OwnedIdentityDeleted:
		visit(nmgr, func(h OnOwnedIdentityDeletedNtfn) { h(n) })
	default:
		nmgr.log.Tracef("No typed handlers for notification %T", n)
	}

	visit(nmgr, func(h OnAnyNtfn) { h(n) })
}
