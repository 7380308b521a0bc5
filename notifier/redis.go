package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/companyzero/protoengine/protocol"
	"github.com/decred/slog"
	"github.com/redis/go-redis/v9"
)

// Publisher is the subset of a redis client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Event is the JSON record published for each notification.
type Event struct {
	Name         string   `json:"name"`
	Owned        string   `json:"owned"`
	Contact      string   `json:"contact,omitempty"`
	Device       string   `json:"device,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Signature    []byte   `json:"signature,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

func newEvent(n protocol.Notification, now time.Time) Event {
	ev := Event{Name: n.NotificationName(), Timestamp: now.UnixMilli()}
	switch n := n.(type) {
	case protocol.KeycloakSyncRequired:
		ev.Owned = n.Owned.String()
	case protocol.MutualScanContactAdded:
		ev.Owned = n.Owned.String()
		ev.Contact = n.Contact.String()
		ev.Signature = n.Signature
	case protocol.ContactDeleted:
		ev.Owned = n.Owned.String()
		ev.Contact = n.Contact.String()
	case protocol.ContactCapabilitiesUpdated:
		ev.Owned = n.Owned.String()
		ev.Contact = n.Contact.String()
		ev.Device = n.Device.String()
		ev.Capabilities = n.Capabilities.Strings()
	case protocol.OwnedDevicesChanged:
		ev.Owned = n.Owned.String()
	case protocol.FullRatchetCompleted:
		ev.Owned = n.Owned.String()
		ev.Contact = n.Remote.String()
		ev.Device = n.Device.String()
	case protocol.OwnedIdentityDeleted:
		ev.Owned = n.Owned.String()
	}
	return ev
}

// RedisSink publishes notifications to a redis pub/sub channel. Publication
// happens in Run, so that Notify never blocks on the network.
type RedisSink struct {
	pub     Publisher
	channel string
	log     slog.Logger
	now     func() time.Time
	events  chan Event
}

// NewRedisSink creates a sink publishing to channel. Up to queueLen
// notifications are buffered while Run is publishing; further ones are
// dropped.
func NewRedisSink(pub Publisher, channel string, queueLen int, log slog.Logger) *RedisSink {
	if log == nil {
		log = slog.Disabled
	}
	if queueLen <= 0 {
		queueLen = 128
	}
	return &RedisSink{
		pub:     pub,
		channel: channel,
		log:     log,
		now:     time.Now,
		events:  make(chan Event, queueLen),
	}
}

// Attach registers the sink as a handler of every notification of nmgr.
func (s *RedisSink) Attach(nmgr *Manager) Registration {
	return nmgr.RegisterSync(OnAnyNtfn(s.enqueue))
}

func (s *RedisSink) enqueue(n protocol.Notification) {
	select {
	case s.events <- newEvent(n, s.now()):
	default:
		s.log.Warnf("Dropping notification %s: publish queue full",
			n.NotificationName())
	}
}

// Run publishes queued notifications until ctx is done.
func (s *RedisSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			b, err := json.Marshal(ev)
			if err != nil {
				s.log.Errorf("Unable to encode notification %s: %v", ev.Name, err)
				continue
			}
			if err := s.pub.Publish(ctx, s.channel, b).Err(); err != nil {
				s.log.Warnf("Unable to publish notification %s: %v", ev.Name, err)
				continue
			}
			s.log.Tracef("Published notification %s", ev.Name)
		}
	}
}
