package protocol

import (
	"fmt"
	"io"
	"time"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/decred/slog"
)

// StepContext is the environment of a running step.
type StepContext struct {
	Tx          ReadWriteTx
	Owned       obvidentity.Identity
	Protocol    ID
	InstanceUID obvidentity.UID
	Channel     ReceptionChannelInfo
	Delegates   *Delegates
	Rand        io.Reader
	Now         func() time.Time
	Log         slog.Logger

	// LocalPost receives messages sent to the local device. When nil,
	// local messages are handed to the channel delegate.
	LocalPost func(om *OutboundMessage) error

	effects []func()
}

// AfterCommit schedules f to run once the step transaction committed. f is
// dropped if the transaction rolls back.
func (sc *StepContext) AfterCommit(f func()) {
	sc.effects = append(sc.effects, f)
}

// Effects returns the functions scheduled with AfterCommit.
func (sc *StepContext) Effects() []func() {
	return sc.effects
}

// Notify posts n to the notification delegate after the transaction
// committed.
func (sc *StepContext) Notify(n Notification) {
	if sc.Delegates.Notifications == nil {
		return
	}
	ntfns := sc.Delegates.Notifications
	sc.AfterCommit(func() { ntfns.Notify(n) })
}

// Time returns the current time.
func (sc *StepContext) Time() time.Time {
	if sc.Now == nil {
		return time.Now()
	}
	return sc.Now()
}

// Send posts msg to instance uid of protocol pid. A destination without an
// acceptable channel is reported as Unreachable and is not an error.
func (sc *StepContext) Send(pid ID, uid obvidentity.UID, send SendChannelInfo, msg Message) (SendOutcome, error) {
	om, err := NewOutboundMessage(sc.Owned, pid, uid, send, msg)
	if err != nil {
		return Unreachable, err
	}
	if send.Kind == SendLocal && sc.LocalPost != nil {
		if err := sc.LocalPost(om); err != nil {
			return Unreachable, err
		}
		return Sent, nil
	}
	return sc.Delegates.Channels.Post(sc.Tx, om, sc.Rand)
}

// Post sends msg to the same instance on the destination. The send is
// essential: an unreachable destination fails with ErrNoAcceptableChannel.
func (sc *StepContext) Post(send SendChannelInfo, msg Message) error {
	outcome, err := sc.Send(sc.Protocol, sc.InstanceUID, send, msg)
	if err != nil {
		return err
	}
	if outcome == Unreachable {
		return fmt.Errorf("%w: %s to %s", ErrNoAcceptableChannel, send.Kind,
			send.ToIdentity.ShortLogID())
	}
	return nil
}

// PostBestEffort sends msg to the same instance on the destination.
// Unreachable destinations are logged and reported in the outcome.
func (sc *StepContext) PostBestEffort(send SendChannelInfo, msg Message) (SendOutcome, error) {
	outcome, err := sc.Send(sc.Protocol, sc.InstanceUID, send, msg)
	if err == nil && outcome == Unreachable {
		sc.Log.Debugf("No acceptable channel to send %T over %s", msg, send.Kind)
	}
	return outcome, err
}

// StartProtocol posts msg to a new instance of pid on the local device and
// returns the uid of the instance.
func (sc *StepContext) StartProtocol(pid ID, msg Message) (obvidentity.UID, error) {
	uid := obvidentity.NewUID(sc.Rand)
	if err := sc.PostLocal(pid, uid, msg); err != nil {
		return uid, err
	}
	return uid, nil
}

// PostLocal posts msg to instance uid of protocol pid on the local device.
func (sc *StepContext) PostLocal(pid ID, uid obvidentity.UID, msg Message) error {
	_, err := sc.Send(pid, uid, LocalSend(), msg)
	return err
}

// PostServerQuery posts q on behalf of the running instance. The response is
// delivered with message id responseID.
func (sc *StepContext) PostServerQuery(q *ServerQuery, responseID MessageID) error {
	q.Owned = sc.Owned
	q.Protocol = sc.Protocol
	q.InstanceUID = sc.InstanceUID
	q.ResponseMessageID = responseID
	return sc.Delegates.ServerQueries.PostServerQuery(sc.Tx, q)
}

// HasOtherOwnedDevices returns true if the owned identity has devices besides
// the current one.
func (sc *StepContext) HasOtherOwnedDevices() (bool, error) {
	devices, err := sc.Delegates.Identity.OwnedDevices(sc.Tx, sc.Owned)
	if err != nil {
		return false, err
	}
	for i := range devices {
		if !devices[i].Current {
			return true, nil
		}
	}
	return false, nil
}

func encodeState(st State) (encoded.Value, error) {
	return encoded.Encode(st)
}
