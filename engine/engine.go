// Package engine runs protocol instances: it stores received messages,
// dispatches them to the steps of their protocol one at a time per instance
// and persists the resulting states.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/companyzero/protoengine/internal/logutil"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protodb"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Config is the configuration of an engine.
type Config struct {
	DB          protodb.DB
	Definitions []protocol.Definition
	Delegates   *protocol.Delegates

	// Rand is the randomness source handed to steps. Defaults to
	// crypto/rand.
	Rand io.Reader

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger is the engine logger. StepLogger is the logger that protocol
	// steps log to, prefixed with the protocol and instance.
	Logger     slog.Logger
	StepLogger slog.Logger

	// Workers is the number of instances processed concurrently by
	// ProcessBacklog. Defaults to 4.
	Workers int

	// DeferredMessageTTL is the age after which ProcessBacklog drops
	// messages that are still waiting for a matching step. Zero keeps
	// them forever.
	DeferredMessageTTL time.Duration

	// Registerer is where the engine metrics are registered. Metrics
	// are still collected, but not exported, when nil.
	Registerer prometheus.Registerer
}

// Engine is the protocol engine.
type Engine struct {
	cfg     Config
	db      protodb.DB
	defs    map[protocol.ID]protocol.Definition
	locks   *lockTable
	log     slog.Logger
	stepLog slog.Logger
	stats   *stats

	localMtx  sync.Mutex
	lastLocal time.Time
}

// New creates a new engine.
func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, errors.New("engine: DB is required")
	}
	if cfg.Delegates == nil {
		return nil, errors.New("engine: delegates are required")
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Disabled
	}
	stepLog := cfg.StepLogger
	if stepLog == nil {
		stepLog = log
	}

	defs := make(map[protocol.ID]protocol.Definition, len(cfg.Definitions))
	for _, def := range cfg.Definitions {
		if _, ok := defs[def.ID()]; ok {
			return nil, fmt.Errorf("engine: duplicate definition of %s", def.ID())
		}
		defs[def.ID()] = def
	}

	return &Engine{
		cfg:     cfg,
		db:      cfg.DB,
		defs:    defs,
		locks:   newLockTable(),
		log:     log,
		stepLog: stepLog,
		stats:   newStats(cfg.Registerer),
	}, nil
}

// Definition returns the definition of protocol pid.
func (e *Engine) Definition(pid protocol.ID) (protocol.Definition, bool) {
	def, ok := e.defs[pid]
	return def, ok
}

// Receive stores rm and processes its instance along with every instance
// that received local messages as a consequence.
func (e *Engine) Receive(ctx context.Context, rm *protocol.ReceivedMessage) error {
	if rm.ID.IsEmpty() {
		rm.ID = obvidentity.NewUID(e.cfg.Rand)
	}
	if rm.Received.IsZero() {
		rm.Received = e.cfg.Now()
	}
	if _, ok := e.defs[rm.Protocol]; !ok {
		e.stats.drop(rm.Protocol, "unknown-protocol")
		return fmt.Errorf("%w: %s", protocol.ErrUnknownProtocol, rm.Protocol)
	}

	err := e.db.Update(ctx, func(tx protocol.ReadWriteTx) error {
		return e.db.StoreReceivedMessage(tx, rm)
	})
	if err != nil {
		return err
	}
	e.log.Debugf("Received %s message %d over %s", rm.Key(), rm.MessageID, rm.Channel)
	return e.process(ctx, rm.Key())
}

// PostLocal delivers msg to instance uid of protocol pid of owned as a local
// message.
func (e *Engine) PostLocal(ctx context.Context, owned obvidentity.Identity, pid protocol.ID,
	uid obvidentity.UID, msg protocol.Message) error {

	rm, err := protocol.NewLocalMessage(owned, pid, uid, msg, e.localTime())
	if err != nil {
		return err
	}
	return e.Receive(ctx, rm)
}

// StartProtocol delivers msg to a new instance of protocol pid and returns
// the uid of the instance.
func (e *Engine) StartProtocol(ctx context.Context, owned obvidentity.Identity, pid protocol.ID,
	msg protocol.Message) (obvidentity.UID, error) {

	uid := obvidentity.NewUID(e.cfg.Rand)
	return uid, e.PostLocal(ctx, owned, pid, uid, msg)
}

// ProcessInstance processes the pending messages of the instance identified
// by key.
func (e *Engine) ProcessInstance(ctx context.Context, key protocol.InstanceKey) error {
	return e.process(ctx, key)
}

// ProcessBacklog processes every instance with pending messages, using up to
// Workers goroutines. Errors of individual instances do not stop the others.
func (e *Engine) ProcessBacklog(ctx context.Context) error {
	var keys []protocol.InstanceKey
	err := e.db.View(ctx, func(tx protocol.ReadTx) error {
		var err error
		keys, err = e.db.PendingInstances(tx)
		return err
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if e.cfg.DeferredMessageTTL > 0 {
		if err := e.pruneDeferred(ctx, keys); err != nil {
			return err
		}
	}

	e.log.Debugf("Processing backlog of %d instances", len(keys))
	var mtx sync.Mutex
	var errs []error
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, key := range keys {
		g.Go(func() error {
			if err := e.process(ctx, key); err != nil {
				mtx.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				mtx.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// pruneDeferred drops messages older than the deferred message TTL.
func (e *Engine) pruneDeferred(ctx context.Context, keys []protocol.InstanceKey) error {
	limit := e.cfg.Now().Add(-e.cfg.DeferredMessageTTL)
	return e.db.Update(ctx, func(tx protocol.ReadWriteTx) error {
		for _, key := range keys {
			msgs, err := e.db.ReceivedMessages(tx, key)
			if err != nil {
				return err
			}
			for _, rm := range msgs {
				if !rm.Received.Before(limit) {
					continue
				}
				e.log.Debugf("Dropping expired message %d of %s received at %s",
					rm.MessageID, key, rm.Received.Format(time.RFC3339))
				if err := e.db.DeleteReceivedMessage(tx, rm.ID); err != nil {
					return err
				}
				e.stats.drop(key.Protocol, "expired")
			}
		}
		return nil
	})
}

// localTime returns the reception time of a new local message. Local
// messages get strictly increasing times so that they are processed in
// posting order.
func (e *Engine) localTime() time.Time {
	now := e.cfg.Now()
	e.localMtx.Lock()
	if !now.After(e.lastLocal) {
		now = e.lastLocal.Add(time.Nanosecond)
	}
	e.lastLocal = now
	e.localMtx.Unlock()
	return now
}

// process processes key and then every instance that got local messages
// while doing so. A failure of one instance does not stop the processing of
// the others.
func (e *Engine) process(ctx context.Context, key protocol.InstanceKey) error {
	var errs []error
	queue := []protocol.InstanceKey{key}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := queue[0]
		queue = queue[1:]
		follow, err := e.processInstance(ctx, key)
		if err != nil {
			errs = append(errs, err)
		}
		queue = append(queue, follow...)
	}
	return errors.Join(errs...)
}

// stepError is the failure of a step run for one pending message. The
// transaction of the step is rolled back and the message stays stored.
type stepError struct {
	msg obvidentity.UID
	err error
}

func (e *stepError) Error() string {
	return fmt.Sprintf("message %s: %v", e.msg.ShortLogID(), e.err)
}

func (e *stepError) Unwrap() error {
	return e.err
}

// run is the result of one dispatch transaction.
type run struct {
	// progress is set when the transaction changed something and the
	// instance must be looked at again.
	progress bool
	effects  []func()
	local    []protocol.InstanceKey
}

// processInstance dispatches the pending messages of key until none of them
// matches a step. Messages whose step fails are skipped for the rest of the
// call, so they do not hold back the later messages of the instance; the
// first such failure is returned. It also returns the keys of the other
// instances that received local messages.
func (e *Engine) processInstance(ctx context.Context, key protocol.InstanceKey) ([]protocol.InstanceKey, error) {
	unlock := e.locks.lock(key)
	defer unlock()

	var follow []protocol.InstanceKey
	var failed map[obvidentity.UID]struct{}
	var stepErr error
	for {
		var r *run
		err := e.db.Update(ctx, func(tx protocol.ReadWriteTx) error {
			var err error
			r, err = e.dispatchNext(tx, key, failed)
			return err
		})
		var se *stepError
		if errors.As(err, &se) {
			e.log.Errorf("Step failed on %s: %v", key, se)
			if failed == nil {
				failed = make(map[obvidentity.UID]struct{})
			}
			failed[se.msg] = struct{}{}
			if stepErr == nil {
				stepErr = se
			}
			continue
		}
		if err != nil {
			e.log.Errorf("Unable to process %s: %v", key, err)
			return follow, err
		}
		if r == nil {
			return follow, stepErr
		}
		for _, f := range r.effects {
			f()
		}
		for _, k := range r.local {
			if k != key {
				follow = append(follow, k)
			}
		}
		if !r.progress {
			return follow, stepErr
		}
	}
}

func (e *Engine) newStepContext(tx protocol.ReadWriteTx, key protocol.InstanceKey,
	rm *protocol.ReceivedMessage, r *run) *protocol.StepContext {

	sc := &protocol.StepContext{
		Tx:          tx,
		Owned:       key.Owned,
		Protocol:    key.Protocol,
		InstanceUID: key.UID,
		Channel:     rm.Channel,
		Delegates:   e.cfg.Delegates,
		Rand:        e.cfg.Rand,
		Now:         e.cfg.Now,
		Log:         logutil.InstanceLogger(e.stepLog, key),
	}
	sc.LocalPost = func(om *protocol.OutboundMessage) error {
		if _, ok := e.defs[om.Protocol]; !ok {
			// Protocols run outside the engine get their local
			// messages through the channel delegate.
			_, err := e.cfg.Delegates.Channels.Post(tx, om, e.cfg.Rand)
			return err
		}
		local := om.ToReceived(obvidentity.NewUID(e.cfg.Rand), om.Owned,
			protocol.LocalReception(), e.localTime())
		if err := e.db.StoreReceivedMessage(tx, local); err != nil {
			return err
		}
		r.local = append(r.local, om.Key())
		return nil
	}
	return sc
}

// deleteInstance removes the instance and all of its pending messages.
func (e *Engine) deleteInstance(tx protocol.ReadWriteTx, key protocol.InstanceKey) error {
	if err := e.db.DeleteInstance(tx, key); err != nil {
		return err
	}
	return e.db.DeleteReceivedMessages(tx, key)
}

// dispatchNext dispatches the oldest message of key that matches a step,
// ignoring the messages in skip. It returns nil when no message could be
// dispatched.
func (e *Engine) dispatchNext(tx protocol.ReadWriteTx, key protocol.InstanceKey,
	skip map[obvidentity.UID]struct{}) (*run, error) {

	msgs, err := e.db.ReceivedMessages(tx, key)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	def, ok := e.defs[key.Protocol]
	if !ok {
		e.log.Warnf("Dropping %d messages of %s: unknown protocol", len(msgs), key)
		e.stats.drop(key.Protocol, "unknown-protocol")
		return &run{}, e.db.DeleteReceivedMessages(tx, key)
	}

	inst, err := e.db.Instance(tx, key)
	if errors.Is(err, protodb.ErrNotFound) {
		inst = nil
	} else if err != nil {
		return nil, err
	}
	if inst != nil && inst.Final {
		e.log.Debugf("Dropping %d messages of finished instance %s", len(msgs), key)
		e.stats.drop(key.Protocol, "final")
		return &run{}, e.db.DeleteReceivedMessages(tx, key)
	}

	for _, rm := range msgs {
		if _, ok := skip[rm.ID]; ok {
			continue
		}
		r := &run{progress: true}
		sc := e.newStepContext(tx, key, rm, r)
		start := time.Now()
		res, err := protocol.Dispatch(sc, def, inst, rm)
		switch {
		case errors.Is(err, protocol.ErrNoMatchingStep):
			e.log.Tracef("Deferring message %d of %s: %v", rm.MessageID, key, err)
			e.stats.deferred.WithLabelValues(key.Protocol.String()).Inc()
			continue

		case errors.Is(err, protocol.ErrUnknownMessage),
			errors.Is(err, protocol.ErrDecodeMessage):
			e.log.Warnf("Dropping message %d of %s: %v", rm.MessageID, key, err)
			e.stats.drop(key.Protocol, "decode")
			return &run{progress: true}, e.db.DeleteReceivedMessage(tx, rm.ID)

		case errors.Is(err, protocol.ErrAmbiguousStep):
			e.log.Errorf("Invariant violation: %v", err)
			return nil, err

		case err != nil:
			return nil, &stepError{msg: rm.ID, err: err}
		}

		if err := e.db.DeleteReceivedMessage(tx, rm.ID); err != nil {
			return nil, err
		}

		switch res.Outcome {
		case protocol.Ignored:
			e.log.Debugf("Step %s of %s ignored message %d", res.Step, key, rm.MessageID)

		case protocol.Aborted:
			e.log.Debugf("Step %s aborted %s", res.Step, key)
			if err := e.deleteInstance(tx, key); err != nil {
				return nil, err
			}

		case protocol.Transitioned:
			if e.log.Level() <= slog.LevelTrace {
				e.log.Tracef("Step %s moved %s to %s", res.Step, key, spew.Sdump(res.State))
			}
			if res.Final && def.EraseAfterFinal() {
				e.log.Debugf("Instance %s finished, erasing it", key)
				if err := e.deleteInstance(tx, key); err != nil {
					return nil, err
				}
				break
			}
			next, err := protocol.NewInstanceState(def, key, res.State)
			if err != nil {
				return nil, err
			}
			next.Updated = e.cfg.Now()
			if err := e.db.SaveInstance(tx, next); err != nil {
				return nil, err
			}
			if res.Final {
				e.log.Debugf("Instance %s finished", key)
				if err := e.db.DeleteReceivedMessages(tx, key); err != nil {
					return nil, err
				}
			}
		}

		e.stats.observeStep(key.Protocol, res.Outcome, time.Since(start))
		r.effects = sc.Effects()
		return r, nil
	}

	return nil, nil
}
