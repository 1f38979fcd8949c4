// Package shardmanager runs a set of shards: it spawns them following the spawn plan,
// merges their events into one channel and replaces shards without a gap in delivery.
package shardmanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/botlabs-gg/shardgate/spawn"
	"github.com/bwmarrin/snowflake"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReplaceTimeout = time.Minute * 2
	DefaultEventBuffer    = 128
)

var (
	ErrSpawnTimeout      = errors.NewPlain("replacement shard did not connect in time")
	ErrUnknownShard      = errors.NewPlain("unknown shard")
	ErrNotStarted        = errors.NewPlain("shard manager not started")
	ErrAlreadyStarted    = errors.NewPlain("shard manager already started")
	ErrShuttingDown      = errors.NewPlain("shard manager is shutting down")
	ErrReplaceInProgress = errors.NewPlain("a replacement for this shard is already in progress")
	ErrShardNotRunning   = errors.NewPlain("shard is not running")
)

type Config struct {
	Token string
	// Intents is handed to every shard as is
	Intents interface{}

	GatewayURL string
	Transport  gateway.Transport

	Strategy spawn.Strategy
	// Provider is asked for the shard count and handshake concurrency by the recommended strategy
	Provider spawn.ShardCountProvider

	// Concurrency overrides the handshake budget, 0 uses what the provider reported, or 1
	Concurrency     int
	IdentifySpacing time.Duration
	// Limiter spaces handshakes per bucket, nil limits within this process
	Limiter spawn.BucketLimiter

	ReplaceTimeout time.Duration

	// Passed on to every shard, see gateway.Config
	HandshakeTimeout  time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	StableDwell       time.Duration
	MaxResumeAttempts int
	RetryBudget       int

	// Sink receives the output of every shard, nil logs to Logger
	Sink   gateway.Sink
	Logger *logrus.Entry

	// NodeID is the snowflake node used for instance ids
	NodeID int64

	EventBuffer int
}

// Manager owns the registry of shard instances, one instance of record per shard id
type Manager struct {
	// Called on events, by default this is set to LogEvent.
	// It is called from shard goroutines and should not block.
	OnEvent func(e *Event)

	cfg  Config
	log  *logrus.Entry
	node *snowflake.Node

	ready *readyTracker

	mu        sync.Mutex
	started   bool
	closing   bool
	total     int
	ids       []int
	shards    map[int]*instance
	replacing map[int]*instance
	scheduler *spawn.Scheduler
	plan      spawn.Plan

	out       chan *gateway.DispatchedEvent
	quit      chan struct{}
	closed    chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc

	// tracks instance goroutines and the spawner, only added to while not closing
	wg sync.WaitGroup
}

// instance is one shard object together with its forwarding goroutine, a shard id has
// more than one instance while it is being replaced
type instance struct {
	id      snowflake.ID
	shardID int
	shard   *gateway.Shard

	// guarded by Manager.mu
	started       bool
	down          bool
	retired       bool
	everConnected bool

	connected     chan struct{}
	connectedOnce sync.Once

	// cutoff is the cut-over instant in unix nanoseconds, events received after it are dropped
	cutoff atomic.Int64
	// discard drops every event, set on a replacement that did not take over
	discard atomic.Bool

	// hold blocks forwarding of a replacement until the swap, after is the forwarder of the
	// instance it replaces
	hold     chan struct{}
	holdOnce sync.Once
	after    <-chan struct{}

	forwardDone chan struct{}
	forwardOnce sync.Once
}

func (inst *instance) releaseHold() {
	if inst.hold != nil {
		inst.holdOnce.Do(func() { close(inst.hold) })
	}
}

func (inst *instance) finishForward() {
	inst.forwardOnce.Do(func() { close(inst.forwardDone) })
}

func (inst *instance) markConnected() {
	inst.connectedOnce.Do(func() { close(inst.connected) })
}

func New(cfg Config) (*Manager, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, errors.WithMessage(err, "snowflake node")
	}

	if cfg.Transport == nil {
		return nil, errors.New("no transport configured")
	}
	if cfg.ReplaceTimeout <= 0 {
		cfg.ReplaceTimeout = DefaultReplaceTimeout
	}
	if cfg.IdentifySpacing <= 0 {
		cfg.IdentifySpacing = spawn.DefaultSpacing
	}
	if cfg.EventBuffer < 0 {
		cfg.EventBuffer = 0
	} else if cfg.EventBuffer == 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Manager{
		cfg:       cfg,
		log:       logger.WithField("stck", "shardmanager"),
		node:      node,
		ready:     newReadyTracker(),
		shards:    make(map[int]*instance),
		replacing: make(map[int]*instance),
		quit:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	m.OnEvent = m.LogEvent

	return m, nil
}

// Start resolves the shard total, computes the spawn plan and starts the shards at their
// planned start times. ctx only bounds the startup, the shards run until Shutdown.
// The returned channel carries the events of every shard and is closed after Shutdown
// or once every shard is down.
func (m *Manager) Start(ctx context.Context) (<-chan *gateway.DispatchedEvent, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil, errors.WithStack(ErrAlreadyStarted)
	}
	m.started = true
	m.mu.Unlock()

	resolved, err := m.cfg.Strategy.Resolve(ctx, m.cfg.Provider)
	if err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return nil, errors.WithMessage(err, "Start")
	}

	budget := m.cfg.Concurrency
	if budget < 1 {
		budget = resolved.MaxConcurrency
	}
	if budget < 1 {
		budget = 1
	}

	scheduler := spawn.NewScheduler(budget, m.cfg.IdentifySpacing, m.cfg.Limiter)
	plan := scheduler.Plan(resolved.IDs)

	m.mu.Lock()
	m.total = resolved.Total
	m.ids = resolved.IDs
	m.scheduler = scheduler
	m.plan = plan
	m.out = make(chan *gateway.DispatchedEvent, m.cfg.EventBuffer)
	m.runCtx, m.cancelRun = context.WithCancel(context.Background())

	for _, id := range resolved.IDs {
		m.shards[id] = m.newInstance(id)
	}
	m.ready.shardsAdded(resolved.IDs...)

	m.wg.Add(1)
	go m.spawner(plan)
	go m.closer()
	m.mu.Unlock()

	m.log.Infof("starting %d of %d shards, handshake budget %d, spacing %s, spawn plan takes %s",
		len(resolved.IDs), resolved.Total, budget, m.cfg.IdentifySpacing, plan.Duration())

	m.updateShardMetrics()
	return m.out, nil
}

// Events returns the merged event channel, nil before Start
func (m *Manager) Events() <-chan *gateway.DispatchedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out
}

// Ready is closed once every shard reached Connected at least once
func (m *Manager) Ready() <-chan struct{} {
	return m.ready.allReady
}

// Closed is closed once the merged event channel was closed
func (m *Manager) Closed() <-chan struct{} {
	return m.closed
}

// Plan returns the spawn plan computed by Start
func (m *Manager) Plan() spawn.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(spawn.Plan(nil), m.plan...)
}

// TotalShards returns the resolved shard total, 0 before Start
func (m *Manager) TotalShards() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Scheduler returns the handshake gate used by every shard, nil before Start
func (m *Manager) Scheduler() *spawn.Scheduler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduler
}

// newInstance creates an instance that is not running yet, m.mu has to be held
func (m *Manager) newInstance(shardID int) *instance {
	inst := &instance{
		id:          m.node.Generate(),
		shardID:     shardID,
		connected:   make(chan struct{}),
		forwardDone: make(chan struct{}),
	}

	var next gateway.Sink = m.cfg.Sink
	if next == nil {
		next = gateway.NewLogrusSink(m.log.WithField("instance", inst.id.String()))
	}

	inst.shard = gateway.NewShard(gateway.Config{
		Token:             m.cfg.Token,
		ShardID:           shardID,
		ShardTotal:        m.total,
		Intents:           m.cfg.Intents,
		GatewayURL:        m.cfg.GatewayURL,
		Transport:         m.cfg.Transport,
		Gate:              m.scheduler,
		Sink:              &instanceSink{m: m, inst: inst, next: next},
		HandshakeTimeout:  m.cfg.HandshakeTimeout,
		BackoffInitial:    m.cfg.BackoffInitial,
		BackoffMax:        m.cfg.BackoffMax,
		StableDwell:       m.cfg.StableDwell,
		MaxResumeAttempts: m.cfg.MaxResumeAttempts,
		RetryBudget:       m.cfg.RetryBudget,
	})

	return inst
}

// spawner starts the shards of the plan at their start offsets
func (m *Manager) spawner(plan spawn.Plan) {
	defer m.wg.Done()

	started := time.Now()
	for _, entry := range plan {
		if d := time.Until(started.Add(entry.Start)); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-m.quit:
				t.Stop()
				return
			}
		}

		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			return
		}

		inst := m.shards[entry.ShardID]
		if inst == nil || inst.started || inst.retired {
			m.mu.Unlock()
			continue
		}

		m.startInstanceLocked(inst)
		m.mu.Unlock()

		m.emit(EventOpen, inst.shardID, inst, "", nil)
	}
}

// startInstanceLocked runs the shard and its forwarder, m.mu has to be held and the
// manager must not be closing
func (m *Manager) startInstanceLocked(inst *instance) {
	inst.started = true
	m.wg.Add(2)
	go m.runInstance(inst)
	go m.forward(inst)
}

func (m *Manager) runInstance(inst *instance) {
	defer m.wg.Done()

	err := inst.shard.Run(m.runCtx)

	m.mu.Lock()
	ofRecord := m.shards[inst.shardID] == inst
	expected := m.closing || inst.retired || inst.discard.Load()
	wentDown := ofRecord && !expected
	allDown := false
	if wentDown {
		inst.down = true
		allDown = m.allDownLocked()
	}
	m.mu.Unlock()

	if !wentDown {
		return
	}

	m.emit(EventDown, inst.shardID, inst, "shard stopped", err)
	m.updateShardMetrics()

	if allDown {
		m.log.Error("every shard is down, closing the event channel")
		m.closeAll()
	}
}

// allDownLocked returns true if every instance of record is down and no replacement is
// in flight
func (m *Manager) allDownLocked() bool {
	if len(m.replacing) > 0 || len(m.ids) == 0 {
		return false
	}

	for _, id := range m.ids {
		if inst := m.shards[id]; inst == nil || !inst.down {
			return false
		}
	}

	return true
}

// forward moves the events of an instance to the merged channel
func (m *Manager) forward(inst *instance) {
	defer m.wg.Done()
	defer inst.finishForward()

	if inst.hold != nil {
		select {
		case <-inst.hold:
		case <-m.runCtx.Done():
			return
		}

		if !inst.discard.Load() && inst.after != nil {
			select {
			case <-inst.after:
			case <-m.runCtx.Done():
				return
			}
		}
	}

	for evt := range inst.shard.Events() {
		if inst.discard.Load() {
			metricsEventsDropped.WithLabelValues("discarded").Inc()
			continue
		}

		if cut := inst.cutoff.Load(); cut != 0 && evt.ReceivedAt.UnixNano() > cut {
			metricsEventsDropped.WithLabelValues("cutover").Inc()
			continue
		}

		select {
		case m.out <- evt:
			metricsEventsForwarded.Inc()
		case <-m.runCtx.Done():
			return
		}
	}
}

// closer closes the merged channel once the manager is closing and everything stopped
func (m *Manager) closer() {
	<-m.quit
	m.wg.Wait()
	m.cancelRun()
	close(m.out)
	close(m.closed)
}

// beginCloseLocked marks the manager as closing and returns the started instances,
// nil if it was already closing
func (m *Manager) beginCloseLocked() []*instance {
	if m.closing {
		return nil
	}
	m.closing = true
	close(m.quit)

	var insts []*instance
	for _, inst := range m.shards {
		if inst.started {
			insts = append(insts, inst)
		}
	}
	for _, inst := range m.replacing {
		insts = append(insts, inst)
	}

	return insts
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	insts := m.beginCloseLocked()
	m.mu.Unlock()

	if insts == nil {
		return
	}

	m.emit(EventClose, -1, nil, fmt.Sprintf("stopping %d instances", len(insts)), nil)
	for _, inst := range insts {
		inst.shard.Stop()
	}
}

// Shutdown stops every shard with a clean close and waits for the merged channel to be
// closed. Events still queued are delivered while the consumer keeps reading; if ctx is
// done first they are dropped and ctx.Err() is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.out == nil {
		m.mu.Unlock()
		return errors.WithStack(ErrNotStarted)
	}
	m.mu.Unlock()

	m.closeAll()

	select {
	case <-m.closed:
		return nil
	case <-ctx.Done():
		m.cancelRun()
		<-m.closed
		return ctx.Err()
	}
}

// ReconnectShard makes the instance of record for shardID reconnect, resuming unless
// forceIdentify is set
func (m *Manager) ReconnectShard(shardID int, forceIdentify bool) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return errors.WithStack(ErrNotStarted)
	}
	if m.closing {
		m.mu.Unlock()
		return errors.WithStack(ErrShuttingDown)
	}

	inst, ok := m.shards[shardID]
	if !ok {
		m.mu.Unlock()
		return errors.WithMessagef(errors.WithStack(ErrUnknownShard), "shard %d", shardID)
	}
	started, down := inst.started, inst.down
	m.mu.Unlock()

	if !started || down {
		return errors.WithMessagef(errors.WithStack(ErrShardNotRunning), "shard %d", shardID)
	}

	m.log.WithField("shard", shardID).Infof("reconnecting shard, force identify: %t", forceIdentify)
	inst.shard.Reconnect(forceIdentify)
	return nil
}

// SendPayload sends a frame through the instance of record for shardID
func (m *Manager) SendPayload(ctx context.Context, shardID int, op gateway.GatewayOP, data interface{}) error {
	inst, err := m.instanceOfRecord(shardID)
	if err != nil {
		return err
	}

	return inst.shard.SendPayload(ctx, op, data)
}

// UpdateStatus sends a presence update on every shard, shards that are not connected are
// skipped and reported in the returned error
func (m *Manager) UpdateStatus(ctx context.Context, usd *gateway.UpdateStatusData) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return errors.WithStack(ErrNotStarted)
	}

	var errs []error
	for _, id := range m.ShardIDs() {
		inst, err := m.instanceOfRecord(id)
		if err == nil {
			err = inst.shard.UpdateStatus(ctx, usd)
		}
		if err != nil {
			errs = append(errs, errors.WithMessagef(err, "shard %d", id))
		}
	}

	return errors.Combine(errs...)
}

func (m *Manager) instanceOfRecord(shardID int) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil, errors.WithStack(ErrNotStarted)
	}
	if m.closing {
		return nil, errors.WithStack(ErrShuttingDown)
	}

	inst, ok := m.shards[shardID]
	if !ok {
		return nil, errors.WithMessagef(errors.WithStack(ErrUnknownShard), "shard %d", shardID)
	}
	if !inst.started || inst.down {
		return nil, errors.WithMessagef(errors.WithStack(ErrShardNotRunning), "shard %d", shardID)
	}

	return inst, nil
}

// ReplaceShard starts a new instance for shardID with a fresh session and swaps it in once
// it is connected. The old instance keeps delivering until the new one connected, its
// events received after that instant are dropped and it is retired with a clean close.
// If the new instance does not connect within the replace timeout (or ctx is done) it is
// torn down and ErrSpawnTimeout is returned, the old instance stays the instance of record.
func (m *Manager) ReplaceShard(ctx context.Context, shardID int) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return errors.WithStack(ErrNotStarted)
	}
	if m.closing {
		m.mu.Unlock()
		return errors.WithStack(ErrShuttingDown)
	}

	old, ok := m.shards[shardID]
	if !ok {
		m.mu.Unlock()
		return errors.WithMessagef(errors.WithStack(ErrUnknownShard), "shard %d", shardID)
	}
	if m.replacing[shardID] != nil {
		m.mu.Unlock()
		return errors.WithMessagef(errors.WithStack(ErrReplaceInProgress), "shard %d", shardID)
	}

	next := m.newInstance(shardID)
	next.hold = make(chan struct{})
	next.after = old.forwardDone
	m.replacing[shardID] = next
	m.startInstanceLocked(next)
	m.mu.Unlock()

	m.emit(EventOpen, shardID, next, "replacing instance "+old.id.String(), nil)

	timer := time.NewTimer(m.cfg.ReplaceTimeout)
	defer timer.Stop()

	var failure error
	select {
	case <-next.connected:
	case <-timer.C:
		failure = errors.WithMessagef(errors.WithStack(ErrSpawnTimeout), "shard %d, after %s", shardID, m.cfg.ReplaceTimeout)
	case <-ctx.Done():
		failure = errors.WithMessagef(errors.WithStack(ErrSpawnTimeout), "shard %d: %v", shardID, ctx.Err())
	case <-next.shard.Done():
		failure = errors.WithMessagef(errors.WithStack(ErrSpawnTimeout), "shard %d, replacement stopped: %v", shardID, next.shard.Err())
	case <-m.quit:
		failure = errors.WithStack(ErrShuttingDown)
	}

	m.mu.Lock()
	delete(m.replacing, shardID)

	if next.everConnected && !m.closing {
		m.shards[shardID] = next
		old.retired = true
		oldStarted := old.started
		m.mu.Unlock()

		if !oldStarted {
			old.finishForward()
		}
		next.releaseHold()
		old.shard.Stop()

		metricsReplacements.WithLabelValues("replaced").Inc()
		m.emit(EventReplaced, shardID, next, "retired instance "+old.id.String(), nil)
		m.updateShardMetrics()
		return nil
	}

	next.discard.Store(true)
	old.cutoff.Store(0)
	allDown := !m.closing && m.allDownLocked()
	m.mu.Unlock()

	next.releaseHold()
	next.shard.Stop()
	<-next.shard.Done()

	metricsReplacements.WithLabelValues("failed").Inc()
	m.emit(EventReplaceFailed, shardID, next, "instance "+old.id.String()+" stays", failure)

	if allDown {
		m.log.Error("every shard is down, closing the event channel")
		m.closeAll()
	}

	return failure
}

// onStateChanged is called by the sink of every instance
func (m *Manager) onStateChanged(inst *instance, from, to gateway.ConnState) {
	switch to {
	case gateway.StateConnected:
		m.mu.Lock()
		if inst.discard.Load() || inst.retired {
			m.mu.Unlock()
			return
		}

		first := !inst.everConnected
		inst.everConnected = true
		if first && m.replacing[inst.shardID] == inst {
			if old := m.shards[inst.shardID]; old != nil {
				old.cutoff.Store(time.Now().UnixNano())
			}
		}
		m.mu.Unlock()

		inst.markConnected()

		if from == gateway.StateResuming {
			m.emit(EventResumed, inst.shardID, inst, "", nil)
		} else {
			m.emit(EventReady, inst.shardID, inst, "", nil)
		}

		if m.ready.handleReadyOrResume(inst.shardID) {
			m.emit(EventAllReady, -1, nil, "", nil)
		}

	case gateway.StateAwaitingHello:
		m.emit(EventConnected, inst.shardID, inst, "", nil)

	case gateway.StateReconnecting, gateway.StateZombied:
		if from == gateway.StateConnected {
			m.emit(EventDisconnected, inst.shardID, inst, "", nil)
		}
	}

	m.updateShardMetrics()
}

// instanceSink passes shard output on and reports state transitions to the manager
type instanceSink struct {
	m    *Manager
	inst *instance
	next gateway.Sink
}

func (s *instanceSink) Log(shardID, connID int, level gateway.LogLevel, msg string, err error) {
	s.next.Log(shardID, connID, level, msg, err)
}

func (s *instanceSink) StateChanged(shardID, connID int, from, to gateway.ConnState) {
	s.next.StateChanged(shardID, connID, from, to)
	s.m.onStateChanged(s.inst, from, to)
}
