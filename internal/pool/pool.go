// Package pool owns the shards assigned to one process and turns their
// individual lifecycles into a single readiness signal.
//
// A Manager spawns its shards one after another, shares an identify
// limiter between them, holds back dispatches until every shard is ready,
// and queues shards that lost their connection for a serialized
// reconnect.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/clock"
	"github.com/luciancaetano/kephasgate/internal/rest"
	"github.com/luciancaetano/kephasgate/internal/shard"
	"github.com/luciancaetano/kephasgate/internal/websocket"
)

var _ kephasgate.ShardPool = (*Manager)(nil)

// Manager is a shard pool.
type Manager struct {
	opts   Options
	dialer kephasgate.Dialer
	clock  clock.Clock
	logger *zap.Logger
	rest   GatewayInfo

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	createdAt time.Time

	events       chan kephasgate.Event
	deliverMu    sync.Mutex
	eventsClosed bool

	dispatches atomic.Int64

	mu               sync.Mutex
	shards           map[int]*shard.Shard
	ids              []int
	pending          []int
	total            int
	gatewayURL       string
	limiter          *rate.Limiter
	spawned          bool
	destroyed        bool
	ready            bool
	reconnecting     map[int]struct{}
	reconnectRunning bool
	buffered         []kephasgate.Event
	unavailable      map[int][]string
}

// New creates a pool. No connection is opened before CreateShards.
func New(opts Options, deps Deps) *Manager {
	d := DefaultOptions()
	if opts.SpawnDelay < 0 {
		opts.SpawnDelay = 0
	}
	if opts.IdentifyInterval <= 0 {
		opts.IdentifyInterval = d.IdentifyInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = d.EventBuffer
	}
	if opts.Version <= 0 {
		opts.Version = d.Version
	}

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Dialer == nil {
		deps.Dialer = websocket.NewDialer(opts.Version, deps.Logger)
	}
	if deps.REST == nil {
		deps.REST = rest.New(opts.APIURL, opts.Token, deps.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:         opts,
		dialer:       deps.Dialer,
		clock:        deps.Clock,
		logger:       deps.Logger.Named("pool"),
		rest:         deps.REST,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		createdAt:    deps.Clock.Now(),
		events:       make(chan kephasgate.Event, opts.EventBuffer),
		shards:       make(map[int]*shard.Shard),
		reconnecting: make(map[int]struct{}),
		unavailable:  make(map[int][]string),
	}
}

// Events implements kephasgate.ShardPool. The channel is closed by
// Destroy.
func (m *Manager) Events() <-chan kephasgate.Event { return m.events }

// CreateShards implements kephasgate.ShardPool.
func (m *Manager) CreateShards(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.destroyed:
		m.mu.Unlock()
		return kephasgate.ErrPoolDestroyed
	case m.spawned:
		m.mu.Unlock()
		return kephasgate.ErrAlreadySpawned
	}
	m.spawned = true
	m.mu.Unlock()

	total, gatewayURL, concurrency, err := m.resolveSharding(ctx)
	if err != nil {
		return err
	}
	ids, err := ResolveShardIDs(m.opts.ShardIDs, total)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.total = total
	m.ids = ids
	m.pending = slices.Clone(ids)
	m.gatewayURL = gatewayURL
	m.limiter = rate.NewLimiter(rate.Every(m.opts.IdentifyInterval), concurrency)
	m.mu.Unlock()

	m.logger.Info("spawning shards",
		zap.Int("total_shards", total),
		zap.Ints("shard_ids", ids),
		zap.Int("max_concurrency", concurrency),
		zap.String("gateway_url", gatewayURL))

	for i, id := range ids {
		if i > 0 && m.opts.SpawnDelay > 0 {
			select {
			case <-m.clock.After(m.opts.SpawnDelay):
			case <-ctx.Done():
				return ctx.Err()
			case <-m.done:
				return kephasgate.ErrPoolDestroyed
			}
		}

		s, err := m.addShard(id)
		if err != nil {
			return err
		}
		if err := m.connectShard(ctx, s); err != nil {
			return fmt.Errorf("spawning shard %d: %w", id, err)
		}
	}
	return nil
}

// resolveSharding returns the shard count, gateway URL and identify
// concurrency, asking the API when the shard count is automatic.
func (m *Manager) resolveSharding(ctx context.Context) (total int, gatewayURL string, concurrency int, err error) {
	total = m.opts.TotalShards
	gatewayURL = m.opts.GatewayURL
	concurrency = m.opts.MaxConcurrency

	if total == kephasgate.AutoShards || total == 0 {
		info, err := m.rest.GatewayBot(ctx)
		if err != nil {
			return 0, "", 0, fmt.Errorf("fetching recommended shard count: %w", err)
		}
		total = info.Shards
		if gatewayURL == "" {
			gatewayURL = info.URL
		}
		if concurrency <= 0 {
			concurrency = info.SessionStartLimit.MaxConcurrency
		}
		m.logger.Debug("resolved recommended sharding",
			zap.Int("shards", info.Shards),
			zap.Int("remaining_sessions", info.SessionStartLimit.Remaining))
	}

	if gatewayURL == "" {
		gatewayURL = m.opts.Shard.GatewayURL
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return total, gatewayURL, concurrency, nil
}

func (m *Manager) addShard(id int) (*shard.Shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return nil, kephasgate.ErrPoolDestroyed
	}
	if i := slices.Index(m.pending, id); i >= 0 {
		m.pending = slices.Delete(m.pending, i, i+1)
	}

	cfg := m.opts.Shard
	cfg.ID = id
	cfg.Total = m.total
	cfg.Token = m.opts.Token
	cfg.Intents = m.opts.Intents
	cfg.GatewayURL = m.gatewayURL

	s := shard.New(cfg, shard.Deps{
		Dialer:       m.dialer,
		Clock:        m.clock,
		Logger:       m.logger,
		Emit:         m.handle,
		IdentifyGate: m.limiter,
	})
	m.shards[id] = s
	return s, nil
}

// connectShard connects s following SpawnTimeout.
func (m *Manager) connectShard(ctx context.Context, s *shard.Shard) error {
	switch timeout := m.opts.SpawnTimeout; {
	case timeout < 0:
		go func() {
			if err := s.Connect(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("shard failed to connect", zap.Int("shard_id", s.ID()), zap.Error(err))
			}
		}()
		return nil

	case timeout > 0:
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := s.Connect(waitCtx)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("shard %d: %w after %s", s.ID(), kephasgate.ErrReadyTimeout, timeout)
		}
		return err

	default:
		return s.Connect(ctx)
	}
}

// handle receives every shard event. It runs on the shards' goroutines.
func (m *Manager) handle(ev kephasgate.Event) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	switch e := ev.(type) {
	case kephasgate.Dispatch:
		m.dispatches.Add(1)
		m.mu.Lock()
		ready := m.ready
		if !ready {
			m.buffered = append(m.buffered, e)
		}
		m.mu.Unlock()
		if !ready {
			return
		}

	case kephasgate.ShardReady:
		m.mu.Lock()
		delete(m.reconnecting, e.ShardID)
		if len(e.UnavailableGuilds) > 0 {
			m.unavailable[e.ShardID] = e.UnavailableGuilds
		} else {
			delete(m.unavailable, e.ShardID)
		}
		m.mu.Unlock()

		m.deliverLocked(e)
		m.maybeReady()
		return

	case kephasgate.ShardResumed:
		m.mu.Lock()
		delete(m.reconnecting, e.ShardID)
		m.mu.Unlock()

		// A shard that resumes may be the last one the pool waits for.
		m.deliverLocked(e)
		m.maybeReady()
		return

	case kephasgate.ShardReconnecting:
		m.mu.Lock()
		m.reconnecting[e.ShardID] = struct{}{}
		m.mu.Unlock()

	case kephasgate.ShardDisconnected:
		m.onShardDisconnected(e)
	}

	m.deliverLocked(ev)
}

// maybeReady emits PoolReady once every assigned shard is connected, then
// flushes the dispatches held back until then. Callers hold deliverMu.
func (m *Manager) maybeReady() {
	m.mu.Lock()
	if m.ready || len(m.ids) == 0 || len(m.shards) != len(m.ids) {
		m.mu.Unlock()
		return
	}
	for _, id := range m.ids {
		if m.shards[id].Status() != kephasgate.StatusConnected {
			m.mu.Unlock()
			return
		}
	}
	m.ready = true
	buffered := m.buffered
	m.buffered = nil
	unavailable := make(map[int][]string, len(m.unavailable))
	for id, guilds := range m.unavailable {
		unavailable[id] = slices.Clone(guilds)
	}
	m.mu.Unlock()

	m.logger.Info("all shards ready", zap.Int("shards", len(m.ids)), zap.Int("buffered_dispatches", len(buffered)))
	m.deliverLocked(kephasgate.PoolReady{UnavailableGuilds: unavailable})
	for _, ev := range buffered {
		m.deliverLocked(ev)
	}
}

func (m *Manager) onShardDisconnected(e kephasgate.ShardDisconnected) {
	m.mu.Lock()
	delete(m.reconnecting, e.ShardID)
	requeue := m.ready && !m.destroyed && !kephasgate.IsFatalCloseCode(e.Code)
	m.mu.Unlock()

	if requeue {
		m.logger.Info("queueing shard for reconnect", zap.Int("shard_id", e.ShardID))
		m.queueReconnect(e.ShardID)
	}
}

func (m *Manager) deliverLocked(ev kephasgate.Event) {
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// queueReconnect schedules a shard for a reconnect. Queued shards
// reconnect one at a time, SpawnDelay apart.
func (m *Manager) queueReconnect(id int) {
	m.mu.Lock()
	if m.destroyed || slices.Contains(m.pending, id) {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, id)
	m.reconnecting[id] = struct{}{}
	start := !m.reconnectRunning
	m.reconnectRunning = true
	m.mu.Unlock()

	if start {
		go m.processReconnects()
	}
}

func (m *Manager) processReconnects() {
	for first := true; ; first = false {
		if !first && !clock.Sleep(m.clock, m.done, m.opts.SpawnDelay) {
			m.mu.Lock()
			m.reconnectRunning = false
			m.mu.Unlock()
			return
		}

		m.mu.Lock()
		if m.destroyed || len(m.pending) == 0 {
			m.reconnectRunning = false
			m.mu.Unlock()
			return
		}
		id := m.pending[0]
		m.pending = m.pending[1:]
		s := m.shards[id]
		m.mu.Unlock()

		if err := m.connectShard(m.ctx, s); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("reconnect failed", zap.Int("shard_id", id), zap.Error(err))
			m.handle(kephasgate.ShardError{ShardID: id, Err: err})
		}
	}
}

// Broadcast implements kephasgate.ShardPool.
func (m *Manager) Broadcast(ctx context.Context, op kephasgate.Opcode, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var errs error
	for _, s := range m.orderedShards() {
		if err := s.Send(op, data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shard %d: %w", s.ID(), err))
		}
	}
	return errs
}

// Shard returns the shard with the given id.
func (m *Manager) Shard(id int) (*shard.Shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", kephasgate.ErrShardNotFound, id)
	}
	return s, nil
}

// Destroy implements kephasgate.ShardPool.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	m.pending = nil
	m.mu.Unlock()

	m.logger.Info("destroying pool")
	m.cancel()
	close(m.done)

	var errs error
	for _, s := range m.orderedShards() {
		if err := s.Destroy(shard.DestroyOptions{Code: kephasgate.CloseNormal}); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	m.deliverMu.Lock()
	m.eventsClosed = true
	close(m.events)
	m.deliverMu.Unlock()
	return errs
}

// Ready implements kephasgate.ShardPool.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Reconnecting reports whether any shard is reconnecting.
func (m *Manager) Reconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reconnecting) > 0
}

// Pending returns the shard ids waiting to be spawned or reconnected.
func (m *Manager) Pending() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pending)
}

// ShardIDs returns the shard ids owned by the pool, ascending.
func (m *Manager) ShardIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ids)
}

// TotalShards returns the resolved shard count, or 0 before CreateShards.
func (m *Manager) TotalShards() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Stats implements kephasgate.ShardPool.
func (m *Manager) Stats() kephasgate.PoolStats {
	shards := m.orderedShards()
	stats := kephasgate.PoolStats{
		Ready:        m.Ready(),
		Reconnecting: m.Reconnecting(),
		TotalShards:  m.TotalShards(),
		ShardIDs:     m.ShardIDs(),
		Shards:       make([]kephasgate.ShardStats, 0, len(shards)),
		Dispatches:   m.dispatches.Load(),
		Uptime:       m.clock.Now().Sub(m.createdAt).Seconds(),
	}
	for _, s := range shards {
		stats.Shards = append(stats.Shards, s.Stats())
	}
	return stats
}

func (m *Manager) orderedShards() []*shard.Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*shard.Shard, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.shards[id])
	}
	return out
}
