// Package supervisor runs shards in isolated units, either child
// processes or in-process workers, and relays RPC between them.
//
// Every unit hosts one shard and talks to the supervisor over an
// ipc.Channel. A unit that dies after reporting ready is respawned; one
// that dies before its first ready message within the fast-fail window is
// reported as a fatal spawn error instead.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/clock"
	"github.com/luciancaetano/kephasgate/internal/ipc"
	"github.com/luciancaetano/kephasgate/internal/pool"
	"github.com/luciancaetano/kephasgate/internal/rest"
)

var _ kephasgate.Supervisor = (*Manager)(nil)

// Manager supervises units.
type Manager struct {
	opts    Options
	spawner Spawner
	clock   clock.Clock
	logger  *zap.Logger
	rest    pool.GatewayInfo

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	events       chan kephasgate.Event
	deliverMu    sync.Mutex
	eventsClosed bool

	respawnMu sync.Mutex

	mu      sync.Mutex
	units   map[int]*Unit
	ids     []int
	total   int
	spawned bool
	killed  bool
}

// New creates a supervisor. No unit is started before Spawn.
func New(opts Options, deps Deps) *Manager {
	d := DefaultOptions()
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = d.EventBuffer
	}
	if opts.Format == "" {
		opts.Format = d.Format
	}
	if opts.SpawnDelay < 0 {
		opts.SpawnDelay = 0
	}

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.REST == nil {
		deps.REST = rest.New(opts.APIURL, opts.Token, deps.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		spawner: deps.Spawner,
		clock:   deps.Clock,
		logger:  deps.Logger.Named("supervisor"),
		rest:    deps.REST,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		events:  make(chan kephasgate.Event, opts.EventBuffer),
		units:   make(map[int]*Unit),
	}
}

// Events implements kephasgate.Supervisor. It must be drained until
// KillAll closes it.
func (m *Manager) Events() <-chan kephasgate.Event { return m.events }

// Spawn implements kephasgate.Supervisor.
func (m *Manager) Spawn(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.killed:
		m.mu.Unlock()
		return kephasgate.ErrUnitDied
	case m.spawned:
		m.mu.Unlock()
		return kephasgate.ErrAlreadySpawned
	case m.spawner == nil:
		m.mu.Unlock()
		return errors.New("supervisor: no spawner configured")
	}
	m.spawned = true
	m.mu.Unlock()

	total := m.opts.TotalShards
	if total == kephasgate.AutoShards || total == 0 {
		info, err := m.rest.GatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("fetching recommended shard count: %w", err)
		}
		total = info.Shards
	}
	ids, err := pool.ResolveShardIDs(m.opts.ShardIDs, total)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.total = total
	m.ids = ids
	for _, id := range ids {
		m.units[id] = newUnit(id, m)
	}
	m.mu.Unlock()

	m.logger.Info("spawning units", zap.Int("total_shards", total), zap.Ints("shard_ids", ids))

	for i, id := range ids {
		if i > 0 && m.opts.SpawnDelay > 0 {
			select {
			case <-m.clock.After(m.opts.SpawnDelay):
			case <-ctx.Done():
				return ctx.Err()
			case <-m.done:
				return kephasgate.ErrUnitDied
			}
		}

		u := m.unit(id)
		if err := u.start(ctx, 0); err != nil {
			return err
		}
		if m.opts.SpawnTimeout < 0 {
			continue
		}
		if err := u.waitReady(ctx, m.opts.SpawnTimeout); err != nil {
			return fmt.Errorf("spawning unit for shard %d: %w", id, err)
		}
	}
	return nil
}

// BroadcastEval implements kephasgate.Supervisor.
func (m *Manager) BroadcastEval(ctx context.Context, method string, args map[string]any) ([]any, error) {
	return m.fanOut(ctx, func(ctx context.Context, u *Unit) (any, error) {
		return u.eval(ctx, method, args)
	})
}

// EvalOn implements kephasgate.Supervisor.
func (m *Manager) EvalOn(ctx context.Context, shardID int, method string, args map[string]any) (any, error) {
	u, err := m.Unit(shardID)
	if err != nil {
		return nil, err
	}
	return u.eval(ctx, method, args)
}

// FetchClientValues implements kephasgate.Supervisor.
func (m *Manager) FetchClientValues(ctx context.Context, prop string) ([]any, error) {
	return m.fanOut(ctx, func(ctx context.Context, u *Unit) (any, error) {
		return u.fetch(ctx, prop)
	})
}

// FetchClientValue implements kephasgate.Supervisor.
func (m *Manager) FetchClientValue(ctx context.Context, prop string, shardID int) (any, error) {
	u, err := m.Unit(shardID)
	if err != nil {
		return nil, err
	}
	return u.fetch(ctx, prop)
}

// fanOut calls fn on every unit concurrently. Results are ordered by
// shard id; any failure fails the whole call.
func (m *Manager) fanOut(ctx context.Context, fn func(context.Context, *Unit) (any, error)) ([]any, error) {
	units := m.orderedUnits()
	if len(units) == 0 {
		return nil, kephasgate.ErrUnitNotReady
	}

	results := make([]any, len(units))
	errs := make([]error, len(units))
	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = fn(ctx, u)
		}()
	}
	wg.Wait()

	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}
	return results, nil
}

// evalFor serves a unit's sup_eval request.
func (m *Manager) evalFor(ctx context.Context, msg *ipc.Message) (any, error) {
	if msg.Shard != nil {
		return m.EvalOn(ctx, *msg.Shard, msg.Method, msg.Args)
	}
	return m.BroadcastEval(ctx, msg.Method, msg.Args)
}

// fetchFor serves a unit's sup_fetch request.
func (m *Manager) fetchFor(ctx context.Context, msg *ipc.Message) (any, error) {
	if msg.Shard != nil {
		return m.FetchClientValue(ctx, msg.Prop, *msg.Shard)
	}
	return m.FetchClientValues(ctx, msg.Prop)
}

// RespawnAll implements kephasgate.Supervisor. Concurrent calls run one
// after another.
func (m *Manager) RespawnAll(ctx context.Context, opts kephasgate.RespawnOptions) error {
	m.respawnMu.Lock()
	defer m.respawnMu.Unlock()

	m.logger.Info("respawning all units",
		zap.Duration("shard_delay", opts.ShardDelay),
		zap.Duration("respawn_delay", opts.RespawnDelay),
		zap.Duration("timeout", opts.Timeout))

	for i, u := range m.orderedUnits() {
		if m.closed() {
			return kephasgate.ErrUnitDied
		}
		if i > 0 && opts.ShardDelay > 0 {
			select {
			case <-m.clock.After(opts.ShardDelay):
			case <-ctx.Done():
				return ctx.Err()
			case <-m.done:
				return kephasgate.ErrUnitDied
			}
		}
		if err := u.respawn(ctx, opts); err != nil {
			return fmt.Errorf("respawning unit for shard %d: %w", u.id, err)
		}
	}
	return nil
}

// respawnAllAsync serves a unit's respawn_all request, which may kill the
// requesting unit itself.
func (m *Manager) respawnAllAsync(opts kephasgate.RespawnOptions) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.RespawnAll(m.ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("respawn requested by unit failed", zap.Error(err))
			m.emit(kephasgate.UnitError{ShardID: -1, Err: err})
		}
	}()
}

// KillAll implements kephasgate.Supervisor. The supervisor cannot be used
// afterwards.
func (m *Manager) KillAll() error {
	m.mu.Lock()
	if m.killed {
		m.mu.Unlock()
		return nil
	}
	m.killed = true
	m.mu.Unlock()

	m.logger.Info("killing all units")
	close(m.done)

	var errs error
	for _, u := range m.orderedUnits() {
		u.mu.Lock()
		u.killing = true
		h := u.handle
		u.mu.Unlock()
		if h != nil {
			errs = multierr.Append(errs, h.Kill())
		}
	}
	m.cancel()
	m.wg.Wait()

	m.deliverMu.Lock()
	m.eventsClosed = true
	close(m.events)
	m.deliverMu.Unlock()
	return errs
}

// Unit returns the unit hosting shardID.
func (m *Manager) Unit(shardID int) (*Unit, error) {
	if u := m.unit(shardID); u != nil {
		return u, nil
	}
	return nil, fmt.Errorf("%w: %d", kephasgate.ErrShardNotFound, shardID)
}

// ShardIDs returns the supervised shard ids, ascending.
func (m *Manager) ShardIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ids)
}

// TotalShards returns the resolved shard count, or 0 before Spawn.
func (m *Manager) TotalShards() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Manager) unit(id int) *Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.units[id]
}

func (m *Manager) orderedUnits() []*Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	units := make([]*Unit, 0, len(m.ids))
	for _, id := range m.ids {
		units = append(units, m.units[id])
	}
	return units
}

func (m *Manager) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Manager) emit(ev kephasgate.Event) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- ev:
	case <-m.done:
	}
}
