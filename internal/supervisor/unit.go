package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/clock"
	"github.com/luciancaetano/kephasgate/internal/ipc"
)

// UnitStatus is the lifecycle state of a unit.
type UnitStatus int

// Unit states.
const (
	UnitCreated UnitStatus = iota
	UnitSpawning
	UnitReady
	UnitDead
)

func (s UnitStatus) String() string {
	switch s {
	case UnitCreated:
		return "created"
	case UnitSpawning:
		return "spawning"
	case UnitReady:
		return "ready"
	case UnitDead:
		return "dead"
	}
	return fmt.Sprintf("UnitStatus(%d)", int(s))
}

// life tracks one generation of a unit, from spawn to death. A fresh life
// is installed on the unit before dead closes, so waiters can follow a
// respawned unit into its next generation.
type life struct {
	ready     chan struct{}
	readyOnce sync.Once
	dead      chan struct{}
	err       error
	respawn   bool
}

func newLife() *life {
	return &life{ready: make(chan struct{}), dead: make(chan struct{})}
}

// Unit is the supervisor's handle on the process or worker running one
// shard.
type Unit struct {
	id     int
	m      *Manager
	logger *zap.Logger

	mu        sync.Mutex
	status    UnitStatus
	gen       int
	handle    Handle
	channel   *ipc.Channel
	pid       int
	unitID    string
	startedAt time.Time
	killing   bool
	life      *life
}

func newUnit(id int, m *Manager) *Unit {
	return &Unit{
		id:     id,
		m:      m,
		logger: m.logger.With(zap.Int("shard_id", id)),
		life:   newLife(),
	}
}

// ID returns the shard id hosted by the unit.
func (u *Unit) ID() int { return u.id }

// Status returns the unit's lifecycle state.
func (u *Unit) Status() UnitStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// Pid returns the process id of the current generation, 0 for in-process
// workers or before the first spawn.
func (u *Unit) Pid() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pid
}

var errRunning = errors.New("unit already running")

// start spawns the generation following from. It fails with errRunning
// when another generation was started in the meantime.
func (u *Unit) start(ctx context.Context, from int) error {
	env := ipc.UnitEnv{
		ShardIDs:    []int{u.id},
		TotalShards: u.m.TotalShards(),
		Format:      u.m.opts.Format,
		UnitID:      uuid.NewString(),
	}

	if u.m.closed() {
		return kephasgate.ErrUnitDied
	}

	u.mu.Lock()
	if u.gen != from || u.status == UnitSpawning || u.status == UnitReady {
		u.mu.Unlock()
		return errRunning
	}
	u.gen++
	gen := u.gen
	u.status = UnitSpawning
	u.killing = false
	u.mu.Unlock()

	h, err := u.m.spawner.Spawn(ctx, env)
	if err != nil {
		err = fmt.Errorf("spawning unit for shard %d: %w", u.id, err)
		u.mu.Lock()
		u.status = UnitDead
		l := u.life
		u.life = newLife()
		u.mu.Unlock()
		l.err = err
		close(l.dead)
		return err
	}

	ch := ipc.NewChannel(env.Format, h.Reader(), h.Writer(), u.logger)

	u.mu.Lock()
	u.handle = h
	u.channel = ch
	u.pid = h.Pid()
	u.unitID = env.UnitID
	u.startedAt = u.m.clock.Now()
	kill := u.killing || u.m.closed()
	u.mu.Unlock()
	if kill {
		_ = h.Kill()
	}

	u.logger.Info("unit spawned", zap.Int("pid", h.Pid()), zap.String("unit_id", env.UnitID), zap.Int("generation", gen))
	u.m.emit(kephasgate.UnitSpawned{ShardID: u.id, Pid: h.Pid()})

	u.m.wg.Add(1)
	go u.run(gen, h, ch)
	return nil
}

// run serves the unit's channel until the unit goes away.
func (u *Unit) run(gen int, h Handle, ch *ipc.Channel) {
	defer u.m.wg.Done()

	serveErr := ch.Serve(u.m.ctx, func(ctx context.Context, msg *ipc.Message) {
		u.handleMessage(ctx, gen, ch, msg)
	})
	if serveErr != nil {
		u.logger.Warn("ipc stream failed", zap.Error(serveErr))
		_ = h.Kill()
	}
	exitErr := h.Wait()
	u.onExit(gen, exitErr)
}

func (u *Unit) handleMessage(ctx context.Context, gen int, ch *ipc.Channel, msg *ipc.Message) {
	switch msg.Kind {
	case ipc.KindReady:
		u.onReady(gen)
	case ipc.KindDisconnect:
		u.m.emit(kephasgate.UnitDisconnected{ShardID: u.id})
	case ipc.KindReconnecting:
		u.m.emit(kephasgate.UnitReconnecting{ShardID: u.id})
	case ipc.KindSupEval:
		result, err := u.m.evalFor(ctx, msg)
		_ = ch.Reply(msg, result, err)
	case ipc.KindSupFetch:
		result, err := u.m.fetchFor(ctx, msg)
		_ = ch.Reply(msg, result, err)
	case ipc.KindRespawnAll:
		opts := DefaultRespawnOptions()
		if msg.Respawn != nil {
			opts = *msg.Respawn
		}
		u.m.respawnAllAsync(opts)
	default:
		u.logger.Warn("unexpected message from unit", zap.String("kind", string(msg.Kind)))
		if msg.Kind.IsRequest() {
			_ = ch.Reply(msg, nil, fmt.Errorf("%w: %s", kephasgate.ErrUnknownMethod, msg.Kind))
		}
	}
}

func (u *Unit) onReady(gen int) {
	u.mu.Lock()
	if gen != u.gen || u.status == UnitDead {
		u.mu.Unlock()
		return
	}
	u.status = UnitReady
	l := u.life
	u.mu.Unlock()

	l.readyOnce.Do(func() {
		close(l.ready)
		u.logger.Info("unit ready")
		u.m.emit(kephasgate.UnitReady{ShardID: u.id})
	})
}

func (u *Unit) onExit(gen int, exitErr error) {
	now := u.m.clock.Now()

	u.mu.Lock()
	if gen != u.gen {
		u.mu.Unlock()
		return
	}
	u.status = UnitDead
	l := u.life
	ready := false
	select {
	case <-l.ready:
		ready = true
	default:
	}
	fastFail := !ready && !u.killing && now.Sub(u.startedAt) < u.m.opts.FastFailWindow
	respawn := u.m.opts.Respawn && !u.killing && !fastFail && !u.m.closed()
	ch := u.channel
	u.handle = nil
	u.life = newLife()
	u.mu.Unlock()

	err := fmt.Errorf("shard %d: %w", u.id, kephasgate.ErrUnitDied)
	if exitErr != nil {
		err = fmt.Errorf("shard %d: %w: %w", u.id, kephasgate.ErrUnitDied, exitErr)
	}
	if fastFail {
		err = fmt.Errorf("shard %d: %w: %w", u.id, kephasgate.ErrFastFail, err)
	}
	_ = ch.CloseWithError(err)

	l.err = err
	l.respawn = respawn
	close(l.dead)

	u.logger.Warn("unit exited", zap.Error(err), zap.Bool("respawn", respawn), zap.Bool("fast_fail", fastFail))
	u.m.emit(kephasgate.UnitDeath{ShardID: u.id, Err: err, Respawn: respawn})

	if !respawn {
		return
	}
	u.m.wg.Add(1)
	go func() {
		defer u.m.wg.Done()
		if !clock.Sleep(u.m.clock, u.m.done, u.m.opts.RespawnDelay) {
			u.abandon(gen, err)
			return
		}
		if err := u.start(u.m.ctx, gen); err != nil && !errors.Is(err, errRunning) {
			u.logger.Error("respawn failed", zap.Error(err))
			u.m.emit(kephasgate.UnitError{ShardID: u.id, Err: err})
		}
	}()
}

// abandon resolves waiters of a respawn that will never start.
func (u *Unit) abandon(gen int, err error) {
	u.mu.Lock()
	if u.gen != gen || u.status != UnitDead {
		u.mu.Unlock()
		return
	}
	l := u.life
	u.life = newLife()
	u.mu.Unlock()
	l.err = err
	close(l.dead)
}

// waitReady blocks until the unit reports ready. A timeout <= 0 waits
// without a deadline. Deaths followed by a respawn are waited through.
func (u *Unit) waitReady(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = u.m.clock.After(timeout)
	}
	for {
		u.mu.Lock()
		l := u.life
		u.mu.Unlock()

		select {
		case <-l.ready:
			return nil
		case <-l.dead:
			if l.respawn {
				continue
			}
			return l.err
		case <-deadline:
			return fmt.Errorf("shard %d: %w after %s", u.id, kephasgate.ErrReadyTimeout, timeout)
		case <-u.m.done:
			return fmt.Errorf("shard %d: %w", u.id, kephasgate.ErrUnitDied)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// kill stops the current generation without respawning it and waits for
// it to exit.
func (u *Unit) kill(ctx context.Context) error {
	u.mu.Lock()
	if u.status == UnitDead || u.status == UnitCreated {
		u.mu.Unlock()
		return nil
	}
	u.killing = true
	h := u.handle
	if h == nil {
		// Still spawning; start kills the handle once it exists.
		l := u.life
		u.mu.Unlock()
		return u.awaitDeath(ctx, l)
	}
	l := u.life
	u.mu.Unlock()

	if err := h.Kill(); err != nil {
		return fmt.Errorf("killing unit for shard %d: %w", u.id, err)
	}
	return u.awaitDeath(ctx, l)
}

func (u *Unit) awaitDeath(ctx context.Context, l *life) error {
	select {
	case <-l.dead:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// respawn kills the unit and starts a new generation.
func (u *Unit) respawn(ctx context.Context, opts kephasgate.RespawnOptions) error {
	for {
		if err := u.kill(ctx); err != nil {
			return err
		}
		select {
		case <-u.m.clock.After(opts.RespawnDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-u.m.done:
			return kephasgate.ErrUnitDied
		}

		u.mu.Lock()
		from := u.gen
		u.mu.Unlock()
		err := u.start(ctx, from)
		if errors.Is(err, errRunning) {
			// An automatic respawn won the race; replace it.
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	if opts.Timeout < 0 {
		return nil
	}
	return u.waitReady(ctx, opts.Timeout)
}

// request sends msg to the unit and waits for the response.
func (u *Unit) request(ctx context.Context, msg *ipc.Message) (any, error) {
	u.mu.Lock()
	ch, status := u.channel, u.status
	u.mu.Unlock()

	if ch == nil || status == UnitDead || status == UnitCreated {
		return nil, fmt.Errorf("shard %d: %w", u.id, kephasgate.ErrUnitNotReady)
	}
	resp, err := ch.Request(ctx, msg)
	if err != nil {
		var remote *ipc.RemoteError
		if errors.Is(err, kephasgate.ErrChannelClosed) && !errors.As(err, &remote) {
			err = fmt.Errorf("shard %d: %w: %w", u.id, kephasgate.ErrUnitDied, err)
		}
		return nil, err
	}
	return resp.Result, nil
}

func (u *Unit) eval(ctx context.Context, method string, args map[string]any) (any, error) {
	return u.request(ctx, &ipc.Message{Kind: ipc.KindEval, Method: method, Args: args})
}

func (u *Unit) fetch(ctx context.Context, prop string) (any, error) {
	return u.request(ctx, &ipc.Message{Kind: ipc.KindFetch, Prop: prop})
}
