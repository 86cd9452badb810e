package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/gatewaytest"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/websocket"
)

const waitTimeout = 5 * time.Second

// collector drains a pool's event channel.
type collector struct {
	mu     sync.Mutex
	events []kephasgate.Event
	closed chan struct{}
}

func collect(events <-chan kephasgate.Event) *collector {
	c := &collector{closed: make(chan struct{})}
	go func() {
		defer close(c.closed)
		for ev := range events {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) snapshot() []kephasgate.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kephasgate.Event(nil), c.events...)
}

func (c *collector) count(kind kephasgate.EventKind) int {
	n := 0
	for _, ev := range c.snapshot() {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func (c *collector) index(match func(kephasgate.Event) bool) int {
	for i, ev := range c.snapshot() {
		if match(ev) {
			return i
		}
	}
	return -1
}

func guildsPerShard(shardID, total int) []string {
	return []string{fmt.Sprintf("guild-%d-a", shardID), fmt.Sprintf("guild-%d-b", shardID)}
}

func testOptions(srv *gatewaytest.Server) Options {
	opts := DefaultOptions()
	opts.Token = "tok"
	opts.TotalShards = 2
	opts.GatewayURL = srv.URL()
	opts.APIURL = srv.APIURL()
	opts.SpawnDelay = 0
	opts.SpawnTimeout = waitTimeout
	opts.IdentifyInterval = time.Millisecond
	return opts
}

func newPool(t *testing.T, opts Options) (*Manager, *collector) {
	t.Helper()
	return newPoolWithDeps(t, opts, Deps{})
}

func newPoolWithDeps(t *testing.T, opts Options, deps Deps) (*Manager, *collector) {
	t.Helper()
	m := New(opts, deps)
	c := collect(m.Events())
	t.Cleanup(func() { _ = m.Destroy() })
	return m, c
}

func TestTwoShardsReadyOnce(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok", Guilds: guildsPerShard})
	defer srv.Close()

	m, c := newPool(t, testOptions(srv))
	require.NoError(t, m.CreateShards(context.Background()))

	require.Eventually(t, func() bool { return c.count(kephasgate.EventPoolReady) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.True(t, m.Ready())

	poolReady := c.index(func(ev kephasgate.Event) bool { return ev.Kind() == kephasgate.EventPoolReady })
	for _, id := range []int{0, 1} {
		shardReady := c.index(func(ev kephasgate.Event) bool {
			r, ok := ev.(kephasgate.ShardReady)
			return ok && r.ShardID == id
		})
		require.GreaterOrEqual(t, shardReady, 0, "shard %d never ready", id)
		assert.Less(t, shardReady, poolReady, "pool ready before shard %d", id)
	}

	firstDispatch := c.index(func(ev kephasgate.Event) bool { return ev.Kind() == kephasgate.EventDispatch })
	assert.Greater(t, firstDispatch, poolReady, "dispatches must be held until the pool is ready")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count(kephasgate.EventPoolReady))
	assert.Equal(t, 6, c.count(kephasgate.EventDispatch), "READY and two GUILD_CREATE per shard")

	stats := m.Stats()
	assert.True(t, stats.Ready)
	assert.Equal(t, 2, stats.TotalShards)
	assert.Equal(t, []int{0, 1}, stats.ShardIDs)
	require.Len(t, stats.Shards, 2)
	for _, s := range stats.Shards {
		assert.Equal(t, kephasgate.StatusConnected, s.Status)
		assert.NotEmpty(t, s.SessionID)
	}
	assert.Equal(t, int64(6), stats.Dispatches)
}

func TestDispatchesAfterReadyAreForwarded(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	m, c := newPool(t, testOptions(srv))
	require.NoError(t, m.CreateShards(context.Background()))
	require.Eventually(t, m.Ready, waitTimeout, 5*time.Millisecond)

	require.NoError(t, srv.Dispatch(1, "MESSAGE_CREATE", map[string]string{"content": "hi"}))
	require.Eventually(t, func() bool {
		return c.index(func(ev kephasgate.Event) bool {
			d, ok := ev.(kephasgate.Dispatch)
			return ok && d.Name == "MESSAGE_CREATE" && d.ShardID == 1
		}) >= 0
	}, waitTimeout, 5*time.Millisecond)
}

func TestAutoShardsUsesRecommendation(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok", RecommendedShards: 3, MaxConcurrency: 3})
	defer srv.Close()

	opts := testOptions(srv)
	opts.TotalShards = kephasgate.AutoShards
	opts.GatewayURL = ""

	m, _ := newPool(t, opts)
	require.NoError(t, m.CreateShards(context.Background()))

	assert.Equal(t, 3, m.TotalShards())
	assert.Equal(t, []int{0, 1, 2}, m.ShardIDs())
	assert.Equal(t, 3, srv.Connections())
	require.Eventually(t, m.Ready, waitTimeout, 5*time.Millisecond)
}

func TestAutoShardsPropagatesHTTPError(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok", RecommendedShards: 1})
	defer srv.Close()

	opts := testOptions(srv)
	opts.Token = "wrong"
	opts.TotalShards = kephasgate.AutoShards

	m, _ := newPool(t, opts)
	err := m.CreateShards(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Zero(t, srv.Connections())
}

func TestExplicitShardSubset(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	opts := testOptions(srv)
	opts.TotalShards = 4
	opts.ShardIDs = []int{3, 1, 3}

	m, _ := newPool(t, opts)
	require.NoError(t, m.CreateShards(context.Background()))
	assert.Equal(t, []int{1, 3}, m.ShardIDs())

	identifies := srv.Commands(kephasgate.OpIdentify)
	require.Len(t, identifies, 2)

	_, err := m.Shard(0)
	require.ErrorIs(t, err, kephasgate.ErrShardNotFound)
	s, err := m.Shard(3)
	require.NoError(t, err)
	assert.Equal(t, 3, s.ID())
}

func TestResolveShardIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ids     []int
		total   int
		want    []int
		wantErr bool
	}{
		{name: "full range", total: 3, want: []int{0, 1, 2}},
		{name: "sorted and deduplicated", ids: []int{2, 0, 2}, total: 3, want: []int{0, 2}},
		{name: "out of range", ids: []int{0, 3}, total: 3, wantErr: true},
		{name: "negative", ids: []int{-1}, total: 3, wantErr: true},
		{name: "zero total", total: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ResolveShardIDs(tt.ids, tt.total)
			if tt.wantErr {
				require.ErrorIs(t, err, kephasgate.ErrInvalidShardList)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSpawnDelaySeparatesShards(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	opts := testOptions(srv)
	opts.SpawnDelay = 200 * time.Millisecond

	m, _ := newPool(t, opts)
	errCh := make(chan error, 1)
	start := time.Now()
	go func() { errCh <- m.CreateShards(context.Background()) }()

	require.Eventually(t, func() bool {
		return srv.Connections() == 1 && len(m.Pending()) == 1
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, []int{1}, m.Pending())

	require.NoError(t, <-errCh)
	assert.GreaterOrEqual(t, time.Since(start), opts.SpawnDelay)
	assert.Equal(t, 2, srv.Connections())
	assert.Empty(t, m.Pending())
}

func TestSpawnWithoutWaiting(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	opts := testOptions(srv)
	opts.SpawnTimeout = -1

	m, c := newPool(t, opts)
	require.NoError(t, m.CreateShards(context.Background()))
	require.Eventually(t, func() bool { return c.count(kephasgate.EventPoolReady) == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestSpawnTimeout(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok", Guilds: guildsPerShard, WithholdGuilds: true})
	defer srv.Close()

	opts := testOptions(srv)
	opts.SpawnTimeout = 50 * time.Millisecond
	opts.Shard.ReadyTimeout = 10 * time.Second

	m, _ := newPool(t, opts)
	err := m.CreateShards(context.Background())
	require.ErrorIs(t, err, kephasgate.ErrReadyTimeout)
	assert.False(t, m.Ready())
}

func TestInvalidTokenFailsSpawn(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	opts := testOptions(srv)
	opts.Token = "wrong"

	m, c := newPool(t, opts)
	err := m.CreateShards(context.Background())

	var fatal *kephasgate.FatalCloseError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, kephasgate.CloseAuthenticationFailed, fatal.Code)
	assert.Equal(t, 0, fatal.ShardID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.Connections(), "fatal close must not reconnect")
	assert.Zero(t, c.count(kephasgate.EventPoolReady))
}

func TestShardsResumeAfterServerDrop(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	m, c := newPool(t, testOptions(srv))
	require.NoError(t, m.CreateShards(context.Background()))
	require.Eventually(t, m.Ready, waitTimeout, 5*time.Millisecond)

	srv.CloseClients(kephasgate.CloseReconnect)

	require.Eventually(t, func() bool { return c.count(kephasgate.EventShardResumed) == 2 }, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !m.Reconnecting() }, waitTimeout, 5*time.Millisecond)
	assert.Len(t, srv.Commands(kephasgate.OpResume), 2)
	assert.Len(t, srv.Commands(kephasgate.OpIdentify), 2)
	assert.Equal(t, 1, c.count(kephasgate.EventPoolReady))
}

func TestBroadcast(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	m, _ := newPool(t, testOptions(srv))
	require.NoError(t, m.CreateShards(context.Background()))

	err := m.Broadcast(context.Background(), kephasgate.OpPresenceUpdate, protocol.PresenceUpdate{Status: "dnd"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(srv.Commands(kephasgate.OpPresenceUpdate)) == 2
	}, waitTimeout, 5*time.Millisecond)

	seen := map[int]bool{}
	for _, cmd := range srv.Commands(kephasgate.OpPresenceUpdate) {
		seen[cmd.ShardID] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, seen)
}

func TestDestroy(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	m, c := newPool(t, testOptions(srv))
	require.NoError(t, m.CreateShards(context.Background()))

	require.NoError(t, m.Destroy())
	require.NoError(t, m.Destroy())

	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		t.Fatal("events channel not closed")
	}

	for _, s := range m.Stats().Shards {
		assert.Equal(t, kephasgate.StatusDestroyed, s.Status)
	}
	assert.True(t, errors.Is(m.CreateShards(context.Background()), kephasgate.ErrPoolDestroyed))

	err := m.Broadcast(context.Background(), kephasgate.OpPresenceUpdate, protocol.PresenceUpdate{Status: "online"})
	assert.ErrorIs(t, err, kephasgate.ErrNotConnected)
}

func TestCreateShardsTwice(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	m, _ := newPool(t, testOptions(srv))
	require.NoError(t, m.CreateShards(context.Background()))
	require.ErrorIs(t, m.CreateShards(context.Background()), kephasgate.ErrAlreadySpawned)
}

// holdingDialer blocks the first dial made after hold is called until
// release.
type holdingDialer struct {
	inner   kephasgate.Dialer
	armed   atomic.Bool
	release chan struct{}
}

func newHoldingDialer() *holdingDialer {
	return &holdingDialer{inner: websocket.NewDialer(10, zap.NewNop()), release: make(chan struct{})}
}

func (d *holdingDialer) hold() { d.armed.Store(true) }

func (d *holdingDialer) Dial(ctx context.Context, url string) (kephasgate.Conn, error) {
	if d.armed.CompareAndSwap(true, false) {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.inner.Dial(ctx, url)
}

func shardStatus(m *Manager, id int) kephasgate.Status {
	s, err := m.Shard(id)
	if err != nil {
		return kephasgate.StatusIdle
	}
	return s.Status()
}

func TestPoolReadyAfterLastShardResumes(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	opts := testOptions(srv)
	opts.SpawnDelay = 500 * time.Millisecond
	dialer := newHoldingDialer()

	m, c := newPoolWithDeps(t, opts, Deps{Dialer: dialer})
	errCh := make(chan error, 1)
	go func() { errCh <- m.CreateShards(context.Background()) }()

	// Shard 0 drops while shard 1 waits for its spawn slot, and cannot
	// reconnect until shard 1 is ready.
	require.Eventually(t, func() bool { return shardStatus(m, 0) == kephasgate.StatusConnected }, waitTimeout, time.Millisecond)
	dialer.hold()
	srv.CloseClients(kephasgate.CloseReconnect)

	require.NoError(t, <-errCh)
	assert.Equal(t, kephasgate.StatusConnected, shardStatus(m, 1))
	assert.NotEqual(t, kephasgate.StatusConnected, shardStatus(m, 0))
	assert.False(t, m.Ready())
	assert.Zero(t, c.count(kephasgate.EventPoolReady))

	close(dialer.release)

	require.Eventually(t, func() bool { return c.count(kephasgate.EventPoolReady) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.True(t, m.Ready())

	poolReady := c.index(func(ev kephasgate.Event) bool { return ev.Kind() == kephasgate.EventPoolReady })
	resumed := c.index(func(ev kephasgate.Event) bool {
		r, ok := ev.(kephasgate.ShardResumed)
		return ok && r.ShardID == 0
	})
	require.GreaterOrEqual(t, resumed, 0)
	assert.Less(t, resumed, poolReady)

	lastDispatch := -1
	for i, ev := range c.snapshot() {
		if ev.Kind() == kephasgate.EventDispatch {
			lastDispatch = i
		}
	}
	assert.Greater(t, lastDispatch, poolReady, "held dispatches are flushed after PoolReady")
}

func TestExhaustedShardsReconnectOneAtATime(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	opts := testOptions(srv)
	opts.SpawnDelay = 200 * time.Millisecond
	opts.Shard.HelloTimeout = 100 * time.Millisecond
	opts.Shard.MaxConnectAttempts = 1

	m, c := newPool(t, opts)
	require.NoError(t, m.CreateShards(context.Background()))
	require.Eventually(t, m.Ready, waitTimeout, 5*time.Millisecond)
	assert.Empty(t, m.Pending())
	assert.False(t, m.Reconnecting())

	srv.WithholdHello(true)
	srv.CloseClients(kephasgate.CloseReconnect)

	// Both shards exhaust their single handshake attempt, then the pool
	// retries them from its queue.
	require.Eventually(t, func() bool { return c.count(kephasgate.EventShardDisconnected) >= 2 }, waitTimeout, 5*time.Millisecond)
	assert.True(t, m.Reconnecting())
	require.Eventually(t, func() bool { return len(srv.AcceptTimes()) >= 6 }, waitTimeout, 5*time.Millisecond)
	pending := m.Pending()
	assert.LessOrEqual(t, len(pending), 2)
	assert.Len(t, slices.Compact(slices.Sorted(slices.Values(pending))), len(pending), "a shard is queued once")

	srv.WithholdHello(false)

	require.Eventually(t, func() bool {
		return !m.Reconnecting() && len(m.Pending()) == 0 &&
			shardStatus(m, 0) == kephasgate.StatusConnected &&
			shardStatus(m, 1) == kephasgate.StatusConnected
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, c.count(kephasgate.EventPoolReady))

	// Two spawns and two immediate retries, then the queue.
	accepted := srv.AcceptTimes()
	require.Greater(t, len(accepted), 5)
	for i := 5; i < len(accepted); i++ {
		assert.GreaterOrEqual(t, accepted[i].Sub(accepted[i-1]), opts.SpawnDelay, "reconnect %d came too early", i)
	}
}
