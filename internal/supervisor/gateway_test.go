package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/gatewaytest"
	"github.com/luciancaetano/kephasgate/internal/ipc"
	"github.com/luciancaetano/kephasgate/internal/pool"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/worker"
)

// startGatewayUnits supervises real worker pools connected to srv.
func startGatewayUnits(t *testing.T, srv *gatewaytest.Server, opts Options) (*Manager, *collector) {
	t.Helper()

	popts := pool.DefaultOptions()
	popts.Token = "tok"
	popts.GatewayURL = srv.URL()
	popts.APIURL = srv.APIURL()
	popts.SpawnDelay = 0
	popts.SpawnTimeout = waitTimeout
	popts.IdentifyInterval = time.Millisecond

	run := func(ctx context.Context, env ipc.UnitEnv, r io.Reader, w io.Writer) error {
		return worker.Run(ctx, worker.RunOptions{Pool: popts}, env, r, w, nil)
	}
	m := New(opts, Deps{Spawner: &WorkerSpawner{Run: run}})
	c := collect(m.Events())
	t.Cleanup(func() { _ = m.KillAll() })
	return m, c
}

func TestSpawnWorkersAgainstGateway(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{
		Token:  "tok",
		Guilds: func(shardID, _ int) []string { return []string{fmt.Sprintf("guild-%d", shardID)} },
	})
	defer srv.Close()

	m, c := startGatewayUnits(t, srv, testOptions())
	ctx := ctxTimeout(t)
	require.NoError(t, m.Spawn(ctx))
	require.Eventually(t, func() bool { return c.count(kephasgate.EventUnitReady) == 2 }, waitTimeout, 5*time.Millisecond)

	identifies := srv.Commands(kephasgate.OpIdentify)
	require.Len(t, identifies, 2)
	seen := map[[2]int]bool{}
	for _, cmd := range identifies {
		var identify protocol.Identify
		require.NoError(t, json.Unmarshal(cmd.Data, &identify))
		seen[identify.Shard] = true
	}
	assert.Equal(t, map[[2]int]bool{{0, 2}: true, {1, 2}: true}, seen)

	ready, err := m.FetchClientValues(ctx, "ready")
	require.NoError(t, err)
	assert.Equal(t, []any{true, true}, ready)

	status, err := m.FetchClientValue(ctx, "shards.0.status", 1)
	require.NoError(t, err)
	assert.Equal(t, "connected", status)

	ids, err := m.BroadcastEval(ctx, "shard_ids", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{float64(0)}, []any{float64(1)}}, ids)
}

func TestGatewayDropIsReportedAndResumed(t *testing.T) {
	t.Parallel()
	srv := gatewaytest.New(gatewaytest.Config{Token: "tok"})
	defer srv.Close()

	m, c := startGatewayUnits(t, srv, testOptions())
	ctx := ctxTimeout(t)
	require.NoError(t, m.Spawn(ctx))

	srv.CloseClients(kephasgate.CloseReconnect)

	require.Eventually(t, func() bool { return c.count(kephasgate.EventUnitReconnecting) >= 2 }, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(srv.Commands(kephasgate.OpResume)) >= 2 }, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		values, err := m.FetchClientValues(ctx, "shards.0.status")
		return err == nil && assert.ObjectsAreEqual([]any{"connected", "connected"}, values)
	}, waitTimeout, 5*time.Millisecond)

	assert.Zero(t, c.count(kephasgate.EventUnitDeath))
	for _, id := range m.ShardIDs() {
		unit, err := m.Unit(id)
		require.NoError(t, err)
		assert.Equal(t, UnitReady, unit.Status())
	}
}
