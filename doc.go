// Package kephasgate connects bots to a sharded real-time gateway.
//
// A bot too large for one gateway session splits its guilds into shards.
// Every shard is a long-lived WebSocket session that performs the HELLO,
// IDENTIFY or RESUME handshake, heartbeats, tracks the event sequence and
// reconnects on its own. This module provides the pieces needed to run
// those sessions at scale:
//
//   - a per-shard connection state machine (internal/shard)
//   - a send queue that keeps every shard under the gateway's outbound
//     rate limit (internal/sendqueue)
//   - a shard pool that spawns shards in order, gates identifies and
//     reports readiness (internal/pool)
//   - a supervisor that runs shards in isolated units, processes or
//     in-process workers, respawns them and offers RPC across them
//     (internal/supervisor, internal/worker, internal/ipc)
//
// The gateway package exposes constructors for all of them.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephasgate"
//	    "github.com/luciancaetano/kephasgate/gateway"
//	)
//
//	opts := gateway.DefaultPoolOptions()
//	opts.Token = os.Getenv("KEPHASGATE_TOKEN")
//	opts.Intents = 513
//
//	pool := gateway.NewPool(opts, logger)
//	go func() {
//	    for ev := range pool.Events() {
//	        if d, ok := ev.(kephasgate.Dispatch); ok {
//	            handle(d.Name, d.Data)
//	        }
//	    }
//	}()
//
//	if err := pool.CreateShards(ctx); err != nil {
//	    return err
//	}
//	defer pool.Destroy()
//
// # Shard Lifecycle
//
// A shard moves through these statuses:
//
//	idle -> connecting -> identifying|resuming -> ready -> connected
//	                                                 \-> reconnecting -> connecting ...
//	destroyed (terminal)
//
// Ready means the READY payload arrived and the shard is waiting for the
// guilds it announced. Connected means the shard is fully operational.
//
// Close codes 4004, 4010, 4011, 4012, 4013 and 4014 are fatal: the shard
// is destroyed and the error surfaces as a *FatalCloseError. Every other
// close reconnects, resuming the session when one exists.
//
// # Rate Limiting
//
// Outbound commands go through a per-shard queue allowing 120 sends per
// 60 second window. Heartbeats, identifies and resumes jump the queue.
// Identifies across shards are additionally spaced by the pool according
// to the max_concurrency reported by the gateway.
//
// # Supervision
//
// A supervisor starts one unit per shard and waits for each unit to
// report ready before starting the next. Units talk to the supervisor over
// a line-delimited JSON or CBOR channel on stdin and stdout:
//
//	sup := gateway.NewWorkerSupervisor(gateway.DefaultSupervisorOptions(), gateway.WorkerOptions{Pool: opts}, logger)
//	if err := sup.Spawn(ctx); err != nil {
//	    return err
//	}
//	pings, err := sup.FetchClientValues(ctx, "shards.0.ping")
//
// A unit that dies before its first ready within the fast-fail window is
// not respawned; Spawn returns ErrFastFail. Requests in flight on a dead
// unit fail with ErrUnitDied.
//
// Remote calls use a closed method table instead of shipping code. Every
// unit answers ping, ready, shard_ids, uptime, memory, status and stats;
// applications add methods with WorkerOptions.Methods.
package kephasgate
