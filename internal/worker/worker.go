// Package worker is the unit side of the supervisor protocol. A Worker
// answers eval and fetch requests against a running client, reports the
// client's readiness, and forwards fan-out requests to the supervisor.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/ipc"
)

// Client is the part of a running client a worker exposes.
type Client interface {
	Ready() bool
	Stats() kephasgate.PoolStats
}

// MethodFunc implements an RPC method.
type MethodFunc func(ctx context.Context, args map[string]any) (any, error)

// Method is an entry of the method table.
type Method struct {
	Fn MethodFunc
	// RequiresReady rejects calls with kephasgate.ErrClientNotReady while
	// the client is not ready.
	RequiresReady bool
}

// Worker serves one unit's end of an IPC channel.
type Worker struct {
	client    Client
	env       ipc.UnitEnv
	channel   *ipc.Channel
	logger    *zap.Logger
	startedAt time.Time

	mu      sync.RWMutex
	methods map[string]Method
}

// New creates a worker talking IPC on r and w. The built-in methods are
// registered.
func New(client Client, env ipc.UnitEnv, r io.Reader, w io.Writer, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("worker").With(zap.Ints("shard_ids", env.ShardIDs))
	wk := &Worker{
		client:    client,
		env:       env,
		channel:   ipc.NewChannel(env.Format, r, w, logger),
		logger:    logger,
		startedAt: time.Now(),
		methods:   make(map[string]Method),
	}
	wk.registerBuiltins()
	return wk
}

// Register adds or replaces a method.
func (w *Worker) Register(name string, m Method) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.methods[name] = m
}

// Methods returns the registered method names.
func (w *Worker) Methods() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.methods))
	for name := range w.methods {
		names = append(names, name)
	}
	return names
}

func (w *Worker) registerBuiltins() {
	w.Register("ping", Method{Fn: func(context.Context, map[string]any) (any, error) {
		return "pong", nil
	}})
	w.Register("ready", Method{Fn: func(context.Context, map[string]any) (any, error) {
		return w.client.Ready(), nil
	}})
	w.Register("shard_ids", Method{Fn: func(context.Context, map[string]any) (any, error) {
		return w.env.ShardIDs, nil
	}})
	w.Register("uptime", Method{Fn: func(context.Context, map[string]any) (any, error) {
		return time.Since(w.startedAt).Seconds(), nil
	}})
	w.Register("memory", Method{Fn: func(context.Context, map[string]any) (any, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return map[string]any{
			"alloc":       ms.Alloc,
			"total_alloc": ms.TotalAlloc,
			"sys":         ms.Sys,
			"heap_inuse":  ms.HeapInuse,
			"num_gc":      ms.NumGC,
			"goroutines":  runtime.NumGoroutine(),
		}, nil
	}})
	w.Register("stats", Method{RequiresReady: true, Fn: func(context.Context, map[string]any) (any, error) {
		return toValue(w.client.Stats())
	}})
	w.Register("status", Method{Fn: func(context.Context, map[string]any) (any, error) {
		stats := w.client.Stats()
		shards := make(map[string]any, len(stats.Shards))
		for _, s := range stats.Shards {
			shards[strconv.Itoa(s.ID)] = s.Status.String()
		}
		return map[string]any{
			"ready":        stats.Ready,
			"reconnecting": stats.Reconnecting,
			"shards":       shards,
		}, nil
	}})
}

// Serve answers requests until the supervisor goes away or ctx is
// cancelled.
func (w *Worker) Serve(ctx context.Context) error {
	return w.channel.Serve(ctx, w.handle)
}

// Done is closed when the channel to the supervisor closes.
func (w *Worker) Done() <-chan struct{} { return w.channel.Done() }

// Close closes the channel to the supervisor.
func (w *Worker) Close() error { return w.channel.Close() }

func (w *Worker) handle(ctx context.Context, msg *ipc.Message) {
	switch msg.Kind {
	case ipc.KindEval:
		result, err := w.Call(ctx, msg.Method, msg.Args)
		w.reply(msg, result, err)
	case ipc.KindFetch:
		result, err := w.Fetch(msg.Prop)
		w.reply(msg, result, err)
	default:
		w.logger.Warn("unexpected message from supervisor", zap.String("kind", string(msg.Kind)))
		if msg.Kind.IsRequest() {
			w.reply(msg, nil, fmt.Errorf("%w: %s", kephasgate.ErrUnknownMethod, msg.Kind))
		}
	}
}

func (w *Worker) reply(msg *ipc.Message, result any, err error) {
	if rerr := w.channel.Reply(msg, result, err); rerr != nil {
		w.logger.Warn("failed to reply", zap.String("kind", string(msg.Kind)), zap.Error(rerr))
	}
}

// Call runs a registered method locally.
func (w *Worker) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	w.mu.RLock()
	m, ok := w.methods[name]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", kephasgate.ErrUnknownMethod, name)
	}
	if m.RequiresReady && !w.client.Ready() {
		return nil, fmt.Errorf("method %q: %w", name, kephasgate.ErrClientNotReady)
	}
	return m.Fn(ctx, args)
}

// Fetch resolves a dotted property path, such as "shards.0.ping", against
// the client's stats. Unknown paths resolve to nil.
func (w *Worker) Fetch(prop string) (any, error) {
	if !w.client.Ready() {
		return nil, fmt.Errorf("fetching %q: %w", prop, kephasgate.ErrClientNotReady)
	}
	root, err := toValue(w.client.Stats())
	if err != nil {
		return nil, err
	}
	return lookup(root, prop), nil
}

// toValue converts v into the generic shape it has on the wire.
func toValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return out, nil
}

func lookup(v any, path string) any {
	if path == "" {
		return v
	}
	for _, key := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[key]
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			v = node[i]
		default:
			return nil
		}
	}
	return v
}

// Announce tells the supervisor about a client event.
func (w *Worker) Announce(kind ipc.Kind) error {
	return w.channel.Send(&ipc.Message{Kind: kind})
}

// Bridge relays pool events to the supervisor as ready, disconnect and
// reconnecting messages, passing every event to forward when it is not
// nil. It returns when events closes.
func (w *Worker) Bridge(events <-chan kephasgate.Event, forward func(kephasgate.Event)) {
	for ev := range events {
		var kind ipc.Kind
		switch ev.(type) {
		case kephasgate.PoolReady:
			kind = ipc.KindReady
		case kephasgate.ShardDisconnected:
			kind = ipc.KindDisconnect
		case kephasgate.ShardReconnecting:
			kind = ipc.KindReconnecting
		}
		if kind != "" {
			if err := w.Announce(kind); err != nil {
				w.logger.Warn("failed to notify supervisor", zap.String("kind", string(kind)), zap.Error(err))
			}
		}
		if forward != nil {
			forward(ev)
		}
	}
}

// BroadcastEval asks the supervisor to call method on every unit.
func (w *Worker) BroadcastEval(ctx context.Context, method string, args map[string]any) ([]any, error) {
	resp, err := w.channel.Request(ctx, &ipc.Message{Kind: ipc.KindSupEval, Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	return asList(resp.Result)
}

// EvalOn asks the supervisor to call method on the unit hosting shardID.
func (w *Worker) EvalOn(ctx context.Context, shardID int, method string, args map[string]any) (any, error) {
	resp, err := w.channel.Request(ctx, &ipc.Message{Kind: ipc.KindSupEval, Method: method, Args: args, Shard: &shardID})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// FetchClientValues asks the supervisor to read prop from every unit.
func (w *Worker) FetchClientValues(ctx context.Context, prop string) ([]any, error) {
	resp, err := w.channel.Request(ctx, &ipc.Message{Kind: ipc.KindSupFetch, Prop: prop})
	if err != nil {
		return nil, err
	}
	return asList(resp.Result)
}

// FetchClientValue asks the supervisor to read prop from one unit.
func (w *Worker) FetchClientValue(ctx context.Context, prop string, shardID int) (any, error) {
	resp, err := w.channel.Request(ctx, &ipc.Message{Kind: ipc.KindSupFetch, Prop: prop, Shard: &shardID})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// RespawnAll asks the supervisor to restart every unit, this one
// included. It does not wait for the restart.
func (w *Worker) RespawnAll(opts kephasgate.RespawnOptions) error {
	return w.channel.Send(&ipc.Message{Kind: ipc.KindRespawnAll, Respawn: &opts})
}

func asList(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list result, got %T", v)
	}
	return list, nil
}

// EnvFromOS reads the unit environment set by the supervisor.
func EnvFromOS() (ipc.UnitEnv, error) {
	return ipc.ParseEnv(os.LookupEnv)
}
