// Package shard implements a single gateway connection: the HELLO /
// IDENTIFY / RESUME handshake, heartbeating with zombie detection, and the
// reconnect state machine.
//
// Every shard runs one loop goroutine that owns the socket and all session
// state. Socket reads, dial results and timers are delivered to the loop
// as messages tagged with the epoch they belong to; each connect attempt
// and each teardown starts a new epoch, so messages from an abandoned
// socket or a cancelled timer are dropped on arrival.
package shard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/clock"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/sendqueue"
)

type timerKind int

const (
	timerHello timerKind = iota
	timerHeartbeat
	timerReady
	timerReconnect
)

func (k timerKind) String() string {
	switch k {
	case timerHello:
		return "hello"
	case timerHeartbeat:
		return "heartbeat"
	case timerReady:
		return "ready"
	case timerReconnect:
		return "reconnect"
	}
	return "unknown"
}

type (
	connectRequest struct{ waiter chan error }
	destroyRequest struct {
		opts DestroyOptions
		done chan error
	}
	dialResult struct {
		epoch uint64
		conn  kephasgate.Conn
		err   error
	}
	frameReceived struct {
		epoch uint64
		data  []byte
	}
	socketClosed struct {
		epoch uint64
		err   error
	}
	timerFired struct {
		epoch uint64
		kind  timerKind
	}
	identifyAllowed struct {
		epoch uint64
		err   error
	}
)

// Shard is one gateway connection.
type Shard struct {
	cfg    Config
	dialer kephasgate.Dialer
	clock  clock.Clock
	logger *zap.Logger
	emit   func(kephasgate.Event)
	gate   IdentifyGate
	queue  *sendqueue.Queue

	inbox     chan any
	done      chan struct{}
	startOnce sync.Once

	// Owned by the loop goroutine.
	epoch             uint64
	epochCtx          context.Context
	cancelEpoch       context.CancelFunc
	timers            map[timerKind]clock.Timer
	heartbeatInterval time.Duration
	expectedGuilds    map[string]struct{}
	waiters           []chan error
	failedHandshakes  int
	reconnectAttempts int
	resumeURL         string

	mu            sync.RWMutex
	conn          kephasgate.Conn
	status        kephasgate.Status
	sessionID     string
	sequence      int64
	closeSequence int64
	ping          time.Duration
	acked         bool
	lastPingAt    time.Time
}

// New creates an idle shard. Nothing happens until Connect is called.
func New(cfg Config, deps Deps) *Shard {
	cfg.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emit == nil {
		deps.Emit = func(kephasgate.Event) {}
	}

	s := &Shard{
		cfg:    cfg,
		dialer: deps.Dialer,
		clock:  deps.Clock,
		logger: deps.Logger.Named("shard").With(zap.Int("shard_id", cfg.ID), zap.Int("total_shards", cfg.Total)),
		emit:   deps.Emit,
		gate:   deps.IdentifyGate,
		inbox:  make(chan any, 64),
		done:   make(chan struct{}),
		timers: make(map[timerKind]clock.Timer),
		acked:  true,
	}

	qcfg := cfg.SendQueue
	qcfg.OnRateLimited = func(retryAfter time.Duration, pending int) {
		s.emit(kephasgate.RateLimited{ShardID: cfg.ID, RetryAfter: retryAfter, Pending: pending})
	}
	qcfg.OnError = func(err error) {
		s.emit(kephasgate.ShardError{ShardID: cfg.ID, Err: err})
	}
	s.queue = sendqueue.New(qcfg, s.write, s.clock, s.logger)
	return s
}

// ID returns the shard id.
func (s *Shard) ID() int { return s.cfg.ID }

// Status returns the current connection status.
func (s *Shard) Status() kephasgate.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Ping returns the latency of the last acknowledged heartbeat.
func (s *Shard) Ping() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ping
}

// Sequence returns the highest dispatch sequence received in the current
// session.
func (s *Shard) Sequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence
}

// SessionID returns the resumable session id, or "" without a session.
func (s *Shard) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Stats returns a snapshot of the shard.
func (s *Shard) Stats() kephasgate.ShardStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return kephasgate.ShardStats{
		ID:        s.cfg.ID,
		Status:    s.status,
		Ping:      s.ping,
		Sequence:  s.sequence,
		SessionID: s.sessionID,
	}
}

// Connect starts the connection and blocks until the shard is fully
// operational. It returns a *kephasgate.FatalCloseError when the gateway
// refuses the session, ErrHandshakeBudgetExhausted when
// MaxConnectAttempts handshakes failed in a row, or the context's error.
// After the context ends the shard keeps connecting in the background.
func (s *Shard) Connect(ctx context.Context) error {
	s.start()

	waiter := make(chan error, 1)
	if !s.post(connectRequest{waiter: waiter}) {
		return kephasgate.ErrShardDestroyed
	}

	select {
	case err := <-waiter:
		return err
	case <-s.done:
		select {
		case err := <-waiter:
			return err
		default:
			return kephasgate.ErrShardDestroyed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy closes the socket, cancels every timer and stops the shard for
// good. It returns the error of closing the socket. Calling it again is a
// no-op.
func (s *Shard) Destroy(opts DestroyOptions) error {
	s.start()

	done := make(chan error, 1)
	if !s.post(destroyRequest{opts: opts, done: done}) {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-s.done:
		select {
		case err := <-done:
			return err
		default:
			return nil
		}
	}
}

// Done is closed once the shard is destroyed.
func (s *Shard) Done() <-chan struct{} { return s.done }

// Send queues a gateway command.
func (s *Shard) Send(op kephasgate.Opcode, data any) error {
	s.mu.RLock()
	connected := s.conn != nil
	s.mu.RUnlock()
	if !connected {
		return kephasgate.ErrNotConnected
	}

	frame, err := protocol.Encode(op, data)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(frame, false)
}

// UpdatePresence changes the presence shown for this shard's session.
func (s *Shard) UpdatePresence(p protocol.PresenceUpdate) error {
	return s.Send(kephasgate.OpPresenceUpdate, p)
}

// UpdateVoiceState joins, moves or leaves a voice channel.
func (s *Shard) UpdateVoiceState(v protocol.VoiceStateUpdate) error {
	return s.Send(kephasgate.OpVoiceStateUpdate, v)
}

// RequestGuildMembers asks the gateway to stream a guild's members.
func (s *Shard) RequestGuildMembers(r protocol.RequestGuildMembers) error {
	return s.Send(kephasgate.OpRequestGuildMembers, r)
}

func (s *Shard) start() {
	s.startOnce.Do(func() { go s.run() })
}

// post delivers msg to the loop. It reports false once the shard is
// destroyed.
func (s *Shard) post(msg any) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *Shard) run() {
	defer close(s.done)
	for msg := range s.inbox {
		if s.handle(msg) {
			return
		}
	}
}

// handle processes one loop message. It returns true when the shard was
// destroyed.
func (s *Shard) handle(msg any) bool {
	switch m := msg.(type) {
	case connectRequest:
		s.onConnectRequest(m.waiter)

	case destroyRequest:
		m.done <- s.destroy(m.opts)
		return true

	case dialResult:
		if m.epoch != s.epoch {
			if m.conn != nil {
				_ = m.conn.CloseWithCode(kephasgate.CloseReconnect, "")
			}
			return false
		}
		if m.err != nil {
			s.handshakeFailed(m.err)
			return false
		}
		s.mu.Lock()
		s.conn = m.conn
		s.mu.Unlock()
		go s.readLoop(m.epoch, m.conn)

	case frameReceived:
		if m.epoch == s.epoch {
			s.onFrame(m.data)
		}

	case socketClosed:
		if m.epoch == s.epoch {
			s.onClose(m.err)
		}

	case timerFired:
		if m.epoch != s.epoch {
			return false
		}
		delete(s.timers, m.kind)
		s.onTimer(m.kind)

	case identifyAllowed:
		if m.epoch != s.epoch {
			return false
		}
		if m.err != nil {
			s.handshakeFailed(fmt.Errorf("waiting for identify slot: %w", m.err))
			return false
		}
		s.sendIdentify()
	}
	return false
}

func (s *Shard) onConnectRequest(waiter chan error) {
	switch s.Status() {
	case kephasgate.StatusConnected:
		waiter <- nil
		return
	case kephasgate.StatusIdle, kephasgate.StatusDisconnected:
		s.waiters = append(s.waiters, waiter)
		s.failedHandshakes = 0
		s.reconnectAttempts = 0
		s.connect()
	default:
		s.waiters = append(s.waiters, waiter)
	}
}

func (s *Shard) readLoop(epoch uint64, conn kephasgate.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.post(socketClosed{epoch: epoch, err: err})
			return
		}
		if !s.post(frameReceived{epoch: epoch, data: data}) {
			return
		}
	}
}

// newEpoch invalidates every timer, pending dial and pending identify of
// the previous epoch.
func (s *Shard) newEpoch() {
	s.epoch++
	if s.cancelEpoch != nil {
		s.cancelEpoch()
	}
	s.epochCtx, s.cancelEpoch = context.WithCancel(context.Background())
	for kind, t := range s.timers {
		t.Stop()
		delete(s.timers, kind)
	}
}

func (s *Shard) schedule(kind timerKind, d time.Duration) {
	if t, ok := s.timers[kind]; ok {
		t.Stop()
	}
	epoch := s.epoch
	s.timers[kind] = s.clock.AfterFunc(d, func() {
		s.post(timerFired{epoch: epoch, kind: kind})
	})
}

func (s *Shard) cancelTimer(kind timerKind) {
	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
	}
}

func (s *Shard) setStatus(status kephasgate.Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Shard) closeConn(code int) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.CloseWithCode(code, "")
}

func (s *Shard) resolveWaiters(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

// connect opens a new socket. The HELLO timer covers the dial as well.
func (s *Shard) connect() {
	s.newEpoch()
	_ = s.closeConn(kephasgate.CloseReconnect)
	s.queue.Reset()
	s.setStatus(kephasgate.StatusConnecting)

	url := s.cfg.GatewayURL
	if s.resumeURL != "" && s.SessionID() != "" {
		url = s.resumeURL
	}

	s.logger.Debug("connecting", zap.String("url", url), zap.Uint64("epoch", s.epoch))
	s.schedule(timerHello, s.cfg.HelloTimeout)

	epoch, ctx := s.epoch, s.epochCtx
	go func() {
		conn, err := s.dialer.Dial(ctx, url)
		s.post(dialResult{epoch: epoch, conn: conn, err: err})
	}()
}

// handshakeFailed covers dial errors, HELLO timeouts and sockets that
// close before HELLO. They retry until MaxConnectAttempts is used up.
func (s *Shard) handshakeFailed(err error) {
	s.failedHandshakes++
	s.logger.Warn("handshake failed",
		zap.Error(err),
		zap.Int("attempt", s.failedHandshakes),
		zap.Int("max_attempts", s.cfg.MaxConnectAttempts))

	s.newEpoch()
	_ = s.closeConn(kephasgate.CloseReconnect)

	if s.cfg.MaxConnectAttempts > 0 && s.failedHandshakes >= s.cfg.MaxConnectAttempts {
		s.emit(kephasgate.ShardDisconnected{
			ShardID: s.cfg.ID,
			Code:    kephasgate.CloseAbnormal,
			Reason:  kephasgate.ErrHandshakeBudgetExhausted.Error(),
		})
		s.fail(fmt.Errorf("shard %d: %w: %w", s.cfg.ID, kephasgate.ErrHandshakeBudgetExhausted, err))
		return
	}
	s.scheduleReconnect()
}

// fail leaves the shard disconnected and reports err to Connect callers.
func (s *Shard) fail(err error) {
	s.newEpoch()
	_ = s.closeConn(kephasgate.CloseNormal)
	s.setStatus(kephasgate.StatusDisconnected)
	s.resolveWaiters(err)
}

func (s *Shard) scheduleReconnect() {
	s.setStatus(kephasgate.StatusReconnecting)
	resume := s.SessionID() != ""
	s.emit(kephasgate.ShardReconnecting{ShardID: s.cfg.ID, Resume: resume})

	delay := s.backoff()
	s.logger.Info("reconnecting", zap.Bool("resume", resume), zap.Duration("delay", delay))
	if delay <= 0 {
		s.connect()
		return
	}
	s.schedule(timerReconnect, delay)
}

func (s *Shard) backoff() time.Duration {
	attempt := s.reconnectAttempts
	s.reconnectAttempts++
	if attempt == 0 {
		return 0
	}
	d := s.cfg.ReconnectBackoff
	for i := 1; i < attempt && d < s.cfg.MaxReconnectBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxReconnectBackoff {
		d = s.cfg.MaxReconnectBackoff
	}
	return d
}

// reconnect drops the current socket with a code that keeps the session
// and connects again. It is a no-op while a reconnect is already pending,
// so repeated zombie checks never stack reconnects.
func (s *Shard) reconnect(reason string) {
	if s.Status() == kephasgate.StatusReconnecting {
		return
	}
	s.logger.Info("dropping socket", zap.String("reason", reason))

	s.mu.Lock()
	s.closeSequence = s.sequence
	s.mu.Unlock()

	s.newEpoch()
	_ = s.closeConn(kephasgate.CloseReconnect)
	s.scheduleReconnect()
}

func (s *Shard) onTimer(kind timerKind) {
	switch kind {
	case timerHello:
		s.handshakeFailed(kephasgate.ErrHandshakeTimeout)
	case timerHeartbeat:
		s.heartbeat()
	case timerReady:
		s.readyTimedOut()
	case timerReconnect:
		s.connect()
	}
}

func (s *Shard) destroy(opts DestroyOptions) error {
	code := opts.Code
	if code == 0 {
		code = kephasgate.CloseNormal
	}
	s.logger.Info("destroying", zap.Int("close_code", code))

	s.newEpoch()
	s.cancelEpoch()
	err := s.closeConn(code)
	s.queue.Close()

	s.mu.Lock()
	if opts.Reset || code == kephasgate.CloseNormal {
		s.sessionID = ""
		s.sequence = 0
		s.closeSequence = 0
	}
	s.status = kephasgate.StatusDestroyed
	s.mu.Unlock()

	s.expectedGuilds = nil
	s.resolveWaiters(kephasgate.ErrShardDestroyed)
	if opts.Emit {
		s.emit(kephasgate.ShardDestroyed{ShardID: s.cfg.ID})
	}
	if err != nil {
		return fmt.Errorf("closing shard %d socket: %w", s.cfg.ID, err)
	}
	return nil
}

// write is the send queue's transmit function.
func (s *Shard) write(data []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return kephasgate.ErrNotConnected
	}
	return conn.WriteMessage(context.Background(), data)
}
