package shard

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

func (s *Shard) onFrame(data []byte) {
	p, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", zap.Error(err))
		s.emit(kephasgate.ShardError{ShardID: s.cfg.ID, Err: err})
		return
	}

	switch p.Op {
	case kephasgate.OpHello:
		s.onHello(p.Data)
	case kephasgate.OpHeartbeat:
		s.sendHeartbeat()
	case kephasgate.OpHeartbeatAck:
		s.onHeartbeatAck()
	case kephasgate.OpReconnect:
		s.reconnect("gateway requested reconnect")
	case kephasgate.OpInvalidSession:
		s.onInvalidSession(p.Data)
	case kephasgate.OpDispatch:
		s.onDispatch(p)
	default:
		s.logger.Debug("ignoring opcode", zap.Stringer("op", p.Op))
	}
}

func (s *Shard) onHello(data json.RawMessage) {
	var hello protocol.Hello
	if err := json.Unmarshal(data, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		s.handshakeFailed(fmt.Errorf("invalid HELLO payload: %s", data))
		return
	}
	s.cancelTimer(timerHello)
	s.failedHandshakes = 0

	s.heartbeatInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
	s.mu.Lock()
	s.acked = true
	s.mu.Unlock()

	first := time.Duration(float64(s.heartbeatInterval) * s.cfg.Jitter())
	s.logger.Debug("hello received",
		zap.Duration("heartbeat_interval", s.heartbeatInterval),
		zap.Duration("first_heartbeat", first))
	s.schedule(timerHeartbeat, first)

	if s.SessionID() != "" {
		s.setStatus(kephasgate.StatusResuming)
		s.sendResume()
		return
	}
	s.identify()
}

// identify waits for the identify gate off the loop, then sends IDENTIFY.
func (s *Shard) identify() {
	s.setStatus(kephasgate.StatusIdentifying)
	if s.gate == nil {
		s.sendIdentify()
		return
	}

	epoch, ctx := s.epoch, s.epochCtx
	go func() {
		err := s.gate.Wait(ctx)
		s.post(identifyAllowed{epoch: epoch, err: err})
	}()
}

func (s *Shard) sendIdentify() {
	identify := protocol.Identify{
		Token:          s.cfg.Token,
		Properties:     s.cfg.Properties,
		Compress:       s.cfg.Compress,
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          [2]int{s.cfg.ID, s.cfg.Total},
		Presence:       s.cfg.Presence,
		Intents:        s.cfg.Intents,
	}
	s.logger.Debug("identifying")
	s.sendImportant(kephasgate.OpIdentify, identify)
}

func (s *Shard) sendResume() {
	s.mu.RLock()
	resume := protocol.Resume{
		Token:     s.cfg.Token,
		SessionID: s.sessionID,
		Sequence:  s.sequence,
	}
	s.mu.RUnlock()

	s.logger.Debug("resuming", zap.String("session_id", resume.SessionID), zap.Int64("sequence", resume.Sequence))
	s.sendImportant(kephasgate.OpResume, resume)
}

func (s *Shard) sendImportant(op kephasgate.Opcode, data any) {
	frame, err := protocol.Encode(op, data)
	if err == nil {
		err = s.queue.Enqueue(frame, true)
	}
	if err != nil {
		s.emit(kephasgate.ShardError{ShardID: s.cfg.ID, Err: fmt.Errorf("sending %s: %w", op, err)})
	}
}

// heartbeat runs on every heartbeat tick. A beat that was never
// acknowledged marks the socket as a zombie.
func (s *Shard) heartbeat() {
	s.mu.RLock()
	acked := s.acked
	s.mu.RUnlock()

	if !acked {
		s.logger.Warn("heartbeat not acknowledged, socket is a zombie")
		s.reconnect("zombie connection")
		return
	}

	s.sendHeartbeat()
	s.schedule(timerHeartbeat, s.heartbeatInterval)
}

func (s *Shard) sendHeartbeat() {
	s.mu.Lock()
	seq := s.sequence
	s.acked = false
	s.lastPingAt = s.clock.Now()
	s.mu.Unlock()

	var data any
	if seq > 0 {
		data = seq
	}
	s.sendImportant(kephasgate.OpHeartbeat, data)
}

func (s *Shard) onHeartbeatAck() {
	s.mu.Lock()
	s.acked = true
	if !s.lastPingAt.IsZero() {
		s.ping = s.clock.Now().Sub(s.lastPingAt)
	}
	s.mu.Unlock()
}

func (s *Shard) onInvalidSession(data json.RawMessage) {
	var resumable bool
	_ = json.Unmarshal(data, &resumable)
	s.emit(kephasgate.InvalidSession{ShardID: s.cfg.ID, Resumable: resumable})

	if resumable && s.SessionID() != "" {
		s.logger.Info("session invalidated, resuming")
		s.setStatus(kephasgate.StatusResuming)
		s.sendResume()
		return
	}

	s.logger.Info("session invalidated, identifying again")
	s.mu.Lock()
	s.sessionID = ""
	s.sequence = 0
	s.closeSequence = 0
	s.mu.Unlock()
	s.resumeURL = ""
	s.identify()
}

func (s *Shard) onDispatch(p *protocol.Payload) {
	s.mu.Lock()
	if p.Sequence > s.sequence {
		s.sequence = p.Sequence
	}
	s.mu.Unlock()

	s.emit(kephasgate.Dispatch{ShardID: s.cfg.ID, Name: p.Event, Sequence: p.Sequence, Data: p.Data})

	switch p.Event {
	case protocol.EventReady:
		s.onReady(p.Data)
	case protocol.EventResumed:
		s.onResumed()
	case protocol.EventGuildCreate:
		s.onGuildCreate(p.Data)
	}
}

func (s *Shard) onReady(data json.RawMessage) {
	var ready protocol.Ready
	if err := json.Unmarshal(data, &ready); err != nil {
		s.emit(kephasgate.ShardError{ShardID: s.cfg.ID, Err: fmt.Errorf("decoding READY: %w", err)})
		return
	}

	s.mu.Lock()
	s.sessionID = ready.SessionID
	s.status = kephasgate.StatusReady
	s.mu.Unlock()
	s.resumeURL = ready.ResumeGatewayURL

	s.expectedGuilds = make(map[string]struct{}, len(ready.Guilds))
	for _, g := range ready.Guilds {
		s.expectedGuilds[g.ID] = struct{}{}
	}

	s.logger.Info("session ready",
		zap.String("session_id", ready.SessionID),
		zap.Int("guilds", len(ready.Guilds)))

	if len(s.expectedGuilds) == 0 {
		s.allReady()
		return
	}
	s.schedule(timerReady, s.cfg.ReadyTimeout)
}

func (s *Shard) onGuildCreate(data json.RawMessage) {
	if s.Status() != kephasgate.StatusReady || s.expectedGuilds == nil {
		return
	}
	var guild protocol.GuildCreate
	if err := json.Unmarshal(data, &guild); err != nil {
		return
	}
	delete(s.expectedGuilds, guild.ID)
	if len(s.expectedGuilds) == 0 {
		s.allReady()
		return
	}
	// Each arriving guild restarts the wait for the rest.
	s.schedule(timerReady, s.cfg.ReadyTimeout)
}

func (s *Shard) readyTimedOut() {
	if s.Status() != kephasgate.StatusReady {
		return
	}
	s.logger.Warn("ready timeout elapsed with guilds still unavailable", zap.Int("missing", len(s.expectedGuilds)))
	s.allReady()
}

func (s *Shard) allReady() {
	s.cancelTimer(timerReady)
	missing := make([]string, 0, len(s.expectedGuilds))
	for id := range s.expectedGuilds {
		missing = append(missing, id)
	}
	slices.Sort(missing)
	s.expectedGuilds = nil

	s.setStatus(kephasgate.StatusConnected)
	s.reconnectAttempts = 0
	s.emit(kephasgate.ShardReady{ShardID: s.cfg.ID, SessionID: s.SessionID(), UnavailableGuilds: missing})
	s.resolveWaiters(nil)
}

func (s *Shard) onResumed() {
	s.mu.Lock()
	replayed := s.sequence - s.closeSequence
	if replayed < 0 {
		replayed = 0
	}
	s.status = kephasgate.StatusConnected
	s.mu.Unlock()

	s.reconnectAttempts = 0
	s.logger.Info("session resumed", zap.Int64("replayed", replayed))
	s.emit(kephasgate.ShardResumed{ShardID: s.cfg.ID, ReplayedEvents: replayed})
	s.resolveWaiters(nil)
}

func (s *Shard) onClose(err error) {
	code, reason := kephasgate.CloseAbnormal, ""
	var closeErr *kephasgate.CloseError
	if errors.As(err, &closeErr) {
		code, reason = closeErr.Code, closeErr.Reason
	}

	s.mu.Lock()
	s.closeSequence = s.sequence
	s.mu.Unlock()

	s.logger.Info("socket closed", zap.Int("close_code", code), zap.String("reason", reason), zap.Error(err))

	if kephasgate.IsFatalCloseCode(code) {
		s.mu.Lock()
		s.sessionID = ""
		s.sequence = 0
		s.closeSequence = 0
		s.mu.Unlock()
		s.resumeURL = ""

		s.emit(kephasgate.ShardDisconnected{ShardID: s.cfg.ID, Code: code, Reason: reason})
		s.fail(&kephasgate.FatalCloseError{ShardID: s.cfg.ID, Code: code, Reason: reason})
		return
	}

	if s.Status() == kephasgate.StatusConnecting {
		s.handshakeFailed(fmt.Errorf("socket closed before HELLO: %w", err))
		return
	}

	s.newEpoch()
	_ = s.closeConn(kephasgate.CloseReconnect)
	s.scheduleReconnect()
}
