// Package gatewaytest runs an in-process gateway that speaks enough of
// the real protocol (HELLO, IDENTIFY, RESUME, heartbeats, READY and
// GUILD_CREATE dispatches, the /gateway/bot endpoint) for end-to-end
// tests of shards and pools.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// RateLimitConfig defines the inbound command limit per client
type RateLimitConfig struct {
	// MessagesPerSecond defines how many commands a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig mirrors the remote's 120 commands per minute.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: rate.Limit(2),
		Burst:             120,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Config shapes the fake gateway's behaviour.
type Config struct {
	Token             string
	HeartbeatInterval time.Duration
	// Guilds returns the guild ids announced in READY for a shard.
	Guilds func(shardID, total int) []string
	// WithholdGuilds announces guilds in READY but never sends their
	// GUILD_CREATE.
	WithholdGuilds    bool
	RecommendedShards int
	MaxConcurrency    int
	RateLimitConfig   *RateLimitConfig
}

// Command is one frame received from a client.
type Command struct {
	ShardID int
	Op      kephasgate.Opcode
	Data    json.RawMessage
}

type session struct {
	id    string
	shard int
	seq   int64
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
	shard   int
	session *session
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) close(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// Server is the fake gateway.
type Server struct {
	cfg      Config
	http     *httptest.Server
	upgrader websocket.Upgrader
	dropAcks atomic.Bool
	noHello  atomic.Bool

	mu          sync.Mutex
	clients     map[*client]struct{}
	sessions    map[string]*session
	commands    []Command
	connections int
	accepted    []time.Time
}

// New starts a fake gateway on a loopback port.
func New(cfg Config) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 40 * time.Second
	}
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	s := &Server{
		cfg:      cfg,
		clients:  make(map[*client]struct{}),
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", s.handleWebSocket)
	mux.HandleFunc("/api/gateway/bot", s.handleGatewayBot)
	s.http = httptest.NewServer(mux)
	return s
}

// URL is the websocket gateway address.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/gateway"
}

// APIURL is the base URL of the REST endpoints.
func (s *Server) APIURL() string {
	return s.http.URL + "/api"
}

// Close closes every client and stops the server.
func (s *Server) Close() {
	s.CloseClients(websocket.CloseGoingAway)
	s.http.Close()
}

// DropHeartbeatAcks makes the server stop (or resume) acknowledging
// heartbeats, turning connected clients into zombies.
func (s *Server) DropHeartbeatAcks(drop bool) {
	s.dropAcks.Store(drop)
}

// WithholdHello makes the server accept sockets without ever sending
// HELLO, so clients run into their handshake timeout.
func (s *Server) WithholdHello(withhold bool) {
	s.noHello.Store(withhold)
}

// CloseClients closes every open socket with code.
func (s *Server) CloseClients(code int) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close(code, "closed by test")
	}
}

// Connections returns the number of sockets accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// AcceptTimes returns when each socket was accepted, oldest first.
func (s *Server) AcceptTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.accepted...)
}

// Commands returns every frame received with opcode op.
func (s *Server) Commands(op kephasgate.Opcode) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Command
	for _, c := range s.commands {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Dispatch sends an event to every client identified as shardID.
func (s *Server) Dispatch(shardID int, event string, data any) error {
	s.mu.Lock()
	var targets []*client
	for c := range s.clients {
		if c.session != nil && c.shard == shardID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("no client for shard %d", shardID)
	}
	for _, c := range targets {
		if err := s.dispatch(c, event, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) dispatch(c *client, event string, data any) error {
	s.mu.Lock()
	c.session.seq++
	seq := c.session.seq
	s.mu.Unlock()

	frame, err := protocol.EncodeDispatch(event, seq, data)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (s *Server) send(c *client, op kephasgate.Opcode, data any) error {
	frame, err := protocol.Encode(op, data)
	if err != nil {
		return err
	}
	return c.write(frame)
}

type gatewayBot struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		ResetAfter     int `json:"reset_after"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

func (s *Server) handleGatewayBot(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bot "+s.cfg.Token {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"401: Unauthorized","code":0}`))
		return
	}

	var resp gatewayBot
	resp.URL = s.URL()
	resp.Shards = s.cfg.RecommendedShards
	resp.SessionStartLimit.Total = 1000
	resp.SessionStartLimit.Remaining = 1000
	resp.SessionStartLimit.MaxConcurrency = s.cfg.MaxConcurrency

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade connection", http.StatusBadRequest)
		return
	}

	c := &client{conn: conn, shard: -1}
	if s.cfg.RateLimitConfig.Enabled {
		c.limiter = rate.NewLimiter(s.cfg.RateLimitConfig.MessagesPerSecond, s.cfg.RateLimitConfig.Burst)
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.connections++
	s.accepted = append(s.accepted, time.Now())
	s.mu.Unlock()

	go s.handleClient(c)
}

// handleClient handles frames from a connected client
func (s *Server) handleClient(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = c.conn.Close()
	}()

	if !s.noHello.Load() {
		hello := protocol.Hello{HeartbeatInterval: s.cfg.HeartbeatInterval.Milliseconds()}
		if err := s.send(c, kephasgate.OpHello, hello); err != nil {
			return
		}
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		// Check rate limit before processing the command
		if c.limiter != nil && !c.limiter.Allow() {
			c.close(kephasgate.CloseRateLimited, "You are being rate limited.")
			return
		}

		p, err := protocol.Decode(data)
		if err != nil {
			c.close(4002, "Error while decoding payload.")
			return
		}

		s.mu.Lock()
		s.commands = append(s.commands, Command{ShardID: c.shard, Op: p.Op, Data: p.Data})
		s.mu.Unlock()

		if !s.handleCommand(c, p) {
			return
		}
	}
}

// handleCommand reacts to one client frame. It returns false once the
// socket was closed.
func (s *Server) handleCommand(c *client, p *protocol.Payload) bool {
	switch p.Op {
	case kephasgate.OpHeartbeat:
		if !s.dropAcks.Load() {
			_ = s.send(c, kephasgate.OpHeartbeatAck, nil)
		}

	case kephasgate.OpIdentify:
		var identify protocol.Identify
		if err := json.Unmarshal(p.Data, &identify); err != nil {
			c.close(4002, "Error while decoding payload.")
			return false
		}
		if identify.Token != s.cfg.Token {
			c.close(kephasgate.CloseAuthenticationFailed, "Authentication failed.")
			return false
		}
		shardID, total := identify.Shard[0], identify.Shard[1]
		if total <= 0 || shardID < 0 || shardID >= total {
			c.close(kephasgate.CloseInvalidShard, "Invalid shard.")
			return false
		}
		s.identify(c, shardID, total)

	case kephasgate.OpResume:
		var resume protocol.Resume
		if err := json.Unmarshal(p.Data, &resume); err != nil {
			c.close(4002, "Error while decoding payload.")
			return false
		}
		s.mu.Lock()
		sess, ok := s.sessions[resume.SessionID]
		if ok {
			c.session = sess
			c.shard = sess.shard
		}
		s.mu.Unlock()
		if !ok || resume.Token != s.cfg.Token {
			_ = s.send(c, kephasgate.OpInvalidSession, false)
			return true
		}
		_ = s.dispatch(c, protocol.EventResumed, struct{}{})
	}
	return true
}

func (s *Server) identify(c *client, shardID, total int) {
	var guilds []string
	if s.cfg.Guilds != nil {
		guilds = s.cfg.Guilds(shardID, total)
	}

	sess := &session{id: uuid.New().String(), shard: shardID}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	c.session = sess
	c.shard = shardID
	s.mu.Unlock()

	ready := protocol.Ready{
		Version:          10,
		SessionID:        sess.id,
		ResumeGatewayURL: s.URL(),
		Shard:            []int{shardID, total},
	}
	for _, id := range guilds {
		ready.Guilds = append(ready.Guilds, protocol.UnavailableGuild{ID: id, Unavailable: true})
	}
	if err := s.dispatch(c, protocol.EventReady, ready); err != nil {
		return
	}
	if s.cfg.WithholdGuilds {
		return
	}
	for _, id := range guilds {
		if err := s.dispatch(c, protocol.EventGuildCreate, protocol.GuildCreate{ID: id}); err != nil {
			return
		}
	}
}
