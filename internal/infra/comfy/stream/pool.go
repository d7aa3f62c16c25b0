// Package stream owns the real-time side of the orchestration client: a
// pool of websocket channels to the backend's progress endpoint, the
// tagged-union decoding of inbound messages, and the per-job dispatcher
// that turns them into normalized progress events.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pixelforge/conductor/internal/infra/comfy/metrics"
	"github.com/pixelforge/conductor/internal/infra/comfy/resilience"
)

// Conn is the subset of a websocket connection the pool needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer establishes one websocket connection to the given URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// GorillaDialer dials with the default gorilla websocket dialer.
func GorillaDialer(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// PoolConfig defines connection pool behavior. The reconnect backoff shape
// matches the retry handler's but is configured independently.
type PoolConfig struct {
	URL                  string        `yaml:"url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	BackoffMultiple      float64       `yaml:"backoff_multiple"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
}

// DefaultPoolConfig provides sensible defaults.
var DefaultPoolConfig = PoolConfig{
	MaxReconnectAttempts: 10,
	ReconnectBaseDelay:   5 * time.Second,
	ReconnectMaxDelay:    60 * time.Second,
	BackoffMultiple:      2.0,
	PingInterval:         30 * time.Second,
	PingTimeout:          10 * time.Second,
	IdleTimeout:          30 * time.Second,
}

// Frame is one unit delivered to session listeners. Err is set instead of
// Data when the channel itself has failed; such a frame is terminal for
// every subscriber of the session.
type Frame struct {
	Data []byte
	Err  error
}

// ErrorHandler receives channel-level failures for cross-cutting logging
// and metrics. One handler per pool instance.
type ErrorHandler func(sessionKey string, err error)

// Pool manages one persistent websocket channel per session key, handing
// out reference-counted leases. Establishment is serialized per key so two
// concurrent leases for one key never dial twice; distinct keys connect
// concurrently. A channel closes only when its lease count reaches zero and
// the idle timer expires, or on Shutdown.
type Pool struct {
	mu       sync.Mutex
	cfg      PoolConfig
	dial     Dialer
	sessions map[string]*Session
	leases   map[string]*Session
	onError  ErrorHandler
	closed   bool
}

// PoolOption configures the pool.
type PoolOption func(*Pool)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// NewPool creates a connection pool. Zero-valued config fields fall back to
// defaults.
func NewPool(cfg PoolConfig, opts ...PoolOption) *Pool {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultPoolConfig.MaxReconnectAttempts
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = DefaultPoolConfig.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = DefaultPoolConfig.ReconnectMaxDelay
	}
	if cfg.BackoffMultiple <= 1 {
		cfg.BackoffMultiple = DefaultPoolConfig.BackoffMultiple
	}

	p := &Pool{
		cfg:      cfg,
		dial:     GorillaDialer,
		sessions: make(map[string]*Session),
		leases:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnError registers the pool's error handler, replacing any previous one.
func (p *Pool) OnError(h ErrorHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = h
}

// Lease is one caller's hold on a pooled session channel.
type Lease struct {
	ID      string
	session *Session
}

// SessionKey returns the key of the leased session.
func (l *Lease) SessionKey() string {
	return l.session.key
}

// Listen registers a frame listener on the leased session and returns a
// function that removes it.
func (l *Lease) Listen(fn func(Frame)) func() {
	return l.session.addListener(fn)
}

// Get leases the channel for sessionKey, establishing it if needed. The
// call blocks until the channel is connected or, after exhausting the
// reconnect-attempt ceiling, returns an error. The pool owns its own
// backoff loop; establishment failures are not surfaced as retryable.
func (p *Pool) Get(ctx context.Context, sessionKey string) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, resilience.Newf(resilience.KindWebSocket, false, "connection pool is shut down")
	}
	s, ok := p.sessions[sessionKey]
	if !ok {
		s = newSession(p, sessionKey)
		p.sessions[sessionKey] = s
	}
	p.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		// Only a dead session leaves the pool; a canceled waiter must not
		// evict a session another caller is still establishing.
		s.mu.Lock()
		gone := s.failed || s.closed
		s.mu.Unlock()
		if gone {
			p.removeSession(s)
		}
		return nil, err
	}

	s.acquire()

	lease := &Lease{ID: uuid.NewString(), session: s}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.releaseOne()
		return nil, resilience.Newf(resilience.KindWebSocket, false, "connection pool is shut down")
	}
	p.leases[lease.ID] = s
	p.mu.Unlock()

	metrics.ActiveLeases.Inc()
	return lease, nil
}

// Release returns a lease to the pool. Releasing an unknown or
// already-released lease ID is a no-op.
func (p *Pool) Release(leaseID string) {
	p.mu.Lock()
	s, ok := p.leases[leaseID]
	if ok {
		delete(p.leases, leaseID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveLeases.Dec()
	s.releaseOne()
}

// Shutdown closes every channel and rejects further leases.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.leases = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// SessionStats describes one pooled session for observability.
type SessionStats struct {
	Key          string
	Leases       int
	Connected    bool
	Reconnects   int
	LastActivity time.Time
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Sessions     int
	ActiveLeases int
	PerSession   []SessionStats
}

// Stats returns current pool statistics. Per-session state is collected
// outside the pool lock so a connecting session cannot stall callers.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	stats := PoolStats{
		Sessions:     len(p.sessions),
		ActiveLeases: len(p.leases),
	}
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		stats.PerSession = append(stats.PerSession, s.stats())
	}
	return stats
}

func (p *Pool) removeSession(s *Session) {
	p.mu.Lock()
	if cur, ok := p.sessions[s.key]; ok && cur == s {
		delete(p.sessions, s.key)
	}
	p.mu.Unlock()
}

func (p *Pool) notifyError(sessionKey string, err error) {
	p.mu.Lock()
	h := p.onError
	p.mu.Unlock()
	if h != nil {
		h(sessionKey, err)
	}
}

// Session is one pooled duplex channel, owned by a session key.
type Session struct {
	id   string
	key  string
	pool *Pool

	mu           sync.Mutex
	conn         Conn
	connecting   chan struct{}
	generation   int
	leases       int
	reconnects   int
	failed       bool
	failedErr    error
	closed       bool
	lastActivity time.Time
	idleTimer    *time.Timer
	stopPing     chan struct{}
	listeners    map[int]func(Frame)
	nextListener int
}

func newSession(p *Pool, key string) *Session {
	return &Session{
		id:        uuid.NewString(),
		key:       key,
		pool:      p,
		listeners: make(map[int]func(Frame)),
	}
}

// Key returns the owning session key.
func (s *Session) Key() string { return s.key }

func (s *Session) url() string {
	return s.pool.cfg.URL + "?clientId=" + url.QueryEscape(s.key)
}

// connect establishes the channel if it is not already up. One caller
// owns the establishment at a time; the others wait on its completion
// channel rather than the session mutex, so dials and backoff sleeps
// never pin a lock.
func (s *Session) connect(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return resilience.Newf(resilience.KindWebSocket, false, "session %s closed", s.key)
		case s.failed:
			err := s.failedErr
			s.mu.Unlock()
			return err
		case s.conn != nil:
			s.mu.Unlock()
			return nil
		case s.connecting != nil:
			wait := s.connecting
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return resilience.Classify(ctx.Err())
			case <-wait:
			}
			continue
		}

		done := make(chan struct{})
		s.connecting = done
		s.mu.Unlock()

		err := s.establish(ctx)

		s.mu.Lock()
		s.connecting = nil
		s.mu.Unlock()
		close(done)
		return err
	}
}

// establish runs the dial/backoff loop for one establishment. Exhausting
// the attempt ceiling marks the session permanently failed.
func (s *Session) establish(ctx context.Context) error {
	cfg := s.pool.cfg
	var lastErr error
	for attempt := 0; attempt < cfg.MaxReconnectAttempts; attempt++ {
		if attempt > 0 {
			metrics.ReconnectsTotal.Inc()
			select {
			case <-ctx.Done():
				return resilience.Classify(ctx.Err())
			case <-time.After(reconnectDelay(attempt-1, cfg)):
			}
		}

		conn, err := s.pool.dial(ctx, s.url())
		if err != nil {
			lastErr = err
			slog.Warn("Channel dial failed",
				"session", s.key, "attempt", attempt+1, "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return resilience.Newf(resilience.KindWebSocket, false, "session %s closed", s.key)
		}
		s.startLocked(conn)
		s.mu.Unlock()
		return nil
	}

	err := resilience.Wrap(resilience.KindWebSocket, false, lastErr,
		fmt.Sprintf("session %s failed after %d connect attempts", s.key, cfg.MaxReconnectAttempts))
	s.mu.Lock()
	s.failed = true
	s.failedErr = err
	s.mu.Unlock()
	return err
}

func (s *Session) startLocked(conn Conn) {
	s.conn = conn
	s.generation++
	s.reconnects = 0
	s.lastActivity = time.Now()
	gen := s.generation

	cfg := s.pool.cfg
	if cfg.PingInterval > 0 {
		deadline := cfg.PingInterval + cfg.PingTimeout
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
		s.stopPing = make(chan struct{})
		go s.pingLoop(conn, s.stopPing)
	}

	go s.readLoop(conn, gen)
	slog.Info("Channel connected", "session", s.key)
}

func (s *Session) pingLoop(conn Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.pool.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(s.pool.cfg.PingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Session) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(gen, err)
			return
		}
		s.touch()
		s.deliver(Frame{Data: data})
	}
}

func (s *Session) handleReadError(gen int, err error) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.teardownConnLocked()
	s.mu.Unlock()

	// A close frame outside normal/going-away is terminal for every job
	// currently streaming on this channel.
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.deliver(Frame{Err: resilience.Wrap(resilience.KindWebSocket, false, err, "channel closed unexpectedly")})
	}

	// Delivering a terminal frame can release the remaining leases, so the
	// lease count is read after delivery. A session nobody holds is torn
	// down instead of redialed.
	s.mu.Lock()
	idle := s.leases == 0
	s.mu.Unlock()

	if idle {
		s.close()
		s.pool.removeSession(s)
		return
	}

	slog.Warn("Channel dropped, reconnecting", "session", s.key, "error", err)
	go s.reconnect()
}

// reconnect re-establishes a dropped channel with exponential backoff, up
// to the attempt ceiling. Exhaustion marks the session permanently failed
// and surfaces the error to subscribers and the pool's error handler.
func (s *Session) reconnect() {
	cfg := s.pool.cfg

	for {
		s.mu.Lock()
		if s.closed || s.conn != nil {
			s.mu.Unlock()
			return
		}
		if s.reconnects >= cfg.MaxReconnectAttempts {
			s.failed = true
			s.failedErr = resilience.Newf(resilience.KindWebSocket, false,
				"session %s exhausted %d reconnect attempts", s.key, cfg.MaxReconnectAttempts)
			err := s.failedErr
			s.mu.Unlock()

			s.deliver(Frame{Err: err})
			s.pool.notifyError(s.key, err)
			s.pool.removeSession(s)
			return
		}
		s.reconnects++
		attempt := s.reconnects
		s.mu.Unlock()

		metrics.ReconnectsTotal.Inc()
		delay := reconnectDelay(attempt-1, cfg)
		slog.Info("Reconnecting channel",
			"session", s.key, "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := s.pool.dial(dialCtx, s.url())
		cancel()
		if err != nil {
			slog.Warn("Reconnect dial failed", "session", s.key, "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.startLocked(conn)
		s.mu.Unlock()
		return
	}
}

func (s *Session) acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Session) releaseOne() {
	s.mu.Lock()
	if s.leases > 0 {
		s.leases--
	}
	if s.leases > 0 || s.closed {
		s.mu.Unlock()
		return
	}

	idle := s.pool.cfg.IdleTimeout
	if idle <= 0 {
		s.mu.Unlock()
		s.close()
		s.pool.removeSession(s)
		return
	}

	s.idleTimer = time.AfterFunc(idle, func() {
		s.mu.Lock()
		expired := s.leases == 0 && !s.closed
		s.mu.Unlock()
		if expired {
			s.close()
			s.pool.removeSession(s)
		}
	})
	s.mu.Unlock()
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.teardownConnLocked()
	s.listeners = make(map[int]func(Frame))
	slog.Info("Channel closed", "session", s.key)
}

func (s *Session) teardownConnLocked() {
	if s.stopPing != nil {
		close(s.stopPing)
		s.stopPing = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.generation++
}

func (s *Session) addListener(fn func(Frame)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) deliver(frame Frame) {
	s.mu.Lock()
	fns := make([]func(Frame), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(frame)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		Key:          s.key,
		Leases:       s.leases,
		Connected:    s.conn != nil,
		Reconnects:   s.reconnects,
		LastActivity: s.lastActivity,
	}
}

// reconnectDelay mirrors the retry handler's backoff shape with uniform
// jitter to avoid thundering-herd reconnects.
func reconnectDelay(attempt int, cfg PoolConfig) time.Duration {
	delay := float64(cfg.ReconnectBaseDelay) * math.Pow(cfg.BackoffMultiple, float64(attempt))
	delay *= 1 + 0.1 + 0.4*rand.Float64()
	if delay > float64(cfg.ReconnectMaxDelay) {
		delay = float64(cfg.ReconnectMaxDelay)
	}
	return time.Duration(delay)
}
