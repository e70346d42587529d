// Package session terminates downstream client connections: one websocket
// session per client, a subscribed-pair set per session, and guaranteed
// release of every subscription on disconnect.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/feedmux/pricerelay/internal/model"
	"github.com/feedmux/pricerelay/internal/pkg/apperrors"
	"github.com/feedmux/pricerelay/internal/pkg/logger"
	"github.com/feedmux/pricerelay/internal/pkg/metrics"
	"github.com/feedmux/pricerelay/internal/relay"
)

// Multiplexer is the relay surface sessions subscribe through.
type Multiplexer interface {
	Subscribe(pair string, c relay.Consumer) (func(), error)
	GetCurrentPrice(ctx context.Context, pair string) (model.PriceTick, error)
}

type Options struct {
	MsgRatePerSec   float64
	MsgBurst        int
	SnapshotTimeout time.Duration
}

type Manager struct {
	mux  Multiplexer
	reg  relay.Registry
	opts Options

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(mux Multiplexer, reg relay.Registry, opts Options) *Manager {
	if opts.MsgRatePerSec <= 0 {
		opts.MsgRatePerSec = 20
	}
	if opts.MsgBurst <= 0 {
		opts.MsgBurst = 40
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = 5 * time.Second
	}
	return &Manager{
		mux:  mux,
		reg:  reg,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// Handle upgrades an inbound HTTP request into a client session and runs its
// read loop until the client disconnects. One call per connection.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(conn, rate.Limit(m.opts.MsgRatePerSec), m.opts.MsgBurst)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	logger.Info("client connected", "session", s.ID)

	s.sendConnected(m.reg.List())
	m.readLoop(s)

	s.teardown()
	conn.Close()

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	metrics.ActiveSessions.Dec()
	logger.Info("client disconnected", "session", s.ID)
}

// SessionCount reports the number of open sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down every open session and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.conn.Close()
	}
}

func (m *Manager) readLoop(s *Session) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var req model.ClientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			s.sendError(apperrors.NewInvalidRequest("malformed message"))
			continue
		}

		if !s.limiter.Allow() {
			s.sendError(apperrors.New(apperrors.ErrRateLimited, "message rate exceeded", nil))
			continue
		}

		switch req.Type {
		case model.MsgTypeSubscribe:
			metrics.ClientMessages.WithLabelValues(req.Type).Inc()
			m.handleSubscribe(s, req.Pair)
		case model.MsgTypeUnsubscribe:
			metrics.ClientMessages.WithLabelValues(req.Type).Inc()
			m.handleUnsubscribe(s, req.Pair)
		case model.MsgTypeGetPrice:
			metrics.ClientMessages.WithLabelValues(req.Type).Inc()
			m.handleGetPrice(s, req.Pair)
		default:
			metrics.ClientMessages.WithLabelValues("unknown").Inc()
			s.sendError(apperrors.NewInvalidRequest("unrecognized message type: " + req.Type))
		}
	}
}

func (m *Manager) handleSubscribe(s *Session, pair string) {
	if pair == "" {
		s.sendError(apperrors.NewInvalidRequest("pair is required"))
		return
	}

	s.mu.Lock()
	_, already := s.subs[pair]
	s.mu.Unlock()
	if already {
		// Idempotent: acknowledge without touching the multiplexer.
		s.sendAck(model.MsgTypeSubscribed, pair)
		return
	}

	handle, err := m.mux.Subscribe(pair, &tickForwarder{s: s, pair: pair})
	if err != nil {
		s.sendError(err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		handle()
		return
	}
	s.subs[pair] = handle
	s.mu.Unlock()

	s.sendAck(model.MsgTypeSubscribed, pair)
}

func (m *Manager) handleUnsubscribe(s *Session, pair string) {
	if pair == "" {
		s.sendError(apperrors.NewInvalidRequest("pair is required"))
		return
	}

	s.mu.Lock()
	handle, ok := s.subs[pair]
	if ok {
		delete(s.subs, pair)
	}
	s.mu.Unlock()

	if ok {
		handle()
	}
	s.sendAck(model.MsgTypeUnsubscribed, pair)
}

func (m *Manager) handleGetPrice(s *Session, pair string) {
	if pair == "" {
		s.sendError(apperrors.NewInvalidRequest("pair is required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SnapshotTimeout)
	defer cancel()

	tick, err := m.mux.GetCurrentPrice(ctx, pair)
	if err != nil {
		s.sendError(err)
		return
	}
	s.sendPriceUpdate(pair, tick)
}
