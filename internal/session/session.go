package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/feedmux/pricerelay/internal/model"
	"github.com/feedmux/pricerelay/internal/pkg/apperrors"
	"github.com/feedmux/pricerelay/internal/pkg/logger"
)

// Session is the server-side state for one connected downstream client.
type Session struct {
	ID        string
	conn      *websocket.Conn
	createdAt time.Time
	limiter   *rate.Limiter

	wmu sync.Mutex // serializes socket writes (read loop replies + tick pushes)

	mu     sync.Mutex
	subs   map[string]func() // pair -> multiplexer unsubscribe handle
	closed bool
}

func newSession(conn *websocket.Conn, msgRate rate.Limit, msgBurst int) *Session {
	return &Session{
		ID:        uuid.NewString(),
		conn:      conn,
		createdAt: time.Now(),
		limiter:   rate.NewLimiter(msgRate, msgBurst),
		subs:      make(map[string]func()),
	}
}

// teardown releases every subscription handle the session still owns,
// exactly once each. Safe to call multiple times.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]func(), 0, len(s.subs))
	for _, h := range s.subs {
		handles = append(handles, h)
	}
	s.subs = nil
	s.mu.Unlock()

	for _, h := range handles {
		h()
	}
}

func (s *Session) send(msg model.ServerMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	s.wmu.Lock()
	err := s.conn.WriteJSON(msg)
	s.wmu.Unlock()
	if err != nil {
		logger.Debug("client write failed", "session", s.ID, "error", err)
	}
}

func (s *Session) sendConnected(pairs []string) {
	s.send(model.ServerMessage{
		Type:           model.MsgTypeConnected,
		SupportedPairs: pairs,
	})
}

func (s *Session) sendAck(msgType, pair string) {
	s.send(model.ServerMessage{Type: msgType, Pair: pair})
}

func (s *Session) sendError(err error) {
	s.send(model.ServerMessage{
		Type:    model.MsgTypeError,
		Message: err.Error(),
		Code:    string(apperrors.Code(err)),
	})
}

func (s *Session) sendPriceUpdate(pair string, tick model.PriceTick) {
	price, err := tick.ConvertedPrice()
	if err != nil {
		logger.Error("unparseable price mantissa", "session", s.ID, "id", tick.ID, "error", err)
		return
	}
	conf, err := tick.ConvertedConf()
	if err != nil {
		conf = ""
	}
	s.send(model.ServerMessage{
		Type: model.MsgTypePriceUpdate,
		Pair: pair,
		Data: &model.PriceUpdate{
			Pair:        pair,
			Price:       price,
			Confidence:  conf,
			Expo:        tick.Expo,
			PublishTime: tick.PublishTime,
		},
	})
}

// tickForwarder adapts one (session, pair) edge to the multiplexer's
// consumer interface. A distinct pointer per subscription keeps consumer
// identity per edge.
type tickForwarder struct {
	s    *Session
	pair string
}

func (f *tickForwarder) HandleTick(tick model.PriceTick) {
	f.s.sendPriceUpdate(f.pair, tick)
}
