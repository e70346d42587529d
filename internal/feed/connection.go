package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/feedmux/pricerelay/internal/model"
	"github.com/feedmux/pricerelay/internal/pkg/apperrors"
	"github.com/feedmux/pricerelay/internal/pkg/logger"
	"github.com/feedmux/pricerelay/internal/pkg/metrics"
)

// State of the upstream connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Listener receives parsed ticks for one feed identifier. Listeners are
// tracked by reference identity: registering the same listener twice for the
// same identifier is a no-op.
type Listener interface {
	OnTick(tick model.PriceTick)
}

// TickCache holds the most recent tick per identifier. Optional; used as the
// snapshot fallback when the upstream pull fails.
type TickCache interface {
	Set(ctx context.Context, tick model.PriceTick) error
	Get(ctx context.Context, id string) (model.PriceTick, bool, error)
}

type Options struct {
	WSURL           string
	HTTPURL         string
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	PingPeriod      time.Duration
	SnapshotTimeout time.Duration
	Dialer          Dialer
	HTTPClient      *http.Client
	Cache           TickCache
}

// Connection owns the single logical websocket to the upstream price source.
// It normalizes identifiers, dispatches inbound ticks to registered listeners
// and reconnects with capped exponential backoff when the socket drops.
type Connection struct {
	opts  Options
	httpc *http.Client

	mu        sync.Mutex
	state     State
	tr        Transport
	listeners map[string][]Listener
	cancel    context.CancelFunc

	wmu sync.Mutex // serializes transport writes (subscribe frames + pings)
}

func NewConnection(opts Options) *Connection {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 15 * time.Second
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWSDialer(opts.PingPeriod)
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Connection{
		opts:      opts,
		httpc:     httpc,
		listeners: make(map[string][]Listener),
	}
}

// Connect establishes the upstream connection. Idempotent while a connection
// is live or in progress. The initial call does not retry on failure; once
// connected, drops are handled by the internal reconnect loop.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	tr, err := c.opts.Dialer.Dial(ctx, c.opts.WSURL)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return apperrors.NewConnection("upstream handshake failed", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.tr = tr
	c.cancel = cancel
	ids := c.idsLocked()
	c.state = Connected
	c.mu.Unlock()

	if len(ids) > 0 {
		if err := c.send(tr, model.MsgTypeSubscribe, ids); err != nil {
			logger.Error("failed to flush queued subscriptions", "error", err)
		}
	}

	go c.readLoop(runCtx, tr)
	go c.pingLoop(runCtx, tr)
	logger.Info("upstream connected", "url", c.opts.WSURL, "subscriptions", len(ids))
	return nil
}

// State reports the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RegisterCallback subscribes listener to ticks for id. The first listener
// for an identifier triggers one upstream subscribe frame; while the
// connection is down the identifier is queued and subscribed on (re)connect.
func (c *Connection) RegisterCallback(id string, l Listener) {
	nid := Normalize(id)

	c.mu.Lock()
	ls := c.listeners[nid]
	for _, existing := range ls {
		if existing == l {
			c.mu.Unlock()
			return
		}
	}
	first := len(ls) == 0
	c.listeners[nid] = append(ls, l)
	connected := c.state == Connected
	tr := c.tr
	c.mu.Unlock()

	if first {
		metrics.UpstreamSubscriptions.Inc()
		if connected {
			if err := c.send(tr, model.MsgTypeSubscribe, []string{nid}); err != nil {
				logger.Error("upstream subscribe failed", "id", nid, "error", err)
			}
		}
	}
}

// UnregisterCallback removes listener from id's set. Removing the last
// listener sends an upstream unsubscribe frame and forgets the identifier.
func (c *Connection) UnregisterCallback(id string, l Listener) {
	nid := Normalize(id)

	c.mu.Lock()
	ls := c.listeners[nid]
	idx := -1
	for i, existing := range ls {
		if existing == l {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.mu.Unlock()
		return
	}
	ls = append(ls[:idx], ls[idx+1:]...)
	last := len(ls) == 0
	if last {
		delete(c.listeners, nid)
	} else {
		c.listeners[nid] = ls
	}
	connected := c.state == Connected
	tr := c.tr
	c.mu.Unlock()

	if last {
		metrics.UpstreamSubscriptions.Dec()
		if connected {
			if err := c.send(tr, model.MsgTypeUnsubscribe, []string{nid}); err != nil {
				logger.Error("upstream unsubscribe failed", "id", nid, "error", err)
			}
		}
	}
}

// GetSnapshot pulls the most recent tick for each identifier, independent of
// subscription state. The upstream HTTP endpoint is tried first; on failure
// the latest-tick cache serves the request if it covers every identifier.
func (c *Connection) GetSnapshot(ctx context.Context, ids []string) ([]model.PriceTick, error) {
	nids := make([]string, len(ids))
	for i, id := range ids {
		nids[i] = Normalize(id)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SnapshotTimeout)
	defer cancel()

	ticks, fetchErr := c.fetchLatest(ctx, nids)
	if fetchErr == nil {
		return ticks, nil
	}

	if c.opts.Cache != nil {
		cached := make([]model.PriceTick, 0, len(nids))
		for _, nid := range nids {
			tick, ok, err := c.opts.Cache.Get(ctx, nid)
			if err != nil || !ok {
				cached = nil
				break
			}
			cached = append(cached, tick)
		}
		if cached != nil {
			logger.Warn("snapshot served from cache", "error", fetchErr)
			return cached, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrSnapshotFailed, "snapshot fetch failed", fetchErr)
}

// Close tears down the connection and clears all subscription bookkeeping.
// No reconnection happens afterward; the caller must Connect again.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.tr != nil {
		c.tr.Close()
		c.tr = nil
	}
	n := len(c.listeners)
	c.listeners = make(map[string][]Listener)
	c.state = Disconnected
	c.mu.Unlock()

	metrics.UpstreamSubscriptions.Sub(float64(n))
}

func (c *Connection) idsLocked() []string {
	ids := make([]string, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	return ids
}

func (c *Connection) send(tr Transport, msgType string, ids []string) error {
	if tr == nil {
		return fmt.Errorf("no connection")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return tr.WriteJSON(model.UpstreamRequest{Type: msgType, IDs: ids})
}

func (c *Connection) readLoop(ctx context.Context, tr Transport) {
	for {
		msg, err := tr.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("upstream read failed", "error", err)
			c.reconnectLoop(ctx)
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Connection) pingLoop(ctx context.Context, tr Transport) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := tr.Ping()
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleMessage(raw []byte) {
	var msg model.UpstreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.TicksDropped.Inc()
		logger.Warn("dropping malformed upstream message", "error", err)
		return
	}
	if msg.Type != model.MsgTypePriceUpdate || msg.PriceFeed == nil {
		return
	}

	tick := msg.PriceFeed.Tick()
	tick.ID = Normalize(tick.ID)
	metrics.TicksReceived.Inc()

	if c.opts.Cache != nil {
		go func(t model.PriceTick) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := c.opts.Cache.Set(ctx, t); err != nil {
				logger.Debug("tick cache write failed", "id", t.ID, "error", err)
			}
		}(tick)
	}

	c.dispatch(tick)
}

// dispatch invokes every listener registered for the tick's identifier, in
// registration order. The slice is copied under the lock so listeners removed
// mid-dispatch never fire and removal never breaks the loop. A panicking
// listener is logged and the rest still run.
func (c *Connection) dispatch(tick model.PriceTick) {
	c.mu.Lock()
	ls := c.listeners[tick.ID]
	snapshot := make([]Listener, len(ls))
	copy(snapshot, ls)
	c.mu.Unlock()

	for _, l := range snapshot {
		c.invoke(l, tick)
	}
}

func (c *Connection) invoke(l Listener, tick model.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackErrors.Inc()
			logger.Error("listener panicked during dispatch", "id", tick.ID, "panic", r)
		}
	}()
	l.OnTick(tick)
	metrics.FanoutDeliveries.Inc()
}

// reconnectLoop retries the upstream dial with delay base*2^(attempt-1),
// capped at MaxDelay, for at most MaxAttempts. On success it re-issues a
// subscribe for every identifier that currently has listeners; on exhaustion
// the connection degrades to Disconnected and stays there.
func (c *Connection) reconnectLoop(ctx context.Context) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Reconnecting
	if c.tr != nil {
		c.tr.Close()
		c.tr = nil
	}
	c.mu.Unlock()

	delay := c.opts.BaseDelay
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		tr, err := c.opts.Dialer.Dial(ctx, c.opts.WSURL)
		if err != nil {
			logger.Warn("upstream reconnect failed", "attempt", attempt, "error", err)
			delay *= 2
			if delay > c.opts.MaxDelay {
				delay = c.opts.MaxDelay
			}
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			tr.Close()
			return
		}
		c.tr = tr
		ids := c.idsLocked()
		c.state = Connected
		c.mu.Unlock()

		if len(ids) > 0 {
			if err := c.send(tr, model.MsgTypeSubscribe, ids); err != nil {
				logger.Error("resubscribe after reconnect failed", "error", err)
			}
		}
		metrics.UpstreamReconnects.Inc()
		logger.Info("upstream reconnected", "attempt", attempt, "resubscribed", len(ids))

		go c.readLoop(ctx, tr)
		go c.pingLoop(ctx, tr)
		return
	}

	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
	logger.Error("upstream reconnect attempts exhausted", "attempts", c.opts.MaxAttempts)
}

func (c *Connection) fetchLatest(ctx context.Context, ids []string) ([]model.PriceTick, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("ids[]", id)
	}
	reqURL := fmt.Sprintf("%s/api/latest_price_feeds?%s", c.opts.HTTPURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("latest_price_feeds returned %d", resp.StatusCode)
	}

	var feeds []model.UpstreamPriceFeed
	if err := json.NewDecoder(resp.Body).Decode(&feeds); err != nil {
		return nil, err
	}

	ticks := make([]model.PriceTick, 0, len(feeds))
	for i := range feeds {
		tick := feeds[i].Tick()
		tick.ID = Normalize(tick.ID)
		ticks = append(ticks, tick)
	}
	return ticks, nil
}
