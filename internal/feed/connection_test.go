package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmux/pricerelay/internal/model"
	"github.com/feedmux/pricerelay/internal/pkg/apperrors"
)

type fakeTransport struct {
	mu      sync.Mutex
	writes  []model.UpstreamRequest
	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) WriteJSON(v any) error {
	req, ok := v.(model.UpstreamRequest)
	if !ok {
		return fmt.Errorf("unexpected write payload %T", v)
	}
	t.mu.Lock()
	t.writes = append(t.writes, req)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.done:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) Ping() error { return nil }

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) push(tb testing.TB, v any) {
	raw, err := json.Marshal(v)
	require.NoError(tb, err)
	t.inbound <- raw
}

func (t *fakeTransport) requests() []model.UpstreamRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.UpstreamRequest, len(t.writes))
	copy(out, t.writes)
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	failBudget int // dials to fail before succeeding again
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failBudget > 0 {
		d.failBudget--
		return nil, errors.New("dial refused")
	}
	tr := newFakeTransport()
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	d.failBudget = n
	d.mu.Unlock()
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type recListener struct {
	mu    sync.Mutex
	ticks []model.PriceTick
}

func (l *recListener) OnTick(tick model.PriceTick) {
	l.mu.Lock()
	l.ticks = append(l.ticks, tick)
	l.mu.Unlock()
}

func (l *recListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ticks)
}

type panicListener struct{}

func (panicListener) OnTick(model.PriceTick) { panic("boom") }

func newTestConnection(d Dialer) *Connection {
	return NewConnection(Options{
		WSURL:       "ws://upstream.test/ws",
		HTTPURL:     "http://upstream.test",
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		MaxAttempts: 5,
		PingPeriod:  time.Hour, // keep the ping loop quiet in tests
		Dialer:      d,
	})
}

func tickMessage(id, mantissa string, expo int32) model.UpstreamMessage {
	return model.UpstreamMessage{
		Type: model.MsgTypePriceUpdate,
		PriceFeed: &model.UpstreamPriceFeed{
			ID: id,
			Price: model.UpstreamPrice{
				Price: mantissa, Conf: "1", Expo: expo, PublishTime: 1724572800,
			},
		},
	}
}

func TestConnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, Connected, c.State())
}

func TestConnectFailsWithoutRetry(t *testing.T) {
	d := &fakeDialer{}
	d.failNext(1)
	c := newTestConnection(d)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrConnection, apperrors.Code(err))
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 1, d.dialCount())
}

func TestRegisterCallbackSubscribesOnce(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	tr := d.latest()

	l1 := &recListener{}
	l2 := &recListener{}
	c.RegisterCallback("0xABC", l1)
	c.RegisterCallback("abc", l1) // same listener, same identifier: no-op
	c.RegisterCallback("ABC", l2) // second listener: no new upstream frame

	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.MsgTypeSubscribe, reqs[0].Type)
	assert.Equal(t, []string{"abc"}, reqs[0].IDs)
}

func TestUnregisterLastListenerUnsubscribes(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	tr := d.latest()

	l1 := &recListener{}
	l2 := &recListener{}
	c.RegisterCallback("0xABC", l1)
	c.RegisterCallback("0xABC", l2)

	c.UnregisterCallback("abc", l1)
	require.Len(t, tr.requests(), 1) // still one listener left

	c.UnregisterCallback("0xAbC", l2)
	reqs := tr.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, model.MsgTypeUnsubscribe, reqs[1].Type)
	assert.Equal(t, []string{"abc"}, reqs[1].IDs)

	// Unregistering a listener that is gone is a no-op.
	c.UnregisterCallback("abc", l2)
	assert.Len(t, tr.requests(), 2)
}

func TestQueuedSubscriptionsFlushedOnConnect(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	defer c.Close()

	c.RegisterCallback("0xABC", &recListener{})
	require.NoError(t, c.Connect(context.Background()))

	tr := d.latest()
	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.MsgTypeSubscribe, reqs[0].Type)
	assert.Equal(t, []string{"abc"}, reqs[0].IDs)
}

func TestDispatchFanOutOrderAndIsolation(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	tr := d.latest()

	var mu sync.Mutex
	var order []string
	first := &orderListener{name: "first", mu: &mu, order: &order}
	second := &orderListener{name: "second", mu: &mu, order: &order}

	c.RegisterCallback("abc", first)
	c.RegisterCallback("abc", panicListener{}) // must not break the others
	c.RegisterCallback("abc", second)

	tr.push(t, tickMessage("0xABC", "100", 0))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()
	assert.Equal(t, Connected, c.State())
}

// orderListener records its name into a shared slice, preserving
// dispatch order across listeners.
type orderListener struct {
	name  string
	mu    *sync.Mutex
	order *[]string
}

func (l *orderListener) OnTick(model.PriceTick) {
	l.mu.Lock()
	*l.order = append(*l.order, l.name)
	l.mu.Unlock()
}

func TestDispatchSkipsRemovedListener(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	tr := d.latest()

	kept := &recListener{}
	removed := &recListener{}
	c.RegisterCallback("abc", kept)
	c.RegisterCallback("abc", removed)
	c.UnregisterCallback("abc", removed)

	tr.push(t, tickMessage("abc", "100", 0))

	require.Eventually(t, func() bool { return kept.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, removed.count())
}

func TestMalformedUpstreamMessageDropped(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	tr := d.latest()

	l := &recListener{}
	c.RegisterCallback("abc", l)

	tr.inbound <- []byte("{{{not json")
	tr.push(t, tickMessage("ABC", "42", 0))

	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, "42", l.ticks[0].Price)
	assert.Equal(t, "abc", l.ticks[0].ID)
}

func TestReconnectResubscribesActiveIdentifiers(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	first := d.latest()

	l := &recListener{}
	c.RegisterCallback("0xABC", l)
	c.RegisterCallback("0xDEF", l)

	d.failNext(2)  // two failed attempts before the dial succeeds
	first.Close()  // drop the socket

	require.Eventually(t, func() bool {
		return c.State() == Connected && d.latest() != first
	}, time.Second, time.Millisecond)
	assert.Equal(t, 4, d.dialCount()) // initial + 2 failures + success

	second := d.latest()
	require.Eventually(t, func() bool { return len(second.requests()) == 1 }, time.Second, time.Millisecond)
	reqs := second.requests()
	assert.Equal(t, model.MsgTypeSubscribe, reqs[0].Type)
	assert.ElementsMatch(t, []string{"abc", "def"}, reqs[0].IDs)

	// Ticks resume flowing to the original listeners without re-registration.
	second.push(t, tickMessage("abc", "7", 0))
	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, time.Millisecond)
}

func TestRegistrationDuringReconnectSurvives(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	first := d.latest()

	c.RegisterCallback("abc", &recListener{})

	d.failNext(3)
	first.Close()

	// Registered while the connection is down: queued, not dropped.
	late := &recListener{}
	c.RegisterCallback("0xDEF", late)

	require.Eventually(t, func() bool {
		return c.State() == Connected && d.latest() != first
	}, time.Second, time.Millisecond)
	second := d.latest()
	require.Eventually(t, func() bool { return len(second.requests()) == 1 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []string{"abc", "def"}, second.requests()[0].IDs)
}

func TestReconnectExhaustionDegradesToDisconnected(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	c.RegisterCallback("abc", &recListener{})

	d.failNext(100) // more than MaxAttempts
	d.latest().Close()

	require.Eventually(t, func() bool { return c.State() == Disconnected }, time.Second, time.Millisecond)
	assert.Equal(t, 1+5, d.dialCount()) // initial dial + MaxAttempts

	// An explicit Connect resumes service and flushes the queued identifier.
	d.failNext(0)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Connected, c.State())
	tr := d.latest()
	require.Len(t, tr.requests(), 1)
	assert.Equal(t, []string{"abc"}, tr.requests()[0].IDs)
}

func TestCloseClearsBookkeeping(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(d)
	require.NoError(t, c.Connect(context.Background()))

	c.RegisterCallback("abc", &recListener{})
	c.Close()
	assert.Equal(t, Disconnected, c.State())

	// A fresh Connect must not resubscribe forgotten identifiers.
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	assert.Empty(t, d.latest().requests())
}

func TestGetSnapshotFetchesAndNormalizes(t *testing.T) {
	var gotIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIDs = r.URL.Query()["ids[]"]
		json.NewEncoder(w).Encode([]model.UpstreamPriceFeed{
			{
				ID:    "0xABC",
				Price: model.UpstreamPrice{Price: "6500000000000", Conf: "3", Expo: -2, PublishTime: 1724572800},
			},
		})
	}))
	defer srv.Close()

	c := NewConnection(Options{
		WSURL:   "ws://unused",
		HTTPURL: srv.URL,
		Dialer:  &fakeDialer{},
	})

	ticks, err := c.GetSnapshot(context.Background(), []string{"0xABC"})
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "abc", ticks[0].ID)
	assert.Equal(t, "6500000000000", ticks[0].Price)
	assert.Equal(t, []string{"abc"}, gotIDs) // query uses normalized identifiers
}

type mapCache struct {
	mu    sync.Mutex
	ticks map[string]model.PriceTick
}

func (c *mapCache) Set(_ context.Context, tick model.PriceTick) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticks == nil {
		c.ticks = make(map[string]model.PriceTick)
	}
	c.ticks[tick.ID] = tick
	return nil
}

func (c *mapCache) Get(_ context.Context, id string) (model.PriceTick, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tick, ok := c.ticks[id]
	return tick, ok, nil
}

func TestGetSnapshotFallsBackToCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cache := &mapCache{}
	require.NoError(t, cache.Set(context.Background(), model.PriceTick{ID: "abc", Price: "99", Expo: 0}))

	c := NewConnection(Options{
		WSURL:   "ws://unused",
		HTTPURL: srv.URL,
		Dialer:  &fakeDialer{},
		Cache:   cache,
	})

	ticks, err := c.GetSnapshot(context.Background(), []string{"0xABC"})
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "99", ticks[0].Price)

	// An identifier missing from the cache fails the whole request.
	_, err = c.GetSnapshot(context.Background(), []string{"0xABC", "0xDEF"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSnapshotFailed, apperrors.Code(err))
}
