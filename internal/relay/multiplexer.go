// Package relay fans upstream ticks out to downstream consumers while
// keeping at most one upstream subscription per feed identifier.
package relay

import (
	"context"
	"sync"

	"github.com/feedmux/pricerelay/internal/feed"
	"github.com/feedmux/pricerelay/internal/model"
	"github.com/feedmux/pricerelay/internal/pkg/apperrors"
	"github.com/feedmux/pricerelay/internal/pkg/logger"
	"github.com/feedmux/pricerelay/internal/pkg/metrics"
)

// Feed is the upstream connection surface the multiplexer depends on.
type Feed interface {
	RegisterCallback(id string, l feed.Listener)
	UnregisterCallback(id string, l feed.Listener)
	GetSnapshot(ctx context.Context, ids []string) ([]model.PriceTick, error)
}

// Registry resolves instrument names to feed identifiers.
type Registry interface {
	Lookup(name string) (string, bool)
	List() []string
}

// Consumer receives ticks for an instrument it subscribed to. Consumers are
// tracked by reference identity; subscribing the same consumer to the same
// instrument twice is a no-op.
type Consumer interface {
	HandleTick(tick model.PriceTick)
}

// Multiplexer owns the reference counting between downstream consumers and
// upstream per-identifier subscriptions: the first consumer for an identifier
// registers exactly one internal dispatcher with the feed, the last consumer
// leaving unregisters it.
type Multiplexer struct {
	feed Feed
	reg  Registry

	mu      sync.Mutex
	entries map[string]*dispatcher // normalized feed identifier -> dispatcher
}

func NewMultiplexer(f Feed, reg Registry) *Multiplexer {
	return &Multiplexer{
		feed:    f,
		reg:     reg,
		entries: make(map[string]*dispatcher),
	}
}

// dispatcher is the single feed listener for one identifier. It owns the
// consumer set and re-fans each upstream tick to every consumer.
type dispatcher struct {
	mux       *Multiplexer
	id        string
	consumers []Consumer // in subscription order
}

func (d *dispatcher) OnTick(tick model.PriceTick) {
	d.mux.mu.Lock()
	snapshot := make([]Consumer, len(d.consumers))
	copy(snapshot, d.consumers)
	d.mux.mu.Unlock()

	for _, c := range snapshot {
		deliver(c, tick)
	}
}

func deliver(c Consumer, tick model.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackErrors.Inc()
			logger.Error("consumer panicked during fan-out", "id", tick.ID, "panic", r)
		}
	}()
	c.HandleTick(tick)
}

// Subscribe attaches consumer to instrument pair. The returned handle removes
// this one consumer; invoking it more than once is a no-op.
func (m *Multiplexer) Subscribe(pair string, c Consumer) (func(), error) {
	id, ok := m.reg.Lookup(pair)
	if !ok {
		return nil, apperrors.NewUnknownInstrument(pair)
	}
	nid := feed.Normalize(id)

	m.mu.Lock()
	d := m.entries[nid]
	register := false
	if d == nil {
		d = &dispatcher{mux: m, id: nid}
		m.entries[nid] = d
		register = true
	}
	dup := false
	for _, existing := range d.consumers {
		if existing == c {
			dup = true
			break
		}
	}
	if !dup {
		d.consumers = append(d.consumers, c)
	}
	m.mu.Unlock()

	if register {
		m.feed.RegisterCallback(nid, d)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.remove(nid, c)
		})
	}, nil
}

func (m *Multiplexer) remove(nid string, c Consumer) {
	m.mu.Lock()
	d := m.entries[nid]
	if d == nil {
		m.mu.Unlock()
		return
	}
	idx := -1
	for i, existing := range d.consumers {
		if existing == c {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return
	}
	d.consumers = append(d.consumers[:idx], d.consumers[idx+1:]...)
	unregister := len(d.consumers) == 0
	if unregister {
		delete(m.entries, nid)
	}
	m.mu.Unlock()

	if unregister {
		m.feed.UnregisterCallback(nid, d)
	}
}

// GetCurrentPrice fetches a one-shot price for pair. It neither requires nor
// creates a subscription.
func (m *Multiplexer) GetCurrentPrice(ctx context.Context, pair string) (model.PriceTick, error) {
	id, ok := m.reg.Lookup(pair)
	if !ok {
		return model.PriceTick{}, apperrors.NewUnknownInstrument(pair)
	}
	nid := feed.Normalize(id)

	ticks, err := m.feed.GetSnapshot(ctx, []string{nid})
	if err != nil {
		return model.PriceTick{}, err
	}
	for _, t := range ticks {
		if t.ID == nid {
			return t, nil
		}
	}
	return model.PriceTick{}, apperrors.New(apperrors.ErrSnapshotFailed, "no price in snapshot for "+pair, nil)
}

// ConsumerCount reports the number of consumers for pair. Zero when nothing
// is subscribed or the pair is unknown.
func (m *Multiplexer) ConsumerCount(pair string) int {
	id, ok := m.reg.Lookup(pair)
	if !ok {
		return 0
	}
	nid := feed.Normalize(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.entries[nid]; d != nil {
		return len(d.consumers)
	}
	return 0
}
