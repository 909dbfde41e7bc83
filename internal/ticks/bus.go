// Package ticks implements the Tick Bus: a single-writer, multi-subscriber
// broadcaster that fans normalized ticks out to every consumer (candles,
// fills, MTM, SSE, feed health) with per-instrument coalescing between
// flushes so a burst on one instrument cannot starve delivery to others.
package ticks

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/papertrader/core/internal/domain"
)

// Handler receives a flushed batch of the latest tick per instrument.
type Handler func(domain.NormalizedTick)

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	TotalPublished  uint64
	PerInstrument   map[string]uint64
	SubscriberCount int
}

// Bus is the process-wide Tick Bus singleton.
type Bus struct {
	log zerolog.Logger

	mu            sync.Mutex
	latest        map[string]domain.NormalizedTick // copy-on-write snapshot
	pendingKeys   map[string]struct{}              // instruments touched since last flush
	perInstrument map[string]uint64
	total         uint64

	subMu      sync.RWMutex
	subscribed []Handler

	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	started       bool
}

// New creates a Tick Bus. flushInterval bounds how long a published tick can
// wait before subscribers observe it; the spec's SSE layer expects 25ms.
func New(log zerolog.Logger, flushInterval time.Duration) *Bus {
	if flushInterval <= 0 {
		flushInterval = 25 * time.Millisecond
	}
	return &Bus{
		log:           log.With().Str("component", "ticks.Bus").Logger(),
		latest:        make(map[string]domain.NormalizedTick),
		pendingKeys:   make(map[string]struct{}),
		perInstrument: make(map[string]uint64),
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background flush loop. Idempotent.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.flushLoop()
}

// Stop drains the final pending batch and halts the flush loop. Satisfies
// the cooperative-shutdown sequence's "drain the Tick Bus" step.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Publish is non-blocking. It updates the latest-by-instrument map and
// marks the instrument dirty for the next flush; concurrent publishes for
// the same instrument coalesce to "latest wins".
func (b *Bus) Publish(tick domain.NormalizedTick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[tick.InstrumentKey] = tick
	b.pendingKeys[tick.InstrumentKey] = struct{}{}
	b.perInstrument[tick.InstrumentKey]++
	b.total++
}

// Subscribe registers a handler that receives every flushed tick. Returns
// an unsubscribe function.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.subscribed = append(b.subscribed, h)
	idx := len(b.subscribed) - 1

	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		if idx < 0 || idx >= len(b.subscribed) {
			return
		}
		b.subscribed = append(b.subscribed[:idx], b.subscribed[idx+1:]...)
	}
}

// Latest returns the most recently published tick for an instrument.
func (b *Bus) Latest(instrumentKey string) (domain.NormalizedTick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.latest[instrumentKey]
	return t, ok
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	perInstrument := make(map[string]uint64, len(b.perInstrument))
	for k, v := range b.perInstrument {
		perInstrument[k] = v
	}
	total := b.total
	b.mu.Unlock()

	b.subMu.RLock()
	subCount := len(b.subscribed)
	b.subMu.RUnlock()

	return Stats{TotalPublished: total, PerInstrument: perInstrument, SubscriberCount: subCount}
}

// Reset clears all bus state. Used by tests and account resets.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.latest = make(map[string]domain.NormalizedTick)
	b.pendingKeys = make(map[string]struct{})
	b.perInstrument = make(map[string]uint64)
	b.total = 0
	b.mu.Unlock()
}

func (b *Bus) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

// flush delivers the current latest-tick snapshot to every subscriber,
// exactly once per dirty instrument, in unspecified cross-instrument order
// but always the single freshest value per instrument key.
func (b *Bus) flush() {
	b.mu.Lock()
	if len(b.pendingKeys) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([]domain.NormalizedTick, 0, len(b.pendingKeys))
	for key := range b.pendingKeys {
		batch = append(batch, b.latest[key])
	}
	b.pendingKeys = make(map[string]struct{})
	b.mu.Unlock()

	b.subMu.RLock()
	handlers := append([]Handler(nil), b.subscribed...)
	b.subMu.RUnlock()

	for _, tick := range batch {
		for _, h := range handlers {
			b.dispatch(h, tick)
		}
	}
}

func (b *Bus) dispatch(h Handler, tick domain.NormalizedTick) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("instrument_key", tick.InstrumentKey).Msg("tick handler panicked, isolating")
		}
	}()
	h(tick)
}
