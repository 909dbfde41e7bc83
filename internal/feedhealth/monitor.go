// Package feedhealth implements the Feed Health Monitor: a 1s-evaluated
// verdict over websocket connectivity, tick recency, and tick rate, plus a
// last-known-price lookup other components fall back to.
package feedhealth

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/papertrader/core/internal/broker"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/ticks"
)

const evaluationInterval = 1 * time.Second

type lastSeen struct {
	price     float64
	timestamp time.Time
}

// Monitor tracks feed liveness across all subscribed instruments.
type Monitor struct {
	log        zerolog.Logger
	bus        *ticks.Bus
	eventBus   *events.Bus
	maxAge     time.Duration
	minRate    float64
	minActive  int

	connected atomic.Bool

	mu          sync.RWMutex
	lastSeenMap map[string]lastSeen
	tickWindow  []time.Time // timestamps of ticks observed in the last evaluation window
	subscribed  map[string]struct{}

	sessionMu sync.RWMutex
	session   broker.SessionState

	healthyMu sync.RWMutex
	healthy   bool

	unsubTick func()
	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   bool
}

// New builds a Feed Health Monitor. maxAge is FEED_MAX_TICK_AGE_MS, minRate
// is FEED_MIN_TICK_RATE (ticks/sec), minActive is FEED_MIN_ACTIVE_TOKENS.
func New(log zerolog.Logger, bus *ticks.Bus, eventBus *events.Bus, maxAge time.Duration, minRate float64, minActive int) *Monitor {
	return &Monitor{
		log:         log.With().Str("component", "feedhealth.Monitor").Logger(),
		bus:         bus,
		eventBus:    eventBus,
		maxAge:      maxAge,
		minRate:     minRate,
		minActive:   minActive,
		lastSeenMap: make(map[string]lastSeen),
		subscribed:  make(map[string]struct{}),
		session:     broker.Disconnected,
		stopCh:      make(chan struct{}),
	}
}

// Start subscribes to the Tick Bus and launches the 1s evaluation loop.
func (m *Monitor) Start() {
	if m.started {
		return
	}
	m.started = true
	m.unsubTick = m.bus.Subscribe(m.onTick)
	m.wg.Add(1)
	go m.evaluateLoop()
}

// Stop halts the evaluation loop and unsubscribes from the Tick Bus.
func (m *Monitor) Stop() {
	if !m.started {
		return
	}
	if m.unsubTick != nil {
		m.unsubTick()
	}
	close(m.stopCh)
	m.wg.Wait()
}

// SetWebsocketConnected records whether the broker websocket is connected.
// The composition root calls it, with SetSessionState, on every broker
// session state transition the adapter emits.
func (m *Monitor) SetWebsocketConnected(connected bool) {
	m.connected.Store(connected)
}

// SetSessionState records the adapter's current session state; during
// EXPECTED_SILENCE the health verdict is forced healthy.
func (m *Monitor) SetSessionState(s broker.SessionState) {
	m.sessionMu.Lock()
	m.session = s
	m.sessionMu.Unlock()
}

// SetSubscribed replaces the set of instrument keys currently subscribed
// upstream, used to compute staleCount and subscribedCount.
func (m *Monitor) SetSubscribed(keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m.subscribed[k] = struct{}{}
	}
}

func (m *Monitor) onTick(tick domain.NormalizedTick) {
	now := time.Now()

	m.mu.Lock()
	m.lastSeenMap[tick.InstrumentKey] = lastSeen{price: tick.Price, timestamp: now}
	m.tickWindow = append(m.tickWindow, now)
	m.mu.Unlock()
}

// LastPrice returns the last observed price for an instrument if it is no
// older than maxAge.
func (m *Monitor) LastPrice(instrumentKey string, maxAge time.Duration) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ls, ok := m.lastSeenMap[instrumentKey]
	if !ok {
		return 0, false
	}
	if time.Since(ls.timestamp) > maxAge {
		return 0, false
	}
	return ls.price, true
}

// Healthy returns the most recently computed verdict.
func (m *Monitor) Healthy() bool {
	m.healthyMu.RLock()
	defer m.healthyMu.RUnlock()
	return m.healthy
}

func (m *Monitor) evaluateLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(evaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evaluate()
		}
	}
}

func (m *Monitor) evaluate() {
	m.sessionMu.RLock()
	session := m.session
	m.sessionMu.RUnlock()

	if session == broker.ExpectedSilence {
		m.setHealthy(true)
		return
	}

	now := time.Now()

	m.mu.Lock()
	cutoff := now.Add(-evaluationInterval)
	windowCount := 0
	trimmed := m.tickWindow[:0]
	for _, t := range m.tickWindow {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
			windowCount++
		}
	}
	m.tickWindow = trimmed

	subscribedCount := len(m.subscribed)
	staleCount := 0
	var globalAge time.Duration
	newest := time.Time{}
	for key := range m.subscribed {
		ls, ok := m.lastSeenMap[key]
		if !ok || now.Sub(ls.timestamp) > m.maxAge {
			staleCount++
			continue
		}
		if ls.timestamp.After(newest) {
			newest = ls.timestamp
		}
	}
	if !newest.IsZero() {
		globalAge = now.Sub(newest)
	} else {
		globalAge = m.maxAge + 1 // force stale if nothing has ever arrived
	}
	m.mu.Unlock()

	rate := float64(windowCount) / evaluationInterval.Seconds()

	healthy := m.connected.Load() &&
		globalAge <= m.maxAge &&
		(subscribedCount < m.minActive || rate >= m.minRate) &&
		(subscribedCount == 0 || staleCount < subscribedCount)

	m.setHealthy(healthy)
}

func (m *Monitor) setHealthy(healthy bool) {
	m.healthyMu.Lock()
	prev := m.healthy
	m.healthy = healthy
	m.healthyMu.Unlock()

	if prev != healthy {
		m.log.Info().Bool("healthy", healthy).Msg("feed health verdict changed")
		m.eventBus.Emit(events.FeedHealthChanged, "feedhealth.Monitor", map[string]any{"healthy": healthy})
	}
}
