// Package candles implements the Candle Engine: a stateless-per-key,
// per-(instrumentKey, interval) OHLCV aggregator fed by the Tick Bus.
package candles

import (
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/ticks"
)

// Candle is one OHLCV bar for an instrument at a given interval.
type Candle struct {
	InstrumentKey string
	Interval      time.Duration
	OpenTime      int64 // interval-aligned unix seconds
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        int64
	// SMA is an auxiliary rolling simple moving average over recent closes,
	// computed alongside the bar as a chart-consumer convenience. Nil until
	// enough closes have accumulated for the configured period.
	SMA *float64
}

// UpdateKind distinguishes a brand new bucket from a revision of the
// in-progress one.
type UpdateKind string

const (
	New    UpdateKind = "new"
	Update UpdateKind = "update"
)

// CandleUpdate is delivered to subscribers on every tick that advances or
// revises a candle.
type CandleUpdate struct {
	Kind   UpdateKind
	Candle Candle
}

// Listener receives candle updates.
type Listener func(CandleUpdate)

const smaLookback = 14

type key struct {
	instrumentKey string
	interval      time.Duration
}

type series struct {
	current    Candle
	hasCurrent bool
	lastBucket int64
	closes     []float64
}

// Engine owns one aggregator per (instrumentKey, interval) pair, subscribed
// to a single Tick Bus.
type Engine struct {
	log zerolog.Logger
	bus *ticks.Bus

	mu        sync.Mutex
	intervals []time.Duration
	series    map[key]*series

	subMu      sync.RWMutex
	listeners  []Listener
	unsubTick  func()
}

// New builds a Candle Engine that aggregates ticks into candles at each of
// the given intervals. Call Start to subscribe to the Tick Bus.
func New(log zerolog.Logger, bus *ticks.Bus, intervals []time.Duration) *Engine {
	return &Engine{
		log:       log.With().Str("component", "candles.Engine").Logger(),
		bus:       bus,
		intervals: intervals,
		series:    make(map[key]*series),
	}
}

// Start subscribes the engine to the Tick Bus.
func (e *Engine) Start() {
	e.unsubTick = e.bus.Subscribe(e.onTick)
}

// Stop unsubscribes from the Tick Bus.
func (e *Engine) Stop() {
	if e.unsubTick != nil {
		e.unsubTick()
	}
}

// Subscribe registers a listener for candle updates across all instruments
// and intervals. Returns an unsubscribe function.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.listeners = append(e.listeners, l)
	idx := len(e.listeners) - 1
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if idx < 0 || idx >= len(e.listeners) {
			return
		}
		e.listeners = append(e.listeners[:idx], e.listeners[idx+1:]...)
	}
}

// Reset clears per-instrument or per-(instrument, interval) state, used when
// a client switches timeframe so stale buckets never leak across the swap.
func (e *Engine) Reset(instrumentKey string, interval *time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k := range e.series {
		if k.instrumentKey != instrumentKey {
			continue
		}
		if interval != nil && k.interval != *interval {
			continue
		}
		delete(e.series, k)
	}
}

// Current returns the in-progress candle for a key, if one exists.
func (e *Engine) Current(instrumentKey string, interval time.Duration) (Candle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.series[key{instrumentKey, interval}]
	if !ok || !s.hasCurrent {
		return Candle{}, false
	}
	return s.current, true
}

func (e *Engine) onTick(tick domain.NormalizedTick) {
	tickTime := tick.Timestamp.Unix()

	for _, interval := range e.intervals {
		e.aggregate(tick, tickTime, interval)
	}
}

func (e *Engine) aggregate(tick domain.NormalizedTick, tickTime int64, interval time.Duration) {
	intervalSec := int64(interval / time.Second)
	if intervalSec <= 0 {
		return
	}

	k := key{instrumentKey: tick.InstrumentKey, interval: interval}

	e.mu.Lock()
	s, ok := e.series[k]
	if !ok {
		s = &series{}
		e.series[k] = s
	}

	bucket := tickTime / intervalSec
	alignedTime := bucket * intervalSec

	var update CandleUpdate
	var publish bool

	switch {
	case !s.hasCurrent || bucket > s.lastBucket:
		if s.hasCurrent && bucket-s.lastBucket > 5 {
			e.log.Warn().
				Str("instrument_key", tick.InstrumentKey).
				Dur("interval", interval).
				Int64("gap_buckets", bucket-s.lastBucket).
				Msg("candle gap exceeds 5x interval, opening new bucket without backfill")
		}

		s.current = Candle{
			InstrumentKey: tick.InstrumentKey,
			Interval:      interval,
			OpenTime:      alignedTime,
			Open:          tick.Price,
			High:          tick.Price,
			Low:           tick.Price,
			Close:         tick.Price,
			Volume:        0,
		}
		s.hasCurrent = true
		s.lastBucket = bucket
		s.closes = appendClose(s.closes, tick.Price)
		s.current.SMA = rollingSMA(s.closes)

		update = CandleUpdate{Kind: New, Candle: s.current}
		publish = true

	case alignedTime < s.current.OpenTime:
		// stale tick older than the current open candle's bucket; discard.

	default:
		s.current.Close = tick.Price
		if tick.Price > s.current.High {
			s.current.High = tick.Price
		}
		if tick.Price < s.current.Low {
			s.current.Low = tick.Price
		}
		s.current.Volume += tick.Volume
		if len(s.closes) > 0 {
			s.closes[len(s.closes)-1] = tick.Price
		} else {
			s.closes = appendClose(s.closes, tick.Price)
		}
		s.current.SMA = rollingSMA(s.closes)

		update = CandleUpdate{Kind: Update, Candle: s.current}
		publish = true
	}
	e.mu.Unlock()

	if publish {
		e.broadcast(update)
	}
}

// appendClose appends a close and caps the backing slice so memory doesn't
// grow unbounded across a long-lived session.
func appendClose(closes []float64, price float64) []float64 {
	closes = append(closes, price)
	if len(closes) > smaLookback*4 {
		closes = append([]float64(nil), closes[len(closes)-smaLookback*2:]...)
	}
	return closes
}

// rollingSMA computes a trailing simple moving average over the last
// smaLookback closes using go-talib.
func rollingSMA(closes []float64) *float64 {
	if len(closes) < smaLookback {
		return nil
	}

	sma := talib.Sma(closes, smaLookback)
	if len(sma) == 0 {
		return nil
	}
	last := sma[len(sma)-1]
	if last != last { // NaN guard
		return nil
	}
	return &last
}

func (e *Engine) broadcast(update CandleUpdate) {
	e.subMu.RLock()
	listeners := append([]Listener(nil), e.listeners...)
	e.subMu.RUnlock()

	for _, l := range listeners {
		e.dispatch(l, update)
	}
}

func (e *Engine) dispatch(l Listener, update CandleUpdate) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("instrument_key", update.Candle.InstrumentKey).Msg("candle listener panicked, isolating")
		}
	}()
	l(update)
}
