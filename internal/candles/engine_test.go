package candles

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/ticks"
)

func newTestEngine() (*Engine, *ticks.Bus) {
	log := zerolog.Nop()
	bus := ticks.New(log, 0)
	engine := New(log, bus, []time.Duration{time.Minute})
	return engine, bus
}

func tickAt(instrumentKey string, price float64, volume int64, unixSec int64) domain.NormalizedTick {
	return domain.NormalizedTick{
		InstrumentKey: instrumentKey,
		Price:         price,
		Volume:        volume,
		Timestamp:     time.Unix(unixSec, 0),
	}
}

func TestFirstTickOpensNewCandle(t *testing.T) {
	engine, _ := newTestEngine()

	var updates []CandleUpdate
	engine.Subscribe(func(u CandleUpdate) { updates = append(updates, u) })

	engine.onTick(tickAt("X", 100, 10, 60))

	require.Len(t, updates, 1)
	assert.Equal(t, New, updates[0].Kind)
	c := updates[0].Candle
	assert.Equal(t, int64(60), c.OpenTime)
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 100.0, c.High)
	assert.Equal(t, 100.0, c.Low)
	assert.Equal(t, 100.0, c.Close)
	assert.Equal(t, int64(0), c.Volume)
}

func TestSameBucketTicksUpdateHighLowCloseVolume(t *testing.T) {
	engine, _ := newTestEngine()

	var updates []CandleUpdate
	engine.Subscribe(func(u CandleUpdate) { updates = append(updates, u) })

	engine.onTick(tickAt("X", 100, 10, 60))
	engine.onTick(tickAt("X", 105, 5, 65))
	engine.onTick(tickAt("X", 95, 7, 90))

	require.Len(t, updates, 3)
	last := updates[2].Candle
	assert.Equal(t, Update, updates[2].Kind)
	assert.Equal(t, 100.0, last.Open)
	assert.Equal(t, 105.0, last.High)
	assert.Equal(t, 95.0, last.Low)
	assert.Equal(t, 95.0, last.Close)
	assert.Equal(t, int64(12), last.Volume)
}

func TestNewBucketEmitsNewCandleWithStrictlyIncreasingOpenTime(t *testing.T) {
	engine, _ := newTestEngine()

	var opens []int64
	engine.Subscribe(func(u CandleUpdate) {
		if u.Kind == New {
			opens = append(opens, u.Candle.OpenTime)
		}
	})

	engine.onTick(tickAt("X", 100, 1, 60))
	engine.onTick(tickAt("X", 101, 1, 130))

	require.Len(t, opens, 2)
	assert.Less(t, opens[0], opens[1])
	assert.Equal(t, int64(60), opens[0])
	assert.Equal(t, int64(120), opens[1])
}

func TestStaleTickOlderThanCurrentBucketIsDiscarded(t *testing.T) {
	engine, _ := newTestEngine()

	var updates []CandleUpdate
	engine.onTick(tickAt("X", 100, 1, 130)) // opens bucket at 120
	engine.Subscribe(func(u CandleUpdate) { updates = append(updates, u) })

	engine.onTick(tickAt("X", 999, 1, 65)) // stale: belongs to bucket 60 < 120

	assert.Empty(t, updates)
	current, ok := engine.Current("X", time.Minute)
	require.True(t, ok)
	assert.Equal(t, 100.0, current.Close)
}

func TestResetClearsPerInstrumentState(t *testing.T) {
	engine, _ := newTestEngine()
	engine.onTick(tickAt("X", 100, 1, 60))

	_, ok := engine.Current("X", time.Minute)
	require.True(t, ok)

	engine.Reset("X", nil)

	_, ok = engine.Current("X", time.Minute)
	assert.False(t, ok)
}

func TestDistinctInstrumentsDoNotShareState(t *testing.T) {
	engine, _ := newTestEngine()

	engine.onTick(tickAt("X", 100, 1, 60))
	engine.onTick(tickAt("Y", 200, 1, 60))

	cx, _ := engine.Current("X", time.Minute)
	cy, _ := engine.Current("Y", time.Minute)
	assert.Equal(t, 100.0, cx.Close)
	assert.Equal(t, 200.0, cy.Close)
}
