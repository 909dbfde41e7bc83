package pricing

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/feedhealth"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/ticks"
)

func newTestOracle(paperTrading bool) (*Oracle, *ticks.Bus, *instruments.Store) {
	log := zerolog.Nop()
	bus := ticks.New(log, 0)
	store := instruments.New()
	_ = store.Load([]domain.Instrument{{
		InstrumentKey: "X",
		TradingSymbol: "X",
		TickSize:      0.05,
		LotSize:       1,
		PrevClose:     250,
	}})
	eventBus := events.NewBus(log)
	fh := feedhealth.New(log, bus, eventBus, 5*time.Second, 1, 1)
	oracle := New(bus, fh, store, 5*time.Second, paperTrading)
	return oracle, bus, store
}

func TestBestPricePrefersFreshTick(t *testing.T) {
	oracle, bus, _ := newTestOracle(false)
	bus.Publish(domain.NormalizedTick{InstrumentKey: "X", Price: 260, Timestamp: time.Now()})

	price, err := oracle.BestPrice("X")
	require.NoError(t, err)
	assert.Equal(t, 260.0, price)
}

func TestBestPriceFallsBackToPrevCloseWhenNoTick(t *testing.T) {
	oracle, _, _ := newTestOracle(false)

	price, err := oracle.BestPrice("X")
	require.NoError(t, err)
	assert.Equal(t, 250.0, price)
}

func TestBestPriceFailsWithoutPaperTradingOrPrevClose(t *testing.T) {
	oracle, _, store := newTestOracle(false)
	_ = store.Load([]domain.Instrument{{
		InstrumentKey: "Y",
		TradingSymbol: "Y",
		TickSize:      0.05,
		LotSize:       1,
	}})

	_, err := oracle.BestPrice("Y")
	assert.Error(t, err)
}

func TestBestPriceSimulatesWhenPaperTradingAndNoOtherSource(t *testing.T) {
	oracle, _, store := newTestOracle(true)
	_ = store.Load([]domain.Instrument{{
		InstrumentKey: "Y",
		TradingSymbol: "Y",
		TickSize:      0.05,
		LotSize:       1,
	}})

	price, err := oracle.BestPrice("Y")
	require.NoError(t, err)
	assert.Greater(t, price, 0.0)
}

func TestSimulateIsStatefulAcrossCalls(t *testing.T) {
	oracle, _, _ := newTestOracle(true)

	first, ok := oracle.simulate("X")
	require.True(t, ok)
	second, ok := oracle.simulate("X")
	require.True(t, ok)

	assert.NotEqual(t, first, second)
}

func TestResetClearsWalkState(t *testing.T) {
	oracle, _, _ := newTestOracle(true)
	oracle.simulate("X")

	oracle.Reset("X")

	oracle.mu.Lock()
	_, exists := oracle.walks["X"]
	oracle.mu.Unlock()
	assert.False(t, exists)
}
