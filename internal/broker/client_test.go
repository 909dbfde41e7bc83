package broker

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/ticks"
)

type staticTokenSource struct{ token string }

func (s staticTokenSource) Token(ctx context.Context) (string, error) { return s.token, nil }

func newTestAdapter() *Adapter {
	log := zerolog.Nop()
	store := instruments.New()
	_ = store.Load([]domain.Instrument{{
		InstrumentKey: "NSE_EQ|INE002A01018",
		TradingSymbol: "RELIANCE",
		TickSize:      0.05,
		LotSize:       1,
	}})
	bus := ticks.New(log, 0)
	eventBus := events.NewBus(log)
	return NewAdapter("wss://example.invalid/feed", staticTokenSource{token: "tok"}, store, bus, eventBus, log)
}

func TestSubscribeDeduplicatesReferenceCounts(t *testing.T) {
	a := newTestAdapter()

	require.NoError(t, a.Subscribe([]string{"KEY_A", "KEY_B"}))
	require.NoError(t, a.Subscribe([]string{"KEY_A"}))

	a.subMu.Lock()
	assert.Equal(t, 2, a.subRefCount["KEY_A"])
	assert.Equal(t, 1, a.subRefCount["KEY_B"])
	a.subMu.Unlock()
}

func TestUnsubscribeOnlyRemovesAtZeroRefCount(t *testing.T) {
	a := newTestAdapter()

	require.NoError(t, a.Subscribe([]string{"KEY_A", "KEY_A"}))
	require.NoError(t, a.Unsubscribe([]string{"KEY_A"}))

	a.subMu.Lock()
	_, stillPresent := a.subRefCount["KEY_A"]
	assert.True(t, stillPresent)
	assert.Equal(t, 1, a.subRefCount["KEY_A"])
	a.subMu.Unlock()

	require.NoError(t, a.Unsubscribe([]string{"KEY_A"}))
	a.subMu.Lock()
	_, stillPresent = a.subRefCount["KEY_A"]
	assert.False(t, stillPresent)
	a.subMu.Unlock()
}

func TestHandleFrameResolvesKnownInstrumentAndPublishes(t *testing.T) {
	a := newTestAdapter()

	frame := encodeRecord("INE002A01018", "NSE", 2456.75, 2430.10, 1000, 1700000000)
	require.NoError(t, a.handleFrame(frame))

	tick, ok := a.bus.Latest("NSE_EQ|INE002A01018")
	require.True(t, ok)
	assert.InDelta(t, 2456.75, tick.Price, 0.0001)
	assert.Equal(t, "RELIANCE", tick.Symbol)
}

func TestHandleFrameCountsUnresolvedInstrumentsWithoutError(t *testing.T) {
	a := newTestAdapter()

	frame := encodeRecord("UNKNOWN_ISIN", "NSE", 100, 99, 10, 1)
	require.NoError(t, a.handleFrame(frame))

	assert.Equal(t, uint64(1), a.unresolved)
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	d := backoff(20)
	assert.LessOrEqual(t, d, maxReconnectDelay+maxReconnectDelay/5)
}

func TestStateTransitionsEmitEvent(t *testing.T) {
	a := newTestAdapter()

	var gotEvent bool
	a.eventBus.Subscribe(events.BrokerSessionState, func(e *events.Event) {
		gotEvent = true
	})

	a.setState(Connecting)
	assert.True(t, gotEvent)
	assert.Equal(t, Connecting, a.State())
}
