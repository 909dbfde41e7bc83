package di

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrader/core/internal/config"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/execution"
)

// newTestApp wires a full App against a scratch data directory with the
// broker URL pointed at an address nothing listens on, so the adapter fails
// its initial dial immediately and falls back to its reconnect loop instead
// of reaching the real upstream feed.
func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.Port = 0
	cfg.BrokerWSURL = "ws://127.0.0.1:1/"
	cfg.LogLevel = "error"

	app, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(app.Shutdown)

	return app
}

func TestWireBuildsGraphWithoutStartingLoops(t *testing.T) {
	app := newTestApp(t)

	assert.NotNil(t, app.TickBus)
	assert.NotNil(t, app.Instruments)
	assert.NotNil(t, app.Execution)
	assert.NotNil(t, app.Scheduler)
	assert.NotNil(t, app.Server)
}

func TestStartLaunchesBackgroundLoopsWithoutPanicking(t *testing.T) {
	app := newTestApp(t)

	app.Start()
	time.Sleep(20 * time.Millisecond)

	// Shutdown runs once via t.Cleanup when the test returns.
}

func TestWiredAppAcceptsAnOrderEndToEnd(t *testing.T) {
	app := newTestApp(t)
	app.Start()

	require.NoError(t, app.Instruments.Load([]domain.Instrument{
		{InstrumentKey: "NSE_EQ|SMOKE", TradingSymbol: "SMOKE", InstrumentType: domain.Equity, TickSize: 0.05, LotSize: 1, PrevClose: 250},
	}))
	require.NoError(t, app.Wallet.EnsureBootstrapped("user-smoke", decimal.NewFromInt(1000000)))

	order, err := app.Execution.Submit(execution.SubmitRequest{
		UserID: "user-smoke", InstrumentKey: "NSE_EQ|SMOKE", Side: domain.Buy,
		Quantity: decimal.NewFromInt(5), OrderType: domain.Market,
		IdempotencyKey: "idem-smoke-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Accepted, order.Status)
}
