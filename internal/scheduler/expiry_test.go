package scheduler

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrader/core/internal/database"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/execution"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/ledger"
	"github.com/papertrader/core/internal/wallet"
)

var memDBCounter int64

func newTestWallet(t *testing.T) (*wallet.Store, *database.DB) {
	t.Helper()
	n := atomic.AddInt64(&memDBCounter, 1)

	db, err := database.New(database.Config{
		Path: fmt.Sprintf("file:expirytest%d?mode=memory&cache=shared", n), Profile: database.ProfileStandard, Name: "ledger",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	l := ledger.New(zerolog.Nop(), events.NewBus(zerolog.Nop()))
	store := wallet.New(db.Conn(), zerolog.Nop(), l, events.NewBus(zerolog.Nop()), wallet.DefaultClassifier)

	_, err = db.Conn().Exec(`
		CREATE TABLE IF NOT EXISTS wallet_projections (
			user_id TEXT PRIMARY KEY, balance TEXT NOT NULL, blocked_balance TEXT NOT NULL, equity TEXT NOT NULL,
			unrealized_total TEXT NOT NULL, realized_total TEXT NOT NULL, fees_total TEXT NOT NULL,
			margin_status TEXT NOT NULL, updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS positions (
			user_id TEXT NOT NULL, instrument_key TEXT NOT NULL, signed_quantity TEXT NOT NULL,
			average_price TEXT NOT NULL, instrument_type TEXT NOT NULL, PRIMARY KEY (user_id, instrument_key)
		);
		CREATE INDEX IF NOT EXISTS idx_positions_instrument ON positions(instrument_key);
	`)
	require.NoError(t, err)

	return store, db
}

func seedPosition(t *testing.T, store *wallet.Store, db *database.DB, userID, instrumentKey string, qty, avg decimal.Decimal) {
	t.Helper()
	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := store.ApplyFill(tx, userID, instrumentKey, domain.Option, qty, avg)
		return err
	})
	require.NoError(t, err)
}

type fakeSubmitter struct {
	calls []execution.SubmitRequest
}

func (f *fakeSubmitter) Submit(req execution.SubmitRequest) (domain.Order, error) {
	f.calls = append(f.calls, req)
	return domain.Order{ID: "forced-" + req.InstrumentKey, Status: domain.Accepted}, nil
}

func TestExpirySweepForceExitsExpiredOptionPosition(t *testing.T) {
	store, db := newTestWallet(t)
	require.NoError(t, store.EnsureBootstrapped("user-1", decimal.NewFromInt(100000)))
	seedPosition(t, store, db, "user-1", "NSE_OPT|EXPIRED", decimal.NewFromInt(50), decimal.NewFromInt(10))

	instrumentStore := instruments.New()
	require.NoError(t, instrumentStore.Load([]domain.Instrument{
		{
			InstrumentKey: "NSE_OPT|EXPIRED", TradingSymbol: "EXPIRED", InstrumentType: domain.Option,
			Expiry: time.Now().Add(-24 * time.Hour), PrevClose: 12.5, TickSize: 0.05, LotSize: 1,
		},
	}))

	fake := &fakeSubmitter{}
	sweep := NewExpirySweep(zerolog.Nop(), store, instrumentStore, fake)
	require.NoError(t, sweep.Run())

	require.Len(t, fake.calls, 1)
	call := fake.calls[0]
	assert.Equal(t, "user-1", call.UserID)
	assert.Equal(t, "NSE_OPT|EXPIRED", call.InstrumentKey)
	assert.Equal(t, domain.Sell, call.Side)
	assert.True(t, call.Quantity.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, domain.ExitExpiry, call.ExitReason)
	assert.True(t, call.SettlementPrice.Equal(decimal.NewFromFloat(12.5)))
}

func TestExpirySweepSkipsPositionsNotYetExpired(t *testing.T) {
	store, db := newTestWallet(t)
	require.NoError(t, store.EnsureBootstrapped("user-1", decimal.NewFromInt(100000)))
	seedPosition(t, store, db, "user-1", "NSE_OPT|LIVE", decimal.NewFromInt(50), decimal.NewFromInt(10))

	instrumentStore := instruments.New()
	require.NoError(t, instrumentStore.Load([]domain.Instrument{
		{
			InstrumentKey: "NSE_OPT|LIVE", TradingSymbol: "LIVE", InstrumentType: domain.Option,
			Expiry: time.Now().Add(24 * time.Hour), PrevClose: 12.5, TickSize: 0.05, LotSize: 1,
		},
	}))

	fake := &fakeSubmitter{}
	sweep := NewExpirySweep(zerolog.Nop(), store, instrumentStore, fake)
	require.NoError(t, sweep.Run())

	assert.Empty(t, fake.calls)
}

func TestExpirySweepSkipsNonDerivativePositions(t *testing.T) {
	store, db := newTestWallet(t)
	require.NoError(t, store.EnsureBootstrapped("user-1", decimal.NewFromInt(100000)))
	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := store.ApplyFill(tx, "user-1", "NSE_EQ|STOCK", domain.Equity, decimal.NewFromInt(10), decimal.NewFromInt(100))
		return err
	})
	require.NoError(t, err)

	instrumentStore := instruments.New()
	require.NoError(t, instrumentStore.Load([]domain.Instrument{
		{InstrumentKey: "NSE_EQ|STOCK", TradingSymbol: "STOCK", InstrumentType: domain.Equity, TickSize: 0.05, LotSize: 1},
	}))

	fake := &fakeSubmitter{}
	sweep := NewExpirySweep(zerolog.Nop(), store, instrumentStore, fake)
	require.NoError(t, sweep.Run())

	assert.Empty(t, fake.calls)
}
