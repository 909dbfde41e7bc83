package execution

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrader/core/internal/config"
	"github.com/papertrader/core/internal/database"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/execution/fill"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/ledger"
	"github.com/papertrader/core/internal/pricing"
	"github.com/papertrader/core/internal/risk"
	"github.com/papertrader/core/internal/ticks"
	"github.com/papertrader/core/internal/wallet"
)

var serviceTestDBCounter int64

func newTestService(t *testing.T) (*Service, *wallet.Store, *ticks.Bus) {
	t.Helper()
	n := atomic.AddInt64(&serviceTestDBCounter, 1)

	db, err := database.New(database.Config{
		Path: fmt.Sprintf("file:exectest%d?mode=memory&cache=shared", n), Profile: database.ProfileStandard, Name: "core",
	})
	require.NoError(t, err)
	require.NoError(t, db.MigrateSchemas("orders", "ledger", "wallet"))
	t.Cleanup(func() { _ = db.Close() })

	eventBus := events.NewBus(zerolog.Nop())
	ledgerSvc := ledger.New(zerolog.Nop(), eventBus)
	walletStore := wallet.New(db.Conn(), zerolog.Nop(), ledgerSvc, eventBus, wallet.DefaultClassifier)

	instrumentStore := instruments.New()
	require.NoError(t, instrumentStore.Load([]domain.Instrument{
		{InstrumentKey: "NSE_EQ|TEST", TradingSymbol: "TEST", InstrumentType: domain.Equity, TickSize: 0.05, LotSize: 1, PrevClose: 100},
	}))

	tickBus := ticks.New(zerolog.Nop(), time.Millisecond)
	oracle := pricing.New(tickBus, nil, instrumentStore, 8*time.Second, true)

	cfg := &config.Config{
		PaperTradingMode:                 true,
		MaxNotionalPerOrder:              decimal.NewFromInt(5000000),
		MaxNotionalPerOrderEnabled:       true,
		MaxAccountLeverage:               decimal.NewFromInt(5),
		MaxPositionNotionalPerSymbol:     decimal.NewFromInt(5000000),
		MaxDerivativeNotional:            decimal.NewFromInt(5000000),
		MaxSingleInstrumentConcentration: decimal.NewFromFloat(1),
		MinMarginBufferRatio:             decimal.NewFromFloat(1.2),
		FillTickMaxAgeSeconds:            8,
	}
	riskChecker := risk.New(cfg, zerolog.Nop())
	fillEngine := fill.New(tickBus, 8*time.Second, 5, 10, 15)

	svc := New(db.Conn(), zerolog.Nop(), cfg, instrumentStore, oracle, riskChecker, walletStore, ledgerSvc, fillEngine, eventBus, 50*time.Millisecond)

	require.NoError(t, walletStore.EnsureBootstrapped("user-1", decimal.NewFromInt(1000000)))

	return svc, walletStore, tickBus
}

func TestSubmitAcceptsMarketOrderAndBlocksMargin(t *testing.T) {
	svc, walletStore, _ := newTestService(t)

	order, err := svc.Submit(SubmitRequest{
		UserID: "user-1", InstrumentKey: "NSE_EQ|TEST", Side: domain.Buy,
		Quantity: decimal.NewFromInt(10), OrderType: domain.Market,
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Accepted, order.Status)

	w, err := walletStore.GetWallet("user-1")
	require.NoError(t, err)
	assert.True(t, w.BlockedBalance.GreaterThan(decimal.Zero), "expected blocked margin to be set, got %s", w.BlockedBalance)
}

func TestSubmitRejectsOrderExceedingMaxNotional(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Submit(SubmitRequest{
		UserID: "user-1", InstrumentKey: "NSE_EQ|TEST", Side: domain.Buy,
		Quantity: decimal.NewFromInt(100000), OrderType: domain.Market,
		IdempotencyKey: "idem-oversize",
	})
	require.Error(t, err, "order notional of 10,000,000 exceeds the configured 5,000,000 cap")
}

func TestSubmitForcedExitSkipsRiskChecks(t *testing.T) {
	svc, _, _ := newTestService(t)

	order, err := svc.Submit(SubmitRequest{
		UserID: "user-1", InstrumentKey: "NSE_EQ|TEST", Side: domain.Sell,
		Quantity: decimal.NewFromInt(100000), OrderType: domain.Market,
		IdempotencyKey:  "idem-forced-exit",
		ExitReason:      domain.ExitExpiry,
		SettlementPrice: decimal.NewFromInt(12),
	})
	require.NoError(t, err, "a forced exit must bypass acceptance and pre-trade risk entirely")
	assert.Equal(t, domain.Accepted, order.Status)
	assert.Equal(t, domain.ExitExpiry, order.ExitReason)
	assert.True(t, order.SettlementPrice.Equal(decimal.NewFromInt(12)))
}

func TestSubmitIsIdempotentOnDuplicateKey(t *testing.T) {
	svc, _, _ := newTestService(t)

	first, err := svc.Submit(SubmitRequest{
		UserID: "user-1", InstrumentKey: "NSE_EQ|TEST", Side: domain.Buy,
		Quantity: decimal.NewFromInt(10), OrderType: domain.Market,
		IdempotencyKey: "idem-dup",
	})
	require.NoError(t, err)

	second, err := svc.Submit(SubmitRequest{
		UserID: "user-1", InstrumentKey: "NSE_EQ|TEST", Side: domain.Buy,
		Quantity: decimal.NewFromInt(999), OrderType: domain.Market,
		IdempotencyKey: "idem-dup",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Quantity.Equal(decimal.NewFromInt(10)), "duplicate submit must echo the original order, not the new request")
}

func TestRunScanCycleFillsWorkingMarketOrder(t *testing.T) {
	svc, walletStore, tickBus := newTestService(t)

	order, err := svc.Submit(SubmitRequest{
		UserID: "user-1", InstrumentKey: "NSE_EQ|TEST", Side: domain.Buy,
		Quantity: decimal.NewFromInt(10), OrderType: domain.Market,
		IdempotencyKey: "idem-fill",
	})
	require.NoError(t, err)
	require.Equal(t, domain.Accepted, order.Status)

	tickBus.Publish(domain.NormalizedTick{InstrumentKey: "NSE_EQ|TEST", Price: 100, Timestamp: time.Now()})
	svc.RunScanCycle()

	filled, err := svc.orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Filled, filled.Status)
	assert.True(t, filled.FilledQty.Equal(decimal.NewFromInt(10)))

	positions, err := walletStore.GetPositions("user-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].SignedQuantity.Equal(decimal.NewFromInt(10)))
}

func TestCancelMovesAcceptedOrderToCancelledAndRefundsMargin(t *testing.T) {
	svc, walletStore, _ := newTestService(t)

	order, err := svc.Submit(SubmitRequest{
		UserID: "user-1", InstrumentKey: "NSE_EQ|TEST", Side: domain.Buy,
		Quantity: decimal.NewFromInt(10), OrderType: domain.Limit, LimitPrice: decimal.NewFromInt(50),
		IdempotencyKey: "idem-cancel",
	})
	require.NoError(t, err)

	beforeCancel, err := walletStore.GetWallet("user-1")
	require.NoError(t, err)
	require.True(t, beforeCancel.BlockedBalance.GreaterThan(decimal.Zero))

	require.NoError(t, svc.Cancel(order.ID))

	cancelled, err := svc.orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Cancelled, cancelled.Status)

	afterCancel, err := walletStore.GetWallet("user-1")
	require.NoError(t, err)
	assert.True(t, afterCancel.BlockedBalance.IsZero(), "expected blocked margin to be refunded on cancel, got %s", afterCancel.BlockedBalance)
}

func TestResetAccountClearsPositionsAndOrders(t *testing.T) {
	svc, walletStore, tickBus := newTestService(t)

	_, err := svc.Submit(SubmitRequest{
		UserID: "user-1", InstrumentKey: "NSE_EQ|TEST", Side: domain.Buy,
		Quantity: decimal.NewFromInt(10), OrderType: domain.Market,
		IdempotencyKey: "idem-reset",
	})
	require.NoError(t, err)
	tickBus.Publish(domain.NormalizedTick{InstrumentKey: "NSE_EQ|TEST", Price: 100, Timestamp: time.Now()})
	svc.RunScanCycle()

	positions, err := walletStore.GetPositions("user-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)

	require.NoError(t, svc.ResetAccount("user-1"))

	positions, err = walletStore.GetPositions("user-1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}
