package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	"github.com/papertrader/core/internal/execution"
	"github.com/papertrader/core/internal/execution/fill"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/ledger"
	"github.com/papertrader/core/internal/pricing"
	"github.com/papertrader/core/internal/risk"
	"github.com/papertrader/core/internal/server/stream"
	"github.com/papertrader/core/internal/settings"
	"github.com/papertrader/core/internal/ticks"
	"github.com/papertrader/core/internal/wallet"
	"github.com/papertrader/core/internal/watchlist"
)

// fakeSubscriptionManager satisfies stream.SubscriptionManager without a real
// broker connection, for stream.Hub wiring in handler tests.
type fakeSubscriptionManager struct{}

func (fakeSubscriptionManager) Subscribe(keys []string) error   { return nil }
func (fakeSubscriptionManager) Unsubscribe(keys []string) error { return nil }

var serverTestDBCounter int64

func newTestServer(t *testing.T) *Server {
	t.Helper()
	n := atomic.AddInt64(&serverTestDBCounter, 1)

	db, err := database.New(database.Config{
		Path: fmt.Sprintf("file:servertest%d?mode=memory&cache=shared", n), Profile: database.ProfileStandard, Name: "core",
	})
	require.NoError(t, err)
	require.NoError(t, db.MigrateSchemas("orders", "ledger", "wallet", "watchlist"))
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
		Port:                             8081,
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
	execSvc := execution.New(db.Conn(), zerolog.Nop(), cfg, instrumentStore, oracle, riskChecker, walletStore, ledgerSvc, fillEngine, eventBus, 50*time.Millisecond)

	require.NoError(t, walletStore.EnsureBootstrapped("user-1", decimal.NewFromInt(1000000)))

	watchlistStore := watchlist.New(db.Conn(), zerolog.Nop())

	streamHub := stream.New(zerolog.Nop(), tickBus, fakeSubscriptionManager{}, walletStore, watchlistStore, nil, nil)
	t.Cleanup(streamHub.Close)

	configDB, err := database.New(database.Config{
		Path: fmt.Sprintf("file:servertestconfig%d?mode=memory&cache=shared", n), Profile: database.ProfileStandard, Name: "config",
	})
	require.NoError(t, err)
	require.NoError(t, configDB.Migrate())
	t.Cleanup(func() { _ = configDB.Close() })
	settingsSvc := settings.NewService(settings.NewRepository(configDB.Conn(), zerolog.Nop()), zerolog.Nop())

	return New(Config{
		Log: zerolog.Nop(), Cfg: cfg, DB: db, Execution: execSvc, Wallet: walletStore,
		Instruments: instrumentStore, BrokerAdapter: nil, Stream: streamHub, Settings: settingsSvc,
		Watchlist: watchlistStore, DevMode: true,
	})
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleLoadInstruments(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal([]domain.Instrument{
		{InstrumentKey: "NSE_EQ|NEW", TradingSymbol: "NEW", InstrumentType: domain.Equity, TickSize: 0.05, LotSize: 1, PrevClose: 50},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/instruments", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp["loaded"])

	resolved, err := s.instruments.Resolve("NSE_EQ|NEW")
	require.NoError(t, err)
	assert.Equal(t, "NEW", resolved.TradingSymbol)
}

func TestHandleLoadInstrumentsRejectsInvalidBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/instruments", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePlaceOrderAndGetWallet(t *testing.T) {
	s := newTestServer(t)

	placeBody, err := json.Marshal(placeOrderRequest{
		UserID: "user-1", InstrumentKey: "NSE_EQ|TEST", Side: domain.Buy,
		Quantity: decimal.NewFromInt(10), OrderType: domain.Market, IdempotencyKey: "idem-http-1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(placeBody))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var placed map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&placed))
	assert.Equal(t, "ACCEPTED", placed["status"])

	walletReq := httptest.NewRequest(http.MethodGet, "/api/account/user-1/wallet", nil)
	walletW := httptest.NewRecorder()
	s.router.ServeHTTP(walletW, walletReq)
	require.Equal(t, http.StatusOK, walletW.Code)

	var walletResp domain.WalletProjection
	require.NoError(t, json.NewDecoder(walletW.Body).Decode(&walletResp))
	assert.True(t, walletResp.BlockedBalance.GreaterThan(decimal.Zero))
}

func TestHandlePlaceOrderRejectsMissingFields(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCancelOrder(t *testing.T) {
	s := newTestServer(t)

	placeBody, err := json.Marshal(placeOrderRequest{
		UserID: "user-1", InstrumentKey: "NSE_EQ|TEST", Side: domain.Buy,
		Quantity: decimal.NewFromInt(10), OrderType: domain.Limit, LimitPrice: decimal.NewFromInt(50),
		IdempotencyKey: "idem-http-cancel",
	})
	require.NoError(t, err)

	placeReq := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(placeBody))
	placeW := httptest.NewRecorder()
	s.router.ServeHTTP(placeW, placeReq)
	require.Equal(t, http.StatusAccepted, placeW.Code)

	var placed map[string]string
	require.NoError(t, json.NewDecoder(placeW.Body).Decode(&placed))

	cancelReq := httptest.NewRequest(http.MethodPost, "/api/orders/"+placed["orderId"]+"/cancel", nil)
	cancelW := httptest.NewRecorder()
	s.router.ServeHTTP(cancelW, cancelReq)
	assert.Equal(t, http.StatusOK, cancelW.Code)
}

func TestHandleResetAccount(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/account/user-1/reset", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleGetSettings(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Contains(t, resp, "max_account_leverage")
}

func TestHandleSetSetting(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(map[string]interface{}{"value": 7.5})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/settings/max_account_leverage", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	getW := httptest.NewRecorder()
	s.router.ServeHTTP(getW, getReq)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(getW.Body).Decode(&resp))
	assert.Equal(t, 7.5, resp["max_account_leverage"])
}

func TestHandleSetSettingRejectsUnknownKey(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(map[string]interface{}{"value": 1.0})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/settings/not_a_real_setting", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWatchlistAddGetRemove(t *testing.T) {
	s := newTestServer(t)

	addBody, err := json.Marshal(map[string]string{"instrumentKey": "NSE_EQ|TEST"})
	require.NoError(t, err)
	addReq := httptest.NewRequest(http.MethodPost, "/api/watchlist/user-1/", bytes.NewReader(addBody))
	addW := httptest.NewRecorder()
	s.router.ServeHTTP(addW, addReq)
	require.Equal(t, http.StatusOK, addW.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/watchlist/user-1/", nil)
	getW := httptest.NewRecorder()
	s.router.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)

	var items []map[string]any
	require.NoError(t, json.NewDecoder(getW.Body).Decode(&items))
	require.Len(t, items, 1)
	assert.Equal(t, "NSE_EQ|TEST", items[0]["InstrumentKey"])

	delReq := httptest.NewRequest(http.MethodDelete, "/api/watchlist/user-1/NSE_EQ|TEST", nil)
	delW := httptest.NewRecorder()
	s.router.ServeHTTP(delW, delReq)
	require.Equal(t, http.StatusOK, delW.Code)

	getAfterReq := httptest.NewRequest(http.MethodGet, "/api/watchlist/user-1/", nil)
	getAfterW := httptest.NewRecorder()
	s.router.ServeHTTP(getAfterW, getAfterReq)
	var afterItems []map[string]any
	require.NoError(t, json.NewDecoder(getAfterW.Body).Decode(&afterItems))
	assert.Empty(t, afterItems)
}

func TestHandleSystemStats(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/system/stats", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]float64
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.GreaterOrEqual(t, resp["ramPercent"], 0.0)
}

func TestHandleBrokerStatusDisabledWhenNoAdapter(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/system/broker/status", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "DISABLED", resp["state"])
}
