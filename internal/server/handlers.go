package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/apperr"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/execution"
	"github.com/papertrader/core/internal/settings"
)

type watchlistAddRequest struct {
	InstrumentKey string `json:"instrumentKey"`
}

// handleGetWatchlist returns every instrument pinned to userId's watchlist.
func (s *Server) handleGetWatchlist(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	items, err := s.watchlist.Get(userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleAddWatchlistItem pins an instrument to userId's watchlist.
func (s *Server) handleAddWatchlistItem(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	var req watchlistAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstrumentKey == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "instrumentKey is required")
		return
	}
	if err := s.watchlist.Add(userID, req.InstrumentKey); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ADDED"})
}

// handleRemoveWatchlistItem unpins an instrument from userId's watchlist.
func (s *Server) handleRemoveWatchlistItem(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	instrumentKey := chi.URLParam(r, "instrumentKey")
	if err := s.watchlist.Remove(userID, instrumentKey); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "REMOVED"})
}

// handleLoadInstruments replaces the entire instrument universe in one shot.
// There is no incremental upsert: operators push a fresh snapshot from the
// instrument master whenever contracts roll (new expiries, strike chains).
func (s *Server) handleLoadInstruments(w http.ResponseWriter, r *http.Request) {
	var req []domain.Instrument
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be a JSON array of instruments")
		return
	}
	if err := s.instruments.Load(req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INSTRUMENTS", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"loaded": len(req)})
}

// handleGetSettings returns every runtime-overridable setting, database
// overrides layered onto settings.SettingDefaults.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.settings.GetAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// handleSetSetting updates one setting. Rejects unknown keys and
// type-mismatched values, the same validation settings.Service.Set applies.
func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req settings.SettingUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if err := s.settings.Set(key, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SETTING", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "UPDATED"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// writeAppError maps the apperr taxonomy to an HTTP status and writes it.
func writeAppError(w http.ResponseWriter, err error) {
	appErr, ok := err.(*apperr.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Code {
	case apperr.Validation, apperr.FatFinger, apperr.NotionalCap, apperr.RiskLimit, apperr.InsufficientFund:
		status = http.StatusUnprocessableEntity
	case apperr.InstrumentNotFnd:
		status = http.StatusNotFound
	case apperr.NoReferencePrice, apperr.FeedUnhealthy:
		status = http.StatusServiceUnavailable
	case apperr.UpstreamAuth:
		status = http.StatusBadGateway
	case apperr.UpstreamTimeout:
		status = http.StatusGatewayTimeout
	case apperr.IdempotencyEcho:
		status = http.StatusOK
	case apperr.Internal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"code": string(appErr.Code), "reason": appErr.Reason, "message": appErr.Message})
}

// placeOrderRequest is the JSON body of POST /api/orders.
type placeOrderRequest struct {
	UserID          string          `json:"userId"`
	InstrumentKey   string          `json:"instrumentKey"`
	Side            domain.Side     `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	OrderType       domain.OrderType `json:"orderType"`
	LimitPrice      decimal.Decimal `json:"limitPrice"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	SettlementPrice decimal.Decimal `json:"settlementPrice"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if req.UserID == "" || req.InstrumentKey == "" || req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "userId, instrumentKey, and idempotencyKey are required")
		return
	}

	order, err := s.execution.Submit(execution.SubmitRequest{
		UserID: req.UserID, InstrumentKey: req.InstrumentKey, Side: req.Side,
		Quantity: req.Quantity, OrderType: req.OrderType, LimitPrice: req.LimitPrice,
		IdempotencyKey: req.IdempotencyKey, SettlementPrice: req.SettlementPrice,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"orderId": order.ID, "status": string(order.Status)})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if err := s.execution.Cancel(orderID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "CANCELLED"})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	wallet, err := s.wallet.GetWallet(userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	positions, err := s.wallet.GetPositions(userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleResetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := s.execution.ResetAccount(userID); err != nil {
		writeAppError(w, err)
		return
	}
	if s.stream != nil {
		s.stream.ForceRefresh(userID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "RESET"})
}

type symbolsRequest struct {
	ClientID string   `json:"clientId"`
	Symbols  []string `json:"symbols"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req symbolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if err := s.stream.Subscribe(req.ClientID, req.Symbols); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "SUBSCRIBED"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req symbolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	s.stream.Unsubscribe(req.ClientID, req.Symbols)
	writeJSON(w, http.StatusOK, map[string]string{"status": "UNSUBSCRIBED"})
}

func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDatabaseHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNHEALTHY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSystemStats reports host CPU and RAM utilization, for the ops
// dashboard polling loop that also watches database and broker health.
func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read CPU percentage")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]float64{
		"cpuPercent": cpuAvg,
		"ramPercent": memStat.UsedPercent,
	})
}

func (s *Server) handleBrokerStatus(w http.ResponseWriter, r *http.Request) {
	if s.brokerAdapter == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": "DISABLED"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.brokerAdapter.State())})
}
