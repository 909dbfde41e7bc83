package execution

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/database"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/ledger"
)

// Start launches the background scan loop over ACCEPTED/WORKING orders.
// Idempotent.
func (s *Service) Start() {
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.scanLoop()
}

// Stop halts the scan loop and waits for the in-flight cycle to finish.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) scanLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunScanCycle()
		}
	}
}

// RunScanCycle evaluates every ACCEPTED/WORKING order once against the Fill
// Engine. Exposed directly so tests and forceRefresh-style callers can drive
// a cycle deterministically instead of waiting on the ticker.
func (s *Service) RunScanCycle() {
	orders, err := s.orders.ListWorking()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list working orders")
		return
	}

	for _, order := range orders {
		if err := s.evaluateOne(order); err != nil {
			s.log.Warn().Err(err).Str("order_id", order.ID).Msg("fill evaluation failed, leaving order working")
		}
	}
}

// evaluateOne resolves the instrument, asks the Fill Engine for a decision,
// and on shouldFill=true commits the trade/position/ledger movement inside
// one transaction. Failures here leave the order WORKING for the next cycle.
func (s *Service) evaluateOne(order domain.Order) error {
	instrument, err := s.instruments.Resolve(order.InstrumentKey)
	if err != nil {
		return err
	}

	decision := s.fillEngine.Evaluate(order, instrument, time.Now())
	if !decision.ShouldFill {
		return nil
	}

	now := time.Now().UTC()
	tradeID := uuid.NewString()
	notional := order.Quantity.Mul(decision.FillPrice)
	fee := notional.Mul(decimal.NewFromInt(int64(s.cfg.FillFeeBPS))).Div(feeBPSDivisor)

	var realized decimal.Decimal
	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		signedQty := decimal.NewFromInt(int64(order.Side.Sign())).Mul(order.Quantity)

		var err error
		realized, err = s.wallet.ApplyFill(tx, order.UserID, order.InstrumentKey, instrument.InstrumentType, signedQty, decision.FillPrice)
		if err != nil {
			return err
		}

		if err := s.orders.InsertTrade(tx, domain.Trade{
			ID: tradeID, OrderID: order.ID, UserID: order.UserID, InstrumentKey: order.InstrumentKey,
			Side: order.Side, Quantity: order.Quantity, Price: decision.FillPrice,
			Fees: domain.FeesBreakdown{Total: fee}, Timestamp: now,
		}); err != nil {
			return err
		}

		if order.BlockedMargin.IsPositive() {
			if _, err := s.ledger.RecordEntry(tx, order.UserID, domain.MarginBlocked, domain.Cash, order.BlockedMargin, ledger.RecordParams{
				ReferenceType: domain.RefUnblock, ReferenceID: order.ID, IdempotencyKey: unblockIdempotencyKey(order.ID),
			}); err != nil {
				return err
			}
		}

		if !realized.IsZero() {
			if realized.IsPositive() {
				if _, err := s.ledger.RecordEntry(tx, order.UserID, domain.RealizedPnL, domain.Cash, realized, ledger.RecordParams{
					ReferenceType: domain.RefPnL, ReferenceID: tradeID, IdempotencyKey: pnlIdempotencyKey(tradeID),
				}); err != nil {
					return err
				}
			} else {
				if _, err := s.ledger.RecordEntry(tx, order.UserID, domain.Cash, domain.RealizedPnL, realized.Abs(), ledger.RecordParams{
					ReferenceType: domain.RefPnL, ReferenceID: tradeID, IdempotencyKey: pnlIdempotencyKey(tradeID),
				}); err != nil {
					return err
				}
			}
		}

		if fee.IsPositive() {
			if _, err := s.ledger.RecordEntry(tx, order.UserID, domain.Cash, domain.Fees, fee, ledger.RecordParams{
				ReferenceType: domain.RefFee, ReferenceID: tradeID, IdempotencyKey: feeIdempotencyKey(tradeID),
			}); err != nil {
				return err
			}
		}

		return s.orders.MarkFilled(tx, order.ID, order.Quantity, decision.FillPrice, realized, now)
	})
	if err != nil {
		return err
	}

	if err := s.wallet.RecalculateFromLedger(order.UserID); err != nil {
		return err
	}

	s.eventBus.Emit(events.OrderFilled, "execution.Service", map[string]any{
		"order_id": order.ID, "user_id": order.UserID, "trade_id": tradeID,
		"fill_price": decision.FillPrice.String(), "realized_pnl": realized.String(),
	})
	return nil
}
