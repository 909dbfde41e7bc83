package execution

import (
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/database"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/ledger"
)

func resetIdempotencyKey(userID string) string { return "ADJUSTMENT-WALLET_RESET_CASH-" + userID }

// ResetAccount atomically wipes a user's orders, trades, positions, and
// ledger journal, then reseeds cash to the configured reset balance. The
// caller is responsible for requesting an MTM forceRefresh afterward so any
// in-memory unrealized snapshot for this user is cleared too.
func (s *Service) ResetAccount(userID string) error {
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if err := s.orders.DeleteAllForUser(tx, userID); err != nil {
			return err
		}
		if err := s.wallet.DeleteAllPositions(tx, userID); err != nil {
			return err
		}
		if err := s.ledger.DeleteAll(tx, userID); err != nil {
			return err
		}
		_, err := s.ledger.RecordEntry(tx, userID, domain.RealizedPnL, domain.Cash, s.cfg.ResetBalance, ledger.RecordParams{
			ReferenceType: domain.RefAdjustment, ReferenceID: "WALLET_RESET_CASH", IdempotencyKey: resetIdempotencyKey(userID),
		})
		return err
	})
	if err != nil {
		return err
	}

	if err := s.wallet.RecalculateFromLedger(userID); err != nil {
		return err
	}
	if err := s.wallet.ApplyMark(userID, decimal.Zero); err != nil {
		return err
	}

	s.eventBus.Emit(events.PositionLiquidated, "execution.Service", map[string]any{"user_id": userID, "reset": true})
	return nil
}
