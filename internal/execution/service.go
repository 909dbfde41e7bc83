package execution

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/apperr"
	"github.com/papertrader/core/internal/config"
	"github.com/papertrader/core/internal/database"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/execution/fill"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/ledger"
	"github.com/papertrader/core/internal/pricing"
	"github.com/papertrader/core/internal/risk"
	"github.com/papertrader/core/internal/wallet"
)

var feeBPSDivisor = decimal.NewFromInt(10000)

// Service drives the order lifecycle described in §4.11: acceptance and
// margin block happen synchronously inside Submit; fills are discovered by
// an asynchronous scan loop that evaluates every ACCEPTED/WORKING order
// against the Fill Engine each cycle.
type Service struct {
	db          *sql.DB // shared connection backing orders, the ledger, and wallet projections
	log         zerolog.Logger
	cfg         *config.Config
	orders      *OrderRepo
	instruments *instruments.Store
	oracle      *pricing.Oracle
	risk        *risk.Checker
	wallet      *wallet.Store
	ledger      *ledger.Ledger
	fillEngine  *fill.Engine
	eventBus    *events.Bus

	scanInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	started      bool
}

// New builds an Execution Service. db must be the single connection shared
// by the orders, ledger, and wallet-projection tables so that each order's
// lifecycle step commits as one serializable transaction.
func New(
	db *sql.DB, log zerolog.Logger, cfg *config.Config,
	instrumentsStore *instruments.Store, oracle *pricing.Oracle, riskChecker *risk.Checker,
	walletStore *wallet.Store, ledgerSvc *ledger.Ledger, fillEngine *fill.Engine, eventBus *events.Bus,
	scanInterval time.Duration,
) *Service {
	return &Service{
		db:           db,
		log:          log.With().Str("component", "execution.Service").Logger(),
		cfg:          cfg,
		orders:       NewOrderRepo(db),
		instruments:  instrumentsStore,
		oracle:       oracle,
		risk:         riskChecker,
		wallet:       walletStore,
		ledger:       ledgerSvc,
		fillEngine:   fillEngine,
		eventBus:     eventBus,
		scanInterval: scanInterval,
		stopCh:       make(chan struct{}),
	}
}

// SubmitRequest is a caller's proposed order. ExitReason and SettlementPrice
// are zero-valued for ordinary user orders; callers raising a forced exit
// (liquidation, contract expiry) on the user's behalf set them so the Fill
// Engine can settle unconditionally.
type SubmitRequest struct {
	UserID          string
	InstrumentKey   string
	Side            domain.Side
	Quantity        decimal.Decimal
	OrderType       domain.OrderType
	LimitPrice      decimal.Decimal
	IdempotencyKey  string
	ExitReason      domain.ExitReason
	SettlementPrice decimal.Decimal
}

func marginIdempotencyKey(orderID string) string  { return "MARGIN-" + orderID }
func unblockIdempotencyKey(orderID string) string { return "UNBLOCK-" + orderID }
func pnlIdempotencyKey(tradeID string) string     { return "PNL-" + tradeID }
func feeIdempotencyKey(tradeID string) string     { return "FEE-" + tradeID }

// Submit resolves the instrument and runs Acceptance + Pre-Trade Risk, then
// blocks the required margin and persists the order as ACCEPTED inside one
// transaction. A duplicate IdempotencyKey returns the prior order unchanged.
func (s *Service) Submit(req SubmitRequest) (domain.Order, error) {
	if existing, ok, err := s.orders.FindByIdempotencyKey(req.UserID, req.IdempotencyKey); err != nil {
		return domain.Order{}, err
	} else if ok {
		return existing, nil
	}

	instrument, err := s.instruments.Resolve(req.InstrumentKey)
	if err != nil {
		return domain.Order{}, err
	}

	referencePrice, err := s.oracle.BestPrice(instrument.InstrumentKey)
	if err != nil {
		return domain.Order{}, err
	}
	referencePriceDec := decimal.NewFromFloat(referencePrice)

	existingPosition, err := s.wallet.GetPosition(req.UserID, instrument.InstrumentKey)
	if err != nil {
		return domain.Order{}, err
	}

	// Forced exits raised on the user's behalf (liquidation, contract expiry)
	// skip Acceptance and Pre-Trade Risk entirely: they only ever reduce
	// exposure and must not be blockable by the same limits they are
	// resolving.
	if req.ExitReason == domain.ExitNone {
		if err := s.risk.Accept(risk.AcceptanceInput{
			Order: risk.OrderRequest{
				UserID: req.UserID, InstrumentKey: req.InstrumentKey, Side: req.Side,
				Quantity: req.Quantity, OrderType: req.OrderType, LimitPrice: req.LimitPrice,
			},
			ReferencePrice:   referencePriceDec,
			ExistingPosition: existingPosition.SignedQuantity,
			TickSize:         decimal.NewFromFloat(instrument.TickSize),
		}); err != nil {
			return domain.Order{}, err
		}

		snapshot, err := s.buildPortfolioSnapshot(req.UserID)
		if err != nil {
			return domain.Order{}, err
		}
		if err := s.risk.PreTrade(risk.PreTradeInput{
			Snapshot: snapshot,
			Order: risk.OrderRequest{
				UserID: req.UserID, InstrumentKey: req.InstrumentKey, Side: req.Side,
				Quantity: req.Quantity, OrderType: req.OrderType, LimitPrice: req.LimitPrice,
			},
			Instrument:     instrument,
			ReferencePrice: referencePriceDec,
		}); err != nil {
			return domain.Order{}, err
		}
	}

	acceptancePrice := referencePriceDec
	if req.OrderType == domain.Limit {
		acceptancePrice = req.LimitPrice
	}
	projectedQty := existingPosition.SignedQuantity.Add(decimal.NewFromInt(int64(req.Side.Sign())).Mul(req.Quantity))
	requiredMargin := risk.RequiredMargin(instrument.InstrumentType, projectedQty, req.Quantity.Mul(acceptancePrice))

	order := domain.Order{
		ID: uuid.NewString(), UserID: req.UserID, InstrumentKey: instrument.InstrumentKey,
		Side: req.Side, Quantity: req.Quantity, OrderType: req.OrderType, LimitPrice: req.LimitPrice,
		Status: domain.Accepted, FilledQty: decimal.Zero, AvgFillPrice: decimal.Zero, RealizedPnL: decimal.Zero,
		IdempotencyKey: req.IdempotencyKey, BlockedMargin: requiredMargin, CreatedAt: time.Now().UTC(),
		ExitReason: req.ExitReason, SettlementPrice: req.SettlementPrice,
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if requiredMargin.IsPositive() {
			if _, err := s.ledger.RecordEntry(tx, req.UserID, domain.Cash, domain.MarginBlocked, requiredMargin, ledger.RecordParams{
				ReferenceType: domain.RefMargin, ReferenceID: order.ID, IdempotencyKey: marginIdempotencyKey(order.ID),
			}); err != nil {
				return err
			}
		}
		return s.orders.Insert(tx, order)
	})
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.wallet.RecalculateFromLedger(req.UserID); err != nil {
		return domain.Order{}, err
	}

	s.eventBus.Emit(events.OrderAccepted, "execution.Service", map[string]any{
		"order_id": order.ID, "user_id": order.UserID, "instrument_key": order.InstrumentKey,
	})

	return order, nil
}

// Cancel unblocks any margin held against a non-terminal order and
// transitions it to CANCELLED, atomically.
func (s *Service) Cancel(orderID string) error {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return apperr.New(apperr.Validation, "ORDER_ALREADY_TERMINAL", "order is already in a terminal state")
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if err := s.refundBlockedMargin(tx, order); err != nil {
			return err
		}
		return s.orders.UpdateStatus(tx, order.ID, domain.Cancelled)
	})
	if err != nil {
		return err
	}

	if err := s.wallet.RecalculateFromLedger(order.UserID); err != nil {
		return err
	}
	s.eventBus.Emit(events.OrderCancelled, "execution.Service", map[string]any{"order_id": order.ID, "user_id": order.UserID})
	return nil
}

// refundBlockedMargin posts the MARGIN_BLOCKED→CASH unblock entry for exactly
// the amount blocked at submission time, using the same idempotency key the
// fill path uses, so a cancel racing a fill never double-unblocks.
func (s *Service) refundBlockedMargin(tx *sql.Tx, order domain.Order) error {
	if order.BlockedMargin.IsZero() {
		return nil
	}
	_, err := s.ledger.RecordEntry(tx, order.UserID, domain.MarginBlocked, domain.Cash, order.BlockedMargin, ledger.RecordParams{
		ReferenceType: domain.RefUnblock, ReferenceID: order.ID, IdempotencyKey: unblockIdempotencyKey(order.ID),
	})
	return err
}

// buildPortfolioSnapshot marks every open position at the Price Oracle's
// best price for Pre-Trade Risk's projection.
func (s *Service) buildPortfolioSnapshot(userID string) (risk.PortfolioSnapshot, error) {
	w, err := s.wallet.GetWallet(userID)
	if err != nil {
		return risk.PortfolioSnapshot{}, err
	}
	positions, err := s.wallet.GetPositions(userID)
	if err != nil {
		return risk.PortfolioSnapshot{}, err
	}

	marks := make([]risk.PositionMark, 0, len(positions))
	for _, p := range positions {
		price, err := s.oracle.BestPrice(p.InstrumentKey)
		if err != nil {
			continue // instrument temporarily unpriceable; excluded from this projection round
		}
		marks = append(marks, risk.PositionMark{
			InstrumentKey: p.InstrumentKey, InstrumentType: p.InstrumentType,
			SignedQuantity: p.SignedQuantity, MarkPrice: decimal.NewFromFloat(price),
		})
	}

	return risk.PortfolioSnapshot{Equity: w.Equity, Positions: marks}, nil
}
