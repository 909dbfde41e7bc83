// Package wallet implements the Wallet / Position Store: materialized
// projections of the Ledger (balances) and of fills (positions), always
// rebuildable from scratch by replaying the journal.
package wallet

import (
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/apperr"
	"github.com/papertrader/core/internal/database"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/ledger"
)

// marginBufferFn evaluates whether a wallet's equity-to-blocked-balance
// ratio has crossed into a stressed or liquidating regime, so the MTM
// Engine and this store classify margin status identically.
type marginBufferFn func(equity, blockedBalance decimal.Decimal) domain.MarginStatus

// Store owns the wallet_projections and positions tables, with a single
// writer per user serialized through a per-user lock.
type Store struct {
	db       *sql.DB
	log      zerolog.Logger
	ledger   *ledger.Ledger
	eventBus *events.Bus
	classify marginBufferFn

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a Wallet / Position Store. classify computes MarginStatus from
// a wallet's equity and blocked balance; pass DefaultClassifier for the
// spec's default NORMAL/STRESSED/LIQUIDATING thresholds.
func New(db *sql.DB, log zerolog.Logger, l *ledger.Ledger, eventBus *events.Bus, classify marginBufferFn) *Store {
	return &Store{
		db:       db,
		log:      log.With().Str("component", "wallet.Store").Logger(),
		ledger:   l,
		eventBus: eventBus,
		classify: classify,
		locks:    make(map[string]*sync.Mutex),
	}
}

// DefaultClassifier implements the MTM Engine's marginUsed/equity thresholds:
// NORMAL below 60% utilization, STRESSED below 85%, LIQUIDATING at or above
// 85% (or whenever equity can no longer cover blocked margin at all).
func DefaultClassifier(equity, blockedBalance decimal.Decimal) domain.MarginStatus {
	if blockedBalance.IsZero() {
		return domain.MarginNormal
	}
	if equity.Sign() <= 0 {
		return domain.MarginLiquidating
	}
	utilization := blockedBalance.Div(equity)
	switch {
	case utilization.LessThan(decimal.NewFromFloat(0.6)):
		return domain.MarginNormal
	case utilization.LessThan(decimal.NewFromFloat(0.85)):
		return domain.MarginStressed
	default:
		return domain.MarginLiquidating
	}
}

func (s *Store) lockFor(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[userID] = m
	}
	return m
}

// EnsureBootstrapped seeds a new user's CASH balance with the configured
// initial equity via the well-known bootstrap idempotency key, a no-op if
// already applied.
func (s *Store) EnsureBootstrapped(userID string, initialBalance decimal.Decimal) error {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := s.ledger.RecordEntry(tx, userID, domain.RealizedPnL, domain.Cash, initialBalance, ledger.RecordParams{
			ReferenceType:  domain.RefAdjustment,
			ReferenceID:    "WALLET_BOOTSTRAP_CASH",
			IdempotencyKey: ledger.BootstrapIdempotencyKey(userID),
		})
		return err
	})
	if err != nil {
		return err
	}

	return s.RecalculateFromLedger(userID)
}

// RecalculateFromLedger rebuilds the materialized wallet projection for
// userID by replaying every historical ledger entry from scratch. Must
// always agree with incremental updates applied during normal operation.
func (s *Store) RecalculateFromLedger(userID string) error {
	entries, err := s.ledger.Entries(s.db, userID)
	if err != nil {
		return err
	}

	balances := map[domain.AccountType]decimal.Decimal{
		domain.Cash:          decimal.Zero,
		domain.MarginBlocked: decimal.Zero,
		domain.UnrealizedPnL: decimal.Zero,
		domain.RealizedPnL:   decimal.Zero,
		domain.Fees:          decimal.Zero,
	}
	for _, e := range entries {
		balances[e.CreditAccount] = balances[e.CreditAccount].Add(e.Amount)
		balances[e.DebitAccount] = balances[e.DebitAccount].Sub(e.Amount)
	}

	balance := balances[domain.Cash]
	blocked := balances[domain.MarginBlocked]
	unrealized := balances[domain.UnrealizedPnL]
	realized := balances[domain.RealizedPnL]
	fees := balances[domain.Fees]
	equity := balance.Add(blocked).Add(unrealized)

	projection := domain.WalletProjection{
		UserID:          userID,
		Balance:         balance,
		BlockedBalance:  blocked,
		Equity:          equity,
		UnrealizedTotal: unrealized,
		RealizedTotal:   realized,
		FeesTotal:       fees,
		MarginStatus:    s.classify(equity, blocked),
		UpdatedAt:       time.Now().UTC(),
	}

	return s.persistProjection(projection)
}

func (s *Store) persistProjection(p domain.WalletProjection) error {
	prevStatus, hadPrior := s.currentMarginStatus(p.UserID)

	_, err := s.db.Exec(
		`INSERT INTO wallet_projections (user_id, balance, blocked_balance, equity, unrealized_total, realized_total, fees_total, margin_status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   balance = excluded.balance,
		   blocked_balance = excluded.blocked_balance,
		   equity = excluded.equity,
		   unrealized_total = excluded.unrealized_total,
		   realized_total = excluded.realized_total,
		   fees_total = excluded.fees_total,
		   margin_status = excluded.margin_status,
		   updated_at = excluded.updated_at`,
		p.UserID, p.Balance.String(), p.BlockedBalance.String(), p.Equity.String(),
		p.UnrealizedTotal.String(), p.RealizedTotal.String(), p.FeesTotal.String(),
		string(p.MarginStatus), p.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "WALLET_PROJECTION_WRITE_FAILED", err)
	}

	if !hadPrior || prevStatus != p.MarginStatus {
		s.eventBus.Emit(events.MarginStatusChanged, "wallet.Store", map[string]any{
			"user_id": p.UserID,
			"from":    string(prevStatus),
			"to":      string(p.MarginStatus),
		})
	}

	return nil
}

func (s *Store) currentMarginStatus(userID string) (domain.MarginStatus, bool) {
	var status string
	err := s.db.QueryRow(`SELECT margin_status FROM wallet_projections WHERE user_id = ?`, userID).Scan(&status)
	if err != nil {
		return "", false
	}
	return domain.MarginStatus(status), true
}

// GetWallet returns the materialized projection for userID.
func (s *Store) GetWallet(userID string) (domain.WalletProjection, error) {
	var p domain.WalletProjection
	var balance, blocked, equity, unrealized, realized, fees, status, updatedAt string

	err := s.db.QueryRow(
		`SELECT user_id, balance, blocked_balance, equity, unrealized_total, realized_total, fees_total, margin_status, updated_at
		 FROM wallet_projections WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &balance, &blocked, &equity, &unrealized, &realized, &fees, &status, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.WalletProjection{}, apperr.New(apperr.Validation, "WALLET_NOT_FOUND", "no wallet projection for user")
	}
	if err != nil {
		return domain.WalletProjection{}, apperr.Wrap(apperr.Internal, "WALLET_READ_FAILED", err)
	}

	p.Balance = mustDecimal(balance)
	p.BlockedBalance = mustDecimal(blocked)
	p.Equity = mustDecimal(equity)
	p.UnrealizedTotal = mustDecimal(unrealized)
	p.RealizedTotal = mustDecimal(realized)
	p.FeesTotal = mustDecimal(fees)
	p.MarginStatus = domain.MarginStatus(status)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return p, nil
}

// GetPositions returns every open position for userID.
func (s *Store) GetPositions(userID string) ([]domain.Position, error) {
	rows, err := s.db.Query(
		`SELECT user_id, instrument_key, signed_quantity, average_price, instrument_type FROM positions WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "POSITIONS_READ_FAILED", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var qty, avg, instType string
		if err := rows.Scan(&p.UserID, &p.InstrumentKey, &qty, &avg, &instType); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "POSITIONS_SCAN_FAILED", err)
		}
		p.SignedQuantity = mustDecimal(qty)
		p.AveragePrice = mustDecimal(avg)
		p.InstrumentType = domain.InstrumentType(instType)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// AllOpenPositions returns every non-flat position across every user,
// for system-wide sweeps (derivative expiry, bulk liquidation) that can't be
// scoped to a single user ahead of time.
func (s *Store) AllOpenPositions() ([]domain.Position, error) {
	rows, err := s.db.Query(
		`SELECT user_id, instrument_key, signed_quantity, average_price, instrument_type FROM positions`,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "POSITIONS_READ_FAILED", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var qty, avg, instType string
		if err := rows.Scan(&p.UserID, &p.InstrumentKey, &qty, &avg, &instType); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "POSITIONS_SCAN_FAILED", err)
		}
		p.SignedQuantity = mustDecimal(qty)
		p.AveragePrice = mustDecimal(avg)
		p.InstrumentType = domain.InstrumentType(instType)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetPosition returns a single position, zero-valued (and flat) if absent.
func (s *Store) GetPosition(userID, instrumentKey string) (domain.Position, error) {
	var p domain.Position
	var qty, avg, instType string

	err := s.db.QueryRow(
		`SELECT user_id, instrument_key, signed_quantity, average_price, instrument_type FROM positions WHERE user_id = ? AND instrument_key = ?`,
		userID, instrumentKey,
	).Scan(&p.UserID, &p.InstrumentKey, &qty, &avg, &instType)
	if err == sql.ErrNoRows {
		return domain.Position{UserID: userID, InstrumentKey: instrumentKey, SignedQuantity: decimal.Zero, AveragePrice: decimal.Zero}, nil
	}
	if err != nil {
		return domain.Position{}, apperr.Wrap(apperr.Internal, "POSITION_READ_FAILED", err)
	}

	p.SignedQuantity = mustDecimal(qty)
	p.AveragePrice = mustDecimal(avg)
	p.InstrumentType = domain.InstrumentType(instType)
	return p, nil
}

// ApplyFill mutates a user's position for a fill of signed quantity q
// (positive for BUY, negative for SELL) at price p, per the increase/reduce
// rules, and returns the realized PnL from the reducing portion (zero on a
// pure increase).
func (s *Store) ApplyFill(tx *sql.Tx, userID, instrumentKey string, instrumentType domain.InstrumentType, q, p decimal.Decimal) (decimal.Decimal, error) {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.getPositionTx(tx, userID, instrumentKey)
	if err != nil {
		return decimal.Zero, err
	}

	newQty, newAvg, realized := applyFillMath(existing.SignedQuantity, existing.AveragePrice, q, p)

	if newQty.IsZero() {
		if _, err := tx.Exec(`DELETE FROM positions WHERE user_id = ? AND instrument_key = ?`, userID, instrumentKey); err != nil {
			return decimal.Zero, apperr.Wrap(apperr.Internal, "POSITION_DELETE_FAILED", err)
		}
		return realized, nil
	}

	_, err = tx.Exec(
		`INSERT INTO positions (user_id, instrument_key, signed_quantity, average_price, instrument_type)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, instrument_key) DO UPDATE SET
		   signed_quantity = excluded.signed_quantity,
		   average_price = excluded.average_price,
		   instrument_type = excluded.instrument_type`,
		userID, instrumentKey, newQty.String(), newAvg.String(), string(instrumentType),
	)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.Internal, "POSITION_UPSERT_FAILED", err)
	}

	return realized, nil
}

// UsersWithPosition returns every userID holding a non-flat position in
// instrumentKey, via the positions table's instrument index — the reverse
// index the MTM Engine walks on every tick to find affected users.
func (s *Store) UsersWithPosition(instrumentKey string) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM positions WHERE instrument_key = ?`, instrumentKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "POSITIONS_REVERSE_INDEX_FAILED", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "POSITIONS_REVERSE_INDEX_SCAN_FAILED", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteAllPositions wipes every open position for userID inside tx, used by
// resetAccount before the wallet projection is reseeded.
func (s *Store) DeleteAllPositions(tx *sql.Tx, userID string) error {
	if _, err := tx.Exec(`DELETE FROM positions WHERE user_id = ?`, userID); err != nil {
		return apperr.Wrap(apperr.Internal, "POSITIONS_DELETE_ALL_FAILED", err)
	}
	return nil
}

// ApplyMark updates a user's unrealized total from a fresh mark-to-market
// computation and recomputes equity and margin status from it, without
// touching the ledger — unrealized PnL is a mark, not a cash movement, so it
// is carried only in the projection and recomputed from positions on every
// mark rather than journaled.
func (s *Store) ApplyMark(userID string, unrealized decimal.Decimal) error {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetWallet(userID)
	if err != nil {
		return err
	}

	equity := current.Balance.Add(current.BlockedBalance).Add(unrealized)
	projection := current
	projection.UnrealizedTotal = unrealized
	projection.Equity = equity
	projection.MarginStatus = s.classify(equity, current.BlockedBalance)
	projection.UpdatedAt = time.Now().UTC()

	return s.persistProjection(projection)
}

func (s *Store) getPositionTx(tx *sql.Tx, userID, instrumentKey string) (domain.Position, error) {
	var qty, avg string
	err := tx.QueryRow(
		`SELECT signed_quantity, average_price FROM positions WHERE user_id = ? AND instrument_key = ?`,
		userID, instrumentKey,
	).Scan(&qty, &avg)
	if err == sql.ErrNoRows {
		return domain.Position{SignedQuantity: decimal.Zero, AveragePrice: decimal.Zero}, nil
	}
	if err != nil {
		return domain.Position{}, apperr.Wrap(apperr.Internal, "POSITION_READ_FAILED", err)
	}
	return domain.Position{SignedQuantity: mustDecimal(qty), AveragePrice: mustDecimal(avg)}, nil
}

// applyFillMath implements the §4.8 position math in pure fixed-point
// arithmetic: increase extends the average, reduce realizes PnL on the
// overlapping quantity and may flip sign to open a fresh leg at the fill
// price.
func applyFillMath(existingQty, existingAvg, q, p decimal.Decimal) (newQty, newAvg, realized decimal.Decimal) {
	zero := decimal.Zero

	sameSignOrFlat := existingQty.IsZero() || existingQty.Sign() == q.Sign()

	if sameSignOrFlat {
		newQty = existingQty.Add(q)
		absExisting := existingQty.Abs()
		absQ := q.Abs()
		denom := absExisting.Add(absQ)
		if denom.IsZero() {
			newAvg = zero
		} else {
			newAvg = absExisting.Mul(existingAvg).Add(absQ.Mul(p)).Div(denom)
		}
		return newQty, newAvg, zero
	}

	absExisting := existingQty.Abs()
	absQ := q.Abs()
	r := decimal.Min(absExisting, absQ)

	existingSign := decimal.NewFromInt(int64(existingQty.Sign()))
	realized = r.Mul(p.Sub(existingAvg)).Mul(existingSign)

	newQty = existingQty.Add(q)

	switch {
	case newQty.IsZero():
		newAvg = zero
	case newQty.Sign() != existingQty.Sign():
		// residual opens a fresh leg at the fill price
		newAvg = p
	default:
		newAvg = existingAvg
	}

	return newQty, newAvg, realized
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
