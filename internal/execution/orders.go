// Package execution drives the order lifecycle: Acceptance and Pre-Trade
// Risk at submission, then an asynchronous scan loop that calls the Fill
// Engine against working orders and posts the resulting ledger and position
// movements.
package execution

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/apperr"
	"github.com/papertrader/core/internal/domain"
)

// OrderRepo owns all reads and writes against the orders and trades tables.
type OrderRepo struct {
	db *sql.DB
}

// NewOrderRepo builds an OrderRepo bound to the orders database.
func NewOrderRepo(db *sql.DB) *OrderRepo {
	return &OrderRepo{db: db}
}

// Insert persists a newly accepted order inside tx.
func (r *OrderRepo) Insert(tx *sql.Tx, o domain.Order) error {
	_, err := tx.Exec(
		`INSERT INTO orders (id, user_id, instrument_key, side, quantity, order_type, limit_price, status,
		                      filled_qty, avg_fill_price, realized_pnl, idempotency_key, exit_reason,
		                      settlement_price, blocked_margin, created_at, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		o.ID, o.UserID, o.InstrumentKey, string(o.Side), o.Quantity.String(), string(o.OrderType), o.LimitPrice.String(),
		string(o.Status), o.FilledQty.String(), o.AvgFillPrice.String(), o.RealizedPnL.String(), o.IdempotencyKey,
		string(o.ExitReason), o.SettlementPrice.String(), o.BlockedMargin.String(), o.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "ORDER_INSERT_FAILED", err)
	}
	return nil
}

// FindByIdempotencyKey returns the existing order for (userID, key), if any.
func (r *OrderRepo) FindByIdempotencyKey(userID, key string) (domain.Order, bool, error) {
	row := r.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE user_id = ? AND idempotency_key = ?`, userID, key)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, apperr.Wrap(apperr.Internal, "ORDER_LOOKUP_FAILED", err)
	}
	return o, true, nil
}

// Get returns one order by ID.
func (r *OrderRepo) Get(id string) (domain.Order, error) {
	row := r.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, apperr.Wrap(apperr.Internal, "ORDER_GET_FAILED", err)
	}
	return o, nil
}

// ListWorking returns every order currently in ACCEPTED or WORKING state,
// across all users, for the scan loop to evaluate against the Fill Engine.
func (r *OrderRepo) ListWorking() ([]domain.Order, error) {
	rows, err := r.db.Query(`SELECT ` + orderColumns + ` FROM orders WHERE status IN ('ACCEPTED','WORKING') ORDER BY created_at ASC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "ORDER_LIST_WORKING_FAILED", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "ORDER_SCAN_FAILED", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateStatus transitions an order to status inside tx without touching
// fill fields; used for ACCEPTED→WORKING and cancellation.
func (r *OrderRepo) UpdateStatus(tx *sql.Tx, id string, status domain.OrderStatus) error {
	_, err := tx.Exec(`UPDATE orders SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "ORDER_UPDATE_STATUS_FAILED", err)
	}
	return nil
}

// MarkFilled records a terminal fill inside tx.
func (r *OrderRepo) MarkFilled(tx *sql.Tx, id string, filledQty, avgFillPrice, realizedPnL decimal.Decimal, executedAt time.Time) error {
	_, err := tx.Exec(
		`UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?, realized_pnl = ?, executed_at = ? WHERE id = ?`,
		string(domain.Filled), filledQty.String(), avgFillPrice.String(), realizedPnL.String(), executedAt.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "ORDER_MARK_FILLED_FAILED", err)
	}
	return nil
}

// InsertTrade persists an immutable trade record inside tx.
func (r *OrderRepo) InsertTrade(tx *sql.Tx, t domain.Trade) error {
	_, err := tx.Exec(
		`INSERT INTO trades (id, order_id, user_id, instrument_key, side, quantity, price, fees_total, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrderID, t.UserID, t.InstrumentKey, string(t.Side), t.Quantity.String(), t.Price.String(),
		t.Fees.Total.String(), t.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "TRADE_INSERT_FAILED", err)
	}
	return nil
}

// DeleteAllForUser wipes every order and trade for userID inside tx, used by
// resetAccount.
func (r *OrderRepo) DeleteAllForUser(tx *sql.Tx, userID string) error {
	if _, err := tx.Exec(`DELETE FROM trades WHERE user_id = ?`, userID); err != nil {
		return apperr.Wrap(apperr.Internal, "TRADES_DELETE_ALL_FAILED", err)
	}
	if _, err := tx.Exec(`DELETE FROM orders WHERE user_id = ?`, userID); err != nil {
		return apperr.Wrap(apperr.Internal, "ORDERS_DELETE_ALL_FAILED", err)
	}
	return nil
}

const orderColumns = `id, user_id, instrument_key, side, quantity, order_type, limit_price, status,
	filled_qty, avg_fill_price, realized_pnl, idempotency_key, exit_reason, settlement_price, blocked_margin, created_at, executed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row *sql.Row) (domain.Order, error) {
	return scanOrderRows(row)
}

func scanOrderRows(s rowScanner) (domain.Order, error) {
	var o domain.Order
	var side, orderType, status, exitReason string
	var quantity, limitPrice, filledQty, avgFillPrice, realizedPnL, settlementPrice, blockedMargin string
	var createdAt string
	var executedAt sql.NullString

	if err := s.Scan(&o.ID, &o.UserID, &o.InstrumentKey, &side, &quantity, &orderType, &limitPrice, &status,
		&filledQty, &avgFillPrice, &realizedPnL, &o.IdempotencyKey, &exitReason, &settlementPrice, &blockedMargin, &createdAt, &executedAt); err != nil {
		return domain.Order{}, err
	}

	o.Side = domain.Side(side)
	o.OrderType = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	o.ExitReason = domain.ExitReason(exitReason)
	o.Quantity = mustDecimal(quantity)
	o.LimitPrice = mustDecimal(limitPrice)
	o.FilledQty = mustDecimal(filledQty)
	o.AvgFillPrice = mustDecimal(avgFillPrice)
	o.RealizedPnL = mustDecimal(realizedPnL)
	o.SettlementPrice = mustDecimal(settlementPrice)
	o.BlockedMargin = mustDecimal(blockedMargin)
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if executedAt.Valid {
		o.ExecutedAt, _ = time.Parse(time.RFC3339Nano, executedAt.String)
	}
	return o, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
