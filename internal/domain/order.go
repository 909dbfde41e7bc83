package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign returns +1 for BUY, -1 for SELL.
func (s Side) Sign() int {
	if s == Buy {
		return 1
	}
	return -1
}

// OrderType is the pricing mode of an order.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	Accepted        OrderStatus = "ACCEPTED"
	Working         OrderStatus = "WORKING"
	Filled          OrderStatus = "FILLED"
	PartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	Rejected        OrderStatus = "REJECTED"
	Cancelled       OrderStatus = "CANCELLED"
	Expired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether status is one from which no transition occurs.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case Filled, Rejected, Cancelled, Expired:
		return true
	default:
		return false
	}
}

// ExitReason annotates why an order was raised on the user's behalf rather
// than submitted directly, e.g. forced liquidation or contract expiry.
type ExitReason string

const (
	ExitNone        ExitReason = ""
	ExitLiquidation ExitReason = "LIQUIDATION"
	ExitExpiry      ExitReason = "EXPIRY"
)

// Order is a user's instruction to buy or sell an instrument.
type Order struct {
	ID              string
	UserID          string
	InstrumentKey   string
	Side            Side
	Quantity        decimal.Decimal
	OrderType       OrderType
	LimitPrice      decimal.Decimal // zero when OrderType == Market
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	RealizedPnL     decimal.Decimal
	IdempotencyKey  string
	ExitReason      ExitReason
	SettlementPrice decimal.Decimal // only meaningful when ExitReason == ExitExpiry
	BlockedMargin   decimal.Decimal // CASH blocked at acceptance time; refunded verbatim on fill or cancel
	CreatedAt       time.Time
	ExecutedAt      time.Time
}

// FeesBreakdown itemizes the fees charged on a trade.
type FeesBreakdown struct {
	Total decimal.Decimal
}

// Trade is an immutable execution record.
type Trade struct {
	ID            string
	OrderID       string
	UserID        string
	InstrumentKey string
	Side          Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Fees          FeesBreakdown
	Timestamp     time.Time
}

// Position is a user's net exposure in one instrument.
type Position struct {
	UserID         string
	InstrumentKey  string
	SignedQuantity decimal.Decimal // >0 long, <0 short, 0 absent
	AveragePrice   decimal.Decimal
	InstrumentType InstrumentType
}

// IsLong reports whether the position is net long.
func (p Position) IsLong() bool { return p.SignedQuantity.IsPositive() }

// IsFlat reports whether the position is net zero.
func (p Position) IsFlat() bool { return p.SignedQuantity.IsZero() }

// WatchlistItem is one instrument a user has pinned for quote streaming,
// independent of whether they hold a position in it.
type WatchlistItem struct {
	UserID        string
	InstrumentKey string
	AddedAt       time.Time
}
