// Package risk implements Order Acceptance and Pre-Trade Risk: the
// synchronous checks every order must clear before the Execution Service
// blocks margin and persists it. Every check here is a pure function over
// caller-supplied snapshots — there is no background loop and no shared
// mutable state, unlike a kill-switch style risk monitor that watches a
// stream of position reports and fires asynchronously.
package risk

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/apperr"
	"github.com/papertrader/core/internal/config"
	"github.com/papertrader/core/internal/domain"
)

// istLocation is used for expiry-guard calendar-day computation.
var istLocation = time.FixedZone("IST", 5*3600+30*60)

// OrderRequest is the caller's proposed order, prior to acceptance.
type OrderRequest struct {
	UserID        string
	InstrumentKey string
	Side          domain.Side
	Quantity      decimal.Decimal
	OrderType     domain.OrderType
	LimitPrice    decimal.Decimal // zero for MARKET
}

// AcceptanceInput bundles an order request with the context needed to run
// the cheap synchronous checks.
type AcceptanceInput struct {
	Order            OrderRequest
	ReferencePrice   decimal.Decimal
	ExistingPosition decimal.Decimal // signed quantity, zero if flat/absent
	TickSize         decimal.Decimal
}

// Checker runs Order Acceptance and Pre-Trade Risk against a configured set
// of limits.
type Checker struct {
	cfg *config.Config
	log zerolog.Logger
	now func() time.Time
}

// New builds a Checker bound to cfg's risk limits.
func New(cfg *config.Config, log zerolog.Logger) *Checker {
	return &Checker{cfg: cfg, log: log.With().Str("component", "risk.Checker").Logger(), now: time.Now}
}

var half = decimal.NewFromFloat(0.5)

// Accept runs the cheap, synchronous Order Acceptance checks. It never
// touches the database or any other component's state.
func (c *Checker) Accept(in AcceptanceInput) error {
	order := in.Order

	if order.Quantity.Sign() <= 0 {
		return apperr.New(apperr.Validation, "QUANTITY_SANITY", "order quantity must be positive")
	}

	if c.cfg.PaperTradingMode && isReducingOrder(in.ExistingPosition, order.Side) {
		if !order.Quantity.Equal(in.ExistingPosition.Abs()) {
			return apperr.New(apperr.Validation, "PARTIAL_EXIT_NOT_ALLOWED", "paper mode requires exiting the full position size")
		}
	}

	priceForChecks := in.ReferencePrice
	if order.OrderType == domain.Limit {
		if order.LimitPrice.Sign() <= 0 {
			return apperr.New(apperr.Validation, "PRICE_TICK_VALIDATION", "limit price must be positive")
		}
		if !alignedToTick(order.LimitPrice, in.TickSize) {
			return apperr.New(apperr.Validation, "PRICE_TICK_VALIDATION", "limit price is not aligned to the instrument tick size")
		}
		priceForChecks = order.LimitPrice

		if in.ReferencePrice.IsPositive() {
			deviation := order.LimitPrice.Sub(in.ReferencePrice).Abs().Div(in.ReferencePrice)
			if deviation.GreaterThan(half) {
				return apperr.New(apperr.FatFinger, "FAT_FINGER_PRICE", "limit price deviates more than 50% from the reference price")
			}
		}
	}

	if c.cfg.MaxNotionalPerOrderEnabled {
		notional := order.Quantity.Mul(priceForChecks)
		if notional.GreaterThan(c.cfg.MaxNotionalPerOrder) {
			return apperr.New(apperr.NotionalCap, "MAX_NOTIONAL_PER_ORDER", "order notional exceeds the per-order cap")
		}
	}

	return nil
}

// isReducingOrder reports whether side moves existingQty toward zero.
func isReducingOrder(existingQty decimal.Decimal, side domain.Side) bool {
	if existingQty.IsZero() {
		return false
	}
	return side.Sign() != existingQty.Sign()
}

// alignedToTick reports whether price is an integer multiple of tickSize,
// within a small epsilon to tolerate decimal rounding.
func alignedToTick(price, tickSize decimal.Decimal) bool {
	if tickSize.Sign() <= 0 {
		return true
	}
	ratio := price.Div(tickSize)
	nearest := ratio.Round(0)
	eps := decimal.NewFromFloat(0.0001)
	return ratio.Sub(nearest).Abs().LessThanOrEqual(eps)
}
