package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/apperr"
	"github.com/papertrader/core/internal/domain"
)

var (
	futureMarginRate = decimal.NewFromFloat(0.15)
	optionSellRate   = decimal.NewFromFloat(1.2)
)

// RequiredMargin returns the margin blocked for a position of signedQuantity
// in an instrument of instrumentType carrying notional = |quantity| * price.
// FUTURE blocks 15% of notional; OPTION blocks full premium notional when
// net long and 120% of notional when net short; EQUITY and INDEX block the
// full notional.
func RequiredMargin(instrumentType domain.InstrumentType, signedQuantity, notional decimal.Decimal) decimal.Decimal {
	switch instrumentType {
	case domain.Future:
		return notional.Mul(futureMarginRate)
	case domain.Option:
		if signedQuantity.IsNegative() {
			return notional.Mul(optionSellRate)
		}
		return notional
	default:
		return notional
	}
}

// PositionMark is one instrument's projected state used by Pre-Trade Risk:
// the position the user would hold, and the price it is marked at.
type PositionMark struct {
	InstrumentKey  string
	InstrumentType domain.InstrumentType
	SignedQuantity decimal.Decimal
	MarkPrice      decimal.Decimal
}

// PortfolioSnapshot is the MTM state of a user's account immediately before
// an order is accepted.
type PortfolioSnapshot struct {
	Equity    decimal.Decimal
	Positions []PositionMark
}

// PreTradeInput bundles the proposed order with the instrument metadata and
// current portfolio state needed to project post-trade exposure.
type PreTradeInput struct {
	Snapshot       PortfolioSnapshot
	Order          OrderRequest
	Instrument     domain.Instrument
	ReferencePrice decimal.Decimal
}

// PreTrade runs the portfolio-level Pre-Trade Risk checks by projecting the
// position the order would leave and re-summing every limit across the
// snapshot with that one position replaced.
func (c *Checker) PreTrade(in PreTradeInput) error {
	equity := in.Snapshot.Equity
	if equity.Sign() <= 0 {
		return apperr.New(apperr.RiskLimit, "INSUFFICIENT_MARGIN_BUFFER", "account has no equity to trade against")
	}

	existingQty := decimal.Zero
	for _, p := range in.Snapshot.Positions {
		if p.InstrumentKey == in.Order.InstrumentKey {
			existingQty = p.SignedQuantity
			break
		}
	}
	delta := decimal.NewFromInt(int64(in.Order.Side.Sign())).Mul(in.Order.Quantity)
	projectedQty := existingQty.Add(delta)
	projectedNotional := projectedQty.Abs().Mul(in.ReferencePrice)

	var totalNotional, derivativeNotional, projectedMargin decimal.Decimal
	seenTarget := false
	for _, p := range in.Snapshot.Positions {
		qty := p.SignedQuantity
		mark := p.MarkPrice
		if p.InstrumentKey == in.Order.InstrumentKey {
			qty = projectedQty
			mark = in.ReferencePrice
			seenTarget = true
		}
		notional := qty.Abs().Mul(mark)
		totalNotional = totalNotional.Add(notional)
		if p.InstrumentType == domain.Future || p.InstrumentType == domain.Option {
			derivativeNotional = derivativeNotional.Add(notional)
		}
		projectedMargin = projectedMargin.Add(RequiredMargin(p.InstrumentType, qty, notional))
	}
	if !seenTarget && !projectedQty.IsZero() {
		totalNotional = totalNotional.Add(projectedNotional)
		if in.Instrument.IsDerivative() {
			derivativeNotional = derivativeNotional.Add(projectedNotional)
		}
		projectedMargin = projectedMargin.Add(RequiredMargin(in.Instrument.InstrumentType, projectedQty, projectedNotional))
	}

	if totalNotional.Div(equity).GreaterThan(c.cfg.MaxAccountLeverage) {
		return apperr.New(apperr.RiskLimit, "LEVERAGE_EXCEEDED", "effective account leverage exceeds the configured limit")
	}
	if projectedNotional.GreaterThan(c.cfg.MaxPositionNotionalPerSymbol) {
		return apperr.New(apperr.RiskLimit, "POSITION_LIMIT_EXCEEDED", "projected instrument notional exceeds the per-symbol limit")
	}
	if in.Instrument.IsDerivative() && derivativeNotional.GreaterThan(c.cfg.MaxDerivativeNotional) {
		return apperr.New(apperr.RiskLimit, "DERIVATIVE_EXPOSURE_TOO_HIGH", "projected derivative notional exceeds the configured limit")
	}
	if projectedNotional.Div(equity).GreaterThan(c.cfg.MaxSingleInstrumentConcentration) {
		return apperr.New(apperr.RiskLimit, "CONCENTRATION_RISK", "projected instrument notional is too concentrated relative to equity")
	}
	if projectedMargin.IsPositive() && equity.Div(projectedMargin).LessThanOrEqual(c.cfg.MinMarginBufferRatio) {
		return apperr.New(apperr.RiskLimit, "INSUFFICIENT_MARGIN_BUFFER", "projected margin buffer is below the configured minimum")
	}

	if in.Instrument.InstrumentType == domain.Option && projectedQty.Abs().GreaterThan(existingQty.Abs()) {
		if daysToExpiry(c.now(), in.Instrument.Expiry) < 1 {
			return apperr.New(apperr.RiskLimit, "EXPIRY_RISK_BLOCK", "cannot increase exposure to an option expiring within one IST calendar day")
		}
	}

	return nil
}

// daysToExpiry returns the number of whole IST calendar days between now
// and expiry (negative once expiry's calendar day has passed).
func daysToExpiry(now, expiry time.Time) int {
	nowIST := now.In(istLocation)
	expiryIST := expiry.In(istLocation)
	nowDay := dayStart(nowIST)
	expiryDay := dayStart(expiryIST)
	return int(expiryDay.Sub(nowDay).Hours() / 24)
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, istLocation)
}
