// Package fill implements the Fill Engine: given a working order and the
// current tick, decides whether it fills now and at what price. It never
// touches the database — the Execution Service owns persistence.
package fill

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/domain"
)

// NoFillReason explains why an order did not fill this cycle.
type NoFillReason string

const (
	NoTick      NoFillReason = "NO_TICK"
	LimitNotMet NoFillReason = "LIMIT_NOT_MET"
)

// Decision is the outcome of evaluating one working order against a tick.
type Decision struct {
	ShouldFill bool
	Reason     NoFillReason // meaningful only when ShouldFill is false
	FillPrice  decimal.Decimal
}

// TickSource resolves the freshest usable price for an instrument.
type TickSource interface {
	Latest(instrumentKey string) (domain.NormalizedTick, bool)
}

var (
	bpsDivisor = decimal.NewFromInt(10000)
	minSlippageBPS = 5
	maxSlippageBPS = 15
)

// Engine evaluates working orders against live ticks.
type Engine struct {
	ticks          TickSource
	maxTickAge     time.Duration
	slippageEquity int
	slippageFuture int
	slippageOption int
}

// New builds a Fill Engine. Slippage bps inputs are clamped to [5,15] per
// spec regardless of what config supplies.
func New(ticks TickSource, maxTickAge time.Duration, slippageEquityBPS, slippageFutureBPS, slippageOptionBPS int) *Engine {
	return &Engine{
		ticks:          ticks,
		maxTickAge:     maxTickAge,
		slippageEquity: clamp(slippageEquityBPS),
		slippageFuture: clamp(slippageFutureBPS),
		slippageOption: clamp(slippageOptionBPS),
	}
}

func clamp(v int) int {
	if v < minSlippageBPS {
		return minSlippageBPS
	}
	if v > maxSlippageBPS {
		return maxSlippageBPS
	}
	return v
}

// Evaluate decides whether order fills against the current tick for
// instrument. now is injectable for deterministic tests.
func (e *Engine) Evaluate(order domain.Order, instrument domain.Instrument, now time.Time) Decision {
	if order.ExitReason == domain.ExitExpiry {
		return Decision{ShouldFill: true, FillPrice: order.SettlementPrice}
	}

	tick, ok := e.ticks.Latest(order.InstrumentKey)
	if !ok || now.Sub(tick.Timestamp) > e.maxTickAge {
		return Decision{ShouldFill: false, Reason: NoTick}
	}
	price := decimal.NewFromFloat(tick.Price)

	if order.OrderType == domain.Market {
		return Decision{ShouldFill: true, FillPrice: e.applySlippage(price, order.Side, instrument)}
	}

	// LIMIT
	if order.Side == domain.Buy && price.GreaterThan(order.LimitPrice) {
		return Decision{ShouldFill: false, Reason: LimitNotMet}
	}
	if order.Side == domain.Sell && price.LessThan(order.LimitPrice) {
		return Decision{ShouldFill: false, Reason: LimitNotMet}
	}
	return Decision{ShouldFill: true, FillPrice: roundToward(order.LimitPrice, decimal.NewFromFloat(instrument.TickSize), order.Side)}
}

// applySlippage moves price against the taker by the instrument's tiered bps
// and rounds away from the taker to the tick grid: up for BUY, down for SELL.
func (e *Engine) applySlippage(price decimal.Decimal, side domain.Side, instrument domain.Instrument) decimal.Decimal {
	bps := e.slippageEquity
	switch instrument.InstrumentType {
	case domain.Future:
		bps = e.slippageFuture
	case domain.Option:
		bps = e.slippageOption
	}
	slip := price.Mul(decimal.NewFromInt(int64(bps))).Div(bpsDivisor)

	var adjusted decimal.Decimal
	if side == domain.Buy {
		adjusted = price.Add(slip)
	} else {
		adjusted = price.Sub(slip)
	}
	return roundAway(adjusted, decimal.NewFromFloat(instrument.TickSize), side)
}

// roundAway rounds to the tick grid away from the taker: up for BUY, down
// for SELL, so slippage never understates the cost of a market order.
func roundAway(price decimal.Decimal, tickSize decimal.Decimal, side domain.Side) decimal.Decimal {
	if tickSize.Sign() <= 0 {
		return price
	}
	ticks := price.Div(tickSize)
	if side == domain.Buy {
		return ticks.Ceil().Mul(tickSize)
	}
	return ticks.Floor().Mul(tickSize)
}

// roundToward rounds a LIMIT fill price toward the limit on the tick grid:
// down for BUY (never pay more than quoted), up for SELL (never receive less
// than quoted).
func roundToward(limitPrice decimal.Decimal, tickSize decimal.Decimal, side domain.Side) decimal.Decimal {
	if tickSize.Sign() <= 0 {
		return limitPrice
	}
	ticks := limitPrice.Div(tickSize)
	if side == domain.Buy {
		return ticks.Floor().Mul(tickSize)
	}
	return ticks.Ceil().Mul(tickSize)
}
