// Package domain holds the core value types shared across the trading
// components: instruments, ticks, orders, trades, positions, and ledger
// entries. None of these types own mutable shared state — they are passed
// by value or as immutable snapshots between components.
package domain

import "time"

// InstrumentType classifies what an instrument represents.
type InstrumentType string

const (
	Equity InstrumentType = "EQUITY"
	Index  InstrumentType = "INDEX"
	Future InstrumentType = "FUTURE"
	Option InstrumentType = "OPTION"
)

// OptionType distinguishes calls from puts; empty for non-option instruments.
type OptionType string

const (
	CallOption OptionType = "CE"
	PutOption  OptionType = "PE"
)

// Instrument is a tradable contract, exchange-qualified and immutable for
// its lifetime once loaded into the Instrument Store.
type Instrument struct {
	InstrumentKey  string // e.g. "NSE_EQ|INE002A01018"
	TradingSymbol  string
	Name           string
	Underlying     string
	Segment        string
	InstrumentType InstrumentType
	OptionType     OptionType // "" for non-options
	Strike         float64    // 0 for non-options
	Expiry         time.Time  // zero value for non-derivatives
	TickSize       float64    // > 0
	LotSize        int        // >= 1
	PrevClose      float64    // previous session close, used by the Price Oracle fallback
}

// IsDerivative reports whether the instrument is a FUTURE or OPTION.
func (i Instrument) IsDerivative() bool {
	return i.InstrumentType == Future || i.InstrumentType == Option
}

// NormalizedTick is the broker-agnostic tick shape that flows from the
// Broker Adapter through the Tick Bus to every downstream consumer.
type NormalizedTick struct {
	InstrumentKey string
	Symbol        string
	Price         float64
	Volume        int64
	Timestamp     time.Time // exchange timestamp, second resolution
	Exchange      string
	PrevClose     float64
}
