// Package instruments is the in-memory canonical registry of tradable
// contracts. It resolves symbols and keys to Instrument metadata without
// ever blocking a reader against a concurrent refresh.
package instruments

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/papertrader/core/internal/apperr"
	"github.com/papertrader/core/internal/domain"
)

// optionKey identifies an option leg by its defining coordinates.
type optionKey struct {
	underlying string
	expiryUnix int64
	optionType domain.OptionType
	strike     float64
}

// snapshot is an immutable, fully-indexed view of the instrument universe.
// Refresh builds a new snapshot and swaps the pointer atomically; readers
// never take a lock.
type snapshot struct {
	byKey    map[string]domain.Instrument
	bySymbol map[string]domain.Instrument
	byOption map[optionKey]domain.Instrument
}

// Store is the process-wide Instrument Store singleton. Construct one per
// process via New and wire it through the composition root.
type Store struct {
	current atomic.Pointer[snapshot]
}

// New creates an empty, not-yet-loaded Store.
func New() *Store {
	return &Store{}
}

// ErrNotReady is returned by any lookup before the first Load completes.
var ErrNotReady = apperr.New(apperr.Internal, "INSTRUMENT_STORE_NOT_READY", "instrument store has not completed its first load")

// Load replaces the entire instrument universe with the given set, building
// fresh indexes and swapping them in atomically.
func (s *Store) Load(instruments []domain.Instrument) error {
	next := &snapshot{
		byKey:    make(map[string]domain.Instrument, len(instruments)),
		bySymbol: make(map[string]domain.Instrument, len(instruments)),
		byOption: make(map[optionKey]domain.Instrument),
	}

	for _, inst := range instruments {
		if inst.InstrumentKey == "" {
			return fmt.Errorf("instrument missing instrumentKey: %+v", inst)
		}
		if _, dup := next.byKey[inst.InstrumentKey]; dup {
			return fmt.Errorf("duplicate instrumentKey %q", inst.InstrumentKey)
		}
		if inst.TickSize <= 0 {
			return fmt.Errorf("instrument %q: tickSize must be > 0", inst.InstrumentKey)
		}
		if inst.LotSize < 1 {
			return fmt.Errorf("instrument %q: lotSize must be >= 1", inst.InstrumentKey)
		}

		next.byKey[inst.InstrumentKey] = inst
		next.bySymbol[strings.ToUpper(inst.TradingSymbol)] = inst

		if inst.InstrumentType == domain.Option {
			next.byOption[optionKey{
				underlying: inst.Underlying,
				expiryUnix: inst.Expiry.Unix(),
				optionType: inst.OptionType,
				strike:     inst.Strike,
			}] = inst
		}
	}

	s.current.Store(next)
	return nil
}

// Refresh is an alias for Load kept for call-site clarity at the
// composition root (periodic reload vs. initial boot load share the same
// copy-on-write swap semantics).
func (s *Store) Refresh(instruments []domain.Instrument) error {
	return s.Load(instruments)
}

// Resolve looks up an instrument by instrumentKey, by tradingSymbol
// (case-insensitive), or by the identifier after the "|" of an
// exchange-qualified instrumentKey (the ISIN in "NSE_EQ|<ISIN>"). When several
// keys share that identifier, which one is returned is not defined.
func (s *Store) Resolve(symbolOrKey string) (domain.Instrument, error) {
	snap := s.current.Load()
	if snap == nil {
		return domain.Instrument{}, ErrNotReady
	}

	if inst, ok := snap.byKey[symbolOrKey]; ok {
		return inst, nil
	}
	if inst, ok := snap.bySymbol[strings.ToUpper(symbolOrKey)]; ok {
		return inst, nil
	}
	for key, inst := range snap.byKey {
		if i := strings.LastIndex(key, "|"); i >= 0 && key[i+1:] == symbolOrKey {
			return inst, nil
		}
	}

	return domain.Instrument{}, apperr.New(apperr.InstrumentNotFnd, "INSTRUMENT_NOT_FOUND", fmt.Sprintf("no instrument for %q", symbolOrKey))
}

// ResolveOption looks up an option leg by its defining coordinates.
func (s *Store) ResolveOption(underlying string, expiryUnix int64, optionType domain.OptionType, strike float64) (domain.Instrument, error) {
	snap := s.current.Load()
	if snap == nil {
		return domain.Instrument{}, ErrNotReady
	}
	key := optionKey{underlying: underlying, expiryUnix: expiryUnix, optionType: optionType, strike: strike}
	if inst, ok := snap.byOption[key]; ok {
		return inst, nil
	}
	return domain.Instrument{}, apperr.New(apperr.InstrumentNotFnd, "INSTRUMENT_NOT_FOUND", "no matching option leg")
}

// Ready reports whether a load has completed.
func (s *Store) Ready() bool {
	return s.current.Load() != nil
}

// Count returns the number of loaded instruments, or 0 before first load.
func (s *Store) Count() int {
	snap := s.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.byKey)
}
