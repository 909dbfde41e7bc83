// Package pricing implements the Price Oracle: the single bestPrice
// resolution chain every order-facing component calls to get a reference
// price, falling back from live ticks down to a deterministic simulation.
package pricing

import (
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/papertrader/core/internal/apperr"
	"github.com/papertrader/core/internal/feedhealth"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/ticks"
)

// walkState is the per-instrument state of the deterministic random-walk
// simulation oracle.
type walkState struct {
	price float64
	rng   distuv.Normal
}

// Oracle resolves a best-effort reference price for an instrument, in order:
// fresh Tick Bus cache, Feed Health last-known, Instrument Store prevClose,
// and (only in paper trading mode) a deterministic random walk.
type Oracle struct {
	bus           *ticks.Bus
	feedHealth    *feedhealth.Monitor
	store         *instruments.Store
	maxTickAge    time.Duration
	paperTrading  bool

	mu    sync.Mutex
	walks map[string]*walkState
}

// New builds a Price Oracle. maxTickAge is FEED_MAX_TICK_AGE_MS; paperTrading
// gates the simulation fallback (PAPER_TRADING_MODE).
func New(bus *ticks.Bus, fh *feedhealth.Monitor, store *instruments.Store, maxTickAge time.Duration, paperTrading bool) *Oracle {
	return &Oracle{
		bus:          bus,
		feedHealth:   fh,
		store:        store,
		maxTickAge:   maxTickAge,
		paperTrading: paperTrading,
		walks:        make(map[string]*walkState),
	}
}

// BestPrice resolves a reference price for instrumentKey via the tiered
// fallback chain. Always returns a strictly positive price on success.
func (o *Oracle) BestPrice(instrumentKey string) (float64, error) {
	if tick, ok := o.bus.Latest(instrumentKey); ok {
		if age := time.Since(tick.Timestamp); age <= o.maxTickAge && tick.Price > 0 {
			return tick.Price, nil
		}
	}

	if o.feedHealth != nil {
		if price, ok := o.feedHealth.LastPrice(instrumentKey, o.maxTickAge); ok && price > 0 {
			return price, nil
		}
	}

	if inst, err := o.store.Resolve(instrumentKey); err == nil && inst.PrevClose > 0 {
		return inst.PrevClose, nil
	}

	if o.paperTrading {
		if price, ok := o.simulate(instrumentKey); ok {
			return price, nil
		}
	}

	return 0, apperr.New(apperr.NoReferencePrice, "NO_REFERENCE_PRICE", "no reference price available for "+instrumentKey)
}

// simulate advances (or seeds) a random walk for an instrument, anchored on
// the Instrument Store's prevClose so successive calls within a process
// produce a coherent, if synthetic, price series. Each step is normally
// distributed with a standard deviation of 0.15% of the seed price, drawn
// from a generator seeded by a hash of instrumentKey.
func (o *Oracle) simulate(instrumentKey string) (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.walks[instrumentKey]
	if !ok {
		seed := 100.0
		if inst, err := o.store.Resolve(instrumentKey); err == nil && inst.PrevClose > 0 {
			seed = inst.PrevClose
		}
		h := fnv.New64a()
		h.Write([]byte(instrumentKey))
		w = &walkState{
			price: seed,
			rng:   distuv.Normal{Mu: 0, Sigma: seed * 0.0015, Src: rand.NewPCG(h.Sum64(), 0)},
		}
		o.walks[instrumentKey] = w
	}

	step := w.rng.Rand()
	next := w.price + step
	if next <= 0 {
		next = w.price * 0.999 // never cross zero; decay toward it instead
	}
	w.price = next

	return w.price, true
}

// Reset clears simulation state for an instrument, used by account/demo
// resets so a fresh walk starts from the current prevClose again.
func (o *Oracle) Reset(instrumentKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.walks, instrumentKey)
}
