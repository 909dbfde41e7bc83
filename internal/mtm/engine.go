// Package mtm implements the Mark-to-Market Engine: a Tick Bus subscriber
// that revalues every affected user's open positions on each tick, flushes
// the resulting snapshot to the Wallet projection on a coalesced cadence,
// and raises forced-exit orders for any account that crosses into the
// LIQUIDATING margin status.
package mtm

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/execution"
	"github.com/papertrader/core/internal/ticks"
	"github.com/papertrader/core/internal/wallet"
)

// ForcedExitSubmitter raises a forced-exit order on a user's behalf. Satisfied
// by *execution.Service; narrowed to an interface so liquidation can be
// exercised against a fake in tests.
type ForcedExitSubmitter interface {
	Submit(req execution.SubmitRequest) (domain.Order, error)
}

// Engine revalues positions on every tick and flushes to the Wallet Store.
type Engine struct {
	log      zerolog.Logger
	tickBus  *ticks.Bus
	wallet   *wallet.Store
	executor ForcedExitSubmitter

	flushInterval time.Duration

	mu       sync.Mutex
	pending  map[string]decimal.Decimal // userID -> latest computed unrealized total
	dirty    map[string]struct{}        // userID set touched since last flush
	liveLiq  map[string]int             // "userID|instrumentKey" -> liquidation episode counter
	inFlight map[string]struct{}        // "userID|instrumentKey" currently awaiting a forced exit

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool

	unsubscribe func()
}

// New builds an MTM Engine. executor may be nil in tests that only exercise
// revaluation and never expect a LIQUIDATING transition.
func New(log zerolog.Logger, tickBus *ticks.Bus, walletStore *wallet.Store, executor ForcedExitSubmitter, flushInterval time.Duration) *Engine {
	if flushInterval <= 0 {
		flushInterval = 250 * time.Millisecond
	}
	return &Engine{
		log:           log.With().Str("component", "mtm.Engine").Logger(),
		tickBus:       tickBus,
		wallet:        walletStore,
		executor:      executor,
		flushInterval: flushInterval,
		pending:       make(map[string]decimal.Decimal),
		dirty:         make(map[string]struct{}),
		liveLiq:       make(map[string]int),
		inFlight:      make(map[string]struct{}),
		stopCh:        make(chan struct{}),
	}
}

// Start subscribes to the Tick Bus and launches the coalesced flush loop.
// Idempotent.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	e.unsubscribe = e.tickBus.Subscribe(e.onTick)
	e.wg.Add(1)
	go e.flushLoop()
}

// Stop halts the flush loop and unsubscribes from the Tick Bus.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) onTick(tick domain.NormalizedTick) {
	users, err := e.wallet.UsersWithPosition(tick.InstrumentKey)
	if err != nil {
		e.log.Error().Err(err).Str("instrument_key", tick.InstrumentKey).Msg("reverse index lookup failed")
		return
	}
	for _, userID := range users {
		e.recompute(userID)
	}
}

// recompute sums unrealized PnL across every open position of userID, marking
// price using the Tick Bus's latest value (falling back to the position's own
// average price, i.e. zero unrealized, when no tick has arrived yet) and
// stages the result for the next coalesced flush.
func (e *Engine) recompute(userID string) {
	positions, err := e.wallet.GetPositions(userID)
	if err != nil {
		e.log.Error().Err(err).Str("user_id", userID).Msg("unrealized recompute failed")
		return
	}

	total := decimal.Zero
	open := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		total = total.Add(e.positionUnrealized(p))
		open[p.InstrumentKey] = struct{}{}
	}

	e.mu.Lock()
	e.pending[userID] = total
	e.dirty[userID] = struct{}{}
	e.releaseClosedLiquidations(userID, open)
	e.mu.Unlock()
}

// releaseClosedLiquidations clears the in-flight liquidation guard for any
// (userID, instrumentKey) pair whose position has since closed, so a future
// stress episode on that instrument can raise a fresh forced exit. Must be
// called with mu held.
func (e *Engine) releaseClosedLiquidations(userID string, open map[string]struct{}) {
	prefix := userID + "|"
	for pairKey := range e.inFlight {
		if len(pairKey) <= len(prefix) || pairKey[:len(prefix)] != prefix {
			continue
		}
		instrumentKey := pairKey[len(prefix):]
		if _, stillOpen := open[instrumentKey]; !stillOpen {
			delete(e.inFlight, pairKey)
		}
	}
}

func (e *Engine) unrealizedTotal(userID string) (decimal.Decimal, error) {
	positions, err := e.wallet.GetPositions(userID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(e.positionUnrealized(p))
	}
	return total, nil
}

func (e *Engine) positionUnrealized(p domain.Position) decimal.Decimal {
	tick, ok := e.tickBus.Latest(p.InstrumentKey)
	if !ok {
		return decimal.Zero
	}
	mark := decimal.NewFromFloat(tick.Price)
	return p.SignedQuantity.Mul(mark.Sub(p.AveragePrice))
}

// ForceRefresh recomputes and flushes userID's snapshot synchronously,
// bypassing the coalescing window. Used by tests and after account resets.
func (e *Engine) ForceRefresh(userID string) error {
	unrealized, err := e.unrealizedTotal(userID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.pending, userID)
	delete(e.dirty, userID)
	e.mu.Unlock()

	return e.flushUser(userID, unrealized)
}

func (e *Engine) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			e.flushDirty()
			return
		case <-ticker.C:
			e.flushDirty()
		}
	}
}

func (e *Engine) flushDirty() {
	e.mu.Lock()
	if len(e.dirty) == 0 {
		e.mu.Unlock()
		return
	}
	batch := make(map[string]decimal.Decimal, len(e.dirty))
	for userID := range e.dirty {
		batch[userID] = e.pending[userID]
	}
	e.dirty = make(map[string]struct{})
	e.mu.Unlock()

	for userID, unrealized := range batch {
		if err := e.flushUser(userID, unrealized); err != nil {
			e.log.Error().Err(err).Str("user_id", userID).Msg("mtm flush failed")
		}
	}
}

func (e *Engine) flushUser(userID string, unrealized decimal.Decimal) error {
	if err := e.wallet.ApplyMark(userID, unrealized); err != nil {
		return err
	}

	w, err := e.wallet.GetWallet(userID)
	if err != nil {
		return err
	}
	if w.MarginStatus == domain.MarginLiquidating {
		e.liquidate(userID)
	}
	return nil
}

// liquidate raises a forced-exit MARKET order per open position, largest-loss
// first, so the position doing the most damage to equity is closed first.
// Each (user, instrument) pair is only ever in flight once: a repeat flush
// that observes the position still open is a no-op until the prior forced
// exit's order clears the reverse index by fully closing the position.
func (e *Engine) liquidate(userID string) {
	if e.executor == nil {
		return
	}
	positions, err := e.wallet.GetPositions(userID)
	if err != nil {
		e.log.Error().Err(err).Str("user_id", userID).Msg("liquidation position lookup failed")
		return
	}

	type scored struct {
		position domain.Position
		loss     decimal.Decimal
	}
	ranked := make([]scored, 0, len(positions))
	for _, p := range positions {
		ranked = append(ranked, scored{position: p, loss: e.positionUnrealized(p)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].loss.LessThan(ranked[j].loss) })

	for _, s := range ranked {
		pairKey := userID + "|" + s.position.InstrumentKey

		e.mu.Lock()
		_, busy := e.inFlight[pairKey]
		if !busy {
			e.inFlight[pairKey] = struct{}{}
			e.liveLiq[pairKey]++
		}
		episode := e.liveLiq[pairKey]
		e.mu.Unlock()
		if busy {
			continue
		}

		side := domain.Sell
		if s.position.SignedQuantity.IsNegative() {
			side = domain.Buy
		}

		_, err := e.executor.Submit(execution.SubmitRequest{
			UserID: userID, InstrumentKey: s.position.InstrumentKey, Side: side,
			Quantity: s.position.SignedQuantity.Abs(), OrderType: domain.Market,
			IdempotencyKey: liquidationIdempotencyKey(userID, s.position.InstrumentKey, episode),
			ExitReason:     domain.ExitLiquidation,
		})
		if err != nil {
			e.log.Error().Err(err).Str("user_id", userID).Str("instrument_key", s.position.InstrumentKey).Msg("forced exit submit failed")
			e.mu.Lock()
			delete(e.inFlight, pairKey)
			e.mu.Unlock()
		}
	}
}

func liquidationIdempotencyKey(userID, instrumentKey string, episode int) string {
	return "LIQUIDATION-" + userID + "-" + instrumentKey + "-" + strconv.Itoa(episode)
}
