package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/execution"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/wallet"
)

// ExitSubmitter is the subset of execution.Service an expiry sweep needs.
// Satisfied by *execution.Service.
type ExitSubmitter interface {
	Submit(req execution.SubmitRequest) (domain.Order, error)
}

// ExpirySweep force-exits every open position in an instrument that has
// reached or passed its expiry, settling at the instrument's last known
// close since the exchange no longer quotes it.
type ExpirySweep struct {
	log         zerolog.Logger
	wallet      *wallet.Store
	instruments *instruments.Store
	executor    ExitSubmitter
	now         func() time.Time
}

// NewExpirySweep builds a daily expiry sweep job.
func NewExpirySweep(log zerolog.Logger, walletStore *wallet.Store, instrumentStore *instruments.Store, executor ExitSubmitter) *ExpirySweep {
	return &ExpirySweep{
		log:         log.With().Str("component", "scheduler.ExpirySweep").Logger(),
		wallet:      walletStore,
		instruments: instrumentStore,
		executor:    executor,
		now:         time.Now,
	}
}

// Name satisfies scheduler.Job.
func (e *ExpirySweep) Name() string { return "expiry-sweep" }

// Run satisfies scheduler.Job. It walks every open position system-wide and
// force-exits the ones whose instrument has expired.
func (e *ExpirySweep) Run() error {
	positions, err := e.wallet.AllOpenPositions()
	if err != nil {
		return fmt.Errorf("expiry sweep: load open positions: %w", err)
	}

	now := e.now()
	for _, p := range positions {
		if p.SignedQuantity.IsZero() {
			continue
		}
		inst, err := e.instruments.Resolve(p.InstrumentKey)
		if err != nil {
			e.log.Warn().Err(err).Str("instrument_key", p.InstrumentKey).Msg("expiry sweep could not resolve instrument")
			continue
		}
		if !inst.IsDerivative() || inst.Expiry.IsZero() || now.Before(inst.Expiry) {
			continue
		}

		side := domain.Sell
		if p.SignedQuantity.IsNegative() {
			side = domain.Buy
		}

		_, err = e.executor.Submit(execution.SubmitRequest{
			UserID: p.UserID, InstrumentKey: p.InstrumentKey, Side: side,
			Quantity: p.SignedQuantity.Abs(), OrderType: domain.Market,
			IdempotencyKey:  fmt.Sprintf("EXPIRY-%s-%s", p.UserID, p.InstrumentKey),
			ExitReason:      domain.ExitExpiry,
			SettlementPrice: decimal.NewFromFloat(inst.PrevClose),
		})
		if err != nil {
			e.log.Error().Err(err).Str("user_id", p.UserID).Str("instrument_key", p.InstrumentKey).Msg("expiry forced exit failed")
		}
	}
	return nil
}
