package ledger

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrader/core/internal/database"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
)

var memDBCounter int64

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	n := atomic.AddInt64(&memDBCounter, 1)
	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:ledgertest%d?mode=memory&cache=shared", n),
		Profile: database.ProfileStandard,
		Name:    "ledger",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRecordEntryRoundTrip(t *testing.T) {
	db := newTestDB(t)
	l := New(zerolog.Nop(), events.NewBus(zerolog.Nop()))

	var entryID string
	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		id, err := l.RecordEntry(tx, "user-1", domain.Cash, domain.MarginBlocked, decimal.NewFromInt(1000), RecordParams{
			ReferenceType:  domain.RefMargin,
			ReferenceID:    "order-1",
			IdempotencyKey: "MARGIN-order-1",
		})
		entryID = id
		return err
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entryID)

	entries, err := l.Entries(db.Conn(), "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, domain.Cash, entries[0].DebitAccount)
	assert.Equal(t, domain.MarginBlocked, entries[0].CreditAccount)
}

func TestRecordEntryIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	l := New(zerolog.Nop(), events.NewBus(zerolog.Nop()))

	var firstID, secondID string
	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		id, err := l.RecordEntry(tx, "user-1", domain.Cash, domain.MarginBlocked, decimal.NewFromInt(500), RecordParams{
			ReferenceType:  domain.RefMargin,
			ReferenceID:    "order-2",
			IdempotencyKey: "MARGIN-order-2",
		})
		firstID = id
		return err
	})
	require.NoError(t, err)

	err = database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		id, err := l.RecordEntry(tx, "user-1", domain.Cash, domain.MarginBlocked, decimal.NewFromInt(500), RecordParams{
			ReferenceType:  domain.RefMargin,
			ReferenceID:    "order-2",
			IdempotencyKey: "MARGIN-order-2",
		})
		secondID = id
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, firstID, secondID)

	entries, err := l.Entries(db.Conn(), "user-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordEntryRejectsNonPositiveAmount(t *testing.T) {
	db := newTestDB(t)
	l := New(zerolog.Nop(), events.NewBus(zerolog.Nop()))

	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := l.RecordEntry(tx, "user-1", domain.Cash, domain.MarginBlocked, decimal.Zero, RecordParams{
			ReferenceType:  domain.RefMargin,
			ReferenceID:    "order-3",
			IdempotencyKey: "MARGIN-order-3",
		})
		return err
	})
	assert.Error(t, err)
}

func TestRecordEntryRejectsSameDebitAndCredit(t *testing.T) {
	db := newTestDB(t)
	l := New(zerolog.Nop(), events.NewBus(zerolog.Nop()))

	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := l.RecordEntry(tx, "user-1", domain.Cash, domain.Cash, decimal.NewFromInt(100), RecordParams{
			ReferenceType:  domain.RefAdjustment,
			ReferenceID:    "order-4",
			IdempotencyKey: "ADJUSTMENT-order-4",
		})
		return err
	})
	assert.Error(t, err)
}

func TestBalanceIsSumOfCreditsMinusDebits(t *testing.T) {
	db := newTestDB(t)
	l := New(zerolog.Nop(), events.NewBus(zerolog.Nop()))

	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := l.RecordEntry(tx, "user-1", domain.RealizedPnL, domain.Cash, decimal.NewFromInt(100000), RecordParams{
			ReferenceType: domain.RefAdjustment, ReferenceID: "bootstrap", IdempotencyKey: BootstrapIdempotencyKey("user-1"),
		}); err != nil {
			return err
		}
		if _, err := l.RecordEntry(tx, "user-1", domain.Cash, domain.MarginBlocked, decimal.NewFromInt(20000), RecordParams{
			ReferenceType: domain.RefMargin, ReferenceID: "order-5", IdempotencyKey: "MARGIN-order-5",
		}); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	entries, err := l.Entries(db.Conn(), "user-1")
	require.NoError(t, err)

	balances := map[domain.AccountType]decimal.Decimal{}
	for _, e := range entries {
		balances[e.CreditAccount] = balances[e.CreditAccount].Add(e.Amount)
		balances[e.DebitAccount] = balances[e.DebitAccount].Sub(e.Amount)
	}

	assert.True(t, balances[domain.Cash].Equal(decimal.NewFromInt(80000)))
	assert.True(t, balances[domain.MarginBlocked].Equal(decimal.NewFromInt(20000)))
}
