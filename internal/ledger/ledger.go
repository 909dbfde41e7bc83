// Package ledger implements the append-only double-entry journal. Every
// monetary movement in the system is a single recordEntry call inside the
// caller's transaction; balances are always a sum over journal rows, never a
// mutable counter.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/apperr"
	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
)

// Ledger owns all reads and writes against the ledger_entries table.
type Ledger struct {
	log      zerolog.Logger
	eventBus *events.Bus
}

// New builds a Ledger bound to a database connection supplied per call
// (every write happens inside the caller's transaction).
func New(log zerolog.Logger, eventBus *events.Bus) *Ledger {
	return &Ledger{log: log.With().Str("component", "ledger.Ledger").Logger(), eventBus: eventBus}
}

// RecordParams names the reference metadata for one entry.
type RecordParams struct {
	ReferenceType  domain.ReferenceType
	ReferenceID    string
	IdempotencyKey string
}

// RecordEntry appends one double-entry posting inside tx. If idempotencyKey
// has already been used, the prior entry's ID is returned without a second
// write — callers never need to pre-check.
func (l *Ledger) RecordEntry(tx *sql.Tx, userID string, debit, credit domain.AccountType, amount decimal.Decimal, params RecordParams) (string, error) {
	if amount.Sign() <= 0 {
		return "", apperr.New(apperr.Validation, "LEDGER_AMOUNT_NOT_POSITIVE", "ledger entry amount must be > 0")
	}
	if debit == credit {
		return "", apperr.New(apperr.Validation, "LEDGER_DEBIT_EQUALS_CREDIT", "debit and credit accounts must differ")
	}
	if params.IdempotencyKey == "" {
		return "", apperr.New(apperr.Validation, "LEDGER_MISSING_IDEMPOTENCY_KEY", "idempotency key is required")
	}

	if existingID, err := l.findByIdempotencyKey(tx, params.IdempotencyKey); err != nil {
		return "", err
	} else if existingID != "" {
		return existingID, nil
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := tx.Exec(
		`INSERT INTO ledger_entries (id, user_id, debit_account, credit_account, amount, reference_type, reference_id, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, string(debit), string(credit), amount.String(), string(params.ReferenceType), params.ReferenceID, params.IdempotencyKey, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "LEDGER_INSERT_FAILED", fmt.Errorf("record ledger entry: %w", err))
	}

	l.eventBus.Emit(events.LedgerPosted, "ledger.Ledger", map[string]any{
		"entry_id":       id,
		"user_id":        userID,
		"debit_account":  string(debit),
		"credit_account": string(credit),
		"amount":         amount.String(),
		"reference_type": string(params.ReferenceType),
		"reference_id":   params.ReferenceID,
	})

	return id, nil
}

func (l *Ledger) findByIdempotencyKey(tx *sql.Tx, key string) (string, error) {
	var id string
	err := tx.QueryRow(`SELECT id FROM ledger_entries WHERE idempotency_key = ?`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "LEDGER_IDEMPOTENCY_LOOKUP_FAILED", err)
	}
	return id, nil
}

// DeleteAll wipes every journal row for userID inside tx. Used only by
// resetAccount, which rebuilds the user from a fresh bootstrap entry
// immediately afterward.
func (l *Ledger) DeleteAll(tx *sql.Tx, userID string) error {
	if _, err := tx.Exec(`DELETE FROM ledger_entries WHERE user_id = ?`, userID); err != nil {
		return apperr.Wrap(apperr.Internal, "LEDGER_DELETE_ALL_FAILED", err)
	}
	return nil
}

// BootstrapIdempotencyKey is the well-known idempotency key for the
// one-time CASH seeding entry issued to every new user.
func BootstrapIdempotencyKey(userID string) string {
	return "ADJUSTMENT-WALLET_BOOTSTRAP_CASH-" + userID
}

// Entries returns every ledger row touching userID, ordered oldest-first,
// the input RecalculateFromLedger replays to rebuild wallet projections.
func (l *Ledger) Entries(db *sql.DB, userID string) ([]domain.LedgerEntry, error) {
	rows, err := db.Query(
		`SELECT id, user_id, debit_account, credit_account, amount, reference_type, reference_id, idempotency_key, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "LEDGER_QUERY_FAILED", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var amountStr, createdAtStr, debit, credit, refType string
		if err := rows.Scan(&e.ID, &e.UserID, &debit, &credit, &amountStr, &refType, &e.ReferenceID, &e.IdempotencyKey, &createdAtStr); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "LEDGER_SCAN_FAILED", err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "LEDGER_AMOUNT_PARSE_FAILED", err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "LEDGER_TIMESTAMP_PARSE_FAILED", err)
		}
		e.DebitAccount = domain.AccountType(debit)
		e.CreditAccount = domain.AccountType(credit)
		e.Amount = amount
		e.ReferenceType = domain.ReferenceType(refType)
		e.CreatedAt = createdAt
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "LEDGER_ROWS_FAILED", err)
	}

	return entries, nil
}
