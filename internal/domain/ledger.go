package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is one leg of a double-entry ledger posting.
type AccountType string

const (
	Cash          AccountType = "CASH"
	MarginBlocked AccountType = "MARGIN_BLOCKED"
	UnrealizedPnL AccountType = "UNREALIZED_PNL"
	RealizedPnL   AccountType = "REALIZED_PNL"
	Fees          AccountType = "FEES"
)

// ReferenceType tags what business event produced a ledger entry.
type ReferenceType string

const (
	RefMargin      ReferenceType = "MARGIN"
	RefUnblock     ReferenceType = "UNBLOCK"
	RefPnL         ReferenceType = "PNL"
	RefFee         ReferenceType = "FEE"
	RefAdjustment  ReferenceType = "ADJUSTMENT"
	RefLiquidation ReferenceType = "LIQUIDATION"
)

// LedgerEntry is one immutable double-entry journal row. Debit and credit
// always move equal amounts between two accounts of the same user.
type LedgerEntry struct {
	ID             string
	UserID         string
	DebitAccount   AccountType
	CreditAccount  AccountType
	Amount         decimal.Decimal // > 0
	ReferenceType  ReferenceType
	ReferenceID    string
	IdempotencyKey string // unique
	CreatedAt      time.Time
}

// MarginStatus classifies how stressed a user's account is.
type MarginStatus string

const (
	MarginNormal      MarginStatus = "NORMAL"
	MarginStressed    MarginStatus = "STRESSED"
	MarginLiquidating MarginStatus = "LIQUIDATING"
)

// WalletProjection is the materialized, always-rebuildable view of a user's
// ledger balances.
type WalletProjection struct {
	UserID          string
	Balance         decimal.Decimal
	BlockedBalance  decimal.Decimal
	Equity          decimal.Decimal
	UnrealizedTotal decimal.Decimal
	RealizedTotal   decimal.Decimal
	FeesTotal       decimal.Decimal
	MarginStatus    MarginStatus
	UpdatedAt       time.Time
}
