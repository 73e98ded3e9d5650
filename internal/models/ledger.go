package models

import (
	"time"

	"github.com/google/uuid"
)

// Token ledger reasons.
const (
	LedgerTrainingDebit   = "training_debit"
	LedgerTrainingRefund  = "training_refund"
	LedgerTokenGrant      = "token_grant"
	LedgerGenerationDebit = "generation_debit"
	LedgerPromoCredit     = "promo_credit"
)

type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	UserID       int64      `json:"user_id"`
	Delta        int64      `json:"delta"`
	Reason       string     `json:"reason"`
	ModelID      *uuid.UUID `json:"model_id,omitempty"`
	BalanceAfter int64      `json:"balance_after"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Accounting alert kinds.
const (
	AlertUnpaidDispatch = "unpaid_dispatch"
	AlertMissingDebit   = "missing_debit"
)

type AccountingAlert struct {
	ID        uuid.UUID  `json:"id"`
	UserID    int64      `json:"user_id"`
	ModelID   *uuid.UUID `json:"model_id,omitempty"`
	Kind      string     `json:"kind"`
	Details   string     `json:"details"`
	CreatedAt time.Time  `json:"created_at"`
}
