package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry kinds. The ledger is append-only; rows are never updated or
// deleted by the application.
const (
	EntryKindTopup      = "topup"
	EntryKindHold       = "hold"
	EntryKindCharge     = "charge"
	EntryKindRefund     = "refund"
	EntryKindAdjustment = "adjustment"
)

// EntryStatusDone marks a ledger row as applied. A second insert with the
// same ref is detected by looking this status up before mutating the wallet.
const EntryStatusDone = "done"

// Wallet represents a user's credit balance. Balance and Hold never go
// negative; both are mutated only by the ledger under a row lock.
type Wallet struct {
	// UserID is the chat-platform user id owning the wallet.
	UserID int64 `json:"user_id" gorm:"column:user_id;primaryKey"`
	// Balance is the amount available for new reservations.
	Balance decimal.Decimal `json:"balance" gorm:"column:balance;type:numeric(18,6);not null"`
	// Hold is the amount reserved for in-flight generations.
	Hold decimal.Decimal `json:"hold" gorm:"column:hold;type:numeric(18,6);not null"`
	// UpdatedAt is the time of the last ledger mutation.
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

// LedgerEntry is one append-only money movement. Ref is the caller-supplied
// idempotency key; it is unique across all entries.
type LedgerEntry struct {
	ID        string          `json:"id" gorm:"column:id;primaryKey"`
	UserID    int64           `json:"user_id" gorm:"column:user_id;index;not null"`
	Kind      string          `json:"kind" gorm:"column:kind;not null"`
	Amount    decimal.Decimal `json:"amount" gorm:"column:amount;type:numeric(18,6);not null"`
	Status    string          `json:"status" gorm:"column:status;not null"`
	Ref       string          `json:"ref" gorm:"column:ref;uniqueIndex;not null"`
	Meta      string          `json:"meta" gorm:"column:meta"`
	CreatedAt time.Time       `json:"created_at" gorm:"column:created_at;index"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Pending charge states. A charge reaches exactly one terminal state.
const (
	ChargeStatusPending   = "pending"
	ChargeStatusCommitted = "committed"
	ChargeStatusReleased  = "released"
)

// PendingCharge tracks the reservation made for one generation task from
// creation until it is either committed or released.
type PendingCharge struct {
	TaskID    string          `json:"task_id" gorm:"column:task_id;primaryKey"`
	UserID    int64           `json:"user_id" gorm:"column:user_id;index;not null"`
	Amount    decimal.Decimal `json:"amount" gorm:"column:amount;type:numeric(18,6);not null"`
	ModelID   string          `json:"model_id" gorm:"column:model_id"`
	Status    string          `json:"status" gorm:"column:status;index;not null"`
	HoldRef   string          `json:"hold_ref" gorm:"column:hold_ref"`
	Reason    string          `json:"reason" gorm:"column:reason"`
	CreatedAt time.Time       `json:"created_at" gorm:"column:created_at;index"`
	UpdatedAt time.Time       `json:"updated_at" gorm:"column:updated_at"`
}

func (PendingCharge) TableName() string { return "pending_charges" }

// Reserved reports whether money was actually held for this charge. Free
// tasks carry a pending charge with no hold behind it.
func (c *PendingCharge) Reserved() bool {
	return c.HoldRef != "" && c.Amount.IsPositive()
}
