package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/artifex-bot/artifex/internal/models"
	"github.com/artifex-bot/artifex/pkg/logger"
)

// Outcome is the business result of a ledger operation. Insufficient funds
// or a replayed ref are results, not faults; errors are reserved for storage
// failures.
type Outcome string

const (
	OutcomeApplied             Outcome = "applied"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeInsufficientBalance Outcome = "insufficient_balance"
	OutcomeInsufficientHold    Outcome = "insufficient_hold"
)

// WalletLedger owns all money movement. Every operation runs inside one
// storage transaction with a row lock on the target wallet, inserts exactly
// one append-only ledger entry, and is idempotent by ref. The Tx variants
// run inside a caller-owned wallet transaction so the mutation can be
// paired atomically with other writes.
type WalletLedger struct {
	logger *logger.Logger
	repo   models.Repository
}

func NewWalletLedger(repo models.Repository, logger *logger.Logger) *WalletLedger {
	return &WalletLedger{repo: repo, logger: logger}
}

type mutateFunc func(w *models.Wallet) (Outcome, *models.LedgerEntry)

// Topup credits the available balance.
func (l *WalletLedger) Topup(ctx context.Context, userID int64, amount decimal.Decimal, ref string, meta map[string]any) (Outcome, error) {
	return l.apply(ctx, userID, ref, l.topupFn(userID, amount, ref, meta))
}

// Hold moves amount from balance into the reserved pool. Fails with
// OutcomeInsufficientBalance when the balance does not cover it.
func (l *WalletLedger) Hold(ctx context.Context, userID int64, amount decimal.Decimal, ref string, meta map[string]any) (Outcome, error) {
	return l.apply(ctx, userID, ref, l.holdFn(userID, amount, ref, meta))
}

// HoldTx is Hold inside an already open wallet transaction.
func (l *WalletLedger) HoldTx(tx models.WalletTx, userID int64, amount decimal.Decimal, ref string, meta map[string]any) (Outcome, error) {
	return l.applyTx(tx, userID, ref, l.holdFn(userID, amount, ref, meta))
}

// Charge finalizes a previous hold: the hold pool is decremented, the
// balance is untouched since the money already left it at hold time.
func (l *WalletLedger) Charge(ctx context.Context, userID int64, amount decimal.Decimal, ref, holdRef string, meta map[string]any) (Outcome, error) {
	meta = withHoldRef(meta, holdRef)
	return l.apply(ctx, userID, ref, l.chargeFn(userID, amount, ref, meta))
}

// ChargeTx is Charge inside an already open wallet transaction.
func (l *WalletLedger) ChargeTx(tx models.WalletTx, userID int64, amount decimal.Decimal, ref, holdRef string, meta map[string]any) (Outcome, error) {
	meta = withHoldRef(meta, holdRef)
	return l.applyTx(tx, userID, ref, l.chargeFn(userID, amount, ref, meta))
}

// Refund returns money to the available balance. With fromHold it drops an
// un-charged hold back to balance; without it it reverses an already
// committed charge, crediting balance directly.
func (l *WalletLedger) Refund(ctx context.Context, userID int64, amount decimal.Decimal, ref, holdRef string, fromHold bool, meta map[string]any) (Outcome, error) {
	meta = withHoldRef(meta, holdRef)
	return l.apply(ctx, userID, ref, l.refundFn(userID, amount, ref, fromHold, meta))
}

// RefundTx is Refund inside an already open wallet transaction.
func (l *WalletLedger) RefundTx(tx models.WalletTx, userID int64, amount decimal.Decimal, ref, holdRef string, fromHold bool, meta map[string]any) (Outcome, error) {
	meta = withHoldRef(meta, holdRef)
	return l.applyTx(tx, userID, ref, l.refundFn(userID, amount, ref, fromHold, meta))
}

func (l *WalletLedger) topupFn(userID int64, amount decimal.Decimal, ref string, meta map[string]any) mutateFunc {
	return func(w *models.Wallet) (Outcome, *models.LedgerEntry) {
		w.Balance = w.Balance.Add(amount)
		return OutcomeApplied, l.entry(userID, models.EntryKindTopup, amount, ref, meta)
	}
}

func (l *WalletLedger) holdFn(userID int64, amount decimal.Decimal, ref string, meta map[string]any) mutateFunc {
	return func(w *models.Wallet) (Outcome, *models.LedgerEntry) {
		if w.Balance.LessThan(amount) {
			return OutcomeInsufficientBalance, nil
		}
		w.Balance = w.Balance.Sub(amount)
		w.Hold = w.Hold.Add(amount)
		return OutcomeApplied, l.entry(userID, models.EntryKindHold, amount, ref, meta)
	}
}

func (l *WalletLedger) chargeFn(userID int64, amount decimal.Decimal, ref string, meta map[string]any) mutateFunc {
	return func(w *models.Wallet) (Outcome, *models.LedgerEntry) {
		if w.Hold.LessThan(amount) {
			return OutcomeInsufficientHold, nil
		}
		w.Hold = w.Hold.Sub(amount)
		return OutcomeApplied, l.entry(userID, models.EntryKindCharge, amount, ref, meta)
	}
}

func (l *WalletLedger) refundFn(userID int64, amount decimal.Decimal, ref string, fromHold bool, meta map[string]any) mutateFunc {
	return func(w *models.Wallet) (Outcome, *models.LedgerEntry) {
		if fromHold {
			if w.Hold.LessThan(amount) {
				return OutcomeInsufficientHold, nil
			}
			w.Hold = w.Hold.Sub(amount)
		}
		w.Balance = w.Balance.Add(amount)
		return OutcomeApplied, l.entry(userID, models.EntryKindRefund, amount, ref, meta)
	}
}

// apply opens one wallet transaction around the mutation. A unique-index
// loss on the ref surfaces from storage as models.ErrDuplicateRef and is
// resolved as a duplicate, not an error.
func (l *WalletLedger) apply(ctx context.Context, userID int64, ref string, mutate mutateFunc) (Outcome, error) {
	outcome := OutcomeApplied
	err := l.repo.WithWallet(ctx, userID, func(tx models.WalletTx) error {
		var err error
		outcome, err = l.applyTx(tx, userID, ref, mutate)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateRef) {
			return OutcomeDuplicate, nil
		}
		return outcome, err
	}
	if outcome != OutcomeApplied {
		l.logger.Debug("Ledger operation resolved without mutation ", "user ", userID, " ref ", ref, " outcome ", outcome)
	}
	return outcome, nil
}

// applyTx runs one ledger mutation against an open wallet transaction. The
// wallet row lock is taken before the replay check, so concurrent calls
// with the same ref serialize ahead of the lookup and the loser observes
// the winner's entry.
func (l *WalletLedger) applyTx(tx models.WalletTx, userID int64, ref string, mutate mutateFunc) (Outcome, error) {
	wallet, err := tx.Wallet()
	if err != nil {
		return OutcomeApplied, fmt.Errorf("failed to lock wallet %d: %w", userID, err)
	}

	existing, err := tx.FindEntry(ref)
	if err != nil {
		return OutcomeApplied, fmt.Errorf("failed to look up ledger ref %q: %w", ref, err)
	}
	if existing != nil && existing.Status == models.EntryStatusDone {
		return OutcomeDuplicate, nil
	}

	outcome, entry := mutate(wallet)
	if outcome != OutcomeApplied {
		return outcome, nil
	}
	if err := tx.InsertEntry(entry); err != nil {
		return outcome, fmt.Errorf("failed to insert ledger entry %q: %w", ref, err)
	}
	wallet.UpdatedAt = time.Now()
	if err := tx.SaveWallet(wallet); err != nil {
		return outcome, fmt.Errorf("failed to save wallet %d: %w", userID, err)
	}
	return OutcomeApplied, nil
}

func (l *WalletLedger) entry(userID int64, kind string, amount decimal.Decimal, ref string, meta map[string]any) *models.LedgerEntry {
	encoded := ""
	if len(meta) > 0 {
		if raw, err := json.Marshal(meta); err == nil {
			encoded = string(raw)
		}
	}
	return &models.LedgerEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		Status:    models.EntryStatusDone,
		Ref:       ref,
		Meta:      encoded,
		CreatedAt: time.Now(),
	}
}

func withHoldRef(meta map[string]any, holdRef string) map[string]any {
	if holdRef == "" {
		return meta
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["hold_ref"] = holdRef
	return meta
}
