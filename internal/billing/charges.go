package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artifex-bot/artifex/internal/ledger"
	"github.com/artifex-bot/artifex/internal/models"
	"github.com/artifex-bot/artifex/pkg/logger"
)

// Result of a charge-manager call. Repeated calls after a terminal
// transition report the already_* markers instead of re-executing.
type Result string

const (
	ResultReserved            Result = "reserved"
	ResultInsufficientBalance Result = "insufficient_balance"
	ResultCommitted           Result = "committed"
	ResultAlreadyCommitted    Result = "already_committed"
	ResultReleased            Result = "released"
	ResultAlreadyReleased     Result = "already_released"
)

// ChargeManager is the per-task state machine on top of the ledger
// primitives: pending, then exactly one of committed or released. Every
// method is safe to call again from any site (success handler, timeout
// handler, stale-hold sweep) once the first terminal transition happened.
// The status transition and the matching ledger mutation share one wallet
// transaction, so concurrent commit and release race on the transition and
// exactly one of them moves the money.
type ChargeManager struct {
	logger *logger.Logger
	repo   models.Repository
	ledger *ledger.WalletLedger
}

func NewChargeManager(repo models.Repository, wl *ledger.WalletLedger, logger *logger.Logger) *ChargeManager {
	return &ChargeManager{repo: repo, ledger: wl, logger: logger}
}

// HoldRef returns the ledger idempotency key used for the task's hold.
func HoldRef(taskID string) string { return "hold_" + taskID }

func chargeRef(taskID string) string { return "charge_" + taskID }
func refundRef(taskID string) string { return "refund_" + taskID }

// CreatePendingCharge reserves funds for a task. With reserve and a positive
// amount it holds the money; free tasks record the pending charge without
// touching the ledger. The hold and the charge row are written in one wallet
// transaction, so a crash cannot leave held money without a charge to settle.
func (m *ChargeManager) CreatePendingCharge(ctx context.Context, taskID string, userID int64, amount decimal.Decimal, modelID string, reserve bool) (Result, error) {
	if existing, err := m.repo.GetPendingCharge(ctx, taskID); err != nil {
		return "", fmt.Errorf("failed to look up pending charge %q: %w", taskID, err)
	} else if existing != nil {
		return statusResult(existing.Status, ResultReserved), nil
	}

	result := ResultReserved
	err := m.repo.WithWallet(ctx, userID, func(tx models.WalletTx) error {
		holdRef := ""
		if reserve && amount.IsPositive() {
			holdRef = HoldRef(taskID)
			outcome, err := m.ledger.HoldTx(tx, userID, amount, holdRef, map[string]any{"task_id": taskID, "model_id": modelID})
			if err != nil {
				return fmt.Errorf("failed to hold funds for task %q: %w", taskID, err)
			}
			if outcome == ledger.OutcomeInsufficientBalance {
				result = ResultInsufficientBalance
				return nil
			}
			// Duplicate means a previous attempt already held the money;
			// recording the charge row is all that is left.
		}
		return tx.CreateCharge(&models.PendingCharge{
			TaskID:    taskID,
			UserID:    userID,
			Amount:    amount,
			ModelID:   modelID,
			Status:    models.ChargeStatusPending,
			HoldRef:   holdRef,
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		// A concurrent create may have won the race; report its state.
		if existing, lookupErr := m.repo.GetPendingCharge(ctx, taskID); lookupErr == nil && existing != nil {
			return statusResult(existing.Status, ResultReserved), nil
		}
		return "", fmt.Errorf("failed to record pending charge %q: %w", taskID, err)
	}
	if result == ResultInsufficientBalance {
		return result, nil
	}
	m.logger.Debug("Pending charge created ", "task ", taskID, " user ", userID, " amount ", amount)
	return result, nil
}

// CommitCharge converts the task's hold into a finalized deduction. Called
// exactly on generation success. The pending→committed transition decides
// the winner inside the wallet transaction; only the winner touches the
// ledger, a loser reports the state the winner left behind.
func (m *ChargeManager) CommitCharge(ctx context.Context, taskID string) (Result, error) {
	charge, err := m.repo.GetPendingCharge(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("failed to look up pending charge %q: %w", taskID, err)
	}
	if charge == nil {
		return "", fmt.Errorf("no pending charge for task %q", taskID)
	}
	if charge.Status != models.ChargeStatusPending {
		return statusResult(charge.Status, ResultCommitted), nil
	}

	won := false
	err = m.repo.WithWallet(ctx, charge.UserID, func(tx models.WalletTx) error {
		moved, err := tx.TransitionCharge(taskID, models.ChargeStatusPending, models.ChargeStatusCommitted, "")
		if err != nil {
			return fmt.Errorf("failed to mark charge %q committed: %w", taskID, err)
		}
		if !moved {
			return nil
		}
		if charge.Reserved() {
			outcome, err := m.ledger.ChargeTx(tx, charge.UserID, charge.Amount, chargeRef(taskID), charge.HoldRef, map[string]any{"task_id": taskID})
			if err != nil {
				return fmt.Errorf("failed to charge task %q: %w", taskID, err)
			}
			if outcome == ledger.OutcomeInsufficientHold {
				// Rolls back the transition; the charge stays pending.
				return fmt.Errorf("hold missing for task %q", taskID)
			}
		}
		won = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !won {
		current, err := m.repo.GetPendingCharge(ctx, taskID)
		if err != nil || current == nil {
			return "", fmt.Errorf("charge %q vanished during commit", taskID)
		}
		return statusResult(current.Status, ResultCommitted), nil
	}
	m.logger.Info("Charge committed ", "task ", taskID)
	return ResultCommitted, nil
}

// ReleaseCharge ends the task without payment: an un-charged hold is dropped
// back to balance, an already committed charge is reversed with a
// compensating refund. Both paths are the same ledger primitive, so every
// held amount ends either charged or refunded. Like CommitCharge, the
// transition and the refund share one wallet transaction.
func (m *ChargeManager) ReleaseCharge(ctx context.Context, taskID, reason string) (Result, error) {
	charge, err := m.repo.GetPendingCharge(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("failed to look up pending charge %q: %w", taskID, err)
	}
	if charge == nil {
		return "", fmt.Errorf("no pending charge for task %q", taskID)
	}
	if charge.Status == models.ChargeStatusReleased {
		return ResultAlreadyReleased, nil
	}

	from := charge.Status
	won := false
	err = m.repo.WithWallet(ctx, charge.UserID, func(tx models.WalletTx) error {
		moved, err := tx.TransitionCharge(taskID, from, models.ChargeStatusReleased, reason)
		if err != nil {
			return fmt.Errorf("failed to mark charge %q released: %w", taskID, err)
		}
		if !moved {
			return nil
		}
		if charge.Reserved() {
			fromHold := from == models.ChargeStatusPending
			outcome, err := m.ledger.RefundTx(tx, charge.UserID, charge.Amount, refundRef(taskID), charge.HoldRef, fromHold, map[string]any{"task_id": taskID, "reason": reason})
			if err != nil {
				return fmt.Errorf("failed to refund task %q: %w", taskID, err)
			}
			if outcome == ledger.OutcomeInsufficientHold {
				// Rolls back the transition; the charge stays as it was.
				return fmt.Errorf("hold missing for task %q", taskID)
			}
		}
		won = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !won {
		current, err := m.repo.GetPendingCharge(ctx, taskID)
		if err != nil || current == nil {
			return "", fmt.Errorf("charge %q vanished during release", taskID)
		}
		return statusResult(current.Status, ResultReleased), nil
	}
	m.logger.Info("Charge released ", "task ", taskID, " reason ", reason)
	return ResultReleased, nil
}

func statusResult(status string, onPending Result) Result {
	switch status {
	case models.ChargeStatusCommitted:
		return ResultAlreadyCommitted
	case models.ChargeStatusReleased:
		return ResultAlreadyReleased
	default:
		return onPending
	}
}
