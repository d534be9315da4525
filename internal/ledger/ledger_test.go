package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/artifex-bot/artifex/internal/models"
	"github.com/artifex-bot/artifex/internal/repository"
	"github.com/artifex-bot/artifex/pkg/logger"
)

const testUser int64 = 7001

func newLedger(t *testing.T) (*WalletLedger, *repository.MemoryDB) {
	t.Helper()
	db := repository.NewMemoryDB()
	return NewWalletLedger(db, logger.NewNop()), db
}

func requireMoney(t *testing.T, db *repository.MemoryDB, balance, hold string) {
	t.Helper()
	w, err := db.GetWallet(context.Background(), testUser)
	require.NoError(t, err)
	require.True(t, w.Balance.Equal(decimal.RequireFromString(balance)),
		"balance = %s, want %s", w.Balance, balance)
	require.True(t, w.Hold.Equal(decimal.RequireFromString(hold)),
		"hold = %s, want %s", w.Hold, hold)
	require.False(t, w.Balance.IsNegative())
	require.False(t, w.Hold.IsNegative())
}

func TestTopupCreditsBalanceOnce(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	out, err := wl.Topup(ctx, testUser, decimal.NewFromInt(20), "topup_inv1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)

	// Replaying the same ref must not move money or add an entry.
	out, err = wl.Topup(ctx, testUser, decimal.NewFromInt(20), "topup_inv1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, out)

	requireMoney(t, db, "20", "0")
	require.Len(t, db.Entries(testUser, models.EntryKindTopup), 1)
}

func TestHoldMovesBalanceIntoReserve(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	_, err := wl.Topup(ctx, testUser, decimal.NewFromInt(20), "topup_inv1", nil)
	require.NoError(t, err)

	out, err := wl.Hold(ctx, testUser, decimal.NewFromInt(10), "hold_t1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)
	requireMoney(t, db, "10", "10")
}

func TestHoldRejectsInsufficientBalance(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	_, err := wl.Topup(ctx, testUser, decimal.NewFromInt(5), "topup_inv1", nil)
	require.NoError(t, err)

	out, err := wl.Hold(ctx, testUser, decimal.NewFromInt(10), "hold_t1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficientBalance, out)

	// Nothing moved, no entry written, the ref stays free for a later retry.
	requireMoney(t, db, "5", "0")
	require.Empty(t, db.Entries(testUser, models.EntryKindHold))

	_, err = wl.Topup(ctx, testUser, decimal.NewFromInt(10), "topup_inv2", nil)
	require.NoError(t, err)
	out, err = wl.Hold(ctx, testUser, decimal.NewFromInt(10), "hold_t1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)
	requireMoney(t, db, "5", "10")
}

func TestChargeConsumesHoldOnly(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	_, err := wl.Topup(ctx, testUser, decimal.NewFromInt(20), "topup_inv1", nil)
	require.NoError(t, err)
	_, err = wl.Hold(ctx, testUser, decimal.NewFromInt(10), "hold_t1", nil)
	require.NoError(t, err)

	out, err := wl.Charge(ctx, testUser, decimal.NewFromInt(10), "charge_t1", "hold_t1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)

	// The balance already dropped at hold time; charging clears the hold.
	requireMoney(t, db, "10", "0")

	out, err = wl.Charge(ctx, testUser, decimal.NewFromInt(10), "charge_t1", "hold_t1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, out)
	requireMoney(t, db, "10", "0")
	require.Len(t, db.Entries(testUser, models.EntryKindCharge), 1)
}

func TestChargeRejectsMissingHold(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	_, err := wl.Topup(ctx, testUser, decimal.NewFromInt(20), "topup_inv1", nil)
	require.NoError(t, err)

	out, err := wl.Charge(ctx, testUser, decimal.NewFromInt(10), "charge_t1", "hold_t1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficientHold, out)
	requireMoney(t, db, "20", "0")
	require.Empty(t, db.Entries(testUser, models.EntryKindCharge))
}

func TestRefundFromHoldRestoresBalance(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	_, err := wl.Topup(ctx, testUser, decimal.NewFromInt(20), "topup_inv1", nil)
	require.NoError(t, err)
	_, err = wl.Hold(ctx, testUser, decimal.NewFromInt(10), "hold_t1", nil)
	require.NoError(t, err)

	out, err := wl.Refund(ctx, testUser, decimal.NewFromInt(10), "refund_t1", "hold_t1", true, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)
	requireMoney(t, db, "20", "0")
}

func TestRefundOfCommittedChargeCreditsBalance(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	_, err := wl.Topup(ctx, testUser, decimal.NewFromInt(20), "topup_inv1", nil)
	require.NoError(t, err)
	_, err = wl.Hold(ctx, testUser, decimal.NewFromInt(10), "hold_t1", nil)
	require.NoError(t, err)
	_, err = wl.Charge(ctx, testUser, decimal.NewFromInt(10), "charge_t1", "hold_t1", nil)
	require.NoError(t, err)
	requireMoney(t, db, "10", "0")

	// Reversal of an already committed charge touches only the balance.
	out, err := wl.Refund(ctx, testUser, decimal.NewFromInt(10), "refund_t1", "hold_t1", false, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)
	requireMoney(t, db, "20", "0")
}

func TestRefundFromHoldRejectsEmptyHold(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	_, err := wl.Topup(ctx, testUser, decimal.NewFromInt(20), "topup_inv1", nil)
	require.NoError(t, err)

	out, err := wl.Refund(ctx, testUser, decimal.NewFromInt(10), "refund_t1", "hold_t1", true, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficientHold, out)
	requireMoney(t, db, "20", "0")
}

func TestConcurrentSameRefAppliesOnce(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	_, err := wl.Topup(ctx, testUser, decimal.NewFromInt(100), "topup_inv1", nil)
	require.NoError(t, err)

	const racers = 10
	var mu sync.Mutex
	applied := 0
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := wl.Hold(ctx, testUser, decimal.NewFromInt(10), "hold_t1", nil)
			require.NoError(t, err)
			if out == OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, applied)
	requireMoney(t, db, "90", "10")
	require.Len(t, db.Entries(testUser, models.EntryKindHold), 1)
}

func TestFractionalAmountsStayExact(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	_, err := wl.Topup(ctx, testUser, decimal.RequireFromString("0.3"), "topup_inv1", nil)
	require.NoError(t, err)
	_, err = wl.Hold(ctx, testUser, decimal.RequireFromString("0.1"), "hold_t1", nil)
	require.NoError(t, err)
	_, err = wl.Hold(ctx, testUser, decimal.RequireFromString("0.2"), "hold_t2", nil)
	require.NoError(t, err)

	// Binary floats would leave dust here; decimals must not.
	requireMoney(t, db, "0", "0.3")
}

// orderRecorder wraps a MemoryDB and records the sequence of wallet-lock and
// entry-lookup calls inside each transaction.
type orderRecorder struct {
	*repository.MemoryDB
	calls []string
}

func (r *orderRecorder) WithWallet(ctx context.Context, userID int64, fn func(tx models.WalletTx) error) error {
	return r.MemoryDB.WithWallet(ctx, userID, func(tx models.WalletTx) error {
		return fn(&recordingTx{WalletTx: tx, rec: r})
	})
}

type recordingTx struct {
	models.WalletTx
	rec *orderRecorder
}

func (t *recordingTx) Wallet() (*models.Wallet, error) {
	t.rec.calls = append(t.rec.calls, "wallet")
	return t.WalletTx.Wallet()
}

func (t *recordingTx) FindEntry(ref string) (*models.LedgerEntry, error) {
	t.rec.calls = append(t.rec.calls, "find_entry")
	return t.WalletTx.FindEntry(ref)
}

func TestWalletLockTakenBeforeReplayCheck(t *testing.T) {
	rec := &orderRecorder{MemoryDB: repository.NewMemoryDB()}
	wl := NewWalletLedger(rec, logger.NewNop())
	ctx := context.Background()

	out, err := wl.Topup(ctx, testUser, decimal.NewFromInt(20), "topup_inv1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)

	// The wallet row lock must come first so that concurrent calls with the
	// same ref serialize before the replay lookup.
	require.Equal(t, []string{"wallet", "find_entry"}, rec.calls)
}

func TestDuplicateInsertResolvesAsDuplicate(t *testing.T) {
	wl, db := newLedger(t)
	ctx := context.Background()

	_, err := wl.Topup(ctx, testUser, decimal.NewFromInt(20), "topup_inv1", nil)
	require.NoError(t, err)

	// An entry on the same ref that is not done slips past the replay
	// check, so the insert runs into the unique index. This is the shape a
	// lost race leaves behind; it must resolve as a duplicate, not an error.
	err = db.WithWallet(ctx, testUser, func(tx models.WalletTx) error {
		return tx.InsertEntry(&models.LedgerEntry{
			ID:     "stale",
			UserID: testUser,
			Kind:   models.EntryKindHold,
			Amount: decimal.NewFromInt(10),
			Status: "started",
			Ref:    "hold_t1",
		})
	})
	require.NoError(t, err)

	out, err := wl.Hold(ctx, testUser, decimal.NewFromInt(10), "hold_t1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, out)
	requireMoney(t, db, "20", "0")
}
