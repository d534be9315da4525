package models

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateRef reports a ledger insert that lost to an existing entry
// with the same ref. Storage implementations map their unique-violation
// errors onto it so the ledger can resolve the race as a duplicate.
var ErrDuplicateRef = errors.New("duplicate ledger ref")

// Repository is the storage boundary of the application. The ledger, the
// charge state machine and the dedup marker are all built on top of it, so
// that their logic can be tested against an in-memory implementation.
type Repository interface {
	Close() error

	// WithWallet runs fn inside one storage transaction holding a row lock
	// on the user's wallet. The wallet row is created on first use.
	// Concurrent mutations of the same wallet serialize on the lock,
	// including across processes.
	WithWallet(ctx context.Context, userID int64, fn func(tx WalletTx) error) error

	// GetWallet reads a wallet without locking it. Returns a zero-balance
	// wallet if the user has none yet.
	GetWallet(ctx context.Context, userID int64) (*Wallet, error)

	// MarkUpdateProcessed conditionally inserts the update id and reports
	// whether this call performed the insert. Atomic at the storage layer:
	// exactly one concurrent caller observes true.
	MarkUpdateProcessed(ctx context.Context, updateID int64) (bool, error)
	// PruneProcessedUpdates removes dedup rows older than the cutoff and
	// returns how many were removed.
	PruneProcessedUpdates(ctx context.Context, before time.Time) (int64, error)

	GetPendingCharge(ctx context.Context, taskID string) (*PendingCharge, error)
	// StalePendingCharges returns charges still pending since before the cutoff.
	StalePendingCharges(ctx context.Context, before time.Time) ([]*PendingCharge, error)

	CreateJob(ctx context.Context, job *GenerationJob) error
	GetJob(ctx context.Context, id string) (*GenerationJob, error)
	GetJobByProviderTaskID(ctx context.Context, providerTaskID string) (*GenerationJob, error)
	SetJobProviderTaskID(ctx context.Context, id, providerTaskID string) error
	// FinishJob records the terminal status of a job. A job that already has
	// a finish time is left untouched.
	FinishJob(ctx context.Context, id, status, result, errMsg string) error
	// MarkJobReplied flips the reply-once flag and reports whether this call
	// won. First writer wins, all later callers observe false.
	MarkJobReplied(ctx context.Context, id string) (bool, error)
}

// WalletTx is the view of the storage transaction handed out by
// Repository.WithWallet. It carries the charge-row operations as well, so
// billing can pair a ledger mutation with a charge transition atomically.
type WalletTx interface {
	// Wallet returns the locked wallet row.
	Wallet() (*Wallet, error)
	SaveWallet(w *Wallet) error
	// FindEntry looks up a ledger entry by ref. Returns nil when absent.
	FindEntry(ref string) (*LedgerEntry, error)
	// InsertEntry writes one ledger entry. A ref collision is reported as
	// ErrDuplicateRef.
	InsertEntry(e *LedgerEntry) error

	// CreateCharge inserts the task's pending charge row within this
	// transaction.
	CreateCharge(charge *PendingCharge) error
	// TransitionCharge conditionally moves the task's charge between
	// statuses within this transaction and reports whether it happened.
	TransitionCharge(taskID, from, to, reason string) (bool, error)
}
