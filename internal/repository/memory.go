package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artifex-bot/artifex/internal/models"
)

// MemoryDB is an in-memory Repository with the same conditional-mutation
// semantics as the postgres implementation. It backs the unit tests of the
// ledger, the charge manager and the dedup marker.
type MemoryDB struct {
	mu sync.Mutex

	wallets   map[int64]models.Wallet
	entries   map[string]models.LedgerEntry
	charges   map[string]models.PendingCharge
	jobs      map[string]models.GenerationJob
	processed map[int64]time.Time
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		wallets:   make(map[int64]models.Wallet),
		entries:   make(map[string]models.LedgerEntry),
		charges:   make(map[string]models.PendingCharge),
		jobs:      make(map[string]models.GenerationJob),
		processed: make(map[int64]time.Time),
	}
}

func (db *MemoryDB) Close() error { return nil }

func (db *MemoryDB) WithWallet(ctx context.Context, userID int64, fn func(tx models.WalletTx) error) error {
	// One mutex serializes all wallets; good enough for tests, the row-lock
	// granularity only matters for throughput.
	db.mu.Lock()
	defer db.mu.Unlock()
	tx := &memoryWalletTx{db: db, userID: userID}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (db *MemoryDB) GetWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if w, ok := db.wallets[userID]; ok {
		copied := w
		return &copied, nil
	}
	return &models.Wallet{UserID: userID, Balance: decimal.Zero, Hold: decimal.Zero}, nil
}

func (db *MemoryDB) MarkUpdateProcessed(ctx context.Context, updateID int64) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, seen := db.processed[updateID]; seen {
		return false, nil
	}
	db.processed[updateID] = time.Now()
	return true, nil
}

func (db *MemoryDB) PruneProcessedUpdates(ctx context.Context, before time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var removed int64
	for id, at := range db.processed {
		if at.Before(before) {
			delete(db.processed, id)
			removed++
		}
	}
	return removed, nil
}

func (db *MemoryDB) GetPendingCharge(ctx context.Context, taskID string) (*models.PendingCharge, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	charge, ok := db.charges[taskID]
	if !ok {
		return nil, nil
	}
	copied := charge
	return &copied, nil
}

func (db *MemoryDB) StalePendingCharges(ctx context.Context, before time.Time) ([]*models.PendingCharge, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var stale []*models.PendingCharge
	for _, charge := range db.charges {
		if charge.Status == models.ChargeStatusPending && charge.CreatedAt.Before(before) {
			copied := charge
			stale = append(stale, &copied)
		}
	}
	return stale, nil
}

func (db *MemoryDB) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	db.jobs[job.ID] = *job
	return nil
}

func (db *MemoryDB) GetJob(ctx context.Context, id string) (*models.GenerationJob, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	job, ok := db.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := job
	return &copied, nil
}

func (db *MemoryDB) GetJobByProviderTaskID(ctx context.Context, providerTaskID string) (*models.GenerationJob, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, job := range db.jobs {
		if job.ProviderTaskID == providerTaskID {
			copied := job
			return &copied, nil
		}
	}
	return nil, nil
}

func (db *MemoryDB) SetJobProviderTaskID(ctx context.Context, id, providerTaskID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	job, ok := db.jobs[id]
	if !ok {
		return fmt.Errorf("job %q not found", id)
	}
	job.ProviderTaskID = providerTaskID
	job.Status = models.JobStatusWaiting
	db.jobs[id] = job
	return nil
}

func (db *MemoryDB) FinishJob(ctx context.Context, id, status, result, errMsg string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	job, ok := db.jobs[id]
	if !ok {
		return fmt.Errorf("job %q not found", id)
	}
	if job.FinishedAt != nil {
		return nil
	}
	now := time.Now()
	job.Status = status
	job.Result = result
	job.Error = errMsg
	job.FinishedAt = &now
	db.jobs[id] = job
	return nil
}

func (db *MemoryDB) MarkJobReplied(ctx context.Context, id string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	job, ok := db.jobs[id]
	if !ok || job.Replied {
		return false, nil
	}
	job.Replied = true
	db.jobs[id] = job
	return true, nil
}

// memoryWalletTx buffers wallet, entry and charge writes until commit, so a
// failed callback leaves the store untouched like a rolled-back transaction.
// Conditional checks run at call time, which is consistent because the store
// mutex is held for the whole WithWallet scope.
type memoryWalletTx struct {
	db     *MemoryDB
	userID int64

	wallet      *models.Wallet
	newEntries  []models.LedgerEntry
	newCharges  []models.PendingCharge
	transitions []chargeTransition
}

type chargeTransition struct {
	taskID, to, reason string
}

func (t *memoryWalletTx) Wallet() (*models.Wallet, error) {
	if t.wallet == nil {
		if w, ok := t.db.wallets[t.userID]; ok {
			copied := w
			t.wallet = &copied
		} else {
			t.wallet = &models.Wallet{UserID: t.userID, Balance: decimal.Zero, Hold: decimal.Zero}
		}
	}
	return t.wallet, nil
}

func (t *memoryWalletTx) SaveWallet(w *models.Wallet) error {
	t.wallet = w
	return nil
}

func (t *memoryWalletTx) FindEntry(ref string) (*models.LedgerEntry, error) {
	if entry, ok := t.db.entries[ref]; ok {
		copied := entry
		return &copied, nil
	}
	return nil, nil
}

func (t *memoryWalletTx) InsertEntry(e *models.LedgerEntry) error {
	if _, exists := t.db.entries[e.Ref]; exists {
		return fmt.Errorf("ledger ref %q: %w", e.Ref, models.ErrDuplicateRef)
	}
	t.newEntries = append(t.newEntries, *e)
	return nil
}

func (t *memoryWalletTx) CreateCharge(charge *models.PendingCharge) error {
	if _, exists := t.db.charges[charge.TaskID]; exists {
		return fmt.Errorf("pending charge %q already exists", charge.TaskID)
	}
	t.newCharges = append(t.newCharges, *charge)
	return nil
}

func (t *memoryWalletTx) TransitionCharge(taskID, from, to, reason string) (bool, error) {
	charge, ok := t.db.charges[taskID]
	if !ok || charge.Status != from {
		return false, nil
	}
	t.transitions = append(t.transitions, chargeTransition{taskID: taskID, to: to, reason: reason})
	return true, nil
}

func (t *memoryWalletTx) commit() {
	if t.wallet != nil {
		t.db.wallets[t.userID] = *t.wallet
	}
	for _, entry := range t.newEntries {
		t.db.entries[entry.Ref] = entry
	}
	for _, charge := range t.newCharges {
		t.db.charges[charge.TaskID] = charge
	}
	for _, tr := range t.transitions {
		charge := t.db.charges[tr.taskID]
		charge.Status = tr.to
		if tr.reason != "" {
			charge.Reason = tr.reason
		}
		charge.UpdatedAt = time.Now()
		t.db.charges[tr.taskID] = charge
	}
}

// Entries returns all ledger entries of a kind for a user, for assertions.
func (db *MemoryDB) Entries(userID int64, kind string) []models.LedgerEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.LedgerEntry
	for _, entry := range db.entries {
		if entry.UserID == userID && (kind == "" || entry.Kind == kind) {
			out = append(out, entry)
		}
	}
	return out
}
