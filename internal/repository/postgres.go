package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/artifex-bot/artifex/internal/models"
	"github.com/artifex-bot/artifex/pkg/logger"
)

type PostgresDB struct {
	logger *logger.Logger

	Conn *gorm.DB
}

func NewPostgresDB(user, password, dbname, host string, port int, logger *logger.Logger) (models.Repository, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)

	// Configure GORM logger to suppress "record not found" messages
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %s", err)
	}

	if err := db.AutoMigrate(
		&models.Wallet{},
		&models.LedgerEntry{},
		&models.PendingCharge{},
		&models.GenerationJob{},
		&models.ProcessedUpdate{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %s", err)
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return &PostgresDB{Conn: db, logger: logger}, nil
}

func (db *PostgresDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %s", err)
	}
	return sqlDB.Close()
}

// WithWallet runs fn in one transaction with the wallet row locked FOR
// UPDATE, creating the row on first use.
func (db *PostgresDB) WithWallet(ctx context.Context, userID int64, fn func(tx models.WalletTx) error) error {
	return db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&walletTx{tx: tx, userID: userID})
	})
}

func (db *PostgresDB) GetWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := db.Conn.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.Wallet{UserID: userID, Balance: decimal.Zero, Hold: decimal.Zero}, nil
		}
		return nil, fmt.Errorf("failed to get wallet: %s", err)
	}
	return &wallet, nil
}

func (db *PostgresDB) MarkUpdateProcessed(ctx context.Context, updateID int64) (bool, error) {
	row := &models.ProcessedUpdate{UpdateID: updateID, ProcessedAt: time.Now()}
	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark update processed: %s", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) PruneProcessedUpdates(ctx context.Context, before time.Time) (int64, error) {
	res := db.Conn.WithContext(ctx).Where("processed_at < ?", before).Delete(&models.ProcessedUpdate{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune processed updates: %s", res.Error)
	}
	return res.RowsAffected, nil
}

func (db *PostgresDB) GetPendingCharge(ctx context.Context, taskID string) (*models.PendingCharge, error) {
	var charge models.PendingCharge
	if err := db.Conn.WithContext(ctx).Where("task_id = ?", taskID).First(&charge).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pending charge: %s", err)
	}
	return &charge, nil
}

func (db *PostgresDB) StalePendingCharges(ctx context.Context, before time.Time) ([]*models.PendingCharge, error) {
	var charges []*models.PendingCharge
	if err := db.Conn.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.ChargeStatusPending, before).
		Find(&charges).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale pending charges: %s", err)
	}
	return charges, nil
}

func (db *PostgresDB) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	if err := db.Conn.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %s", err)
	}
	return nil
}

func (db *PostgresDB) GetJob(ctx context.Context, id string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %s", err)
	}
	return &job, nil
}

func (db *PostgresDB) GetJobByProviderTaskID(ctx context.Context, providerTaskID string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := db.Conn.WithContext(ctx).Where("provider_task_id = ?", providerTaskID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job by provider task id: %s", err)
	}
	return &job, nil
}

func (db *PostgresDB) SetJobProviderTaskID(ctx context.Context, id, providerTaskID string) error {
	res := db.Conn.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("id = ?", id).
		Updates(map[string]any{"provider_task_id": providerTaskID, "status": models.JobStatusWaiting})
	if res.Error != nil {
		return fmt.Errorf("failed to set job provider task id: %s", res.Error)
	}
	return nil
}

func (db *PostgresDB) FinishJob(ctx context.Context, id, status, result, errMsg string) error {
	now := time.Now()
	res := db.Conn.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("id = ? AND finished_at IS NULL", id).
		Updates(map[string]any{
			"status":      status,
			"result":      result,
			"error":       errMsg,
			"finished_at": &now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finish job: %s", res.Error)
	}
	return nil
}

func (db *PostgresDB) MarkJobReplied(ctx context.Context, id string) (bool, error) {
	res := db.Conn.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("id = ? AND replied = ?", id, false).
		Update("replied", true)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark job replied: %s", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// walletTx adapts one gorm transaction to the ledger's storage view.
type walletTx struct {
	tx     *gorm.DB
	userID int64
}

func (t *walletTx) Wallet() (*models.Wallet, error) {
	var wallet models.Wallet
	err := t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", t.userID).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		wallet = models.Wallet{UserID: t.userID, Balance: decimal.Zero, Hold: decimal.Zero, UpdatedAt: time.Now()}
		if err := t.tx.Create(&wallet).Error; err != nil {
			return nil, fmt.Errorf("failed to create wallet: %s", err)
		}
		return &wallet, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %s", err)
	}
	return &wallet, nil
}

func (t *walletTx) SaveWallet(w *models.Wallet) error {
	if err := t.tx.Save(w).Error; err != nil {
		return fmt.Errorf("failed to save wallet: %s", err)
	}
	return nil
}

func (t *walletTx) FindEntry(ref string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := t.tx.Where("ref = ?", ref).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find ledger entry: %s", err)
	}
	return &entry, nil
}

func (t *walletTx) InsertEntry(e *models.LedgerEntry) error {
	if err := t.tx.Create(e).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("ledger ref %q: %w", e.Ref, models.ErrDuplicateRef)
		}
		return fmt.Errorf("failed to insert ledger entry: %s", err)
	}
	return nil
}

func (t *walletTx) CreateCharge(charge *models.PendingCharge) error {
	if err := t.tx.Create(charge).Error; err != nil {
		return fmt.Errorf("failed to create pending charge: %s", err)
	}
	return nil
}

func (t *walletTx) TransitionCharge(taskID, from, to, reason string) (bool, error) {
	updates := map[string]any{"status": to, "updated_at": time.Now()}
	if reason != "" {
		updates["reason"] = reason
	}
	res := t.tx.Model(&models.PendingCharge{}).
		Where("task_id = ? AND status = ?", taskID, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition pending charge: %s", res.Error)
	}
	return res.RowsAffected == 1, nil
}
