package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Generation job states. Waiting is the only non-terminal state after the
// provider accepted the job.
const (
	JobStatusCreated = "created"
	JobStatusWaiting = "waiting"
	JobStatusSuccess = "success"
	JobStatusFail    = "fail"
	JobStatusTimeout = "timeout"
)

// GenerationJob is the durable record of one generation request, from the
// moment the user asked until the result (or failure) was delivered.
type GenerationJob struct {
	// ID is the internal task id; ledger refs are derived from it.
	ID string `json:"id" gorm:"column:id;primaryKey"`
	// UserID is the requesting chat-platform user.
	UserID int64 `json:"user_id" gorm:"column:user_id;index;not null"`
	// ChatID is where results and progress notes are delivered.
	ChatID  int64  `json:"chat_id" gorm:"column:chat_id"`
	ModelID string `json:"model_id" gorm:"column:model_id"`
	Status  string `json:"status" gorm:"column:status;index;not null"`
	// ProviderTaskID is the id assigned by the generation provider.
	ProviderTaskID string `json:"provider_task_id" gorm:"column:provider_task_id;index"`
	Result         string `json:"result" gorm:"column:result"`
	Error          string `json:"error" gorm:"column:error"`
	// Price is the amount reserved for this job.
	Price decimal.Decimal `json:"price" gorm:"column:price;type:numeric(18,6)"`
	// Replied guards the terminal user notification: whichever of the poll
	// loop or the push callback flips it first delivers the result.
	Replied    bool       `json:"replied" gorm:"column:replied;not null"`
	CreatedAt  time.Time  `json:"created_at" gorm:"column:created_at;index"`
	FinishedAt *time.Time `json:"finished_at" gorm:"column:finished_at"`
}

func (GenerationJob) TableName() string { return "jobs" }

// ProcessedUpdate is one row per inbound chat-platform event ever seen.
// Rows are pruned by the retention sweep only.
type ProcessedUpdate struct {
	UpdateID    int64     `json:"update_id" gorm:"column:update_id;primaryKey;autoIncrement:false"`
	ProcessedAt time.Time `json:"processed_at" gorm:"column:processed_at;index"`
}

func (ProcessedUpdate) TableName() string { return "processed_updates" }
