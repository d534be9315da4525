package models

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// GenerateRequest is one user ask for a paid generation, after command
// parsing and payload building are done.
type GenerateRequest struct {
	UpdateID int64
	UserID   int64
	ChatID   int64
	ModelID  string
	Payload  json.RawMessage
	Format   PayloadFormat
}

// GenerateResult is what the bot reports back for a generation request.
type GenerateResult struct {
	JobID  string
	Status string
	Result string
	Error  string
}

// ArtifexI is the application service driving the whole
// reserve-generate-settle flow.
type ArtifexI interface {
	// Start launches background sweeps.
	Start() error
	Stop()

	// FirstDelivery marks the inbound update id processed and reports
	// whether this delivery is the first one. Every inbound event must pass
	// here before any side effect.
	FirstDelivery(ctx context.Context, updateID int64) (bool, error)

	// HandleGenerate runs one generation end to end and settles the
	// reservation. It always returns a result; the reservation never stays
	// held past the call.
	HandleGenerate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)

	// ResolveCallback applies a provider push callback to the matching job.
	ResolveCallback(ctx context.Context, providerTaskID string, status *TaskStatus) error

	// HandleTopup credits a wallet. Ref is the payment provider's charge id
	// and makes the credit idempotent.
	HandleTopup(ctx context.Context, userID int64, amount decimal.Decimal, ref string) (string, error)

	// Balance reads the user's wallet.
	Balance(ctx context.Context, userID int64) (*Wallet, error)
}

// Pricer supplies the amount to reserve for a model before orchestration
// starts. The price table itself is maintained elsewhere.
type Pricer interface {
	Price(modelID string) (decimal.Decimal, error)
}
