package artifex

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/artifex-bot/artifex/internal/billing"
	"github.com/artifex-bot/artifex/internal/config"
	"github.com/artifex-bot/artifex/internal/dedup"
	"github.com/artifex-bot/artifex/internal/ledger"
	"github.com/artifex-bot/artifex/internal/models"
	"github.com/artifex-bot/artifex/internal/orchestrator"
	"github.com/artifex-bot/artifex/pkg/logger"
)

// Artifex is the main struct for the application. It composes the dedup
// marker, the billing state machine and the generation orchestrator, and
// owns settlement: a reservation made here always ends committed or
// released, whatever the generation did.
type Artifex struct {
	logger *logger.Logger
	config *config.Config

	repo      models.Repository
	charges   *billing.ChargeManager
	orch      *orchestrator.Orchestrator
	dedup     *dedup.UpdateDedup
	notifier  models.NotificationSink
	pricer    models.Pricer
	ledgerSvc *ledger.WalletLedger

	cron *cron.Cron
}

// NewArtifex creates the application service.
func NewArtifex(
	repo models.Repository,
	charges *billing.ChargeManager,
	orch *orchestrator.Orchestrator,
	up *dedup.UpdateDedup,
	notifier models.NotificationSink,
	pricer models.Pricer,
	wl *ledger.WalletLedger,
	logger *logger.Logger,
	config *config.Config,
) models.ArtifexI {
	return &Artifex{
		logger:    logger,
		config:    config,
		repo:      repo,
		charges:   charges,
		orch:      orch,
		dedup:     up,
		notifier:  notifier,
		pricer:    pricer,
		ledgerSvc: wl,
	}
}

// Start launches the background sweeps: dedup retention pruning and the
// stale-hold reconciliation.
func (a *Artifex) Start() error {
	a.cron = cron.New()
	if _, err := a.cron.AddFunc("@hourly", a.sweepProcessedUpdates); err != nil {
		return fmt.Errorf("failed to schedule update retention sweep: %v", err)
	}
	if _, err := a.cron.AddFunc("@every 5m", a.reconcileStaleHolds); err != nil {
		return fmt.Errorf("failed to schedule stale hold sweep: %v", err)
	}
	a.cron.Start()
	a.logger.Info("Background sweeps scheduled")
	return nil
}

func (a *Artifex) Stop() {
	if a.cron != nil {
		a.cron.Stop()
	}
}

// FirstDelivery marks the inbound update processed. Every inbound event must
// pass here before any side effect.
func (a *Artifex) FirstDelivery(ctx context.Context, updateID int64) (bool, error) {
	return a.dedup.MarkProcessed(ctx, updateID)
}

// HandleGenerate runs one generation end to end: reserve, orchestrate,
// settle, deliver. The reservation is settled on every path, including an
// unexpected panic inside orchestration.
func (a *Artifex) HandleGenerate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	price, err := a.pricer.Price(req.ModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to price model %q: %w", req.ModelID, err)
	}

	job := &models.GenerationJob{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		ModelID:   req.ModelID,
		Status:    models.JobStatusCreated,
		Price:     price,
		CreatedAt: time.Now(),
	}
	if err := a.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to record job: %w", err)
	}

	res, err := a.charges.CreatePendingCharge(ctx, job.ID, req.UserID, price, req.ModelID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve funds: %w", err)
	}
	if res == billing.ResultInsufficientBalance {
		if err := a.repo.FinishJob(ctx, job.ID, models.JobStatusFail, "", "insufficient_balance"); err != nil {
			a.logger.Error("Failed to finish unfunded job ", "job ", job.ID, " error ", err)
		}
		a.notifier.Notify(ctx, req.ChatID, "Not enough credits for this generation. Top up with /topup.")
		return &models.GenerateResult{JobID: job.ID, Status: models.JobStatusFail, Error: "insufficient_balance"}, nil
	}

	outcome := a.runOrchestration(ctx, job, req)

	if outcome.ProviderTaskID != "" {
		if err := a.repo.SetJobProviderTaskID(ctx, job.ID, outcome.ProviderTaskID); err != nil {
			a.logger.Error("Failed to record provider task id ", "job ", job.ID, " error ", err)
		}
	}

	if err := a.settle(ctx, job.ID, outcome.State, outcome.FailCode); err != nil {
		// Settlement failures are storage faults; the stale-hold sweep will
		// finish the release later.
		a.logger.Error("Settlement failed ", "job ", job.ID, " error ", err)
	}

	if err := a.repo.FinishJob(ctx, job.ID, outcome.State, string(outcome.Result), outcome.FailMessage); err != nil {
		a.logger.Error("Failed to finish job ", "job ", job.ID, " error ", err)
	}
	a.reply(ctx, job, outcome.State, string(outcome.Result), outcome.FailCode)

	return &models.GenerateResult{
		JobID:  job.ID,
		Status: outcome.State,
		Result: string(outcome.Result),
		Error:  outcome.FailCode,
	}, nil
}

// runOrchestration invokes the orchestrator with a panic boundary so an
// unexpected fault still flows into settlement as a failure.
func (a *Artifex) runOrchestration(ctx context.Context, job *models.GenerationJob, req *models.GenerateRequest) (outcome *orchestrator.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Orchestration panicked ",
				"job ", job.ID,
				" panic ", r,
				" stack ", string(debug.Stack()))
			outcome = &orchestrator.Outcome{
				State:       models.JobStatusFail,
				FailCode:    "internal",
				FailMessage: "internal error",
			}
		}
	}()

	heartbeat := func(elapsed time.Duration) {
		a.notifier.Notify(ctx, job.ChatID, fmt.Sprintf("Still generating... %s elapsed.", elapsed.Round(time.Second)))
	}
	return a.orch.Run(ctx, &models.CreateTaskRequest{
		ModelID:     req.ModelID,
		Payload:     req.Payload,
		CallbackURL: a.config.CallbackURL,
		Format:      req.Format,
	}, heartbeat)
}

// settle maps a terminal generation state onto the charge state machine:
// success commits, everything else releases with the failure code as reason.
func (a *Artifex) settle(ctx context.Context, taskID, state, failCode string) error {
	if state == models.JobStatusSuccess {
		_, err := a.charges.CommitCharge(ctx, taskID)
		return err
	}
	reason := failCode
	if reason == "" {
		reason = state
	}
	_, err := a.charges.ReleaseCharge(ctx, taskID, reason)
	return err
}

// reply delivers the terminal message exactly once, whichever of the poll
// path or the push callback gets here first.
func (a *Artifex) reply(ctx context.Context, job *models.GenerationJob, state, result, failCode string) {
	won, err := a.repo.MarkJobReplied(ctx, job.ID)
	if err != nil {
		a.logger.Error("Failed to take reply guard ", "job ", job.ID, " error ", err)
		return
	}
	if !won {
		a.logger.Debug("Result already delivered ", "job ", job.ID)
		return
	}
	switch state {
	case models.JobStatusSuccess:
		a.notifier.Notify(ctx, job.ChatID, "Generation finished:\n"+result)
	case models.JobStatusTimeout:
		a.notifier.Notify(ctx, job.ChatID, "Generation timed out. Your credits were returned.")
	default:
		a.notifier.Notify(ctx, job.ChatID, fmt.Sprintf("Generation failed (%s). Your credits were returned.", failCode))
	}
}

// ResolveCallback applies a provider push callback. Settlement is idempotent
// against the poll path; the reply guard decides who talks to the user.
func (a *Artifex) ResolveCallback(ctx context.Context, providerTaskID string, status *models.TaskStatus) error {
	if !status.Terminal() {
		return nil
	}
	job, err := a.repo.GetJobByProviderTaskID(ctx, providerTaskID)
	if err != nil {
		return fmt.Errorf("failed to look up job for provider task %q: %w", providerTaskID, err)
	}
	if job == nil {
		return fmt.Errorf("no job for provider task %q", providerTaskID)
	}

	state := models.JobStatusSuccess
	if status.State == models.TaskStateFail {
		state = models.JobStatusFail
	}

	if err := a.settle(ctx, job.ID, state, status.FailCode); err != nil {
		return fmt.Errorf("failed to settle job %q: %w", job.ID, err)
	}
	if err := a.repo.FinishJob(ctx, job.ID, state, string(status.Result), status.FailMessage); err != nil {
		a.logger.Error("Failed to finish job from callback ", "job ", job.ID, " error ", err)
	}
	a.reply(ctx, job, state, string(status.Result), status.FailCode)
	return nil
}

// HandleTopup credits a wallet, idempotent by the payment reference.
func (a *Artifex) HandleTopup(ctx context.Context, userID int64, amount decimal.Decimal, ref string) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("topup amount must be positive")
	}
	outcome, err := a.ledgerSvc.Topup(ctx, userID, amount, ref, map[string]any{"source": "topup"})
	if err != nil {
		return "", fmt.Errorf("failed to top up wallet: %w", err)
	}
	return string(outcome), nil
}

// Balance reads the user's wallet.
func (a *Artifex) Balance(ctx context.Context, userID int64) (*models.Wallet, error) {
	wallet, err := a.repo.GetWallet(ctx, userID)
	if err != nil {
		a.logger.Error("Failed to get wallet ", "error ", err)
		return nil, err
	}
	return wallet, nil
}

// sweepProcessedUpdates prunes dedup markers past the retention horizon.
func (a *Artifex) sweepProcessedUpdates() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := a.dedup.Prune(ctx); err != nil {
		a.logger.Error("Failed to prune processed updates ", "error ", err)
	}
}

// reconcileStaleHolds releases reservations that never reached a terminal
// transition, covering the crash window between a ledger mutation and the
// charge status update.
func (a *Artifex) reconcileStaleHolds() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	stale, err := a.repo.StalePendingCharges(ctx, time.Now().Add(-a.config.StaleHoldAge))
	if err != nil {
		a.logger.Error("Failed to list stale holds ", "error ", err)
		return
	}
	for _, charge := range stale {
		res, err := a.charges.ReleaseCharge(ctx, charge.TaskID, "stale_hold")
		if err != nil {
			a.logger.Error("Failed to release stale hold ", "task ", charge.TaskID, " error ", err)
			continue
		}
		a.logger.Warn("Stale hold reconciled ", "task ", charge.TaskID, " result ", res)
	}
}
