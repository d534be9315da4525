package notificator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"

	"github.com/artifex-bot/artifex/internal/config"
	"github.com/artifex-bot/artifex/internal/models"
	"github.com/artifex-bot/artifex/pkg/logger"
)

// TelegramNotificator is both the inbound surface (bot commands) and the
// outbound notification sink. Every inbound update passes the dedup marker
// before any side effect.
type TelegramNotificator struct {
	logger *logger.Logger
	config *config.Config
	bot    *bot.Bot

	app models.ArtifexI
}

func NewTelegramNotificator(token string, config *config.Config, logger *logger.Logger) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger: logger,
		config: config,
	}
	opts := []bot.Option{
		bot.WithDefaultHandler(provider.handler),
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	provider.bot = b

	return provider, nil
}

// Bind attaches the application service. Must be called before Start; the
// app and the notificator reference each other.
func (t *TelegramNotificator) Bind(app models.ArtifexI) {
	t.app = app
}

// Start begins long-polling for updates.
func (t *TelegramNotificator) Start(ctx context.Context) {
	go t.bot.Start(ctx)
}

// Notify implements models.NotificationSink.
func (t *TelegramNotificator) Notify(ctx context.Context, chatID int64, message string) {
	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   message,
	}
	_, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		t.logger.Error("Failed to send notification: ", err)
	}
}

func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}

	// Dedup before any side effect: redundant deliveries during restarts
	// must not generate twice.
	first, err := t.app.FirstDelivery(ctx, update.ID)
	if err != nil {
		t.logger.Error("Failed to check update delivery: ", err, " update: ", update.ID)
		return
	}
	if !first {
		t.logger.Debug("Duplicate update ignored: ", update.ID)
		return
	}

	user := update.Message.From
	chatID := update.Message.Chat.ID
	text := strings.TrimSpace(update.Message.Text)
	t.logger.Debug("Telegram update: ", user.Username, " ", text)

	command, args, _ := strings.Cut(text, " ")
	switch command {
	case "/start":
		t.Notify(ctx, chatID, "Welcome to Artifex. Use /gen <model> <prompt> to generate, /balance to check credits, /topup to add them.")
	case "/balance":
		t.handleBalance(ctx, chatID, user.ID)
	case "/topup":
		t.handleTopup(ctx, chatID, user.ID, args)
	case "/gen":
		t.handleGenerate(ctx, update.ID, chatID, user.ID, args)
	default:
		t.Notify(ctx, chatID, "Unknown command. Try /gen, /balance or /topup.")
	}
}

func (t *TelegramNotificator) handleBalance(ctx context.Context, chatID, userID int64) {
	wallet, err := t.app.Balance(ctx, userID)
	if err != nil {
		t.Notify(ctx, chatID, "Could not read your balance, try again later.")
		return
	}
	t.Notify(ctx, chatID, fmt.Sprintf("Balance: %s credits (%s on hold)", wallet.Balance, wallet.Hold))
}

func (t *TelegramNotificator) handleTopup(ctx context.Context, chatID, userID int64, args string) {
	// Payment provider integration is handled upstream; this surface takes
	// the granted amount together with the payment reference.
	fields := strings.Fields(args)
	if len(fields) != 2 {
		t.Notify(ctx, chatID, "Usage: /topup <amount> <payment-ref>")
		return
	}
	amount, err := decimal.NewFromString(fields[0])
	if err != nil || !amount.IsPositive() {
		t.Notify(ctx, chatID, "Amount must be a positive number.")
		return
	}
	outcome, err := t.app.HandleTopup(ctx, userID, amount, "topup_"+fields[1])
	if err != nil {
		t.logger.Error("Topup failed: ", err, " user: ", userID)
		t.Notify(ctx, chatID, "Top-up failed, try again later.")
		return
	}
	if outcome == "duplicate" {
		t.Notify(ctx, chatID, "This payment was already credited.")
		return
	}
	t.Notify(ctx, chatID, fmt.Sprintf("Credited %s credits.", amount))
}

func (t *TelegramNotificator) handleGenerate(ctx context.Context, updateID, chatID, userID int64, args string) {
	modelID, prompt, _ := strings.Cut(args, " ")
	if modelID == "" || strings.TrimSpace(prompt) == "" {
		t.Notify(ctx, chatID, "Usage: /gen <model> <prompt>")
		return
	}

	payload, err := json.Marshal(map[string]string{"prompt": strings.TrimSpace(prompt)})
	if err != nil {
		t.logger.Error("Failed to build payload: ", err)
		return
	}

	t.Notify(ctx, chatID, "Generation started, hold on...")

	// The generation can take minutes; run it off the update handler. The
	// app service delivers progress and the result itself.
	go func() {
		result, err := t.app.HandleGenerate(ctx, &models.GenerateRequest{
			UpdateID: updateID,
			UserID:   userID,
			ChatID:   chatID,
			ModelID:  modelID,
			Payload:  payload,
			Format:   models.PayloadFormat(t.config.ProviderFormat),
		})
		if err != nil {
			t.logger.Error("Generation failed: ", err, " user: ", userID)
			t.Notify(ctx, chatID, "Generation could not be started, try again later.")
			return
		}
		t.logger.Info("Generation handled: ", result.JobID, " status: ", result.Status)
	}()
}
