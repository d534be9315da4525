package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/artifex-bot/artifex/internal/artifex"
	"github.com/artifex-bot/artifex/internal/billing"
	"github.com/artifex-bot/artifex/internal/config"
	"github.com/artifex-bot/artifex/internal/dedup"
	"github.com/artifex-bot/artifex/internal/guard"
	"github.com/artifex-bot/artifex/internal/http_api"
	"github.com/artifex-bot/artifex/internal/ledger"
	"github.com/artifex-bot/artifex/internal/notificator"
	"github.com/artifex-bot/artifex/internal/orchestrator"
	"github.com/artifex-bot/artifex/internal/provider"
	"github.com/artifex-bot/artifex/internal/repository"
	"github.com/artifex-bot/artifex/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "artifex",
		Usage: "Artifex is a chat-bot backend brokering paid AI generations",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.StringFlag{Name: "provider-url", Aliases: []string{"g"}, Usage: "Generation provider URL"},
			&cli.StringFlag{Name: "callback-url", Aliases: []string{"c"}, Usage: "Public callback URL for provider pushes"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	// Override with flags if set
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("provider-url") {
		cfg.ProviderURL = c.String("provider-url")
	}
	if c.IsSet("callback-url") {
		cfg.CallbackURL = c.String("callback-url")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}

	// Initialize database
	db, err := repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer db.Close()

	// Money and billing
	walletLedger := ledger.NewWalletLedger(db, log)
	charges := billing.NewChargeManager(db, walletLedger, log)
	pricer := billing.NewStaticPricer(cfg.ModelPrices)

	// Guards around the provider boundary, one pair per provider
	limiter := guard.NewSlidingWindowLimiter(guard.LimiterConfig{
		MaxRequests:  cfg.RateLimitMaxRequests,
		Per:          cfg.RateLimitWindow,
		SafetyMargin: cfg.RateLimitSafetyMargin,
	}, nil)
	gate := guard.NewGate(cfg.MaxInFlight)
	breaker := guard.NewCircuitBreaker(guard.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		CoolDown:         cfg.BreakerCoolDown,
	}, nil)
	retry := guard.RetryPolicy{
		MaxAttempts: cfg.ProviderMaxRetries,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Retryable:   provider.IsRetryable,
		RetryAfter:  provider.RetryAfterHint,
	}

	// Provider client and orchestrator
	providerClient := provider.NewClient(cfg.ProviderURL, cfg.ProviderAPIKey, log)
	orch := orchestrator.New(orchestrator.Config{
		PollDeadline:      cfg.PollDeadline,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, providerClient, limiter, gate, breaker, retry, nil, log)

	// Inbound dedup
	updateDedup := dedup.NewUpdateDedup(db, cfg.UpdateRetention, log)

	// Telegram surface
	telegram, err := notificator.NewTelegramNotificator(cfg.TelegramBotToken, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize telegram bot: %v", err)
	}

	// Create the application service
	artifexApp := artifex.NewArtifex(db, charges, orch, updateDedup, telegram, pricer, walletLedger, log, cfg)
	telegram.Bind(artifexApp)

	apiServer := http_api.NewHTTPServer(artifexApp, cfg.APIPort, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go apiServer.Start()
	telegram.Start(ctx)
	if err := artifexApp.Start(); err != nil {
		return fmt.Errorf("failed to start application: %v", err)
	}
	log.Info("Artifex is running")

	// Block until asked to stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	artifexApp.Stop()
	if err := apiServer.Shutdown(); err != nil {
		log.Error("Failed to shut down HTTP server: ", err)
	}

	return nil
}
