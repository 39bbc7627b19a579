package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/TGAvatarBot/internal/admin"
	"github.com/digkill/TGAvatarBot/internal/catalog"
	"github.com/digkill/TGAvatarBot/internal/config"
	"github.com/digkill/TGAvatarBot/internal/conversation"
	"github.com/digkill/TGAvatarBot/internal/database"
	"github.com/digkill/TGAvatarBot/internal/replicate"
	"github.com/digkill/TGAvatarBot/internal/repository"
	"github.com/digkill/TGAvatarBot/internal/service"
	"github.com/digkill/TGAvatarBot/internal/session"
	"github.com/digkill/TGAvatarBot/internal/storage"
	"github.com/digkill/TGAvatarBot/internal/telegram"
	"github.com/digkill/TGAvatarBot/pkg/logger"
	"github.com/digkill/TGAvatarBot/pkg/logger/sl"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)
	logr.Info("starting avatar bot",
		sl.Secret("bot_token", cfg.BotToken),
		sl.Secret("replicate_token", cfg.ReplicateToken),
		"db_driver", cfg.DBDriver,
		"admins", len(cfg.AdminIDs),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, dialect, err := database.Connect(ctx, cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		logr.Error("database connect", sl.Err(err))
		os.Exit(1)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db, dialect); err != nil {
		logr.Error("database migrate", sl.Err(err))
		os.Exit(1)
	}

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		logr.Error("catalog", sl.Err(err))
		os.Exit(1)
	}

	accountRepo := repository.NewAccountRepository(db, dialect)
	transactionRepo := repository.NewTransactionRepository(db)
	jobRepo := repository.NewJobRepository(db)

	ledger := service.NewLedgerService(db, accountRepo, transactionRepo, cfg.StartingBalance, logr)

	replicateClient := replicate.NewClient(cfg.ReplicateToken, cfg.ReplicateBaseURL, cfg.RequestTimeout, logr)
	replicateModels := replicate.NewProvider(replicateClient, replicate.Settings{
		InstantVersion:   cfg.InstantModelVersion,
		InstantStyleName: cfg.InstantStyleName,
		TrainingModel:    cfg.TrainingModel,
		TrainingVersion:  cfg.TrainingVersion,
		Destination:      cfg.TrainingDestination,
	})
	if cfg.TrainingDestination == "" {
		logr.Warn("REPLICATE_TRAINING_DESTINATION is empty, personal model training will fail and refund")
	}

	var estimator service.ProgressEstimator = service.TimeBasedEstimator{Expected: cfg.ExpectedTrainingDuration}
	if cfg.ProgressFromLogs {
		estimator = service.LogPercentEstimator{TotalSteps: cfg.TrainingSteps, Fallback: estimator}
	}
	generation := service.NewGenerationService(service.GenerationSettingsFrom(cfg), ledger, jobRepo, replicateModels, replicateModels, logr).
		WithEstimator(estimator)
	if cfg.S3Enabled() {
		uploader, err := storage.NewUploader(storage.ConfigFrom(cfg))
		if err != nil {
			logr.Error("storage uploader", sl.Err(err))
			os.Exit(1)
		}
		generation.WithImageHost(uploader)
		logr.Info("selfies are hosted on object storage", "bucket", cfg.S3Bucket)
	}

	payments, err := service.NewPaymentService(ledger, cat, cfg.CryptoWallets, cfg.CryptoRates, logr)
	if err != nil {
		logr.Error("payments", sl.Err(err))
		os.Exit(1)
	}
	if !payments.Enabled() {
		logr.Info("no crypto wallets configured, purchases are disabled")
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logr.Error("telegram bot", sl.Err(err))
		os.Exit(1)
	}

	bot := telegram.NewBot(botAPI, logr)
	engine := conversation.New(conversation.Settings{
		InstantCost: cfg.InstantCost,
		MinPhotos:   cfg.MinTrainingPhotos,
		MaxPhotos:   cfg.MaxTrainingPhotos,
		AdminIDs:    cfg.AdminIDs,
	}, conversation.Deps{
		Sessions:   session.NewStore(),
		Ledger:     ledger,
		Generation: generation,
		Payments:   payments,
		Catalog:    cat,
		Outbox:     bot,
		Log:        logr,
	})
	bot.SetHandler(engine)
	if err := engine.Recover(ctx); err != nil {
		logr.Error("recover pending jobs", sl.Err(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := bot.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.AdminListenAddr != "" {
		adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, ledger, payments, generation, bot)
		g.Go(func() error {
			return adminServer.Run(gctx)
		})
	}

	err = g.Wait()
	// In-flight jobs are cancelled and refunded before the database closes.
	engine.Close()
	if err != nil {
		logr.Error("bot stopped", sl.Err(err))
		os.Exit(1)
	}
	logr.Info("bot stopped")
}
