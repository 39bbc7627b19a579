package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/digkill/TGAvatarBot/internal/database"
	"github.com/digkill/TGAvatarBot/internal/repository"
	"github.com/digkill/TGAvatarBot/internal/service"
	"github.com/digkill/TGAvatarBot/pkg/logger"
)

const (
	flagDBDriver     = "db-driver"
	flagDatabaseDSN  = "database-dsn"
	flagLogLevel     = "log-level"
	configKeyDriver  = "db_driver"
	configKeyDSN     = "database_dsn"
	configKeyLevel   = "log_level"
	defaultDBDriver  = "sqlite"
	defaultDSN       = "avatarbot.db"
	defaultLogLevel  = "warn"
	defaultListLimit = 50
)

type runtimeConfig struct {
	Driver   string
	DSN      string
	LogLevel string
}

// app is opened lazily by each subcommand so --help works without a database.
type app struct {
	db     *sql.DB
	ledger *service.LedgerService
	jobs   *repository.JobRepository
}

func (a *app) Close() error {
	return a.db.Close()
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "avatarctl",
		Short:         "Operator tool for the avatar bot ledger",
		Long:          "avatarctl settles crypto purchases, grants credits and inspects job statistics directly against the bot database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd, v, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDBDriver, defaultDBDriver, "database driver: sqlite or mysql")
	flags.String(flagDatabaseDSN, defaultDSN, "database DSN")
	flags.String(flagLogLevel, defaultLogLevel, "log level for diagnostics on stderr")

	open := func(cmd *cobra.Command) (*app, error) {
		return openApp(cmd, cfg)
	}
	cmd.AddCommand(
		newMigrateCmd(cfg),
		newPendingCmd(open),
		newSettleCmd(open, true),
		newSettleCmd(open, false),
		newGrantCmd(open),
		newUserCmd(open),
		newStatsCmd(open),
	)
	return cmd
}

// loadConfig resolves flags over environment over defaults. An .env file next to the binary is
// honoured the same way the bot honours it.
func loadConfig(cmd *cobra.Command, v *viper.Viper, cfg *runtimeConfig) error {
	_ = godotenv.Load()

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	bindings := []struct {
		key  string
		env  string
		flag string
	}{
		{configKeyDriver, "DB_DRIVER", flagDBDriver},
		{configKeyDSN, "DATABASE_DSN", flagDatabaseDSN},
		{configKeyLevel, "LOG_LEVEL", flagLogLevel},
	}
	for _, b := range bindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return err
		}
		if err := v.BindPFlag(b.key, cmd.Flags().Lookup(b.flag)); err != nil {
			return err
		}
	}

	cfg.Driver = strings.ToLower(strings.TrimSpace(v.GetString(configKeyDriver)))
	cfg.DSN = strings.TrimSpace(v.GetString(configKeyDSN))
	cfg.LogLevel = v.GetString(configKeyLevel)
	if cfg.Driver == "" {
		cfg.Driver = defaultDBDriver
	}
	if cfg.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	return nil
}

func connect(ctx context.Context, cfg *runtimeConfig) (*sql.DB, database.Dialect, error) {
	db, dialect, err := database.Connect(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("database connect: %w", err)
	}
	if err := database.Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("database migrate: %w", err)
	}
	return db, dialect, nil
}

func openApp(cmd *cobra.Command, cfg *runtimeConfig) (*app, error) {
	db, dialect, err := connect(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	log := logger.NewWriter(cmd.ErrOrStderr(), cfg.LogLevel)
	// Starting balance only matters when accounts are created; this tool never creates one.
	ledger := service.NewLedgerService(db, repository.NewAccountRepository(db, dialect), repository.NewTransactionRepository(db), 0, log)
	return &app{
		db:     db,
		ledger: ledger,
		jobs:   repository.NewJobRepository(db),
	}, nil
}
