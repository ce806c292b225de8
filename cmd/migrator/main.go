package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"joke-bot/internal/config"
	"joke-bot/migrations"
	"joke-bot/pkg/logger"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const migrationsTable = "schema_migrations"

var (
	flags   = flag.NewFlagSet("migrator", flag.ExitOnError)
	dir     = flags.String("dir", "", "directory with migration files (default: embedded migrations)")
	timeout = flags.Duration("timeout", time.Minute, "timeout for the whole migration run")
)

func main() {
	flags.Usage = usage
	flags.Parse(os.Args[1:])
	args := flags.Args()

	if len(args) < 1 {
		flags.Usage()
		os.Exit(1)
	}
	command, commandArgs := args[0], args[1:]

	cfg, err := config.Read()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.App.LogLevel, nil)

	if err := run(cfg.Database, command, commandArgs); err != nil {
		logger.Error("Migration failed",
			logger.String("command", command),
			logger.Err(err),
		)
		os.Exit(1)
	}

	logger.Info("Migration finished", logger.String("command", command))
}

func run(cfg config.DatabaseConfig, command string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", cfg.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	migrationsDir := *dir
	if migrationsDir == "" {
		goose.SetBaseFS(migrations.FS)
		migrationsDir = "."
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	goose.SetTableName(migrationsTable)

	logger.Info("Running migrations",
		logger.String("command", command),
		logger.String("dir", migrationsDir),
		logger.String("host", cfg.Host),
		logger.String("database", cfg.Name),
	)

	return goose.RunContext(ctx, command, db, migrationsDir, args...)
}

func usage() {
	fmt.Println(usagePrefix)
	flags.PrintDefaults()
	fmt.Println(usageCommands)
}

var (
	usagePrefix = `Usage: migrator [OPTIONS] COMMAND

Reads database settings from CONFIG_PATH (default configs/config.prod.yaml)
or from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME.

Options:
`

	usageCommands = `
Commands:
    up                   Migrate the database to the most recent version available
    up-by-one            Migrate the database up by 1
    up-to VERSION        Migrate the database to a specific VERSION
    down                 Roll back the version by 1
    down-to VERSION      Roll back to a specific VERSION
    redo                 Re-run the latest migration
    reset                Roll back all migrations
    status               Dump the migration status
    version              Print the current version
`
)
