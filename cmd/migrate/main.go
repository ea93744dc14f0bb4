package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"PariLedger/internal/config"
	"PariLedger/internal/observability"
	"PariLedger/internal/persistence"
)

func usage() {
	fmt.Println("Usage: migrate [-config pari.yaml] <up|down|version>")
	fmt.Println("  up      - apply all pending migrations")
	fmt.Println("  down    - roll back the last migration")
	fmt.Println("  version - print the latest applied version")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PARI_STORAGE_DRIVER - sqlite or postgres")
	fmt.Println("  PARI_STORAGE_DSN    - connection string (required)")
}

func main() {
	configPath := flag.String("config", os.Getenv("PARI_CONFIG"), "path to YAML config")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	log := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.Storage.Driver == "memory" {
		log.Fatal().Msg("storage driver is memory; nothing to migrate")
	}
	if cfg.Storage.DSN == "" {
		log.Fatal().Msg("PARI_STORAGE_DSN is required")
	}

	dialect, err := persistence.DialectFor(cfg.Storage.Driver)
	if err != nil {
		log.Fatal().Err(err).Msg("storage driver")
	}

	ctx := context.Background()
	db, err := persistence.OpenDB(ctx, dialect, cfg.Storage.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, dialect, persistence.EmbeddedMigrations(), log)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "version":
		v, err := migrator.Version(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("read version")
		}
		if v == "" {
			v = "none"
		}
		fmt.Println(v)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'version')\n", flag.Arg(0))
		os.Exit(1)
	}
}
