package main

import (
	"log"
	"os"

	"github.com/grburgess/cmdstanpy/internal/api"
	"github.com/grburgess/cmdstanpy/internal/config"
	"github.com/grburgess/cmdstanpy/internal/console"
	"github.com/grburgess/cmdstanpy/internal/engine"
	"github.com/grburgess/cmdstanpy/internal/runner"
	"github.com/grburgess/cmdstanpy/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("stanrund: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	rules := console.Default()
	if cfg.RulesPath != "" {
		var err error
		rules, err = console.Load(cfg.RulesPath)
		if err != nil {
			log.Fatalf("failed to load console rules: %v", err)
		}
		logger.Info("loaded console rules", "path", cfg.RulesPath)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	eng := engine.NewEngine(db, runner.NewSubprocess(logger), rules, logger)
	defer eng.Wait()

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
