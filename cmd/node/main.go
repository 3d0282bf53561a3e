package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/comfyclaw/node/internal/batch"
	"github.com/comfyclaw/node/internal/config"
	"github.com/comfyclaw/node/internal/dashboard"
	"github.com/comfyclaw/node/internal/executor"
	"github.com/comfyclaw/node/internal/history"
	"github.com/comfyclaw/node/internal/logger"
	"github.com/comfyclaw/node/internal/pipeline"
	"github.com/comfyclaw/node/internal/provider"
	"github.com/comfyclaw/node/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger.Init("comfyclaw-node")
	log := logger.With("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open config store")
	}

	hist, err := history.NewDB(cfg.History.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open history database")
	}
	defer hist.Close()

	exec := executor.New(st)
	prov := provider.New(cfg.Gateway.URL, cfg.Gateway.APIKey, st, exec, hist, cfg.Provider.Workflows)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if cfg.Dashboard.Enabled {
		pipes := pipeline.New(st, hist)
		batches := batch.New(st, hist)
		dash := dashboard.New(st, hist, prov, pipes, batches)
		prov.SetEvents(dash.Hub())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Serve(ctx, cfg.Dashboard.Address); err != nil {
				log.Error().Err(err).Msg("dashboard server error")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		prov.Run(ctx)
	}()

	log.Info().Str("gateway", cfg.Gateway.URL).Msg("node started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	cancel()
	wg.Wait()
	log.Info().Msg("node stopped")
}
