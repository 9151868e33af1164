// spotx is a minimal spot exchange engine for BTC/USD and ETH/USD.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spotx/internal/config"
	"github.com/web3guy0/spotx/internal/events"
	"github.com/web3guy0/spotx/internal/matching"
	"github.com/web3guy0/spotx/internal/order"
	"github.com/web3guy0/spotx/internal/orchestrator"
	"github.com/web3guy0/spotx/internal/orchestrator/authstub"
	"github.com/web3guy0/spotx/internal/store"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Str("listen_addr", cfg.ListenAddr).Msg("spotx starting")

	matching.SetCommissionRate(cfg.CommissionRate)

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	hub := events.New()
	go hub.Run()

	orders := order.New(db, hub)
	tokens := authstub.New()

	srv := orchestrator.New(db, orders, hub, tokens, cfg.TxTimeout)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(cfg.CORSOrigins),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Msg("spotx ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error during http server shutdown")
	}
	log.Info().Msg("shutdown complete")
}
