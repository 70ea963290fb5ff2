package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"edgefleet-server/internal/auth"
	"edgefleet-server/internal/config"
	"edgefleet-server/internal/fleet"
	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/middleware"
	"edgefleet-server/internal/server"
)

func main() {
	configFile := pflag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	pflag.Parse()

	if err := run(*configFile); err != nil {
		log.Fatal(err)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadConfigFile(configFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := fleet.New(ctx, cfg, fleet.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("start fleet: %w", err)
	}
	defer f.Close()

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "edgefleet-server",
	}
	edgeLimiter := middleware.NewRateLimiter(cfg.Edge.ConnectLimit, cfg.Edge.ConnectWindow)
	router := server.NewRouter(server.Deps{
		Fleet:       f,
		TokenConfig: tokenCfg,
		Logger:      logger,
		EdgeLimiter: edgeLimiter,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Run(ctx) })
	g.Go(func() error { return edgeLimiter.Run(ctx) })
	g.Go(func() error {
		logger.Info("listening", "addr", fmt.Sprintf(":%d", cfg.Port))
		return server.Run(ctx, cfg, router)
	})
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
