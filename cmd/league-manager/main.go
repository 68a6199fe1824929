package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/auth"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/circuit"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/config"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/logging"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/manager"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/metrics"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/repo"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/rpc"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/standings"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to league config YAML")
		port       = flag.Int("port", 0, "listen port (overrides config)")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}
	listenPort := cfg.Network.ManagerPort
	if *port != 0 {
		listenPort = *port
	}

	component := "league_manager"
	logger, closeLog, err := logging.New(component, logging.Options{
		Dir:      cfg.Storage.LogDir,
		LeagueID: cfg.League.ID,
		Mirror:   os.Stderr,
	})
	if err != nil {
		log.Fatalf("opening log: %v", err)
	}
	defer closeLog()

	met := metrics.New(component)

	tokens, err := auth.NewService(auth.ServiceConfig{
		LeagueID: cfg.League.ID,
		TTL:      cfg.TokenTTL(),
	})
	if err != nil {
		logger.Error("STARTUP_FAILED", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client := rpc.NewClient(rpc.ClientConfig{
		Timeout:     cfg.HTTPTimeout(),
		MaxRetries:  cfg.Retry.MaxRetries,
		BackoffBase: cfg.RetryBase(),
		Breaker: circuit.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.BreakerOpenTimeout(),
		},
		Metrics: met,
	}, logger)

	registry := manager.NewRegistry(tokens, cfg.League.GameType, cfg.League.MaxPlayers)
	league := manager.NewLeague(manager.LeagueConfig{
		LeagueID:   cfg.League.ID,
		GameType:   cfg.League.GameType,
		MinPlayers: cfg.League.MinPlayers,
		RoundDelay: cfg.RoundDelay(),
	}, registry, client,
		standings.NewEngine(standings.Weights{
			Win:  cfg.Scoring.WinPoints,
			Draw: cfg.Scoring.DrawPoints,
			Loss: cfg.Scoring.LossPoints,
		}),
		repo.NewStandingsRepo(cfg.Storage.DataDir, cfg.League.ID),
		repo.NewRoundsRepo(cfg.Storage.DataDir, cfg.League.ID),
		logger, met)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := manager.NewService(ctx, cfg.League.ID, registry, league, tokens, logger, met)
	if err := svc.IssueSelfToken(); err != nil {
		logger.Error("STARTUP_FAILED", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := league.OpenRegistration(); err != nil {
		logger.Error("STARTUP_FAILED", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := rpc.NewServer(logger, svc.AuthFunc)
	svc.Attach(srv)
	srv.Router().Handle("/metrics", met.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", listenPort),
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("SERVER_STARTED",
			slog.String("league_id", cfg.League.ID),
			slog.Int("port", listenPort),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("SERVER_FAILED", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("SERVER_STOPPED")
}
