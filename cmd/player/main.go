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

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/circuit"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/config"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/logging"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/metrics"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/player"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/repo"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/rpc"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to league config YAML")
		port       = flag.Int("port", 0, "listen port (overrides config)")
		name       = flag.String("name", "Player", "display name")
		strategy   = flag.String("strategy", "random", "choice strategy: random, pattern_based, always_even, always_odd")
		managerURL = flag.String("manager", "", "league manager /mcp endpoint")
		selfURL    = flag.String("endpoint", "", "this player's advertised /mcp endpoint")
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
	listenPort := cfg.Network.PlayerPortStart
	if *port != 0 {
		listenPort = *port
	}
	manager := *managerURL
	if manager == "" {
		manager = fmt.Sprintf("http://%s:%d/mcp", cfg.Network.BaseHost, cfg.Network.ManagerPort)
	}
	endpoint := *selfURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("http://%s:%d/mcp", cfg.Network.BaseHost, listenPort)
	}

	component := fmt.Sprintf("player_%d", listenPort)
	logger, closeLog, err := logging.New(component, logging.Options{
		Dir:    cfg.Storage.LogDir,
		Mirror: os.Stderr,
	})
	if err != nil {
		log.Fatalf("opening log: %v", err)
	}
	defer closeLog()

	met := metrics.New(component)

	strat, err := player.NewStrategy(*strategy)
	if err != nil {
		log.Fatalf("strategy: %v", err)
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

	svc := player.NewService(player.ServiceConfig{
		DisplayName:     *name,
		Endpoint:        endpoint,
		ManagerEndpoint: manager,
		GameType:        cfg.League.GameType,
		ReplyTimeout:    cfg.GenericTimeout(),
	}, client, strat, nil, logger, met)

	srv := rpc.NewServer(logger, nil)
	svc.Attach(srv)
	srv.Router().Handle("/metrics", met.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", listenPort),
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("SERVER_STARTED", slog.Int("port", listenPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("SERVER_FAILED", slog.String("error", err.Error()))
			stop()
		}
	}()

	if err := registerWithRetry(ctx, svc, cfg.GenericTimeout(), logger); err != nil {
		logger.Error("REGISTRATION_FAILED", slog.String("error", err.Error()))
		stop()
	} else {
		// history is keyed by the manager-assigned ID
		svc.SetHistory(repo.NewHistoryRepo(cfg.Storage.DataDir, svc.PlayerID()))
	}

	select {
	case <-ctx.Done():
	case <-svc.Done():
		logger.Info("LEAGUE_FINISHED")
		// stay up briefly so trailing notifications still land
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("SERVER_STOPPED")
}

// registerWithRetry keeps trying while the manager comes up.
func registerWithRetry(ctx context.Context, svc *player.Service, timeout time.Duration, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err = svc.Register(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		logger.Warn("REGISTRATION_RETRY",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return err
}
