// Package main is the unified entry point for hyperagent: it runs the
// workflow runtime, its polling worker, and the HTTP surface (operational API
// plus the runner callback endpoint) in a single process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hexafield/hyperagent/internal/api"
	"github.com/hexafield/hyperagent/internal/common/config"
	"github.com/hexafield/hyperagent/internal/common/logger"
	"github.com/hexafield/hyperagent/internal/common/tracing"
	"github.com/hexafield/hyperagent/internal/events/bus"
	"github.com/hexafield/hyperagent/internal/executor"
	"github.com/hexafield/hyperagent/internal/pullrequest"
	"github.com/hexafield/hyperagent/internal/runner"
	"github.com/hexafield/hyperagent/internal/runtime"
	"github.com/hexafield/hyperagent/internal/session"
	"github.com/hexafield/hyperagent/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting hyperagent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, "hyperagent")
	if err != nil {
		log.Warn("tracing setup failed, continuing without tracing", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Durable store
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	defer func() { _ = st.Close() }()
	log.Info("store initialized", zap.String("db_path", cfg.Database.Path))

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS.URL, cfg.NATS.MaxReconnects, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Pull-request projection
	prStore, err := pullrequest.NewStore(st.DB(), st.Reader())
	if err != nil {
		log.Fatal("failed to initialize pull request store", zap.Error(err))
	}
	prService := pullrequest.NewService(prStore, st, log)

	// Runner gateway
	callbackBaseURL := cfg.Runner.CallbackBaseURL
	if callbackBaseURL == "" {
		callbackBaseURL = fmt.Sprintf("http://%s", cfg.Server.Addr())
	}
	gateway, closeGateway, err := buildGateway(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize runner gateway", zap.Error(err))
	}
	defer closeGateway()

	sessions := session.NewProvider(cfg.Session.PushRemote, log)

	rt := runtime.New(runtime.Options{
		Store:    st,
		Gateway:  gateway,
		Executor: unboundExecutor(),
		Sessions: sessions,
		PRs:      prService,
		Bus:      eventBus,
		Logger:   log,
		Config: runtime.Config{
			PollInterval:    cfg.Worker.PollInterval,
			Limit:           cfg.Worker.Limit,
			MaxAttempts:     cfg.Worker.MaxAttempts,
			StuckThreshold:  cfg.Worker.StuckThreshold,
			LeaseWaitWindow: cfg.Worker.LeaseWaitWindow,
			CallbackBaseURL: callbackBaseURL,
			CallbackToken:   cfg.Auth.RunnerToken,
			WorkflowUserID:  cfg.Worker.WorkflowUserID,
			BranchPrefix:    cfg.Session.BranchPrefix,
			SessionAuthor: session.Author{
				Name:  cfg.Session.AuthorName,
				Email: cfg.Session.AuthorEmail,
			},
			FetchFirst: cfg.Session.FetchFirst,
		},
	})

	rt.StartWorker()
	defer rt.StopWorker()

	router := api.NewRouter(api.Deps{
		Runtime:     rt,
		Store:       st,
		PRs:         prService,
		RunnerToken: cfg.Auth.RunnerToken,
		Logger:      log,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	rt.StopWorker()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", zap.Error(err))
	}
}

// buildGateway selects the gateway implementation per configuration.
func buildGateway(ctx context.Context, cfg *config.Config, log *logger.Logger) (runner.Gateway, func(), error) {
	switch cfg.Runner.Mode {
	case "loopback":
		return runner.NewLoopbackGateway(log), func() {}, nil
	case "", "docker":
		gw, err := runner.NewDockerGateway(cfg.Runner, log)
		if err != nil {
			return nil, nil, err
		}
		if err := gw.Ping(ctx); err != nil {
			log.Warn("docker daemon unreachable, falling back to loopback gateway", zap.Error(err))
			_ = gw.Close()
			return runner.NewLoopbackGateway(log), func() {}, nil
		}
		return gw, func() { _ = gw.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown runner mode: %s", cfg.Runner.Mode)
	}
}

// unboundExecutor is the default when no agent loop is registered: executing
// a step fails with an explicit message instead of silently no-opping. Agent
// integrations register real executors on the runtime's registry.
func unboundExecutor() executor.AgentExecutor {
	return executor.Func(func(ctx context.Context, args executor.Args) (*executor.Result, error) {
		agentType := args.Step.Data.GetString("agentType")
		if agentType == "" {
			agentType = "default"
		}
		return nil, fmt.Errorf("no agent executor registered for agent type '%s'", agentType)
	})
}
