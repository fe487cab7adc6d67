package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/config"
	"github.com/xiaot623/gogo/agentrun/internal/broadcast"
	"github.com/xiaot623/gogo/agentrun/internal/orchestrator"
	"github.com/xiaot623/gogo/agentrun/internal/provider"
	"github.com/xiaot623/gogo/agentrun/internal/repository"
	"github.com/xiaot623/gogo/agentrun/internal/service"
	"github.com/xiaot623/gogo/agentrun/internal/telemetry"
	"github.com/xiaot623/gogo/agentrun/internal/tools"
	handler "github.com/xiaot623/gogo/agentrun/internal/transport/http"
	"github.com/xiaot623/gogo/agentrun/policy"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	format := log.FormatJSON
	if strings.EqualFold(cfg.LogFormat, "terminal") {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if strings.EqualFold(cfg.LogLevel, "debug") {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	log.Print(ctx, log.KV{K: "msg", V: "starting agentrun"},
		log.KV{K: "http_port", V: cfg.HTTPPort},
		log.KV{K: "internal_port", V: cfg.InternalPort},
		log.KV{K: "database", V: cfg.DatabaseURL},
		log.KV{K: "llm_base_url", V: cfg.LLMBaseURL},
		log.KV{K: "workers", V: cfg.MaxConcurrentRuns})

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize store")
	}
	defer db.Close()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		log.Fatalf(ctx, err, "failed to create metrics")
	}

	// Initialize broadcaster
	var b broadcast.Broadcaster
	if cfg.RedisURL != "" {
		rdb, err := broadcast.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf(ctx, err, "failed to connect to redis")
		}
		defer rdb.Close()
		b = broadcast.NewRedis(rdb, "")
		log.Printf(ctx, "broadcasting run events through redis")
	} else {
		hub := broadcast.NewHub()
		hub.OnDrop(metrics.SubscriberDropped)
		b = hub
	}

	// Initialize policy engine and tools
	policyEngine, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize policy engine")
	}
	registry := tools.NewRegistry(
		tools.WithGate(policyEngine),
		tools.WithTimeout(cfg.ToolTimeout),
		tools.WithMetrics(metrics),
	)
	if err := tools.RegisterBuiltins(registry, tools.BuiltinConfig{
		WorkspaceRoot:    cfg.WorkspaceRoot,
		NotifyWebhookURL: cfg.NotifyWebhookURL,
	}); err != nil {
		log.Fatalf(ctx, err, "failed to register tools")
	}

	// Initialize orchestrator and service
	llm := provider.New(ctx, cfg.Mode, cfg.LLMBaseURL, cfg.LLMAPIKey)
	if cfg.LLMTokensPerMin > 0 {
		llm = provider.NewRateLimited(llm, float64(cfg.LLMTokensPerMin))
	}
	orch := orchestrator.New(llm, registry, orchestrator.Config{
		MaxTurns:    cfg.MaxTurns,
		TurnTimeout: cfg.LLMTimeout,
	})
	svc := service.New(db, b, orch, registry, metrics, service.Config{
		Workers:   cfg.MaxConcurrentRuns,
		QueueSize: cfg.RunQueueSize,
	})
	svc.Start(ctx)

	externalServer := handler.NewExternalServer(svc)
	internalServer := handler.NewInternalServer(svc)

	// Start external server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf(ctx, err, "failed to start external server")
		}
	}()

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf(ctx, err, "failed to start internal server")
		}
	}()

	log.Printf(ctx, "external API started on port %d", cfg.HTTPPort)
	log.Printf(ctx, "internal API started on port %d", cfg.InternalPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf(ctx, "shutting down agentrun...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "failed to shutdown external server gracefully")
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "failed to shutdown internal server gracefully")
	}
	// Runs in flight finish as canceled.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "run workers did not stop in time")
	}

	log.Printf(ctx, "agentrun stopped")
}
