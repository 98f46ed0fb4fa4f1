// cursorchestrator orchestrator worker - webhook gateway, durable outbox,
// broker-side consumer, reducer, task dispatcher, reaper, and heartbeat in
// one process.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/cursorchestrator/pkg/agentclient"
	"github.com/codeready-toolchain/cursorchestrator/pkg/analyzer"
	"github.com/codeready-toolchain/cursorchestrator/pkg/broker"
	"github.com/codeready-toolchain/cursorchestrator/pkg/brokerworker"
	"github.com/codeready-toolchain/cursorchestrator/pkg/config"
	"github.com/codeready-toolchain/cursorchestrator/pkg/database"
	"github.com/codeready-toolchain/cursorchestrator/pkg/dispatcher"
	"github.com/codeready-toolchain/cursorchestrator/pkg/heartbeat"
	"github.com/codeready-toolchain/cursorchestrator/pkg/orchestrator"
	"github.com/codeready-toolchain/cursorchestrator/pkg/outbox"
	"github.com/codeready-toolchain/cursorchestrator/pkg/reaper"
	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
	"github.com/codeready-toolchain/cursorchestrator/pkg/tester"
	"github.com/codeready-toolchain/cursorchestrator/pkg/webhook"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configFile := flag.String("config-file",
		getEnv("CONFIG_FILE", ""),
		"Path to an optional YAML configuration overlay")
	flag.Parse()

	if err := godotenv.Load(getEnv("ENV_FILE", ".env")); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configFile)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("error closing database client: %v", err)
		}
	}()
	db := dbClient.DB()
	slog.Info("connected to PostgreSQL")

	orchestrations := store.NewOrchestrationStore(db)
	outboxStore := store.NewOutboxStore(db)
	events := store.NewEventStore(db)
	agentStates := store.NewAgentStateStore(db)
	health := store.NewHealthStore(db)

	agentClient := agentclient.New(cfg.AgentService.BaseURL, cfg.AgentService.Timeout)
	models := dispatcher.NewModelValidator(agentClient, 0)
	testerClient := tester.New(getEnv("TESTER_BASE_URL", ""), 0)

	var llm *analyzer.LLMClient
	if cfg.Analyzer.BaseURL != "" {
		llm = analyzer.NewLLMClient(cfg.Analyzer.BaseURL, cfg.Analyzer.APIKey, cfg.Analyzer.Model, cfg.Analyzer.Timeout)
	}
	an := analyzer.New(llm, slog.Default().With("component", "analyzer"))

	disp := dispatcher.New(agentClient, models, orchestrations, agentStates, events, cfg.AgentService.APIKey, cfg.Engine.MaxParallelAgents, cfg.Engine.MaxIterations)

	reducer := orchestrator.New(agentClient, testerClient, an, disp, orchestrations, agentStates, events,
		cfg.AgentService.APIKey, cfg.Engine.MaxIterations, cfg.Engine.QualityThreshold)

	// The broker is an optional low-latency path; its absence only removes
	// the fast path for webhook-driven follow-ups (spec §4.3/§9).
	var brk *broker.Broker
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		candidate := broker.New(rdb)
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := candidate.Probe(probeCtx); err != nil {
			slog.Warn("redis broker unavailable, falling back to outbox-only delivery", "error", err)
		} else {
			brk = candidate
			slog.Info("connected to Redis broker")
		}
		cancel()
	}

	gateway := webhook.New(cfg.Webhook.Secret, brk, reducer)

	router := gin.Default()
	gateway.RegisterRoutes(router.Group("/"))
	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, db)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbHealth})
	})

	hb := heartbeat.New(health, outboxStore, agentStates, db, getEnv("WORKER_ID", ""), cfg.Engine.HeartbeatInterval)
	go hb.Run(ctx)

	rp := reaper.New(agentClient, agentStates, cfg.AgentService.APIKey, cfg.Engine.ReaperInterval, cfg.Engine.AgentTimeout)
	go rp.Run(ctx)

	outboxStarter := dispatcher.OutboxStarterAdapter{Dispatcher: disp}
	processor := outbox.New(outbox.Config{
		PollInterval: cfg.Engine.OutboxPollInterval,
		ClaimBatch:   cfg.Engine.OutboxClaimBatch,
		Concurrency:  cfg.Engine.OutboxConcurrency,
		BaseDelay:    cfg.Engine.OutboxBaseDelay,
		ClaimTimeout: cfg.Engine.OutboxClaimTimeout,
	}, getEnv("WORKER_ID", ""), outboxStore, orchestrations, events, outboxStarter)
	go processor.Run(ctx)

	if brk != nil {
		brokerStarter := dispatcher.BrokerStarterAdapter{Dispatcher: disp}
		bw := brokerworker.New(brokerworker.Config{
			Concurrency:     5,
			PollBlock:       5 * time.Second,
			ReclaimInterval: 30 * time.Second,
		}, getEnv("WORKER_ID", "orchestrator"), brk, reducer, brokerStarter)
		go func() {
			if err := bw.Run(ctx); err != nil {
				slog.Error("broker worker stopped", "error", err)
			}
		}()
		defer bw.Stop()
	}

	srv := &http.Server{Addr: ":" + httpPort, Handler: router}
	go func() {
		slog.Info("HTTP server listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	processor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
}
