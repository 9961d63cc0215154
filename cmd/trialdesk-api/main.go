package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trialdesk/trialdesk/internal/agent"
	"github.com/trialdesk/trialdesk/internal/api"
	"github.com/trialdesk/trialdesk/internal/auth"
	"github.com/trialdesk/trialdesk/internal/config"
	conversationpostgres "github.com/trialdesk/trialdesk/internal/conversation/postgres"
	"github.com/trialdesk/trialdesk/internal/llm"
	"github.com/trialdesk/trialdesk/internal/observability"
	"github.com/trialdesk/trialdesk/internal/sqlguard"
	"github.com/trialdesk/trialdesk/internal/trials"
	trialspostgres "github.com/trialdesk/trialdesk/internal/trials/postgres"
)

func main() {
	cfg, err := config.LoadFromEnv("trialdesk-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	trialsDB, err := trialspostgres.Open(context.Background(), trialspostgres.DBConfig{
		DSN:             cfg.TrialsDB.DSN,
		MaxOpenConns:    cfg.TrialsDB.MaxOpenConns,
		MaxIdleConns:    cfg.TrialsDB.MaxIdleConns,
		ConnMaxIdleTime: cfg.TrialsDB.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.TrialsDB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open trials db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = trialsDB.Close() }()

	appDB, err := conversationpostgres.Open(context.Background(), conversationpostgres.DBConfig{
		DSN:             cfg.AppDB.DSN,
		MaxOpenConns:    cfg.AppDB.MaxOpenConns,
		MaxIdleConns:    cfg.AppDB.MaxIdleConns,
		ConnMaxIdleTime: cfg.AppDB.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.AppDB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open app db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = appDB.Close() }()

	conversations := conversationpostgres.NewRepository(appDB)
	checkpoints := conversationpostgres.NewCheckpointStore(appDB)
	catalog := trialspostgres.NewCatalog(trialsDB, trialspostgres.CatalogConfig{
		Schema:     trials.Schema,
		Tables:     trials.AllowedTables(),
		SampleRows: cfg.TrialsDB.SchemaSampleRows,
	})
	executor := trialspostgres.NewExecutor(trialsDB, trialspostgres.ExecutorConfig{
		MaxResultRows: cfg.TrialsDB.MaxResultRows,
		QueryTimeout:  cfg.TrialsDB.QueryTimeout,
	})
	validator := sqlguard.NewValidator(trials.Schema, trials.AllowedTables())

	var generator llm.Client
	if cfg.OpenAI.APIKey != "" {
		primary, err := newGenerator(cfg, cfg.OpenAI.APIKey)
		if err != nil {
			logger.Error("failed to initialize generator", slog.Any("error", err))
			os.Exit(1)
		}
		generator = primary
		if cfg.OpenAI.StandbyAPIKey != "" {
			standby, err := newGenerator(cfg, cfg.OpenAI.StandbyAPIKey)
			if err != nil {
				logger.Error("failed to initialize standby generator", slog.Any("error", err))
				os.Exit(1)
			}
			generator = llm.WithStandby(primary, standby, observability.ObserveStandbySwitch)
		}
	} else {
		logger.Warn("no generator credential configured; turns require a caller-supplied key")
	}

	runner := agent.NewRunner(validator, catalog, executor, checkpoints, logger, agent.Config{
		TopK:                 cfg.Agent.TopK,
		MaxValidationRetries: cfg.Agent.MaxValidationRetries,
		MaxSteps:             cfg.Agent.MaxSteps,
	})

	deps := api.Dependencies{
		Logger:        logger,
		Conversations: conversations,
		Checkpoints:   checkpoints,
		Runner:        runner,
		Generator:     generator,
		GeneratorForKey: func(apiKey string) llm.Client {
			client, err := newGenerator(cfg, apiKey)
			if err != nil {
				logger.Warn("failed to build generator for caller key", slog.Any("error", err))
				return generator
			}
			return client
		},
		Readiness: api.CombineReadinessChecks(
			api.CheckTrialsDSN(cfg),
			api.CheckAppDSN(cfg),
			api.CheckGeneratorCredentials(cfg),
			conversations.HealthCheck,
		),
		DependencyTimeout: time.Second,
	}
	if cfg.RateLimit.Enabled {
		deps.RateLimiter = api.NewClientRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	}
	if cfg.Auth.Required {
		keyValidator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, keyValidator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func newGenerator(cfg config.Config, apiKey string) (*llm.OpenAI, error) {
	return llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:      apiKey,
		Model:       cfg.OpenAI.Model,
		BaseURL:     cfg.OpenAI.BaseURL,
		Temperature: float32(cfg.OpenAI.Temperature),
		Timeout:     cfg.OpenAI.Timeout,
	})
}
