package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"supportagent/internal/config"
	"supportagent/internal/engine"
	"supportagent/internal/llm"
	"supportagent/internal/memory"
	"supportagent/internal/pipeline"
	"supportagent/internal/retrieval"
	"supportagent/internal/scenario"
	"supportagent/internal/server"
	"supportagent/internal/sgr"
	"supportagent/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat agent HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env")
	}

	settings := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is preferred; an in-process store keeps the server usable
	// without it, at the cost of durability and key rotation state.
	var (
		store    memory.Store
		runtime  *config.Runtime
		rotation llm.RotationCounter
	)
	if redisStore, err := memory.NewRedisStore(ctx, settings.RedisURL); err != nil {
		slog.Warn("redis unavailable, using in-process memory", "url", settings.RedisURL, "error", err)
		store = memory.NewMemoryStore()
		runtime = config.NewRuntime(settings, nil)
		rotation = &llm.LocalRotation{}
	} else {
		store = redisStore
		runtime = config.NewRuntime(settings, redisStore.Client())
		rotation = llm.NewRedisRotation(redisStore.Client())
	}

	gateway := llm.NewGateway(runtime, rotation)

	scenarios := scenario.NewRegistry()
	scenarios.LoadBootstrap(settings.ScenarioStoragePath)
	toolReg := tools.DefaultRegistry()

	retriever := retrieval.NewClient(settings.RetrievalURL)
	summarizer := pipeline.NewSummarizer(store, gateway, settings.SummaryModel)
	eng := engine.New(scenarios, toolReg, gateway, settings.ConditionModel)

	pipelines := map[string]pipeline.Pipeline{
		"0.1": pipeline.NewV01(store, retriever, scenarios, toolReg, gateway, summarizer, settings.LLMModel),
		"1.0": pipeline.NewV10(store, retriever, eng, gateway, summarizer, pipeline.V10Config{
			GenerateModel: settings.LLMModel,
			JudgeModel:    settings.JudgeModel,
			ReviseModel:   settings.ReviseModel,
		}),
	}

	converter := sgr.New(gateway, sgr.Config{
		Model:      settings.SGRModel,
		Timeout:    settings.SGRTimeout,
		TraceDir:   settings.SGRTraceDir,
		LogPrompts: settings.SGRLogPrompts,
	})

	srv := server.New(settings, runtime, store, scenarios, toolReg, pipelines, converter)
	if err := srv.Start(ctx); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
