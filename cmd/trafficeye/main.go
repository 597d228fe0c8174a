package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"TrafficEye/internal/analysis"
	"TrafficEye/internal/backend"
	"TrafficEye/internal/cache"
	"TrafficEye/internal/chat"
	"TrafficEye/internal/config"
	"TrafficEye/internal/console"
	"TrafficEye/internal/inference"
	"TrafficEye/internal/session"
	"TrafficEye/internal/store"
	"TrafficEye/internal/stream"
	"TrafficEye/internal/telemetry"
)

const conversationTTL = 2 * time.Minute

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	baseURL := flag.String("base-url", "", "Backend base URL (e.g. http://localhost:5001)")
	chatModel := flag.String("chat-model", "", "Model identifier for chat turns")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logDir := flag.String("log-dir", "", "Directory for logs, traces and metrics")
	dbPath := flag.String("db", "", "SQLite database for transcripts and reports")
	username := flag.String("username", "", "Log in automatically as this user")
	noTelemetry := flag.Bool("no-telemetry", false, "Disable trace and metric export")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override file and environment values
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base-url":
			cfg.BaseURL = *baseURL
		case "chat-model":
			cfg.ChatModel = *chatModel
		case "debug":
			cfg.Debug = *debug
		case "log-dir":
			cfg.LogDir = *logDir
		case "db":
			cfg.DBPath = *dbPath
		case "username":
			cfg.Username = *username
		case "no-telemetry":
			cfg.Telemetry = !*noTelemetry
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	ctx := context.Background()
	var (
		tracer trace.Tracer
		meter  metric.Meter
	)
	if cfg.Telemetry {
		var shutdown func()
		tracer, meter, shutdown, err = telemetry.InitTelemetry(ctx, cfg.LogDir)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer shutdown()
	}

	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	httpClient, err := backend.NewHTTPClient()
	if err != nil {
		return err
	}
	api, err := backend.NewClient(cfg.BaseURL, httpClient, logger)
	if err != nil {
		return err
	}

	auth := session.NewAuthState()
	router := session.NewRouter(config.LoginPath)
	convs := cache.NewConversations(conversationTTL)

	var con *console.Console
	chatOrch := chat.New(chat.Options{
		BaseURL:       cfg.BaseURL,
		Model:         cfg.ChatModel,
		HTTPClient:    httpClient,
		Auth:          auth,
		Navigator:     router,
		Logger:        logger,
		Tracer:        tracer,
		Meter:         meter,
		Conversations: api,
		Cache:         convs,
		Transcripts:   db,
		Observer:      func(ev stream.Event, msg session.ChatMessage) { con.RenderChat(ev, msg) },
	})
	analysisOrch := analysis.New(analysis.Options{
		BaseURL:    cfg.BaseURL,
		HTTPClient: httpClient,
		Auth:       auth,
		Navigator:  router,
		Logger:     logger,
		Tracer:     tracer,
		Meter:      meter,
		Reports:    db,
		Observer:   func(st analysis.State) { con.RenderAnalysis(st) },
	})
	inferenceOrch := inference.New(inference.Options{
		BaseURL:    cfg.BaseURL,
		HTTPClient: httpClient,
		Auth:       auth,
		Navigator:  router,
		Logger:     logger,
		Tracer:     tracer,
		Meter:      meter,
		Observer:   func(fragment, output string) { con.RenderInference(fragment, output) },
	})

	con = console.New(console.Deps{
		Config:    cfg,
		API:       api,
		Auth:      auth,
		Router:    router,
		Chat:      chatOrch,
		Analysis:  analysisOrch,
		Inference: inferenceOrch,
		Cache:     convs,
		Store:     db,
		Logger:    logger,
	})

	logger.Info("trafficeye started", "base_url", cfg.BaseURL, "chat_model", cfg.ChatModel)
	return con.Run(ctx)
}
