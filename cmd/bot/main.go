// Signal Executor — consumes trading signals from a chat channel and
// manages the full lifecycle of each resulting perpetual-futures position.
//
// Architecture:
//
//	main.go                  — entry point: config, logger, engine, supervisor, SIGINT
//	engine/                  — core state machine: gating, sizing, order composition,
//	                           fill reconciliation, break-even / trailing management,
//	                           expiry, revocation, close accounting, archival
//	supervisor/              — tickers + private-stream pump driving the engine
//	venue/                   — Bybit V5 REST client (signed) + private WS stream
//	chat/                    — channel reader: forward paging, edit re-reads
//	signal/                  — pure parser: format registry, fingerprint, status probes
//	state/                   — versioned JSON ledger with atomic writes
//	alerts/                  — optional Telegram push notifications
//	export/                  — optional MySQL trade recorder
//
// How a trade flows:
//
//	A signal message arms a conditional limit entry. Once filled, a stop
//	loss, a reduce-only TP ladder and a conditional DCA ladder go up
//	concurrently. TP1 migrates the stop to break-even; a later TP activates
//	a venue-side trailing stop. When the position flattens, residual orders
//	are swept and realized PnL is recorded.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"signal-executor/internal/alerts"
	"signal-executor/internal/chat"
	"signal-executor/internal/config"
	"signal-executor/internal/engine"
	"signal-executor/internal/export"
	"signal-executor/internal/state"
	"signal-executor/internal/supervisor"
	"signal-executor/internal/venue"
)

func main() {
	// .env is a convenience for local runs; absence is fine.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	restURL, wsURL := venue.Endpoints(cfg.Venue.Testnet, cfg.Venue.Demo)
	venueClient := venue.NewClient(venue.Options{
		BaseURL:    restURL,
		APIKey:     cfg.Venue.APIKey,
		APISecret:  cfg.Venue.APISecret,
		RecvWindow: cfg.Venue.RecvWindow,
		SettleCoin: cfg.Trading.QuoteAsset,
		DryRun:     cfg.DryRun,
	}, logger)

	chatClient := chat.NewClient(chat.Options{
		Token:     cfg.Chat.Token,
		ChannelID: cfg.Chat.ChannelID,
	}, logger)

	store := state.NewStore(cfg.Store.StateFile)

	var alerter engine.Alerter
	if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
		alerter = alerts.NewTelegram(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID, logger)
		logger.Info("telegram alerts enabled")
	}

	var recorder engine.Recorder
	var mysqlRecorder *export.MySQLRecorder
	if cfg.Export.MySQLDSN != "" {
		mysqlRecorder, err = export.NewMySQLRecorder(cfg.Export.MySQLDSN, cfg.Export.BotID)
		if err != nil {
			// Export is optional: a broken sink must not prevent startup.
			logger.Error("trade export disabled", "error", err)
		} else {
			recorder = mysqlRecorder
			logger.Info("trade export enabled", "bot_id", cfg.Export.BotID)
		}
	}

	eng, err := engine.New(cfg, venueClient, chatClient, store, alerter, recorder, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var stream *venue.PrivateStream
	if !cfg.DryRun {
		stream = venue.NewPrivateStream(wsURL, venueClient.Signer(), logger)
	}

	sup := supervisor.New(cfg, eng, chatClient, stream, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.StartupSync(ctx)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("signal executor started",
		"category", cfg.Venue.Category,
		"quote", cfg.Trading.QuoteAsset,
		"leverage", cfg.Trading.Leverage,
		"risk_pct", cfg.Trading.RiskPct,
		"max_concurrent", cfg.Trading.MaxConcurrentTrades,
		"max_daily", cfg.Trading.MaxTradesPerDay,
		"dry_run", cfg.DryRun,
	)

	sup.Run(ctx)

	if mysqlRecorder != nil {
		if err := mysqlRecorder.Close(); err != nil {
			logger.Error("failed to close trade recorder", "error", err)
		}
	}
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
