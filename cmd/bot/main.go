// Package main - точка входа для Telegram webhook бота.
//
// Главная особенность: безопасный приём webhook-обновлений во время старта.
// HTTP сервер поднимается сразу и отвечает Telegram 200, а обновления,
// пришедшие до завершения регистрации webhook, буферизуются и доставляются
// в runtime после готовности. Ни одно обновление не теряется молча.
//
// Архитектура:
// - ingest: конверт обновления, gate готовности, буфер, dispatcher
// - infrastructure: Telegram API клиент, регистратор webhook, Redis, Postgres
// - interface: HTTP сервер (webhook, health) и bot runtime
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Di-mitt/my-telegram-bot/config"
	tgclient "github.com/Di-mitt/my-telegram-bot/internal/infrastructure/external/telegram"
	"github.com/Di-mitt/my-telegram-bot/internal/infrastructure/persistence/postgres"
	"github.com/Di-mitt/my-telegram-bot/internal/infrastructure/persistence/redis"
	"github.com/Di-mitt/my-telegram-bot/internal/ingest"
	httpserver "github.com/Di-mitt/my-telegram-bot/internal/interface/http"
	"github.com/Di-mitt/my-telegram-bot/internal/interface/telegram"
	"github.com/Di-mitt/my-telegram-bot/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	// .env удобен для локальной разработки; в production его просто нет
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	httpLog := logger.New(logger.Options{
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		AddCaller: false,
	})

	log.Info("starting telegram bot",
		"env", string(cfg.App.Environment),
		"mode", cfg.Telegram.Mode,
		"version", cfg.App.Version,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. DEAD-LETTER ЖУРНАЛ (PostgreSQL, опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var journal *postgres.DeadLetterJournal
	if cfg.Database.URL != "" {
		log.Info("connecting to database...")
		dbConn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer func() {
			log.Info("closing database connection...")
			dbConn.Close()
		}()

		log.Info("running database migrations...")
		if err := postgres.NewMigrator(dbConn).Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		journal = postgres.NewDeadLetterJournal(dbConn)
		log.Info("dead-letter journal enabled")
	} else {
		log.Info("DATABASE_URL not set, dead-letter journal disabled")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ДЕДУПЛИКАЦИЯ ОБНОВЛЕНИЙ (Redis, опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var dedup httpserver.Deduper
	if !cfg.Redis.Disabled && (cfg.Redis.URL != "" || os.Getenv("REDIS_HOST") != "") {
		log.Info("connecting to Redis...")
		redisCfg := redis.DefaultConfig()
		redisCfg.URL = cfg.Redis.URL
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.DedupWindow = cfg.Redis.DedupWindow

		store, err := redis.NewUpdateDedup(redisCfg)
		if err != nil {
			// Дедупликация не критична: без неё дубликаты просто обработаются дважды
			log.Warn("failed to connect to Redis, dedup disabled", "error", err)
		} else {
			defer store.Close()
			dedup = store
			log.Info("update dedup enabled")
		}
	} else {
		log.Info("Redis not configured, update dedup disabled")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. TELEGRAM API КЛИЕНТ
	// ─────────────────────────────────────────────────────────────────────────
	clientCfg := tgclient.DefaultClientConfig(cfg.Telegram.Token)
	clientCfg.Logger = log
	clientCfg.Debug = cfg.App.Debug
	client := tgclient.NewClient(clientCfg)

	// ─────────────────────────────────────────────────────────────────────────
	// 6. INGESTION: GATE + БУФЕР + DISPATCHER
	// ─────────────────────────────────────────────────────────────────────────
	gate := ingest.NewGate()
	buffer := ingest.NewBuffer(
		cfg.Ingest.BufferCapacity,
		cfg.Ingest.BufferTTL,
		lossHook(log, journal, cfg.Database.RecordTimeout),
	)
	dispatcher := ingest.NewDispatcher(cfg.Ingest.QueueSize, cfg.Ingest.DispatchWait)
	intake := ingest.NewIntake(gate, buffer, dispatcher, httpLog)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. BOT RUNTIME
	// ─────────────────────────────────────────────────────────────────────────
	botCfg := telegram.DefaultBotConfig()
	botCfg.Mode = cfg.Telegram.Mode
	botCfg.PollingTimeout = cfg.Telegram.PollingTimeout
	botCfg.Logger = log
	bot := telegram.NewBot(botCfg, client, client, dispatcher.Updates())

	// ─────────────────────────────────────────────────────────────────────────
	// 8. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	srvCfg := httpserver.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	srvCfg.IdleTimeout = cfg.Server.IdleTimeout
	srvCfg.MaxBodyBytes = cfg.Server.MaxBodyBytes
	srvCfg.WebhookSecret = cfg.Telegram.WebhookSecret

	var deadLetters httpserver.DeadLetterSource
	if journal != nil {
		deadLetters = &journalSource{journal: journal}
	}

	server := httpserver.NewServer(srvCfg, httpserver.Dependencies{
		Intake:      intake,
		Dedup:       dedup,
		DeadLetters: deadLetters,
		Logger:      httpLog,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 9. ЗАПУСК СЕРВИСОВ
	// ─────────────────────────────────────────────────────────────────────────
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)

	// HTTP сервер поднимается первым: Telegram может начать доставку
	// до завершения регистрации webhook, эти обновления попадут в буфер
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Bot runtime разбирает очередь dispatcher'а
	g.Go(func() error {
		if err := bot.Run(gctx); err != nil {
			return fmt.Errorf("bot runtime: %w", err)
		}
		return nil
	})

	// Startup: регистрация webhook, затем открытие gate
	g.Go(func() error {
		return startup(gctx, cfg, client, intake, log)
	})

	// Останавливаем HTTP сервер по отмене контекста
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(cfg, intake, server, log)
	})

	// Периодическая чистка журнала: записи старше retention удаляются
	if journal != nil && cfg.Database.RetentionPeriod > 0 {
		go journal.RunRetention(gctx, cfg.Database.PurgeInterval, cfg.Database.RetentionPeriod, log)
	}

	log.Info("bot is running", "http_address", server.Address())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("shutdown completed")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STARTUP / SHUTDOWN
// ══════════════════════════════════════════════════════════════════════════════

// startup выполняет регистрацию webhook и открывает gate готовности.
// В режиме polling регистрация не нужна: webhook наоборот снимается.
func startup(ctx context.Context, cfg *config.Config, client *tgclient.Client, intake *ingest.Intake, log *slog.Logger) error {
	if cfg.Telegram.Mode == config.ModePolling {
		// Снимаем старый webhook, иначе getUpdates вернёт 409
		if err := client.DeleteWebhook(ctx, false); err != nil {
			log.Warn("failed to delete webhook before polling", "error", err)
		}
		intake.SetReady(ctx)
		return nil
	}

	regCfg := tgclient.DefaultRegistrarConfig(cfg.Telegram.WebhookURL(), cfg.Telegram.WebhookSecret)
	regCfg.MaxAttempts = cfg.Telegram.RegisterMaxAttempts
	regCfg.Logger = log
	registrar := tgclient.NewRegistrar(client, regCfg)

	// Регистрация может не удаться (сеть, rate limit). Это не фатально:
	// сервер уже отвечает, а старая регистрация могла сохраниться.
	if err := registrar.Register(ctx); err != nil {
		log.Error("webhook registration failed, continuing anyway", "error", err)
	}

	// Открываем gate в любом случае: буферизованные обновления должны
	// дойти до runtime, как только он готов их принять
	intake.SetReady(ctx)

	go intake.RunSweeper(ctx, cfg.Ingest.SweepInterval)
	if cfg.Telegram.RecheckInterval > 0 {
		go registrar.RunRecheck(ctx, cfg.Telegram.RecheckInterval)
	}
	return nil
}

// shutdown закрывает приём: gate в Draining, очередь закрыта, HTTP сервер
// дорабатывает активные запросы в пределах таймаута.
func shutdown(cfg *config.Config, intake *ingest.Intake, server *httpserver.Server, log *slog.Logger) error {
	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())

	intake.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop HTTP server gracefully", "error", err)
		return err
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// lossHook логирует каждое потерянное обновление и, если настроен журнал,
// записывает его в dead_letter_updates.
func lossHook(log *slog.Logger, journal *postgres.DeadLetterJournal, recordTimeout time.Duration) ingest.LossFunc {
	return func(reason ingest.LossReason, env *ingest.Envelope) {
		log.Warn("buffered update lost",
			"update_id", env.UpdateID,
			"reason", string(reason),
		)
		if journal == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := journal.Record(ctx, env, string(reason)); err != nil {
			log.Error("failed to journal lost update",
				"update_id", env.UpdateID,
				"error", err,
			)
		}
	}
}

// journalSource адаптирует postgres-журнал под операторский HTTP endpoint.
type journalSource struct {
	journal *postgres.DeadLetterJournal
}

func (s *journalSource) Recent(ctx context.Context, limit int) ([]httpserver.DeadLetterRecord, error) {
	letters, err := s.journal.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}

	records := make([]httpserver.DeadLetterRecord, 0, len(letters))
	for _, dl := range letters {
		records = append(records, httpserver.DeadLetterRecord{
			ID:         dl.ID,
			UpdateID:   dl.UpdateID,
			Reason:     dl.Reason,
			Payload:    dl.Payload,
			ReceivedAt: dl.ReceivedAt,
			RecordedAt: dl.RecordedAt,
		})
	}
	return records, nil
}

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseSlogLevel(cfg.Observability.LogLevel),
	}

	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	if cfg.IsProduction() || cfg.Observability.LogFormat == "json" {
		// JSON формат для production (лучше для агрегаторов логов)
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		// Текстовый формат для development (лучше читается)
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}

func parseSlogLevel(s string) slog.Level {
	switch s {
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
