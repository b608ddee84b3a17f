package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"reservo/internal/api"
	"reservo/internal/audit"
	"reservo/internal/availability"
	"reservo/internal/booking"
	"reservo/internal/broadcast"
	"reservo/internal/config"
	"reservo/internal/database"
	"reservo/internal/events"
	"reservo/internal/identity"
	"reservo/internal/kiosk"
	"reservo/internal/lock"
	"reservo/internal/metrics"
	"reservo/internal/notify"
	"reservo/internal/queue"
	"reservo/internal/settings"
	"reservo/internal/slots"
)

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	if err := config.LoadEnv(); err != nil {
		logger.Fatal().Err(err).Msg("failed to load .env")
	}
	cfg, err := config.Load(os.Getenv("RESERVO_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		logger = logger.Level(level)
	}

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		locker    lock.Locker = lock.NewKeyedMutex()
		codeStore identity.CodeStore
	)
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, "reservo:lock:", cfg.LockTTL())
		codeStore = identity.NewRedisStore(rdb)
	} else {
		if cfg.IsProductionLike() {
			logger.Warn().Msg("redis not configured: locks and verification codes are process-local")
		}
		codeStore = identity.NewMemoryStore()
	}

	var sender identity.Sender = identity.NewLogSender(logger)
	if cfg.SMS.GatewayURL != "" {
		sender = identity.NewHTTPSender(cfg.SMS.GatewayURL, cfg.SMS.APIKey, cfg.SMS.Sender, cfg.SMSTimeout(), cfg.SMS.MaxRetries, logger)
	} else if cfg.IsProductionLike() {
		logger.Warn().Msg("sms gateway not configured: kiosk verification codes cannot be delivered")
	}
	sender = identity.NewLimitedSender(sender, cfg.Kiosk.SMSPerMinute)

	bus := events.NewBus(logger)
	attachBroadcast(cfg, bus, rdb, logger)
	attachTelegram(cfg, bus, logger)

	activity := audit.NewRecorder(db, logger)
	resolver := settings.NewService(db, db, logger)
	avail := availability.NewResolver(db, logger)
	engine := queue.NewEngine(queue.NewStore(db), resolver, locker, bus, activity, logger)
	coord := booking.NewCoordinator(booking.NewStore(db), resolver, avail, locker, bus, activity, logger)
	coord.SetQueue(engine)
	verifier := identity.NewVerifier(codeStore, locker, sender, identity.Options{
		CodeLength:     cfg.Kiosk.CodeLength,
		CodeTTL:        cfg.CodeTTL(),
		VerifiedTTL:    cfg.VerifiedTTL(),
		SendTimeout:    cfg.SMSTimeout(),
		ProductionLike: cfg.IsProductionLike(),
	}, logger)

	if cfg.PresetsPath != "" {
		watcher := config.NewPresetWatcher(cfg.PresetsPath, 30*time.Second, resolver.SetPresets, logger)
		if err := watcher.Load(); err != nil {
			logger.Fatal().Err(err).Msg("failed to load presets")
		}
		go watcher.Run(ctx)
	}

	scheduler := cron.New()
	if cfg.Backup.Enabled {
		backups := database.NewBackupService(db, cfg.Backup.Path, cfg.Backup.RetentionDays, logger)
		if _, err := scheduler.AddFunc(cfg.Backup.Schedule, func() { backups.Run(ctx) }); err != nil {
			logger.Fatal().Err(err).Str("schedule", cfg.Backup.Schedule).Msg("invalid backup schedule")
		}
	}
	if cfg.Queue.SweepSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.Queue.SweepSchedule, func() { engine.Sweep(ctx) }); err != nil {
			logger.Fatal().Err(err).Str("schedule", cfg.Queue.SweepSchedule).Msg("invalid queue sweep schedule")
		}
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go serveAux(ctx, "health", cfg.Monitoring.HealthCheckPort, healthMux(db, rdb), logger)

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		go serveAux(ctx, "metrics", cfg.Monitoring.PrometheusPort, metricsMux, logger)
	}

	server := api.NewHTTPServer(fmt.Sprintf(":%d", cfg.HTTP.Port), api.Deps{
		Settings: resolver,
		Slots:    slots.NewGenerator(db, resolver, avail, logger),
		Bookings: coord,
		Queue:    engine,
		Kiosk:    kiosk.NewService(db, resolver, verifier, engine, activity, logger),
		Exporter: audit.NewExporter(db),
	}, logger)
	server.SetTimeouts(time.Duration(cfg.HTTP.ReadTimeoutSeconds)*time.Second, time.Duration(cfg.HTTP.WriteTimeoutSeconds)*time.Second)
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxShutdown)
	}()

	logger.Info().Str("environment", cfg.App.Environment).Msg("reservo started")
	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("api server error")
	}
}

func attachBroadcast(cfg *config.Config, bus *events.Bus, rdb *redis.Client, logger zerolog.Logger) {
	switch cfg.Broadcast.Driver {
	case "redis":
		broadcast.NewRedis(rdb, cfg.Broadcast.ChannelPrefix, logger).Attach(bus)
	case "pubnub":
		pn := broadcast.NewPubNubClient(cfg.Broadcast.PubNub.PublishKey, cfg.Broadcast.PubNub.SubscribeKey, cfg.Broadcast.PubNub.UserID)
		broadcast.NewPubNub(pn, cfg.Broadcast.ChannelPrefix, logger).Attach(bus)
	}
}

func attachTelegram(cfg *config.Config, bus *events.Bus, logger zerolog.Logger) {
	if cfg.Telegram.BotToken == "" || cfg.Telegram.StaffChatID == 0 {
		return
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		logger.Error().Err(err).Msg("telegram disabled: bot init failed")
		return
	}
	bot.Debug = cfg.Telegram.Debug
	notify.NewTelegramNotifier(bot, cfg.Telegram.StaffChatID, logger).Attach(bus)
	logger.Info().Str("bot", bot.Self.UserName).Msg("Telegram staff notifications enabled")
}

func healthMux(db *database.DB, rdb *redis.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil && rdb.Ping(ctx).Err() != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serveAux runs a side listener (health, metrics) until ctx is cancelled.
func serveAux(ctx context.Context, name string, port int, handler http.Handler, logger zerolog.Logger) {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("server", name).Int("port", port).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Str("server", name).Msg("server error")
	}
}
