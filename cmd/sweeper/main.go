package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deal_expiration_notifier/internal/app"
	"deal_expiration_notifier/internal/domain/audit"
	awsinfra "deal_expiration_notifier/internal/infra/aws"
	"deal_expiration_notifier/internal/infra/config"
	idb "deal_expiration_notifier/internal/infra/database"
	"deal_expiration_notifier/internal/infra/lock"
	"deal_expiration_notifier/internal/infra/logger"
	"deal_expiration_notifier/internal/infra/metrics"
	"deal_expiration_notifier/internal/infra/render"
	"deal_expiration_notifier/internal/infra/scheduler"
	"deal_expiration_notifier/internal/infra/telegram"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("FATAL: Could not load application configuration: %v", err)
	}

	logger.Init(cfg)
	mainLogger := logger.Component("main")
	mainLogger.WithFields(logrus.Fields{
		"log_level":   cfg.LogLevel,
		"environment": cfg.Environment,
		"cron_spec":   cfg.CronSpecSweep,
	}).Info("Deal expiration sweeper starting...")

	// Initialize Database Connection
	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		mainLogger.WithError(err).Fatal("Could not connect to database")
	}
	defer db.Close()
	mainLogger.Info("Database connection established successfully.")

	healthChecker := idb.NewHealthChecker(db)
	dealRepo := idb.NewPostgresDealRepository(db)
	memberRepo := idb.NewPostgresMemberRepository(db)
	var auditSink audit.Sink = idb.NewPostgresAuditSink(db, logger.Component("audit"))

	// AWS delivery channels
	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	sesClient, snsClient, err := awsinfra.NewClients(initCtx, cfg.AWSRegion)
	cancelInit()
	if err != nil {
		mainLogger.WithError(err).Fatal("Could not initialize AWS clients")
	}
	emailSender := awsinfra.NewSESEmailSender(sesClient, cfg.EmailFrom)
	smsSender := awsinfra.NewSNSSMSSender(snsClient, render.NewSMSRenderer(), cfg.SMSSenderID)

	// Deal lock: shared through Redis when configured, process-local otherwise
	var locker app.DealLocker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		defer rdb.Close()
		redisLocker := lock.NewRedisDealLocker(rdb, cfg.DealLockTTL, logger.Component("deal_lock"))
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisLocker.Ping(pingCtx)
		cancelPing()
		if err != nil {
			mainLogger.WithError(err).Fatal("Could not connect to Redis")
		}
		locker = redisLocker
		mainLogger.WithField("redis_addr", cfg.RedisAddr).Info("Using Redis deal lock.")
	} else {
		locker = lock.NewLocalDealLocker()
		mainLogger.Info("REDIS_ADDR not set, using in-process deal lock.")
	}

	// Telegram operator bot (optional)
	var bot *telebot.Bot
	if cfg.TelegramToken != "" {
		botLogger := logger.Component("telegram")
		bot, err = telebot.NewBot(telebot.Settings{
			Token:  cfg.TelegramToken,
			Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
			OnError: func(err error, c telebot.Context) { // Global error handler
				entry := botLogger.WithError(err)
				if c != nil && c.Sender() != nil {
					entry = entry.WithField("sender_id", c.Sender().ID)
				}
				entry.Error("Telegram handler error")
			},
		})
		if err != nil {
			mainLogger.WithError(err).Fatal("Could not create Telegram bot")
		}
		auditSink = telegram.NewAlertingSink(auditSink, telegram.NewTelebotAdapter(bot), cfg.AdminTelegramID, botLogger)
	}

	sweepMetrics := metrics.NewSweepMetrics(prometheus.DefaultRegisterer)

	expirationService := app.NewExpirationService(app.ExpirationDeps{
		Health:   healthChecker,
		Deals:    dealRepo,
		Members:  memberRepo,
		Email:    emailSender,
		SMS:      smsSender,
		Renderer: render.NewEmailRenderer(cfg.AppBaseURL),
		Audit:    auditSink,
		Locker:   locker,
		Metrics:  sweepMetrics,
		Logger:   logger.Component("expiration_sweep"),
	}, app.ExpirationConfig{
		Schedule:          app.DefaultExpirationConfig().Schedule,
		MemberLoadTimeout: cfg.MemberLoadTimeout,
		NotifyTimeout:     cfg.NotifyTimeout,
		EmailDealCap:      cfg.EmailDealCap,
		SMSDealCap:        cfg.SMSDealCap,
		SMSEnabled:        cfg.SMSEnabled,
	})
	operatorService := app.NewOperatorService(expirationService, cfg.AdminTelegramID)

	sweepScheduler := scheduler.NewSweepScheduler(operatorService, logger.Component("scheduler"), cfg.CronSpecSweep, cfg.SweepTimeout)
	if err := sweepScheduler.Start(); err != nil {
		mainLogger.WithError(err).Fatal("Could not start sweep scheduler")
	}

	if bot != nil {
		telegram.NewOperatorHandlers(operatorService, cfg.SweepTimeout, logger.Component("telegram")).Register(bot)
		go bot.Start()
		mainLogger.Info("Telegram operator bot started.")
	}

	// Metrics and health endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := healthChecker.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		mainLogger.WithField("addr", cfg.MetricsAddr).Info("Metrics server listening.")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLogger.WithError(err).Error("Metrics server stopped")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit // Block until a signal is received

	mainLogger.Info("Shutting down application...")
	if bot != nil {
		bot.Stop()
	}
	sweepScheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		mainLogger.WithError(err).Warn("Metrics server shutdown failed")
	}
	mainLogger.Info("Application shut down gracefully.")
}
