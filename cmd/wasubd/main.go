package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ncondori/wasub/internal/api"
	"github.com/ncondori/wasub/internal/autoreply"
	"github.com/ncondori/wasub/internal/channel"
	"github.com/ncondori/wasub/internal/config"
	"github.com/ncondori/wasub/internal/connection"
	"github.com/ncondori/wasub/internal/dispatch"
	"github.com/ncondori/wasub/internal/health"
	"github.com/ncondori/wasub/internal/metrics"
	"github.com/ncondori/wasub/internal/observ"
	"github.com/ncondori/wasub/internal/rediskv"
	"github.com/ncondori/wasub/internal/scheduler"
	"github.com/ncondori/wasub/internal/store"
	"github.com/ncondori/wasub/internal/subscription"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting wasub",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store_driver", cfg.StoreDriver),
	)

	ctx := context.Background()

	// Store backend
	var st store.Store
	switch cfg.StoreDriver {
	case "postgres":
		st, err = store.NewPostgresStore(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
	default:
		st, err = store.NewFileStore(cfg.StorePath, logger)
		if err != nil {
			return fmt.Errorf("failed to open file store: %w", err)
		}
	}
	defer st.Close()

	// Redis: dedup + throughput limiting. Degraded operation without it.
	var deduper *rediskv.Deduper
	var throttle *rediskv.Throttle
	redisClient, err := rediskv.New(ctx, rediskv.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, dedup and throttling disabled", zap.Error(err))
	} else {
		deduper = rediskv.NewDeduper(redisClient, logger)
		throttle = rediskv.NewThrottle(redisClient, logger, rediskv.ThrottleConfig{
			Limit:  cfg.SendLimit,
			Window: cfg.SendWindow,
		})
		defer redisClient.Close()
	}

	// Channel driver: real Cloud API when credentials are present,
	// otherwise the logging driver for development.
	var driver channel.Driver
	if cfg.WhatsAppPhoneID != "" && cfg.WhatsAppToken != "" {
		driver = channel.NewWhatsAppDriver(channel.WhatsAppConfig{
			Endpoint: cfg.WhatsAppEndpoint,
			PhoneID:  cfg.WhatsAppPhoneID,
			Token:    cfg.WhatsAppToken,
		}, logger)
	} else {
		logger.Warn("whatsapp credentials missing, using log driver")
		driver = channel.NewLogDriver(logger)
	}

	recorder := health.NewRecorder()
	manager := connection.NewManager(driver, cfg.ReconnectDelay, logger)

	// Fan connection state changes out to health and metrics.
	stateChanges := manager.Subscribe()
	go func() {
		for change := range stateChanges {
			recorder.RecordStateChange(change.To == connection.StateConnected)
			metrics.RecordConnectionTransition(change.To.String())
		}
	}()

	engine := dispatch.NewEngine(driver, manager, st, recorder, deduper, throttle, dispatch.Config{
		Normalizer: dispatch.AddressNormalizer{
			CountryCode: cfg.DefaultCountryCode,
			Suffix:      cfg.AddressSuffix,
		},
		InterDispatchDelay: cfg.InterDispatchDelay,
	}, logger)

	tracker := subscription.NewTracker(st, logger)

	sched := scheduler.New(st, engine, tracker, scheduler.Config{
		Hour:               cfg.ReminderHour,
		InterCustomerDelay: cfg.InterDispatchDelay,
	}, logger)

	// Auto-responder for inbound messages.
	var aiClient *autoreply.Client
	if cfg.AIEnabled {
		aiClient, err = autoreply.NewClient(autoreply.ClientConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		}, logger)
		if err != nil {
			logger.Warn("ai client unavailable, using canned replies", zap.Error(err))
			aiClient = nil
		}
	}
	responder := autoreply.NewResponder(aiClient, engine, logger)
	manager.OnMessage(responder.HandleMessage)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go manager.Run(runCtx)
	manager.Initialize(runCtx)
	go sched.Run(runCtx)

	logger.Info("connection manager and scheduler started",
		zap.Int("reminder_hour", cfg.ReminderHour),
	)

	// Operator API
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute)) // bulk sends are paced and slow
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

			next.ServeHTTP(ww, req)

			logger.Info("request completed",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(req.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, manager, engine, sched, tracker, st, recorder)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", handler.GetState)
		r.Post("/scheduler/run", handler.RunSchedulerPass)

		r.Post("/messages", handler.SendMessage)
		r.Post("/messages/bulk", handler.SendBulk)
		r.Get("/messages", handler.ListMessages)

		r.Get("/customers", handler.ListCustomers)
		r.Post("/customers", handler.CreateCustomer)
		r.Post("/customers/{id}/suspend", handler.SuspendCustomer)
		r.Post("/customers/{id}/reactivate", handler.ReactivateCustomer)

		r.Post("/logout", handler.Logout)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
