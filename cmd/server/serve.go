package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"

	_ "backoffice-backend/docs"
	"backoffice-backend/internal/auth"
	"backoffice-backend/internal/cache"
	"backoffice-backend/internal/clerksync"
	"backoffice-backend/internal/config"
	"backoffice-backend/internal/handlers"
	"backoffice-backend/internal/ingest"
	"backoffice-backend/internal/logging"
	"backoffice-backend/internal/metrics"
	"backoffice-backend/internal/middleware"
	"backoffice-backend/internal/natsbus"
	"backoffice-backend/internal/notify"
	"backoffice-backend/internal/storage"
	"backoffice-backend/internal/webhook"
	"backoffice-backend/internal/workers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhook receiver and background workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		return serve(cfg, logger)
	},
}

type pinger interface {
	Ping(ctx context.Context) error
}

func serve(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := connectDB(cfg.DB, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.AutoMigrate {
		if err := storage.Migrate(ctx, db.DB, "up", logger); err != nil {
			return err
		}
	}

	store := storage.NewStorage(db, logger)

	// Rate limit counters live in Redis when configured so that limits hold
	// across replicas.
	var counters cache.Client
	if cfg.Redis.Enabled() {
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.DB, "backoffice:")
		if err != nil {
			return err
		}
		counters = redisClient
	} else {
		logger.Warn("REDIS_URL not set, rate limits are per process")
		mem := cache.NewMemoryCache()
		mem.StartSweeper(ctx, time.Minute)
		counters = mem
	}
	defer counters.Close()

	var publisher clerksync.EventPublisher = natsbus.NopPublisher{}
	var natsClient *natsbus.Client
	if cfg.NATS.Enabled() {
		natsClient, err = natsbus.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		publisher = natsClient
	}

	m := metrics.New()

	var notifier clerksync.DeadLetterNotifier
	if slack := notify.NewSlackClient(cfg.Slack.WebhookURL, logger); slack.Enabled() {
		notifier = slack
	}

	retryPolicy := clerksync.DefaultRetryPolicy()
	retryPolicy.MaxAttempts = cfg.Sync.MaxAttempts
	retryPolicy.BaseDelay = cfg.Sync.BaseDelay
	router := clerksync.NewRouter(store, publisher, clerksync.RouterConfig{
		Retry:       retryPolicy,
		MaxAttempts: cfg.Sync.DeliveryMaxAttempts,
	}, m, notifier, logger)

	var dispatcher webhook.Dispatcher = webhook.NewInlineDispatcher(router)
	var consumer *ingest.WebhookConsumer
	if cfg.Webhook.Mode == config.WebhookModeJetStream {
		dispatcher = webhook.NewQueueDispatcher(natsClient, store, logger)
		consumer = ingest.NewWebhookConsumer(natsClient.JS(), store, router, logger)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
	}

	replay := workers.NewReplayWorker(store, router, cfg.Sync.ReplayInterval, cfg.Sync.ReplayBatch, logger)
	replay.Start(ctx)

	verifier, err := webhook.NewVerifier(cfg.Webhook.Secret)
	if err != nil {
		return err
	}
	webhookHandler := webhook.NewHandler(verifier, store, dispatcher, m, webhook.Config{
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	}, logger)

	issuer, err := auth.NewIssuer(cfg.JWT.Secret, cfg.JWT.TTL)
	if err != nil {
		return err
	}
	authHandler := auth.NewHandler(store, issuer, logger)
	api := handlers.New(store, publisher, logger)

	checks := map[string]pinger{"database": store, "cache": counters}
	if natsClient != nil {
		checks["nats"] = natsClient
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logging.AccessLog(logger))
	r.Use(m.Middleware)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", healthHandler(checks))
	r.Handle("/metrics", m.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Route("/auth", func(r chi.Router) {
		r.With(middleware.RateLimit(counters, middleware.LoginPolicy(cfg.Webhook.LoginLimit), logger)).
			Post("/login", authHandler.Login)
		r.Group(func(r chi.Router) {
			r.Use(authHandler.RequireAdmin)
			r.Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authHandler.RequireAdmin)
		api.RegisterRoutes(r)
	})

	r.With(
		middleware.Throttle(cfg.Webhook.ThrottleRPS, cfg.Webhook.ThrottleBurst, webhookHandler.CountRateLimited),
		middleware.RateLimit(counters, webhookPolicy(cfg.Webhook, webhookHandler), logger),
	).Post("/webhooks/clerk", webhookHandler.ServeHTTP)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	stop := make(chan struct{})
	go func() {
		<-sigCh
		logger.Info("shutting down")
		close(stop)
	}()

	logger.Info("server starting",
		zap.String("addr", server.Addr),
		zap.String("env", cfg.Env),
		zap.String("webhook_mode", cfg.Webhook.Mode))

	// The deferred closes of the database, cache and NATS run only after
	// in-flight requests and background workers are done with them.
	err = runServer(server, ln, stop, 10*time.Second, logger,
		func() {
			if consumer != nil {
				if err := consumer.Stop(); err != nil {
					logger.Warn("drain webhook consumer", zap.Error(err))
				}
			}
		},
		cancel,
		replay.Wait,
	)
	if err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// runServer serves on ln until stop is closed. It then drains in-flight
// requests within timeout, runs the hooks in order and only then returns.
func runServer(server *http.Server, ln net.Listener, stop <-chan struct{}, timeout time.Duration, logger *zap.Logger, hooks ...func()) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-stop

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		for _, hook := range hooks {
			hook()
		}
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}

func webhookPolicy(cfg config.WebhookConfig, h *webhook.Handler) middleware.Policy {
	p := middleware.WebhookPolicy(cfg.RateLimit, cfg.RateWindow)
	p.OnLimited = h.CountRateLimited
	return p
}

func healthHandler(checks map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := make(map[string]string, len(checks))
		for name, c := range checks {
			if err := c.Ping(ctx); err != nil {
				result[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			result[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(result)
	}
}
