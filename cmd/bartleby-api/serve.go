package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bartleby/internal/api"
	"bartleby/internal/auth"
	"bartleby/internal/config"
	"bartleby/internal/db"
	"bartleby/internal/jobs"
	"bartleby/internal/mail"
	"bartleby/internal/policy"
	"bartleby/internal/pubsub"
	"bartleby/internal/schema"
	"bartleby/internal/service"
	"bartleby/internal/sink"
	"bartleby/internal/ws"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ADDR)")
	return cmd
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Database connection
	dbPool, err := db.NewPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	// Redis connection
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return err
	}

	// Pub/sub bus and WebSocket hub
	bus := pubsub.New(rdb, logger)
	hub := ws.NewHub(logger)
	hub.SetStreamsProvider(bus.GetStreams())
	go hub.Run()
	defer hub.Close()
	bus.SetWSHub(hub)

	// Notification delivery
	var mailer sink.Mailer
	switch cfg.MailMode {
	case config.MailQueue:
		smtp := mail.NewSMTPMailer(smtpConfig(cfg), logger)
		jobServer, jobClient := jobs.NewJobServer(cfg.RedisAddr, smtp, logger)
		go func() {
			if err := jobServer.Start(); err != nil {
				logger.Fatal("Job server failed", zap.Error(err))
			}
		}()
		defer jobServer.Stop()
		mailer = jobs.NewQueueMailer(jobClient, logger)
	case config.MailSMTP:
		mailer = mail.NewSMTPMailer(smtpConfig(cfg), logger)
	default:
		mailer = mail.NewLogMailer(logger)
	}

	// Services
	store := service.NewPGStore(dbPool.Queries)
	compiler := schema.NewCompilerWithCache(cfg.SchemaCacheSize)
	engine := policy.NewEngine([]byte(cfg.SecretKey))
	submissions := service.NewSubmissionService(store, compiler, engine,
		sink.NewSink(store, mailer, cfg.SiteDomain, logger), bus, logger)
	forms := service.NewFormService(store, compiler, bus, logger)

	// HTTP router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Timeout middleware - skip for WebSocket upgrades
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, req)
				return
			}
			middleware.Timeout(60 * time.Second)(next).ServeHTTP(w, req)
		})
	})

	r.Mount("/v1", api.Routes(api.Dependencies{
		Submissions: submissions,
		Forms:       forms,
		Hub:         hub,
		JWT:         auth.NewJWTConfig(cfg.JWTSecret),
		Log:         logger,
	}))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	logger.Info("Starting server", zap.String("addr", cfg.Addr), zap.String("mail_mode", cfg.MailMode))
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error("Server failed", zap.Error(err))
		return err
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}

func smtpConfig(cfg *config.Config) mail.SMTPConfig {
	return mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
	}
}
