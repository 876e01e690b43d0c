package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicdesk/clinicdesk/internal/config"
	"github.com/clinicdesk/clinicdesk/internal/domain/appointment"
	"github.com/clinicdesk/clinicdesk/internal/domain/feedback"
	"github.com/clinicdesk/clinicdesk/internal/domain/meeting"
	"github.com/clinicdesk/clinicdesk/internal/domain/notification"
	"github.com/clinicdesk/clinicdesk/internal/domain/payment"
	"github.com/clinicdesk/clinicdesk/internal/domain/queue"
	"github.com/clinicdesk/clinicdesk/internal/platform/auth"
	"github.com/clinicdesk/clinicdesk/internal/platform/db"
	"github.com/clinicdesk/clinicdesk/internal/platform/kvstore"
	"github.com/clinicdesk/clinicdesk/internal/platform/mail"
	"github.com/clinicdesk/clinicdesk/internal/platform/middleware"
	"github.com/clinicdesk/clinicdesk/internal/platform/ws"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinicdesk-server",
		Short: "Appointment booking API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Meetings live in an expiring store: Redis when configured, an
	// in-process map otherwise.
	var meetingStore kvstore.Store
	if cfg.RedisURL != "" {
		redisStore, err := kvstore.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisStore.Close()
		meetingStore = redisStore
		logger.Info().Msg("connected to redis")
	} else {
		meetingStore = kvstore.NewMemory()
		logger.Warn().Msg("REDIS_URL not set; using in-memory meeting store")
	}

	var mailer mail.Mailer
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTP(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPSender,
		})
	} else {
		mailer = mail.NewMock()
		logger.Warn().Msg("SMTP_HOST not set; email delivery is disabled")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewValidator()

	e.Use(middleware.Recovery(logger))
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health and the payment webhook stay outside auth.
	e.GET("/health", db.HealthHandler(pool))
	public := e.Group("/api/v1")

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() && cfg.JWTSecret == "" {
		apiV1.Use(auth.DevMiddleware())
		logger.Warn().Msg("JWT_SECRET not set; dev auth middleware active")
	} else {
		apiV1.Use(auth.Middleware([]byte(cfg.JWTSecret)))
	}

	// Realtime hub
	hub := ws.NewHub(logger)
	wsHandler := ws.NewHandler(hub)
	wsHandler.RegisterRoutes(apiV1)

	// Shared platform pieces
	tx := db.NewTransactor(pool)

	// Notification dispatcher and its domain adapters
	notifRepo := notification.NewRepoPG(pool)
	directory := notification.NewDirectoryPG(pool)
	dispatcher := notification.NewDispatcher(tx, notifRepo, directory, mailer,
		notification.NewHubPusher(hub),
		time.Duration(cfg.ReminderLookaheadMinutes)*time.Minute, logger)
	notifier := notification.NewNotifier(dispatcher)

	// Meetings
	meetingSvc := meeting.NewService(meetingStore, logger)
	meetingHandler := meeting.NewHandler(meetingSvc)
	meetingHandler.RegisterRoutes(apiV1)

	// Feedback eligibility placeholders
	feedbackStore := feedback.NewStorePG(pool)

	// Appointments. The refunder is late-bound below once the payment
	// service exists.
	apptRepo := appointment.NewRepoPG(pool)
	availRepo := appointment.NewAvailabilityRepoPG(pool)
	policy := appointment.Policy{
		CancelMinNotice:     time.Duration(cfg.CancelMinHours) * time.Hour,
		RescheduleMinNotice: time.Duration(cfg.RescheduleMinHours) * time.Hour,
		RequirePayment:      cfg.RequirePayment,
	}
	apptSvc := appointment.NewService(tx, apptRepo, availRepo, policy,
		notifier, nil, meeting.NewCreator(meetingSvc), feedbackStore, logger)
	appointment.NewHandler(apptSvc).RegisterRoutes(apiV1)

	// Payments
	paySvc := payment.NewService(tx, payment.NewRepoPG(pool), payment.NewDoctorFeesPG(pool),
		apptRepo, apptSvc, payment.NewSandboxProvider(logger), notifier,
		cfg.PaymentMinAmountCents, cfg.PaymentCurrency, logger)
	payment.NewHandler(paySvc).RegisterRoutes(apiV1, public)
	apptSvc.SetRefunder(paySvc)

	// Same-day queue
	queueSvc := queue.NewService(tx, queue.NewRepoPG(pool), apptRepo,
		apptSvc, notifier, cfg.QueueServiceMinutes, logger)
	queue.NewHandler(queueSvc).RegisterRoutes(apiV1)

	// Background sweeps: reminder lookahead every five minutes, failed
	// push replay hourly. Panics inside a job must not take the server
	// down with them.
	sched := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := sched.AddFunc("*/5 * * * *", func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		if err := dispatcher.SendUpcomingReminders(jobCtx); err != nil {
			logger.Error().Err(err).Msg("reminder sweep failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule reminder sweep")
	}
	if _, err := sched.AddFunc("0 * * * *", func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := dispatcher.RetryFailedNotifications(jobCtx); err != nil {
			logger.Error().Err(err).Msg("notification retry sweep failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule notification retry sweep")
	}
	sched.Start()
	defer sched.Stop()

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
