package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/eudresfs/pgben-approvals/internal/auth"
	"github.com/eudresfs/pgben-approvals/internal/config"
	"github.com/eudresfs/pgben-approvals/internal/database"
	"github.com/eudresfs/pgben-approvals/internal/events"
	"github.com/eudresfs/pgben-approvals/internal/handler"
	"github.com/eudresfs/pgben-approvals/internal/logger"
	"github.com/eudresfs/pgben-approvals/internal/middleware"
	"github.com/eudresfs/pgben-approvals/internal/migrate"
	"github.com/eudresfs/pgben-approvals/internal/repository"
	"github.com/eudresfs/pgben-approvals/internal/replay"
	"github.com/eudresfs/pgben-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if err := migrate.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Initialize event publisher. NATS being down degrades events, not the
	// service itself.
	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		conn, err := events.Connect(cfg.NATS.URL)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable; events disabled")
			publisher = events.NewPublisher(nil, log.Logger)
		} else {
			defer conn.Close()
			publisher = events.NewPublisher(conn, log.Logger)
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	} else {
		publisher = events.NewPublisher(nil, log.Logger)
	}

	// Initialize repositories
	configRepo := repository.NewConfigurationRepository(db)
	approverRepo := repository.NewApproverRepository(db)
	delegationRepo := repository.NewDelegationRepository(db)
	solicitationRepo := repository.NewSolicitationRepository(db)
	historyRepo := repository.NewDecisionHistoryRepository(db)

	// Initialize replay executor
	executor := replay.NewExecutor(replay.Config{
		BaseURL: cfg.Replay.BaseURL,
		Timeout: cfg.Replay.Timeout,
	}, log.Logger)

	// Initialize services
	configService := service.NewConfigurationService(configRepo, log)
	approverService := service.NewApproverService(approverRepo, configRepo, log)
	delegationService := service.NewDelegationService(delegationRepo, approverRepo, log)
	solicitationService := service.NewSolicitationService(
		solicitationRepo, configRepo, approverRepo, delegationService, publisher, log)
	decisionService := service.NewDecisionService(
		solicitationRepo, historyRepo, approverRepo, configRepo,
		delegationService, publisher, executor, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(
		configService, approverService, delegationService,
		solicitationService, decisionService, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(&log.Logger))
	r.Use(middleware.Recovery(&log.Logger))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth.JWTSecret))
		httpHandler.Routes(r)
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server (health and reflection only)
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}
