package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// identity is what the engine needs from the identity service.
type identity interface {
	service.Authorizer
	service.Directory
}

func main() {
	configPath := flag.String("config", os.Getenv("APPROVALS_CONFIG"), "path to config.yaml")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
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

	// Initialize storage
	var store repository.Store
	switch cfg.Database.Driver {
	case "memory":
		store = memory.New().Repositories()
		log.Warn().Msg("Using in-memory storage; data is lost on restart")
	default:
		db, err := database.New(ctx, cfg.Database.Postgres())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		if cfg.Database.MigrateOnStart {
			migrator := database.NewMigrator(db, log.Component("migrator").Logger)
			if err := migrator.Run(ctx, repository.Migrations()); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply migrations")
			}
		}
		store = repository.NewPostgresStore(db)
	}

	// Initialize identity
	var ident identity
	switch cfg.Identity.Mode {
	case "static":
		dir, err := client.LoadStaticDirectory(cfg.Identity.DirectoryFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load static directory")
		}
		ident = dir
		log.Info().Str("file", cfg.Identity.DirectoryFile).Msg("Static identity directory loaded")
	default:
		identityClient, err := client.NewIdentityGRPCClient(cfg.Identity.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create identity gRPC client")
		}
		defer identityClient.Close()
		ident = identityClient
		log.Info().Str("identity_grpc", cfg.Identity.GRPCAddr).Msg("Identity gRPC client initialized")
	}

	// Initialize notifications
	var notifier service.Notifier
	if cfg.NATS.Enabled {
		js, err := client.NewJetStreamPublisher(ctx, cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer closeQuietly(js)
		notifier = client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, log.Component("notifications").Logger)
		log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("Notification publisher initialized")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(registry)

	// Initialize services
	engine := service.NewApprovalService(store, ident, ident, notifier, metrics, log.Component("engine"))
	queries := service.NewQueryService(store)
	workflows := service.NewWorkflowService(store.Workflows, log.Component("workflows"))

	auth := handler.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, SkipAuth: cfg.Auth.SkipAuth}
	if auth.SkipAuth {
		log.Warn().Msg("Authentication disabled; trusting session headers")
	}

	// Start HTTP server
	httpHandler := handler.NewHTTPHandler(engine, queries, workflows, log)
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpHandler.Router(handler.RouterOptions{
			Auth:           auth,
			RequestTimeout: cfg.Server.RequestTimeout,
			Gatherer:       registry,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.SessionInterceptor(auth)))
	handler.NewGRPCHandler(engine, queries, log.Logger).Register(grpcServer)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
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
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
