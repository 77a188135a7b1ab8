package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"escrowflow/access"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/contract"
	"escrowflow/db"
	"escrowflow/idempotency"
	"escrowflow/logging"
	"escrowflow/registry"
	"escrowflow/transfer"
)

const healthService = "escrowflow.v1.Escrow"

type contractStore interface {
	contract.Store
	contract.Outbox
}

type app struct {
	cfg       config.Config
	log       zerolog.Logger
	server    *Server
	relay     *transfer.Relay
	readiness func(ctx context.Context) error
	closers   []func()
}

func main() {
	path := os.Getenv("ESCROW_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, os.Stdout).With().Str("service", "escrowflow").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap")
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("shutdown complete")
}

// bootstrap wires storage, idempotency and transfer backends. Each backend
// falls back to its in-process variant when the matching address is unset.
func bootstrap(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var (
		store contractStore
		users auth.Repository
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.MaxDBConns})
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		log.Info().Strs("applied", applied).Msg("migrations up to date")
		store = contract.NewPGStore(pool)
		users = auth.NewRepository(pool)
		a.readiness = pool.Ping
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory contract store")
		store = contract.NewMemoryStore()
		users = auth.NewMemoryRepository()
	}

	var idem idempotency.Store
	if cfg.RedisURL != "" {
		client, err := idempotency.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		idem = idempotency.NewRedisStore(client)
	} else {
		idem = idempotency.NewMemoryStore()
	}

	var publisher transfer.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := transfer.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = kp.Close() })
		publisher = kp
	} else {
		log.Warn().Msg("KAFKA_BROKERS not set, transfer instructions are logged only")
		publisher = transfer.NewLogPublisher(log)
	}

	reg := registry.New(store, access.New(cfg.ArbiterID), log).
		WithIdempotency(idempotency.NewGuard(idem, cfg.IdempotencyTTL).WithLogger(log)).
		WithMilestoneAmountPolicy(cfg.EnforceMilestoneAmount)
	authSvc := auth.NewService(users, cfg.JWTSecret, cfg.ArbiterID).WithTokenTTL(cfg.TokenTTL)

	a.server = NewServer(reg, authSvc, log).WithReadiness(a.readiness)
	a.relay = transfer.NewRelay(store, publisher, log, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	return a, nil
}

func (a *app) run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.HTTPAddr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.GRPCAddr).Msg("grpc health listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
