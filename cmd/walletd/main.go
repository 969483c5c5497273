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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wizardbeardstudio/streamwallet/internal/access"
	"github.com/wizardbeardstudio/streamwallet/internal/coordinator"
	"github.com/wizardbeardstudio/streamwallet/internal/deposits"
	"github.com/wizardbeardstudio/streamwallet/internal/ledger"
	"github.com/wizardbeardstudio/streamwallet/internal/metering"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/audit"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/auth"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/clock"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/config"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/events"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/server"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
	"github.com/wizardbeardstudio/streamwallet/internal/withdrawals"
)

const devJWTSecret = "dev-insecure-change-me"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("walletd stopped", zap.Error(err))
	}
}

// validateProductionRuntime refuses development shortcuts outside the development environment.
func validateProductionRuntime(cfg *config.Config) error {
	if cfg.IsDevelopment() {
		return nil
	}
	if !cfg.UsesPostgres() {
		return errors.New("WALLET_DATABASE_URL is required outside development")
	}
	if !cfg.TLS.Enabled {
		return errors.New("WALLET_TLS_ENABLED must be true outside development")
	}
	if cfg.JWTKeysetFile == "" && cfg.JWTKeys == "" && cfg.JWTSecret == devJWTSecret {
		return errors.New("WALLET_JWT_SECRET must not use the development default")
	}
	if cfg.PayoutURL == "" {
		return errors.New("WALLET_PAYOUT_URL is required outside development")
	}
	return nil
}

func loadKeyset(cfg *config.Config) (auth.HMACKeyset, error) {
	return cfg.JWTKeysetSource().Load()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := validateProductionRuntime(cfg); err != nil {
		return err
	}
	startedAt := time.Now().UTC()
	clk := clock.RealClock{}

	var (
		st         store.Store
		auditStore audit.Store
		dbPinger   server.Pinger
	)
	if cfg.UsesPostgres() {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx, pg.DB(), "up"); err != nil {
				return err
			}
		}
		st, auditStore, dbPinger = pg, audit.NewPostgresStore(pg.DB()), pg.DB()
		logger.Info("using postgres store")
	} else {
		st, auditStore = store.NewMemoryStore(), audit.NewInMemoryStore()
		logger.Warn("WALLET_DATABASE_URL not set, using in-memory store")
	}

	nc, err := events.Connect(cfg.NatsURL, logger)
	if err != nil {
		return err
	}
	var publisher events.Publisher = events.Noop{}
	if nc != nil {
		defer nc.Drain()
		publisher = events.NewNATSPublisher(nc, logger)
	}

	var claimer deposits.Claimer
	if cfg.RedisAddr != "" {
		rdb, err := deposits.ConnectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		claimer = deposits.NewRedisClaimer(rdb, 30*time.Second)
	}

	keys, err := loadKeyset(cfg)
	if err != nil {
		return err
	}
	tlsCfg, err := server.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}

	metrics := server.NewMetrics()
	var payouts withdrawals.PayoutClient = withdrawals.ManualPayouts{}
	if cfg.PayoutURL != "" {
		payouts = withdrawals.NewHTTPPayoutClient(cfg.PayoutURL, cfg.PayoutAPIKey, cfg.PayoutTimeout)
	}

	coord := coordinator.New(st, coordinator.Options{Clock: clk, Currency: cfg.Currency, Publisher: publisher, Logger: logger})
	engine := metering.NewEngine(coord, cfg.RatePerMinute, logger.Named("metering"))
	gateway, err := server.NewGateway(server.Services{
		Coordinator: coord,
		Metering:    engine,
		Deposits: deposits.NewGuard(coord, deposits.GuardOptions{
			Secret:  cfg.WebhookSecret,
			Claimer: claimer,
			Audit:   auditStore,
			Logger:  logger.Named("deposits"),
		}),
		Withdrawals: withdrawals.NewService(coord, withdrawals.Options{
			Payouts:             metrics.InstrumentPayouts(payouts),
			Audit:               auditStore,
			MinWithdrawal:       cfg.MinWithdrawal,
			RefundFailedPayouts: cfg.RefundFailedPayouts,
			PayoutTimeout:       cfg.PayoutTimeout,
			Logger:              logger.Named("withdrawals"),
		}),
		Messenger:  access.NewMessenger(coord, cfg.MessagePrice, cfg.ChatRequestTTL, logger.Named("chat")),
		Ledger:     ledger.NewReader(st),
		Reconciler: ledger.NewReconciler(st, clk, logger.Named("reconcile")),
		Audit:      auditStore,
		Metrics:    metrics,
		Logger:     logger.Named("http"),
	})
	if err != nil {
		return err
	}
	guard, err := server.NewRemoteAccessGuard(clk, auditStore, cfg.TrustedCIDRs, logger.Named("remote_access"))
	if err != nil {
		return fmt.Errorf("configure remote access guard: %w", err)
	}
	handler := server.NewHTTPHandler(gateway, auth.NewJWTVerifierWithKeyset(keys), guard, server.SystemHandler{
		Version:   cfg.Version,
		StartedAt: startedAt,
		DB:        dbPinger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcOpts := make([]grpc.ServerOption, 0)
	if tlsCfg != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(grpcServer, hs)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(grpcListener)
	})
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("tls", tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if nc != nil {
		consumer := events.NewStreamStatusConsumer(nc, engine.ApplyStreamStatus, logger.Named("streams"))
		g.Go(func() error { return consumer.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		hs.SetServingStatus("", healthv1.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
