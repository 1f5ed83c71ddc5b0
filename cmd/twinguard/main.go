// Command twinguard is the device daemon: it keeps the allow-list current,
// serves the device API, writes audit records and watches for income.
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

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/twinguard/internal/api"
	"github.com/jmerrifield20/twinguard/internal/app"
	"github.com/jmerrifield20/twinguard/internal/audit"
	"github.com/jmerrifield20/twinguard/internal/config"
	"github.com/jmerrifield20/twinguard/internal/datalog"
	"github.com/jmerrifield20/twinguard/internal/health"
	"github.com/jmerrifield20/twinguard/internal/income"
	"github.com/jmerrifield20/twinguard/internal/metrics"
	"github.com/jmerrifield20/twinguard/internal/policy"
	"github.com/jmerrifield20/twinguard/internal/supervisor"
	"github.com/jmerrifield20/twinguard/internal/twin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const serviceName = "twinguard"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("twinguard exited with error", zap.Error(err))
	}
}

func run(bootLogger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load(config.New(os.Getenv("TWINGUARD_CONFIG_FILE")), bootLogger)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Backends ─────────────────────────────────────────────────────────────
	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()
	deps.Cached.StartEviction(ctx, time.Minute)

	signer, err := deps.Signer()
	if err != nil {
		return err
	}
	logger.Info("device identity", zap.String("address", signer.Address()))

	// ── Policy (fail closed) ─────────────────────────────────────────────────
	acl, err := policy.New(ctx, policy.Config{
		RegistryID:   cfg.Twin.RegistryID,
		Topic:        cfg.Twin.ACLTopic,
		ListKey:      cfg.ACL.ListKey,
		Mode:         policy.WatchMode(cfg.Ledger.WatchMode),
		PollInterval: cfg.Ledger.PollInterval,
	}, deps.Gateway, deps.Store, logger)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	supCfg := supervisor.Config{OnRestart: metrics.RecordRestart}
	supervisor.Go(ctx, "policy-watch", acl.Watch, supCfg, logger)

	// ── Audit ────────────────────────────────────────────────────────────────
	auditor := audit.NewWriter(ctx, audit.Config{
		RegistryID:  cfg.Twin.RegistryID,
		DeviceTopic: cfg.Twin.DeviceTopic,
	}, deps.Gateway, deps.Store, deps.Pinner, signer, logger)

	// ── Income ───────────────────────────────────────────────────────────────
	if cfg.Income.Enabled {
		if err := startIncome(ctx, cfg, deps, auditor, supCfg, logger); err != nil {
			return err
		}
	}

	// ── Health ───────────────────────────────────────────────────────────────
	probes := deps.Probes()
	if p := deps.PinningProbe(); p != nil {
		probes = append(probes, *p)
	}
	checker := health.New(probes, health.Config{}, logger)
	checker.SetMetricsRecord(metrics.RecordHealthCheck)
	go checker.Start(ctx)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	var tokens *api.TokenIssuer
	if cfg.API.TokenSecret != "" {
		tokens, err = api.NewTokenIssuer(cfg.API.TokenSecret, serviceName, time.Hour)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("api.token_secret not set, bearer routes are disabled")
	}
	h := api.NewHandler(acl, auditor, datalog.NewReader(deps.Gateway, logger), tokens, logger)
	h.SetHealth(checker)
	router := api.NewRouter(ctx, api.RouterConfig{
		CORSOrigins:      cfg.API.CORSOrigins,
		RateLimitRPS:     cfg.API.RateLimitRPS,
		ActionsPerMinute: cfg.API.ActionsPerMinute,
	}, h, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.API.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.API.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSvc := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	reflection.Register(grpcServer)
	// The policy is loaded by now; serving never starts without one.
	healthSvc.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	healthSvc.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	// ── Start servers ────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("device API listening", zap.Int("port", cfg.API.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("gRPC health listening", zap.Int("port", cfg.API.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var runErr error
	select {
	case <-quit:
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}
	logger.Info("shutting down twinguard...")
	healthSvc.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("twinguard stopped")
	return runErr
}

func startIncome(ctx context.Context, cfg *config.Config, deps *app.Deps, auditor actionLogger, supCfg supervisor.Config, logger *zap.Logger) error {
	address, err := twin.NewResolver(deps.Gateway, logger).Resolve(ctx, cfg.Twin.RegistryID, cfg.Twin.DeviceTopic)
	if err != nil {
		return fmt.Errorf("resolve device account: %w", err)
	}
	threshold, err := income.ScaleUnits(cfg.Income.Threshold, cfg.Income.Decimals)
	if err != nil {
		return fmt.Errorf("income.threshold: %w", err)
	}
	watcher := income.NewWatcher(deps.Gateway, income.Config{
		Address:   address,
		Threshold: threshold,
		Decimals:  cfg.Income.Decimals,
	}, logger)
	supervisor.Go(ctx, "income-watch", watcher.Run, supCfg, logger)

	c := &incomeConsumer{
		signal:   watcher.Signal(),
		decimals: cfg.Income.Decimals,
		logger:   logger,
	}
	if cfg.Income.LogActions {
		c.audit = auditor
	}
	supervisor.Go(ctx, "income-consumer", c.Run, supCfg, logger)
	return nil
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := "OK"
		if err != nil {
			code = grpc.Code(err).String() //nolint:staticcheck
		}
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", code),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
