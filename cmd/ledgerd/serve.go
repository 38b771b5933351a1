package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/certledger/internal/admission"
	"github.com/jmerrifield20/certledger/internal/api/handler"
	"github.com/jmerrifield20/certledger/internal/ingest"
	"github.com/jmerrifield20/certledger/internal/ledger"
	"github.com/jmerrifield20/certledger/internal/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──────────────────────────────────────────────────────────────
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	// ── Ledger ───────────────────────────────────────────────────────────────
	coord := ledger.NewCoordinator(be.store, logger)
	coord.SetRetryPolicy(ledger.RetryPolicy{
		MaxRetries:  cfg.Append.MaxRetries,
		BaseBackoff: cfg.Append.BaseBackoff,
		MaxBackoff:  cfg.Append.MaxBackoff,
	})
	coord.SetMetricsRecorder(handler.RecordAppend)
	coord.SetContentSink(be.content)
	if cfg.Admission.Enabled {
		coord.SetAdmissionGate(admission.NewGate(admission.NewRuleBasedScorer(), admission.Config{
			MaxPayloadBytes: cfg.Admission.MaxPayloadBytes,
			RejectScore:     cfg.Admission.RejectScore,
		}, logger))
	}

	verifier := ledger.NewVerifier(be.store, be.store, logger)
	verifier.SetContentResolver(be.content)
	verifier.SetResultRecorder(handler.RecordVerification)
	prover := ledger.NewProver(be.store, be.store, logger)
	svc := ingest.NewService(coord, logger)

	// ── HTTP ─────────────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(ctx, handler.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, logger,
		handler.NewLedgerHandler(svc, coord, verifier, prover, logger),
		handler.NewAdminHandler(coord, cfg.Server.AdminSecret, logger),
	)
	if cfg.Server.AdminSecret == "" {
		logger.Warn("server.admin_secret is empty, admin routes are disabled")
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var worker *ingest.Worker
	if cfg.Kafka.Enabled {
		consumer, err := ingest.NewKafkaConsumer(ingest.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		defer consumer.Close() //nolint:errcheck
		worker = ingest.NewWorker(ingest.WorkerConfig{
			Concurrency:   cfg.Kafka.Concurrency,
			RetryDelay:    cfg.Kafka.RetryDelay,
			MaxRetryDelay: cfg.Kafka.MaxRetryDelay,
		}, consumer, svc, logger)
	}

	// ── gRPC ─────────────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.GRPCPort, err)
	}
	grpcSrv := rpc.NewServer(rpc.New(verifier, prover, logger), logger)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.Port), zap.String("store", cfg.StoreDriver))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP listen: %w", err)
		}
	}()
	go func() {
		logger.Info("ledgerd gRPC listening", zap.Int("port", cfg.GRPCPort))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC serve: %w", err)
		}
	}()

	// ── Background work ──────────────────────────────────────────────────────
	var wg sync.WaitGroup
	if worker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	if cfg.CheckpointInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.CheckpointInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					published, failed, err := checkpointAll(ctx, prover, be.store, logger)
					if err != nil && ctx.Err() == nil {
						logger.Warn("checkpoint sweep error", zap.Error(err))
					}
					logger.Info("checkpoint sweep", zap.Int("published", published), zap.Int("failed", failed))
				}
			}
		}()
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}
	logger.Info("shutting down ledgerd...")

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	wg.Wait()

	logger.Info("ledgerd stopped")
	return runErr
}
