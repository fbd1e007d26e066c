// Command pixelstream serves the live pixel event feed and the reconciliation API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/pixelverify/api"
	"github.com/Aidin1998/pixelverify/internal/admission"
	"github.com/Aidin1998/pixelverify/internal/changesource"
	"github.com/Aidin1998/pixelverify/internal/config"
	"github.com/Aidin1998/pixelverify/internal/reconcile"
	"github.com/Aidin1998/pixelverify/internal/redis"
	"github.com/Aidin1998/pixelverify/internal/relay"
	"github.com/Aidin1998/pixelverify/internal/stream"
	"github.com/Aidin1998/pixelverify/internal/tracing"
	"github.com/Aidin1998/pixelverify/pkg/logger"
	"github.com/Aidin1998/pixelverify/pkg/metrics"
	"github.com/Aidin1998/pixelverify/pkg/models"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const poolStatsInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(cfg.Tracing, nil, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	redisClient, err := redis.NewClient(ctx, &cfg.Redis, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	db, err := changesource.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	source := changesource.NewGormSource(db, cfg.Database.QueryTimeout)

	controller := admission.NewController(redisClient.GetClient(), cfg.Admission, zapLogger)
	publisher := stream.NewPublisher(redisClient.GetClient(), cfg.Admission.KeyPrefix, zapLogger)
	broadcaster := stream.NewBroadcaster(controller, publisher, source, cfg.Stream, zapLogger)
	engine := reconcile.NewEngine(source, reconcile.Config{MaxRows: cfg.Reconcile.MaxRows}, zapLogger)

	server := api.NewServer(zapLogger, broadcaster, engine,
		api.NewSessionTokenResolver(cfg.Auth.SessionSecret, cfg.Auth.Leeway, cfg.Auth.AllowHeaderFallback),
		api.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			WSWriteTimeout: cfg.Server.WSWriteTimeout,
			HealthChecks: map[string]api.HealthCheck{
				"redis": redisClient.Health,
				"database": func(ctx context.Context) error {
					sqlDB, err := db.DB()
					if err != nil {
						return err
					}
					return sqlDB.PingContext(ctx)
				},
			},
		})

	g, gctx := errgroup.WithContext(ctx)

	// request contexts end with gctx so live sessions close and release their slots
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		zapLogger.Info("Starting API server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zapLogger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			zapLogger.Warn("Graceful shutdown timed out, closing connections", zap.Error(err))
			return httpServer.Close()
		}
		return nil
	})

	g.Go(func() error {
		changesource.ReportPoolStats(gctx, db, "postgres", poolStatsInterval, zapLogger)
		return nil
	})

	if cfg.Reconcile.Job.Enabled {
		job := reconcile.NewJob(engine, cfg.Reconcile.Job, zapLogger, func(r models.ReconciliationResult) {
			metrics.DiscrepancyRate.WithLabelValues(r.ShopID).Set(r.DiscrepancyRate)
		})
		g.Go(func() error {
			job.Run(gctx)
			return nil
		})
	}

	if cfg.Relay.Enabled {
		consumer := relay.New(cfg.Relay, publisher, source, zapLogger)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		zapLogger.Error("Service stopped with error", zap.Error(err))
	}

	if err := shutdownTracing(context.Background()); err != nil {
		zapLogger.Warn("Tracer shutdown failed", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}
