package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"booklink/observability/logging"
	telemetry "booklink/observability/otel"
	"booklink/services/escrow-gateway/auth"
	"booklink/services/escrow-gateway/config"
	"booklink/services/escrow-gateway/engine"
	"booklink/services/escrow-gateway/identity"
	"booklink/services/escrow-gateway/models"
	"booklink/services/escrow-gateway/notify"
	"booklink/services/escrow-gateway/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.SetupWithRotation("escrow-gateway", cfg.Environment, cfg.LogFile)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "escrow-gateway",
		Environment: cfg.Environment,
		Endpoint:    cfg.TelemetryEndpoint,
		Insecure:    cfg.TelemetryInsecure,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}
	if err := seedCommissionRate(db, cfg.DefaultCommissionRate); err != nil {
		log.Fatalf("seed commission rate: %v", err)
	}

	identityClient, err := identity.NewClient(identity.Config{
		BaseURL: cfg.IdentityBaseURL,
		APIKey:  cfg.IdentityAPIKey,
		Timeout: cfg.IdentityTimeout.Value(),
	})
	if err != nil {
		log.Fatalf("build identity client: %v", err)
	}

	queue := notify.NewQueue(
		notify.WithTaskCapacity(cfg.QueueCapacity),
		notify.WithTTL(cfg.QueueTTL.Value()),
	)
	worker := notify.NewWorker(queue, notify.WorkerConfig{
		SinkURL:       cfg.NotifySinkURL,
		Secret:        cfg.NotifySecret,
		RatePerMinute: cfg.NotifyRatePerMinute,
		Logger:        logger,
	})
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go worker.Run(workerCtx)

	eng, err := engine.New(db, engine.Options{
		Identity:              identityClient,
		Notifier:              queue,
		DefaultCommissionRate: cfg.DefaultCommissionRate,
		Logger:                logger,
	})
	if err != nil {
		log.Fatalf("build escrow engine: %v", err)
	}

	authn, err := auth.NewAuthenticator(auth.Options{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
	})
	if err != nil {
		log.Fatalf("build authenticator: %v", err)
	}

	gateway := server.New(server.Config{DB: db, Engine: eng, Auth: authn})
	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(gateway.Handler(), "escrow-gateway"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("escrow gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrow gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	stopWorker()
}

// seedCommissionRate inserts the commission_rate setting row on first boot.
// An existing row wins so an operator's runtime adjustment survives restarts.
func seedCommissionRate(db *gorm.DB, rate float64) error {
	var setting models.Setting
	err := db.First(&setting, "key = ?", models.SettingCommissionRate).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	now := time.Now()
	return db.Create(&models.Setting{
		Key:         models.SettingCommissionRate,
		Value:       strconv.FormatFloat(rate, 'f', -1, 64),
		Description: "default commission rate for new transactions",
		CreatedAt:   now,
		UpdatedAt:   now,
	}).Error
}
