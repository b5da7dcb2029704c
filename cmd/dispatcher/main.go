package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/admin"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/auth"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/config"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/db"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/dispatch"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/fanout"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/health"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/logging"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/metrics"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/store/postgres"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("azera-dispatcher")

	shutdownTracing, err := tracing.InitTracing(ctx, "azera-dispatcher")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	st := postgres.New(pool)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	dispatcher := dispatch.New(st, cfg.Dispatcher, cfg.Signing, logger)

	// Optional wake bus: fan-out announces fresh rows, dispatchers sweep
	// early instead of waiting for the next tick.
	var wakePub fanout.WakePublisher
	var producer *nsq.Producer
	var wakeConsumer *nsq.Consumer
	if cfg.NSQ.Enabled {
		producer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer producer.Stop()
		wakePub = fanout.NewNSQWakePublisher(producer, cfg.NSQ.WakeTopic)

		wakeConsumer, err = dispatch.NewWakeConsumer(cfg.NSQ, dispatcher, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq wake consumer failed")
		}
	}

	fan := fanout.New(st, logger, wakePub)

	// HTTP surface: health, metrics, and the admin API.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, dispatcher.LastSweep))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	admin.NewServer(st, dispatcher, fan, logger).Register(mux)

	var handler http.Handler = mux
	if cfg.Auth.PublicKeyPEM != "" {
		validator, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator init failed")
		}
		handler = validator.HTTPMiddleware(mux)
	} else {
		logger.Plain().Warn("JWT_PUBLIC_KEY not set, admin API is unauthenticated")
	}

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: handler}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	go dispatcher.Run(ctx)
	logger.Plain().WithFields(map[string]any{
		"sweep_interval": cfg.Dispatcher.SweepInterval.String(),
		"batch_size":     cfg.Dispatcher.BatchSize,
		"max_attempts":   cfg.Dispatcher.MaxAttempts,
	}).Info("dispatcher service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dispatcher service")
	cancel()
	if wakeConsumer != nil {
		wakeConsumer.Stop()
		<-wakeConsumer.StopChan
	}
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("dispatcher service stopped")
}
